package internal

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/env"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-unit-connections/pkg/whatsapp"
)

// SeenPruner drops provider event ids that fell out of the dedup window.
type SeenPruner interface {
	PruneSeen(ctx context.Context) (int64, error)
}

type WAVersionRefresher interface {
	Refresh(ctx context.Context, force bool) (pkgWhatsApp.WAVersionRefreshStatus, bool, error)
}

// Routines schedules the housekeeping jobs. There is deliberately no
// per-unit status polling: status is refreshed on read and by webhooks.
// refresher may be nil when the native provider is disabled.
func Routines(c *cron.Cron, pruner SeenPruner, refresher WAVersionRefresher) {
	log.Print(nil).Info("Running Routine Tasks")

	pruneSpec := env.GetEnvStringOrDefault("WEBHOOK_DEDUP_PRUNE_CRON_SPEC", "0 */10 * * * *")
	_, err := c.AddFunc(pruneSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := pruner.PruneSeen(ctx)
		if err != nil {
			log.Print(nil).WithError(err).Error("Webhook dedup prune failed")
			return
		}
		if n > 0 {
			log.Print(nil).WithField("pruned", n).Info("Webhook dedup window pruned")
		}
	})
	if err != nil {
		log.Print(nil).WithField("error", err.Error()).Error("Failed to add webhook dedup prune cron job")
	}

	if refresher != nil && env.GetEnvBoolOrDefault("WHATSAPP_ENABLE_WAVERSION_REFRESH_CRON", false) {
		spec := getWAVersionRefreshCronSpec()
		force := env.GetEnvBoolOrDefault("WHATSAPP_WAVERSION_REFRESH_CRON_FORCE", false)
		_, err := c.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			status, refreshed, err := refresher.Refresh(ctx, force)
			v := status.CurrentVersion
			versionStr := strconv.FormatUint(uint64(v[0]), 10) + "." + strconv.FormatUint(uint64(v[1]), 10) + "." + strconv.FormatUint(uint64(v[2]), 10)
			if err != nil {
				log.Print(nil).WithField("version", versionStr).WithField("force", force).Error("WA Web version refresh failed: " + err.Error())
				return
			}
			log.Print(nil).WithField("version", versionStr).WithField("refreshed", refreshed).WithField("force", force).Info("WA Web version refresh completed")
		})
		if err != nil {
			log.Print(nil).WithField("error", err.Error()).Error("Failed to add WA Web version refresh cron job")
		} else {
			log.Print(nil).WithField("spec", spec).WithField("force", force).Info("WA Web version refresh cron enabled")
		}
	}

	c.Start()
}

func getWAVersionRefreshCronSpec() string {
	// robfig/cron with seconds field (6 parts). Default: daily at 03:00:00.
	spec := strings.TrimSpace(env.GetEnvStringOrDefault("WHATSAPP_WAVERSION_REFRESH_CRON_SPEC", ""))
	if spec == "" {
		return "0 0 3 * * *"
	}
	return spec
}
