package admin

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	typWhatsApp "github.com/gdbrns/go-whatsapp-unit-connections/internal/types"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/webhook"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/router"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-unit-connections/pkg/whatsapp"
)

type Lister interface {
	List(ctx context.Context) ([]connection.View, map[connection.Status]int, error)
}

type IngestStats interface {
	Stats(ctx context.Context) (webhook.Stats, error)
}

type VersionRefresher interface {
	Status() pkgWhatsApp.WAVersionRefreshStatus
	Refresh(ctx context.Context, force bool) (pkgWhatsApp.WAVersionRefreshStatus, bool, error)
}

type Controller struct {
	connections Lister
	ingest      IngestStats
	// versions is nil when the native provider is disabled.
	versions  VersionRefresher
	providers []connection.Provider
	startedAt time.Time
}

func NewController(connections Lister, ingest IngestStats, versions VersionRefresher, providers []connection.Provider) *Controller {
	return &Controller{
		connections: connections,
		ingest:      ingest,
		versions:    versions,
		providers:   providers,
		startedAt:   time.Now(),
	}
}

// ListConnections
// @Summary     List every unit's WhatsApp connection
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Success     200 {object} router.Response
// @Failure     401 {object} router.Response
// @Router      /admin/connections [get]
func (ctl *Controller) ListConnections(c *fiber.Ctx) error {
	views, stats, err := ctl.connections.List(c.UserContext())
	if err != nil {
		return router.ResponseInternalError(c, err.Error())
	}
	status := c.Query("status")
	if status != "" {
		filtered := views[:0]
		for _, v := range views {
			if string(v.Status) == status {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	return router.ResponseSuccessWithData(c, "Success get connection list", typWhatsApp.ResponseConnectionList{
		Connections: views,
		Stats:       stats,
		Providers:   ctl.providers,
	})
}

// GetStats
// @Summary     Connection and webhook ingest statistics
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Success     200 {object} router.Response
// @Router      /admin/stats [get]
func (ctl *Controller) GetStats(c *fiber.Ctx) error {
	_, stats, err := ctl.connections.List(c.UserContext())
	if err != nil {
		return router.ResponseInternalError(c, err.Error())
	}
	ingest, err := ctl.ingest.Stats(c.UserContext())
	if err != nil {
		return router.ResponseInternalError(c, err.Error())
	}
	return router.ResponseSuccessWithData(c, "Success get stats", fiber.Map{
		"connections": stats,
		"webhooks":    ingest,
		"providers":   ctl.providers,
		"uptime":      time.Since(ctl.startedAt).Round(time.Second).String(),
	})
}

// GetWhatsAppWebVersion
// @Summary     Native client WhatsApp Web version
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Success     200 {object} router.Response
// @Failure     404 {object} router.Response "native provider disabled"
// @Router      /admin/whatsapp/version [get]
func (ctl *Controller) GetWhatsAppWebVersion(c *fiber.Ctx) error {
	if ctl.versions == nil {
		return router.ResponseNotFound(c, "Native provider is disabled")
	}
	return router.ResponseSuccessWithData(c, "Success get WhatsApp Web version", ctl.versions.Status())
}

// RefreshWhatsAppWebVersion
// @Summary     Refresh the native client WhatsApp Web version
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Param       body body types.RequestWAVersionRefresh false "force bypasses the refresh throttle"
// @Success     200 {object} router.Response
// @Failure     503 {object} router.Response
// @Router      /admin/whatsapp/version/refresh [post]
func (ctl *Controller) RefreshWhatsAppWebVersion(c *fiber.Ctx) error {
	if ctl.versions == nil {
		return router.ResponseNotFound(c, "Native provider is disabled")
	}
	var req typWhatsApp.RequestWAVersionRefresh
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return router.ResponseBadRequest(c, "Failed parse body request")
		}
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 30*time.Second)
	defer cancel()
	status, refreshed, err := ctl.versions.Refresh(ctx, req.Force)
	if err != nil {
		return router.ResponseErrorWithData(c, fiber.StatusServiceUnavailable, err.Error(), status)
	}
	return router.ResponseSuccessWithData(c, "Success refresh WhatsApp Web version", fiber.Map{
		"status":    status,
		"refreshed": refreshed,
	})
}
