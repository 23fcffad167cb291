package internal

import (
	"context"
	mathrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/env"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-unit-connections/pkg/whatsapp"
)

// NativeSessions is the part of the native runtime the startup restore drives.
type NativeSessions interface {
	RoutedSessions(ctx context.Context) ([]pkgWhatsApp.RoutedSession, error)
	Restore(ctx context.Context, routed pkgWhatsApp.RoutedSession) error
	Reconnect(instanceID string) error
}

type StartupOptions struct {
	Concurrency int
	JitterMax   time.Duration
	Retries     int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func StartupOptionsFromEnv() StartupOptions {
	return StartupOptions{
		Concurrency: env.GetEnvPositiveIntOrDefault("WHATSAPP_STARTUP_RECONNECT_CONCURRENCY", 10, 1),
		JitterMax:   env.GetEnvDurationOrDefault("WHATSAPP_STARTUP_RECONNECT_JITTER_MAX", 5*time.Second),
		Retries:     env.GetEnvPositiveIntOrDefault("WHATSAPP_STARTUP_RECONNECT_RETRIES", 5, 1),
		BaseBackoff: env.GetEnvDurationOrDefault("WHATSAPP_STARTUP_RECONNECT_BACKOFF_BASE", 2*time.Second),
		MaxBackoff:  env.GetEnvDurationOrDefault("WHATSAPP_STARTUP_RECONNECT_BACKOFF_MAX", 30*time.Second),
	}
}

func jitterSleep(max time.Duration) {
	if max <= 0 {
		return
	}
	ms := mathrand.Int64N(max.Milliseconds() + 1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func reconnectWithRetry(sessions NativeSessions, instanceID string, retries int, baseBackoff time.Duration, maxBackoff time.Duration) error {
	if retries <= 1 {
		return sessions.Reconnect(instanceID)
	}
	if baseBackoff <= 0 {
		baseBackoff = 2 * time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		lastErr = sessions.Reconnect(instanceID)
		if lastErr == nil {
			return nil
		}
		if attempt == retries {
			break
		}

		// Exponential backoff with small jitter.
		backoff := baseBackoff * time.Duration(1<<(attempt-1))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(mathrand.Int64N(int64(baseBackoff/4) + 1))
		time.Sleep(backoff + jitter)
	}
	return lastErr
}

// Startup brings paired native sessions back after a restart. The records
// are not touched here: the sessions' own connected or disconnected events
// reconcile them through the ingestor.
func Startup(ctx context.Context, sessions NativeSessions, opts StartupOptions) {
	log.Print(nil).Info("Running Startup Tasks")

	routed, err := sessions.RoutedSessions(ctx)
	if err != nil {
		log.Print(nil).Error("Failed to load native session routings: " + err.Error())
		return
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	var restored, reconnected, failed int64
	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

	for _, r := range routed {
		if r.InstanceID == "" || r.StoreJID == "" {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(r pkgWhatsApp.RoutedSession) {
			defer wg.Done()
			defer func() { <-sem }()

			jitterSleep(opts.JitterMax)
			log.Print(nil).Info("Restoring native session " + r.InstanceID)

			if err := sessions.Restore(ctx, r); err != nil {
				log.Print(nil).Warn("Failed to restore " + r.InstanceID + ": " + err.Error())
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&restored, 1)

			if err := reconnectWithRetry(sessions, r.InstanceID, opts.Retries, opts.BaseBackoff, opts.MaxBackoff); err != nil {
				log.Print(nil).Warn("Failed to reconnect " + r.InstanceID + ": " + err.Error())
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&reconnected, 1)
		}(r)
	}

	wg.Wait()
	log.Print(nil).
		WithField("restored", restored).
		WithField("reconnected", reconnected).
		WithField("failed", failed).
		WithField("concurrency", opts.Concurrency).
		WithField("retries", opts.Retries).
		Info("Startup reconnect pass complete")
}
