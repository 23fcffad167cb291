package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"golang.org/x/sync/singleflight"
)

var ErrWAVersionOutdatedForQR = errors.New("whatsapp client version is outdated for QR pairing")

type WAVersionRefreshStatus struct {
	CurrentVersion store.WAVersionContainer `json:"current_version"`
	LastRefreshed  *time.Time               `json:"last_refreshed,omitempty"`
	LastError      string                   `json:"last_error,omitempty"`
}

// VersionRefresher keeps the WhatsApp Web version announced by native
// clients current. Concurrent refreshes share one upstream call.
type VersionRefresher struct {
	group       singleflight.Group
	minInterval time.Duration
	httpClient  *http.Client
	fetch       func(ctx context.Context, httpClient *http.Client) (*store.WAVersionContainer, error)

	mu            sync.RWMutex
	lastRefreshed *time.Time
	lastError     string
}

// NewVersionRefresher throttles unforced refreshes to one per minInterval.
func NewVersionRefresher(minInterval time.Duration) *VersionRefresher {
	return &VersionRefresher{
		minInterval: minInterval,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		fetch:       whatsmeow.GetLatestVersion,
	}
}

func (v *VersionRefresher) Status() WAVersionRefreshStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var last *time.Time
	if v.lastRefreshed != nil {
		t := *v.lastRefreshed
		last = &t
	}
	return WAVersionRefreshStatus{
		CurrentVersion: store.GetWAVersion(),
		LastRefreshed:  last,
		LastError:      v.lastError,
	}
}

func (v *VersionRefresher) record(err error) {
	v.mu.Lock()
	now := time.Now()
	v.lastRefreshed = &now
	v.lastError = ""
	if err != nil {
		v.lastError = err.Error()
	}
	v.mu.Unlock()
}

// Refresh fetches the latest WhatsApp Web version and applies it globally.
// It returns whether an upstream call was attempted.
func (v *VersionRefresher) Refresh(ctx context.Context, force bool) (WAVersionRefreshStatus, bool, error) {
	if !force && v.minInterval > 0 {
		v.mu.RLock()
		last := v.lastRefreshed
		v.mu.RUnlock()
		if last != nil && time.Since(*last) < v.minInterval {
			return v.Status(), false, nil
		}
	}

	_, err, _ := v.group.Do("refresh", func() (interface{}, error) {
		latest, err := v.fetch(ctx, v.httpClient)
		if err == nil && latest == nil {
			err = errors.New("latest WhatsApp Web version is nil")
		}
		if err != nil {
			v.record(err)
			return nil, err
		}
		store.SetWAVersion(*latest)
		v.record(nil)
		return nil, nil
	})
	return v.Status(), true, err
}
