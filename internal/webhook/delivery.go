package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/validation"
)

type ForwarderOptions struct {
	// URL of the conversation collaborator. Empty means messages are only logged.
	URL        string
	Secret     string
	RetryLimit int
	// Backoff is multiplied by the attempt number between retries.
	Backoff    time.Duration
	HTTPClient *http.Client
}

// Forwarder hands inbound messages to the conversation collaborator.
type Forwarder struct {
	url        string
	secret     string
	retryLimit int
	backoff    time.Duration
	httpClient *http.Client
	store      Store
}

func NewForwarder(opts ForwarderOptions, store Store) (*Forwarder, error) {
	url := strings.TrimSpace(opts.URL)
	if url != "" {
		if err := validation.ValidateURL(url); err != nil {
			return nil, fmt.Errorf("conversation ingest url: %w", err)
		}
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Forwarder{
		url:        url,
		secret:     opts.Secret,
		retryLimit: opts.RetryLimit,
		backoff:    opts.Backoff,
		httpClient: opts.HTTPClient,
		store:      store,
	}, nil
}

func (f *Forwarder) Enabled() bool {
	return f.url != ""
}

// Forward delivers one message event. It retries non-2xx answers and
// transport errors up to the retry limit and logs every delivery.
func (f *Forwarder) Forward(ctx context.Context, ev connection.InboundEvent) error {
	if ev.Message == nil {
		return fmt.Errorf("event %s carries no message", ev.DedupKey())
	}
	entry := log.WebhookOp(string(ev.Provider), ev.InstanceID, ev.ProviderEventID).WithField("unit_id", ev.UnitID)

	if !f.Enabled() {
		entry.WithField("from", log.MaskPhone(ev.Message.From)).
			WithField("kind", ev.Message.Kind).
			Info("Inbound message received, no conversation ingest url configured")
		f.logDelivery(ctx, ev, DeliverySkipped, 0, "")
		return nil
	}

	payload, err := json.Marshal(ForwardedMessage{
		Event:           EventMessageReceived,
		UnitID:          ev.UnitID,
		Provider:        ev.Provider,
		InstanceID:      ev.InstanceID,
		ProviderEventID: ev.ProviderEventID,
		ReceivedAt:      ev.ReceivedAt,
		Message:         *ev.Message,
	})
	if err != nil {
		return err
	}
	signature := Sign(payload, f.secret)

	var lastErr error
	for attempt := 1; attempt <= f.retryLimit; attempt++ {
		lastErr = f.post(ctx, ev, payload, signature)
		if lastErr == nil {
			f.logDelivery(ctx, ev, DeliverySuccess, attempt, "")
			entry.WithField("attempt", attempt).Debug("Inbound message forwarded")
			return nil
		}
		if attempt < f.retryLimit {
			if err := sleepCtx(ctx, time.Duration(attempt)*f.backoff); err != nil {
				lastErr = err
				break
			}
		}
	}

	f.logDelivery(ctx, ev, DeliveryFailed, f.retryLimit, lastErr.Error())
	entry.WithError(lastErr).Warn("Failed to forward inbound message")
	return lastErr
}

func (f *Forwarder) post(ctx context.Context, ev connection.InboundEvent, payload []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", EventMessageReceived)
	req.Header.Set("X-Unit-ID", ev.UnitID)
	if key := ev.DedupKey(); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	req.Header.Set("User-Agent", "whatsapp-unit-connections/1.0")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func (f *Forwarder) logDelivery(ctx context.Context, ev connection.InboundEvent, status DeliveryStatus, attempts int, lastErr string) {
	if f.store == nil {
		return
	}
	err := f.store.LogDelivery(context.WithoutCancel(ctx), DeliveryLog{
		UnitID:       ev.UnitID,
		DedupKey:     ev.DedupKey(),
		Status:       status,
		AttemptCount: attempts,
		LastError:    lastErr,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		log.WebhookOp(string(ev.Provider), ev.InstanceID, ev.ProviderEventID).WithError(err).Warn("Failed to log forward delivery")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sign returns the X-Webhook-Signature value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
