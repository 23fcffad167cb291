package provider

import (
	"context"
	"time"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
)

// SessionRequest describes the session a unit wants. InstanceID is the
// handle already stored for this provider, empty on first connect.
type SessionRequest struct {
	UnitID     string
	InstanceID string
	Config     connection.Config
}

// Session is the outcome of CreateSession. Created is false when the
// provider already had the instance.
type Session struct {
	InstanceID string
	Created    bool
	Report     connection.Report
}

// Pairing carries either a pairing artifact or the fact that the session
// is already paired.
type Pairing struct {
	Artifact         string
	ExpiresIn        time.Duration
	AlreadyConnected bool
	Phone            string
}

// Ack is the provider's acceptance of an outbound message.
type Ack struct {
	MessageID   string    `json:"message_id"`
	Destination string    `json:"destination"`
	Provider    string    `json:"provider"`
	AcceptedAt  time.Time `json:"accepted_at"`
}

// Adapter is the capability set every gateway implements.
//
// CreateSession and Terminate are idempotent. FetchStatus reports an
// unknown instance as disconnected. Transport failures and 5xx answers
// surface as connection.ErrProviderUnavailable after one local retry,
// 4xx answers as connection.ErrInvalidConfig, and a send on a session
// that is not ready as connection.ErrNotConnected.
type Adapter interface {
	Name() connection.Provider
	ValidateConfig(cfg connection.Config) error
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	RequestPairing(ctx context.Context, cfg connection.Config, instanceID string) (Pairing, error)
	FetchStatus(ctx context.Context, cfg connection.Config, instanceID string) (connection.Report, error)
	SendMessage(ctx context.Context, cfg connection.Config, instanceID string, destination string, text string) (Ack, error)
	Terminate(ctx context.Context, cfg connection.Config, instanceID string) error
}

// WebhookParser is implemented by gateways that push events over HTTP.
type WebhookParser interface {
	ParseWebhook(body []byte) ([]connection.InboundEvent, error)
}
