package webhook

import (
	"time"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
)

// Outcome labels what the ingestor did with one event.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeForwarded       Outcome = "forwarded"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeUnknownInstance Outcome = "unknown_instance"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeRetried         Outcome = "retried"
	OutcomeFailed          Outcome = "failed"
)

type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// EventMessageReceived is the event name sent to the conversation collaborator.
const EventMessageReceived = "message.received"

// ForwardedMessage is the body POSTed to the conversation collaborator.
type ForwardedMessage struct {
	Event           string                    `json:"event"`
	UnitID          string                    `json:"unit_id"`
	Provider        connection.Provider       `json:"provider"`
	InstanceID      string                    `json:"instance_id"`
	ProviderEventID string                    `json:"provider_event_id,omitempty"`
	ReceivedAt      time.Time                 `json:"received_at"`
	Message         connection.InboundMessage `json:"message"`
}

type DeliveryLog struct {
	UnitID       string
	DedupKey     string
	Status       DeliveryStatus
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
}

// Stats summarizes ingest activity for the admin surface.
type Stats struct {
	Outcomes   map[Outcome]int64        `json:"outcomes"`
	Deliveries map[DeliveryStatus]int64 `json:"deliveries"`
	SeenEvents int64                    `json:"seen_events"`
	QueueDepth int                      `json:"queue_depth"`
}
