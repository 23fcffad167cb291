package connection

import "time"

type EventType string

const (
	EventMessage      EventType = "message"
	EventStatusChange EventType = "status_change"
)

// InboundEvent is a provider callback normalized for routing. UnitID is
// filled in by the ingestor once the instance handle has been resolved.
//
// OccurredAt is the provider's clock. ReceivedAt is ours and is what
// orders the event against live status reads.
type InboundEvent struct {
	Provider        Provider
	InstanceID      string
	UnitID          string
	Type            EventType
	ProviderEventID string
	OccurredAt      time.Time
	ReceivedAt      time.Time
	Status          *Report
	Message         *InboundMessage
}

type InboundMessage struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Chat      string    `json:"chat,omitempty"`
	PushName  string    `json:"push_name,omitempty"`
	Text      string    `json:"text,omitempty"`
	Kind      string    `json:"kind"`
	FromMe    bool      `json:"from_me"`
	Timestamp time.Time `json:"timestamp"`
}

// DedupKey scopes a provider event id to its provider.
func (e InboundEvent) DedupKey() string {
	if e.ProviderEventID == "" {
		return ""
	}
	return string(e.Provider) + ":" + e.ProviderEventID
}
