package connection

import (
	"strings"
	"time"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDisconnected, StatusConnecting, StatusConnected, StatusError:
		return true
	}
	return false
}

type Provider string

const (
	ProviderEvolution Provider = "evolution"
	ProviderZAPI      Provider = "zapi"
	ProviderNative    Provider = "whatsmeow"
)

// ParseProvider accepts the canonical names plus a few spellings seen in the CRM.
func ParseProvider(raw string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "evolution", "evolution-api", "evolution_api":
		return ProviderEvolution, true
	case "zapi", "z-api", "z_api":
		return ProviderZAPI, true
	case "whatsmeow", "native":
		return ProviderNative, true
	}
	return "", false
}

// Config holds provider credentials (api key, remote instance id, client
// token). Its shape is validated per provider and otherwise opaque here.
type Config map[string]string

func (c Config) Get(key string) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c[key])
}

func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Record is the persisted connection state of one unit.
type Record struct {
	UnitID          string
	Provider        Provider
	ProviderConfig  Config
	InstanceID      string
	Status          Status
	PairingArtifact string
	// PairingExpiresAt is nil when the provider gave no artifact lifetime.
	PairingExpiresAt *time.Time
	Phone            string
	LastError        string
	LastSyncedAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewRecord returns the initial disconnected record of a unit.
func NewRecord(unitID string, now time.Time) *Record {
	return &Record{
		UnitID:    unitID,
		Status:    StatusDisconnected,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.ProviderConfig = r.ProviderConfig.Clone()
	if r.LastSyncedAt != nil {
		t := *r.LastSyncedAt
		out.LastSyncedAt = &t
	}
	if r.PairingExpiresAt != nil {
		t := *r.PairingExpiresAt
		out.PairingExpiresAt = &t
	}
	return &out
}

// Synced stamps a successful reconciliation.
func (r *Record) Synced(at time.Time) {
	t := at
	r.LastSyncedAt = &t
	r.UpdatedAt = at
}

// NewerThan reports whether the record was synced after at.
func (r *Record) NewerThan(at time.Time) bool {
	return r.LastSyncedAt != nil && r.LastSyncedAt.After(at)
}

// ClearSession drops every provider-side field. Provider and credentials stay
// so the unit can reconnect without re-entering them.
func (r *Record) ClearSession() {
	r.InstanceID = ""
	r.clearPairing()
	r.Phone = ""
}

// SetPairing stores a fresh artifact issued at at. A zero ttl leaves it
// without expiry.
func (r *Record) SetPairing(artifact string, ttl time.Duration, at time.Time) {
	r.PairingArtifact = artifact
	r.PairingExpiresAt = nil
	if artifact != "" && ttl > 0 {
		t := at.Add(ttl)
		r.PairingExpiresAt = &t
	}
}

// PairingExpired reports whether the stored artifact is past its lifetime at at.
func (r *Record) PairingExpired(at time.Time) bool {
	return r.PairingArtifact != "" && r.PairingExpiresAt != nil && !at.Before(*r.PairingExpiresAt)
}

func (r *Record) clearPairing() {
	r.PairingArtifact = ""
	r.PairingExpiresAt = nil
}

// SetStatus moves the record to status and keeps the field invariants:
// the pairing artifact lives only while connecting, the phone only while connected.
func (r *Record) SetStatus(status Status) {
	r.Status = status
	if status != StatusConnecting {
		r.clearPairing()
	}
	if status != StatusConnected {
		r.Phone = ""
	}
	if status != StatusError {
		r.LastError = ""
	}
}

// Fail moves the record to error with a reason.
func (r *Record) Fail(reason string) {
	r.SetStatus(StatusError)
	r.LastError = reason
}

// Apply merges a provider status report observed at at. It returns true
// when any observable field changed. A connecting report without an
// artifact keeps the stored one until it expires.
func (r *Record) Apply(report Report, at time.Time) bool {
	before := r.observable()

	switch report.Status {
	case StatusConnected:
		phone := report.Phone
		if phone == "" && r.Status == StatusConnected {
			phone = r.Phone
		}
		r.SetStatus(StatusConnected)
		r.Phone = phone
	case StatusConnecting:
		wasConnecting := r.Status == StatusConnecting
		r.SetStatus(StatusConnecting)
		switch {
		case report.PairingArtifact != "":
			if !wasConnecting || report.PairingArtifact != r.PairingArtifact {
				r.SetPairing(report.PairingArtifact, report.ArtifactTTL, at)
			}
		case !wasConnecting || r.PairingExpired(at):
			r.clearPairing()
		}
	case StatusError:
		reason := report.Reason
		if reason == "" {
			reason = "provider reported an error"
		}
		r.Fail(reason)
	default:
		r.SetStatus(StatusDisconnected)
	}

	return before != r.observable()
}

type observableState struct {
	status   Status
	artifact string
	phone    string
	lastErr  string
}

func (r *Record) observable() observableState {
	return observableState{status: r.Status, artifact: r.PairingArtifact, phone: r.Phone, lastErr: r.LastError}
}

// Report is what a provider says about a session, either fetched live or
// pushed through a webhook.
type Report struct {
	Status          Status
	Phone           string
	PairingArtifact string
	// ArtifactTTL is how long PairingArtifact stays scannable, zero when unknown.
	ArtifactTTL time.Duration
	Reason      string
}

// View is the client facing projection of a Record. Credentials never leave the service.
type View struct {
	UnitID          string     `json:"unit_id"`
	Provider        Provider   `json:"provider,omitempty"`
	InstanceID      string     `json:"instance_id,omitempty"`
	Status          Status     `json:"status"`
	PairingArtifact string     `json:"pairing_artifact,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Stale           bool       `json:"stale"`
	StaleReason     string     `json:"stale_reason,omitempty"`
}

func (r *Record) View() View {
	v := View{
		UnitID:          r.UnitID,
		Provider:        r.Provider,
		InstanceID:      r.InstanceID,
		Status:          r.Status,
		PairingArtifact: r.PairingArtifact,
		Phone:           r.Phone,
		LastError:       r.LastError,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.LastSyncedAt != nil {
		t := *r.LastSyncedAt
		v.LastSyncedAt = &t
	}
	return v
}

// StaleView is View annotated with why it could not be refreshed.
func (r *Record) StaleView(reason string) View {
	v := r.View()
	v.Stale = true
	v.StaleReason = reason
	return v
}
