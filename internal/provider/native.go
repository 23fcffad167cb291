package provider

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/whatsapp"
)

var nativeSchema = mustCompileSchema("whatsmeow", `{
	"type": "object",
	"properties": {},
	"additionalProperties": false
}`)

// NativeSessions is the slice of the whatsmeow runtime the native adapter drives.
type NativeSessions interface {
	Create(ctx context.Context, instanceID string) (whatsapp.State, bool, error)
	Pair(ctx context.Context, instanceID string) (whatsapp.PairResult, error)
	Status(ctx context.Context, instanceID string) (whatsapp.State, error)
	SendText(ctx context.Context, instanceID string, phone string, text string) (string, error)
	Terminate(ctx context.Context, instanceID string) error
}

// Native runs the session in process through whatsmeow instead of a gateway.
type Native struct {
	sessions     NativeSessions
	retryBackoff time.Duration
}

func NewNative(sessions NativeSessions, retryBackoff time.Duration) *Native {
	return &Native{sessions: sessions, retryBackoff: retryBackoff}
}

func (n *Native) Name() connection.Provider {
	return connection.ProviderNative
}

func (n *Native) ValidateConfig(cfg connection.Config) error {
	return nativeSchema.validate(n.Name(), cfg)
}

func nativeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, whatsapp.ErrSessionNotReady), errors.Is(err, whatsapp.ErrUnknownSession):
		return &connection.Error{Kind: connection.KindNotConnected, Op: op, Err: err}
	case errors.Is(err, whatsapp.ErrNotOnWhatsApp):
		return &connection.Error{Kind: connection.KindInvalidConfig, Op: op, Err: err}
	case errors.Is(err, whatsapp.ErrWAVersionOutdatedForQR):
		return &connection.Error{Kind: connection.KindProviderUnavailable, Op: op, Err: err}
	default:
		return connection.Wrap(connection.KindProviderUnavailable, op, err)
	}
}

func nativeReport(state whatsapp.State) connection.Report {
	switch {
	case !state.Known:
		return connection.Report{Status: connection.StatusDisconnected}
	case state.Paired && state.Connected && state.LoggedIn:
		return connection.Report{Status: connection.StatusConnected, Phone: state.Phone}
	case state.Paired:
		// Paired but the socket is down: auto reconnect is in progress.
		return connection.Report{Status: connection.StatusConnecting}
	case state.QR != "":
		return connection.Report{Status: connection.StatusConnecting, PairingArtifact: state.QR}
	default:
		return connection.Report{Status: connection.StatusDisconnected}
	}
}

func (n *Native) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = "native-" + uuid.NewString()
	}
	type created struct {
		state whatsapp.State
		isNew bool
	}
	out, err := retryOnce(ctx, n.retryBackoff, func(ctx context.Context) (created, error) {
		state, isNew, err := n.sessions.Create(ctx, instanceID)
		return created{state: state, isNew: isNew}, nativeErr("whatsmeow.create_session", err)
	})
	if err != nil {
		return Session{}, err
	}
	return Session{InstanceID: instanceID, Created: out.isNew, Report: nativeReport(out.state)}, nil
}

func (n *Native) RequestPairing(ctx context.Context, _ connection.Config, instanceID string) (Pairing, error) {
	res, err := n.sessions.Pair(ctx, instanceID)
	if err != nil {
		if errors.Is(err, whatsapp.ErrUnknownSession) {
			return Pairing{}, connection.Errorf(connection.KindInvalidConfig, "whatsmeow.request_pairing", "instance %s is not loaded", instanceID)
		}
		return Pairing{}, nativeErr("whatsmeow.request_pairing", err)
	}
	if res.AlreadyConnected {
		return Pairing{AlreadyConnected: true, Phone: res.Phone}, nil
	}
	return Pairing{Artifact: res.QR, ExpiresIn: res.ExpiresIn}, nil
}

func (n *Native) FetchStatus(ctx context.Context, _ connection.Config, instanceID string) (connection.Report, error) {
	return retryOnce(ctx, n.retryBackoff, func(ctx context.Context) (connection.Report, error) {
		state, err := n.sessions.Status(ctx, instanceID)
		if err != nil {
			return connection.Report{}, nativeErr("whatsmeow.fetch_status", err)
		}
		return nativeReport(state), nil
	})
}

func (n *Native) SendMessage(ctx context.Context, _ connection.Config, instanceID string, destination string, text string) (Ack, error) {
	id, err := n.sessions.SendText(ctx, instanceID, destination, text)
	if err != nil {
		return Ack{}, nativeErr("whatsmeow.send_message", err)
	}
	return Ack{
		MessageID:   id,
		Destination: destination,
		Provider:    string(n.Name()),
		AcceptedAt:  time.Now(),
	}, nil
}

func (n *Native) Terminate(ctx context.Context, _ connection.Config, instanceID string) error {
	return nativeErr("whatsmeow.terminate", n.sessions.Terminate(ctx, instanceID))
}

// NativeEvent turns a runtime event into the same shape gateway webhooks
// produce, so both travel through the ingestor.
func NativeEvent(evt whatsapp.Event) (connection.InboundEvent, bool) {
	out := connection.InboundEvent{
		Provider:        connection.ProviderNative,
		InstanceID:      evt.InstanceID,
		ProviderEventID: evt.ID,
		OccurredAt:      evt.Timestamp,
		Type:            connection.EventStatusChange,
	}

	switch evt.Type {
	case whatsapp.EventConnected:
		out.Status = &connection.Report{Status: connection.StatusConnected, Phone: evt.Phone}
	case whatsapp.EventLoggedOut, whatsapp.EventDisconnected, whatsapp.EventPairingTimeout:
		out.Status = &connection.Report{Status: connection.StatusDisconnected, Reason: evt.Reason}
	case whatsapp.EventFailed:
		out.Status = &connection.Report{Status: connection.StatusError, Reason: evt.Reason}
	case whatsapp.EventPairingCode:
		out.Status = &connection.Report{Status: connection.StatusConnecting, PairingArtifact: evt.QR, ArtifactTTL: evt.QRTimeout}
	case whatsapp.EventMessage:
		if evt.Message == nil {
			return out, false
		}
		out.Type = connection.EventMessage
		out.Message = &connection.InboundMessage{
			MessageID: evt.Message.ID,
			From:      evt.Message.From,
			Chat:      evt.Message.Chat,
			PushName:  evt.Message.PushName,
			Text:      evt.Message.Text,
			Kind:      evt.Message.Kind,
			FromMe:    evt.Message.FromMe,
			Timestamp: evt.Message.Timestamp,
		}
	default:
		return out, false
	}
	return out, true
}
