package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
)

const (
	defaultZAPIBaseURL = "https://api.z-api.io"
	zapiQRLifetime     = 20 * time.Second
)

var zapiSchema = mustCompileSchema("zapi", `{
	"type": "object",
	"required": ["instance_id", "token"],
	"properties": {
		"instance_id": {"type": "string", "minLength": 8},
		"token": {"type": "string", "minLength": 8},
		"client_token": {"type": "string"},
		"base_url": {"type": "string", "pattern": "^https?://"}
	},
	"additionalProperties": false
}`)

type ZAPIOptions struct {
	BaseURL      string
	WebhookURL   string
	HTTPClient   *http.Client
	RetryBackoff time.Duration
}

// ZAPI drives the hosted Z-API gateway. Instances are provisioned in the
// Z-API panel, so the instance handle comes from the unit's credentials.
type ZAPI struct {
	opts   ZAPIOptions
	client jsonClient
}

func NewZAPI(opts ZAPIOptions) *ZAPI {
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = defaultZAPIBaseURL
	}
	return &ZAPI{
		opts:   opts,
		client: newJSONClient(connection.ProviderZAPI, opts.HTTPClient),
	}
}

func (z *ZAPI) Name() connection.Provider {
	return connection.ProviderZAPI
}

func (z *ZAPI) ValidateConfig(cfg connection.Config) error {
	return zapiSchema.validate(z.Name(), cfg)
}

func (z *ZAPI) endpoint(cfg connection.Config, instanceID string, path string) string {
	base := cfg.Get("base_url")
	if base == "" {
		base = z.opts.BaseURL
	}
	return joinURL(base, "/instances/"+url.PathEscape(instanceID)+"/token/"+url.PathEscape(cfg.Get("token"))+path)
}

func (z *ZAPI) request(ctx context.Context, op string, cfg connection.Config, instanceID string, method string, path string, payload any) (map[string]any, error) {
	return z.call(ctx, isTransient, op, cfg, instanceID, method, path, payload)
}

func (z *ZAPI) call(ctx context.Context, retryable func(error) bool, op string, cfg connection.Config, instanceID string, method string, path string, payload any) (map[string]any, error) {
	headers := map[string]string{"Client-Token": cfg.Get("client_token")}
	return retryIf(ctx, z.opts.RetryBackoff, retryable, func(ctx context.Context) (map[string]any, error) {
		return z.client.do(ctx, op, method, z.endpoint(cfg, instanceID, path), headers, payload)
	})
}

func (z *ZAPI) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	instanceID := req.Config.Get("instance_id")
	if req.InstanceID != "" && req.InstanceID != instanceID {
		return Session{}, connection.Errorf(connection.KindInvalidConfig, "zapi.create_session", "instance_id cannot change while bound, disconnect first")
	}

	// The status call doubles as a credential check: a bad token is a 4xx.
	resp, err := z.request(ctx, "zapi.create_session", req.Config, instanceID, http.MethodGet, "/status", nil)
	if err != nil {
		return Session{}, err
	}

	if z.opts.WebhookURL != "" {
		hook := map[string]any{"value": z.opts.WebhookURL, "notifySentByMe": false}
		if _, err := z.request(ctx, "zapi.update_webhooks", req.Config, instanceID, http.MethodPut, "/update-every-webhooks", hook); err != nil {
			log.ConnectionOp(req.UnitID, string(z.Name()), "create_session").WithError(err).Warn("Failed to register webhook on Z-API instance")
		}
	}

	return Session{
		InstanceID: instanceID,
		Created:    req.InstanceID == "",
		Report:     zapiReport(resp),
	}, nil
}

func zapiReport(resp map[string]any) connection.Report {
	if anyToBool(resp["connected"]) {
		return connection.Report{Status: connection.StatusConnected}
	}
	// A bound instance that is not connected is waiting for its QR scan.
	return connection.Report{Status: connection.StatusConnecting}
}

func (z *ZAPI) RequestPairing(ctx context.Context, cfg connection.Config, instanceID string) (Pairing, error) {
	resp, err := z.request(ctx, "zapi.request_pairing", cfg, instanceID, http.MethodGet, "/qr-code/image", nil)
	if err != nil {
		if StatusCode(err) > 0 && strings.Contains(strings.ToLower(err.Error()), "already connected") {
			return Pairing{AlreadyConnected: true, Phone: z.phone(ctx, cfg, instanceID)}, nil
		}
		return Pairing{}, err
	}
	if anyToBool(resp["connected"]) {
		return Pairing{AlreadyConnected: true, Phone: z.phone(ctx, cfg, instanceID)}, nil
	}
	return Pairing{Artifact: qrDataURL(pickString(resp, "value")), ExpiresIn: zapiQRLifetime}, nil
}

func (z *ZAPI) phone(ctx context.Context, cfg connection.Config, instanceID string) string {
	resp, err := z.request(ctx, "zapi.device", cfg, instanceID, http.MethodGet, "/device", nil)
	if err != nil {
		return ""
	}
	return phoneFromJID(pickString(resp, "phone"))
}

func (z *ZAPI) FetchStatus(ctx context.Context, cfg connection.Config, instanceID string) (connection.Report, error) {
	resp, err := z.request(ctx, "zapi.fetch_status", cfg, instanceID, http.MethodGet, "/status", nil)
	if err != nil {
		if isUnknownInstance(err) {
			return connection.Report{Status: connection.StatusDisconnected}, nil
		}
		return connection.Report{}, err
	}

	report := zapiReport(resp)
	switch report.Status {
	case connection.StatusConnected:
		report.Phone = z.phone(ctx, cfg, instanceID)
	case connection.StatusConnecting:
		// Z-API rotates the QR and expects it to be re-read while pairing.
		if qr, err := z.request(ctx, "zapi.qr_refresh", cfg, instanceID, http.MethodGet, "/qr-code/image", nil); err == nil {
			report.PairingArtifact = qrDataURL(pickString(qr, "value"))
			report.ArtifactTTL = zapiQRLifetime
		}
	}
	return report, nil
}

func (z *ZAPI) SendMessage(ctx context.Context, cfg connection.Config, instanceID string, destination string, text string) (Ack, error) {
	body := map[string]any{
		"phone":   destination,
		"message": text,
	}
	resp, err := z.call(ctx, neverDelivered, "zapi.send_message", cfg, instanceID, http.MethodPost, "/send-text", body)
	if err != nil {
		if isSessionNotReady(err) {
			return Ack{}, &connection.Error{Kind: connection.KindNotConnected, Op: "zapi.send_message", Err: err}
		}
		return Ack{}, err
	}
	return Ack{
		MessageID:   pickString(resp, "messageId", "zaapId", "id"),
		Destination: destination,
		Provider:    string(z.Name()),
		AcceptedAt:  time.Now(),
	}, nil
}

func (z *ZAPI) Terminate(ctx context.Context, cfg connection.Config, instanceID string) error {
	_, err := z.request(ctx, "zapi.terminate", cfg, instanceID, http.MethodGet, "/disconnect", nil)
	if err != nil && connection.KindOf(err) != connection.KindProviderUnavailable {
		// Already disconnected or revoked credentials, nothing left to tear down.
		return nil
	}
	return err
}

type zapiWebhook struct {
	Type         string `json:"type"`
	InstanceID   string `json:"instanceId"`
	Momment      int64  `json:"momment"`
	Phone        string `json:"phone"`
	Connected    bool   `json:"connected"`
	Disconnected bool   `json:"disconnected"`
	Error        string `json:"error"`
	MessageID    string `json:"messageId"`
	FromMe       bool   `json:"fromMe"`
	IsGroup      bool   `json:"isGroup"`
	SenderName   string `json:"senderName"`
	ChatName     string `json:"chatName"`
	Text         *struct {
		Message string `json:"message"`
	} `json:"text"`
}

func (z *ZAPI) ParseWebhook(body []byte) ([]connection.InboundEvent, error) {
	var hook zapiWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, err
	}
	if hook.InstanceID == "" {
		return nil, nil
	}

	occurredAt := time.Now()
	if hook.Momment > 0 {
		occurredAt = time.UnixMilli(hook.Momment)
	}
	base := connection.InboundEvent{
		Provider:   connection.ProviderZAPI,
		InstanceID: hook.InstanceID,
		OccurredAt: occurredAt,
	}
	statusEventID := hook.Type + ":" + hook.InstanceID + ":" + strconv.FormatInt(hook.Momment, 10)

	switch hook.Type {
	case "ConnectedCallback":
		ev := base
		ev.Type = connection.EventStatusChange
		ev.ProviderEventID = statusEventID
		ev.Status = &connection.Report{Status: connection.StatusConnected, Phone: phoneFromJID(hook.Phone)}
		return []connection.InboundEvent{ev}, nil

	case "DisconnectedCallback":
		ev := base
		ev.Type = connection.EventStatusChange
		ev.ProviderEventID = statusEventID
		ev.Status = &connection.Report{Status: connection.StatusDisconnected, Reason: hook.Error}
		return []connection.InboundEvent{ev}, nil

	case "ReceivedCallback":
		if hook.MessageID == "" {
			return nil, nil
		}
		msg := &connection.InboundMessage{
			MessageID: hook.MessageID,
			From:      phoneFromJID(hook.Phone),
			Chat:      hook.Phone,
			PushName:  hook.SenderName,
			Kind:      "other",
			FromMe:    hook.FromMe,
			Timestamp: occurredAt,
		}
		if hook.Text != nil {
			msg.Text = hook.Text.Message
			msg.Kind = "text"
		}
		ev := base
		ev.Type = connection.EventMessage
		ev.ProviderEventID = hook.MessageID
		ev.Message = msg
		return []connection.InboundEvent{ev}, nil
	}
	return nil, nil
}
