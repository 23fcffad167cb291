package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/whatsapp"
)

const evolutionQRLifetime = 40 * time.Second

var (
	evolutionSchema = mustCompileSchema("evolution", `{
		"type": "object",
		"required": ["api_key"],
		"properties": {
			"api_key": {"type": "string", "minLength": 8},
			"base_url": {"type": "string", "pattern": "^https?://"},
			"instance_name": {"type": "string", "pattern": "^[A-Za-z0-9_-]{3,64}$"}
		},
		"additionalProperties": false
	}`)

	instanceNameUnsafe = regexp.MustCompile(`[^a-z0-9_-]+`)

	evolutionWebhookEvents = []string{"QRCODE_UPDATED", "CONNECTION_UPDATE", "MESSAGES_UPSERT", "LOGOUT_INSTANCE", "REMOVE_INSTANCE"}
)

type EvolutionOptions struct {
	// BaseURL is used when a unit's credentials carry no base_url.
	BaseURL string
	// WebhookURL is registered on every created instance.
	WebhookURL   string
	HTTPClient   *http.Client
	RetryBackoff time.Duration
}

// Evolution drives a self-hosted Evolution API (v2) gateway.
type Evolution struct {
	opts   EvolutionOptions
	client jsonClient
}

func NewEvolution(opts EvolutionOptions) *Evolution {
	return &Evolution{
		opts:   opts,
		client: newJSONClient(connection.ProviderEvolution, opts.HTTPClient),
	}
}

func (e *Evolution) Name() connection.Provider {
	return connection.ProviderEvolution
}

func (e *Evolution) ValidateConfig(cfg connection.Config) error {
	if err := evolutionSchema.validate(e.Name(), cfg); err != nil {
		return err
	}
	if e.baseURL(cfg) == "" {
		return connection.Errorf(connection.KindInvalidConfig, "evolution.validate_config", "base_url is required when no default gateway is configured")
	}
	return nil
}

func (e *Evolution) baseURL(cfg connection.Config) string {
	if v := cfg.Get("base_url"); v != "" {
		return v
	}
	return strings.TrimSpace(e.opts.BaseURL)
}

func (e *Evolution) request(ctx context.Context, op string, cfg connection.Config, method string, path string, payload any) (map[string]any, error) {
	return e.call(ctx, isTransient, op, cfg, method, path, payload)
}

func (e *Evolution) call(ctx context.Context, retryable func(error) bool, op string, cfg connection.Config, method string, path string, payload any) (map[string]any, error) {
	headers := map[string]string{"apikey": cfg.Get("api_key")}
	return retryIf(ctx, e.opts.RetryBackoff, retryable, func(ctx context.Context) (map[string]any, error) {
		return e.client.do(ctx, op, method, joinURL(e.baseURL(cfg), path), headers, payload)
	})
}

// EvolutionInstanceName derives the gateway instance name of a unit.
func EvolutionInstanceName(unitID string, cfg connection.Config) string {
	if v := cfg.Get("instance_name"); v != "" {
		return v
	}
	name := instanceNameUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(unitID)), "-")
	return "unit-" + strings.Trim(name, "-")
}

func (e *Evolution) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	name := req.InstanceID
	if name == "" {
		name = EvolutionInstanceName(req.UnitID, req.Config)
	}

	body := map[string]any{
		"instanceName": name,
		"integration":  "WHATSAPP-BAILEYS",
		"qrcode":       false,
	}
	if e.opts.WebhookURL != "" {
		body["webhook"] = map[string]any{
			"url":      e.opts.WebhookURL,
			"byEvents": false,
			"base64":   true,
			"events":   evolutionWebhookEvents,
		}
	}

	resp, err := e.request(ctx, "evolution.create_session", req.Config, http.MethodPost, "/instance/create", body)
	if err != nil {
		if isEvolutionAlreadyExists(err) {
			report, statusErr := e.FetchStatus(ctx, req.Config, name)
			if statusErr != nil {
				return Session{}, statusErr
			}
			return Session{InstanceID: name, Created: false, Report: report}, nil
		}
		return Session{}, err
	}

	return Session{
		InstanceID: name,
		Created:    true,
		Report:     connection.Report{Status: normalizeState(pickString(resp, "state", "status"))},
	}, nil
}

func isEvolutionAlreadyExists(err error) bool {
	code := StatusCode(err)
	if code != http.StatusForbidden && code != http.StatusConflict && code != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}

func (e *Evolution) RequestPairing(ctx context.Context, cfg connection.Config, instanceID string) (Pairing, error) {
	resp, err := e.request(ctx, "evolution.request_pairing", cfg, http.MethodGet, "/instance/connect/"+url.PathEscape(instanceID), nil)
	if err != nil {
		return Pairing{}, err
	}

	if normalizeState(pickString(resp, "state")) == connection.StatusConnected {
		return Pairing{AlreadyConnected: true, Phone: phoneFromJID(pickString(resp, "ownerJid", "wuid"))}, nil
	}
	if b64 := pickString(resp, "base64"); b64 != "" {
		return Pairing{Artifact: qrDataURL(b64), ExpiresIn: evolutionQRLifetime}, nil
	}
	if code := pickString(resp, "code"); code != "" {
		artifact, err := whatsapp.EncodeQR(code)
		if err != nil {
			return Pairing{}, connection.Wrap(connection.KindProviderUnavailable, "evolution.request_pairing", err)
		}
		return Pairing{Artifact: artifact, ExpiresIn: evolutionQRLifetime}, nil
	}
	if pairing := pickString(resp, "pairingCode"); pairing != "" {
		return Pairing{Artifact: pairing, ExpiresIn: evolutionQRLifetime}, nil
	}
	// The gateway is still booting the socket; the caller polls status for the artifact.
	return Pairing{}, nil
}

func (e *Evolution) FetchStatus(ctx context.Context, cfg connection.Config, instanceID string) (connection.Report, error) {
	resp, err := e.request(ctx, "evolution.fetch_status", cfg, http.MethodGet, "/instance/connectionState/"+url.PathEscape(instanceID), nil)
	if err != nil {
		if isUnknownInstance(err) {
			return connection.Report{Status: connection.StatusDisconnected}, nil
		}
		return connection.Report{}, err
	}

	report := connection.Report{Status: normalizeState(pickString(resp, "state", "status"))}
	if report.Status == connection.StatusConnected {
		// Phone lookup is best effort, status is what matters here.
		info, err := e.request(ctx, "evolution.fetch_instance", cfg, http.MethodGet, "/instance/fetchInstances?instanceName="+url.QueryEscape(instanceID), nil)
		if err == nil {
			report.Phone = phoneFromJID(pickString(info, "ownerJid", "owner", "wuid", "number"))
		}
	}
	return report, nil
}

func isUnknownInstance(err error) bool {
	code := StatusCode(err)
	if code == http.StatusNotFound {
		return true
	}
	if code >= 400 && code < 500 {
		msg := strings.ToLower(err.Error())
		return strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found")
	}
	return false
}

func (e *Evolution) SendMessage(ctx context.Context, cfg connection.Config, instanceID string, destination string, text string) (Ack, error) {
	body := map[string]any{
		"number": destination,
		"text":   text,
	}
	resp, err := e.call(ctx, neverDelivered, "evolution.send_message", cfg, http.MethodPost, "/message/sendText/"+url.PathEscape(instanceID), body)
	if err != nil {
		if isSessionNotReady(err) {
			return Ack{}, &connection.Error{Kind: connection.KindNotConnected, Op: "evolution.send_message", Err: err}
		}
		return Ack{}, err
	}
	return Ack{
		MessageID:   pickString(resp, "id"),
		Destination: destination,
		Provider:    string(e.Name()),
		AcceptedAt:  time.Now(),
	}, nil
}

func isSessionNotReady(err error) bool {
	if StatusCode(err) == 0 {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection closed") || strings.Contains(msg, "not connected") || strings.Contains(msg, "disconnected")
}

func (e *Evolution) Terminate(ctx context.Context, cfg connection.Config, instanceID string) error {
	path := url.PathEscape(instanceID)
	if _, err := e.request(ctx, "evolution.logout", cfg, http.MethodDelete, "/instance/logout/"+path, nil); err != nil {
		if connection.KindOf(err) == connection.KindProviderUnavailable {
			return err
		}
		// 4xx here means the session was never open or is already gone.
	}
	if _, err := e.request(ctx, "evolution.delete", cfg, http.MethodDelete, "/instance/delete/"+path, nil); err != nil {
		if isUnknownInstance(err) {
			return nil
		}
		return err
	}
	return nil
}

type evolutionWebhook struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	DateTime string          `json:"date_time"`
	Data     json.RawMessage `json:"data"`
}

type evolutionConnectionData struct {
	State        string `json:"state"`
	Wuid         string `json:"wuid"`
	StatusReason int    `json:"statusReason"`
}

type evolutionQRData struct {
	QRCode struct {
		Base64      string `json:"base64"`
		Code        string `json:"code"`
		PairingCode string `json:"pairingCode"`
	} `json:"qrcode"`
}

type evolutionMessageData struct {
	Key struct {
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName string `json:"pushName"`
	Message  struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
	} `json:"message"`
	MessageType      string `json:"messageType"`
	MessageTimestamp any    `json:"messageTimestamp"`
}

// ParseWebhook accepts both the global webhook shape ("connection.update")
// and the per-event one ("CONNECTION_UPDATE").
func (e *Evolution) ParseWebhook(body []byte) ([]connection.InboundEvent, error) {
	var hook evolutionWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, err
	}
	if hook.Instance == "" {
		return nil, nil
	}

	occurredAt := time.Now()
	if t, err := time.Parse(time.RFC3339, hook.DateTime); err == nil {
		occurredAt = t
	}
	base := connection.InboundEvent{
		Provider:   connection.ProviderEvolution,
		InstanceID: hook.Instance,
		OccurredAt: occurredAt,
	}
	event := strings.ReplaceAll(strings.ToLower(hook.Event), "_", ".")

	switch event {
	case "connection.update":
		var data evolutionConnectionData
		if err := json.Unmarshal(hook.Data, &data); err != nil {
			return nil, err
		}
		report := connection.Report{Status: normalizeState(data.State)}
		if report.Status == connection.StatusConnected {
			report.Phone = phoneFromJID(data.Wuid)
		}
		ev := base
		ev.Type = connection.EventStatusChange
		ev.Status = &report
		ev.ProviderEventID = strings.Join([]string{event, hook.Instance, data.State, hook.DateTime}, ":")
		return []connection.InboundEvent{ev}, nil

	case "qrcode.updated":
		var data evolutionQRData
		if err := json.Unmarshal(hook.Data, &data); err != nil {
			return nil, err
		}
		artifact := qrDataURL(data.QRCode.Base64)
		if artifact == "" && data.QRCode.Code != "" {
			rendered, err := whatsapp.EncodeQR(data.QRCode.Code)
			if err != nil {
				return nil, err
			}
			artifact = rendered
		}
		if artifact == "" {
			artifact = data.QRCode.PairingCode
		}
		if artifact == "" {
			return nil, nil
		}
		ev := base
		ev.Type = connection.EventStatusChange
		ev.Status = &connection.Report{Status: connection.StatusConnecting, PairingArtifact: artifact, ArtifactTTL: evolutionQRLifetime}
		ev.ProviderEventID = event + ":" + hook.Instance + ":" + shortHash(artifact)
		return []connection.InboundEvent{ev}, nil

	case "logout.instance", "remove.instance":
		ev := base
		ev.Type = connection.EventStatusChange
		ev.Status = &connection.Report{Status: connection.StatusDisconnected}
		ev.ProviderEventID = event + ":" + hook.Instance + ":" + hook.DateTime
		return []connection.InboundEvent{ev}, nil

	case "messages.upsert":
		var data evolutionMessageData
		if err := json.Unmarshal(hook.Data, &data); err != nil {
			return nil, err
		}
		if data.Key.ID == "" {
			return nil, nil
		}
		text := data.Message.Conversation
		if text == "" {
			text = data.Message.ExtendedTextMessage.Text
		}
		kind := data.MessageType
		if kind == "" || kind == "conversation" || kind == "extendedTextMessage" {
			kind = "text"
		}
		ts := occurredAt
		if sec, err := strconv.ParseInt(anyToString(data.MessageTimestamp), 10, 64); err == nil && sec > 0 {
			ts = time.Unix(sec, 0)
		}
		ev := base
		ev.Type = connection.EventMessage
		ev.OccurredAt = ts
		ev.ProviderEventID = data.Key.ID
		ev.Message = &connection.InboundMessage{
			MessageID: data.Key.ID,
			From:      phoneFromJID(data.Key.RemoteJid),
			Chat:      data.Key.RemoteJid,
			PushName:  data.PushName,
			Text:      text,
			Kind:      kind,
			FromMe:    data.Key.FromMe,
			Timestamp: ts,
		}
		return []connection.InboundEvent{ev}, nil
	}
	return nil, nil
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
