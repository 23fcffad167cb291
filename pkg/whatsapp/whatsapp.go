package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
)

var (
	ErrUnknownSession  = errors.New("whatsapp session not found")
	ErrSessionNotReady = errors.New("whatsapp session is not connected")
	ErrNotOnWhatsApp   = errors.New("destination is not registered on WhatsApp")
)

const (
	qrChannelWaitTimeout  = 2 * time.Minute
	logoutRequestTimeout  = 30 * time.Second
	routingCleanupTimeout = 5 * time.Second
)

type EventType string

const (
	EventConnected      EventType = "connected"
	EventLoggedOut      EventType = "logged_out"
	EventDisconnected   EventType = "disconnected"
	EventFailed         EventType = "failed"
	EventPairingCode    EventType = "pairing_code"
	EventPairingTimeout EventType = "pairing_timeout"
	EventMessage        EventType = "message"
)

// Event is what the native runtime pushes upward, the in-process
// counterpart of a gateway webhook.
type Event struct {
	ID         string
	Type       EventType
	InstanceID string
	Phone      string
	QR         string
	QRTimeout  time.Duration
	Reason     string
	Message    *Message
	Timestamp  time.Time
}

type Message struct {
	ID        string
	From      string
	Chat      string
	PushName  string
	Text      string
	Kind      string
	FromMe    bool
	Timestamp time.Time
}

// State is a point-in-time view of one native session.
type State struct {
	Known     bool
	Paired    bool
	Connected bool
	LoggedIn  bool
	Phone     string
	QR        string
}

type PairResult struct {
	QR               string
	ExpiresIn        time.Duration
	AlreadyConnected bool
	Phone            string
}

type Options struct {
	Driver   string
	DSN      string
	ProxyURL string
}

// Manager owns every in-process whatsmeow client, keyed by instance id.
type Manager struct {
	container *sqlstore.Container
	db        *sql.DB
	proxyURL  string

	mu       sync.RWMutex
	sessions map[string]*session

	sinkMu sync.RWMutex
	sink   func(Event)
}

type session struct {
	instanceID string
	client     *whatsmeow.Client

	mu        sync.Mutex
	qr        string
	qrExpires time.Time
	cancelQR  context.CancelFunc
}

func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	driver := normalizeDatastoreDriver(opts.Driver)
	dsn := normalizeDatastoreDSN(driver, opts.DSN)

	log.Print(nil).Info("Initializing WhatsApp datastore with driver=" + driver)

	container, err := sqlstore.New(ctx, driver, dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize whatsapp datastore: %w", err)
	}
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade operation failed: %w", err)
	}

	db, err := openRoutingDB(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("initialize native session routing: %w", err)
	}

	return &Manager{
		container: container,
		db:        db,
		proxyURL:  strings.TrimSpace(opts.ProxyURL),
		sessions:  make(map[string]*session),
	}, nil
}

func normalizeDatastoreDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "postgresql", "postgres", "pgx":
		return "pgx"
	default:
		return strings.ToLower(driver)
	}
}

func normalizeDatastoreDSN(driver string, dsn string) string {
	if driver != "pgx" {
		return dsn
	}
	appendParam := func(current string, key string, value string) string {
		if strings.Contains(current, key+"=") {
			return current
		}
		separator := "?"
		if strings.Contains(current, "?") {
			if strings.HasSuffix(current, "?") || strings.HasSuffix(current, "&") {
				separator = ""
			} else {
				separator = "&"
			}
		}
		return current + separator + key + "=" + value
	}
	dsn = appendParam(dsn, "prefer_simple_protocol", "true")
	dsn = appendParam(dsn, "statement_cache_capacity", "0")
	dsn = appendParam(dsn, "default_query_exec_mode", "simple_protocol")
	return dsn
}

// SetEventSink installs the receiver of runtime events. It is called once at wiring time.
func (m *Manager) SetEventSink(fn func(Event)) {
	m.sinkMu.Lock()
	m.sink = fn
	m.sinkMu.Unlock()
}

func (m *Manager) emit(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.sinkMu.RLock()
	sink := m.sink
	m.sinkMu.RUnlock()
	if sink != nil {
		sink(evt)
	}
}

func (m *Manager) get(instanceID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[instanceID]
}

// remove drops the session only if it still holds client, so a late event
// of a replaced client cannot evict its successor.
func (m *Manager) remove(instanceID string, client *whatsmeow.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[instanceID]; ok && (client == nil || s.client == client) {
		delete(m.sessions, instanceID)
	}
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func maskJIDForLog(jid string) string {
	return log.MaskPhone(jid)
}

// Create makes sure a client exists for instanceID. It reports whether a
// brand new session was registered.
func (m *Manager) Create(ctx context.Context, instanceID string) (State, bool, error) {
	if m.get(instanceID) != nil {
		state, err := m.Status(ctx, instanceID)
		return state, false, err
	}

	storeJID, found, err := m.getStoreJID(ctx, instanceID)
	if err != nil {
		return State{}, false, err
	}
	var device *store.Device
	if storeJID != "" {
		device, err = m.loadDevice(ctx, storeJID)
		if err != nil {
			return State{}, false, err
		}
	}
	m.initClient(device, instanceID)

	if !found {
		if err := m.saveRouting(ctx, instanceID, ""); err != nil {
			return State{}, false, err
		}
	}
	state, err := m.Status(ctx, instanceID)
	return state, !found, err
}

func (m *Manager) loadDevice(ctx context.Context, storeJID string) (*store.Device, error) {
	jid, err := types.ParseJID(storeJID)
	if err != nil {
		return nil, fmt.Errorf("parse stored jid: %w", err)
	}
	return m.container.GetDevice(ctx, jid)
}

func (m *Manager) initClient(device *store.Device, instanceID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[instanceID]; ok {
		return s
	}

	if device == nil {
		device = m.container.NewDevice()
	}

	store.DeviceProps.Os = proto.String(runtime.GOOS)
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	client := whatsmeow.NewClient(device, nil)
	if m.proxyURL != "" {
		_ = client.SetProxyAddress(m.proxyURL)
	}
	client.EnableAutoReconnect = true
	client.AutoTrustIdentity = true

	s := &session{instanceID: instanceID, client: client}
	client.AddEventHandler(m.handleEvents(s))
	m.sessions[instanceID] = s
	return s
}

// Pair starts QR pairing and waits for the first code. Later codes are
// pushed through the event sink as EventPairingCode.
func (m *Manager) Pair(ctx context.Context, instanceID string) (PairResult, error) {
	s := m.get(instanceID)
	if s == nil {
		return PairResult{}, ErrUnknownSession
	}
	client := s.client

	if client.Store.ID != nil {
		if !client.IsConnected() {
			if err := client.Connect(); err != nil {
				return PairResult{}, err
			}
		}
		return PairResult{AlreadyConnected: true, Phone: client.Store.ID.User}, nil
	}

	s.mu.Lock()
	if s.qr != "" && time.Now().Before(s.qrExpires) {
		res := PairResult{QR: s.qr, ExpiresIn: time.Until(s.qrExpires)}
		s.mu.Unlock()
		return res, nil
	}
	if s.cancelQR != nil {
		s.cancelQR()
	}
	qrCtx, cancel := context.WithTimeout(context.Background(), qrChannelWaitTimeout)
	s.cancelQR = cancel
	s.mu.Unlock()

	client.Disconnect()

	qrChan, err := client.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return PairResult{}, err
	}
	if err := client.Connect(); err != nil {
		cancel()
		return PairResult{}, err
	}

	first := make(chan pairOutcome, 1)
	go m.consumeQR(qrCtx, cancel, s, qrChan, first)

	select {
	case <-ctx.Done():
		return PairResult{}, ctx.Err()
	case out := <-first:
		return out.result, out.err
	}
}

type pairOutcome struct {
	result PairResult
	err    error
}

func (m *Manager) consumeQR(ctx context.Context, cancel context.CancelFunc, s *session, qrChan <-chan whatsmeow.QRChannelItem, first chan<- pairOutcome) {
	defer cancel()
	delivered := false
	deliver := func(out pairOutcome) {
		if !delivered {
			delivered = true
			first <- out
		}
	}
	clearQR := func() {
		s.mu.Lock()
		s.qr = ""
		s.qrExpires = time.Time{}
		s.mu.Unlock()
	}
	fail := func(err error) {
		clearQR()
		if delivered {
			m.emit(Event{Type: EventPairingTimeout, InstanceID: s.instanceID, Reason: err.Error()})
			return
		}
		deliver(pairOutcome{err: err})
	}

	for {
		select {
		case <-ctx.Done():
			fail(errors.New("whatsapp qr channel timed out"))
			return
		case evt, ok := <-qrChan:
			if !ok {
				if !delivered {
					fail(errors.New("whatsapp qr channel closed before delivering a code"))
				}
				return
			}
			switch {
			case evt.Event == "code":
				artifact, err := EncodeQR(evt.Code)
				if err != nil {
					fail(err)
					return
				}
				s.mu.Lock()
				s.qr = artifact
				s.qrExpires = time.Now().Add(evt.Timeout)
				s.mu.Unlock()
				if delivered {
					m.emit(Event{Type: EventPairingCode, InstanceID: s.instanceID, QR: artifact, QRTimeout: evt.Timeout})
				}
				deliver(pairOutcome{result: PairResult{QR: artifact, ExpiresIn: evt.Timeout}})
			case evt.Event == whatsmeow.QRChannelSuccess.Event:
				clearQR()
				phone := ""
				if s.client.Store.ID != nil {
					phone = s.client.Store.ID.User
				}
				deliver(pairOutcome{result: PairResult{AlreadyConnected: true, Phone: phone}})
				return
			case evt.Event == whatsmeow.QRChannelTimeout.Event:
				fail(errors.New("whatsapp qr channel timed out"))
				return
			case evt.Event == whatsmeow.QRChannelClientOutdated.Event:
				fail(ErrWAVersionOutdatedForQR)
				return
			case evt.Event == whatsmeow.QRChannelScannedWithoutMultidevice.Event:
				fail(errors.New("whatsapp qr scanned without multi-device enabled"))
				return
			case evt.Event == whatsmeow.QRChannelErrUnexpectedEvent.Event:
				fail(errors.New("whatsapp qr channel entered an unexpected state"))
				return
			case evt.Event == "error":
				if evt.Error != nil {
					fail(evt.Error)
				} else {
					fail(errors.New("whatsapp qr channel reported an unspecified error"))
				}
				return
			}
		}
	}
}

// Status reports the live state of a session. An instance that is neither
// loaded nor routed is reported with Known=false.
func (m *Manager) Status(ctx context.Context, instanceID string) (State, error) {
	s := m.get(instanceID)
	if s == nil {
		storeJID, found, err := m.getStoreJID(ctx, instanceID)
		if err != nil {
			return State{}, err
		}
		return State{Known: found, Paired: storeJID != ""}, nil
	}

	state := State{
		Known:     true,
		Paired:    s.client.Store.ID != nil,
		Connected: s.client.IsConnected(),
		LoggedIn:  s.client.IsLoggedIn(),
	}
	if s.client.Store.ID != nil {
		state.Phone = s.client.Store.ID.User
	}
	s.mu.Lock()
	if s.qr != "" && time.Now().Before(s.qrExpires) {
		state.QR = s.qr
	}
	s.mu.Unlock()
	return state, nil
}

// SendText sends a plain conversation message to a phone number and returns its message id.
func (m *Manager) SendText(ctx context.Context, instanceID string, phone string, text string) (string, error) {
	s := m.get(instanceID)
	if s == nil {
		return "", ErrSessionNotReady
	}
	client := s.client
	if !client.IsConnected() || !client.IsLoggedIn() {
		return "", ErrSessionNotReady
	}

	infos, err := client.IsOnWhatsApp(ctx, []string{"+" + phone})
	if err != nil {
		return "", err
	}
	if len(infos) == 0 || !infos[0].IsIn {
		return "", ErrNotOnWhatsApp
	}

	msgExtra := whatsmeow.SendRequestExtra{ID: client.GenerateMessageID()}
	msgContent := &waE2E.Message{
		Conversation: proto.String(text),
	}
	if _, err := client.SendMessage(ctx, infos[0].JID, msgContent, msgExtra); err != nil {
		return "", err
	}
	return msgExtra.ID, nil
}

// Reconnect reopens the socket of a paired session.
func (m *Manager) Reconnect(instanceID string) error {
	s := m.get(instanceID)
	if s == nil {
		return ErrUnknownSession
	}
	client := s.client
	client.Disconnect()
	if client.Store.ID == nil {
		return errors.New("whatsapp session is not paired, request a new pairing")
	}
	return client.Connect()
}

// Terminate logs the session out and forgets it. Absent sessions are not an error.
func (m *Manager) Terminate(ctx context.Context, instanceID string) error {
	s := m.get(instanceID)
	if s == nil {
		storeJID, found, err := m.getStoreJID(ctx, instanceID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if storeJID != "" {
			device, err := m.loadDevice(ctx, storeJID)
			if err == nil && device != nil {
				_ = device.Delete(ctx)
			}
		}
		return m.deleteRouting(ctx, instanceID)
	}

	s.mu.Lock()
	if s.cancelQR != nil {
		s.cancelQR()
		s.cancelQR = nil
	}
	s.mu.Unlock()

	client := s.client
	if client.Store.ID != nil {
		logoutCtx, logoutCancel := context.WithTimeout(context.WithoutCancel(ctx), logoutRequestTimeout)
		err := client.Logout(logoutCtx)
		logoutCancel()
		if err != nil {
			client.Disconnect()
			storeCtx, storeCancel := context.WithTimeout(context.WithoutCancel(ctx), routingCleanupTimeout)
			err = client.Store.Delete(storeCtx)
			storeCancel()
			if err != nil {
				return err
			}
		}
	} else {
		client.Disconnect()
	}

	m.remove(instanceID, client)
	return m.deleteRouting(ctx, instanceID)
}

// Close disconnects every client without logging out, sessions survive a restart.
func (m *Manager) Close() error {
	m.mu.Lock()
	for id, s := range m.sessions {
		s.client.Disconnect()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	return m.db.Close()
}

func (m *Manager) handleEvents(s *session) func(interface{}) {
	instanceID := s.instanceID
	return func(evt interface{}) {
		client := s.client
		switch e := evt.(type) {
		case *events.PairSuccess:
			routingCtx, routingCancel := context.WithTimeout(context.Background(), routingCleanupTimeout)
			_ = m.saveRouting(routingCtx, instanceID, e.ID.String())
			routingCancel()
		case *events.Connected:
			phone := ""
			if client.Store.ID != nil {
				phone = client.Store.ID.User
				routingCtx, routingCancel := context.WithTimeout(context.Background(), routingCleanupTimeout)
				_ = m.saveRouting(routingCtx, instanceID, client.Store.ID.String())
				routingCancel()
			}
			log.Print(nil).Info("Client connected: " + maskJIDForLog(phone) + " (" + instanceID + ")")
			m.emit(Event{Type: EventConnected, InstanceID: instanceID, Phone: phone})
		case *events.LoggedOut:
			client.Disconnect()
			m.remove(instanceID, client)
			routingCtx, routingCancel := context.WithTimeout(context.Background(), routingCleanupTimeout)
			_ = m.saveRouting(routingCtx, instanceID, "")
			routingCancel()
			m.emit(Event{Type: EventLoggedOut, InstanceID: instanceID, Reason: e.Reason.String()})
		case *events.StreamReplaced:
			client.Disconnect()
			m.remove(instanceID, client)
			m.emit(Event{Type: EventDisconnected, InstanceID: instanceID, Reason: "stream replaced by another client"})
		case *events.Disconnected:
			log.Print(nil).Warn("Client disconnected: " + instanceID)
		case *events.Message:
			if e.Message == nil || e.Message.ProtocolMessage != nil {
				return
			}
			text := e.Message.GetConversation()
			if text == "" {
				text = e.Message.GetExtendedTextMessage().GetText()
			}
			kind := "other"
			if text != "" {
				kind = "text"
			}
			m.emit(Event{
				ID:         e.Info.ID,
				Type:       EventMessage,
				InstanceID: instanceID,
				Timestamp:  e.Info.Timestamp,
				Message: &Message{
					ID:        e.Info.ID,
					From:      e.Info.Sender.User,
					Chat:      e.Info.Chat.String(),
					PushName:  e.Info.PushName,
					Text:      text,
					Kind:      kind,
					FromMe:    e.Info.IsFromMe,
					Timestamp: e.Info.Timestamp,
				},
			})
		case *events.KeepAliveTimeout:
			log.Print(nil).Warn(fmt.Sprintf("Client keepalive timeout: %s, errors=%d, lastSuccess=%s", instanceID, e.ErrorCount, e.LastSuccess.Format(time.RFC3339)))
		case *events.TemporaryBan:
			log.Print(nil).Error(fmt.Sprintf("Client temporarily banned: %s, reason=%s, expires=%s", instanceID, e.Code, e.Expire))
			m.emit(Event{Type: EventFailed, InstanceID: instanceID, Reason: "temporarily banned: " + e.Code.String()})
		case *events.ConnectFailure:
			log.Print(nil).Error(fmt.Sprintf("Client connection failure: %s, reason=%s, message=%s", instanceID, e.Reason, e.Message))
			m.emit(Event{Type: EventFailed, InstanceID: instanceID, Reason: e.Reason.String()})
		}
	}
}
