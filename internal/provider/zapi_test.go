package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
)

func zapiConfig() connection.Config {
	return connection.Config{"instance_id": "3C0FFEE0001", "token": "tok-123456", "client_token": "acct-token"}
}

func newZAPIServer(t *testing.T, connected bool) *ZAPI {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acct-token", r.Header.Get("Client-Token"))
		if !strings.HasPrefix(r.URL.Path, "/instances/3C0FFEE0001/token/tok-123456/") {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Instance not found"})
			return
		}
		switch strings.TrimPrefix(r.URL.Path, "/instances/3C0FFEE0001/token/tok-123456") {
		case "/status":
			writeJSON(w, http.StatusOK, map[string]any{"connected": connected, "smartphoneConnected": connected})
		case "/qr-code/image":
			if connected {
				writeJSON(w, http.StatusOK, map[string]any{"connected": true})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"value": "data:image/png;base64,QRQR"})
		case "/device":
			writeJSON(w, http.StatusOK, map[string]any{"phone": "5511999999999"})
		case "/send-text":
			if !connected {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "You are not connected."})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"zaapId": "Z1", "messageId": "M1", "id": "M1"})
		case "/disconnect":
			writeJSON(w, http.StatusOK, map[string]any{"value": true})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return NewZAPI(ZAPIOptions{BaseURL: srv.URL, RetryBackoff: time.Millisecond})
}

func TestZAPIValidateConfig(t *testing.T) {
	z := NewZAPI(ZAPIOptions{})
	assert.NoError(t, z.ValidateConfig(zapiConfig()))
	assert.ErrorIs(t, z.ValidateConfig(connection.Config{"instance_id": "3C0FFEE0001"}), connection.ErrInvalidConfig)
}

func TestZAPIPairingFlow(t *testing.T) {
	z := newZAPIServer(t, false)
	ctx := context.Background()

	s, err := z.CreateSession(ctx, SessionRequest{UnitID: "U1", Config: zapiConfig()})
	require.NoError(t, err)
	assert.Equal(t, "3C0FFEE0001", s.InstanceID)
	assert.True(t, s.Created)
	assert.Equal(t, connection.StatusConnecting, s.Report.Status)

	again, err := z.CreateSession(ctx, SessionRequest{UnitID: "U1", InstanceID: "3C0FFEE0001", Config: zapiConfig()})
	require.NoError(t, err)
	assert.False(t, again.Created)

	p, err := z.RequestPairing(ctx, zapiConfig(), s.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,QRQR", p.Artifact)

	report, err := z.FetchStatus(ctx, zapiConfig(), s.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, connection.StatusConnecting, report.Status)
	assert.Equal(t, "data:image/png;base64,QRQR", report.PairingArtifact)
	assert.Equal(t, zapiQRLifetime, report.ArtifactTTL)

	_, err = z.SendMessage(ctx, zapiConfig(), s.InstanceID, "5511988887777", "hi")
	assert.ErrorIs(t, err, connection.ErrNotConnected)
}

func TestZAPIConnected(t *testing.T) {
	z := newZAPIServer(t, true)
	ctx := context.Background()

	p, err := z.RequestPairing(ctx, zapiConfig(), "3C0FFEE0001")
	require.NoError(t, err)
	assert.True(t, p.AlreadyConnected)
	assert.Equal(t, "5511999999999", p.Phone)

	report, err := z.FetchStatus(ctx, zapiConfig(), "3C0FFEE0001")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusConnected, report.Status)
	assert.Equal(t, "5511999999999", report.Phone)

	ack, err := z.SendMessage(ctx, zapiConfig(), "3C0FFEE0001", "5511988887777", "hi")
	require.NoError(t, err)
	assert.Equal(t, "M1", ack.MessageID)

	assert.NoError(t, z.Terminate(ctx, zapiConfig(), "3C0FFEE0001"))
}

func TestZAPIRejectsInstanceSwap(t *testing.T) {
	z := NewZAPI(ZAPIOptions{})
	_, err := z.CreateSession(context.Background(), SessionRequest{UnitID: "U1", InstanceID: "OTHER", Config: zapiConfig()})
	assert.ErrorIs(t, err, connection.ErrInvalidConfig)
}

func TestZAPIUnknownInstanceIsDisconnected(t *testing.T) {
	z := newZAPIServer(t, true)
	cfg := zapiConfig()
	cfg["instance_id"] = "UNKNOWN0001"
	report, err := z.FetchStatus(context.Background(), cfg, "UNKNOWN0001")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusDisconnected, report.Status)
}

func TestZAPISendIsNotRepeatedAfterGatewayError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
	}))
	t.Cleanup(srv.Close)
	z := NewZAPI(ZAPIOptions{BaseURL: srv.URL, RetryBackoff: time.Millisecond})

	_, err := z.SendMessage(context.Background(), zapiConfig(), "3C0FFEE0001", "5511988887777", "hello")
	assert.ErrorIs(t, err, connection.ErrProviderUnavailable)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// Reads keep their single retry.
	_, err = z.FetchStatus(context.Background(), zapiConfig(), "3C0FFEE0001")
	assert.ErrorIs(t, err, connection.ErrProviderUnavailable)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestZAPIParseWebhook(t *testing.T) {
	z := NewZAPI(ZAPIOptions{})

	events, err := z.ParseWebhook([]byte(`{"type":"ConnectedCallback","connected":true,"momment":1767348000000,"instanceId":"3C0FFEE0001","phone":"5511999999999"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, connection.StatusConnected, events[0].Status.Status)
	assert.Equal(t, "5511999999999", events[0].Status.Phone)
	assert.Equal(t, time.UnixMilli(1767348000000), events[0].OccurredAt)

	events, err = z.ParseWebhook([]byte(`{"type":"ReceivedCallback","instanceId":"3C0FFEE0001","messageId":"MSG1","phone":"5511988887777","fromMe":false,"momment":1767348000000,"senderName":"Ana","text":{"message":"oi"}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, connection.EventMessage, events[0].Type)
	assert.Equal(t, "MSG1", events[0].ProviderEventID)
	assert.Equal(t, "oi", events[0].Message.Text)

	events, err = z.ParseWebhook([]byte(`{"type":"DisconnectedCallback","instanceId":"3C0FFEE0001","momment":1767348000001,"error":"Device has been disconnected","disconnected":true}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, connection.StatusDisconnected, events[0].Status.Status)

	events, err = z.ParseWebhook([]byte(`{"type":"MessageStatusCallback","instanceId":"3C0FFEE0001"}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}
