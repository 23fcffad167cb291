package webhooks

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/provider"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/router"
)

func init() {
	log.SetOutput(io.Discard)
}

type captureSubmitter struct {
	mu     sync.Mutex
	events []connection.InboundEvent
}

func (s *captureSubmitter) Submit(ev connection.InboundEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

const connectionUpdate = `{"event":"connection.update","instance":"unit-u1","data":{"instance":"unit-u1","state":"open","wuid":"5511999999999@s.whatsapp.net"}}`

func newApp(sub Submitter, token string) *fiber.App {
	ctl := NewController(provider.NewRegistry(provider.NewEvolution(provider.EvolutionOptions{})), sub, token)
	app := fiber.New(fiber.Config{ErrorHandler: router.HttpErrorHandler})
	app.Get("/webhooks/:provider", ctl.Verify)
	app.Post("/webhooks/:provider", ctl.Receive)
	return app
}

func post(t *testing.T, app *fiber.App, target string, body string, header map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestVerifyHandshake(t *testing.T) {
	app := newApp(&captureSubmitter{}, "tok")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/webhooks/evolution?hub.mode=subscribe&hub.verify_token=tok&hub.challenge=abc123", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "abc123", string(body))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/webhooks/evolution?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=abc123", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestReceiveQueuesParsedEvents(t *testing.T) {
	sub := &captureSubmitter{}
	app := newApp(sub, "tok")

	resp := post(t, app, "/webhooks/evolution?token=tok", connectionUpdate, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, sub.events, 1)
	assert.Equal(t, "unit-u1", sub.events[0].InstanceID)
	assert.Equal(t, connection.StatusConnected, sub.events[0].Status.Status)

	resp = post(t, app, "/webhooks/evolution", connectionUpdate, map[string]string{"X-Webhook-Token": "tok"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, sub.events, 2)
}

func TestReceiveRejectsBadToken(t *testing.T) {
	sub := &captureSubmitter{}
	app := newApp(sub, "tok")

	resp := post(t, app, "/webhooks/evolution?token=nope", connectionUpdate, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, sub.events)
}

func TestReceiveAcksUnparseableAndUnknown(t *testing.T) {
	sub := &captureSubmitter{}
	app := newApp(sub, "")

	resp := post(t, app, "/webhooks/evolution", `not json`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, app, "/webhooks/telegram", connectionUpdate, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, app, "/webhooks/zapi", `{}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Empty(t, sub.events)
}
