package webhooks

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/provider"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/router"
)

// Submitter queues a parsed event for processing.
type Submitter interface {
	Submit(ev connection.InboundEvent)
}

// Controller is the provider facing webhook boundary. It authenticates,
// parses and queues; it never waits for processing.
type Controller struct {
	registry    *provider.Registry
	ingestor    Submitter
	verifyToken string
}

func NewController(registry *provider.Registry, ingestor Submitter, verifyToken string) *Controller {
	return &Controller{registry: registry, ingestor: ingestor, verifyToken: strings.TrimSpace(verifyToken)}
}

func (ctl *Controller) tokenMatches(token string) bool {
	if ctl.verifyToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(ctl.verifyToken)) == 1
}

// Verify answers the subscription handshake.
// @Summary     Provider webhook verification handshake
// @Tags        Webhooks
// @Param       provider path string true "Provider name"
// @Param       hub.mode query string true "subscribe"
// @Param       hub.verify_token query string true "Shared token"
// @Param       hub.challenge query string true "Challenge echoed back"
// @Success     200 {string} string "challenge"
// @Failure     403
// @Router      /webhooks/{provider} [get]
func (ctl *Controller) Verify(c *fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || challenge == "" || ctl.verifyToken == "" || !ctl.tokenMatches(token) {
		log.Print(c).WithField("provider", c.Params("provider")).Warn("Webhook verification rejected")
		return router.ResponseForbidden(c, "Webhook verification failed")
	}
	return c.Status(fiber.StatusOK).SendString(challenge)
}

// Receive
// @Summary     Provider webhook callback
// @Description Always acknowledged with 200 once the token matches; processing is asynchronous.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       provider path string true "Provider name"
// @Param       token query string false "Shared token, or X-Webhook-Token header"
// @Success     200
// @Failure     401
// @Router      /webhooks/{provider} [post]
func (ctl *Controller) Receive(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		token = c.Get("X-Webhook-Token")
	}
	if !ctl.tokenMatches(token) {
		return router.ResponseUnauthorized(c, "Invalid webhook token")
	}

	name := c.Params("provider")
	p, ok := connection.ParseProvider(name)
	if !ok {
		log.WebhookOp(name, "", "").Warn("Webhook for unknown provider acknowledged and dropped")
		return router.ResponseSuccess(c, "ignored")
	}
	parser, ok := ctl.registry.Parser(p)
	if !ok {
		log.WebhookOp(string(p), "", "").Warn("Webhook for a provider without a parser acknowledged and dropped")
		return router.ResponseSuccess(c, "ignored")
	}

	// fiber reuses the body buffer once the handler returns.
	body := append([]byte(nil), c.Body()...)
	events, err := parser.ParseWebhook(body)
	if err != nil {
		log.WebhookOp(string(p), "", "").WithError(err).Warn("Failed to parse provider webhook")
		return router.ResponseSuccess(c, "ignored")
	}

	for _, ev := range events {
		ctl.ingestor.Submit(ev)
	}
	return router.ResponseSuccessWithData(c, "accepted", fiber.Map{"events": len(events)})
}
