package connections

import (
	"context"
	"html"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/orchestrator"
	typWhatsApp "github.com/gdbrns/go-whatsapp-unit-connections/internal/types"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/router"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/validation"
)

// Orchestrator is what the unit routes drive.
type Orchestrator interface {
	Connect(ctx context.Context, unitID string, p connection.Provider, cfg connection.Config) (orchestrator.ConnectResult, error)
	GetStatus(ctx context.Context, unitID string) (connection.View, error)
	Disconnect(ctx context.Context, unitID string) (connection.View, error)
}

type Controller struct {
	orch Orchestrator
}

func NewController(orch Orchestrator) *Controller {
	return &Controller{orch: orch}
}

// getUnitContext extracts the unit resolved by the auth middleware
func getUnitContext(c *fiber.Ctx) string {
	unitID, _ := c.Locals("unit_id").(string)
	return unitID
}

func respondError(c *fiber.Ctx, err error, view connection.View) error {
	return router.ResponseErrorWithData(c, typWhatsApp.HTTPStatus(err), err.Error(), typWhatsApp.ErrorData(err, view))
}

// Connect
// @Summary     Connect a unit to a WhatsApp provider
// @Description Creates or reuses the provider session and returns the pairing artifact while connecting.
// @Tags        WhatsApp
// @Security    BearerAuth
// @Accept      json
// @Produce     json
// @Param       unit_id path string true "Unit ID"
// @Param       body body types.RequestConnect true "Provider and credentials"
// @Success     201 {object} router.Response "new session"
// @Success     200 {object} router.Response "existing session reused"
// @Failure     409 {object} router.Response "conflicting_operation"
// @Failure     422 {object} router.Response "invalid_config"
// @Failure     503 {object} router.Response "provider_unavailable"
// @Router      /units/{unit_id}/whatsapp/connect [post]
func (ctl *Controller) Connect(c *fiber.Ctx) error {
	unitID := getUnitContext(c)

	var req typWhatsApp.RequestConnect
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "Failed parse body request")
	}
	if err := validation.Struct(&req); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	p, ok := connection.ParseProvider(req.Provider)
	if !ok {
		err := connection.Errorf(connection.KindInvalidConfig, "connect", "unknown provider %q", req.Provider)
		return respondError(c, err, connection.View{})
	}

	log.ConnectionOp(unitID, string(p), "connect").Info("Connect requested")

	res, err := ctl.orch.Connect(c.UserContext(), unitID, p, connection.Config(req.Credentials))
	if err != nil {
		return respondError(c, err, res.View)
	}

	data := typWhatsApp.ResponseConnection{Connection: res.View, Created: res.Created}
	if res.Created {
		return router.ResponseCreatedWithData(c, "Session created", data)
	}
	return router.ResponseSuccessWithData(c, "Session reused", data)
}

// GetStatus
// @Summary     Get the unit's WhatsApp connection status
// @Description Reconciles with the provider. When the provider is unreachable the stored status is returned flagged stale. output=html renders the pairing QR.
// @Tags        WhatsApp
// @Security    BearerAuth
// @Produce     json
// @Param       unit_id path string true "Unit ID"
// @Param       output query string false "json (default) or html"
// @Success     200 {object} router.Response
// @Failure     404 {object} router.Response "unknown_tenant"
// @Failure     503 {object} router.Response "provider_unavailable"
// @Router      /units/{unit_id}/whatsapp/status [get]
func (ctl *Controller) GetStatus(c *fiber.Ctx) error {
	unitID := getUnitContext(c)

	view, err := ctl.orch.GetStatus(c.UserContext(), unitID)
	if err != nil {
		return respondError(c, err, view)
	}

	if strings.EqualFold(c.Query("output"), "html") {
		c.Set("Content-Type", "text/html")
		return c.SendString(renderStatusHTML(view))
	}
	return router.ResponseSuccessWithData(c, "Connection status", typWhatsApp.ResponseConnection{Connection: view})
}

// Disconnect
// @Summary     Disconnect the unit's WhatsApp session
// @Description Idempotent. The record ends disconnected even when the provider cannot be reached.
// @Tags        WhatsApp
// @Security    BearerAuth
// @Produce     json
// @Param       unit_id path string true "Unit ID"
// @Success     200 {object} router.Response
// @Router      /units/{unit_id}/whatsapp/disconnect [delete]
func (ctl *Controller) Disconnect(c *fiber.Ctx) error {
	unitID := getUnitContext(c)

	view, err := ctl.orch.Disconnect(c.UserContext(), unitID)
	if err != nil {
		return respondError(c, err, view)
	}
	return router.ResponseSuccessWithData(c, "Session disconnected", typWhatsApp.ResponseConnection{Connection: view})
}

func renderStatusHTML(view connection.View) string {
	var body string
	switch {
	case view.Status == connection.StatusConnecting && strings.HasPrefix(view.PairingArtifact, "data:image/"):
		body = `<img src="` + html.EscapeString(view.PairingArtifact) + `" />
				<p><b>QR Code Scan</b></p>`
	case view.Status == connection.StatusConnecting && view.PairingArtifact != "":
		body = `<p>Pairing code: <b>` + html.EscapeString(view.PairingArtifact) + `</b></p>`
	case view.Status == connection.StatusConnected:
		body = `<p>Connected as <b>` + html.EscapeString(view.Phone) + `</b></p>`
	default:
		body = `<p>Status: <b>` + html.EscapeString(string(view.Status)) + `</b></p>`
	}
	return `
		<html>
			<head>
				<title>WhatsApp Connection</title>
				<meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
				<meta http-equiv="refresh" content="5" />
			</head>
			<body>
				` + body + `
			</body>
		</html>
		`
}
