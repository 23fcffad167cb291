package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/provider"
	typWhatsApp "github.com/gdbrns/go-whatsapp-unit-connections/internal/types"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/router"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/validation"
)

// Sender is the orchestrator capability the gateway needs.
type Sender interface {
	Send(ctx context.Context, unitID string, destination string, text string) (provider.Ack, error)
}

type Options struct {
	// RatePerMinute caps sends per unit. Zero disables the limit.
	RatePerMinute int
	Burst         int
}

// Gateway validates outbound messages and sends them through the unit's
// connection.
type Gateway struct {
	sender   Sender
	opts     Options
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewGateway(sender Sender, opts Options) *Gateway {
	if opts.RatePerMinute > 0 && opts.Burst <= 0 {
		opts.Burst = opts.RatePerMinute / 6
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	return &Gateway{
		sender:   sender,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (g *Gateway) limiter(unitID string) *rate.Limiter {
	if g.opts.RatePerMinute <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[unitID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.opts.RatePerMinute)), g.opts.Burst)
		g.limiters[unitID] = l
	}
	return l
}

// Send normalizes the destination, checks the text and the unit's send
// budget, then delegates. Validation failures are InvalidConfig.
func (g *Gateway) Send(ctx context.Context, unitID string, destination string, text string) (provider.Ack, error) {
	if err := validation.ValidatePhone(destination); err != nil {
		return provider.Ack{}, connection.Wrap(connection.KindInvalidConfig, "send", err)
	}
	if err := validation.ValidateText(text); err != nil {
		return provider.Ack{}, connection.Wrap(connection.KindInvalidConfig, "send", err)
	}
	if l := g.limiter(unitID); l != nil && !l.Allow() {
		return provider.Ack{}, connection.Errorf(connection.KindConflictingOperation, "send", "send rate exceeded for unit %s", unitID)
	}
	return g.sender.Send(ctx, unitID, validation.NormalizePhone(destination), text)
}

// SendText
// @Summary     Send a text message through the unit's WhatsApp connection
// @Tags        WhatsApp
// @Security    BearerAuth
// @Accept      json
// @Produce     json
// @Param       unit_id path string true "Unit ID"
// @Param       body body types.RequestSendMessage true "Destination and text"
// @Success     200
// @Failure     409 {object} router.Response "not_connected"
// @Router      /units/{unit_id}/whatsapp/send [post]
func (g *Gateway) SendText(c *fiber.Ctx) error {
	unitID, _ := c.Locals("unit_id").(string)

	var req typWhatsApp.RequestSendMessage
	if err := c.BodyParser(&req); err != nil {
		log.ConnectionOp(unitID, "", "send").Warn("Failed to parse body request")
		return router.ResponseBadRequest(c, "Failed parse body request")
	}
	if err := validation.Struct(&req); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}

	ack, err := g.Send(c.UserContext(), unitID, req.Destination, req.Text)
	if err != nil {
		return router.ResponseErrorWithData(c, typWhatsApp.HTTPStatus(err), err.Error(), typWhatsApp.ErrorData(err, connection.View{}))
	}

	log.ConnectionOp(unitID, ack.Provider, "send").
		WithField("destination", log.MaskPhone(ack.Destination)).
		WithField("message_id", ack.MessageID).
		Info("Message sent")
	return router.ResponseSuccessWithData(c, "Success send message", typWhatsApp.ResponseSend{Ack: ack})
}
