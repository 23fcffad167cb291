package router

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
)

// RecoveryMiddleware converts panics into the JSON envelope and logs the stack.
// It must be registered before application routes.
func RecoveryMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Print(c).
					WithField("stack", string(debug.Stack())).
					Error(fmt.Sprintf("panic recovered: %v", rec))
				message := http.StatusText(http.StatusInternalServerError)
				err = c.Status(http.StatusInternalServerError).JSON(Response{
					Status:  false,
					Code:    http.StatusInternalServerError,
					Message: message,
					Error:   message,
				})
			}
		}()
		return c.Next()
	}
}
