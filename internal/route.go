package internal

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	swagger "github.com/gofiber/swagger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/auth"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/router"

	ctlAdmin "github.com/gdbrns/go-whatsapp-unit-connections/internal/admin"
	ctlConnections "github.com/gdbrns/go-whatsapp-unit-connections/internal/connections"
	ctlIndex "github.com/gdbrns/go-whatsapp-unit-connections/internal/index"
	ctlMessaging "github.com/gdbrns/go-whatsapp-unit-connections/internal/messaging"
	ctlWebhooks "github.com/gdbrns/go-whatsapp-unit-connections/internal/webhooks"
)

// Controllers are built in main and handed to Routes.
type Controllers struct {
	Connections *ctlConnections.Controller
	Messaging   *ctlMessaging.Gateway
	Webhooks    *ctlWebhooks.Controller
	Admin       *ctlAdmin.Controller
}

func Routes(app *fiber.App, ctl Controllers) {
	// Configure OpenAPI / Swagger
	specURL := router.BaseURL + "/docs/swagger.json"
	swaggerHandler := swagger.New(swagger.Config{
		URL: specURL,
	})

	// Route for Index
	// ---------------------------------------------
	if router.BaseURL == "" {
		app.Get("/", ctlIndex.Index)
	} else {
		app.Get(router.BaseURL, ctlIndex.Index)
		app.Get(router.BaseURL+"/", ctlIndex.Index)
	}

	// Route for OpenAPI / Swagger
	// ---------------------------------------------
	app.Get(router.BaseURL+"/docs/swagger.json", func(c *fiber.Ctx) error {
		return c.SendFile("docs/swagger.json")
	})
	app.Get(router.BaseURL+"/docs/*", swaggerHandler)

	// Route for Prometheus
	// ---------------------------------------------
	app.Get(router.BaseURL+"/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// ============================================================
	// ADMIN ROUTES (X-Admin-Secret authentication)
	// ============================================================
	adminMiddleware := auth.AdminAuth()

	app.Get(router.BaseURL+"/admin/connections", adminMiddleware, ctl.Admin.ListConnections)
	app.Get(router.BaseURL+"/admin/stats", adminMiddleware, ctl.Admin.GetStats)
	app.Get(router.BaseURL+"/admin/whatsapp/version", adminMiddleware, ctl.Admin.GetWhatsAppWebVersion)
	app.Post(router.BaseURL+"/admin/whatsapp/version/refresh", adminMiddleware, ctl.Admin.RefreshWhatsAppWebVersion)

	// ============================================================
	// UNIT ROUTES (JWT Bearer token authentication)
	// ============================================================
	unitAuthMiddleware := auth.UnitAuth()

	app.Post(router.BaseURL+"/units/:unit_id/whatsapp/connect", unitAuthMiddleware, ctl.Connections.Connect)
	app.Get(router.BaseURL+"/units/:unit_id/whatsapp/status", unitAuthMiddleware, ctl.Connections.GetStatus)
	app.Delete(router.BaseURL+"/units/:unit_id/whatsapp/disconnect", unitAuthMiddleware, ctl.Connections.Disconnect)
	app.Post(router.BaseURL+"/units/:unit_id/whatsapp/send", unitAuthMiddleware, ctl.Messaging.SendText)

	// ============================================================
	// PROVIDER WEBHOOKS (shared token)
	// ============================================================
	app.Get(router.BaseURL+"/webhooks/:provider", ctl.Webhooks.Verify)
	app.Post(router.BaseURL+"/webhooks/:provider", ctl.Webhooks.Receive)
}
