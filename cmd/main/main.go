package main

// @title Go WhatsApp Unit Connections
// @version 1.0.0
// @description Connects each CRM unit to WhatsApp through Evolution API, Z-API or an in-process whatsmeow session, and keeps the connection status in sync through provider webhooks

// @contact.name gdbrns
// @contact.url https://github.com/gdbrns/go-whatsapp-unit-connections

// @license.name MIT
// @license.url https://github.com/gdbrns/go-whatsapp-unit-connections/blob/main/LICENSE

// @host localhost:7001
// @BasePath /

// @securityDefinitions.apikey AdminAuth
// @in header
// @name X-Admin-Secret
// @description Admin secret key for the operator endpoints

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT Bearer token issued by the CRM for a unit

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"

	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/auth"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/env"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/router"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-unit-connections/pkg/whatsapp"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal"
	ctlAdmin "github.com/gdbrns/go-whatsapp-unit-connections/internal/admin"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	ctlConnections "github.com/gdbrns/go-whatsapp-unit-connections/internal/connections"
	ctlMessaging "github.com/gdbrns/go-whatsapp-unit-connections/internal/messaging"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/orchestrator"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/provider"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/webhook"
	ctlWebhooks "github.com/gdbrns/go-whatsapp-unit-connections/internal/webhooks"
)

type Server struct {
	Address string
	Port    string
}

type stores struct {
	connections connection.Store
	webhooks    webhook.Store
}

// openStores picks memory or Postgres. Both stores share one handle when
// Postgres is configured.
func openStores(ctx context.Context) (stores, error) {
	driver := connection.NormalizeDriver(env.GetEnvStringOrDefault("CONNECTION_STORE_DRIVER", "memory"))
	if driver == "memory" || driver == "" {
		log.Print(nil).Warn("Connection store is in memory, records are lost on restart")
		return stores{connections: connection.NewMemoryStore(), webhooks: webhook.NewMemoryStore()}, nil
	}

	db, err := sql.Open(driver, env.MustGetEnvString("CONNECTION_STORE_URI"))
	if err != nil {
		return stores{}, err
	}
	db.SetMaxOpenConns(env.GetEnvPositiveIntOrDefault("CONNECTION_STORE_MAX_OPEN_CONNS", 25, 1))
	db.SetMaxIdleConns(env.GetEnvPositiveIntOrDefault("CONNECTION_STORE_MAX_IDLE_CONNS", 10, 1))
	db.SetConnMaxLifetime(10 * time.Minute)
	db.SetConnMaxIdleTime(3 * time.Minute)

	connStore, err := connection.NewPostgresStoreWithDB(ctx, db, connection.PostgresStoreOptions{
		Driver:           driver,
		InstanceCacheTTL: env.GetEnvDurationOrDefault("CONNECTION_STORE_INSTANCE_CACHE_TTL", time.Minute),
	})
	if err != nil {
		_ = db.Close()
		return stores{}, err
	}
	hookStore, err := webhook.NewPostgresStore(ctx, db, env.GetEnvDurationOrDefault("WEBHOOK_STATS_CACHE_TTL", 15*time.Second))
	if err != nil {
		_ = db.Close()
		return stores{}, err
	}
	log.Print(nil).Info("Connection store initialized with driver=" + driver)
	return stores{connections: connStore, webhooks: hookStore}, nil
}

func main() {
	var err error

	if strings.TrimSpace(auth.JWTSecretKey) == "" {
		log.Print(nil).Fatal("JWT_SECRET_KEY is required")
	}
	log.SetLevel(env.GetEnvStringOrDefault("LOG_LEVEL", "info"))

	ctxInit, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()

	st, err := openStores(ctxInit)
	if err != nil {
		log.Print(nil).Fatal("Failed to open connection store: " + err.Error())
	}

	// Providers
	retryBackoff := env.GetEnvDurationOrDefault("PROVIDER_RETRY_BACKOFF", 500*time.Millisecond)
	registry := provider.NewRegistry()
	// WHATSAPP_PROVIDERS: gateways offered to units, default "evolution,zapi"
	for _, name := range env.GetEnvListOrDefault("WHATSAPP_PROVIDERS", []string{"evolution", "zapi"}) {
		p, ok := connection.ParseProvider(name)
		switch {
		case ok && p == connection.ProviderEvolution:
			registry.Register(provider.NewEvolution(provider.EvolutionOptions{
				BaseURL:      env.GetEnvStringOrDefault("EVOLUTION_BASE_URL", ""),
				WebhookURL:   env.GetEnvStringOrDefault("EVOLUTION_WEBHOOK_URL", ""),
				RetryBackoff: retryBackoff,
			}))
		case ok && p == connection.ProviderZAPI:
			registry.Register(provider.NewZAPI(provider.ZAPIOptions{
				BaseURL:      env.GetEnvStringOrDefault("ZAPI_BASE_URL", ""),
				WebhookURL:   env.GetEnvStringOrDefault("ZAPI_WEBHOOK_URL", ""),
				RetryBackoff: retryBackoff,
			}))
		case ok && p == connection.ProviderNative:
			log.Print(nil).Warn("Native provider is enabled through WHATSAPP_NATIVE_ENABLED, ignoring it in WHATSAPP_PROVIDERS")
		default:
			log.Print(nil).Fatal("Unknown provider in WHATSAPP_PROVIDERS: " + name)
		}
	}

	var manager *pkgWhatsApp.Manager
	var versions *pkgWhatsApp.VersionRefresher
	if env.GetEnvBoolOrDefault("WHATSAPP_NATIVE_ENABLED", false) {
		manager, err = pkgWhatsApp.NewManager(ctxInit, pkgWhatsApp.Options{
			Driver:   env.GetEnvStringOrDefault("WHATSAPP_DATASTORE_TYPE", "postgres"),
			DSN:      env.MustGetEnvString("WHATSAPP_DATASTORE_URI"),
			ProxyURL: env.GetEnvStringOrDefault("WHATSAPP_CLIENT_PROXY_URL", ""),
		})
		if err != nil {
			log.Print(nil).Fatal("Failed to initialize native WhatsApp runtime: " + err.Error())
		}
		versions = pkgWhatsApp.NewVersionRefresher(env.GetEnvDurationOrDefault("WHATSAPP_WAVERSION_REFRESH_MIN_INTERVAL", 10*time.Minute))
		registry.Register(provider.NewNative(manager, retryBackoff))
	}

	orch := orchestrator.New(st.connections, registry, orchestrator.Options{
		ProviderCallTimeout: env.GetEnvDurationOrDefault("PROVIDER_CALL_TIMEOUT", 8*time.Second),
		LockWaitTimeout:     env.GetEnvDurationOrDefault("LOCK_WAIT_TIMEOUT", 20*time.Second),
	})

	forwarder, err := webhook.NewForwarder(webhook.ForwarderOptions{
		URL:        env.GetEnvStringOrDefault("CONVERSATION_INGEST_URL", ""),
		Secret:     env.GetEnvStringOrDefault("CONVERSATION_INGEST_SECRET", ""),
		RetryLimit: env.GetEnvPositiveIntOrDefault("CONVERSATION_INGEST_RETRY_LIMIT", 3, 1),
		Backoff:    env.GetEnvDurationOrDefault("CONVERSATION_INGEST_BACKOFF", time.Second),
	}, st.webhooks)
	if err != nil {
		log.Print(nil).Fatal("Invalid conversation ingest configuration: " + err.Error())
	}

	ingestor := webhook.NewIngestor(st.connections, orch, forwarder, st.webhooks, webhook.IngestorOptions{
		Workers:      env.GetEnvPositiveIntOrDefault("WEBHOOK_WORKERS", 4, 1),
		QueueSize:    env.GetEnvPositiveIntOrDefault("WEBHOOK_QUEUE_SIZE", 1000, 1),
		DedupWindow:  env.GetEnvDurationOrDefault("WEBHOOK_DEDUP_WINDOW", 24*time.Hour),
		// A status change failing on a busy unit is requeued, the provider will not resend it.
		MaxAttempts:  env.GetEnvPositiveIntOrDefault("WEBHOOK_MAX_ATTEMPTS", 3, 1),
		RetryBackoff: env.GetEnvDurationOrDefault("WEBHOOK_RETRY_BACKOFF", 5*time.Second),
	})

	if manager != nil {
		manager.SetEventSink(func(evt pkgWhatsApp.Event) {
			if ev, ok := provider.NativeEvent(evt); ok {
				ingestor.Submit(ev)
			}
		})
	}

	controllers := internal.Controllers{
		Connections: ctlConnections.NewController(orch),
		Messaging: ctlMessaging.NewGateway(orch, ctlMessaging.Options{
			RatePerMinute: env.GetEnvIntOrDefault("SEND_RATE_PER_MINUTE", 60),
			Burst:         env.GetEnvIntOrDefault("SEND_RATE_BURST", 0),
		}),
		Webhooks: ctlWebhooks.NewController(registry, ingestor, env.GetEnvStringOrDefault("WEBHOOK_VERIFY_TOKEN", "")),
	}
	if versions != nil {
		controllers.Admin = ctlAdmin.NewController(orch, ingestor, versions, registry.Providers())
	} else {
		// A typed nil would defeat the controller's nil check.
		controllers.Admin = ctlAdmin.NewController(orch, ingestor, nil, registry.Providers())
	}

	// Intialize Cron
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
	), cron.WithSeconds())

	// Initialize Fiber
	app := fiber.New(fiber.Config{
		ErrorHandler:   router.HttpErrorHandler,
		BodyLimit:      router.BodyLimitBytes(),
		ReadTimeout:    router.RequestTimeout,
		WriteTimeout:   router.RequestTimeout,
		ReadBufferSize: 8192, // JWT bearer tokens make for large headers
	})

	// Request ID + panic recovery (structured JSON)
	app.Use(router.HttpRequestID())
	app.Use(router.RecoveryMiddleware())

	// Router Compression
	app.Use(compress.New(compress.Config{
		Level: compress.Level(router.GZipLevel),
		Next: func(c *fiber.Ctx) bool {
			return strings.Contains(c.Path(), "docs")
		},
	}))

	// Router CORS
	app.Use(cors.New(cors.Config{
		AllowOrigins: router.CORSOrigin,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE",
	}))

	// Router Security
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))

	// Router RealIP + request context enrichment
	app.Use(router.HttpRealIP())

	// Router Default Handler
	app.Get("/favicon.ico", router.ResponseNoContent)

	// Load Internal Routes
	internal.Routes(app, controllers)

	// Running Startup Tasks
	if manager != nil {
		go internal.Startup(context.Background(), manager, internal.StartupOptionsFromEnv())
	}

	// Running Routines Tasks
	if versions != nil {
		internal.Routines(c, ingestor, versions)
	} else {
		internal.Routines(c, ingestor, nil)
	}

	// Get Server Configuration with defaults
	var serverConfig Server

	// SERVER_ADDRESS: default "0.0.0.0" (all interfaces)
	serverConfig.Address = env.GetEnvStringOrDefault("SERVER_ADDRESS", "0.0.0.0")

	// SERVER_PORT: default "7001"
	serverConfig.Port = env.GetEnvStringOrDefault("SERVER_PORT", "7001")

	// Start Server
	go func() {
		if err := app.Listen(serverConfig.Address + ":" + serverConfig.Port); err != nil {
			log.Print(nil).Fatal(err.Error())
		}
	}()

	// Watch for Shutdown Signal
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigShutdown
	// Wait 5 Seconds Before Graceful Shutdown
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	// Try To Shutdown Server
	err = app.ShutdownWithContext(ctxShutdown)
	if err != nil {
		log.Print(nil).Error(err.Error())
	}

	// Drain queued webhook events before the stores go away
	ingestor.Shutdown()

	// Try To Shutdown Cron
	<-c.Stop().Done()

	if manager != nil {
		if err := manager.Close(); err != nil {
			log.Print(nil).Error("Failed to close native WhatsApp runtime: " + err.Error())
		}
	}
	if err := st.connections.Close(); err != nil {
		log.Print(nil).Error("Failed to close connection store: " + err.Error())
	}
}
