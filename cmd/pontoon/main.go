package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pontoon-chat/pontoon/internal/api"
	"github.com/pontoon-chat/pontoon/internal/archive"
	"github.com/pontoon-chat/pontoon/internal/config"
	"github.com/pontoon-chat/pontoon/internal/discord"
	"github.com/pontoon-chat/pontoon/internal/httputil"
	"github.com/pontoon-chat/pontoon/internal/migration"
	"github.com/pontoon-chat/pontoon/internal/push"
	"github.com/pontoon-chat/pontoon/internal/relay"
	"github.com/pontoon-chat/pontoon/internal/stoat"
	"github.com/pontoon-chat/pontoon/internal/store"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Bridge stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.Environment).Msg("Starting Pontoon")

	ctx := context.Background()

	// Open the store. It closes last so every shutdown step before it can still
	// persist state.
	db, err := store.Open(ctx, cfg.DBPath, log.Logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Store close failed")
		}
	}()
	log.Info().Str("path", cfg.DBPath).Msg("Store opened")

	// Source platform client
	source, err := discord.NewClient(cfg.SourceToken, cfg.SourcePrivilegedIntents, log.Logger)
	if err != nil {
		return fmt.Errorf("create source client: %w", err)
	}

	// Target platform REST client and gateway session
	target := stoat.NewClient(cfg.TargetAPIBase, cfg.TargetCDNURL, cfg.TargetToken, log.Logger)
	session := stoat.NewSession(cfg.TargetWSURL, cfg.TargetToken, target, log.Logger)

	// Relay engine
	engine := relay.NewEngine(db, source, target, relay.NewGuard(), relay.Config{
		SourceFileLimit: cfg.RehostMaxTargetBytes,
		TargetFileLimit: cfg.RehostMaxSourceBytes,
		TargetBotID:     session.BotUserID,
	}, log.Logger)

	// Migration pipeline
	approvals := migration.NewApprovals()
	authorizer := migration.NewAuthorizer(db, target, approvals, log.Logger)
	executor := migration.NewExecutor(db, source, target, log.Logger)
	migrations := migration.NewManager(authorizer, executor, approvals, log.Logger)

	// Archive pipeline
	archives := archive.NewManager(db,
		archive.NewExporter(db, source, log.Logger),
		archive.NewImporter(db, target, log.Logger),
		log.Logger,
	)

	// Push fan-out, when enabled and at least one transport is configured
	var notifier *push.Service
	if cfg.PushEnabled {
		pushCfg := push.Config{TargetBotID: session.BotUserID}
		if cfg.FirebaseConfigured() {
			account, err := push.LoadServiceAccount(cfg.FirebaseSAJSON, cfg.FirebaseServiceAccount)
			if err != nil {
				return fmt.Errorf("load firebase service account: %w", err)
			}
			fcm, err := push.NewFCMSender(account, log.Logger)
			if err != nil {
				return fmt.Errorf("create fcm sender: %w", err)
			}
			pushCfg.FCM = fcm
		}
		if cfg.VAPIDConfigured() {
			pushCfg.WebPush = push.NewWebPushSender(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber, log.Logger)
		}
		notifier = push.NewService(db, target, pushCfg, log.Logger)
		log.Info().
			Bool("fcm", pushCfg.FCM != nil).
			Bool("webpush", pushCfg.WebPush != nil).
			Msg("Push notifications enabled")
	}

	// runCtx scopes the background workers: gateway, janitor, and outage recovery.
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	// Source events
	source.OnMessageCreate(engine.HandleSourceMessage)
	source.OnMessageUpdate(engine.HandleSourceEdit)
	source.OnMessageDelete(engine.HandleSourceDelete)
	source.OnReady(func(*discordgo.Ready) {
		go engine.Recover(runCtx)
	})

	// Target events. The relay sees bridged traffic, the authorizer sees approval
	// replies, and the notifier fans out to devices.
	handlers := session.Handlers()
	handlers.OnMessage(engine.HandleTargetMessage)
	handlers.OnMessage(authorizer.HandleTargetMessage)
	if notifier != nil {
		handlers.OnMessage(notifier.HandleTargetMessage)
	}
	handlers.OnMessageUpdate(engine.HandleTargetEdit)
	handlers.OnMessageDelete(engine.HandleTargetDelete)
	handlers.OnReady(func(*stoat.ReadyEvent) {
		go engine.Recover(runCtx)
	})

	if err := source.Open(); err != nil {
		return fmt.Errorf("open source connection: %w", err)
	}
	log.Info().Msg("Source connection open")

	gatewayErr := make(chan error, 1)
	go func() { gatewayErr <- session.Run(runCtx) }()

	go store.NewJanitor(db, cfg.PairRetentionDays, cfg.JanitorInterval, log.Logger).Run(runCtx)

	// Admin API
	app := newApp()
	registerRoutes(app, cfg, db, source, session, migrations, archives, time.Now())

	apiErr := make(chan error, 1)
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	go func() { apiErr <- app.Listen(addr) }()
	log.Info().Str("addr", addr).Msg("Admin API listening")

	// Block until a signal arrives or a component gives up.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		log.Info().Msg("Shutting down bridge")
	case err := <-apiErr:
		runErr = fmt.Errorf("admin api: %w", err)
	case err := <-gatewayErr:
		if err != nil {
			runErr = fmt.Errorf("gateway: %w", err)
		}
	}

	// Ordered shutdown: admin API first, then pending approvals and jobs, then the
	// gateway, then the source connection, then the relay queues. The store closes
	// on the deferred path.
	log.Info().Msg("Stopping admin API")
	if err := app.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Admin API shutdown failed")
	}

	log.Info().Msg("Cancelling migrations and archive jobs")
	migrations.Shutdown()
	archives.Shutdown()

	log.Info().Msg("Closing gateway")
	runCancel()
	session.Close()

	if err := source.Close(); err != nil {
		log.Warn().Err(err).Msg("Source close failed")
	}

	engine.Close()
	log.Info().Msg("Relay queues drained")

	return runErr
}

// newApp builds the Fiber application for the admin API.
func newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Pontoon",
		DisableStartupMessage: true,
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405).
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.Internal
			var e *fiber.Error
			if errors.As(err, &e) {
				status = e.Code
				message = e.Message
				code = fiberStatusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    code,
					Message: message,
				},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))

	return app
}

func registerRoutes(
	app *fiber.App,
	cfg *config.Config,
	db *store.Store,
	source *discord.Client,
	session *stoat.Session,
	migrations *migration.Manager,
	archives *archive.Manager,
	started time.Time,
) {
	// Health stays reachable without a key so orchestrators can probe it.
	health := api.NewHealthHandler(db, session)
	app.Get("/api/v1/health", health.Health)

	v1 := app.Group("/api/v1")
	if cfg.APIKey != "" {
		v1.Use(api.RequireKey(cfg.APIKey))
	}

	status := api.NewStatusHandler(db, session, started, log.Logger)
	v1.Get("/status", status.Status)

	links := api.NewLinksHandler(db, source, log.Logger)
	v1.Get("/links", links.ListLinks)
	v1.Delete("/links/:guildID", links.DeleteLink)
	v1.Post("/links/channels", links.CreateChannelLink)

	claims := api.NewClaimsHandler(db, log.Logger)
	v1.Post("/claims", claims.CreateClaim)

	migrationsHandler := api.NewMigrationsHandler(migrations, log.Logger)
	v1.Post("/migrations", migrationsHandler.Start)
	v1.Get("/migrations/:id", migrationsHandler.Get)
	v1.Delete("/migrations/:id", migrationsHandler.Cancel)

	archivesHandler := api.NewArchivesHandler(archives, log.Logger)
	v1.Post("/archives/export", archivesHandler.Export)
	v1.Post("/archives/import", archivesHandler.Import)
	v1.Post("/archives/:id/resume", archivesHandler.Resume)
	v1.Get("/archives/:id", archivesHandler.Get)
	v1.Delete("/archives/:id", archivesHandler.Cancel)

	devices := api.NewDevicesHandler(db, log.Logger)
	v1.Post("/push/devices", devices.Register)
	v1.Delete("/push/devices/:id", devices.Unregister)
}

// fiberStatusToCode maps an HTTP status from Fiber's built-in errors (404, 405, etc.) to the closest response code.
func fiberStatusToCode(status int) httputil.Code {
	switch {
	case status == fiber.StatusUnauthorized:
		return httputil.Unauthorised
	case status == fiber.StatusNotFound:
		return httputil.NotFound
	case status == fiber.StatusConflict:
		return httputil.Conflict
	case status == fiber.StatusServiceUnavailable:
		return httputil.Unavailable
	case status >= 400 && status < 500:
		return httputil.InvalidBody
	default:
		return httputil.Internal
	}
}
