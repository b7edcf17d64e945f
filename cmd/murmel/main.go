package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/murmel-chat/murmel-server/internal/abuse"
	"github.com/murmel-chat/murmel-server/internal/admin"
	"github.com/murmel-chat/murmel-server/internal/api"
	"github.com/murmel-chat/murmel-server/internal/apierr"
	"github.com/murmel-chat/murmel-server/internal/auth"
	"github.com/murmel-chat/murmel-server/internal/bootstrap"
	"github.com/murmel-chat/murmel-server/internal/channel"
	"github.com/murmel-chat/murmel-server/internal/config"
	"github.com/murmel-chat/murmel-server/internal/device"
	"github.com/murmel-chat/murmel-server/internal/disposable"
	"github.com/murmel-chat/murmel-server/internal/email"
	"github.com/murmel-chat/murmel-server/internal/envelope"
	"github.com/murmel-chat/murmel-server/internal/geo"
	"github.com/murmel-chat/murmel-server/internal/httputil"
	"github.com/murmel-chat/murmel-server/internal/hub"
	"github.com/murmel-chat/murmel-server/internal/janitor"
	"github.com/murmel-chat/murmel-server/internal/keydir"
	"github.com/murmel-chat/murmel-server/internal/meeting"
	"github.com/murmel-chat/murmel-server/internal/passkey"
	"github.com/murmel-chat/murmel-server/internal/presence"
	"github.com/murmel-chat/murmel-server/internal/ratelimit"
	"github.com/murmel-chat/murmel-server/internal/role"
	"github.com/murmel-chat/murmel-server/internal/sqlite"
	"github.com/murmel-chat/murmel-server/internal/user"
	"github.com/murmel-chat/murmel-server/internal/valkey"
	"github.com/murmel-chat/murmel-server/internal/writeq"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Murmel Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit origin (e.g. https://your-client.example.com) for production deployments.")
	}

	ctx := context.Background()

	// SQLite
	db, err := sqlite.Connect(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("connect sqlite: %w", err)
	}
	defer func() { _ = db.Close() }()
	log.Info().Str("path", cfg.DBPath).Msg("SQLite connected")

	if err := sqlite.Migrate(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// All SQLite writes funnel through the single-writer queue.
	writes := writeq.New(log.Logger)
	writeCtx, writeCancel := context.WithCancel(ctx)
	defer writeCancel()
	go func() {
		if err := writes.Run(writeCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Write queue stopped")
		}
	}()

	// Repositories and stores
	users := user.NewRepository(db, writes)
	devices := device.NewRepository(db, writes)
	channels := channel.NewRepository(db, writes)
	roles := role.NewRepository(db, writes)
	engine := role.NewEngine(roles, channels, log.Logger)
	settings := admin.NewSettingsStore(db, writes)
	invitations := admin.NewInvitationStore(db, writes)
	abuseRepo := abuse.NewRepository(db, writes, rdb, log.Logger)
	envelopes := envelope.NewRepository(db, writes, channels, abuseRepo, log.Logger)
	keys := keydir.NewRepository(db, writes, devices, channels)
	meetings := meeting.NewRepository(db, writes)
	external := meeting.NewExternalStore(rdb)

	// Seed standard roles, default settings, and admin grants.
	if err := bootstrap.Run(ctx, bootstrap.Deps{
		Roles:    roles,
		Settings: settings,
		Users:    users,
		Log:      log.Logger,
	}, cfg.AdminEmails); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	serverSettings, err := settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("load server settings: %w", err)
	}

	// SMTP, or log-only delivery in development.
	var mail interface {
		auth.Mailer
		api.InvitationMailer
	}
	if cfg.SMTPConfigured() {
		mail = email.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		log.Info().Str("host", cfg.SMTPHost).Int("port", cfg.SMTPPort).Msg("SMTP configured")
	} else {
		mail = email.NewDisabled(log.Logger)
		log.Warn().Msg("SMTP_HOST is not configured. OTP and invitation mail will be logged instead of sent.")
	}

	// Disposable email screening, warmed in the background and refreshed daily.
	blocklist := disposable.NewBlocklist(cfg.DisposableEmailBlocklistURL, cfg.DisposableEmailBlocklistEnabled, log.Logger)
	blockCtx, blockCancel := context.WithCancel(ctx)
	defer blockCancel()
	go blocklist.Run(blockCtx, 24*time.Hour)

	// Auth stack
	otp := auth.NewOTPStore(rdb, cfg.OTPTTL)
	throttle := auth.NewBackupThrottle(rdb)
	sessions := auth.NewClientSessionStore(db, writes)
	refresh := auth.NewRefreshStore(db, writes, log.Logger)
	web := auth.NewWebSessionStore(rdb, cfg.SessionTTL)
	nonces := auth.NewNonceStore(rdb, cfg.NonceTTL)
	handoff := auth.NewHandoffIssuer(cfg.SecretKey(), rdb, cfg.HandoffTTL)
	magic := auth.NewMagicLinkStore(rdb, cfg.SecretKey(), cfg.ServerURL, cfg.MagicTTL)
	mw := auth.NewMiddleware(sessions, web, nonces, cfg.HMACSkew, log.Logger)

	authService := auth.NewService(
		auth.ServiceConfig{
			ServerName:  serverSettings.ServerName,
			AdminEmails: cfg.AdminEmails,
			SessionTTL:  cfg.SessionTTL,
			RefreshTTL:  cfg.RefreshTTL,
		},
		users, devices, engine, otp, throttle, sessions, refresh, invitations, settings, mail, blocklist,
		log.Logger,
	)

	passkeys, err := passkey.New(passkey.Config{
		RPID:           cfg.Domain,
		RPDisplayName:  serverSettings.ServerName,
		ServerURL:      cfg.ServerURL,
		Development:    cfg.IsDevelopment(),
		ServerPort:     cfg.ServerPort,
		AndroidOrigins: cfg.AndroidOrigins,
	}, users, log.Logger)
	if err != nil {
		return fmt.Errorf("init webauthn: %w", err)
	}

	// Gateway hub and presence
	tracker := presence.NewTracker(rdb)
	gatewayHub := hub.NewHub(abuseRepo, meetings, tracker, log.Logger)
	limits := ratelimit.NewLimiter(rdb, log.Logger)

	// No geolocation provider ships with the server; device lists degrade to the Unknown placeholder.
	var lookup geo.Lookup

	// Hourly sweeps for expired envelopes, consumed refresh tokens, and stale invitations.
	sweeper := janitor.New(envelopes, refresh, invitations, meetings, log.Logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer sweeper.Stop()

	// Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Murmel",
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			apiCode := apierr.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				apiCode = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    apiCode,
					Message: message,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  []string{cfg.CORSAllowOrigins},
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Client-Id", "X-Timestamp", "X-Nonce", "X-Signature"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	// Handlers
	authHandler := api.NewAuthHandler(authService, users, web, lookup, !cfg.IsDevelopment(), log.Logger)
	api.RegisterRoutes(app, mw, api.Handlers{
		Health: &api.HealthHandler{DB: db, Valkey: rdb},
		Auth:   authHandler,
		Passkey: api.NewPasskeyHandler(passkeys, authService, users, web, handoff, lookup, authHandler,
			log.Logger),
		Token: api.NewTokenHandler(authService, users, sessions, web, handoff, magic, limits,
			api.TokenLimits{
				ExchangeCount:  cfg.RateLimitExchangeCount,
				ExchangeWindow: cfg.RateLimitExchangeWindow,
				RefreshCount:   cfg.RateLimitRefreshCount,
				RefreshWindow:  cfg.RateLimitRefreshWindow,
			}, lookup, log.Logger),
		Client:   api.NewClientHandler(devices, sessions, authService, gatewayHub, lookup, log.Logger),
		User:     api.NewUserHandler(users, tracker, log.Logger),
		Keys:     api.NewKeyHandler(keys, devices, log.Logger),
		Envelope: api.NewEnvelopeHandler(envelopes, channels, gatewayHub, log.Logger),
		Channel:  api.NewChannelHandler(channels, engine, log.Logger),
		Role:     api.NewRoleHandler(roles, engine, log.Logger),
		Meeting:  api.NewMeetingHandler(meetings, external, users, engine, gatewayHub, log.Logger),
		Abuse:    api.NewAbuseHandler(abuseRepo, users, log.Logger),
		Admin:    api.NewAdminHandler(settings, invitations, abuseRepo, engine, mail, cfg.ServerURL, log.Logger),
		Gateway: api.NewGatewayHandler(gatewayHub, external, engine, limits, api.GatewayConfig{
			MaxConnections: cfg.GatewayMaxConnections,
			WSCount:        cfg.RateLimitWSCount,
			WSWindow:       time.Duration(cfg.RateLimitWSWindowSeconds) * time.Second,
		}, log.Logger),
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		gatewayHub.Shutdown()
		blockCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		// The write queue drains last so in-flight handler writes land.
		writeCancel()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest API
// error code.
func fiberStatusToAPICode(status int) apierr.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierr.NotFound
	case fiber.StatusMethodNotAllowed:
		return apierr.ValidationError
	case fiber.StatusTooManyRequests:
		return apierr.RateLimited
	case fiber.StatusRequestEntityTooLarge:
		return apierr.PayloadTooLarge
	case fiber.StatusServiceUnavailable:
		return apierr.ServiceUnavailable
	default:
		if status >= 400 && status < 500 {
			return apierr.ValidationError
		}
		return apierr.InternalError
	}
}
