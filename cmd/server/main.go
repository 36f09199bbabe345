// AMA gateway server: HTTP, interactive UI and voice front doors over a
// streaming agent engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/ama-gateway/internal/agent"
	"github.com/ashureev/ama-gateway/internal/aggregator"
	"github.com/ashureev/ama-gateway/internal/api"
	"github.com/ashureev/ama-gateway/internal/config"
	"github.com/ashureev/ama-gateway/internal/contact"
	"github.com/ashureev/ama-gateway/internal/conversation"
	"github.com/ashureev/ama-gateway/internal/delivery"
	"github.com/ashureev/ama-gateway/internal/identity"
	"github.com/ashureev/ama-gateway/internal/middleware"
	"github.com/ashureev/ama-gateway/internal/store"
	"github.com/ashureev/ama-gateway/internal/telemetry"
	"github.com/ashureev/ama-gateway/internal/ui"
	"github.com/ashureev/ama-gateway/internal/voice"
	"github.com/ashureev/ama-gateway/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.Store.Backend)

	shutdownTracing, err := telemetry.Setup(context.Background(), cfg.OTLPEndpoint, cfg.AppEnv)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize dependencies.
	sessions, err := store.Open(context.Background(), store.Options{
		Backend:     cfg.Store.Backend,
		SQLitePath:  cfg.Store.DBPath,
		RedisURL:    cfg.Store.RedisURL,
		PostgresURL: cfg.Store.DatabaseURL,
	})
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sessions.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()

	if err := sessions.Ping(context.Background()); err != nil {
		slog.Error("Session store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Session store connected")

	var engine agent.Engine = agent.UnavailableEngine{}
	if cfg.AgentAddr != "" {
		slog.Info("Connecting to agent engine via gRPC", "address", cfg.AgentAddr)
		grpcClient, err := agent.NewGrpcClient(cfg.AgentAddr, logger)
		if err != nil {
			slog.Warn("Failed to connect to agent engine, turns will fail until it is reachable", "error", err)
		} else {
			engine = grpcClient
		}
	} else {
		slog.Warn("AGENT_ADDR not set, every turn will report a failure")
	}
	defer engine.Close()

	var (
		appContext conversation.AppContextLoader
		resolver   voice.ContactResolver
	)
	if cfg.Contact.BaseURL != "" {
		contactClient := contact.NewClient(cfg.Contact.BaseURL, cfg.Contact.Timeout, logger)
		appContext = contactClient
		resolver = contactClient
		slog.Info("Contact API configured", "base_url", cfg.Contact.BaseURL)
	}

	// Initialize services.
	agg := aggregator.New(engine, logger, aggregator.WithTurnBuffer(cfg.TurnBuffer))
	svc := conversation.NewService(sessions, agg, appContext, logger)

	registry := voice.NewRegistry()
	deliverer := delivery.NewDeliverer(voice.NewTransport(registry), delivery.Config{
		MaxRetries: cfg.Delivery.MaxRetries,
		RetryDelay: cfg.Delivery.RetryDelay,
	}, logger)
	publisher := delivery.NewPublisher(deliverer, delivery.PublisherConfig{
		Workers: cfg.Delivery.Workers,
	}, logger)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()
	rateLimit := middleware.RateLimit(limiter, func(r *http.Request) string {
		return identity.SessionIDFromContext(r.Context())
	})

	// Initialize handlers.
	apiHandler := api.NewHandler(svc, conversation.NewProfile("api", cfg.API, cfg.APIDebug), cfg.Voice.DefaultDevice, logger)
	healthHandler := api.NewHealthHandler(sessions, 5*time.Second)
	uiHandler := ui.NewHandler(svc, conversation.NewProfile("ui", cfg.UI, false), cfg.Voice.DefaultDevice, logger).
		WithPage(web.PageHandler())

	voiceCfg := voice.Config{
		Profile:       conversation.NewProfile("voice", cfg.Voice.ProfileConfig, false),
		DefaultDevice: cfg.Voice.DefaultDevice,
		VoIPDevice:    cfg.Voice.VoIPDevice,
		Greeting:      cfg.Voice.Greeting,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
	}
	if cfg.IsLocal() {
		voiceCfg.LocalAttributes = map[string]string{
			voice.AttrSessionID: cfg.Local.SessionID,
			voice.AttrSMBID:     cfg.Local.SMBID,
		}
		slog.Info("Local mode: voice participants use USER_SESSION_ID and SMB_ID")
	}
	voiceHandler := voice.NewHandler(svc, registry, publisher, resolver, voiceCfg, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(telemetry.Middleware)
	r.Use(middleware.CORS([]string{"*"}, identity.SessionHeaderName, identity.SMBHeaderName))

	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r, rateLimit)
	uiHandler.RegisterRoutes(r, rateLimit)

	// WebSocket endpoint.
	r.Get("/ws/voice", voiceHandler.ServeHTTP)

	// Note: SSE and voice connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if err := publisher.Close(shutdownCtx); err != nil {
		slog.Warn("Side-channel deliveries abandoned at shutdown", "error", err)
	}
	registry.CloseAll()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("Failed to flush traces", "error", err)
	}

	slog.Info("Server stopped successfully")
}
