package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"keymint/internal/audit"
	"keymint/internal/config"
	"keymint/internal/infrastructure"
	"keymint/internal/license"
	customMiddleware "keymint/internal/middleware"
	"keymint/internal/notify"
	"keymint/internal/ratelimit"
	"keymint/internal/security"
	"keymint/internal/services"
	"keymint/internal/store"
	handlers "keymint/internal/transport/http"
	"keymint/internal/webhook"
	"keymint/pkg/contracts"
)

const AppName = "keymint"

// Application is the main dependency container. Everything is wired once
// in NewApplication and torn down in Stop.
type Application struct {
	Config         *config.Config
	Router         *chi.Mux
	Server         *http.Server
	Store          *store.Store
	LicenseManager *license.Manager
	LicenseService *services.LicenseService
	Processor      *webhook.Processor
	Notifier       *notify.Notifier
	AuditLog       *audit.Logger
	Logger         *slog.Logger
	OTelProviders  *infrastructure.OTelProviders
	Metrics        *infrastructure.BusinessMetrics
}

// NewApplication creates a new application instance with dependency injection
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", contracts.Version))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	metrics, err := infrastructure.CreateBusinessMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		Metrics:       metrics,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices wires the store and the service layer
func (a *Application) initializeServices() error {
	st, err := store.Open(a.Config.Database.Path, a.Logger, store.Options{
		MarkerRetention: a.Config.Webhooks.MarkerRetention,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = st

	hasher := security.NewHasher(a.Config.Security.HashSalt)
	a.LicenseManager = license.NewManager(st, hasher, a.Logger)

	a.Notifier = notify.NewNotifier(a.Config.Alerts.SlackWebhookURL, a.Config.Alerts.Timeout, a.Logger)
	if !a.Notifier.Enabled() {
		a.Logger.Warn("Slack alerting not configured, security alerts will only be logged")
	}

	a.AuditLog = audit.NewLogger(st, a.Notifier, a.Metrics, a.Logger)

	limits := a.Config.Security.RateLimit
	limiter := ratelimit.NewLimiter(st, a.Logger, limits.Window, limits.Enabled)

	a.LicenseService = services.NewLicenseService(
		a.LicenseManager,
		limiter,
		a.AuditLog,
		a.Metrics,
		limits,
		a.Config.Licensing,
		a.Config.Security.JWTSecret,
		a.Logger,
	)

	a.Processor = webhook.NewProcessor(st, a.LicenseManager, a.AuditLog, a.Metrics,
		a.Config.Licensing.DefaultMaxActivations, a.Logger)

	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)

	if a.Config.Security.RateLimit.Enabled {
		r.Use(customMiddleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		).Handler)
	}

	handlers.NewHealthHandler(a.Store, a.Logger).Register(r)

	// Webhook routes stay outside CORS: providers deliver server to server
	// and the handlers verify signatures themselves.
	r.Route("/api/webhooks", func(r chi.Router) {
		r.Use(customMiddleware.Timeout(a.Config.Webhooks.ProcessTimeout, a.Logger))

		paypal := webhook.NewPayPalVerifier(a.Config.Webhooks.PayPal)
		webhookHandler := handlers.NewWebhookHandler(
			a.Processor,
			a.Config.Webhooks.Stripe.EndpointSecret,
			paypal,
			a.AuditLog,
			a.Config.Webhooks.ProcessTimeout,
			a.Logger,
		)
		r.Mount("/", webhookHandler.Routes())
	})

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.ReadTimeout, a.Logger))
		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(a.getCORSConfig()))
		}

		licenseHandler := handlers.NewLicenseHandler(a.LicenseService, a.Logger)
		r.Mount("/api/license", licenseHandler.Routes())
		r.Mount("/api/licenses", licenseHandler.BatchRoutes())
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// getCORSConfig builds the CORS policy from configuration
func (a *Application) getCORSConfig() customMiddleware.CORSConfig {
	return customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Request-ID",
		},
		ExposedHeaders: []string{
			"X-Request-ID",
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
			"Retry-After",
		},
		MaxAge: 300,
	}
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start starts the HTTP server. A listen failure cancels the supplied
// context so the caller can unwind.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.Int("port", a.Config.Server.Port),
		slog.String("database", a.Config.Database.Path),
		slog.String("level", a.Config.Logging.Level))

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))

	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing store", slog.String("error", err.Error()))
		}
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	if err := infrastructure.CloseLogFile(); err != nil {
		a.Logger.ErrorContext(ctx, "Error closing log file", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return nil
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
	}

	return a.Stop(context.Background())
}
