// Package app wires the license server: configuration, logging,
// observability, storage, the activation service, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"bizlens/internal/config"
	"bizlens/internal/infrastructure"
	custommw "bizlens/internal/middleware"
	"bizlens/internal/services"
	"bizlens/internal/store"
	"bizlens/internal/token"
	httptransport "bizlens/internal/transport/http"
	"bizlens/internal/verifier"
)

// Application owns every long-lived component of the license server.
type Application struct {
	cfg      *config.Config
	logger   *slog.Logger
	otel     *infrastructure.OTelProviders
	metrics  *infrastructure.BusinessMetrics
	store    store.Store
	service  *services.ActivationService
	janitor  *services.Janitor
	server   *http.Server
}

// New builds the application from configuration. Missing secret material
// fails here, before anything listens.
func New(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	providers, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	metrics, err := infrastructure.CreateBusinessMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	digester, err := store.NewDigester(cfg.Security.HashSalt)
	if err != nil {
		return nil, err
	}

	st, err := store.OpenFileStore(cfg.Paths.StoreFile, digester, store.FileStoreOptions{
		ProductID:  cfg.Verifier.ProductID,
		MaxDevices: cfg.License.MaxDevices,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open license store: %w", err)
	}

	issuer, err := token.NewIssuer(cfg.Security.SigningSecret, cfg.License.TokenTTL)
	if err != nil {
		return nil, err
	}

	vf := verifier.NewHTTPVerifier(cfg.Verifier.URL, cfg.Verifier.ProductID, cfg.Verifier.Timeout, logger)

	service := services.NewActivationService(st, vf, issuer, logger, metrics)
	janitor := services.NewJanitor(st, cfg.License.PruneInterval, cfg.License.StaleAfter, logger)

	app := &Application{
		cfg:     cfg,
		logger:  logger,
		otel:    providers,
		metrics: metrics,
		store:   st,
		service: service,
		janitor: janitor,
	}
	app.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

// router assembles the middleware chain and mounts the handlers.
func (a *Application) router() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(custommw.TraceID)
	r.Use(custommw.RequestLogger(a.logger))
	r.Use(custommw.RequestMetrics(a.metrics))
	r.Use(chimiddleware.Recoverer)

	if a.cfg.Security.EnableCORS {
		r.Use(custommw.CORS(custommw.CORSConfig{
			AllowedOrigins: a.cfg.Security.AllowedOrigins,
		}))
	}

	if a.cfg.Security.RateLimit.Enabled {
		limiter := custommw.NewRateLimiter(a.cfg.Security.RateLimit.RPS, a.cfg.Security.RateLimit.Burst)
		r.Use(limiter.Handler)
	}

	r.Mount("/healthz", httptransport.NewHealthHandler(a.store).Routes())
	r.Mount("/api/license", httptransport.NewLicenseHandler(a.service, a.logger).Routes())

	if a.otel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.otel.PrometheusHTTP)
	}

	return r
}

// Run starts the janitor and the HTTP server, then blocks until ctx is
// cancelled, shutting everything down gracefully.
func (a *Application) Run(ctx context.Context) error {
	a.janitor.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("License server listening",
			slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.janitor.Stop()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if err := a.otel.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := infrastructure.CloseLogFile(); err != nil {
		errs = append(errs, fmt.Errorf("log close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
