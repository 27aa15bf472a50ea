// Package app wires together the gateway's components at process start:
// load the policy, construct the tenant registry for whichever auth mode is
// configured, build the enforcement pipeline, and serve it over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/zeroveil/gateway/internal/audit"
	"github.com/zeroveil/gateway/internal/config"
	"github.com/zeroveil/gateway/internal/enforcer"
	"github.com/zeroveil/gateway/internal/httpserver"
	"github.com/zeroveil/gateway/internal/pipeline"
	"github.com/zeroveil/gateway/internal/policy"
	"github.com/zeroveil/gateway/internal/telemetry"
	"github.com/zeroveil/gateway/internal/tenant"
	"github.com/zeroveil/gateway/internal/upstream"
)

// Run is the main application entry point: given the loaded configuration,
// it loads the policy and tenants, builds the pipeline, and serves it until
// ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting zeroveil",
		"listen", cfg.ListenAddr(),
		"policy_path", cfg.PolicyPath,
	)

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	registry, requireAuth, err := loadRegistry(cfg)
	if err != nil {
		return fmt.Errorf("loading tenants: %w", err)
	}

	auditLog := audit.NewLogger(pol.LoggingSink, pol.LoggingPath, pol.Retention,
		audit.WithDiagnostics(logger))

	client := upstream.NewHTTPClient(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)

	pl := pipeline.New(pol, registry, requireAuth, enforcer.New(), client, auditLog)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	srv := httpserver.NewServer(cfg, logger, pl, metricsReg)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loadRegistry builds the tenant registry for whichever of the three auth
// modes is configured: a tenants file, a single legacy API key, or no
// authentication at all (every request maps to the synthetic "default"
// tenant). All three modes share the same Registry rate-limit and usage
// path; only the first two require bearer authentication, and in the third
// the pipeline never calls Registry.Authenticate.
func loadRegistry(cfg *config.Config) (*tenant.Registry, bool, error) {
	if cfg.TenantsPath != "" {
		if _, err := os.Stat(cfg.TenantsPath); err != nil {
			return nil, false, fmt.Errorf("tenants file: %w", err)
		}
		registry, err := tenant.Load(cfg.TenantsPath)
		if err != nil {
			return nil, false, err
		}
		return registry, true, nil
	}

	if cfg.APIKey != "" {
		legacy, err := tenant.NewConfig("default", []string{tenant.HashAPIKey(cfg.APIKey)}, 0, 0, true)
		if err != nil {
			return nil, false, err
		}
		return tenant.New(map[string]*tenant.Config{"default": legacy}), true, nil
	}

	legacy, err := tenant.NewConfig("default", nil, 0, 0, true)
	if err != nil {
		return nil, false, err
	}
	return tenant.New(map[string]*tenant.Config{"default": legacy}), false, nil
}
