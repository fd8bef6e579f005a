package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestrator-io/change-orchestrator/internal/api"
	"github.com/orchestrator-io/change-orchestrator/internal/api/middleware"
	"github.com/orchestrator-io/change-orchestrator/internal/config"
)

// ConfigLoader resolves the active config, deferred to command invocation
// time so --config can be set on the root command before any subcommand
// runs.
type ConfigLoader func() (*config.Config, error)

// NewServeCommand builds the `serve` subcommand: wires the full dependency
// graph, starts the dispatcher and every sweeper as background goroutines,
// and serves the HTTP surface until an interrupt, shutting down gracefully
// (grounded on cmd/server/main.go's signal.Notify/Shutdown pattern).
func NewServeCommand(loadConfig ConfigLoader, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: webhook intake, dispatcher, sweepers, and the run-stream API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Info("starting orchestrator", "profile", cfg.Profile, "config", config.NewDefaultConfigSanitizer().Sanitize(cfg))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, err := Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("build dependencies: %w", err)
			}
			defer deps.Close()

			if err := deps.Engine.Recover(ctx); err != nil {
				logger.Error("crash recovery pass failed", "error", err)
			}

			if err := deps.EventBus.Start(ctx); err != nil {
				return fmt.Errorf("start event bus: %w", err)
			}
			go deps.Dispatcher.Run(ctx)
			deps.TimeoutSweeper.Start(ctx)
			deps.LockSweeper.Start(ctx)
			deps.ExpirySweeper.Start(ctx)
			defer deps.Dispatcher.Stop()
			defer deps.TimeoutSweeper.Stop()
			defer deps.LockSweeper.Stop()
			defer deps.ExpirySweeper.Stop()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = deps.EventBus.Stop(stopCtx)
			}()

			router := api.NewRouter(api.RouterConfig{
				EnableAuth:          cfg.Webhook.Authentication.Enabled,
				EnableRateLimit:     cfg.Webhook.RateLimiting.Enabled,
				EnableCompression:   true,
				EnableCORS:          cfg.Webhook.CORS.Enabled,
				EnableMetrics:       cfg.Metrics.Enabled,
				RateLimitPerMinute:  cfg.Webhook.RateLimiting.PerIPLimit,
				RateLimitBurst:      cfg.Webhook.RateLimiting.PerIPLimit / 5,
				Logger:              logger,
				WebhookIntake:       deps.Intake,
				ValidationResponder: deps.Rendezvous,
				EventBus:            deps.EventBus,
				AuthConfig: middleware.AuthConfig{
					EnableAPIKey: true,
					APIKeys:      apiKeyMap(cfg.Webhook.Authentication.APIKey),
				},
			})

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			httpServer := &http.Server{
				Addr:         addr,
				Handler:      router,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  cfg.Server.IdleTimeout,
			}

			serveErrCh := make(chan error, 1)
			go func() {
				logger.Info("orchestrator HTTP server starting", "addr", addr, "profile", cfg.Profile)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					serveErrCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case err := <-serveErrCh:
				return fmt.Errorf("http server failed: %w", err)
			}

			shutdownTimeout := cfg.Server.GracefulShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = 30 * time.Second
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			logger.Info("orchestrator stopped")
			return nil
		},
	}
}

// apiKeyMap translates the single configured webhook API key into the
// middleware's map shape; an empty key disables API-key auth entirely.
func apiKeyMap(key string) map[string]*middleware.User {
	if key == "" {
		return map[string]*middleware.User{}
	}
	return map[string]*middleware.User{
		key: {ID: "operator", Username: "operator", Role: middleware.RoleOperator, APIKey: key},
	}
}
