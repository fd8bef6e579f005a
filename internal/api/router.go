package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orchestrator-io/change-orchestrator/internal/api/middleware"
	"github.com/orchestrator-io/change-orchestrator/internal/realtime"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Middleware configuration
	EnableAuth        bool
	EnableRateLimit   bool
	EnableCompression bool
	EnableCORS        bool
	EnableMetrics     bool

	// Auth configuration
	AuthConfig middleware.AuthConfig

	// Rate limit configuration (requests per minute, burst)
	RateLimitPerMinute int
	RateLimitBurst     int

	// CORS configuration
	CORSConfig middleware.CORSConfig

	// Logger
	Logger *slog.Logger

	// WebhookIntake serves the external event relay (ticket events +
	// validation responses arriving via the collaborator's webhook).
	WebhookIntake http.Handler

	// ValidationResponder resolves validations answered directly via REST,
	// bypassing the webhook relay.
	ValidationResponder ValidationResponder

	// EventBus backs the run-event stream tap.
	EventBus *realtime.DefaultEventBus
}

// DefaultRouterConfig returns default router configuration.
func DefaultRouterConfig(logger *slog.Logger) RouterConfig {
	return RouterConfig{
		EnableAuth:         true,
		EnableRateLimit:    true,
		EnableCompression:  true,
		EnableCORS:         true,
		EnableMetrics:      true,
		RateLimitPerMinute: 100,
		RateLimitBurst:     20,
		CORSConfig:         middleware.DefaultCORSConfig(),
		Logger:             logger,
		AuthConfig: middleware.AuthConfig{
			EnableAPIKey: true,
			EnableJWT:    false,
			APIKeys:      make(map[string]*middleware.User),
		},
	}
}

// NewRouter creates a new API router with all middleware configured.
//
// The middleware stack is applied in order:
//  1. RequestID (always)
//  2. Logging (always)
//  3. Metrics (if enabled)
//  4. CORS (if enabled)
//  5. Compression (if enabled)
//  6. Route-specific: Auth, RateLimit
//
// @title Change Orchestrator API
// @version 1.0.0
// @description Webhook intake, validation-response, and run-stream surface for the change orchestrator
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
func NewRouter(config RouterConfig) *mux.Router {
	router := mux.NewRouter()

	// Apply global middleware (order matters!)
	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(config.Logger))

	if config.EnableMetrics {
		router.Use(middleware.MetricsMiddleware)
	}

	if config.EnableCORS {
		router.Use(middleware.CORSMiddleware(config.CORSConfig))
	}

	if config.EnableCompression {
		router.Use(middleware.CompressionMiddleware)
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/health", HealthCheckHandler(config.Logger)).Methods("GET")

	if config.WebhookIntake != nil {
		webhook := v1.Path("/webhook").Subrouter()
		if config.EnableRateLimit {
			webhook.Use(middleware.RateLimitMiddleware(config.RateLimitPerMinute, config.RateLimitBurst))
		}
		webhook.Handle("", config.WebhookIntake).Methods("POST")
	}

	if config.ValidationResponder != nil {
		validations := v1.PathPrefix("/validations").Subrouter()
		if config.EnableAuth {
			validations.Use(middleware.AuthMiddleware(config.AuthConfig))
		}
		if config.EnableRateLimit {
			validations.Use(middleware.RateLimitMiddleware(config.RateLimitPerMinute, config.RateLimitBurst))
		}
		validations.HandleFunc("/{uuid}/respond", ValidationResponseHandler(config.ValidationResponder, config.Logger)).Methods("POST")
	}

	if config.EventBus != nil {
		stream := v1.Path("/stream/runs").Subrouter()
		if config.EnableAuth {
			stream.Use(middleware.AuthMiddleware(config.AuthConfig))
		}
		stream.HandleFunc("", RunStreamHandler(config.EventBus, config.Logger)).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	setupDocumentationRoutes(router)

	return router
}

// setupDocumentationRoutes configures documentation routes.
func setupDocumentationRoutes(router *mux.Router) {
	router.PathPrefix("/api/v1/docs").Handler(httpSwagger.WrapHandler)

	router.HandleFunc("/api/v1/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		// TODO: serve the generated OpenAPI spec once swag codegen runs as part of the build
		http.Error(w, "OpenAPI spec not yet generated", http.StatusNotImplemented)
	}).Methods("GET")
}

// HealthCheckHandler reports that the HTTP server is up. It returns a fixed
// "healthy" body and does not probe storage, the broker or any other
// subsystem.
//
// @Summary System health check
// @Description Returns a fixed healthy status; no subsystem is probed
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{} "Healthy"
// @Router /health [get]
func HealthCheckHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"status":  "healthy",
			"version": "1.0.0",
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(middleware.APIVersionHeader, "1.0.0")
		w.WriteHeader(http.StatusOK)

		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error("failed to encode health response", "error", err)
		}
	}
}
