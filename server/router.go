// Package server exposes a coordination store over HTTP so that lab hosts
// can share locks through a lablock gateway.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ebogdum/lablock/auth"
	"github.com/ebogdum/lablock/config"
	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/metrics"
	"github.com/ebogdum/lablock/server/handlers"
	gatewayMiddleware "github.com/ebogdum/lablock/server/middleware"
)

// NewRouter creates and configures the HTTP router
func NewRouter(
	store coordination.Store,
	authenticator *auth.APIKeyAuthenticator,
	serverConfig *config.ServerConfig,
	logger *zap.Logger,
) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(gatewayMiddleware.V1RequestIDMiddleware())
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(gatewayMiddleware.V1SecurityHeaders())

	// Logging and metrics middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)

			// Label by route pattern so keys do not explode the label space
			path := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}

			metrics.HTTPRequestsTotal.WithLabelValues(
				r.Method,
				path,
				strconv.Itoa(ww.Status()),
			).Inc()

			metrics.HTTPRequestDuration.WithLabelValues(
				r.Method,
				path,
			).Observe(duration.Seconds())

			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", duration),
				zap.String("user_agent", r.UserAgent()),
				zap.String("remote_addr", r.RemoteAddr))
		})
	})

	// Health check endpoint (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		handlers.SendJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Metrics endpoint (no auth required)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if serverConfig != nil && serverConfig.RateLimit > 0 {
			limiter := gatewayMiddleware.NewClientRateLimiter(serverConfig.RateLimit, serverConfig.RateBurst)
			r.Use(gatewayMiddleware.V1RateLimitMiddleware(limiter, logger))
		}

		if authenticator != nil && authenticator.Enabled() {
			r.Use(gatewayMiddleware.V1AuthMiddleware(authenticator, logger))
		} else {
			logger.Warn("Gateway API keys are not configured, /v1 routes are open")
		}

		r.Route("/entries", func(r chi.Router) {
			r.Get("/", handlers.V1GetEntry(store, logger))
			r.Put("/", handlers.V1CreateEntry(store, logger))
			r.Patch("/", handlers.V1RefreshEntry(store, logger))
			r.Delete("/", handlers.V1DeleteEntry(store, logger))
			r.Get("/list", handlers.V1ListEntries(store, logger))
		})
	})

	logger.Info("HTTP router configured successfully")

	return r
}
