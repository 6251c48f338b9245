// Package router wires the HTTP surface: the client-facing chat path,
// the admin API, and the separate metrics listener.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anchorgate/anchorgate/internal/config"
	"github.com/anchorgate/anchorgate/internal/gateway"
	"github.com/anchorgate/anchorgate/internal/handlers"
	"github.com/anchorgate/anchorgate/internal/middleware"
)

func New(
	cfg *config.Config,
	proxy *gateway.Handler,
	admin *handlers.AdminHandler,
	health *handlers.HealthHandler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Metrics)

	if len(cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}))
	}

	r.Get("/health", health.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireIdentity(cfg.Identity))
		r.Post("/v1/chat/completions", proxy.ProxyChat)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/usage", admin.ListUsage)
		r.Get("/usage/{id}", admin.GetUsage)
		r.Get("/usage/{id}/verify", admin.VerifyUsage)
		r.Get("/batches", admin.ListBatches)
		r.Get("/batches/{id}", admin.GetBatch)
		r.Post("/batches/flush", admin.FlushBatches)
		r.Get("/stats", admin.GetStats)
		r.Get("/pricing", admin.GetPricing)
		r.Post("/pricing", admin.UpsertPricing)
		r.Post("/pricing/invalidate", admin.InvalidatePricing)
		r.Get("/consumers/{id}", admin.GetConsumer)
		r.Put("/consumers/{id}/quota", admin.UpdateConsumerQuota)
	})

	return r
}

// NewMetricsRouter serves Prometheus metrics on the dedicated port.
func NewMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}
