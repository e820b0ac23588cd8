package handlers

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures the uplink API routes. A nil gatherer leaves
// /metrics unmounted.
func SetupRoutes(r chi.Router, h *UplinkHandler, gatherer prometheus.Gatherer) {
	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health check
	r.Get("/health", h.HealthCheck)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/uplink", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/batch", h.RunBatch)
		r.Post("/update-config", h.UpdateConfig)
		r.Post("/clear-list", h.ClearList)
	})

	r.Route("/modem", func(r chi.Router) {
		r.Get("/signal", h.Signal)
		r.Get("/time", h.NetworkTime)
	})
}

// NewRouter returns a chi router with the uplink routes mounted.
func NewRouter(h *UplinkHandler, gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	SetupRoutes(r, h, gatherer)
	return r
}
