// Package routes registers the gateway's HTTP routes.
package routes

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	infrahttp "github.com/carebridge/gatekeeper/internal/infra/http"
	"github.com/carebridge/gatekeeper/internal/infra/http/handler"
)

// Middleware is an alias to the http package's Middleware type.
type Middleware = infrahttp.Middleware

// Router is an alias to the http package's Router interface.
type Router = infrahttp.Router

// Handlers holds the HTTP handlers for route registration.
type Handlers struct {
	Health *handler.HealthHandler
	// Proxy forwards admitted traffic upstream. When nil, unmatched paths get 404.
	Proxy http.Handler
	// Metrics serves Prometheus metrics. Defaults to promhttp.Handler().
	Metrics http.Handler
}

// Register registers all gateway routes.
//
// GET /health is mounted outside the admission chain. Everything else,
// /ready, /metrics and the upstream catch-all included, passes through
// admission first.
func Register(router Router, h Handlers, admission ...Middleware) {
	router.GET("/health", h.Health.Health)

	metrics := h.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	guarded := router.With(admission...)
	guarded.GET("/ready", h.Health.Ready)
	guarded.GET("/metrics", metrics.ServeHTTP)

	if h.Proxy != nil {
		guarded.Handle("/*", h.Proxy)
		return
	}
	guarded.Handle("/*", http.HandlerFunc(handler.NotFound))
}
