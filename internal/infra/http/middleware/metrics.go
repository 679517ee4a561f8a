package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maxPathSegments caps the path label for proxied traffic. Upstream paths
// are attacker-controlled, so the label set must stay bounded.
const maxPathSegments = 3

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status, including admission rejections",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gatekeeper",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds, including the upstream round trip",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served",
		},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gatekeeper",
			Name:      "http_response_size_bytes",
			Help:      "HTTP response body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 5),
		},
		[]string{"method", "path"},
	)
)

// Metrics records request counts, latency and response size. Scrapes of
// /metrics are not counted.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			rw := wrapResponse(w)
			next.ServeHTTP(rw, r)

			path := routeLabel(r)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			httpResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytes))
		})
	}
}

// routeLabel is the chi pattern for the gateway's own routes and a
// normalised path for traffic that fell through to the proxy catch-all.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "*") {
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath keeps at most maxPathSegments segments and replaces
// identifiers with {id}:
//
//	/users/42/notes -> /users/{id}/notes
//	/api/v1/patients/123e4567-e89b-12d3-a456-426614174000 -> /api/v1/patients
func normalizePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	segments = segments[:min(len(segments), maxPathSegments)]
	for i, s := range segments {
		if looksLikeID(s) {
			segments[i] = "{id}"
		}
	}
	return "/" + strings.Join(segments, "/")
}

func looksLikeID(s string) bool {
	if s == "" {
		return false
	}
	if len(s) == 36 && uuid.Validate(s) == nil {
		return true
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
