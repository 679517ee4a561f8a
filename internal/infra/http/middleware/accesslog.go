package middleware

import (
	"net/http"
	"time"

	"github.com/carebridge/gatekeeper/pkg/logger"
)

// AccessLogConfig configures the access log.
type AccessLogConfig struct {
	// SkipPaths are not logged, typically probes and the metrics scrape.
	SkipPaths []string
	// SlowThreshold logs slower requests at warn. Zero disables it.
	SlowThreshold time.Duration
}

// ProbePaths are the endpoints load balancers and scrapers hit constantly.
var ProbePaths = []string{"/health", "/ready", "/metrics"}

// AccessLog writes one line per request. 5xx logs at error, 4xx (including
// admission 403/429) and slow requests at warn, everything else at info.
func AccessLog(log *logger.Logger, cfg AccessLogConfig) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}
	log = log.With("component", "access_log")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := wrapResponse(w)
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"bytes", rw.bytes,
				"duration", elapsed,
				"remote_addr", r.RemoteAddr,
			}
			reqLog := log.WithContext(r.Context())
			switch {
			case rw.statusCode >= 500:
				reqLog.Error("http request", attrs...)
			case rw.statusCode >= 400:
				reqLog.Warn("http request", attrs...)
			case cfg.SlowThreshold > 0 && elapsed > cfg.SlowThreshold:
				reqLog.Warn("slow http request", attrs...)
			default:
				reqLog.Info("http request", attrs...)
			}
		})
	}
}
