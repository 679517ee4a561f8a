package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/carebridge/gatekeeper/pkg/apierror"
)

// DefaultMaxBodySize applies when RequestLimits.MaxBodyBytes is not positive.
const DefaultMaxBodySize = 1 << 20

var oversizedRequestsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Name:      "http_requests_oversized_total",
		Help:      "Requests rejected with 413 before reaching admission or the upstream",
	},
)

// RequestLimits bounds what a single request may consume.
type RequestLimits struct {
	// MaxBodyBytes caps the request body. Bodies are read lazily, so the cap
	// also covers chunked uploads that announce no Content-Length.
	MaxBodyBytes int64
	// Timeout is the deadline placed on the request context. Zero disables it.
	Timeout time.Duration
}

// Limits enforces RequestLimits. A declared Content-Length over the cap is
// answered with 413 immediately; anything else is cut off by
// http.MaxBytesReader when the admission peek or the proxy reads past it.
func Limits(limits RequestLimits) func(http.Handler) http.Handler {
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = DefaultMaxBodySize
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limits.MaxBodyBytes {
				HandleBodyLimitError(w, r)
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limits.MaxBodyBytes)
			}

			if limits.Timeout > 0 {
				ctx, cancel := context.WithTimeout(r.Context(), limits.Timeout)
				defer cancel()
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IsBodyLimitError reports whether err came from an exceeded body limit.
func IsBodyLimitError(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// HandleBodyLimitError writes the 413 response for an oversized body.
func HandleBodyLimitError(w http.ResponseWriter, r *http.Request) {
	oversizedRequestsTotal.Inc()
	apierror.RequestTooLarge().WriteJSONWithRequestID(w, GetRequestID(r.Context()))
}
