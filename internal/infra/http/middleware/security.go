package middleware

import (
	"fmt"
	"net/http"
	"time"
)

// gatewayHeaders are set on every response, including proxied ones. Headers
// that shape content (CSP, caching) are left to the upstream service.
var gatewayHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
}

// SecurityHeaders sets the gateway's response headers. Strict-Transport-Security
// is added with includeSubDomains when hstsMaxAge is positive.
func SecurityHeaders(hstsMaxAge time.Duration) func(http.Handler) http.Handler {
	hsts := ""
	if hstsMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d; includeSubDomains", int64(hstsMaxAge/time.Second))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range gatewayHeaders {
				h.Set(kv[0], kv[1])
			}
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			next.ServeHTTP(w, r)
		})
	}
}
