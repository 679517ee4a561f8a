package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/carebridge/gatekeeper/pkg/apierror"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// Recover turns a handler panic into a 500 JSON response. Stacks are logged
// only when withStack is set. http.ErrAbortHandler is re-raised so the
// server drops the connection as the proxy intends.
func Recover(log *logger.Logger, withStack bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
					panic(v)
				}

				attrs := []any{"panic", v, "method", r.Method, "path", r.URL.Path}
				if withStack {
					attrs = append(attrs, "stack", string(debug.Stack()))
				}
				log.WithContext(r.Context()).Error("panic recovered", attrs...)

				apierror.InternalServerError("An unexpected error occurred").
					WriteJSONWithRequestID(w, GetRequestID(r.Context()))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
