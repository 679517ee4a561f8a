package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/carebridge/gatekeeper/pkg/logger"
)

// Context keys shared with the logger so WithContext picks the values up.
const (
	RequestIDKey = logger.ContextKeyRequestID
	UserIDKey    = logger.ContextKeyUserID
)

const maxRequestIDLength = 128

// RequestID tags each request with an ID, echoed in X-Request-ID and
// forwarded upstream. A client-supplied ID is kept when it is short and
// printable ASCII; anything else is replaced so it cannot forge log lines.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if !acceptableRequestID(id) {
				id = uuid.NewString()
			}

			w.Header().Set("X-Request-ID", id)
			r.Header.Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDKey, id)))
		})
	}
}

func acceptableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// GetRequestID returns the ID RequestID stored, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// GetUserID returns the principal admission attributed from a bearer token, or "".
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}
