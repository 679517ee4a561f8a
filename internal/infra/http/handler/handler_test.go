package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/gatekeeper/internal/infra/http/middleware"
	"github.com/carebridge/gatekeeper/pkg/apierror"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	h := NewHealthHandler(WithRedis(pingFunc(func(context.Context) error {
		t.Fatal("health must not touch dependencies")
		return nil
	})))

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestReady(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("dial tcp: connection refused") })

	tests := []struct {
		name       string
		opts       []HealthHandlerOption
		wantStatus int
		wantState  string
		wantChecks map[string]string
	}{
		{name: "no dependencies", wantStatus: http.StatusOK, wantState: "ready", wantChecks: map[string]string{}},
		{
			name:       "all healthy",
			opts:       []HealthHandlerOption{WithRedis(ok), WithDatabase(ok)},
			wantStatus: http.StatusOK,
			wantState:  "ready",
			wantChecks: map[string]string{"redis": "ok", "database": "ok"},
		},
		{
			name:       "redis down",
			opts:       []HealthHandlerOption{WithRedis(down), WithDatabase(ok)},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "not_ready",
			wantChecks: map[string]string{"redis": "error", "database": "ok"},
		},
		{
			name:       "nil pinger ignored",
			opts:       []HealthHandlerOption{WithDatabase(nil)},
			wantStatus: http.StatusOK,
			wantState:  "ready",
			wantChecks: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.opts...)
			rec := httptest.NewRecorder()
			h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp ReadyResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantState, resp.Status)

			got := make(map[string]string, len(resp.Checks))
			for name, c := range resp.Checks {
				got[name] = c.Status
				assert.NotContains(t, c.Error, "dial tcp", "internal errors are not exposed")
			}
			assert.Equal(t, tt.wantChecks, got)
		})
	}
}

func TestProxy_ForwardsAndAttributes(t *testing.T) {
	var gotUser, gotForwarded, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-Authenticated-User")
		gotForwarded = r.Header.Get("X-Forwarded-For")
		gotPath = r.URL.RequestURI()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("upstream"))
	}))
	defer upstream.Close()

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	proxy := NewProxyHandler(ProxyConfig{Upstream: u, Timeout: time.Second}, logger.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/records?page=2", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Authenticated-User", "spoofed")
	req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, "user-7"))
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "upstream", rec.Body.String())
	assert.Equal(t, "user-7", gotUser)
	assert.Equal(t, "10.0.0.5", gotForwarded)
	assert.Equal(t, "/api/v1/records?page=2", gotPath)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Authenticated-User", "spoofed")
	proxy.ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, gotUser, "client-supplied attribution is stripped")
}

func TestProxy_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	upstream.Close()

	proxy := NewProxyHandler(ProxyConfig{Upstream: u, Timeout: time.Second}, logger.NewNop())
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var resp apierror.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, string(apierror.CodeBadGateway), resp.Error)
}

func TestProxy_DeadlineIsGatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	proxy := NewProxyHandler(ProxyConfig{Upstream: u, Timeout: time.Minute}, logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
