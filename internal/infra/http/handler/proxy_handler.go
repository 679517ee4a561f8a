package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/carebridge/gatekeeper/internal/infra/http/middleware"
	"github.com/carebridge/gatekeeper/pkg/apierror"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// ProxyConfig configures the upstream reverse proxy.
type ProxyConfig struct {
	Upstream *url.URL
	// Timeout bounds dialing and waiting for response headers.
	Timeout time.Duration
	// Transport overrides the default transport.
	Transport http.RoundTripper
}

// NewProxyHandler forwards admitted requests to the upstream service.
// Upstream failures become 502, or 504 when the request deadline expired.
func NewProxyHandler(cfg ProxyConfig, log *logger.Logger) http.Handler {
	log = log.With("component", "proxy", "upstream", cfg.Upstream.Redacted())

	transport := cfg.Transport
	if transport == nil {
		transport = newTransport(cfg.Timeout)
	}

	upstream := cfg.Upstream
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			if userID := middleware.GetUserID(pr.In.Context()); userID != "" {
				pr.Out.Header.Set("X-Authenticated-User", userID)
			} else {
				pr.Out.Header.Del("X-Authenticated-User")
			}
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			requestID := middleware.GetRequestID(r.Context())
			if middleware.IsBodyLimitError(err) {
				middleware.HandleBodyLimitError(w, r)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				log.Warn("upstream timed out", "path", r.URL.Path, "request_id", requestID)
				apierror.GatewayTimeout().WriteJSONWithRequestID(w, requestID)
				return
			}
			if errors.Is(err, context.Canceled) {
				log.Debug("client went away", "path", r.URL.Path, "request_id", requestID)
			} else {
				log.Error("upstream request failed", "path", r.URL.Path, "request_id", requestID, "error", err)
			}
			apierror.BadGateway().WriteJSONWithRequestID(w, requestID)
		},
	}
}

func newTransport(timeout time.Duration) *http.Transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	t.ResponseHeaderTimeout = timeout
	t.MaxIdleConnsPerHost = 64
	return t
}

// NotFound answers paths the gateway does not serve when no upstream is configured.
func NotFound(w http.ResponseWriter, r *http.Request) {
	apierror.New(http.StatusNotFound, "NOT_FOUND", "Resource not found").
		WriteJSONWithRequestID(w, middleware.GetRequestID(r.Context()))
}
