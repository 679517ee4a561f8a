package http

import (
	"net/http"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Router is the routing surface the gateway mounts on: a few fixed GET
// endpoints plus a catch-all that forwards admitted traffic upstream.
type Router interface {
	// GET registers a GET (and implicit HEAD) handler.
	GET(path string, handler http.HandlerFunc)

	// Handle registers a handler for every method on pattern.
	// "/*" catches everything not matched by a more specific route.
	Handle(pattern string, handler http.Handler)

	// Use appends middleware that runs for every route on this router.
	Use(middlewares ...Middleware)

	// With returns a Router whose routes run the given middleware first.
	With(middlewares ...Middleware) Router

	// Handler returns the root handler for http.Server.
	Handler() http.Handler

	// Routes lists "METHOD pattern" for every registered route.
	Routes() []string
}

// Chain wraps handler so the first middleware runs outermost.
func Chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
