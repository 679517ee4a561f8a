package http

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/carebridge/gatekeeper/internal/infra/http/middleware"
	"github.com/carebridge/gatekeeper/pkg/apierror"
)

type chiRouter struct {
	root chi.Router
	mux  chi.Router
}

var _ Router = (*chiRouter)(nil)

// NewChiRouter returns a Router backed by chi.
//
// RealIP is not installed. Forwarding headers are honoured only by the
// admission middleware, and only when TRUST_PROXY_HEADERS is set.
func NewChiRouter() Router {
	r := chi.NewRouter()
	r.Use(chimw.CleanPath)
	r.MethodNotAllowed(methodNotAllowed)
	return &chiRouter{root: r, mux: r}
}

func (r *chiRouter) GET(path string, handler http.HandlerFunc) {
	r.mux.Get(path, handler)
}

func (r *chiRouter) Handle(pattern string, handler http.Handler) {
	r.mux.Handle(pattern, handler)
}

func (r *chiRouter) Use(middlewares ...Middleware) {
	for _, mw := range middlewares {
		r.mux.Use(mw)
	}
}

func (r *chiRouter) With(middlewares ...Middleware) Router {
	fns := make([]func(http.Handler) http.Handler, len(middlewares))
	for i, mw := range middlewares {
		fns[i] = mw
	}
	return &chiRouter{root: r.root, mux: r.mux.With(fns...)}
}

func (r *chiRouter) Handler() http.Handler {
	return r.root
}

func (r *chiRouter) Routes() []string {
	var routes []string
	_ = chi.Walk(r.root, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+route)
		return nil
	})
	sort.Strings(routes)
	return routes
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	apierror.New(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed").
		WriteJSONWithRequestID(w, middleware.GetRequestID(r.Context()))
}
