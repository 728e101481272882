package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lumiframe/api/internal/platform/httpx"
)

// RouteRegistrar adds routes to a mounted group.
type RouteRegistrar func(r chi.Router)

// API groups mounted under the versioned prefix.
const (
	GroupShipping = "/shipping"
	GroupAdmin    = "/admin"
	GroupWebhooks = "/webhooks"
	GroupInternal = "/internal"
)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = time.Minute
)

type mount struct {
	group       string
	register    RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	mounts      []mount
}

// Option customises NewRouter.
type Option func(*routerConfig)

// NewRouter builds the API router: probes at the root and each mounted group under /api/v1.
// Unknown paths and methods answer with a failure envelope.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(requestTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(cfg.middlewares...)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, m := range cfg.mounts {
			api.With(m.middlewares...).Route(m.group, m.register)
		}
	})
	return r
}

// WithMiddlewares appends router-wide middleware after the request id, real IP and timeout
// handlers.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		for _, m := range mw {
			if m != nil {
				cfg.middlewares = append(cfg.middlewares, m)
			}
		}
	}
}

// WithHealthHandlers replaces the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithRoutes mounts reg at group under /api/v1, wrapped in mw. A nil registrar is ignored.
func WithRoutes(group string, reg RouteRegistrar, mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		if reg == nil {
			return
		}
		m := mount{group: "/" + strings.Trim(group, "/"), register: reg}
		for _, fn := range mw {
			if fn != nil {
				m.middlewares = append(m.middlewares, fn)
			}
		}
		cfg.mounts = append(cfg.mounts, m)
	}
}
