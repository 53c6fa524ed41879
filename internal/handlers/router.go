package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/feiralivre/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

const (
	apiPrefix         = "/api/v1"
	errorNotFoundCode = "route_not_found"

	// A lookup waits at most for the provider race.
	postalRouteTimeout = 10 * time.Second
	// Recalculate can hold a request for the 15s safety net plus queueing.
	deliveryRouteTimeout = 30 * time.Second
)

// routeGroup is one mounted API area with its own request deadline.
type routeGroup struct {
	path      string
	name      string
	timeout   time.Duration
	registrar RouteRegistrar
}

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	postal      routeGroup
	delivery    routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter wires probes at the root and the postal and checkout delivery groups under /api/v1.
// A group without a registrar answers 501 so clients can tell a disabled area from a typo.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		postal:   routeGroup{path: "/postal-codes", name: "postal codes", timeout: postalRouteTimeout},
		delivery: routeGroup{path: "/checkout/delivery-sessions", name: "delivery sessions", timeout: deliveryRouteTimeout},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		msg := fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path)
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", msg, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	r.Route(apiPrefix, func(api chi.Router) {
		cfg.postal.mount(api)
		cfg.delivery.mount(api)
	})
	return r
}

func (g routeGroup) mount(api chi.Router) {
	api.Route(g.path, func(group chi.Router) {
		group.Use(middleware.Timeout(g.timeout))
		if g.registrar != nil {
			g.registrar(group)
			return
		}
		notImplemented := func(w http.ResponseWriter, req *http.Request) {
			httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", g.name+" routes not implemented", http.StatusNotImplemented))
		}
		group.HandleFunc("/", notImplemented)
		group.HandleFunc("/*", notImplemented)
	})
}

// WithMiddlewares appends global middleware after the request id and real IP handlers.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithPostalRoutes mounts reg under /api/v1/postal-codes.
func WithPostalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.postal.registrar = reg
	}
}

// WithDeliverySessionRoutes mounts reg under /api/v1/checkout/delivery-sessions.
func WithDeliverySessionRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.delivery.registrar = reg
	}
}

// WithRouteTimeouts overrides the per-group request deadlines. Zero keeps the default.
func WithRouteTimeouts(postal, delivery time.Duration) Option {
	return func(cfg *routerConfig) {
		if postal > 0 {
			cfg.postal.timeout = postal
		}
		if delivery > 0 {
			cfg.delivery.timeout = delivery
		}
	}
}
