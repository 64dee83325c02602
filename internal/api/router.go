// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package api is the HTTP surface: an ordered chi middleware chain in
// front of the sync and admin handlers, plus the unauthenticated static
// routes (health, readiness, metrics, discovery).
package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/lakesync/lakesync/internal/auth"
	"github.com/lakesync/lakesync/internal/connector"
	"github.com/lakesync/lakesync/internal/gateway"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/persistence"
	"github.com/lakesync/lakesync/internal/websocket"
)

// Defaults for the pipeline knobs.
const (
	DefaultRequestTimeout     = 30 * time.Second
	DefaultRateLimitPerMinute = 100
	MaxPushBody               = 1 << 20 // 1 MiB
	MaxPullLimit              = 10_000
)

// RouterConfig wires the HTTP pipeline.
type RouterConfig struct {
	RequestTimeout     time.Duration
	RateLimitPerMinute int

	// AllowedOrigins is the CORS allow list; empty reflects the caller's
	// origin.
	AllowedOrigins []string

	// ReadyCheck probes the flush target's health for /ready. Nil means
	// always healthy.
	ReadyCheck func(ctx context.Context) error
}

// Router owns the HTTP handler tree for one gateway.
type Router struct {
	config     RouterConfig
	gateway    *gateway.Gateway
	ws         *websocket.Manager
	verifier   *auth.Verifier
	store      persistence.Store
	connectors *connector.Manager
	draining   *atomic.Bool
}

// NewRouter assembles the pipeline. draining is shared with the server's
// shutdown sequence.
func NewRouter(
	cfg RouterConfig,
	gw *gateway.Gateway,
	ws *websocket.Manager,
	verifier *auth.Verifier,
	store persistence.Store,
	connectors *connector.Manager,
	draining *atomic.Bool,
) *Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if draining == nil {
		draining = &atomic.Bool{}
	}
	return &Router{
		config:     cfg,
		gateway:    gw,
		ws:         ws,
		verifier:   verifier,
		store:      store,
		connectors: connectors,
		draining:   draining,
	}
}

// Handler builds the chi tree. Outermost first: security headers, CORS,
// static routes, drain guard, timeout, in-flight accounting, request id,
// then the authenticated sync and admin routes.
func (s *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(securityHeaders)
	r.Use(cors.Handler(s.corsOptions()))

	// Static, unauthenticated surface.
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())
	r.Get("/v1/openapi.json", s.handleOpenAPI)
	r.Get("/v1/connectors/types", s.handleConnectorTypes)

	// Unversioned legacy paths moved under /v1.
	r.Handle("/sync/*", legacyRedirect())
	r.Handle("/admin/*", legacyRedirect())

	r.Group(func(r chi.Router) {
		r.Use(s.drainGuard)

		// The upgrade handler authenticates on its own and outlives any
		// request timeout.
		r.Get("/v1/sync/{gw}/ws", s.handleWS)

		r.Group(func(r chi.Router) {
			r.Use(s.timeout)
			r.Use(inFlight)
			r.Use(requestID)
			r.Use(noStore)

			r.Route("/v1/sync/{gw}", func(r chi.Router) {
				r.Use(s.gatewayMatch)
				r.Use(s.authenticate(false))
				r.Use(s.rateLimit())

				r.Post("/push", s.handlePush)
				r.Get("/pull", s.handlePull)
				r.Post("/action", s.handleAction)
				r.Get("/actions", s.handleActions)
			})

			r.Route("/v1/admin", func(r chi.Router) {
				r.Use(s.authenticate(true))
				r.Use(s.rateLimit())

				r.Post("/flush/{gw}", s.withGateway(s.handleFlush))
				r.Post("/schema/{gw}", s.withGateway(s.handleSaveSchema))
				r.Post("/sync-rules/{gw}", s.withGateway(s.handleSaveSyncRules))
				r.Post("/connectors/{gw}", s.withGateway(s.handleRegisterConnector))
				r.Get("/connectors/{gw}", s.withGateway(s.handleListConnectors))
				r.Delete("/connectors/{gw}/{name}", s.withGateway(s.handleUnregisterConnector))
				r.Get("/metrics/{gw}", s.withGateway(s.handleAdminMetrics))
			})
		})
	})

	return r
}

func (s *Router) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(s.config.AllowedOrigins) > 0 {
		opts.AllowedOrigins = s.config.AllowedOrigins
	} else {
		opts.AllowOriginFunc = func(*http.Request, string) bool { return true }
	}
	return opts
}

// gatewayParam extracts the {gw} path segment.
func gatewayParam(r *http.Request) string {
	return chi.URLParam(r, "gw")
}

// gatewayMatch 404s requests for a gateway this instance does not serve.
func (s *Router) gatewayMatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gatewayParam(r) != s.gateway.ID() {
			writeError(w, r, http.StatusNotFound, codeNotFound, "unknown gateway")
			return
		}
		next.ServeHTTP(w, r.WithContext(logging.ContextWithGatewayID(r.Context(), s.gateway.ID())))
	})
}

// withGateway applies the gateway match to admin handlers. The {gw}
// segment is matched below the admin subrouter, so the auth middleware
// cannot see it; the token's gateway claim is re-checked here.
func (s *Router) withGateway(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gw := gatewayParam(r)
		if gw != s.gateway.ID() {
			writeError(w, r, http.StatusNotFound, codeNotFound, "unknown gateway")
			return
		}
		if claims := claimsFromContext(r.Context()); claims != nil && claims.GatewayID != gw {
			writeError(w, r, http.StatusForbidden, codeForbidden, "token is for a different gateway")
			return
		}
		next(w, r)
	}
}

// legacyRedirect 301s unversioned paths to /v1 with a Sunset notice.
func legacyRedirect() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Sunset", "Sat, 01 Jan 2028 00:00:00 GMT")
		target := "/v1" + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}
