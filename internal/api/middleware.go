// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/lakesync/lakesync/internal/auth"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/metrics"
)

type claimsKey struct{}

// claimsFromContext returns the verified claims, nil when auth is
// disabled.
func claimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

// securityHeaders is the outermost middleware.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// noStore marks sync and admin responses uncacheable.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// requestID assigns each request an id, echoed in the response header and
// bound into the logging context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// drainGuard rejects new work while the server is shutting down.
func (s *Router) drainGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			writeError(w, r, http.StatusServiceUnavailable, codeDraining, "server is draining")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// inFlight tracks active requests and counts completions by status.
func inFlight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPActiveRequests.Inc()
		defer metrics.HTTPActiveRequests.Dec()

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// The route pattern keeps label cardinality bounded.
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
	})
}

// timeoutWriter suppresses handler writes after the deadline response has
// gone out.
type timeoutWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	wrote    bool
	timedOut bool
}

func (tw *timeoutWriter) WriteHeader(status int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return
	}
	tw.wrote = true
	tw.ResponseWriter.WriteHeader(status)
}

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	tw.wrote = true
	return tw.ResponseWriter.Write(p)
}

// Hijack passes through so WebSocket upgrades keep working when a route
// is accidentally mounted under the timeout.
func (tw *timeoutWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := tw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// timeout enforces the per-request wall clock, answering 504 when the
// handler overruns.
func (s *Router) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()

		tw := &timeoutWriter{ResponseWriter: w}
		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(tw, r.WithContext(ctx))
		}()

		select {
		case <-done:
		case <-ctx.Done():
			tw.mu.Lock()
			if !tw.wrote {
				tw.timedOut = true
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusGatewayTimeout)
				_, _ = w.Write([]byte(`{"error":"request timed out","code":"` + codeTimeout + `"}`))
			} else {
				tw.timedOut = true
			}
			tw.mu.Unlock()
		}
	})
}

// authenticate verifies the bearer token, binds claims, and enforces the
// gateway and role constraints. With no verifier configured all requests
// pass unauthenticated.
func (s *Router) authenticate(requireAdmin bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.verifier.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			token := auth.BearerToken(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
			claims, err := s.verifier.Verify(token)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, codeAuthError, "missing or invalid token")
				return
			}
			if gw := gatewayParam(r); gw != "" && claims.GatewayID != gw {
				writeError(w, r, http.StatusForbidden, codeForbidden, "token is for a different gateway")
				return
			}
			if requireAdmin && !claims.IsAdmin() {
				writeError(w, r, http.StatusForbidden, codeForbidden, "admin role required")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			ctx = logging.ContextWithGatewayID(ctx, claims.GatewayID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimit applies the per-client fixed window. Keyed by authenticated
// subject when present, else the clientId parameter, else remote IP.
func (s *Router) rateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		s.config.RateLimitPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if claims := claimsFromContext(r.Context()); claims != nil {
				return claims.ClientID, nil
			}
			if clientID := r.URL.Query().Get("clientId"); clientID != "" {
				return clientID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			// httprate has already set Retry-After.
			writeError(w, r, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
		}),
	)
}
