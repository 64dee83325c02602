// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package server owns the gateway process lifecycle: WAL rehydration,
// persisted-state restore, the supervised service tree (WebSocket hub,
// periodic flush, HTTP listener), and the graceful shutdown sequence.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/lakesync/lakesync/internal/buffer"
	"github.com/lakesync/lakesync/internal/cluster"
	"github.com/lakesync/lakesync/internal/connector"
	"github.com/lakesync/lakesync/internal/gateway"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/metrics"
	"github.com/lakesync/lakesync/internal/persistence"
	"github.com/lakesync/lakesync/internal/syncrules"
	"github.com/lakesync/lakesync/internal/websocket"
)

// Lifecycle defaults.
const (
	DefaultFlushCheckInterval = 5 * time.Second
	DefaultDrainGrace         = 3 * time.Second
	DefaultShutdownTimeout    = 30 * time.Second

	// flushLockTTL bounds how long a crashed holder blocks the cluster's
	// flush.
	flushLockTTL = 30 * time.Second
)

// Config holds the lifecycle knobs.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string

	// FlushCheckInterval is how often the flush loop consults the buffer's
	// triggers. Zero means DefaultFlushCheckInterval.
	FlushCheckInterval time.Duration

	// DrainGrace is how long in-flight requests get after draining starts.
	// Zero means DefaultDrainGrace.
	DrainGrace time.Duration

	// ShutdownTimeout bounds the whole shutdown sequence. Zero means
	// DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

// Server wires one gateway's runtime.
type Server struct {
	config     Config
	gateway    *gateway.Gateway
	buffer     *buffer.DeltaBuffer
	store      persistence.Store
	ws         *websocket.Manager
	connectors *connector.Manager
	handler    http.Handler

	// lock serializes the periodic flush across cluster instances; nil on
	// single-node deployments.
	lock cluster.Lock

	draining *atomic.Bool

	// flushKick wakes the flush loop early when a push trips a buffer
	// trigger between ticks.
	flushKick chan struct{}

	// boundAddr holds the listener address once Run has bound it; useful
	// when Addr asked for an ephemeral port.
	boundAddr atomic.Value
}

// listenAddr reports the bound listener address, "" before Run binds it.
func (s *Server) listenAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// New assembles a server from already-built components. draining is the
// flag shared with the API router's drain guard.
func New(
	cfg Config,
	gw *gateway.Gateway,
	buf *buffer.DeltaBuffer,
	store persistence.Store,
	ws *websocket.Manager,
	connectors *connector.Manager,
	handler http.Handler,
	lock cluster.Lock,
	draining *atomic.Bool,
) *Server {
	if cfg.FlushCheckInterval <= 0 {
		cfg.FlushCheckInterval = DefaultFlushCheckInterval
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if draining == nil {
		draining = &atomic.Bool{}
	}
	s := &Server{
		config:     cfg,
		gateway:    gw,
		buffer:     buf,
		store:      store,
		ws:         ws,
		connectors: connectors,
		handler:    handler,
		lock:       lock,
		draining:   draining,
		flushKick:  make(chan struct{}, 1),
	}
	gw.SetFlushSignal(s.kickFlush)
	return s
}

// kickFlush nudges the flush loop without blocking the push path.
func (s *Server) kickFlush() {
	select {
	case s.flushKick <- struct{}{}:
	default:
	}
}

// Run starts everything and blocks until ctx is canceled, then walks the
// shutdown sequence: drain HTTP, stop connectors, final flush, close the
// hub and listener, close persistence.
func (s *Server) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	tree, err := newTree()
	if err != nil {
		return err
	}
	tree.Add(serviceFunc{name: "websocket-hub", fn: s.ws.Hub().Run})
	tree.Add(serviceFunc{name: "flush-loop", fn: s.flushLoop})

	httpSvc, err := newHTTPService(s.config.Addr, s.handler)
	if err != nil {
		return err
	}
	tree.Add(httpSvc)
	s.boundAddr.Store(httpSvc.Addr())

	treeCtx, stopTree := context.WithCancel(context.Background())
	defer stopTree()
	treeErr := tree.ServeBackground(treeCtx)

	logging.Info().
		Str("addr", httpSvc.Addr()).
		Str("gateway_id", s.gateway.ID()).
		Msg("gateway started")

	select {
	case err := <-treeErr:
		return fmt.Errorf("server: supervisor exited: %w", err)
	case <-ctx.Done():
	}

	return s.shutdown(stopTree, treeErr)
}

// restore rehydrates the buffer from the WAL (duplicates from a failed
// WAL clear are absorbed by deltaId dedup), reloads persisted sync rules,
// and restarts persisted connectors.
func (s *Server) restore(ctx context.Context) error {
	logged, err := s.store.LoadAll()
	if err != nil {
		return fmt.Errorf("server: loading WAL: %w", err)
	}
	if len(logged) > 0 {
		res, err := s.buffer.Rehydrate(logged)
		if err != nil {
			return fmt.Errorf("server: rehydrating buffer: %w", err)
		}
		logging.Info().
			Int("logged", len(logged)).
			Int("restored", res.Accepted).
			Msg("buffer rehydrated from WAL")
	}

	doc, err := s.store.GetConfig(persistence.KindSyncRules, s.gateway.ID())
	if err != nil {
		return fmt.Errorf("server: loading sync rules: %w", err)
	}
	if doc != nil {
		var rules syncrules.Rules
		if err := json.Unmarshal(doc, &rules); err != nil {
			return fmt.Errorf("server: parsing persisted sync rules: %w", err)
		}
		s.gateway.SetRules(&rules)
	}

	if err := s.connectors.RestoreAll(ctx); err != nil {
		return fmt.Errorf("server: restoring connectors: %w", err)
	}
	return nil
}

// flushLoop flushes the buffer when its byte or age trigger fires,
// checking on a ticker and whenever the push path kicks it. With a
// cluster lock configured the flush runs only on the instance that wins
// flush:<gatewayId>; losing the race skips the cycle.
func (s *Server) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.FlushCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.flushKick:
		}
		if !s.gateway.NeedsFlush() {
			continue
		}
		s.flushUnderLock(ctx)
	}
}

func (s *Server) flushUnderLock(ctx context.Context) {
	if s.lock != nil {
		key := "flush:" + s.gateway.ID()
		acquired, err := s.lock.Acquire(ctx, key, flushLockTTL.Milliseconds())
		if err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("flush lock error, skipping cycle")
			return
		}
		if !acquired {
			logging.Debug().Str("key", key).Msg("flush lock held elsewhere, skipping cycle")
			metrics.RecordFlushSkipped()
			return
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx), key); err != nil {
				logging.Warn().Err(err).Str("key", key).Msg("flush lock release failed")
			}
		}()
	}

	if err := s.gateway.Flush(ctx); err != nil {
		logging.Error().Err(err).Msg("periodic flush failed, buffer retained")
	}
}

// shutdown runs the ordered teardown. Steps are best-effort past the drain:
// a failed final flush leaves the WAL intact for the next start.
func (s *Server) shutdown(stopTree context.CancelFunc, treeErr <-chan error) error {
	deadline := time.Now().Add(s.config.ShutdownTimeout)
	logging.Info().Msg("shutdown: draining")

	// New HTTP work gets 503 from here; in-flight requests finish.
	s.draining.Store(true)
	time.Sleep(s.config.DrainGrace)

	// Stop pollers so nothing feeds the buffer mid-flush; cursors persist
	// on close.
	s.connectors.Close()

	flushCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := s.gateway.Flush(flushCtx); err != nil {
		logging.Error().Err(err).Msg("shutdown: final flush failed, WAL retained")
	}

	// Cancel the tree: the hub closes every client with going-away and the
	// HTTP service shuts its listener down.
	stopTree()
	select {
	case <-treeErr:
	case <-time.After(time.Until(deadline)):
		logging.Warn().Msg("shutdown: supervisor did not stop in time")
	}

	if err := s.store.Close(); err != nil && !errors.Is(err, persistence.ErrClosed) {
		return fmt.Errorf("server: closing persistence: %w", err)
	}
	logging.Info().Msg("shutdown complete")
	return nil
}

// serviceFunc adapts a plain run function to a supervised service.
type serviceFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (s serviceFunc) Serve(ctx context.Context) error {
	return s.fn(ctx)
}

func (s serviceFunc) String() string {
	return s.name
}

// httpService runs the HTTP listener under the supervisor. The listener is
// bound eagerly so Run can fail fast on an unusable address and tests can
// read the bound port.
type httpService struct {
	server   *http.Server
	listener net.Listener
}

func newHTTPService(addr string, handler http.Handler) (*httpService, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return &httpService{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
	}, nil
}

func (h *httpService) Addr() string {
	return h.listener.Addr().String()
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(h.listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (h *httpService) String() string {
	return "http-listener"
}
