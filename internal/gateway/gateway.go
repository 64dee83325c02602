// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package gateway is the sync core: it validates pushes, commits them to
// the journaling buffer, fans them out over WebSocket, serves pulls
// (optionally merged with the cluster's shared adapter), and dispatches
// connector actions. Transport layers (HTTP, WebSocket) stay thin wrappers
// around this package.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lakesync/lakesync/internal/auth"
	"github.com/lakesync/lakesync/internal/buffer"
	"github.com/lakesync/lakesync/internal/cluster"
	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/hlc"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/metrics"
	"github.com/lakesync/lakesync/internal/quota"
	"github.com/lakesync/lakesync/internal/storage"
	"github.com/lakesync/lakesync/internal/syncrules"
)

// MaxPushDeltas bounds one push batch.
const MaxPushDeltas = 10_000

// DefaultPullLimit applies when a pull names no maxDeltas.
const DefaultPullLimit = 1000

// Broadcaster fans accepted deltas out to connected WebSocket clients.
type Broadcaster interface {
	Broadcast(deltas []*delta.RowDelta, excludeClientID string)
}

// PushRequest is one client push batch.
type PushRequest struct {
	ClientID string            `json:"clientId"`
	Deltas   []*delta.RowDelta `json:"deltas"`
}

// PushResponse acknowledges a committed push.
type PushResponse struct {
	ServerHLC      hlc.Timestamp `json:"serverHlc"`
	AcceptedDeltas int           `json:"acceptedDeltas"`
}

// PullRequest asks for deltas past a watermark.
type PullRequest struct {
	ClientID  string        `json:"clientId"`
	SinceHLC  hlc.Timestamp `json:"sinceHlc"`
	MaxDeltas int           `json:"maxDeltas,omitempty"`

	// Source, when set, queries the named registered adapter instead of
	// the buffer.
	Source string `json:"source,omitempty"`
}

// PullResponse carries the matched deltas.
type PullResponse struct {
	Deltas    []*delta.RowDelta `json:"deltas"`
	ServerHLC hlc.Timestamp     `json:"serverHlc"`
	HasMore   bool              `json:"hasMore"`
}

// Action is one imperative operation aimed at a connector.
type Action struct {
	ActionID   string         `json:"actionId"`
	Connector  string         `json:"connector"`
	ActionType string         `json:"actionType"`
	Params     map[string]any `json:"params,omitempty"`
	HLC        hlc.Timestamp  `json:"hlc,omitempty"`
}

// ActionResult is the per-action outcome. The batch response is 200 even
// when individual actions fail.
type ActionResult struct {
	ActionID string `json:"actionId"`
	Status   string `json:"status"` // ok | error
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
	Result   any    `json:"result,omitempty"`
}

// Config wires a Gateway.
type Config struct {
	// ID is the gateway (tenant) identifier.
	ID string

	Buffer *buffer.DeltaBuffer
	Clock  *hlc.Clock

	// FlushSink receives flushed batches.
	FlushSink buffer.Sink

	// FlushSignal, when set, is invoked after a push leaves the buffer
	// past a flush trigger. Wired by the server to its flush loop.
	FlushSignal func()

	// Broadcaster is optional; nil disables fan-out.
	Broadcaster Broadcaster

	// Shared is the cluster write-through path; nil when not clustered.
	Shared *cluster.SharedWriter

	// Quota defaults to quota.Unlimited.
	Quota quota.Enforcer
}

// Gateway is one tenant's sync core.
type Gateway struct {
	config Config
	quota  quota.Enforcer

	rulesMu sync.RWMutex
	rules   *syncrules.Rules

	regMu   sync.RWMutex
	sources map[string]storage.TableAdapter
	actions map[string]storage.ActionHandler
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	enforcer := cfg.Quota
	if enforcer == nil {
		enforcer = quota.Unlimited{}
	}
	return &Gateway{
		config:  cfg,
		quota:   enforcer,
		sources: make(map[string]storage.TableAdapter),
		actions: make(map[string]storage.ActionHandler),
	}
}

// ID returns the gateway identifier.
func (g *Gateway) ID() string {
	return g.config.ID
}

// SetBroadcaster installs the fan-out sink after construction; the
// WebSocket manager needs the gateway first. Call before serving traffic.
func (g *Gateway) SetBroadcaster(b Broadcaster) {
	g.config.Broadcaster = b
}

// SetFlushSignal installs the flush-loop nudge after construction; the
// server is built after the gateway. Call before serving traffic.
func (g *Gateway) SetFlushSignal(fn func()) {
	g.config.FlushSignal = fn
}

// HandlePush validates and commits one push batch. The buffer journals
// accepted deltas inside its commit so an acked push survives a crash;
// broadcast runs asynchronously after the commit and skips the sender.
func (g *Gateway) HandlePush(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	start := time.Now()
	resp, err := g.handlePush(ctx, req)
	metrics.RecordPush(err == nil, time.Since(start).Seconds())
	return resp, err
}

func (g *Gateway) handlePush(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	if req.ClientID == "" {
		return nil, badRequest("clientId is required")
	}
	if len(req.Deltas) > MaxPushDeltas {
		return nil, badRequest("too many deltas: %d exceeds the limit of %d", len(req.Deltas), MaxPushDeltas)
	}
	var bytes int64
	for _, d := range req.Deltas {
		if err := d.Validate(); err != nil {
			return nil, badRequest("invalid delta %s: %v", d.DeltaID, err)
		}
		bytes += int64(d.Size())
	}

	if err := g.quota.CheckPush(ctx, g.config.ID, len(req.Deltas), bytes); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			return nil, &Error{Code: CodeQuotaExceeded, Message: "push quota exceeded"}
		}
		return nil, internalError("quota check failed", err)
	}

	res, err := g.config.Buffer.Append(req.Deltas)
	if err != nil {
		return nil, internalError("buffering push failed", err)
	}

	if g.config.FlushSignal != nil && g.config.Buffer.NeedsFlush() {
		g.config.FlushSignal()
	}

	if g.config.Broadcaster != nil && res.Accepted > 0 {
		batch := req.Deltas
		go g.config.Broadcaster.Broadcast(batch, req.ClientID)
	}

	if g.config.Shared != nil {
		if err := g.config.Shared.WriteThrough(ctx, req.Deltas); err != nil {
			return nil, internalError("shared write-through failed", err)
		}
	}

	logging.Ctx(ctx).Debug().
		Str("client_id", req.ClientID).
		Int("accepted", res.Accepted).
		Int("duplicates", res.Duplicates).
		Msg("push committed")
	return &PushResponse{ServerHLC: res.ServerHLC, AcceptedDeltas: res.Accepted}, nil
}

// HandlePull serves deltas past the client's watermark, filtered by the
// gateway's sync rules for the caller's claims.
func (g *Gateway) HandlePull(ctx context.Context, req *PullRequest, claims *auth.Claims) (*PullResponse, error) {
	resp, err := g.handlePull(ctx, req, claims)
	metrics.RecordPull(err == nil)
	return resp, err
}

func (g *Gateway) handlePull(ctx context.Context, req *PullRequest, claims *auth.Claims) (*PullResponse, error) {
	if req.ClientID == "" {
		return nil, badRequest("clientId is required")
	}
	limit := req.MaxDeltas
	if limit <= 0 {
		limit = DefaultPullLimit
	}

	rules := g.Rules()
	filter := func(d *delta.RowDelta) bool { return rules.Allowed(d, claims) }

	var (
		deltas  []*delta.RowDelta
		hasMore bool
	)
	if req.Source != "" {
		adapter, ok := g.Source(req.Source)
		if !ok {
			return nil, badRequest("unknown source %q", req.Source)
		}
		all, err := adapter.QueryDeltasSince(ctx, req.SinceHLC)
		if err != nil {
			return nil, internalError("source query failed", err)
		}
		deltas, hasMore = capFiltered(all, limit, filter)
	} else {
		deltas, hasMore = g.config.Buffer.QuerySince(req.SinceHLC, limit, filter)

		if g.config.Shared != nil {
			tail, err := g.config.Shared.QueryTail(ctx, req.SinceHLC)
			if err != nil {
				return nil, internalError("shared tail query failed", err)
			}
			if len(tail) > 0 {
				filtered, _ := capFiltered(tail, 0, filter)
				merged := cluster.Merge(deltas, filtered)
				if len(merged) > limit {
					merged = merged[:limit]
				}
				// The shared tail is unbounded; the client re-pulls until
				// its watermark catches up.
				deltas, hasMore = merged, true
			}
		}
	}

	serverHLC, err := g.config.Clock.Now()
	if err != nil {
		serverHLC = g.config.Clock.Last()
	}
	return &PullResponse{Deltas: deltas, ServerHLC: serverHLC, HasMore: hasMore}, nil
}

// capFiltered applies filter then the limit (0 = unlimited), reporting
// whether matches beyond the cap remain.
func capFiltered(deltas []*delta.RowDelta, limit int, filter func(*delta.RowDelta) bool) ([]*delta.RowDelta, bool) {
	matched := make([]*delta.RowDelta, 0, len(deltas))
	for _, d := range deltas {
		if filter(d) {
			matched = append(matched, d)
		}
	}
	if limit > 0 && len(matched) > limit {
		return matched[:limit], true
	}
	return matched, false
}

// HandleAction dispatches each action to its connector's handler. Unknown
// connectors and handler failures yield per-action error results, never a
// batch failure.
func (g *Gateway) HandleAction(ctx context.Context, actions []Action) []ActionResult {
	out := make([]ActionResult, 0, len(actions))
	for _, a := range actions {
		handler, ok := g.ActionHandler(a.Connector)
		if !ok {
			out = append(out, ActionResult{
				ActionID: a.ActionID,
				Status:   "error",
				Code:     CodeActionNotSupported,
				Message:  "no action handler for connector " + a.Connector,
			})
			continue
		}
		result, err := handler.ExecuteAction(ctx, a.ActionType, a.Params)
		if err != nil {
			out = append(out, ActionResult{
				ActionID: a.ActionID,
				Status:   "error",
				Code:     CodeActionFailed,
				Message:  err.Error(),
			})
			continue
		}
		out = append(out, ActionResult{ActionID: a.ActionID, Status: "ok", Result: result})
	}
	return out
}

// Flush drains the buffer to the configured sink.
func (g *Gateway) Flush(ctx context.Context) error {
	if g.config.FlushSink == nil {
		return internalError("no flush sink configured", nil)
	}
	return g.config.Buffer.Flush(ctx, g.config.FlushSink)
}

// PushDeltas lets pollers inject deltas as a synthetic client.
func (g *Gateway) PushDeltas(ctx context.Context, clientID string, deltas []*delta.RowDelta) error {
	_, err := g.HandlePush(ctx, &PushRequest{ClientID: clientID, Deltas: deltas})
	return err
}

// SetRules swaps the active sync-rules document. Nil clears filtering.
func (g *Gateway) SetRules(rules *syncrules.Rules) {
	g.rulesMu.Lock()
	g.rules = rules
	g.rulesMu.Unlock()
}

// Rules returns the active document (possibly nil).
func (g *Gateway) Rules() *syncrules.Rules {
	g.rulesMu.RLock()
	defer g.rulesMu.RUnlock()
	return g.rules
}

// FilterFor returns the broadcast filter for one client's claims.
func (g *Gateway) FilterFor(claims *auth.Claims) func(*delta.RowDelta) bool {
	return func(d *delta.RowDelta) bool {
		return g.Rules().Allowed(d, claims)
	}
}

// RegisterSource exposes adapter under name for sourced pulls.
func (g *Gateway) RegisterSource(name string, adapter storage.TableAdapter) {
	g.regMu.Lock()
	g.sources[name] = adapter
	g.regMu.Unlock()
}

// UnregisterSource removes a sourced-pull adapter.
func (g *Gateway) UnregisterSource(name string) {
	g.regMu.Lock()
	delete(g.sources, name)
	g.regMu.Unlock()
}

// Source looks up a registered pull source.
func (g *Gateway) Source(name string) (storage.TableAdapter, bool) {
	g.regMu.RLock()
	defer g.regMu.RUnlock()
	adapter, ok := g.sources[name]
	return adapter, ok
}

// RegisterActionHandler exposes handler under the connector name.
func (g *Gateway) RegisterActionHandler(name string, handler storage.ActionHandler) {
	g.regMu.Lock()
	g.actions[name] = handler
	g.regMu.Unlock()
}

// UnregisterActionHandler removes a connector's action handler.
func (g *Gateway) UnregisterActionHandler(name string) {
	g.regMu.Lock()
	delete(g.actions, name)
	g.regMu.Unlock()
}

// ActionHandler looks up a connector's action handler.
func (g *Gateway) ActionHandler(name string) (storage.ActionHandler, bool) {
	g.regMu.RLock()
	defer g.regMu.RUnlock()
	handler, ok := g.actions[name]
	return handler, ok
}

// DescribeActions maps each connector to its supported action types.
func (g *Gateway) DescribeActions() map[string][]string {
	g.regMu.RLock()
	defer g.regMu.RUnlock()
	out := make(map[string][]string, len(g.actions))
	for name, handler := range g.actions {
		out[name] = handler.SupportedActions()
	}
	return out
}

// Stats reports buffer occupancy for the admin metrics endpoint.
func (g *Gateway) Stats() buffer.Stats {
	return g.config.Buffer.Stats()
}

// NeedsFlush proxies the buffer's flush triggers for the periodic loop.
func (g *Gateway) NeedsFlush() bool {
	return g.config.Buffer.NeedsFlush()
}
