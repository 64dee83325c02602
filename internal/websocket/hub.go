// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package websocket is the realtime transport: upgraded clients speak a
// framed binary protocol (tagged push/pull requests, bare responses) and
// receive rule-filtered broadcasts of deltas committed by other clients.
package websocket

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/metrics"
)

// Hub maintains the set of connected clients and fans broadcasts out to
// their send pumps.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]struct{}),
		done:       make(chan struct{}),
	}
}

// Run processes lifecycle events until ctx is canceled, then closes every
// client with a going-away code. Designed for supervisor management.
func (h *Hub) Run(ctx context.Context) error {
	defer h.stopOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case client := <-h.Register:
			h.add(client)
		case client := <-h.Unregister:
			h.remove(client)
		}
	}
}

// detach hands the client back to the lifecycle loop, or returns
// immediately when the hub has already stopped.
func (h *Hub) detach(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSConnections.Set(float64(total))
	logging.Info().Str("client_id", client.clientID).Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		client.closeSend()
	}
	total := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	metrics.WSConnections.Set(float64(total))
	logging.Info().Str("client_id", client.clientID).Int("total_clients", total).Msg("websocket client disconnected")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.closeGoingAway()
		client.closeSend()
	}
	metrics.WSConnections.Set(0)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers deltas to every connected client except the sender,
// filtered per client by its sync-rule view. Slow clients drop the frame
// rather than stalling the hub.
func (h *Hub) Broadcast(deltas []*delta.RowDelta, excludeClientID string) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.clientID == excludeClientID {
			continue
		}

		visible := deltas
		if client.filter != nil {
			visible = visible[:0:0]
			for _, d := range deltas {
				if client.filter(d) {
					visible = append(visible, d)
				}
			}
		}
		if len(visible) == 0 {
			continue
		}

		payload, err := json.Marshal(visible)
		if err != nil {
			logging.Error().Err(err).Msg("broadcast marshal failed")
			return
		}
		if !client.enqueue(EncodeFrame(TagBroadcast, payload)) {
			metrics.WSBroadcastDrops.Inc()
			logging.Warn().Str("client_id", client.clientID).Msg("broadcast dropped, client send buffer full")
		}
	}
}
