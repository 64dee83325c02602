// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lakesync/lakesync/internal/auth"
	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/gateway"
	"github.com/lakesync/lakesync/internal/logging"
)

// Defaults for connection and message caps.
const (
	DefaultMaxConnections = 1000
	DefaultMessagesPerSec = 50
)

// ManagerConfig configures the upgrade path.
type ManagerConfig struct {
	// MaxConnections caps concurrent clients; above it upgrades get 503.
	// Zero means DefaultMaxConnections.
	MaxConnections int

	// MessagesPerSec is the per-connection fixed-window limit; exceeding
	// it closes the connection with a policy-violation code. Zero means
	// DefaultMessagesPerSec.
	MessagesPerSec int

	// Verifier is nil when auth is disabled.
	Verifier *auth.Verifier

	// CheckOrigin overrides the upgrader's origin policy; nil allows all
	// (deployments front this with their own origin controls).
	CheckOrigin func(r *http.Request) bool
}

// Manager upgrades HTTP requests into framed sync connections. It
// implements the gateway's Broadcaster.
type Manager struct {
	config   ManagerConfig
	hub      *Hub
	gateway  *gateway.Gateway
	upgrader websocket.Upgrader
}

// NewManager creates a manager bound to gw.
func NewManager(cfg ManagerConfig, gw *gateway.Gateway) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MessagesPerSec <= 0 {
		cfg.MessagesPerSec = DefaultMessagesPerSec
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Manager{
		config:  cfg,
		hub:     NewHub(),
		gateway: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      checkOrigin,
		},
	}
}

// Hub exposes the hub for supervision.
func (m *Manager) Hub() *Hub {
	return m.hub
}

// Broadcast implements gateway.Broadcaster.
func (m *Manager) Broadcast(deltas []*delta.RowDelta, excludeClientID string) {
	m.hub.Broadcast(deltas, excludeClientID)
}

// HandleUpgrade authenticates and upgrades one connection, then runs its
// pumps. The token arrives in the Authorization header or, for browser
// clients that cannot set headers on WebSocket dials, the token query
// parameter.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if m.hub.Count() >= m.config.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	var (
		claims   *auth.Claims
		clientID string
	)
	if m.config.Verifier.Enabled() {
		token := auth.BearerToken(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
		verified, err := m.config.Verifier.Verify(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if verified.GatewayID != m.gateway.ID() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		claims = verified
		clientID = verified.ClientID
	} else {
		clientID = r.URL.Query().Get("clientId")
		if clientID == "" {
			http.Error(w, "clientId is required", http.StatusBadRequest)
			return
		}
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:      m.hub,
		conn:     conn,
		gateway:  m.gateway,
		clientID: clientID,
		claims:   claims,
		filter:   m.gateway.FilterFor(claims),
		send:     make(chan []byte, sendBuffer),
		msgLimit: m.config.MessagesPerSec,
	}

	m.hub.Register <- client
	go client.writePump()
	go client.readPump()
}
