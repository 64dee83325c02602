// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/lakesync/lakesync/internal/auth"
	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/gateway"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // matches the HTTP push payload cap
	sendBuffer     = 64
)

// Client is one upgraded connection with its identity and rule view.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	gateway  *gateway.Gateway
	clientID string
	claims   *auth.Claims
	filter   func(*delta.RowDelta) bool

	// send carries outbound frames to writePump. sendMu guards the
	// closed flag so broadcasters never race the channel close.
	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool

	// fixed-window message rate limiting
	msgLimit    int
	windowStart time.Time
	windowCount int
}

// enqueue places a frame on the send buffer. Returns false when the
// buffer is full or the connection is already closing.
func (c *Client) enqueue(message []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// closeSend shuts the send channel exactly once. Later enqueues become
// no-ops instead of sends on a closed channel.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

type wsError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// readPump consumes framed requests until the connection dies or the
// client violates protocol or rate limits.
func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("client_id", c.clientID).Msg("websocket read ended")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			c.closeWith(websocket.CloseUnsupportedData, "binary frames required")
			return
		}

		if !c.allowMessage() {
			metrics.WSRateLimitCloses.Inc()
			c.closeWith(websocket.ClosePolicyViolation, "message rate limit exceeded")
			return
		}

		if ok := c.handleFrame(data); !ok {
			return
		}
	}
}

// allowMessage implements the per-connection fixed window: msgLimit
// messages per second.
func (c *Client) allowMessage() bool {
	now := time.Now()
	if now.Sub(c.windowStart) >= time.Second {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	return c.windowCount <= c.msgLimit
}

// handleFrame dispatches one request frame. Returns false when the
// connection must close.
func (c *Client) handleFrame(data []byte) bool {
	tag, payload, err := DecodeFrame(data)
	if err != nil {
		c.closeWith(websocket.CloseProtocolError, "malformed frame")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch tag {
	case TagPush:
		var req gateway.PushRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.closeWith(websocket.CloseProtocolError, "malformed push payload")
			return false
		}
		// The connection's identity wins over whatever the payload claims.
		req.ClientID = c.clientID
		resp, err := c.gateway.HandlePush(ctx, &req)
		if err != nil {
			c.sendError(err)
			return true
		}
		c.sendJSON(resp)

	case TagPull:
		var req gateway.PullRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.closeWith(websocket.CloseProtocolError, "malformed pull payload")
			return false
		}
		req.ClientID = c.clientID
		resp, err := c.gateway.HandlePull(ctx, &req, c.claims)
		if err != nil {
			c.sendError(err)
			return true
		}
		c.sendJSON(resp)

	default:
		c.closeWith(websocket.CloseProtocolError, "unknown frame tag")
		return false
	}
	return true
}

// sendJSON queues a bare response payload.
func (c *Client) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("response marshal failed")
		return
	}
	if !c.enqueue(payload) {
		logging.Warn().Str("client_id", c.clientID).Msg("response dropped, client send buffer full")
	}
}

func (c *Client) sendError(err error) {
	code := gateway.CodeInternalError
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		code = gwErr.Code
	}
	c.sendJSON(wsError{Error: err.Error(), Code: code})
}

// writePump drains the send channel onto the wire and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				logging.Debug().Err(err).Str("client_id", c.clientID).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) closeWith(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}

func (c *Client) closeGoingAway() {
	c.closeWith(websocket.CloseGoingAway, "server shutting down")
}
