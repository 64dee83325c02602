// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package api

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/gateway"
	"github.com/lakesync/lakesync/internal/hlc"
)

// pushRequest is the HTTP push body: the gateway request plus an optional
// watermark that piggybacks a pull onto the push response.
type pushRequest struct {
	gateway.PushRequest
	LastSeenHLC *hlc.Timestamp `json:"lastSeenHlc,omitempty"`
}

// pushResponse extends the ack with deltas the client missed, present only
// when the request carried lastSeenHlc.
type pushResponse struct {
	gateway.PushResponse
	Deltas []*delta.RowDelta `json:"deltas,omitempty"`
}

func (s *Router) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > MaxPushBody {
		writeError(w, r, http.StatusRequestEntityTooLarge, codeOversize, "push body exceeds 1 MiB")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxPushBody)

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, r, http.StatusRequestEntityTooLarge, codeOversize, "push body exceeds 1 MiB")
			return
		}
		writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, "malformed push body")
		return
	}

	// An authenticated caller can only push as itself.
	claims := claimsFromContext(r.Context())
	if claims != nil && req.ClientID != "" && req.ClientID != claims.ClientID {
		writeError(w, r, http.StatusForbidden, codeForbidden, "clientId does not match token subject")
		return
	}
	if claims != nil && req.ClientID == "" {
		req.ClientID = claims.ClientID
	}

	ack, err := s.gateway.HandlePush(r.Context(), &req.PushRequest)
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}

	resp := pushResponse{PushResponse: *ack}
	if req.LastSeenHLC != nil {
		pull, err := s.gateway.HandlePull(r.Context(), &gateway.PullRequest{
			ClientID: req.ClientID,
			SinceHLC: *req.LastSeenHLC,
		}, claims)
		if err != nil {
			writeGatewayError(w, r, err)
			return
		}
		resp.Deltas = pull.Deltas
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Router) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("clientId")
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, "clientId is required")
		return
	}

	var since hlc.Timestamp
	if raw := q.Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, "since must be a numeric HLC")
			return
		}
		since = hlc.Timestamp(v)
	}

	limit := gateway.DefaultPullLimit
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, "limit must be a positive integer")
			return
		}
		if v > MaxPullLimit {
			v = MaxPullLimit
		}
		limit = v
	}

	resp, err := s.gateway.HandlePull(r.Context(), &gateway.PullRequest{
		ClientID:  clientID,
		SinceHLC:  since,
		MaxDeltas: limit,
		Source:    q.Get("source"),
	}, claimsFromContext(r.Context()))
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type actionRequest struct {
	ClientID string           `json:"clientId"`
	Actions  []gateway.Action `json:"actions"`
}

type actionResponse struct {
	Results []gateway.ActionResult `json:"results"`
}

func (s *Router) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, "malformed action body")
		return
	}
	if len(req.Actions) == 0 {
		writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, "actions is required")
		return
	}
	results := s.gateway.HandleAction(r.Context(), req.Actions)
	writeJSON(w, http.StatusOK, actionResponse{Results: results})
}

func (s *Router) handleActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.gateway.DescribeActions()})
}

// handleWS hands the request to the WebSocket manager, which does its own
// authentication (the upgrade outlives any request timeout, so it is
// mounted outside that middleware).
func (s *Router) handleWS(w http.ResponseWriter, r *http.Request) {
	if gatewayParam(r) != s.gateway.ID() {
		writeError(w, r, http.StatusNotFound, codeNotFound, "unknown gateway")
		return
	}
	s.ws.HandleUpgrade(w, r)
}
