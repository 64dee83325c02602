// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package api

import (
	"errors"
	"net/http"
	"runtime"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/lakesync/lakesync/internal/connector"
	"github.com/lakesync/lakesync/internal/gateway"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/persistence"
	"github.com/lakesync/lakesync/internal/syncrules"
)

func (s *Router) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Flush(r.Context()); err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flushed": true})
}

// handleSaveSchema persists the schema document verbatim after checking it
// parses. Schema application happens at the flush target on its next
// EnsureSchema.
func (s *Router) handleSaveSchema(w http.ResponseWriter, r *http.Request) {
	var doc json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, "schema must be valid JSON")
		return
	}
	if err := s.store.PutConfig(persistence.KindSchema, s.gateway.ID(), doc); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("schema persist failed")
		writeError(w, r, http.StatusInternalServerError, gateway.CodeInternalError, "persisting schema failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": true})
}

func (s *Router) handleSaveSyncRules(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, "unreadable body")
		return
	}
	var rules syncrules.Rules
	if err := json.Unmarshal(body, &rules); err != nil {
		writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, "sync rules must be valid JSON")
		return
	}
	if err := rules.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, err.Error())
		return
	}
	if err := s.store.PutConfig(persistence.KindSyncRules, s.gateway.ID(), body); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("sync rules persist failed")
		writeError(w, r, http.StatusInternalServerError, gateway.CodeInternalError, "persisting sync rules failed")
		return
	}
	s.gateway.SetRules(&rules)
	writeJSON(w, http.StatusOK, map[string]any{"saved": true})
}

func (s *Router) handleRegisterConnector(w http.ResponseWriter, r *http.Request) {
	var cfg connector.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, "malformed connector config")
		return
	}
	if err := s.connectors.Register(r.Context(), cfg); err != nil {
		switch {
		case errors.Is(err, connector.ErrExists):
			writeError(w, r, http.StatusConflict, codeConflict, "connector "+cfg.Name+" already registered")
		case errors.Is(err, connector.ErrUnknownType):
			writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, "unknown connector type "+cfg.Type)
		default:
			writeError(w, r, http.StatusBadRequest, gateway.CodeBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"registered": cfg.Name})
}

func (s *Router) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connectors": s.connectors.List()})
}

func (s *Router) handleUnregisterConnector(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.connectors.Unregister(name); err != nil {
		if errors.Is(err, connector.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, codeNotFound, "connector "+name+" not registered")
			return
		}
		writeError(w, r, http.StatusInternalServerError, gateway.CodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unregistered": name})
}

// handleAdminMetrics is the per-gateway JSON snapshot; the Prometheus
// scrape surface lives at /metrics.
func (s *Router) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	stats := s.gateway.Stats()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"gatewayId": s.gateway.ID(),
		"buffer": map[string]any{
			"logSize":     stats.LogSize,
			"indexSize":   stats.IndexSize,
			"byteSize":    stats.ByteSize,
			"oldestAgeMs": stats.OldestAge.Milliseconds(),
		},
		"websocket": map[string]any{
			"connections": s.ws.Hub().Count(),
		},
		"connectors": len(s.connectors.List()),
		"process": map[string]any{
			"goroutines":     runtime.NumGoroutine(),
			"heapAllocBytes": mem.HeapAlloc,
			"numGC":          mem.NumGC,
		},
	})
}
