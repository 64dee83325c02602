// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lakesync/lakesync/internal/connector"
	"github.com/lakesync/lakesync/internal/logging"
)

const readyCheckTimeout = 5 * time.Second

// handleHealth is liveness only: the process is up and serving.
func (s *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReady is readiness: not draining, and the flush target answers.
func (s *Router) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "draining",
		})
		return
	}
	if s.config.ReadyCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()
		if err := s.config.ReadyCheck(ctx); err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unavailable",
				"reason": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Router) metricsHandler() http.Handler {
	return promhttp.Handler()
}

func (s *Router) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write([]byte(openAPIDocument))
}

// connectorType describes one registrable connector kind for discovery.
type connectorType struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (s *Router) handleConnectorTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"types": []connectorType{
			{
				Type:        connector.TypeSQLCursor,
				Description: "polls a SQL source incrementally past a monotonic cursor column",
			},
			{
				Type:        connector.TypeSQLDiff,
				Description: "polls a SQL source by full-snapshot comparison, emitting inserts, updates and deletes",
			},
			{
				Type:        connector.TypeTable,
				Description: "attaches a queryable table adapter as a pull source and action target",
			},
		},
	})
}
