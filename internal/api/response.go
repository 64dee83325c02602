// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/lakesync/lakesync/internal/gateway"
	"github.com/lakesync/lakesync/internal/logging"
)

// Error codes beyond the gateway's own vocabulary.
const (
	codeAuthError   = "AUTH_ERROR"
	codeForbidden   = "FORBIDDEN"
	codeNotFound    = "NOT_FOUND"
	codeRateLimited = "RATE_LIMITED"
	codeTimeout     = "TIMEOUT"
	codeDraining    = "DRAINING"
	codeOversize    = "PAYLOAD_TOO_LARGE"
	codeConflict    = "CONFLICT"
)

// readAll drains the (already size-capped) request body.
func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// errorEnvelope is the uniform error response body.
type errorEnvelope struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{
		Error:     message,
		Code:      code,
		RequestID: logging.RequestIDFromContext(r.Context()),
	})
}

// writeGatewayError maps a gateway error to its HTTP status.
func writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		writeError(w, r, http.StatusInternalServerError, gateway.CodeInternalError, "internal error")
		return
	}
	switch gwErr.Code {
	case gateway.CodeBadRequest:
		writeError(w, r, http.StatusBadRequest, gwErr.Code, gwErr.Message)
	case gateway.CodeQuotaExceeded:
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, gwErr.Code, gwErr.Message)
	default:
		writeError(w, r, http.StatusInternalServerError, gwErr.Code, gwErr.Message)
	}
}
