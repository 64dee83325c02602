// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// contextKey is the private type for logging context keys.
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	gatewayIDKey contextKey = "gateway_id"
)

// GenerateRequestID creates a new unique request ID.
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextWithRequestID returns a new context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext retrieves the request ID, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithGatewayID returns a new context carrying the gateway ID.
func ContextWithGatewayID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, gatewayIDKey, id)
}

// GatewayIDFromContext retrieves the gateway ID, or "" if absent.
func GatewayIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(gatewayIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns a logger with request_id and gateway_id bound when present.
// This is the recommended way to log inside handlers and services.
//
//	logging.Ctx(ctx).Info().Msg("push accepted")
func Ctx(ctx context.Context) *zerolog.Logger {
	logCtx := Logger().With()
	if id := RequestIDFromContext(ctx); id != "" {
		logCtx = logCtx.Str("request_id", id)
	}
	if id := GatewayIDFromContext(ctx); id != "" {
		logCtx = logCtx.Str("gateway_id", id)
	}
	l := logCtx.Logger()
	return &l
}

// WithComponent creates a child logger with a component field.
//
//	pollerLogger := logging.WithComponent("poller")
func WithComponent(component string) zerolog.Logger {
	return With().Str("component", component).Logger()
}
