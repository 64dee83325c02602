// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package api

// openAPIDocument is served at /v1/openapi.json. Kept by hand; update it
// alongside route changes.
const openAPIDocument = `{
  "openapi": "3.0.3",
  "info": {
    "title": "LakeSync Gateway API",
    "description": "Multi-tenant delta sync gateway: push/pull of HLC-stamped row deltas, connector actions, and admin control.",
    "version": "1.0.0",
    "license": {"name": "AGPL-3.0-or-later"}
  },
  "components": {
    "securitySchemes": {
      "bearer": {"type": "http", "scheme": "bearer", "bearerFormat": "JWT"}
    },
    "schemas": {
      "RowDelta": {
        "type": "object",
        "required": ["deltaId", "table", "rowId", "clientId", "op", "hlc"],
        "properties": {
          "deltaId": {"type": "string"},
          "table": {"type": "string"},
          "rowId": {"type": "string"},
          "clientId": {"type": "string"},
          "op": {"type": "string", "enum": ["INSERT", "UPDATE", "DELETE"]},
          "columns": {"type": "array", "items": {"type": "object", "properties": {"name": {"type": "string"}, "value": {}}}},
          "hlc": {"type": "integer", "format": "int64"}
        }
      },
      "Error": {
        "type": "object",
        "properties": {
          "error": {"type": "string"},
          "code": {"type": "string"},
          "requestId": {"type": "string"}
        }
      }
    }
  },
  "security": [{"bearer": []}],
  "paths": {
    "/health": {"get": {"security": [], "summary": "Liveness", "responses": {"200": {"description": "process is up"}}}},
    "/ready": {"get": {"security": [], "summary": "Readiness", "responses": {"200": {"description": "ready"}, "503": {"description": "draining or flush target unavailable"}}}},
    "/metrics": {"get": {"security": [], "summary": "Prometheus scrape endpoint", "responses": {"200": {"description": "metrics exposition"}}}},
    "/v1/connectors/types": {"get": {"security": [], "summary": "Registrable connector types", "responses": {"200": {"description": "type list"}}}},
    "/v1/sync/{gw}/push": {
      "post": {
        "summary": "Push a batch of row deltas",
        "parameters": [{"name": "gw", "in": "path", "required": true, "schema": {"type": "string"}}],
        "requestBody": {"content": {"application/json": {"schema": {"type": "object", "required": ["clientId", "deltas"], "properties": {"clientId": {"type": "string"}, "deltas": {"type": "array", "maxItems": 10000, "items": {"$ref": "#/components/schemas/RowDelta"}}, "lastSeenHlc": {"type": "integer", "format": "int64"}}}}}},
        "responses": {
          "200": {"description": "committed; serverHlc, acceptedDeltas, and deltas past lastSeenHlc when requested"},
          "400": {"description": "malformed or invalid", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Error"}}}},
          "413": {"description": "body above 1 MiB"},
          "429": {"description": "rate or quota limited"}
        }
      }
    },
    "/v1/sync/{gw}/pull": {
      "get": {
        "summary": "Pull deltas past a watermark",
        "parameters": [
          {"name": "gw", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "clientId", "in": "query", "required": true, "schema": {"type": "string"}},
          {"name": "since", "in": "query", "schema": {"type": "integer", "format": "int64"}},
          {"name": "limit", "in": "query", "schema": {"type": "integer", "maximum": 10000}},
          {"name": "source", "in": "query", "schema": {"type": "string"}}
        ],
        "responses": {"200": {"description": "deltas, serverHlc, hasMore"}}
      }
    },
    "/v1/sync/{gw}/action": {
      "post": {
        "summary": "Dispatch connector actions",
        "parameters": [{"name": "gw", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"200": {"description": "per-action results; batch is 200 even when actions fail"}}
      }
    },
    "/v1/sync/{gw}/actions": {
      "get": {
        "summary": "Supported actions per connector",
        "parameters": [{"name": "gw", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"200": {"description": "connector to action-type map"}}
      }
    },
    "/v1/sync/{gw}/ws": {
      "get": {
        "summary": "WebSocket upgrade for framed push/pull and broadcast",
        "parameters": [{"name": "gw", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"101": {"description": "switching protocols"}, "503": {"description": "connection cap reached"}}
      }
    },
    "/v1/admin/flush/{gw}": {"post": {"summary": "Force a buffer flush", "responses": {"200": {"description": "flushed"}}}},
    "/v1/admin/schema/{gw}": {"post": {"summary": "Store the gateway schema document", "responses": {"200": {"description": "saved"}}}},
    "/v1/admin/sync-rules/{gw}": {"post": {"summary": "Replace the sync-rules document", "responses": {"200": {"description": "saved"}, "400": {"description": "invalid rules"}}}},
    "/v1/admin/connectors/{gw}": {
      "post": {"summary": "Register a connector", "responses": {"201": {"description": "registered"}, "409": {"description": "name in use"}}},
      "get": {"summary": "List connectors", "responses": {"200": {"description": "connector statuses"}}}
    },
    "/v1/admin/connectors/{gw}/{name}": {"delete": {"summary": "Unregister a connector", "responses": {"200": {"description": "unregistered"}, "404": {"description": "not registered"}}}},
    "/v1/admin/metrics/{gw}": {"get": {"summary": "Gateway stats snapshot", "responses": {"200": {"description": "buffer, websocket and process stats"}}}}
  }
}
`
