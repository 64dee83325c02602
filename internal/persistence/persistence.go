// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package persistence holds the gateway's durable state: the write-ahead
// log of unflushed deltas, per-connector cursor blobs, and administrative
// config documents (schemas, sync rules, connector configs).
//
// All operations are synchronous from the caller's perspective so the
// push→persist→buffer sequence stays indivisible with respect to crash
// recovery. Two variants exist: in-memory (tests, single-node ephemeral)
// and badger-backed (journaled local files).
package persistence

import (
	"errors"

	"github.com/lakesync/lakesync/internal/delta"
)

// Config document kinds stored in the ConfigStore.
const (
	KindSchema    = "schema"
	KindSyncRules = "sync-rules"
	KindConnector = "connector"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("persistence: store closed")

// WAL is the ordered write-ahead log of deltas accepted but not yet
// flushed. AppendBatch failure must abort the push that caused it; Clear
// failure after a flush is logged by the caller — the next start replays
// already-flushed deltas, which the buffer deduplicates by deltaId.
type WAL interface {
	// AppendBatch durably appends deltas in submission order.
	AppendBatch(deltas []*delta.RowDelta) error

	// LoadAll returns every logged delta in append order. Used on startup
	// to rehydrate the buffer.
	LoadAll() ([]*delta.RowDelta, error)

	// Clear atomically removes all logged deltas after a successful flush.
	Clear() error
}

// CursorStore maps connector names to opaque serialized cursor state.
type CursorStore interface {
	PutCursor(connector string, state []byte) error

	// GetCursor returns nil state (and nil error) when absent.
	GetCursor(connector string) ([]byte, error)

	DeleteCursor(connector string) error

	ListCursors() (map[string][]byte, error)
}

// ConfigStore holds administrative documents keyed by (kind, name).
type ConfigStore interface {
	PutConfig(kind, name string, doc []byte) error

	// GetConfig returns nil doc (and nil error) when absent.
	GetConfig(kind, name string) ([]byte, error)

	DeleteConfig(kind, name string) error

	ListConfigs(kind string) (map[string][]byte, error)
}

// Store is the complete persistence surface the server wires together.
type Store interface {
	WAL
	CursorStore
	ConfigStore

	Close() error
}
