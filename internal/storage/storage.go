// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package storage defines the pluggable adapter surface behind the gateway:
// table adapters (row-oriented, queryable, used for the cross-instance
// shared buffer and durable backends) and lake adapters (object-oriented,
// used as flush targets). Adapters may additionally implement ActionHandler
// to expose imperative operations to clients.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/hlc"
)

var (
	// ErrObjectNotFound is returned by lake reads for missing keys.
	ErrObjectNotFound = errors.New("storage: object not found")

	// ErrClosed is returned by operations on a closed adapter.
	ErrClosed = errors.New("storage: adapter closed")
)

// Row is the folded latest state of a single row.
type Row map[string]any

// TableAdapter is a row-oriented delta store.
type TableAdapter interface {
	// EnsureSchema creates backing structures if missing. Idempotent.
	EnsureSchema(ctx context.Context) error

	// InsertDeltas stores a batch. Re-inserting a known deltaId is a no-op.
	InsertDeltas(ctx context.Context, deltas []*delta.RowDelta) error

	// QueryDeltasSince returns deltas with hlc > since, HLC-sorted. An
	// empty tables list means all tables.
	QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables ...string) ([]*delta.RowDelta, error)

	// GetLatestState folds the stored deltas for one row into its current
	// column values, last-writer-wins per column. Returns nil for an
	// unknown or deleted row.
	GetLatestState(ctx context.Context, table, rowID string) (Row, error)

	Close() error
}

// ObjectInfo describes a stored lake object.
type ObjectInfo struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// LakeAdapter is an object store used as a batch flush target.
type LakeAdapter interface {
	PutObject(ctx context.Context, key string, data []byte) error

	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)

	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)

	GetObject(ctx context.Context, key string) ([]byte, error)

	Close() error
}

// ActionHandler exposes imperative adapter operations to sync clients.
type ActionHandler interface {
	SupportedActions() []string

	ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error)
}

// FoldDeltas applies HLC-sorted deltas for a single row into its latest
// state. A trailing DELETE yields nil.
func FoldDeltas(deltas []*delta.RowDelta) Row {
	delta.SortByHLC(deltas)
	var row Row
	for _, d := range deltas {
		switch d.Op {
		case delta.OpDelete:
			row = nil
		default:
			if row == nil {
				row = make(Row)
			}
			for _, c := range d.Columns {
				row[c.Name] = c.Value
			}
		}
	}
	return row
}
