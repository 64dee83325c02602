// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package storage

import (
	"context"
	"sync"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/hlc"
)

// MemoryTable is an in-process TableAdapter for tests and single-node
// shared-buffer wiring.
type MemoryTable struct {
	mu     sync.RWMutex
	ids    map[string]struct{}
	log    []*delta.RowDelta
	closed bool
}

// NewMemoryTable creates an empty in-memory table adapter.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{ids: make(map[string]struct{})}
}

func (m *MemoryTable) EnsureSchema(context.Context) error {
	return nil
}

func (m *MemoryTable) InsertDeltas(_ context.Context, deltas []*delta.RowDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, d := range deltas {
		if _, ok := m.ids[d.DeltaID]; ok {
			continue
		}
		m.ids[d.DeltaID] = struct{}{}
		m.log = append(m.log, d)
	}
	return nil
}

func (m *MemoryTable) QueryDeltasSince(_ context.Context, since hlc.Timestamp, tables ...string) ([]*delta.RowDelta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	wanted := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		wanted[t] = struct{}{}
	}

	var out []*delta.RowDelta
	for _, d := range m.log {
		if d.HLC <= since {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[d.Table]; !ok {
				continue
			}
		}
		out = append(out, d)
	}
	delta.SortByHLC(out)
	return out, nil
}

func (m *MemoryTable) GetLatestState(_ context.Context, table, rowID string) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var matched []*delta.RowDelta
	for _, d := range m.log {
		if d.Table == table && d.RowID == rowID {
			matched = append(matched, d)
		}
	}
	return FoldDeltas(matched), nil
}

func (m *MemoryTable) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
