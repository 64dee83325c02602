// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package persistence

import (
	"sync"

	"github.com/lakesync/lakesync/internal/delta"
)

// Memory is an in-process Store for tests and single-node ephemeral
// deployments. Contents do not survive a restart.
type Memory struct {
	mu      sync.RWMutex
	wal     []*delta.RowDelta
	cursors map[string][]byte
	configs map[string]map[string][]byte
	closed  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		cursors: make(map[string][]byte),
		configs: make(map[string]map[string][]byte),
	}
}

func (m *Memory) AppendBatch(deltas []*delta.RowDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.wal = append(m.wal, deltas...)
	return nil
}

func (m *Memory) LoadAll() ([]*delta.RowDelta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*delta.RowDelta, len(m.wal))
	copy(out, m.wal)
	return out, nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.wal = nil
	return nil
}

func (m *Memory) PutCursor(connector string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cursors[connector] = append([]byte(nil), state...)
	return nil
}

func (m *Memory) GetCursor(connector string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	state, ok := m.cursors[connector]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), state...), nil
}

func (m *Memory) DeleteCursor(connector string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.cursors, connector)
	return nil
}

func (m *Memory) ListCursors() (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(m.cursors))
	for name, state := range m.cursors {
		out[name] = append([]byte(nil), state...)
	}
	return out, nil
}

func (m *Memory) PutConfig(kind, name string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	byKind, ok := m.configs[kind]
	if !ok {
		byKind = make(map[string][]byte)
		m.configs[kind] = byKind
	}
	byKind[name] = append([]byte(nil), doc...)
	return nil
}

func (m *Memory) GetConfig(kind, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	doc, ok := m.configs[kind][name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), doc...), nil
}

func (m *Memory) DeleteConfig(kind, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.configs[kind], name)
	return nil
}

func (m *Memory) ListConfigs(kind string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(m.configs[kind]))
	for name, doc := range m.configs[kind] {
		out[name] = append([]byte(nil), doc...)
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
