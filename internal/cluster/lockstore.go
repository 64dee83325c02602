// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// MemoryLockStore is a single-process LockStore for tests and single-node
// deployments.
type MemoryLockStore struct {
	mu      sync.Mutex
	records map[string]LockRecord
}

// NewMemoryLockStore creates an empty store.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{records: make(map[string]LockRecord)}
}

func (s *MemoryLockStore) Get(_ context.Context, key string) (*LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryLockStore) Swap(_ context.Context, key string, expect, next *LockRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[key]
	if expect == nil {
		if ok {
			return false, nil
		}
	} else if !ok || current != *expect {
		return false, nil
	}

	if next == nil {
		delete(s.records, key)
	} else {
		s.records[key] = *next
	}
	return true, nil
}

const lockKeyPrefix = "lock:"

// BadgerLockStore is a LockStore over a badger database. Swap relies on
// badger's serializable transactions: a conflicting concurrent swap fails
// the commit and reports the swap as lost.
type BadgerLockStore struct {
	db *badger.DB
}

// NewBadgerLockStore wraps db. The database is shared with the
// persistence store; lock keys live under their own prefix.
func NewBadgerLockStore(db *badger.DB) *BadgerLockStore {
	return &BadgerLockStore{db: db}
}

func (s *BadgerLockStore) Get(_ context.Context, key string) (*LockRecord, error) {
	var rec *LockRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lockKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = new(LockRecord)
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get lock %s: %w", key, err)
	}
	return rec, nil
}

func (s *BadgerLockStore) Swap(_ context.Context, key string, expect, next *LockRecord) (bool, error) {
	storeKey := []byte(lockKeyPrefix + key)

	err := s.db.Update(func(txn *badger.Txn) error {
		var current *LockRecord
		item, err := txn.Get(storeKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				current = new(LockRecord)
				return json.Unmarshal(val, current)
			}); err != nil {
				return err
			}
		}

		if (expect == nil) != (current == nil) {
			return badger.ErrConflict
		}
		if expect != nil && *expect != *current {
			return badger.ErrConflict
		}

		if next == nil {
			return txn.Delete(storeKey)
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return txn.Set(storeKey, data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("swap lock %s: %w", key, err)
	}
	return true, nil
}
