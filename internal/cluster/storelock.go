// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package cluster

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lakesync/lakesync/internal/logging"
)

// LockRecord is the stored state of one held lock.
type LockRecord struct {
	Holder    string `json:"holder"`
	ExpiresAt int64  `json:"expiresAt"` // unix ms
}

// LockStore provides atomic compare-and-swap over lock records. Swap
// installs next (nil deletes) iff the current record equals expect (nil
// expect means absent); it reports whether the swap happened.
type LockStore interface {
	Swap(ctx context.Context, key string, expect, next *LockRecord) (bool, error)

	Get(ctx context.Context, key string) (*LockRecord, error)
}

// StoreLock implements Lock over a LockStore. A crashed holder's lock
// persists until its TTL expires, after which any instance may steal it.
type StoreLock struct {
	store  LockStore
	holder string
	nowMs  func() int64
}

// NewStoreLock creates a lock with a unique holder identity.
func NewStoreLock(store LockStore) *StoreLock {
	return &StoreLock{
		store:  store,
		holder: uuid.NewString(),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

func (l *StoreLock) Acquire(ctx context.Context, key string, ttlMs int64) (bool, error) {
	current, err := l.store.Get(ctx, key)
	if err != nil {
		recordAcquire(false, err)
		return false, err
	}

	now := l.nowMs()
	next := &LockRecord{Holder: l.holder, ExpiresAt: now + ttlMs}

	// Contended iff a live record belongs to someone else. Expired records
	// and re-acquires by the current holder are overwritten in place.
	if current != nil && current.Holder != l.holder && current.ExpiresAt > now {
		recordAcquire(false, nil)
		return false, nil
	}

	swapped, err := l.store.Swap(ctx, key, current, next)
	recordAcquire(swapped, err)
	if err != nil {
		return false, err
	}
	if !swapped {
		// Lost the CAS race to another instance.
		logging.Debug().Str("key", key).Msg("lock swap lost")
	}
	return swapped, nil
}

func (l *StoreLock) Release(ctx context.Context, key string) error {
	current, err := l.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if current == nil || current.Holder != l.holder {
		return nil
	}
	_, err = l.store.Swap(ctx, key, current, nil)
	return err
}
