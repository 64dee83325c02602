// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package cluster

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/lakesync/lakesync/internal/logging"
)

// AdvisoryLock implements Lock over a shared SQL database's native
// advisory-lock primitive (pg_try_advisory_lock and friends). Lock keys
// hash deterministically to a pair of 32-bit ints so every instance maps
// the same key to the same lock slot. Advisory locks are session-scoped,
// so each held key pins a dedicated connection until Release; the unlock
// must run on the session that acquired. TTL is advisory only: the
// database releases the lock when the holding session dies.
type AdvisoryLock struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*sql.Conn
}

// NewAdvisoryLock wraps db. The database must support the two-int
// advisory-lock functions.
func NewAdvisoryLock(db *sql.DB) *AdvisoryLock {
	return &AdvisoryLock{db: db, conns: make(map[string]*sql.Conn)}
}

// hashKey maps a lock key to the two int32 classifier/object arguments.
func hashKey(key string) (int32, int32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	sum := h.Sum64()
	return int32(sum >> 32), int32(sum) //nolint:gosec // truncation is the point
}

func (l *AdvisoryLock) Acquire(ctx context.Context, key string, _ int64) (bool, error) {
	hi, lo := hashKey(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		recordAcquire(false, err)
		return false, fmt.Errorf("advisory acquire %s: %w", key, err)
	}

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1, $2)", hi, lo).Scan(&acquired)
	recordAcquire(acquired, err)
	if err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("advisory acquire %s: %w", key, err)
	}
	if !acquired {
		_ = conn.Close()
		logging.Debug().Str("key", key).Msg("advisory lock contended")
		return false, nil
	}

	l.mu.Lock()
	if stale, ok := l.conns[key]; ok {
		// The previous session for this key must have died, or the
		// database would have reported contention.
		_ = stale.Close()
	}
	l.conns[key] = conn
	l.mu.Unlock()
	return true, nil
}

func (l *AdvisoryLock) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	conn, ok := l.conns[key]
	delete(l.conns, key)
	l.mu.Unlock()
	if !ok {
		logging.Debug().Str("key", key).Msg("advisory unlock for a lock this instance does not hold")
		return nil
	}
	defer conn.Close()

	hi, lo := hashKey(key)
	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1, $2)", hi, lo).Scan(&released); err != nil {
		return fmt.Errorf("advisory release %s: %w", key, err)
	}
	if !released {
		logging.Debug().Str("key", key).Msg("advisory unlock for a lock this session did not hold")
	}
	return nil
}
