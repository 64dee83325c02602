// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package cluster provides the multi-instance coordination primitives:
// distributed locks for flush exclusivity and the write-through path to a
// shared table adapter.
package cluster

import (
	"context"

	"github.com/lakesync/lakesync/internal/metrics"
)

// Lock coordinates exclusivity across gateway instances. Acquire of the
// same key by two instances has exactly one winner.
type Lock interface {
	// Acquire tries to take key for ttlMs milliseconds. Returns false
	// without error when another holder has it.
	Acquire(ctx context.Context, key string, ttlMs int64) (bool, error)

	// Release frees key. Releasing a key held by someone else (or not
	// held) is a no-op.
	Release(ctx context.Context, key string) error
}

// recordAcquire feeds the lock outcome gauge shared by all Lock
// implementations.
func recordAcquire(acquired bool, err error) {
	switch {
	case err != nil:
		metrics.LockAcquireTotal.WithLabelValues("error").Inc()
	case acquired:
		metrics.LockAcquireTotal.WithLabelValues("acquired").Inc()
	default:
		metrics.LockAcquireTotal.WithLabelValues("contended").Inc()
	}
}
