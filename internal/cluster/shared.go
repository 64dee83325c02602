// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/hlc"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/metrics"
	"github.com/lakesync/lakesync/internal/storage"
)

// Mode selects how shared-adapter write failures surface.
type Mode string

const (
	// ModeEventual logs shared write failures and reports success; the
	// local buffer stays authoritative.
	ModeEventual Mode = "eventual"

	// ModeStrong propagates shared write failures to the pusher.
	ModeStrong Mode = "strong"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeEventual || m == ModeStrong
}

// SharedWriter is the write-through and tail-merge path to the shared
// table adapter. A circuit breaker keeps a dead shared store from adding
// latency to every push once failures accumulate.
type SharedWriter struct {
	adapter storage.TableAdapter
	mode    Mode
	breaker *gobreaker.CircuitBreaker[any]
}

// NewSharedWriter wraps adapter in the given consistency mode.
func NewSharedWriter(adapter storage.TableAdapter, mode Mode) *SharedWriter {
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "shared-adapter",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("shared adapter breaker state changed")
		},
	})
	return &SharedWriter{adapter: adapter, mode: mode, breaker: breaker}
}

// Mode returns the configured consistency mode.
func (w *SharedWriter) Mode() Mode {
	return w.mode
}

// WriteThrough mirrors an accepted push into the shared adapter. In
// eventual mode failures are absorbed; in strong mode they fail the push.
func (w *SharedWriter) WriteThrough(ctx context.Context, deltas []*delta.RowDelta) error {
	_, err := w.breaker.Execute(func() (any, error) {
		return nil, w.adapter.InsertDeltas(ctx, deltas)
	})
	if err == nil {
		return nil
	}

	metrics.SharedWriteErrors.Inc()
	if w.mode == ModeStrong {
		return fmt.Errorf("shared write-through: %w", err)
	}
	logging.Warn().Err(err).Int("deltas", len(deltas)).Msg("shared write-through failed, local buffer authoritative")
	return nil
}

// QueryTail fetches the shared adapter's deltas past since for pull
// merging. In eventual mode a failure yields an empty tail.
func (w *SharedWriter) QueryTail(ctx context.Context, since hlc.Timestamp) ([]*delta.RowDelta, error) {
	out, err := w.breaker.Execute(func() (any, error) {
		return w.adapter.QueryDeltasSince(ctx, since)
	})
	if err != nil {
		if w.mode == ModeStrong {
			return nil, fmt.Errorf("shared tail query: %w", err)
		}
		logging.Warn().Err(err).Msg("shared tail query failed, serving local buffer only")
		return nil, nil
	}
	deltas, _ := out.([]*delta.RowDelta)
	return deltas, nil
}

// Merge combines local and shared pull results: deduplicated by deltaId
// (local wins) and HLC-sorted.
func Merge(local, shared []*delta.RowDelta) []*delta.RowDelta {
	merged := make([]*delta.RowDelta, 0, len(local)+len(shared))
	merged = append(merged, local...)
	merged = append(merged, shared...)
	merged = delta.DedupeByID(merged)
	delta.SortByHLC(merged)
	return merged
}
