// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/hlc"
	"github.com/lakesync/lakesync/internal/logging"
)

// LakeSink makes a LakeAdapter usable as a flush target. Each flushed batch
// becomes one newline-delimited JSON object keyed by gateway, batch high
// HLC, and a uuid so concurrent flushers never collide.
type LakeSink struct {
	lake      LakeAdapter
	gatewayID string
}

// NewLakeSink wraps lake for the given gateway.
func NewLakeSink(lake LakeAdapter, gatewayID string) *LakeSink {
	return &LakeSink{lake: lake, gatewayID: gatewayID}
}

func (s *LakeSink) InsertDeltas(ctx context.Context, deltas []*delta.RowDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	var maxHLC hlc.Timestamp
	var buf bytes.Buffer
	for _, d := range deltas {
		line, err := d.Encode()
		if err != nil {
			return fmt.Errorf("encode delta %s: %w", d.DeltaID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		if d.HLC > maxHLC {
			maxHLC = d.HLC
		}
	}

	key := BatchKey(s.gatewayID, maxHLC)
	if err := s.lake.PutObject(ctx, key, buf.Bytes()); err != nil {
		return fmt.Errorf("put batch object: %w", err)
	}
	logging.Debug().Str("key", key).Int("deltas", len(deltas)).Msg("batch written to lake")
	return nil
}

// BatchKey names a flushed batch object. Keys sort by HLC within a gateway
// prefix so consumers can scan forward in time.
func BatchKey(gatewayID string, maxHLC hlc.Timestamp) string {
	return fmt.Sprintf("gw/%s/%020d-%s.ndjson", gatewayID, uint64(maxHLC), uuid.NewString())
}

// DecodeBatch parses an NDJSON batch object back into deltas.
func DecodeBatch(data []byte) ([]*delta.RowDelta, error) {
	var out []*delta.RowDelta
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		d, err := delta.Decode(line)
		if err != nil {
			return nil, fmt.Errorf("decode batch line: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}
