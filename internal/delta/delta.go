// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package delta defines the row-change record exchanged between clients,
// the buffer, and storage adapters.
package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/lakesync/lakesync/internal/hlc"
)

// Op is the kind of row change a delta carries.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Valid reports whether op is one of the three known operations.
func (o Op) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Column is one (name, value) pair. Order is significant: UPDATE deltas
// carry only changed columns in producer order (column-level LWW).
type Column struct {
	Name  string `json:"column"`
	Value any    `json:"value"`
}

// RowDelta is an immutable record of one row-level change.
type RowDelta struct {
	DeltaID  string        `json:"deltaId"`
	Table    string        `json:"table"`
	RowID    string        `json:"rowId"`
	ClientID string        `json:"clientId"`
	Op       Op            `json:"op"`
	Columns  []Column      `json:"columns,omitempty"`
	HLC      hlc.Timestamp `json:"hlc"`
}

// Column returns the value of the named column and whether it is present.
func (d *RowDelta) Column(name string) (any, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c.Value, true
		}
	}
	return nil, false
}

// Validate checks the fields every delta must carry before it may enter the
// buffer. DELETE deltas must not carry columns.
func (d *RowDelta) Validate() error {
	switch {
	case d.DeltaID == "":
		return fmt.Errorf("delta: missing deltaId")
	case d.Table == "":
		return fmt.Errorf("delta %s: missing table", d.DeltaID)
	case d.RowID == "":
		return fmt.Errorf("delta %s: missing rowId", d.DeltaID)
	case !d.Op.Valid():
		return fmt.Errorf("delta %s: invalid op %q", d.DeltaID, d.Op)
	case d.Op == OpDelete && len(d.Columns) > 0:
		return fmt.Errorf("delta %s: DELETE must not carry columns", d.DeltaID)
	}
	return nil
}

// Encode serializes the delta to its canonical JSON form. This is the form
// used for byte accounting, WAL persistence, and lake objects.
func (d *RowDelta) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// Decode parses a delta from its canonical JSON form.
func Decode(data []byte) (*RowDelta, error) {
	var d RowDelta
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	return &d, nil
}

// Size returns the serialized byte size used for buffer accounting.
func (d *RowDelta) Size() int {
	data, err := d.Encode()
	if err != nil {
		return 0
	}
	return len(data)
}

// ContentID derives a stable delta identifier from the delta's content
// (table, rowId, hlc, op, columns). Replayed emissions of the same change
// hash to the same ID, so the buffer's dedup makes re-emission idempotent.
func ContentID(table, rowID string, ts hlc.Timestamp, op Op, cols []Column) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s", table, rowID, uint64(ts), op)
	for _, c := range cols {
		fmt.Fprintf(h, "\x00%s=", c.Name)
		if v, err := json.Marshal(c.Value); err == nil {
			h.Write(v)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// SortByHLC orders deltas by HLC ascending, deltaId as tiebreak so output
// order is deterministic for equal timestamps from distinct producers.
func SortByHLC(deltas []*RowDelta) {
	sort.SliceStable(deltas, func(i, j int) bool {
		if deltas[i].HLC != deltas[j].HLC {
			return deltas[i].HLC < deltas[j].HLC
		}
		return deltas[i].DeltaID < deltas[j].DeltaID
	})
}

// DedupeByID removes deltas whose deltaId was already seen, preserving the
// first occurrence and input order.
func DedupeByID(deltas []*RowDelta) []*RowDelta {
	seen := make(map[string]struct{}, len(deltas))
	out := deltas[:0]
	for _, d := range deltas {
		if _, dup := seen[d.DeltaID]; dup {
			continue
		}
		seen[d.DeltaID] = struct{}{}
		out = append(out, d)
	}
	return out
}
