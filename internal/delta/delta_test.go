// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package delta

import (
	"testing"

	"github.com/lakesync/lakesync/internal/hlc"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		delta   RowDelta
		wantErr bool
	}{
		{
			name:  "valid insert",
			delta: RowDelta{DeltaID: "d1", Table: "todos", RowID: "r1", Op: OpInsert, Columns: []Column{{Name: "title", Value: "a"}}},
		},
		{
			name:  "valid delete without columns",
			delta: RowDelta{DeltaID: "d2", Table: "todos", RowID: "r1", Op: OpDelete},
		},
		{
			name:    "missing deltaId",
			delta:   RowDelta{Table: "todos", RowID: "r1", Op: OpInsert},
			wantErr: true,
		},
		{
			name:    "missing table",
			delta:   RowDelta{DeltaID: "d3", RowID: "r1", Op: OpInsert},
			wantErr: true,
		},
		{
			name:    "missing rowId",
			delta:   RowDelta{DeltaID: "d4", Table: "todos", Op: OpInsert},
			wantErr: true,
		},
		{
			name:    "bad op",
			delta:   RowDelta{DeltaID: "d5", Table: "todos", RowID: "r1", Op: "UPSERT"},
			wantErr: true,
		},
		{
			name:    "delete with columns",
			delta:   RowDelta{DeltaID: "d6", Table: "todos", RowID: "r1", Op: OpDelete, Columns: []Column{{Name: "x", Value: 1}}},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.delta.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := &RowDelta{
		DeltaID:  "d1",
		Table:    "todos",
		RowID:    "row-1",
		ClientID: "c1",
		Op:       OpUpdate,
		Columns:  []Column{{Name: "title", Value: "a"}, {Name: "done", Value: true}},
		HLC:      hlc.New(1700000000000, 3),
	}

	data, err := in.Encode()
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}

	if out.DeltaID != in.DeltaID || out.Table != in.Table || out.RowID != in.RowID || out.HLC != in.HLC {
		t.Errorf("round trip mismatch: got %+v", out)
	}
	if len(out.Columns) != 2 || out.Columns[0].Name != "title" || out.Columns[1].Name != "done" {
		t.Errorf("column order not preserved: %+v", out.Columns)
	}
}

func TestContentIDStable(t *testing.T) {
	ts := hlc.New(100, 0)
	cols := []Column{{Name: "title", Value: "a"}}

	a := ContentID("todos", "r1", ts, OpInsert, cols)
	b := ContentID("todos", "r1", ts, OpInsert, cols)
	if a != b {
		t.Errorf("same content produced different IDs: %s vs %s", a, b)
	}

	c := ContentID("todos", "r2", ts, OpInsert, cols)
	if a == c {
		t.Error("different rows produced the same ID")
	}
	d := ContentID("todos", "r1", ts, OpDelete, nil)
	if a == d {
		t.Error("different ops produced the same ID")
	}
}

func TestSortByHLC(t *testing.T) {
	deltas := []*RowDelta{
		{DeltaID: "b", HLC: hlc.New(100, 1)},
		{DeltaID: "c", HLC: hlc.New(99, 5)},
		{DeltaID: "a", HLC: hlc.New(100, 1)},
		{DeltaID: "d", HLC: hlc.New(101, 0)},
	}

	SortByHLC(deltas)

	want := []string{"c", "a", "b", "d"}
	for i, id := range want {
		if deltas[i].DeltaID != id {
			t.Fatalf("position %d = %s, want %s", i, deltas[i].DeltaID, id)
		}
	}
}

func TestDedupeByID(t *testing.T) {
	deltas := []*RowDelta{
		{DeltaID: "a", Table: "first"},
		{DeltaID: "b"},
		{DeltaID: "a", Table: "second"},
	}

	out := DedupeByID(deltas)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Table != "first" {
		t.Error("dedupe did not keep first occurrence")
	}
}
