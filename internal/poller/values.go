// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package poller

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/lakesync/lakesync/internal/delta"
)

// normalizeValue maps driver-specific types onto the JSON-stable set so
// diffing against a restored (JSON round-tripped) snapshot is exact.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// toFloat extracts a numeric cursor value.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case time.Time:
		return float64(x.UnixMilli()), true
	default:
		return 0, false
	}
}

// stringValue renders a row identifier.
func stringValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return fmt.Sprintf("%v", normalizeValue(x)), true
	}
}

// changedColumns returns the columns of current whose value differs from
// prior. Columns dropped from current are ignored; sources do not shrink
// their select lists mid-stream.
func changedColumns(prior, current map[string]any) map[string]any {
	out := make(map[string]any)
	for name, value := range current {
		if old, ok := prior[name]; !ok || !reflect.DeepEqual(old, value) {
			out[name] = value
		}
	}
	return out
}

// sortedColumns converts a column map into the ordered slice form, sorted
// by name so content ids are stable.
func sortedColumns(columns map[string]any) []delta.Column {
	if len(columns) == 0 {
		return nil
	}
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]delta.Column, len(names))
	for i, name := range names {
		out[i] = delta.Column{Name: name, Value: columns[name]}
	}
	return out
}
