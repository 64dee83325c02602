// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package syncrules evaluates bucket filters deciding which deltas a client
// may observe. Evaluation is pure: the same (delta, claims, rules) input
// always yields the same answer.
package syncrules

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lakesync/lakesync/internal/auth"
	"github.com/lakesync/lakesync/internal/delta"
)

// Filter operators.
const (
	OpEq  = "eq"
	OpNeq = "neq"
	OpIn  = "in"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
)

// claimPrefix marks filter values resolved from the client's claims.
const claimPrefix = "claim:"

// Rules is the versioned sync-rules document saved by administrators.
type Rules struct {
	Version int      `json:"version" validate:"gte=0"`
	Buckets []Bucket `json:"buckets" validate:"dive"`
}

// Bucket names a subset of tables plus a filter conjunction. A delta is
// visible iff at least one bucket matches.
type Bucket struct {
	Name    string   `json:"name" validate:"required"`
	Tables  []string `json:"tables" validate:"min=1,dive,required"`
	Filters []Filter `json:"filters" validate:"dive"`
}

// Filter is one predicate over a delta column. Value may be a literal or a
// "claim:<name>" reference resolved at evaluation time.
type Filter struct {
	Column string `json:"column" validate:"required"`
	Op     string `json:"op" validate:"required,oneof=eq neq in gt gte lt lte"`
	Value  any    `json:"value"`
}

var validate = validator.New()

// Validate checks the document's structural constraints.
func (r *Rules) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("sync rules: %w", err)
	}
	return nil
}

// Empty reports whether the document has no buckets, meaning allow-all.
func (r *Rules) Empty() bool {
	return r == nil || len(r.Buckets) == 0
}

// Allowed reports whether the delta is visible to a client with the given
// claims. Nil or empty rules allow everything. Missing columns fail the
// predicate (fail-closed).
func (r *Rules) Allowed(d *delta.RowDelta, claims *auth.Claims) bool {
	if r.Empty() {
		return true
	}
	for i := range r.Buckets {
		if r.Buckets[i].matches(d, claims) {
			return true
		}
	}
	return false
}

// FilterDeltas returns the subset of deltas visible to the claims, in input
// order.
func (r *Rules) FilterDeltas(deltas []*delta.RowDelta, claims *auth.Claims) []*delta.RowDelta {
	if r.Empty() {
		return deltas
	}
	out := make([]*delta.RowDelta, 0, len(deltas))
	for _, d := range deltas {
		if r.Allowed(d, claims) {
			out = append(out, d)
		}
	}
	return out
}

func (b *Bucket) matches(d *delta.RowDelta, claims *auth.Claims) bool {
	if !containsString(b.Tables, d.Table) {
		return false
	}
	for i := range b.Filters {
		if !b.Filters[i].satisfied(d, claims) {
			return false
		}
	}
	return true
}

func (f *Filter) satisfied(d *delta.RowDelta, claims *auth.Claims) bool {
	columnValue, present := d.Column(f.Column)
	if !present {
		return false
	}

	value, resolved := resolveValue(f.Value, claims)
	if !resolved {
		return false
	}

	switch f.Op {
	case OpEq:
		return equal(columnValue, value)
	case OpNeq:
		return !equal(columnValue, value)
	case OpIn:
		return contains(value, columnValue)
	case OpGt, OpGte, OpLt, OpLte:
		return compareOrdered(f.Op, columnValue, value)
	}
	return false
}

// resolveValue replaces "claim:<name>" strings with the claim's value.
// An unresolvable claim reference fails closed.
func resolveValue(v any, claims *auth.Claims) (any, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, claimPrefix) {
		return v, true
	}
	if claims == nil {
		return nil, false
	}
	return claims.Resolve(strings.TrimPrefix(s, claimPrefix))
}

// equal compares scalars, treating all JSON numbers as float64.
func equal(a, b any) bool {
	af, aNum := asNumber(a)
	bf, bNum := asNumber(b)
	if aNum && bNum {
		return af == bf
	}
	return a == b
}

// contains reports whether list (a JSON array or claim string-list)
// contains item.
func contains(list, item any) bool {
	switch l := list.(type) {
	case []any:
		for _, candidate := range l {
			if equal(candidate, item) {
				return true
			}
		}
	case []string:
		s, ok := item.(string)
		if !ok {
			return false
		}
		return containsString(l, s)
	}
	return false
}

// compareOrdered applies an ordering operator. Numbers compare numerically,
// strings lexicographically; mixed types fail closed.
func compareOrdered(op string, a, b any) bool {
	if af, ok := asNumber(a); ok {
		bf, ok := asNumber(b)
		if !ok {
			return false
		}
		return applyOrder(op, compareFloat(af, bf))
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return false
	}
	return applyOrder(op, strings.Compare(as, bs))
}

func applyOrder(op string, cmp int) bool {
	switch op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func containsString(list []string, s string) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
