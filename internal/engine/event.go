// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package engine implements the metric evaluation core: matchers, conditions,
// metric producers, duration trackers, anomaly trackers and the config
// builder that wires them into an executable pipeline.
package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxFieldDepth is the deepest a FieldPath or a matches_tuple nesting may go.
// Depth 3 is accepted, depth 4 is rejected at parse (spec.md §8).
const MaxFieldDepth = 3

// ValueKind tags the storage type carried by a FieldValue.
type ValueKind uint8

const (
	ValueInt32 ValueKind = iota
	ValueInt64
	ValueFloat
	ValueString
	ValueBool
)

// FieldValue is a tagged union over the value types an atom field can carry.
type FieldValue struct {
	Kind  ValueKind
	I32   int32
	I64   int64
	F64   float64
	Str   string
	Bool  bool
}

func Int32Value(v int32) FieldValue  { return FieldValue{Kind: ValueInt32, I32: v} }
func Int64Value(v int64) FieldValue  { return FieldValue{Kind: ValueInt64, I64: v} }
func FloatValue(v float64) FieldValue { return FieldValue{Kind: ValueFloat, F64: v} }
func StringValue(v string) FieldValue { return FieldValue{Kind: ValueString, Str: v} }
func BoolValue(v bool) FieldValue     { return FieldValue{Kind: ValueBool, Bool: v} }

// AsInt64 widens int32/int64 fields to a common comparable width. The second
// return value is false for non-integer kinds.
func (v FieldValue) AsInt64() (int64, bool) {
	switch v.Kind {
	case ValueInt32:
		return int64(v.I32), true
	case ValueInt64:
		return v.I64, true
	default:
		return 0, false
	}
}

func (v FieldValue) String() string {
	switch v.Kind {
	case ValueInt32:
		return strconv.FormatInt(int64(v.I32), 10)
	case ValueInt64:
		return strconv.FormatInt(v.I64, 10)
	case ValueFloat:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case ValueString:
		return v.Str
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// FieldPath identifies a field's position in a nested atom schema. Depth is
// len(FieldPath); the spec caps it at MaxFieldDepth.
type FieldPath []int32

func (p FieldPath) String() string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.FormatInt(int64(v), 10)
	}
	return strings.Join(parts, ".")
}

func (p FieldPath) Equal(o FieldPath) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether p starts with the depth-limited prefix q.
func (p FieldPath) HasPrefix(q FieldPath) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// Field is one value within an Event's field sequence, sorted in DFS order.
type Field struct {
	Path FieldPath
	// Position is this field's 1-based index among its siblings sharing the
	// same parent path and field name; used by the FIRST/LAST/ANY selectors.
	Position int32
	// Last marks the highest Position among the siblings; LAST keeps only
	// fields with Last == true.
	Last  bool
	Value FieldValue
}

// Event is an immutable pushed atom.
type Event struct {
	AtomID      int32
	TimestampNs int64
	UID         int32
	PID         int32
	Fields      []Field
}

// FieldsAtDepth returns the first contiguous run of e.Fields whose path
// equals path exactly. Fields are sorted DFS, so all such fields form one
// contiguous slice.
func (e Event) FieldsAtDepth(path FieldPath) []Field {
	start := -1
	end := len(e.Fields)
	for i, f := range e.Fields {
		match := f.Path.Equal(path)
		if match && start == -1 {
			start = i
		}
		if start != -1 && !match {
			end = i
			break
		}
	}
	if start == -1 {
		return nil
	}
	return e.Fields[start:end]
}

// DimensionPart is one (path, value) component of a HashableDimensionKey.
type DimensionPart struct {
	Path  FieldPath
	Value FieldValue
}

// HashableDimensionKey is a canonical, comparable encoding of an ordered
// sequence of (field path, value) pairs. Two keys built from the same
// sequence of parts always compare and hash equal because Go map/struct
// equality and encoding/fmt formatting are deterministic over this string.
type HashableDimensionKey string

// DefaultKey represents "no dimensioning".
const DefaultKey HashableDimensionKey = ""

// NewDimensionKey builds a HashableDimensionKey from an ordered part list.
// Order matters: callers must supply parts in a stable, repeatable order
// (e.g. the order the dimensioning FieldMatchers were declared in).
func NewDimensionKey(parts []DimensionPart) HashableDimensionKey {
	if len(parts) == 0 {
		return DefaultKey
	}
	var b strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&b, "%s=%d:%s\x1f", p.Path.String(), p.Value.Kind, p.Value.String())
	}
	return HashableDimensionKey(b.String())
}

// MetricDimensionKey pairs a metric's "what" dimension key with its
// "condition" dimension key (which may be DefaultKey).
type MetricDimensionKey struct {
	What      HashableDimensionKey
	Condition HashableDimensionKey
}
