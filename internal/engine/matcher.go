// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import "fmt"

// MatchingState is the memoized per-event, per-matcher-node result.
type MatchingState int8

const (
	NotComputed MatchingState = iota
	Matched
	NotMatched
)

// LogicalOp is the combination operator shared by AtomMatcher and
// ConditionTracker combination nodes.
type LogicalOp int8

const (
	OpAND LogicalOp = iota
	OpOR
	OpNOT
	OpNAND
	OpNOR
)

func (op LogicalOp) String() string {
	switch op {
	case OpAND:
		return "AND"
	case OpOR:
		return "OR"
	case OpNOT:
		return "NOT"
	case OpNAND:
		return "NAND"
	case OpNOR:
		return "NOR"
	default:
		return "UNKNOWN"
	}
}

// Selector is a positional refinement over a field's sibling range.
type Selector int8

const (
	SelectorNone Selector = iota
	SelectorFirst
	SelectorLast
	SelectorAny
	SelectorAll // rejected at build time, see builder.go
)

// FieldMatchOp is the single constraint kind a FieldValueMatcher carries.
type FieldMatchOp uint8

const (
	OpEqBool FieldMatchOp = iota
	OpEqInt
	OpLtInt
	OpGtInt
	OpLteInt
	OpGteInt
	OpLtFloat
	OpGtFloat
	OpEqString
	OpEqAnyString
	OpNeqAnyString
	OpMatchesTuple
)

// FieldValueMatcher constrains a single field of an atom.
type FieldValueMatcher struct {
	Path     FieldPath
	Selector Selector
	Op       FieldMatchOp

	BoolVal  bool
	IntVal   int64
	FloatVal float64
	StrVal   string
	StrSet   []string

	// IsUID marks that, for OpEqString/OpEqAnyString/OpNeqAnyString, the
	// integer field should first be resolved through the package database
	// (or the symbolic AID_* table) to a set of names before comparison.
	IsUID bool

	// Tuple holds the child matchers for OpMatchesTuple, evaluated one
	// depth deeper than Path.
	Tuple []FieldValueMatcher
}

// MatcherKind tags an AtomMatcherNode as a leaf or a logical combination.
type MatcherKind uint8

const (
	MatcherLeaf MatcherKind = iota
	MatcherCombination
)

// AtomMatcherNode is one node of the C1 AtomMatcher graph, addressed by a
// stable integer index. Child references are indices, not pointers, so the
// whole graph is a flat, cycle-checkable array.
type AtomMatcherNode struct {
	Index int
	Name  string
	Kind  MatcherKind

	// Leaf fields.
	AtomID int32
	Fields []FieldValueMatcher

	// Combination fields.
	Op       LogicalOp
	Children []int

	// AtomIDs is the set of atom ids this node (and, for combinations, all
	// its descendants) cares about. Leaves: singleton. Combinations: union.
	AtomIDs map[int32]struct{}
}

// Matchers owns the full flat AtomMatcher array for one installed config and
// evaluates events against it with per-event memoization.
type Matchers struct {
	nodes []*AtomMatcherNode
	pkgDB PackageDB
}

// NewCache allocates a fresh per-event memoization slice.
func (m *Matchers) NewCache() []MatchingState {
	c := make([]MatchingState, len(m.nodes))
	return c
}

// NodeCount reports how many matcher nodes are installed.
func (m *Matchers) NodeCount() int { return len(m.nodes) }

// Node exposes a matcher node for callers (builder, tests, combination
// condition evaluation) that need to read its static shape.
func (m *Matchers) Node(index int) *AtomMatcherNode { return m.nodes[index] }

// Evaluate returns the memoized match result for node index against ev,
// computing and caching it if this is the first request this event.
func (m *Matchers) Evaluate(index int, ev *Event, cache []MatchingState) MatchingState {
	if cache[index] != NotComputed {
		return cache[index]
	}
	node := m.nodes[index]
	var result MatchingState
	if node.Kind == MatcherLeaf {
		result = m.evalLeaf(node, ev)
	} else {
		result = m.evalCombination(node, ev, cache)
	}
	cache[index] = result
	return result
}

func (m *Matchers) evalLeaf(node *AtomMatcherNode, ev *Event) MatchingState {
	if ev.AtomID != node.AtomID {
		return NotMatched
	}
	for _, fm := range node.Fields {
		if !m.matchField(fm, ev) {
			return NotMatched
		}
	}
	return Matched
}

func (m *Matchers) evalCombination(node *AtomMatcherNode, ev *Event, cache []MatchingState) MatchingState {
	switch node.Op {
	case OpAND:
		for _, c := range node.Children {
			if m.Evaluate(c, ev, cache) != Matched {
				return NotMatched
			}
		}
		return Matched
	case OpOR:
		for _, c := range node.Children {
			if m.Evaluate(c, ev, cache) == Matched {
				return Matched
			}
		}
		return NotMatched
	case OpNOT:
		// Build-time validation guarantees exactly one child.
		if m.Evaluate(node.Children[0], ev, cache) == Matched {
			return NotMatched
		}
		return Matched
	case OpNAND:
		for _, c := range node.Children {
			if m.Evaluate(c, ev, cache) != Matched {
				return Matched
			}
		}
		return NotMatched
	case OpNOR:
		for _, c := range node.Children {
			if m.Evaluate(c, ev, cache) == Matched {
				return NotMatched
			}
		}
		return Matched
	default:
		return NotMatched
	}
}

func (m *Matchers) matchField(fm FieldValueMatcher, ev *Event) bool {
	fields := ev.FieldsAtDepth(fm.Path)
	if len(fields) == 0 {
		return false
	}

	if fm.Op == OpMatchesTuple {
		// Tuple child matchers carry their own fully-qualified, one-deeper
		// FieldPath, so they recurse directly against the same event.
		for _, child := range fm.Tuple {
			if !m.matchField(child, ev) {
				return false
			}
		}
		return true
	}

	switch fm.Selector {
	case SelectorFirst:
		for _, f := range fields {
			if f.Position == 1 {
				return m.evalOp(fm, f.Value)
			}
		}
		return false
	case SelectorLast:
		for _, f := range fields {
			if f.Last {
				return m.evalOp(fm, f.Value)
			}
		}
		return false
	case SelectorAny:
		for _, f := range fields {
			if m.evalOp(fm, f.Value) {
				return true
			}
		}
		return false
	case SelectorAll:
		// Rejected at build time (spec.md §9 Open Questions): Position::ALL
		// is unsupported for value matchers. Kept here only so a
		// programmatically-constructed graph that skips the builder fails
		// closed rather than silently matching everything.
		return false
	default:
		// No positional selector: the field is expected to be singleton;
		// evaluate against the first occurrence.
		return m.evalOp(fm, fields[0].Value)
	}
}

func (m *Matchers) evalOp(fm FieldValueMatcher, v FieldValue) bool {
	switch fm.Op {
	case OpEqBool:
		return v.Kind == ValueBool && v.Bool == fm.BoolVal
	case OpEqInt:
		iv, ok := v.AsInt64()
		return ok && iv == fm.IntVal
	case OpLtInt:
		iv, ok := v.AsInt64()
		return ok && iv < fm.IntVal
	case OpGtInt:
		iv, ok := v.AsInt64()
		return ok && iv > fm.IntVal
	case OpLteInt:
		iv, ok := v.AsInt64()
		return ok && iv <= fm.IntVal
	case OpGteInt:
		iv, ok := v.AsInt64()
		return ok && iv >= fm.IntVal
	case OpLtFloat:
		return v.Kind == ValueFloat && v.F64 < fm.FloatVal
	case OpGtFloat:
		return v.Kind == ValueFloat && v.F64 > fm.FloatVal
	case OpEqString:
		if fm.IsUID {
			names, ok := m.resolveUID(v)
			if !ok {
				return false
			}
			return names.Contains(fm.StrVal)
		}
		return v.Kind == ValueString && v.Str == fm.StrVal
	case OpEqAnyString:
		if fm.IsUID {
			names, ok := m.resolveUID(v)
			if !ok {
				return false
			}
			for _, want := range fm.StrSet {
				if names.Contains(want) {
					return true
				}
			}
			return false
		}
		for _, want := range fm.StrSet {
			if v.Kind == ValueString && v.Str == want {
				return true
			}
		}
		return false
	case OpNeqAnyString:
		if fm.IsUID {
			names, ok := m.resolveUID(v)
			if !ok {
				return false
			}
			for _, want := range fm.StrSet {
				if names.Contains(want) {
					return false
				}
			}
			return true
		}
		for _, want := range fm.StrSet {
			if v.Kind == ValueString && v.Str == want {
				return false
			}
		}
		return true
	case OpMatchesTuple:
		return false // handled one level up, see matchField
	default:
		return false
	}
}

// resolveUID maps an integer uid field to its known package names via the
// injected PackageDB, falling back to the fixed AID_* symbolic table.
func (m *Matchers) resolveUID(v FieldValue) (StringSet, bool) {
	uid, ok := v.AsInt64()
	if !ok {
		return nil, false
	}
	names := StringSet{}
	if m.pkgDB != nil {
		for n := range m.pkgDB.AppNamesFromUID(int32(uid), true) {
			names[n] = struct{}{}
		}
	}
	if name, ok := aidNameForUID(int32(uid)); ok {
		names[name] = struct{}{}
	}
	return names, true
}

// StringSet is a minimal set-of-strings used for package name resolution.
type StringSet map[string]struct{}

func (s StringSet) Contains(v string) bool {
	_, ok := s[v]
	return ok
}

// PackageDB is the external package/UID database consumed by UID-marked
// string matchers (spec.md §6).
type PackageDB interface {
	AppNamesFromUID(uid int32, normalize bool) StringSet
}

// aidTable is the fixed symbolic table of well-known Android-style AIDs,
// mirroring the small built-in set statsd resolves without consulting the
// package database.
var aidTable = map[int32]string{
	0:    "AID_ROOT",
	1000: "AID_SYSTEM",
	1001: "AID_RADIO",
	1013: "AID_MEDIA",
	2000: "AID_SHELL",
	9999: "AID_NOBODY",
}

func aidNameForUID(uid int32) (string, bool) {
	name, ok := aidTable[uid]
	return name, ok
}

// validateFieldMatcher enforces the depth cap recursively; used by builder.go.
func validateFieldMatcher(fm FieldValueMatcher, depth int) error {
	if len(fm.Path) > MaxFieldDepth {
		return fmt.Errorf("field path %s exceeds max depth %d", fm.Path, MaxFieldDepth)
	}
	if fm.Selector == SelectorAll {
		return fmt.Errorf("field path %s: Position ALL is not supported for value matchers", fm.Path)
	}
	if fm.Op == OpMatchesTuple {
		if depth+1 > 2 {
			return fmt.Errorf("field path %s: matches_tuple nesting exceeds depth 2", fm.Path)
		}
		for _, child := range fm.Tuple {
			if err := validateFieldMatcher(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
