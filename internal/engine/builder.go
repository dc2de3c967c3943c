// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/statsengine/statsengine/internal/elog"
)

// Installed is the fully wired result of Build: the flat matcher/condition
// arrays plus the live producers ready to receive events (spec.md §4.8).
type Installed struct {
	Matchers   *Matchers
	Conditions *Conditions
	Wizard     *ConditionWizard
	Producers  []MetricProducer

	// matcherIndexToConditions maps a matcher index to every condition
	// index that depends on it, so the dispatcher only evaluates the
	// conditions an incoming event could possibly affect.
	MatcherIndexToConditions map[int][]int
	// matcherIndexToProducers maps a matcher index to every producer that
	// listens directly on it (the metric's own what/start/stop/stopAll
	// matcher), independent of condition gating.
	MatcherIndexToProducers map[int][]MetricProducer

	NoReportMetricIDs map[int64]struct{}
}

// Builder parses and installs one ConfigKey's declarative ConfigDoc
// (spec.md §4.8 "ConfigParser/Builder"). It builds in several passes:
// matchers, conditions, alert configs, producers (with their anomaly
// trackers), then activations. The document's alarms are not read.
type Builder struct {
	pkgDB  PackageDB
	puller Puller
	monitor AlarmMonitor
}

func NewBuilder(pkgDB PackageDB, puller Puller, monitor AlarmMonitor) *Builder {
	return &Builder{pkgDB: pkgDB, puller: puller, monitor: monitor}
}

// Build installs doc and returns the wired runtime, or an error naming the
// first structural problem found (unresolved name, cycle, depth violation,
// unsupported selector, or an alert naming an unknown metric) — spec.md §7
// "Build-time validation failures reject the whole config". An alert that
// NewAnomalyTracker rejects is logged and dropped without failing the build.
func (b *Builder) Build(doc *ConfigDoc) (*Installed, error) {
	matcherIndex := map[string]int{}
	nodes := make([]*AtomMatcherNode, len(doc.Matchers))
	for i, md := range doc.Matchers {
		if _, dup := matcherIndex[md.Name]; dup {
			return nil, fmt.Errorf("duplicate matcher name %q", md.Name)
		}
		matcherIndex[md.Name] = i
	}
	for i, md := range doc.Matchers {
		node, err := buildMatcherNode(i, md, matcherIndex)
		if err != nil {
			return nil, err
		}
		nodes[i] = node
	}
	if err := detectMatcherCycles(nodes); err != nil {
		return nil, err
	}
	computeMatcherAtomIDs(nodes)

	matchers := &Matchers{nodes: nodes, pkgDB: b.pkgDB}

	condIndex := map[string]int{}
	condNodes := make([]*ConditionTrackerNode, len(doc.Conditions))
	for i, cd := range doc.Conditions {
		if _, dup := condIndex[cd.Name]; dup {
			return nil, fmt.Errorf("duplicate condition name %q", cd.Name)
		}
		condIndex[cd.Name] = i
	}
	for i, cd := range doc.Conditions {
		node, err := buildConditionNode(i, cd, matcherIndex, condIndex)
		if err != nil {
			return nil, err
		}
		condNodes[i] = node
	}
	if err := detectConditionCycles(condNodes); err != nil {
		return nil, err
	}

	conditions := &Conditions{nodes: condNodes, matchers: matchers}
	wizard := NewConditionWizard(conditions)

	for _, node := range condNodes {
		if node.Kind != ConditionCombinationKind {
			continue
		}
		if !conditions.IsChangedDimensionTrackable(node.Index) {
			elog.Warnf("condition %q: not an AND combination with at most one sliced child; dimensioned queries forward the same key to every child", node.Name)
		}
	}

	alertByName := map[string]*AlertConfig{}
	for _, ad := range doc.Alerts {
		metricID, ok := findMetricID(doc.Metrics, ad.MetricName)
		if !ok {
			return nil, fmt.Errorf("alert %q: unknown metric %q", ad.Name, ad.MetricName)
		}
		alertByName[ad.Name] = &AlertConfig{
			MetricID:          metricID,
			NumBuckets:        ad.NumBuckets,
			RefractoryPeriodS: ad.RefractoryPeriodS,
			TriggerIfSumGt:    ad.TriggerIfSumGt,
			HasThreshold:      true,
		}
	}
	alertsByMetric := map[string][]*AlertConfig{}
	for _, ad := range doc.Alerts {
		alertsByMetric[ad.MetricName] = append(alertsByMetric[ad.MetricName], alertByName[ad.Name])
	}

	producers := make([]MetricProducer, 0, len(doc.Metrics))
	matcherIndexToProducers := map[int][]MetricProducer{}
	noReport := map[int64]struct{}{}

	for _, md := range doc.Metrics {
		conditionIdx := -1
		if md.Condition != "" {
			idx, ok := condIndex[md.Condition]
			if !ok {
				return nil, fmt.Errorf("metric %q: unknown condition %q", md.Name, md.Condition)
			}
			conditionIdx = idx
		}
		if md.NoReport {
			noReport[md.ID] = struct{}{}
		}

		var producer MetricProducer
		var primaryMatcher int

		switch md.Kind {
		case "count":
			wf, err := resolveFieldMatchers(md.WhatFields)
			if err != nil {
				return nil, fmt.Errorf("metric %q: %w", md.Name, err)
			}
			idx, ok := matcherIndex[md.WhatMatcher]
			if !ok {
				return nil, fmt.Errorf("metric %q: unknown what_matcher %q", md.Name, md.WhatMatcher)
			}
			primaryMatcher = idx
			p := NewCountMetricProducer(md.ID, doc.ConfigKey, doc.TimeBaseNs, md.BucketMs*1_000_000, conditionIdx, matchers, wizard, md.SliceByState)
			p.MatcherIdx = idx
			p.WhatFields = wf
			producer = p
		case "event":
			wf, err := resolveFieldMatchers(md.WhatFields)
			if err != nil {
				return nil, fmt.Errorf("metric %q: %w", md.Name, err)
			}
			idx, ok := matcherIndex[md.WhatMatcher]
			if !ok {
				return nil, fmt.Errorf("metric %q: unknown what_matcher %q", md.Name, md.WhatMatcher)
			}
			primaryMatcher = idx
			p := NewEventMetricProducer(md.ID, doc.ConfigKey, doc.TimeBaseNs, md.BucketMs*1_000_000, conditionIdx)
			p.MatcherIdx = idx
			p.WhatFields = wf
			producer = p
		case "value":
			wf, err := resolveFieldMatchers(md.WhatFields)
			if err != nil {
				return nil, fmt.Errorf("metric %q: %w", md.Name, err)
			}
			if md.ValueField == nil {
				return nil, fmt.Errorf("metric %q: value metric requires value_field", md.Name)
			}
			vf, err := buildFieldMatcher(*md.ValueField, 0)
			if err != nil {
				return nil, fmt.Errorf("metric %q: %w", md.Name, err)
			}
			idx := -1
			if md.WhatMatcher != "" {
				var ok bool
				idx, ok = matcherIndex[md.WhatMatcher]
				if !ok {
					return nil, fmt.Errorf("metric %q: unknown what_matcher %q", md.Name, md.WhatMatcher)
				}
			}
			primaryMatcher = idx
			p := NewValueMetricProducer(md.ID, doc.ConfigKey, doc.TimeBaseNs, md.BucketMs*1_000_000, conditionIdx, vf, b.puller, md.PulledAtom)
			p.MatcherIdx = idx
			p.WhatFields = wf
			producer = p
		case "gauge":
			wf, err := resolveFieldMatchers(md.WhatFields)
			if err != nil {
				return nil, fmt.Errorf("metric %q: %w", md.Name, err)
			}
			idx := -1
			if md.WhatMatcher != "" {
				var ok bool
				idx, ok = matcherIndex[md.WhatMatcher]
				if !ok {
					return nil, fmt.Errorf("metric %q: unknown what_matcher %q", md.Name, md.WhatMatcher)
				}
			}
			primaryMatcher = idx
			p := NewGaugeMetricProducer(md.ID, doc.ConfigKey, doc.TimeBaseNs, md.BucketMs*1_000_000, conditionIdx, b.puller, md.PulledAtom)
			p.MatcherIdx = idx
			p.WhatFields = wf
			producer = p
		case "duration":
			wf, err := resolveFieldMatchers(md.WhatFields)
			if err != nil {
				return nil, fmt.Errorf("metric %q: %w", md.Name, err)
			}
			cf, err := resolveFieldMatchers(md.ConditionFields)
			if err != nil {
				return nil, fmt.Errorf("metric %q: %w", md.Name, err)
			}
			startIdx, ok := matcherIndex[md.StartMatcher]
			if !ok {
				return nil, fmt.Errorf("metric %q: unknown start_matcher %q", md.Name, md.StartMatcher)
			}
			stopIdx, ok := matcherIndex[md.StopMatcher]
			if !ok {
				return nil, fmt.Errorf("metric %q: unknown stop_matcher %q", md.Name, md.StopMatcher)
			}
			stopAllIdx := -1
			if md.StopAllMatcher != "" {
				stopAllIdx, ok = matcherIndex[md.StopAllMatcher]
				if !ok {
					return nil, fmt.Errorf("metric %q: unknown stop_all_matcher %q", md.Name, md.StopAllMatcher)
				}
			}
			agg := DurationOring
			if md.AggType == "max" {
				agg = DurationMax
			}
			p := NewDurationMetricProducer(md.ID, doc.ConfigKey, doc.TimeBaseNs, md.BucketMs*1_000_000, conditionIdx, agg, startIdx, stopIdx, stopAllIdx, wizard)
			p.WhatFields = wf
			p.ConditionFields = cf
			producer = p
			matcherIndexToProducers[startIdx] = append(matcherIndexToProducers[startIdx], producer)
			matcherIndexToProducers[stopIdx] = append(matcherIndexToProducers[stopIdx], producer)
			if stopAllIdx >= 0 {
				matcherIndexToProducers[stopAllIdx] = append(matcherIndexToProducers[stopAllIdx], producer)
			}
		default:
			return nil, fmt.Errorf("metric %q: unknown kind %q", md.Name, md.Kind)
		}

		if md.Kind != "duration" && primaryMatcher >= 0 {
			matcherIndexToProducers[primaryMatcher] = append(matcherIndexToProducers[primaryMatcher], producer)
		}

		base := producerBase(producer)
		base.Lock()
		base.ProtoHash = metricHash(md)
		base.Unlock()
		for _, alert := range alertsByMetric[md.Name] {
			base.AddAnomalyTracker(*alert, b.monitor)
		}

		producers = append(producers, producer)
	}

	for _, ad := range doc.Activations {
		metricID, ok := findMetricID(doc.Metrics, ad.MetricName)
		if !ok {
			return nil, fmt.Errorf("activation: unknown metric %q", ad.MetricName)
		}
		activatorIdx, ok := matcherIndex[ad.ActivatorMatcher]
		if !ok {
			return nil, fmt.Errorf("activation: unknown activator_matcher %q", ad.ActivatorMatcher)
		}
		for _, p := range producers {
			base := producerBase(p)
			if base.MetricID != metricID {
				continue
			}
			base.Activate(activatorIdx, 0, ad.TTLSeconds*1_000_000_000, ad.OnBoot)
			matcherIndexToProducers[activatorIdx] = append(matcherIndexToProducers[activatorIdx], p)
			if ad.DeactivatorMatcher != "" {
				deactivatorIdx, ok := matcherIndex[ad.DeactivatorMatcher]
				if !ok {
					return nil, fmt.Errorf("activation: unknown deactivator_matcher %q", ad.DeactivatorMatcher)
				}
				base.LinkDeactivation(deactivatorIdx, activatorIdx)
				matcherIndexToProducers[deactivatorIdx] = append(matcherIndexToProducers[deactivatorIdx], p)
			}
		}
	}

	matcherIndexToConditions := map[int][]int{}
	for _, node := range condNodes {
		for m := range node.LogTrackerIndex {
			matcherIndexToConditions[m] = append(matcherIndexToConditions[m], node.Index)
		}
	}

	return &Installed{
		Matchers:                 matchers,
		Conditions:               conditions,
		Wizard:                   wizard,
		Producers:                producers,
		MatcherIndexToConditions: matcherIndexToConditions,
		MatcherIndexToProducers:  matcherIndexToProducers,
		NoReportMetricIDs:        noReport,
	}, nil
}

func findMetricID(metrics []MetricDoc, name string) (int64, bool) {
	for _, m := range metrics {
		if m.Name == name {
			return m.ID, true
		}
	}
	return 0, false
}

// producerBase type-asserts a MetricProducer down to its embedded *Base so
// the builder can finish wiring shared fields regardless of concrete kind.
func producerBase(p MetricProducer) *Base {
	switch v := p.(type) {
	case *CountMetricProducer:
		return &v.Base
	case *EventMetricProducer:
		return &v.Base
	case *ValueMetricProducer:
		return &v.Base
	case *GaugeMetricProducer:
		return &v.Base
	case *DurationMetricProducer:
		return &v.Base
	default:
		panic("unknown producer kind")
	}
}

func resolveFieldMatchers(docs []FieldMatcherDoc) ([]FieldValueMatcher, error) {
	out := make([]FieldValueMatcher, 0, len(docs))
	for _, d := range docs {
		fm, err := buildFieldMatcher(d, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, fm)
	}
	return out, nil
}

func buildMatcherNode(index int, md AtomMatcherDoc, names map[string]int) (*AtomMatcherNode, error) {
	node := &AtomMatcherNode{Index: index, Name: md.Name}
	if md.Op != "" {
		node.Kind = MatcherCombination
		node.Op = parseLogicalOp(md.Op)
		for _, childName := range md.Children {
			idx, ok := names[childName]
			if !ok {
				return nil, fmt.Errorf("matcher %q: unknown child %q", md.Name, childName)
			}
			node.Children = append(node.Children, idx)
		}
		if node.Op == OpNOT && len(node.Children) != 1 {
			return nil, fmt.Errorf("matcher %q: NOT requires exactly one child", md.Name)
		}
		return node, nil
	}

	node.Kind = MatcherLeaf
	node.AtomID = md.AtomID
	for _, fd := range md.Fields {
		fm, err := buildFieldMatcher(fd, 0)
		if err != nil {
			return nil, fmt.Errorf("matcher %q: %w", md.Name, err)
		}
		node.Fields = append(node.Fields, fm)
	}
	return node, nil
}

func buildFieldMatcher(d FieldMatcherDoc, depth int) (FieldValueMatcher, error) {
	fm := FieldValueMatcher{
		Path:     FieldPath(d.Path),
		Selector: parseSelector(d.Position),
		Op:       parseFieldOp(d.Op),
		BoolVal:  d.BoolVal,
		IntVal:   d.IntVal,
		FloatVal: d.FloatVal,
		StrVal:   d.StrVal,
		StrSet:   d.StrSet,
		IsUID:    d.IsUID,
	}
	for _, td := range d.Tuple {
		child, err := buildFieldMatcher(td, depth+1)
		if err != nil {
			return fm, err
		}
		fm.Tuple = append(fm.Tuple, child)
	}
	if err := validateFieldMatcher(fm, depth); err != nil {
		return fm, err
	}
	return fm, nil
}

func parseLogicalOp(s string) LogicalOp {
	switch s {
	case "OR":
		return OpOR
	case "NOT":
		return OpNOT
	case "NAND":
		return OpNAND
	case "NOR":
		return OpNOR
	default:
		return OpAND
	}
}

func parseSelector(s string) Selector {
	switch s {
	case "first":
		return SelectorFirst
	case "last":
		return SelectorLast
	case "any":
		return SelectorAny
	case "all":
		return SelectorAll
	default:
		return SelectorNone
	}
}

func parseFieldOp(s string) FieldMatchOp {
	switch s {
	case "eq_bool":
		return OpEqBool
	case "eq_int":
		return OpEqInt
	case "lt_int":
		return OpLtInt
	case "gt_int":
		return OpGtInt
	case "lte_int":
		return OpLteInt
	case "gte_int":
		return OpGteInt
	case "lt_float":
		return OpLtFloat
	case "gt_float":
		return OpGtFloat
	case "eq_string":
		return OpEqString
	case "eq_any_string":
		return OpEqAnyString
	case "neq_any_string":
		return OpNeqAnyString
	case "matches_tuple":
		return OpMatchesTuple
	default:
		return OpEqBool
	}
}

func buildConditionNode(index int, cd ConditionDoc, matcherNames map[string]int, condNames map[string]int) (*ConditionTrackerNode, error) {
	node := newConditionNode(index, cd.Name)
	if cd.Op != "" {
		node.Kind = ConditionCombinationKind
		node.Op = parseLogicalOp(cd.Op)
		for _, childName := range cd.Children {
			idx, ok := condNames[childName]
			if !ok {
				return nil, fmt.Errorf("condition %q: unknown child %q", cd.Name, childName)
			}
			node.Children = append(node.Children, idx)
		}
		return node, nil
	}

	node.Kind = ConditionSimple
	node.CountNesting = cd.CountNesting
	if cd.InitialValue == "false" {
		node.InitialValue = ConditionFalse
	} else {
		node.InitialValue = ConditionUnknown
	}
	if cd.StartMatcher != "" {
		idx, ok := matcherNames[cd.StartMatcher]
		if !ok {
			return nil, fmt.Errorf("condition %q: unknown start_matcher %q", cd.Name, cd.StartMatcher)
		}
		node.StartMatcher = idx
		node.LogTrackerIndex[idx] = struct{}{}
	}
	if cd.StopMatcher != "" {
		idx, ok := matcherNames[cd.StopMatcher]
		if !ok {
			return nil, fmt.Errorf("condition %q: unknown stop_matcher %q", cd.Name, cd.StopMatcher)
		}
		node.StopMatcher = idx
		node.LogTrackerIndex[idx] = struct{}{}
	}
	if cd.StopAllMatcher != "" {
		idx, ok := matcherNames[cd.StopAllMatcher]
		if !ok {
			return nil, fmt.Errorf("condition %q: unknown stop_all_matcher %q", cd.Name, cd.StopAllMatcher)
		}
		node.StopAllMatcher = idx
		node.LogTrackerIndex[idx] = struct{}{}
	}
	if cd.SliceField != nil {
		fm, err := buildFieldMatcher(*cd.SliceField, 0)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", cd.Name, err)
		}
		node.SliceField = &fm
	}
	return node, nil
}

// detectMatcherCycles runs a recursive DFS with an on-stack flag over the
// combination graph, rejecting any cycle rather than looping forever at
// evaluation time (spec.md §9 "Cyclic graph representation").
func detectMatcherCycles(nodes []*AtomMatcherNode) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(nodes))
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, c := range nodes[i].Children {
			switch color[c] {
			case gray:
				return fmt.Errorf("matcher %q: cycle detected through %q", nodes[i].Name, nodes[c].Name)
			case white:
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}
	for i := range nodes {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func detectConditionCycles(nodes []*ConditionTrackerNode) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(nodes))
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, c := range nodes[i].Children {
			switch color[c] {
			case gray:
				return fmt.Errorf("condition %q: cycle detected through %q", nodes[i].Name, nodes[c].Name)
			case white:
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}
	for i := range nodes {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeMatcherAtomIDs fills in AtomIDs bottom-up so combination nodes
// expose the union of atom ids their descendants could match; evaluators
// use this to skip whole subtrees an incoming event's atom id cannot touch.
func computeMatcherAtomIDs(nodes []*AtomMatcherNode) {
	var compute func(i int) map[int32]struct{}
	memo := make([]map[int32]struct{}, len(nodes))
	compute = func(i int) map[int32]struct{} {
		if memo[i] != nil {
			return memo[i]
		}
		node := nodes[i]
		set := map[int32]struct{}{}
		if node.Kind == MatcherLeaf {
			set[node.AtomID] = struct{}{}
		} else {
			for _, c := range node.Children {
				for id := range compute(c) {
					set[id] = struct{}{}
				}
			}
		}
		memo[i] = set
		node.AtomIDs = set
		return set
	}
	for i := range nodes {
		compute(i)
	}
}

// metricHash produces a stable hash of a metric's declarative shape so the
// builder can recognize an unchanged metric across a config update and
// preserve its accumulated bucket state instead of restarting it (spec.md
// §8 scenario 6 "config update preserves unaffected metrics").
func metricHash(md MetricDoc) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s|%s|%d", md.Name, md.ID, md.Kind, md.Condition, md.BucketMs)
	fmt.Fprintf(h, "|%s|%s|%s|%s", md.WhatMatcher, md.StartMatcher, md.StopMatcher, md.StopAllMatcher)
	paths := make([]string, 0, len(md.WhatFields))
	for _, f := range md.WhatFields {
		paths = append(paths, FieldPath(f.Path).String())
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(h, "|%s", p)
	}
	return h.Sum64()
}
