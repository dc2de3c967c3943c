// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import "fmt"

// valueDimension accumulates one dimension's running sum for the current
// bucket plus the condition key it was most recently attributed to.
type valueDimension struct {
	sum       float64
	condition HashableDimensionKey
	hasValue  bool
}

// ValueMetricProducer sums a pulled or pushed numeric field per dimension,
// per bucket, while its condition holds (spec.md §4.5 "Value").
type ValueMetricProducer struct {
	Base

	current map[HashableDimensionKey]*valueDimension
	past    []ValueBucketValue

	valueField FieldValueMatcher
	puller     Puller
	pulledAtom int32
}

func NewValueMetricProducer(metricID int64, configKey string, timeBaseNs, bucketSizeNs int64, conditionIndex int, valueField FieldValueMatcher, puller Puller, pulledAtom int32) *ValueMetricProducer {
	return &ValueMetricProducer{
		Base:       newBase(KindValue, metricID, configKey, timeBaseNs, bucketSizeNs, conditionIndex),
		current:    map[HashableDimensionKey]*valueDimension{},
		valueField: valueField,
		puller:     puller,
		pulledAtom: pulledAtom,
	}
}

func (p *ValueMetricProducer) dimensionKey(ev *Event) HashableDimensionKey {
	if len(p.WhatFields) == 0 {
		return DefaultKey
	}
	parts := make([]DimensionPart, 0, len(p.WhatFields))
	for _, fm := range p.WhatFields {
		fields := ev.FieldsAtDepth(fm.Path)
		if len(fields) == 0 {
			continue
		}
		parts = append(parts, DimensionPart{Path: fm.Path, Value: fields[0].Value})
	}
	return NewDimensionKey(parts)
}

func (p *ValueMetricProducer) extractValue(ev *Event) (float64, bool) {
	fields := ev.FieldsAtDepth(p.valueField.Path)
	if len(fields) == 0 {
		return 0, false
	}
	v := fields[0].Value
	switch v.Kind {
	case ValueInt32, ValueInt64:
		iv, _ := v.AsInt64()
		return float64(iv), true
	case ValueFloat:
		return v.F64, true
	default:
		return 0, false
	}
}

func (p *ValueMetricProducer) OnMatchedLogEvent(matcherIndex int, ev *Event) {
	p.Lock()
	defer p.Unlock()
	if matcherIndex != p.MatcherIdx {
		return
	}
	if !p.IsActive(ev.TimestampNs) || !p.acceptEvent(ev.TimestampNs) {
		return
	}
	p.flushIfNeededLocked(ev.TimestampNs)
	if !p.conditionMet() {
		return
	}
	value, ok := p.extractValue(ev)
	if !ok {
		return
	}

	key := p.dimensionKey(ev)
	d, present := p.current[key]
	if !p.checkGuardrail(len(p.current), present) {
		return
	}
	if !present {
		d = &valueDimension{}
		p.current[key] = d
	}
	d.sum += value
	d.hasValue = true
}

func (p *ValueMetricProducer) pullIfConfiguredLocked(eventTimeNs int64) {
	if p.puller == nil || !p.puller.PullerExists(p.pulledAtom) {
		return
	}
	events, ok := p.puller.Pull(p.pulledAtom)
	if !ok {
		return
	}
	for _, ev := range events {
		value, ok := p.extractValue(&ev)
		if !ok {
			continue
		}
		key := p.dimensionKey(&ev)
		d, present := p.current[key]
		if !p.checkGuardrail(len(p.current), present) {
			continue
		}
		if !present {
			d = &valueDimension{}
			p.current[key] = d
		}
		d.sum += value
		d.hasValue = true
	}
}

func (p *ValueMetricProducer) OnConditionChanged(conditionIndex int, newCondition ConditionState, timestampNs int64) {
	if conditionIndex != p.ConditionTrackerIndex {
		return
	}
	p.Lock()
	if newCondition == ConditionTrue {
		p.pullIfConfiguredLocked(timestampNs)
	}
	p.Unlock()
	p.onConditionChanged(newCondition)
}

func (p *ValueMetricProducer) OnSlicedConditionMayChange(timestampNs int64) {}

func (p *ValueMetricProducer) FlushIfNeeded(eventTimeNs int64) {
	p.Lock()
	defer p.Unlock()
	p.flushIfNeededLocked(eventTimeNs)
}

func (p *ValueMetricProducer) flushIfNeededLocked(eventTimeNs int64) {
	n := p.advanceBucketLocked(eventTimeNs)
	if n == 0 {
		return
	}
	if p.conditionMet() {
		p.pullIfConfiguredLocked(eventTimeNs)
	}
	p.flushCurrentBucketLocked()
}

func (p *ValueMetricProducer) flushCurrentBucketLocked() {
	startNs := p.CurrentBucketStartNs - p.BucketSizeNs
	endNs := p.CurrentBucketStartNs
	values := make(map[HashableDimensionKey]int64, len(p.current))
	for key, d := range p.current {
		if !d.hasValue {
			continue
		}
		p.past = append(p.past, ValueBucketValue{Key: key, Condition: d.condition, StartNs: startNs, EndNs: endNs, Value: d.sum})
		values[key] = int64(d.sum)
	}
	for _, t := range p.anomalyTrackers {
		t.DetectAndDeclare(endNs, p.CurrentBucketNum-1, p.ConfigKey, values)
		t.AddPastBucket(values, p.CurrentBucketNum-1)
	}
	p.current = map[HashableDimensionKey]*valueDimension{}
}

func (p *ValueMetricProducer) OnDumpReport(dumpTimeNs int64, latency DumpLatency) Report {
	p.Lock()
	defer p.Unlock()
	if latency == NoTimeConstraints {
		p.flushIfNeededLocked(dumpTimeNs)
	}
	r := Report{MetricID: p.MetricID, ConfigKey: p.ConfigKey, Kind: KindValue, Value: p.past, DroppedDimensions: p.DroppedDimensions}
	p.past = nil
	return r
}

func (p *ValueMetricProducer) NotifyAppUpgrade(uid int32, timestampNs int64) {
	p.Lock()
	defer p.Unlock()
	p.flushCurrentBucketLocked()
	p.CurrentBucketStartNs = timestampNs
}

func (p *ValueMetricProducer) NotifyAppRemoved(uid int32, timestampNs int64) {
	p.NotifyAppUpgrade(uid, timestampNs)
}

func (p *ValueMetricProducer) DropData(dropTimeNs int64) {
	p.Lock()
	defer p.Unlock()
	p.current = map[HashableDimensionKey]*valueDimension{}
	p.past = nil
}

func (p *ValueMetricProducer) DumpState(verbose bool) string {
	p.Lock()
	defer p.Unlock()
	if !verbose {
		return "ValueMetricProducer"
	}
	return fmt.Sprintf("ValueMetricProducer: dimensions=%d dropped=%d", len(p.current), p.DroppedDimensions)
}

func (p *ValueMetricProducer) ByteSize() int {
	p.Lock()
	defer p.Unlock()
	return len(p.current)*32 + len(p.past)*40
}
