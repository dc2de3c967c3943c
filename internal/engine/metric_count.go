// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import "fmt"

// countDimension is one tracked "what" key's current-bucket count plus the
// condition key it was last seen with (for slice_by_state reporting).
type countDimension struct {
	count     int64
	condition HashableDimensionKey
}

// CountMetricProducer increments a per-dimension counter once per matched
// event while its condition holds (spec.md §4.5 "Count").
type CountMetricProducer struct {
	Base

	current map[HashableDimensionKey]*countDimension
	past    []CountBucketValue

	matchers      *Matchers
	conditions    *ConditionWizard
	sliceByState  bool
}

func NewCountMetricProducer(metricID int64, configKey string, timeBaseNs, bucketSizeNs int64, conditionIndex int, matchers *Matchers, conditions *ConditionWizard, sliceByState bool) *CountMetricProducer {
	return &CountMetricProducer{
		Base:         newBase(KindCount, metricID, configKey, timeBaseNs, bucketSizeNs, conditionIndex),
		current:      map[HashableDimensionKey]*countDimension{},
		matchers:     matchers,
		conditions:   conditions,
		sliceByState: sliceByState,
	}
}

func (p *CountMetricProducer) dimensionKey(ev *Event) HashableDimensionKey {
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

func (p *CountMetricProducer) OnMatchedLogEvent(matcherIndex int, ev *Event) {
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

	key := p.dimensionKey(ev)
	d, ok := p.current[key]
	if !p.checkGuardrail(len(p.current), ok) {
		return
	}
	if !ok {
		d = &countDimension{}
		if p.sliceByState {
			d.condition = DefaultKey
		}
		p.current[key] = d
	}
	d.count++
}

func (p *CountMetricProducer) OnConditionChanged(conditionIndex int, newCondition ConditionState, timestampNs int64) {
	if conditionIndex != p.ConditionTrackerIndex {
		return
	}
	p.onConditionChanged(newCondition)
}

func (p *CountMetricProducer) OnSlicedConditionMayChange(timestampNs int64) {}

func (p *CountMetricProducer) FlushIfNeeded(eventTimeNs int64) {
	p.Lock()
	defer p.Unlock()
	p.flushIfNeededLocked(eventTimeNs)
}

func (p *CountMetricProducer) flushIfNeededLocked(eventTimeNs int64) {
	n := p.advanceBucketLocked(eventTimeNs)
	if n == 0 {
		return
	}
	p.flushCurrentBucketLocked()
}

func (p *CountMetricProducer) flushCurrentBucketLocked() {
	startNs := p.CurrentBucketStartNs - p.BucketSizeNs
	endNs := p.CurrentBucketStartNs
	values := make(map[HashableDimensionKey]int64, len(p.current))
	for key, d := range p.current {
		p.past = append(p.past, CountBucketValue{Key: key, Condition: d.condition, StartNs: startNs, EndNs: endNs, Count: d.count})
		values[key] = d.count
	}
	for _, t := range p.anomalyTrackers {
		t.DetectAndDeclare(endNs, p.CurrentBucketNum-1, p.ConfigKey, values)
		t.AddPastBucket(values, p.CurrentBucketNum-1)
	}
	p.current = map[HashableDimensionKey]*countDimension{}
}

func (p *CountMetricProducer) OnDumpReport(dumpTimeNs int64, latency DumpLatency) Report {
	p.Lock()
	defer p.Unlock()
	p.flushIfNeededLocked(dumpTimeNs)
	r := Report{MetricID: p.MetricID, ConfigKey: p.ConfigKey, Kind: KindCount, Count: p.past, DroppedDimensions: p.DroppedDimensions}
	p.past = nil
	return r
}

// NotifyAppUpgrade/NotifyAppRemoved split the current partial bucket so an
// app-version boundary never straddles a reported interval (spec.md §4.4
// "Partial bucket splitting").
func (p *CountMetricProducer) NotifyAppUpgrade(uid int32, timestampNs int64) {
	p.Lock()
	defer p.Unlock()
	p.flushCurrentBucketLocked()
	p.CurrentBucketStartNs = timestampNs
}

func (p *CountMetricProducer) NotifyAppRemoved(uid int32, timestampNs int64) {
	p.NotifyAppUpgrade(uid, timestampNs)
}

func (p *CountMetricProducer) DropData(dropTimeNs int64) {
	p.Lock()
	defer p.Unlock()
	p.current = map[HashableDimensionKey]*countDimension{}
	p.past = nil
}

func (p *CountMetricProducer) DumpState(verbose bool) string {
	p.Lock()
	defer p.Unlock()
	if !verbose {
		return "CountMetricProducer"
	}
	return fmt.Sprintf("CountMetricProducer: dimensions=%d dropped=%d", len(p.current), p.DroppedDimensions)
}

func (p *CountMetricProducer) ByteSize() int {
	p.Lock()
	defer p.Unlock()
	return len(p.current)*32 + len(p.past)*40
}
