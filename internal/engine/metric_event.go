// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import "fmt"

// EventMetricProducer logs the raw field values of every matched event while
// its condition holds, with no aggregation (spec.md §4.5 "Event").
type EventMetricProducer struct {
	Base

	current []EventBucketValue
}

func NewEventMetricProducer(metricID int64, configKey string, timeBaseNs, bucketSizeNs int64, conditionIndex int) *EventMetricProducer {
	return &EventMetricProducer{Base: newBase(KindEvent, metricID, configKey, timeBaseNs, bucketSizeNs, conditionIndex)}
}

func (p *EventMetricProducer) dimensionKey(ev *Event) HashableDimensionKey {
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

func (p *EventMetricProducer) OnMatchedLogEvent(matcherIndex int, ev *Event) {
	p.Lock()
	defer p.Unlock()
	if matcherIndex != p.MatcherIdx {
		return
	}
	if !p.IsActive(ev.TimestampNs) || !p.acceptEvent(ev.TimestampNs) || !p.conditionMet() {
		return
	}
	p.advanceBucketLocked(ev.TimestampNs)

	key := p.dimensionKey(ev)
	tracked := 0
	seen := map[HashableDimensionKey]struct{}{}
	for _, v := range p.current {
		if _, ok := seen[v.Key]; !ok {
			seen[v.Key] = struct{}{}
			tracked++
		}
	}
	_, already := seen[key]
	if !p.checkGuardrail(tracked, already) {
		return
	}
	p.current = append(p.current, EventBucketValue{Key: key, TimestampNs: ev.TimestampNs, Fields: ev.Fields})
}

func (p *EventMetricProducer) OnConditionChanged(conditionIndex int, newCondition ConditionState, timestampNs int64) {
	if conditionIndex != p.ConditionTrackerIndex {
		return
	}
	p.onConditionChanged(newCondition)
}

func (p *EventMetricProducer) OnSlicedConditionMayChange(timestampNs int64) {}

func (p *EventMetricProducer) FlushIfNeeded(eventTimeNs int64) {
	p.Lock()
	defer p.Unlock()
	p.advanceBucketLocked(eventTimeNs)
}

func (p *EventMetricProducer) OnDumpReport(dumpTimeNs int64, latency DumpLatency) Report {
	p.Lock()
	defer p.Unlock()
	p.advanceBucketLocked(dumpTimeNs)
	r := Report{MetricID: p.MetricID, ConfigKey: p.ConfigKey, Kind: KindEvent, Event: p.current, DroppedDimensions: p.DroppedDimensions}
	p.current = nil
	return r
}

func (p *EventMetricProducer) NotifyAppUpgrade(uid int32, timestampNs int64) {}
func (p *EventMetricProducer) NotifyAppRemoved(uid int32, timestampNs int64) {}

func (p *EventMetricProducer) DropData(dropTimeNs int64) {
	p.Lock()
	defer p.Unlock()
	p.current = nil
}

func (p *EventMetricProducer) DumpState(verbose bool) string {
	p.Lock()
	defer p.Unlock()
	if !verbose {
		return "EventMetricProducer"
	}
	return fmt.Sprintf("EventMetricProducer: events=%d dropped=%d", len(p.current), p.DroppedDimensions)
}

func (p *EventMetricProducer) ByteSize() int {
	p.Lock()
	defer p.Unlock()
	return len(p.current) * 64
}
