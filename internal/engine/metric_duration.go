// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import "fmt"

// DurationAggType selects which DurationTracker variant backs each tracked
// dimension (spec.md §4.6).
type DurationAggType uint8

const (
	DurationOring DurationAggType = iota
	DurationMax
)

// DurationMetricProducer tracks, per "what" dimension, how long a
// start/stop-bounded condition held using a DurationTracker (spec.md §4.5
// "Duration"). Unlike the other four producers it reacts to three distinct
// matcher indices rather than one.
type DurationMetricProducer struct {
	Base

	AggType           DurationAggType
	StartMatcherIdx   int
	StopMatcherIdx    int
	StopAllMatcherIdx int

	conditions *ConditionWizard
	wizard     *ConditionWizard

	trackers map[HashableDimensionKey]DurationTracker
	past     map[HashableDimensionKey][]DurationBucket
}

func NewDurationMetricProducer(metricID int64, configKey string, timeBaseNs, bucketSizeNs int64, conditionIndex int, aggType DurationAggType, startIdx, stopIdx, stopAllIdx int, wizard *ConditionWizard) *DurationMetricProducer {
	return &DurationMetricProducer{
		Base:              newBase(KindDuration, metricID, configKey, timeBaseNs, bucketSizeNs, conditionIndex),
		AggType:           aggType,
		StartMatcherIdx:   startIdx,
		StopMatcherIdx:    stopIdx,
		StopAllMatcherIdx: stopAllIdx,
		wizard:            wizard,
		trackers:          map[HashableDimensionKey]DurationTracker{},
		past:              map[HashableDimensionKey][]DurationBucket{},
	}
}

func (p *DurationMetricProducer) newTracker() DurationTracker {
	if p.AggType == DurationMax {
		return NewMaxDurationTracker(p.CurrentBucketStartNs)
	}
	return NewOringDurationTracker(p.CurrentBucketStartNs)
}

func (p *DurationMetricProducer) dimensionKey(ev *Event) HashableDimensionKey {
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

func (p *DurationMetricProducer) conditionKey(ev *Event) HashableDimensionKey {
	if len(p.ConditionFields) == 0 {
		return DefaultKey
	}
	parts := make([]DimensionPart, 0, len(p.ConditionFields))
	for _, fm := range p.ConditionFields {
		fields := ev.FieldsAtDepth(fm.Path)
		if len(fields) == 0 {
			continue
		}
		parts = append(parts, DimensionPart{Path: fm.Path, Value: fields[0].Value})
	}
	return NewDimensionKey(parts)
}

func (p *DurationMetricProducer) trackerFor(key HashableDimensionKey, allowCreate bool) DurationTracker {
	t, ok := p.trackers[key]
	if !ok {
		if !allowCreate || !p.checkGuardrail(len(p.trackers), false) {
			return nil
		}
		t = p.newTracker()
		p.trackers[key] = t
	}
	return t
}

func (p *DurationMetricProducer) OnMatchedLogEvent(matcherIndex int, ev *Event) {
	p.Lock()
	defer p.Unlock()
	if !p.acceptEvent(ev.TimestampNs) {
		return
	}
	p.flushIfNeededLocked(ev.TimestampNs)

	switch matcherIndex {
	case p.StopAllMatcherIdx:
		for _, t := range p.trackers {
			t.NoteStopAll(ev.TimestampNs)
		}
	case p.StartMatcherIdx:
		if !p.IsActive(ev.TimestampNs) {
			return
		}
		key := p.dimensionKey(ev)
		t := p.trackerFor(key, true)
		if t == nil {
			return
		}
		t.NoteStart(key, p.conditionMet(), ev.TimestampNs, p.conditionKey(ev))
		p.armAlarmsLocked(key, t, ev.TimestampNs)
	case p.StopMatcherIdx:
		key := p.dimensionKey(ev)
		if t := p.trackerFor(key, false); t != nil {
			t.NoteStop(key, ev.TimestampNs)
		}
	default:
		return
	}
}

func (p *DurationMetricProducer) OnConditionChanged(conditionIndex int, newCondition ConditionState, timestampNs int64) {
	if conditionIndex != p.ConditionTrackerIndex {
		return
	}
	p.Lock()
	for _, t := range p.trackers {
		t.OnConditionChanged(newCondition == ConditionTrue, timestampNs)
	}
	p.Unlock()
	p.onConditionChanged(newCondition)
}

// OnSlicedConditionMayChange lets each key's tracker re-query a sliced
// condition by its own recorded condition key, instead of rescanning every
// dimension against a single flipped value (spec.md §4.6).
func (p *DurationMetricProducer) OnSlicedConditionMayChange(timestampNs int64) {
	p.Lock()
	defer p.Unlock()
	for _, t := range p.trackers {
		t.OnSlicedConditionMayChange(p.wizard, p.ConditionTrackerIndex, timestampNs)
	}
}

// armAlarmsLocked schedules a wall-clock wake-up for each anomaly tracker so
// a still-running duration can trip its threshold without waiting for the
// next matched event (spec.md §4.7 "Duration-metric variant").
func (p *DurationMetricProducer) armAlarmsLocked(key HashableDimensionKey, t DurationTracker, nowNs int64) {
	for _, at := range p.anomalyTrackers {
		predicted := t.PredictAnomalyTimestampNs(at, nowNs)
		if predicted < 0 {
			continue
		}
		at.StartAlarm(key, uint32(predicted/1_000_000_000))
	}
}

// checkAlarm completes a previously armed alarm for key once the
// AlarmMonitor reports it has fired, letting a still-running duration
// declare an anomaly without waiting on the next matched event (spec.md
// §4.7 "Duration-metric variant").
func (p *DurationMetricProducer) checkAlarm(key HashableDimensionKey, nowNs int64) {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.trackers[key]; !ok {
		return
	}
	for _, at := range p.anomalyTrackers {
		at.DeclareAnomalyIfAlarmExpired(key, nowNs, p.ConfigKey)
	}
}

func (p *DurationMetricProducer) FlushIfNeeded(eventTimeNs int64) {
	p.Lock()
	defer p.Unlock()
	p.flushIfNeededLocked(eventTimeNs)
}

func (p *DurationMetricProducer) flushIfNeededLocked(eventTimeNs int64) {
	n := p.advanceBucketLocked(eventTimeNs)
	if n == 0 {
		return
	}
	for key, t := range p.trackers {
		out := map[HashableDimensionKey][]DurationBucket{}
		drained := t.FlushIfNeeded(eventTimeNs, p.BucketSizeNs, out)
		buckets := out[DefaultKey]
		if len(buckets) > 0 {
			p.past[key] = append(p.past[key], buckets...)
			for _, b := range buckets {
				for _, at := range p.anomalyTrackers {
					if at.DetectAnomalyKey(p.CurrentBucketNum-1, key, b.DurationNs) {
						at.DeclareAnomaly(b.EndNs, p.ConfigKey, key)
					}
					at.AddPastBucketKey(key, b.DurationNs, p.CurrentBucketNum-1)
				}
			}
		}
		if drained {
			delete(p.trackers, key)
		}
	}
}

func (p *DurationMetricProducer) OnDumpReport(dumpTimeNs int64, latency DumpLatency) Report {
	p.Lock()
	defer p.Unlock()
	p.flushIfNeededLocked(dumpTimeNs)
	var values []DurationBucketValue
	for key, buckets := range p.past {
		for _, b := range buckets {
			values = append(values, DurationBucketValue{Key: key, StartNs: b.StartNs, EndNs: b.EndNs, DurationNs: b.DurationNs})
		}
	}
	r := Report{MetricID: p.MetricID, ConfigKey: p.ConfigKey, Kind: KindDuration, Duration: values, DroppedDimensions: p.DroppedDimensions}
	p.past = map[HashableDimensionKey][]DurationBucket{}
	return r
}

func (p *DurationMetricProducer) NotifyAppUpgrade(uid int32, timestampNs int64) {
	p.Lock()
	defer p.Unlock()
	p.flushIfNeededLocked(timestampNs)
}

func (p *DurationMetricProducer) NotifyAppRemoved(uid int32, timestampNs int64) {
	p.NotifyAppUpgrade(uid, timestampNs)
}

func (p *DurationMetricProducer) DropData(dropTimeNs int64) {
	p.Lock()
	defer p.Unlock()
	p.trackers = map[HashableDimensionKey]DurationTracker{}
	p.past = map[HashableDimensionKey][]DurationBucket{}
}

func (p *DurationMetricProducer) DumpState(verbose bool) string {
	p.Lock()
	defer p.Unlock()
	if !verbose {
		return "DurationMetricProducer"
	}
	return fmt.Sprintf("DurationMetricProducer: trackers=%d dropped=%d", len(p.trackers), p.DroppedDimensions)
}

func (p *DurationMetricProducer) ByteSize() int {
	p.Lock()
	defer p.Unlock()
	n := len(p.trackers) * 96
	for _, b := range p.past {
		n += len(b) * 32
	}
	return n
}
