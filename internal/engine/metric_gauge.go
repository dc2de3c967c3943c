// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import "fmt"

// GaugeMetricProducer records a single point-in-time snapshot of an atom's
// fields per dimension per bucket: the triggering event's fields when
// pushed, or the most recent pull result when condition-pulled (spec.md
// §4.5 "Gauge").
type GaugeMetricProducer struct {
	Base

	current map[HashableDimensionKey][]Field
	past    []GaugeBucketValue

	puller     Puller
	pulledAtom int32
}

func NewGaugeMetricProducer(metricID int64, configKey string, timeBaseNs, bucketSizeNs int64, conditionIndex int, puller Puller, pulledAtom int32) *GaugeMetricProducer {
	return &GaugeMetricProducer{
		Base:       newBase(KindGauge, metricID, configKey, timeBaseNs, bucketSizeNs, conditionIndex),
		current:    map[HashableDimensionKey][]Field{},
		puller:     puller,
		pulledAtom: pulledAtom,
	}
}

func (p *GaugeMetricProducer) dimensionKey(ev *Event) HashableDimensionKey {
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

func (p *GaugeMetricProducer) OnMatchedLogEvent(matcherIndex int, ev *Event) {
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
	_, present := p.current[key]
	if !p.checkGuardrail(len(p.current), present) {
		return
	}
	// Pushed gauge: the latest matched event's fields replace any prior
	// snapshot for this dimension within the bucket.
	p.current[key] = ev.Fields
}

func (p *GaugeMetricProducer) pullIfConfiguredLocked(eventTimeNs int64) {
	if p.puller == nil || !p.puller.PullerExists(p.pulledAtom) {
		return
	}
	events, ok := p.puller.Pull(p.pulledAtom)
	if !ok {
		return
	}
	for i := range events {
		ev := &events[i]
		key := p.dimensionKey(ev)
		_, present := p.current[key]
		if !p.checkGuardrail(len(p.current), present) {
			continue
		}
		p.current[key] = ev.Fields
	}
}

func (p *GaugeMetricProducer) OnConditionChanged(conditionIndex int, newCondition ConditionState, timestampNs int64) {
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

func (p *GaugeMetricProducer) OnSlicedConditionMayChange(timestampNs int64) {}

func (p *GaugeMetricProducer) FlushIfNeeded(eventTimeNs int64) {
	p.Lock()
	defer p.Unlock()
	p.flushIfNeededLocked(eventTimeNs)
}

func (p *GaugeMetricProducer) flushIfNeededLocked(eventTimeNs int64) {
	n := p.advanceBucketLocked(eventTimeNs)
	if n == 0 {
		return
	}
	if p.conditionMet() {
		p.pullIfConfiguredLocked(eventTimeNs)
	}
	p.flushCurrentBucketLocked()
}

func (p *GaugeMetricProducer) flushCurrentBucketLocked() {
	startNs := p.CurrentBucketStartNs - p.BucketSizeNs
	for key, fields := range p.current {
		p.past = append(p.past, GaugeBucketValue{Key: key, StartNs: startNs, Fields: fields})
	}
	p.current = map[HashableDimensionKey][]Field{}
}

func (p *GaugeMetricProducer) OnDumpReport(dumpTimeNs int64, latency DumpLatency) Report {
	p.Lock()
	defer p.Unlock()
	if latency == NoTimeConstraints {
		p.flushIfNeededLocked(dumpTimeNs)
	}
	r := Report{MetricID: p.MetricID, ConfigKey: p.ConfigKey, Kind: KindGauge, Gauge: p.past, DroppedDimensions: p.DroppedDimensions}
	p.past = nil
	return r
}

func (p *GaugeMetricProducer) NotifyAppUpgrade(uid int32, timestampNs int64) {
	p.Lock()
	defer p.Unlock()
	p.flushCurrentBucketLocked()
	p.CurrentBucketStartNs = timestampNs
}

func (p *GaugeMetricProducer) NotifyAppRemoved(uid int32, timestampNs int64) {
	p.NotifyAppUpgrade(uid, timestampNs)
}

func (p *GaugeMetricProducer) DropData(dropTimeNs int64) {
	p.Lock()
	defer p.Unlock()
	p.current = map[HashableDimensionKey][]Field{}
	p.past = nil
}

func (p *GaugeMetricProducer) DumpState(verbose bool) string {
	p.Lock()
	defer p.Unlock()
	if !verbose {
		return "GaugeMetricProducer"
	}
	return fmt.Sprintf("GaugeMetricProducer: dimensions=%d dropped=%d", len(p.current), p.DroppedDimensions)
}

func (p *GaugeMetricProducer) ByteSize() int {
	p.Lock()
	defer p.Unlock()
	return len(p.current)*48 + len(p.past)*48
}
