// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import (
	"sync"

	"github.com/statsengine/statsengine/internal/elog"
)

// ProducerKind tags which of the five concrete aggregation strategies a
// Producer implements. Each of the five concrete producer structs embeds
// Base, which records the kind here, and all of them satisfy the
// MetricProducer interface in place of the source repository's
// virtual-inheritance hierarchy (spec.md §9 "Deep class hierarchy of metric
// producers").
type ProducerKind uint8

const (
	KindCount ProducerKind = iota
	KindEvent
	KindValue
	KindGauge
	KindDuration
)

// ActivationState is the lifecycle of one event-driven activation.
type ActivationState uint8

const (
	NotActive ActivationState = iota
	Active
	ActiveOnBoot
)

// Activation is a time-bounded enabling of a metric.
type Activation struct {
	TTLNs   int64
	StartNs int64
	State   ActivationState
}

func (a Activation) isActive(nowNs int64) bool {
	switch a.State {
	case NotActive:
		return false
	case ActiveOnBoot:
		return true
	default:
		return a.State == Active && nowNs < a.StartNs+a.TTLNs
	}
}

// MetricConditionLink maps a metric's what-dimension field selectors to the
// condition's dimension field selectors, so a condition query can be built
// from an event's what-key.
type MetricConditionLink struct {
	WhatFields      []FieldValueMatcher
	ConditionFields []FieldValueMatcher
}

// DumpLatency controls whether onDumpReport may perform blocking pulls.
type DumpLatency uint8

const (
	FAST DumpLatency = iota
	NoTimeConstraints
)

// Puller is the external on-demand sample source consumed by value/gauge
// producers (spec.md §6).
type Puller interface {
	Pull(atomTagID int32) ([]Event, bool)
	RegisterReceiver(atomTagID int32, bucketMs int64)
	PullerExists(atomTagID int32) bool
}

// Base carries the state every concrete producer shares: identity, bucket
// clock, condition linkage, dimensioning, activation, and the dimension
// guardrail. Concrete producers embed Base and add their own per-kind bucket
// maps.
type Base struct {
	mu sync.Mutex

	Kind ProducerKind

	MetricID   int64
	ConfigKey  string
	ProtoHash  uint64
	MatcherIdx int

	TimeBaseNs           int64
	BucketSizeNs         int64
	CurrentBucketNum     int64
	CurrentBucketStartNs int64

	ConditionTrackerIndex int // -1 if none
	ConditionSliced       bool
	ConditionLinks        []MetricConditionLink
	condition             ConditionState

	WhatFields      []FieldValueMatcher
	ConditionFields []FieldValueMatcher
	AnyPositionInWhat bool

	activations        map[int]*Activation   // activator matcher index -> state
	deactivationLinks  map[int][]int         // deactivator matcher index -> activator indices it cancels

	anomalyTrackers []*AnomalyTracker

	// DroppedDimensions counts samples rejected by the per-metric dimension
	// guardrail (spec.md §5 "Memory discipline").
	DroppedDimensions int64

	guardrailMax int
}

// DefaultDimensionGuardrail is the implementation-defined per-metric
// dimension cardinality cap named in spec.md §5.
const DefaultDimensionGuardrail = 500

func newBase(kind ProducerKind, metricID int64, configKey string, timeBaseNs, bucketSizeNs int64, conditionIndex int) Base {
	cond := ConditionTrue
	if conditionIndex >= 0 {
		cond = ConditionUnknown
	}
	return Base{
		Kind:                  kind,
		MetricID:              metricID,
		ConfigKey:             configKey,
		TimeBaseNs:            timeBaseNs,
		BucketSizeNs:          bucketSizeNs,
		CurrentBucketStartNs:  timeBaseNs,
		ConditionTrackerIndex: conditionIndex,
		condition:             cond,
		activations:           map[int]*Activation{},
		deactivationLinks:     map[int][]int{},
		guardrailMax:          DefaultDimensionGuardrail,
	}
}

// CurrentBucketEndNs is time_base_ns + (current_bucket_num+1)*bucket_size_ns,
// the invariant in spec.md §3.
func (b *Base) CurrentBucketEndNs() int64 {
	return b.TimeBaseNs + (b.CurrentBucketNum+1)*b.BucketSizeNs
}

// acceptEvent drops events preceding TimeBaseNs per spec.md §4.4/§7. Returns
// false if the event must be silently dropped.
func (b *Base) acceptEvent(eventTimeNs int64) bool {
	return eventTimeNs >= b.TimeBaseNs
}

// bucketsToAdvance returns how many whole buckets must elapse for eventTime
// to fall within [CurrentBucketStartNs, CurrentBucketEndNs).
func (b *Base) bucketsToAdvance(eventTimeNs int64) int64 {
	if eventTimeNs < b.CurrentBucketEndNs() {
		return 0
	}
	return (eventTimeNs-b.TimeBaseNs)/b.BucketSizeNs - b.CurrentBucketNum
}

// checkGuardrail reports whether key is already tracked or there is still
// room under the per-metric dimension cap; it increments the drop counter
// and returns false when the guardrail would be exceeded.
func (b *Base) checkGuardrail(tracked int, alreadyPresent bool) bool {
	if alreadyPresent || tracked < b.guardrailMax {
		return true
	}
	b.DroppedDimensions++
	elog.Warnf("metric %d: dimension guardrail (%d) hit, dropping sample", b.MetricID, b.guardrailMax)
	return false
}

// Activate records (or refreshes) an event activation; the overall IsActive
// predicate is the OR of all individual Activation states.
func (b *Base) Activate(activatorIndex int, elapsedNs, ttlNs int64, onBoot bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := Active
	if onBoot {
		state = ActiveOnBoot
	}
	b.activations[activatorIndex] = &Activation{TTLNs: ttlNs, StartNs: elapsedNs, State: state}
}

// CancelEventActivation deactivates every activator this deactivator index
// is linked to.
func (b *Base) CancelEventActivation(deactivatorIndex int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, activatorIndex := range b.deactivationLinks[deactivatorIndex] {
		if a, ok := b.activations[activatorIndex]; ok {
			a.State = NotActive
		}
	}
}

// LinkDeactivation wires a deactivator matcher index to the activator index
// it cancels, built once at config install time.
func (b *Base) LinkDeactivation(deactivatorIndex, activatorIndex int) {
	b.deactivationLinks[deactivatorIndex] = append(b.deactivationLinks[deactivatorIndex], activatorIndex)
}

// IsActive is the OR of all individual Activation states; producers with no
// activation requirement are active unconditionally. Callers must already
// hold b.mu.
func (b *Base) IsActive(nowNs int64) bool {
	if len(b.activations) == 0 {
		return true
	}
	for _, a := range b.activations {
		if a.isActive(nowNs) {
			return true
		}
	}
	return false
}

// AddAnomalyTracker creates and registers an AnomalyTracker bound to this
// producer's bucket clock. Returns nil if alert is malformed.
func (b *Base) AddAnomalyTracker(alert AlertConfig, monitor AlarmMonitor) *AnomalyTracker {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := NewAnomalyTracker(alert, b.BucketSizeNs, monitor)
	if t == nil {
		return nil
	}
	b.anomalyTrackers = append(b.anomalyTrackers, t)
	return t
}

func (b *Base) Lock()   { b.mu.Lock() }
func (b *Base) Unlock() { b.mu.Unlock() }

// conditionMet reports the three-valued condition as a plain bool, treating
// Unknown as not-met (spec.md §4.4: a metric never logs while its condition
// is still unresolved).
func (b *Base) conditionMet() bool { return b.condition == ConditionTrue }

// onConditionChanged updates the cached overall condition for an unsliced
// link; sliced condition producers instead consult onSlicedConditionMayChange
// per affected dimension via their own DurationTracker/bucket maps.
func (b *Base) onConditionChanged(newCondition ConditionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.condition = newCondition
}

// advanceBucketLocked rolls CurrentBucketNum/CurrentBucketStartNs forward to
// cover eventTimeNs, returning how many whole buckets were skipped. Callers
// must already hold b.mu.
func (b *Base) advanceBucketLocked(eventTimeNs int64) int64 {
	n := b.bucketsToAdvance(eventTimeNs)
	if n <= 0 {
		return 0
	}
	b.CurrentBucketNum += n
	b.CurrentBucketStartNs += n * b.BucketSizeNs
	return n
}

// MetricProducer is the common surface the scheduler/report writer drive
// against; every concrete producer (C5) satisfies it via Base plus its own
// per-kind bucket storage.
type MetricProducer interface {
	OnMatchedLogEvent(matcherIndex int, ev *Event)
	OnConditionChanged(conditionIndex int, newCondition ConditionState, timestampNs int64)
	OnSlicedConditionMayChange(timestampNs int64)
	FlushIfNeeded(eventTimeNs int64)
	OnDumpReport(dumpTimeNs int64, latency DumpLatency) Report
	NotifyAppUpgrade(uid int32, timestampNs int64)
	NotifyAppRemoved(uid int32, timestampNs int64)
	DropData(dropTimeNs int64)
	DumpState(verbose bool) string
	ByteSize() int
}

// Report is the flushed bucket data one producer contributes to a dump
// (spec.md §6 "Report output"); report.Writer renders it as Avro records.
type Report struct {
	MetricID   int64
	ConfigKey  string
	Kind       ProducerKind
	Count      []CountBucketValue
	Event      []EventBucketValue
	Value      []ValueBucketValue
	Gauge      []GaugeBucketValue
	Duration   []DurationBucketValue
	DroppedDimensions int64
}

// CountBucketValue is one (dimension, bucket) count datum.
type CountBucketValue struct {
	Key        HashableDimensionKey
	Condition  HashableDimensionKey
	StartNs    int64
	EndNs      int64
	Count      int64
}

// EventBucketValue is one raw matched-event record.
type EventBucketValue struct {
	Key         HashableDimensionKey
	Condition   HashableDimensionKey
	TimestampNs int64
	Fields      []Field
}

// ValueBucketValue is one (dimension, bucket) pulled/pushed numeric sample.
type ValueBucketValue struct {
	Key       HashableDimensionKey
	Condition HashableDimensionKey
	StartNs   int64
	EndNs     int64
	Value     float64
}

// GaugeBucketValue is one (dimension, bucket) point-in-time sample.
type GaugeBucketValue struct {
	Key       HashableDimensionKey
	Condition HashableDimensionKey
	StartNs   int64
	Fields    []Field
}

// DurationBucketValue is one (dimension, bucket) accumulated duration.
type DurationBucketValue struct {
	Key       HashableDimensionKey
	Condition HashableDimensionKey
	StartNs   int64
	EndNs     int64
	DurationNs int64
}
