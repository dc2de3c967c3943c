// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

// DurationState is the per-dimension state machine driving one tracked key.
type DurationState uint8

const (
	Stopped DurationState = iota
	Started
	Paused
)

// DurationInfo is one tracked dimension's running state.
type DurationInfo struct {
	State         DurationState
	LastStartTime int64
	LastDuration  int64
	ConditionKeys HashableDimensionKey
	nesting       int
}

// DurationBucket is one flushed (start,end,duration) record for a dimension.
type DurationBucket struct {
	StartNs     int64
	EndNs       int64
	DurationNs  int64
}

// DurationTracker is the shared interface between OringDurationTracker and
// MaxDurationTracker (C6).
type DurationTracker interface {
	NoteStart(key HashableDimensionKey, condition bool, eventTimeNs int64, conditionKeys HashableDimensionKey)
	NoteStop(key HashableDimensionKey, eventTimeNs int64)
	NoteStopAll(eventTimeNs int64)
	OnSlicedConditionMayChange(wizard *ConditionWizard, conditionTrackerIndex int, timestampNs int64)
	OnConditionChanged(condition bool, timestampNs int64)
	FlushIfNeeded(eventTimeNs int64, bucketSizeNs int64, out map[HashableDimensionKey][]DurationBucket) bool
	PredictAnomalyTimestampNs(tracker *AnomalyTracker, nowNs int64) int64
}

// durationBase is shared state/logic between the two tracker variants.
type durationBase struct {
	infos                map[HashableDimensionKey]*DurationInfo
	currentBucketStartNs int64
	nestingCounting      bool
}

func newDurationBase(currentBucketStartNs int64, nestingCounting bool) durationBase {
	return durationBase{
		infos:                map[HashableDimensionKey]*DurationInfo{},
		currentBucketStartNs: currentBucketStartNs,
		nestingCounting:      nestingCounting,
	}
}

func (d *durationBase) noteConditionChanged(key HashableDimensionKey, conditionMet bool, timestampNs int64) {
	info, ok := d.infos[key]
	if !ok {
		return
	}
	switch info.State {
	case Started:
		if !conditionMet {
			info.State = Paused
			info.LastDuration += timestampNs - info.LastStartTime
		}
	case Paused:
		if conditionMet {
			info.State = Started
			info.LastStartTime = timestampNs
		}
	case Stopped:
		// Nothing to do.
	}
}

// MaxDurationTracker reports, per dimension, the maximum accumulated Started
// time of any individual key observed in the bucket (spec.md §4.6). Ported
// directly from MaxDurationTracker.cpp.
type MaxDurationTracker struct {
	durationBase
	maxDurationNs int64
}

func NewMaxDurationTracker(currentBucketStartNs int64) *MaxDurationTracker {
	return &MaxDurationTracker{durationBase: newDurationBase(currentBucketStartNs, false)}
}

func (t *MaxDurationTracker) NoteStart(key HashableDimensionKey, condition bool, eventTimeNs int64, conditionKeys HashableDimensionKey) {
	info, ok := t.infos[key]
	if !ok {
		info = &DurationInfo{}
		t.infos[key] = info
	}
	info.ConditionKeys = conditionKeys
	switch info.State {
	case Started, Paused:
		// Already tracked; no nesting counted here.
	case Stopped:
		if !condition {
			info.State = Paused
		} else {
			info.State = Started
			info.LastStartTime = eventTimeNs
		}
	}
}

func (t *MaxDurationTracker) NoteStop(key HashableDimensionKey, eventTimeNs int64) {
	info, ok := t.infos[key]
	if !ok {
		return
	}
	switch info.State {
	case Stopped:
		// already stopped
	case Started:
		info.State = Stopped
		info.LastDuration += eventTimeNs - info.LastStartTime
	case Paused:
		info.State = Stopped
	}
	if info.LastDuration > t.maxDurationNs {
		t.maxDurationNs = info.LastDuration
	}
	delete(t.infos, key)
}

func (t *MaxDurationTracker) NoteStopAll(eventTimeNs int64) {
	for key := range t.infos {
		t.NoteStop(key, eventTimeNs)
	}
}

func (t *MaxDurationTracker) OnSlicedConditionMayChange(wizard *ConditionWizard, conditionTrackerIndex int, timestampNs int64) {
	for key, info := range t.infos {
		if info.State == Stopped {
			continue
		}
		conditionMet := wizard.Query(conditionTrackerIndex, info.ConditionKeys) == ConditionTrue
		t.noteConditionChanged(key, conditionMet, timestampNs)
	}
}

func (t *MaxDurationTracker) OnConditionChanged(condition bool, timestampNs int64) {
	for key := range t.infos {
		t.noteConditionChanged(key, condition, timestampNs)
	}
}

func (t *MaxDurationTracker) FlushIfNeeded(eventTimeNs int64, bucketSizeNs int64, out map[HashableDimensionKey][]DurationBucket) bool {
	if t.currentBucketStartNs+bucketSizeNs > eventTimeNs {
		return false
	}

	numBucketsForward := (eventTimeNs - t.currentBucketStartNs) / bucketSizeNs
	endTime := t.currentBucketStartNs + bucketSizeNs
	oldBucketStart := t.currentBucketStartNs
	t.currentBucketStartNs += numBucketsForward * bucketSizeNs

	hasOnGoingStarted := false
	hasPending := false
	for key, info := range t.infos {
		finalDuration := info.LastDuration
		if info.State == Started {
			finalDuration += endTime - info.LastStartTime
			hasOnGoingStarted = true
		}
		if finalDuration > t.maxDurationNs {
			t.maxDurationNs = finalDuration
		}
		if info.State == Stopped {
			delete(t.infos, key)
		} else {
			hasPending = true
			info.LastStartTime = t.currentBucketStartNs
			info.LastDuration = 0
		}
	}

	if t.maxDurationNs != 0 {
		out[DefaultKey] = append(out[DefaultKey], DurationBucket{StartNs: oldBucketStart, EndNs: endTime, DurationNs: t.maxDurationNs})
	}
	t.maxDurationNs = 0

	if hasOnGoingStarted {
		for i := int64(1); i < numBucketsForward; i++ {
			out[DefaultKey] = append(out[DefaultKey], DurationBucket{
				StartNs:    oldBucketStart + bucketSizeNs*i,
				EndNs:      endTime + bucketSizeNs*i,
				DurationNs: bucketSizeNs,
			})
		}
	}
	return !hasPending
}

func (t *MaxDurationTracker) PredictAnomalyTimestampNs(tracker *AnomalyTracker, nowNs int64) int64 {
	var latest int64 = -1
	for _, info := range t.infos {
		if info.State != Started {
			continue
		}
		needed := tracker.alert.TriggerIfSumGt - tracker.getSumOverPastBuckets(DefaultKey) - info.LastDuration
		if needed <= 0 {
			continue
		}
		candidate := info.LastStartTime + needed
		if candidate > latest {
			latest = candidate
		}
	}
	return latest
}

// OringDurationTracker reports a single duration per bucket: the union of
// all "any dimension started" intervals (spec.md §4.6).
type OringDurationTracker struct {
	durationBase
	durationNs      int64
	startedCount    int
	lastStateChange int64
}

func NewOringDurationTracker(currentBucketStartNs int64) *OringDurationTracker {
	return &OringDurationTracker{
		durationBase:    newDurationBase(currentBucketStartNs, true),
		lastStateChange: currentBucketStartNs,
	}
}

func (t *OringDurationTracker) NoteStart(key HashableDimensionKey, condition bool, eventTimeNs int64, conditionKeys HashableDimensionKey) {
	info, ok := t.infos[key]
	if !ok {
		info = &DurationInfo{}
		t.infos[key] = info
	}
	info.ConditionKeys = conditionKeys
	switch info.State {
	case Started:
		info.nesting++
	case Paused:
		info.nesting++
	case Stopped:
		info.nesting = 1
		if !condition {
			info.State = Paused
		} else {
			t.transitionToStarted(info, eventTimeNs)
		}
	}
}

func (t *OringDurationTracker) transitionToStarted(info *DurationInfo, eventTimeNs int64) {
	info.State = Started
	info.LastStartTime = eventTimeNs
	t.startedCount++
	if t.startedCount == 1 {
		t.accumulate(eventTimeNs)
	}
}

func (t *OringDurationTracker) transitionFromStarted(info *DurationInfo, eventTimeNs int64) {
	t.startedCount--
	if t.startedCount == 0 {
		t.accumulate(eventTimeNs)
	}
}

// accumulate banks the union-interval duration between lastStateChange and
// now whenever the "any key started" predicate flips.
func (t *OringDurationTracker) accumulate(nowNs int64) {
	if t.startedCount > 0 {
		// Entering the union interval: just mark the start.
		t.lastStateChange = nowNs
		return
	}
	t.durationNs += nowNs - t.lastStateChange
	t.lastStateChange = nowNs
}

func (t *OringDurationTracker) NoteStop(key HashableDimensionKey, eventTimeNs int64) {
	info, ok := t.infos[key]
	if !ok {
		return
	}
	switch info.State {
	case Stopped:
		return
	case Started:
		info.nesting--
		if info.nesting <= 0 {
			t.transitionFromStarted(info, eventTimeNs)
			info.State = Stopped
		}
	case Paused:
		info.nesting--
		if info.nesting <= 0 {
			info.State = Stopped
		}
	}
	delete(t.infos, key)
}

func (t *OringDurationTracker) NoteStopAll(eventTimeNs int64) {
	for key := range t.infos {
		t.NoteStop(key, eventTimeNs)
	}
}

func (t *OringDurationTracker) OnSlicedConditionMayChange(wizard *ConditionWizard, conditionTrackerIndex int, timestampNs int64) {
	for _, info := range t.infos {
		if info.State == Stopped {
			continue
		}
		conditionMet := wizard.Query(conditionTrackerIndex, info.ConditionKeys) == ConditionTrue
		t.applyConditionChange(info, conditionMet, timestampNs)
	}
}

func (t *OringDurationTracker) OnConditionChanged(condition bool, timestampNs int64) {
	for _, info := range t.infos {
		t.applyConditionChange(info, condition, timestampNs)
	}
}

func (t *OringDurationTracker) applyConditionChange(info *DurationInfo, conditionMet bool, timestampNs int64) {
	switch info.State {
	case Started:
		if !conditionMet {
			t.transitionFromStarted(info, timestampNs)
			info.State = Paused
		}
	case Paused:
		if conditionMet {
			t.transitionToStarted(info, timestampNs)
		}
	}
}

func (t *OringDurationTracker) FlushIfNeeded(eventTimeNs int64, bucketSizeNs int64, out map[HashableDimensionKey][]DurationBucket) bool {
	if t.currentBucketStartNs+bucketSizeNs > eventTimeNs {
		return false
	}
	bucketEnd := t.currentBucketStartNs + bucketSizeNs
	if t.startedCount > 0 {
		t.durationNs += bucketEnd - t.lastStateChange
		t.lastStateChange = bucketEnd
	}

	if t.durationNs > bucketSizeNs {
		t.durationNs = bucketSizeNs // saturate, never report more than the bucket width
	}
	if t.durationNs != 0 {
		out[DefaultKey] = append(out[DefaultKey], DurationBucket{StartNs: t.currentBucketStartNs, EndNs: bucketEnd, DurationNs: t.durationNs})
	}
	t.durationNs = 0
	t.currentBucketStartNs = bucketEnd

	hasPending := len(t.infos) > 0
	for key, info := range t.infos {
		if info.State == Stopped {
			delete(t.infos, key)
		}
	}
	return !hasPending
}

func (t *OringDurationTracker) PredictAnomalyTimestampNs(tracker *AnomalyTracker, nowNs int64) int64 {
	if t.startedCount == 0 {
		return -1
	}
	needed := tracker.alert.TriggerIfSumGt - tracker.getSumOverPastBuckets(DefaultKey) - t.durationNs
	if needed <= 0 {
		return nowNs
	}
	return nowNs + needed
}
