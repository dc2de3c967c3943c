// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import "github.com/statsengine/statsengine/internal/elog"

// AlertConfig is the validated shape of one Alert in the declarative config.
type AlertConfig struct {
	MetricID           int64
	NumBuckets         int64
	RefractoryPeriodS  int64
	TriggerIfSumGt     int64
	HasThreshold       bool
}

// Subscriber is notified when an AnomalyTracker declares an anomaly
// (spec.md §6 "Subscriber interface consumed").
type Subscriber interface {
	Notify(configKey string, metricID int64, dimensionKey HashableDimensionKey)
}

// AlarmMonitor is the external wall-clock alarm service consumed by
// duration-metric anomaly prediction (spec.md §6).
type AlarmMonitor interface {
	Add(dimensionKey HashableDimensionKey, atSecondsUnix uint32)
	Remove(dimensionKey HashableDimensionKey)
}

// dimToValMap is one retained bucket's per-dimension values.
type dimToValMap map[HashableDimensionKey]int64

// AnomalyTracker implements C7: a sliding-window sum across a metric's past
// buckets that fires when the sum exceeds a threshold outside a refractory
// period. Grounded directly on AnomalyTracker.cpp's ring-buffer algorithm.
type AnomalyTracker struct {
	alert        AlertConfig
	bucketSizeNs int64
	numPastBuckets int64 // alert.NumBuckets - 1; may be 0 (current-bucket-only)

	pastBuckets        []dimToValMap
	sumOverPastBuckets dimToValMap
	mostRecentBucketNum int64

	refractoryEndsS map[HashableDimensionKey]int64
	alarms          map[HashableDimensionKey]uint32 // dimension key -> armed wake-up second

	monitor     AlarmMonitor
	subscribers []Subscriber
}

// NewAnomalyTracker validates alert and builds a tracker, or returns nil if
// the alert is malformed (spec.md §4.7, §7).
func NewAnomalyTracker(alert AlertConfig, bucketSizeNs int64, monitor AlarmMonitor) *AnomalyTracker {
	if alert.NumBuckets <= 0 {
		elog.Errorf("alert for metric %d: num_buckets must be positive, got %d", alert.MetricID, alert.NumBuckets)
		return nil
	}
	if bucketSizeNs <= 0 {
		elog.Errorf("alert for metric %d: invalid bucket size %d", alert.MetricID, bucketSizeNs)
		return nil
	}
	if !alert.HasThreshold {
		elog.Errorf("alert for metric %d: missing trigger_if_sum_gt threshold", alert.MetricID)
		return nil
	}
	t := &AnomalyTracker{
		alert:           alert,
		bucketSizeNs:    bucketSizeNs,
		numPastBuckets:  alert.NumBuckets - 1,
		sumOverPastBuckets: dimToValMap{},
		refractoryEndsS: map[HashableDimensionKey]int64{},
		alarms:          map[HashableDimensionKey]uint32{},
		monitor:         monitor,
	}
	t.reset()
	return t
}

func (t *AnomalyTracker) Subscribe(s Subscriber) { t.subscribers = append(t.subscribers, s) }

func (t *AnomalyTracker) reset() {
	for k := range t.alarms {
		t.stopAlarm(k)
	}
	if t.numPastBuckets > 0 {
		t.pastBuckets = make([]dimToValMap, t.numPastBuckets)
	} else {
		t.pastBuckets = nil
	}
	t.sumOverPastBuckets = dimToValMap{}
	t.mostRecentBucketNum = -1
}

// index maps a bucket number into the ring. num_buckets=1 special-cases to
// always 0 since the ring has length 0 and nothing is ever retained (spec.md
// §9 Open Questions: forbid the zero-divisor rather than silently wrapping).
func (t *AnomalyTracker) index(bucketNum int64) int64 {
	if t.numPastBuckets <= 0 {
		return 0
	}
	m := bucketNum % t.numPastBuckets
	if m < 0 {
		m += t.numPastBuckets
	}
	return m
}

func (t *AnomalyTracker) flushPastBuckets(latestPastBucketNum int64) {
	if t.numPastBuckets <= 0 {
		return
	}
	if latestPastBucketNum <= t.mostRecentBucketNum-t.numPastBuckets {
		elog.Errorf("cannot add a past bucket %d units in the past", latestPastBucketNum)
		return
	}

	if latestPastBucketNum-t.mostRecentBucketNum >= t.numPastBuckets {
		t.pastBuckets = make([]dimToValMap, t.numPastBuckets)
		t.sumOverPastBuckets = dimToValMap{}
	} else {
		lo := t.mostRecentBucketNum - t.numPastBuckets + 1
		if lo < 0 {
			lo = 0
		}
		for i := lo; i <= latestPastBucketNum-t.numPastBuckets; i++ {
			idx := t.index(i)
			t.subtractBucketFromSum(t.pastBuckets[idx])
			t.pastBuckets[idx] = nil
		}
	}

	if latestPastBucketNum <= t.mostRecentBucketNum && latestPastBucketNum > t.mostRecentBucketNum-t.numPastBuckets {
		t.subtractBucketFromSum(t.pastBuckets[t.index(latestPastBucketNum)])
	}
}

func (t *AnomalyTracker) subtractBucketFromSum(bucket dimToValMap) {
	for k, v := range bucket {
		cur, ok := t.sumOverPastBuckets[k]
		if !ok {
			continue
		}
		cur -= v
		if cur == 0 {
			delete(t.sumOverPastBuckets, k)
		} else {
			t.sumOverPastBuckets[k] = cur
		}
	}
}

func (t *AnomalyTracker) addBucketToSum(bucket dimToValMap) {
	for k, v := range bucket {
		t.sumOverPastBuckets[k] += v
	}
}

// AddPastBucket installs a full multi-dimension bucket (used by count/value
// metrics whose flush produces one value per dimension at once).
func (t *AnomalyTracker) AddPastBucket(values map[HashableDimensionKey]int64, bucketNum int64) {
	if t.numPastBuckets <= 0 {
		return
	}
	t.flushPastBuckets(bucketNum)
	bucket := dimToValMap(values)
	t.pastBuckets[t.index(bucketNum)] = bucket
	t.addBucketToSum(bucket)
	if bucketNum > t.mostRecentBucketNum {
		t.mostRecentBucketNum = bucketNum
	}
}

// AddPastBucketKey installs/merges a single dimension's value into the
// bucket at bucketNum (duration trackers flush one dimension at a time).
func (t *AnomalyTracker) AddPastBucketKey(key HashableDimensionKey, value int64, bucketNum int64) {
	if t.numPastBuckets <= 0 {
		return
	}
	t.flushPastBuckets(bucketNum)
	idx := t.index(bucketNum)
	bucket := t.pastBuckets[idx]
	if bucket == nil {
		bucket = dimToValMap{}
		t.pastBuckets[idx] = bucket
	}
	bucket[key] = value
	t.addBucketToSum(dimToValMap{key: value})
	if bucketNum > t.mostRecentBucketNum {
		t.mostRecentBucketNum = bucketNum
	}
}

func (t *AnomalyTracker) getSumOverPastBuckets(key HashableDimensionKey) int64 {
	return t.sumOverPastBuckets[key]
}

// DetectAnomaly reports whether any key's currentBucket value plus its
// retained sum exceeds the alert threshold, or any already-retained sum
// does on its own.
func (t *AnomalyTracker) DetectAnomaly(currentBucketNum int64, currentBucket map[HashableDimensionKey]int64) bool {
	if currentBucketNum > t.mostRecentBucketNum+1 {
		t.AddPastBucket(nil, currentBucketNum-1)
	}
	for k, v := range currentBucket {
		if v+t.getSumOverPastBuckets(k) > t.alert.TriggerIfSumGt {
			return true
		}
	}
	for _, v := range t.sumOverPastBuckets {
		if v > t.alert.TriggerIfSumGt {
			return true
		}
	}
	return false
}

// DetectAnomalyKey is the single-dimension variant used by duration metrics.
func (t *AnomalyTracker) DetectAnomalyKey(currentBucketNum int64, key HashableDimensionKey, currentValue int64) bool {
	if currentBucketNum > t.mostRecentBucketNum+1 {
		t.AddPastBucketKey(key, 0, currentBucketNum-1)
	}
	return t.getSumOverPastBuckets(key)+currentValue > t.alert.TriggerIfSumGt
}

// DeclareAnomaly dispatches to subscribers unless suppressed by the
// refractory period; strict greater-than per spec.md §8 scenario 5.
func (t *AnomalyTracker) DeclareAnomaly(timestampNs int64, configKey string, key HashableDimensionKey) {
	tsSec := timestampNs / 1_000_000_000
	if end, ok := t.refractoryEndsS[key]; ok && tsSec-end <= 0 {
		return
	}
	t.refractoryEndsS[key] = tsSec + t.alert.RefractoryPeriodS
	for _, s := range t.subscribers {
		s.Notify(configKey, t.alert.MetricID, key)
	}
}

// DetectAndDeclare combines DetectAnomaly+DeclareAnomaly for the multi-key
// case (count/value metrics).
func (t *AnomalyTracker) DetectAndDeclare(timestampNs, currentBucketNum int64, configKey string, currentBucket map[HashableDimensionKey]int64) {
	if t.DetectAnomaly(currentBucketNum, currentBucket) {
		for k := range currentBucket {
			t.DeclareAnomaly(timestampNs, configKey, k)
		}
	}
}

// StartAlarm arms a real-time wake-up for a still-running duration so it can
// fire without waiting for the next event (§4.7 "Duration-metric variant").
func (t *AnomalyTracker) StartAlarm(key HashableDimensionKey, atSecondsUnix uint32) {
	t.alarms[key] = atSecondsUnix
	if t.monitor != nil {
		t.monitor.Add(key, atSecondsUnix)
	}
}

// stopAlarm reads the alarm handle before deleting the map entry. The
// original AOSP statsd implementation dereferences `itr->second` *after*
// erasing it in `stopAlarm` (spec.md §9 Open Questions); that is a
// use-after-erase bug we deliberately do not reproduce.
func (t *AnomalyTracker) stopAlarm(key HashableDimensionKey) {
	_, had := t.alarms[key]
	if !had {
		return
	}
	delete(t.alarms, key)
	if t.monitor != nil {
		t.monitor.Remove(key)
	}
}

// DeclareAnomalyIfAlarmExpired completes a previously armed alarm once the
// monitor reports it fired at or after the armed timestamp.
func (t *AnomalyTracker) DeclareAnomalyIfAlarmExpired(key HashableDimensionKey, timestampNs int64, configKey string) {
	armedSec, ok := t.alarms[key]
	if !ok {
		return
	}
	if uint32(timestampNs/1_000_000_000) >= armedSec {
		t.DeclareAnomaly(timestampNs, configKey, key)
		t.stopAlarm(key)
	}
}

func (t *AnomalyTracker) StopAllAlarms() {
	for k := range t.alarms {
		t.stopAlarm(k)
	}
}
