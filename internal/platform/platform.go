// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package platform provides the composition-root adapters for the external
// collaborators internal/engine consumes as plain interfaces (spec.md §6):
// a package/UID database, an on-demand sample puller, and a wall-clock
// alarm service. None of these have a teacher analog (ClusterCockpit has no
// per-event pull/alarm plane), so they are grounded on stdlib facilities
// (time.AfterFunc, sync.RWMutex-guarded maps) rather than any pack library.
package platform

import (
	"sync"
	"time"

	"github.com/statsengine/statsengine/internal/engine"
)

// StaticPackageDB answers UID-to-package-name lookups from an in-memory
// table, populated at startup (and optionally updated later) rather than
// from a live package manager.
type StaticPackageDB struct {
	mu    sync.RWMutex
	byUID map[int32]engine.StringSet
}

func NewStaticPackageDB() *StaticPackageDB {
	return &StaticPackageDB{byUID: map[int32]engine.StringSet{}}
}

// Set replaces the package names known for uid.
func (db *StaticPackageDB) Set(uid int32, packages []string) {
	set := make(engine.StringSet, len(packages))
	for _, p := range packages {
		set[p] = struct{}{}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.byUID[uid] = set
}

// AppNamesFromUID implements engine.PackageDB. normalize is accepted for
// interface compatibility but unused: this table is populated with already
// normalized package names.
func (db *StaticPackageDB) AppNamesFromUID(uid int32, normalize bool) engine.StringSet {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if set, ok := db.byUID[uid]; ok {
		return set
	}
	return engine.StringSet{}
}

// PullSource produces a batch of events for one atom tag on demand.
type PullSource func() ([]engine.Event, bool)

// ChannelPuller routes on-demand value/gauge pulls (spec.md §4.5 "Pulled
// value/gauge atoms") to whichever in-process source has registered for an
// atom tag id.
type ChannelPuller struct {
	mu        sync.Mutex
	sources   map[int32]PullSource
	bucketsMs map[int32]int64
}

func NewChannelPuller() *ChannelPuller {
	return &ChannelPuller{
		sources:   map[int32]PullSource{},
		bucketsMs: map[int32]int64{},
	}
}

// RegisterSource wires a concrete sampling function for atomTagID; call
// before the config referencing it is installed.
func (p *ChannelPuller) RegisterSource(atomTagID int32, src PullSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[atomTagID] = src
}

func (p *ChannelPuller) Pull(atomTagID int32) ([]engine.Event, bool) {
	p.mu.Lock()
	src, ok := p.sources[atomTagID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	return src()
}

// RegisterReceiver implements engine.Puller; it records the cadence a
// pulled atom was configured with so a source can throttle itself, if it
// chooses to consult bucketMs via BucketMs.
func (p *ChannelPuller) RegisterReceiver(atomTagID int32, bucketMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bucketsMs[atomTagID] = bucketMs
}

func (p *ChannelPuller) PullerExists(atomTagID int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sources[atomTagID]
	return ok
}

// BucketMs returns the cadence last registered for atomTagID, if any.
func (p *ChannelPuller) BucketMs(atomTagID int32) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ms, ok := p.bucketsMs[atomTagID]
	return ms, ok
}

// TimerAlarmMonitor arms and cancels wall-clock wake-ups for still-running
// duration metrics using one time.AfterFunc per dimension key, invoking
// onFire when a previously armed deadline elapses (spec.md §4.7
// "Duration-metric variant"). Re-arming the same key replaces its timer.
type TimerAlarmMonitor struct {
	mu     sync.Mutex
	timers map[engine.HashableDimensionKey]*time.Timer
	onFire func(key engine.HashableDimensionKey, nowNs int64)
}

func NewTimerAlarmMonitor(onFire func(key engine.HashableDimensionKey, nowNs int64)) *TimerAlarmMonitor {
	return &TimerAlarmMonitor{
		timers: map[engine.HashableDimensionKey]*time.Timer{},
		onFire: onFire,
	}
}

func (m *TimerAlarmMonitor) Add(key engine.HashableDimensionKey, atSecondsUnix uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	d := time.Until(time.Unix(int64(atSecondsUnix), 0))
	if d < 0 {
		d = 0
	}
	m.timers[key] = time.AfterFunc(d, func() {
		m.mu.Lock()
		delete(m.timers, key)
		m.mu.Unlock()
		m.onFire(key, time.Now().UnixNano())
	})
}

func (m *TimerAlarmMonitor) Remove(key engine.HashableDimensionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
}
