// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package platform

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statsengine/statsengine/internal/engine"
)

func TestStaticPackageDBLookup(t *testing.T) {
	db := NewStaticPackageDB()
	db.Set(1000, []string{"com.example.app", "com.example.app.helper"})

	got := db.AppNamesFromUID(1000, false)
	assert.Len(t, got, 2)
	_, ok := got["com.example.app"]
	assert.True(t, ok)

	unknown := db.AppNamesFromUID(9999, false)
	assert.Empty(t, unknown)
}

func TestChannelPullerRoutesToRegisteredSource(t *testing.T) {
	p := NewChannelPuller()
	assert.False(t, p.PullerExists(42))

	want := []engine.Event{{AtomID: 42, TimestampNs: 1}}
	p.RegisterSource(42, func() ([]engine.Event, bool) { return want, true })
	p.RegisterReceiver(42, 5000)

	assert.True(t, p.PullerExists(42))
	ms, ok := p.BucketMs(42)
	require.True(t, ok)
	assert.Equal(t, int64(5000), ms)

	got, ok := p.Pull(42)
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = p.Pull(7)
	assert.False(t, ok)
}

func TestTimerAlarmMonitorFiresOnce(t *testing.T) {
	var mu sync.Mutex
	var fired []engine.HashableDimensionKey

	mon := NewTimerAlarmMonitor(func(key engine.HashableDimensionKey, nowNs int64) {
		mu.Lock()
		fired = append(fired, key)
		mu.Unlock()
	})

	key := engine.HashableDimensionKey("k1")
	mon.Add(key, uint32(time.Now().Unix())) // already-due deadline fires almost immediately

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, key, fired[0])
	mu.Unlock()
}

func TestTimerAlarmMonitorRemoveCancelsPendingAlarm(t *testing.T) {
	fired := make(chan struct{}, 1)
	mon := NewTimerAlarmMonitor(func(key engine.HashableDimensionKey, nowNs int64) {
		fired <- struct{}{}
	})

	key := engine.HashableDimensionKey("k2")
	mon.Add(key, uint32(time.Now().Add(time.Hour).Unix()))
	mon.Remove(key)

	select {
	case <-fired:
		t.Fatal("alarm fired after being removed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerAlarmMonitorReArmReplacesTimer(t *testing.T) {
	var mu sync.Mutex
	var fired []int

	mon := NewTimerAlarmMonitor(func(key engine.HashableDimensionKey, nowNs int64) {
		mu.Lock()
		fired = append(fired, 1)
		mu.Unlock()
	})

	key := engine.HashableDimensionKey("k3")
	mon.Add(key, uint32(time.Now().Add(time.Hour).Unix()))
	mon.Add(key, uint32(time.Now().Unix())) // re-arming replaces the far-future timer

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, fired, 1) // the stale first timer must not have also fired
	mu.Unlock()
}
