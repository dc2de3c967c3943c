// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package activation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStoreLifecycle exercises Connect/Save/LoadAll/Prune together in one
// test: Connect memoizes its *Store behind a sync.Once for the life of the
// process, so a second Connect call in a separate test would silently reuse
// this test's database instead of opening its own.
func TestStoreLifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "activation.db")
	store, err := Connect(dbPath)
	require.NoError(t, err)

	now := int64(1_000_000_000)
	require.NoError(t, store.Save(Record{ConfigKey: "demo", MetricID: 1, Activator: 7, StartNs: now, TTLNs: 5_000_000_000}))
	require.NoError(t, store.Save(Record{ConfigKey: "demo", MetricID: 2, Activator: 8, StartNs: 0, TTLNs: 1, OnBoot: true}))

	rows, err := store.LoadAll(now + 1_000_000_000)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Re-saving the same (config_key, metric_id, activator) key updates in
	// place rather than inserting a duplicate row.
	require.NoError(t, store.Save(Record{ConfigKey: "demo", MetricID: 1, Activator: 7, StartNs: now, TTLNs: 1}))
	rows, err = store.LoadAll(now + 2)
	require.NoError(t, err)
	require.Len(t, rows, 1) // metric 1's activator 7 expired, metric 2 is on_boot and always live
	assert.Equal(t, int64(2), rows[0].MetricID)

	require.NoError(t, store.Prune(now+10_000_000_000))
	rows, err = store.LoadAll(now + 10_000_000_000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].OnBoot)
}

func TestPruneEveryStopsOnClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "activation2.db")
	store, err := Connect(dbPath)
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		store.PruneEvery(5*time.Millisecond, func() int64 { return 0 }, stop)
		close(done)
	}()

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PruneEvery did not return after stop was closed")
	}
}
