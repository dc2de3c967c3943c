// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statsengine/statsengine/internal/engine"
)

func TestWriteDumpWritesReadableOCFFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	reports := []engine.Report{
		{
			MetricID:  1,
			ConfigKey: "demo",
			Kind:      engine.KindCount,
			Count: []engine.CountBucketValue{
				{Key: engine.DefaultKey, StartNs: 0, EndNs: 1_000_000_000, Count: 3},
			},
		},
	}

	require.NoError(t, w.WriteDump("demo", 1_000_000_000, reports))

	fp := filepath.Join(dir, "demo_1000000000.avro")
	f, err := os.Open(fp)
	require.NoError(t, err)
	defer f.Close()

	ocfReader, err := goavro.NewOCFReader(f)
	require.NoError(t, err)

	var got []map[string]any
	for ocfReader.Scan() {
		rec, err := ocfReader.Read()
		require.NoError(t, err)
		got = append(got, rec.(map[string]any))
	}
	require.NoError(t, ocfReader.Err())
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0]["metric_id"])
	assert.Equal(t, "demo", got[0]["config_key"])
	assert.Equal(t, "count", got[0]["kind"])
}

func TestWriteDumpSkipsEmptyReports(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.WriteDump("empty", 0, nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
