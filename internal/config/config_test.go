// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(fp, []byte(`{"addr":":9090","db":"./var/test.db"}`), 0o644))

	Init(fp)
	assert.Equal(t, ":9090", Keys.Addr)
	assert.Equal(t, "./var/test.db", Keys.DB)
}

func TestInitMissingFileKeepsDefaults(t *testing.T) {
	Keys = DaemonConfig{Addr: ":8080", DB: "./var/statsengine.db", Validate: true}
	Init(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Equal(t, ":8080", Keys.Addr)
}

func TestValidateEvaluationConfig(t *testing.T) {
	good := []byte(`{
		"config_key": "demo",
		"time_base_ns": 0,
		"matchers": [{"name": "m1", "atom_id": 1}],
		"metrics": [{"name": "count1", "id": 1, "kind": "count", "bucket_ms": 60000}]
	}`)
	assert.NoError(t, ValidateEvaluationConfig(good))

	bad := []byte(`{"config_key": "demo"}`)
	assert.Error(t, ValidateEvaluationConfig(bad))
}
