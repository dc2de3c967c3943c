// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the daemon's process-level
// configuration and the declarative per-ConfigKey evaluation documents the
// engine builder consumes.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/statsengine/statsengine/internal/elog"
)

// DaemonConfig is the process-level configuration read once at startup.
type DaemonConfig struct {
	Addr               string `json:"addr"`
	DB                 string `json:"db"`
	ReportDir          string `json:"report-dir"`
	DumpPeriod         string `json:"dump-period"`
	Validate           bool   `json:"validate"`
	DimensionGuardrail int    `json:"dimension-guardrail"`
}

// Keys holds the active daemon configuration, seeded with defaults and
// overwritten by Init from the config file named on the command line.
var Keys = DaemonConfig{
	Addr:               ":8080",
	DB:                 "./var/statsengine.db",
	ReportDir:          "./var/reports",
	DumpPeriod:         "1m",
	Validate:           true,
	DimensionGuardrail: 500,
}

// Init reads flagConfigFile, validates it against daemonSchema (unless
// Keys.Validate is false), and decodes it over the defaults in Keys. A
// missing file is not an error: the defaults stand as-is.
func Init(flagConfigFile string) {
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if !os.IsNotExist(err) {
			elog.Fatal(err)
		}
		return
	}

	if Keys.Validate {
		if err := Validate(daemonSchema, raw); err != nil {
			elog.Fatalf("validate daemon config: %v", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		elog.Fatal(err)
	}

	if Keys.DB == "" {
		elog.Fatal("db path is required in daemon config")
	}
}

// DumpInterval parses Keys.DumpPeriod, falling back to one minute on a
// malformed value rather than refusing to start.
func DumpInterval() time.Duration {
	d, err := time.ParseDuration(Keys.DumpPeriod)
	if err != nil {
		elog.Warnf("invalid dump-period %q, defaulting to 1m", Keys.DumpPeriod)
		return time.Minute
	}
	return d
}
