// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/statsengine/statsengine/internal/elog"
)

// PullConfig is the per-atom pull cadence configuration the daemon reads at
// startup and hands to the registered Puller (spec.md §4.5 "Value"/"Gauge"
// pull-based producers, §6 "Puller interface consumed").
type PullConfig struct {
	Atoms []AtomPullConfig `json:"atoms"`
}

// AtomPullConfig is one pulled atom's registration: how often it may be
// pulled, and whether it is currently enabled.
type AtomPullConfig struct {
	AtomTagID int32 `json:"atom_tag_id"`
	// BucketMs is the minimum interval, in milliseconds, between pulls of
	// this atom. Puller.RegisterReceiver receives it; ChannelPuller only
	// records it and does not throttle pulls.
	BucketMs int64 `json:"bucket_ms"`
	Disabled bool  `json:"disabled"`
}

var PullKeys PullConfig

// InitPullConfig decodes pullConfig (already read from disk by the caller)
// over PullKeys. An absent or empty document leaves PullKeys at its zero
// value: no atoms pre-registered, which is a valid (if degenerate) pull
// configuration.
func InitPullConfig(pullConfig json.RawMessage) {
	if len(pullConfig) == 0 {
		return
	}
	dec := json.NewDecoder(bytes.NewReader(pullConfig))
	if err := dec.Decode(&PullKeys); err != nil {
		elog.Fatalf("pull config: could not decode %q: %s", string(pullConfig), err.Error())
	}
}

// BucketMsFor returns the configured pull cadence for atomTagID.
func BucketMsFor(atomTagID int32) (int64, error) {
	for _, a := range PullKeys.Atoms {
		if a.AtomTagID == atomTagID && !a.Disabled {
			return a.BucketMs, nil
		}
	}
	return 0, fmt.Errorf("pull config: atom %d not registered", atomTagID)
}
