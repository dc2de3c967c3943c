// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import "github.com/statsengine/statsengine/internal/elog"

// PreserveState copies forward, in place, every producer whose MetricID and
// ProtoHash are unchanged from prev's installed config. A config update that
// only touches some metrics must not reset the ones that didn't change
// (spec.md §4.1 "Config-update" / §8 scenario 6): reusing the old producer
// object keeps its accumulated bucket totals and duration trackers exactly
// as they were instead of starting them over from the new build's zero
// state. Producers whose hash changed, or that have no counterpart in prev,
// keep the freshly built object.
func (in *Installed) PreserveState(prev *Processor) {
	if prev == nil || prev.installed == nil {
		return
	}

	byMetricID := make(map[int64]MetricProducer, len(prev.installed.Producers))
	for _, p := range prev.installed.Producers {
		byMetricID[producerBase(p).MetricID] = p
	}

	carried := make(map[MetricProducer]MetricProducer, len(in.Producers))
	preservedCount := 0
	for i, p := range in.Producers {
		newBase := producerBase(p)
		old, ok := byMetricID[newBase.MetricID]
		if !ok {
			continue
		}
		oldBase := producerBase(old)
		if oldBase.ProtoHash != newBase.ProtoHash {
			continue
		}
		in.Producers[i] = old
		carried[p] = old
		preservedCount++
	}
	if preservedCount == 0 {
		return
	}

	for matcherIdx, producers := range in.MatcherIndexToProducers {
		for i, p := range producers {
			if old, ok := carried[p]; ok {
				producers[i] = old
			}
		}
		in.MatcherIndexToProducers[matcherIdx] = producers
	}

	configKey := ""
	if len(in.Producers) > 0 {
		configKey = producerBase(in.Producers[0]).ConfigKey
	}
	elog.Infof("config %s: preserved state for %d unchanged metric(s) across rebuild", configKey, preservedCount)
}
