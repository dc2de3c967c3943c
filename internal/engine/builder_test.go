// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildProcessor(t *testing.T, doc *ConfigDoc) *Processor {
	t.Helper()
	b := NewBuilder(nil, nil, nil)
	installed, err := b.Build(doc)
	require.NoError(t, err)
	return NewProcessor(installed)
}

// TestCountMetricNoCondition covers spec.md §8 scenario 1: a bare count
// metric with no condition gating increments once per matched event and
// reports on the bucket it was flushed into.
func TestCountMetricNoCondition(t *testing.T) {
	doc := &ConfigDoc{
		ConfigKey:  "t1",
		TimeBaseNs: 0,
		Matchers:   []AtomMatcherDoc{{Name: "screen_on", AtomID: 1}},
		Metrics: []MetricDoc{
			{Name: "screen_on_count", ID: 1, Kind: "count", WhatMatcher: "screen_on", BucketMs: 1000},
		},
	}
	p := buildProcessor(t, doc)

	p.OnLogEvent(&Event{AtomID: 1, TimestampNs: 100})
	p.OnLogEvent(&Event{AtomID: 1, TimestampNs: 200})
	p.OnLogEvent(&Event{AtomID: 2, TimestampNs: 300}) // unmatched atom, ignored

	reports := p.DumpReports(2_000_000_000, NoTimeConstraints)
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Count, 1)
	assert.Equal(t, int64(2), reports[0].Count[0].Count)
	assert.Equal(t, DefaultKey, reports[0].Count[0].Key)
}

// TestCountMetricWithCondition covers spec.md §8 scenario 2: a count metric
// gated by a simple start/stop condition only counts events while the
// condition holds true.
func TestCountMetricWithCondition(t *testing.T) {
	doc := &ConfigDoc{
		ConfigKey:  "t2",
		TimeBaseNs: 0,
		Matchers: []AtomMatcherDoc{
			{Name: "screen_on", AtomID: 1},
			{Name: "screen_off", AtomID: 2},
			{Name: "tap", AtomID: 3},
		},
		Conditions: []ConditionDoc{
			{Name: "screen_is_on", StartMatcher: "screen_on", StopMatcher: "screen_off"},
		},
		Metrics: []MetricDoc{
			{Name: "tap_count", ID: 1, Kind: "count", WhatMatcher: "tap", Condition: "screen_is_on", BucketMs: 1000},
		},
	}
	p := buildProcessor(t, doc)

	// Condition starts Unknown; taps before screen_on must not count.
	p.OnLogEvent(&Event{AtomID: 3, TimestampNs: 50})
	p.OnLogEvent(&Event{AtomID: 1, TimestampNs: 100}) // screen on -> condition true
	p.OnLogEvent(&Event{AtomID: 3, TimestampNs: 150})
	p.OnLogEvent(&Event{AtomID: 3, TimestampNs: 160})
	p.OnLogEvent(&Event{AtomID: 2, TimestampNs: 200}) // screen off -> condition false
	p.OnLogEvent(&Event{AtomID: 3, TimestampNs: 250})

	reports := p.DumpReports(2_000_000_000, NoTimeConstraints)
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Count, 1)
	assert.Equal(t, int64(2), reports[0].Count[0].Count)
}

// TestDurationMetricOring covers spec.md §8 scenario 3: an Oring duration
// tracker sums every fully closed start/stop interval within the bucket.
func TestDurationMetricOring(t *testing.T) {
	doc := &ConfigDoc{
		ConfigKey:  "t3",
		TimeBaseNs: 0,
		Matchers: []AtomMatcherDoc{
			{Name: "wl_acquire", AtomID: 1},
			{Name: "wl_release", AtomID: 2},
		},
		Metrics: []MetricDoc{
			{Name: "wakelock_held", ID: 1, Kind: "duration", AggType: "oring", StartMatcher: "wl_acquire", StopMatcher: "wl_release", BucketMs: 10_000},
		},
	}
	p := buildProcessor(t, doc)

	// Two disjoint holds within the same bucket: [0,5s) and [6s,9s) -> 8s total.
	p.OnLogEvent(&Event{AtomID: 1, TimestampNs: 0})
	p.OnLogEvent(&Event{AtomID: 2, TimestampNs: 5_000_000_000})
	p.OnLogEvent(&Event{AtomID: 1, TimestampNs: 6_000_000_000})
	p.OnLogEvent(&Event{AtomID: 2, TimestampNs: 9_000_000_000})

	reports := p.DumpReports(10_000_000_000, NoTimeConstraints)
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Duration, 1)
	assert.Equal(t, int64(8_000_000_000), reports[0].Duration[0].DurationNs)
}

// TestDurationMetricMaxAcrossBoundary covers spec.md §8 scenario 4: a Max
// duration tracker spanning a bucket boundary splits its accumulated
// duration at the boundary rather than attributing it all to one bucket.
func TestDurationMetricMaxAcrossBoundary(t *testing.T) {
	doc := &ConfigDoc{
		ConfigKey:  "t4",
		TimeBaseNs: 0,
		Matchers: []AtomMatcherDoc{
			{Name: "job_start", AtomID: 1},
			{Name: "job_stop", AtomID: 2},
		},
		Metrics: []MetricDoc{
			{Name: "job_duration", ID: 1, Kind: "duration", AggType: "max", StartMatcher: "job_start", StopMatcher: "job_stop", BucketMs: 5_000},
		},
	}
	p := buildProcessor(t, doc)

	// Single held interval [2s, 8s) crosses the 5s bucket boundary.
	p.OnLogEvent(&Event{AtomID: 1, TimestampNs: 2_000_000_000})
	p.OnLogEvent(&Event{AtomID: 2, TimestampNs: 8_000_000_000})

	reports := p.DumpReports(15_000_000_000, NoTimeConstraints)
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Duration, 2)

	var total int64
	for _, d := range reports[0].Duration {
		total += d.DurationNs
		assert.LessOrEqual(t, d.EndNs, int64(10_000_000_000))
	}
	assert.Equal(t, int64(6_000_000_000), total)
}

// TestConfigUpdatePreservesProtoHash covers spec.md §8 scenario 6: rebuilding
// an unchanged metric definition against the same ConfigDoc must produce the
// same ProtoHash, signalling the admin surface that accumulated state for
// that metric may be carried forward instead of restarted.
func TestConfigUpdatePreservesProtoHash(t *testing.T) {
	doc := &ConfigDoc{
		ConfigKey:  "t5",
		TimeBaseNs: 0,
		Matchers:   []AtomMatcherDoc{{Name: "screen_on", AtomID: 1}},
		Metrics: []MetricDoc{
			{Name: "screen_on_count", ID: 1, Kind: "count", WhatMatcher: "screen_on", BucketMs: 1000},
		},
	}
	b := NewBuilder(nil, nil, nil)

	installed1, err := b.Build(doc)
	require.NoError(t, err)
	hash1 := producerBase(installed1.Producers[0]).ProtoHash

	installed2, err := b.Build(doc)
	require.NoError(t, err)
	hash2 := producerBase(installed2.Producers[0]).ProtoHash

	assert.Equal(t, hash1, hash2)

	// Changing the bucket size changes the metric's declarative shape, so
	// its hash must differ.
	doc2 := *doc
	doc2.Metrics = []MetricDoc{
		{Name: "screen_on_count", ID: 1, Kind: "count", WhatMatcher: "screen_on", BucketMs: 2000},
	}
	installed3, err := b.Build(&doc2)
	require.NoError(t, err)
	hash3 := producerBase(installed3.Producers[0]).ProtoHash
	assert.NotEqual(t, hash1, hash3)
}

func TestPreserveStateKeepsAccumulatedCountAcrossRebuild(t *testing.T) {
	doc := &ConfigDoc{
		ConfigKey:  "t6",
		TimeBaseNs: 0,
		Matchers:   []AtomMatcherDoc{{Name: "tap", AtomID: 1}},
		Metrics: []MetricDoc{
			{Name: "tap_count", ID: 1, Kind: "count", WhatMatcher: "tap", BucketMs: 10_000},
		},
	}
	b := NewBuilder(nil, nil, nil)

	installed1, err := b.Build(doc)
	require.NoError(t, err)
	processor1 := NewProcessor(installed1)
	processor1.OnLogEvent(&Event{AtomID: 1, TimestampNs: 100})
	processor1.OnLogEvent(&Event{AtomID: 1, TimestampNs: 200})

	// Reinstalling the byte-for-byte identical config must not reset the
	// two taps already counted into the still-open bucket.
	installed2, err := b.Build(doc)
	require.NoError(t, err)
	installed2.PreserveState(processor1)
	processor2 := NewProcessor(installed2)
	processor2.OnLogEvent(&Event{AtomID: 1, TimestampNs: 300})

	reports := processor2.DumpReports(10_000_000_000, NoTimeConstraints)
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Count, 1)
	assert.Equal(t, int64(3), reports[0].Count[0].Count)

	// A config update that changes the metric's bucket size must NOT
	// preserve state: the hash differs, so the rebuilt producer starts
	// cold instead of inheriting the three counted taps above.
	doc2 := *doc
	doc2.Metrics = []MetricDoc{
		{Name: "tap_count", ID: 1, Kind: "count", WhatMatcher: "tap", BucketMs: 20_000},
	}
	installed3, err := b.Build(&doc2)
	require.NoError(t, err)
	installed3.PreserveState(processor2)
	processor3 := NewProcessor(installed3)
	reports = processor3.DumpReports(20_000_000_000, NoTimeConstraints)
	require.Len(t, reports, 1)
	require.Empty(t, reports[0].Count)
}

func TestBuilderRejectsUnknownMatcher(t *testing.T) {
	doc := &ConfigDoc{
		ConfigKey: "t6",
		Matchers:  []AtomMatcherDoc{{Name: "screen_on", AtomID: 1}},
		Metrics: []MetricDoc{
			{Name: "bad", ID: 1, Kind: "count", WhatMatcher: "does_not_exist", BucketMs: 1000},
		},
	}
	b := NewBuilder(nil, nil, nil)
	_, err := b.Build(doc)
	assert.Error(t, err)
}

func TestBuilderRejectsMatcherCycle(t *testing.T) {
	doc := &ConfigDoc{
		ConfigKey: "t7",
		Matchers: []AtomMatcherDoc{
			{Name: "a", Op: "AND", Children: []string{"b"}},
			{Name: "b", Op: "AND", Children: []string{"a"}},
		},
		Metrics: []MetricDoc{},
	}
	b := NewBuilder(nil, nil, nil)
	_, err := b.Build(doc)
	assert.Error(t, err)
}

func TestBuilderRejectsDuplicateMatcherName(t *testing.T) {
	doc := &ConfigDoc{
		ConfigKey: "t8",
		Matchers: []AtomMatcherDoc{
			{Name: "dup", AtomID: 1},
			{Name: "dup", AtomID: 2},
		},
		Metrics: []MetricDoc{},
	}
	b := NewBuilder(nil, nil, nil)
	_, err := b.Build(doc)
	assert.Error(t, err)
}
