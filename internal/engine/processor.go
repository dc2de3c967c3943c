// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

// Processor drives one installed config's evaluation pipeline against a
// stream of events: evaluate every matcher an event's atom id could touch,
// re-evaluate the conditions that depend on those matchers, and fan the
// resulting matched-event and condition-changed notifications out to every
// affected producer (spec.md §4 "Event dispatch flow", tying together
// C1-C7 per event).
type Processor struct {
	installed *Installed
}

func NewProcessor(installed *Installed) *Processor {
	return &Processor{installed: installed}
}

// OnLogEvent is the single entry point the event source (spec.md §6) calls
// per received atom.
func (p *Processor) OnLogEvent(ev *Event) {
	matcherCache := p.installed.Matchers.NewCache()
	changedCond := make([]bool, p.installed.Conditions.NodeCount())
	changes := p.installed.Conditions.NewChangedCache()

	firedMatchers := p.evaluateRelevantMatchers(ev, matcherCache)
	if len(firedMatchers) == 0 {
		return
	}

	p.installed.Conditions.Evaluate(ev, matcherCache, changedCond, changes)

	for i, changed := range changedCond {
		if !changed {
			continue
		}
		p.dispatchConditionChange(i, ev, changes)
	}

	for _, matcherIdx := range firedMatchers {
		for _, producer := range p.installed.MatcherIndexToProducers[matcherIdx] {
			producer.OnMatchedLogEvent(matcherIdx, ev)
		}
	}
}

// evaluateRelevantMatchers evaluates only the matcher nodes ev's atom id
// could affect (via the node's precomputed AtomIDs set), returning those
// that actually matched. This mirrors statsd's per-event atom-id filtering
// to avoid walking matcher subtrees with no bearing on the event.
func (p *Processor) evaluateRelevantMatchers(ev *Event, cache []MatchingState) []int {
	var fired []int
	for i := 0; i < p.installed.Matchers.NodeCount(); i++ {
		node := p.installed.Matchers.Node(i)
		if _, ok := node.AtomIDs[ev.AtomID]; !ok {
			continue
		}
		if p.installed.Matchers.Evaluate(i, ev, cache) == Matched {
			fired = append(fired, i)
		}
	}
	return fired
}

func (p *Processor) dispatchConditionChange(conditionIndex int, ev *Event, changes []*ConditionChange) {
	node := p.installed.Conditions.Node(conditionIndex)
	newState := p.installed.Conditions.Query(conditionIndex, DefaultKey)

	for _, producer := range p.installed.Producers {
		base := producerBase(producer)
		if base.ConditionTrackerIndex != conditionIndex {
			continue
		}
		if node.sliced() {
			producer.OnSlicedConditionMayChange(ev.TimestampNs)
		} else {
			producer.OnConditionChanged(conditionIndex, newState, ev.TimestampNs)
		}
	}
}

// Tick advances every producer's bucket clock to nowNs without a triggering
// event, so idle metrics still flush on schedule (driven by
// internal/scheduler on the bucket cadence).
func (p *Processor) Tick(nowNs int64) {
	for _, producer := range p.installed.Producers {
		producer.FlushIfNeeded(nowNs)
	}
}

// DumpReports collects every producer's flushed report, skipping the
// configured no-report metric ids (spec.md §4.8 "no-report metric ids").
func (p *Processor) DumpReports(dumpTimeNs int64, latency DumpLatency) []Report {
	reports := make([]Report, 0, len(p.installed.Producers))
	for _, producer := range p.installed.Producers {
		base := producerBase(producer)
		if _, skip := p.installed.NoReportMetricIDs[base.MetricID]; skip {
			continue
		}
		reports = append(reports, producer.OnDumpReport(dumpTimeNs, latency))
	}
	return reports
}

// NotifyAppUpgrade/NotifyAppRemoved forward an app-lifecycle boundary to
// every producer so partial buckets split at the boundary instead of
// attributing post-upgrade samples to the pre-upgrade app version (spec.md
// §4.4 "Partial bucket splitting").
func (p *Processor) NotifyAppUpgrade(uid int32, timestampNs int64) {
	for _, producer := range p.installed.Producers {
		producer.NotifyAppUpgrade(uid, timestampNs)
	}
}

func (p *Processor) NotifyAppRemoved(uid int32, timestampNs int64) {
	for _, producer := range p.installed.Producers {
		producer.NotifyAppRemoved(uid, timestampNs)
	}
}

// DropData clears every producer's accumulated state, used when a config
// is torn down without producing a final report (spec.md §4.4 "dropData").
func (p *Processor) DropData(dropTimeNs int64) {
	for _, producer := range p.installed.Producers {
		producer.DropData(dropTimeNs)
	}
}

// CheckAlarm is called by the external AlarmMonitor (spec.md §6) once a
// wall-clock alarm armed via AnomalyTracker.StartAlarm fires, routing it to
// whichever duration producer owns that dimension key.
func (p *Processor) CheckAlarm(key HashableDimensionKey, nowNs int64) {
	for _, producer := range p.installed.Producers {
		if dp, ok := producer.(*DurationMetricProducer); ok {
			dp.checkAlarm(key, nowNs)
		}
	}
}

// DumpProducerState returns the debug dump of the single producer installed
// for metricID, for the admin API's ad-hoc debug endpoint.
func (p *Processor) DumpProducerState(metricID int64, verbose bool) (string, bool) {
	for _, producer := range p.installed.Producers {
		if producerBase(producer).MetricID == metricID {
			return producer.DumpState(verbose), true
		}
	}
	return "", false
}

// ProducerCount returns the number of installed producers, for telemetry.
func (p *Processor) ProducerCount() int { return len(p.installed.Producers) }
