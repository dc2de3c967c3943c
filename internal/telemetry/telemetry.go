// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry exposes the daemon's own operational metrics —
// dimension-guardrail drops, anomaly notifications, dump latency — via a
// dedicated Prometheus registry, in the spirit of how a Collector wraps a
// domain object to report its internal counters without the domain object
// depending on Prometheus directly.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/statsengine/statsengine/internal/engine"
)

// Telemetry owns the daemon's Prometheus registry and handles.
type Telemetry struct {
	Registry *prometheus.Registry

	GuardrailDrops   *prometheus.CounterVec
	AnomaliesFired   *prometheus.CounterVec
	DumpLatency      prometheus.Histogram
	ActiveProducers  prometheus.Gauge
	EventsProcessed  prometheus.Counter
}

// New builds and registers every metric against a fresh registry so tests
// can construct independent instances without colliding on the default
// global registry.
func New() *Telemetry {
	reg := prometheus.NewRegistry()

	t := &Telemetry{
		Registry: reg,
		GuardrailDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statsengine",
			Name:      "dimension_guardrail_drops_total",
			Help:      "Samples dropped because a metric's dimension cardinality guardrail was hit.",
		}, []string{"metric_id"}),
		AnomaliesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statsengine",
			Name:      "anomalies_fired_total",
			Help:      "Anomalies declared, outside their refractory period, per metric.",
		}, []string{"metric_id"}),
		DumpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "statsengine",
			Name:      "dump_latency_seconds",
			Help:      "Wall time spent producing one report dump across all producers.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveProducers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "statsengine",
			Name:      "active_producers",
			Help:      "Number of installed metric producers across all configs.",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statsengine",
			Name:      "events_processed_total",
			Help:      "Events handed to the processor's OnLogEvent entry point.",
		}),
	}

	reg.MustRegister(t.GuardrailDrops, t.AnomaliesFired, t.DumpLatency, t.ActiveProducers, t.EventsProcessed)
	return t
}

// ObserveDump records how long one dump pass took.
func (t *Telemetry) ObserveDump(d time.Duration) {
	t.DumpLatency.Observe(d.Seconds())
}

// AnomalySubscriber adapts Telemetry into an engine.Subscriber so every
// declared anomaly increments AnomaliesFired without the engine package
// importing Prometheus itself.
type AnomalySubscriber struct {
	telemetry *Telemetry
}

func NewAnomalySubscriber(t *Telemetry) *AnomalySubscriber {
	return &AnomalySubscriber{telemetry: t}
}

func (s *AnomalySubscriber) Notify(configKey string, metricID int64, dimensionKey engine.HashableDimensionKey) {
	s.telemetry.AnomaliesFired.WithLabelValues(strconv.FormatInt(metricID, 10)).Inc()
}
