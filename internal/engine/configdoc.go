// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package engine

// This file defines the declarative, JSON-Schema-validated document a
// ConfigKey installs (spec.md §4.8, §6 "Config input"). The admin API
// validates the raw bytes against evaluationConfigSchema (internal/config,
// through ValidateEvaluationConfig) before Builder.Build sees the decoded
// document, mirroring how the daemon config is validated (see
// internal/config/validate.go).

// FieldMatcherDoc is the wire shape of one FieldValueMatcher.
type FieldMatcherDoc struct {
	Path     []int32           `json:"path"`
	Position string            `json:"position,omitempty"` // "", "first", "last", "any", "all"
	Op       string            `json:"op"`
	BoolVal  bool              `json:"bool_val,omitempty"`
	IntVal   int64             `json:"int_val,omitempty"`
	FloatVal float64           `json:"float_val,omitempty"`
	StrVal   string            `json:"str_val,omitempty"`
	StrSet   []string          `json:"str_set,omitempty"`
	IsUID    bool              `json:"is_uid,omitempty"`
	Tuple    []FieldMatcherDoc `json:"tuple,omitempty"`
}

// AtomMatcherDoc is the wire shape of one AtomMatcher node (C1).
type AtomMatcherDoc struct {
	Name   string            `json:"name"`
	AtomID int32             `json:"atom_id,omitempty"`
	Fields []FieldMatcherDoc `json:"fields,omitempty"`

	Op       string   `json:"op,omitempty"` // AND/OR/NOT/NAND/NOR for combinations
	Children []string `json:"children,omitempty"`
}

// ConditionDoc is the wire shape of one ConditionTracker node (C2).
type ConditionDoc struct {
	Name string `json:"name"`

	StartMatcher   string           `json:"start_matcher,omitempty"`
	StopMatcher    string           `json:"stop_matcher,omitempty"`
	StopAllMatcher string           `json:"stop_all_matcher,omitempty"`
	CountNesting   bool             `json:"count_nesting,omitempty"`
	InitialValue   string           `json:"initial_value,omitempty"` // "unknown" or "false"
	SliceField     *FieldMatcherDoc `json:"slice_field,omitempty"`

	Op       string   `json:"op,omitempty"`
	Children []string `json:"children,omitempty"`
}

// AlarmDoc configures a duration-metric alarm's external wake-up wiring; it
// has no tunables of its own beyond naming which alert it serves, but is
// kept as a distinct doc to mirror statsd's separate alarm-vs-alert config
// messages (spec.md §4.7).
type AlarmDoc struct {
	AlertName string `json:"alert_name"`
}

// AlertDoc is the wire shape of one AlertConfig (C7).
type AlertDoc struct {
	Name              string `json:"name"`
	MetricName        string `json:"metric_name"`
	NumBuckets        int64  `json:"num_buckets"`
	RefractoryPeriodS int64  `json:"refractory_period_s"`
	TriggerIfSumGt    int64  `json:"trigger_if_sum_gt"`
}

// ActivationDoc links an activator/deactivator matcher pair (or onBoot flag)
// to a metric (spec.md §4.4 "Event-conditional activation").
type ActivationDoc struct {
	MetricName       string `json:"metric_name"`
	ActivatorMatcher string `json:"activator_matcher"`
	DeactivatorMatcher string `json:"deactivator_matcher,omitempty"`
	TTLSeconds       int64  `json:"ttl_seconds"`
	OnBoot           bool   `json:"on_boot,omitempty"`
}

// MetricDoc is the wire shape of one metric, tagged by Kind.
type MetricDoc struct {
	Name      string `json:"name"`
	ID        int64  `json:"id"`
	Kind      string `json:"kind"` // count/event/value/gauge/duration
	Condition string `json:"condition,omitempty"`
	BucketMs  int64  `json:"bucket_ms"`

	WhatMatcher     string            `json:"what_matcher,omitempty"`      // count/event/value/gauge
	WhatFields      []FieldMatcherDoc `json:"what_fields,omitempty"`
	ConditionFields []FieldMatcherDoc `json:"condition_fields,omitempty"`

	ValueField *FieldMatcherDoc `json:"value_field,omitempty"` // value
	PulledAtom int32            `json:"pulled_atom,omitempty"` // value/gauge
	SliceByState bool           `json:"slice_by_state,omitempty"` // count

	AggType         string `json:"agg_type,omitempty"` // duration: "oring" or "max"
	StartMatcher    string `json:"start_matcher,omitempty"`
	StopMatcher     string `json:"stop_matcher,omitempty"`
	StopAllMatcher  string `json:"stop_all_matcher,omitempty"`

	NoReport bool `json:"no_report,omitempty"` // spec.md §4.8 "no-report metric ids"
}

// ConfigDoc is the top-level declarative evaluation config for one
// ConfigKey: everything the builder needs to install a full pipeline
// (spec.md §4.8).
type ConfigDoc struct {
	ConfigKey    string           `json:"config_key"`
	TimeBaseNs   int64            `json:"time_base_ns"`
	Matchers     []AtomMatcherDoc `json:"matchers"`
	Conditions   []ConditionDoc   `json:"conditions,omitempty"`
	Metrics      []MetricDoc      `json:"metrics"`
	Alerts       []AlertDoc       `json:"alerts,omitempty"`
	Alarms       []AlarmDoc       `json:"alarms,omitempty"`
	Activations  []ActivationDoc  `json:"activations,omitempty"`

	AllowedLogSources []int32 `json:"allowed_log_sources,omitempty"`
	DefaultPullPackages []string `json:"default_pull_packages,omitempty"`
}
