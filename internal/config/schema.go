// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

// daemonSchema validates the process-level configuration file (listen
// address, storage paths, cadences). The declarative evaluation config
// installed per ConfigKey is validated separately, against
// evaluationConfigSchema, since it is supplied at runtime rather than at
// process start.
var daemonSchema = `
{
  "type": "object",
  "properties": {
    "addr": {
      "description": "Address the admin HTTP API listens on (for example: 'localhost:8080').",
      "type": "string"
    },
    "db": {
      "description": "Path to the SQLite activation-state database (e.g., './var/statsengine.db').",
      "type": "string"
    },
    "report-dir": {
      "description": "Directory streaming Avro reports are written to.",
      "type": "string"
    },
    "dump-period": {
      "description": "How often, as a duration string, producers are dumped to a report regardless of an external request.",
      "type": "string"
    },
    "validate": {
      "description": "Validate this daemon config against its schema when it is loaded. Installed evaluation configs are always validated.",
      "type": "boolean"
    },
    "dimension-guardrail": {
      "description": "Per-metric cap on distinct dimension keys tracked concurrently.",
      "type": "integer"
    }
  },
  "required": ["db"]
}`

// evaluationConfigSchema validates one ConfigDoc (internal/engine.ConfigDoc)
// before it reaches the Builder, mirroring statsd's own config.proto
// structural checks but expressed declaratively (spec.md §4.8, §7).
var evaluationConfigSchema = `
{
  "type": "object",
  "properties": {
    "config_key": { "type": "string" },
    "time_base_ns": { "type": "integer" },
    "matchers": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": { "type": "string" },
          "atom_id": { "type": "integer" },
          "op": { "type": "string", "enum": ["AND", "OR", "NOT", "NAND", "NOR"] },
          "children": { "type": "array", "items": { "type": "string" } }
        },
        "required": ["name"]
      }
    },
    "conditions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": { "type": "string" },
          "initial_value": { "type": "string", "enum": ["unknown", "false"] }
        },
        "required": ["name"]
      }
    },
    "metrics": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": { "type": "string" },
          "id": { "type": "integer" },
          "kind": { "type": "string", "enum": ["count", "event", "value", "gauge", "duration"] },
          "bucket_ms": { "type": "integer" }
        },
        "required": ["name", "id", "kind", "bucket_ms"]
      }
    },
    "alerts": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": { "type": "string" },
          "metric_name": { "type": "string" },
          "num_buckets": { "type": "integer", "minimum": 1 },
          "refractory_period_s": { "type": "integer", "minimum": 0 },
          "trigger_if_sum_gt": { "type": "integer" }
        },
        "required": ["name", "metric_name", "num_buckets", "trigger_if_sum_gt"]
      }
    }
  },
  "required": ["config_key", "time_base_ns", "matchers", "metrics"]
}`
