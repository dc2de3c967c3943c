// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package report streams engine.Report dumps out as Avro Object Container
// Files, one file per dump per ConfigKey, grounded on how
// internal/memorystore's avroCheckpoint.go drives goavro's OCF writer.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/statsengine/statsengine/internal/elog"
	"github.com/statsengine/statsengine/internal/engine"
)

// recordSchema is fixed rather than generated per dump: unlike the
// teacher's arbitrary per-metric-name fields, every producer kind here
// flattens to the same bounded column set, so one schema covers all of
// them and a reader never has to reconcile schema drift across files.
const recordSchema = `
{
  "type": "record",
  "name": "MetricReport",
  "fields": [
    {"name": "metric_id", "type": "long"},
    {"name": "config_key", "type": "string"},
    {"name": "kind", "type": "string"},
    {"name": "dimension_key", "type": "string"},
    {"name": "condition_key", "type": "string"},
    {"name": "start_ns", "type": "long"},
    {"name": "end_ns", "type": "long"},
    {"name": "int_value", "type": ["null", "long"], "default": null},
    {"name": "float_value", "type": ["null", "double"], "default": null},
    {"name": "dropped_dimensions", "type": "long", "default": 0}
  ]
}`

// Writer appends engine.Report dumps to per-ConfigKey Avro files under dir.
type Writer struct {
	dir   string
	codec *goavro.Codec
}

func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	codec, err := goavro.NewCodec(recordSchema)
	if err != nil {
		return nil, fmt.Errorf("compile report schema: %w", err)
	}
	return &Writer{dir: dir, codec: codec}, nil
}

// WriteDump appends every report's rows to "<configKey>_<dumpTimeNs>.avro"
// inside the writer's directory.
func (w *Writer) WriteDump(configKey string, dumpTimeNs int64, reports []engine.Report) error {
	records := toRecords(reports)
	if len(records) == 0 {
		return nil
	}

	fileName := fmt.Sprintf("%s_%d.avro", configKey, dumpTimeNs)
	filePath := filepath.Join(w.dir, fileName)

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	defer f.Close()

	writer, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               f,
		Codec:           w.codec,
		CompressionName: goavro.CompressionDeflateLabel,
	})
	if err != nil {
		return fmt.Errorf("create OCF writer: %w", err)
	}
	if err := writer.Append(records); err != nil {
		return fmt.Errorf("append records: %w", err)
	}

	elog.Debugf("report: wrote %d records to %s", len(records), filePath)
	return nil
}

func toRecords(reports []engine.Report) []map[string]any {
	var out []map[string]any
	for _, r := range reports {
		kind := kindName(r.Kind)
		for _, v := range r.Count {
			out = append(out, baseRecord(r, kind, string(v.Key), string(v.Condition), v.StartNs, v.EndNs, intVal(v.Count), nil))
		}
		for _, v := range r.Event {
			out = append(out, baseRecord(r, kind, string(v.Key), string(v.Condition), v.TimestampNs, v.TimestampNs, nil, nil))
		}
		for _, v := range r.Value {
			out = append(out, baseRecord(r, kind, string(v.Key), string(v.Condition), v.StartNs, v.EndNs, nil, floatVal(v.Value)))
		}
		for _, v := range r.Gauge {
			out = append(out, baseRecord(r, kind, string(v.Key), string(v.Condition), v.StartNs, v.StartNs, nil, nil))
		}
		for _, v := range r.Duration {
			out = append(out, baseRecord(r, kind, string(v.Key), string(v.Condition), v.StartNs, v.EndNs, intVal(v.DurationNs), nil))
		}
	}
	return out
}

func baseRecord(r engine.Report, kind, dimKey, condKey string, startNs, endNs int64, iv *int64, fv *float64) map[string]any {
	rec := map[string]any{
		"metric_id":          r.MetricID,
		"config_key":         r.ConfigKey,
		"kind":               kind,
		"dimension_key":      dimKey,
		"condition_key":      condKey,
		"start_ns":           startNs,
		"end_ns":             endNs,
		"dropped_dimensions": r.DroppedDimensions,
	}
	if iv != nil {
		rec["int_value"] = goavro.Union("long", *iv)
	} else {
		rec["int_value"] = nil
	}
	if fv != nil {
		rec["float_value"] = goavro.Union("double", *fv)
	} else {
		rec["float_value"] = nil
	}
	return rec
}

func intVal(v int64) *int64      { return &v }
func floatVal(v float64) *float64 { return &v }

func kindName(k engine.ProducerKind) string {
	switch k {
	case engine.KindCount:
		return "count"
	case engine.KindEvent:
		return "event"
	case engine.KindValue:
		return "value"
	case engine.KindGauge:
		return "gauge"
	case engine.KindDuration:
		return "duration"
	default:
		return "unknown"
	}
}

// DumpTimeSuffix formats a dump timestamp the way filenames key on it,
// exposed for tests asserting on written file names.
func DumpTimeSuffix(t time.Time) int64 { return t.UnixNano() }
