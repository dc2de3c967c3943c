// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scheduler drives the periodic cadences that keep installed
// configs flushing and dumping on schedule even without incoming events,
// grounded on internal/taskManager's gocron.Scheduler wiring.
package scheduler

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/statsengine/statsengine/internal/elog"
	"github.com/statsengine/statsengine/internal/engine"
	"github.com/statsengine/statsengine/internal/report"
)

// Scheduler owns the gocron scheduler and the per-ConfigKey processors it
// ticks and dumps.
type Scheduler struct {
	s      gocron.Scheduler
	writer *report.Writer
}

func New(writer *report.Writer) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{s: s, writer: writer}, nil
}

// RegisterTickJob advances p's bucket clock to wall-clock time every
// bucketPeriod, so idle metrics still flush on their own schedule instead
// of only ever flushing on the next matched event (spec.md §5 "bucket
// clock is independent of event arrival").
func (sc *Scheduler) RegisterTickJob(p *engine.Processor, bucketPeriod time.Duration) error {
	_, err := sc.s.NewJob(
		gocron.DurationJob(bucketPeriod),
		gocron.NewTask(func() {
			p.Tick(time.Now().UnixNano())
		}),
	)
	return err
}

// RegisterDumpJob periodically collects and persists a ConfigKey's reports.
func (sc *Scheduler) RegisterDumpJob(configKey string, p *engine.Processor, dumpPeriod time.Duration) error {
	_, err := sc.s.NewJob(
		gocron.DurationJob(dumpPeriod),
		gocron.NewTask(func() {
			now := time.Now()
			reports := p.DumpReports(now.UnixNano(), engine.NoTimeConstraints)
			if err := sc.writer.WriteDump(configKey, now.UnixNano(), reports); err != nil {
				elog.Errorf("scheduler: dump %s failed: %v", configKey, err)
			}
		}),
	)
	return err
}

func (sc *Scheduler) Start()    { sc.s.Start() }
func (sc *Scheduler) Shutdown() { sc.s.Shutdown() }
