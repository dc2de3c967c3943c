// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package activation persists event-driven metric activations to SQLite so
// a TTL started before a restart is not silently lost (spec.md §4.4
// "Event-conditional activation"), grounded on internal/repository's sqlx
// connection and schema-migration pattern.
package activation

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/statsengine/statsengine/internal/elog"
)

const schema = `
CREATE TABLE IF NOT EXISTS activation (
	config_key   TEXT NOT NULL,
	metric_id    INTEGER NOT NULL,
	activator    INTEGER NOT NULL,
	start_ns     INTEGER NOT NULL,
	ttl_ns       INTEGER NOT NULL,
	on_boot      INTEGER NOT NULL,
	PRIMARY KEY (config_key, metric_id, activator)
);`

// Record is one persisted activation row.
type Record struct {
	ConfigKey string `db:"config_key"`
	MetricID  int64  `db:"metric_id"`
	Activator int    `db:"activator"`
	StartNs   int64  `db:"start_ns"`
	TTLNs     int64  `db:"ttl_ns"`
	OnBoot    bool   `db:"on_boot"`
}

var (
	connOnce sync.Once
	instance *Store
)

// Store wraps the activation table's sqlx handle. sqlite does not handle
// concurrent writers well, so the pool is capped at one open connection,
// same discipline internal/repository applies to its own sqlite handle.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

func Connect(dbPath string) (*Store, error) {
	var err error
	connOnce.Do(func() {
		var handle *sqlx.DB
		handle, err = sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", dbPath))
		if err != nil {
			return
		}
		handle.SetMaxOpenConns(1)
		if _, execErr := handle.Exec(schema); execErr != nil {
			err = fmt.Errorf("create activation schema: %w", execErr)
			return
		}
		instance = &Store{db: handle}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// Save upserts one activation row.
func (s *Store) Save(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExec(`
		INSERT INTO activation (config_key, metric_id, activator, start_ns, ttl_ns, on_boot)
		VALUES (:config_key, :metric_id, :activator, :start_ns, :ttl_ns, :on_boot)
		ON CONFLICT(config_key, metric_id, activator) DO UPDATE SET
			start_ns = excluded.start_ns, ttl_ns = excluded.ttl_ns, on_boot = excluded.on_boot`, r)
	return err
}

// LoadAll returns every still-unexpired activation row as of nowNs, so the
// caller can re-arm each producer's Base.Activate on startup.
func (s *Store) LoadAll(nowNs int64) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []Record
	if err := s.db.Select(&rows, `SELECT config_key, metric_id, activator, start_ns, ttl_ns, on_boot FROM activation`); err != nil {
		return nil, err
	}
	live := rows[:0]
	for _, r := range rows {
		if r.OnBoot || r.StartNs+r.TTLNs > nowNs {
			live = append(live, r)
		}
	}
	return live, nil
}

// Prune removes rows that expired at or before nowNs and were not
// on_boot, keeping the table from growing unboundedly across restarts.
func (s *Store) Prune(nowNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM activation WHERE on_boot = 0 AND start_ns + ttl_ns <= ?`, nowNs)
	if err != nil {
		elog.Warnf("activation: prune failed: %v", err)
	}
	return err
}

// PruneEvery runs Prune on interval until stop is closed.
func (s *Store) PruneEvery(interval time.Duration, nowNs func() int64, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = s.Prune(nowNs())
		}
	}
}
