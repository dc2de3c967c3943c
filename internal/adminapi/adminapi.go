// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package adminapi exposes the small HTTP surface an operator or deploy
// pipeline uses to install configs and inspect running state, grounded on
// internal/api's RestApi: a struct of dependencies, gorilla/mux routes, a
// decode/handleError pair, and per-handler JSON responses.
package adminapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/statsengine/statsengine/internal/config"
	"github.com/statsengine/statsengine/internal/elog"
	"github.com/statsengine/statsengine/internal/engine"
	"github.com/statsengine/statsengine/internal/scheduler"
	"github.com/statsengine/statsengine/internal/telemetry"
)

// ErrorResponse is the JSON body every failed handler writes.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Server holds every installed config's live Processor plus the shared
// collaborators needed to install a new one.
type Server struct {
	builder   *engine.Builder
	telemetry *telemetry.Telemetry
	sched     *scheduler.Scheduler

	bucketTick time.Duration
	dumpPeriod time.Duration

	// installLimiter caps how often configs may be (re)installed, so a
	// misbehaving deploy pipeline retrying a bad config can't thrash the
	// scheduler with tick/dump job churn.
	installLimiter *rate.Limiter

	mu         sync.RWMutex
	processors map[string]*engine.Processor
}

func NewServer(builder *engine.Builder, tel *telemetry.Telemetry, sched *scheduler.Scheduler, bucketTick, dumpPeriod time.Duration) *Server {
	return &Server{
		builder:        builder,
		telemetry:      tel,
		sched:          sched,
		bucketTick:     bucketTick,
		dumpPeriod:     dumpPeriod,
		installLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		processors:     make(map[string]*engine.Processor),
	}
}

// MountRoutes registers the admin surface under r, mirroring RestApi's
// PathPrefix/Subrouter setup.
func (s *Server) MountRoutes(r *mux.Router) {
	r = r.PathPrefix("/api").Subrouter()
	r.StrictSlash(true)

	r.HandleFunc("/configs", s.installConfig).Methods(http.MethodPost, http.MethodPut)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.telemetry.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/debug/metrics/{id}", s.debugMetric).Methods(http.MethodGet)
}

// BroadcastAlarm forwards a fired wall-clock alarm (platform.TimerAlarmMonitor's
// onFire callback) to every installed processor; only the one whose duration
// producer actually owns the dimension key acts on it.
func (s *Server) BroadcastAlarm(key engine.HashableDimensionKey, nowNs int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.processors {
		p.CheckAlarm(key, nowNs)
	}
}

// Processor returns the live processor installed for a ConfigKey, for
// callers outside the HTTP surface (the event source, the scheduler's
// startup re-registration after a restart).
func (s *Server) Processor(configKey string) (*engine.Processor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processors[configKey]
	return p, ok
}

// installConfig validates and builds a ConfigDoc, installing (or replacing)
// the processor for its config_key and wiring it into the scheduler's tick
// and dump cadences (spec.md §4.8 "ConfigParser/Builder").
func (s *Server) installConfig(rw http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	if !s.installLimiter.Allow() {
		handleError(fmt.Errorf("request %s: too many config installs, try again shortly", requestID), http.StatusTooManyRequests, rw)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		handleError(fmt.Errorf("reading request body failed: %w", err), http.StatusBadRequest, rw)
		return
	}

	if err := config.ValidateEvaluationConfig(body); err != nil {
		handleError(fmt.Errorf("config failed validation: %w", err), http.StatusBadRequest, rw)
		return
	}

	var doc engine.ConfigDoc
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		handleError(fmt.Errorf("parsing config document failed: %w", err), http.StatusBadRequest, rw)
		return
	}

	installed, err := s.builder.Build(&doc)
	if err != nil {
		handleError(fmt.Errorf("building config %q failed: %w", doc.ConfigKey, err), http.StatusUnprocessableEntity, rw)
		return
	}

	s.mu.Lock()
	// A metric whose ProtoHash is unchanged from the config it replaces keeps
	// its accumulated bucket/tracker state instead of restarting cold
	// (spec.md §4.1 "Config-update" / §8 scenario 6).
	installed.PreserveState(s.processors[doc.ConfigKey])
	processor := engine.NewProcessor(installed)
	s.processors[doc.ConfigKey] = processor
	s.mu.Unlock()

	if err := s.sched.RegisterTickJob(processor, s.bucketTick); err != nil {
		handleError(fmt.Errorf("scheduling tick job for %q failed: %w", doc.ConfigKey, err), http.StatusInternalServerError, rw)
		return
	}
	if err := s.sched.RegisterDumpJob(doc.ConfigKey, processor, s.dumpPeriod); err != nil {
		handleError(fmt.Errorf("scheduling dump job for %q failed: %w", doc.ConfigKey, err), http.StatusInternalServerError, rw)
		return
	}

	s.telemetry.ActiveProducers.Add(float64(processor.ProducerCount()))
	elog.Infof("adminapi: request %s installed config %q with %d producers", requestID, doc.ConfigKey, processor.ProducerCount())

	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(http.StatusCreated)
	json.NewEncoder(rw).Encode(map[string]any{
		"config_key": doc.ConfigKey,
		"producers":  processor.ProducerCount(),
	})
}

func (s *Server) healthz(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(map[string]any{"status": "ok"})
}

// debugMetric dumps one producer's internal state for operator inspection.
// The owning config is selected by the "config_key" query parameter since
// metric ids are only unique within a config.
func (s *Server) debugMetric(rw http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		handleError(fmt.Errorf("invalid metric id: %w", err), http.StatusBadRequest, rw)
		return
	}
	configKey := r.URL.Query().Get("config_key")
	processor, ok := s.Processor(configKey)
	if !ok {
		handleError(fmt.Errorf("no config installed for config_key %q", configKey), http.StatusNotFound, rw)
		return
	}
	verbose := r.URL.Query().Get("verbose") == "true"
	dump, ok := processor.DumpProducerState(id, verbose)
	if !ok {
		handleError(fmt.Errorf("no metric %d installed under config_key %q", id, configKey), http.StatusNotFound, rw)
		return
	}
	rw.Header().Add("Content-Type", "text/plain")
	rw.WriteHeader(http.StatusOK)
	io.WriteString(rw, dump)
}

func handleError(err error, statusCode int, rw http.ResponseWriter) {
	elog.Warnf("adminapi: %s", err.Error())
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(ErrorResponse{
		Status: http.StatusText(statusCode),
		Error:  err.Error(),
	})
}
