// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/statsengine/statsengine/internal/activation"
	"github.com/statsengine/statsengine/internal/adminapi"
	"github.com/statsengine/statsengine/internal/config"
	"github.com/statsengine/statsengine/internal/elog"
	"github.com/statsengine/statsengine/internal/engine"
	"github.com/statsengine/statsengine/internal/platform"
	"github.com/statsengine/statsengine/internal/report"
	"github.com/statsengine/statsengine/internal/runtimeEnv"
	"github.com/statsengine/statsengine/internal/scheduler"
	"github.com/statsengine/statsengine/internal/telemetry"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	var flagConfigFile, flagLogLevel string
	var flagStopImmediately bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the daemon's default options with those in `config.json`")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "One of debug, info, warn, err")
	flag.BoolVar(&flagStopImmediately, "no-server", false, "Initialize and validate configuration, then exit without starting a server")
	flag.Parse()

	elog.SetLogLevel(flagLogLevel)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		elog.Fatalf("loading '.env' file failed: %s", err.Error())
	}

	config.Init(flagConfigFile)

	if flagStopImmediately {
		return
	}

	activationStore, err := activation.Connect(config.Keys.DB)
	if err != nil {
		elog.Fatalf("connecting to activation store failed: %s", err.Error())
	}

	writer, err := report.NewWriter(config.Keys.ReportDir)
	if err != nil {
		elog.Fatalf("creating report writer failed: %s", err.Error())
	}

	tel := telemetry.New()

	sched, err := scheduler.New(writer)
	if err != nil {
		elog.Fatalf("creating scheduler failed: %s", err.Error())
	}

	pkgDB := platform.NewStaticPackageDB()
	puller := platform.NewChannelPuller()

	var adminSrv *adminapi.Server
	monitor := platform.NewTimerAlarmMonitor(func(key engine.HashableDimensionKey, nowNs int64) {
		if adminSrv != nil {
			adminSrv.BroadcastAlarm(key, nowNs)
		}
	})

	builder := engine.NewBuilder(pkgDB, puller, monitor)
	const bucketTick = 10 * time.Second
	adminSrv = adminapi.NewServer(builder, tel, sched, bucketTick, config.DumpInterval())

	r := mux.NewRouter()
	adminSrv.MountRoutes(r)

	stop := make(chan struct{})
	go activationStore.PruneEvery(1*time.Hour, func() int64 { return time.Now().UnixNano() }, stop)

	if rows, err := activationStore.LoadAll(time.Now().UnixNano()); err != nil {
		elog.Warnf("loading persisted activations failed: %s", err.Error())
	} else {
		elog.Infof("loaded %d persisted activations", len(rows))
	}

	sched.Start()

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	r.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"})))
	loggedRouter := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		elog.Infof("%s %s (%d, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, time.Since(params.TimeStamp).Milliseconds())
	})

	var wg sync.WaitGroup
	server := http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      loggedRouter,
		Addr:         config.Keys.Addr,
	}

	listener, err := net.Listen("tcp", config.Keys.Addr)
	if err != nil {
		elog.Fatal(err)
	}

	elog.Infof("admin API listening at %s", config.Keys.Addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			elog.Fatal(err)
		}
	}()

	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")
		close(stop)
		sched.Shutdown()
		server.Shutdown(context.Background())
	}()

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(50)
	}

	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()
	elog.Info("graceful shutdown completed")
}
