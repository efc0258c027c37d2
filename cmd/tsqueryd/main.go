// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command tsqueryd serves windowed, tier-planned time-series queries over an
// in-memory, NATS-fed metric store.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/google/gops/agent"
	"github.com/joho/godotenv"
	"github.com/netquery/tsquery/internal/config"
	"github.com/netquery/tsquery/pkg/metricstore"
	"github.com/netquery/tsquery/pkg/nats"
	"github.com/netquery/tsquery/pkg/runtimeEnv"
)

var (
	version = "development"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cliInit()

	if flagVersion {
		fmt.Printf("tsqueryd %s, built %s (%s)\n", version, date, commit)
		os.Exit(0)
	}

	cclog.SetLogLevel(flagLogLevel)

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			cclog.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		cclog.Fatalf("parsing '.env' file failed: %s", err.Error())
	}

	config.Init(flagConfigFile)

	// NATS must be connected before metricstore.Init(), which subscribes to
	// the configured subjects as part of its own startup sequence.
	if err := nats.Init(config.Keys.Nats); err != nil {
		cclog.Fatal(err)
	}
	nats.Connect()

	var wg sync.WaitGroup
	metricstore.Init(config.Keys.Metricstore, metricstore.BuildMetricList(config.Keys.Clusters), &wg)

	serverInit()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")
		serverShutdown()
		metricstore.Shutdown()
	}()

	runtimeEnv.SystemdNotifiy(true, "running")
	serverStart()

	wg.Wait()
	cclog.Info("Graceful shutdown completed")
}
