// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/netquery/tsquery/internal/api"
	"github.com/netquery/tsquery/internal/config"
	"github.com/netquery/tsquery/pkg/runtimeEnv"
)

var (
	router *mux.Router
	server *http.Server
)

func serverInit() {
	apiHandle := api.New(config.Keys.RateLimit.RequestsPerSecond, config.Keys.RateLimit.Burst)

	router = mux.NewRouter()
	apiHandle.MountRoutes(router)

	router.Use(handlers.CompressHandler)
	router.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))

	origins := config.Keys.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization", "Origin"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedOrigins(origins)))
}

func serverStart() {
	logged := handlers.CustomLoggingHandler(io.Discard, router, func(_ io.Writer, params handlers.LogFormatterParams) {
		cclog.Debugf("%s %s (%d, %.02fkb, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, float32(params.Size)/1024,
			time.Since(params.TimeStamp).Milliseconds())
	})

	server = &http.Server{
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
		Handler:      logged,
		Addr:         config.Keys.Addr,
	}

	listener, err := net.Listen("tcp", config.Keys.Addr)
	if err != nil {
		cclog.Fatalf("starting http listener failed: %v", err)
	}

	// The listener must be bound before dropping privileges: tsqueryd
	// typically wants a low port, which requires root, but should not keep
	// running as root afterwards.
	if err := runtimeEnv.DropPrivileges(config.Keys.User, config.Keys.Group); err != nil {
		cclog.Fatalf("error while preparing server start: %s", err.Error())
	}

	cclog.Infof("HTTP server listening at %s", config.Keys.Addr)
	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		cclog.Fatalf("starting server failed: %v", err)
	}
}

func serverShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		cclog.Warnf("error during server shutdown: %s", err.Error())
	}
}
