// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api mounts tsqueryd's two external endpoints (the context catalog
// and the time-series data query) and the /metrics self-observability
// endpoint onto a gorilla/mux router, in the teacher's internal/api idiom.
package api

// @title                      tsqueryd Query API
// @version                    1.0.0
// @description                Time-series context catalog and data query API.

// @contact.name               ClusterCockpit Project
// @contact.url                https://github.com/ClusterCockpit

// @license.name               MIT License
// @license.url                https://opensource.org/licenses/MIT

// @host                       localhost:8080
// @basePath                   /api

import (
	"encoding/json"
	"io"
	"net/http"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// RestApi bundles the handlers' dependencies. All state lives in
// pkg/metricstore's singleton; RestApi itself only carries the transport-
// level configuration (rate limiting).
type RestApi struct {
	Limiter *ClientLimiter
}

// New constructs a RestApi. limit <= 0 disables rate limiting.
func New(requestsPerSecond float64, burst int) *RestApi {
	return &RestApi{Limiter: NewClientLimiter(rate.Limit(requestsPerSecond), burst)}
}

// MountRoutes registers tsqueryd's routes on r.
func (api *RestApi) MountRoutes(r *mux.Router) {
	r = r.PathPrefix("/api").Subrouter()
	r.StrictSlash(true)

	data := r.PathPrefix("/").Subrouter()
	if api.Limiter != nil {
		data.Use(api.Limiter.Middleware)
	}

	data.HandleFunc("/v1/data", api.getData).Methods(http.MethodGet, http.MethodPost)
	data.HandleFunc("/v2/data", api.getData).Methods(http.MethodGet, http.MethodPost)
	data.HandleFunc("/v2/contexts", api.getContexts).Methods(http.MethodGet, http.MethodPost)

	r.Handle("/metrics", MetricsHandler()).Methods(http.MethodGet)
}

// ErrorResponse is the JSON body returned on a non-2xx response.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func handleError(err error, statusCode int, rw http.ResponseWriter) {
	cclog.Warnf("REST ERROR : %s", err.Error())
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(ErrorResponse{
		Status: http.StatusText(statusCode),
		Error:  err.Error(),
	})
}

func decode(r io.Reader, val interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(val)
}

func writeJSON(rw http.ResponseWriter, val interface{}) {
	if err := json.NewEncoder(rw).Encode(val); err != nil {
		cclog.Errorf("REST: failed to encode response: %s", err.Error())
	}
}
