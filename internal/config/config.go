// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates tsqueryd's top-level configuration file.
// The "metric-store" and "nats" sections are handed to their owning packages
// unvalidated here (each validates its own section against its own schema,
// the way the teacher's sub-packages do); this file only validates and
// decodes the fields tsqueryd itself consumes directly.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-lib/v2/schema"
)

// RateLimitConfig configures the per-client token bucket guarding the data
// query endpoint (golang.org/x/time/rate).
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. 0 disables rate limiting.
	RequestsPerSecond float64 `json:"requests-per-second"`
	// Burst is the bucket size; when 0 it defaults to the integer part of
	// RequestsPerSecond plus one.
	Burst int `json:"burst"`
}

// ProgramConfig is the format of tsqueryd's config.json.
type ProgramConfig struct {
	// Address the HTTP server listens on, e.g. ":8080".
	Addr string `json:"addr"`

	// Drop root permissions once the port is bound.
	User  string `json:"user"`
	Group string `json:"group"`

	// Origins allowed to make cross-origin requests against the API.
	// A single "*" disables credentialed CORS and allows any origin.
	CORSAllowedOrigins []string `json:"cors-allowed-origins"`

	RateLimit RateLimitConfig `json:"rate-limit"`

	// Cluster topology: drives pkg/metricstore.BuildMetricList and the
	// context-listing endpoint's node/context catalog.
	Clusters []*schema.Cluster `json:"clusters"`

	// Opaque sub-configuration sections, validated and decoded by their
	// owning packages (pkg/metricstore.Init, pkg/nats.Init).
	Metricstore json.RawMessage `json:"metric-store"`
	Nats        json.RawMessage `json:"nats"`
}

// Keys is the global tsqueryd configuration, populated by Init.
var Keys ProgramConfig = ProgramConfig{
	Addr: ":8080",
	RateLimit: RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             100,
	},
}

const configSchema = `{
	"type": "object",
	"properties": {
		"addr": {"type": "string"},
		"user": {"type": "string"},
		"group": {"type": "string"},
		"cors-allowed-origins": {
			"type": "array",
			"items": {"type": "string"}
		},
		"rate-limit": {
			"type": "object",
			"properties": {
				"requests-per-second": {"type": "number"},
				"burst": {"type": "integer"}
			}
		},
		"clusters": {"type": "array"},
		"metric-store": {"type": "object"},
		"nats": {"type": "object"}
	},
	"required": ["clusters"]
}`

// Init reads and validates flagConfigFile, decoding it into Keys. A missing
// file at the default path is not an error (Keys keeps its defaults, and
// Clusters stays empty); a missing file at an explicitly requested path is
// fatal, matching the teacher's config.Init/cmd/cc-backend convention.
func Init(flagConfigFile string) {
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if !os.IsNotExist(err) || flagConfigFile != "./config.json" {
			cclog.Fatal(err)
		}
		return
	}

	Validate(configSchema, raw)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		cclog.Fatal(err)
	}

	if len(Keys.Clusters) < 1 {
		cclog.Fatal("at least one cluster required in config")
	}
}
