// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metricstore provides config.go: Configuration structures and metric management.
//
// # Configuration Hierarchy
//
// The metricstore package uses nested configuration structures:
//
//	MetricStoreConfig (Keys)
//	├─ NumWorkers: Query engine worker threads (sizes each query's read-ahead)
//	├─ RetentionInMemory: How long to keep tier-0 data in RAM
//	├─ MemoryCap: Memory limit in GB, 0 = unlimited (triggers forceFree)
//	├─ Debug: Development/debugging options
//	└─ Subscriptions: NATS topic subscriptions for metric ingestion
//
// # Metric Configuration
//
// Each metric (e.g., "cpu_load", "mem_used") has a MetricConfig entry in the global
// Metrics map, defining:
//
//   - Frequency: Measurement interval in seconds
//   - Aggregation: How to combine values (sum/avg/none) when transforming scopes
//   - offset: Internal index into Level.metrics slice (assigned during Init)
//
// # AggregationStrategy
//
// Determines how to combine metric values when aggregating from finer to coarser scopes:
//
//   - NoAggregation: Do not combine (incompatible scopes)
//   - SumAggregation: Add values (e.g., power consumption: core→socket)
//   - AvgAggregation: Average values (e.g., temperature: core→socket)
package metricstore

import (
	"fmt"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-lib/v2/schema"
)

const (
	DefaultMaxWorkers                 = 10
	DefaultBufferCapacity             = 512
	DefaultGCTriggerInterval          = 100
	DefaultMemoryUsageTrackerInterval = 1 * time.Hour
	// DefaultBackfillFactor is how many tier-0 samples are folded into one
	// tier-1 bucket when ageing data is downsampled (backfill.go).
	DefaultBackfillFactor = 60
)

// Debug provides development and profiling options.
//
// Fields:
//   - EnableGops: Enable gops agent for live runtime debugging (https://github.com/google/gops)
type Debug struct {
	EnableGops bool `json:"gops"`
}

// Subscriptions defines NATS topics to subscribe to for metric ingestion.
//
// Each subscription receives metrics via NATS messaging, enabling real-time
// data collection from compute nodes.
//
// Fields:
//   - SubscribeTo: NATS subject/channel name (e.g., "metrics.compute.*")
//   - ClusterTag:  Default cluster name for metrics without cluster tag (optional)
type Subscriptions []struct {
	// Channel name
	SubscribeTo string `json:"subscribe-to"`

	// Allow lines without a cluster tag, use this as default, optional
	ClusterTag string `json:"cluster-tag"`
}

// MetricStoreConfig defines the main configuration for the metricstore.
//
// Loaded from tsqueryd's config.json "metric-store" section. Controls memory
// usage and metric ingestion.
//
// Fields:
//   - NumWorkers:        Query engine worker threads, sizing each query's read-ahead (0 = auto: min(NumCPU/2+1, 10))
//   - RetentionInMemory: Duration string (e.g., "48h") for tier-0 in-memory retention
//   - MemoryCap:         Max Go heap allocation in GB (0 = unlimited); triggers forceFree when exceeded
//   - Debug:             Development/profiling options (nil = disabled)
//   - Subscriptions:     NATS topics for metric ingestion (nil = no live ingestion)
type MetricStoreConfig struct {
	// Passed to the query engine as WorkerThreads: a query runs at most
	// NumWorkers*10-1 metrics at once.
	// If not set or 0, defaults to min(runtime.NumCPU()/2+1, 10)
	NumWorkers        int            `json:"num-workers"`
	RetentionInMemory string         `json:"retention-in-memory"`
	MemoryCap         int            `json:"memory-cap"`
	Debug             *Debug         `json:"debug"`
	Subscriptions     *Subscriptions `json:"nats-subscriptions"`

	// BackfillFactor is how many tier-0 samples are folded into a single
	// tier-1 (backfill) bucket. 0 disables the backfill tier entirely: the
	// tier planner then only ever sees tier 0.
	BackfillFactor int `json:"backfill-factor"`
	// BackfillMargin is how long before the RetentionInMemory cutoff data
	// becomes eligible for downsampling into tier 1, as a duration string.
	// Must leave enough headroom that a running query's plan segments don't
	// get freed out from under it between planning and read.
	BackfillMargin string `json:"backfill-margin"`
}

// Keys is the global metricstore configuration instance.
//
// Initialized with defaults, then overwritten by tsqueryd's config.json.
// Accessed by Init() and other lifecycle functions.
var Keys MetricStoreConfig = MetricStoreConfig{
	RetentionInMemory: "48h",
	BackfillFactor:    DefaultBackfillFactor,
	BackfillMargin:    "1h",
}

// configSchema validates the "metric-store" section of the application config
// before it is decoded into Keys.
const configSchema = `{
	"type": "object",
	"properties": {
		"num-workers": {"type": "integer"},
		"retention-in-memory": {"type": "string"},
		"memory-cap": {"type": "integer"},
		"debug": {
			"type": "object",
			"properties": {
				"gops": {"type": "boolean"}
			}
		},
		"nats-subscriptions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"subscribe-to": {"type": "string"},
					"cluster-tag": {"type": "string"}
				},
				"required": ["subscribe-to"]
			}
		},
		"backfill-factor": {"type": "integer"},
		"backfill-margin": {"type": "string"}
	}
}`

// AggregationStrategy defines how to combine metric values across hierarchy levels.
//
// Used when transforming data from finer-grained scopes (e.g., core) to coarser scopes
// (e.g., socket). This is SPATIAL aggregation, not TEMPORAL (time-based) aggregation.
//
// Values:
//   - NoAggregation:  Do not aggregate (incompatible scopes or non-aggregatable metrics)
//   - SumAggregation: Add values (e.g., power: sum core power → socket power)
//   - AvgAggregation: Average values (e.g., temperature: average core temps → socket temp)
type AggregationStrategy int

const (
	NoAggregation  AggregationStrategy = iota // Do not aggregate
	SumAggregation                            // Sum values (e.g., power, energy)
	AvgAggregation                            // Average values (e.g., temperature, utilization)
)

// AssignAggregationStrategy parses a string into an AggregationStrategy value.
//
// Used when loading metric configurations from JSON/YAML files.
//
// Parameters:
//   - str: "sum", "avg", or "" (empty string for NoAggregation)
//
// Returns:
//   - AggregationStrategy: Parsed value
//   - error:               Non-nil if str is unrecognized
func AssignAggregationStrategy(str string) (AggregationStrategy, error) {
	switch str {
	case "":
		return NoAggregation, nil
	case "sum":
		return SumAggregation, nil
	case "avg":
		return AvgAggregation, nil
	default:
		return NoAggregation, fmt.Errorf("[METRICSTORE]> unknown aggregation strategy: %s", str)
	}
}

// MetricConfig defines configuration for a single metric type.
//
// Stored in the global Metrics map, keyed by metric name (e.g., "cpu_load").
//
// Fields:
//   - Frequency:   Measurement interval in seconds (e.g., 60 for 1-minute granularity)
//   - Aggregation: How to combine values across hierarchy levels (sum/avg/none)
//   - offset:      Internal index into Level.metrics slice (assigned during Init)
type MetricConfig struct {
	// Interval in seconds at which measurements are stored
	Frequency int64

	// Can be 'sum', 'avg' or null. Describes how to aggregate metrics from the same timestep over the hierarchy.
	Aggregation AggregationStrategy

	// Private, used internally...
	offset int
}

// BuildMetricList derives the per-metric frequency/aggregation table from the
// cluster topology configuration loaded at startup. The widest timestep seen
// for a metric name across clusters and subclusters wins, since the buffer
// chain for that metric must be able to hold the coarsest producer's rate.
func BuildMetricList(clusters []*schema.Cluster) map[string]MetricConfig {
	var metrics map[string]MetricConfig = make(map[string]MetricConfig)

	addMetric := func(name string, metric MetricConfig) error {
		if metrics == nil {
			metrics = make(map[string]MetricConfig, 0)
		}

		if existingMetric, ok := metrics[name]; ok {
			if existingMetric.Frequency != metric.Frequency {
				if existingMetric.Frequency < metric.Frequency {
					existingMetric.Frequency = metric.Frequency
					metrics[name] = existingMetric
				}
			}
		} else {
			metrics[name] = metric
		}

		return nil
	}

	// Helper function to add metric configuration
	addMetricConfig := func(mc *schema.MetricConfig) {
		var aggStr string
		if mc.Aggregation != nil {
			aggStr = *mc.Aggregation
		}

		agg, err := AssignAggregationStrategy(aggStr)
		if err != nil {
			cclog.Warnf("Could not find aggregation strategy for metric config '%s': %s", mc.Name, err.Error())
		}

		addMetric(mc.Name, MetricConfig{
			Frequency:   int64(mc.Timestep),
			Aggregation: agg,
		})
	}
	for _, c := range clusters {
		for _, mc := range c.MetricConfig {
			addMetricConfig(mc)
		}

		for _, sc := range c.SubClusters {
			for _, mc := range sc.MetricConfig {
				addMetricConfig(mc)
			}
		}
	}

	return metrics
}
