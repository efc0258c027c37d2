// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queryengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario 1 (spec.md §8): flat series, 1Hz, 600s, no gaps -> 60 rows, each
// equal to the flat value.
func TestScenario_FlatSeries(t *testing.T) {
	now := int64(10000)
	src := constantSource(42, 1, now-600, now)
	req := EngineRequest{
		Window: WindowRequest{
			After: -600, AfterSpecified: true, Before: 0,
			Points: 60, Now: now, DBLastTimeS: now, DisableClamp: true,
		},
		Metrics: []MetricQuery{{Source: src, ID: "m1", GroupingMethod: "average"}},
	}
	res, err := Query(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, 60, res.Rows)
	for row := 0; row < res.Rows; row++ {
		v, flags, _ := res.Cell(row, 0)
		require.Zero(t, flags&FlagEmpty, "row %d", row)
		require.InDelta(t, 42.0, v, 1e-6, "row %d", row)
	}
}

// Scenario 2: sawtooth i%10, 1Hz, 300s. points=30, group=avg -> row k == 4.5.
func TestScenario_Sawtooth(t *testing.T) {
	now := int64(10000)
	src := &fakeSource{tiers: []fakeTier{{
		First: now - 300, Last: now, UpdateEvery: 1,
		Gen: func(ts int64) (float64, bool) { return float64(((ts % 10) + 10) % 10), false },
	}}}
	req := EngineRequest{
		Window: WindowRequest{
			After: -300, AfterSpecified: true, Before: 0,
			Points: 30, Now: now, DBLastTimeS: now, DisableClamp: true,
		},
		Metrics: []MetricQuery{{Source: src, ID: "m1", GroupingMethod: "average"}},
	}
	res, err := Query(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, 30, res.Rows)
	for row := 0; row < res.Rows; row++ {
		v, flags, _ := res.Cell(row, 0)
		require.Zero(t, flags&FlagEmpty, "row %d", row)
		require.InDelta(t, 4.5, v, 1e-6, "row %d", row)
	}
}

// Scenario 3: two tiers covering adjacent ranges at different resolutions,
// constant value; every produced bucket must equal that constant and the
// plan must span at least two segments.
func TestScenario_TierBoundaryContinuity(t *testing.T) {
	now := int64(10000)
	src := &fakeSource{tiers: []fakeTier{
		{First: 9900, Last: 10100, UpdateEvery: 1, Gen: constGen(5)},
		{First: 0, Last: 9900, UpdateEvery: 60, Gen: constGen(5)},
	}}
	req := EngineRequest{
		Window: WindowRequest{
			After: -3700, AfterSpecified: true, Before: 0,
			Points: 62, Now: now, DBLastTimeS: now, DisableClamp: true,
		},
		Metrics: []MetricQuery{{Source: src, ID: "m1", GroupingMethod: "average"}},
	}
	res, err := Query(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, 62, res.Rows)
	nonEmpty := 0
	for row := 0; row < res.Rows; row++ {
		v, flags, _ := res.Cell(row, 0)
		if flags&FlagEmpty != 0 {
			continue
		}
		nonEmpty++
		require.InDelta(t, 5.0, v, 1e-6, "row %d", row)
	}
	require.Greater(t, nonEmpty, 0)

	extents := src.TierExtents()
	tier, err := SelectTier(extents, now-3700, now, 62, -1)
	require.NoError(t, err)
	plan, err := BuildPlan(extents, now-3700, now, tier, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(plan), 2)
}

func constGen(v float64) func(int64) (float64, bool) {
	return func(int64) (float64, bool) { return v, false }
}

// Scenario 4: single 30s gap in the middle of a 300s 1Hz series. Buckets
// whose time range intersects the gap must be empty; others equal the
// surrounding constant.
func TestScenario_SingleGap(t *testing.T) {
	now := int64(10000)
	first := now - 300
	gapStart := first + 135
	gapEnd := gapStart + 30
	src := &fakeSource{tiers: []fakeTier{{
		First: first, Last: now, UpdateEvery: 1,
		Gen: func(ts int64) (float64, bool) {
			if ts >= gapStart && ts < gapEnd {
				return 0, true
			}
			return 9, false
		},
	}}}
	req := EngineRequest{
		Window: WindowRequest{
			After: -300, AfterSpecified: true, Before: 0,
			Points: 30, Now: now, DBLastTimeS: now, DisableClamp: true,
		},
		Metrics: []MetricQuery{{Source: src, ID: "m1", GroupingMethod: "average"}},
	}
	res, err := Query(context.Background(), req, nil)
	require.NoError(t, err)
	group := (res.Timestamps[1] - res.Timestamps[0])
	for row := 0; row < res.Rows; row++ {
		bucketEnd := res.Timestamps[row]
		bucketStart := bucketEnd - group
		intersectsGap := bucketStart < gapEnd && gapStart < bucketEnd
		v, flags, _ := res.Cell(row, 0)
		if intersectsGap {
			require.NotZero(t, flags&FlagEmpty, "row %d should be empty (gap)", row)
		} else if flags&FlagEmpty == 0 {
			require.InDelta(t, 9.0, v, 1e-6, "row %d", row)
		}
	}
}

// Scenario 5: group_by=dimension, function=sum, three dimensions sharing a
// group key with values 1, 2, 3 -> single output column equals 6.
func TestScenario_GroupBySum(t *testing.T) {
	now := int64(10000)
	mk := func(v float64) MetricQuery {
		return MetricQuery{
			Source:         constantSource(v, 1, now-60, now),
			ID:             "m",
			GroupingMethod: "average",
			Facets:         MetricFacets{Dimension: "cpu_usage"},
		}
	}
	req := EngineRequest{
		Window: WindowRequest{
			After: -60, AfterSpecified: true, Before: 0,
			Points: 6, Now: now, DBLastTimeS: now, DisableClamp: true,
		},
		Metrics: []MetricQuery{mk(1), mk(2), mk(3)},
		GroupBy: GroupBySpec{Facets: GroupByDimension, Aggregate: AggSum},
	}
	res, err := Query(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Cols)
	for row := 0; row < res.Rows; row++ {
		v, flags, _ := res.Cell(row, 0)
		require.Zero(t, flags&FlagEmpty, "row %d", row)
		require.InDelta(t, 6.0, v, 1e-6, "row %d", row)
	}
}

// Scenario 5b: group-by averaging with N identical columns reproduces a
// single column's value, and idempotence for a single-dimension metric.
func TestScenario_GroupByAvgAndIdempotence(t *testing.T) {
	now := int64(10000)
	mk := func() MetricQuery {
		return MetricQuery{
			Source:         constantSource(8, 1, now-60, now),
			ID:             "m",
			GroupingMethod: "average",
			Facets:         MetricFacets{Dimension: "mem_used"},
		}
	}
	req := EngineRequest{
		Window: WindowRequest{
			After: -60, AfterSpecified: true, Before: 0,
			Points: 6, Now: now, DBLastTimeS: now, DisableClamp: true,
		},
		Metrics: []MetricQuery{mk(), mk(), mk()},
		GroupBy: GroupBySpec{Facets: GroupByDimension, Aggregate: AggAvg},
	}
	res, err := Query(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Cols)
	for row := 0; row < res.Rows; row++ {
		v, _, _ := res.Cell(row, 0)
		require.InDelta(t, 8.0, v, 1e-6, "row %d", row)
	}

	ungrouped := EngineRequest{
		Window:  req.Window,
		Metrics: []MetricQuery{mk()},
	}
	ungroupedRes, err := Query(context.Background(), ungrouped, nil)
	require.NoError(t, err)
	for row := 0; row < ungroupedRes.Rows; row++ {
		a, _, _ := res.Cell(row, 0)
		b, _, _ := ungroupedRes.Cell(row, 0)
		require.InDelta(t, b, a, 1e-6, "row %d", row)
	}
}

// Scenario 6: cancellation after 2 of 5 metrics.
func TestScenario_Cancellation(t *testing.T) {
	now := int64(10000)
	mk := func(v float64) MetricQuery {
		return MetricQuery{Source: constantSource(v, 1, now-60, now), ID: "m", GroupingMethod: "average"}
	}
	req := EngineRequest{
		Window: WindowRequest{
			After: -60, AfterSpecified: true, Before: 0,
			Points: 6, Now: now, DBLastTimeS: now, DisableClamp: true,
		},
		Metrics:       []MetricQuery{mk(1), mk(2), mk(3), mk(4), mk(5)},
		WorkerThreads: 1,
	}
	calls := 0
	interrupt := func() bool {
		calls++
		return calls > 2
	}
	res, err := Query(context.Background(), req, interrupt)
	require.NoError(t, err)
	require.NotZero(t, res.ResultFlags&FlagCancel)
	require.Equal(t, req.Window.Points, int64(res.Rows))
	require.True(t, res.Columns[0].Queried)
	require.True(t, res.Columns[1].Queried)
	require.False(t, res.Columns[2].Queried)
	require.False(t, res.Columns[3].Queried)
	require.False(t, res.Columns[4].Queried)
}
