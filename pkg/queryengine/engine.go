// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queryengine

import (
	"context"
	"fmt"
	"sync"
)

// MetricQuery is one input dimension of an engine request: the storage
// collaborator plus the grouping-kernel selection and group-by facets for
// this metric (spec.md §2's "for each input metric" data-flow step).
type MetricQuery struct {
	Source MetricSource

	ID    string
	Name  string
	Units string

	GroupingMethod  string
	GroupingOptions string

	Facets MetricFacets
	Hidden bool
}

// EngineRequest is everything Query needs to produce a ResultMatrix.
type EngineRequest struct {
	Window  WindowRequest
	Metrics []MetricQuery
	GroupBy GroupBySpec
	// WorkerThreads sizes the read-ahead budget, per spec.md §5
	// (P = worker_threads*10 - 1). Defaults to 1 when <= 0.
	WorkerThreads int
}

// Interrupt is polled between metrics; returning true cancels the remainder
// of the query (spec.md §5 "Cancellation").
type Interrupt func() bool

type dimensionOutcome struct {
	values  []float64
	flags   []CellFlag
	anomaly []float64
	tier    int
	err     error
}

// Query runs the full pipeline: window calculation, per-metric tier
// planning + per-dimension loop, and group-by post-aggregation.
func Query(ctx context.Context, req EngineRequest, interrupt Interrupt) (*ResultMatrix, error) {
	ueMin := minUpdateEvery(req.Metrics)
	req.Window.UpdateEveryMin = ueMin

	window, err := CalculateWindow(req.Window)
	if err != nil {
		return nil, err
	}

	grouped := !req.GroupBy.none()

	gba := NewGroupByAggregator(req.GroupBy, int(window.Points))
	slots := make([]int, len(req.Metrics))
	if grouped {
		for i, m := range req.Metrics {
			f := m.Facets
			f.Hidden = m.Hidden
			slots[i] = gba.SlotFor(f, m.Units)
		}
	}

	cols := len(req.Metrics)
	if grouped {
		cols = gba.NumColumns()
	}
	dest := newResultMatrix(int(window.Points), cols)
	dest.After = window.After
	dest.Before = window.Before

	for row := 0; row < int(window.Points); row++ {
		dest.Timestamps[row] = window.After + int64(row+1)*window.Group*window.QueryGranularity - window.QueryGranularity
	}

	if !grouped {
		for i, m := range req.Metrics {
			dest.Columns[i] = &ResultColumn{
				ID:    m.ID,
				Name:  m.Name,
				Units: m.Units,
				Min:   1e308,
				Max:   -1e308,
			}
		}
	} else {
		dest.Columns = gba.Columns()
	}

	workers := req.WorkerThreads
	if workers <= 0 {
		workers = 1
	}
	readAhead := workers*10 - 1
	if readAhead < 1 {
		readAhead = 1
	}

	outcomes := make([]*dimensionOutcome, len(req.Metrics))
	sem := make(chan struct{}, readAhead)
	var wg sync.WaitGroup
	var cancelled bool
	var cancelledMu sync.Mutex

	for i, m := range req.Metrics {
		if interrupt != nil && interrupt() {
			cancelledMu.Lock()
			cancelled = true
			cancelledMu.Unlock()
			break
		}
		select {
		case <-ctx.Done():
			cancelledMu.Lock()
			cancelled = true
			cancelledMu.Unlock()
		default:
		}
		cancelledMu.Lock()
		isCancelled := cancelled
		cancelledMu.Unlock()
		if isCancelled {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, mq MetricQuery) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[idx] = runOneMetric(ctx, window, mq)
		}(i, m)
	}
	wg.Wait()

	for i := range req.Metrics {
		oc := outcomes[i]
		if oc == nil {
			// Cancelled before this metric was launched (spec.md §8
			// scenario 6: columns past the cancellation point come back
			// marked failed, not merely unqueried).
			if grouped {
				dest.Columns[slots[i]].Failed = true
			} else {
				dest.Columns[i].Failed = true
			}
			continue
		}
		if !grouped {
			col := dest.Columns[i]
			if oc.err != nil {
				col.Failed = true
				continue
			}
			col.Queried = true
			for row := 0; row < int(window.Points); row++ {
				dest.Values[row][i] = oc.values[row]
				dest.Flags[row][i] = oc.flags[row]
				dest.Anomaly[row][i] = oc.anomaly[row]
				abs := absFloat(oc.values[row])
				if oc.flags[row]&FlagEmpty == 0 {
					col.NonZero = col.NonZero || oc.values[row] != 0
					if abs < col.Min {
						col.Min = abs
					}
					if abs > col.Max {
						col.Max = abs
					}
					if abs < dest.ViewMin {
						dest.ViewMin = abs
					}
					if abs > dest.ViewMax {
						dest.ViewMax = abs
					}
				}
			}
			continue
		}

		d := slots[i]
		if oc.err != nil {
			dest.Columns[d].Failed = true
			continue
		}
		dest.Columns[d].Queried = true
		gba.Accumulate(dest, d, oc.values, oc.flags, oc.anomaly, true)
	}

	if cancelled {
		dest.ResultFlags |= FlagCancel
	}

	if grouped {
		maxUE := int64(1)
		for _, m := range req.Metrics {
			for _, ext := range m.Source.TierExtents() {
				if ext.UpdateEvery > maxUE {
					maxUE = ext.UpdateEvery
				}
			}
		}
		gba.Finalize(dest, window.Before, maxUE, req.Window.Now)
	}

	return dest, nil
}

func runOneMetric(ctx context.Context, window QueryWindow, m MetricQuery) *dimensionOutcome {
	extents := m.Source.TierExtents()
	tier, err := SelectTier(extents, window.After, window.Before, window.Points, window.Tier)
	if err != nil {
		return &dimensionOutcome{err: err}
	}

	plan, err := BuildPlan(extents, window.After, window.Before, tier, window.Tier >= 0)
	if err != nil {
		return &dimensionOutcome{err: err}
	}

	kernel, err := NewKernel(m.GroupingMethod, m.GroupingOptions)
	if err != nil {
		return &dimensionOutcome{err: err}
	}

	rows := int(window.Points)
	values := make([]float64, rows)
	flags := make([]CellFlag, rows)
	anomaly := make([]float64, rows)
	for i := range flags {
		flags[i] = FlagEmpty
	}

	_, err = RunDimension(window, plan, extents, func(t int) (StorageIterator, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return m.Source.OpenIterator(t)
	}, kernel, func(row int, value float64, f CellFlag, anomalyRate float64) {
		if row < 0 || row >= rows {
			return
		}
		values[row] = value
		flags[row] = f
		anomaly[row] = anomalyRate
	})
	if err != nil {
		return &dimensionOutcome{err: err}
	}

	return &dimensionOutcome{values: values, flags: flags, anomaly: anomaly, tier: tier}
}

func minUpdateEvery(metrics []MetricQuery) int64 {
	var min int64
	for _, m := range metrics {
		for _, ext := range m.Source.TierExtents() {
			if ext.UpdateEvery <= 0 {
				continue
			}
			if min == 0 || ext.UpdateEvery < min {
				min = ext.UpdateEvery
			}
			break
		}
	}
	if min == 0 {
		min = 1
	}
	return min
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// ErrCancelled is the error value for a query stopped by a caller-supplied
// interrupt. Query itself does not return it (it returns a partial result
// with FLAG_CANCEL set per spec.md §5), but transport layers mapping the
// *cancelled* error taxonomy entry to an HTTP status can check
// ResultMatrix.ResultFlags&FlagCancel and synthesize this instead.
var ErrCancelled = fmt.Errorf("[QUERYENGINE]> query cancelled")
