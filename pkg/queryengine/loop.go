// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queryengine

import (
	"math"
)

// maxRefillAttempts bounds the inner refill loop per bucket so a
// non-advancing storage iterator cannot spin the engine forever
// (spec.md §4.3 "bounded by a safety counter of 100").
const maxRefillAttempts = 100

// maxFinishedPolls is how many extra outer-loop iterations the engine
// tolerates after a plan runs out of segments before giving up
// (spec.md §4.3 "finished counter ≤ 10").
const maxFinishedPolls = 10

// dimensionState carries the rolling points and read-ahead slot driving one
// metric's walk through its plan (spec.md §4.3).
type dimensionState struct {
	plan       []PlanSegment
	segIdx     int
	iterOpener func(tier int) (StorageIterator, error)
	extents    []TierExtent

	last2, last1, cur QueryPoint
	next1             StoragePoint
	next1Set          bool

	resetCarry CellFlag
}

// RunDimension walks one metric's plan, interpolates across segment
// boundaries, feeds the kernel and writes one row per target bucket via
// write(row, value, flags, anomalyRate). Buckets left over when the plan runs
// out early are written as empty, so on success it returns window.Points; on
// error it returns the number of rows written before the error.
func RunDimension(window QueryWindow, plan []PlanSegment, extents []TierExtent, iterOpener func(tier int) (StorageIterator, error), kernel Kernel, write func(row int, value float64, flags CellFlag, anomalyRate float64)) (int, error) {
	ds := &dimensionState{
		plan:       plan,
		iterOpener: iterOpener,
		extents:    extents,
		last2:      UnsetQueryPoint,
		last1:      UnsetQueryPoint,
		cur:        UnsetQueryPoint,
	}
	defer ds.finalizeAll()

	updateEveryView := window.Group * window.QueryGranularity
	if updateEveryView <= 0 {
		updateEveryView = 1
	}
	nowEnd := window.After + updateEveryView - window.QueryGranularity

	if len(plan) > 0 {
		if err := ds.openSegment(0); err != nil {
			return 0, err
		}
	}

	row := 0
	finishedPolls := 0
	for row < int(window.Points) && finishedPolls <= maxFinishedPolls {
		if ds.segIdx >= len(ds.plan) {
			finishedPolls++
		} else if nowEnd > ds.plan[ds.segIdx].ExpandedBefore && nowEnd > ds.cur.EndTime {
			if !ds.advanceSegment(nowEnd) {
				finishedPolls++
			}
		}

		nowStart := nowEnd - updateEveryView
		attempts := 0
		for attempts < maxRefillAttempts {
			// The point already handed off to "cur" may cover several
			// consecutive buckets (its width can exceed the view's bucket
			// width, e.g. a coarse tier under a fine view); only pull a new
			// storage point once it no longer reaches this bucket's end.
			if !ds.cur.IsUnset() && ds.cur.EndTime >= nowEnd {
				break
			}

			attempts++
			sp, ok, err := ds.pull()
			if err != nil {
				return row, err
			}
			if !ok {
				break
			}

			qp := ds.project(sp, window, kernel.TierFetch())

			if qp.EndTime < nowStart {
				// entirely before the bucket: discard.
				ds.last2 = ds.last1
				ds.last1 = qp
				continue
			}
			if qp.EndTime < nowEnd {
				kernel.Add(qp.Value)
				ds.last2 = ds.last1
				ds.last1 = qp
				continue
			}

			// ends at or after now_end: hand off to interpolation, shifting
			// the previous "cur" down into last1/last2 so it remains
			// available as the interpolation predecessor.
			ds.last2 = ds.last1
			ds.last1 = ds.cur
			ds.cur = qp
			break
		}

		value, flags := interpolateBucket(ds, nowEnd, window, kernel)
		if flags&FlagReset == 0 && ds.resetCarry != 0 {
			flags |= FlagReset
		}
		ds.resetCarry = 0

		anomalyRate := 0.0
		if window.Options.Has(OptionAnomalyBit) {
			anomalyRate = value
		}

		write(row, value, flags, anomalyRate)
		row++
		nowEnd += updateEveryView
		if flags&FlagEmpty == 0 {
			finishedPolls = 0
		}

		kernel.Reset()
	}

	for ; row < int(window.Points); row++ {
		write(row, 0, FlagEmpty, 0)
	}

	return row, nil
}

// pull returns the next raw storage point, preferring the cached read-ahead
// slot, and performs the plan-boundary switch logic of spec.md §4.3 step 2.
func (ds *dimensionState) pull() (StoragePoint, bool, error) {
	if ds.segIdx >= len(ds.plan) {
		return StoragePoint{}, false, nil
	}

	var sp StoragePoint
	if ds.next1Set {
		sp = ds.next1
		ds.next1Set = false
	} else {
		seg := &ds.plan[ds.segIdx]
		if seg.Iterator == nil {
			if err := ds.openSegment(ds.segIdx); err != nil {
				return StoragePoint{}, false, err
			}
		}
		if ds.plan[ds.segIdx].Iterator.IsFinished() {
			return StoragePoint{}, false, nil
		}
		var err error
		sp, err = ds.plan[ds.segIdx].Iterator.Next()
		if err != nil {
			return StoragePoint{}, false, err
		}
		if sp.StartTimeS == sp.EndTimeS {
			// storage iterator returning a zero-width point is reshaped to
			// end - update_every_tier (spec.md §4.3 "Edge policies").
			ue := ds.tierUpdateEvery(ds.plan[ds.segIdx].Tier)
			sp.StartTimeS = sp.EndTimeS - ue
		}
	}

	// Crossing the current segment's expanded boundary: try to switch plans.
	if ds.segIdx+1 < len(ds.plan) && sp.EndTimeS > ds.plan[ds.segIdx].ExpandedBefore {
		nextIdx := ds.segIdx + 1
		if err := ds.openSegment(nextIdx); err == nil {
			nextSeg := &ds.plan[nextIdx]
			if !nextSeg.Iterator.IsFinished() {
				nsp, err := nextSeg.Iterator.Next()
				if err == nil {
					if nsp.StartTimeS <= sp.StartTimeS {
						ds.finalizeSegment(ds.segIdx)
						ds.segIdx = nextIdx
						sp = nsp
					} else {
						ds.next1 = nsp
						ds.next1Set = true
					}
				}
			}
		}
	}

	if sp.Flags&FlagReset != 0 {
		ds.resetCarry |= FlagReset
	}

	return sp, true, nil
}

func (ds *dimensionState) tierUpdateEvery(tier int) int64 {
	if tier >= 0 && tier < len(ds.extents) && ds.extents[tier].UpdateEvery > 0 {
		return ds.extents[tier].UpdateEvery
	}
	return 1
}

// project converts a StoragePoint into the QueryPoint the aggregator
// consumes, selecting sum/count, min, max or sum per the kernel's declared
// preference (spec.md §4.3 step 2's "project SP -> QP").
func (ds *dimensionState) project(sp StoragePoint, window QueryWindow, stat RawStat) QueryPoint {
	qp := QueryPoint{StartTime: sp.StartTimeS, EndTime: sp.EndTimeS, Flags: sp.Flags}

	if sp.IsGap() {
		qp.Value = math.NaN()
		qp.Flags |= FlagEmpty
		return qp
	}

	if window.Options.Has(OptionAnomalyBit) {
		if sp.Count > 0 {
			qp.Value = float64(sp.AnomalyCount) * 100 / float64(sp.Count)
		} else {
			qp.Value = math.NaN()
			qp.Flags |= FlagEmpty
		}
		return qp
	}

	switch stat {
	case RawMin:
		qp.Value = sp.Min
	case RawMax:
		qp.Value = sp.Max
	case RawSum:
		qp.Value = sp.Sum
	default: // RawAverage
		if sp.Count > 0 {
			qp.Value = sp.Sum / float64(sp.Count)
		} else {
			qp.Value = math.NaN()
			qp.Flags |= FlagEmpty
		}
	}
	return qp
}

// openSegment opens the storage iterator for plan[idx] if not already open.
func (ds *dimensionState) openSegment(idx int) error {
	if idx >= len(ds.plan) {
		return nil
	}
	seg := &ds.plan[idx]
	if seg.Initialized {
		return nil
	}
	it, err := ds.iterOpener(seg.Tier)
	if err != nil {
		return err
	}
	if err := it.Init(seg.ExpandedAfter, seg.ExpandedBefore, 0); err != nil {
		return err
	}
	seg.Iterator = it
	seg.Initialized = true
	return nil
}

func (ds *dimensionState) finalizeSegment(idx int) {
	if idx < 0 || idx >= len(ds.plan) {
		return
	}
	seg := &ds.plan[idx]
	if seg.Iterator != nil && !seg.Finalized {
		seg.Iterator.Finalize()
		seg.Finalized = true
	}
}

func (ds *dimensionState) finalizeAll() {
	for i := range ds.plan {
		ds.finalizeSegment(i)
	}
}

// advanceSegment moves to the plan segment whose Before exceeds
// max(nowEnd, cur.EndTime), per spec.md §4.3 step 1.
func (ds *dimensionState) advanceSegment(nowEnd int64) bool {
	threshold := nowEnd
	if ds.cur.EndTime > threshold {
		threshold = ds.cur.EndTime
	}
	for i := ds.segIdx + 1; i < len(ds.plan); i++ {
		if ds.plan[i].Before > threshold {
			ds.finalizeSegment(ds.segIdx)
			ds.segIdx = i
			return true
		}
	}
	ds.segIdx = len(ds.plan)
	return false
}

// interpolateBucket implements spec.md §4.3 step 3: selects the current or
// last point as the bucket's representative value, interpolating linearly
// against its predecessor when both endpoints are finite, contiguous and the
// point spans more than one second.
func interpolateBucket(ds *dimensionState, nowEnd int64, window QueryWindow, kernel Kernel) (float64, CellFlag) {
	var selected QueryPoint
	var predecessor QueryPoint
	haveSelection := false

	if !ds.cur.IsUnset() && nowEnd > ds.cur.StartTime {
		selected = ds.cur
		predecessor = ds.last1
		haveSelection = true
	} else if !ds.last1.IsUnset() && nowEnd <= ds.last1.EndTime {
		selected = ds.last1
		predecessor = ds.last2
		haveSelection = true
	}

	if !haveSelection {
		return 0, FlagEmpty
	}

	value := selected.Value
	flags := selected.Flags

	if linInterpolate(selected, predecessor, nowEnd, &value) {
		// value replaced with interpolated value.
	}

	if math.IsNaN(value) {
		return 0, flags | FlagEmpty
	}

	kernel.Add(value)
	v, kflags := kernel.Flush()
	if math.IsNaN(v) {
		// a gap point consumed earlier in this bucket left the kernel NaN.
		return 0, flags | kflags | FlagEmpty
	}
	return v, flags | kflags
}

// linInterpolate applies the pure interpolation function of spec.md §9's
// design note: this' = last.v + (this.v - last.v) * (1 - (this.end -
// now)/(this.end - this.start)), provided both values are finite, the
// points are exactly contiguous (last.end == this.start) and the point's
// duration exceeds one second. Returns false (leaving *out untouched, i.e.
// the verbatim value) when the guard fails.
func linInterpolate(this, last QueryPoint, now int64, out *float64) bool {
	if math.IsNaN(this.Value) || math.IsNaN(last.Value) {
		return false
	}
	if last.IsUnset() {
		return false
	}
	if last.EndTime != this.StartTime {
		return false
	}
	duration := this.EndTime - this.StartTime
	if duration <= 1 {
		return false
	}
	frac := 1 - float64(this.EndTime-now)/float64(duration)
	*out = last.Value + (this.Value-last.Value)*frac
	return true
}
