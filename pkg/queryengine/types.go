// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package queryengine implements the core time-series query engine: window
// calculation, multi-tier storage-plan selection, interpolating per-dimension
// aggregation and a group-by post-aggregation pass over the resulting matrix.
//
// The package has no knowledge of HTTP, JSON or any concrete storage engine.
// It drives storage exclusively through the StorageIterator contract, so it
// can be exercised in tests with fakes and wired to a real multi-tier store
// (pkg/metricstore) at the transport boundary.
package queryengine

import (
	"math"
)

// Cell option flags, one bit each, combinable.
type CellFlag uint8

const (
	FlagEmpty CellFlag = 1 << iota
	FlagReset
	FlagPartial
)

// ResultFlag carries query-wide status, set on the whole result matrix.
type ResultFlag uint8

const (
	FlagCancel ResultFlag = 1 << iota
)

// QUERY_PLANS_MAX bounds the number of plan segments built per metric, per
// spec.md §9's design note. Raising it increases worst-case per-query
// allocation (one storage-iterator handle per segment).
const QueryPlansMax = 10

// ExpandPoints is the minimum number of neighbour-tier points a plan segment
// is expanded by so interpolation has a point on each side of a boundary.
const ExpandPoints = 5

// RelativeMax bounds the magnitude of a request time that is interpreted as
// relative-to-now rather than an absolute Unix timestamp.
const RelativeMax = 3 * 366 * 86400

// AbsolutePointsCap is the hard ceiling on points_wanted (disabled in tests).
const AbsolutePointsCap = 86400

// TierFitnessBias is the per-tier-index weight bonus applied by the tier
// planner, biasing ties toward coarser (higher-index) tiers. See spec.md §4.2
// and DESIGN.md's Open Question Decision #1: tier 0 is finest.
const TierFitnessBias = 25000

// RawStat names which raw statistic a kernel wants projected out of a
// StoragePoint.
type RawStat uint8

const (
	RawAverage RawStat = iota
	RawMin
	RawMax
	RawSum
)

// StoragePoint is the raw tiered point produced by a StorageIterator.
type StoragePoint struct {
	StartTimeS   int64
	EndTimeS     int64
	Min          float64
	Max          float64
	Sum          float64
	Count        uint64
	AnomalyCount uint64
	Flags        CellFlag
}

// IsGap reports whether this point carries no data.
func (p StoragePoint) IsGap() bool {
	return p.Count == 0 || p.Flags&FlagEmpty != 0
}

// UnsetStoragePoint is the sentinel distinguishing "no point read yet" from a
// genuinely empty/gap point.
var UnsetStoragePoint = StoragePoint{StartTimeS: -1, EndTimeS: -1}

func (p StoragePoint) IsUnset() bool {
	return p.StartTimeS == -1 && p.EndTimeS == -1
}

// QueryPoint is the in-engine projection of a StoragePoint used by the
// per-dimension loop and fed to the aggregator kernels.
type QueryPoint struct {
	StartTime           int64
	EndTime             int64
	Value               float64
	AnomalyOutlierPoints float64
	AnomalyAllPoints     float64
	Flags                CellFlag
}

func (p QueryPoint) IsFinite() bool {
	return !math.IsNaN(p.Value) && !math.IsInf(p.Value, 0)
}

var UnsetQueryPoint = QueryPoint{StartTime: -1, EndTime: -1, Value: math.NaN()}

func (p QueryPoint) IsUnset() bool {
	return p.StartTime == -1 && p.EndTime == -1
}

// TierExtent is the per-tier extent/update-every metadata a storage engine
// reports for one metric, consumed by the tier planner's fitness weight.
type TierExtent struct {
	FirstTimeS  int64
	LastTimeS   int64
	UpdateEvery int64
	// Weight is scratch space owned by the tier planner across one call to
	// SelectTier; callers must not rely on its value between queries.
	Weight float64
}

// StorageIterator is the external collaborator contract of spec.md §6: a
// resumable cursor over one metric at one tier, yielding points in
// non-decreasing end-time order.
type StorageIterator interface {
	// Init prepares the cursor to read [after, before] at the given query
	// priority (used by storage engines to prioritize page-ins).
	Init(after, before int64, priority int) error
	// Next returns the next storage point. Callers must check IsFinished
	// before relying on the point being meaningful.
	Next() (StoragePoint, error)
	IsFinished() bool
	// Finalize releases cursor resources. The engine calls this at most once.
	Finalize()
	OldestTimeS() int64
	LatestTimeS() int64
}

// MetricSource is what the tier planner and loop need from a storage engine
// for one input metric: per-tier extents and a way to open an iterator.
type MetricSource interface {
	// TierExtents returns, in tier order (0 = finest), the extent/update-every
	// of every tier this metric has data in. A zero-value UpdateEvery marks a
	// tier as not present for this metric.
	TierExtents() []TierExtent
	// OpenIterator opens a StorageIterator for the given tier.
	OpenIterator(tier int) (StorageIterator, error)
}

// QueryWindow is the canonical, immutable-after-calculation request shape
// produced by the window calculator (spec.md §3 "Query window").
type QueryWindow struct {
	After            int64
	Before           int64
	Points           int64
	Group            int64
	QueryGranularity int64
	ResamplingGroup  int64
	ResamplingDivisor float64
	GroupMethod      string
	Aligned          bool
	Options          OptionSet
	Tier             int // -1 when not forced
	Relative         bool
}

// OptionSet is a bitset of query options.
type OptionSet uint32

const (
	OptionNaturalPoints OptionSet = 1 << iota
	OptionSelectedTier
	OptionAnomalyBit
	OptionNull2Zero
	OptionAbsolute
	OptionReturnRaw
	OptionAligned
	OptionPercentage
)

func (o OptionSet) Has(flag OptionSet) bool { return o&flag != 0 }

// PlanSegment is one (tier, after, before) slice of a metric's read plan.
type PlanSegment struct {
	Tier           int
	After          int64
	Before         int64
	ExpandedAfter  int64
	ExpandedBefore int64
	Initialized    bool
	Finalized      bool
	Iterator       StorageIterator
}

// ResultColumn carries the per-column bookkeeping of the result matrix
// (spec.md §3 "Result matrix (R)").
type ResultColumn struct {
	ID         string
	Name       string
	Units      string
	Priority   int
	Queried    bool
	NonZero    bool
	Hidden     bool
	Grouped    bool
	Failed     bool

	Sum          float64
	Volume       float64
	AnomalySum   float64
	Min          float64
	Max          float64
	BucketCount  int64
	GroupPoints  int64

	AvgValue float64

	LabelValues map[string]map[string]struct{}
}

// ResultMatrix is the row-major n x d grid produced by one query (spec.md §3).
type ResultMatrix struct {
	Rows int
	Cols int

	Values [][]float64
	Flags  [][]CellFlag
	Anomaly [][]float64

	Timestamps []int64
	Columns    []*ResultColumn

	ViewMin float64
	ViewMax float64

	After  int64
	Before int64

	ExpectedAfter  int64
	TrimmedAfter   int64
	MaxUpdateEvery int64

	ResultFlags ResultFlag
}

func newResultMatrix(rows, cols int) *ResultMatrix {
	r := &ResultMatrix{
		Rows:       rows,
		Cols:       cols,
		Values:     make([][]float64, rows),
		Flags:      make([][]CellFlag, rows),
		Anomaly:    make([][]float64, rows),
		Timestamps: make([]int64, rows),
		Columns:    make([]*ResultColumn, cols),
		ViewMin:    math.Inf(1),
		ViewMax:    math.Inf(-1),
	}
	for i := 0; i < rows; i++ {
		r.Values[i] = make([]float64, cols)
		r.Flags[i] = make([]CellFlag, cols)
		r.Anomaly[i] = make([]float64, cols)
		for j := 0; j < cols; j++ {
			r.Flags[i][j] = FlagEmpty
		}
	}
	for j := 0; j < cols; j++ {
		r.Columns[j] = &ResultColumn{
			Min: math.Inf(1),
			Max: math.Inf(-1),
		}
	}
	return r
}

// Cell returns the value, flags and anomaly rate written into row i, col j.
func (r *ResultMatrix) Cell(i, j int) (float64, CellFlag, float64) {
	return r.Values[i][j], r.Flags[i][j], r.Anomaly[i][j]
}
