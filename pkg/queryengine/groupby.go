// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queryengine

import (
	"math"
	"strings"
)

// GroupByFacet is one of the selectable grouping facets of spec.md §4.5.
type GroupByFacet uint16

const (
	GroupBySelected GroupByFacet = 1 << iota
	GroupByDimension
	GroupByInstance
	GroupByLabel
	GroupByNode
	GroupByContext
	GroupByUnits
)

// AggregateFunc is the combining function applied across input columns that
// map to the same output group bucket.
type AggregateFunc int

const (
	AggAvg AggregateFunc = iota
	AggSum
	AggMin
	AggMax
)

const hiddenDimensionsKey = "__hidden_dimensions__"

// MetricFacets is the per-input-metric set of facet values used to build a
// group key (spec.md §4.5 "synthetic key ... every selected facet").
type MetricFacets struct {
	Selected bool
	Hidden   bool
	Dimension string
	Instance  string
	Node      string
	Context   string
	Units     string
	Labels    map[string]string
}

// GroupBySpec configures the post-aggregator.
type GroupBySpec struct {
	Facets    GroupByFacet
	LabelKeys []string
	Aggregate AggregateFunc
	NullToZero bool
	Absolute   bool
	ReturnRaw  bool
}

func (s GroupBySpec) none() bool { return s.Facets == 0 }

// groupBucket is the per-output-column bookkeeping built while scanning
// input metrics.
type groupBucket struct {
	id       string
	name     string
	units    string
	priority int
	column   *ResultColumn
}

// GroupByAggregator accumulates per-metric result columns into output
// group buckets (spec.md §4.5).
type GroupByAggregator struct {
	spec GroupBySpec

	keyToSlot map[string]int
	buckets   []*groupBucket

	// gbc[row][col] counts how many input metrics contributed to that cell
	// this round; used for partial-row trimming and averaging.
	gbc [][]int
	dgbc []int // expected contributor count per output column

	rows int
}

// NewGroupByAggregator prepares bookkeeping for `rows` output rows. When
// spec.none(), the caller should skip this type entirely and write directly
// into the shared ResultMatrix (spec.md §4.5 "Initialisation").
func NewGroupByAggregator(spec GroupBySpec, rows int) *GroupByAggregator {
	return &GroupByAggregator{
		spec:      spec,
		keyToSlot: make(map[string]int),
		rows:      rows,
	}
}

// buildKey constructs the synthetic group key for one metric's facets, per
// spec.md §4.5: separator '|', facets concatenated in fixed order; hidden
// dimensions collapse to a reserved key; selected-mode collapses to
// "selected".
func (g *GroupByAggregator) buildKey(f MetricFacets) (key, id, name string) {
	if g.spec.Facets&GroupBySelected != 0 {
		return "selected", "selected", "selected"
	}
	if f.Hidden {
		return hiddenDimensionsKey, hiddenDimensionsKey, hiddenDimensionsKey
	}

	var keyParts, idParts []string
	add := func(facet GroupByFacet, value string) {
		if g.spec.Facets&facet != 0 {
			keyParts = append(keyParts, value)
			idParts = append(idParts, value)
		}
	}
	add(GroupByDimension, f.Dimension)
	add(GroupByInstance, f.Instance)
	add(GroupByNode, f.Node)
	add(GroupByContext, f.Context)
	add(GroupByUnits, f.Units)

	if g.spec.Facets&GroupByLabel != 0 {
		for _, lk := range g.spec.LabelKeys {
			keyParts = append(keyParts, lk+"="+f.Labels[lk])
			idParts = append(idParts, f.Labels[lk])
		}
	}

	key = strings.Join(keyParts, "|")
	id = strings.Join(idParts, ",")
	return key, id, id
}

// SlotFor returns the output column index for the given metric's facets,
// allocating a fresh bucket the first time a key is seen.
func (g *GroupByAggregator) SlotFor(f MetricFacets, metricUnits string) int {
	key, id, name := g.buildKey(f)
	if slot, ok := g.keyToSlot[key]; ok {
		b := g.buckets[slot]
		if b.units != "" && b.units != metricUnits {
			b.id = b.id + ",units"
			b.column.ID = b.id
		}
		return slot
	}

	slot := len(g.buckets)
	g.keyToSlot[key] = slot
	g.buckets = append(g.buckets, &groupBucket{
		id:    id,
		name:  name,
		units: metricUnits,
		column: &ResultColumn{
			ID:    id,
			Name:  name,
			Units: metricUnits,
			Min:   math.Inf(1),
			Max:   math.Inf(-1),
		},
	})
	g.dgbc = append(g.dgbc, 0)
	for i := range g.gbc {
		g.gbc[i] = append(g.gbc[i], 0)
	}
	if g.gbc == nil {
		g.gbc = make([][]int, g.rows)
		for i := range g.gbc {
			g.gbc[i] = make([]int, 1)
		}
	}
	return slot
}

// NumColumns returns the number of output columns allocated so far.
func (g *GroupByAggregator) NumColumns() int { return len(g.buckets) }

// Columns returns the per-output-column bookkeeping built so far.
func (g *GroupByAggregator) Columns() []*ResultColumn {
	cols := make([]*ResultColumn, len(g.buckets))
	for i, b := range g.buckets {
		cols[i] = b.column
	}
	return cols
}

// Accumulate merges one input metric's single-column temporary result
// (produced by RunDimension into a scratch column) into output slot `d`,
// per spec.md §4.5 "Accumulation".
func (g *GroupByAggregator) Accumulate(dest *ResultMatrix, d int, tmpValues []float64, tmpFlags []CellFlag, tmpAnomaly []float64, queried bool) {
	g.dgbc[d]++
	for row := 0; row < g.rows; row++ {
		v := tmpValues[row]
		flags := tmpFlags[row]
		an := tmpAnomaly[row]

		if flags&FlagEmpty != 0 {
			if !g.spec.NullToZero {
				continue
			}
			v = 0
		}
		if g.spec.Absolute {
			v = math.Abs(v)
		}

		switch g.spec.Aggregate {
		case AggMin:
			if dest.Flags[row][d]&FlagEmpty != 0 || v < dest.Values[row][d] {
				dest.Values[row][d] = v
			}
		case AggMax:
			if dest.Flags[row][d]&FlagEmpty != 0 || v > dest.Values[row][d] {
				dest.Values[row][d] = v
			}
		default: // avg, sum
			if dest.Flags[row][d]&FlagEmpty != 0 {
				dest.Values[row][d] = v
			} else {
				dest.Values[row][d] += v
			}
		}

		dest.Flags[row][d] &^= FlagEmpty
		dest.Flags[row][d] |= flags & (FlagReset | FlagPartial)
		dest.Anomaly[row][d] += an
		if !queried {
			continue
		}
		g.gbc[row][d]++
	}
}

// Finalize implements spec.md §4.5 "Finalisation": partial-row trimming,
// per-cell averaging/partial marking, per-column statistics.
func (g *GroupByAggregator) Finalize(dest *ResultMatrix, before, maxUpdateEvery, now int64) {
	expectedAfter := before
	if before >= now-maxUpdateEvery {
		expectedAfter = before - maxUpdateEvery
	}
	dest.ExpectedAfter = expectedAfter
	dest.MaxUpdateEvery = maxUpdateEvery

	if !g.spec.ReturnRaw {
		trimRow := -1
		var prevTotal int
		for row := 0; row < g.rows; row++ {
			total := 0
			for d := 0; d < g.NumColumns(); d++ {
				total += g.gbc[row][d]
			}
			if row > 0 && dest.Timestamps[row] > expectedAfter && total < prevTotal {
				trimRow = row
				break
			}
			prevTotal = total
		}
		if trimRow >= 0 {
			dest.Rows = trimRow
			dest.TrimmedAfter = dest.Timestamps[trimRow]
		}
	}

	for d := 0; d < g.NumColumns(); d++ {
		col := g.buckets[d].column
		var sum float64
		count := 0
		for row := 0; row < dest.Rows; row++ {
			gbc := g.gbc[row][d]
			if gbc == 0 {
				continue
			}
			dest.Flags[row][d] &^= FlagEmpty
			if gbc != g.dgbc[d] {
				dest.Flags[row][d] |= FlagPartial
			}
			if g.spec.Aggregate == AggAvg {
				dest.Values[row][d] /= float64(gbc)
				dest.Anomaly[row][d] /= float64(gbc)
			}

			v := dest.Values[row][d]
			abs := math.Abs(v)
			if abs < col.Min {
				col.Min = abs
			}
			if abs > col.Max {
				col.Max = abs
			}
			if v != 0 {
				col.NonZero = true
			}
			sum += v
			count++

			if abs < dest.ViewMin {
				dest.ViewMin = abs
			}
			if abs > dest.ViewMax {
				dest.ViewMax = abs
			}
		}
		col.BucketCount = int64(count)
		col.Sum = sum
		if count > 0 {
			col.AvgValue = sum / float64(count)
		}
	}
}
