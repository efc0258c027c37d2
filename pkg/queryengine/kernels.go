// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queryengine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Kernel is the capability set of spec.md §4.4 / §9's design note: a
// function-pointer table realized as a Go struct of closures, one instance
// per (dimension, query). Implementations are plain structs selected by
// name from KernelRegistry, never a type switch in the hot loop.
type Kernel interface {
	Reset()
	Add(v float64)
	Flush() (value float64, flags CellFlag)
	TierFetch() RawStat
}

// KernelFactory builds a fresh Kernel instance, parsing any per-query
// parameters out of the options string (spec.md §4.4 "create(options_string)").
type KernelFactory func(options string) (Kernel, error)

// KernelRegistry is the data-driven dispatch table spec.md §9 calls for
// ("a data-driven map, not a chain of if statements"), seeded with the
// legacy v1 aliases that must be preserved for API compatibility.
var KernelRegistry = map[string]KernelFactory{}

func init() {
	reg := func(names []string, fetch RawStat, factory func() Kernel) {
		for _, n := range names {
			KernelRegistry[n] = func(string) (Kernel, error) { return factory(), nil }
		}
	}

	reg([]string{"average", "avg", "mean"}, RawAverage, func() Kernel { return &meanKernel{} })
	reg([]string{"min"}, RawMin, func() Kernel { return &extremumKernel{isMax: false} })
	reg([]string{"max"}, RawMax, func() Kernel { return &extremumKernel{isMax: true} })
	reg([]string{"sum"}, RawSum, func() Kernel { return &sumKernel{} })
	reg([]string{"incremental-sum"}, RawSum, func() Kernel { return &incrementalSumKernel{} })
	reg([]string{"median"}, RawAverage, func() Kernel { return &percentileKernel{pct: 50} })
	reg([]string{"stddev"}, RawAverage, func() Kernel { return &stddevKernel{} })
	reg([]string{"cv", "rsd"}, RawAverage, func() Kernel { return &stddevKernel{reportCV: true} })
	for _, n := range []string{"ses", "ema", "ewma"} {
		KernelRegistry[n] = func(options string) (Kernel, error) {
			return &sesKernel{alpha: parseFloatOption(options, 0.1)}, nil
		}
	}
	KernelRegistry["des"] = func(options string) (Kernel, error) {
		alpha, beta := 0.3, 0.1
		if parts := strings.SplitN(options, ",", 2); len(parts) == 2 {
			alpha = parseFloatOption(parts[0], alpha)
			beta = parseFloatOption(parts[1], beta)
		}
		return &desKernel{alpha: alpha, beta: beta}, nil
	}

	for _, pct := range []int{25, 50, 75, 80, 90, 95, 97, 98, 99} {
		p := pct
		KernelRegistry[fmt.Sprintf("percentile%d", p)] = func(string) (Kernel, error) {
			return &percentileKernel{pct: float64(p)}, nil
		}
	}
	KernelRegistry["percentile"] = func(string) (Kernel, error) { return &percentileKernel{pct: 95}, nil }

	for _, t := range []int{1, 2, 3, 5, 10, 15, 20, 25} {
		p := float64(t)
		KernelRegistry[fmt.Sprintf("trimmed-mean%d", t)] = func(string) (Kernel, error) {
			return &trimmedMeanKernel{trimPct: p}, nil
		}
		KernelRegistry[fmt.Sprintf("trimmed-median%d", t)] = func(string) (Kernel, error) {
			return &trimmedMedianKernel{trimPct: p}, nil
		}
	}
	KernelRegistry["trimmed-mean"] = func(string) (Kernel, error) { return &trimmedMeanKernel{trimPct: 5}, nil }
	KernelRegistry["trimmed-median"] = func(string) (Kernel, error) { return &trimmedMedianKernel{trimPct: 5}, nil }

	KernelRegistry["countif"] = func(options string) (Kernel, error) { return newCountifKernel(options) }
}

// NewKernel resolves a grouping-method name through the legacy aliases and
// returns a fresh kernel instance, or an error if the name is unknown.
func NewKernel(name, options string) (Kernel, error) {
	factory, ok := KernelRegistry[name]
	if !ok {
		return nil, fmt.Errorf("[QUERYENGINE]> unknown grouping method %q", name)
	}
	return factory(options)
}

// --- average / mean ---

type meanKernel struct {
	sum   float64
	count int64
}

func (k *meanKernel) Reset()            { k.sum, k.count = 0, 0 }
func (k *meanKernel) Add(v float64)     { k.sum += v; k.count++ }
func (k *meanKernel) TierFetch() RawStat { return RawAverage }
func (k *meanKernel) Flush() (float64, CellFlag) {
	if k.count == 0 {
		return 0, FlagEmpty
	}
	return k.sum / float64(k.count), 0
}

// --- min / max ---

type extremumKernel struct {
	isMax bool
	value float64
	count int64
}

func (k *extremumKernel) Reset() { k.value, k.count = 0, 0 }
func (k *extremumKernel) Add(v float64) {
	if k.count == 0 || (k.isMax && v > k.value) || (!k.isMax && v < k.value) {
		k.value = v
	}
	k.count++
}
func (k *extremumKernel) TierFetch() RawStat {
	if k.isMax {
		return RawMax
	}
	return RawMin
}
func (k *extremumKernel) Flush() (float64, CellFlag) {
	if k.count == 0 {
		return 0, FlagEmpty
	}
	return k.value, 0
}

// --- sum ---

type sumKernel struct {
	sum   float64
	count int64
}

func (k *sumKernel) Reset()            { k.sum, k.count = 0, 0 }
func (k *sumKernel) Add(v float64)     { k.sum += v; k.count++ }
func (k *sumKernel) TierFetch() RawStat { return RawSum }
func (k *sumKernel) Flush() (float64, CellFlag) {
	if k.count == 0 {
		return 0, FlagEmpty
	}
	return k.sum, 0
}

// --- incremental-sum: running total of (v[i] - v[i-1]), clamped at 0 for
// the first value of each bucket lifetime (counter-reset semantics). ---

type incrementalSumKernel struct {
	prev    float64
	hasPrev bool
	sum     float64
	count   int64
}

func (k *incrementalSumKernel) Reset() { k.sum, k.count, k.hasPrev = 0, 0, false }
func (k *incrementalSumKernel) Add(v float64) {
	if k.hasPrev {
		delta := v - k.prev
		if delta < 0 {
			delta = 0
		}
		k.sum += delta
	}
	k.prev, k.hasPrev = v, true
	k.count++
}
func (k *incrementalSumKernel) TierFetch() RawStat { return RawSum }
func (k *incrementalSumKernel) Flush() (float64, CellFlag) {
	if k.count == 0 {
		return 0, FlagEmpty
	}
	if k.count == 1 {
		return 0, 0
	}
	return k.sum, 0
}

// --- percentile / median (batch sort, matches source's exact semantics) ---

type percentileKernel struct {
	pct    float64
	values []float64
}

func (k *percentileKernel) Reset()            { k.values = k.values[:0] }
func (k *percentileKernel) Add(v float64)     { k.values = append(k.values, v) }
func (k *percentileKernel) TierFetch() RawStat { return RawAverage }
func (k *percentileKernel) Flush() (float64, CellFlag) {
	if len(k.values) == 0 {
		return 0, FlagEmpty
	}
	return percentileOf(k.values, k.pct), 0
}

func percentileOf(values []float64, pct float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := pct / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// --- trimmed mean / trimmed median: drop trimPct% from each tail, then
// average (or take the median of) what remains. ---

type trimmedMeanKernel struct {
	trimPct float64
	values  []float64
}

func (k *trimmedMeanKernel) Reset()            { k.values = k.values[:0] }
func (k *trimmedMeanKernel) Add(v float64)     { k.values = append(k.values, v) }
func (k *trimmedMeanKernel) TierFetch() RawStat { return RawAverage }
func (k *trimmedMeanKernel) Flush() (float64, CellFlag) {
	trimmed := trimTails(k.values, k.trimPct)
	if len(trimmed) == 0 {
		return 0, FlagEmpty
	}
	sum := 0.0
	for _, v := range trimmed {
		sum += v
	}
	return sum / float64(len(trimmed)), 0
}

type trimmedMedianKernel struct {
	trimPct float64
	values  []float64
}

func (k *trimmedMedianKernel) Reset()            { k.values = k.values[:0] }
func (k *trimmedMedianKernel) Add(v float64)     { k.values = append(k.values, v) }
func (k *trimmedMedianKernel) TierFetch() RawStat { return RawAverage }
func (k *trimmedMedianKernel) Flush() (float64, CellFlag) {
	trimmed := trimTails(k.values, k.trimPct)
	if len(trimmed) == 0 {
		return 0, FlagEmpty
	}
	return percentileOf(trimmed, 50), 0
}

func trimTails(values []float64, trimPct float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	cut := int(float64(n) * trimPct / 100)
	if 2*cut >= n {
		return sorted[n/2 : n/2+1]
	}
	return sorted[cut : n-cut]
}

// --- stddev / cv (Welford online) ---

type stddevKernel struct {
	reportCV bool
	count    int64
	mean     float64
	m2       float64
}

func (k *stddevKernel) Reset() { k.count, k.mean, k.m2 = 0, 0, 0 }
func (k *stddevKernel) Add(v float64) {
	k.count++
	delta := v - k.mean
	k.mean += delta / float64(k.count)
	delta2 := v - k.mean
	k.m2 += delta * delta2
}
func (k *stddevKernel) TierFetch() RawStat { return RawAverage }
func (k *stddevKernel) Flush() (float64, CellFlag) {
	if k.count < 2 {
		return 0, FlagEmpty
	}
	variance := k.m2 / float64(k.count-1)
	sd := math.Sqrt(variance)
	if k.reportCV {
		if k.mean == 0 {
			return 0, FlagEmpty
		}
		return 100 * sd / k.mean, 0
	}
	return sd, 0
}

// --- single exponential smoothing ---

type sesKernel struct {
	alpha   float64
	value   float64
	warmed  bool
}

func (k *sesKernel) Reset() { k.warmed = false; k.value = 0 }
func (k *sesKernel) Add(v float64) {
	if !k.warmed {
		k.value = v
		k.warmed = true
		return
	}
	k.value = k.alpha*v + (1-k.alpha)*k.value
}
func (k *sesKernel) TierFetch() RawStat { return RawAverage }
func (k *sesKernel) Flush() (float64, CellFlag) {
	if !k.warmed {
		return 0, FlagEmpty
	}
	return k.value, 0
}

// --- double exponential smoothing (Holt linear trend) ---

type desKernel struct {
	alpha, beta    float64
	level, trend   float64
	warmedLevel    bool
	warmedTrend    bool
	prevLevel      float64
}

func (k *desKernel) Reset() {
	k.level, k.trend = 0, 0
	k.warmedLevel, k.warmedTrend = false, false
}
func (k *desKernel) Add(v float64) {
	if !k.warmedLevel {
		k.level = v
		k.warmedLevel = true
		return
	}
	if !k.warmedTrend {
		k.trend = v - k.level
		k.prevLevel = k.level
		k.level = v
		k.warmedTrend = true
		return
	}
	prevLevel := k.level
	k.level = k.alpha*v + (1-k.alpha)*(k.level+k.trend)
	k.trend = k.beta*(k.level-prevLevel) + (1-k.beta)*k.trend
	k.prevLevel = prevLevel
}
func (k *desKernel) TierFetch() RawStat { return RawAverage }
func (k *desKernel) Flush() (float64, CellFlag) {
	if !k.warmedLevel {
		return 0, FlagEmpty
	}
	return k.level + k.trend, 0
}

// --- countif: percentage (0-100) of values matching a comparison expression parsed
// from the grouping-options string (e.g. "> 80"), expressed via expr-lang so
// the comparator is data, not a hand-rolled switch. ---

type countifKernel struct {
	program *vm.Program
	matched int64
	total   int64
}

func newCountifKernel(options string) (Kernel, error) {
	expression := strings.TrimSpace(options)
	if expression == "" {
		expression = "> 0"
	}
	if !startsWithComparator(expression) {
		return nil, fmt.Errorf("[QUERYENGINE]> countif: options must start with a comparison operator, got %q", options)
	}
	program, err := expr.Compile("value " + expression)
	if err != nil {
		return nil, fmt.Errorf("[QUERYENGINE]> countif: invalid expression %q: %w", options, err)
	}
	return &countifKernel{program: program}, nil
}

func startsWithComparator(s string) bool {
	for _, op := range []string{">=", "<=", "==", "!=", ">", "<"} {
		if strings.HasPrefix(s, op) {
			return true
		}
	}
	return false
}

func (k *countifKernel) Reset() { k.matched, k.total = 0, 0 }
func (k *countifKernel) Add(v float64) {
	k.total++
	out, err := expr.Run(k.program, map[string]any{"value": v})
	if err == nil {
		if b, ok := out.(bool); ok && b {
			k.matched++
		}
	}
}
func (k *countifKernel) TierFetch() RawStat { return RawAverage }
func (k *countifKernel) Flush() (float64, CellFlag) {
	if k.total == 0 {
		return 0, FlagEmpty
	}
	return 100 * float64(k.matched) / float64(k.total), 0
}

// parseFloatOption is a small helper kernels can use for numeric
// sub-parameters embedded in an options string (e.g. "ses:0.2").
func parseFloatOption(s string, fallback float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}
