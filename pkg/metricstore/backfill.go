// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements the tier-1 backfill worker: as tier-0 (full
// resolution, in-memory) data ages past BackfillMargin before the retention
// cutoff, it is downsampled into the coarser tier-1 store (tier.go) using the
// query engine's own average/min/max kernels, per SPEC_FULL §4.6 ("uses the
// kernel family's average kernel, not bespoke code"). The regular retention
// worker (Retention() in metricstore.go) then frees the now-redundant tier-0
// data on its usual schedule; a concurrent reader always sees either the
// pre- or post-backfill state, never a torn write, because both paths take
// the same Level write lock (DESIGN.md Open Question Decision #3).
package metricstore

import (
	"context"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/netquery/tsquery/pkg/queryengine"
)

// backfillFactor returns how many tier-0 samples at the given frequency fold
// into one tier-1 bucket. 0 or negative disables backfill.
func backfillFactor(freq0 int64) int64 {
	if Keys.BackfillFactor <= 0 || freq0 <= 0 {
		return 0
	}
	return int64(Keys.BackfillFactor)
}

// Backfill starts a background goroutine that periodically downsamples
// ageing tier-0 data into the tier-1 backfill store. It runs at the same
// cadence as Retention and must be started alongside it so that data is
// backfilled before Retention's Free() call would otherwise discard it
// outright.
func Backfill(wg *sync.WaitGroup, ctx context.Context) {
	ms := GetMemoryStore()

	wg.Add(1)
	go func() {
		defer wg.Done()

		if Keys.BackfillFactor <= 0 {
			cclog.Debug("[METRICSTORE]> backfill disabled (backfill-factor <= 0)")
			return
		}

		margin, err := time.ParseDuration(Keys.BackfillMargin)
		if err != nil {
			cclog.Errorf("[METRICSTORE]> invalid backfill-margin, backfill disabled: %s", err.Error())
			return
		}

		retention, err := time.ParseDuration(Keys.RetentionInMemory)
		if err != nil || retention <= 0 {
			return
		}

		tickInterval := retention / 2
		if tickInterval <= 0 {
			return
		}
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-retention + margin).Unix()
				n, err := runBackfillPass(ms, cutoff)
				if err != nil {
					cclog.Errorf("[METRICSTORE]> backfill pass failed: %s", err.Error())
				} else if n > 0 {
					cclog.Infof("[METRICSTORE]> backfill: downsampled %d buckets into tier 1", n)
				}
			}
		}
	}()
}

// runBackfillPass walks the whole Level tree, downsampling every metric's
// tier-0 data older than cutoff into tier 1. Returns the number of tier-1
// buckets written.
func runBackfillPass(ms *MemoryStore, cutoff int64) (int, error) {
	total := 0
	var walk func(l *Level)
	walk = func(l *Level) {
		l.lock.Lock()
		for offset, head0 := range l.metrics {
			if head0 == nil {
				continue
			}
			n := backfillOne(l, offset, head0, cutoff)
			total += n
		}
		children := make([]*Level, 0, len(l.children))
		for _, c := range l.children {
			children = append(children, c)
		}
		l.lock.Unlock()

		for _, c := range children {
			walk(c)
		}
	}
	walk(&ms.root)
	return total, nil
}

// backfillOne downsamples the range of l.metrics[offset] older than cutoff
// into l.backfill[offset], advancing the tier-1 chain. Caller holds l.lock.
func backfillOne(l *Level, offset int, head0 *buffer, cutoff int64) int {
	freq0 := head0.frequency
	factor := backfillFactor(freq0)
	if factor <= 0 {
		return 0
	}
	freq1 := freq0 * factor

	head1 := l.backfill[offset]
	start := flattenBuffer(head0)[0].start
	if head1 != nil {
		if last := head1.lastTime(); last > start {
			start = last
		}
	}
	// Align to a tier-1 bucket boundary.
	start -= start % freq1

	end := cutoff - cutoff%freq1
	if end <= start {
		return 0
	}

	span := int((end - start) / freq0)
	if span <= 0 {
		return 0
	}
	raw := make([]schema.Float, span)
	values, rfrom, _, err := head0.read(start, end, raw)
	if err != nil || len(values) == 0 {
		return 0
	}

	avgK, _ := queryengine.NewKernel("average", "")
	minK, _ := queryengine.NewKernel("min", "")
	maxK, _ := queryengine.NewKernel("max", "")

	written := 0
	bucketStart := rfrom
	for len(values) > 0 {
		n := int(freq1 / freq0)
		if n > len(values) {
			n = len(values)
		}
		avgK.Reset()
		minK.Reset()
		maxK.Reset()
		count := 0
		for _, v := range values[:n] {
			if v.IsNaN() {
				continue
			}
			f := float64(v)
			avgK.Add(f)
			minK.Add(f)
			maxK.Add(f)
			count++
		}

		var slot aggSlot
		if count > 0 {
			avgVal, _ := avgK.Flush()
			minVal, _ := minK.Flush()
			maxVal, _ := maxK.Flush()
			slot = aggSlot{min: minVal, max: maxVal, sum: avgVal * float64(count), count: uint64(count)}
		}

		if head1 == nil {
			head1 = newAggBuffer(bucketStart, freq1)
		}
		head1 = head1.writeBucket(bucketStart, slot)
		written++

		bucketStart += freq1
		values = values[n:]
	}

	l.backfill[offset] = head1
	return written
}
