// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file adapts the buffer/Level storage tree to the query engine's
// StorageIterator/MetricSource contract (spec.md §6, SPEC_FULL §4.6). It also
// carries the coarser "tier 1" backfill store that ageing tier-0 data is
// downsampled into before it is freed, so the tier planner has more than one
// resolution to choose from.
package metricstore

import (
	"fmt"

	"github.com/netquery/tsquery/pkg/queryengine"
)

// StorageTiers is how many resolution tiers this store exposes. Tier 0 is the
// live, full-resolution buffer chain; tier 1 is the coarser backfill chain
// written by the backfill worker (backfill.go) as tier-0 data ages out.
const StorageTiers = 2

// aggSlot is one bucket of the tier-1 backfill store: the four raw
// statistics spec.md §3 requires a StoragePoint to carry, pre-aggregated at
// write time instead of kept as raw samples (tier 1 never stores more than
// one value's worth of state per bucket).
type aggSlot struct {
	min, max, sum float64
	count         uint64
}

// aggBuffer is tier 1's analogue of buffer: a chain of fixed-capacity
// aggSlot arrays. It intentionally does not share buffer's PersistentBufferPool or
// schema.Float-based storage since its slots are wider; see DESIGN.md for why
// this is an additive sibling type rather than a widened buffer.
type aggBuffer struct {
	prev      *aggBuffer
	data      []aggSlot
	frequency int64
	start     int64
}

func newAggBuffer(ts, freq int64) *aggBuffer {
	return &aggBuffer{
		data:      make([]aggSlot, 0, BufferCap),
		frequency: freq,
		start:     ts,
	}
}

func (b *aggBuffer) firstTime() int64 { return b.start }
func (b *aggBuffer) lastTime() int64  { return b.start + int64(len(b.data))*b.frequency }

// writeBucket appends one pre-aggregated bucket at time ts, chaining into a
// new link when the current one is at capacity. Buckets must be written in
// non-decreasing time order (the backfill worker guarantees this).
func (b *aggBuffer) writeBucket(ts int64, s aggSlot) *aggBuffer {
	idx := int((ts - b.start) / b.frequency)
	if idx < 0 {
		return b
	}
	if idx >= cap(b.data) {
		nb := newAggBuffer(ts, b.frequency)
		nb.prev = b
		b = nb
		idx = 0
	}
	for i := len(b.data); i < idx; i++ {
		b.data = append(b.data, aggSlot{})
	}
	if idx < len(b.data) {
		b.data[idx] = s
	} else {
		b.data = append(b.data, s)
	}
	return b
}

// oldestStart walks the chain back to its earliest link's start time.
func (b *aggBuffer) oldestStart() int64 {
	for b.prev != nil {
		b = b.prev
	}
	return b.start
}

// tierSource is the concrete queryengine.MetricSource for one (selector,
// metric) pair: the live tier-0 buffer chain plus an optional tier-1
// backfill chain.
type tierSource struct {
	freq0  int64
	head0  *buffer
	freq1  int64
	head1  *aggBuffer
}

// QuerySource resolves selector+metric to a queryengine.MetricSource,
// wiring this store's buffer/backfill chains into the query engine's tier
// planner and per-dimension loop. The returned source is a read-only
// snapshot of the chain heads at call time; concurrent writes append new
// links without mutating ones already handed to a running query.
func (m *MemoryStore) QuerySource(selector []string, metric string) (queryengine.MetricSource, error) {
	minfo, ok := m.Metrics[metric]
	if !ok {
		return nil, fmt.Errorf("[METRICSTORE]> unknown metric: %s", metric)
	}

	lvl := m.root.findLevel(selector)
	if lvl == nil {
		return nil, ErrNoData
	}

	lvl.lock.RLock()
	defer lvl.lock.RUnlock()

	var head0 *buffer
	if minfo.offset < len(lvl.metrics) {
		head0 = lvl.metrics[minfo.offset]
	}
	var head1 *aggBuffer
	if minfo.offset < len(lvl.backfill) {
		head1 = lvl.backfill[minfo.offset]
	}
	if head0 == nil && head1 == nil {
		return nil, ErrNoData
	}

	freq1 := minfo.Frequency * backfillFactor(minfo.Frequency)
	return &tierSource{freq0: minfo.Frequency, head0: head0, freq1: freq1, head1: head1}, nil
}

func (s *tierSource) TierExtents() []queryengine.TierExtent {
	extents := make([]queryengine.TierExtent, StorageTiers)
	if s.head0 != nil {
		chain := flattenBuffer(s.head0)
		oldest := chain[0].start
		newest := s.head0.end()
		extents[0] = queryengine.TierExtent{FirstTimeS: oldest, LastTimeS: newest, UpdateEvery: s.freq0}
	}
	if s.head1 != nil {
		extents[1] = queryengine.TierExtent{
			FirstTimeS:  s.head1.oldestStart(),
			LastTimeS:   s.head1.lastTime(),
			UpdateEvery: s.freq1,
		}
	}
	return extents
}

func (s *tierSource) OpenIterator(tier int) (queryengine.StorageIterator, error) {
	switch tier {
	case 0:
		if s.head0 == nil {
			return nil, ErrNoData
		}
		return &bufferCursor{chain: flattenBuffer(s.head0), freq: s.freq0}, nil
	case 1:
		if s.head1 == nil {
			return nil, ErrNoData
		}
		return &aggCursor{chain: flattenAggBuffer(s.head1), freq: s.freq1}, nil
	default:
		return nil, fmt.Errorf("[METRICSTORE]> tier %d not available", tier)
	}
}

func flattenBuffer(head *buffer) []*buffer {
	var rev []*buffer
	for b := head; b != nil; b = b.prev {
		rev = append(rev, b)
	}
	chain := make([]*buffer, len(rev))
	for i, b := range rev {
		chain[len(rev)-1-i] = b
	}
	return chain
}

func flattenAggBuffer(head *aggBuffer) []*aggBuffer {
	var rev []*aggBuffer
	for b := head; b != nil; b = b.prev {
		rev = append(rev, b)
	}
	chain := make([]*aggBuffer, len(rev))
	for i, b := range rev {
		chain[len(rev)-1-i] = b
	}
	return chain
}

// bufferCursor implements queryengine.StorageIterator over a flattened,
// oldest-to-newest buffer chain. Each tier-0 slot holds a single
// already-aggregated schema.Float sample (the teacher's storage granularity);
// it is projected to a StoragePoint with Min=Max=Sum=value, Count=1 (Count=0
// for a NaN slot, i.e. a gap), per DESIGN.md's simplification of spec.md §3's
// four-statistic StoragePoint for a single-valued source.
type bufferCursor struct {
	chain []*buffer
	freq  int64

	link int
	idx  int
	done bool
}

func (c *bufferCursor) Init(after, before int64, _ int) error {
	for c.link < len(c.chain) {
		b := c.chain[c.link]
		if after < b.start+int64(len(b.data))*c.freq {
			c.idx = int((after - b.start) / c.freq)
			if c.idx < 0 {
				c.idx = 0
			}
			return nil
		}
		c.link++
	}
	c.done = true
	return nil
}

func (c *bufferCursor) Next() (queryengine.StoragePoint, error) {
	for c.link < len(c.chain) {
		b := c.chain[c.link]
		if c.idx >= len(b.data) {
			c.link++
			c.idx = 0
			continue
		}
		v := b.data[c.idx]
		start := b.start + int64(c.idx)*c.freq
		end := start + c.freq
		c.idx++
		if c.idx >= len(b.data) && c.link == len(c.chain)-1 {
			c.done = true
		}
		if v.IsNaN() {
			return queryengine.StoragePoint{StartTimeS: start, EndTimeS: end, Flags: queryengine.FlagEmpty}, nil
		}
		return queryengine.StoragePoint{
			StartTimeS: start, EndTimeS: end,
			Min: float64(v), Max: float64(v), Sum: float64(v), Count: 1,
		}, nil
	}
	c.done = true
	return queryengine.StoragePoint{}, nil
}

func (c *bufferCursor) IsFinished() bool { return c.done }
func (c *bufferCursor) Finalize()        {}

func (c *bufferCursor) OldestTimeS() int64 {
	if len(c.chain) == 0 {
		return 0
	}
	return c.chain[0].start
}

func (c *bufferCursor) LatestTimeS() int64 {
	if len(c.chain) == 0 {
		return 0
	}
	last := c.chain[len(c.chain)-1]
	return last.end()
}

// aggCursor is tier 1's counterpart, walking an aggBuffer chain and yielding
// the pre-aggregated min/max/sum/count directly (no reprojection needed).
type aggCursor struct {
	chain []*aggBuffer
	freq  int64

	link int
	idx  int
	done bool
}

func (c *aggCursor) Init(after, before int64, _ int) error {
	for c.link < len(c.chain) {
		b := c.chain[c.link]
		if after < b.start+int64(len(b.data))*c.freq {
			c.idx = int((after - b.start) / c.freq)
			if c.idx < 0 {
				c.idx = 0
			}
			return nil
		}
		c.link++
	}
	c.done = true
	return nil
}

func (c *aggCursor) Next() (queryengine.StoragePoint, error) {
	for c.link < len(c.chain) {
		b := c.chain[c.link]
		if c.idx >= len(b.data) {
			c.link++
			c.idx = 0
			continue
		}
		s := b.data[c.idx]
		start := b.start + int64(c.idx)*c.freq
		end := start + c.freq
		c.idx++
		if c.idx >= len(b.data) && c.link == len(c.chain)-1 {
			c.done = true
		}
		if s.count == 0 {
			return queryengine.StoragePoint{StartTimeS: start, EndTimeS: end, Flags: queryengine.FlagEmpty}, nil
		}
		return queryengine.StoragePoint{
			StartTimeS: start, EndTimeS: end,
			Min: s.min, Max: s.max, Sum: s.sum, Count: s.count,
		}, nil
	}
	c.done = true
	return queryengine.StoragePoint{}, nil
}

func (c *aggCursor) IsFinished() bool { return c.done }
func (c *aggCursor) Finalize()        {}

func (c *aggCursor) OldestTimeS() int64 {
	if len(c.chain) == 0 {
		return 0
	}
	return c.chain[0].start
}

func (c *aggCursor) LatestTimeS() int64 {
	if len(c.chain) == 0 {
		return 0
	}
	last := c.chain[len(c.chain)-1]
	return last.start + int64(len(last.data))*c.freq
}
