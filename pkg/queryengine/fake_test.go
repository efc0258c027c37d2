// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queryengine

// fakeTier describes one synthetic storage tier: points of width
// UpdateEvery seconds, starting at alignment boundaries, whose value comes
// from Gen(startTime). Gen returning (0, true) produces a gap point.
type fakeTier struct {
	First, Last int64
	UpdateEvery int64
	Gen         func(startTime int64) (value float64, isGap bool)
}

// fakeSource is a minimal in-memory MetricSource/StorageIterator pair used
// to exercise the engine end-to-end without any real storage backend.
type fakeSource struct {
	tiers []fakeTier
}

func (f *fakeSource) TierExtents() []TierExtent {
	out := make([]TierExtent, len(f.tiers))
	for i, t := range f.tiers {
		out[i] = TierExtent{FirstTimeS: t.First, LastTimeS: t.Last, UpdateEvery: t.UpdateEvery}
	}
	return out
}

func (f *fakeSource) OpenIterator(tier int) (StorageIterator, error) {
	return &fakeIterator{tier: f.tiers[tier]}, nil
}

type fakeIterator struct {
	tier    fakeTier
	cur     int64
	before  int64
	started bool
}

func (it *fakeIterator) Init(after, before int64, priority int) error {
	start := after - (after % it.tier.UpdateEvery)
	if start < it.tier.First {
		start = it.tier.First
	}
	it.cur = start
	it.before = before
	if it.before > it.tier.Last {
		it.before = it.tier.Last
	}
	it.started = true
	return nil
}

func (it *fakeIterator) Next() (StoragePoint, error) {
	start := it.cur
	end := start + it.tier.UpdateEvery
	v, gap := it.tier.Gen(start)
	it.cur = end

	sp := StoragePoint{StartTimeS: start, EndTimeS: end}
	if gap {
		sp.Count = 0
		sp.Flags = FlagEmpty
		return sp, nil
	}
	sp.Min, sp.Max, sp.Sum, sp.Count = v, v, v, 1
	return sp, nil
}

func (it *fakeIterator) IsFinished() bool {
	return it.cur >= it.before
}

func (it *fakeIterator) Finalize() {}

func (it *fakeIterator) OldestTimeS() int64 { return it.tier.First }
func (it *fakeIterator) LatestTimeS() int64 { return it.tier.Last }

func constantSource(value float64, freq, first, last int64) *fakeSource {
	return &fakeSource{tiers: []fakeTier{{
		First: first, Last: last, UpdateEvery: freq,
		Gen: func(int64) (float64, bool) { return value, false },
	}}}
}
