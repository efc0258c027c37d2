// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queryengine

import (
	"errors"
	"math"
	"sort"
)

// ErrNoData is the *no-data* condition of spec.md §7: no tier is valid for
// this metric, or the chosen tier's range misses the window entirely.
var ErrNoData = errors.New("[QUERYENGINE]> no data: no storage tier covers the requested window")

// tierFitnessWeight implements spec.md §4.2's weight formula. Returns
// math.Inf(-1) when the tier cannot serve any part of [after, before].
func tierFitnessWeight(ext TierExtent, tier int, after, before int64, pointsWanted int64) float64 {
	if ext.UpdateEvery <= 0 {
		return math.Inf(-1)
	}
	if ext.FirstTimeS > before || ext.LastTimeS < after {
		return math.Inf(-1)
	}

	commonFirst := after
	if ext.FirstTimeS > commonFirst {
		commonFirst = ext.FirstTimeS
	}
	commonLast := before
	if ext.LastTimeS < commonLast {
		commonLast = ext.LastTimeS
	}

	duration := before - after
	if duration <= 0 {
		duration = 1
	}

	timeCoverage := float64(commonLast-commonFirst) * 1e6 / float64(duration)
	pointsInCoverage := float64(pointsWanted) * timeCoverage / 1e6
	pointsAvailable := float64(commonLast-commonFirst) / float64(ext.UpdateEvery)
	if pointsAvailable <= 0 {
		return math.Inf(-1)
	}

	delta := pointsAvailable - pointsInCoverage
	var pointsCoverage float64
	if delta < 0 && pointsInCoverage > 0 {
		pointsCoverage = pointsAvailable * timeCoverage / pointsInCoverage
	} else {
		pointsCoverage = timeCoverage
	}

	return pointsCoverage + TierFitnessBias*float64(tier)
}

// SelectTier picks the best tier for a metric over [after, before] given
// pointsWanted, honouring a forced tier when one is valid. Returns the tier
// index, or an error if no tier is usable.
func SelectTier(extents []TierExtent, after, before int64, pointsWanted int64, forcedTier int) (int, error) {
	if forcedTier >= 0 {
		if forcedTier < len(extents) {
			w := tierFitnessWeight(extents[forcedTier], forcedTier, after, before, pointsWanted)
			if !math.IsInf(w, -1) {
				return forcedTier, nil
			}
		}
		return -1, ErrNoData
	}

	best := -1
	bestWeight := math.Inf(-1)
	for tier, ext := range extents {
		w := tierFitnessWeight(ext, tier, after, before, pointsWanted)
		if math.IsInf(w, -1) {
			continue
		}
		if w > bestWeight || (w == bestWeight && tier > best) {
			best = tier
			bestWeight = w
		}
	}
	if best == -1 {
		return -1, ErrNoData
	}
	return best, nil
}

// BuildPlan constructs the ordered, non-overlapping plan segments for one
// metric (spec.md §4.2 "Plan extension" + "Expansion for interpolation
// continuity"). selectedTier and forced mirror SelectTier's outcome: forced
// disables the finer-tier boundary extension.
func BuildPlan(extents []TierExtent, after, before int64, selectedTier int, forced bool) ([]PlanSegment, error) {
	if selectedTier < 0 || selectedTier >= len(extents) {
		return nil, ErrNoData
	}

	primary := extents[selectedTier]
	segAfter := after
	if primary.FirstTimeS > segAfter {
		segAfter = primary.FirstTimeS
	}
	segBefore := before
	if primary.LastTimeS < segBefore {
		segBefore = primary.LastTimeS
	}
	if segAfter > segBefore {
		return nil, ErrNoData
	}

	segments := []PlanSegment{{Tier: selectedTier, After: segAfter, Before: segBefore}}

	if !forced {
		// Extend at the start with finer tiers (lower index, in this
		// repository's "tier 0 is finest" convention) until `after` is
		// reached or the plan cap is hit.
		cur := segments[0]
		for cur.After > after && len(segments) < QueryPlansMax {
			extended := false
			for t := selectedTier - 1; t >= 0; t-- {
				ext := extents[t]
				if ext.UpdateEvery <= 0 {
					continue
				}
				segEnd := cur.After
				segStart := after
				if ext.FirstTimeS > segStart {
					segStart = ext.FirstTimeS
				}
				if ext.LastTimeS < segEnd {
					segEnd = ext.LastTimeS
				}
				if segStart >= segEnd {
					continue
				}
				segments = append([]PlanSegment{{Tier: t, After: segStart, Before: segEnd}}, segments...)
				cur = segments[0]
				extended = true
				break
			}
			if !extended {
				break
			}
		}

		// Symmetrically extend at the end.
		last := segments[len(segments)-1]
		for last.Before < before && len(segments) < QueryPlansMax {
			extended := false
			for t := selectedTier - 1; t >= 0; t-- {
				ext := extents[t]
				if ext.UpdateEvery <= 0 {
					continue
				}
				segStart := last.Before
				segEnd := before
				if ext.LastTimeS < segEnd {
					segEnd = ext.LastTimeS
				}
				if ext.FirstTimeS > segStart {
					segStart = ext.FirstTimeS
				}
				if segStart >= segEnd {
					continue
				}
				segments = append(segments, PlanSegment{Tier: t, After: segStart, Before: segEnd})
				last = segments[len(segments)-1]
				extended = true
				break
			}
			if !extended {
				break
			}
		}
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].After < segments[j].After })

	expandPlanSegments(segments, extents)

	return segments, nil
}

// expandPlanSegments computes ExpandedAfter/ExpandedBefore per spec.md §4.2
// ("Expansion for interpolation continuity"): each segment is expanded by at
// least ExpandPoints points of its neighbour's granularity, or more if the
// update-every delta between neighbours demands it, so interpolation at a
// plan boundary has one point on each side. The first segment expands
// nothing to the past if it starts at tier 0.
func expandPlanSegments(segments []PlanSegment, extents []TierExtent) {
	for i := range segments {
		thisU := extents[segments[i].Tier].UpdateEvery
		if thisU <= 0 {
			thisU = 1
		}

		if i == 0 {
			if segments[i].Tier == 0 {
				segments[i].ExpandedAfter = segments[i].After
			} else {
				segments[i].ExpandedAfter = segments[i].After - ExpandPoints*thisU
			}
		} else {
			neighbourU := extents[segments[i-1].Tier].UpdateEvery
			points := expandPointsFor(thisU, neighbourU)
			segments[i].ExpandedAfter = segments[i].After - points*thisU
		}

		if i == len(segments)-1 {
			segments[i].ExpandedBefore = segments[i].Before
		} else {
			neighbourU := extents[segments[i+1].Tier].UpdateEvery
			points := expandPointsFor(thisU, neighbourU)
			segments[i].ExpandedBefore = segments[i].Before + points*thisU
		}
	}
}

func expandPointsFor(thisU, neighbourU int64) int64 {
	if thisU <= 0 {
		thisU = 1
	}
	delta := neighbourU - thisU
	if delta < 0 {
		delta = -delta
	}
	needed := ceilDiv(delta, thisU)
	if needed < ExpandPoints {
		return ExpandPoints
	}
	return needed
}
