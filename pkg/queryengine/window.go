// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queryengine

import (
	"errors"
	"math"
)

// ErrEmptyDatabase is the *bad-request* condition of spec.md §7: after
// normalisation neither a relative time nor a database extent resolves
// after/before to a usable window.
var ErrEmptyDatabase = errors.New("[QUERYENGINE]> empty database: no time range could be resolved for this query")

// WindowRequest is the raw, un-normalised request fed to the window
// calculator (spec.md §4.1).
type WindowRequest struct {
	After           int64
	AfterSpecified  bool
	Before          int64
	Points          int64
	TimeGroup       string
	ResamplingTime  int64
	Options         OptionSet
	ForcedTier      int // -1 when not forced
	UpdateEveryMin  int64
	// DBFirstTimeS/DBLastTimeS are the database extent used to resolve
	// after=0/before=0 ("0 resolves to the database extent").
	DBFirstTimeS int64
	DBLastTimeS  int64
	// Now is injected so window calculation is deterministic in tests;
	// production callers pass time.Now().Unix().
	Now int64
	// DisableClamp turns off the now-10y/now+1y absolute clamp and the
	// 86400 points cap, as spec.md §4.1 steps 3 and 7 note ("disabled
	// under test").
	DisableClamp bool
}

// CalculateWindow implements spec.md §4.1 steps 1-10.
func CalculateWindow(req WindowRequest) (QueryWindow, error) {
	now := req.Now
	after, before := req.After, req.Before
	relative := false

	// A request time is "relative" when it is zero (database edge) or a
	// small negative offset from now; positive values are always absolute
	// Unix timestamps, however small (spec.md §4.1 step 1), since this API
	// has no notion of a positive offset into the future.
	resolveRelative := func(v int64) (int64, bool) {
		if v > 0 || v < -RelativeMax {
			return v, false
		}
		return v, true
	}

	// Step 1: relative offsets. Relative-after defaults to -600 when the
	// caller did not specify one at all.
	if !req.AfterSpecified {
		relative = true
		after = now - 600
	} else if v, isRel := resolveRelative(after); isRel {
		relative = true
		if v == 0 {
			after = req.DBFirstTimeS
		} else {
			if v > 0 {
				v = -v
			}
			after = now + v
		}
	}

	if v, isRel := resolveRelative(before); isRel {
		relative = true
		if v == 0 {
			before = req.DBLastTimeS
		} else {
			if v > 0 {
				v = -v
			}
			before = now + v
		}
	}

	// Step 2: swap, then shift windows that project into the future back to
	// end at now.
	if after > before {
		after, before = before, after
	}
	if before > now {
		shift := before - now
		before -= shift
		after -= shift
	}

	// Step 3: clamp to [now-10y, now+1y], disabled under test.
	if !req.DisableClamp {
		lo := now - 10*365*86400
		hi := now + 365*86400
		if after < lo {
			after = lo
		}
		if before > hi {
			before = hi
		}
		if after > before {
			after = before
		}
	}

	if after <= 0 || before <= 0 {
		return QueryWindow{}, ErrEmptyDatabase
	}

	// Step 4: query_granularity.
	naturalPoints := req.Options.Has(OptionNaturalPoints) || relative
	var queryGranularity int64 = 1
	if naturalPoints {
		// Caller is expected to have resolved UpdateEveryMin to the forced
		// tier's common update-every already, if ForcedTier is set.
		queryGranularity = req.UpdateEveryMin
		if queryGranularity <= 0 {
			queryGranularity = 1
		}
	}

	// Step 5: align down to query_granularity.
	after -= after % queryGranularity
	before -= before % queryGranularity

	if after > before {
		after = before
	}

	// Step 6: resampling deficit extension.
	duration := before - after
	resamplingTime := req.ResamplingTime
	if resamplingTime > duration {
		after -= resamplingTime - duration
		duration = before - after
	}
	if resamplingTime > 0 && duration%resamplingTime != 0 {
		residual := duration % resamplingTime
		if float64(residual) > 0.1*float64(resamplingTime) {
			after -= residual
			duration = before - after
		}
	}

	// Step 7: points_available / points_wanted clamp.
	pointsAvailable := (duration + 1) / queryGranularity
	if pointsAvailable < 1 {
		pointsAvailable = 1
	}
	pointsWanted := req.Points
	if pointsWanted <= 0 {
		pointsWanted = pointsAvailable
	}
	if pointsWanted > pointsAvailable {
		pointsWanted = pointsAvailable
	}
	if !req.DisableClamp && pointsWanted > AbsolutePointsCap {
		pointsWanted = AbsolutePointsCap
	}
	if pointsWanted < 1 {
		pointsWanted = 1
	}

	// Step 8: group = round(points_available / points_wanted), ties up.
	group := roundHalfUp(float64(pointsAvailable) / float64(pointsWanted))
	if group < 1 {
		group = 1
	}
	if group*pointsWanted*queryGranularity < duration {
		pointsWanted = ceilDiv(pointsAvailable, group)
		if pointsWanted < 1 {
			pointsWanted = 1
		}
	}

	// Step 9: resampling group.
	var resamplingGroup int64
	var resamplingDivisor float64 = 1
	if resamplingTime > queryGranularity {
		resamplingGroup = ceilDiv(resamplingTime, queryGranularity)
		if resamplingGroup > 0 {
			group = ceilDiv(group, resamplingGroup) * resamplingGroup
		}
		resamplingDivisor = float64(group*queryGranularity) / float64(resamplingTime)
	} else {
		resamplingGroup = 0
	}

	aligned := req.Options.Has(OptionAligned)
	wasDBEnd := req.Before == 0

	// Step 10: alignment.
	if aligned {
		boundary := group * queryGranularity
		if boundary > 0 {
			if wasDBEnd {
				before -= before % boundary
			} else {
				if before%boundary != 0 {
					before += boundary - before%boundary
				}
			}
		}
		after = before - pointsWanted*group*queryGranularity + queryGranularity
	}

	if after > before {
		after = before
	}

	return QueryWindow{
		After:             after,
		Before:            before,
		Points:            pointsWanted,
		Group:             group,
		QueryGranularity:  queryGranularity,
		ResamplingGroup:   resamplingGroup,
		ResamplingDivisor: resamplingDivisor,
		GroupMethod:       req.TimeGroup,
		Aligned:           aligned,
		Options:           req.Options,
		Tier:              req.ForcedTier,
		Relative:          relative,
	}, nil
}

// roundHalfUp rounds to nearest integer, ties rounding up (away from zero for
// the non-negative quantities this calculator deals with), matching spec.md
// §4.1 step 8 ("nearest-integer rounding, ties up").
func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}

func ceilDiv(a, b int64) int64 {
	if b == 0 {
		return a
	}
	return (a + b - 1) / b
}
