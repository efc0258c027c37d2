// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queryengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectTier_PrefersCoarserOnTie(t *testing.T) {
	extents := []TierExtent{
		{FirstTimeS: 0, LastTimeS: 1000, UpdateEvery: 1},
		{FirstTimeS: 0, LastTimeS: 1000, UpdateEvery: 1},
	}
	tier, err := SelectTier(extents, 0, 1000, 100, -1)
	require.NoError(t, err)
	require.Equal(t, 1, tier, "equal coverage ties should favor the higher (coarser) tier index")
}

func TestSelectTier_NoValidTier(t *testing.T) {
	extents := []TierExtent{
		{FirstTimeS: 5000, LastTimeS: 6000, UpdateEvery: 1},
	}
	_, err := SelectTier(extents, 0, 1000, 100, -1)
	require.ErrorIs(t, err, ErrNoData)
}

func TestSelectTier_ForcedTier(t *testing.T) {
	extents := []TierExtent{
		{FirstTimeS: 0, LastTimeS: 1000, UpdateEvery: 1},
		{FirstTimeS: 0, LastTimeS: 1000, UpdateEvery: 60},
	}
	tier, err := SelectTier(extents, 0, 900, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 0, tier)
}

func TestBuildPlan_SingleTierNoExtension(t *testing.T) {
	extents := []TierExtent{{FirstTimeS: 0, LastTimeS: 1000, UpdateEvery: 1}}
	plan, err := BuildPlan(extents, 100, 900, 0, false)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	require.Equal(t, int64(100), plan[0].After)
	require.Equal(t, int64(900), plan[0].Before)
}

func TestBuildPlan_ExtendsWithFinerTier(t *testing.T) {
	// tier1 (coarse) only covers [0, 3600]; tier0 (fine) covers the most
	// recent 100s, so the selected-tier=1 plan should extend with a tier-0
	// segment at the end.
	extents := []TierExtent{
		{FirstTimeS: 3600, LastTimeS: 3700, UpdateEvery: 1},
		{FirstTimeS: 0, LastTimeS: 3600, UpdateEvery: 60},
	}
	plan, err := BuildPlan(extents, 0, 3700, 1, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(plan), 2)
	require.Equal(t, 1, plan[0].Tier)
	require.Equal(t, 0, plan[len(plan)-1].Tier)
	for i := 1; i < len(plan); i++ {
		require.LessOrEqual(t, plan[i-1].After, plan[i].After)
	}
}

func TestBuildPlan_CapsAtQueryPlansMax(t *testing.T) {
	extents := []TierExtent{{FirstTimeS: 0, LastTimeS: 1000, UpdateEvery: 1}}
	plan, err := BuildPlan(extents, 0, 1000, 0, false)
	require.NoError(t, err)
	require.LessOrEqual(t, len(plan), QueryPlansMax)
}
