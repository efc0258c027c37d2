// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queryengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func feed(k Kernel, values ...float64) (float64, CellFlag) {
	k.Reset()
	for _, v := range values {
		k.Add(v)
	}
	return k.Flush()
}

func TestKernels_ConstantValue(t *testing.T) {
	names := []string{"average", "avg", "mean", "min", "max", "median", "percentile95", "percentile"}
	for _, name := range names {
		k, err := NewKernel(name, "")
		require.NoError(t, err, name)
		v, flags := feed(k, 5, 5, 5, 5, 5)
		require.Zero(t, flags&FlagEmpty, name)
		require.InDelta(t, 5.0, v, 1e-9, name)
	}
}

func TestKernels_LegacyAliases(t *testing.T) {
	pairs := map[string]string{
		"avg":            "average",
		"percentile":     "percentile95",
		"trimmed-mean":   "trimmed-mean5",
		"ema":            "ses",
		"ewma":           "ses",
		"rsd":            "cv",
	}
	values := []float64{1, 2, 3, 4, 100}
	for alias, canonical := range pairs {
		ka, err := NewKernel(alias, "")
		require.NoError(t, err)
		kc, err := NewKernel(canonical, "")
		require.NoError(t, err)
		va, _ := feed(ka, values...)
		vc, _ := feed(kc, values...)
		require.InDelta(t, vc, va, 1e-9, alias)
	}
}

func TestKernels_SumProportionality(t *testing.T) {
	k, err := NewKernel("sum", "")
	require.NoError(t, err)
	v, _ := feed(k, 1, 1, 1, 1, 1, 1, 1)
	require.Equal(t, 7.0, v)
}

func TestKernels_StddevZeroForConstant(t *testing.T) {
	k, err := NewKernel("stddev", "")
	require.NoError(t, err)
	v, flags := feed(k, 5, 5, 5, 5)
	require.Zero(t, flags&FlagEmpty)
	require.InDelta(t, 0, v, 1e-9)
}

func TestKernels_SESWarmsToConstant(t *testing.T) {
	k, err := NewKernel("ses", "")
	require.NoError(t, err)
	v, flags := feed(k, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7)
	require.Zero(t, flags&FlagEmpty)
	require.InDelta(t, 7, v, 1e-6)
}

func TestKernels_CountifExpression(t *testing.T) {
	k, err := NewKernel("countif", "> 50")
	require.NoError(t, err)
	v, flags := feed(k, 10, 20, 60, 70, 80)
	require.Zero(t, flags&FlagEmpty)
	require.InDelta(t, 60.0, v, 1e-9)
}

func TestKernels_EmptyFlagsWhenNoValues(t *testing.T) {
	for name := range KernelRegistry {
		k, err := NewKernel(name, "> 0")
		require.NoError(t, err, name)
		_, flags := feed(k)
		require.NotZero(t, flags&FlagEmpty, name)
	}
}

func TestKernels_TierFetchPreferences(t *testing.T) {
	min, _ := NewKernel("min", "")
	require.Equal(t, RawMin, min.TierFetch())
	max, _ := NewKernel("max", "")
	require.Equal(t, RawMax, max.TierFetch())
	sum, _ := NewKernel("sum", "")
	require.Equal(t, RawSum, sum.TierFetch())
	avg, _ := NewKernel("average", "")
	require.Equal(t, RawAverage, avg.TierFetch())
}
