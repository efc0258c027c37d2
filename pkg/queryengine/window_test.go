// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queryengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalculateWindow_BasicAbsolute(t *testing.T) {
	req := WindowRequest{
		After: 1000, AfterSpecified: true,
		Before: 1600,
		Points: 60,
		Now:    2000,
		DisableClamp: true,
	}
	w, err := CalculateWindow(req)
	require.NoError(t, err)
	require.Equal(t, int64(60), w.Points)
	require.Equal(t, int64(1), w.QueryGranularity)
	require.Equal(t, int64(1000), w.After)
	require.Equal(t, int64(1600), w.Before)
}

func TestCalculateWindow_RelativeDefaultAfter(t *testing.T) {
	req := WindowRequest{
		Before: 0,
		Now:    10000,
		DBFirstTimeS: 1,
		DBLastTimeS:  10000,
		Points: 10,
		DisableClamp: true,
	}
	w, err := CalculateWindow(req)
	require.NoError(t, err)
	require.True(t, w.Relative)
	require.Equal(t, int64(10000-600), w.After)
}

func TestCalculateWindow_SwapAfterBefore(t *testing.T) {
	req := WindowRequest{
		After: 500, AfterSpecified: true,
		Before: 100,
		Now:    1000,
		Points: 10,
		DisableClamp: true,
	}
	w, err := CalculateWindow(req)
	require.NoError(t, err)
	require.LessOrEqual(t, w.After, w.Before)
}

func TestCalculateWindow_GroupArithmetic(t *testing.T) {
	req := WindowRequest{
		After: 0, AfterSpecified: true,
		Before: 300,
		Now:    1000,
		Points: 30,
		DisableClamp: true,
	}
	w, err := CalculateWindow(req)
	require.NoError(t, err)
	require.Equal(t, int64(30), w.Points)
	require.GreaterOrEqual(t, w.Group, int64(1))
}

func TestCalculateWindow_EmptyDatabase(t *testing.T) {
	req := WindowRequest{
		After: 0, AfterSpecified: true,
		Before: 0,
		Now:    1000,
		Points: 10,
		DBFirstTimeS: 0,
		DBLastTimeS:  0,
		DisableClamp: true,
	}
	_, err := CalculateWindow(req)
	require.ErrorIs(t, err, ErrEmptyDatabase)
}

func TestCalculateWindow_ResamplingForcesGroupMultiple(t *testing.T) {
	req := WindowRequest{
		After: 1000, AfterSpecified: true,
		Before: 2000,
		Now:    2000,
		Points: 100,
		ResamplingTime: 10,
		DisableClamp:   true,
	}
	w, err := CalculateWindow(req)
	require.NoError(t, err)
	require.Greater(t, w.ResamplingGroup, int64(0))
	require.Equal(t, int64(0), w.Group%w.ResamplingGroup)
}
