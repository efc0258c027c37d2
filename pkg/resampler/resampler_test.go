package resampler

import (
	"testing"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/stretchr/testify/require"
)

func linearSeries(n int) []schema.Float {
	data := make([]schema.Float, n)
	for i := range data {
		data[i] = schema.Float(i)
	}
	return data
}

func TestLargestTriangleThreeBucketIndices_EndpointsKept(t *testing.T) {
	data := linearSeries(200)
	idx, err := LargestTriangleThreeBucketIndices(data, 1, 4)
	require.NoError(t, err)
	require.NotEmpty(t, idx)
	require.Equal(t, 0, idx[0])
	require.Equal(t, len(data)-1, idx[len(idx)-1])
}

func TestLargestTriangleThreeBucketIndices_MatchesValueDecimation(t *testing.T) {
	data := linearSeries(200)
	idx, err := LargestTriangleThreeBucketIndices(data, 1, 4)
	require.NoError(t, err)

	values, _, err := LargestTriangleThreeBucket(data, 1, 4)
	require.NoError(t, err)
	require.Equal(t, len(values), len(idx))

	for i, srcIdx := range idx {
		require.Equal(t, data[srcIdx], values[i], "index %d", i)
	}
}

func TestLargestTriangleThreeBucketIndices_TooFewPointsPassThrough(t *testing.T) {
	data := linearSeries(10)
	idx, err := LargestTriangleThreeBucketIndices(data, 1, 4)
	require.NoError(t, err)
	require.Len(t, idx, len(data))
	for i, srcIdx := range idx {
		require.Equal(t, i, srcIdx)
	}
}
