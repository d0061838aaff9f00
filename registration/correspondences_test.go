package registration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestAffinityToCorrespondencesBlendsActiveTargets(t *testing.T) {
	target := FeatureSet{
		{Position: Vec3{X: 0}, Normal: Vec3{Z: 1}},
		{Position: Vec3{X: 2}, Normal: Vec3{Z: 1}},
		{Position: Vec3{X: 10}, Normal: Vec3{Z: -1}},
	}
	flags := Flags{true, true, false}

	aff, err := AffinityFromDense(mat.NewDense(3, 3, []float64{
		1, 1, 0, // all active
		1, 0, 1, // half the mass inactive
		0, 0, 4, // only inactive
	}))
	require.NoError(t, err)

	corr, err := AffinityToCorrespondences(target, flags, aff, 0.5)
	require.NoError(t, err)
	require.Equal(t, 3, corr.Len())

	assert.True(t, corr.Flags[0])
	assert.True(t, vecsEqual(corr.Features[0].Position, Vec3{X: 1}, epsilon))
	assert.True(t, vecsEqual(corr.Features[0].Normal, Vec3{Z: 1}, epsilon))

	// Only target 0 is active, renormalised to weight 1; 0.5 >= 0.5 is valid
	assert.True(t, corr.Flags[1])
	assert.True(t, vecsEqual(corr.Features[1].Position, Vec3{X: 0}, epsilon))

	assert.False(t, corr.Flags[2])
	assert.Equal(t, Feature{}, corr.Features[2])

	strict, err := AffinityToCorrespondences(target, flags, aff, 0.9)
	require.NoError(t, err)
	assert.True(t, strict.Flags[0])
	assert.False(t, strict.Flags[1], "active fraction 0.5 is below 0.9")
}

func TestAffinityToCorrespondencesUnnormalisedRows(t *testing.T) {
	target := FeatureSet{{Position: Vec3{X: 1}}, {Position: Vec3{X: 3}}}
	aff, err := AffinityFromDense(mat.NewDense(1, 2, []float64{3, 1}))
	require.NoError(t, err)

	corr, err := AffinityToCorrespondences(target, AllActive(2), aff, 1)
	require.NoError(t, err)
	assert.True(t, corr.Flags[0])
	assert.InDelta(t, 1.5, corr.Features[0].Position.X, epsilon)
}

func TestAffinityToCorrespondencesZeroMassRow(t *testing.T) {
	target := gridCloud(2, 1)
	aff := NewAffinity(1, 2)

	corr, err := AffinityToCorrespondences(target, AllActive(2), aff, 0)
	require.NoError(t, err)
	assert.False(t, corr.Flags[0], "a row without mass has no correspondence even at threshold 0")
	assert.Equal(t, Feature{}, corr.Features[0])
}

func TestAffinityToCorrespondencesValidation(t *testing.T) {
	target := gridCloud(2, 1)
	aff := NewAffinity(1, 2)

	_, err := AffinityToCorrespondences(target, AllActive(3), aff, 0.5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = AffinityToCorrespondences(target, AllActive(2), NewAffinity(1, 5), 0.5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = AffinityToCorrespondences(target, AllActive(2), aff, -0.1)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	bad := NewAffinity(1, 2)
	bad.Rows[0] = []AffinityEntry{{Index: 7, Value: 1}}
	_, err = AffinityToCorrespondences(target, AllActive(2), bad, 0.5)
	assert.ErrorIs(t, err, ErrNeighborOutOfRange)
}

func TestComputeCorrespondencesIdenticalClouds(t *testing.T) {
	cloud := gridCloud(5, 4)
	for _, symmetric := range []bool{false, true} {
		cfg := CorrespondenceConfig{NumNeighbours: 1, Symmetric: symmetric, FlagThreshold: 0.9}
		corr, err := ComputeCorrespondences(cloud, cloud, AllActive(len(cloud)), cfg, 0)
		require.NoError(t, err)
		for i := range cloud {
			assert.True(t, corr.Flags[i])
			assert.Equal(t, cloud[i], corr.Features[i], "symmetric=%v point %d", symmetric, i)
		}
	}
}

func TestComputeCorrespondencesInactiveNeighbours(t *testing.T) {
	cloud := gridCloud(3, 3)
	flags := AllActive(len(cloud))
	flags[4] = false

	corr, err := ComputeCorrespondences(cloud, cloud, flags, CorrespondenceConfig{NumNeighbours: 1, Symmetric: true, FlagThreshold: 0.9}, 0)
	require.NoError(t, err)
	for i := range cloud {
		assert.Equal(t, i != 4, corr.Flags[i], "point %d", i)
	}
}
