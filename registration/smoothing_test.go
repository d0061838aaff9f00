package registration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmoothingKernelWeightsSumToOne(t *testing.T) {
	cloud := randomCloud(300, 11).Positions()
	graph, err := NewKNNGraph(cloud, 8)
	require.NoError(t, err)

	for _, sigma := range []float64{0.01, 0.2, 5} {
		kernel, err := NewSmoothingKernel(cloud, graph, sigma)
		require.NoError(t, err)
		for i := 0; i < kernel.Len(); i++ {
			stencil := kernel.Stencil(i)
			require.Equal(t, i, stencil[0].Index, "self comes first")
			sum := 0.0
			for _, e := range stencil {
				assert.GreaterOrEqual(t, e.Weight, 0.0)
				sum += e.Weight
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Fatalf("sigma=%v point %d: weights sum to %v", sigma, i, sum)
			}
		}
	}
}

func TestSmoothingKernelGaussianWeights(t *testing.T) {
	positions := []Vec3{{X: 0}, {X: 1}, {X: 2}}
	graph := AdjacencyGraph{{1}, {0, 2}, {1}}

	kernel, err := NewSmoothingKernel(positions, graph, 1)
	require.NoError(t, err)

	g := math.Exp(-0.5)
	stencil := kernel.Stencil(1)
	require.Len(t, stencil, 3)
	assert.InDelta(t, 1/(1+2*g), stencil[0].Weight, epsilon)
	assert.InDelta(t, g/(1+2*g), stencil[1].Weight, epsilon)
	assert.InDelta(t, g/(1+2*g), stencil[2].Weight, epsilon)
}

func TestSmoothIsolatedPointPassesThrough(t *testing.T) {
	positions := []Vec3{{X: 0}, {X: 1}, {X: 50}}
	graph := AdjacencyGraph{{1}, {0}, {}}
	kernel, err := NewSmoothingKernel(positions, graph, 1)
	require.NoError(t, err)

	field := DisplacementField{{X: 1}, {X: 3}, {Y: 7}}
	out, err := kernel.SmoothN(field, 20, 1)
	require.NoError(t, err)
	assert.Equal(t, Vec3{Y: 7}, out[2])
	assert.Equal(t, DisplacementField{{X: 1}, {X: 3}, {Y: 7}}, field, "input field is not modified")

	// Two mutually connected points converge to their common mean
	assert.InDelta(t, 2.0, out[0].X, 1e-6)
	assert.InDelta(t, 2.0, out[1].X, 1e-6)
}

func TestSmoothPreservesConstantField(t *testing.T) {
	cloud := gridCloud(6, 6).Positions()
	graph, err := NewKNNGraph(cloud, 4)
	require.NoError(t, err)
	kernel, err := NewSmoothingKernel(cloud, graph, 1)
	require.NoError(t, err)

	field := make(DisplacementField, len(cloud))
	for i := range field {
		field[i] = Vec3{X: 0.5, Y: -1, Z: 2}
	}
	out, err := kernel.SmoothN(field, 5, 0)
	require.NoError(t, err)
	for i := range out {
		assert.True(t, vecsEqual(out[i], field[i], 1e-12), "point %d: %v", i, out[i])
	}
}

func TestSmoothingKernelValidation(t *testing.T) {
	positions := []Vec3{{X: 0}, {X: 1}}

	_, err := NewSmoothingKernel(positions, AdjacencyGraph{{1}, {0}}, 0)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	_, err = NewSmoothingKernel(positions, AdjacencyGraph{{1}}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = NewSmoothingKernel(positions, AdjacencyGraph{{3}, {0}}, 1)
	assert.ErrorIs(t, err, ErrNeighborOutOfRange)

	kernel, err := NewSmoothingKernel(positions, AdjacencyGraph{{1}, {0}}, 1)
	require.NoError(t, err)
	_, err = kernel.Smooth(make(DisplacementField, 3), 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
