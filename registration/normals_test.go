package registration

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphNormalsPlane(t *testing.T) {
	cloud := gridCloud(5, 5)
	positions := cloud.Positions()
	graph, err := NewKNNGraph(positions, 6)
	require.NoError(t, err)

	reference := make([]Vec3, len(positions))
	for i := range reference {
		reference[i] = Vec3{Z: -1}
	}
	normals, err := GraphNormals{Graph: graph, Reference: reference}.RecomputeNormals(positions)
	require.NoError(t, err)
	for i, n := range normals {
		assert.True(t, vecsEqual(n, Vec3{Z: -1}, 1e-9), "point %d: %v", i, n)
	}
}

func TestGraphNormalsSphereOrientsOutward(t *testing.T) {
	var positions []Vec3
	for i := 0; i < 20; i++ {
		for j := 1; j < 10; j++ {
			theta := 2 * math.Pi * float64(i) / 20
			phi := math.Pi * float64(j) / 10
			positions = append(positions, Vec3{
				X: math.Sin(phi) * math.Cos(theta),
				Y: math.Sin(phi) * math.Sin(theta),
				Z: math.Cos(phi),
			})
		}
	}
	graph, err := NewKNNGraph(positions, 8)
	require.NoError(t, err)

	normals, err := GraphNormals{Graph: graph}.RecomputeNormals(positions)
	require.NoError(t, err)
	for i, n := range normals {
		assert.InDelta(t, 1.0, n.Norm(), 1e-9)
		assert.Greater(t, n.Dot(positions[i]), 0.7, "point %d normal should point outward", i)
	}
}

func TestGraphNormalsTooFewNeighbours(t *testing.T) {
	positions := []Vec3{{X: 0}, {X: 1}, {X: 5}}
	graph := AdjacencyGraph{{1}, {0}, {}}
	reference := []Vec3{{Y: 2}, {Y: 1}, {Z: 1}}

	normals, err := GraphNormals{Graph: graph, Reference: reference}.RecomputeNormals(positions)
	require.NoError(t, err)
	assert.Equal(t, []Vec3{{Y: 1}, {Y: 1}, {Z: 1}}, normals, "reference normals are kept, normalised")
}

func TestGraphNormalsValidation(t *testing.T) {
	positions := []Vec3{{X: 0}, {X: 1}}
	_, err := GraphNormals{Graph: AdjacencyGraph{{1}, {0}}, Reference: []Vec3{{}}}.RecomputeNormals(positions)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestNormalEstimatorFunc(t *testing.T) {
	called := false
	var est NormalEstimator = NormalEstimatorFunc(func(p []Vec3) ([]Vec3, error) {
		called = true
		return nil, errors.New("boom")
	})
	_, err := est.RecomputeNormals(nil)
	assert.True(t, called)
	assert.EqualError(t, err, "boom")
}
