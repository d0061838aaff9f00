package registration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKNNGraphLine(t *testing.T) {
	positions := []Vec3{{X: 0}, {X: 1}, {X: 2}, {X: 3}, {X: 10}}

	graph, err := NewKNNGraph(positions, 2)
	require.NoError(t, err)
	require.Equal(t, 5, graph.Len())

	// Point 1 is equidistant from 0 and 2; both are kept
	assert.Equal(t, []int{0, 2}, graph.Neighbors(1))
	// Point 2 ties between 1 and 3 at distance 1; lowest index first
	assert.Equal(t, []int{1, 3}, graph.Neighbors(2))
	assert.Equal(t, []int{1, 2}, graph.Neighbors(0))
	assert.Equal(t, []int{3, 2}, graph.Neighbors(4))

	for i := 0; i < graph.Len(); i++ {
		assert.NotContains(t, graph.Neighbors(i), i, "self must be excluded")
	}
}

func TestNewKNNGraphDuplicates(t *testing.T) {
	positions := []Vec3{{X: 1}, {X: 1}, {X: 1}}
	graph, err := NewKNNGraph(positions, 1)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, graph.Neighbors(0))
	assert.Equal(t, []int{0}, graph.Neighbors(1))
	assert.Equal(t, []int{0}, graph.Neighbors(2))
}

func TestNewKNNGraphSmallCloud(t *testing.T) {
	graph, err := NewKNNGraph([]Vec3{{X: 0}, {X: 1}}, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, graph.Neighbors(0))
	assert.Equal(t, []int{0}, graph.Neighbors(1))

	_, err = NewKNNGraph(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestNewRadiusGraph(t *testing.T) {
	positions := []Vec3{{X: 0}, {X: 0.5}, {X: 1.2}, {X: 5}}
	graph, err := NewRadiusGraph(positions, 1)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, graph.Neighbors(0))
	assert.Equal(t, []int{0, 2}, graph.Neighbors(1))
	assert.Equal(t, []int{1}, graph.Neighbors(2))
	assert.Empty(t, graph.Neighbors(3), "isolated point")

	_, err = NewRadiusGraph(positions, 0)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestValidateGraph(t *testing.T) {
	assert.NoError(t, validateGraph(AdjacencyGraph{{1}, {0}}, 2))
	assert.ErrorIs(t, validateGraph(AdjacencyGraph{{1}}, 2), ErrDimensionMismatch)
	assert.ErrorIs(t, validateGraph(AdjacencyGraph{{2}, {0}}, 2), ErrNeighborOutOfRange)
	assert.ErrorIs(t, validateGraph(nil, 0), ErrDimensionMismatch)
}
