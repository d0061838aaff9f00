package registration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNearestMatchesBruteForce(t *testing.T) {
	cloud := randomCloud(400, 7)
	index := newFeatureIndex(cloud)
	queries := randomCloud(50, 8)

	for _, k := range []int{1, 3, 10} {
		for qi, q := range queries {
			v := q.Values()
			got := index.nearest(v[:], k)
			want := index.bruteForce(indexedPoint{coords: v[:], index: -1})[:k]
			require.Len(t, got, k)
			for j := range want {
				if got[j].Index != want[j].Index {
					t.Fatalf("k=%d query %d rank %d: got index %d, want %d", k, qi, j, got[j].Index, want[j].Index)
				}
				assert.InDelta(t, want[j].Dist2, got[j].Dist2, 1e-12)
			}
		}
	}
}

func TestNearestBreaksTiesByLowestIndex(t *testing.T) {
	// Eight points on the corners of a cube, all equidistant from the centre
	var positions []Vec3
	for _, x := range []float64{-1, 1} {
		for _, y := range []float64{-1, 1} {
			for _, z := range []float64{-1, 1} {
				positions = append(positions, Vec3{X: x, Y: y, Z: z})
			}
		}
	}
	// Reverse the order so tree layout and index order disagree
	for i, j := 0, len(positions)-1; i < j; i, j = i+1, j-1 {
		positions[i], positions[j] = positions[j], positions[i]
	}
	index := newPositionIndex(positions)

	got := index.nearest([]float64{0, 0, 0}, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{got[0].Index, got[1].Index, got[2].Index})
}

func TestNearestWithDuplicates(t *testing.T) {
	positions := []Vec3{{X: 1}, {X: 1}, {X: 1}, {X: 5}, {X: 1}}
	index := newPositionIndex(positions)

	got := index.nearest([]float64{1, 0, 0}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 1, got[1].Index)
	assert.Equal(t, 0.0, got[0].Dist2)
}

func TestNearestKAtLeastLen(t *testing.T) {
	positions := []Vec3{{X: 3}, {X: 1}, {X: 2}}
	index := newPositionIndex(positions)

	got := index.nearest([]float64{0, 0, 0}, 10)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 0}, []int{got[0].Index, got[1].Index, got[2].Index})
}

func TestRadius(t *testing.T) {
	positions := []Vec3{{X: 0}, {X: 0.5}, {X: 1}, {X: 3}}
	index := newPositionIndex(positions)

	got := index.radius([]float64{0, 0, 0}, 1)
	idx := make([]int, len(got))
	for i, n := range got {
		idx[i] = n.Index
	}
	assert.Equal(t, []int{0, 1, 2}, idx, "radius is inclusive")
}
