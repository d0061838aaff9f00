package registration

import (
	"fmt"
	"math"
)

// NeighborGraph is the adjacency over the original floating geometry.
// It is owned by the caller; the engine only reads it. Neighbors must not
// include i itself and must not be mutated by the caller during a call.
type NeighborGraph interface {
	Len() int
	Neighbors(i int) []int
}

// AdjacencyGraph is an explicit adjacency list
type AdjacencyGraph [][]int

// Len returns the number of points
func (g AdjacencyGraph) Len() int { return len(g) }

// Neighbors returns the neighbours of point i
func (g AdjacencyGraph) Neighbors(i int) []int { return g[i] }

// NewKNNGraph connects every point to its k nearest other points.
// Ties are broken by lowest index, so the graph is deterministic.
func NewKNNGraph(positions []Vec3, k int) (AdjacencyGraph, error) {
	if k <= 0 {
		return nil, &ConfigError{Field: "numNeighbours", Value: k, Reason: "must be positive"}
	}
	index := newPositionIndex(positions)
	graph := make(AdjacencyGraph, len(positions))
	err := parallelFor(len(positions), 0, func(start, end int) error {
		for i := start; i < end; i++ {
			// Self is always among the nearest, possibly tied with duplicates
			ns := index.nearest(positions[i].coords(), k+1)
			graph[i] = withoutSelf(ns, i, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return graph, nil
}

// NewRadiusGraph connects every point to all other points within radius
func NewRadiusGraph(positions []Vec3, radius float64) (AdjacencyGraph, error) {
	if !(radius > 0) || math.IsInf(radius, 1) {
		return nil, &ConfigError{Field: "radius", Value: radius, Reason: "must be positive and finite"}
	}
	index := newPositionIndex(positions)
	graph := make(AdjacencyGraph, len(positions))
	err := parallelFor(len(positions), 0, func(start, end int) error {
		for i := start; i < end; i++ {
			ns := index.radius(positions[i].coords(), radius)
			graph[i] = withoutSelf(ns, i, len(ns))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return graph, nil
}

func withoutSelf(ns []neighbour, self, limit int) []int {
	out := make([]int, 0, limit)
	for _, n := range ns {
		if n.Index == self {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, n.Index)
	}
	return out
}

// validateGraph checks that graph covers n points and only references known ones
func validateGraph(graph NeighborGraph, n int) error {
	if graph == nil {
		return fmt.Errorf("neighbour graph is nil: %w", ErrDimensionMismatch)
	}
	if err := checkLen("neighbour graph", n, graph.Len()); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		for _, j := range graph.Neighbors(i) {
			if j < 0 || j >= n {
				return fmt.Errorf("point %d lists neighbour %d of %d points: %w", i, j, n, ErrNeighborOutOfRange)
			}
		}
	}
	return nil
}
