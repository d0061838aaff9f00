package registration

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// indexedPoint is a point in an arbitrary-dimension space that remembers its
// position in the caller's array, since kdtree.New reorders its input.
type indexedPoint struct {
	coords []float64
	index  int
}

// Compare implements the kdtree.Comparable interface
func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	return p.coords[d] - q.coords[d]
}

// Dims returns the number of dimensions for the KD-tree
func (p indexedPoint) Dims() int { return len(p.coords) }

// Distance returns the squared Euclidean distance between two points
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	sum := 0.0
	for i, v := range p.coords {
		d := v - q.coords[i]
		sum += d * d
	}
	return sum
}

// indexedPoints is a collection of indexedPoint that satisfies kdtree.Interface
type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedPoints) Len() int                              { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method.
// Median of medians keeps tree construction deterministic.
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{indexedPoints: p, Dim: d}, kdtree.MedianOfMedians(pointPlane{indexedPoints: p, Dim: d}))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for indexedPoints
type pointPlane struct {
	indexedPoints
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	return p.indexedPoints[i].coords[p.Dim] < p.indexedPoints[j].coords[p.Dim]
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{indexedPoints: p.indexedPoints[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}

// neighbour is one result of a nearest-neighbour query
type neighbour struct {
	Index int
	Dist2 float64 // squared distance
}

// sortNeighbours orders by distance, then by lowest index
func sortNeighbours(ns []neighbour) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Dist2 != ns[j].Dist2 {
			return ns[i].Dist2 < ns[j].Dist2
		}
		return ns[i].Index < ns[j].Index
	})
}

// spatialIndex answers k-nearest and radius queries over a fixed point set.
// It is read-only after construction and safe for concurrent queries.
type spatialIndex struct {
	points indexedPoints // original order
	tree   *kdtree.Tree
}

func newSpatialIndex(coords [][]float64) *spatialIndex {
	points := make(indexedPoints, len(coords))
	for i, c := range coords {
		points[i] = indexedPoint{coords: c, index: i}
	}
	// kdtree.New partitions its argument in place
	treePoints := make(indexedPoints, len(points))
	copy(treePoints, points)

	idx := &spatialIndex{points: points}
	if len(treePoints) > 0 {
		idx.tree = kdtree.New(treePoints, false)
	}
	return idx
}

func newFeatureIndex(fs FeatureSet) *spatialIndex {
	coords := make([][]float64, len(fs))
	for i, f := range fs {
		v := f.Values()
		coords[i] = v[:]
	}
	return newSpatialIndex(coords)
}

func newPositionIndex(positions []Vec3) *spatialIndex {
	coords := make([][]float64, len(positions))
	for i, p := range positions {
		coords[i] = p.coords()
	}
	return newSpatialIndex(coords)
}

// Len returns the number of indexed points
func (s *spatialIndex) Len() int { return len(s.points) }

// bruteForce returns every point sorted by distance and index
func (s *spatialIndex) bruteForce(q indexedPoint) []neighbour {
	out := make([]neighbour, len(s.points))
	for i, p := range s.points {
		out[i] = neighbour{Index: i, Dist2: q.Distance(p)}
	}
	sortNeighbours(out)
	return out
}

// collect drains a keeper heap into neighbours, skipping the sentinel entry
func collect(h kdtree.Heap) []neighbour {
	out := make([]neighbour, 0, len(h))
	for _, cd := range h {
		p, ok := cd.Comparable.(indexedPoint)
		if !ok {
			continue
		}
		out = append(out, neighbour{Index: p.index, Dist2: cd.Dist})
	}
	return out
}

// nearest returns the k nearest points to coords, sorted by distance with
// ties broken by lowest index. When k >= Len every point is returned.
func (s *spatialIndex) nearest(coords []float64, k int) []neighbour {
	q := indexedPoint{coords: coords, index: -1}
	if k >= len(s.points) {
		return s.bruteForce(q)
	}

	// One extra candidate tells whether the k-th distance is tied.
	keeper := kdtree.NewNKeeper(k + 1)
	s.tree.NearestSet(keeper, q)
	candidates := collect(keeper.Heap)
	sortNeighbours(candidates)
	if len(candidates) <= k || candidates[k].Dist2 > candidates[k-1].Dist2 {
		if len(candidates) > k {
			candidates = candidates[:k]
		}
		return candidates
	}

	// The boundary is tied: gather every candidate within the k-th distance
	// so the lowest indices win regardless of tree traversal order.
	tied := s.within(q, candidates[k-1].Dist2)
	if len(tied) < k {
		return candidates[:k]
	}
	return tied[:k]
}

// within returns all points whose squared distance is <= dist2, sorted
func (s *spatialIndex) within(q indexedPoint, dist2 float64) []neighbour {
	if s.tree == nil {
		return nil
	}
	keeper := kdtree.NewDistKeeper(dist2)
	s.tree.NearestSet(keeper, q)
	out := collect(keeper.Heap)
	// DistKeeper keeps values <= dist2; filter again for exactness
	kept := out[:0]
	for _, n := range out {
		if n.Dist2 <= dist2 {
			kept = append(kept, n)
		}
	}
	sortNeighbours(kept)
	return kept
}

// radius returns all points within the given Euclidean radius of coords
func (s *spatialIndex) radius(coords []float64, r float64) []neighbour {
	if math.IsInf(r, 1) {
		return s.bruteForce(indexedPoint{coords: coords, index: -1})
	}
	return s.within(indexedPoint{coords: coords, index: -1}, r*r)
}
