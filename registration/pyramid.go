package registration

import (
	"math"
	"sort"
)

// PyramidLayer is one resolution level of a coarse-to-fine registration
type PyramidLayer struct {
	Index           int     `json:"index"`
	FloatingPercent float64 `json:"floatingPercent"` // Share of floating points removed
	TargetPercent   float64 `json:"targetPercent"`   // Share of target points removed
	FirstIteration  int     `json:"firstIteration"`  // Outer iteration index of the layer's first pass
	Iterations      int     `json:"iterations"`
}

// Layers splits NumIterations over the pyramid, coarsest layer first. The
// downsampling percentages move linearly from the start values on the first
// layer to the end values on the last. A single layer runs at the end values.
// Iterations that do not divide evenly go to the finest layers, and layers
// left without iterations are omitted.
func (c RegistrationConfig) Layers() []PyramidLayer {
	count := max(1, c.PyramidLayers)
	base, extra := c.NumIterations/count, c.NumIterations%count

	layers := make([]PyramidLayer, 0, count)
	next := 0
	for l := 0; l < count; l++ {
		iterations := base
		if l >= count-extra {
			iterations++
		}
		if iterations == 0 {
			continue
		}
		layers = append(layers, PyramidLayer{
			Index:           l,
			FloatingPercent: lerpLayer(c.DownsampleFloatingStart, c.DownsampleFloatingEnd, l, count),
			TargetPercent:   lerpLayer(c.DownsampleTargetStart, c.DownsampleTargetEnd, l, count),
			FirstIteration:  next,
			Iterations:      iterations,
		})
		next += iterations
	}
	return layers
}

func lerpLayer(start, end float64, layer, count int) float64 {
	if count <= 1 {
		return end
	}
	t := float64(layer) / float64(count-1)
	return start + t*(end-start)
}

// voxelSearchSteps bounds the bisection over the voxel size
const voxelSearchSteps = 48

// Downsample keeps about (100-percent)% of the points, one per occupied cell
// of a regular voxel grid, and returns their indices in ascending order. The
// point closest to its cell centre represents the cell, with ties going to
// the lowest index. percent 0 keeps every point.
func Downsample(positions []Vec3, percent float64) ([]int, error) {
	if !(percent >= 0 && percent < 100) {
		return nil, &ConfigError{Field: "downsample", Value: percent, Reason: "must lie in [0,100)"}
	}
	n := len(positions)
	want := max(1, int(math.Round(float64(n)*(100-percent)/100)))
	if want >= n {
		return identity(n), nil
	}

	lo, hi := boundingBox(positions)
	extent := math.Max(hi.X-lo.X, math.Max(hi.Y-lo.Y, hi.Z-lo.Z))
	if extent == 0 {
		return identity(want), nil
	}

	// The occupied cell count shrinks as the cells grow
	small, large := 0.0, extent*(1+1e-9)
	best := voxelSubset(positions, lo, large)
	for step := 0; step < voxelSearchSteps && len(best) != want; step++ {
		size := (small + large) / 2
		if size <= 0 {
			break
		}
		kept := voxelSubset(positions, lo, size)
		if closer(len(kept), len(best), want) {
			best = kept
		}
		if len(kept) > want {
			small = size
		} else {
			large = size
		}
	}
	return best, nil
}

// closer reports whether got is nearer to want than best, preferring more points
func closer(got, best, want int) bool {
	dg, db := abs(got-want), abs(best-want)
	return dg < db || (dg == db && got > best)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type voxelKey [3]int64

func voxelSubset(positions []Vec3, origin Vec3, size float64) []int {
	type pick struct {
		index int
		dist2 float64
	}
	cells := make(map[voxelKey]pick)
	for i, p := range positions {
		cx := math.Floor((p.X - origin.X) / size)
		cy := math.Floor((p.Y - origin.Y) / size)
		cz := math.Floor((p.Z - origin.Z) / size)
		centre := Vec3{
			X: origin.X + (cx+0.5)*size,
			Y: origin.Y + (cy+0.5)*size,
			Z: origin.Z + (cz+0.5)*size,
		}
		key := voxelKey{int64(cx), int64(cy), int64(cz)}
		d := SquaredDistance(p, centre)
		if cur, ok := cells[key]; !ok || d < cur.dist2 {
			cells[key] = pick{index: i, dist2: d}
		}
	}
	out := make([]int, 0, len(cells))
	for _, c := range cells {
		out = append(out, c.index)
	}
	sort.Ints(out)
	return out
}

func boundingBox(positions []Vec3) (lo, hi Vec3) {
	inf := math.Inf(1)
	lo = Vec3{X: inf, Y: inf, Z: inf}
	hi = Vec3{X: -inf, Y: -inf, Z: -inf}
	for _, p := range positions {
		lo = Vec3{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = Vec3{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// InterpolateField carries a displacement field sampled at sources onto the
// query positions. Each query takes the average of the field at its k nearest
// sources, weighted by exp(-d^2/(2 sigma^2)). A query that coincides with a
// source copies that source's vector, and a query too far from every source
// for the weights to register takes the vector of its nearest source.
func InterpolateField(sources []Vec3, field DisplacementField, queries []Vec3, k int, sigma float64, workers int) (DisplacementField, error) {
	if k <= 0 {
		return nil, &ConfigError{Field: "numNeighbours", Value: k, Reason: "must be positive"}
	}
	if !(sigma > 0) {
		return nil, &ConfigError{Field: "sigma", Value: sigma, Reason: "must be positive"}
	}
	if err := checkLen("interpolated field", len(sources), len(field)); err != nil {
		return nil, err
	}
	out := make(DisplacementField, len(queries))
	if len(queries) == 0 {
		return out, nil
	}
	if len(sources) == 0 {
		return nil, &DimensionMismatchError{What: "interpolation sources", Expected: 1, Actual: 0}
	}

	index := newPositionIndex(sources)
	inv := 1 / (2 * sigma * sigma)
	err := parallelFor(len(queries), workers, func(start, end int) error {
		for q := start; q < end; q++ {
			ns := index.nearest(queries[q].coords(), k)
			if ns[0].Dist2 == 0 {
				out[q] = field[ns[0].Index]
				continue
			}
			var sum Vec3
			total := 0.0
			for _, nb := range ns {
				w := math.Exp(-nb.Dist2 * inv)
				sum = sum.Add(field[nb.Index].Scale(w))
				total += w
			}
			if total == 0 {
				out[q] = field[ns[0].Index]
				continue
			}
			out[q] = sum.Scale(1 / total)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
