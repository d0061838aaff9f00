package registration

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// SmoothingEntry is one (point, weight) term of a smoothing stencil
type SmoothingEntry struct {
	Index  int
	Weight float64
}

// SmoothingKernel holds, per point, the normalised Gaussian weights over the
// point itself and its graph neighbours. It is read-only once built.
type SmoothingKernel struct {
	stencils [][]SmoothingEntry
}

// NewSmoothingKernel builds the Gaussian stencils exp(-d^2/(2 sigma^2)) over
// positions and graph. Self (distance 0) is always the first entry, so every
// stencil is non-empty and isolated points smooth to themselves.
func NewSmoothingKernel(positions []Vec3, graph NeighborGraph, sigma float64) (*SmoothingKernel, error) {
	if !(sigma > 0) {
		return nil, &ConfigError{Field: "sigma", Value: sigma, Reason: "must be positive"}
	}
	if err := validateGraph(graph, len(positions)); err != nil {
		return nil, err
	}

	twoSigma2 := 2 * sigma * sigma
	k := &SmoothingKernel{stencils: make([][]SmoothingEntry, len(positions))}
	for i, p := range positions {
		nbrs := graph.Neighbors(i)
		stencil := make([]SmoothingEntry, 0, len(nbrs)+1)
		weights := make([]float64, 0, len(nbrs)+1)
		stencil = append(stencil, SmoothingEntry{Index: i})
		weights = append(weights, 1)
		for _, j := range nbrs {
			if j == i {
				continue
			}
			stencil = append(stencil, SmoothingEntry{Index: j})
			weights = append(weights, math.Exp(-SquaredDistance(p, positions[j])/twoSigma2))
		}
		// The self weight of 1 keeps the sum positive even if every neighbour underflows
		floats.Scale(1/floats.Sum(weights), weights)
		for s := range stencil {
			stencil[s].Weight = weights[s]
		}
		k.stencils[i] = stencil
	}
	return k, nil
}

// Len returns the number of points
func (k *SmoothingKernel) Len() int { return len(k.stencils) }

// Stencil returns the weights used to smooth point i
func (k *SmoothingKernel) Stencil(i int) []SmoothingEntry { return k.stencils[i] }

// Smooth returns one Gaussian-averaged copy of field
func (k *SmoothingKernel) Smooth(field DisplacementField, workers int) (DisplacementField, error) {
	if err := checkLen("displacement field", len(k.stencils), len(field)); err != nil {
		return nil, err
	}
	out := make(DisplacementField, len(field))
	err := parallelFor(len(field), workers, func(start, end int) error {
		for i := start; i < end; i++ {
			var acc Vec3
			for _, e := range k.stencils[i] {
				acc = acc.Add(field[e.Index].Scale(e.Weight))
			}
			out[i] = acc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SmoothN applies Smooth iterations times; zero iterations returns a copy
func (k *SmoothingKernel) SmoothN(field DisplacementField, iterations, workers int) (DisplacementField, error) {
	if err := checkLen("displacement field", len(k.stencils), len(field)); err != nil {
		return nil, err
	}
	out := make(DisplacementField, len(field))
	copy(out, field)
	for it := 0; it < iterations; it++ {
		next, err := k.Smooth(out, workers)
		if err != nil {
			return nil, err
		}
		out = next
	}
	return out, nil
}
