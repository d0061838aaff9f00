package registration

import "fmt"

// ComputeViscoelasticTransformation solves for a smooth displacement field that
// pulls each weighted floating point toward its correspondence.
//
// The raw pull w_i*(c_i - x_i) is smoothed over the neighbour graph for
// NumViscousIterations rounds, integrated into the working field, and the
// accumulated field is then smoothed for NumElasticIterations rounds. In
// SolveIncremental mode the working field starts from previous; in SolveFresh
// mode previous is ignored and the field starts at zero. Points with weight 0
// contribute no pull. Inputs are never modified.
func ComputeViscoelasticTransformation(positions, corresponding []Vec3, weights Weights, graph NeighborGraph, previous DisplacementField, cfg TransformConfig) (DisplacementField, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := len(positions)
	if err := checkLen("corresponding positions", n, len(corresponding)); err != nil {
		return nil, err
	}
	if err := checkLen("weights", n, len(weights)); err != nil {
		return nil, err
	}
	incremental := cfg.Mode != SolveFresh
	if incremental && previous != nil {
		if err := checkLen("previous displacement field", n, len(previous)); err != nil {
			return nil, err
		}
	}

	kernel, err := NewSmoothingKernel(positions, graph, cfg.Sigma)
	if err != nil {
		return nil, err
	}

	pull := make(DisplacementField, n)
	for i := range pull {
		w := clamp01(weights[i])
		if w == 0 {
			continue
		}
		pull[i] = corresponding[i].Sub(positions[i]).Scale(w)
	}

	viscous, err := kernel.SmoothN(pull, cfg.NumViscousIterations, cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("viscous smoothing: %w", err)
	}

	if incremental && previous != nil {
		for i := range viscous {
			viscous[i] = viscous[i].Add(previous[i])
		}
	}

	field, err := kernel.SmoothN(viscous, cfg.NumElasticIterations, cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("elastic smoothing: %w", err)
	}
	return field, nil
}
