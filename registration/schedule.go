package registration

import "math"

// AnnealedIterations decays a smoothing iteration count exponentially from
// start (iteration 0) to end (iteration total-1). When either end is zero the
// decay is linear, since an exponential cannot reach or leave zero.
func AnnealedIterations(start, end, iteration, total int) int {
	if total <= 1 || iteration <= 0 {
		return start
	}
	if iteration >= total-1 {
		return end
	}
	t := float64(iteration) / float64(total-1)
	var v float64
	if start <= 0 || end <= 0 {
		v = float64(start) + t*float64(end-start)
	} else {
		v = float64(start) * math.Pow(float64(end)/float64(start), t)
	}
	return max(0, int(math.Round(v)))
}

// TransformAt returns base with the viscous and elastic iteration counts for
// the given outer iteration
func (c RegistrationConfig) TransformAt(iteration int, base TransformConfig) TransformConfig {
	out := base
	out.NumViscousIterations = AnnealedIterations(c.ViscousIterationsStart, c.ViscousIterationsEnd, iteration, c.NumIterations)
	out.NumElasticIterations = AnnealedIterations(c.ElasticIterationsStart, c.ElasticIterationsEnd, iteration, c.NumIterations)
	return out
}
