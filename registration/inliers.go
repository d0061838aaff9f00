package registration

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// degenerateStdRel is the relative spread below which residuals are
	// treated as equal
	degenerateStdRel = 1e-12
	// equalResidualRel is the relative tolerance for matching a residual
	// against a spread-free distribution
	equalResidualRel = 1e-9
	// cancellationRel is the fraction of the total squared deviation below
	// which a leave-one-out remainder counts as zero
	cancellationRel = 1e-10
)

// InlierStats summarises the residual distribution of one inlier pass
type InlierStats struct {
	Active       int     `json:"active"`
	MeanResidual float64 `json:"meanResidual"`
	StdResidual  float64 `json:"stdResidual"`
	Bound        float64 `json:"bound"` // mean + kappa*std over every active residual; +Inf when degenerate
	Inliers      int     `json:"inliers"`
	Weighted     bool    `json:"weighted"` // The distribution was weighted by the previous weights
}

// DetectInliers assigns every floating point a robust weight in [0,1] from
// the position residual to its correspondence. Inactive correspondences get
// weight 0.
//
// Each active point is scored against the distribution of the other active
// residuals: its weight follows a biweight falloff that reaches 0 at
// mean + kappa*std of the residuals with the point itself left out. A single
// gross outlier therefore cannot widen its own bound, which matters for small
// point sets where it would otherwise dominate the standard deviation. The
// weights are finally clamped to a non-increasing function of the residual.
//
// The distribution is recomputed on every call; previous is only read, and
// only when cfg.WeightedStatistics is set.
func DetectInliers(floating, corresponding FeatureSet, flags Flags, previous Weights, cfg InlierConfig) (Weights, error) {
	w, _, err := detectInliers(floating, corresponding, flags, previous, cfg)
	return w, err
}

// DetectInliersWithStats is DetectInliers that also reports the residual distribution
func DetectInliersWithStats(floating, corresponding FeatureSet, flags Flags, previous Weights, cfg InlierConfig) (Weights, InlierStats, error) {
	return detectInliers(floating, corresponding, flags, previous, cfg)
}

func detectInliers(floating, corresponding FeatureSet, flags Flags, previous Weights, cfg InlierConfig) (Weights, InlierStats, error) {
	var st InlierStats
	if err := cfg.Validate(); err != nil {
		return nil, st, err
	}
	n := len(floating)
	if err := checkLen("corresponding features", n, len(corresponding)); err != nil {
		return nil, st, err
	}
	if err := checkLen("correspondence flags", n, len(flags)); err != nil {
		return nil, st, err
	}
	if previous != nil {
		if err := checkLen("previous weights", n, len(previous)); err != nil {
			return nil, st, err
		}
	}

	residuals := make([]float64, n)
	err := parallelFor(n, cfg.Workers, func(start, end int) error {
		for i := start; i < end; i++ {
			if flags[i] {
				residuals[i] = Distance(floating[i].Position, corresponding[i].Position)
			}
		}
		return nil
	})
	if err != nil {
		return nil, st, err
	}

	index := make([]int, 0, n)
	active := make([]float64, 0, n)
	var activeWeights []float64
	for i, ok := range flags {
		if !ok {
			continue
		}
		index = append(index, i)
		active = append(active, residuals[i])
		if cfg.WeightedStatistics && previous != nil {
			activeWeights = append(activeWeights, clamp01(previous[i]))
		}
	}
	st.Active = len(active)
	st.Bound = math.Inf(1)

	weights := make(Weights, n)
	if len(active) == 0 {
		return weights, st, nil
	}

	// Every leave-one-out subset needs a total weight above 1, since the
	// weighted standard deviation divides by sum(w)-1
	if activeWeights != nil && floats.Sum(activeWeights)-floats.Max(activeWeights) <= 1 {
		activeWeights = nil
	}
	st.Weighted = activeWeights != nil

	if len(active) >= 2 {
		st.MeanResidual, st.StdResidual = stat.MeanStdDev(active, activeWeights)
	} else {
		st.MeanResidual = active[0]
	}

	if degenerate(len(active), st.MeanResidual, st.StdResidual) {
		for _, i := range index {
			weights[i] = 1
		}
		st.Inliers = len(index)
		return weights, st, nil
	}
	st.Bound = st.MeanResidual + cfg.Kappa*st.StdResidual

	total := float64(len(active))
	if activeWeights != nil {
		total = floats.Sum(activeWeights)
	}
	loo := leaveOneOut{
		mean:  st.MeanResidual,
		ss:    st.StdResidual * st.StdResidual * (total - 1),
		total: total,
		kappa: cfg.Kappa,
	}
	scores := make([]float64, len(active))
	err = parallelFor(len(active), cfg.Workers, func(start, end int) error {
		for j := start; j < end; j++ {
			a := 1.0
			if activeWeights != nil {
				a = activeWeights[j]
			}
			scores[j] = loo.weight(active[j], a)
		}
		return nil
	})
	if err != nil {
		return nil, st, err
	}
	nonIncreasing(active, scores)

	for j, i := range index {
		weights[i] = scores[j]
		if scores[j] > 0 {
			st.Inliers++
		}
	}
	return weights, st, nil
}

// degenerate reports whether the residual spread is too small to score against
func degenerate(n int, mean, std float64) bool {
	return n < 2 || math.IsNaN(std) || std <= degenerateStdRel*math.Max(1, mean)
}

// leaveOneOut scores residuals against the distribution of the remaining
// points, derived from the full weighted mean and sum of squared deviations
type leaveOneOut struct {
	mean  float64
	ss    float64 // sum of a*(r-mean)^2 over every active point
	total float64 // sum of a
	kappa float64
}

func (l leaveOneOut) weight(r, a float64) float64 {
	rest := l.total - a
	if rest <= 0 {
		return 1
	}
	d := r - l.mean
	mean := l.mean - a*d/rest
	ss := l.ss - a*d*d - a*a*d*d/rest
	// Cancellation leaves noise where the remaining residuals are all equal
	if ss <= cancellationRel*l.ss {
		ss = 0
	}
	var std float64
	if rest > 1 {
		std = math.Sqrt(ss / (rest - 1))
	}
	if rest <= 1 || degenerate(2, mean, std) {
		// The others agree exactly, so any deviation is infinitely many stds away
		if r <= mean+equalResidualRel*math.Max(1, mean) {
			return 1
		}
		return 0
	}
	return biweight(r, mean+l.kappa*std)
}

// nonIncreasing lowers weights in place so that a larger residual never has
// a larger weight; equal residuals share the smallest weight among them
func nonIncreasing(residuals, weights []float64) {
	order := make([]int, len(residuals))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return residuals[order[a]] < residuals[order[b]] })

	ceiling := 1.0
	for start := 0; start < len(order); {
		end := start
		group := ceiling
		for end < len(order) && residuals[order[end]] == residuals[order[start]] {
			group = math.Min(group, weights[order[end]])
			end++
		}
		ceiling = group
		for _, i := range order[start:end] {
			weights[i] = ceiling
		}
		start = end
	}
}

// biweight is Tukey's weight function: 1 at r = 0, 0 for r >= bound
func biweight(r, bound float64) float64 {
	if r >= bound {
		return 0
	}
	u := r / bound
	v := 1 - u*u
	return v * v
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
