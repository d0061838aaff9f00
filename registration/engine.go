package registration

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Engine runs single registration passes with a fixed configuration.
// It never loops by itself: the caller decides how many passes to run and
// feeds each result back as the next input.
type Engine struct {
	cfg     Config
	graph   NeighborGraph
	normals NormalEstimator
	log     zerolog.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the structured logger used for per-stage debug output
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithNormalEstimator sets the collaborator that refreshes normals after each
// displacement. Without one, normals are carried over unchanged.
func WithNormalEstimator(n NormalEstimator) Option {
	return func(e *Engine) { e.normals = n }
}

// NewEngine validates cfg and returns an engine smoothing over graph.
// graph may be nil for rigid-only use; Step then fails with a ConfigError.
func NewEngine(cfg Config, graph NeighborGraph, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:   cfg,
		graph: graph,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration
func (e *Engine) Config() Config { return e.cfg }

// Stats summarises one pass
type Stats struct {
	Iteration             int     `json:"iteration"`
	Points                int     `json:"points"`
	ActiveCorrespondences int     `json:"activeCorrespondences"`
	ActiveFraction        float64 `json:"activeFraction"`
	MeanResidual          float64 `json:"meanResidual"`
	StdResidual           float64 `json:"stdResidual"`
	Inliers               int     `json:"inliers"`
	InlierFraction        float64 `json:"inlierFraction"`
	MaxDisplacement       float64 `json:"maxDisplacement"`
}

// StepInput is the state carried between non-rigid passes
type StepInput struct {
	Floating      FeatureSet        // Current floating features (original + Displacement)
	Original      []Vec3            // Floating positions captured before the first pass
	FloatingFlags Flags             // nil means every floating point is active
	Target        FeatureSet
	TargetFlags   Flags             // nil means every target point is active
	Weights       Weights           // Inlier weights of the previous pass, may be nil
	Displacement  DisplacementField // Accumulated field of the previous pass, may be nil
	Iteration     int               // Only used for logging and stats
}

// StepResult holds the fresh output of every stage of one pass
type StepResult struct {
	Correspondences Correspondences
	Weights         Weights
	Displacement    DisplacementField
	Floating        FeatureSet // Original positions displaced by Displacement, refreshed normals
	Stats           Stats
}

// Step runs one non-rigid pass: correspondences, inlier weights, floating
// flag masking, the viscoelastic solve, and re-application of the field to
// the original positions. transform carries this pass's smoothing schedule.
// Inputs are not modified.
func (e *Engine) Step(in StepInput, transform TransformConfig) (*StepResult, error) {
	if transform.Workers == 0 {
		transform.Workers = e.cfg.Workers
	}
	if err := transform.Validate(); err != nil {
		return nil, err
	}
	if e.graph == nil {
		return nil, &ConfigError{Field: "graph", Value: nil, Reason: "non-rigid steps need a neighbour graph"}
	}
	n := len(in.Floating)
	if err := checkLen("original positions", n, len(in.Original)); err != nil {
		return nil, err
	}
	if err := checkLen("neighbour graph", n, e.graph.Len()); err != nil {
		return nil, err
	}
	if in.Weights != nil {
		if err := checkLen("previous weights", n, len(in.Weights)); err != nil {
			return nil, err
		}
	}
	if in.Displacement != nil {
		if err := checkLen("displacement field", n, len(in.Displacement)); err != nil {
			return nil, err
		}
	}
	floatingFlags, targetFlags, err := e.resolveFlags(n, in.FloatingFlags, len(in.Target), in.TargetFlags)
	if err != nil {
		return nil, err
	}

	corr, err := ComputeCorrespondences(in.Floating, in.Target, targetFlags, e.cfg.Correspondences, e.cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("correspondences: %w", err)
	}

	weights, inl, err := e.inliers(in.Floating, corr, in.Weights, in.Iteration)
	if err != nil {
		return nil, err
	}
	maskWeights(weights, floatingFlags)

	// Fresh solves measure the pull from the baseline and return a total field
	positions := in.Floating.Positions()
	previous := in.Displacement
	if transform.Mode == SolveFresh {
		positions = in.Original
		previous = nil
	}
	field, err := ComputeViscoelasticTransformation(positions, corr.Features.Positions(), weights, e.graph, previous, transform)
	if err != nil {
		return nil, fmt.Errorf("viscoelastic transformation: %w", err)
	}

	moved, err := ApplyDisplacement(in.Original, field)
	if err != nil {
		return nil, err
	}
	floating, err := e.refresh(in.Floating, moved)
	if err != nil {
		return nil, err
	}

	res := &StepResult{
		Correspondences: corr,
		Weights:         weights,
		Displacement:    field,
		Floating:        floating,
		Stats:           buildStats(in.Iteration, corr, weights, inl),
	}
	res.Stats.MaxDisplacement = field.MaxNorm()

	e.log.Debug().
		Int("iteration", in.Iteration).
		Int("viscous", transform.NumViscousIterations).
		Int("elastic", transform.NumElasticIterations).
		Int("active", res.Stats.ActiveCorrespondences).
		Int("inliers", res.Stats.Inliers).
		Float64("meanResidual", res.Stats.MeanResidual).
		Float64("maxDisplacement", res.Stats.MaxDisplacement).
		Msg("non-rigid step")
	return res, nil
}

// RigidInput is the state carried between rigid passes
type RigidInput struct {
	Floating      FeatureSet
	FloatingFlags Flags
	Target        FeatureSet
	TargetFlags   Flags
	Weights       Weights
	Iteration     int
}

// RigidResult holds the output of one rigid pass
type RigidResult struct {
	Correspondences Correspondences
	Weights         Weights
	Transform       RigidTransform // Maps the input floating set onto Floating
	Floating        FeatureSet
	Stats           Stats
}

// RigidStep runs one rigid ICP pass: correspondences, inlier weights, and a
// weighted similarity fit applied to the floating positions and normals.
func (e *Engine) RigidStep(in RigidInput) (*RigidResult, error) {
	n := len(in.Floating)
	if in.Weights != nil {
		if err := checkLen("previous weights", n, len(in.Weights)); err != nil {
			return nil, err
		}
	}
	floatingFlags, targetFlags, err := e.resolveFlags(n, in.FloatingFlags, len(in.Target), in.TargetFlags)
	if err != nil {
		return nil, err
	}

	corr, err := ComputeCorrespondences(in.Floating, in.Target, targetFlags, e.cfg.Correspondences, e.cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("correspondences: %w", err)
	}
	weights, inl, err := e.inliers(in.Floating, corr, in.Weights, in.Iteration)
	if err != nil {
		return nil, err
	}
	maskWeights(weights, floatingFlags)

	t, err := ComputeRigidTransformation(in.Floating.Positions(), corr.Features.Positions(), weights, e.cfg.Registration.AllowScaling)
	if err != nil {
		return nil, fmt.Errorf("rigid transformation: %w", err)
	}

	res := &RigidResult{
		Correspondences: corr,
		Weights:         weights,
		Transform:       t,
		Floating:        t.ApplyFeatures(in.Floating),
		Stats:           buildStats(in.Iteration, corr, weights, inl),
	}
	for i := range in.Floating {
		if d := Distance(in.Floating[i].Position, res.Floating[i].Position); d > res.Stats.MaxDisplacement {
			res.Stats.MaxDisplacement = d
		}
	}

	e.log.Debug().
		Int("iteration", in.Iteration).
		Int("active", res.Stats.ActiveCorrespondences).
		Int("inliers", res.Stats.Inliers).
		Float64("meanResidual", res.Stats.MeanResidual).
		Float64("scale", t.Scale).
		Msg("rigid step")
	return res, nil
}

// inliers scores the correspondences and notes when weighted statistics
// were requested but the previous weights could not carry them
func (e *Engine) inliers(floating FeatureSet, corr Correspondences, previous Weights, iteration int) (Weights, InlierStats, error) {
	cfg := e.inlierConfig()
	weights, st, err := DetectInliersWithStats(floating, corr.Features, corr.Flags, previous, cfg)
	if err != nil {
		return nil, st, fmt.Errorf("inliers: %w", err)
	}
	if cfg.WeightedStatistics && !st.Weighted && st.Active > 0 {
		e.log.Debug().
			Int("iteration", iteration).
			Bool("previousWeights", previous != nil).
			Msg("inlier statistics fell back to unweighted residuals")
	}
	return weights, st, nil
}

func (e *Engine) inlierConfig() InlierConfig {
	cfg := e.cfg.Inliers
	if cfg.Workers == 0 {
		cfg.Workers = e.cfg.Workers
	}
	return cfg
}

// resolveFlags fills nil flag arrays and checks their lengths
func (e *Engine) resolveFlags(n int, floating Flags, m int, target Flags) (Flags, Flags, error) {
	if floating == nil {
		floating = AllActive(n)
	}
	if target == nil {
		target = AllActive(m)
	}
	if err := checkLen("floating flags", n, len(floating)); err != nil {
		return nil, nil, err
	}
	if err := checkLen("target flags", m, len(target)); err != nil {
		return nil, nil, err
	}
	return floating, target, nil
}

// refresh builds the next floating set from moved positions
func (e *Engine) refresh(prev FeatureSet, moved []Vec3) (FeatureSet, error) {
	next, err := prev.WithPositions(moved)
	if err != nil {
		return nil, err
	}
	if e.normals == nil {
		return next, nil
	}
	normals, err := e.normals.RecomputeNormals(moved)
	if err != nil {
		return nil, fmt.Errorf("recompute normals: %w", err)
	}
	return next.WithNormals(normals)
}

// maskWeights zeroes the weight of every excluded floating point
func maskWeights(w Weights, flags Flags) {
	for i, ok := range flags {
		if !ok {
			w[i] = 0
		}
	}
}

func buildStats(iteration int, corr Correspondences, weights Weights, inl InlierStats) Stats {
	st := Stats{
		Iteration:             iteration,
		Points:                corr.Len(),
		ActiveCorrespondences: corr.Flags.CountActive(),
		MeanResidual:          inl.MeanResidual,
		StdResidual:           inl.StdResidual,
	}
	for _, w := range weights {
		if w > 0 {
			st.Inliers++
		}
	}
	if st.Points > 0 {
		st.ActiveFraction = float64(st.ActiveCorrespondences) / float64(st.Points)
		st.InlierFraction = float64(st.Inliers) / float64(st.Points)
	}
	return st
}
