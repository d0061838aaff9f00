package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/kwv/viscomesh/registration"
	"github.com/kwv/viscomesh/telemetry"
)

// App encapsulates the application state and dependencies
type App struct {
	Config    *FileConfig
	Log       zerolog.Logger
	Publisher *telemetry.Publisher

	// CLI Flags (effectively dependencies)
	FloatingPath string
	TargetPath   string
	OutputPath   string
	RigidOnly    bool
	SkipRigid    bool
	Iterations   int // Overrides the configured non-rigid iteration count when > 0
	RunID        string
}

// AppOptions carries the command-line options of one run
type AppOptions struct {
	FloatingPath string
	TargetPath   string
	OutputPath   string
	RigidOnly    bool
	SkipRigid    bool
	Iterations   int
}

// RunSummary describes a finished run
type RunSummary struct {
	Points          int
	RigidPasses     int
	NonRigidPasses  int
	Stopped         bool
	Final           registration.Stats
	Transform       registration.RigidTransform // Accumulated rigid alignment
	Output          *Cloud
	MaxDisplacement float64
}

// NewApp creates a new App instance. A nil publisher disables telemetry.
func NewApp(config *FileConfig, log zerolog.Logger, publisher *telemetry.Publisher) *App {
	if config == nil {
		config = DefaultFileConfig()
	}
	if publisher == nil {
		publisher = telemetry.NewPublisher(nil, config.MQTT.PublishPrefix, log)
	}
	return &App{
		Config:    config,
		Log:       log,
		Publisher: publisher,
		RunID:     strconv.FormatInt(time.Now().UnixNano(), 36),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.FloatingPath = opts.FloatingPath
	a.TargetPath = opts.TargetPath
	a.OutputPath = opts.OutputPath
	a.RigidOnly = opts.RigidOnly
	a.SkipRigid = opts.SkipRigid
	a.Iterations = opts.Iterations
}

// Run loads both clouds, registers the floating cloud onto the target and
// writes the result to OutputPath (when set).
func (a *App) Run() (*RunSummary, error) {
	if a.RigidOnly && a.SkipRigid {
		return nil, errors.New("rigid-only and skip-rigid are mutually exclusive")
	}
	start := time.Now()

	floatingCloud, err := LoadCloud(a.FloatingPath)
	if err != nil {
		return nil, err
	}
	targetCloud, err := LoadCloud(a.TargetPath)
	if err != nil {
		return nil, err
	}

	floating, err := a.features(floatingCloud)
	if err != nil {
		return nil, fmt.Errorf("floating: %w", err)
	}
	target, err := a.features(targetCloud)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	a.Log.Info().
		Int("floating", len(floating)).
		Int("target", len(target)).
		Str("run", a.RunID).
		Msg("loaded point clouds")

	summary, err := a.Register(floating, floatingCloud.ActiveFlags(), target, targetCloud.ActiveFlags())
	if err != nil {
		return nil, err
	}

	if a.OutputPath != "" {
		if err := SaveCloud(a.OutputPath, summary.Output); err != nil {
			return nil, err
		}
		a.Log.Info().Str("path", a.OutputPath).Msg("wrote registered cloud")
	}

	a.report(a.Publisher.PublishResult(telemetry.ResultReport{
		Run:             a.RunID,
		Points:          summary.Points,
		RigidPasses:     summary.RigidPasses,
		NonRigidPasses:  summary.NonRigidPasses,
		Stopped:         summary.Stopped,
		InlierFraction:  summary.Final.InlierFraction,
		MeanResidual:    summary.Final.MeanResidual,
		MaxDisplacement: summary.MaxDisplacement,
		Output:          a.OutputPath,
		DurationMs:      time.Since(start).Milliseconds(),
	}))
	return summary, nil
}

// Register runs the rigid passes followed by the annealed non-rigid passes,
// coarse to fine when the configuration asks for a pyramid. The loop lives
// here: the engine only ever performs single passes.
func (a *App) Register(floating registration.FeatureSet, floatingFlags registration.Flags, target registration.FeatureSet, targetFlags registration.Flags) (*RunSummary, error) {
	cfg := a.Config.Registration
	if a.Iterations > 0 {
		cfg.Registration.NumIterations = a.Iterations
	}

	summary := &RunSummary{Points: len(floating), Transform: registration.IdentityTransform()}
	var weights registration.Weights

	if !a.SkipRigid && cfg.Registration.RigidIterations > 0 {
		rigid, err := registration.NewEngine(cfg, nil, registration.WithLogger(a.Log))
		if err != nil {
			return nil, err
		}
		for i := 0; i < cfg.Registration.RigidIterations; i++ {
			res, err := rigid.RigidStep(registration.RigidInput{
				Floating:      floating,
				FloatingFlags: floatingFlags,
				Target:        target,
				TargetFlags:   targetFlags,
				Weights:       weights,
				Iteration:     i,
			})
			if err != nil {
				return nil, fmt.Errorf("rigid iteration %d: %w", i, err)
			}
			floating, weights = res.Floating, res.Weights
			summary.Transform = summary.Transform.Compose(res.Transform)
			summary.RigidPasses++
			summary.Final = res.Stats

			a.report(a.Publisher.PublishIteration(telemetry.IterationReport{
				Run:       a.RunID,
				Phase:     telemetry.PhaseRigid,
				Iteration: i,
				Total:     cfg.Registration.RigidIterations,
				Stats:     res.Stats,
			}))
			if a.Publisher.StopRequested() {
				summary.Stopped = true
				break
			}
		}
		a.Log.Info().
			Int("passes", summary.RigidPasses).
			Float64("scale", summary.Transform.Scale).
			Float64("inlierFraction", summary.Final.InlierFraction).
			Msg("rigid registration done")
	}

	if a.RigidOnly || summary.Stopped || cfg.Registration.NumIterations == 0 {
		summary.Output = CloudFromFeatures(floating, floatingFlags)
		return summary, nil
	}

	output, field, err := a.registerNonRigid(cfg, floating, floatingFlags, target, targetFlags, weights, summary)
	if err != nil {
		return nil, err
	}
	summary.MaxDisplacement = field.MaxNorm()
	a.Log.Info().
		Int("passes", summary.NonRigidPasses).
		Float64("meanResidual", summary.Final.MeanResidual).
		Float64("inlierFraction", summary.Final.InlierFraction).
		Float64("maxDisplacement", summary.MaxDisplacement).
		Bool("stopped", summary.Stopped).
		Msg("non-rigid registration done")

	summary.Output = CloudFromFeatures(output, floatingFlags)
	return summary, nil
}

// layerState is the outcome of the most recent pyramid layer
type layerState struct {
	original []registration.Vec3 // Layer positions before any non-rigid pass
	field    registration.DisplacementField
	floating registration.FeatureSet
	full     bool // The layer holds every floating point in input order
}

// registerNonRigid runs the annealed non-rigid passes layer by layer, coarse
// to fine. Each layer smooths over a graph of its own points, and starts from
// the previous layer's field interpolated onto them. The returned features
// and field always cover every floating point.
func (a *App) registerNonRigid(cfg registration.Config, floating registration.FeatureSet, floatingFlags registration.Flags, target registration.FeatureSet, targetFlags registration.Flags, weights registration.Weights, summary *RunSummary) (registration.FeatureSet, registration.DisplacementField, error) {
	// The displacement baseline is fixed here
	base := floating.Positions()
	targetPositions := target.Positions()
	total := cfg.Registration.NumIterations
	layers := cfg.Registration.Layers()

	var last *layerState
	for _, layer := range layers {
		floatIdx, err := registration.Downsample(base, layer.FloatingPercent)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d floating: %w", layer.Index, err)
		}
		targetIdx, err := registration.Downsample(targetPositions, layer.TargetPercent)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d target: %w", layer.Index, err)
		}

		state := &layerState{
			floating: floating.Subset(floatIdx),
			full:     len(floatIdx) == len(base),
		}
		state.original = state.floating.Positions()
		layerFlags := floatingFlags.Subset(floatIdx)
		layerTarget := target.Subset(targetIdx)
		layerTargetFlags := targetFlags.Subset(targetIdx)
		layerWeights := weights.Subset(floatIdx)

		graph, err := registration.NewKNNGraph(state.original, cfg.Transform.NumNeighbours)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d neighbour graph: %w", layer.Index, err)
		}
		normals := registration.GraphNormals{Graph: graph, Reference: state.floating.Normals(), Workers: cfg.Workers}
		log := a.Log.With().Int("layer", layer.Index).Logger()
		engine, err := registration.NewEngine(cfg, graph,
			registration.WithLogger(log),
			registration.WithNormalEstimator(normals),
		)
		if err != nil {
			return nil, nil, err
		}

		if last != nil {
			// Inlier weights belong to the previous point subset
			layerWeights = nil
			state.field, err = registration.InterpolateField(last.original, last.field, state.original, cfg.Transform.NumNeighbours, cfg.Transform.Sigma, cfg.Workers)
			if err != nil {
				return nil, nil, fmt.Errorf("layer %d: %w", layer.Index, err)
			}
			state.floating, err = displace(state.floating, state.original, state.field, normals)
			if err != nil {
				return nil, nil, fmt.Errorf("layer %d: %w", layer.Index, err)
			}
		}
		log.Debug().
			Int("floating", len(floatIdx)).
			Int("target", len(targetIdx)).
			Int("iterations", layer.Iterations).
			Msg("starting pyramid layer")

		for i := layer.FirstIteration; i < layer.FirstIteration+layer.Iterations; i++ {
			transform := cfg.Registration.TransformAt(i, cfg.Transform)
			res, err := engine.Step(registration.StepInput{
				Floating:      state.floating,
				Original:      state.original,
				FloatingFlags: layerFlags,
				Target:        layerTarget,
				TargetFlags:   layerTargetFlags,
				Weights:       layerWeights,
				Displacement:  state.field,
				Iteration:     i,
			}, transform)
			if err != nil {
				return nil, nil, fmt.Errorf("non-rigid iteration %d: %w", i, err)
			}
			state.floating, layerWeights, state.field = res.Floating, res.Weights, res.Displacement
			summary.NonRigidPasses++
			summary.Final = res.Stats

			a.report(a.Publisher.PublishIteration(telemetry.IterationReport{
				Run:       a.RunID,
				Phase:     telemetry.PhaseNonRigid,
				Layer:     layer.Index,
				Iteration: i,
				Total:     total,
				Viscous:   transform.NumViscousIterations,
				Elastic:   transform.NumElasticIterations,
				Stats:     res.Stats,
			}))
			if a.Publisher.StopRequested() {
				summary.Stopped = true
				break
			}
		}
		if state.field == nil {
			state.field = make(registration.DisplacementField, len(state.original))
		}
		last = state
		if summary.Stopped {
			break
		}
	}

	if last == nil {
		return floating, make(registration.DisplacementField, len(base)), nil
	}
	if last.full {
		return last.floating, last.field, nil
	}

	// Carry the finest field onto every floating point
	field, err := registration.InterpolateField(last.original, last.field, base, cfg.Transform.NumNeighbours, cfg.Transform.Sigma, cfg.Workers)
	if err != nil {
		return nil, nil, fmt.Errorf("full resolution: %w", err)
	}
	graph, err := registration.NewKNNGraph(base, cfg.Transform.NumNeighbours)
	if err != nil {
		return nil, nil, fmt.Errorf("neighbour graph: %w", err)
	}
	normals := registration.GraphNormals{Graph: graph, Reference: floating.Normals(), Workers: cfg.Workers}
	output, err := displace(floating, base, field, normals)
	if err != nil {
		return nil, nil, fmt.Errorf("full resolution: %w", err)
	}
	return output, field, nil
}

// displace moves features to original+field and refreshes their normals
func displace(fs registration.FeatureSet, original []registration.Vec3, field registration.DisplacementField, normals registration.NormalEstimator) (registration.FeatureSet, error) {
	moved, err := registration.ApplyDisplacement(original, field)
	if err != nil {
		return nil, err
	}
	out, err := fs.WithPositions(moved)
	if err != nil {
		return nil, err
	}
	n, err := normals.RecomputeNormals(moved)
	if err != nil {
		return nil, fmt.Errorf("recompute normals: %w", err)
	}
	return out.WithNormals(n)
}

// features converts a cloud and estimates normals when the file had none
func (a *App) features(c *Cloud) (registration.FeatureSet, error) {
	fs, err := c.Features()
	if err != nil {
		return nil, err
	}
	if c.HasNormals() {
		return fs, nil
	}

	k := min(a.Config.Registration.Transform.NumNeighbours, len(fs)-1)
	if k <= 0 {
		return fs, nil
	}
	graph, err := registration.NewKNNGraph(fs.Positions(), k)
	if err != nil {
		return nil, err
	}
	// Without reference normals, GraphNormals orients away from the centroid
	normals, err := registration.GraphNormals{Graph: graph, Workers: a.Config.Registration.Workers}.RecomputeNormals(fs.Positions())
	if err != nil {
		return nil, fmt.Errorf("estimating normals: %w", err)
	}
	a.Log.Debug().Int("points", len(fs)).Int("neighbours", k).Msg("estimated missing normals")
	return fs.WithNormals(normals)
}

// report logs telemetry failures; a missing broker is not worth a warning
func (a *App) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, telemetry.ErrNotConnected):
		a.Log.Trace().Err(err).Msg("telemetry skipped")
	default:
		a.Log.Warn().Err(err).Msg("telemetry publish failed")
	}
}
