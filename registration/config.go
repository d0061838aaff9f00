package registration

// Kernel selects how k-NN distances are turned into affinities
type Kernel string

const (
	// KernelInverseDistance weighs a neighbour by 1/(d^2 + eps)
	KernelInverseDistance Kernel = "inverse-distance"
	// KernelGaussian weighs a neighbour by exp(-d^2/(2h^2)), relative to the row's nearest neighbour
	KernelGaussian Kernel = "gaussian"
)

// SolveMode selects how the viscoelastic solver treats the previous displacement field
type SolveMode string

const (
	// SolveIncremental adds the regularised pull to the previous field before elastic smoothing
	SolveIncremental SolveMode = "incremental"
	// SolveFresh ignores the previous field and solves from a zero field
	SolveFresh SolveMode = "fresh"
)

// AffinityConfig holds the parameters of the weighted k-NN affinity
type AffinityConfig struct {
	NumNeighbours int     `yaml:"numNeighbours" json:"numNeighbours"`
	Kernel        Kernel  `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	Bandwidth     float64 `yaml:"bandwidth,omitempty" json:"bandwidth,omitempty"` // Gaussian kernel only
	Workers       int     `yaml:"-" json:"-"`
}

// CorrespondenceConfig holds the parameters of correspondence estimation
type CorrespondenceConfig struct {
	NumNeighbours int     `yaml:"numNeighbours" json:"numNeighbours"`
	Symmetric     bool    `yaml:"symmetric" json:"symmetric"`           // Fuse push (floating->target) and pull (target->floating) affinities
	FlagThreshold float64 `yaml:"flagThreshold" json:"flagThreshold"`   // Minimum active affinity fraction for a valid correspondence
	Kernel        Kernel  `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	Bandwidth     float64 `yaml:"bandwidth,omitempty" json:"bandwidth,omitempty"`
}

// Affinity returns the affinity parameters implied by the correspondence config
func (c CorrespondenceConfig) Affinity(workers int) AffinityConfig {
	return AffinityConfig{
		NumNeighbours: c.NumNeighbours,
		Kernel:        c.Kernel,
		Bandwidth:     c.Bandwidth,
		Workers:       workers,
	}
}

// InlierConfig holds the parameters of the robust inlier weighting
type InlierConfig struct {
	Kappa float64 `yaml:"kappa" json:"kappa"` // Residuals beyond mean + kappa*std of the other residuals get weight 0

	// WeightedStatistics weighs the residual distribution by the previous
	// weights, clamped to [0,1]. The previous weights are ignored, and the
	// plain distribution used instead, when they are nil or when their sum
	// minus the largest one is at most 1. InlierStats.Weighted reports
	// which distribution a pass used.
	WeightedStatistics bool `yaml:"weightedStatistics,omitempty" json:"weightedStatistics,omitempty"`
	Workers            int  `yaml:"-" json:"-"`
}

// TransformConfig holds the parameters of one viscoelastic solve
type TransformConfig struct {
	NumNeighbours        int       `yaml:"numNeighbours" json:"numNeighbours"` // Neighbour graph size used by the CLI driver
	Sigma                float64   `yaml:"sigma" json:"sigma"`
	NumViscousIterations int       `yaml:"viscousIterations" json:"viscousIterations"`
	NumElasticIterations int       `yaml:"elasticIterations" json:"elasticIterations"`
	Mode                 SolveMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	Workers              int       `yaml:"-" json:"-"`
}

// RegistrationConfig describes the outer iteration schedule.
// The engine never loops by itself; the driver reads this schedule.
type RegistrationConfig struct {
	NumIterations          int  `yaml:"numIterations" json:"numIterations"`
	ViscousIterationsStart int  `yaml:"viscousIterationsStart" json:"viscousIterationsStart"`
	ViscousIterationsEnd   int  `yaml:"viscousIterationsEnd" json:"viscousIterationsEnd"`
	ElasticIterationsStart int  `yaml:"elasticIterationsStart" json:"elasticIterationsStart"`
	ElasticIterationsEnd   int  `yaml:"elasticIterationsEnd" json:"elasticIterationsEnd"`
	RigidIterations        int  `yaml:"rigidIterations" json:"rigidIterations"`
	AllowScaling           bool `yaml:"allowScaling,omitempty" json:"allowScaling,omitempty"`

	// Coarse-to-fine pyramid. Percentages give the share of points removed
	// on the first and last layer; one layer registers at the end values.
	PyramidLayers           int     `yaml:"pyramidLayers" json:"pyramidLayers"`
	DownsampleFloatingStart float64 `yaml:"downsampleFloatingStart" json:"downsampleFloatingStart"`
	DownsampleFloatingEnd   float64 `yaml:"downsampleFloatingEnd" json:"downsampleFloatingEnd"`
	DownsampleTargetStart   float64 `yaml:"downsampleTargetStart" json:"downsampleTargetStart"`
	DownsampleTargetEnd     float64 `yaml:"downsampleTargetEnd" json:"downsampleTargetEnd"`
}

// Config is the full, immutable-per-call parameter set of the engine
type Config struct {
	Correspondences CorrespondenceConfig `yaml:"correspondences" json:"correspondences"`
	Inliers         InlierConfig         `yaml:"inliers" json:"inliers"`
	Transform       TransformConfig      `yaml:"transform" json:"transform"`
	Registration    RegistrationConfig   `yaml:"registration" json:"registration"`
	Workers         int                  `yaml:"workers,omitempty" json:"workers,omitempty"` // 0 = GOMAXPROCS
}

// DefaultConfig returns the standard registration parameters.
func DefaultConfig() Config {
	return Config{
		Correspondences: CorrespondenceConfig{
			NumNeighbours: 5,
			Symmetric:     true,
			FlagThreshold: 0.9,
			Kernel:        KernelInverseDistance,
		},
		Inliers: InlierConfig{
			Kappa: 4.0,
		},
		Transform: TransformConfig{
			NumNeighbours:        10,
			Sigma:                3.0,
			NumViscousIterations: 50,
			NumElasticIterations: 50,
			Mode:                 SolveIncremental,
		},
		Registration: RegistrationConfig{
			NumIterations:           60,
			ViscousIterationsStart:  50,
			ViscousIterationsEnd:    1,
			ElasticIterationsStart:  50,
			ElasticIterationsEnd:    1,
			RigidIterations:         20,
			PyramidLayers:           1,
			DownsampleFloatingStart: 90,
			DownsampleTargetStart:   90,
		},
	}
}

// Validate checks every section and returns the first problem found
func (c Config) Validate() error {
	if c.Workers < 0 {
		return &ConfigError{Field: "workers", Value: c.Workers, Reason: "must not be negative"}
	}
	if err := c.Correspondences.Validate(); err != nil {
		return err
	}
	if err := c.Inliers.Validate(); err != nil {
		return err
	}
	if err := c.Transform.Validate(); err != nil {
		return err
	}
	if c.Transform.NumNeighbours <= 0 {
		return &ConfigError{Field: "transform.numNeighbours", Value: c.Transform.NumNeighbours, Reason: "must be positive"}
	}
	return c.Registration.Validate()
}

// Validate checks the affinity parameters
func (c AffinityConfig) Validate() error {
	if c.NumNeighbours <= 0 {
		return &ConfigError{Field: "numNeighbours", Value: c.NumNeighbours, Reason: "must be positive"}
	}
	switch c.Kernel {
	case "", KernelInverseDistance:
	case KernelGaussian:
		if c.Bandwidth <= 0 {
			return &ConfigError{Field: "bandwidth", Value: c.Bandwidth, Reason: "gaussian kernel needs a positive bandwidth"}
		}
	default:
		return &ConfigError{Field: "kernel", Value: c.Kernel, Reason: "unknown kernel"}
	}
	if c.Workers < 0 {
		return &ConfigError{Field: "workers", Value: c.Workers, Reason: "must not be negative"}
	}
	return nil
}

// Validate checks the correspondence parameters
func (c CorrespondenceConfig) Validate() error {
	if err := c.Affinity(0).Validate(); err != nil {
		return err
	}
	return validateThreshold(c.FlagThreshold)
}

func validateThreshold(threshold float64) error {
	if !(threshold >= 0 && threshold <= 1) {
		return &ConfigError{Field: "flagThreshold", Value: threshold, Reason: "must lie in [0,1]"}
	}
	return nil
}

// Validate checks the inlier parameters
func (c InlierConfig) Validate() error {
	if !(c.Kappa > 0) {
		return &ConfigError{Field: "kappa", Value: c.Kappa, Reason: "must be positive"}
	}
	if c.Workers < 0 {
		return &ConfigError{Field: "workers", Value: c.Workers, Reason: "must not be negative"}
	}
	return nil
}

// Validate checks the solver parameters
func (c TransformConfig) Validate() error {
	if !(c.Sigma > 0) {
		return &ConfigError{Field: "sigma", Value: c.Sigma, Reason: "must be positive"}
	}
	if c.NumViscousIterations < 0 {
		return &ConfigError{Field: "viscousIterations", Value: c.NumViscousIterations, Reason: "must not be negative"}
	}
	if c.NumElasticIterations < 0 {
		return &ConfigError{Field: "elasticIterations", Value: c.NumElasticIterations, Reason: "must not be negative"}
	}
	switch c.Mode {
	case "", SolveIncremental, SolveFresh:
	default:
		return &ConfigError{Field: "mode", Value: c.Mode, Reason: "unknown solve mode"}
	}
	if c.Workers < 0 {
		return &ConfigError{Field: "workers", Value: c.Workers, Reason: "must not be negative"}
	}
	return nil
}

// Validate checks the schedule
func (c RegistrationConfig) Validate() error {
	checks := []struct {
		field string
		value int
	}{
		{"registration.numIterations", c.NumIterations},
		{"registration.viscousIterationsStart", c.ViscousIterationsStart},
		{"registration.viscousIterationsEnd", c.ViscousIterationsEnd},
		{"registration.elasticIterationsStart", c.ElasticIterationsStart},
		{"registration.elasticIterationsEnd", c.ElasticIterationsEnd},
		{"registration.rigidIterations", c.RigidIterations},
	}
	for _, ch := range checks {
		if ch.value < 0 {
			return &ConfigError{Field: ch.field, Value: ch.value, Reason: "must not be negative"}
		}
	}
	if c.PyramidLayers < 0 {
		return &ConfigError{Field: "registration.pyramidLayers", Value: c.PyramidLayers, Reason: "must not be negative"}
	}
	percents := []struct {
		field string
		value float64
	}{
		{"registration.downsampleFloatingStart", c.DownsampleFloatingStart},
		{"registration.downsampleFloatingEnd", c.DownsampleFloatingEnd},
		{"registration.downsampleTargetStart", c.DownsampleTargetStart},
		{"registration.downsampleTargetEnd", c.DownsampleTargetEnd},
	}
	for _, p := range percents {
		if !(p.value >= 0 && p.value < 100) {
			return &ConfigError{Field: p.field, Value: p.value, Reason: "must lie in [0,100)"}
		}
	}
	return nil
}
