package registration

import "fmt"

// Correspondences pairs every floating point with a synthesized target feature.
// A false flag means "no correspondence"; the feature is then the zero feature
// and must not be used.
type Correspondences struct {
	Features FeatureSet `json:"features"`
	Flags    Flags      `json:"flags"`
}

// Len returns the number of floating points covered
func (c Correspondences) Len() int {
	return len(c.Features)
}

// AffinityToCorrespondences blends the active target features referenced by
// each affinity row. Affinities are re-normalised over the active subset, and
// the row is flagged valid when its active mass divided by its total mass is
// at least threshold.
func AffinityToCorrespondences(target FeatureSet, targetFlags Flags, affinity *Affinity, threshold float64) (Correspondences, error) {
	if err := validateThreshold(threshold); err != nil {
		return Correspondences{}, err
	}
	if affinity == nil {
		return Correspondences{}, fmt.Errorf("affinity is nil: %w", ErrDimensionMismatch)
	}
	if err := checkLen("target flags", len(target), len(targetFlags)); err != nil {
		return Correspondences{}, err
	}
	if err := checkLen("affinity columns", len(target), affinity.NumCols); err != nil {
		return Correspondences{}, err
	}
	if err := checkLen("affinity rows", affinity.NumRows, len(affinity.Rows)); err != nil {
		return Correspondences{}, err
	}
	for i, row := range affinity.Rows {
		for _, e := range row {
			if e.Index < 0 || e.Index >= len(target) {
				return Correspondences{}, fmt.Errorf("affinity row %d references target %d: %w", i, e.Index, ErrNeighborOutOfRange)
			}
		}
	}

	out := Correspondences{
		Features: make(FeatureSet, affinity.NumRows),
		Flags:    make(Flags, affinity.NumRows),
	}
	for i, row := range affinity.Rows {
		out.Features[i], out.Flags[i] = blendRow(target, targetFlags, row, threshold)
	}
	return out, nil
}

func blendRow(target FeatureSet, targetFlags Flags, row []AffinityEntry, threshold float64) (Feature, bool) {
	var total, active float64
	for _, e := range row {
		total += e.Value
		if targetFlags[e.Index] {
			active += e.Value
		}
	}
	if total <= 0 || active <= 0 {
		return Feature{}, false
	}

	var f Feature
	for _, e := range row {
		if !targetFlags[e.Index] {
			continue
		}
		w := e.Value / active
		f.Position = f.Position.Add(target[e.Index].Position.Scale(w))
		f.Normal = f.Normal.Add(target[e.Index].Normal.Scale(w))
	}
	return f, active/total >= threshold
}

// ComputeCorrespondences runs the full correspondence stage: the push affinity
// floating -> target, optionally fused with the pull affinity target -> floating,
// and the blend into one corresponding feature per floating point.
func ComputeCorrespondences(floating, target FeatureSet, targetFlags Flags, cfg CorrespondenceConfig, workers int) (Correspondences, error) {
	if err := cfg.Validate(); err != nil {
		return Correspondences{}, err
	}
	if err := checkLen("target flags", len(target), len(targetFlags)); err != nil {
		return Correspondences{}, err
	}

	affCfg := cfg.Affinity(workers)
	affinity, err := WKNNAffinity(floating, target, affCfg)
	if err != nil {
		return Correspondences{}, fmt.Errorf("push affinity: %w", err)
	}
	if cfg.Symmetric {
		pull, err := WKNNAffinity(target, floating, affCfg)
		if err != nil {
			return Correspondences{}, fmt.Errorf("pull affinity: %w", err)
		}
		affinity, err = FuseAffinities(affinity, pull)
		if err != nil {
			return Correspondences{}, fmt.Errorf("fuse affinities: %w", err)
		}
	}
	return AffinityToCorrespondences(target, targetFlags, affinity, cfg.FlagThreshold)
}
