package registration

import "math"

// NumFeatures is the length of a feature vector: 3 position + 3 normal values
const NumFeatures = 6

// Feature is the per-point feature vector used for matching.
// The index of a Feature inside its FeatureSet is the point's identity for
// the duration of one iteration.
type Feature struct {
	Position Vec3 `json:"position"`
	Normal   Vec3 `json:"normal"`
}

// Values returns the feature as a flat 6-vector (position then normal)
func (f Feature) Values() [NumFeatures]float64 {
	return [NumFeatures]float64{
		f.Position.X, f.Position.Y, f.Position.Z,
		f.Normal.X, f.Normal.Y, f.Normal.Z,
	}
}

// FeatureDistance is the Euclidean distance in the combined position+normal space
func FeatureDistance(a, b Feature) float64 {
	return math.Sqrt(SquaredDistance(a.Position, b.Position) + SquaredDistance(a.Normal, b.Normal))
}

// FeatureSet is an ordered, index-aligned collection of features for one point cloud
type FeatureSet []Feature

// NewFeatureSet zips positions and normals into a FeatureSet.
// Normals may be nil, in which case every normal is zero.
func NewFeatureSet(positions, normals []Vec3) (FeatureSet, error) {
	if normals != nil && len(normals) != len(positions) {
		return nil, &DimensionMismatchError{What: "normals", Expected: len(positions), Actual: len(normals)}
	}
	fs := make(FeatureSet, len(positions))
	for i, p := range positions {
		fs[i].Position = p
		if normals != nil {
			fs[i].Normal = normals[i]
		}
	}
	return fs, nil
}

// Positions returns a copy of the position column
func (fs FeatureSet) Positions() []Vec3 {
	out := make([]Vec3, len(fs))
	for i, f := range fs {
		out[i] = f.Position
	}
	return out
}

// Normals returns a copy of the normal column
func (fs FeatureSet) Normals() []Vec3 {
	out := make([]Vec3, len(fs))
	for i, f := range fs {
		out[i] = f.Normal
	}
	return out
}

// Clone returns an independent copy of the set
func (fs FeatureSet) Clone() FeatureSet {
	out := make(FeatureSet, len(fs))
	copy(out, fs)
	return out
}

// WithPositions returns a copy of the set with its positions replaced
func (fs FeatureSet) WithPositions(positions []Vec3) (FeatureSet, error) {
	if len(positions) != len(fs) {
		return nil, &DimensionMismatchError{What: "positions", Expected: len(fs), Actual: len(positions)}
	}
	out := fs.Clone()
	for i := range out {
		out[i].Position = positions[i]
	}
	return out, nil
}

// WithNormals returns a copy of the set with its normals replaced
func (fs FeatureSet) WithNormals(normals []Vec3) (FeatureSet, error) {
	if len(normals) != len(fs) {
		return nil, &DimensionMismatchError{What: "normals", Expected: len(fs), Actual: len(normals)}
	}
	out := fs.Clone()
	for i := range out {
		out[i].Normal = normals[i]
	}
	return out, nil
}

// Flags mark points as active (true) or hard-excluded (false)
type Flags []bool

// AllActive returns n active flags
func AllActive(n int) Flags {
	f := make(Flags, n)
	for i := range f {
		f[i] = true
	}
	return f
}

// CountActive returns the number of active flags
func (f Flags) CountActive() int {
	n := 0
	for _, a := range f {
		if a {
			n++
		}
	}
	return n
}

// Weights are soft per-point confidences in [0,1]
type Weights []float64

// OnesWeights returns n weights of 1
func OnesWeights(n int) Weights {
	w := make(Weights, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

// DisplacementField holds one displacement per floating point
type DisplacementField []Vec3

// MaxNorm returns the length of the largest displacement
func (d DisplacementField) MaxNorm() float64 {
	maxNorm := 0.0
	for _, v := range d {
		if n := v.Norm(); n > maxNorm {
			maxNorm = n
		}
	}
	return maxNorm
}

// ApplyDisplacement adds the field to the original (baseline) positions.
// The field always describes motion relative to the positions captured before
// the iteration loop started, never relative to the previous iteration.
func ApplyDisplacement(original []Vec3, field DisplacementField) ([]Vec3, error) {
	if len(original) != len(field) {
		return nil, &DimensionMismatchError{What: "displacement field", Expected: len(original), Actual: len(field)}
	}
	out := make([]Vec3, len(original))
	for i := range original {
		out[i] = original[i].Add(field[i])
	}
	return out, nil
}

// Subset returns the features at idx, in idx order
func (fs FeatureSet) Subset(idx []int) FeatureSet {
	out := make(FeatureSet, len(idx))
	for j, i := range idx {
		out[j] = fs[i]
	}
	return out
}

// Subset returns the flags at idx. Nil flags stay nil, meaning all active.
func (f Flags) Subset(idx []int) Flags {
	if f == nil {
		return nil
	}
	out := make(Flags, len(idx))
	for j, i := range idx {
		out[j] = f[i]
	}
	return out
}

// Subset returns the weights at idx. Nil weights stay nil.
func (w Weights) Subset(idx []int) Weights {
	if w == nil {
		return nil
	}
	out := make(Weights, len(idx))
	for j, i := range idx {
		out[j] = w[i]
	}
	return out
}
