package registration

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// RigidTransform is a similarity transform p' = Scale * Rotation * p + Translation
type RigidTransform struct {
	Rotation    [3][3]float64 `json:"rotation"`
	Scale       float64       `json:"scale"`
	Translation Vec3          `json:"translation"`
}

// IdentityTransform returns the transform that leaves points unchanged
func IdentityTransform() RigidTransform {
	return RigidTransform{
		Rotation: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Scale:    1,
	}
}

// rotate applies only the rotation part
func (t RigidTransform) rotate(v Vec3) Vec3 {
	r := t.Rotation
	return Vec3{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

// Apply transforms a single point
func (t RigidTransform) Apply(p Vec3) Vec3 {
	return t.rotate(p).Scale(t.Scale).Add(t.Translation)
}

// ApplyPoints transforms every point into a new slice
func (t RigidTransform) ApplyPoints(points []Vec3) []Vec3 {
	out := make([]Vec3, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// ApplyFeatures transforms positions and rotates normals
func (t RigidTransform) ApplyFeatures(fs FeatureSet) FeatureSet {
	out := make(FeatureSet, len(fs))
	for i, f := range fs {
		out[i] = Feature{
			Position: t.Apply(f.Position),
			Normal:   t.rotate(f.Normal),
		}
	}
	return out
}

// Compose returns the transform equivalent to applying t first, then next
func (t RigidTransform) Compose(next RigidTransform) RigidTransform {
	var out RigidTransform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out.Rotation[i][j] += next.Rotation[i][k] * t.Rotation[k][j]
			}
		}
	}
	out.Scale = next.Scale * t.Scale
	out.Translation = next.rotate(t.Translation).Scale(next.Scale).Add(next.Translation)
	return out
}

// ComputeRigidTransformation fits the weighted similarity transform that maps
// floating onto corresponding in the least-squares sense, using Horn's
// closed-form quaternion solution. Scale stays 1 unless allowScaling is set.
// A zero total weight yields the identity transform.
func ComputeRigidTransformation(floating, corresponding []Vec3, weights Weights, allowScaling bool) (RigidTransform, error) {
	n := len(floating)
	if err := checkLen("corresponding positions", n, len(corresponding)); err != nil {
		return RigidTransform{}, err
	}
	if err := checkLen("weights", n, len(weights)); err != nil {
		return RigidTransform{}, err
	}

	var total float64
	var cf, ct Vec3
	for i := range floating {
		w := clamp01(weights[i])
		total += w
		cf = cf.Add(floating[i].Scale(w))
		ct = ct.Add(corresponding[i].Scale(w))
	}
	if total <= 0 {
		return IdentityTransform(), nil
	}
	cf = cf.Scale(1 / total)
	ct = ct.Scale(1 / total)

	// Cross-covariance S[a][b] = sum w * src_a * dst_b
	var s [3][3]float64
	var srcSpread, dstSpread float64
	for i := range floating {
		w := clamp01(weights[i])
		if w == 0 {
			continue
		}
		a := floating[i].Sub(cf).coords()
		b := corresponding[i].Sub(ct).coords()
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				s[r][c] += w * a[r] * b[c]
			}
			srcSpread += w * a[r] * a[r]
			dstSpread += w * b[r] * b[r]
		}
	}

	q, err := hornQuaternion(s)
	if err != nil {
		return RigidTransform{}, err
	}

	t := RigidTransform{Rotation: quaternionToMatrix(q), Scale: 1}
	if allowScaling && srcSpread > 0 {
		t.Scale = math.Sqrt(dstSpread / srcSpread)
	}
	t.Translation = ct.Sub(t.rotate(cf).Scale(t.Scale))
	return t, nil
}

// hornQuaternion returns the unit quaternion (w, x, y, z) maximising the
// correlation, i.e. the eigenvector of Horn's symmetric 4x4 matrix with the
// largest eigenvalue.
func hornQuaternion(s [3][3]float64) ([4]float64, error) {
	sxx, sxy, sxz := s[0][0], s[0][1], s[0][2]
	syx, syy, syz := s[1][0], s[1][1], s[1][2]
	szx, szy, szz := s[2][0], s[2][1], s[2][2]

	n := mat.NewSymDense(4, []float64{
		sxx + syy + szz, syz - szy, szx - sxz, sxy - syx,
		syz - szy, sxx - syy - szz, sxy + syx, szx + sxz,
		szx - sxz, sxy + syx, -sxx + syy - szz, syz + szy,
		sxy - syx, szx + sxz, syz + szy, -sxx - syy + szz,
	})

	var eig mat.EigenSym
	if ok := eig.Factorize(n, true); !ok {
		return [4]float64{}, errors.New("rigid fit: eigen decomposition failed")
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// Eigenvalues are ascending; the last column belongs to the largest
	q := [4]float64{vectors.At(0, 3), vectors.At(1, 3), vectors.At(2, 3), vectors.At(3, 3)}
	norm := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if norm == 0 {
		return [4]float64{1, 0, 0, 0}, nil
	}
	for i := range q {
		q[i] /= norm
	}
	if q[0] < 0 {
		for i := range q {
			q[i] = -q[i]
		}
	}
	return q, nil
}

func quaternionToMatrix(q [4]float64) [3][3]float64 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return [3][3]float64{
		{w*w + x*x - y*y - z*z, 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (y*x + w*z), w*w - x*x + y*y - z*z, 2 * (y*z - w*x)},
		{2 * (z*x - w*y), 2 * (z*y + w*x), w*w - x*x - y*y + z*z},
	}
}
