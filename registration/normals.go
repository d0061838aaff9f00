package registration

import (
	"gonum.org/v1/gonum/mat"
)

// NormalEstimator recomputes per-point normals after positions moved.
// It stands in for the mesh that owns the topology.
type NormalEstimator interface {
	RecomputeNormals(positions []Vec3) ([]Vec3, error)
}

// NormalEstimatorFunc adapts a plain function to NormalEstimator
type NormalEstimatorFunc func(positions []Vec3) ([]Vec3, error)

// RecomputeNormals calls f
func (f NormalEstimatorFunc) RecomputeNormals(positions []Vec3) ([]Vec3, error) {
	return f(positions)
}

// GraphNormals estimates normals by PCA over each point and its graph
// neighbours. Each normal is flipped to agree with Reference[i]; without
// reference normals it points away from the cloud centroid. Points with fewer
// than three samples keep their reference normal.
type GraphNormals struct {
	Graph     NeighborGraph
	Reference []Vec3
	Workers   int
}

// RecomputeNormals implements NormalEstimator
func (g GraphNormals) RecomputeNormals(positions []Vec3) ([]Vec3, error) {
	if err := validateGraph(g.Graph, len(positions)); err != nil {
		return nil, err
	}
	if g.Reference != nil {
		if err := checkLen("reference normals", len(positions), len(g.Reference)); err != nil {
			return nil, err
		}
	}

	centroid := Centroid(positions)
	normals := make([]Vec3, len(positions))
	err := parallelFor(len(positions), g.Workers, func(start, end int) error {
		for i := start; i < end; i++ {
			var ref Vec3
			if g.Reference != nil {
				ref = g.Reference[i]
			} else {
				ref = positions[i].Sub(centroid)
			}

			n, ok := pcaNormal(positions, i, g.Graph.Neighbors(i))
			if !ok {
				normals[i] = ref.Normalize()
				continue
			}
			if n.Dot(ref) < 0 {
				n = n.Scale(-1)
			}
			normals[i] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return normals, nil
}

// pcaNormal returns the direction of least variance of point i and its neighbours
func pcaNormal(positions []Vec3, i int, nbrs []int) (Vec3, bool) {
	if len(nbrs)+1 < 3 {
		return Vec3{}, false
	}

	samples := make([]Vec3, 0, len(nbrs)+1)
	samples = append(samples, positions[i])
	for _, j := range nbrs {
		samples = append(samples, positions[j])
	}
	mean := Centroid(samples)

	var cov [9]float64
	for _, p := range samples {
		d := p.Sub(mean).coords()
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov[r*3+c] += d[r] * d[c]
			}
		}
	}

	var eigen mat.EigenSym
	if ok := eigen.Factorize(mat.NewSymDense(3, cov[:]), true); !ok {
		return Vec3{}, false
	}
	var vecs mat.Dense
	eigen.VectorsTo(&vecs)

	// Eigenvalues are ascending; the first column spans the least variance
	n := Vec3{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if n.Norm() == 0 {
		return Vec3{}, false
	}
	return n.Normalize(), true
}
