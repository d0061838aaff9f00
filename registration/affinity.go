package registration

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// inverseDistanceEps keeps the inverse-distance kernel finite for exact matches
const inverseDistanceEps = 1e-3

// AffinityEntry is one non-zero entry of an affinity row
type AffinityEntry struct {
	Index int     `json:"index"` // Target column
	Value float64 `json:"value"`
}

// Affinity is a row-sparse, non-negative matrix: rows are floating points,
// columns are target points. Rows produced by WKNNAffinity are ordered by
// ascending feature distance (ties by lowest column).
type Affinity struct {
	NumRows int
	NumCols int
	Rows    [][]AffinityEntry
}

// NewAffinity allocates an empty rows x cols affinity
func NewAffinity(rows, cols int) *Affinity {
	return &Affinity{NumRows: rows, NumCols: cols, Rows: make([][]AffinityEntry, rows)}
}

// NonZeros returns the number of stored entries in row i
func (a *Affinity) NonZeros(i int) int {
	return len(a.Rows[i])
}

// RowSum returns the total affinity mass of row i
func (a *Affinity) RowSum(i int) float64 {
	sum := 0.0
	for _, e := range a.Rows[i] {
		sum += e.Value
	}
	return sum
}

// At returns entry (i, j), zero when not stored
func (a *Affinity) At(i, j int) float64 {
	for _, e := range a.Rows[i] {
		if e.Index == j {
			return e.Value
		}
	}
	return 0
}

// Transpose returns the cols x rows affinity; rows are ordered by column index
func (a *Affinity) Transpose() *Affinity {
	t := NewAffinity(a.NumCols, a.NumRows)
	for i, row := range a.Rows {
		for _, e := range row {
			t.Rows[e.Index] = append(t.Rows[e.Index], AffinityEntry{Index: i, Value: e.Value})
		}
	}
	return t
}

// NormalizeRows returns a copy whose non-empty rows sum to 1.
// Rows with zero mass are copied unchanged.
func (a *Affinity) NormalizeRows() *Affinity {
	out := NewAffinity(a.NumRows, a.NumCols)
	for i, row := range a.Rows {
		out.Rows[i] = normalizeRow(row)
	}
	return out
}

func normalizeRow(row []AffinityEntry) []AffinityEntry {
	out := make([]AffinityEntry, len(row))
	copy(out, row)
	values := make([]float64, len(row))
	for i, e := range row {
		values[i] = e.Value
	}
	sum := floats.Sum(values)
	if sum <= 0 {
		return out
	}
	floats.Scale(1/sum, values)
	for i := range out {
		out[i].Value = values[i]
	}
	return out
}

// Dense converts the affinity to a gonum dense matrix.
// It returns nil when either dimension is zero.
func (a *Affinity) Dense() *mat.Dense {
	if a.NumRows == 0 || a.NumCols == 0 {
		return nil
	}
	d := mat.NewDense(a.NumRows, a.NumCols, nil)
	for i, row := range a.Rows {
		for _, e := range row {
			d.Set(i, e.Index, d.At(i, e.Index)+e.Value)
		}
	}
	return d
}

// AffinityFromDense builds a row-sparse affinity from a dense matrix,
// keeping only strictly positive entries.
func AffinityFromDense(m mat.Matrix) (*Affinity, error) {
	r, c := m.Dims()
	a := NewAffinity(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if v < 0 || math.IsNaN(v) {
				return nil, fmt.Errorf("affinity[%d][%d] = %v: %w", i, j, v, ErrNegativeAffinity)
			}
			if v > 0 {
				a.Rows[i] = append(a.Rows[i], AffinityEntry{Index: j, Value: v})
			}
		}
	}
	return a, nil
}

// WKNNAffinity computes the weighted k-nearest-neighbour affinity between two
// feature sets. Each row holds exactly min(k, len(target)) strictly positive
// entries, one per nearest target feature in position+normal space, and is
// normalised to sum to 1.
func WKNNAffinity(floating, target FeatureSet, cfg AffinityConfig) (*Affinity, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	aff := NewAffinity(len(floating), len(target))
	if len(target) == 0 || len(floating) == 0 {
		return aff, nil
	}

	index := newFeatureIndex(target)
	err := parallelFor(len(floating), cfg.Workers, func(start, end int) error {
		for i := start; i < end; i++ {
			v := floating[i].Values()
			aff.Rows[i] = kernelRow(index.nearest(v[:], cfg.NumNeighbours), cfg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return aff, nil
}

// kernelRow converts sorted neighbours into a normalised affinity row.
// Values are non-increasing along the row because neighbours are sorted.
func kernelRow(ns []neighbour, cfg AffinityConfig) []AffinityEntry {
	row := make([]AffinityEntry, len(ns))
	for j, n := range ns {
		var w float64
		switch cfg.Kernel {
		case KernelGaussian:
			w = math.Exp(-(n.Dist2 - ns[0].Dist2) / (2 * cfg.Bandwidth * cfg.Bandwidth))
			if w < minPositiveAffinity {
				w = minPositiveAffinity
			}
		default:
			w = 1 / (n.Dist2 + inverseDistanceEps)
		}
		row[j] = AffinityEntry{Index: n.Index, Value: w}
	}
	return normalizeRow(row)
}

// minPositiveAffinity is the smallest normal float64
const minPositiveAffinity = 0x1p-1022

// FuseAffinities combines a push affinity (floating -> target, n x m) and a
// pull affinity (target -> floating, m x n) into the symmetric affinity
// normalise(push + pull^T).
func FuseAffinities(push, pull *Affinity) (*Affinity, error) {
	if push.NumRows != pull.NumCols {
		return nil, &DimensionMismatchError{What: "pull affinity columns", Expected: push.NumRows, Actual: pull.NumCols}
	}
	if push.NumCols != pull.NumRows {
		return nil, &DimensionMismatchError{What: "pull affinity rows", Expected: push.NumCols, Actual: pull.NumRows}
	}

	pullT := pull.Transpose()
	fused := NewAffinity(push.NumRows, push.NumCols)
	for i := range fused.Rows {
		sums := make(map[int]float64, len(push.Rows[i])+len(pullT.Rows[i]))
		for _, e := range push.Rows[i] {
			sums[e.Index] += e.Value
		}
		for _, e := range pullT.Rows[i] {
			sums[e.Index] += e.Value
		}
		row := make([]AffinityEntry, 0, len(sums))
		for j, v := range sums {
			row = append(row, AffinityEntry{Index: j, Value: v})
		}
		sort.Slice(row, func(a, b int) bool { return row[a].Index < row[b].Index })
		fused.Rows[i] = normalizeRow(row)
	}
	return fused, nil
}
