package markers

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// giniEpsilon keeps all-zero vectors away from a 0/0 division.
const giniEpsilon = 1e-12

// Gini returns the Gini coefficient of a non-negative vector: 0 for a constant
// vector, approaching 1 as all mass concentrates in one element. The input is
// not modified.
func Gini(v []float64) (float64, error) {
	if len(v) == 0 {
		return 0, fmt.Errorf("%w: gini of empty vector", ErrInvalidInput)
	}
	s := make([]float64, len(v))
	for i, x := range v {
		if x < 0 || math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, fmt.Errorf("%w: gini input %v at %d is not finite and non-negative", ErrInvalidInput, x, i)
		}
		s[i] = x + giniEpsilon
	}
	sort.Float64s(s)
	return giniSorted(s), nil
}

// giniSorted evaluates sum((2i - n - 1) * x_i) / (n * sum(x)) over ascending
// x with 1-based i.
func giniSorted(s []float64) float64 {
	n := float64(len(s))
	var num float64
	for i, x := range s {
		num += (2*float64(i+1) - n - 1) * x
	}
	return num / (n * floats.Sum(s))
}

// GiniByReplicate returns the replicates x genes matrix whose entry (r, g) is
// the Gini coefficient of gene g across the cluster means of replicate r.
func GiniByReplicate(t *Tensor) (*mat.Dense, error) {
	if t.Clusters == 0 || t.Genes == 0 || t.Replicates == 0 {
		return nil, fmt.Errorf("%w: tensor shape %dx%dx%d", ErrInvalidInput, t.Clusters, t.Genes, t.Replicates)
	}
	out := mat.NewDense(t.Replicates, t.Genes, nil)
	col := make([]float64, t.Clusters)
	for r := 0; r < t.Replicates; r++ {
		row := out.RawRowView(r)
		for g := 0; g < t.Genes; g++ {
			for c := range col {
				col[c] = t.At(c, g, r)
			}
			v, err := Gini(col)
			if err != nil {
				return nil, fmt.Errorf("gene %d replicate %d: %w", g, r, err)
			}
			row[g] = v
		}
	}
	return out, nil
}
