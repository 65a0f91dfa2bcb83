package markers

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/atlasmap-sc/markers/internal/expression"
)

// Aggregate draws one replicate per cluster and returns the clusters x genes
// matrix of replicate mean expression. Rows follow ix.Labels().
func (ix *Index) Aggregate(rng *rand.Rand) *mat.Dense {
	genes := ix.pop.NumGenes()
	means := mat.NewDense(len(ix.clusters), genes, nil)
	for c := range ix.clusters {
		row := means.RawRowView(c)
		idx := ix.Resample(c, rng)
		for _, cell := range idx {
			ix.pop.X.AddRow(row, cell)
		}
		floats.Scale(1/float64(len(idx)), row)
	}
	return means
}

// Aggregate computes one replicate of per-cluster mean expression for the
// given cluster labels, in the order given.
func Aggregate(pop *expression.Population, clusters []string, rng *rand.Rand) (*mat.Dense, error) {
	ix, err := NewIndex(pop, clusters)
	if err != nil {
		return nil, err
	}
	return ix.Aggregate(rng), nil
}
