package expression

import (
	"context"
	"fmt"
	"sort"
)

// ObsKeys names the per-cell metadata columns a provider reads.
type ObsKeys struct {
	Dataset string `yaml:"dataset" json:"dataset"`
	Patient string `yaml:"patient" json:"patient"`
	Cluster string `yaml:"cluster" json:"cluster"`
}

// DefaultObsKeys returns the column names used by the annotation pipeline.
func DefaultObsKeys() ObsKeys {
	return ObsKeys{Dataset: "dataset", Patient: "patient", Cluster: "cell_type"}
}

// WithDefaults fills empty column names from DefaultObsKeys.
func (k ObsKeys) WithDefaults() ObsKeys {
	d := DefaultObsKeys()
	if k.Dataset == "" {
		k.Dataset = d.Dataset
	}
	if k.Patient == "" {
		k.Patient = d.Patient
	}
	if k.Cluster == "" {
		k.Cluster = d.Cluster
	}
	return k
}

// Provider loads a population for a given set of metadata columns.
type Provider interface {
	Population(ctx context.Context, keys ObsKeys) (*Population, error)
}

// Population is an immutable cell population: an expression matrix plus
// per-cell labels aligned to its rows and gene ids aligned to its columns.
// An empty dataset or patient string means the attribute is missing.
type Population struct {
	X        Matrix
	Genes    []string
	Datasets []string
	Patients []string
	Clusters []string
}

// NumCells returns the number of cells.
func (p *Population) NumCells() int {
	n, _ := p.X.Dims()
	return n
}

// NumGenes returns the number of genes.
func (p *Population) NumGenes() int {
	_, g := p.X.Dims()
	return g
}

// Validate checks that metadata columns and gene ids match the matrix shape.
func (p *Population) Validate() error {
	if p == nil || p.X == nil {
		return fmt.Errorf("%w: population has no matrix", ErrShape)
	}
	cells, genes := p.X.Dims()
	if len(p.Genes) != genes {
		return fmt.Errorf("%w: %d gene ids for %d matrix columns", ErrShape, len(p.Genes), genes)
	}
	for name, col := range map[string][]string{
		"dataset": p.Datasets,
		"patient": p.Patients,
		"cluster": p.Clusters,
	} {
		if len(col) != cells {
			return fmt.Errorf("%w: %s column has %d values for %d cells", ErrShape, name, len(col), cells)
		}
	}
	return nil
}

// ClusterLabels returns the distinct non-empty cluster labels in order of
// first appearance.
func (p *Population) ClusterLabels() []string {
	seen := make(map[string]bool)
	var labels []string
	for _, c := range p.Clusters {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		labels = append(labels, c)
	}
	return labels
}

// ClusterSizes returns the cell count per cluster label.
func (p *Population) ClusterSizes() map[string]int {
	sizes := make(map[string]int)
	for _, c := range p.Clusters {
		sizes[c]++
	}
	return sizes
}

// rowScaler is implemented by matrices that can rescale rows in place.
type rowScaler interface {
	ScaleRows(factors []float64)
}

// NormalizeTotal rescales every cell so its total expression equals target.
// A non-positive target uses the median of the non-zero cell totals. Cells
// with zero total are left untouched.
func (p *Population) NormalizeTotal(target float64) error {
	s, ok := p.X.(rowScaler)
	if !ok {
		return fmt.Errorf("expression: matrix %T does not support normalization", p.X)
	}
	cells := p.NumCells()
	totals := make([]float64, cells)
	var nonzero []float64
	for i := range totals {
		totals[i] = p.X.RowSum(i)
		if totals[i] > 0 {
			nonzero = append(nonzero, totals[i])
		}
	}
	if len(nonzero) == 0 {
		return nil
	}
	if target <= 0 {
		sort.Float64s(nonzero)
		mid := len(nonzero) / 2
		if len(nonzero)%2 == 1 {
			target = nonzero[mid]
		} else {
			target = (nonzero[mid-1] + nonzero[mid]) / 2
		}
	}
	factors := make([]float64, cells)
	for i, t := range totals {
		factors[i] = 1
		if t > 0 {
			factors[i] = target / t
		}
	}
	s.ScaleRows(factors)
	return nil
}
