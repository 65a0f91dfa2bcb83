// Package markers implements hierarchical bootstrap marker discovery: cluster
// means are resampled over the dataset -> patient -> cell nesting, and genes are
// ranked per cluster by median expression and Gini specificity.
package markers

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/atlasmap-sc/markers/internal/expression"
)

var (
	// ErrEmptyCluster indicates a requested cluster label has no cells.
	ErrEmptyCluster = errors.New("markers: cluster has no cells")
	// ErrMissingMetadata indicates a cell without a dataset or patient label.
	ErrMissingMetadata = errors.New("markers: cell is missing dataset or patient")
	// ErrInvalidInput indicates empty or malformed input to a computation.
	ErrInvalidInput = errors.New("markers: invalid input")
)

type patientNode struct {
	name  string
	cells []int
}

type datasetNode struct {
	name     string
	patients []patientNode
}

type clusterNode struct {
	n        int
	datasets []datasetNode
}

// Index is the dataset -> patient -> cell hierarchy of each requested cluster.
// It is read-only once built and safe for concurrent resampling.
type Index struct {
	pop      *expression.Population
	labels   []string
	clusters []clusterNode
}

// NewIndex groups the cells of each label in clusters by dataset and patient.
// Distinct datasets and patients keep their order of first appearance.
func NewIndex(pop *expression.Population, clusters []string) (*Index, error) {
	if err := pop.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(clusters) == 0 {
		return nil, fmt.Errorf("%w: no cluster labels", ErrInvalidInput)
	}
	if pop.NumGenes() == 0 {
		return nil, fmt.Errorf("%w: population has no genes", ErrInvalidInput)
	}

	pos := make(map[string]int, len(clusters))
	for i, c := range clusters {
		if _, dup := pos[c]; dup {
			return nil, fmt.Errorf("%w: duplicate cluster label %q", ErrInvalidInput, c)
		}
		pos[c] = i
	}

	type datasetKey struct {
		cluster int
		dataset string
	}
	type patientKey struct {
		cluster          int
		dataset, patient string
	}
	datasetPos := make(map[datasetKey]int)
	patientPos := make(map[patientKey]int)
	nodes := make([]clusterNode, len(clusters))

	for cell, label := range pop.Clusters {
		ci, ok := pos[label]
		if !ok {
			continue
		}
		ds, pt := pop.Datasets[cell], pop.Patients[cell]
		if ds == "" || pt == "" {
			return nil, fmt.Errorf("%w: cell %d in cluster %q", ErrMissingMetadata, cell, label)
		}
		node := &nodes[ci]
		node.n++

		dk := datasetKey{ci, ds}
		di, ok := datasetPos[dk]
		if !ok {
			di = len(node.datasets)
			datasetPos[dk] = di
			node.datasets = append(node.datasets, datasetNode{name: ds})
		}
		dnode := &node.datasets[di]

		pk := patientKey{ci, ds, pt}
		pi, ok := patientPos[pk]
		if !ok {
			pi = len(dnode.patients)
			patientPos[pk] = pi
			dnode.patients = append(dnode.patients, patientNode{name: pt})
		}
		dnode.patients[pi].cells = append(dnode.patients[pi].cells, cell)
	}

	for i, node := range nodes {
		if node.n == 0 {
			return nil, fmt.Errorf("%w: %q", ErrEmptyCluster, clusters[i])
		}
	}

	labels := make([]string, len(clusters))
	copy(labels, clusters)
	return &Index{pop: pop, labels: labels, clusters: nodes}, nil
}

// Labels returns the cluster labels in index order.
func (ix *Index) Labels() []string { return ix.labels }

// Size returns the cell count of cluster c.
func (ix *Index) Size(c int) int { return ix.clusters[c].n }

// Resample draws one bootstrap replicate of cell indices for cluster c. The n
// cluster cells are first allotted to datasets drawn uniformly over the
// distinct datasets, then each dataset's share to its distinct patients, and
// finally each patient's share is drawn with replacement from its cells. The
// result always has exactly Size(c) indices.
func (ix *Index) Resample(c int, rng *rand.Rand) []int {
	node := &ix.clusters[c]
	out := make([]int, 0, node.n)
	for di, kd := range drawCounts(rng, len(node.datasets), node.n) {
		if kd == 0 {
			continue
		}
		ds := &node.datasets[di]
		for pi, kp := range drawCounts(rng, len(ds.patients), kd) {
			cells := ds.patients[pi].cells
			for ; kp > 0; kp-- {
				out = append(out, cells[rng.IntN(len(cells))])
			}
		}
	}
	return out
}

// drawCounts draws n values uniformly with replacement from k categories and
// returns how often each was drawn.
func drawCounts(rng *rand.Rand, k, n int) []int {
	counts := make([]int, k)
	if k == 1 {
		counts[0] = n
		return counts
	}
	for i := 0; i < n; i++ {
		counts[rng.IntN(k)]++
	}
	return counts
}

// Resample draws one hierarchical bootstrap replicate for a single cluster
// label of pop.
func Resample(pop *expression.Population, label string, rng *rand.Rand) ([]int, error) {
	ix, err := NewIndex(pop, []string{label})
	if err != nil {
		return nil, err
	}
	return ix.Resample(0, rng), nil
}
