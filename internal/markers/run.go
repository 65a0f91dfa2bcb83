package markers

import (
	"context"

	"github.com/atlasmap-sc/markers/internal/expression"
)

// Options configures a marker discovery run.
type Options struct {
	// Clusters fixes the cluster labels and their order. Empty means every
	// label of the population in order of first appearance.
	Clusters   []string
	Replicates int
	Seed       uint64
	Workers    int
	Selection  Selection
	// Progress receives (done, total) replicate counts.
	Progress func(done, total int)
}

// DefaultOptions returns 20 sequential replicates with default thresholds.
func DefaultOptions() Options {
	return Options{Replicates: 20, Workers: 1, Selection: DefaultSelection()}
}

// Result is the output of one marker discovery run.
type Result struct {
	Summary  *Summary
	Filtered []Row
	Top      []ClusterMarkers
	// Distribution is the replicate tensor the summary was derived from.
	Distribution *Tensor
}

// Run executes resampling, aggregation, summarization and selection over pop.
func Run(ctx context.Context, pop *expression.Population, opts Options) (*Result, error) {
	if err := opts.Selection.Validate(); err != nil {
		return nil, err
	}
	clusters := opts.Clusters
	if len(clusters) == 0 && pop != nil && pop.X != nil {
		clusters = pop.ClusterLabels()
	}
	ix, err := NewIndex(pop, clusters)
	if err != nil {
		return nil, err
	}
	dist, err := ix.BuildDistribution(ctx, DistributionOptions{
		Replicates: opts.Replicates,
		Seed:       opts.Seed,
		Workers:    opts.Workers,
		Progress:   opts.Progress,
	})
	if err != nil {
		return nil, err
	}
	summary, err := Summarize(dist, ix.Labels(), pop.Genes)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary:      summary,
		Filtered:     FilterMarkers(summary.Rows, opts.Selection),
		Top:          TopMarkers(summary.Rows, opts.Selection),
		Distribution: dist,
	}, nil
}
