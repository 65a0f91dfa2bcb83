package markers

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/atlasmap-sc/markers/internal/expression"
)

// Tensor holds replicate mean expression with shape clusters x genes x
// replicates. Replicates of one (cluster, gene) pair are contiguous.
type Tensor struct {
	Clusters   int
	Genes      int
	Replicates int
	data       []float64
}

// NewTensor allocates a zeroed tensor.
func NewTensor(clusters, genes, replicates int) *Tensor {
	return &Tensor{
		Clusters:   clusters,
		Genes:      genes,
		Replicates: replicates,
		data:       make([]float64, clusters*genes*replicates),
	}
}

func (t *Tensor) offset(c, g int) int { return (c*t.Genes + g) * t.Replicates }

// At returns the mean expression of gene g in cluster c for replicate r.
func (t *Tensor) At(c, g, r int) float64 { return t.data[t.offset(c, g)+r] }

// Set stores the mean expression of gene g in cluster c for replicate r.
func (t *Tensor) Set(c, g, r int, v float64) { t.data[t.offset(c, g)+r] = v }

// Series returns the replicate values of (c, g). The slice aliases the tensor.
func (t *Tensor) Series(c, g int) []float64 {
	off := t.offset(c, g)
	return t.data[off : off+t.Replicates]
}

// Replicate copies replicate r out as a clusters x genes matrix.
func (t *Tensor) Replicate(r int) *mat.Dense {
	m := mat.NewDense(t.Clusters, t.Genes, nil)
	for c := 0; c < t.Clusters; c++ {
		row := m.RawRowView(c)
		for g := range row {
			row[g] = t.At(c, g, r)
		}
	}
	return m
}

// setReplicate writes a clusters x genes mean matrix into replicate slot r.
// Distinct r touch disjoint elements, so concurrent calls need no locking.
func (t *Tensor) setReplicate(r int, m *mat.Dense) {
	for c := 0; c < t.Clusters; c++ {
		for g, v := range m.RawRowView(c) {
			t.Set(c, g, r, v)
		}
	}
}

// DistributionOptions controls replicate generation.
type DistributionOptions struct {
	Replicates int
	Seed       uint64
	// Workers is the number of replicates computed concurrently; <= 1 runs
	// sequentially.
	Workers int
	// Progress, when set, is called after each finished replicate. It may be
	// called from several goroutines.
	Progress func(done, total int)
}

// ReplicateRand returns the generator for replicate r. Every replicate owns a
// separate PCG stream, so output does not depend on the worker count.
func ReplicateRand(seed uint64, r int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(r)))
}

// BuildDistribution computes opts.Replicates independent replicates of the
// per-cluster mean matrix and stacks them into a tensor. Any error aborts the
// whole run.
func BuildDistribution(ctx context.Context, pop *expression.Population, clusters []string, opts DistributionOptions) (*Tensor, error) {
	ix, err := NewIndex(pop, clusters)
	if err != nil {
		return nil, err
	}
	return ix.BuildDistribution(ctx, opts)
}

// BuildDistribution is BuildDistribution over a prebuilt index.
func (ix *Index) BuildDistribution(ctx context.Context, opts DistributionOptions) (*Tensor, error) {
	if opts.Replicates < 1 {
		return nil, fmt.Errorf("%w: replicates must be positive, got %d", ErrInvalidInput, opts.Replicates)
	}
	t := NewTensor(len(ix.clusters), ix.pop.NumGenes(), opts.Replicates)

	var done atomic.Int64
	runOne := func(r int) {
		t.setReplicate(r, ix.Aggregate(ReplicateRand(opts.Seed, r)))
		n := done.Add(1)
		if opts.Progress != nil {
			opts.Progress(int(n), opts.Replicates)
		}
	}

	if opts.Workers <= 1 {
		for r := 0; r < opts.Replicates; r++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			runOne(r)
		}
		return t, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for r := 0; r < opts.Replicates; r++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			runOne(r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return t, nil
}
