package markers

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
)

func TestBuildDistribution_Shape(t *testing.T) {
	pop := handPopulation(t, false)
	tn, err := BuildDistribution(context.Background(), pop, []string{"A", "B", "C"}, DistributionOptions{Replicates: 6, Seed: 1})
	if err != nil {
		t.Fatalf("BuildDistribution: %v", err)
	}
	if tn.Clusters != 3 || tn.Genes != 4 || tn.Replicates != 6 {
		t.Fatalf("unexpected shape %dx%dx%d", tn.Clusters, tn.Genes, tn.Replicates)
	}
	m := tn.Replicate(5)
	if r, c := m.Dims(); r != 3 || c != 4 {
		t.Fatalf("replicate matrix is %dx%d", r, c)
	}
	// Cells within a cluster are identical, so every replicate reproduces the profile.
	if math.Abs(m.At(0, 0)-4) > 1e-12 || math.Abs(m.At(1, 1)-2) > 1e-12 {
		t.Fatalf("unexpected replicate means: A.g0=%v B.g1=%v", m.At(0, 0), m.At(1, 1))
	}
}

func TestBuildDistribution_WorkersDoNotChangeOutput(t *testing.T) {
	var cells []testCell
	for i := 0; i < 40; i++ {
		cells = append(cells, testCell{
			cluster: []string{"x", "y", "z"}[i%3],
			dataset: []string{"d1", "d2"}[i%2],
			patient: []string{"p1", "p2", "p3", "p4", "p5"}[i%5],
			expr:    []float64{float64(i), float64(i % 7), 0.5 * float64(i%4)},
		})
	}
	pop := sparsePopulation(t, []string{"a", "b", "c"}, cells)
	clusters := []string{"x", "y", "z"}

	seq, err := BuildDistribution(context.Background(), pop, clusters, DistributionOptions{Replicates: 25, Seed: 99, Workers: 1})
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	par, err := BuildDistribution(context.Background(), pop, clusters, DistributionOptions{Replicates: 25, Seed: 99, Workers: 4})
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	for c := 0; c < 3; c++ {
		for g := 0; g < 3; g++ {
			for r := 0; r < 25; r++ {
				if seq.At(c, g, r) != par.At(c, g, r) {
					t.Fatalf("(%d,%d,%d): sequential %v, parallel %v", c, g, r, seq.At(c, g, r), par.At(c, g, r))
				}
			}
		}
	}
}

func TestBuildDistribution_DenseMatchesSparse(t *testing.T) {
	opts := DistributionOptions{Replicates: 5, Seed: 3}
	clusters := []string{"A", "B", "C"}
	d, err := BuildDistribution(context.Background(), handPopulation(t, false), clusters, opts)
	if err != nil {
		t.Fatalf("dense: %v", err)
	}
	s, err := BuildDistribution(context.Background(), handPopulation(t, true), clusters, opts)
	if err != nil {
		t.Fatalf("sparse: %v", err)
	}
	for c := 0; c < 3; c++ {
		for g := 0; g < 4; g++ {
			for r := 0; r < 5; r++ {
				if math.Abs(d.At(c, g, r)-s.At(c, g, r)) > 1e-12 {
					t.Fatalf("(%d,%d,%d): dense %v, sparse %v", c, g, r, d.At(c, g, r), s.At(c, g, r))
				}
			}
		}
	}
}

// The mean of replicate means approaches the cluster mean.
func TestBuildDistribution_Converges(t *testing.T) {
	cells := make([]testCell, 10)
	for i := range cells {
		cells[i] = testCell{"T", "d", "p", []float64{float64(i)}}
	}
	pop := densePopulation(t, []string{"g"}, cells)

	tn, err := BuildDistribution(context.Background(), pop, []string{"T"}, DistributionOptions{Replicates: 2000, Seed: 42, Workers: 4})
	if err != nil {
		t.Fatalf("BuildDistribution: %v", err)
	}
	series := tn.Series(0, 0)
	var sum float64
	distinct := map[float64]bool{}
	for _, v := range series {
		sum += v
		distinct[v] = true
	}
	if mean := sum / float64(len(series)); math.Abs(mean-4.5) > 0.1 {
		t.Fatalf("mean of replicate means = %v, expected ~4.5", mean)
	}
	if len(distinct) < 10 {
		t.Fatalf("replicates show too little variation: %d distinct means", len(distinct))
	}
}

func TestBuildDistribution_Progress(t *testing.T) {
	var mu sync.Mutex
	var calls, last int
	_, err := BuildDistribution(context.Background(), handPopulation(t, false), []string{"A", "B"}, DistributionOptions{
		Replicates: 8,
		Workers:    3,
		Progress: func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if total != 8 {
				t.Errorf("total = %d, expected 8", total)
			}
			if done > last {
				last = done
			}
		},
	})
	if err != nil {
		t.Fatalf("BuildDistribution: %v", err)
	}
	if calls != 8 || last != 8 {
		t.Fatalf("expected 8 progress calls ending at 8, got %d calls max %d", calls, last)
	}
}

func TestBuildDistribution_Errors(t *testing.T) {
	pop := handPopulation(t, false)

	t.Run("zero replicates", func(t *testing.T) {
		_, err := BuildDistribution(context.Background(), pop, []string{"A"}, DistributionOptions{Replicates: 0})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})
	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		for _, workers := range []int{1, 4} {
			_, err := BuildDistribution(ctx, pop, []string{"A"}, DistributionOptions{Replicates: 10, Workers: workers})
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("workers=%d: expected context.Canceled, got %v", workers, err)
			}
		}
	})
}
