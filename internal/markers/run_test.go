package markers

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestRun_HandComputed(t *testing.T) {
	for _, sparse := range []bool{false, true} {
		name := "dense"
		if sparse {
			name = "sparse"
		}
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Seed = 2024
			opts.Workers = 2
			res, err := Run(context.Background(), handPopulation(t, sparse), opts)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			s := res.Summary
			if !reflect.DeepEqual(s.Clusters, []string{"A", "B", "C"}) {
				t.Fatalf("clusters = %v", s.Clusters)
			}
			if len(s.Rows) != 12 {
				t.Fatalf("expected 12 rows, got %d", len(s.Rows))
			}
			if res.Distribution.Replicates != 20 {
				t.Fatalf("expected 20 replicates, got %d", res.Distribution.Replicates)
			}

			wantGini := []float64{2.0 / 3, 2.0 / 3, 0, 1.0 / 3}
			for g, want := range wantGini {
				if math.Abs(s.MedianGini[g]-want) > 1e-9 {
					t.Errorf("gini of %s = %v, expected %v", s.Genes[g], s.MedianGini[g], want)
				}
			}

			wantRanks := [][]int{
				{1, 2, 1, 1}, // A
				{2, 1, 1, 2}, // B
				{2, 2, 1, 3}, // C
			}
			for c := range wantRanks {
				for g, want := range wantRanks[c] {
					if got := s.Rank(c, g); got != want {
						t.Errorf("rank(%s, %s) = %d, expected %d", s.Clusters[c], s.Genes[g], got, want)
					}
				}
			}

			if len(res.Filtered) != 2 {
				t.Fatalf("expected 2 filtered rows, got %+v", res.Filtered)
			}
			wantFiltered := []struct {
				cluster, gene string
				expr          float64
			}{{"A", "g0", 4}, {"B", "g1", 2}}
			for i, w := range wantFiltered {
				r := res.Filtered[i]
				if r.Cluster != w.cluster || r.GeneID != w.gene || r.Rank != 1 {
					t.Errorf("filtered[%d] = %+v", i, r)
				}
				if math.Abs(r.Expr-w.expr) > 1e-9 || math.Abs(r.Gini-2.0/3) > 1e-9 {
					t.Errorf("filtered[%d] values = %+v", i, r)
				}
			}

			wantTop := []ClusterMarkers{
				{Cluster: "A", Genes: []string{"g0", "g3", "g2"}},
				{Cluster: "B", Genes: []string{"g1", "g2"}},
				{Cluster: "C", Genes: []string{"g2"}},
			}
			if !reflect.DeepEqual(res.Top, wantTop) {
				t.Fatalf("top markers = %+v, expected %+v", res.Top, wantTop)
			}
		})
	}
}

func TestRun_ExplicitClusters(t *testing.T) {
	opts := DefaultOptions()
	opts.Clusters = []string{"C", "A"}
	res, err := Run(context.Background(), handPopulation(t, false), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(res.Summary.Clusters, []string{"C", "A"}) {
		t.Fatalf("clusters = %v", res.Summary.Clusters)
	}
	if len(res.Summary.Rows) != 8 {
		t.Fatalf("expected 8 rows, got %d", len(res.Summary.Rows))
	}
}

func TestRun_Reproducible(t *testing.T) {
	var cells []testCell
	for i := 0; i < 30; i++ {
		cells = append(cells, testCell{
			cluster: []string{"x", "y"}[i%2],
			dataset: []string{"d1", "d2", "d3"}[i%3],
			patient: []string{"p1", "p2"}[i%2],
			expr:    []float64{float64(i % 5), float64(i % 3), 1},
		})
	}
	pop := densePopulation(t, []string{"a", "b", "c"}, cells)

	opts := DefaultOptions()
	opts.Seed = 8
	first, err := Run(context.Background(), pop, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	opts.Workers = 4
	second, err := Run(context.Background(), pop, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(first.Summary.Rows, second.Summary.Rows) {
		t.Fatalf("same seed produced different tables")
	}
}

func TestRun_Errors(t *testing.T) {
	pop := handPopulation(t, false)

	t.Run("unknown cluster", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Clusters = []string{"A", "missing"}
		if _, err := Run(context.Background(), pop, opts); !errors.Is(err, ErrEmptyCluster) {
			t.Fatalf("expected ErrEmptyCluster, got %v", err)
		}
	})
	t.Run("bad selection", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Selection.TopN = 0
		if _, err := Run(context.Background(), pop, opts); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})
	t.Run("nil population", func(t *testing.T) {
		if _, err := Run(context.Background(), nil, DefaultOptions()); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})
}
