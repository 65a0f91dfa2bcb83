package markers

import (
	"errors"
	"reflect"
	"testing"
)

func TestCompetitionRank(t *testing.T) {
	tests := []struct {
		in   []float64
		want []int
	}{
		{[]float64{5, 5, 3}, []int{1, 1, 3}},
		{[]float64{3, 5, 5, 1}, []int{3, 1, 1, 4}},
		{[]float64{0, 0, 0}, []int{1, 1, 1}},
		{[]float64{1, 2, 3}, []int{3, 2, 1}},
		{[]float64{2}, []int{1}},
		{nil, []int{}},
	}
	for _, tt := range tests {
		got := CompetitionRank(tt.in)
		if len(got) != len(tt.want) {
			t.Fatalf("CompetitionRank(%v) = %v, expected %v", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("CompetitionRank(%v) = %v, expected %v", tt.in, got, tt.want)
			}
		}
	}
}

func TestMedian(t *testing.T) {
	if got := median([]float64{3, 1, 2}); got != 2 {
		t.Errorf("odd median = %v, expected 2", got)
	}
	x := []float64{4, 1, 3, 2}
	if got := median(x); got != 2.5 {
		t.Errorf("even median = %v, expected 2.5", got)
	}
	if !reflect.DeepEqual(x, []float64{4, 1, 3, 2}) {
		t.Errorf("median modified its input: %v", x)
	}
}

func TestSummarize_Table(t *testing.T) {
	tn := NewTensor(2, 3, 3)
	// cluster 0 gene 0 replicates 1, 2, 9 -> median 2
	tn.Set(0, 0, 0, 1)
	tn.Set(0, 0, 1, 9)
	tn.Set(0, 0, 2, 2)
	for r := 0; r < 3; r++ {
		tn.Set(1, 0, r, 2)
		tn.Set(0, 1, r, 1)
		tn.Set(1, 1, r, 3)
	}

	s, err := Summarize(tn, []string{"b", "a"}, []string{"g0", "g1", "g2"})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(s.Rows) != 6 {
		t.Fatalf("expected 6 rows, got %d", len(s.Rows))
	}

	seen := map[[2]string]bool{}
	for _, r := range s.Rows {
		k := [2]string{r.Cluster, r.GeneID}
		if seen[k] {
			t.Fatalf("duplicate row %v", k)
		}
		seen[k] = true
		if r.Rank < 1 || r.Rank > 2 {
			t.Fatalf("rank %d out of range for %v", r.Rank, k)
		}
	}

	if got := s.MedianExpr.At(0, 0); got != 2 {
		t.Errorf("median expr (b, g0) = %v, expected 2", got)
	}
	// g0 ties at 2 in both clusters; g1 is higher in a; g2 is zero everywhere.
	if s.Rank(0, 0) != 1 || s.Rank(1, 0) != 1 {
		t.Errorf("g0 ranks = %d, %d, expected 1, 1", s.Rank(0, 0), s.Rank(1, 0))
	}
	if s.Rank(0, 1) != 2 || s.Rank(1, 1) != 1 {
		t.Errorf("g1 ranks = %d, %d, expected 2, 1", s.Rank(0, 1), s.Rank(1, 1))
	}
	if s.Rank(0, 2) != 1 || s.Rank(1, 2) != 1 {
		t.Errorf("g2 ranks = %d, %d, expected 1, 1", s.Rank(0, 2), s.Rank(1, 2))
	}

	// rows are sorted by cluster label, so "a" comes first
	if s.Rows[0].Cluster != "a" || s.Rows[5].Cluster != "b" {
		t.Errorf("rows not sorted by cluster: first %q last %q", s.Rows[0].Cluster, s.Rows[5].Cluster)
	}
	for i := 1; i < len(s.Rows); i++ {
		a, b := s.Rows[i-1], s.Rows[i]
		if a.Cluster == b.Cluster && a.Rank == b.Rank && a.Gini < b.Gini {
			t.Errorf("rows %d and %d not sorted by descending gini", i-1, i)
		}
	}
}

func TestSummarize_ShapeMismatch(t *testing.T) {
	tn := NewTensor(2, 2, 1)
	if _, err := Summarize(tn, []string{"a"}, []string{"g0", "g1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSortRows(t *testing.T) {
	rows := []Row{
		{Cluster: "b", GeneID: "x", Rank: 1, Gini: 0.2},
		{Cluster: "a", GeneID: "y", Rank: 2, Gini: 0.9},
		{Cluster: "a", GeneID: "z", Rank: 1, Gini: 0.1},
		{Cluster: "a", GeneID: "w", Rank: 1, Gini: 0.7},
	}
	SortRows(rows)
	var got []string
	for _, r := range rows {
		got = append(got, r.GeneID)
	}
	want := []string{"w", "z", "y", "x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sorted genes = %v, expected %v", got, want)
	}
}
