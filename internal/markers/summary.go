package markers

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Row is one (cluster, gene) entry of the marker summary table.
type Row struct {
	Cluster string  `json:"leiden"`
	GeneID  string  `json:"gene_id"`
	Rank    int     `json:"rank"`
	Gini    float64 `json:"gini"`
	Expr    float64 `json:"expr"`
}

// Summary is the complete clusters x genes marker table.
type Summary struct {
	Clusters []string
	Genes    []string
	// MedianExpr is clusters x genes: median replicate mean expression.
	MedianExpr *mat.Dense
	// MedianGini holds the median Gini coefficient of each gene.
	MedianGini []float64
	// Ranks is clusters x genes in row-major order.
	Ranks []int
	// Rows is the long-form table sorted by cluster, rank, then descending gini.
	Rows []Row
}

// Rank returns the rank of gene g in cluster c.
func (s *Summary) Rank(c, g int) int { return s.Ranks[c*len(s.Genes)+g] }

// CompetitionRank ranks values in descending order. Ties share the lowest
// rank and the next distinct value skips by the tie count: [5 5 3] -> [1 1 3].
func CompetitionRank(values []float64) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return values[order[a]] > values[order[b]]
	})
	ranks := make([]int, len(values))
	for k, i := range order {
		if k > 0 && values[i] == values[order[k-1]] {
			ranks[i] = ranks[order[k-1]]
			continue
		}
		ranks[i] = k + 1
	}
	return ranks
}

// median returns the median of x without modifying it. Even lengths average
// the two middle values.
func median(x []float64) float64 {
	s := make([]float64, len(x))
	copy(s, x)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// Summarize reduces the replicate tensor to the marker table: median
// expression per (cluster, gene), median Gini per gene across replicates, and
// per-gene competition ranks of clusters by median expression.
func Summarize(t *Tensor, clusters, genes []string) (*Summary, error) {
	if len(clusters) != t.Clusters || len(genes) != t.Genes {
		return nil, fmt.Errorf("%w: %d clusters and %d genes for tensor %dx%dx%d",
			ErrInvalidInput, len(clusters), len(genes), t.Clusters, t.Genes, t.Replicates)
	}
	giniDist, err := GiniByReplicate(t)
	if err != nil {
		return nil, err
	}

	C, G := t.Clusters, t.Genes
	medExpr := mat.NewDense(C, G, nil)
	for c := 0; c < C; c++ {
		row := medExpr.RawRowView(c)
		for g := range row {
			row[g] = median(t.Series(c, g))
		}
	}

	medGini := make([]float64, G)
	col := make([]float64, t.Replicates)
	for g := range medGini {
		medGini[g] = median(mat.Col(col, g, giniDist))
	}

	ranks := make([]int, C*G)
	exprCol := make([]float64, C)
	for g := 0; g < G; g++ {
		for c, r := range CompetitionRank(mat.Col(exprCol, g, medExpr)) {
			ranks[c*G+g] = r
		}
	}

	rows := make([]Row, 0, C*G)
	for c, cluster := range clusters {
		for g, gene := range genes {
			rows = append(rows, Row{
				Cluster: cluster,
				GeneID:  gene,
				Rank:    ranks[c*G+g],
				Gini:    medGini[g],
				Expr:    medExpr.At(c, g),
			})
		}
	}
	SortRows(rows)

	return &Summary{
		Clusters:   clusters,
		Genes:      genes,
		MedianExpr: medExpr,
		MedianGini: medGini,
		Ranks:      ranks,
		Rows:       rows,
	}, nil
}

// SortRows orders rows by cluster, ascending rank, then descending gini.
func SortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Cluster != b.Cluster {
			return a.Cluster < b.Cluster
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.Gini > b.Gini
	})
}
