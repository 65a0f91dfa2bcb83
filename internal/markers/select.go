package markers

import (
	"fmt"
	"sort"
)

// Selection holds the marker selection thresholds.
type Selection struct {
	MinExpr float64 `yaml:"min_expr" json:"min_expr"`
	MaxRank int     `yaml:"max_rank" json:"max_rank"`
	MinGini float64 `yaml:"min_gini" json:"min_gini"`
	TopN    int     `yaml:"top_n" json:"top_n"`
}

// DefaultSelection returns the thresholds used for epithelial annotation.
func DefaultSelection() Selection {
	return Selection{MinExpr: 0.5, MaxRank: 3, MinGini: 0.6, TopN: 10}
}

// Validate rejects thresholds that select nothing by construction.
func (s Selection) Validate() error {
	if s.MaxRank < 1 {
		return fmt.Errorf("%w: max_rank must be >= 1, got %d", ErrInvalidInput, s.MaxRank)
	}
	if s.TopN < 1 {
		return fmt.Errorf("%w: top_n must be >= 1, got %d", ErrInvalidInput, s.TopN)
	}
	return nil
}

// Keep reports whether r passes the filtered-marker thresholds.
func (s Selection) Keep(r Row) bool {
	return r.Expr >= s.MinExpr && r.Rank <= s.MaxRank && r.Gini > s.MinGini
}

// FilterMarkers returns the rows passing sel, sorted by cluster, ascending
// rank and descending gini. rows is not modified.
func FilterMarkers(rows []Row, sel Selection) []Row {
	out := make([]Row, 0)
	for _, r := range rows {
		if sel.Keep(r) {
			out = append(out, r)
		}
	}
	SortRows(out)
	return out
}

// ClusterMarkers is the display gene list of one cluster.
type ClusterMarkers struct {
	Cluster string   `json:"leiden"`
	Genes   []string `json:"genes"`
}

// TopMarkers returns, per cluster, up to sel.TopN genes ranked first in that
// cluster with expression >= sel.MinExpr, by descending gini. Clusters without
// such a gene are omitted; the rest are sorted by label.
func TopMarkers(rows []Row, sel Selection) []ClusterMarkers {
	byCluster := make(map[string][]Row)
	for _, r := range rows {
		if r.Rank == 1 && r.Expr >= sel.MinExpr {
			byCluster[r.Cluster] = append(byCluster[r.Cluster], r)
		}
	}
	labels := make([]string, 0, len(byCluster))
	for c := range byCluster {
		labels = append(labels, c)
	}
	sort.Strings(labels)

	out := make([]ClusterMarkers, 0, len(labels))
	for _, c := range labels {
		cand := byCluster[c]
		sort.SliceStable(cand, func(i, j int) bool { return cand[i].Gini > cand[j].Gini })
		if len(cand) > sel.TopN {
			cand = cand[:sel.TopN]
		}
		genes := make([]string, len(cand))
		for i, r := range cand {
			genes[i] = r.GeneID
		}
		out = append(out, ClusterMarkers{Cluster: c, Genes: genes})
	}
	return out
}
