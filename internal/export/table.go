// Package export writes marker tables to local directories or object storage.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"github.com/atlasmap-sc/markers/internal/markers"
)

// Header is the column order of every marker CSV.
var Header = []string{"leiden", "gene_id", "rank", "gini", "expr"}

// File names written per run.
const (
	AllFile      = "markers_all.csv"
	FilteredFile = "markers_filtered.csv"
	TopFile      = "marker_genes.json"
)

// WriteCSV writes rows with a header line.
func WriteCSV(w io.Writer, rows []markers.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	rec := make([]string, len(Header))
	for _, r := range rows {
		rec[0] = r.Cluster
		rec[1] = r.GeneID
		rec[2] = strconv.Itoa(r.Rank)
		rec[3] = strconv.FormatFloat(r.Gini, 'g', -1, 64)
		rec[4] = strconv.FormatFloat(r.Expr, 'g', -1, 64)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVGzip writes rows as gzip-compressed CSV.
func WriteCSVGzip(w io.Writer, rows []markers.Row) error {
	zw := gzip.NewWriter(w)
	if err := WriteCSV(zw, rows); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// WriteTop writes the top markers as a JSON object mapping each cluster to
// its gene list, keys in cluster order.
func WriteTop(w io.Writer, top []markers.ClusterMarkers) error {
	if _, err := io.WriteString(w, "{"); err != nil {
		return err
	}
	for i, cm := range top {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		k, _ := json.Marshal(cm.Cluster)
		genes := cm.Genes
		if genes == nil {
			genes = []string{}
		}
		v, err := json.Marshal(genes)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(append(k, ':'), v...)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}\n")
	return err
}
