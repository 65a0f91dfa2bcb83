// Package zarr reads cell populations from Zarr v3 stores.
//
// A store holds a cells x genes expression array and integer-coded obs
// columns:
//
//	metadata.json          store metadata, gene ids and category values
//	X/zarr.json, X/c/...   expression, float32 or float64 [n_cells, n_genes]
//	obs/<column>/...       int32 category codes [n_cells]; -1 marks missing
package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/atlasmap-sc/markers/internal/expression"
)

// ErrColumnNotFound indicates an obs column absent from the store.
var ErrColumnNotFound = errors.New("zarr: obs column not found")

// Reader provides access to a Zarr expression store.
type Reader struct {
	basePath string
	metadata *Metadata
	decoder  *zstd.Decoder
}

// Metadata contains metadata about the Zarr store.
type Metadata struct {
	FormatVersion string                  `json:"format_version"`
	DatasetName   string                  `json:"dataset_name"`
	NCells        int                     `json:"n_cells"`
	Genes         []string                `json:"genes"`
	Categories    map[string]CategoryInfo `json:"categories"`
}

// CategoryInfo contains the values of a categorical obs column. Code i maps to
// Values[i].
type CategoryInfo struct {
	Values []string `json:"values"`
}

// NewReader creates a new Zarr reader.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{basePath: basePath, decoder: decoder}
	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return r, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	if len(metadata.Genes) == 0 {
		return fmt.Errorf("metadata.json lists no genes")
	}
	r.metadata = &metadata
	return nil
}

// ObsColumns returns the categorical obs columns present in the store.
func (r *Reader) ObsColumns() []string {
	cols := make([]string, 0, len(r.metadata.Categories))
	for name := range r.metadata.Categories {
		if _, err := os.Stat(filepath.Join(r.basePath, "obs", name, "zarr.json")); err == nil {
			cols = append(cols, name)
		}
	}
	sort.Strings(cols)
	return cols
}

// ReadObs returns the decoded labels of a categorical obs column. Missing or
// out-of-range codes yield an empty label.
func (r *Reader) ReadObs(ctx context.Context, column string) ([]string, error) {
	info, ok := r.metadata.Categories[column]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, column)
	}
	arrayPath := filepath.Join(r.basePath, "obs", column)
	meta, err := r.loadArrayMeta(arrayPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, column)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load obs/%s metadata: %w", column, err)
	}
	if len(meta.Shape) != 1 {
		return nil, fmt.Errorf("unexpected obs/%s shape: %v", column, meta.Shape)
	}
	cs, err := meta.chunkShape()
	if err != nil {
		return nil, err
	}

	n := meta.Shape[0]
	labels := make([]string, n)
	for ci := 0; ci < ceilDiv(n, cs[0]); ci++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := r.readChunkAt(arrayPath, meta, []int{ci})
		if err != nil {
			return nil, fmt.Errorf("failed to load obs/%s chunk %d: %w", column, ci, err)
		}
		start := ci * cs[0]
		for i := 0; i < c.extent[0]; i++ {
			code := int(c.at(i, 0))
			if code >= 0 && code < len(info.Values) {
				labels[start+i] = info.Values[code]
			}
		}
	}
	return labels, nil
}

// ReadX loads the expression array as a sparse matrix. Zero entries are not
// stored.
func (r *Reader) ReadX(ctx context.Context) (*expression.CSR, error) {
	arrayPath := filepath.Join(r.basePath, "X")
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load X metadata: %w", err)
	}
	if len(meta.Shape) != 2 {
		return nil, fmt.Errorf("unexpected X shape: %v", meta.Shape)
	}
	cs, err := meta.chunkShape()
	if err != nil {
		return nil, err
	}
	nCells, nGenes := meta.Shape[0], meta.Shape[1]
	if nGenes != len(r.metadata.Genes) {
		return nil, fmt.Errorf("X has %d columns for %d genes", nGenes, len(r.metadata.Genes))
	}

	var rows, cols []int
	var vals []float64
	for rc := 0; rc < ceilDiv(nCells, cs[0]); rc++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for cc := 0; cc < ceilDiv(nGenes, cs[1]); cc++ {
			c, err := r.readChunkAt(arrayPath, meta, []int{rc, cc})
			if err != nil {
				return nil, fmt.Errorf("failed to load X chunk %d/%d: %w", rc, cc, err)
			}
			rowStart, colStart := rc*cs[0], cc*cs[1]
			for i := 0; i < c.extent[0]; i++ {
				for j := 0; j < c.extent[1]; j++ {
					if v := c.at(i, j); v != 0 {
						rows = append(rows, rowStart+i)
						cols = append(cols, colStart+j)
						vals = append(vals, v)
					}
				}
			}
		}
	}
	return expression.NewCSRFromTriplets(nCells, nGenes, rows, cols, vals)
}

// Population implements expression.Provider.
func (r *Reader) Population(ctx context.Context, keys expression.ObsKeys) (*expression.Population, error) {
	keys = keys.WithDefaults()

	x, err := r.ReadX(ctx)
	if err != nil {
		return nil, err
	}
	pop := &expression.Population{X: x, Genes: r.metadata.Genes}
	for _, col := range []struct {
		name string
		dst  *[]string
	}{
		{keys.Dataset, &pop.Datasets},
		{keys.Patient, &pop.Patients},
		{keys.Cluster, &pop.Clusters},
	} {
		labels, err := r.ReadObs(ctx, col.name)
		if err != nil {
			return nil, err
		}
		*col.dst = labels
	}
	if err := pop.Validate(); err != nil {
		return nil, err
	}
	return pop, nil
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}
