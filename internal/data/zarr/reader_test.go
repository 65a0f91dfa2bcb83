package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/atlasmap-sc/markers/internal/expression"
)

// testX is 5 cells x 3 genes.
var testX = [][]float64{
	{1, 0, 2},
	{0, 0, 0},
	{3, 0.5, 0},
	{0, 4, 0},
	{0, 0, 7},
}

type arraySpec struct {
	shape, chunks []int
	dtype         string
	values        []float64 // row-major over shape
	padEdges      bool
	skip          map[string]bool
}

func writeArray(t *testing.T, dir string, a arraySpec) {
	t.Helper()

	if err := os.MkdirAll(filepath.Join(dir, "c"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	meta := map[string]interface{}{
		"zarr_format": 3,
		"node_type":   "array",
		"shape":       a.shape,
		"data_type":   a.dtype,
		"chunk_grid": map[string]interface{}{
			"name":          "regular",
			"configuration": map[string]interface{}{"chunk_shape": a.chunks},
		},
		"chunk_key_encoding": map[string]interface{}{
			"name":          "default",
			"configuration": map[string]interface{}{"separator": "/"},
		},
		"fill_value": 0,
		"codecs": []map[string]interface{}{
			{"name": "bytes", "configuration": map[string]interface{}{"endian": "little"}},
			{"name": "zstd", "configuration": map[string]interface{}{"level": 3}},
		},
	}
	data, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(dir, "zarr.json"), data, 0o644); err != nil {
		t.Fatalf("write zarr.json: %v", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()

	rows, cols := a.shape[0], 1
	crow, ccol := a.chunks[0], 1
	if len(a.shape) == 2 {
		cols, ccol = a.shape[1], a.chunks[1]
	}
	for rc := 0; rc*crow < rows; rc++ {
		for cc := 0; cc*ccol < cols; cc++ {
			key := strconv.Itoa(rc)
			if len(a.shape) == 2 {
				key += "/" + strconv.Itoa(cc)
			}
			if a.skip[key] {
				continue
			}
			h, w := min(crow, rows-rc*crow), min(ccol, cols-cc*ccol)
			stride := w
			if a.padEdges {
				h, stride = crow, ccol
			}
			var raw []byte
			for i := 0; i < h; i++ {
				for j := 0; j < stride; j++ {
					var v float64
					r, c := rc*crow+i, cc*ccol+j
					if r < rows && c < cols && j < w {
						v = a.values[r*cols+c]
					}
					raw = appendValue(raw, a.dtype, v)
				}
			}
			path := filepath.Join(dir, "c", filepath.FromSlash(key))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if err := os.WriteFile(path, enc.EncodeAll(raw, nil), 0o644); err != nil {
				t.Fatalf("write chunk: %v", err)
			}
		}
	}
}

func appendValue(b []byte, dtype string, v float64) []byte {
	switch dtype {
	case "float32":
		return binary.LittleEndian.AppendUint32(b, math.Float32bits(float32(v)))
	case "float64":
		return binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	default:
		return binary.LittleEndian.AppendUint32(b, uint32(int32(v)))
	}
}

type storeOptions struct {
	dtype    string
	padEdges bool
	skipX    map[string]bool
}

func writeStore(t *testing.T, opts storeOptions) string {
	t.Helper()

	base := t.TempDir()
	meta := Metadata{
		FormatVersion: "1",
		DatasetName:   "test",
		NCells:        len(testX),
		Genes:         []string{"EPCAM", "KRT5", "MUC5AC"},
		Categories: map[string]CategoryInfo{
			"dataset":   {Values: []string{"d1", "d2"}},
			"patient":   {Values: []string{"p1", "p2", "p3"}},
			"cell_type": {Values: []string{"basal", "secretory"}},
		},
	}
	data, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(base, "metadata.json"), data, 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	var flat []float64
	for _, row := range testX {
		flat = append(flat, row...)
	}
	dtype := opts.dtype
	if dtype == "" {
		dtype = "float32"
	}
	writeArray(t, filepath.Join(base, "X"), arraySpec{
		shape: []int{5, 3}, chunks: []int{2, 2}, dtype: dtype, values: flat,
		padEdges: opts.padEdges, skip: opts.skipX,
	})

	obs := map[string][]float64{
		"dataset":   {0, 0, 1, 1, 1},
		"patient":   {0, 1, 2, 2, -1},
		"cell_type": {0, 1, 0, 1, 1},
	}
	for name, codes := range obs {
		writeArray(t, filepath.Join(base, "obs", name), arraySpec{
			shape: []int{5}, chunks: []int{3}, dtype: "int32", values: codes, padEdges: opts.padEdges,
		})
	}
	return base
}

func rowOf(m expression.Matrix, i int) []float64 {
	_, g := m.Dims()
	dst := make([]float64, g)
	m.AddRow(dst, i)
	return dst
}

func TestReader_Population(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts storeOptions
	}{
		{"trimmed edges", storeOptions{}},
		{"padded edges", storeOptions{padEdges: true}},
		{"float64", storeOptions{dtype: "float64"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewReader(writeStore(t, tc.opts))
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			defer r.Close()

			pop, err := r.Population(context.Background(), expression.ObsKeys{})
			if err != nil {
				t.Fatalf("Population: %v", err)
			}
			if pop.NumCells() != 5 || pop.NumGenes() != 3 {
				t.Fatalf("unexpected shape %dx%d", pop.NumCells(), pop.NumGenes())
			}
			for i, want := range testX {
				got := rowOf(pop.X, i)
				for j := range want {
					if got[j] != want[j] {
						t.Fatalf("row %d = %v, expected %v", i, got, want)
					}
				}
			}
			csr := pop.X.(*expression.CSR)
			if csr.NNZ() != 6 {
				t.Errorf("expected 6 stored values, got %d", csr.NNZ())
			}

			wantPatients := []string{"p1", "p2", "p3", "p3", ""}
			for i, p := range wantPatients {
				if pop.Patients[i] != p {
					t.Errorf("patient[%d] = %q, expected %q", i, pop.Patients[i], p)
				}
			}
			if got := pop.ClusterLabels(); len(got) != 2 || got[0] != "basal" || got[1] != "secretory" {
				t.Errorf("unexpected cluster labels %v", got)
			}
		})
	}
}

func TestReader_MissingChunkIsFill(t *testing.T) {
	r, err := NewReader(writeStore(t, storeOptions{skipX: map[string]bool{"1/0": true}}))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	x, err := r.ReadX(context.Background())
	if err != nil {
		t.Fatalf("ReadX: %v", err)
	}
	// chunk 1/0 covers rows 2-3, genes 0-1
	if got := rowOf(x, 2); got[0] != 0 || got[1] != 0 {
		t.Fatalf("expected fill zeros in row 2, got %v", got)
	}
	if got := rowOf(x, 4); got[2] != 7 {
		t.Fatalf("row 4 = %v", got)
	}
}

func TestReader_CustomClusterKey(t *testing.T) {
	r, err := NewReader(writeStore(t, storeOptions{}))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if cols := r.ObsColumns(); len(cols) != 3 || cols[0] != "cell_type" {
		t.Fatalf("unexpected obs columns %v", cols)
	}

	_, err = r.Population(context.Background(), expression.ObsKeys{Cluster: "leiden"})
	if !errors.Is(err, ErrColumnNotFound) {
		t.Fatalf("expected ErrColumnNotFound, got %v", err)
	}

	pop, err := r.Population(context.Background(), expression.ObsKeys{Cluster: "dataset"})
	if err != nil {
		t.Fatalf("Population: %v", err)
	}
	if pop.Clusters[0] != "d1" || pop.Clusters[4] != "d2" {
		t.Fatalf("unexpected clusters %v", pop.Clusters)
	}
}

func TestReader_Cancelled(t *testing.T) {
	r, err := NewReader(writeStore(t, storeOptions{}))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ReadX(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewReader_MissingMetadata(t *testing.T) {
	if _, err := NewReader(t.TempDir()); err == nil {
		t.Fatal("expected an error for a store without metadata.json")
	}
}
