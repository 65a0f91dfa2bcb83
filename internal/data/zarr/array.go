package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// chunkShape returns the declared chunk shape after checking it against the
// array rank.
func (m *ArrayMeta) chunkShape() ([]int, error) {
	cs := m.ChunkGrid.Configuration.ChunkShape
	if len(m.Shape) == 0 || len(cs) == 0 {
		return nil, fmt.Errorf("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(m.Shape) != len(cs) {
		return nil, fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(m.Shape), len(cs))
	}
	for d, n := range cs {
		if n <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, n)
		}
	}
	return cs, nil
}

func (r *Reader) loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s/zarr.json: %w", arrayPath, err)
	}
	if _, err := dtypeSize(meta.DataType); err != nil {
		return nil, err
	}
	return &meta, nil
}

// readChunk reads and decompresses a chunk from Zarr v3 format.
func (r *Reader) readChunk(arrayPath string, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	compressed, err := os.ReadFile(filepath.Join(arrayPath, "c", chunkKey))
	if err != nil {
		return nil, err
	}

	decompressed, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return decompressed, nil
}

func encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

// chunkExtent returns the in-bounds extent of a chunk, which is smaller than
// the chunk shape along trailing edges.
func chunkExtent(meta *ArrayMeta, chunkIndices []int) ([]int, error) {
	cs, err := meta.chunkShape()
	if err != nil {
		return nil, err
	}
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	extent := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		start := chunkIndices[d] * cs[d]
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		extent[d] = min(cs[d], meta.Shape[d]-start)
	}
	return extent, nil
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

// fillValue returns the array fill value as float64. Missing means zero.
func fillValue(meta *ArrayMeta) (float64, error) {
	switch v := meta.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case string:
		// Zarr v3 spells non-finite floats as strings.
		switch v {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	return 0, fmt.Errorf("unsupported fill_value %v for %s", meta.FillValue, meta.DataType)
}

// chunk is one decoded chunk. stride is the row length in elements, which is
// either the declared chunk width or, for writers that trim edge chunks, the
// in-bounds extent.
type chunk struct {
	values []float64
	extent []int
	stride int
}

// at returns element (i, j) of a 2-D chunk, or element i of a 1-D chunk.
func (c *chunk) at(i, j int) float64 { return c.values[i*c.stride+j] }

// readChunkAt loads and decodes one chunk as float64. A chunk that is absent on
// disk is filled with the array fill value.
func (r *Reader) readChunkAt(arrayPath string, meta *ArrayMeta, chunkIndices []int) (*chunk, error) {
	extent, err := chunkExtent(meta, chunkIndices)
	if err != nil {
		return nil, err
	}
	cs, _ := meta.chunkShape()
	stride := 1
	if len(extent) > 1 {
		stride = extent[len(extent)-1]
	}

	raw, err := r.readChunk(arrayPath, encodeChunkKey(meta, chunkIndices))
	if os.IsNotExist(err) {
		fill, ferr := fillValue(meta)
		if ferr != nil {
			return nil, ferr
		}
		values := make([]float64, product(extent))
		if fill != 0 {
			for i := range values {
				values[i] = fill
			}
		}
		return &chunk{values: values, extent: extent, stride: stride}, nil
	}
	if err != nil {
		return nil, err
	}

	size, _ := dtypeSize(meta.DataType)
	n := len(raw) / size
	switch n {
	case product(cs):
		if len(cs) > 1 {
			stride = cs[len(cs)-1]
		}
	case product(extent):
	default:
		return nil, fmt.Errorf("chunk %v of %s has %d elements, expected %d or %d",
			chunkIndices, arrayPath, n, product(cs), product(extent))
	}
	return &chunk{values: decodeValues(raw, meta.DataType, size), extent: extent, stride: stride}, nil
}

// decodeValues decodes little-endian elements to float64.
func decodeValues(raw []byte, dataType string, size int) []float64 {
	out := make([]float64, len(raw)/size)
	for i := range out {
		b := raw[i*size : (i+1)*size]
		switch dataType {
		case "float32":
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case "float64":
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case "int32":
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case "uint32":
			out[i] = float64(binary.LittleEndian.Uint32(b))
		case "uint64":
			out[i] = float64(binary.LittleEndian.Uint64(b))
		}
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
