//go:build soma

package soma

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/atlasmap-sc/markers/internal/expression"
)

// Reader provides minimal SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	geneOnce sync.Once
	geneMap  map[string]int64 // gene_id -> gene soma_joinid
	geneErr  error
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// openRead opens an array below the experiment for reading. The caller must
// call the returned release func.
func (r *Reader) openRead(rel string) (*tiledb.Array, func(), error) {
	uri := r.experimentURI + "/" + rel
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", uri, err)
	}
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		arr.Free()
		return nil, nil, fmt.Errorf("failed to open %s for read: %w", uri, err)
	}
	return arr, func() { arr.Close(); arr.Free() }, nil
}

// joinIDRange returns the non-empty soma_joinid domain of a dataframe.
func joinIDRange(arr *tiledb.Array) (minID, maxID int64, empty bool, err error) {
	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return 0, 0, true, nil
	}
	minID, maxID, err = boundsMinMaxInt64(ned.Bounds)
	return minID, maxID, false, err
}

// scanStrings streams a var-length string attribute of a dataframe in
// soma_joinid order and calls fn for every non-null, non-empty value.
func (r *Reader) scanStrings(ctx context.Context, rel, column string, fn func(joinID int64, v string)) error {
	arr, release, err := r.openRead(rel)
	if err != nil {
		return err
	}
	defer release()

	schema, err := arr.Schema()
	if err != nil {
		return fmt.Errorf("failed to get %s schema: %w", rel, err)
	}
	attr, err := schema.AttributeFromName(column)
	schema.Free()
	if err != nil {
		return fmt.Errorf("column not found in %s: %s", rel, column)
	}
	attr.Free()

	minID, maxID, empty, err := joinIDRange(arr)
	if err != nil || empty {
		return err
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create %s subarray: %w", rel, err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return fmt.Errorf("failed to set %s range: %w", rel, err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create %s query: %w", rel, err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set %s subarray: %w", rel, err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set %s query layout: %w", rel, err)
	}

	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	nullable, err := attributeNullable(arr, column)
	if err != nil {
		return fmt.Errorf("failed to inspect %s nullable: %w", column, err)
	}
	var validity []uint8
	if nullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 2*1024*1024)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Buffer sizes are in/out params, so reset them every submit.
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(column, offsets); err != nil {
			return fmt.Errorf("failed to set offsets buffer %s: %w", column, err)
		}
		if _, err := q.SetDataBuffer(column, dataBytes); err != nil {
			return fmt.Errorf("failed to set data buffer %s: %w", column, err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("%s query submit failed: %w", rel, err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("%s query status failed: %w", rel, err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("%s query ResultBufferElements failed: %w", rel, err)
		}

		usedJoin := min(int(elems["soma_joinid"][1]), len(joinIDs))
		usedOffsets := min(int(elems[column][0]), len(offsets))
		usedBytes := min(int(elems[column][1]), len(dataBytes))
		usedValid := 0
		if nullable {
			usedValid = min(int(elems[column][2]), len(validity))
		}

		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return fmt.Errorf("%s query buffers too small for column %s", rel, column)
		}

		data := dataBytes[:usedBytes]
		lim := min(usedJoin, usedOffsets)
		if nullable && usedValid > 0 {
			lim = min(lim, usedValid)
		}
		for i := 0; i < lim; i++ {
			if nullable && usedValid > 0 && validity[i] == 0 {
				continue
			}
			start, end := int(offsets[i]), len(data)
			if i+1 < usedOffsets {
				end = int(offsets[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			if v := string(data[start:end]); v != "" {
				fn(joinIDs[i], v)
			}
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected TileDB query status for %s: %v", rel, status)
		}
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}

// AllGenes returns a map of gene_id -> soma_joinid for all genes.
func (r *Reader) AllGenes() (map[string]int64, error) {
	r.geneOnce.Do(func() {
		m := make(map[string]int64, 32768)
		r.geneErr = r.scanStrings(context.Background(), "ms/RNA/var", "gene_id", func(id int64, g string) {
			m[g] = id
		})
		r.geneMap = m
	})
	return r.geneMap, r.geneErr
}

// scanX streams every stored entry of ms/RNA/X/data whose cell joinid lies in
// [cellMin, cellMax].
func (r *Reader) scanX(ctx context.Context, cellMin, cellMax int64, fn func(cell, gene int64, val float32)) error {
	arr, release, err := r.openRead("ms/RNA/X/data")
	if err != nil {
		return err
	}
	defer release()

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create X subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_dim_0", tiledb.MakeRange[int64](cellMin, cellMax)); err != nil {
		return fmt.Errorf("failed to add cell range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create X query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set X subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	const bufSize = 1024 * 1024
	outCell := make([]int64, bufSize)
	outGene := make([]int64, bufSize)
	outVal := make([]float32, bufSize)
	valNullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}
	var outValValid []uint8
	if valNullable {
		outValValid = make([]uint8, bufSize)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := q.SetDataBuffer("soma_dim_0", outCell); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", outGene); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if valNullable {
			if _, err := q.SetValidityBuffer("soma_data", outValValid); err != nil {
				return fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("X query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("X query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("X query ResultBufferElements failed: %w", err)
		}
		got := min(int(elems["soma_data"][1]), len(outVal))
		gotValid := 0
		if valNullable {
			gotValid = min(int(elems["soma_data"][2]), len(outValValid))
		}

		for i := 0; i < got; i++ {
			if valNullable && i < gotValid && outValValid[i] == 0 {
				continue
			}
			fn(outCell[i], outGene[i], outVal[i])
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected X query status: %v", status)
		}
	}
}

// ObsColumns returns the list of attribute names in the obs DataFrame.
func (r *Reader) ObsColumns() ([]string, error) {
	arr, release, err := r.openRead("obs")
	if err != nil {
		return nil, err
	}
	defer release()

	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get obs schema: %w", err)
	}
	defer schema.Free()

	nattrs, err := schema.AttributeNum()
	if err != nil {
		return nil, fmt.Errorf("failed to get attribute count: %w", err)
	}

	var columns []string
	for i := uint(0); i < nattrs; i++ {
		attr, err := schema.AttributeFromIndex(i)
		if err != nil {
			continue
		}
		name, err := attr.Name()
		attr.Free()
		if err != nil || name == "soma_joinid" {
			continue
		}
		columns = append(columns, name)
	}
	sort.Strings(columns)
	return columns, nil
}

// Population implements expression.Provider. Cells are the obs soma_joinid
// domain in order; genes are var rows ordered by soma_joinid.
func (r *Reader) Population(ctx context.Context, keys expression.ObsKeys) (*expression.Population, error) {
	keys = keys.WithDefaults()

	obs, release, err := r.openRead("obs")
	if err != nil {
		return nil, err
	}
	cellMin, cellMax, empty, err := joinIDRange(obs)
	release()
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, fmt.Errorf("%w: obs is empty", expression.ErrShape)
	}
	nCells := int(cellMax - cellMin + 1)

	geneMap, err := r.AllGenes()
	if err != nil {
		return nil, err
	}
	genes := make([]string, 0, len(geneMap))
	for g := range geneMap {
		genes = append(genes, g)
	}
	sort.Slice(genes, func(i, j int) bool { return geneMap[genes[i]] < geneMap[genes[j]] })
	geneCol := make(map[int64]int, len(genes))
	for i, g := range genes {
		geneCol[geneMap[g]] = i
	}

	pop := &expression.Population{Genes: genes}
	for _, col := range []struct {
		name string
		dst  *[]string
	}{
		{keys.Dataset, &pop.Datasets},
		{keys.Patient, &pop.Patients},
		{keys.Cluster, &pop.Clusters},
	} {
		labels := make([]string, nCells)
		err := r.scanStrings(ctx, "obs", col.name, func(id int64, v string) {
			if id >= cellMin && id <= cellMax {
				labels[id-cellMin] = v
			}
		})
		if err != nil {
			return nil, err
		}
		*col.dst = labels
	}

	var rows, cols []int
	var vals []float64
	err = r.scanX(ctx, cellMin, cellMax, func(cell, gene int64, val float32) {
		c, ok := geneCol[gene]
		if !ok || val == 0 {
			return
		}
		rows = append(rows, int(cell-cellMin))
		cols = append(cols, c)
		vals = append(vals, float64(val))
	})
	if err != nil {
		return nil, err
	}
	x, err := expression.NewCSRFromTriplets(nCells, len(genes), rows, cols, vals)
	if err != nil {
		return nil, err
	}
	pop.X = x
	return pop, pop.Validate()
}
