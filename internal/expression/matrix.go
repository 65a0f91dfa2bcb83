// Package expression holds the cell-by-gene expression population that marker
// discovery reads from.
package expression

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrShape indicates inconsistent matrix or metadata dimensions.
	ErrShape = errors.New("expression: inconsistent shape")
	// ErrValue indicates a negative or NaN expression value.
	ErrValue = errors.New("expression: negative or NaN value")
)

// Matrix is a read-only cells x genes expression matrix.
type Matrix interface {
	Dims() (cells, genes int)
	// AddRow adds row i into dst, which must have length genes.
	AddRow(dst []float64, i int)
	// RowSum returns the total expression of row i.
	RowSum(i int) float64
}

// Dense is a row-major dense matrix.
type Dense struct {
	rows, cols int
	data       []float64
}

// NewDense wraps row-major data. Values must be finite and non-negative.
func NewDense(rows, cols int, data []float64) (*Dense, error) {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return nil, fmt.Errorf("%w: dense %dx%d with %d values", ErrShape, rows, cols, len(data))
	}
	for i, v := range data {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: cell %d gene %d = %v", ErrValue, i/cols, i%cols, v)
		}
	}
	return &Dense{rows: rows, cols: cols, data: data}, nil
}

func (d *Dense) Dims() (int, int) { return d.rows, d.cols }

// At returns the value at (i, j).
func (d *Dense) At(i, j int) float64 { return d.data[i*d.cols+j] }

func (d *Dense) AddRow(dst []float64, i int) {
	row := d.data[i*d.cols : (i+1)*d.cols]
	for j, v := range row {
		dst[j] += v
	}
}

func (d *Dense) RowSum(i int) float64 {
	var s float64
	for _, v := range d.data[i*d.cols : (i+1)*d.cols] {
		s += v
	}
	return s
}

// CSR is a compressed sparse row matrix. Only non-zero entries are stored, so
// summing rows never densifies the full matrix.
type CSR struct {
	rows, cols int
	indptr     []int
	indices    []int
	data       []float64
}

// NewCSR validates and wraps CSR buffers.
func NewCSR(rows, cols int, indptr, indices []int, data []float64) (*CSR, error) {
	if rows < 0 || cols < 0 || len(indptr) != rows+1 {
		return nil, fmt.Errorf("%w: csr %dx%d with indptr of length %d", ErrShape, rows, cols, len(indptr))
	}
	if len(indices) != len(data) || indptr[0] != 0 || indptr[rows] != len(data) {
		return nil, fmt.Errorf("%w: csr nnz mismatch (indptr end %d, indices %d, data %d)", ErrShape, indptr[rows], len(indices), len(data))
	}
	for i := 0; i < rows; i++ {
		if indptr[i+1] < indptr[i] {
			return nil, fmt.Errorf("%w: csr indptr decreases at row %d", ErrShape, i)
		}
		for k := indptr[i]; k < indptr[i+1]; k++ {
			if indices[k] < 0 || indices[k] >= cols {
				return nil, fmt.Errorf("%w: csr column %d out of range at row %d", ErrShape, indices[k], i)
			}
			if v := data[k]; v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: cell %d gene %d = %v", ErrValue, i, indices[k], v)
			}
		}
	}
	return &CSR{rows: rows, cols: cols, indptr: indptr, indices: indices, data: data}, nil
}

// NewCSRFromTriplets builds a CSR matrix from unordered (row, col, value)
// entries. Duplicate coordinates are summed.
func NewCSRFromTriplets(rows, cols int, ri, ci []int, v []float64) (*CSR, error) {
	if len(ri) != len(ci) || len(ri) != len(v) {
		return nil, fmt.Errorf("%w: triplet lengths %d/%d/%d", ErrShape, len(ri), len(ci), len(v))
	}
	order := make([]int, len(ri))
	for k := range order {
		if ri[k] < 0 || ri[k] >= rows {
			return nil, fmt.Errorf("%w: triplet row %d out of range", ErrShape, ri[k])
		}
		order[k] = k
	}
	sort.Slice(order, func(a, b int) bool {
		ka, kb := order[a], order[b]
		if ri[ka] != ri[kb] {
			return ri[ka] < ri[kb]
		}
		return ci[ka] < ci[kb]
	})

	indptr := make([]int, rows+1)
	indices := make([]int, 0, len(order))
	data := make([]float64, 0, len(order))
	lastRow, lastCol := -1, -1
	for _, k := range order {
		if ri[k] == lastRow && ci[k] == lastCol {
			data[len(data)-1] += v[k]
			continue
		}
		indices = append(indices, ci[k])
		data = append(data, v[k])
		indptr[ri[k]+1]++
		lastRow, lastCol = ri[k], ci[k]
	}
	for i := 0; i < rows; i++ {
		indptr[i+1] += indptr[i]
	}
	return NewCSR(rows, cols, indptr, indices, data)
}

func (m *CSR) Dims() (int, int) { return m.rows, m.cols }

// NNZ returns the number of stored entries.
func (m *CSR) NNZ() int { return len(m.data) }

func (m *CSR) AddRow(dst []float64, i int) {
	for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
		dst[m.indices[k]] += m.data[k]
	}
}

func (m *CSR) RowSum(i int) float64 {
	var s float64
	for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
		s += m.data[k]
	}
	return s
}

// ScaleRows multiplies each stored entry of row i by factors[i] in place.
func (m *CSR) ScaleRows(factors []float64) {
	for i := 0; i < m.rows; i++ {
		f := factors[i]
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			m.data[k] *= f
		}
	}
}

// ScaleRows multiplies row i by factors[i] in place.
func (d *Dense) ScaleRows(factors []float64) {
	for i := 0; i < d.rows; i++ {
		f := factors[i]
		row := d.data[i*d.cols : (i+1)*d.cols]
		for j := range row {
			row[j] *= f
		}
	}
}
