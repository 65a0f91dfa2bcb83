package markers

import (
	"testing"

	"github.com/atlasmap-sc/markers/internal/expression"
)

// testCell is one cell of a synthetic population.
type testCell struct {
	cluster, dataset, patient string
	expr                      []float64
}

func densePopulation(t *testing.T, genes []string, cells []testCell) *expression.Population {
	t.Helper()

	data := make([]float64, 0, len(cells)*len(genes))
	p := &expression.Population{Genes: genes}
	for _, c := range cells {
		if len(c.expr) != len(genes) {
			t.Fatalf("cell has %d values for %d genes", len(c.expr), len(genes))
		}
		data = append(data, c.expr...)
		p.Clusters = append(p.Clusters, c.cluster)
		p.Datasets = append(p.Datasets, c.dataset)
		p.Patients = append(p.Patients, c.patient)
	}
	x, err := expression.NewDense(len(cells), len(genes), data)
	if err != nil {
		t.Fatalf("NewDense: %v", err)
	}
	p.X = x
	return p
}

func sparsePopulation(t *testing.T, genes []string, cells []testCell) *expression.Population {
	t.Helper()

	p := densePopulation(t, genes, cells)
	var ri, ci []int
	var v []float64
	for i, c := range cells {
		for j, x := range c.expr {
			if x != 0 {
				ri = append(ri, i)
				ci = append(ci, j)
				v = append(v, x)
			}
		}
	}
	m, err := expression.NewCSRFromTriplets(len(cells), len(genes), ri, ci, v)
	if err != nil {
		t.Fatalf("NewCSRFromTriplets: %v", err)
	}
	p.X = m
	return p
}

func repeatCell(n int, c testCell) []testCell {
	out := make([]testCell, n)
	for i := range out {
		out[i] = c
	}
	return out
}

// handPopulation has three clusters whose cells share one expression profile
// each, so every replicate mean equals that profile.
//
//	     g0  g1  g2  g3
//	A     4   0   1   1
//	B     0   2   1   0.4
//	C     0   0   1   0.2
func handPopulation(t *testing.T, sparse bool) *expression.Population {
	t.Helper()

	a := []float64{4, 0, 1, 1}
	b := []float64{0, 2, 1, 0.4}
	c := []float64{0, 0, 1, 0.2}
	cells := []testCell{
		{"A", "d1", "p1", a},
		{"B", "d1", "p1", b},
		{"A", "d1", "p2", a},
		{"C", "d3", "p5", c},
		{"A", "d2", "p3", a},
		{"B", "d2", "p4", b},
		{"A", "d2", "p3", a},
	}
	cells = append(cells, repeatCell(3, testCell{"C", "d3", "p5", c})...)

	genes := []string{"g0", "g1", "g2", "g3"}
	if sparse {
		return sparsePopulation(t, genes, cells)
	}
	return densePopulation(t, genes, cells)
}
