package markers

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

func TestGini_Constant(t *testing.T) {
	for _, n := range []int{1, 2, 7, 100} {
		for _, v := range []float64{0, 0.3, 1, 250} {
			x := make([]float64, n)
			for i := range x {
				x[i] = v
			}
			got, err := Gini(x)
			if err != nil {
				t.Fatalf("Gini(n=%d, v=%v): %v", n, v, err)
			}
			if math.Abs(got) > 1e-9 {
				t.Errorf("Gini of constant vector (n=%d, v=%v) = %v, expected 0", n, v, got)
			}
		}
	}
}

func TestGini_OneHot(t *testing.T) {
	x := make([]float64, 10000)
	x[0] = 1
	got, err := Gini(x)
	if err != nil {
		t.Fatalf("Gini: %v", err)
	}
	if math.Abs(got-0.9999) > 1e-6 {
		t.Fatalf("expected ~0.9999, got %v", got)
	}

	small, _ := Gini([]float64{0, 0, 1})
	if small >= got {
		t.Errorf("expected gini to grow with n: n=3 gave %v, n=10000 gave %v", small, got)
	}
}

func TestGini_Known(t *testing.T) {
	tests := []struct {
		in   []float64
		want float64
	}{
		{[]float64{4, 0, 0}, 2.0 / 3},
		{[]float64{1, 0.4, 0.2}, 1.0 / 3},
		{[]float64{1, 2, 3, 4}, 0.25},
	}
	for _, tt := range tests {
		got, err := Gini(tt.in)
		if err != nil {
			t.Fatalf("Gini(%v): %v", tt.in, err)
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Gini(%v) = %v, expected %v", tt.in, got, tt.want)
		}
	}
}

func TestGini_RangeAndScaling(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.IntN(50)
		x := make([]float64, n)
		for i := range x {
			if rng.Float64() < 0.3 {
				continue
			}
			x[i] = rng.ExpFloat64()
		}
		g, err := Gini(x)
		if err != nil {
			t.Fatalf("Gini: %v", err)
		}
		if g < 0 || g > 1 {
			t.Fatalf("Gini(%v) = %v outside [0, 1]", x, g)
		}

		scaled := make([]float64, n)
		for i, v := range x {
			scaled[i] = 37.5 * v
		}
		gs, _ := Gini(scaled)
		if math.Abs(g-gs) > 1e-9 {
			t.Fatalf("gini not scale invariant: %v vs %v for %v", g, gs, x)
		}
	}
}

func TestGini_DoesNotModifyInput(t *testing.T) {
	x := []float64{3, 0, 1}
	if _, err := Gini(x); err != nil {
		t.Fatalf("Gini: %v", err)
	}
	if x[0] != 3 || x[1] != 0 || x[2] != 1 {
		t.Fatalf("input modified: %v", x)
	}
}

func TestGini_InvalidInput(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		if _, err := Gini(nil); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})
	t.Run("negative", func(t *testing.T) {
		if _, err := Gini([]float64{1, -0.5}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})
	t.Run("nan", func(t *testing.T) {
		if _, err := Gini([]float64{math.NaN()}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})
	t.Run("inf", func(t *testing.T) {
		if _, err := Gini([]float64{1, 0, math.Inf(1)}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestGiniByReplicate(t *testing.T) {
	tn := NewTensor(3, 2, 2)
	// gene 0: one-hot in replicate 0, flat in replicate 1
	tn.Set(0, 0, 0, 4)
	for c := 0; c < 3; c++ {
		tn.Set(c, 0, 1, 2)
		tn.Set(c, 1, 0, float64(c))
		tn.Set(c, 1, 1, float64(c))
	}

	g, err := GiniByReplicate(tn)
	if err != nil {
		t.Fatalf("GiniByReplicate: %v", err)
	}
	r, c := g.Dims()
	if r != 2 || c != 2 {
		t.Fatalf("expected 2x2 gini matrix, got %dx%d", r, c)
	}
	if math.Abs(g.At(0, 0)-2.0/3) > 1e-9 {
		t.Errorf("replicate 0 gene 0: expected 2/3, got %v", g.At(0, 0))
	}
	if math.Abs(g.At(1, 0)) > 1e-9 {
		t.Errorf("replicate 1 gene 0: expected 0, got %v", g.At(1, 0))
	}
	if g.At(0, 1) != g.At(1, 1) {
		t.Errorf("identical replicates gave %v and %v", g.At(0, 1), g.At(1, 1))
	}

	if _, err := GiniByReplicate(NewTensor(0, 2, 2)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero clusters, got %v", err)
	}
}
