package mathx_test

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/fetlab/fetbench/mathx"
)

func ExampleRound() {
	fmt.Println(mathx.Round(1.3, 0.5))
	// Output: 1.5
}

func ExampleTail() {
	fmt.Println(mathx.Tail([]float64{1, 2, 3, 4, 5}, 2))
	// Output: [4 5]
}

func TestWindowClamps(t *testing.T) {
	x := []float64{0, 1, 2, 3, 4}
	if got := mathx.Window(x, -3, 1); !cmp.Equal(got, []float64{0, 1}) {
		t.Errorf("expected [0 1], got %v", got)
	}
	if got := mathx.Window(x, 3, 10); !cmp.Equal(got, []float64{3, 4}) {
		t.Errorf("expected [3 4], got %v", got)
	}
	if got := mathx.Window(x, 4, 2); got != nil {
		t.Errorf("expected nil for inverted bounds, got %v", got)
	}
}

func TestMeanStdIsPopulation(t *testing.T) {
	mean, std := mathx.MeanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 {
		t.Errorf("expected mean 5, got %f", mean)
	}
	if math.Abs(std-2) > 1e-12 {
		t.Errorf("expected population std 2, got %f", std)
	}
}

func TestMeanStdEmpty(t *testing.T) {
	mean, std := mathx.MeanStd(nil)
	if !math.IsNaN(mean) || !math.IsNaN(std) {
		t.Errorf("expected NaN for empty input, got %f %f", mean, std)
	}
}

func TestGradientQuadraticUneven(t *testing.T) {
	// second order differences are exact for a quadratic in the interior
	x := []float64{0, 0.5, 1.5, 2, 4}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = v * v
	}
	g, err := mathx.Gradient(y, x)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0.5, 1, 3, 4, 6}
	if diff := cmp.Diff(want, g, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("gradient mismatch (-want +got):\n%s", diff)
	}
}

func TestGradientErrors(t *testing.T) {
	if _, err := mathx.Gradient([]float64{1}, []float64{1}); !errors.Is(err, mathx.ErrTooShort) {
		t.Errorf("expected ErrTooShort, got %v", err)
	}
	if _, err := mathx.Gradient([]float64{1, 2}, []float64{1}); !errors.Is(err, mathx.ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch, got %v", err)
	}
	if _, err := mathx.Gradient([]float64{1, 2}, []float64{1, 1}); !errors.Is(err, mathx.ErrRepeatedAbscissa) {
		t.Errorf("expected ErrRepeatedAbscissa, got %v", err)
	}
}
