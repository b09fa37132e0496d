// Package mathx provides the numeric helpers shared by the response
// extractors and the decision loops: windows over series, population
// statistics, and finite-difference slopes.
package mathx

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrTooShort is generated when a derivative is requested of fewer than
	// two samples
	ErrTooShort = errors.New("at least two samples are required")

	// ErrLengthMismatch is generated when x and y differ in length
	ErrLengthMismatch = errors.New("x and y differ in length")

	// ErrRepeatedAbscissa is generated when two consecutive x values are equal
	ErrRepeatedAbscissa = errors.New("consecutive x values are equal")
)

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// Tail returns the last n elements of x, or all of x if it is shorter.
// The result aliases x.
func Tail(x []float64, n int) []float64 {
	if n <= 0 || n >= len(x) {
		return x
	}
	return x[len(x)-n:]
}

// Window returns x[lo..hi] inclusive, with the bounds clamped to x.
// The result aliases x.
func Window(x []float64, lo, hi int) []float64 {
	if lo < 0 {
		lo = 0
	}
	if hi >= len(x) {
		hi = len(x) - 1
	}
	if hi < lo {
		return nil
	}
	return x[lo : hi+1]
}

// MeanStd returns the mean and population (biased, N denominator) standard
// deviation of x.  Both are NaN for an empty slice.
func MeanStd(x []float64) (mean, std float64) {
	if len(x) == 0 {
		return math.NaN(), math.NaN()
	}
	mean, variance := stat.PopMeanVariance(x, nil)
	return mean, math.Sqrt(variance)
}

// Mean returns the arithmetic mean of x, NaN if x is empty
func Mean(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return stat.Mean(x, nil)
}

// Gradient returns dy/dx at every sample.  Interior points use second order
// central differences that account for uneven spacing, the two ends use
// first order one-sided differences.
func Gradient(y, x []float64) ([]float64, error) {
	n := len(y)
	if n != len(x) {
		return nil, ErrLengthMismatch
	}
	if n < 2 {
		return nil, ErrTooShort
	}
	for i := 1; i < n; i++ {
		if x[i] == x[i-1] {
			return nil, ErrRepeatedAbscissa
		}
	}
	g := make([]float64, n)
	g[0] = (y[1] - y[0]) / (x[1] - x[0])
	g[n-1] = (y[n-1] - y[n-2]) / (x[n-1] - x[n-2])
	for i := 1; i < n-1; i++ {
		hd := x[i] - x[i-1]
		hs := x[i+1] - x[i]
		g[i] = (hd*hd*y[i+1] + (hs*hs-hd*hd)*y[i] - hs*hs*y[i-1]) / (hs * hd * (hd + hs))
	}
	return g, nil
}
