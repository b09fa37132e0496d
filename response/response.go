// Package response reduces a sweep record to a single scalar, the quantity
// that is tracked sweep over sweep to judge stability or sensing signal.
//
// All extractors are pure: the same record and policy always produce the
// same value.
package response

import (
	"errors"
	"fmt"
	"math"

	"github.com/fetlab/fetbench/mathx"
	"github.com/fetlab/fetbench/sweep"
)

// DefaultTailWindow is the number of trailing samples averaged when a
// TailMeanDifference does not specify a window
const DefaultTailWindow = 10

var (
	// ErrEmptySweep is generated when a record holds no samples
	ErrEmptySweep = errors.New("sweep record has no samples")

	// ErrReferencePointNotFound is generated when neither the reference point
	// nor a fallback sample can be located on the sweep axis
	ErrReferencePointNotFound = errors.New("reference point not found on sweep axis")

	// ErrMissingChannel is generated when a policy names a channel the record
	// does not carry
	ErrMissingChannel = errors.New("channel not present in sweep record")

	// ErrFlatSlope is generated when the local slope needed for a calibrated
	// value is zero or cannot be computed
	ErrFlatSlope = errors.New("local slope is zero or undefined")
)

// Extractor reduces a record to one scalar
type Extractor interface {
	Extract(sweep.Record) (float64, error)
}

// ExtractorFunc adapts a plain function to the Extractor interface
type ExtractorFunc func(sweep.Record) (float64, error)

// Extract calls f(r)
func (f ExtractorFunc) Extract(r sweep.Record) (float64, error) {
	return f(r)
}

func series(r sweep.Record, name string) ([]float64, error) {
	s, ok := r.Series(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingChannel, name)
	}
	return s, nil
}

// TailMeanDifference is the mean of |A - B| over the last Window samples.
// For a diode pair this is the settled voltage mismatch of the two sides.
type TailMeanDifference struct {
	A, B   string
	Window int
}

// Extract satisfies Extractor
func (t TailMeanDifference) Extract(r sweep.Record) (float64, error) {
	if r.Len() == 0 {
		return 0, ErrEmptySweep
	}
	a, err := series(r, t.A)
	if err != nil {
		return 0, err
	}
	b, err := series(r, t.B)
	if err != nil {
		return 0, err
	}
	w := t.Window
	if w <= 0 {
		w = DefaultTailWindow
	}
	a, b = mathx.Tail(a, w), mathx.Tail(b, w)
	d := make([]float64, len(a))
	for i := range a {
		d[i] = math.Abs(a[i] - b[i])
	}
	return mathx.Mean(d), nil
}

// TailMean is the mean of one channel over its last Window samples
type TailMean struct {
	Channel string
	Window  int
}

// Extract satisfies Extractor
func (t TailMean) Extract(r sweep.Record) (float64, error) {
	if r.Len() == 0 {
		return 0, ErrEmptySweep
	}
	s, err := series(r, t.Channel)
	if err != nil {
		return 0, err
	}
	w := t.Window
	if w <= 0 {
		w = DefaultTailWindow
	}
	return mathx.Mean(mathx.Tail(s, w)), nil
}

// Locate returns the index of the sample exactly equal to ref.  If there is
// none it falls back to the sample of largest magnitude, the extremal end of
// the sweep axis.
func Locate(axis []float64, ref float64) (int, error) {
	for i, v := range axis {
		if v == ref {
			return i, nil
		}
	}
	idx := -1
	best := -1.
	for i, v := range axis {
		if a := math.Abs(v); a > best {
			best = a
			idx = i
		}
	}
	if idx < 0 {
		return 0, ErrReferencePointNotFound
	}
	return idx, nil
}

// ValueAtReference is Y divided by dY/dX at the sample where X equals Ref.
// It is the calibration used for transistor transfer sweeps.
type ValueAtReference struct {
	X, Y string
	Ref  float64
}

// Extract satisfies Extractor
func (v ValueAtReference) Extract(r sweep.Record) (float64, error) {
	if r.Len() == 0 {
		return 0, ErrEmptySweep
	}
	xs, err := series(r, v.X)
	if err != nil {
		return 0, err
	}
	ys, err := series(r, v.Y)
	if err != nil {
		return 0, err
	}
	idx, err := Locate(xs, v.Ref)
	if err != nil {
		return 0, err
	}
	slopes, err := mathx.Gradient(ys, xs)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFlatSlope, err)
	}
	s := slopes[idx]
	if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return 0, ErrFlatSlope
	}
	return ys[idx] / s, nil
}
