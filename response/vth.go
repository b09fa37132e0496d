package response

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/fetlab/fetbench/mathx"
	"github.com/fetlab/fetbench/sweep"
)

// ThresholdVoltage extracts Vth from a saturation-regime transfer curve.
// sqrt(|Ids|) is differentiated against Vgs, and the tangent at the point of
// steepest slope is extrapolated to zero current.
func ThresholdVoltage(vgs, ids []float64) (float64, error) {
	if len(vgs) == 0 {
		return 0, ErrEmptySweep
	}
	root := make([]float64, len(ids))
	for i, v := range ids {
		root[i] = math.Sqrt(math.Abs(v))
	}
	d, err := mathx.Gradient(root, vgs)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFlatSlope, err)
	}
	mag := make([]float64, len(d))
	for i, v := range d {
		mag[i] = math.Abs(v)
	}
	i := floats.MaxIdx(mag)
	if d[i] == 0 {
		return 0, ErrFlatSlope
	}
	return vgs[i] - root[i]/d[i], nil
}

// Threshold adapts ThresholdVoltage to the Extractor interface
type Threshold struct {
	Vgs, Ids string
}

// Extract satisfies Extractor
func (t Threshold) Extract(r sweep.Record) (float64, error) {
	if r.Len() == 0 {
		return 0, ErrEmptySweep
	}
	x, err := series(r, t.Vgs)
	if err != nil {
		return 0, err
	}
	y, err := series(r, t.Ids)
	if err != nil {
		return 0, err
	}
	return ThresholdVoltage(x, y)
}
