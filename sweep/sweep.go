// Package sweep holds the data model shared by the instrument drivers that
// produce sweeps and the decision loops that consume them.
package sweep

import (
	"context"
	"errors"
	"fmt"
)

// Channel names produced by the diode and gate sweeps
const (
	// VDL is the voltage across the left diode-connected transistor
	VDL = "VDL"
	// VDR is the voltage across the right diode-connected transistor
	VDR = "VDR"
	// IDL is the current forced through the left transistor
	IDL = "IDL"
	// IDR is the current forced through the right transistor
	IDR = "IDR"

	// Ids is the drain-source current of a gate sweep
	Ids = "Ids"
	// Igs is the gate leakage current of a gate sweep
	Igs = "Igs"
	// Vgs is the swept gate-source voltage
	Vgs = "Vgs"
	// Vds is the drain-source bias of a gate sweep
	Vds = "Vds"
)

var (
	// ErrNoSamples is generated when a record would hold zero samples
	ErrNoSamples = errors.New("sweep record has no samples")

	// ErrDuplicateChannel is generated when two columns share a name
	ErrDuplicateChannel = errors.New("duplicate channel name in sweep record")
)

// LengthMismatchError is generated when the series of a record differ in length
type LengthMismatchError struct {
	Channel string
	Len     int
	Want    int
}

// Error satisfies stdlib error interface
func (e LengthMismatchError) Error() string {
	return fmt.Sprintf("channel %s has %d samples, expected %d", e.Channel, e.Len, e.Want)
}

// Column is one named series handed to NewRecord
type Column struct {
	Name   string
	Values []float64
}

// Record is the result of one sweep: an ordered set of named channels, each
// holding one value per sweep step.  A Record is immutable once built, the
// slices returned by Series must not be modified.
type Record struct {
	names []string
	data  map[string][]float64
}

// NewRecord builds a record from columns, copying their values.  All columns
// must have the same, nonzero length.
func NewRecord(cols ...Column) (Record, error) {
	r := Record{
		names: make([]string, 0, len(cols)),
		data:  make(map[string][]float64, len(cols))}
	for _, c := range cols {
		if _, ok := r.data[c.Name]; ok {
			return Record{}, fmt.Errorf("%w: %s", ErrDuplicateChannel, c.Name)
		}
		v := make([]float64, len(c.Values))
		copy(v, c.Values)
		r.names = append(r.names, c.Name)
		r.data[c.Name] = v
	}
	return r, r.Validate()
}

// Validate checks the record invariants: at least one sample and equal
// length series
func (r Record) Validate() error {
	if len(r.names) == 0 {
		return ErrNoSamples
	}
	want := len(r.data[r.names[0]])
	if want == 0 {
		return ErrNoSamples
	}
	for _, n := range r.names[1:] {
		if l := len(r.data[n]); l != want {
			return LengthMismatchError{Channel: n, Len: l, Want: want}
		}
	}
	return nil
}

// Len returns the number of samples in the record
func (r Record) Len() int {
	if len(r.names) == 0 {
		return 0
	}
	return len(r.data[r.names[0]])
}

// Channels returns the channel names in acquisition order
func (r Record) Channels() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Series returns the values of one channel
func (r Record) Series(name string) ([]float64, bool) {
	v, ok := r.data[name]
	return v, ok
}

// Has returns true if the record carries the named channel
func (r Record) Has(name string) bool {
	_, ok := r.data[name]
	return ok
}

// Row returns the values of every channel at sample i, in channel order
func (r Record) Row(i int) []float64 {
	out := make([]float64, len(r.names))
	for j, n := range r.names {
		out[j] = r.data[n][i]
	}
	return out
}

// Source performs parameterized sweeps on an instrument.  Both calls block
// until the instrument reports completion, which may take tens of seconds.
type Source interface {
	DiodeSweep(context.Context, DiodeParams) (Record, error)
	GateSweep(context.Context, GateParams) (Record, error)
}

// Func runs one sweep with parameters bound by a closure
type Func func(ctx context.Context) (Record, error)

// Diode binds diode sweep parameters to a source
func Diode(src Source, p DiodeParams) Func {
	return func(ctx context.Context) (Record, error) {
		return src.DiodeSweep(ctx, p)
	}
}

// Gate binds gate sweep parameters to a source
func Gate(src Source, p GateParams) Func {
	return func(ctx context.Context) (Record, error) {
		return src.GateSweep(ctx, p)
	}
}
