/*Package sensing measures a device under a sequence of conditions (analyte
concentrations), a fixed batch of sweeps per condition.

Each batch is reduced to the mean and population std of the per-sweep
response over its last ValidSteps sweeps.  The first condition a caller runs
against an Accumulator is the baseline every later condition is corrected
against.
*/
package sensing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fetlab/fetbench/chart"
	"github.com/fetlab/fetbench/export"
	"github.com/fetlab/fetbench/mathx"
	"github.com/fetlab/fetbench/response"
	"github.com/fetlab/fetbench/sweep"
)

var (
	// ErrShortBatch is generated when a batch holds fewer sweeps than ValidSteps
	ErrShortBatch = errors.New("batch is shorter than the number of valid steps")

	// ErrNoAccumulator is generated when Run is given a nil Accumulator
	ErrNoAccumulator = errors.New("sensing: nil accumulator")
)

// Exporter persists one batch
type Exporter interface {
	Export(sheets []export.Sheet, device, testType, comment string) (string, error)
}

// Plotter renders the summary of all conditions so far
type Plotter interface {
	PlotMeanStd(labels []string, series []chart.Series, device string) error
}

// Config holds the parameters of a sensing run
type Config struct {
	Sweep sweep.Func

	// Repetitions is the number of sweeps per condition
	Repetitions int

	// RestDelay separates sweeps within a condition
	RestDelay time.Duration

	// ValidSteps is the number of trailing sweeps summarized
	ValidSteps int

	// TailWindow is the number of trailing samples averaged per sweep
	TailWindow int

	// A and B are the channels whose difference is the response
	A, B string

	Device   string
	TestType string
}

// Defaults returns a Config with the usual batch parameters.  Sweep must
// still be set.
func Defaults() Config {
	return Config{
		Repetitions: 20,
		RestDelay:   30 * time.Second,
		ValidSteps:  6,
		TailWindow:  5,
		A:           sweep.VDL,
		B:           sweep.VDR,
		TestType:    "sensing"}
}

// Validate checks the config can drive a run
func (c Config) Validate() error {
	switch {
	case c.Sweep == nil:
		return errors.New("sensing: no sweep function")
	case c.Repetitions < 1:
		return fmt.Errorf("sensing: Repetitions must be >= 1, got %d", c.Repetitions)
	case c.ValidSteps < 1 || c.ValidSteps > c.Repetitions:
		return fmt.Errorf("sensing: ValidSteps must be in [1, %d], got %d", c.Repetitions, c.ValidSteps)
	case c.RestDelay < 0:
		return errors.New("sensing: negative rest delay")
	case c.A == "" || c.B == "" || c.A == c.B:
		return fmt.Errorf("sensing: need two distinct channels, got %q and %q", c.A, c.B)
	}
	return nil
}

// MeanStd is a summary of a series, Std is the population std
type MeanStd struct {
	Mean, Std float64
}

// Stats summarizes one batch
type Stats struct {
	// Diff is the summary of mean |A - B|
	Diff MeanStd

	// Left and Right are the summaries of the mean of A and of B
	Left, Right MeanStd
}

// Summarize reduces the last validSteps records of a batch
func Summarize(batch []sweep.Record, validSteps, tail int, a, b string) (Stats, error) {
	if len(batch) < validSteps {
		return Stats{}, fmt.Errorf("%w: %d < %d", ErrShortBatch, len(batch), validSteps)
	}
	diff := response.TailMeanDifference{A: a, B: b, Window: tail}
	left := response.TailMean{Channel: a, Window: tail}
	right := response.TailMean{Channel: b, Window: tail}
	extractors := []response.Extractor{diff, left, right}
	series := make([][]float64, len(extractors))
	for i, rec := range batch[len(batch)-validSteps:] {
		for j, e := range extractors {
			v, err := e.Extract(rec)
			if err != nil {
				return Stats{}, fmt.Errorf("sweep %d: %w", len(batch)-validSteps+i, err)
			}
			series[j] = append(series[j], v)
		}
	}
	var out Stats
	out.Diff.Mean, out.Diff.Std = mathx.MeanStd(series[0])
	out.Left.Mean, out.Left.Std = mathx.MeanStd(series[1])
	out.Right.Mean, out.Right.Std = mathx.MeanStd(series[2])
	return out, nil
}

// Summary is a baseline-corrected MeanStd
type Summary struct {
	MeanStd
	Corrected float64
}

// ConcentrationResult is the outcome of one condition
type ConcentrationResult struct {
	Label string

	// Mean and Std summarize |A - B|, Corrected is Mean less the baseline
	Mean, Std, Corrected float64

	// Left and Right summarize each channel against its own baseline
	Left, Right Summary

	// Directory is where the batch was exported, if it was
	Directory string
}

// Accumulator carries the baseline and results across conditions.  It is
// owned by the caller and not safe for concurrent use.
type Accumulator struct {
	set               bool
	base, left, right float64
	results           []ConcentrationResult
}

// Baseline returns the baseline mean |A - B| and whether it has been set
func (a *Accumulator) Baseline() (float64, bool) {
	return a.base, a.set
}

// Results returns a copy of the results so far, in run order
func (a *Accumulator) Results() []ConcentrationResult {
	out := make([]ConcentrationResult, len(a.results))
	copy(out, a.results)
	return out
}

// Len is the number of conditions accumulated
func (a *Accumulator) Len() int {
	return len(a.results)
}

// Add records the stats of a condition, setting the baselines if this is the
// first one, and returns the corrected result
func (a *Accumulator) Add(label string, s Stats) ConcentrationResult {
	if !a.set {
		a.base, a.left, a.right = s.Diff.Mean, s.Left.Mean, s.Right.Mean
		a.set = true
	}
	res := ConcentrationResult{
		Label:     label,
		Mean:      s.Diff.Mean,
		Std:       s.Diff.Std,
		Corrected: s.Diff.Mean - a.base,
		Left:      Summary{MeanStd: s.Left, Corrected: s.Left.Mean - a.left},
		Right:     Summary{MeanStd: s.Right, Corrected: s.Right.Mean - a.right},
	}
	a.results = append(a.results, res)
	return res
}

// Series arranges the corrected results for a summary plot
func (a *Accumulator) Series() ([]string, []chart.Series) {
	labels := make([]string, len(a.results))
	diff := chart.Series{Name: "|L-R|"}
	left := chart.Series{Name: "Left"}
	right := chart.Series{Name: "Right"}
	for i, r := range a.results {
		labels[i] = r.Label
		diff.Mean = append(diff.Mean, r.Corrected)
		diff.Std = append(diff.Std, r.Std)
		left.Mean = append(left.Mean, r.Left.Corrected)
		left.Std = append(left.Std, r.Left.Std)
		right.Mean = append(right.Mean, r.Right.Corrected)
		right.Std = append(right.Std, r.Right.Std)
	}
	return labels, []chart.Series{diff, left, right}
}

// Progress is reported after every sweep of a condition, and once more with
// Result set when the condition is complete
type Progress struct {
	Label       string
	Repetition  int
	Repetitions int
	Result      *ConcentrationResult
}

// Observer receives progress reports
type Observer interface {
	Observe(Progress)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Progress)

// Observe calls f(p)
func (f ObserverFunc) Observe(p Progress) {
	f(p)
}

// Aggregator runs batches of sweeps
type Aggregator struct {
	cfg       Config
	exp       Exporter
	plot      Plotter
	observers []Observer

	// Logger receives progress lines, nil uses the log package default
	Logger *log.Logger
}

// New creates an Aggregator.  exp and plot may be nil.
func New(cfg Config, exp Exporter, plot Plotter, obs ...Observer) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{cfg: cfg, exp: exp, plot: plot, observers: obs}, nil
}

func (g *Aggregator) logf(format string, args ...interface{}) {
	if g.Logger != nil {
		g.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (g *Aggregator) notify(p Progress) {
	for _, o := range g.observers {
		o.Observe(p)
	}
}

func rest(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run measures one condition.  The accumulator is only modified once the
// whole batch has been swept and summarized.
func (g *Aggregator) Run(ctx context.Context, acc *Accumulator, label string) (ConcentrationResult, error) {
	if acc == nil {
		return ConcentrationResult{}, ErrNoAccumulator
	}
	cfg := g.cfg
	batch := make([]sweep.Record, 0, cfg.Repetitions)
	for i := 0; i < cfg.Repetitions; i++ {
		rec, err := cfg.Sweep(ctx)
		if err != nil {
			return ConcentrationResult{}, fmt.Errorf("sensing: %s sweep %d: %w", label, i, err)
		}
		batch = append(batch, rec)
		g.notify(Progress{Label: label, Repetition: i + 1, Repetitions: cfg.Repetitions})
		if i == cfg.Repetitions-1 {
			break
		}
		if err := rest(ctx, cfg.RestDelay); err != nil {
			return ConcentrationResult{}, fmt.Errorf("sensing: %s resting after sweep %d: %w", label, i, err)
		}
	}

	stats, err := Summarize(batch, cfg.ValidSteps, cfg.TailWindow, cfg.A, cfg.B)
	if err != nil {
		return ConcentrationResult{}, fmt.Errorf("sensing: %s: %w", label, err)
	}

	var dir string
	if g.exp != nil {
		dir, err = g.exp.Export(export.Indexed(batch), cfg.Device, cfg.TestType, "-"+label)
		if err != nil {
			return ConcentrationResult{}, fmt.Errorf("sensing: exporting %s: %w", label, err)
		}
	}

	res := acc.Add(label, stats)
	res.Directory = dir
	acc.results[len(acc.results)-1].Directory = dir
	g.logf("sensing: %s %s mean %.6g std %.3g corrected %.6g", cfg.Device, label, res.Mean, res.Std, res.Corrected)

	if g.plot != nil {
		labels, series := acc.Series()
		if err := g.plot.PlotMeanStd(labels, series, cfg.Device); err != nil {
			g.logf("sensing: summary plot failed: %v", err)
		}
	}
	g.notify(Progress{Label: label, Repetition: cfg.Repetitions, Repetitions: cfg.Repetitions, Result: &res})
	return res, nil
}
