/*Package stability drives repeated sweeps of a device until its response
settles, the budget runs out, or the device is found to be disconnected.

A run proceeds as:
	1.  one initial sweep (step 0), checked for the compliance sentinel that
		means the probes are not making contact
	2.  one sweep per step, each reduced to a scalar response; the absolute
		change from the previous step is kept alongside
	3.  once MinSteps have elapsed, the last EvalWindow responses and deltas
		(ending at the current step, never reaching back to step 0) are
		tested: population std of the responses < StdTol and mean of the
		deltas < MeanTol means the device is stable
	4.  a rest of RestDelay between sweeps

Every sweep is kept and handed to the exporter when the run stabilizes or
exhausts its budget.  Nothing is persisted on a device fault or a hard error.
*/
package stability

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/fetlab/fetbench/chart"
	"github.com/fetlab/fetbench/export"
	"github.com/fetlab/fetbench/mathx"
	"github.com/fetlab/fetbench/response"
	"github.com/fetlab/fetbench/sweep"
)

// Exporter persists a set of sweeps and returns the directory they went to
type Exporter interface {
	Export(sheets []export.Sheet, device, testType, comment string) (string, error)
}

// Plotter renders a progress snapshot of the history.  Failures are logged
// by the monitor and never end a run.
type Plotter interface {
	PlotProgress(history []sweep.Record, labels []string, testType string, step int, device string, kind chart.Kind) error
}

// Config holds the parameters of a stability run
type Config struct {
	// Sweep performs one sweep of the device
	Sweep sweep.Func

	// Extractor reduces each sweep to its response.  Nil means the mean
	// |VDL - VDR| over the last TailWindow samples.
	Extractor response.Extractor

	// RestDelay is the pause between sweeps
	RestDelay time.Duration

	// MaxSteps is the number of steps after the initial sweep
	MaxSteps int

	// TailWindow is the number of trailing samples averaged per sweep
	TailWindow int

	// EvalWindow is the number of recent responses and deltas tested
	EvalWindow int

	// MinSteps is the first step at which convergence is tested
	MinSteps int

	// StdTol bounds the population std of the response window
	StdTol float64

	// MeanTol bounds the mean of the delta window
	MeanTol float64

	// ReportEvery is the plotting cadence in steps, 0 disables plotting
	ReportEvery int

	// Sentinel is the value a channel reads at its compliance limit
	Sentinel float64

	// FaultChannels are checked against Sentinel on the initial sweep
	FaultChannels []string

	// Device, TestType and Comment name the exported results
	Device   string
	TestType string
	Comment  string

	// Labels and PlotKind are passed to the plotter
	Labels   []string
	PlotKind chart.Kind
}

// Defaults returns a Config with every numeric parameter at its usual value.
// Sweep must still be set.
func Defaults() Config {
	return Config{
		RestDelay:     30 * time.Second,
		MaxSteps:      100,
		TailWindow:    10,
		EvalWindow:    8,
		MinSteps:      10,
		StdTol:        5e-4,
		MeanTol:       2e-3,
		ReportEvery:   5,
		Sentinel:      20,
		FaultChannels: []string{sweep.IDL, sweep.IDR},
		TestType:      "stability",
		PlotKind:      chart.Difference}
}

// Validate checks the config can drive a run
func (c Config) Validate() error {
	switch {
	case c.Sweep == nil:
		return errors.New("stability: no sweep function")
	case c.MaxSteps < 1:
		return fmt.Errorf("stability: MaxSteps must be >= 1, got %d", c.MaxSteps)
	case c.EvalWindow < 1:
		return fmt.Errorf("stability: EvalWindow must be >= 1, got %d", c.EvalWindow)
	case c.MinSteps < 1:
		return fmt.Errorf("stability: MinSteps must be >= 1, got %d", c.MinSteps)
	case c.StdTol <= 0 || c.MeanTol <= 0:
		return errors.New("stability: tolerances must be positive")
	case c.RestDelay < 0:
		return errors.New("stability: negative rest delay")
	case c.ReportEvery < 0:
		return errors.New("stability: negative reporting cadence")
	}
	return nil
}

// Progress is reported to observers after every step
type Progress struct {
	Step     int
	Response float64
	// Delta is |response - previous response|, zero at step 0
	Delta float64

	// Window is the statistic over the recent steps; Evaluated is true when
	// it was tested against the tolerances
	Window    Window
	Evaluated bool

	Verdict Verdict
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

// Result is the outcome of a run
type Result struct {
	Verdict Verdict

	// Step is the step counter when the verdict was reached
	Step int

	// History holds every sweep, index 0 is the initial sweep
	History []sweep.Record

	// Responses holds one response per sweep
	Responses []float64

	// Deltas holds |Responses[i] - Responses[i-1]| at Deltas[i-1]
	Deltas []float64

	// Directory is where the history was exported, if it was
	Directory string
}

// Delta returns the step-to-step change belonging to step i >= 1
func (r Result) Delta(i int) float64 {
	return r.Deltas[i-1]
}

// Err maps the non-success verdicts to errors: nil for Stabilized,
// ErrStepBudgetExhausted for Exhausted, ErrDeviceNotConnected for DeviceFault
func (r Result) Err() error {
	switch r.Verdict {
	case Stabilized:
		return nil
	case Exhausted:
		return ErrStepBudgetExhausted
	case DeviceFault:
		return ErrDeviceNotConnected
	default:
		return errors.New("stability: run did not reach a verdict")
	}
}

// Window is the statistic over the steps From..To inclusive
type Window struct {
	From, To int

	// Std is the population std of the responses in the window
	Std float64

	// Mean is the mean of the deltas in the window
	Mean float64
}

// Evaluate computes the window statistic at step over responses (indexed by
// step) and deltas (delta of step i at deltas[i-1]).  The window is the last
// size steps ending at step; step 0 has no predecessor and is never part of
// it.  The bool is true when both tolerances are met.
func Evaluate(responses, deltas []float64, step, size int, stdTol, meanTol float64) (Window, bool) {
	from := step - size + 1
	if from < 1 {
		from = 1
	}
	w := Window{From: from, To: step}
	if step < 1 {
		w.Std, w.Mean = math.NaN(), math.NaN()
		return w, false
	}
	_, w.Std = mathx.MeanStd(mathx.Window(responses, from, step))
	w.Mean = mathx.Mean(mathx.Window(deltas, from-1, step-1))
	return w, w.Std < stdTol && w.Mean < meanTol
}

// Monitor runs the stability loop.  A Monitor is single use per Run call and
// must not be shared between goroutines while running.
type Monitor struct {
	cfg       Config
	exp       Exporter
	plot      Plotter
	observers []Observer

	// Logger receives progress lines, nil uses the log package default
	Logger *log.Logger
}

// New creates a Monitor.  exp and plot may be nil, which disables persistence
// and plotting respectively.
func New(cfg Config, exp Exporter, plot Plotter, obs ...Observer) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Extractor == nil {
		cfg.Extractor = response.TailMeanDifference{A: sweep.VDL, B: sweep.VDR, Window: cfg.TailWindow}
	}
	return &Monitor{cfg: cfg, exp: exp, plot: plot, observers: obs}, nil
}

func (m *Monitor) logf(format string, args ...interface{}) {
	if m.Logger != nil {
		m.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (m *Monitor) notify(p Progress) {
	for _, o := range m.observers {
		o.Observe(p)
	}
}

// contact returns a *DeviceFaultError if any fault channel peaks at the sentinel
func (m *Monitor) contact(rec sweep.Record) error {
	for _, ch := range m.cfg.FaultChannels {
		s, ok := rec.Series(ch)
		if !ok || len(s) == 0 {
			continue
		}
		if floats.Max(s) == m.cfg.Sentinel {
			return &DeviceFaultError{Channel: ch, Sentinel: m.cfg.Sentinel}
		}
	}
	return nil
}

func (m *Monitor) report(history []sweep.Record, step int) {
	if m.plot == nil {
		return
	}
	snap := make([]sweep.Record, len(history))
	copy(snap, history)
	err := m.plot.PlotProgress(snap, m.cfg.Labels, m.cfg.TestType, step, m.cfg.Device, m.cfg.PlotKind)
	if err != nil {
		m.logf("stability: progress plot at step %d failed: %v", step, err)
	}
}

func (m *Monitor) persist(res *Result) error {
	if m.exp == nil {
		return nil
	}
	dir, err := m.exp.Export(export.Indexed(res.History), m.cfg.Device, m.cfg.TestType, m.cfg.Comment)
	if err != nil {
		return fmt.Errorf("stability: exporting %d sweeps: %w", len(res.History), err)
	}
	res.Directory = dir
	return nil
}

func (m *Monitor) finish(res *Result, v Verdict, step int) error {
	res.Verdict = v
	res.Step = step
	err := m.persist(res)
	if err != nil {
		return err
	}
	m.logf("stability: %s %s at step %d, %d sweeps saved to %s", m.cfg.Device, v, step, len(res.History), res.Directory)
	return nil
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

// Run performs the stability loop.  A Stabilized or Exhausted run returns a
// nil error; a device fault returns a *DeviceFaultError; sweep, extraction,
// export and context errors are returned wrapped.  The Result is populated
// with whatever was collected in every case.
func (m *Monitor) Run(ctx context.Context) (Result, error) {
	res := Result{Verdict: Continue}
	cfg := m.cfg

	rec, err := cfg.Sweep(ctx)
	if err != nil {
		return res, fmt.Errorf("stability: initial sweep: %w", err)
	}
	res.History = append(res.History, rec)

	// contact is checked before the response is extracted, a clamped sweep
	// may have no response at all
	if err := m.contact(rec); err != nil {
		r, xerr := cfg.Extractor.Extract(rec)
		if xerr != nil {
			r = math.NaN()
		}
		res.Responses = append(res.Responses, math.Abs(r))
		res.Verdict = DeviceFault
		m.logf("stability: %s %v", cfg.Device, err)
		m.notify(Progress{Step: 0, Response: res.Responses[0], Verdict: DeviceFault})
		return res, err
	}
	r, err := cfg.Extractor.Extract(rec)
	if err != nil {
		return res, fmt.Errorf("stability: initial sweep: %w", err)
	}
	res.Responses = append(res.Responses, math.Abs(r))
	m.notify(Progress{Step: 0, Response: res.Responses[0], Verdict: Continue})

	for step := 1; ; step++ {
		if step > cfg.MaxSteps {
			err := m.finish(&res, Exhausted, step)
			m.notify(Progress{Step: step, Response: res.Responses[step-1], Verdict: Exhausted})
			return res, err
		}
		if cfg.ReportEvery > 0 && step%cfg.ReportEvery == 0 {
			m.report(res.History, step)
		}

		rec, err := cfg.Sweep(ctx)
		if err != nil {
			return res, fmt.Errorf("stability: sweep at step %d: %w", step, err)
		}
		res.History = append(res.History, rec)
		r, err := cfg.Extractor.Extract(rec)
		if err != nil {
			return res, fmt.Errorf("stability: response at step %d: %w", step, err)
		}
		r = math.Abs(r)
		delta := math.Abs(r - res.Responses[step-1])
		res.Responses = append(res.Responses, r)
		res.Deltas = append(res.Deltas, delta)

		p := Progress{Step: step, Response: r, Delta: delta, Verdict: Continue}
		var ok bool
		p.Window, ok = Evaluate(res.Responses, res.Deltas, step, cfg.EvalWindow, cfg.StdTol, cfg.MeanTol)
		p.Evaluated = step >= cfg.MinSteps
		m.logf("stability: step %d response %.6g delta %.3g window std %.3g mean delta %.3g",
			step, r, delta, p.Window.Std, p.Window.Mean)

		if p.Evaluated && ok {
			err := m.finish(&res, Stabilized, step)
			p.Verdict = Stabilized
			m.notify(p)
			return res, err
		}
		m.notify(p)

		if err := rest(ctx, cfg.RestDelay); err != nil {
			return res, fmt.Errorf("stability: resting after step %d: %w", step, err)
		}
	}
}
