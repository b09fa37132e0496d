package stability_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"testing"

	"github.com/fetlab/fetbench/chart"
	"github.com/fetlab/fetbench/export"
	"github.com/fetlab/fetbench/response"
	"github.com/fetlab/fetbench/stability"
	"github.com/fetlab/fetbench/sweep"
)

var quiet = log.New(io.Discard, "", 0)

var errBoom = errors.New("boom")

// scripted returns a sweep whose response is vals[call], failing with
// errBoom on call failAt (if failAt >= 0)
type scripted struct {
	vals     []float64
	idl, idr float64
	failAt   int
	calls    int
}

func (s *scripted) sweep(ctx context.Context) (sweep.Record, error) {
	i := s.calls
	s.calls++
	if s.failAt >= 0 && i == s.failAt {
		return sweep.Record{}, errBoom
	}
	v := s.vals[len(s.vals)-1]
	if i < len(s.vals) {
		v = s.vals[i]
	}
	idl, idr := s.idl, s.idr
	if idl == 0 {
		idl = 1e-6
	}
	if idr == 0 {
		idr = 1e-6
	}
	return sweep.NewRecord(
		sweep.Column{Name: sweep.VDL, Values: []float64{v, v}},
		sweep.Column{Name: sweep.VDR, Values: []float64{0, 0}},
		sweep.Column{Name: sweep.IDL, Values: []float64{1e-6, idl}},
		sweep.Column{Name: sweep.IDR, Values: []float64{1e-6, idr}})
}

type fakeExporter struct {
	calls  int
	sheets []export.Sheet
	err    error
}

func (f *fakeExporter) Export(sheets []export.Sheet, device, testType, comment string) (string, error) {
	f.calls++
	f.sheets = sheets
	if f.err != nil {
		return "", f.err
	}
	return "02192024-" + device + "-" + testType, nil
}

type fakePlotter struct {
	steps []int
	err   error
}

func (f *fakePlotter) PlotProgress(history []sweep.Record, labels []string, testType string, step int, device string, kind chart.Kind) error {
	f.steps = append(f.steps, step)
	return f.err
}

func config(src *scripted) stability.Config {
	cfg := stability.Defaults()
	cfg.Sweep = src.sweep
	cfg.RestDelay = 0
	cfg.Device = "dut"
	return cfg
}

func monitor(t *testing.T, cfg stability.Config, exp stability.Exporter, plt stability.Plotter, obs ...stability.Observer) *stability.Monitor {
	t.Helper()
	m, err := stability.New(cfg, exp, plt, obs...)
	if err != nil {
		t.Fatal(err)
	}
	m.Logger = quiet
	return m
}

// drifting for ten steps, then alternating within 0.2 mV
func settling() []float64 {
	var out []float64
	for i := 0; i < 10; i++ {
		out = append(out, 1-0.05*float64(i))
	}
	for i := 10; i < 40; i++ {
		if i%2 == 0 {
			out = append(out, 0.1)
		} else {
			out = append(out, 0.1002)
		}
	}
	return out
}

func TestRunStabilizes(t *testing.T) {
	src := &scripted{vals: settling(), failAt: -1}
	exp := &fakeExporter{}
	plt := &fakePlotter{}
	var seen []stability.Progress
	obs := stability.ObserverFunc(func(p stability.Progress) { seen = append(seen, p) })

	res, err := monitor(t, config(src), exp, plt, obs).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != stability.Stabilized {
		t.Fatalf("expected stabilized, got %s", res.Verdict)
	}
	// the delta into step 10 is large and leaves the window at step 18
	if res.Step != 18 {
		t.Errorf("expected stabilization at step 18, got %d", res.Step)
	}
	if len(res.History) != 19 || len(res.Responses) != 19 || len(res.Deltas) != 18 {
		t.Errorf("unexpected lengths: history %d responses %d deltas %d", len(res.History), len(res.Responses), len(res.Deltas))
	}
	if exp.calls != 1 || len(exp.sheets) != 19 {
		t.Errorf("expected one export of 19 sheets, got %d calls of %d", exp.calls, len(exp.sheets))
	}
	if exp.sheets[18].Key != "18" {
		t.Errorf("expected last sheet keyed 18, got %s", exp.sheets[18].Key)
	}
	if res.Directory == "" {
		t.Error("expected the export directory to be recorded")
	}
	if res.Err() != nil {
		t.Errorf("expected nil Err for a stabilized run, got %v", res.Err())
	}
	if fmt.Sprint(plt.steps) != "[5 10 15]" {
		t.Errorf("expected plots at 5, 10, 15, got %v", plt.steps)
	}
	if len(seen) != 19 {
		t.Fatalf("expected 19 progress reports, got %d", len(seen))
	}
	for _, p := range seen[:10] {
		if p.Evaluated {
			t.Errorf("step %d evaluated before MinSteps", p.Step)
		}
	}
	last := seen[len(seen)-1]
	if last.Verdict != stability.Stabilized || last.Window.From != 11 || last.Window.To != 18 {
		t.Errorf("unexpected final progress %+v", last)
	}
}

func TestRunDeltasMatchResponses(t *testing.T) {
	src := &scripted{vals: settling(), failAt: -1}
	res, err := monitor(t, config(src), nil, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(res.Responses); i++ {
		want := math.Abs(res.Responses[i] - res.Responses[i-1])
		if res.Delta(i) != want {
			t.Errorf("delta %d: expected %g, got %g", i, want, res.Delta(i))
		}
	}
}

func TestRunExhausts(t *testing.T) {
	vals := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7}
	src := &scripted{vals: vals, failAt: -1}
	cfg := config(src)
	cfg.MaxSteps = 5
	cfg.MinSteps = 1
	exp := &fakeExporter{}

	res, err := monitor(t, cfg, exp, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("an exhausted run is not an error, got %v", err)
	}
	if res.Verdict != stability.Exhausted {
		t.Fatalf("expected exhausted, got %s", res.Verdict)
	}
	if res.Step != 6 {
		t.Errorf("expected the counter to stop at MaxSteps+1 = 6, got %d", res.Step)
	}
	if src.calls != 6 || len(res.History) != 6 {
		t.Errorf("expected 6 sweeps, got %d calls and %d records", src.calls, len(res.History))
	}
	if exp.calls != 1 || len(exp.sheets) != 6 {
		t.Errorf("expected the history to be exported, got %d calls of %d sheets", exp.calls, len(exp.sheets))
	}
	if !errors.Is(res.Err(), stability.ErrStepBudgetExhausted) {
		t.Errorf("expected ErrStepBudgetExhausted, got %v", res.Err())
	}
}

func TestRunDeviceFault(t *testing.T) {
	src := &scripted{vals: []float64{0.1}, idl: 20, failAt: -1}
	exp := &fakeExporter{}
	var verdicts []stability.Verdict
	obs := stability.ObserverFunc(func(p stability.Progress) { verdicts = append(verdicts, p.Verdict) })

	res, err := monitor(t, config(src), exp, nil, obs).Run(context.Background())
	if !errors.Is(err, stability.ErrDeviceNotConnected) {
		t.Fatalf("expected ErrDeviceNotConnected, got %v", err)
	}
	var fault *stability.DeviceFaultError
	if !errors.As(err, &fault) || fault.Channel != sweep.IDL {
		t.Errorf("expected a fault on %s, got %v", sweep.IDL, err)
	}
	if res.Verdict != stability.DeviceFault {
		t.Errorf("expected device fault verdict, got %s", res.Verdict)
	}
	if src.calls != 1 || len(res.History) != 1 {
		t.Errorf("expected a single sweep, got %d", src.calls)
	}
	if exp.calls != 0 {
		t.Error("nothing should be exported on a device fault")
	}
	if len(verdicts) != 1 || verdicts[0] != stability.DeviceFault {
		t.Errorf("expected one DeviceFault report, got %v", verdicts)
	}
}

func TestRunDeviceFaultOnRight(t *testing.T) {
	src := &scripted{vals: []float64{0.1}, idr: 20, failAt: -1}
	res, err := monitor(t, config(src), &fakeExporter{}, nil).Run(context.Background())
	var fault *stability.DeviceFaultError
	if !errors.As(err, &fault) || fault.Channel != sweep.IDR {
		t.Fatalf("expected a fault on %s, got %v", sweep.IDR, err)
	}
	if res.Verdict != stability.DeviceFault || src.calls != 1 {
		t.Errorf("expected a device fault after one sweep, got %s after %d", res.Verdict, src.calls)
	}
}

func TestRunDeviceFaultBeforeExtraction(t *testing.T) {
	calls := 0
	cfg := stability.Defaults()
	cfg.RestDelay = 0
	cfg.Device = "dut"
	cfg.Sweep = func(ctx context.Context) (sweep.Record, error) {
		calls++
		return sweep.NewRecord(
			sweep.Column{Name: sweep.VDL, Values: []float64{0.1, 0.2, 0.3}},
			sweep.Column{Name: sweep.VDR, Values: []float64{0.1, 0.2, 0.3}},
			sweep.Column{Name: sweep.IDL, Values: []float64{20, 20, 20}},
			sweep.Column{Name: sweep.IDR, Values: []float64{20, 20, 20}})
	}
	// a flat current axis has no slope to interpolate on
	cfg.Extractor = response.ValueAtReference{X: sweep.IDL, Y: sweep.VDL, Ref: 20}

	res, err := monitor(t, cfg, &fakeExporter{}, nil).Run(context.Background())
	if !errors.Is(err, stability.ErrDeviceNotConnected) {
		t.Fatalf("expected ErrDeviceNotConnected, got %v", err)
	}
	if res.Verdict != stability.DeviceFault || calls != 1 {
		t.Errorf("expected a device fault after one sweep, got %s after %d", res.Verdict, calls)
	}
	if len(res.Responses) != len(res.History) {
		t.Errorf("responses and history out of step: %d vs %d", len(res.Responses), len(res.History))
	}
}

func TestRunSweepErrorIsWrapped(t *testing.T) {
	src := &scripted{vals: settling(), failAt: 3}
	exp := &fakeExporter{}
	res, err := monitor(t, config(src), exp, nil).Run(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected the sweep error, got %v", err)
	}
	if len(res.History) != 3 {
		t.Errorf("expected 3 sweeps kept, got %d", len(res.History))
	}
	if exp.calls != 0 {
		t.Error("nothing should be exported after a sweep error")
	}
}

func TestRunMissingChannel(t *testing.T) {
	cfg := config(&scripted{vals: []float64{0.1}, failAt: -1})
	cfg.Extractor = response.TailMean{Channel: sweep.Ids, Window: 5}
	_, err := monitor(t, cfg, nil, nil).Run(context.Background())
	if !errors.Is(err, response.ErrMissingChannel) {
		t.Errorf("expected ErrMissingChannel, got %v", err)
	}
}

func TestRunPlotErrorsAreNotFatal(t *testing.T) {
	src := &scripted{vals: settling(), failAt: -1}
	plt := &fakePlotter{err: errBoom}
	res, err := monitor(t, config(src), nil, plt).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != stability.Stabilized || len(plt.steps) == 0 {
		t.Errorf("expected the run to finish despite plot failures, got %s after %d plots", res.Verdict, len(plt.steps))
	}
}

func TestRunExportError(t *testing.T) {
	src := &scripted{vals: settling(), failAt: -1}
	exp := &fakeExporter{err: errBoom}
	res, err := monitor(t, config(src), exp, nil).Run(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected the export error, got %v", err)
	}
	if res.Verdict != stability.Stabilized {
		t.Errorf("the verdict stands even when saving fails, got %s", res.Verdict)
	}
}

func TestRunCancel(t *testing.T) {
	src := &scripted{vals: settling(), failAt: -1}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := stability.ObserverFunc(func(p stability.Progress) {
		if p.Step == 2 {
			cancel()
		}
	})
	exp := &fakeExporter{}
	_, err := monitor(t, config(src), exp, nil, obs).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if src.calls != 3 {
		t.Errorf("expected to stop after step 2, got %d sweeps", src.calls)
	}
	if exp.calls != 0 {
		t.Error("a cancelled run should not be exported")
	}
}

func TestEvaluateWindowAlignment(t *testing.T) {
	responses := make([]float64, 13)
	deltas := make([]float64, 12)
	for i := range deltas {
		deltas[i] = float64(i + 1)
	}
	w, ok := stability.Evaluate(responses, deltas, 12, 8, 1, 1)
	if ok {
		t.Error("mean delta 8.5 should not pass a tolerance of 1")
	}
	if w.From != 5 || w.To != 12 {
		t.Errorf("expected window 5..12, got %d..%d", w.From, w.To)
	}
	if w.Mean != 8.5 || w.Std != 0 {
		t.Errorf("expected mean 8.5 std 0, got mean %g std %g", w.Mean, w.Std)
	}
}

func TestEvaluateShortHistory(t *testing.T) {
	responses := []float64{5, 0.1, 0.1, 0.1}
	deltas := []float64{4.9, 0, 0}
	w, _ := stability.Evaluate(responses, deltas, 3, 8, 1e-3, 1e-3)
	if w.From != 1 {
		t.Errorf("step 0 must never enter the window, got From=%d", w.From)
	}
}

func TestEvaluatePasses(t *testing.T) {
	responses := []float64{0, 0.1, 0.1002, 0.1, 0.1002}
	deltas := []float64{0.1, 0.0002, 0.0002, 0.0002}
	_, ok := stability.Evaluate(responses, deltas, 4, 3, 5e-4, 2e-3)
	if !ok {
		t.Error("expected a quiet window to pass")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := stability.Defaults()
	if cfg.Validate() == nil {
		t.Error("a config without a sweep should not validate")
	}
	cfg.Sweep = (&scripted{vals: []float64{0}}).sweep
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	cfg.MaxSteps = 0
	if cfg.Validate() == nil {
		t.Error("MaxSteps of 0 should not validate")
	}
}

func ExampleVerdict_Terminal() {
	for _, v := range []stability.Verdict{stability.Continue, stability.Stabilized, stability.Exhausted, stability.DeviceFault} {
		fmt.Println(v, v.Terminal())
	}
	// Output:
	// continue false
	// stabilized true
	// exhausted true
	// device fault true
}
