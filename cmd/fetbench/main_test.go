package main

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/fetlab/fetbench/sensing"
	"github.com/fetlab/fetbench/sweep"
)

var errBoom = errors.New("boom")

type nopSpinner struct{ fails int }

func (n *nopSpinner) Start() error    { return nil }
func (n *nopSpinner) Stop() error     { return nil }
func (n *nopSpinner) StopFail() error { n.fails++; return nil }

func aggregator(t *testing.T, failAt int) *sensing.Aggregator {
	t.Helper()
	calls := 0
	cfg := sensing.Defaults()
	cfg.Sweep = func(ctx context.Context) (sweep.Record, error) {
		calls++
		if calls == failAt {
			return sweep.Record{}, errBoom
		}
		return sweep.NewRecord(
			sweep.Column{Name: sweep.VDL, Values: []float64{0.5}},
			sweep.Column{Name: sweep.VDR, Values: []float64{0.2}})
	}
	cfg.RestDelay = 0
	cfg.Repetitions = 2
	cfg.ValidSteps = 1
	cfg.Device = "dut"
	g, err := sensing.New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	g.Logger = log.New(io.Discard, "", 0)
	return g
}

func TestSenseRecordsEveryCondition(t *testing.T) {
	var got []string
	sp := &nopSpinner{}
	err := sense(context.Background(), aggregator(t, -1), []string{"PBS", "1nM"}, strings.NewReader("\n\n"), sp,
		func(i int, res sensing.ConcentrationResult) { got = append(got, res.Label) })
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "PBS,1nM" {
		t.Errorf("expected both conditions recorded in order, got %v", got)
	}
}

func TestSenseStopsAtFirstError(t *testing.T) {
	var got []int
	sp := &nopSpinner{}
	// the third sweep is the first of the second condition
	err := sense(context.Background(), aggregator(t, 3), []string{"PBS", "1nM", "10nM"}, strings.NewReader("\n\n\n"), sp,
		func(i int, res sensing.ConcentrationResult) { got = append(got, i) })
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected the sweep error to be returned, got %v", err)
	}
	if len(got) != 1 || got[0] != 0 {
		t.Errorf("expected only the baseline recorded, got %v", got)
	}
	if sp.fails != 1 {
		t.Errorf("expected the spinner to stop failed once, got %d", sp.fails)
	}
}

func TestSenseEndOfInput(t *testing.T) {
	err := sense(context.Background(), aggregator(t, -1), []string{"PBS"}, strings.NewReader(""), &nopSpinner{},
		func(int, sensing.ConcentrationResult) { t.Error("nothing should be recorded") })
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}
