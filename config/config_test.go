package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fetlab/fetbench/chart"
	"github.com/fetlab/fetbench/config"
	"github.com/fetlab/fetbench/sweep"
)

func nop(ctx context.Context) (sweep.Record, error) {
	return sweep.Record{}, nil
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	_, c, err := config.Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatal(err)
	}
	d := config.Defaults()
	if c.Stability.MaxSteps != d.Stability.MaxSteps || c.Diode.Left != d.Diode.Left {
		t.Errorf("expected defaults, got %+v", c)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "fetbench.yml")
	body := `Device: egofet7
Stability:
  MaxSteps: 40
  PlotKind: combined
  Labels: [PBS, 1nM]
Diode:
  Left: CH2
  Common: CH3
`
	if err := os.WriteFile(fn, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FETBENCH_STABILITY_RESTSECONDS", "2.5")
	t.Setenv("FETBENCH_INSTRUMENT_MOCK", "true")

	_, c, err := config.Load(fn)
	if err != nil {
		t.Fatal(err)
	}
	if c.Device != "egofet7" || c.Stability.MaxSteps != 40 {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.Diode.Left != "CH2" || c.Diode.Right != "CH1" {
		t.Errorf("expected a partial override of the diode channels, got %+v", c.Diode)
	}
	if !c.Instrument.Mock {
		t.Error("expected the environment to enable the mock")
	}

	sc, err := c.StabilityConfig(nop)
	if err != nil {
		t.Fatal(err)
	}
	if sc.RestDelay != 2500*time.Millisecond {
		t.Errorf("expected a rest of 2.5s, got %s", sc.RestDelay)
	}
	if sc.PlotKind != chart.Combined || len(sc.Labels) != 2 || sc.Device != "egofet7" {
		t.Errorf("unexpected stability config %+v", sc)
	}
}

func TestStabilityConfigRejectsBadKind(t *testing.T) {
	c := config.Defaults()
	c.Stability.PlotKind = "2"
	if _, err := c.StabilityConfig(nop); err == nil {
		t.Error("expected an integer plot mode to be rejected")
	}
}

func TestSensingConfig(t *testing.T) {
	c := config.Defaults()
	sc, err := c.SensingConfig(nop)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Repetitions != 20 || sc.ValidSteps != 6 || sc.RestDelay != 30*time.Second {
		t.Errorf("unexpected sensing defaults %+v", sc)
	}
	c.Sensing.ValidSteps = 21
	if _, err := c.SensingConfig(nop); err == nil {
		t.Error("expected ValidSteps > Repetitions to be rejected")
	}
}

func TestDefaultParamsValidate(t *testing.T) {
	d := config.Defaults()
	for name, err := range map[string]error{
		"diode": d.Diode.Validate(),
		"gate":  d.Gate.Validate(),
		"bias":  d.Bias.Validate(),
	} {
		if err != nil {
			t.Errorf("%s defaults: %v", name, err)
		}
	}
}
