// Package config holds the configuration of the fetbench command, layered
// from defaults, a YAML file and FETBENCH_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/fetlab/fetbench/chart"
	"github.com/fetlab/fetbench/sensing"
	"github.com/fetlab/fetbench/stability"
	"github.com/fetlab/fetbench/sweep"
)

// EnvPrefix marks environment variables which override the file, e.g.
// FETBENCH_STABILITY_MAXSTEPS=50
const EnvPrefix = "FETBENCH_"

// FileName is the default config file
const FileName = "fetbench.yml"

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Instrument describes how to reach the analyzer
type Instrument struct {
	// Addr is host:port of the KXCI socket
	Addr string `yaml:"Addr" koanf:"Addr"`

	// SerialPort, when not empty, is used instead of Addr
	SerialPort string `yaml:"SerialPort" koanf:"SerialPort"`
	Baud       int    `yaml:"Baud" koanf:"Baud"`

	// Mock runs against a simulated analyzer
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// TimeoutSeconds bounds one command exchange
	TimeoutSeconds float64 `yaml:"TimeoutSeconds" koanf:"TimeoutSeconds"`

	// PollSeconds is the interval between completion polls
	PollSeconds float64 `yaml:"PollSeconds" koanf:"PollSeconds"`

	// MeasureTimeoutSeconds bounds the wait for one sweep to complete
	MeasureTimeoutSeconds float64 `yaml:"MeasureTimeoutSeconds" koanf:"MeasureTimeoutSeconds"`
}

// Stability configures the stability command
type Stability struct {
	// Bias uses the constant bias measurement instead of the diode sweep
	Bias bool `yaml:"Bias" koanf:"Bias"`

	RestSeconds float64 `yaml:"RestSeconds" koanf:"RestSeconds"`
	MaxSteps    int     `yaml:"MaxSteps" koanf:"MaxSteps"`
	TailWindow  int     `yaml:"TailWindow" koanf:"TailWindow"`
	EvalWindow  int     `yaml:"EvalWindow" koanf:"EvalWindow"`
	MinSteps    int     `yaml:"MinSteps" koanf:"MinSteps"`
	StdTol      float64 `yaml:"StdTol" koanf:"StdTol"`
	MeanTol     float64 `yaml:"MeanTol" koanf:"MeanTol"`
	ReportEvery int     `yaml:"ReportEvery" koanf:"ReportEvery"`
	Sentinel    float64 `yaml:"Sentinel" koanf:"Sentinel"`

	// PlotKind is difference, leftright or combined
	PlotKind string   `yaml:"PlotKind" koanf:"PlotKind"`
	Labels   []string `yaml:"Labels" koanf:"Labels"`
	TestType string   `yaml:"TestType" koanf:"TestType"`
	Comment  string   `yaml:"Comment" koanf:"Comment"`
}

// Sensing configures the sensing command
type Sensing struct {
	Repetitions int     `yaml:"Repetitions" koanf:"Repetitions"`
	RestSeconds float64 `yaml:"RestSeconds" koanf:"RestSeconds"`
	ValidSteps  int     `yaml:"ValidSteps" koanf:"ValidSteps"`
	TailWindow  int     `yaml:"TailWindow" koanf:"TailWindow"`
	TestType    string  `yaml:"TestType" koanf:"TestType"`

	// Conditions are run in order, the first is the baseline
	Conditions []string `yaml:"Conditions" koanf:"Conditions"`
}

// Config is the whole configuration
type Config struct {
	Device string `yaml:"Device" koanf:"Device"`

	// Root is the directory results are written below
	Root string `yaml:"Root" koanf:"Root"`

	// Ledger is the path of the run database, empty disables it
	Ledger string `yaml:"Ledger" koanf:"Ledger"`

	// StatusAddr, when not empty, is where the status server listens
	StatusAddr string `yaml:"StatusAddr" koanf:"StatusAddr"`

	Instrument Instrument        `yaml:"Instrument" koanf:"Instrument"`
	Diode      sweep.DiodeParams `yaml:"Diode" koanf:"Diode"`
	Gate       sweep.GateParams  `yaml:"Gate" koanf:"Gate"`
	Bias       sweep.BiasParams  `yaml:"Bias" koanf:"Bias"`
	Stability  Stability         `yaml:"Stability" koanf:"Stability"`
	Sensing    Sensing           `yaml:"Sensing" koanf:"Sensing"`
}

// Defaults is the configuration before any file or environment is applied
func Defaults() Config {
	st := stability.Defaults()
	se := sensing.Defaults()
	return Config{
		Device: "device",
		Root:   ".",
		Ledger: "fetbench.db",
		Instrument: Instrument{
			Addr:                  "192.168.0.10:1225",
			Baud:                  9600,
			TimeoutSeconds:        20,
			PollSeconds:           1,
			MeasureTimeoutSeconds: 300,
		},
		Diode: sweep.DiodeParams{
			Left: "CH3", Right: "CH1", Common: "CH2",
			Start: 0, Stop: 1e-6, Step: 1e-8, Compliance: 10},
		Gate: sweep.GateParams{
			Gate: "CH1", Source: "CH2", Drain: "CH3",
			Vds: -0.1, VdsLimit: 0.1,
			VgStart: 0.2, VgStop: -0.6, VgStep: -0.01, VgLimit: 0.1,
			Speed: 2},
		Bias: sweep.BiasParams{
			Left: "CH1", Right: "CH3", Common: "CH2",
			Current: 1e-7, Compliance: 10, Readings: 10},
		Stability: Stability{
			RestSeconds: st.RestDelay.Seconds(),
			MaxSteps:    st.MaxSteps,
			TailWindow:  st.TailWindow,
			EvalWindow:  st.EvalWindow,
			MinSteps:    st.MinSteps,
			StdTol:      st.StdTol,
			MeanTol:     st.MeanTol,
			ReportEvery: st.ReportEvery,
			Sentinel:    st.Sentinel,
			PlotKind:    st.PlotKind.String(),
			Labels:      []string{},
			TestType:    st.TestType,
		},
		Sensing: Sensing{
			Repetitions: se.Repetitions,
			RestSeconds: se.RestDelay.Seconds(),
			ValidSteps:  se.ValidSteps,
			TailWindow:  se.TailWindow,
			TestType:    se.TestType,
			Conditions:  []string{"PBS"},
		},
	}
}

// Load layers the defaults, the YAML file at path (a missing file is not an
// error) and the environment.  The koanf instance is returned for printing.
func Load(path string) (*koanf.Koanf, Config, error) {
	k := koanf.New(".")
	var c Config
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return k, c, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return k, c, fmt.Errorf("error loading config %s: %w", path, err)
		}
	}

	// env keys are upper case and _ separated, match them back to the
	// case of the known keys
	known := map[string]string{}
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		s = strings.ReplaceAll(s, "_", ".")
		if key, ok := known[s]; ok {
			return key
		}
		return s
	}), nil)
	if err != nil {
		return k, c, err
	}
	err = k.Unmarshal("", &c)
	return k, c, err
}

// StabilityConfig builds the monitor configuration around sweep
func (c Config) StabilityConfig(fn sweep.Func) (stability.Config, error) {
	kind, err := chart.ParseKind(c.Stability.PlotKind)
	if err != nil {
		return stability.Config{}, err
	}
	s := c.Stability
	out := stability.Defaults()
	out.Sweep = fn
	out.RestDelay = seconds(s.RestSeconds)
	out.MaxSteps = s.MaxSteps
	out.TailWindow = s.TailWindow
	out.EvalWindow = s.EvalWindow
	out.MinSteps = s.MinSteps
	out.StdTol = s.StdTol
	out.MeanTol = s.MeanTol
	out.ReportEvery = s.ReportEvery
	out.Sentinel = s.Sentinel
	out.PlotKind = kind
	out.Labels = s.Labels
	out.Device = c.Device
	out.TestType = s.TestType
	out.Comment = s.Comment
	return out, out.Validate()
}

// SensingConfig builds the aggregator configuration around sweep
func (c Config) SensingConfig(fn sweep.Func) (sensing.Config, error) {
	s := c.Sensing
	out := sensing.Defaults()
	out.Sweep = fn
	out.Repetitions = s.Repetitions
	out.RestDelay = seconds(s.RestSeconds)
	out.ValidSteps = s.ValidSteps
	out.TailWindow = s.TailWindow
	out.Device = c.Device
	out.TestType = s.TestType
	return out, out.Validate()
}

// Timeouts returns the exchange timeout, poll interval and measurement
// timeout of the instrument
func (i Instrument) Timeouts() (exchange, poll, measure time.Duration) {
	return seconds(i.TimeoutSeconds), seconds(i.PollSeconds), seconds(i.MeasureTimeoutSeconds)
}
