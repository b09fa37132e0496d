package sweep

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadChannel is generated when a channel is not of the form CH1..CH8
var ErrBadChannel = errors.New("channel must be of the form CHn, 1 <= n <= 8")

// Channel names an SMU channel on the analyzer, e.g. "CH1"
type Channel string

// Number returns the numeric part of the channel, CH3 => 3
func (c Channel) Number() (int, error) {
	s := strings.ToUpper(string(c))
	if !strings.HasPrefix(s, "CH") {
		return 0, fmt.Errorf("%w: %q", ErrBadChannel, string(c))
	}
	n, err := strconv.Atoi(s[2:])
	if err != nil || n < 1 || n > 8 {
		return 0, fmt.Errorf("%w: %q", ErrBadChannel, string(c))
	}
	return n, nil
}

func distinct(chans ...Channel) error {
	seen := map[int]bool{}
	for _, c := range chans {
		n, err := c.Number()
		if err != nil {
			return err
		}
		if seen[n] {
			return fmt.Errorf("channel %s assigned twice", c)
		}
		seen[n] = true
	}
	return nil
}

// DiodeParams configures a sweep of two diode-connected transistors sharing a
// common terminal.  The current is swept from Start to Stop in Step on both
// Left and Right, the voltages of both are measured against Common.
type DiodeParams struct {
	Left   Channel `yaml:"Left" koanf:"Left"`
	Right  Channel `yaml:"Right" koanf:"Right"`
	Common Channel `yaml:"Common" koanf:"Common"`

	// Start, Stop and Step are in amps
	Start float64 `yaml:"Start" koanf:"Start"`
	Stop  float64 `yaml:"Stop" koanf:"Stop"`
	Step  float64 `yaml:"Step" koanf:"Step"`

	// Compliance is the voltage compliance in volts
	Compliance float64 `yaml:"Compliance" koanf:"Compliance"`
}

// Validate checks channel assignment and the sweep range
func (p DiodeParams) Validate() error {
	if err := distinct(p.Left, p.Right, p.Common); err != nil {
		return err
	}
	return checkRange(p.Start, p.Stop, p.Step)
}

// GateParams configures a transfer sweep of a transistor: the gate voltage is
// swept while the drain is held at Vds.
type GateParams struct {
	Gate   Channel `yaml:"Gate" koanf:"Gate"`
	Source Channel `yaml:"Source" koanf:"Source"`
	Drain  Channel `yaml:"Drain" koanf:"Drain"`

	Vds      float64 `yaml:"Vds" koanf:"Vds"`
	VdsLimit float64 `yaml:"VdsLimit" koanf:"VdsLimit"`

	VgStart float64 `yaml:"VgStart" koanf:"VgStart"`
	VgStop  float64 `yaml:"VgStop" koanf:"VgStop"`
	VgStep  float64 `yaml:"VgStep" koanf:"VgStep"`
	VgLimit float64 `yaml:"VgLimit" koanf:"VgLimit"`

	// Speed is the integration time setting, 1 (short) to 3 (long)
	Speed int `yaml:"Speed" koanf:"Speed"`
}

// Validate checks channel assignment, the sweep range and the speed
func (p GateParams) Validate() error {
	if err := distinct(p.Gate, p.Source, p.Drain); err != nil {
		return err
	}
	if p.Speed < 1 || p.Speed > 3 {
		return fmt.Errorf("integration speed %d outside 1..3", p.Speed)
	}
	return checkRange(p.VgStart, p.VgStop, p.VgStep)
}

// BiasParams configures a constant current bias of a diode pair, sampled
// Readings times
type BiasParams struct {
	Left   Channel `yaml:"Left" koanf:"Left"`
	Right  Channel `yaml:"Right" koanf:"Right"`
	Common Channel `yaml:"Common" koanf:"Common"`

	Current    float64 `yaml:"Current" koanf:"Current"`
	Compliance float64 `yaml:"Compliance" koanf:"Compliance"`
	Readings   int     `yaml:"Readings" koanf:"Readings"`
}

// Validate checks channel assignment and the reading count
func (p BiasParams) Validate() error {
	if err := distinct(p.Left, p.Right, p.Common); err != nil {
		return err
	}
	if p.Readings < 1 {
		return fmt.Errorf("readings must be >= 1, got %d", p.Readings)
	}
	return nil
}

func checkRange(start, stop, step float64) error {
	if step == 0 {
		return errors.New("sweep step must be nonzero")
	}
	if start == stop {
		return errors.New("sweep start and stop are equal")
	}
	if (stop-start)/step < 0 {
		return fmt.Errorf("sweep step %g points away from stop %g", step, stop)
	}
	return nil
}
