package keithley

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fetlab/fetbench/sweep"
)

// ErrTimeout is generated when the analyzer does not report completion
// before SMU.Timeout
var ErrTimeout = errors.New("measurement did not complete in time")

func num(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// column maps a record channel to the KXCI name it is read back from
type column struct {
	channel, kxci string
}

var (
	diodeColumns = []column{{sweep.VDL, "VDL"}, {sweep.VDR, "VDR"}, {sweep.IDL, "IDL"}, {sweep.IDR, "IDR"}}
	gateColumns  = []column{{sweep.Ids, "ID"}, {sweep.Igs, "IG"}, {sweep.Vgs, "VG"}, {sweep.Vds, "VD"}}
)

// DiodeProgram returns the commands which set up and start a diode sweep.
// Right is defined and sourced first, then Left; both sweep the same current.
func DiodeProgram(p sweep.DiodeParams) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ir := "IR1, " + num(p.Start) + ", " + num(p.Stop) + ", " + num(p.Step) + ", " + num(p.Compliance)
	return []string{
		"DE",
		string(p.Right) + ", 'VDR', 'IDR', 2, 1",
		string(p.Common) + ", 'VG', 'IG', 3, 3",
		"SS",
		ir,
		"HT 0.001",
		"DT 0.001",
		"IT2",
		"RS 5",
		"DE",
		string(p.Left) + ", 'VDL', 'IDL', 2, 1",
		"SS",
		ir,
		"HT 0.001",
		"DT 0.001",
		"IT2",
		"RS 5",
		"SM",
		"DM1",
		"XN 'IDL', 1, " + num(p.Start) + ", " + num(p.Stop),
		"YA 'VDL', 1, 0, 20",
		"YB 'VDR', 1, 0, 20",
		"MD",
		"ME1",
	}, nil
}

// GateProgram returns the commands which set up and start a transfer sweep
func GateProgram(p sweep.GateParams) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	g, _ := p.Gate.Number()
	d, _ := p.Drain.Number()
	s, _ := p.Source.Number()
	return []string{
		"DE",
		string(p.Gate) + ", 'VG', 'IG', 1, 1",
		string(p.Drain) + ", 'VD', 'ID', 1, 3",
		string(p.Source) + ", 'VS', 'IS', 1, 3",
		"SS",
		fmt.Sprintf("VR%d, %s, %s, %s, %s", g, num(p.VgStart), num(p.VgStop), num(p.VgStep), num(p.VgLimit)),
		fmt.Sprintf("VC%d, %s, %s", d, num(p.Vds), num(p.VdsLimit)),
		fmt.Sprintf("VC%d, 0, 0.1", s),
		"HT 0",
		"DT 0.001",
		"IT" + strconv.Itoa(p.Speed),
		"RS 5",
		"RG 1, 1e-9",
		"RG 2, 1e-9",
		"SM",
		"DM1",
		"XN 'VG', 1, " + num(p.VgStart) + ", " + num(p.VgStop),
		"YA 'ID', 1, 0, 0.04",
		"YB 'IG', 1, 0, 0.04",
		"MD",
		"ME1",
	}, nil
}

// BiasProgram returns the commands which bias a diode pair at a constant
// current and sample it Readings times
func BiasProgram(p sweep.BiasParams) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ic := "IC1, " + num(p.Current) + ", " + num(p.Compliance)
	return []string{
		"DE",
		string(p.Right) + ", 'VDR', 'IDR', 2, 3",
		string(p.Common) + ", 'VG', 'IG', 3, 3",
		"SS",
		ic,
		"HT 0.001",
		"DT 0.001",
		"IT2",
		"RS 5",
		"DE",
		string(p.Left) + ", 'VDL', 'IDL', 2, 3",
		"SS",
		ic,
		"HT 0",
		"DT 0.001",
		"IT2",
		"RS 5",
		"SM",
		"DM1",
		"XN 'IDL', 1, 0, " + num(p.Current),
		"YA 'VDL', 1, 0, 20",
		"YB 'VDR', 1, 0, 20",
		"NR " + strconv.Itoa(p.Readings),
		"MD",
		"ME1",
	}, nil
}

// SMU runs sweeps on the analyzer.  It satisfies sweep.Source.
type SMU struct {
	Q Querier

	// Poll limits the rate of SP status queries while a measurement runs
	Poll *rate.Limiter

	// Timeout bounds the wait for a measurement to complete
	Timeout time.Duration
}

// NewSMU returns an SMU polling every poll, giving up after timeout
func NewSMU(q Querier, poll, timeout time.Duration) *SMU {
	return &SMU{Q: q, Poll: rate.NewLimiter(rate.Every(poll), 1), Timeout: timeout}
}

func (s *SMU) send(ctx context.Context, program []string) error {
	for _, cmd := range program {
		if _, err := s.Q.Query(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Wait polls SP until the analyzer reports status 1
func (s *SMU) Wait(ctx context.Context) error {
	wctx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	for {
		if err := s.Poll.Wait(wctx); err != nil {
			// the limiter gives up early when the next token falls past
			// the deadline
			<-wctx.Done()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w after %s", ErrTimeout, s.Timeout)
		}
		resp, err := s.Q.Query(wctx, "SP")
		if err != nil {
			if ctx.Err() == nil && wctx.Err() != nil {
				return fmt.Errorf("%w after %s", ErrTimeout, s.Timeout)
			}
			return err
		}
		status, err := strconv.Atoi(strings.TrimSpace(resp))
		if err != nil {
			return fmt.Errorf("kxci: bad status %q: %w", resp, err)
		}
		if status == 1 {
			return nil
		}
	}
}

func (s *SMU) fetch(ctx context.Context, cols []column) (sweep.Record, error) {
	out := make([]sweep.Column, 0, len(cols))
	for _, c := range cols {
		resp, err := s.Q.Query(ctx, "DO '"+c.kxci+"'")
		if err != nil {
			return sweep.Record{}, err
		}
		vals, err := ParseSeries(resp)
		if err != nil {
			return sweep.Record{}, fmt.Errorf("%s: %w", c.channel, err)
		}
		out = append(out, sweep.Column{Name: c.channel, Values: vals})
	}
	return sweep.NewRecord(out...)
}

func (s *SMU) measure(ctx context.Context, program []string, cols []column) (sweep.Record, error) {
	if err := s.send(ctx, program); err != nil {
		return sweep.Record{}, err
	}
	if err := s.Wait(ctx); err != nil {
		return sweep.Record{}, err
	}
	return s.fetch(ctx, cols)
}

// DiodeSweep sweeps the current through a diode pair and returns
// VDL, VDR, IDL, IDR
func (s *SMU) DiodeSweep(ctx context.Context, p sweep.DiodeParams) (sweep.Record, error) {
	prog, err := DiodeProgram(p)
	if err != nil {
		return sweep.Record{}, err
	}
	return s.measure(ctx, prog, diodeColumns)
}

// GateSweep sweeps the gate voltage at constant Vds and returns
// Ids, Igs, Vgs, Vds
func (s *SMU) GateSweep(ctx context.Context, p sweep.GateParams) (sweep.Record, error) {
	prog, err := GateProgram(p)
	if err != nil {
		return sweep.Record{}, err
	}
	return s.measure(ctx, prog, gateColumns)
}

// ConstantBias biases a diode pair and returns Readings samples of
// VDL, VDR, IDL, IDR
func (s *SMU) ConstantBias(ctx context.Context, p sweep.BiasParams) (sweep.Record, error) {
	prog, err := BiasProgram(p)
	if err != nil {
		return sweep.Record{}, err
	}
	return s.measure(ctx, prog, diodeColumns)
}

// Bias adapts ConstantBias to a sweep.Func
func (s *SMU) Bias(p sweep.BiasParams) sweep.Func {
	return func(ctx context.Context) (sweep.Record, error) {
		return s.ConstantBias(ctx, p)
	}
}
