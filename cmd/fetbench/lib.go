package main

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/tarm/serial"
	"github.com/theckman/yacspin"

	"github.com/fetlab/fetbench/comm"
	"github.com/fetlab/fetbench/config"
	"github.com/fetlab/fetbench/keithley"
	"github.com/fetlab/fetbench/ledger"
	"github.com/fetlab/fetbench/sensing"
	"github.com/fetlab/fetbench/stability"
)

// dialer builds the connection description for the analyzer
func dialer(i config.Instrument, exchange time.Duration) comm.Dialer {
	if i.SerialPort != "" {
		return comm.Dialer{Serial: &serial.Config{Name: i.SerialPort, Baud: i.Baud, ReadTimeout: exchange}}
	}
	return comm.Dialer{Addr: i.Addr}
}

// instrument connects to the analyzer, or to a simulated one served on a
// loopback socket.  The returned func releases everything.
func instrument(i config.Instrument) (*keithley.SMU, func(), error) {
	exchange, poll, measure := i.Timeouts()
	var cleanup []func()
	d := dialer(i, exchange)
	if i.Mock {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, nil, err
		}
		m := keithley.NewMock()
		go m.Serve(ln)
		cleanup = append(cleanup, func() { ln.Close() })
		d = comm.Dialer{Addr: ln.Addr().String()}
		log.Println("using a simulated analyzer at", ln.Addr())
	}
	k := keithley.NewKXCI(d, exchange)
	cleanup = append(cleanup, func() { k.Close() })
	done := func() {
		for j := len(cleanup) - 1; j >= 0; j-- {
			cleanup[j]()
		}
	}
	return keithley.NewSMU(k, poll, measure), done, nil
}

func newSpinner(msg string) *yacspin.Spinner {
	sp, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return sp
}

// stabilitySpinner shows the latest step on the spinner line
func stabilitySpinner(sp *yacspin.Spinner) stability.Observer {
	return stability.ObserverFunc(func(p stability.Progress) {
		msg := fmt.Sprintf("step %d  response %.6g V  delta %.3g V", p.Step, p.Response, p.Delta)
		if p.Evaluated {
			msg += fmt.Sprintf("  window std %.3g mean delta %.3g", p.Window.Std, p.Window.Mean)
		}
		sp.Message(msg)
	})
}

// sensingSpinner shows the sweep count of the current condition
func sensingSpinner(sp *yacspin.Spinner) sensing.Observer {
	return sensing.ObserverFunc(func(p sensing.Progress) {
		sp.Message(fmt.Sprintf("%s  sweep %d/%d", p.Label, p.Repetition, p.Repetitions))
	})
}

func printVerdict(res stability.Result) {
	c := color.New(color.FgGreen, color.Bold)
	switch res.Verdict {
	case stability.Exhausted:
		c = color.New(color.FgYellow, color.Bold)
	case stability.DeviceFault, stability.Continue:
		c = color.New(color.FgRed, color.Bold)
	}
	c.Printf("%s after %d steps", res.Verdict, res.Step)
	if res.Directory != "" {
		fmt.Printf(", saved to %s", res.Directory)
	}
	fmt.Println()
}

// openLedger returns nil when the ledger is disabled or cannot be opened;
// losing the index never stops a measurement
func openLedger(path string) *ledger.Ledger {
	if path == "" {
		return nil
	}
	l, err := ledger.Open(path)
	if err != nil {
		log.Println("run ledger unavailable:", err)
		return nil
	}
	return l
}
