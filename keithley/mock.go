package keithley

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/fetlab/fetbench/mathx"
)

// Mock simulates an analyzer at the KXCI level.  It can be queried directly
// or served over TCP with Serve.
//
// Diode pairs settle exponentially from one measurement to the next, the left
// diode carrying the drift.  Transfer sweeps follow the square law above
// Vth.  When Disconnected, every current channel reads Sentinel.
type Mock struct {
	// Pending is the number of SP polls answered 0 before 1
	Pending int

	// Drift and Tau describe the settling of |VDL - VDR|: Drift*exp(-n/Tau)
	// at the nth measurement
	Drift, Tau float64

	// Noise is the std of gaussian noise added to every voltage
	Noise float64

	// Vth and K are the transfer curve parameters, Id = K (Vg - Vth)^2
	Vth, K float64

	Disconnected bool
	Sentinel     float64

	mu       sync.Mutex
	rng      *rand.Rand
	defined  map[string]bool
	var1     []float64
	constant float64
	vds      float64
	readings int
	data     map[string][]float64
	polls    int
	runs     int
	log      []string
}

// NewMock returns a Mock with a settling diode pair and an n-type transfer
// curve
func NewMock() *Mock {
	return &Mock{
		Pending:  2,
		Drift:    0.01,
		Tau:      4,
		Noise:    2e-5,
		Vth:      0.7,
		K:        1e-4,
		Sentinel: 20,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// Commands returns every command received so far
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.log))
	copy(out, m.log)
	return out
}

// Runs is the number of measurements started
func (m *Mock) Runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

// Query satisfies Querier
func (m *Mock) Query(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.Handle(cmd), nil
}

// Serve answers KXCI on every connection accepted from ln until ln is closed
func (m *Mock) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			sc := bufio.NewScanner(conn)
			sc.Buffer(make([]byte, 4096), 1<<20)
			for sc.Scan() {
				reply := m.Handle(strings.TrimSpace(sc.Text()))
				if _, err := conn.Write([]byte(reply + "\n")); err != nil {
					return
				}
			}
		}()
	}
}

func fields(args string) []string {
	parts := strings.Split(args, ",")
	for i := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(parts[i]), "'")
	}
	return parts
}

func floats(parts []string) ([]float64, error) {
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func span(start, stop, step float64) []float64 {
	n := int(math.Round((stop-start)/step)) + 1
	if n < 1 {
		n = 1
	}
	out := make([]float64, n)
	for i := range out {
		// setpoints are programmed to a resolution well below the step
		out[i] = mathx.Round(start+float64(i)*step, math.Abs(step)/100)
	}
	return out
}

// Handle processes one command and returns the reply
func (m *Mock) Handle(cmd string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(1))
	}
	m.log = append(m.log, cmd)
	upper := strings.ToUpper(cmd)
	switch {
	case upper == "DE":
		if m.defined == nil {
			m.defined = map[string]bool{}
		}
		return "ACK"
	case strings.HasPrefix(upper, "CH"):
		parts := fields(cmd)
		if len(parts) < 5 {
			return "ERR channel definition"
		}
		if m.defined == nil {
			m.defined = map[string]bool{}
		}
		m.defined[parts[1]] = true
		m.defined[parts[2]] = true
		return "ACK"
	case strings.HasPrefix(upper, "IR"), strings.HasPrefix(upper, "VR"):
		v, err := floats(fields(cmd[strings.Index(cmd, ",")+1:]))
		if err != nil || len(v) < 3 || v[2] == 0 {
			return "ERR sweep setup"
		}
		m.var1 = span(v[0], v[1], v[2])
		m.readings = 0
		return "ACK"
	case strings.HasPrefix(upper, "IC"):
		v, err := floats(fields(cmd[strings.Index(cmd, ",")+1:]))
		if err != nil || len(v) < 1 {
			return "ERR constant setup"
		}
		m.constant = v[0]
		m.var1 = nil
		return "ACK"
	case strings.HasPrefix(upper, "VC"):
		v, err := floats(fields(cmd[strings.Index(cmd, ",")+1:]))
		if err != nil || len(v) < 1 {
			return "ERR constant setup"
		}
		if v[0] != 0 {
			m.vds = v[0]
		}
		return "ACK"
	case strings.HasPrefix(upper, "NR"):
		n, err := strconv.Atoi(strings.TrimSpace(cmd[2:]))
		if err != nil || n < 1 {
			return "ERR readings"
		}
		m.readings = n
		return "ACK"
	case upper == "ME1":
		m.measure()
		m.defined = nil
		return "ACK"
	case upper == "SP":
		if m.polls > 0 {
			m.polls--
			return "0"
		}
		return "1"
	case strings.HasPrefix(upper, "DO"):
		name := strings.Trim(strings.TrimSpace(cmd[2:]), "'")
		d, ok := m.data[name]
		if !ok {
			return "ERR no data for " + name
		}
		return m.format(name, d)
	case upper == "SS", upper == "SM", upper == "MD", strings.HasPrefix(upper, "DM"),
		strings.HasPrefix(upper, "HT"), strings.HasPrefix(upper, "DT"), strings.HasPrefix(upper, "IT"),
		strings.HasPrefix(upper, "RS"), strings.HasPrefix(upper, "RG"), strings.HasPrefix(upper, "XN"),
		strings.HasPrefix(upper, "YA"), strings.HasPrefix(upper, "YB"):
		return "ACK"
	}
	return "ERR unknown command " + cmd
}

func (m *Mock) format(name string, d []float64) string {
	current := strings.HasPrefix(name, "I")
	parts := make([]string, len(d))
	for i, v := range d {
		status := "N"
		if current && m.Disconnected {
			status = "C"
		}
		parts[i] = status + strconv.FormatFloat(v, 'E', 6, 64)
	}
	return strings.Join(parts, ",")
}

func (m *Mock) noise() float64 {
	return m.rng.NormFloat64() * m.Noise
}

// diode is the forward voltage of a diode connected transistor at current i
func diode(i, offset float64) float64 {
	return offset + 0.05*math.Log1p(math.Abs(i)/1e-9)
}

func (m *Mock) measure() {
	m.polls = m.Pending
	n := float64(m.runs)
	m.runs++
	m.data = map[string][]float64{}

	if m.defined["VG"] && m.defined["VD"] {
		vg := m.var1
		id := make([]float64, len(vg))
		ig := make([]float64, len(vg))
		vd := make([]float64, len(vg))
		for i, v := range vg {
			if v > m.Vth {
				id[i] = m.K * (v - m.Vth) * (v - m.Vth)
			}
			ig[i] = 1e-12 * v
			vd[i] = m.vds
		}
		m.data["VG"], m.data["ID"], m.data["IG"], m.data["VD"] = vg, id, ig, vd
		return
	}

	currents := m.var1
	if currents == nil {
		k := m.readings
		if k < 1 {
			k = 1
		}
		currents = make([]float64, k)
		for i := range currents {
			currents[i] = m.constant
		}
	}
	drift := 0.
	if m.Tau > 0 {
		drift = m.Drift * math.Exp(-n/m.Tau)
	}
	vdl := make([]float64, len(currents))
	vdr := make([]float64, len(currents))
	idl := make([]float64, len(currents))
	idr := make([]float64, len(currents))
	for i, c := range currents {
		vdl[i] = diode(c, 0.02+drift) + m.noise()
		vdr[i] = diode(c, 0) + m.noise()
		idl[i], idr[i] = c, c
		if m.Disconnected {
			idl[i], idr[i] = m.Sentinel, m.Sentinel
		}
	}
	m.data["VDL"], m.data["VDR"], m.data["IDL"], m.data["IDR"] = vdl, vdr, idl, idr
}

// String describes the simulated state
func (m *Mock) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("mock analyzer: %d measurements, disconnected=%v", m.runs, m.Disconnected)
}
