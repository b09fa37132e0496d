/*Package keithley drives a Keithley 4200-class parameter analyzer with its
KXCI command set.

KXCI is line oriented: every command is answered with one line.  A
measurement is configured page by page (DE channel definition, SS source
setup, SM measurement setup), started with ME1, and then polled with SP until
the analyzer reports it is done.  Measured channels are read back by name
with DO, each reading prefixed by a status letter:

	N  normal
	L  interval too short
	V  overflow
	X  oscillation
	C  compliance
	T  other
*/
package keithley

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fetlab/fetbench/comm"
)

// Querier sends one command and returns the one-line reply
type Querier interface {
	Query(ctx context.Context, cmd string) (string, error)
}

// CommandError is generated when the analyzer rejects a command
type CommandError struct {
	Cmd   string
	Reply string
}

// Error satisfies stdlib error interface
func (e *CommandError) Error() string {
	return fmt.Sprintf("kxci: %q rejected: %s", e.Cmd, e.Reply)
}

// KXCI is a Querier over a connection pool.  Exchanges are serialized, the
// analyzer runs one program at a time.
type KXCI struct {
	Pool *comm.Pool

	// Timeout bounds each exchange
	Timeout time.Duration

	mu sync.Mutex
}

// NewKXCI returns a KXCI which dials d on demand and keeps the connection
// open for a minute after its last use
func NewKXCI(d comm.Dialer, timeout time.Duration) *KXCI {
	return &KXCI{Pool: comm.NewPool(1, time.Minute, d.Dial), Timeout: timeout}
}

// Query sends cmd and returns the reply with surrounding whitespace removed.
// A reply beginning with ERR is returned with a *CommandError.
func (k *KXCI) Query(ctx context.Context, cmd string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	conn, err := k.Pool.Get(ctx)
	if err != nil {
		return "", err
	}
	// err tracks the health of the connection, a rejected command does not
	// spoil it
	defer func() { k.Pool.ReturnWithError(conn, err) }()

	timeout := k.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout || timeout == 0 {
			timeout = d
		}
	}
	var rw io.ReadWriter
	rw, err = comm.NewTimeout(conn, timeout)
	if err != nil {
		return "", err
	}
	term := comm.NewTerminator(rw, '\n', '\n')
	if _, err = io.WriteString(term, cmd); err != nil {
		return "", fmt.Errorf("kxci: sending %q: %w", cmd, err)
	}
	line, err := term.ReadLine()
	if err != nil {
		return "", fmt.Errorf("kxci: reply to %q: %w", cmd, err)
	}
	reply := strings.TrimSpace(string(line))
	if strings.HasPrefix(reply, "ERR") {
		return reply, &CommandError{Cmd: cmd, Reply: reply}
	}
	return reply, nil
}

// Close releases the connection
func (k *KXCI) Close() error {
	return k.Pool.Close()
}

// ParseSeries parses a DO reply: comma separated readings, each optionally
// prefixed by a status letter.  A trailing comma is tolerated.
func ParseSeries(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ",")
	if s == "" {
		return nil, fmt.Errorf("kxci: empty data reply")
	}
	fields := strings.Split(s, ",")
	out := make([]float64, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" && isStatus(f[0]) {
			f = f[1:]
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("kxci: reading %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func isStatus(b byte) bool {
	return b >= 'A' && b <= 'Z'
}
