/*Package comm provides connection plumbing for instruments reached over TCP
or RS232.

Most usages of this package will boil down to:
	1.  describe the instrument with a Dialer (address, or a serial config)
	2.  hand Dialer.Dial to NewPool, which opens connections on demand and
		closes them after they have sat idle
	3.  for each exchange, Get a connection, wrap it with NewTimeout and
		NewTerminator, write a command and read the reply, then return it
		with ReturnWithError

A minimal example for an instrument that answers "ID?" with a line:

	d := comm.Dialer{Addr: "192.168.1.5:1225"}
	pool := comm.NewPool(1, time.Minute, d.Dial)
	conn, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	tc, _ := comm.NewTimeout(conn, time.Second)
	rw := comm.NewTerminator(tc, '\n', '\n')
	if _, err = io.WriteString(rw, "ID?"); err != nil {
		return err
	}
	line, err := rw.ReadLine()
*/
package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when an exchange is attempted on a nil
	// connection
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the stream ends before the
	// termination byte of a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Dialer opens connections to one instrument
type Dialer struct {
	// Addr is host:port for TCP
	Addr string

	// Serial, when not nil, is used instead of Addr
	Serial *serial.Config

	// Timeout bounds a single connection attempt, zero means 3s
	Timeout time.Duration

	// MaxElapsed bounds all attempts together, zero means 3s
	MaxElapsed time.Duration
}

func (d Dialer) name() string {
	if d.Serial != nil {
		return d.Serial.Name
	}
	return d.Addr
}

func (d Dialer) open() (io.ReadWriteCloser, error) {
	if d.Serial != nil {
		return serial.OpenPort(d.Serial)
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return TCPSetup(d.Addr, timeout)
}

// Dial opens a connection, retrying with exponential backoff.  Instruments
// behind serial servers do not like being connection thrashed.
func (d Dialer) Dial() (io.ReadWriteCloser, error) {
	if d.Serial == nil && d.Addr == "" {
		return nil, ErrNotConnected
	}
	elapsed := d.MaxElapsed
	if elapsed == 0 {
		elapsed = 3 * time.Second
	}
	var conn io.ReadWriteCloser
	op := func() error {
		var err error
		conn, err = d.open()
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      elapsed,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("comm: connecting to %s: %w", d.name(), err)
	}
	return conn, nil
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Timeout sets a deadline of now+D on the underlying connection before every
// read and write
type Timeout struct {
	rw io.ReadWriter
	dl deadliner
	D  time.Duration
}

// NewTimeout wraps rw.  Connections that cannot carry a deadline (a serial
// port, which times out via its own config) are returned unwrapped.
func NewTimeout(rw io.ReadWriter, d time.Duration) (io.ReadWriter, error) {
	if rw == nil {
		return nil, ErrNotConnected
	}
	dl, ok := rw.(deadliner)
	if !ok {
		return rw, nil
	}
	return &Timeout{rw: rw, dl: dl, D: d}, nil
}

// Read satisfies io.Reader
func (t *Timeout) Read(p []byte) (int, error) {
	if err := t.dl.SetDeadline(time.Now().Add(t.D)); err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

// Write satisfies io.Writer
func (t *Timeout) Write(p []byte) (int, error) {
	if err := t.dl.SetDeadline(time.Now().Add(t.D)); err != nil {
		return 0, err
	}
	return t.rw.Write(p)
}

// Terminator appends Tx to every write and reads responses up to Rx
type Terminator struct {
	w       io.Writer
	r       *bufio.Reader
	Tx, Rx  byte
	pending []byte
}

// NewTerminator wraps rw with the given termination bytes
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{w: rw, r: bufio.NewReader(rw), Rx: rx, Tx: tx}
}

// Write sends p followed by the Tx byte.  The returned count excludes it.
func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.Tx
	n, err := t.w.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// ReadLine reads one response and strips the Rx byte and any carriage return
// preceding it
func (t *Terminator) ReadLine() ([]byte, error) {
	buf, err := t.r.ReadBytes(t.Rx)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return buf, err
	}
	buf = buf[:len(buf)-1]
	if t.Rx != '\r' && len(buf) > 0 && buf[len(buf)-1] == '\r' {
		buf = buf[:len(buf)-1]
	}
	return buf, nil
}

// Read satisfies io.Reader, yielding one response at a time without its
// terminator.  A response longer than p is returned over several calls.
func (t *Terminator) Read(p []byte) (int, error) {
	if len(t.pending) == 0 {
		line, err := t.ReadLine()
		if err != nil {
			return copy(p, line), err
		}
		t.pending = line
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}
