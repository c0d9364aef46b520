// Package gcode talks to a Marlin-style 3D printer frame used as the sample stage.
//
// Every command is one line; the firmware answers with zero or more
// informational lines followed by "ok". "error" or "!!" lines fail the command.
package gcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/treecore/trim/internal/debug"
)

var (
	// ErrNotConnected is returned when the printer has been closed.
	ErrNotConnected = errors.New("gcode: printer not connected")

	// ErrTimeout is returned when no "ok" arrives within the command timeout.
	ErrTimeout = errors.New("gcode: timed out waiting for ok")

	positionRe = regexp.MustCompile(`([XYZ]):\s*(-?[0-9]+(?:\.[0-9]+)?)`)
)

// FirmwareError carries an error line reported by the printer.
type FirmwareError struct {
	Cmd  string
	Line string
}

func (e *FirmwareError) Error() string {
	return fmt.Sprintf("gcode: %s: firmware replied %q", e.Cmd, e.Line)
}

// Printer is a serial G-code motion controller. It is safe for concurrent use;
// commands are serialised.
type Printer struct {
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	r       *bufio.Reader
	timeout time.Duration
	feed    int // mm/min for G0 moves
}

// Open opens the serial port and puts the printer in absolute millimetre mode.
func Open(port string, baud int, timeout time.Duration) (*Printer, error) {
	conn, err := serial.OpenPort(&serial.Config{
		Name:        port,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", port, err)
	}
	debug.Info("G-code stage on %s @ %d baud", port, baud)
	p := New(conn, timeout)
	if err := p.Init(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// New wraps an already open connection.
func New(conn io.ReadWriteCloser, timeout time.Duration) *Printer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Printer{conn: conn, r: bufio.NewReader(conn), timeout: timeout, feed: 600}
}

// Init selects millimetres and absolute positioning.
func (p *Printer) Init(ctx context.Context) error {
	for _, cmd := range []string{"G21", "G90"} {
		if _, err := p.Send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// SetFeedRate sets the feed rate in mm/min used by MoveAbs.
func (p *Printer) SetFeedRate(mmPerMin int) {
	p.mu.Lock()
	p.feed = mmPerMin
	p.mu.Unlock()
}

// Send writes one command and collects the reply lines preceding "ok".
func (p *Printer) Send(ctx context.Context, cmd string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.send(ctx, cmd)
}

func (p *Printer) send(ctx context.Context, cmd string) ([]string, error) {
	if p.conn == nil {
		return nil, ErrNotConnected
	}
	debug.Serial(">", cmd)
	if _, err := io.WriteString(p.conn, cmd+"\n"); err != nil {
		return nil, fmt.Errorf("gcode: write %s: %w", cmd, err)
	}

	deadline := time.Now().Add(p.timeout)
	var (
		reply   []string
		partial string
	)
	for {
		if err := ctx.Err(); err != nil {
			return reply, err
		}
		if time.Now().After(deadline) {
			return reply, fmt.Errorf("%w (%s)", ErrTimeout, cmd)
		}
		chunk, err := p.r.ReadString('\n')
		partial += chunk
		if err != nil {
			// the port read timeout surfaces as EOF; keep polling until the deadline
			if errors.Is(err, io.EOF) {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return reply, fmt.Errorf("gcode: read reply to %s: %w", cmd, err)
		}
		line := strings.TrimSpace(partial)
		partial = ""
		if line == "" {
			continue
		}
		debug.Serial("<", line)
		switch {
		case strings.HasPrefix(line, "ok"):
			return reply, nil
		case strings.HasPrefix(line, "error"), strings.HasPrefix(line, "!!"):
			return reply, &FirmwareError{Cmd: cmd, Line: line}
		case strings.HasPrefix(line, "busy"), strings.HasPrefix(line, "echo"):
			// keep-alive chatter while a long move runs
			deadline = time.Now().Add(p.timeout)
		default:
			reply = append(reply, line)
		}
	}
}

// MoveAbs moves to an absolute coordinate and waits for the move to finish.
// Nil coordinates are left out of the command.
func (p *Printer) MoveAbs(ctx context.Context, x, y, z *float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	b.WriteString("G0")
	for _, c := range []struct {
		name string
		v    *float64
	}{{"X", x}, {"Y", y}, {"Z", z}} {
		if c.v != nil {
			b.WriteString(" " + c.name + strconv.FormatFloat(*c.v, 'f', -1, 64))
		}
	}
	fmt.Fprintf(&b, " F%d", p.feed)
	if _, err := p.send(ctx, b.String()); err != nil {
		return err
	}
	// M400 returns only once the planner queue is empty
	_, err := p.send(ctx, "M400")
	return err
}

// Position queries the current coordinate with M114.
func (p *Printer) Position(ctx context.Context) (x, y, z float64, err error) {
	lines, err := p.Send(ctx, "M114")
	if err != nil {
		return 0, 0, 0, err
	}
	for _, line := range lines {
		// Marlin appends stepper counts after "Count"; only the leading values are mm
		if i := strings.Index(line, "Count"); i >= 0 {
			line = line[:i]
		}
		matches := positionRe.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			v, perr := strconv.ParseFloat(m[2], 64)
			if perr != nil {
				return 0, 0, 0, fmt.Errorf("gcode: parse %q: %w", m[0], perr)
			}
			switch m[1] {
			case "X":
				x = v
			case "Y":
				y = v
			case "Z":
				z = v
			}
		}
		return x, y, z, nil
	}
	return 0, 0, 0, fmt.Errorf("gcode: no position in M114 reply %q", lines)
}

// Close releases the serial port.
func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
