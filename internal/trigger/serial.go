package trigger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"

	"go.bug.st/serial"
	"tailscale.com/tsweb"
)

// Port is the part of a serial port the button reader needs.
type Port interface {
	io.Reader
	io.Closer
}

// PortOptions describes the serial connection to the button.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and fills in defaults (9600 8N1).
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialButton reads a button's level from a serial line protocol: one
// line per sample, "1" pressed and "0" released. A rising edge fires the
// bus.
type SerialButton[T Port] struct {
	port  T
	bus   *Bus
	edge  EdgeDetector
	lines atomic.Uint64
	bad   atomic.Uint64
}

// NewSerialButton reads samples from port and fires bus.
func NewSerialButton[T Port](port T, bus *Bus) *SerialButton[T] {
	return &SerialButton[T]{port: port, bus: bus}
}

// OpenSerialButton opens the serial device at path.
func OpenSerialButton(path string, opts PortOptions, bus *Bus) (*SerialButton[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial button %s: %w", path, err)
	}
	log.Printf("[Trigger] serial button on %s at %d baud", path, mode.BaudRate)
	return NewSerialButton[serial.Port](port, bus), nil
}

// ParseLevel interprets one line from the button.
func ParseLevel(line string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "1", "on", "pressed", "true":
		return true, nil
	case "0", "off", "released", "false":
		return false, nil
	}
	return false, fmt.Errorf("unrecognised button sample %q", line)
}

// Monitor reads samples until the port closes or ctx is cancelled.
func (s *SerialButton[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return err
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			s.handleLine(line)
		}
	}
}

func (s *SerialButton[T]) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	s.lines.Add(1)
	level, err := ParseLevel(line)
	if err != nil {
		s.bad.Add(1)
		return
	}
	if s.edge.Update(level) {
		s.bus.Fire("serial", "")
	}
}

// Counts returns lines read and lines that did not parse.
func (s *SerialButton[T]) Counts() (lines, bad uint64) {
	return s.lines.Load(), s.bad.Load()
}

// Pressed reports the last sampled level.
func (s *SerialButton[T]) Pressed() bool { return s.edge.Level() }

// Close closes the port, which ends Monitor.
func (s *SerialButton[T]) Close() error {
	return s.port.Close()
}

// AttachAdminRoutes adds a debug page showing the button state and a
// form to fire the trigger by hand.
func (s *SerialButton[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("button", "serial trigger button state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.bus.Fire("debug", strings.TrimSpace(r.FormValue("base")))
			http.Redirect(w, r, r.URL.Path, http.StatusSeeOther)
			return
		}
		lines, bad := s.Counts()
		fired, coalesced := s.bus.Counts()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<p>pressed=%v lines=%d bad=%d fired=%d coalesced=%d</p>", s.Pressed(), lines, bad, fired, coalesced)
		io.WriteString(w, `<form method="post"><input name="base" placeholder="scan"><button>Export now</button></form>`)
	})
}
