// Package transport is the half-duplex serial channel to the modem.
//
// A Port is opened at the start of a session attempt and closed at its end;
// it is never shared between attempts. Reads never block for longer than the
// configured read timeout: a timeout yields an empty line, and callers bound
// how many empty lines they are willing to see.
package transport

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrSerial marks failures to acquire the physical link (missing device node,
// permissions, port already locked). It is distinct from protocol failures.
var ErrSerial = errors.New("serial link unavailable")

const (
	DefaultDevice      = "/dev/ttyAMA0"
	DefaultBaud        = 115200
	DefaultReadTimeout = time.Second
)

// Port is an open serial channel.
type Port interface {
	// Write sends all of p or returns an error.
	Write(p []byte) error
	// ReadLine returns the next line including its terminator, whatever
	// arrived before the read timeout, or "" when nothing arrived.
	ReadLine() (string, error)
	// Close releases the device. Closing twice is a no-op.
	Close() error
}

// Opener acquires a fresh Port.
type Opener interface {
	Open() (Port, error)
}

var reSerialPort = regexp.MustCompile(`^/dev/(tty[a-zA-Z0-9]+|serial[a-zA-Z0-9/]+)$`)

// ValidateDevice checks that device is a plain /dev/tty* or /dev/serial* path.
func ValidateDevice(device string) error {
	if device == "" {
		return fmt.Errorf("serial port is required")
	}
	clean := filepath.Clean(device)
	if clean != device {
		return fmt.Errorf("invalid serial port path (traversal detected)")
	}
	if !reSerialPort.MatchString(clean) {
		return fmt.Errorf("invalid serial port (must be /dev/tty* or /dev/serial*)")
	}
	return nil
}

// SerialOpener opens the modem UART with go.bug.st/serial, 8N1.
type SerialOpener struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// Open acquires the device. Every failure wraps ErrSerial.
func (o SerialOpener) Open() (Port, error) {
	if err := ValidateDevice(o.Device); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerial, err)
	}
	baud := o.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(o.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSerial, o.Device, err)
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %v", ErrSerial, o.Device, err)
	}
	// Drop anything the modem printed while nobody was listening
	_ = p.ResetInputBuffer()

	return &serialPort{port: p, lines: newLineReader(p)}, nil
}

// Settings describes the opener for log lines.
func (o SerialOpener) Settings() string {
	return fmt.Sprintf("device=%s baud=%d bytesize=8 parity=N stopbits=1 timeout=%s", o.Device, o.Baud, o.ReadTimeout)
}

type serialPort struct {
	mu     sync.Mutex
	port   serial.Port
	lines  *lineReader
	closed bool
}

func (s *serialPort) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("write on closed port")
	}
	return writeAll(s.port, p)
}

func (s *serialPort) ReadLine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("read on closed port")
	}
	return s.lines.ReadLine()
}

func (s *serialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}
