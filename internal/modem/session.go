package modem

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/JRGInc/Water-Meter-Imager/internal/at"
	"github.com/JRGInc/Water-Meter-Imager/internal/devices"
	"github.com/JRGInc/Water-Meter-Imager/internal/logging"
	"github.com/JRGInc/Water-Meter-Imager/internal/transport"
)

// State is the position of a session in its lifecycle.
type State int

const (
	StateIdle State = iota
	StatePortOpening
	StateContextStarting
	StateContextOpening
	StateSending
	StateReceiving
	StateClosing
	StateDone
	StateFailed
)

var stateNames = [...]string{
	"idle", "port-opening", "context-starting", "context-opening",
	"sending", "receiving", "closing", "done", "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the verdict of one session attempt. SerialError means the port
// could not be acquired; it always comes with ProtocolError.
type Outcome struct {
	ProtocolError bool
	SerialError   bool
}

// OK reports a clean attempt.
func (o Outcome) OK() bool { return !o.ProtocolError && !o.SerialError }

// Job is one file upload.
type Job struct {
	Path       string
	RemoteName string
}

// Modem runs sessions of one variant against one serial device.
type Modem struct {
	Driver Driver
	Opener transport.Opener
	// Reset is pulsed by the in-session bring-up retry. Nil disables it.
	Reset devices.Resetter
	Log   logging.Logger
	// Sleep replaces the poll interval wait. Tests inject a no-op.
	Sleep func(time.Duration)
	// Timeout is an optional wall-clock ceiling per session.
	Timeout time.Duration
}

// Name returns the variant name.
func (m *Modem) Name() string { return m.Driver.Name() }

// Upload runs one full session sending the file at job.Path.
func (m *Modem) Upload(ctx context.Context, job Job) Outcome {
	body, err := os.ReadFile(job.Path)
	if err != nil {
		m.log().Error("%s cannot read %s: %v", m.Name(), job.Path, err)
		return Outcome{ProtocolError: true}
	}
	if limit := m.Driver.MaxPayload(); limit > 0 && len(body) > limit {
		m.log().Error("%s cannot send %s: %v (%d > %d bytes)", m.Name(), job.Path, ErrPayloadTooLarge, len(body), limit)
		return Outcome{ProtocolError: true}
	}
	return m.run(ctx, func(s *Session) bool {
		if m.Driver.Start(s) {
			return true
		}
		return m.Driver.Upload(s, job, body)
	})
}

// Request runs one full session sending a small control message as a single
// data block.
func (m *Modem) Request(ctx context.Context, req Request) Outcome {
	return m.run(ctx, func(s *Session) bool {
		if m.Driver.Start(s) {
			return true
		}
		return m.Driver.SendRecv(s, req)
	})
}

func (m *Modem) run(ctx context.Context, exchange func(*Session) bool) (out Outcome) {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	s := m.newSession(ctx)
	if s.open() {
		s.state = StateFailed
		return Outcome{ProtocolError: true, SerialError: true}
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("%s session aborted in %s: %v", m.Name(), s.state, r)
			out.ProtocolError = true
		}
		if s.finish(out.ProtocolError) {
			out.ProtocolError = true
		}
		out.SerialError = out.SerialError || s.serial
		if out.SerialError {
			out.ProtocolError = true
		}
	}()

	s.Enter(StateContextStarting)
	out.ProtocolError = exchange(s)
	return out
}

func (m *Modem) newSession(ctx context.Context) *Session {
	return &Session{ctx: ctx, modem: m, state: StateIdle, log: m.log()}
}

func (m *Modem) log() logging.Logger {
	return logging.OrNop(m.Log)
}

// Session is one attempt: it owns the open port from open to close.
type Session struct {
	ctx    context.Context
	modem  *Modem
	state  State
	port   transport.Port
	engine *at.Engine
	serial bool
	log    logging.Logger
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Enter advances the session to st.
func (s *Session) Enter(st State) {
	if st != s.state {
		s.log.Debug("%s session %s -> %s", s.modem.Name(), s.state, st)
	}
	s.state = st
}

// Send issues a command and reports protocol error.
func (s *Session) Send(cmd at.Command) bool {
	if s.engine == nil {
		return true
	}
	return s.engine.Send(s.ctx, cmd)
}

// SendData issues an announce command and writes payload after the prompt.
func (s *Session) SendData(cmd at.Command, payload []byte) bool {
	if s.engine == nil {
		return true
	}
	return s.engine.SendData(s.ctx, cmd, payload)
}

// Query issues cmd and returns the value of the first line with prefix.
func (s *Session) Query(cmd at.Command, prefix string) (string, bool) {
	if s.engine == nil {
		return "", false
	}
	return s.engine.Query(s.ctx, cmd, prefix)
}

// Reopen closes the port, pulses the reset line and opens a fresh port.
// A failed open marks the session as a serial failure.
func (s *Session) Reopen() bool {
	s.closePort()
	if r := s.modem.Reset; r != nil {
		if err := r.Pulse(s.ctx); err != nil {
			s.log.Warn("%s reset pulse failed: %v", s.modem.Name(), err)
		}
	}
	return s.open()
}

func (s *Session) open() bool {
	s.Enter(StatePortOpening)
	m := s.modem
	port, err := m.Opener.Open()
	if err != nil {
		s.serial = true
		s.log.Error("Failed to open serial port to %s: %v", m.Name(), err)
		return true
	}
	s.log.Info("Serial port opened for %s", m.Name())
	s.port = port
	s.engine = &at.Engine{
		Port:   port,
		Table:  m.Driver.Table(),
		Aborts: m.Driver.Aborts(),
		Name:   m.Name(),
		Log:    s.log,
		Sleep:  m.Sleep,
	}
	return false
}

// finish tears the session down: the remote context is stopped when the
// session got as far as opening it and the port is still open, then the port
// is closed. It reports a stop failure the variant treats as fatal.
func (s *Session) finish(failed bool) (stopFailed bool) {
	if s.state >= StateContextOpening && s.state < StateClosing && s.port != nil {
		s.Enter(StateClosing)
		stopFailed = s.stop()
	}
	s.closePort()
	if failed || stopFailed || s.serial {
		s.state = StateFailed
	} else {
		s.state = StateDone
	}
	return stopFailed
}

func (s *Session) stop() (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("%s stop aborted: %v", s.modem.Name(), r)
			failed = true
		}
	}()
	// A deadline that ended the exchange must not also skip the teardown.
	s.ctx = context.WithoutCancel(s.ctx)
	return s.modem.Driver.Stop(s)
}

func (s *Session) closePort() {
	if s.port == nil {
		return
	}
	if err := s.port.Close(); err != nil {
		s.log.Warn("%s serial port close: %v", s.modem.Name(), err)
	}
	s.log.Info("Serial port closed for %s", s.modem.Name())
	s.port = nil
	s.engine = nil
}
