// Package at is the command/response engine: it writes one AT command line,
// then reads response lines until the command's termination rule fires.
//
// Every round trip ends in a boolean protocol error. Transport failures are
// converted to protocol errors here and never retried at this layer.
package at

import (
	"context"
	"strings"
	"time"

	"github.com/JRGInc/Water-Meter-Imager/internal/logging"
	"github.com/JRGInc/Water-Meter-Imager/internal/transport"
)

// Kind selects the termination rule for a command.
type Kind int

const (
	KindGeneric Kind = iota
	// KindConfigure is a generic command with a long blank-read bound.
	KindConfigure
	KindBringUp
	KindAnnounce
	KindAction
	KindReceive
	// KindData confirms a raw payload written after an announce.
	KindData
)

// Command is a command token plus its argument string.
type Command struct {
	Name string
	Args string
	Kind Kind
}

// Line is the text written to the modem, without the CR.
func (c Command) Line() string {
	return c.Name + c.Args
}

// DefaultPoll bounds generic round trips to about two minutes at a one
// second read timeout.
var DefaultPoll = Poll{MaxBlank: 120, Interval: 50 * time.Millisecond}

// Table maps command kinds to rule constructors. Rules may keep state, so a
// fresh one is built for every round trip.
type Table map[Kind]func() Rule

// Rule returns a new rule for k, falling back to the generic rule.
func (t Table) Rule(k Kind) Rule {
	if f, ok := t[k]; ok {
		return f()
	}
	if f, ok := t[KindGeneric]; ok {
		return f()
	}
	return Generic{Bound: DefaultPoll}
}

// Engine drives one open port.
type Engine struct {
	Port  transport.Port
	Table Table
	// Aborts are notification lines that end any round trip as a failure,
	// whatever the pending command's rule.
	Aborts []string
	// Name prefixes log lines, e.g. "sim5320".
	Name  string
	Log   logging.Logger
	Sleep func(time.Duration)
}

// Send writes cmd and classifies the response. It returns true on protocol
// error.
func (e *Engine) Send(ctx context.Context, cmd Command) bool {
	if e.write(cmd.Line() + "\r") {
		return true
	}
	return e.roundTrip(ctx, cmd.Line(), e.Table.Rule(cmd.Kind))
}

// SendData announces a payload with cmd, writes payload once the modem
// prompts for it and confirms acceptance with the data rule.
func (e *Engine) SendData(ctx context.Context, cmd Command, payload []byte) bool {
	if e.Send(ctx, cmd) {
		return true
	}
	if err := e.Port.Write(payload); err != nil {
		e.log().Error("%s serial failure sending %d byte data packet: %v", e.Name, len(payload), err)
		return true
	}
	return e.roundTrip(ctx, "DATA", e.Table.Rule(KindData))
}

// Query sends cmd and returns the value of the first line starting with
// prefix. It returns false when the command failed or the line never came.
func (e *Engine) Query(ctx context.Context, cmd Command, prefix string) (string, bool) {
	rule := &Capture{Bound: e.Table.Rule(KindGeneric).Poll(), Prefix: prefix}
	if e.write(cmd.Line() + "\r") {
		return "", false
	}
	if e.roundTrip(ctx, cmd.Line(), rule) {
		return "", false
	}
	return rule.Value, rule.Value != ""
}

func (e *Engine) write(s string) bool {
	if err := e.Port.Write([]byte(s)); err != nil {
		e.log().Error("%s serial failure executing %s: %v", e.Name, strings.TrimSpace(s), err)
		return true
	}
	return false
}

func (e *Engine) roundTrip(ctx context.Context, label string, rule Rule) bool {
	l := e.log()
	l.Info("%s %s response:", e.Name, label)

	poll := rule.Poll()
	blanks := 0
	for {
		if err := ctx.Err(); err != nil {
			l.Error("%s %s abandoned: %v", e.Name, label, err)
			return true
		}

		raw, err := e.Port.ReadLine()
		if err != nil {
			l.Error("%s serial failure reading %s response: %v", e.Name, label, err)
			return true
		}
		line := normalize(raw)
		blank := strings.TrimSpace(line) == ""
		if !blank {
			l.Info("%s", line)
		}

		if e.aborted(line) {
			l.Error("%s %s interrupted by %q", e.Name, label, line)
			return true
		}
		if out, ok := rule.Terminal(line); ok {
			e.note(out)
			return out.Failed
		}
		if isError(line) {
			return true
		}

		if blank {
			blanks++
		} else {
			blanks = 0
		}
		if n, ok := rule.(Nudger); ok {
			if c := n.Nudge(line, blanks); c != "" && e.write(c+"\r") {
				return true
			}
		}
		if poll.MaxBlank > 0 && blanks >= poll.MaxBlank {
			out := rule.Exhausted()
			e.note(out)
			return out.Failed
		}
		e.sleep(poll.Interval)
	}
}

func (e *Engine) aborted(line string) bool {
	for _, a := range e.Aborts {
		if line == a {
			return true
		}
	}
	return false
}

func (e *Engine) note(out Outcome) {
	if out.Note != "" {
		logging.Log(e.log(), out.Level, "%s %s", e.Name, out.Note)
	}
}

func (e *Engine) log() logging.Logger {
	return logging.OrNop(e.Log)
}

func (e *Engine) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if e.Sleep != nil {
		e.Sleep(d)
		return
	}
	time.Sleep(d)
}

// normalize keeps the text before the first CRLF, like the modem's own line
// framing.
func normalize(raw string) string {
	line := strings.SplitN(raw, "\r\n", 2)[0]
	return strings.TrimRight(line, "\r\n")
}

func isError(line string) bool {
	return line == "ERROR" || strings.HasPrefix(line, "+CME ERROR") || strings.HasPrefix(line, "+CMS ERROR")
}
