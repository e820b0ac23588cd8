package at

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JRGInc/Water-Meter-Imager/internal/logging"
)

// Poll bounds a round trip: at most MaxBlank consecutive empty reads, with
// Interval between reads.
type Poll struct {
	MaxBlank int
	Interval time.Duration
}

// Outcome is the classification of a terminal line.
type Outcome struct {
	Failed bool
	// Note, when set, is logged by the engine at Level.
	Note  string
	Level logging.Level
}

var (
	succeeded = Outcome{}
	failed    = Outcome{Failed: true}
)

// Rule decides when a command's response stream is complete.
type Rule interface {
	// Poll returns the bounds for this round trip.
	Poll() Poll
	// Terminal classifies one response line. Blank reads are passed as "".
	Terminal(line string) (Outcome, bool)
	// Exhausted is the outcome when the blank-read bound is reached.
	Exhausted() Outcome
}

// Nudger is implemented by rules that need to write to the modem while a
// round trip is pending. A non-empty return is sent as a command line.
type Nudger interface {
	Nudge(line string, blanks int) string
}

// Generic succeeds on "OK" or any of Extra, fails on "ERROR".
type Generic struct {
	Bound Poll
	// Extra are additional success lines, e.g. "NORMAL POWER DOWN".
	Extra []string
}

func (g Generic) Poll() Poll { return g.Bound }

func (g Generic) Terminal(line string) (Outcome, bool) {
	if line == "OK" {
		return succeeded, true
	}
	for _, e := range g.Extra {
		if line == e {
			return succeeded, true
		}
	}
	return Outcome{}, false
}

func (g Generic) Exhausted() Outcome {
	return Outcome{Failed: true, Level: logging.LevelError, Note: "no terminal response before poll bound"}
}

// BringUp waits for Marker. "OK" is not terminal. With Lenient set, reaching
// the blank bound is an inconclusive success; otherwise it is a failure.
type BringUp struct {
	Bound   Poll
	Marker  string
	Lenient bool
}

func (b BringUp) Poll() Poll { return b.Bound }

func (b BringUp) Terminal(line string) (Outcome, bool) {
	if b.Marker != "" && line == b.Marker {
		return succeeded, true
	}
	return Outcome{}, false
}

func (b BringUp) Exhausted() Outcome {
	if b.Lenient {
		return Outcome{Level: logging.LevelWarn, Note: "no ready indication before poll bound, assuming context is up"}
	}
	return Outcome{Failed: true, Level: logging.LevelError, Note: "no ready indication before poll bound"}
}

// Announce precedes a raw payload: it succeeds on the prompt line and never
// waits for "OK".
type Announce struct {
	Bound  Poll
	Prompt string
}

func (a Announce) Poll() Poll { return a.Bound }

func (a Announce) Terminal(line string) (Outcome, bool) {
	if strings.TrimSpace(line) == a.Prompt {
		return succeeded, true
	}
	return Outcome{}, false
}

func (a Announce) Exhausted() Outcome {
	return Outcome{Failed: true, Level: logging.LevelError, Note: fmt.Sprintf("no %q prompt before poll bound", a.Prompt)}
}

// StatusClass groups the status codes reported by an action command.
type StatusClass int

const (
	StatusSuccess StatusClass = iota
	StatusUnsupportedMedia
	StatusClientError
	StatusServerError
	StatusNetworkError
)

// ClassifyStatus maps an HTTP-ish status (6xx are modem network errors).
func ClassifyStatus(code int) StatusClass {
	switch {
	case code == 415:
		return StatusUnsupportedMedia
	case code >= 600:
		return StatusNetworkError
	case code >= 500:
		return StatusServerError
	case code >= 400:
		return StatusClientError
	default:
		return StatusSuccess
	}
}

// Action inspects the status code embedded in Prefix lines, e.g.
// "+HTTPACTION: 1,200,12".
type Action struct {
	Bound  Poll
	Prefix string
	// Field is the index of the status code in the comma separated values.
	Field int
}

func (a Action) Poll() Poll { return a.Bound }

func (a Action) Terminal(line string) (Outcome, bool) {
	if !strings.HasPrefix(line, a.Prefix) {
		return Outcome{}, false
	}
	code, err := statusField(strings.TrimPrefix(line, a.Prefix), a.Field)
	if err != nil {
		return Outcome{Failed: true, Level: logging.LevelError, Note: fmt.Sprintf("unparseable action result %q", line)}, true
	}

	switch ClassifyStatus(code) {
	case StatusSuccess:
		return Outcome{Level: logging.LevelInfo, Note: fmt.Sprintf("successful upload (status %d)", code)}, true
	case StatusUnsupportedMedia:
		return Outcome{Level: logging.LevelWarn, Note: "server rejected unsupported media type (status 415)"}, true
	case StatusServerError:
		return Outcome{Failed: true, Level: logging.LevelError, Note: fmt.Sprintf("server error (status %d)", code)}, true
	case StatusNetworkError:
		return Outcome{Failed: true, Level: logging.LevelError, Note: fmt.Sprintf("network error (status %d)", code)}, true
	default:
		return Outcome{Failed: true, Level: logging.LevelError, Note: fmt.Sprintf("request refused (status %d)", code)}, true
	}
}

func (a Action) Exhausted() Outcome {
	return Outcome{Failed: true, Level: logging.LevelError, Note: "no action result before poll bound"}
}

func statusField(values string, field int) (int, error) {
	parts := strings.Split(values, ",")
	if field < 0 || field >= len(parts) {
		return 0, fmt.Errorf("missing field %d", field)
	}
	return strconv.Atoi(strings.TrimSpace(parts[field]))
}

// Receive drains a server response. On Event it re-issues Repoll; after an
// event, Done ends the round trip. After NudgeAfter consecutive blanks the
// repoll is written again.
type Receive struct {
	Bound      Poll
	Event      string
	Done       string
	Repoll     string
	NudgeAfter int

	sawEvent bool
}

func (r *Receive) Poll() Poll { return r.Bound }

func (r *Receive) Terminal(line string) (Outcome, bool) {
	if line == r.Event {
		r.sawEvent = true
		return Outcome{}, false
	}
	if r.sawEvent && line == r.Done {
		return succeeded, true
	}
	return Outcome{}, false
}

func (r *Receive) Nudge(line string, blanks int) string {
	if line == r.Event {
		return r.Repoll
	}
	if line == "" && r.NudgeAfter > 0 && blanks == r.NudgeAfter {
		return r.Repoll
	}
	return ""
}

func (r *Receive) Exhausted() Outcome {
	return Outcome{Failed: true, Level: logging.LevelError, Note: "server response not drained before poll bound"}
}

// Capture succeeds on "OK" like Generic and keeps the first line that starts
// with Prefix.
type Capture struct {
	Bound  Poll
	Prefix string

	Value string
}

func (c *Capture) Poll() Poll { return c.Bound }

func (c *Capture) Terminal(line string) (Outcome, bool) {
	if c.Value == "" && strings.HasPrefix(line, c.Prefix) {
		c.Value = strings.TrimSpace(strings.TrimPrefix(line, c.Prefix))
	}
	if line == "OK" {
		return succeeded, true
	}
	return Outcome{}, false
}

func (c *Capture) Exhausted() Outcome { return failed }
