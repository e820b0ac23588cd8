// Package logging provides the leveled printf-style logger used across the
// uplink. Records go to the standard library logger by default, or to the
// systemd journal when it is reachable and enabled.
package logging

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
)

// Logger is a minimal printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level orders log records by severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel maps a config value to a Level. Unknown values yield LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Log emits a message on l at the given level.
func Log(l Logger, level Level, format string, args ...any) {
	switch level {
	case LevelDebug:
		l.Debug(format, args...)
	case LevelWarn:
		l.Warn(format, args...)
	case LevelError:
		l.Error(format, args...)
	default:
		l.Info(format, args...)
	}
}

var (
	mu         sync.RWMutex
	minLevel   = LevelInfo
	useJournal bool
)

// Configure sets the process-wide minimum level and journal usage. The
// journal is only used when its socket is reachable.
func Configure(level Level, journalSink bool) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = level
	useJournal = journalSink && journal.Enabled()
}

func settings() (Level, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return minLevel, useJournal
}

// New returns a logger scoped to component.
func New(component string) Logger {
	return &componentLogger{component: component}
}

type componentLogger struct {
	component string
}

func (c *componentLogger) Debug(format string, args ...any) { c.emit(LevelDebug, format, args...) }
func (c *componentLogger) Info(format string, args ...any)  { c.emit(LevelInfo, format, args...) }
func (c *componentLogger) Warn(format string, args ...any)  { c.emit(LevelWarn, format, args...) }
func (c *componentLogger) Error(format string, args ...any) { c.emit(LevelError, format, args...) }

func (c *componentLogger) emit(level Level, format string, args ...any) {
	threshold, toJournal := settings()
	if level < threshold {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if toJournal {
		err := journal.Send(msg, journalPriority(level), map[string]string{
			"COMPONENT":         c.component,
			"SYSLOG_IDENTIFIER": "januswm-uplink",
		})
		if err == nil {
			return
		}
	}
	log.Output(3, fmt.Sprintf("%s %s: %s", strings.ToUpper(level.String()), c.component, msg))
}

func journalPriority(level Level) journal.Priority {
	switch level {
	case LevelDebug:
		return journal.PriDebug
	case LevelWarn:
		return journal.PriWarning
	case LevelError:
		return journal.PriErr
	default:
		return journal.PriInfo
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns l when non-nil, otherwise a no-op logger.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
