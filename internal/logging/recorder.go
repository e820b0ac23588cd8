package logging

import (
	"fmt"
	"strings"
	"sync"
)

// Entry is one record captured by a Recorder.
type Entry struct {
	Level   Level
	Message string
}

// Recorder is a Logger that keeps every record in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Debug(format string, args ...any) { r.add(LevelDebug, format, args...) }
func (r *Recorder) Info(format string, args ...any)  { r.add(LevelInfo, format, args...) }
func (r *Recorder) Warn(format string, args ...any)  { r.add(LevelWarn, format, args...) }
func (r *Recorder) Error(format string, args ...any) { r.add(LevelError, format, args...) }

func (r *Recorder) add(level Level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: fmt.Sprintf(format, args...)})
}

// Entries returns a copy of the captured records.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Contains reports whether a record at level contains substr.
func (r *Recorder) Contains(level Level, substr string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}
