package uplink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JRGInc/Water-Meter-Imager/internal/logging"
	"github.com/JRGInc/Water-Meter-Imager/internal/modem"
)

// ErrBusy is returned when a batch is already draining the queue.
var ErrBusy = errors.New("uplink batch already running")

// Transmitter sends one file with retry. *Uplink implements it.
type Transmitter interface {
	Transmit(ctx context.Context, path, remoteName string) modem.Outcome
}

// FileResult is the verdict for one queued file.
type FileResult struct {
	Name        string `json:"name"`
	Remote      string `json:"remote"`
	Sent        bool   `json:"sent"`
	SerialError bool   `json:"serial_error,omitempty"`
}

// Report summarizes one batch run.
type Report struct {
	Started   time.Time     `json:"started"`
	Elapsed   time.Duration `json:"elapsed"`
	Collected int           `json:"collected_logs"`
	Files     []FileResult  `json:"files"`
	// Aborted is set when a serial failure stopped the batch.
	Aborted bool `json:"aborted"`
}

// Sent counts delivered files.
func (r Report) Sent() int {
	n := 0
	for _, f := range r.Files {
		if f.Sent {
			n++
		}
	}
	return n
}

// Batch drains the transmit directory newest first. A run holds the modem
// lock for its whole duration.
type Batch struct {
	Uplink Transmitter
	// Dir is the transmit queue directory.
	Dir string
	// LogDirs are copied into Dir before each run, newest LogHistory files
	// per directory.
	LogDirs    []string
	LogHistory int
	Hostname   string
	Log        logging.Logger
	// Before runs ahead of each batch, e.g. to free the UART. Its error is
	// logged only.
	Before func(ctx context.Context) error
	Now    func() time.Time
	// Lock is the modem claim shared with every other modem user. A nil
	// Lock gives the batch a private one.
	Lock *ModemLock

	mu      sync.Mutex
	running bool
	last    *Report
	own     *ModemLock
}

// Run claims the modem, then collects logs and transmits every queued file
// once. A file is removed only after it was delivered. A serial failure ends
// the run. ErrBusy is returned when the modem is already claimed.
func (b *Batch) Run(ctx context.Context) (Report, error) {
	lock := b.modemLock()
	if !lock.TryAcquire() {
		return Report{}, ErrBusy
	}
	defer lock.Release()
	return b.RunLocked(ctx)
}

// RunLocked is Run for a caller that already holds the modem lock.
func (b *Batch) RunLocked(ctx context.Context) (Report, error) {
	if !b.acquire() {
		return Report{}, ErrBusy
	}
	defer b.release()

	log := logging.OrNop(b.Log)
	rep := Report{Started: b.now()}

	if b.Before != nil {
		if err := b.Before(ctx); err != nil {
			log.Warn("pre-batch hook: %v", err)
		}
	}

	n, err := b.collectLogs()
	rep.Collected = n
	if err != nil {
		log.Error("Failed to copy logs to transmission directory: %v", err)
	}

	queue, err := b.queue()
	if err != nil {
		rep.Elapsed = b.now().Sub(rep.Started)
		b.store(rep)
		return rep, fmt.Errorf("read transmit dir: %w", err)
	}

	host := b.hostname()
	for _, path := range queue {
		if ctx.Err() != nil {
			break
		}
		name := filepath.Base(path)
		res := FileResult{Name: name, Remote: host + "_" + name}

		out := b.Uplink.Transmit(ctx, path, res.Remote)
		res.Sent = out.OK()
		res.SerialError = out.SerialError
		rep.Files = append(rep.Files, res)

		if res.Sent {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warn("sent %s but could not remove it: %v", path, err)
			}
			continue
		}
		if out.SerialError {
			log.Warn("Encountered serial link problems transmitting files, will attempt again later")
			rep.Aborted = true
			break
		}
	}

	rep.Elapsed = b.now().Sub(rep.Started)
	log.Info("Total transmission execution time elapsed: %s, %d of %d file(s) sent",
		rep.Elapsed.Round(time.Millisecond), rep.Sent(), len(rep.Files))
	b.store(rep)
	return rep, nil
}

// Running reports whether a run is in flight.
func (b *Batch) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Last returns the most recent report.
func (b *Batch) Last() (Report, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Report{}, false
	}
	return *b.last, true
}

func (b *Batch) modemLock() *ModemLock {
	if b.Lock != nil {
		return b.Lock
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.own == nil {
		b.own = &ModemLock{}
	}
	return b.own
}

func (b *Batch) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return false
	}
	b.running = true
	return true
}

func (b *Batch) release() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
}

func (b *Batch) store(rep Report) {
	b.mu.Lock()
	b.last = &rep
	b.mu.Unlock()
}

func (b *Batch) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Batch) hostname() string {
	if b.Hostname != "" {
		return b.Hostname
	}
	h, err := os.Hostname()
	if err != nil {
		return "januswm"
	}
	return h
}

// queue lists regular files in Dir, newest first.
func (b *Batch) queue() ([]string, error) {
	files, err := newestFirst(b.Dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// collectLogs copies the newest log files of each log directory into the
// queue as logs_<stamp>_<name>_<ext>.txt.
func (b *Batch) collectLogs() (int, error) {
	if b.LogHistory <= 0 {
		return 0, nil
	}
	stamp := b.now().Format("2006-01-02_1504")

	var errs []error
	copied := 0
	for _, dir := range b.LogDirs {
		files, err := newestFirst(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(files) > b.LogHistory {
			files = files[:b.LogHistory]
		}
		for _, f := range files {
			dst := filepath.Join(b.Dir, LogQueueName(stamp, filepath.Base(f.path)))
			if err := copyFile(f.path, dst); err != nil {
				errs = append(errs, err)
				continue
			}
			copied++
		}
	}
	return copied, errors.Join(errs...)
}

// LogQueueName names a collected log file in the transmit queue.
func LogQueueName(stamp, base string) string {
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if ext == "" {
		name += "_0"
	} else {
		name += "_" + ext[1:]
	}
	return "logs_" + stamp + "_" + name + ".txt"
}

type queued struct {
	path string
	mod  time.Time
}

func newestFirst(dir string) ([]queued, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []queued
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, queued{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].path > files[j].path
		}
		return files[i].mod.After(files[j].mod)
	})
	return files, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
