// Package devices drives the board-level control lines around the modem.
package devices

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultResetPin is the BCM pin wired to the modem power/reset input.
const DefaultResetPin = 22

const (
	defaultSysfsRoot   = "/sys/class/gpio"
	defaultExecTimeout = 10 * time.Second
)

// Resetter power-cycles the modem. Implementations block until the modem has
// been given time to settle.
type Resetter interface {
	Pulse(ctx context.Context) error
}

// Step drives the line to Value and holds it for Hold.
type Step struct {
	Value int
	Hold  time.Duration
}

// Reset sequences per modem family.
var (
	Sim800Pulse  = []Step{{0, 3 * time.Second}, {1, 3 * time.Second}, {0, 5 * time.Second}}
	Sim5320Pulse = []Step{{0, time.Second}, {1, time.Second}, {0, 0}}
)

// ResetLine is a GPIO output toggled through sysfs, falling back to the
// libgpiod gpioset tool when sysfs is not available.
type ResetLine struct {
	Pin   int
	Steps []Step

	// Root is the sysfs gpio directory, /sys/class/gpio when empty.
	Root string
	// Chip is the gpiochip used by gpioset; detected from /proc/cpuinfo when empty.
	Chip string

	Exec  func(ctx context.Context, name string, args ...string) (string, error)
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewResetLine returns a reset line on pin using steps.
func NewResetLine(pin int, steps []Step) *ResetLine {
	return &ResetLine{Pin: pin, Steps: steps}
}

// Pulse runs the step sequence. It stops early when ctx is done.
func (r *ResetLine) Pulse(ctx context.Context) error {
	if r.Pin < 0 || r.Pin > 27 {
		return fmt.Errorf("gpio: pin %d out of range 0-27", r.Pin)
	}
	for _, s := range r.Steps {
		if err := r.Set(ctx, s.Value); err != nil {
			return err
		}
		if err := r.sleep(ctx, s.Hold); err != nil {
			return err
		}
	}
	return nil
}

// Set drives the line to value.
func (r *ResetLine) Set(ctx context.Context, value int) error {
	if value != 0 && value != 1 {
		return fmt.Errorf("gpio: value must be 0 or 1, got %d", value)
	}
	sysErr := r.setSysfs(value)
	if sysErr == nil {
		return nil
	}

	_, err := r.exec(ctx, "gpioset", r.chip(), fmt.Sprintf("%d=%d", r.Pin, value))
	if err != nil {
		return fmt.Errorf("gpio: set pin %d to %d: %w", r.Pin, value, errors.Join(sysErr, err))
	}
	return nil
}

func (r *ResetLine) setSysfs(value int) error {
	root := r.Root
	if root == "" {
		root = defaultSysfsRoot
	}
	pinDir := filepath.Join(root, fmt.Sprintf("gpio%d", r.Pin))
	valuePath := filepath.Join(pinDir, "value")

	if _, err := os.Stat(valuePath); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(r.Pin)), 0644); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := os.WriteFile(filepath.Join(pinDir, "direction"), []byte("out"), 0644); err != nil {
		return err
	}
	return os.WriteFile(valuePath, []byte(strconv.Itoa(value)), 0644)
}

func (r *ResetLine) chip() string {
	if r.Chip != "" {
		return r.Chip
	}
	// Pi 5 exposes the header on gpiochip4, earlier boards on gpiochip0
	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		if strings.Contains(string(data), "Raspberry Pi 5") {
			return "gpiochip4"
		}
	}
	return "gpiochip0"
}

func (r *ResetLine) exec(ctx context.Context, name string, args ...string) (string, error) {
	if r.Exec != nil {
		return r.Exec(ctx, name, args...)
	}
	return execWithTimeout(ctx, name, args...)
}

func (r *ResetLine) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func execWithTimeout(ctx context.Context, name string, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultExecTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("command timed out")
	}
	return string(out), err
}

// NopResetter does nothing. It is used when no reset line is wired.
type NopResetter struct{}

func (NopResetter) Pulse(context.Context) error { return nil }
