package modem

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/JRGInc/Water-Meter-Imager/internal/at"
	"github.com/JRGInc/Water-Meter-Imager/internal/devices"
)

// Variant names accepted by New.
const (
	VariantSIM800  = "sim800"
	VariantSIM5320 = "sim5320"
)

var (
	// ErrUnknownVariant is returned by New for an unsupported modem family.
	ErrUnknownVariant = errors.New("unknown modem variant")
	// ErrPayloadTooLarge marks a body the variant cannot send in one block.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Driver is one modem family's command vocabulary over the shared session
// lifecycle. Each method returns true on protocol error.
type Driver interface {
	Name() string
	// Table returns the termination rule per command kind.
	Table() at.Table
	// Aborts returns notification lines that fail any pending command.
	Aborts() []string
	// ResetSteps is the power-cycle sequence for this family.
	ResetSteps() []devices.Step
	// MaxPayload is the largest body the family sends, zero when chunking
	// removes the limit.
	MaxPayload() int

	// Start brings the data context up and opens the remote session.
	Start(s *Session) bool
	// SendRecv sends req as one data block and drains the response.
	SendRecv(s *Session, req Request) bool
	// Upload sends a file body, chunked when the family requires it.
	Upload(s *Session, job Job, body []byte) bool
	// Stop closes the remote session and context.
	Stop(s *Session) bool

	// ClockEnable is the command that turns on network time updates.
	ClockEnable() at.Command
}

// Config is the per-session connection setup.
type Config struct {
	APN     string
	Address string
	Port    int
	// Hostname identifies the device in control and metadata requests.
	Hostname string
	// BringUpAttempts bounds the in-session context bring-up retry. Zero
	// selects the family default.
	BringUpAttempts int
	// Now stamps text file names. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) hostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	h, err := os.Hostname()
	if err != nil {
		return "januswm"
	}
	return h
}

// New returns the driver for a modem family.
func New(variant string, cfg Config) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(variant)) {
	case VariantSIM800:
		return newSIM800(cfg), nil
	case VariantSIM5320:
		return newSIM5320(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
}

func cmd(name, args string) at.Command {
	return at.Command{Name: name, Args: args}
}

func cmdKind(name, args string, kind at.Kind) at.Command {
	return at.Command{Name: name, Args: args, Kind: kind}
}
