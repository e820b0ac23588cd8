package uplink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JRGInc/Water-Meter-Imager/internal/logging"
)

// Runner is the job a Schedule fires. *Batch implements it.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// Schedule fires a batch every interval. Ticks that land while a batch is
// still running are skipped.
type Schedule struct {
	cron *cron.Cron
	id   cron.EntryID
}

// NewSchedule registers batch on an "@every" schedule. Runs use ctx, so
// cancelling it aborts the batch in flight.
func NewSchedule(ctx context.Context, interval time.Duration, batch Runner, log logging.Logger) (*Schedule, error) {
	if interval < time.Minute {
		return nil, fmt.Errorf("schedule interval %s is below one minute", interval)
	}
	log = logging.OrNop(log)
	cl := cronLogger{log: log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	id, err := c.AddFunc("@every "+interval.String(), func() {
		rep, err := batch.Run(ctx)
		switch {
		case errors.Is(err, ErrBusy):
			log.Info("Skipping scheduled batch, another is running")
		case err != nil:
			log.Error("Scheduled batch failed: %v", err)
		case rep.Aborted:
			log.Warn("Scheduled batch aborted after %d file(s)", len(rep.Files))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule batch: %w", err)
	}
	return &Schedule{cron: c, id: id}, nil
}

// Start begins firing in the background.
func (s *Schedule) Start() { s.cron.Start() }

// Next returns the next fire time, zero before Start.
func (s *Schedule) Next() time.Time {
	return s.cron.Entry(s.id).Next
}

// Stop halts the schedule and returns a context done once the running batch,
// if any, has returned.
func (s *Schedule) Stop() context.Context {
	return s.cron.Stop()
}

type cronLogger struct {
	log logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: %s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
