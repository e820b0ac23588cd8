// Package uplink wraps modem sessions in the retry-and-reset loop and drains
// the transmit directory through it.
package uplink

import (
	"context"
	"os"
	"time"

	"github.com/JRGInc/Water-Meter-Imager/internal/devices"
	"github.com/JRGInc/Water-Meter-Imager/internal/logging"
	"github.com/JRGInc/Water-Meter-Imager/internal/modem"
)

// Session runs single session attempts. *modem.Modem implements it.
type Session interface {
	Name() string
	Upload(ctx context.Context, job modem.Job) modem.Outcome
	Request(ctx context.Context, req modem.Request) modem.Outcome
}

// Uplink retries whole sessions, pulsing the modem reset line before each.
type Uplink struct {
	Session  Session
	Reset    devices.Resetter
	Attempts int
	Log      logging.Logger
	Metrics  *Metrics
}

// Transmit sends the file at path under remoteName. The returned outcome is
// the last attempt's; ProtocolError is false only on success.
func (u *Uplink) Transmit(ctx context.Context, path, remoteName string) modem.Outcome {
	log := logging.OrNop(u.Log)
	started := time.Now()
	job := modem.Job{Path: path, RemoteName: remoteName}

	out, attempts := u.retry(ctx, func(n int) modem.Outcome {
		log.Info("Attempting to transmit file %s to server (attempt %d)", path, n)
		out := u.Session.Upload(ctx, job)
		if out.ProtocolError {
			log.Warn("Experienced error during transmission of file %s", path)
		}
		return out
	})

	u.Metrics.ObserveTransmission("file", out.OK())
	if out.OK() {
		if fi, err := os.Stat(path); err == nil {
			u.Metrics.AddBytes(fi.Size())
		}
	} else {
		log.Error("Failed to send file %s after %d attempt(s)", path, attempts)
	}
	log.Info("File transmission time elapsed: %s", time.Since(started).Round(time.Millisecond))
	return out
}

// Request sends a control message through the same retry loop.
func (u *Uplink) Request(ctx context.Context, req modem.Request) modem.Outcome {
	log := logging.OrNop(u.Log)
	log.Info("Attempting %s request %s", u.Session.Name(), req.Body)

	out, attempts := u.retry(ctx, func(int) modem.Outcome {
		out := u.Session.Request(ctx, req)
		if out.ProtocolError {
			log.Warn("Experienced error during request %s", req.Body)
		}
		return out
	})

	u.Metrics.ObserveTransmission("control", out.OK())
	if !out.OK() {
		log.Error("Failed to send request %s after %d attempt(s)", req.Body, attempts)
	}
	return out
}

func (u *Uplink) retry(ctx context.Context, attempt func(n int) modem.Outcome) (modem.Outcome, int) {
	log := logging.OrNop(u.Log)
	limit := u.Attempts
	if limit < 1 {
		limit = 1
	}

	out := modem.Outcome{ProtocolError: true}
	n := 0
	for n < limit {
		if err := ctx.Err(); err != nil {
			log.Warn("Transmission abandoned: %v", err)
			break
		}
		n++

		if u.Reset != nil {
			u.Metrics.IncReset()
			if err := u.Reset.Pulse(ctx); err != nil {
				log.Warn("%s reset failed: %v", u.Session.Name(), err)
			} else {
				log.Info("%s reset executed", u.Session.Name())
			}
		}

		started := time.Now()
		out = attempt(n)
		u.Metrics.ObserveAttempt(u.Session.Name(), out.OK(), time.Since(started))
		if out.OK() {
			break
		}
	}
	return out, n
}
