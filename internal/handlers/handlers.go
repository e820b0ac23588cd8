// Package handlers exposes the uplink over a small local HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/JRGInc/Water-Meter-Imager/internal/logging"
	"github.com/JRGInc/Water-Meter-Imager/internal/modem"
	"github.com/JRGInc/Water-Meter-Imager/internal/uplink"
)

// BatchRunner drains the transmit queue. *uplink.Batch implements it.
type BatchRunner interface {
	// RunLocked runs a batch for a caller already holding the modem lock.
	RunLocked(ctx context.Context) (uplink.Report, error)
	Running() bool
	Last() (uplink.Report, bool)
}

// Requester sends control messages with retry. *uplink.Uplink implements it.
type Requester interface {
	Request(ctx context.Context, req modem.Request) modem.Outcome
}

// Querier runs single query sessions. *modem.Modem implements it.
type Querier interface {
	Signal(ctx context.Context) (modem.Signal, modem.Outcome)
	NetworkTime(ctx context.Context) (time.Time, modem.Outcome)
}

// UplinkHandler serves the uplink endpoints. Every operation that touches the
// modem takes Lock and gets 409 while anyone else, including a scheduled
// batch, holds it.
type UplinkHandler struct {
	Batch    BatchRunner
	Uplink   Requester
	Modem    Querier
	Variant  string
	Hostname string
	Log      logging.Logger
	// Lock must be the same lock the batch uses. A nil Lock gives the
	// handler a private one.
	Lock *uplink.ModemLock

	// BaseContext bounds background jobs. Background when nil.
	BaseContext context.Context

	once sync.Once
	own  *uplink.ModemLock
	wg   sync.WaitGroup
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

func acceptedResponse(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusAccepted, map[string]interface{}{
		"status":  "accepted",
		"message": message,
	})
}

func outcomeFields(out modem.Outcome) map[string]interface{} {
	return map[string]interface{}{
		"ok":             out.OK(),
		"protocol_error": out.ProtocolError,
		"serial_error":   out.SerialError,
	}
}

// Wait blocks until background jobs started by the handler have returned.
func (h *UplinkHandler) Wait() {
	h.wg.Wait()
}

func (h *UplinkHandler) log() logging.Logger {
	return logging.OrNop(h.Log)
}

func (h *UplinkHandler) baseContext() context.Context {
	if h.BaseContext != nil {
		return h.BaseContext
	}
	return context.Background()
}

func (h *UplinkHandler) lock() *uplink.ModemLock {
	if h.Lock != nil {
		return h.Lock
	}
	h.once.Do(func() { h.own = &uplink.ModemLock{} })
	return h.own
}

// acquire claims the modem for a handler.
func (h *UplinkHandler) acquire() bool {
	return h.lock().TryAcquire()
}

func (h *UplinkHandler) release() {
	h.lock().Release()
}

// background runs job detached from the request, holding the modem claim
// until it returns.
func (h *UplinkHandler) background(name string, job func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.release()
		started := time.Now()
		job(h.baseContext())
		h.log().Info("%s finished in %s", name, time.Since(started).Round(time.Millisecond))
	}()
}
