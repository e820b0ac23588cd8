package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JRGInc/Water-Meter-Imager/internal/modem"
	"github.com/JRGInc/Water-Meter-Imager/internal/uplink"
)

type fakeBatch struct {
	mu      sync.Mutex
	runs    int
	running bool
	last    *uplink.Report
	release chan struct{}
}

func (f *fakeBatch) RunLocked(context.Context) (uplink.Report, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	rep := uplink.Report{Files: []uplink.FileResult{{Name: "a.jpg", Sent: true}}}
	f.mu.Lock()
	f.last = &rep
	f.mu.Unlock()
	return rep, nil
}

func (f *fakeBatch) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeBatch) Last() (uplink.Report, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return uplink.Report{}, false
	}
	return *f.last, true
}

type fakeRequester struct {
	mu   sync.Mutex
	sent []string
	out  modem.Outcome
}

func (f *fakeRequester) Request(_ context.Context, req modem.Request) modem.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(req.Body))
	return f.out
}

type fakeQuerier struct {
	sig  modem.Signal
	when time.Time
	out  modem.Outcome
}

func (f *fakeQuerier) Signal(context.Context) (modem.Signal, modem.Outcome) { return f.sig, f.out }

func (f *fakeQuerier) NetworkTime(context.Context) (time.Time, modem.Outcome) { return f.when, f.out }

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	rec, body := do(t, NewRouter(&UplinkHandler{}, nil), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestRunBatchInBackground(t *testing.T) {
	b := &fakeBatch{}
	h := &UplinkHandler{Batch: b, Variant: "sim800", Hostname: "wm-01"}
	r := NewRouter(h, nil)

	rec, _ := do(t, r, http.MethodPost, "/uplink/batch")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	h.Wait()
	assert.Equal(t, 1, b.runs)

	rec, body := do(t, r, http.MethodGet, "/uplink/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sim800", body["variant"])
	assert.Equal(t, false, body["busy"])
	last, ok := body["last_batch"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, last["sent"])
}

func TestModemIsExclusive(t *testing.T) {
	b := &fakeBatch{release: make(chan struct{})}
	req := &fakeRequester{}
	h := &UplinkHandler{Batch: b, Uplink: req, Modem: &fakeQuerier{}}
	r := NewRouter(h, nil)

	rec, _ := do(t, r, http.MethodPost, "/uplink/batch")
	require.Equal(t, http.StatusAccepted, rec.Code)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/uplink/batch"},
		{http.MethodPost, "/uplink/update-config"},
		{http.MethodGet, "/modem/signal"},
		{http.MethodGet, "/modem/time"},
	} {
		rec, body := do(t, r, tc.method, tc.path)
		assert.Equal(t, http.StatusConflict, rec.Code, tc.path)
		assert.EqualValues(t, http.StatusConflict, body["code"], tc.path)
	}

	close(b.release)
	h.Wait()
	assert.Empty(t, req.sent)
}

func TestScheduledBatchBlocksHandlers(t *testing.T) {
	lock := &uplink.ModemLock{}
	require.True(t, lock.TryAcquire())
	h := &UplinkHandler{Batch: &fakeBatch{running: true}, Modem: &fakeQuerier{}, Uplink: &fakeRequester{}, Lock: lock}
	r := NewRouter(h, nil)

	rec, _ := do(t, r, http.MethodGet, "/modem/signal")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec, _ = do(t, r, http.MethodPost, "/uplink/clear-list")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, lock.Held())
}

type blockingQuerier struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingQuerier) Signal(context.Context) (modem.Signal, modem.Outcome) {
	close(b.entered)
	<-b.release
	return modem.Signal{RSSI: 15}, modem.Outcome{}
}

func (b *blockingQuerier) NetworkTime(context.Context) (time.Time, modem.Outcome) {
	return time.Time{}, modem.Outcome{}
}

type recordingTransmitter struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingTransmitter) Transmit(_ context.Context, path, _ string) modem.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return modem.Outcome{}
}

func (r *recordingTransmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func TestQueryHoldsModemAgainstScheduledBatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img.jpg"), []byte("jpeg"), 0644))

	lock := &uplink.ModemLock{}
	tx := &recordingTransmitter{}
	batch := &uplink.Batch{Uplink: tx, Dir: dir, Hostname: "wm-01", Lock: lock}
	querier := &blockingQuerier{entered: make(chan struct{}), release: make(chan struct{})}
	h := &UplinkHandler{Batch: batch, Modem: querier, Lock: lock}
	r := NewRouter(h, nil)

	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/modem/signal", nil))
		done <- rec.Code
	}()
	<-querier.entered

	// The schedule calls Run directly.
	_, err := batch.Run(context.Background())
	assert.ErrorIs(t, err, uplink.ErrBusy)
	assert.Zero(t, tx.count())

	close(querier.release)
	assert.Equal(t, http.StatusOK, <-done)
	assert.False(t, lock.Held())

	rep, err := batch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent())
	assert.Equal(t, 1, tx.count())
}

func TestBatchHoldsModemAgainstQueries(t *testing.T) {
	lock := &uplink.ModemLock{}
	b := &fakeBatch{release: make(chan struct{})}
	h := &UplinkHandler{Batch: b, Modem: &fakeQuerier{}, Lock: lock}
	r := NewRouter(h, nil)

	rec, _ := do(t, r, http.MethodPost, "/uplink/batch")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, lock.Held())

	rec, _ = do(t, r, http.MethodGet, "/modem/time")
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(b.release)
	h.Wait()
	assert.False(t, lock.Held())
}

func TestControlRequests(t *testing.T) {
	req := &fakeRequester{}
	h := &UplinkHandler{Uplink: req, Hostname: "wm-01"}
	r := NewRouter(h, nil)

	rec, _ := do(t, r, http.MethodPost, "/uplink/update-config")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	h.Wait()
	rec, _ = do(t, r, http.MethodPost, "/uplink/clear-list")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	h.Wait()

	require.Len(t, req.sent, 2)
	assert.Equal(t, string(modem.UpdateConfig("wm-01").Body), req.sent[0])
	assert.Equal(t, string(modem.ClearList("wm-01").Body), req.sent[1])
}

func TestSignal(t *testing.T) {
	h := &UplinkHandler{Modem: &fakeQuerier{sig: modem.Signal{RSSI: 20, BER: 0}}}
	rec, body := do(t, NewRouter(h, nil), http.MethodGet, "/modem/signal")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 20, body["rssi"])
	assert.EqualValues(t, -73, body["dbm"])
	assert.Equal(t, true, body["ok"])
}

func TestSignalFailureReportsOutcome(t *testing.T) {
	h := &UplinkHandler{Modem: &fakeQuerier{out: modem.Outcome{ProtocolError: true, SerialError: true}}}
	rec, body := do(t, NewRouter(h, nil), http.MethodGet, "/modem/signal")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, true, body["serial_error"])
	assert.False(t, h.lock().Held())
}

func TestNetworkTime(t *testing.T) {
	when := time.Date(2024, 3, 5, 14, 22, 7, 0, time.FixedZone("", -4*3600))
	h := &UplinkHandler{Modem: &fakeQuerier{when: when}}
	rec, body := do(t, NewRouter(h, nil), http.MethodGet, "/modem/time")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-03-05T14:22:07-04:00", body["time"])
	assert.Equal(t, "2024-03-05T18:22:07Z", body["utc"])
}

func TestUnconfigured(t *testing.T) {
	r := NewRouter(&UplinkHandler{}, nil)
	for _, path := range []string{"/uplink/batch", "/uplink/clear-list"} {
		rec, _ := do(t, r, http.MethodPost, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
	rec, _ := do(t, r, http.MethodGet, "/modem/time")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := uplink.MustNewMetrics(reg)
	m.IncReset()

	rec, _ := do(t, NewRouter(&UplinkHandler{}, reg), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "januswm_uplink_resets_total 1")
}
