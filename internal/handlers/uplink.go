package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/JRGInc/Water-Meter-Imager/internal/modem"
	"github.com/JRGInc/Water-Meter-Imager/internal/uplink"
)

// HealthCheck reports liveness.
func (h *UplinkHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "januswm-uplink",
	})
}

// Status returns the modem variant, whether it is busy and the last batch.
func (h *UplinkHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"variant":  h.Variant,
		"hostname": h.Hostname,
		"busy":     h.lock().Held(),
	}
	if h.Batch != nil {
		resp["batch_running"] = h.Batch.Running()
		if last, ok := h.Batch.Last(); ok {
			resp["last_batch"] = map[string]interface{}{
				"started":        last.Started,
				"elapsed":        last.Elapsed.String(),
				"collected_logs": last.Collected,
				"sent":           last.Sent(),
				"files":          last.Files,
				"aborted":        last.Aborted,
			}
		}
	}
	jsonResponse(w, http.StatusOK, resp)
}

// RunBatch starts a batch in the background.
func (h *UplinkHandler) RunBatch(w http.ResponseWriter, r *http.Request) {
	if h.Batch == nil {
		errorResponse(w, http.StatusServiceUnavailable, "batch not configured")
		return
	}
	if !h.acquire() {
		errorResponse(w, http.StatusConflict, uplink.ErrBusy.Error())
		return
	}
	h.background("batch", func(ctx context.Context) {
		rep, err := h.Batch.RunLocked(ctx)
		switch {
		case errors.Is(err, uplink.ErrBusy):
			h.log().Warn("Batch requested while another was running")
		case err != nil:
			h.log().Error("Batch failed: %v", err)
		default:
			h.log().Info("Batch sent %d of %d file(s)", rep.Sent(), len(rep.Files))
		}
	})
	acceptedResponse(w, "batch started")
}

// UpdateConfig asks the server for this device's pending configuration.
func (h *UplinkHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	h.control(w, "update-config", modem.UpdateConfig(h.Hostname))
}

// ClearList asks the server to clear this device's command list.
func (h *UplinkHandler) ClearList(w http.ResponseWriter, r *http.Request) {
	h.control(w, "clear-list", modem.ClearList(h.Hostname))
}

func (h *UplinkHandler) control(w http.ResponseWriter, name string, req modem.Request) {
	if h.Uplink == nil {
		errorResponse(w, http.StatusServiceUnavailable, "uplink not configured")
		return
	}
	if !h.acquire() {
		errorResponse(w, http.StatusConflict, "modem busy")
		return
	}
	h.background(name, func(ctx context.Context) {
		if out := h.Uplink.Request(ctx, req); !out.OK() {
			h.log().Error("%s request failed (serial error: %t)", name, out.SerialError)
		}
	})
	acceptedResponse(w, name+" started")
}

// Signal queries the received signal strength.
func (h *UplinkHandler) Signal(w http.ResponseWriter, r *http.Request) {
	if h.Modem == nil {
		errorResponse(w, http.StatusServiceUnavailable, "modem not configured")
		return
	}
	if !h.acquire() {
		errorResponse(w, http.StatusConflict, "modem busy")
		return
	}
	defer h.release()

	sig, out := h.Modem.Signal(r.Context())
	if !out.OK() {
		resp := outcomeFields(out)
		resp["error"] = "signal query failed"
		jsonResponse(w, http.StatusBadGateway, resp)
		return
	}
	resp := outcomeFields(out)
	resp["rssi"] = sig.RSSI
	resp["ber"] = sig.BER
	resp["known"] = sig.Known()
	if sig.Known() {
		resp["dbm"] = sig.DBm()
	}
	jsonResponse(w, http.StatusOK, resp)
}

// NetworkTime reads the network clock from the modem.
func (h *UplinkHandler) NetworkTime(w http.ResponseWriter, r *http.Request) {
	if h.Modem == nil {
		errorResponse(w, http.StatusServiceUnavailable, "modem not configured")
		return
	}
	if !h.acquire() {
		errorResponse(w, http.StatusConflict, "modem busy")
		return
	}
	defer h.release()

	t, out := h.Modem.NetworkTime(r.Context())
	if !out.OK() {
		resp := outcomeFields(out)
		resp["error"] = "clock query failed"
		jsonResponse(w, http.StatusBadGateway, resp)
		return
	}
	resp := outcomeFields(out)
	resp["time"] = t.Format(time.RFC3339)
	resp["utc"] = t.UTC().Format(time.RFC3339)
	jsonResponse(w, http.StatusOK, resp)
}
