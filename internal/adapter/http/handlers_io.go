package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Strob0t/ProbeCore/internal/domain/stage"
)

// channelParam parses the {channel} URL parameter.
func channelParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	ch, err := strconv.Atoi(urlParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "channel must be an integer")
		return 0, false
	}
	return ch, true
}

// SetDigitalOutput handles POST /api/v1/io/digital/output with
// {"channel": 1, "value": true}. true locks the contact sensor.
func (h *Handlers) SetDigitalOutput(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Channel *int  `json:"channel"`
		Value   *bool `json:"value"`
	}
	if !decodeInto(w, body, &req) {
		return
	}
	if req.Channel == nil || req.Value == nil {
		writeError(w, http.StatusBadRequest, "channel and value are required")
		return
	}
	lock, err := h.IO.SetContactLock(r.Context(), *req.Channel, *req.Value)
	if err != nil {
		writeDomainError(w, err, "failed to set digital output")
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

// DigitalOutput handles GET /api/v1/io/digital/output/{channel}.
func (h *Handlers) DigitalOutput(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	lock, err := h.IO.ContactLock(r.Context(), ch)
	if err != nil {
		writeDomainError(w, err, "failed to read digital output")
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

// AnalogInput handles GET /api/v1/io/analog/input/{channel}.
func (h *Handlers) AnalogInput(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	sig, err := h.IO.ContactSignal(r.Context(), ch)
	if err != nil {
		writeDomainError(w, err, "failed to read analog input")
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// ConnectionStatus handles GET /api/v1/connection/status.
func (h *Handlers) ConnectionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.IO.Status(r.Context()))
}

// batchAxes decodes {"axis_ids": [...]}; entries may be numbers or names.
func batchAxes(w http.ResponseWriter, r *http.Request) ([]stage.AxisID, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return nil, false
	}
	var req struct {
		AxisIDs []axisParam `json:"axis_ids"`
	}
	if !decodeInto(w, body, &req) {
		return nil, false
	}
	if len(req.AxisIDs) == 0 {
		writeError(w, http.StatusBadRequest, "axis_ids is required")
		return nil, false
	}
	axes := make([]stage.AxisID, len(req.AxisIDs))
	for i, a := range req.AxisIDs {
		axes[i] = stage.AxisID(a)
	}
	return axes, true
}

// ServoBatchOn handles POST /api/v1/servo/batch/on.
func (h *Handlers) ServoBatchOn(w http.ResponseWriter, r *http.Request) { h.servoBatch(w, r, true) }

// ServoBatchOff handles POST /api/v1/servo/batch/off.
func (h *Handlers) ServoBatchOff(w http.ResponseWriter, r *http.Request) { h.servoBatch(w, r, false) }

func (h *Handlers) servoBatch(w http.ResponseWriter, r *http.Request, on bool) {
	axes, ok := batchAxes(w, r)
	if !ok {
		return
	}
	if err := h.Positions.SetServos(r.Context(), axes, on); err != nil {
		writeDomainError(w, err, "axis not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"axis_ids": axes, "servo_on": on})
}

// WaitReady handles POST /api/v1/servo/wait_ready with {"axis_id": 3}.
func (h *Handlers) WaitReady(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Axis axisParam `json:"axis_id"`
	}
	if !decodeInto(w, body, &req) {
		return
	}
	if req.Axis == 0 {
		writeError(w, http.StatusBadRequest, "axis_id is required")
		return
	}
	h.waitReady(w, r, []stage.AxisID{stage.AxisID(req.Axis)})
}

// WaitReadyBatch handles POST /api/v1/servo/batch/wait_ready.
func (h *Handlers) WaitReadyBatch(w http.ResponseWriter, r *http.Request) {
	axes, ok := batchAxes(w, r)
	if !ok {
		return
	}
	h.waitReady(w, r, axes)
}

func (h *Handlers) waitReady(w http.ResponseWriter, r *http.Request, axes []stage.AxisID) {
	timeout := h.ReadyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ready, err := h.Positions.WaitReady(r.Context(), axes, timeout)
	if err != nil {
		writeDomainError(w, err, "axis not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"axis_ids": axes, "ready": ready})
}
