package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
	"github.com/Strob0t/ProbeCore/internal/port/broadcast"
	"github.com/Strob0t/ProbeCore/internal/port/messagequeue"
	"github.com/Strob0t/ProbeCore/internal/service"
)

// Version is reported by the API root and /health.
const Version = "0.1.0"

// Handlers holds the services the REST API calls.
type Handlers struct {
	Tasks     *service.TaskService
	Positions *service.PositionService
	IO        *service.IOService
	Device    interface{ Connected() bool }
	Hub       broadcast.Broadcaster
	Queue     messagequeue.Queue // nil when NATS is disabled
	Cache     interface{ HitRatio() float64 }

	// ReadyTimeout bounds the servo wait_ready endpoints; 10s when zero.
	ReadyTimeout time.Duration
}

// submitResponse is returned by every task-creating endpoint.
type submitResponse struct {
	TaskID        string      `json:"task_id"`
	Status        task.Status `json:"status"`
	OperationType task.Kind   `json:"operation_type"`
}

// ---------------------------------------------------------------------------
// Task submission
// ---------------------------------------------------------------------------

// MoveAbsolute handles POST /api/v1/move/absolute.
func (h *Handlers) MoveAbsolute(w http.ResponseWriter, r *http.Request) {
	handleSubmit(w, r, h.Tasks.StartMove)
}

// MoveRelative handles POST /api/v1/move/relative.
func (h *Handlers) MoveRelative(w http.ResponseWriter, r *http.Request) {
	handleSubmit(w, r, h.Tasks.StartRelativeMove)
}

// AngleAdjustment handles POST /api/v1/angle-adjustment/execute. Fields
// left out of the body take the controller's recommended values for the
// requested stage.
func (h *Handlers) AngleAdjustment(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var head struct {
		Side stage.Side `json:"stage"`
	}
	if !decodeInto(w, body, &head) {
		return
	}
	if head.Side == "" {
		head.Side = stage.SideLeft
	}
	p := stage.DefaultAngleParams(head.Side)
	if !decodeInto(w, body, &p) {
		return
	}
	submitted(w, r, p, h.Tasks.StartAngleAdjustment)
}

// FlatAlignment handles POST /api/v1/alignment/flat/execute.
func (h *Handlers) FlatAlignment(w http.ResponseWriter, r *http.Request) {
	h.alignment(w, r, stage.AlignFlat)
}

// FocusAlignment handles POST /api/v1/alignment/focus/execute.
func (h *Handlers) FocusAlignment(w http.ResponseWriter, r *http.Request) {
	h.alignment(w, r, stage.AlignFocus)
}

func (h *Handlers) alignment(w http.ResponseWriter, r *http.Request, mode stage.AlignMode) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	p := stage.DefaultAlignParams(mode)
	if !decodeInto(w, body, &p) {
		return
	}
	p.Mode = mode
	submitted(w, r, p, h.Tasks.StartAlignment)
}

// ProfileMeasure handles POST /api/v1/profile/measure.
func (h *Handlers) ProfileMeasure(w http.ResponseWriter, r *http.Request) {
	handleSubmit(w, r, h.Tasks.StartProfile)
}

// ---------------------------------------------------------------------------
// Task inspection and control
// ---------------------------------------------------------------------------

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel. The body may carry a
// reason.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeInto(w, body, &req) {
		return
	}
	t, err := h.Tasks.Cancel(r.Context(), urlParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTasks handles GET /api/v1/tasks?limit=&operation_type=.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	var filter task.HistoryFilter
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if s := r.URL.Query().Get("operation_type"); s != "" {
		filter.Kind = task.Kind(s)
		if !filter.Kind.Valid() {
			writeError(w, http.StatusBadRequest, "unknown operation_type "+strconv.Quote(s))
			return
		}
	}
	writeJSON(w, http.StatusOK, h.Tasks.History(filter))
}

// CurrentTask handles GET /api/v1/tasks/current.
func (h *Handlers) CurrentTask(w http.ResponseWriter, _ *http.Request) {
	t, ok := h.Tasks.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no active task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ---------------------------------------------------------------------------
// Device control
// ---------------------------------------------------------------------------

// StopAxis handles POST /api/v1/move/stop with {"axis": 3} or {"axis": "Z1"}.
func (h *Handlers) StopAxis(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Axis axisParam `json:"axis"`
	}
	if !decodeInto(w, body, &req) {
		return
	}
	if req.Axis == 0 {
		writeError(w, http.StatusBadRequest, "axis is required")
		return
	}
	axis := stage.AxisID(req.Axis)
	if err := h.Positions.StopAxis(r.Context(), axis); err != nil {
		writeDomainError(w, err, "axis not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "axis": axis.String()})
}

// EmergencyStop handles POST /api/v1/move/emergency-stop.
func (h *Handlers) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.Tasks.EmergencyStop(r.Context())
	if err != nil {
		writeDomainError(w, err, "emergency stop failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "cancelled_task": cancelled})
}

// ListPositions handles GET /api/v1/positions.
func (h *Handlers) ListPositions(w http.ResponseWriter, r *http.Request) {
	axes, err := h.Positions.Positions(r.Context())
	if err != nil {
		writeDomainError(w, err, "positions unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": axes})
}

// Position handles GET /api/v1/positions/{axis}.
func (h *Handlers) Position(w http.ResponseWriter, r *http.Request) {
	axis, err := stage.ParseAxis(urlParam(r, "axis"))
	if err != nil {
		writeDomainError(w, err, "axis not found")
		return
	}
	st, err := h.Positions.Position(r.Context(), axis)
	if err != nil {
		writeDomainError(w, err, "axis not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ServoOn handles POST /api/v1/servo/{axis}/on.
func (h *Handlers) ServoOn(w http.ResponseWriter, r *http.Request) { h.servo(w, r, true) }

// ServoOff handles POST /api/v1/servo/{axis}/off.
func (h *Handlers) ServoOff(w http.ResponseWriter, r *http.Request) { h.servo(w, r, false) }

func (h *Handlers) servo(w http.ResponseWriter, r *http.Request, on bool) {
	axis, err := stage.ParseAxis(urlParam(r, "axis"))
	if err != nil {
		writeDomainError(w, err, "axis not found")
		return
	}
	if err := h.Positions.SetServo(r.Context(), axis, on); err != nil {
		writeDomainError(w, err, "axis not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"axis": axis.String(), "servo_on": on})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

type healthStatus struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	DeviceConnected  bool    `json:"device_connected"`
	NATS             string  `json:"nats"`
	WebSocketClients int     `json:"ws_clients"`
	CacheHitRatio    float64 `json:"cache_hit_ratio"`
	ActiveTask       string  `json:"active_task,omitempty"`
}

// Health handles GET /health. It returns 503 when the controller is gone.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	st := healthStatus{Status: "ok", Version: Version, NATS: "disabled"}
	if h.Device != nil {
		st.DeviceConnected = h.Device.Connected()
	}
	if h.Queue != nil {
		st.NATS = "disconnected"
		if h.Queue.IsConnected() {
			st.NATS = "connected"
		}
	}
	if h.Hub != nil {
		st.WebSocketClients = h.Hub.ConnectionCount()
	}
	if h.Cache != nil {
		st.CacheHitRatio = h.Cache.HitRatio()
	}
	if t, ok := h.Tasks.Current(); ok {
		st.ActiveTask = t.ID
	}

	code := http.StatusOK
	if !st.DeviceConnected {
		st.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

// axisParam accepts an axis as a JSON number or name.
type axisParam stage.AxisID

func (a *axisParam) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if n, err := strconv.Unquote(s); err == nil {
		s = n
	}
	id, err := stage.ParseAxis(s)
	if err != nil {
		return err
	}
	*a = axisParam(id)
	return nil
}
