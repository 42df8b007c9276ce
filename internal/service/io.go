package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/ProbeCore/internal/adapter/otel"
	"github.com/Strob0t/ProbeCore/internal/domain"
	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/port/device"
)

// Contact-sensing channels wired on the station.
var (
	lockOutputs   = []int{1, 2} // left, right contact sensor lock
	contactInputs = []int{5, 6} // left, right contact signal
)

// ContactLock is the state of one contact sensor lock output.
type ContactLock struct {
	Channel int  `json:"channel"`
	Locked  bool `json:"value"`
}

// ContactSignal is one contact-sensing analog reading.
type ContactSignal struct {
	Channel int     `json:"channel"`
	Voltage float64 `json:"voltage"`
}

// SystemStatus summarizes the controller link and axis error flags.
type SystemStatus struct {
	Connected    bool      `json:"is_connected"`
	Error        bool      `json:"is_error"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ActiveTask   string    `json:"active_task,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// IOService exposes the contact-sensing I/O and the controller status.
// Locking a sensor is allowed while a task runs: a locked sensor makes an
// angle adjustment refuse to start, and an operator must be able to lock one
// at any time.
type IOService struct {
	dev     device.Controller
	tasks   *TaskManager
	metrics *cfotel.Metrics
}

// NewIOService creates an IOService.
func NewIOService(dev device.Controller, tasks *TaskManager) *IOService {
	return &IOService{dev: dev, tasks: tasks}
}

// SetMetrics enables the device error counter.
func (s *IOService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// ContactLock reads a contact sensor lock output.
func (s *IOService) ContactLock(ctx context.Context, channel int) (ContactLock, error) {
	if !slices.Contains(lockOutputs, channel) {
		return ContactLock{}, fmt.Errorf("%w: digital output channel %d, only 1 and 2 are supported", domain.ErrValidation, channel)
	}
	locked, err := s.dev.DigitalOutput(ctx, channel)
	if err != nil {
		s.deviceError(ctx, "digital_output")
		return ContactLock{}, fmt.Errorf("%w: read digital output %d: %v", domain.ErrDeviceFault, channel, err)
	}
	return ContactLock{Channel: channel, Locked: locked}, nil
}

// SetContactLock drives a contact sensor lock output. true means locked.
func (s *IOService) SetContactLock(ctx context.Context, channel int, locked bool) (ContactLock, error) {
	if !slices.Contains(lockOutputs, channel) {
		return ContactLock{}, fmt.Errorf("%w: digital output channel %d, only 1 and 2 are supported", domain.ErrValidation, channel)
	}
	ctx, span := cfotel.StartDeviceSpan(context.WithoutCancel(ctx), "set_digital_output", 0)
	defer span.End()
	span.SetAttributes(attribute.Int("device.channel", channel), attribute.Bool("device.locked", locked))

	if err := s.dev.SetDigitalOutput(ctx, channel, locked); err != nil {
		s.deviceError(ctx, "set_digital_output")
		return ContactLock{}, fmt.Errorf("%w: set digital output %d: %v", domain.ErrDeviceFault, channel, err)
	}
	slog.InfoContext(ctx, "contact sensor lock changed", "channel", channel, "locked", locked)
	return ContactLock{Channel: channel, Locked: locked}, nil
}

// ContactSignal reads a contact-sensing analog input.
func (s *IOService) ContactSignal(ctx context.Context, channel int) (ContactSignal, error) {
	if !slices.Contains(contactInputs, channel) {
		return ContactSignal{}, fmt.Errorf("%w: analog input channel %d, only 5 and 6 are supported", domain.ErrValidation, channel)
	}
	v, err := s.dev.AnalogInput(ctx, channel)
	if err != nil {
		s.deviceError(ctx, "analog_input")
		return ContactSignal{}, fmt.Errorf("%w: read analog input %d: %v", domain.ErrDeviceFault, channel, err)
	}
	return ContactSignal{Channel: channel, Voltage: v}, nil
}

// Status reports whether the controller is reachable and whether any axis
// has its error flag raised.
func (s *IOService) Status(ctx context.Context) SystemStatus {
	st := SystemStatus{Connected: s.dev.Connected(), Timestamp: time.Now().UTC()}
	if t, ok := s.tasks.CurrentTask(); ok {
		st.ActiveTask = t.ID
	}
	if !st.Connected {
		st.Error = true
		st.ErrorMessage = "controller disconnected"
		return st
	}
	for _, axis := range stage.AllAxes() {
		a, err := s.dev.AxisStatus(ctx, axis)
		if err != nil {
			st.Error = true
			st.ErrorMessage = fmt.Sprintf("read %s: %v", axis, err)
			return st
		}
		if a.Error {
			st.Error = true
			st.ErrorMessage = fmt.Sprintf("%s reported error code %d", axis, a.ErrorCode)
			return st
		}
	}
	return st
}

func (s *IOService) deviceError(ctx context.Context, command string) {
	if s.metrics == nil {
		return
	}
	s.metrics.DeviceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("device.command", command)))
}
