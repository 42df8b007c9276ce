package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	cfotel "github.com/Strob0t/ProbeCore/internal/adapter/otel"
	"github.com/Strob0t/ProbeCore/internal/adapter/ws"
	"github.com/Strob0t/ProbeCore/internal/domain"
	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/port/broadcast"
	"github.com/Strob0t/ProbeCore/internal/port/cache"
	"github.com/Strob0t/ProbeCore/internal/port/device"
	"github.com/Strob0t/ProbeCore/internal/resilience"
)

const positionsKey = "positions:all"

// DefaultReadyTimeout bounds WaitReady when no timeout is given.
const DefaultReadyTimeout = 10 * time.Second

const readyPollInterval = 50 * time.Millisecond

// PositionService serves axis positions and the direct, non-task controller
// commands. Reads go through a short-lived cache and a circuit breaker so a
// burst of clients or a dead controller cannot flood the device.
type PositionService struct {
	dev     device.Controller
	cache   cache.Cache
	breaker *resilience.Breaker
	tasks   *TaskManager
	ttl     time.Duration
	metrics *cfotel.Metrics
}

// NewPositionService creates a PositionService. c and breaker may be nil.
func NewPositionService(dev device.Controller, c cache.Cache, breaker *resilience.Breaker, tasks *TaskManager, ttl time.Duration) *PositionService {
	return &PositionService{dev: dev, cache: c, breaker: breaker, tasks: tasks, ttl: ttl}
}

// SetMetrics enables the device error counter.
func (s *PositionService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// Positions returns the status of every axis in controller order.
func (s *PositionService) Positions(ctx context.Context) ([]stage.AxisStatus, error) {
	var out []stage.AxisStatus
	if s.cached(ctx, positionsKey, &out) {
		return out, nil
	}

	err := s.guard(ctx, "axis_status", func() error {
		out = make([]stage.AxisStatus, 0, stage.AxisCount)
		for _, id := range stage.AllAxes() {
			st, err := s.dev.AxisStatus(ctx, id)
			if err != nil {
				return fmt.Errorf("read %s: %w", id, err)
			}
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.store(ctx, positionsKey, out)
	return out, nil
}

// Position returns the status of one axis.
func (s *PositionService) Position(ctx context.Context, axis stage.AxisID) (stage.AxisStatus, error) {
	if !axis.Valid() {
		return stage.AxisStatus{}, fmt.Errorf("%w: axis %d out of range 1..%d", domain.ErrValidation, axis, stage.AxisCount)
	}
	key := "position:" + strconv.Itoa(int(axis))

	var st stage.AxisStatus
	if s.cached(ctx, key, &st) {
		return st, nil
	}
	err := s.guard(ctx, "axis_status", func() error {
		var err error
		st, err = s.dev.AxisStatus(ctx, axis)
		return err
	})
	if err != nil {
		return stage.AxisStatus{}, err
	}
	s.store(ctx, key, st)
	return st, nil
}

// StopAxis halts one axis. It is allowed while a task is active; the task's
// own poll loop observes the halt.
func (s *PositionService) StopAxis(ctx context.Context, axis stage.AxisID) error {
	if !axis.Valid() {
		return fmt.Errorf("%w: axis %d out of range 1..%d", domain.ErrValidation, axis, stage.AxisCount)
	}
	ctx, span := cfotel.StartDeviceSpan(context.WithoutCancel(ctx), "stop_axis", int(axis))
	defer span.End()

	if err := s.dev.StopAxis(ctx, axis); err != nil {
		s.deviceError(ctx, "stop_axis")
		return fmt.Errorf("%w: stop %s: %v", domain.ErrDeviceFault, axis, err)
	}
	s.invalidate(ctx, axis)
	slog.InfoContext(ctx, "axis stopped", "axis", axis.String())
	return nil
}

// SetServo switches an axis servo. It is refused while a task holds the
// device, and no task can start until the command returns.
func (s *PositionService) SetServo(ctx context.Context, axis stage.AxisID, on bool) error {
	if !axis.Valid() {
		return fmt.Errorf("%w: axis %d out of range 1..%d", domain.ErrValidation, axis, stage.AxisCount)
	}

	ctx, span := cfotel.StartDeviceSpan(ctx, "set_servo", int(axis))
	defer span.End()
	span.SetAttributes(attribute.Bool("device.servo_on", on))

	err := s.tasks.withIdle(func() error {
		if err := s.dev.SetServo(ctx, axis, on); err != nil {
			s.deviceError(ctx, "set_servo")
			return fmt.Errorf("%w: servo %s: %v", domain.ErrDeviceFault, axis, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, axis)
	slog.InfoContext(ctx, "servo switched", "axis", axis.String(), "on", on)
	return nil
}

// SetServos switches several servos in one command. Every axis is checked
// before any is switched, and the whole batch runs with no task active.
func (s *PositionService) SetServos(ctx context.Context, axes []stage.AxisID, on bool) error {
	if len(axes) == 0 {
		return fmt.Errorf("%w: axis_ids must not be empty", domain.ErrValidation)
	}
	for _, axis := range axes {
		if !axis.Valid() {
			return fmt.Errorf("%w: axis %d out of range 1..%d", domain.ErrValidation, axis, stage.AxisCount)
		}
	}

	ctx, span := cfotel.StartDeviceSpan(ctx, "set_servos", 0)
	defer span.End()
	span.SetAttributes(attribute.Bool("device.servo_on", on), attribute.Int("device.axis_count", len(axes)))

	var done []stage.AxisID
	err := s.tasks.withIdle(func() error {
		for _, axis := range axes {
			if err := s.dev.SetServo(ctx, axis, on); err != nil {
				s.deviceError(ctx, "set_servo")
				return fmt.Errorf("%w: servo %s: %v", domain.ErrDeviceFault, axis, err)
			}
			done = append(done, axis)
		}
		return nil
	})
	for _, axis := range done {
		s.invalidate(ctx, axis)
	}
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "servos switched", "axes", len(axes), "on", on)
	return nil
}

// WaitReady polls the axes until each is servo-on, idle and error-free, or
// until timeout. It reports false on timeout.
func (s *PositionService) WaitReady(ctx context.Context, axes []stage.AxisID, timeout time.Duration) (bool, error) {
	if len(axes) == 0 {
		return false, fmt.Errorf("%w: axis_ids must not be empty", domain.ErrValidation)
	}
	for _, axis := range axes {
		if !axis.Valid() {
			return false, fmt.Errorf("%w: axis %d out of range 1..%d", domain.ErrValidation, axis, stage.AxisCount)
		}
	}
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending := slices.Clone(axes)
	lim := rate.NewLimiter(rate.Every(readyPollInterval), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return false, nil
		}
		var still []stage.AxisID
		for _, axis := range pending {
			st, err := s.dev.AxisStatus(ctx, axis)
			if err != nil {
				if ctx.Err() != nil {
					return false, nil
				}
				s.deviceError(ctx, "axis_status")
				return false, fmt.Errorf("%w: read %s: %v", domain.ErrDeviceFault, axis, err)
			}
			if !st.ServoOn || st.IsMoving || st.Error {
				still = append(still, axis)
			}
		}
		if len(still) == 0 {
			return true, nil
		}
		pending = still
	}
}

// Stream broadcasts position updates at ratePerSec until ctx is done. Ticks
// with no connected clients skip the device read.
func (s *PositionService) Stream(ctx context.Context, hub broadcast.Broadcaster, ratePerSec float64) error {
	if ratePerSec <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Limit(ratePerSec), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if hub.ConnectionCount() == 0 {
			continue
		}
		axes, err := s.Positions(ctx)
		if err != nil {
			if !errors.Is(err, resilience.ErrCircuitOpen) {
				slog.WarnContext(ctx, "position stream read failed", "error", err)
			}
			continue
		}
		hub.BroadcastEvent(ctx, ws.EventPositionUpdate, ws.PositionUpdateEvent{
			Axes:      axes,
			Timestamp: time.Now().UTC(),
		})
	}
}

// guard runs fn behind the breaker and wraps device failures.
func (s *PositionService) guard(ctx context.Context, command string, fn func() error) error {
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(fn)
	} else {
		err = fn()
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		return fmt.Errorf("%w: %v", domain.ErrDeviceFault, err)
	case errors.Is(err, domain.ErrValidation):
		return err
	}
	s.deviceError(ctx, command)
	return fmt.Errorf("%w: %v", domain.ErrDeviceFault, err)
}

func (s *PositionService) deviceError(ctx context.Context, command string) {
	if s.metrics == nil {
		return
	}
	s.metrics.DeviceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("device.command", command)))
}

func (s *PositionService) cached(ctx context.Context, key string, dst any) bool {
	if s.cache == nil || s.ttl <= 0 {
		return false
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func (s *PositionService) store(ctx context.Context, key string, v any) {
	if s.cache == nil || s.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		slog.DebugContext(ctx, "position cache set failed", "key", key, "error", err)
	}
}

func (s *PositionService) invalidate(ctx context.Context, axis stage.AxisID) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, positionsKey)
	_ = s.cache.Delete(ctx, "position:"+strconv.Itoa(int(axis)))
}
