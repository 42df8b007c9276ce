// Package simstage implements the device port with an in-process simulated
// stage controller. Motion is integrated from wall-clock time on every call,
// so no background goroutine is needed and readings are exact between calls.
package simstage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Strob0t/ProbeCore/internal/domain/stage"
)

// Errors returned for commands the real controller would reject.
var (
	ErrServoOff     = errors.New("servo is off")
	ErrOutOfLimits  = errors.New("target outside soft limits")
	ErrInvalidSpeed = errors.New("speed must be positive")
	ErrAxisFault    = errors.New("axis is in error state")
	ErrBusy         = errors.New("routine already running")
	ErrDisconnected = errors.New("controller disconnected")
)

// Config tunes the simulation.
type Config struct {
	PhaseDuration time.Duration // time spent in each angle/alignment phase
	Noise         float64       // amplitude of uniform noise on analog inputs
	Seed          uint64
}

// DefaultConfig returns settings that make routines take a couple of seconds.
func DefaultConfig() Config {
	return Config{
		PhaseDuration: 400 * time.Millisecond,
		Noise:         0.002,
		Seed:          1,
	}
}

type axisState struct {
	pos       float64
	target    float64
	speed     float64
	moving    bool
	servo     bool
	errorCode int
	updated   time.Time
}

// routine is a phased controller routine (angle adjustment or alignment).
type routine struct {
	started time.Time
	phases  int
	active  bool
	stopped bool
	outcome string // terminal state reported once all phases elapse
}

// Controller is a simulated 12-axis stage controller.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	axes      [stage.AxisCount]axisState
	angle     map[stage.Side]*routine
	angleNext map[stage.Side]stage.AngleState
	align     *routine
	alignMode stage.AlignMode
	alignArgs stage.AlignParams
	alignPeak stage.AlignResult
	outputs   map[int]bool
	boost     map[int]float64
	optimum   [2]float64 // X2/Y2 position of peak coupling
	rng       *rand.Rand
	closed    bool
	now       func() time.Time
}

// New creates a controller with every servo on and every axis at zero.
func New(cfg Config) *Controller {
	if cfg.PhaseDuration <= 0 {
		cfg.PhaseDuration = DefaultConfig().PhaseDuration
	}
	c := &Controller{
		cfg:       cfg,
		angle:     make(map[stage.Side]*routine),
		angleNext: make(map[stage.Side]stage.AngleState),
		outputs:   map[int]bool{1: false, 2: false},
		boost:     make(map[int]float64),
		optimum:   [2]float64{12.5, -7.5},
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		now:       time.Now,
	}
	now := c.now()
	for i := range c.axes {
		c.axes[i] = axisState{servo: true, updated: now}
	}
	return c
}

// Connected reports whether the controller is usable.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close marks the controller disconnected and halts all motion.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	for i := range c.axes {
		c.axes[i].moving = false
	}
	c.closed = true
	return nil
}

// advance integrates motion up to now. Must be called with c.mu held.
func (c *Controller) advance() {
	now := c.now()
	for i := range c.axes {
		a := &c.axes[i]
		if a.moving {
			step := a.speed * now.Sub(a.updated).Seconds()
			d := a.target - a.pos
			if math.Abs(d) <= step {
				a.pos = a.target
				a.moving = false
			} else {
				a.pos += math.Copysign(step, d)
			}
		}
		a.updated = now
	}
}

func (c *Controller) axis(id stage.AxisID) (*axisState, error) {
	if c.closed {
		return nil, ErrDisconnected
	}
	if !id.Valid() {
		return nil, fmt.Errorf("unknown axis %d", int(id))
	}
	return &c.axes[id-1], nil
}

// AxisStatus implements device.Motion.
func (c *Controller) AxisStatus(_ context.Context, id stage.AxisID) (stage.AxisStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.axis(id)
	if err != nil {
		return stage.AxisStatus{}, err
	}
	c.advance()
	return stage.AxisStatus{
		Axis:      id,
		Name:      id.String(),
		Position:  a.pos,
		Unit:      id.Unit(),
		IsMoving:  a.moving,
		ServoOn:   a.servo,
		Error:     a.errorCode != 0,
		ErrorCode: a.errorCode,
	}, nil
}

// MoveAbsolute implements device.Motion.
func (c *Controller) MoveAbsolute(_ context.Context, id stage.AxisID, target, speed float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.axis(id)
	if err != nil {
		return err
	}
	switch {
	case !a.servo:
		return fmt.Errorf("move %s: %w", id, ErrServoOff)
	case a.errorCode != 0:
		return fmt.Errorf("move %s: %w (code %d)", id, ErrAxisFault, a.errorCode)
	case speed <= 0:
		return fmt.Errorf("move %s: %w", id, ErrInvalidSpeed)
	case !id.Limits().Contains(target):
		return fmt.Errorf("move %s to %.3f: %w", id, target, ErrOutOfLimits)
	}
	c.advance()
	a.target = target
	a.speed = speed
	a.moving = a.pos != target
	return nil
}

// StopAxis implements device.Motion. The axis halts at its current position.
func (c *Controller) StopAxis(_ context.Context, id stage.AxisID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.axis(id)
	if err != nil {
		return err
	}
	c.advance()
	a.moving = false
	a.target = a.pos
	return nil
}

// StopAll implements device.Motion. It also aborts any running routine.
func (c *Controller) StopAll(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDisconnected
	}
	c.advance()
	for i := range c.axes {
		c.axes[i].moving = false
		c.axes[i].target = c.axes[i].pos
	}
	for _, r := range c.angle {
		r.stop()
	}
	if c.align != nil {
		c.align.stop()
	}
	return nil
}

// SetServo implements device.Motion. Turning a servo off halts the axis.
func (c *Controller) SetServo(_ context.Context, id stage.AxisID, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.axis(id)
	if err != nil {
		return err
	}
	c.advance()
	if !on {
		a.moving = false
		a.target = a.pos
	}
	a.servo = on
	return nil
}

// InjectFault raises the axis error flag with code, halting the axis.
// A code of 0 clears the fault.
func (c *Controller) InjectFault(id stage.AxisID, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !id.Valid() {
		return
	}
	c.advance()
	a := &c.axes[id-1]
	if code != 0 {
		a.moving = false
	}
	a.errorCode = code
}

// SetDigitalOutput implements device.Inputs. Outputs 1 and 2 lock the
// left and right contact sensors when true.
func (c *Controller) SetDigitalOutput(_ context.Context, output int, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDisconnected
	}
	if output < 1 {
		return fmt.Errorf("invalid digital output %d", output)
	}
	c.outputs[output] = on
	return nil
}

// DigitalOutput implements device.Inputs.
func (c *Controller) DigitalOutput(_ context.Context, output int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrDisconnected
	}
	return c.outputs[output], nil
}

// AnalogInput implements device.Inputs. Channels 1-4 follow the optical
// coupling between the X2/Y2 position and a fixed optimum; channels 5 and 6
// carry the left/right contact signals.
func (c *Controller) AnalogInput(_ context.Context, channel int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrDisconnected
	}
	if channel < 1 {
		return 0, fmt.Errorf("invalid analog channel %d", channel)
	}
	c.advance()

	var v float64
	switch {
	case channel <= 4:
		dx := c.axes[stage.AxisX2-1].pos - c.optimum[0]
		dy := c.axes[stage.AxisY2-1].pos - c.optimum[1]
		const sigma = 50.0
		v = 5 * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
	default:
		v = 0.5
	}
	v += c.boost[channel]
	if c.cfg.Noise > 0 {
		v += (c.rng.Float64()*2 - 1) * c.cfg.Noise
	}
	return v, nil
}
