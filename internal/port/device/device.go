// Package device defines the port interfaces for the stage controller.
//
// Start commands return as soon as the controller accepts them; the work
// continues in firmware. Status reads are fast. Stop commands block until the
// driver has accepted them, which is not the same as the hardware having
// halted: callers confirm the halt by polling status.
package device

import (
	"context"

	"github.com/Strob0t/ProbeCore/internal/domain/stage"
)

// Motion drives individual axes.
type Motion interface {
	AxisStatus(ctx context.Context, axis stage.AxisID) (stage.AxisStatus, error)
	MoveAbsolute(ctx context.Context, axis stage.AxisID, target, speed float64) error
	StopAxis(ctx context.Context, axis stage.AxisID) error
	StopAll(ctx context.Context) error
	SetServo(ctx context.Context, axis stage.AxisID, on bool) error
}

// AngleAdjuster runs the controller's contact angle-adjustment routine.
type AngleAdjuster interface {
	StartAngleAdjustment(ctx context.Context, params stage.AngleParams) error
	AngleAdjustmentStatus(ctx context.Context, side stage.Side) (stage.AngleStatus, error)
	StopAngleAdjustment(ctx context.Context, side stage.Side) error
}

// Aligner runs the controller's optical alignment routine.
type Aligner interface {
	StartAlignment(ctx context.Context, params stage.AlignParams) error
	AlignmentStatus(ctx context.Context) (stage.AlignStatus, error)
	AlignmentResult(ctx context.Context) (stage.AlignResult, error)
	StopAlignment(ctx context.Context) error
}

// Inputs reads analog channels and reads or drives digital outputs.
type Inputs interface {
	AnalogInput(ctx context.Context, channel int) (float64, error)
	DigitalOutput(ctx context.Context, output int) (bool, error)
	SetDigitalOutput(ctx context.Context, output int, on bool) error
}

// Controller is the full capability set of a stage controller.
type Controller interface {
	Motion
	AngleAdjuster
	Aligner
	Inputs
	Connected() bool
}
