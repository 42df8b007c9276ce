// Package stage defines the probe station's axes, stages and measurement
// parameters.
package stage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Strob0t/ProbeCore/internal/domain"
)

// AxisID numbers the controller's axes 1..12.
type AxisID int

// Axis numbering as wired on the controller.
const (
	AxisX1 AxisID = iota + 1
	AxisY1
	AxisZ1
	AxisTX1
	AxisTY1
	AxisTZ1
	AxisX2
	AxisY2
	AxisZ2
	AxisTX2
	AxisTY2
	AxisTZ2
)

// AxisCount is the number of axes on the controller.
const AxisCount = 12

var axisNames = [AxisCount]string{"X1", "Y1", "Z1", "TX1", "TY1", "TZ1", "X2", "Y2", "Z2", "TX2", "TY2", "TZ2"}

// Unit of an axis position.
type Unit string

const (
	UnitMicrometer Unit = "um"
	UnitDegree     Unit = "deg"
)

// Limits are the soft travel limits of an axis.
type Limits struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether pos lies within the limits, inclusive.
func (l Limits) Contains(pos float64) bool {
	return pos >= l.Min && pos <= l.Max
}

// Valid reports whether id names a real axis.
func (id AxisID) Valid() bool {
	return id >= AxisX1 && id <= AxisTZ2
}

// String returns the axis name (e.g. "TX1").
func (id AxisID) String() string {
	if !id.Valid() {
		return "axis(" + strconv.Itoa(int(id)) + ")"
	}
	return axisNames[id-1]
}

// Rotational reports whether the axis is a tilt/rotation axis.
func (id AxisID) Rotational() bool {
	return strings.HasPrefix(id.String(), "T")
}

// Unit returns the unit positions of this axis are expressed in.
func (id AxisID) Unit() Unit {
	if id.Rotational() {
		return UnitDegree
	}
	return UnitMicrometer
}

// Limits returns the axis soft limits.
func (id AxisID) Limits() Limits {
	switch id.String()[:len(id.String())-1] {
	case "X", "Y":
		return Limits{Min: -25000, Max: 25000}
	case "Z":
		return Limits{Min: -15000, Max: 15000}
	case "TX", "TY":
		return Limits{Min: -10, Max: 10}
	case "TZ":
		return Limits{Min: -180, Max: 180}
	}
	return Limits{}
}

// ParseAxis accepts an axis number ("3") or a case-insensitive name ("z1").
func ParseAxis(s string) (AxisID, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		id := AxisID(n)
		if !id.Valid() {
			return 0, fmt.Errorf("%w: axis %d out of range 1..%d", domain.ErrValidation, n, AxisCount)
		}
		return id, nil
	}
	for i, name := range axisNames {
		if strings.EqualFold(name, s) {
			return AxisID(i + 1), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown axis %q", domain.ErrValidation, s)
}

// AllAxes returns every axis in controller order.
func AllAxes() []AxisID {
	ids := make([]AxisID, AxisCount)
	for i := range ids {
		ids[i] = AxisID(i + 1)
	}
	return ids
}

// AxisStatus is a single status read from the controller.
type AxisStatus struct {
	Axis      AxisID  `json:"axis"`
	Name      string  `json:"name"`
	Position  float64 `json:"position"`
	Unit      Unit    `json:"unit"`
	IsMoving  bool    `json:"is_moving"`
	ServoOn   bool    `json:"servo_on"`
	Error     bool    `json:"error"`
	ErrorCode int     `json:"error_code,omitempty"`
}

// DefaultSpeed is used when a move request leaves speed unset (µm/s or deg/s).
const DefaultSpeed = 1000.0

// MoveParams is an absolute single-axis move.
type MoveParams struct {
	Axis   AxisID  `json:"axis_id" validate:"min=1,max=12"`
	Target float64 `json:"position"`
	Speed  float64 `json:"speed" validate:"gt=0"`
}

// RelativeMoveParams is a single-axis move by a signed distance.
type RelativeMoveParams struct {
	Axis     AxisID  `json:"axis_id" validate:"min=1,max=12"`
	Distance float64 `json:"distance"`
	Speed    float64 `json:"speed" validate:"gt=0"`
}

// MoveResult is the outcome of a completed axis move.
type MoveResult struct {
	Axis             AxisID  `json:"axis"`
	AxisName         string  `json:"axis_name"`
	InitialPosition  float64 `json:"initial_position"`
	TargetPosition   float64 `json:"target_position"`
	FinalPosition    float64 `json:"final_position"`
	Distance         float64 `json:"distance"`
	ExecutionSeconds float64 `json:"execution_time"`
}
