package stage

// Side selects the left or right probe stage for angle adjustment.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Wiring describes the hardware attached to one stage side.
type Wiring struct {
	SignalChannel int    `json:"signal_channel"`
	LockOutput    int    `json:"lock_output"` // digital output that is true while the contact sensor is locked
	ContactAxis   AxisID `json:"contact_axis"`
}

// Wiring returns the fixed channel/axis mapping for the side.
func (s Side) Wiring() Wiring {
	if s == SideRight {
		return Wiring{SignalChannel: 6, LockOutput: 2, ContactAxis: AxisZ2}
	}
	return Wiring{SignalChannel: 5, LockOutput: 1, ContactAxis: AxisZ1}
}

// AnglePhase is the controller's sub-phase while adjusting.
type AnglePhase string

const (
	PhaseNotAdjusting AnglePhase = "not_adjusting"
	PhaseInitializing AnglePhase = "initializing"
	PhaseContactingZ  AnglePhase = "contacting_z"
	PhaseAdjustingTx  AnglePhase = "adjusting_tx"
	PhaseAdjustingTy  AnglePhase = "adjusting_ty"
)

// Percent maps a phase to a coarse progress value.
func (p AnglePhase) Percent() float64 {
	switch p {
	case PhaseNotAdjusting:
		return 0
	case PhaseInitializing:
		return 20
	case PhaseContactingZ:
		return 40
	case PhaseAdjustingTx:
		return 60
	case PhaseAdjustingTy:
		return 80
	}
	return 50
}

// AngleState is the controller-reported outcome code of an adjustment.
type AngleState string

const (
	AngleStopping         AngleState = "stopping"
	AngleSuccess          AngleState = "success"
	AngleAdjusting        AngleState = "adjusting"
	AngleProfileDataOver  AngleState = "profile_data_over"
	AngleInvalidParameter AngleState = "invalid_parameter"
	AngleServoNotReady    AngleState = "servo_not_ready"
	AngleServoAlarm       AngleState = "servo_alarm"
	AngleStageOnLimit     AngleState = "stage_on_limit"
	AngleSignalLowerLimit AngleState = "signal_lower_limit"
	AngleCouldNotContact  AngleState = "could_not_contact"
	AngleAdjustCountOver  AngleState = "adjust_count_over"
	AngleRangeOver        AngleState = "angle_range_over"
	AngleLostContact      AngleState = "lost_contact"
)

// AngleStatus is one poll of the angle-adjustment engine.
type AngleStatus struct {
	State AngleState `json:"state"`
	Phase AnglePhase `json:"phase"`
}

// AngleParams configures an angle adjustment run.
type AngleParams struct {
	Side               Side    `json:"stage" validate:"required,oneof=left right"`
	Gap                float64 `json:"gap" validate:"gte=0"`
	SignalLowerLimit   float64 `json:"signal_lower_limit" validate:"gte=0"`
	ContactSearchRange float64 `json:"contact_search_range" validate:"gt=0"`
	ContactSearchSpeed float64 `json:"contact_search_speed" validate:"gt=0"`
	PushDistance       float64 `json:"push_distance" validate:"gte=0"`
	SearchRangeTx      float64 `json:"angle_search_range_tx" validate:"gte=0,lte=10"`
	SearchRangeTy      float64 `json:"angle_search_range_ty" validate:"gte=0,lte=10"`
	SearchSpeedTx      float64 `json:"angle_search_speed_tx" validate:"gte=0"`
	SearchSpeedTy      float64 `json:"angle_search_speed_ty" validate:"gte=0"`
	ConvergentRange    float64 `json:"angle_convergent_range" validate:"gte=0"`
	MaxCount           int     `json:"angle_max_count" validate:"gte=0,lte=99"`
}

// DefaultAngleParams returns the controller's recommended parameters.
func DefaultAngleParams(side Side) AngleParams {
	return AngleParams{
		Side:               side,
		Gap:                4.0,
		SignalLowerLimit:   0.4,
		ContactSearchRange: 5000,
		ContactSearchSpeed: 100,
		PushDistance:       20,
		SearchRangeTx:      5,
		SearchRangeTy:      5,
		SearchSpeedTx:      1,
		SearchSpeedTy:      1,
		ConvergentRange:    0.05,
		MaxCount:           5,
	}
}

// AngleResult is the outcome of a successful angle adjustment.
type AngleResult struct {
	Side              Side    `json:"stage"`
	InitialSignal     float64 `json:"initial_signal"`
	FinalSignal       float64 `json:"final_signal"`
	SignalImprovement float64 `json:"signal_improvement"`
	ExecutionSeconds  float64 `json:"execution_time"`
}
