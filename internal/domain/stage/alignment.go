package stage

// AlignMode selects flat (2D) or focus (3D) optical alignment.
type AlignMode string

const (
	AlignFlat  AlignMode = "flat"
	AlignFocus AlignMode = "focus"
)

// AlignPhase is the controller's sub-phase while aligning.
type AlignPhase string

const (
	PhaseNotAligning    AlignPhase = "not_aligning"
	PhaseAlignInit      AlignPhase = "initializing"
	PhaseFieldSearching AlignPhase = "field_searching"
	PhasePeakSearchX    AlignPhase = "peak_searching_x"
	PhasePeakSearchY    AlignPhase = "peak_searching_y"
	PhasePeakSearchZ    AlignPhase = "peak_searching_z"
)

// Percent maps a phase to a coarse progress value. Focus alignment has one
// more peak-search pass, so its phases are spaced tighter.
func (p AlignPhase) Percent(mode AlignMode) float64 {
	switch p {
	case PhaseNotAligning:
		return 0
	case PhaseAlignInit:
		return 10
	case PhaseFieldSearching:
		return 30
	case PhasePeakSearchX:
		if mode == AlignFocus {
			return 50
		}
		return 60
	case PhasePeakSearchY:
		if mode == AlignFocus {
			return 70
		}
		return 85
	case PhasePeakSearchZ:
		return 85
	}
	return 50
}

// AlignState is the controller-reported outcome code of an alignment.
type AlignState string

const (
	AlignStopping             AlignState = "stopping"
	AlignSuccess              AlignState = "success"
	AlignAligning             AlignState = "aligning"
	AlignFieldSearchRangeOver AlignState = "field_search_range_over"
	AlignPeakSearchCountOver  AlignState = "peak_search_count_over"
	AlignPeakSearchRangeOver  AlignState = "peak_search_range_over"
	AlignInvalidParameter     AlignState = "invalid_parameter"
	AlignServoNotReady        AlignState = "servo_not_ready"
	AlignStageOnLimit         AlignState = "stage_on_limit"
	AlignVoltageLimit         AlignState = "voltage_limit"
	AlignPMDisconnected       AlignState = "pm_disconnected"
)

// AlignStatus is one poll of the alignment engine.
type AlignStatus struct {
	State AlignState `json:"state"`
	Phase AlignPhase `json:"phase"`
}

// AlignParams configures a flat or focus alignment run.
type AlignParams struct {
	Mode             AlignMode `json:"mode" validate:"required,oneof=flat focus"`
	AxisX            AxisID    `json:"main_axis_x" validate:"min=1,max=12"`
	AxisY            AxisID    `json:"main_axis_y" validate:"min=1,max=12"`
	AxisZ            AxisID    `json:"main_axis_z,omitempty" validate:"omitempty,min=1,max=12"`
	AnalogChannel    int       `json:"analog_ch" validate:"min=1"`
	SearchRangeX     float64   `json:"search_range_x" validate:"gt=0"`
	SearchRangeY     float64   `json:"search_range_y" validate:"gt=0"`
	FieldSearchSpeed float64   `json:"field_search_speed" validate:"gt=0"`
	PeakSearchSpeed  float64   `json:"peak_search_speed" validate:"gt=0"`
	PeakThreshold    float64   `json:"peak_search_threshold" validate:"gte=0,lt=100"`
	MaxRepeatCount   int       `json:"max_repeat_count" validate:"min=1,max=99"`
}

// DefaultAlignParams returns the controller's recommended parameters for mode.
func DefaultAlignParams(mode AlignMode) AlignParams {
	if mode == AlignFocus {
		return AlignParams{
			Mode:             AlignFocus,
			AxisX:            AxisX2,
			AxisY:            AxisY2,
			AxisZ:            AxisZ2,
			AnalogChannel:    1,
			SearchRangeX:     500,
			SearchRangeY:     500,
			FieldSearchSpeed: 1000,
			PeakSearchSpeed:  5,
			PeakThreshold:    40,
			MaxRepeatCount:   10,
		}
	}
	return AlignParams{
		Mode:             AlignFlat,
		AxisX:            AxisX2,
		AxisY:            AxisY2,
		AnalogChannel:    1,
		SearchRangeX:     15,
		SearchRangeY:     10,
		FieldSearchSpeed: 100,
		PeakSearchSpeed:  10,
		PeakThreshold:    10,
		MaxRepeatCount:   10,
	}
}

// AlignResult is the outcome of a successful alignment.
type AlignResult struct {
	PeakX      float64 `json:"peak_position_x"`
	PeakY      float64 `json:"peak_position_y"`
	PeakZ      float64 `json:"peak_position_z,omitempty"`
	PeakSignal float64 `json:"peak_signal"`

	Mode             AlignMode `json:"mode"`
	InitialSignal    float64   `json:"initial_signal"`
	ExecutionSeconds float64   `json:"execution_time"`
}
