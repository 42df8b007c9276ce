package stage

import "fmt"

// ProfileParams configures a single-axis signal profile scan centred on the
// axis's current position.
type ProfileParams struct {
	MainAxis      AxisID  `json:"main_axis_number" validate:"min=1,max=12"`
	SignalChannel int     `json:"signal_ch_number" validate:"min=1"`
	Range         float64 `json:"main_range" validate:"gt=0"`
	Step          float64 `json:"step" validate:"gt=0"`
	Speed         float64 `json:"speed" validate:"gt=0"`
}

// MaxProfilePoints bounds one scan to what the controller returns in ten
// 1000-point packets.
const MaxProfilePoints = 10000

// Points returns the number of samples the scan takes, including both ends.
// Scans longer than MaxProfilePoints report MaxProfilePoints+1.
func (p ProfileParams) Points() int {
	if p.Step <= 0 || p.Range <= 0 {
		return 0
	}
	steps := p.Range / p.Step
	if steps >= MaxProfilePoints {
		return MaxProfilePoints + 1
	}
	return int(steps) + 1
}

// CheckPoints reports why the scan cannot run, or "" when its point count
// is within [2, MaxProfilePoints].
func (p ProfileParams) CheckPoints() string {
	switch n := p.Points(); {
	case n < 2:
		return "main_range must cover at least one step"
	case n > MaxProfilePoints:
		return fmt.Sprintf("main_range/step exceeds %d points", MaxProfilePoints)
	}
	return ""
}

// ProfilePoint is one sample of a profile scan.
type ProfilePoint struct {
	Position float64 `json:"position"`
	Signal   float64 `json:"signal"`
}

// Peak returns the index of the highest-signal sample, or -1 for no samples.
func Peak(points []ProfilePoint) int {
	best := -1
	for i, p := range points {
		if best < 0 || p.Signal > points[best].Signal {
			best = i
		}
	}
	return best
}

// ProfileResult is the outcome of a completed profile scan.
type ProfileResult struct {
	MainAxis        AxisID         `json:"main_axis_number"`
	SignalChannel   int            `json:"signal_ch_number"`
	Points          []ProfilePoint `json:"data_points"`
	PeakIndex       int            `json:"peak_index"`
	PeakPosition    float64        `json:"peak_position"`
	PeakSignal      float64        `json:"peak_value"`
	InitialPosition float64        `json:"main_axis_initial_position"`
	FinalPosition   float64        `json:"main_axis_final_position"`
}
