// v2
// internal/control/geothermal.go
package control

import (
	"math"
	"math/rand"
	"time"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
)

const (
	geoStageCount       = 4
	geoDefaultSetpoint  = 45.0
	geoDefaultDeadband  = 1.75
	geoDefaultIncrement = 2.0
	// geoMinStageRuntime: a stage that changed must hold for this long
	// before the next staging step.
	geoMinStageRuntime = 180 * time.Second
)

// Geothermal stages up to four heat-rejection stages off the loop
// temperature. One stage change per run, never faster than the minimum
// stage runtime, and the stage start order rotates randomly to equalize
// wear.
type Geothermal struct{}

func NewGeothermal() *Geothermal { return &Geothermal{} }

func (g *Geothermal) Kind() model.Kind { return model.KindGeothermal }

func (g *Geothermal) Compute(in Inputs) ([]Result, error) {
	s := in.Settings
	setpoint := s.Float("loopSetpoint", geoDefaultSetpoint)
	band := s.Float("deadband", geoDefaultDeadband)
	inc := s.Float("stageIncrement", geoDefaultIncrement)
	if inc <= 0 {
		inc = geoDefaultIncrement
	}

	if in.State.Geo == nil {
		in.State.Geo = &GeoState{}
	}
	geo := in.State.Geo
	if len(geo.StageOrder) != geoStageCount {
		geo.StageOrder = shuffledStages()
	}

	desired := geo.ActiveStages
	if in.HasTemp {
		desired = desiredStages(in.ControlTemp, setpoint, band, inc, geo.ActiveStages)
	}

	// One step per run, gated on minimum stage runtime.
	if desired != geo.ActiveStages {
		if geo.LastChangeAt.IsZero() || in.Now.Sub(geo.LastChangeAt) >= geoMinStageRuntime {
			if desired > geo.ActiveStages {
				geo.ActiveStages++
			} else {
				geo.ActiveStages--
			}
			geo.LastChangeAt = in.Now
			// All stages off: reshuffle so the next start leads with a
			// different stage.
			if geo.ActiveStages == 0 {
				geo.StageOrder = shuffledStages()
			}
		}
	}

	enabled := make([]bool, geoStageCount)
	for i := 0; i < geo.ActiveStages && i < geoStageCount; i++ {
		enabled[geo.StageOrder[i]-1] = true
	}

	out := []Result{
		{Command: "stage1Enabled", Value: enabled[0]},
		{Command: "stage2Enabled", Value: enabled[1]},
		{Command: "stage3Enabled", Value: enabled[2]},
		{Command: "stage4Enabled", Value: enabled[3]},
		{Command: "targetSetpoint", Value: setpoint},
	}
	if in.HasTemp {
		out = append(out, Result{Command: "loopTemp", Value: in.ControlTemp})
	}
	return out, nil
}

// desiredStages maps loop temperature onto a stage count. Above the
// deadband each increment of overshoot asks for one more stage; inside the
// deadband demand relaxes toward a single stage; below the deadband
// everything shuts off.
func desiredStages(loop, setpoint, band, inc float64, active int) int {
	switch {
	case loop >= setpoint+band:
		n := 1 + int(math.Floor((loop-setpoint-band)/inc))
		if n > geoStageCount {
			n = geoStageCount
		}
		return n
	case loop <= setpoint-band:
		return 0
	default:
		if active > 0 {
			return 1
		}
		return 0
	}
}

func shuffledStages() []int {
	order := []int{1, 2, 3, 4}
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	return order
}
