// v2
// internal/control/chiller.go
package control

import (
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
)

const (
	// chillerEnableOAT: no mechanical cooling below this outdoor temperature.
	chillerEnableOAT = 55.0
	chillerOffOAT    = 52.0

	// chillerDefaultSetpoint sits at the low edge of the accepted setpoint
	// range; sites running colder water pin the clamp floor.
	chillerDefaultSetpoint = 50.0

	chillerStageBand = 3.0
)

// Chiller enables mechanical cooling on outdoor temperature with two
// compressor stages staged off the chilled-water supply.
type Chiller struct{}

func NewChiller() *Chiller { return &Chiller{} }

func (c *Chiller) Kind() model.Kind { return model.KindChiller }

func (c *Chiller) Compute(in Inputs) ([]Result, error) {
	s := in.Settings
	setpoint := s.Float("chilledWaterSetpoint", chillerDefaultSetpoint)

	// Outdoor enable with hysteresis; missing outdoor holds the last state.
	enSt := in.State.Hyst("enable")
	if in.HasTemp {
		switch {
		case in.ControlTemp >= s.Float("enableOAT", chillerEnableOAT):
			enSt.IsOn = true
		case in.ControlTemp <= s.Float("disableOAT", chillerOffOAT):
			enSt.IsOn = false
		}
	}
	enabled := enSt.IsOn && s.Bool("enabled", true)

	// Lag chillers idle until promoted.
	if in.Lead.GroupID != "" && !in.Lead.IsLead && !in.Lead.LeadFailed {
		enabled = false
	}

	stage1, stage2 := false, false
	if enabled {
		supply, ok := in.Metrics.Float("waterSupplyTemperature")
		if !ok {
			// No supply reading: run first stage only.
			stage1 = true
		} else {
			band := s.Float("stageBand", chillerStageBand)
			st1 := in.State.Hyst("stage1")
			st2 := in.State.Hyst("stage2")
			// stage up when supply runs warm, down when it pulls below
			// setpoint
			switch {
			case supply > setpoint+band:
				st1.IsOn = true
			case supply < setpoint:
				st1.IsOn = false
			}
			switch {
			case supply > setpoint+2*band:
				st2.IsOn = true
			case supply < setpoint+band:
				st2.IsOn = false
			}
			stage1 = st1.IsOn
			stage2 = st1.IsOn && st2.IsOn
		}
	} else {
		in.State.Hyst("stage1").IsOn = false
		in.State.Hyst("stage2").IsOn = false
	}

	// The condenser pump proves flow before and while the chiller runs.
	return []Result{
		{Command: "chillerEnable", Value: enabled},
		{Command: "chillerSetpoint", Value: setpoint},
		{Command: "stage1Enabled", Value: stage1},
		{Command: "stage2Enabled", Value: stage2},
		{Command: "cwPumpEnable", Value: enabled},
	}, nil
}
