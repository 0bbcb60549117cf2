// v3
// internal/control/boiler.go
package control

import (
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
)

const (
	domesticDefaultSetpoint = 135.0
	boilerDeadband          = 5.0
	// BoilerHighLimit is the supply-water safety cutoff.
	BoilerHighLimit = 170.0
)

// BoilerDomestic holds a fixed hot-water setpoint with deadband control and
// a high-limit cutoff. Domestic boilers run year-round.
type BoilerDomestic struct{}

func NewBoilerDomestic() *BoilerDomestic { return &BoilerDomestic{} }

func (b *BoilerDomestic) Kind() model.Kind { return model.KindBoilerDomestic }

func (b *BoilerDomestic) Compute(in Inputs) ([]Result, error) {
	s := in.Settings
	setpoint := s.Float("waterTempSetpoint", domesticDefaultSetpoint)
	band := s.Float("deadband", boilerDeadband)

	firing := false
	if in.HasTemp {
		supply := in.ControlTemp
		if supply >= BoilerHighLimit {
			st := in.State.Hyst("firing")
			st.IsOn = false
		} else {
			firing = deadbandFiring(supply, setpoint, band, in.State.Hyst("firing"))
		}
	}

	return []Result{
		{Command: "firing", Value: firing},
		{Command: "unitEnable", Value: true},
		{Command: "waterTempSetpoint", Value: setpoint},
		{Command: "isLead", Value: in.Lead.IsLead},
	}, nil
}

// BoilerComfort runs the OAR curve for space heating: the supply setpoint
// slides with outdoor temperature and the boiler disables entirely above
// maxOAT. A caller-supplied oarSetpoint (location variant or override)
// takes precedence over the curve.
type BoilerComfort struct{}

func NewBoilerComfort() *BoilerComfort { return &BoilerComfort{} }

func (b *BoilerComfort) Kind() model.Kind { return model.KindBoilerComfort }

func (b *BoilerComfort) Compute(in Inputs) ([]Result, error) {
	s := in.Settings
	curve := oarFromSettings(s, OARCurve{MinOAT: 30, MaxOAT: 75, MinSupply: 80, MaxSupply: 155})

	var setpoint float64
	enabled := true
	if s.Has("oarSetpoint") {
		// Variant already decided; do not recompute the curve.
		setpoint = s.Float("oarSetpoint", curve.MaxSupply)
	} else {
		outdoor, ok := in.Metrics.Float("outdoorTemperature")
		if !ok {
			// No outdoor reading: hold the warmest curve point rather than
			// cold-locking the building.
			setpoint = curve.MaxSupply
		} else {
			setpoint, enabled = curve.Setpoint(outdoor)
		}
	}

	if !enabled {
		st := in.State.Hyst("firing")
		st.IsOn = false
		return []Result{
			{Command: "firing", Value: false},
			{Command: "unitEnable", Value: false},
			{Command: "waterTempSetpoint", Value: setpoint},
			{Command: "isLead", Value: in.Lead.IsLead},
		}, nil
	}

	// Lag members stay warm-idle until the group manager promotes them.
	if in.Lead.GroupID != "" && !in.Lead.IsLead && !in.Lead.LeadFailed {
		st := in.State.Hyst("firing")
		st.IsOn = false
		return []Result{
			{Command: "firing", Value: false},
			{Command: "unitEnable", Value: true},
			{Command: "waterTempSetpoint", Value: setpoint},
			{Command: "isLead", Value: false},
		}, nil
	}

	firing := false
	if in.HasTemp {
		supply := in.ControlTemp
		if supply >= BoilerHighLimit {
			st := in.State.Hyst("firing")
			st.IsOn = false
		} else {
			firing = deadbandFiring(supply, setpoint, s.Float("deadband", boilerDeadband), in.State.Hyst("firing"))
		}
	}

	return []Result{
		{Command: "firing", Value: firing},
		{Command: "unitEnable", Value: true},
		{Command: "waterTempSetpoint", Value: setpoint},
		{Command: "isLead", Value: in.Lead.IsLead},
	}, nil
}
