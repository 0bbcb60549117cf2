// v2
// internal/control/airhandler.go
package control

import (
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/pid"
)

// AirHandler steers discharge air to an outdoor-reset setpoint with a
// heating and a cooling loop, an economizer damper, and a freezestat
// safety that overrides everything else.
type AirHandler struct{}

func NewAirHandler() *AirHandler { return &AirHandler{} }

func (a *AirHandler) Kind() model.Kind { return model.KindAirHandler }

func (a *AirHandler) Compute(in Inputs) ([]Result, error) {
	s := in.Settings

	// Freezestat trip: fan off, heating valve wide open, outdoor air shut.
	// Trips on the discrete input or on mixed air below the limit, so sites
	// without a hardware freezestat still get coil protection.
	tripped := false
	if frozen, ok := in.Metrics.Bool("freezestat"); ok && frozen {
		tripped = true
	}
	if mixed, ok := in.Metrics.Float("mixedAirTemperature"); ok && mixed < s.Float("freezestatLimit", 38) {
		tripped = true
	}
	if tripped {
		return []Result{
			{Command: "fanEnabled", Value: false},
			{Command: "fanSpeed", Value: "off"},
			{Command: "heatingValvePosition", Value: 100.0},
			{Command: "coolingValvePosition", Value: 0.0},
			{Command: "outdoorDamperPosition", Value: 0.0},
		}, nil
	}

	// Discharge setpoint rides the reset curve: warm supply air in cold
	// weather, cool supply air in warm weather.
	curve := oarFromSettings(s, OARCurve{MinOAT: 32, MaxOAT: 75, MinSupply: 55, MaxSupply: 78})
	setpoint := s.Float("supplyAirTempSetpoint", 0)
	outdoor, hasOutdoor := in.Metrics.Float("outdoorTemperature")
	if setpoint == 0 {
		if hasOutdoor {
			sp, _ := curve.Setpoint(outdoor)
			setpoint = sp
		} else {
			setpoint = (curve.MinSupply + curve.MaxSupply) / 2
		}
	}

	occupied := scheduleFromSettings(s).Occupied(in.Now, in.Site)
	if !occupied || !s.Bool("enabled", true) {
		return []Result{
			{Command: "fanEnabled", Value: false},
			{Command: "fanSpeed", Value: "off"},
			{Command: "heatingValvePosition", Value: 0.0},
			{Command: "coolingValvePosition", Value: 0.0},
			{Command: "outdoorDamperPosition", Value: 0.0},
			{Command: "supplyAirTempSetpoint", Value: setpoint},
		}, nil
	}

	dt := in.Dt
	if dt <= 0 {
		dt = 60
	}

	var heating, cooling float64
	if in.HasTemp {
		supply := in.ControlTemp
		hres := pid.Compute(supply, setpoint, pid.Params{
			Kp: s.Float("heatingKp", 2.0), Ki: s.Float("heatingKi", 0.1), Kd: s.Float("heatingKd", 0),
			OutputMin: 0, OutputMax: 100, MaxIntegral: s.Float("maxIntegral", 50),
			ReverseActing: true, Enabled: true,
		}, dt, in.State.Loop("heating"))
		heating = hres.Output
		cres := pid.Compute(supply, setpoint, pid.Params{
			Kp: s.Float("coolingKp", 2.0), Ki: s.Float("coolingKi", 0.1), Kd: s.Float("coolingKd", 0),
			OutputMin: 0, OutputMax: 100, MaxIntegral: s.Float("maxIntegral", 50),
			ReverseActing: false, Enabled: true,
		}, dt, in.State.Loop("cooling"))
		cooling = cres.Output
	}

	// Economizer: when outdoor air is cooler than return air, ride the
	// damper with cooling demand and hold the coil valve shut. Without a
	// return reading the fixed max-OAT cap decides; with one, the cap only
	// bounds how warm free cooling may run.
	damper := s.Float("minDamperPosition", 20)
	if hasOutdoor && cooling > 0 {
		economize := false
		if ret, ok := in.Metrics.Float("returnTemperature"); ok {
			economize = outdoor < ret && outdoor <= s.Float("economizerMaxOAT", 75)
		} else {
			economize = outdoor < s.Float("economizerMaxOAT", 65)
		}
		if economize {
			damper = cooling
			if damper < s.Float("minDamperPosition", 20) {
				damper = s.Float("minDamperPosition", 20)
			}
			cooling = 0
		}
	}

	return []Result{
		{Command: "fanEnabled", Value: true},
		{Command: "fanSpeed", Value: fanSpeedFor(heating, cooling)},
		{Command: "heatingValvePosition", Value: heating},
		{Command: "coolingValvePosition", Value: cooling},
		{Command: "outdoorDamperPosition", Value: damper},
		{Command: "supplyAirTempSetpoint", Value: setpoint},
	}, nil
}
