// v3
// internal/control/fancoil.go
package control

import (
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/normalize"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/pid"
)

// FanCoil runs a two-loop fan coil unit: reverse-acting heating valve,
// direct-acting cooling valve, occupancy-gated fan and an outdoor damper.
type FanCoil struct{}

func NewFanCoil() *FanCoil { return &FanCoil{} }

func (f *FanCoil) Kind() model.Kind { return model.KindFanCoil }

func (f *FanCoil) Compute(in Inputs) ([]Result, error) {
	s := in.Settings

	if !s.Bool("enabled", true) {
		return []Result{
			{Command: "unitEnable", Value: false},
			{Command: "fanEnabled", Value: false},
			{Command: "fanSpeed", Value: "off"},
			{Command: "heatingValvePosition", Value: 0.0},
			{Command: "coolingValvePosition", Value: 0.0},
		}, nil
	}

	setpoint := s.Float("temperatureSetpoint", 72)
	mode := s.String("mode", "auto")
	dt := in.Dt
	if dt <= 0 {
		dt = 60
	}

	// Control temperature: room or supply per temperatureSource; the
	// worker already selected it into ControlTemp.
	current := in.ControlTemp
	hasTemp := in.HasTemp

	var heating, cooling float64
	if hasTemp {
		if s.String("hwMode", "auto") == "manual" {
			heating = s.Float("hwPosition", 0)
		} else if mode == "auto" || mode == "heating" {
			st := in.State.Loop("heating")
			res := pid.Compute(current, setpoint, pid.Params{
				Kp: s.Float("heatingKp", 2.0), Ki: s.Float("heatingKi", 0.1), Kd: s.Float("heatingKd", 0),
				OutputMin: 0, OutputMax: 100, MaxIntegral: s.Float("maxIntegral", 50),
				ReverseActing: true, Enabled: true,
			}, dt, st)
			heating = res.Output
		}
		if s.String("cwMode", "auto") == "manual" {
			cooling = s.Float("cwPosition", 0)
		} else if mode == "auto" || mode == "cooling" {
			st := in.State.Loop("cooling")
			res := pid.Compute(current, setpoint, pid.Params{
				Kp: s.Float("coolingKp", 2.0), Ki: s.Float("coolingKi", 0.1), Kd: s.Float("coolingKd", 0),
				OutputMin: 0, OutputMax: 100, MaxIntegral: s.Float("maxIntegral", 50),
				ReverseActing: false, Enabled: true,
			}, dt, st)
			cooling = res.Output
		}
	}
	if mode == "heating" {
		cooling = 0
	}
	if mode == "cooling" {
		heating = 0
	}

	// Outdoor damper: manual passthrough or fixed auto position while the
	// fan runs.
	damper := s.Float("outdoorDamperPosition", 20)
	if s.String("outdoorDamperMode", "auto") == "manual" {
		damper = s.Float("outdoorDamperPosition", 0)
	}

	occupied := scheduleFromSettings(s).Occupied(in.Now, in.Site)
	fanOn := occupied
	speed := "off"
	if fanOn {
		speed = fanSpeedFor(heating, cooling)
	} else {
		damper = 0
	}

	return []Result{
		{Command: "unitEnable", Value: true},
		{Command: "fanEnabled", Value: fanOn},
		{Command: "fanSpeed", Value: speed},
		{Command: "heatingValvePosition", Value: heating},
		{Command: "coolingValvePosition", Value: cooling},
		{Command: "outdoorDamperPosition", Value: damper},
		{Command: "temperatureSetpoint", Value: setpoint},
	}, nil
}

// fanSpeedFor maps valve demand onto the discrete fan speeds.
func fanSpeedFor(heating, cooling float64) string {
	demand := heating
	if cooling > demand {
		demand = cooling
	}
	switch {
	case demand >= 66:
		return "high"
	case demand >= 33:
		return "medium"
	default:
		return "low"
	}
}

// ControlTempField names the metric an equipment kind steers on. Fan coils
// honor the temperatureSource setting; boilers steer on water supply,
// pumps and chillers on outdoor air, geothermal on the loop.
func ControlTempField(kind model.Kind, s Settings) string {
	switch kind {
	case model.KindBoilerComfort, model.KindBoilerDomestic, model.KindSteamBundle:
		return normalize.FieldWaterSupplyTemp
	case model.KindPumpHW, model.KindPumpCW, model.KindChiller:
		return normalize.FieldOutdoorTemp
	case model.KindGeothermal:
		return normalize.FieldLoopTemp
	case model.KindAirHandler:
		return normalize.FieldSupplyTemp
	default:
		if s.String("temperatureSource", "room") == "supply" {
			return normalize.FieldSupplyTemp
		}
		return normalize.FieldRoomTemp
	}
}
