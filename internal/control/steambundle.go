// v2
// internal/control/steambundle.go
package control

import (
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/pid"
)

const (
	// SteamHighLimit closes both valves regardless of demand.
	SteamHighLimit = 165.0
	// steamPumpGateAmps: the heat exchanger only takes steam while the
	// circulation pump proves flow.
	steamPumpGateAmps = 0.5
)

// SteamBundle modulates a steam heat exchanger with a primary and a
// secondary valve in sequence. The primary valve takes the first slice of
// demand (primaryValveRatio of the range) and the secondary picks up the
// remainder.
type SteamBundle struct{}

func NewSteamBundle() *SteamBundle { return &SteamBundle{} }

func (s *SteamBundle) Kind() model.Kind { return model.KindSteamBundle }

func (s *SteamBundle) Compute(in Inputs) ([]Result, error) {
	cfg := in.Settings
	curve := oarFromSettings(cfg, OARCurve{MinOAT: 30, MaxOAT: 75, MinSupply: 80, MaxSupply: 155})

	var setpoint float64
	enabled := true
	if outdoor, ok := in.Metrics.Float("outdoorTemperature"); ok {
		setpoint, enabled = curve.Setpoint(outdoor)
	} else {
		setpoint = curve.MaxSupply
	}

	closed := []Result{
		{Command: "primaryValvePosition", Value: 0.0},
		{Command: "secondaryValvePosition", Value: 0.0},
		{Command: "temperatureSetpoint", Value: setpoint},
		{Command: "unitEnable", Value: enabled},
	}

	if !enabled || !cfg.Bool("enabled", true) {
		in.State.Loop("supply").Integral = 0
		closed[3].Value = false
		return closed, nil
	}

	// No flow, no steam: a dry bundle flashes and hammers.
	if !pumpProvesFlow(in.Metrics) {
		return closed, nil
	}

	// High-temperature safety.
	if in.HasTemp && in.ControlTemp >= SteamHighLimit {
		in.State.Loop("supply").Integral = 0
		return closed, nil
	}

	var demand float64
	if in.HasTemp {
		dt := in.Dt
		if dt <= 0 {
			dt = 60
		}
		res := pid.Compute(in.ControlTemp, setpoint, pid.Params{
			Kp: cfg.Float("kp", 2.0), Ki: cfg.Float("ki", 0.1), Kd: cfg.Float("kd", 0),
			OutputMin: 0, OutputMax: 100, MaxIntegral: cfg.Float("maxIntegral", 50),
			ReverseActing: true, Enabled: true,
		}, dt, in.State.Loop("supply"))
		demand = res.Output
	}

	primary, secondary := splitDemand(demand, cfg.Float("primaryValveRatio", 0.5))

	return []Result{
		{Command: "primaryValvePosition", Value: primary},
		{Command: "secondaryValvePosition", Value: secondary},
		{Command: "temperatureSetpoint", Value: setpoint},
		{Command: "unitEnable", Value: true},
	}, nil
}

// pumpProvesFlow accepts either measured amp draw or an explicit run
// status from the circulation pump. Sites report one or the other.
func pumpProvesFlow(m model.Snapshot) bool {
	if amps, ok := m.Float("amps"); ok && amps > steamPumpGateAmps {
		return true
	}
	if running, ok := m.Bool("pumpRunning"); ok && running {
		return true
	}
	if running, ok := m.Bool("pumpStatus"); ok && running {
		return true
	}
	return false
}

// splitDemand sequences total demand [0,100] across two valves. The primary
// strokes fully over the first ratio slice of demand, the secondary over
// the rest.
func splitDemand(demand, ratio float64) (primary, secondary float64) {
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	split := ratio * 100
	if demand <= split {
		return demand / ratio, 0
	}
	return 100, (demand - split) / (1 - ratio)
}
