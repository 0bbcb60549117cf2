// v3
// internal/control/pump.go
package control

import (
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
)

// Outdoor hysteresis thresholds per pump kind. Asymmetric on purpose to
// prevent rapid cycling around the changeover point.
const (
	cwPumpOnAbove  = 37.5
	cwPumpOffBelow = 36.0
	hwPumpOnBelow  = 74.0
	hwPumpOffAbove = 75.0

	cwLockoutBelow = 45.0
	hwLockoutAbove = 75.0

	// leadFailAmps: a pump commanded on that draws less than this is
	// considered failed.
	leadFailAmps = 1.0
)

// Pump controls a circulation pump (hot-water or chilled-water variant)
// with outdoor hysteresis, lockouts and lead/lag.
type Pump struct {
	kind model.Kind
}

func NewPump(kind model.Kind) *Pump { return &Pump{kind: kind} }

func (p *Pump) Kind() model.Kind { return p.kind }

func (p *Pump) Compute(in Inputs) ([]Result, error) {
	s := in.Settings
	source := s.String("operationSource", "outdoor")

	want := false
	switch source {
	case "outdoor":
		if in.HasTemp {
			want = p.outdoorHysteresis(in.ControlTemp, in.State.Hyst("outdoor"))
		} else {
			// No outdoor reading: hold the last decision.
			want = in.State.Hyst("outdoor").IsOn
		}
	case "supply":
		if v, ok := in.Metrics.Float("waterSupplyTemperature"); ok {
			want = deadbandFiring(v, s.Float("supplySetpoint", 140), s.Float("deadband", 2), in.State.Hyst("supply"))
		} else {
			// No supply reading: hold the last decision.
			want = in.State.Hyst("supply").IsOn
		}
	case "space":
		if room, ok := in.Metrics.Float("roomTemperature"); ok {
			if p.kind == model.KindPumpHW {
				want = deadbandFiring(room, s.Float("spaceSetpoint", 72), s.Float("deadband", 1), in.State.Hyst("space"))
			} else {
				// chilled water: pump when the space runs warm
				st := in.State.Hyst("space")
				sp := s.Float("spaceSetpoint", 72)
				band := s.Float("deadband", 1)
				switch {
				case room > sp+band:
					st.IsOn = true
				case room < sp-band:
					st.IsOn = false
				}
				want = st.IsOn
			}
		}
	}

	// Outdoor lockouts unless the location is exempt.
	locked := false
	if !s.Bool("lockoutExempt", false) && in.HasTemp && source == "outdoor" {
		if p.kind == model.KindPumpCW && in.ControlTemp < cwLockoutBelow {
			locked = true
		}
		if p.kind == model.KindPumpHW && in.ControlTemp > hwLockoutAbove {
			locked = true
		}
	}

	// Lead/lag: the lead always runs (subject to lockout); the lag runs
	// only when the lead has failed.
	status := "standalone"
	run := want && !locked
	if in.Lead.GroupID != "" {
		if in.Lead.IsLead {
			status = "lead"
		} else {
			status = "lag"
			run = run && in.Lead.LeadFailed
		}
	}

	speed := 0.0
	if run {
		speed = s.Float("pumpSpeed", 100)
	}

	return []Result{
		{Command: "pumpEnable", Value: run},
		{Command: "pumpSpeed", Value: speed},
		{Command: "isLead", Value: in.Lead.GroupID == "" || in.Lead.IsLead},
		{Command: "leadLagStatus", Value: status},
	}, nil
}

func (p *Pump) outdoorHysteresis(outdoor float64, st *HysteresisState) bool {
	if p.kind == model.KindPumpCW {
		switch {
		case outdoor >= cwPumpOnAbove:
			st.IsOn = true
		case outdoor <= cwPumpOffBelow:
			st.IsOn = false
		}
		return st.IsOn
	}
	// hot water
	switch {
	case outdoor <= hwPumpOnBelow:
		st.IsOn = true
	case outdoor >= hwPumpOffAbove:
		st.IsOn = false
	}
	return st.IsOn
}

// PumpLeadFailed checks the failure signals for a commanded-on lead pump:
// low amp draw, an explicit fault flag, or a failover signal from the group
// manager.
func PumpLeadFailed(metrics model.Snapshot, commandedOn bool, failoverSignal bool) bool {
	if failoverSignal {
		return true
	}
	if fault, ok := metrics.Bool("alarm"); ok && fault {
		return true
	}
	if str, ok := metrics.String("alarm"); ok && str != "" && str != "false" && str != "0" && str != "normal" {
		return true
	}
	if commandedOn {
		if amps, ok := metrics.Float("amps"); ok && amps < leadFailAmps {
			return true
		}
	}
	return false
}
