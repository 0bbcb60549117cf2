// v2
// internal/control/extract.go
package control

import (
	"log/slog"
	"strings"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
)

// allowList is the closed command set per equipment kind. Algorithm results
// outside the list are discarded.
var allowList = map[model.Kind][]string{
	model.KindFanCoil: {
		"unitEnable", "fanEnabled", "fanSpeed", "heatingValvePosition",
		"coolingValvePosition", "outdoorDamperPosition", "temperatureSetpoint",
	},
	model.KindBoilerComfort:  {"unitEnable", "firing", "waterTempSetpoint", "isLead"},
	model.KindBoilerDomestic: {"unitEnable", "firing", "waterTempSetpoint", "isLead"},
	model.KindPumpHW:         {"pumpEnable", "pumpSpeed", "isLead", "leadLagStatus"},
	model.KindPumpCW:         {"pumpEnable", "pumpSpeed", "isLead", "leadLagStatus"},
	model.KindChiller: {
		"chillerEnable", "chillerSetpoint", "stage1Enabled", "stage2Enabled", "cwPumpEnable",
	},
	model.KindAirHandler: {
		"fanEnabled", "fanSpeed", "heatingValvePosition", "coolingValvePosition",
		"outdoorDamperPosition", "supplyAirTempSetpoint",
	},
	model.KindSteamBundle: {
		"primaryValvePosition", "secondaryValvePosition", "temperatureSetpoint", "unitEnable",
	},
	model.KindGeothermal: {
		"stage1Enabled", "stage2Enabled", "stage3Enabled", "stage4Enabled",
		"targetSetpoint", "loopTemp",
	},
}

// AllowedCommands returns the allow-list for a kind (nil when unknown).
func AllowedCommands(kind model.Kind) []string {
	return allowList[kind]
}

// fan speed enumeration
var fanSpeeds = map[string]bool{"off": true, "low": true, "medium": true, "high": true}

// Extract filters free-form algorithm results down to the kind's
// actionable command set and validates values: actuator positions clamp to
// [0,100], temperature setpoints to [50,200]. Repairs are logged, never
// fatal.
func Extract(kind model.Kind, results []Result, lg *slog.Logger) []Result {
	allowed := map[string]bool{}
	for _, c := range allowList[kind] {
		allowed[c] = true
	}
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if !allowed[r.Command] {
			if lg != nil {
				lg.Debug("discarding unknown command", "kind", kind, "command", r.Command)
			}
			continue
		}
		v, ok := validate(r.Command, r.Value, lg)
		if !ok {
			continue
		}
		out = append(out, Result{Command: r.Command, Value: v})
	}
	return out
}

func validate(command string, value any, lg *slog.Logger) (any, bool) {
	switch {
	case isPositionCommand(command):
		f, ok := model.CoerceFloat(value)
		if !ok {
			return nil, false
		}
		return clampLogged(command, f, 0, 100, lg), true
	case command == "loopTemp" || command == "targetSetpoint":
		// ground-loop values sit well below the water-temperature clamp
		f, ok := model.CoerceFloat(value)
		return f, ok
	case isSetpointCommand(command):
		f, ok := model.CoerceFloat(value)
		if !ok {
			return nil, false
		}
		return clampLogged(command, f, 50, 200, lg), true
	case command == "fanSpeed":
		s, ok := value.(string)
		if !ok || !fanSpeeds[strings.ToLower(s)] {
			if lg != nil {
				lg.Warn("invalid fan speed discarded", "value", value)
			}
			return nil, false
		}
		return strings.ToLower(s), true
	case command == "firing":
		// firing is the historical 0/1 integer
		if b, ok := model.CoerceBool(value); ok {
			if b {
				return 1, true
			}
			return 0, true
		}
		return nil, false
	case command == "leadLagStatus":
		s, ok := value.(string)
		return s, ok
	default:
		// boolean commands (enables, isLead, stage flags)
		if b, ok := model.CoerceBool(value); ok {
			return b, true
		}
		return value, true
	}
}

func isPositionCommand(command string) bool {
	return strings.HasSuffix(command, "Position") || command == "pumpSpeed"
}

func isSetpointCommand(command string) bool {
	return strings.Contains(command, "Setpoint") || strings.HasSuffix(command, "setpoint")
}

func clampLogged(command string, v, lo, hi float64, lg *slog.Logger) float64 {
	if v < lo {
		if lg != nil {
			lg.Warn("clamping command value", "command", command, "value", v, "min", lo)
		}
		return lo
	}
	if v > hi {
		if lg != nil {
			lg.Warn("clamping command value", "command", command, "value", v, "max", hi)
		}
		return hi
	}
	return v
}
