// v2
// internal/normalize/normalize.go
// Package normalize maps heterogeneous sensor field names onto the canonical
// metric schema. Field controllers in the field rarely agree on naming, so
// each canonical field carries an ordered list of accepted aliases; the
// first alias present in the raw map wins.
package normalize

import (
	"strings"
	"time"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
)

// Canonical field names.
const (
	FieldRoomTemp        = "roomTemperature"
	FieldSupplyTemp      = "supplyTemperature"
	FieldReturnTemp      = "returnTemperature"
	FieldMixedAirTemp    = "mixedAirTemperature"
	FieldOutdoorTemp     = "outdoorTemperature"
	FieldWaterSupplyTemp = "waterSupplyTemperature"
	FieldWaterReturnTemp = "waterReturnTemperature"
	FieldSetpoint        = "setpoint"
	FieldLoopTemp        = "loopTemp"
	FieldAmps            = "amps"
	FieldFreezestat      = "freezestat"
	FieldAlarm           = "alarm"
	FieldCustomLogic     = "customLogicEnabled"
)

// aliases is checked in declaration order per canonical field.
var aliases = map[string][]string{
	FieldRoomTemp: {
		"roomTemperature", "RoomTemp", "Room", "SpaceTemp", "Space",
		"ZoneTemp", "RoomTemperature", "space_temp", "CoveTemp",
	},
	FieldSupplyTemp: {
		"supplyTemperature", "Supply", "SAT", "SupplyAirTemp", "SupplyTemp",
		"DischargeTemp", "discharge_air", "supply_air",
	},
	FieldReturnTemp: {
		"returnTemperature", "Return", "RAT", "ReturnAirTemp", "ReturnTemp", "return_air",
	},
	FieldMixedAirTemp: {
		"mixedAirTemperature", "MixedAir", "MAT", "MixedAirTemp", "MixTemp",
	},
	FieldOutdoorTemp: {
		"outdoorTemperature", "Outdoor", "OAT", "OutdoorAir", "OutsideTemp",
		"OutdoorTemp", "OutsideAirTemp", "Outdoor_Air", "outsideTemp",
	},
	FieldWaterSupplyTemp: {
		"waterSupplyTemperature", "H20Supply", "H2OSupply", "WaterSupply",
		"HWSupply", "SupplyWater", "LoopSupply", "H20_Supply",
	},
	FieldWaterReturnTemp: {
		"waterReturnTemperature", "H20Return", "H2OReturn", "WaterReturn",
		"HWReturn", "ReturnWater", "LoopReturn", "H20_Return",
	},
	FieldSetpoint: {
		"setpoint", "Setpoint", "SetPt", "TempSetpoint", "temperatureSetpoint",
	},
	FieldLoopTemp: {
		"loopTemp", "LoopTemp", "GeoLoopTemp", "LoopTemperature",
	},
	FieldAmps: {
		"amps", "Amps", "PumpAmps", "MotorAmps", "Current",
	},
	FieldFreezestat: {
		"freezestat", "Freezestat", "FreezeStat", "FreezeTrip",
	},
	FieldAlarm: {
		"alarm", "Alarm", "Fault", "FaultStatus", "AlarmStatus",
	},
	FieldCustomLogic: {
		"customLogicEnabled", "CustomLogicEnabled", "custom_logic_enabled",
	},
}

// canonicalOrder keeps Build deterministic (map iteration is not).
var canonicalOrder = []string{
	FieldRoomTemp, FieldSupplyTemp, FieldReturnTemp, FieldMixedAirTemp,
	FieldOutdoorTemp, FieldWaterSupplyTemp, FieldWaterReturnTemp,
	FieldSetpoint, FieldLoopTemp, FieldAmps, FieldFreezestat, FieldAlarm,
	FieldCustomLogic,
}

// standardPrefixes are field-name prefixes that must never be treated as
// zone sensors in the second pass.
var standardPrefixes = []string{
	"room", "space", "supply", "return", "mixed", "mixedair", "outdoor",
	"outside", "oat", "sat", "rat", "mat", "water", "h20", "h2o", "hw",
	"cw", "loop", "discharge", "zone",
}

// Build produces a canonical snapshot from a raw field map. Strings that
// parse as numbers are coerced; "true"/"false" become booleans. Raw fields
// that match no alias are carried through untouched so kind-specific logic
// (pump amps on a steam bundle, stage flags) still sees them.
func Build(raw map[string]any, at time.Time) model.Snapshot {
	snap := model.Snapshot{
		Values:           make(map[string]any, len(raw)),
		ZoneTemperatures: map[string]float64{},
		At:               at,
	}

	used := map[string]bool{}
	for _, canon := range canonicalOrder {
		for _, alias := range aliases[canon] {
			v, ok := lookup(raw, alias)
			if !ok {
				continue
			}
			snap.Values[canon] = coerce(v)
			used[strings.ToLower(alias)] = true
			break
		}
	}

	// Pass through everything not consumed by an alias.
	for k, v := range raw {
		if used[strings.ToLower(strings.TrimSpace(k))] {
			continue
		}
		key := strings.TrimSpace(k)
		if _, taken := snap.Values[key]; !taken {
			snap.Values[key] = coerce(v)
		}
	}

	// Second pass: zone sensors. Field names ending in Temp/Temperature
	// whose prefix is not a standard field become zoneTemperatures entries.
	for k, v := range raw {
		name := strings.TrimSpace(k)
		prefix, ok := zonePrefix(name)
		if !ok {
			continue
		}
		if f, okf := model.CoerceFloat(v); okf {
			snap.ZoneTemperatures[prefix] = f
		}
	}
	if len(snap.ZoneTemperatures) == 0 {
		snap.ZoneTemperatures = nil
	}
	return snap
}

// lookup finds a raw field by alias, case-insensitively and tolerating
// legacy keys with stray whitespace.
func lookup(raw map[string]any, alias string) (any, bool) {
	want := strings.ToLower(alias)
	for k, v := range raw {
		if strings.ToLower(strings.TrimSpace(k)) == want {
			return v, true
		}
	}
	return nil, false
}

func coerce(v any) any {
	if s, ok := v.(string); ok {
		t := strings.TrimSpace(s)
		if b, okb := parseBoolStrict(t); okb {
			return b
		}
		if f, okf := model.CoerceFloat(t); okf {
			return f
		}
		return t
	}
	return v
}

// parseBoolStrict only accepts "true"/"false" so numeric strings survive as
// numbers and status strings stay strings.
func parseBoolStrict(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// zonePrefix returns the area name when the field looks like a zone sensor.
func zonePrefix(name string) (string, bool) {
	lower := strings.ToLower(name)
	var prefix string
	switch {
	case strings.HasSuffix(lower, "temperature"):
		prefix = name[:len(name)-len("temperature")]
	case strings.HasSuffix(lower, "temp"):
		prefix = name[:len(name)-len("temp")]
	default:
		return "", false
	}
	prefix = strings.TrimRight(prefix, "_- ")
	if prefix == "" {
		return "", false
	}
	lp := strings.ToLower(prefix)
	for _, std := range standardPrefixes {
		if lp == std || strings.HasPrefix(lp, std) {
			return "", false
		}
	}
	return prefix, true
}
