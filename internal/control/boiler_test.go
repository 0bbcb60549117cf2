// v2
// internal/control/boiler_test.go
package control

import (
	"testing"
	"time"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
)

func testInputs(metrics map[string]any, settings Settings, controlTemp float64, hasTemp bool) Inputs {
	return Inputs{
		Metrics:     model.Snapshot{Values: metrics, At: time.Now()},
		Settings:    settings,
		ControlTemp: controlTemp,
		HasTemp:     hasTemp,
		State:       NewEquipmentState(),
		Lead:        LeadInfo{IsLead: true},
		Now:         time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		Dt:          60,
	}
}

func resultValue(t *testing.T, results []Result, command string) any {
	t.Helper()
	for _, r := range results {
		if r.Command == command {
			return r.Value
		}
	}
	t.Fatalf("command %q not emitted; got %+v", command, results)
	return nil
}

func TestBoilerComfortOARCurve(t *testing.T) {
	b := NewBoilerComfort()

	in := testInputs(map[string]any{"outdoorTemperature": 30.0}, Settings{}, 140, true)
	res, err := b.Compute(in)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if sp := resultValue(t, res, "waterTempSetpoint").(float64); sp != 155 {
		t.Fatalf("setpoint at 30F outdoor = %v, want 155", sp)
	}
	if firing := resultValue(t, res, "firing").(bool); !firing {
		t.Fatalf("supply 140 below 155-5, want firing")
	}
	if en := resultValue(t, res, "unitEnable").(bool); !en {
		t.Fatalf("want unitEnable true")
	}
}

func TestBoilerComfortOARMidpoint(t *testing.T) {
	b := NewBoilerComfort()
	// halfway between 30 and 75 -> halfway between 155 and 80
	in := testInputs(map[string]any{"outdoorTemperature": 52.5}, Settings{}, 100, true)
	res, err := b.Compute(in)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	sp := resultValue(t, res, "waterTempSetpoint").(float64)
	if sp < 117.4 || sp > 117.6 {
		t.Fatalf("setpoint at 52.5F = %v, want 117.5", sp)
	}
}

func TestBoilerComfortWarmWeatherLockout(t *testing.T) {
	b := NewBoilerComfort()
	in := testInputs(map[string]any{"outdoorTemperature": 80.0}, Settings{}, 60, true)
	res, err := b.Compute(in)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if en := resultValue(t, res, "unitEnable").(bool); en {
		t.Fatalf("want unitEnable false at 80F outdoor")
	}
	if firing := resultValue(t, res, "firing").(bool); firing {
		t.Fatalf("want firing false at 80F outdoor regardless of supply")
	}
}

func TestBoilerHighLimitCutoff(t *testing.T) {
	b := NewBoilerComfort()
	in := testInputs(map[string]any{"outdoorTemperature": 30.0}, Settings{}, 171, true)
	in.State.Hyst("firing").IsOn = true
	res, err := b.Compute(in)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if firing := resultValue(t, res, "firing").(bool); firing {
		t.Fatalf("supply over high limit, want firing false")
	}
	if in.State.Hyst("firing").IsOn {
		t.Fatalf("high limit must clear the hysteresis state")
	}
}

func TestBoilerComfortDeadbandHold(t *testing.T) {
	b := NewBoilerComfort()
	settings := Settings{"oarSetpoint": 150.0}

	// inside the band, hold the previous decision either way
	in := testInputs(nil, settings, 148, true)
	in.State.Hyst("firing").IsOn = true
	res, _ := b.Compute(in)
	if !resultValue(t, res, "firing").(bool) {
		t.Fatalf("148 inside 150±5 while firing, want hold on")
	}

	in2 := testInputs(nil, settings, 148, true)
	res2, _ := b.Compute(in2)
	if resultValue(t, res2, "firing").(bool) {
		t.Fatalf("148 inside 150±5 while idle, want hold off")
	}

	in3 := testInputs(nil, settings, 156, true)
	in3.State.Hyst("firing").IsOn = true
	res3, _ := b.Compute(in3)
	if resultValue(t, res3, "firing").(bool) {
		t.Fatalf("156 above 150+5, want firing off")
	}
}

func TestBoilerComfortMissingOutdoorHoldsWarm(t *testing.T) {
	b := NewBoilerComfort()
	in := testInputs(nil, Settings{}, 100, true)
	res, err := b.Compute(in)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if sp := resultValue(t, res, "waterTempSetpoint").(float64); sp != 155 {
		t.Fatalf("missing outdoor should pin maxSupply, got %v", sp)
	}
}

func TestBoilerComfortLagIdles(t *testing.T) {
	b := NewBoilerComfort()
	in := testInputs(map[string]any{"outdoorTemperature": 30.0}, Settings{}, 100, true)
	in.Lead = LeadInfo{GroupID: "g1", IsLead: false}
	res, _ := b.Compute(in)
	if resultValue(t, res, "firing").(bool) {
		t.Fatalf("lag member must not fire while the lead is healthy")
	}

	in.Lead.LeadFailed = true
	in.State = NewEquipmentState()
	res2, _ := b.Compute(in)
	if !resultValue(t, res2, "firing").(bool) {
		t.Fatalf("lag member must fire after lead failure")
	}
}

func TestBoilerDomestic(t *testing.T) {
	b := NewBoilerDomestic()

	in := testInputs(nil, Settings{}, 125, true)
	res, err := b.Compute(in)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if sp := resultValue(t, res, "waterTempSetpoint").(float64); sp != 135 {
		t.Fatalf("domestic setpoint = %v, want 135", sp)
	}
	if !resultValue(t, res, "firing").(bool) {
		t.Fatalf("supply 125 below 135-5, want firing")
	}

	in2 := testInputs(nil, Settings{}, 171, true)
	in2.State.Hyst("firing").IsOn = true
	res2, _ := b.Compute(in2)
	if resultValue(t, res2, "firing").(bool) {
		t.Fatalf("domestic high limit, want firing false")
	}
}
