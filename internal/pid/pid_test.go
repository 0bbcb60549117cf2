// v1
// internal/pid/pid_test.go
package pid

import (
	"math"
	"testing"
)

func TestDisabledLoopLeavesStateAlone(t *testing.T) {
	st := &State{Integral: 3, PreviousError: 2, LastOutput: 50}
	res := Compute(70, 72, Params{Kp: 1, Enabled: false}, 1, st)
	if res.Output != 0 {
		t.Fatalf("disabled output=%v", res.Output)
	}
	if st.Integral != 3 || st.PreviousError != 2 || st.LastOutput != 50 {
		t.Fatalf("state mutated while disabled: %+v", st)
	}
}

func TestDirectActionCooling(t *testing.T) {
	st := &State{}
	p := Params{Kp: 2, OutputMin: 0, OutputMax: 100, MaxIntegral: 10, Enabled: true}
	// input above setpoint drives a direct-acting (cooling) loop open
	res := Compute(77, 72, p, 1, st)
	if math.Abs(res.Output-10) > 1e-9 {
		t.Fatalf("output=%v want 10", res.Output)
	}
	if res.P != 5 {
		t.Fatalf("p term=%v", res.P)
	}
	// input below setpoint leaves it closed
	res = Compute(67, 72, p, 1, &State{})
	if res.Output != 0 {
		t.Fatalf("output=%v want 0", res.Output)
	}
}

func TestReverseActionHeating(t *testing.T) {
	st := &State{}
	p := Params{Kp: 2, OutputMin: 0, OutputMax: 100, MaxIntegral: 10, ReverseActing: true, Enabled: true}
	// input below setpoint drives a reverse-acting (heating) loop open
	res := Compute(67, 72, p, 1, st)
	if math.Abs(res.Output-10) > 1e-9 {
		t.Fatalf("output=%v want 10", res.Output)
	}
}

func TestIntegralClamp(t *testing.T) {
	st := &State{}
	p := Params{Kp: 0, Ki: 1, OutputMin: 0, OutputMax: 100, MaxIntegral: 8, Enabled: true}
	for i := 0; i < 20; i++ {
		Compute(84, 72, p, 1, st) // error +12 every step
	}
	if st.Integral != 8 {
		t.Fatalf("integral=%v want clamp at 8", st.Integral)
	}
	for i := 0; i < 40; i++ {
		Compute(54, 72, p, 1, st) // error -18 every step
	}
	if st.Integral != -8 {
		t.Fatalf("integral=%v want clamp at -8", st.Integral)
	}
}

func TestOutputClamp(t *testing.T) {
	st := &State{}
	p := Params{Kp: 100, OutputMin: 0, OutputMax: 100, MaxIntegral: 10, Enabled: true}
	res := Compute(200, 72, p, 1, st)
	if res.Output != 100 {
		t.Fatalf("output=%v want 100", res.Output)
	}
	res = Compute(0, 72, p, 1, st)
	if res.Output != 0 {
		t.Fatalf("output=%v want 0", res.Output)
	}
}

func TestDerivativeUsesPreviousError(t *testing.T) {
	st := &State{}
	p := Params{Kd: 1, OutputMin: -100, OutputMax: 100, MaxIntegral: 10, Enabled: true}
	Compute(74, 72, p, 1, st) // error 2
	res := Compute(75, 72, p, 1, st)
	// error 3, derivative (3-2)/1 = 1
	if math.Abs(res.D-1) > 1e-9 {
		t.Fatalf("d term=%v want 1", res.D)
	}
}

func TestZeroDtTreatedAsOneSecond(t *testing.T) {
	st := &State{}
	p := Params{Kp: 1, Ki: 1, OutputMin: 0, OutputMax: 100, MaxIntegral: 100, Enabled: true}
	res := Compute(77, 72, p, 0, st)
	// dt falls back to 1: integral = 5, output = 5 + 5
	if math.Abs(res.Output-10) > 1e-9 {
		t.Fatalf("output=%v want 10", res.Output)
	}
}
