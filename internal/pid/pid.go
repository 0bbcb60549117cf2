// v1
// internal/pid/pid.go
// Package pid implements the numerical PID controller used by the valve and
// damper loops. Compute is a pure function over its state argument; callers
// own persistence.
package pid

// Params tunes one PID loop.
type Params struct {
	Kp            float64 `json:"kp"`
	Ki            float64 `json:"ki"`
	Kd            float64 `json:"kd"`
	OutputMin     float64 `json:"outputMin"`
	OutputMax     float64 `json:"outputMax"`
	MaxIntegral   float64 `json:"maxIntegral"`
	ReverseActing bool    `json:"reverseActing"`
	Enabled       bool    `json:"enabled"`
}

// State is the persistent loop state. Integral stays clamped to
// [-MaxIntegral, +MaxIntegral] after every Compute.
type State struct {
	Integral      float64 `json:"integral"`
	PreviousError float64 `json:"previousError"`
	LastOutput    float64 `json:"lastOutput"`
}

// Result carries the output and the individual terms for diagnostics.
type Result struct {
	Output float64 `json:"output"`
	P      float64 `json:"p"`
	I      float64 `json:"i"`
	D      float64 `json:"d"`
}

// Compute runs one PID step. dt is the elapsed time in seconds since the
// previous step. When the loop is disabled the output is zero and state is
// left untouched.
func Compute(input, setpoint float64, p Params, dt float64, st *State) Result {
	if !p.Enabled {
		return Result{}
	}
	if dt <= 0 {
		dt = 1
	}

	// Direct acting: output rises as the input rises above setpoint
	// (cooling). Reverse acting: output rises as the input falls below
	// setpoint (heating).
	err := input - setpoint
	if p.ReverseActing {
		err = -err
	}

	integral := st.Integral + err*dt
	if p.MaxIntegral > 0 {
		if integral > p.MaxIntegral {
			integral = p.MaxIntegral
		} else if integral < -p.MaxIntegral {
			integral = -p.MaxIntegral
		}
	}
	deriv := (err - st.PreviousError) / dt

	out := p.Kp*err + p.Ki*integral + p.Kd*deriv
	if out > p.OutputMax {
		out = p.OutputMax
	} else if out < p.OutputMin {
		out = p.OutputMin
	}

	st.Integral = integral
	st.PreviousError = err
	st.LastOutput = out

	return Result{Output: out, P: err, I: integral, D: deriv}
}
