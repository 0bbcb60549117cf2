// v1
// internal/control/oar.go
package control

// OARCurve is an outdoor-air-reset curve: between MinOAT and MaxOAT the
// setpoint interpolates linearly from MaxSupply down to MinSupply. At or
// below MinOAT the curve pins to MaxSupply; at or above MaxOAT the
// equipment should be disabled.
type OARCurve struct {
	MinOAT    float64
	MaxOAT    float64
	MinSupply float64
	MaxSupply float64
}

// Setpoint evaluates the curve. enabled=false means the outdoor
// temperature is at or beyond MaxOAT and the equipment shuts down.
func (c OARCurve) Setpoint(outdoor float64) (setpoint float64, enabled bool) {
	if outdoor >= c.MaxOAT {
		return c.MinSupply, false
	}
	if outdoor <= c.MinOAT {
		return c.MaxSupply, true
	}
	ratio := (outdoor - c.MinOAT) / (c.MaxOAT - c.MinOAT)
	return c.MaxSupply - ratio*(c.MaxSupply-c.MinSupply), true
}

// oarFromSettings builds a curve from settings with per-kind defaults.
func oarFromSettings(s Settings, def OARCurve) OARCurve {
	return OARCurve{
		MinOAT:    s.Float("minOAT", def.MinOAT),
		MaxOAT:    s.Float("maxOAT", def.MaxOAT),
		MinSupply: s.Float("minSupply", def.MinSupply),
		MaxSupply: s.Float("maxSupply", def.MaxSupply),
	}
}

// deadbandFiring is the shared boiler-style deadband rule: fire below
// (setpoint - band), stop above (setpoint + band), hold the previous
// decision inside the band.
func deadbandFiring(current, setpoint, band float64, st *HysteresisState) bool {
	switch {
	case current < setpoint-band:
		st.IsOn = true
	case current > setpoint+band:
		st.IsOn = false
	}
	return st.IsOn
}
