// v2
// internal/control/algorithm.go
// Package control holds the per-equipment control algorithms. Every
// algorithm is a pure function over (metrics, settings, control temp,
// state): no I/O, no clocks beyond the injected Now, so they stay trivially
// testable and safe to run under a deadline.
package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/pid"
)

// ErrUnknownKind fails a job permanently when no algorithm is registered
// for the equipment kind.
var ErrUnknownKind = errors.New("unknown equipment kind")

// Settings is the merged control configuration for one run: document-store
// controls overlaid with the most recent UI overrides.
type Settings map[string]any

func (s Settings) Float(key string, def float64) float64 {
	if v, ok := s[key]; ok {
		if f, okf := model.CoerceFloat(v); okf {
			return f
		}
	}
	return def
}

func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s[key]; ok {
		if b, okb := model.CoerceBool(v); okb {
			return b
		}
	}
	return def
}

func (s Settings) String(key, def string) string {
	if v, ok := s[key]; ok {
		if str, oks := v.(string); oks && str != "" {
			return str
		}
	}
	return def
}

func (s Settings) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// HysteresisState is one on/off loop state.
type HysteresisState struct {
	IsOn bool `json:"isOn"`
}

// GeoState is the staged-geothermal runtime state.
type GeoState struct {
	ActiveStages int       `json:"activeStages"`
	LastChangeAt time.Time `json:"lastChangeAt"`
	// StageOrder is a persisted random permutation of stage numbers so
	// start rotation equalizes wear across stages.
	StageOrder []int `json:"stageOrder,omitempty"`
}

// LeadInfo is the lead/lag decision handed to an algorithm by the group
// manager. Standalone equipment gets IsLead=true with no group.
type LeadInfo struct {
	GroupID    string `json:"groupId,omitempty"`
	IsLead     bool   `json:"isLead"`
	LeadFailed bool   `json:"leadFailed,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// EquipmentState is the per-equipment runtime state persisted across ticks.
// Algorithms mutate it in place; the worker owns persistence.
type EquipmentState struct {
	PID        map[string]*pid.State        `json:"pid,omitempty"`
	Hysteresis map[string]*HysteresisState  `json:"hysteresis,omitempty"`
	Geo        *GeoState                    `json:"geo,omitempty"`
	LastRunAt  time.Time                    `json:"lastRunAt,omitempty"`
}

// NewEquipmentState returns an initialized runtime state.
func NewEquipmentState() *EquipmentState {
	return &EquipmentState{
		PID:        map[string]*pid.State{},
		Hysteresis: map[string]*HysteresisState{},
	}
}

// Clone deep-copies the state. A run executes against a clone so an
// abandoned or faulted invocation never touches the shared copy.
func (e *EquipmentState) Clone() *EquipmentState {
	c := NewEquipmentState()
	for k, v := range e.PID {
		cp := *v
		c.PID[k] = &cp
	}
	for k, v := range e.Hysteresis {
		cp := *v
		c.Hysteresis[k] = &cp
	}
	if e.Geo != nil {
		g := *e.Geo
		g.StageOrder = append([]int(nil), e.Geo.StageOrder...)
		c.Geo = &g
	}
	c.LastRunAt = e.LastRunAt
	return c
}

// Loop returns the named PID state, creating it lazily.
func (e *EquipmentState) Loop(name string) *pid.State {
	if e.PID == nil {
		e.PID = map[string]*pid.State{}
	}
	st, ok := e.PID[name]
	if !ok {
		st = &pid.State{}
		e.PID[name] = st
	}
	return st
}

// Hyst returns the named hysteresis state, creating it lazily.
func (e *EquipmentState) Hyst(name string) *HysteresisState {
	if e.Hysteresis == nil {
		e.Hysteresis = map[string]*HysteresisState{}
	}
	st, ok := e.Hysteresis[name]
	if !ok {
		st = &HysteresisState{}
		e.Hysteresis[name] = st
	}
	return st
}

// Inputs is everything an algorithm may look at.
type Inputs struct {
	Equipment   model.Equipment
	Metrics     model.Snapshot
	Settings    Settings
	ControlTemp float64
	HasTemp     bool
	State       *EquipmentState
	Lead        LeadInfo
	// Now and Site make time-dependent logic (occupancy, stage runtime)
	// deterministic under test. Site is the building's local zone.
	Now  time.Time
	Site *time.Location
	// Dt is seconds since the previous run for this equipment.
	Dt float64
}

// Result is one free-form command tuple; the extractor maps it onto the
// kind's allow-list.
type Result struct {
	Command string
	Value   any
}

// Algorithm computes actuator commands for one equipment kind.
type Algorithm interface {
	Kind() model.Kind
	Compute(in Inputs) ([]Result, error)
}

// Registry resolves (kind, location) to a single algorithm. Location
// variants fully replace the base algorithm for their location: the
// orchestrator never chains base and variant.
type Registry struct {
	base     map[model.Kind]Algorithm
	variants map[string]Algorithm // key: kind + "@" + locationID
}

func NewRegistry() *Registry {
	return &Registry{
		base:     map[model.Kind]Algorithm{},
		variants: map[string]Algorithm{},
	}
}

// Register installs the base algorithm for a kind.
func (r *Registry) Register(a Algorithm) {
	r.base[a.Kind()] = a
}

// RegisterVariant installs a location-specific replacement.
func (r *Registry) RegisterVariant(locationID string, a Algorithm) {
	r.variants[string(a.Kind())+"@"+locationID] = a
}

// Resolve returns the algorithm for the equipment or ErrUnknownKind.
func (r *Registry) Resolve(kind model.Kind, locationID string) (Algorithm, error) {
	if a, ok := r.variants[string(kind)+"@"+locationID]; ok {
		return a, nil
	}
	if a, ok := r.base[kind]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

// DefaultRegistry wires every stock algorithm.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewFanCoil())
	r.Register(NewBoilerComfort())
	r.Register(NewBoilerDomestic())
	r.Register(NewPump(model.KindPumpHW))
	r.Register(NewPump(model.KindPumpCW))
	r.Register(NewChiller())
	r.Register(NewAirHandler())
	r.Register(NewSteamBundle())
	r.Register(NewGeothermal())
	return r
}
