// v1
// internal/model/model.go
// Package model holds the shared domain types of the control plane:
// equipment records, lead/lag groups, metric snapshots and the command
// tuples the loop emits.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the equipment families the control plane knows how to run.
type Kind string

const (
	KindFanCoil        Kind = "fan-coil"
	KindBoilerComfort  Kind = "boiler-comfort"
	KindBoilerDomestic Kind = "boiler-domestic"
	KindPumpHW         Kind = "pump-hw"
	KindPumpCW         Kind = "pump-cw"
	KindChiller        Kind = "chiller"
	KindAirHandler     Kind = "air-handler"
	KindSteamBundle    Kind = "steam-bundle"
	KindGeothermal     Kind = "geothermal"
)

// ParseKind maps a stored kind string (case-insensitive, tolerating legacy
// underscore spellings) to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	switch k {
	case KindFanCoil, KindBoilerComfort, KindBoilerDomestic, KindPumpHW,
		KindPumpCW, KindChiller, KindAirHandler, KindSteamBundle, KindGeothermal:
		return k, nil
	}
	return "", fmt.Errorf("unknown equipment kind %q", s)
}

// IsBoiler reports whether the kind is one of the boiler variants. Boilers
// are dispatched ahead of everything else in a tick.
func (k Kind) IsBoiler() bool {
	return k == KindBoilerComfort || k == KindBoilerDomestic
}

// IsPump reports whether the kind is a circulation pump.
func (k Kind) IsPump() bool {
	return k == KindPumpHW || k == KindPumpCW
}

// Equipment is the document-store record for one managed unit.
type Equipment struct {
	ID             string         `json:"id"`
	LocationID     string         `json:"locationId"`
	Kind           Kind           `json:"kind"`
	Name           string         `json:"name"`
	System         string         `json:"system,omitempty"`
	ControlEnabled bool           `json:"controlEnabled"`
	GroupID        string         `json:"groupId,omitempty"`
	IsLead         *bool          `json:"isLead,omitempty"`
	Controls       map[string]any `json:"controls,omitempty"`
}

// Group is a lead/lag grouping of identical equipment.
type Group struct {
	ID                     string   `json:"id"`
	Kind                   Kind     `json:"kind"`
	MemberIDs              []string `json:"memberIds"`
	LeadID                 string   `json:"leadEquipmentId"`
	UseLeadLag             bool     `json:"useLeadLag"`
	AutoFailover           bool     `json:"autoFailover"`
	ChangeoverIntervalDays int      `json:"changeoverIntervalDays"`
}

// HasMember reports whether id belongs to the group.
func (g Group) HasMember(id string) bool {
	for _, m := range g.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// GroupState is the mutable rotation/failover state of a group. It lives in
// the shared cache so restarts keep the rotation schedule.
type GroupState struct {
	LeadID           string             `json:"leadId"`
	LastChangeoverAt time.Time          `json:"lastChangeoverAt"`
	RuntimeHours     map[string]float64 `json:"runtimeHoursByMember"`
	LastFailoverAt   time.Time          `json:"lastFailoverAt"`
	FailoverCount    int                `json:"failoverCount"`
}

// Snapshot is a normalized metric snapshot for one equipment, built fresh
// every tick from the most-recent samples.
type Snapshot struct {
	Values           map[string]any     `json:"values"`
	ZoneTemperatures map[string]float64 `json:"zoneTemperatures,omitempty"`
	At               time.Time          `json:"at"`
}

// Float returns the named field coerced to float64.
func (s Snapshot) Float(name string) (float64, bool) {
	v, ok := s.Values[name]
	if !ok {
		return 0, false
	}
	return CoerceFloat(v)
}

// Bool returns the named field coerced to bool.
func (s Snapshot) Bool(name string) (bool, bool) {
	v, ok := s.Values[name]
	if !ok {
		return false, false
	}
	return CoerceBool(v)
}

// String returns the named field as its string form.
func (s Snapshot) String(name string) (string, bool) {
	v, ok := s.Values[name]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

// CoerceFloat converts number-ish values (including numeric strings) to
// float64.
func CoerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// CoerceBool converts bool-ish values ("true"/"false", 0/1) to bool.
func CoerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "on", "yes":
			return true, true
		case "false", "0", "off", "no":
			return false, true
		}
	case float64:
		return t != 0, true
	case int:
		return t != 0, true
	}
	return false, false
}

// CommandRecord is one actuator command emitted to the neural-commands
// store. Value keeps its native type in memory; the gateway serializes it
// as a quoted string on the wire (uniform text column downstream).
type CommandRecord struct {
	EquipmentID string    `json:"equipmentId"`
	LocationID  string    `json:"locationId"`
	Kind        Kind      `json:"equipmentKind"`
	Command     string    `json:"commandName"`
	Value       any       `json:"value"`
	Source      string    `json:"source"`
	Status      string    `json:"status"`
	At          time.Time `json:"timestamp"`
}

// UICommand is a user-originated override. Immutable once enqueued.
type UICommand struct {
	JobID       string         `json:"jobId"`
	EquipmentID string         `json:"equipmentId"`
	LocationID  string         `json:"locationId"`
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName"`
	Command     string         `json:"command"`
	Settings    map[string]any `json:"settings,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
}

// UIState is the per-equipment user-facing state kept in the shared cache.
type UIState struct {
	LastModifiedAt time.Time      `json:"lastModifiedAt"`
	LastModifiedBy string         `json:"lastModifiedBy"`
	Settings       map[string]any `json:"settings,omitempty"`
	Command        string         `json:"command,omitempty"`
	CommandHistory []HistoryEntry `json:"commandHistory,omitempty"`
}

// HistoryEntry is one bounded-history record on a UIState.
type HistoryEntry struct {
	Command string    `json:"command"`
	UserID  string    `json:"userId"`
	At      time.Time `json:"at"`
}

// Job is one unit of control work: run the loop once for one equipment.
type Job struct {
	EquipmentID string    `json:"equipmentId"`
	LocationID  string    `json:"locationId"`
	Kind        Kind      `json:"kind"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// JobStatus values for the UI command status API.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// JobProgress tracks a UI command through its stages.
type JobProgress struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}
