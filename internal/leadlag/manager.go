// v2
// internal/leadlag/manager.go
// Package leadlag resolves equipment groups, watches lead health, rotates
// leads on schedule and fails over when the lead goes bad. Lead changes are
// linearized through a compare-and-swap on the group's shared state entry.
package leadlag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/control"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/observability"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/state"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/tsdb"
)

const (
	healthCheckInterval = 30 * time.Second
	rotationInterval    = 5 * time.Minute

	// Default changeover for groups that don't set one. Pumps rotate weekly.
	defaultChangeoverDays = 7

	// pumpSettleTime: a pump just commanded on gets this long before low
	// amps count as a failure.
	pumpSettleTime = 90 * time.Second

	failAmps = 1.0
)

// Health is the result of one lead health check.
type Health struct {
	OK     bool
	Reason string
}

// EventWriter appends lead/lag events to the control event log.
type EventWriter interface {
	WriteEvent(ctx context.Context, ev tsdb.LeadEvent) error
}

// GroupStore is the slice of the state store the manager needs.
type GroupStore interface {
	GroupState(ctx context.Context, groupID string) (model.GroupState, error)
	SaveGroupState(ctx context.Context, groupID string, gs model.GroupState) error
	CompareAndSwapLead(ctx context.Context, groupID, expectedLead string, next model.GroupState) error
}

// Manager owns lead selection for every group.
type Manager struct {
	store  GroupStore
	events EventWriter
	lg     *slog.Logger
	met    *observability.Metrics

	mu            sync.Mutex
	lastHealth    map[string]time.Time
	lastRotateChk map[string]time.Time
	commandedOnAt map[string]time.Time
}

func New(store GroupStore, events EventWriter, lg *slog.Logger, met *observability.Metrics) *Manager {
	return &Manager{
		store:         store,
		events:        events,
		lg:            lg,
		met:           met,
		lastHealth:    map[string]time.Time{},
		lastRotateChk: map[string]time.Time{},
		commandedOnAt: map[string]time.Time{},
	}
}

// Resolve answers "is this equipment the lead of its group right now".
// Standalone equipment (no group, or lead/lag disabled) is its own lead. An
// explicit lead flag on the equipment record overrides stored state.
func (m *Manager) Resolve(ctx context.Context, eq model.Equipment, group *model.Group) control.LeadInfo {
	if group == nil || !group.UseLeadLag || len(group.MemberIDs) < 2 {
		return control.LeadInfo{IsLead: true}
	}
	if eq.IsLead != nil {
		return control.LeadInfo{GroupID: group.ID, IsLead: *eq.IsLead, Reason: "equipment override"}
	}
	lead := m.currentLead(ctx, group)
	return control.LeadInfo{GroupID: group.ID, IsLead: lead == eq.ID}
}

// currentLead reads the stored lead, falling back to the group definition
// and then to the first member. The fallback is persisted so the whole
// fleet converges on one answer.
func (m *Manager) currentLead(ctx context.Context, group *model.Group) string {
	gs, err := m.store.GroupState(ctx, group.ID)
	if err == nil && gs.LeadID != "" && group.HasMember(gs.LeadID) {
		return gs.LeadID
	}
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		m.lg.Warn("group state read failed; using definition", "group", group.ID, "error", err)
	}
	lead := group.LeadID
	if !group.HasMember(lead) {
		lead = group.MemberIDs[0]
	}
	if errors.Is(err, state.ErrNotFound) {
		if serr := m.store.SaveGroupState(ctx, group.ID, model.GroupState{
			LeadID:       lead,
			RuntimeHours: map[string]float64{},
		}); serr != nil {
			m.lg.Warn("group state seed failed", "group", group.ID, "error", serr)
		}
	}
	return lead
}

// NoteCommandedOn records when a unit was last commanded on, starting the
// settling clock for the amp-draw health signal.
func (m *Manager) NoteCommandedOn(equipmentID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commandedOnAt[equipmentID]; !ok {
		m.commandedOnAt[equipmentID] = at
	}
}

// NoteCommandedOff clears the settling clock.
func (m *Manager) NoteCommandedOff(equipmentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.commandedOnAt, equipmentID)
}

// CheckHealth evaluates the lead's health signals. Checks throttle to once
// per 30s per group; inside the throttle window the previous answer is
// assumed healthy (the caller only acts on failures).
func (m *Manager) CheckHealth(group *model.Group, leadID string, kind model.Kind, metrics model.Snapshot, now time.Time) Health {
	m.mu.Lock()
	last, ok := m.lastHealth[group.ID]
	if ok && now.Sub(last) < healthCheckInterval {
		m.mu.Unlock()
		return Health{OK: true}
	}
	m.lastHealth[group.ID] = now
	commandedAt, commanded := m.commandedOnAt[leadID]
	m.mu.Unlock()

	return leadHealth(kind, metrics, commanded, commandedAt, now)
}

// leadHealth applies the kind-dependent failure signals.
func leadHealth(kind model.Kind, metrics model.Snapshot, commandedOn bool, commandedAt, now time.Time) Health {
	if supply, ok := metrics.Float("waterSupplyTemperature"); ok {
		switch {
		case kind.IsBoiler() && supply > control.BoilerHighLimit:
			return Health{Reason: fmt.Sprintf("supply %.1fF over high limit", supply)}
		case kind == model.KindSteamBundle && supply > control.SteamHighLimit:
			return Health{Reason: fmt.Sprintf("supply %.1fF over high limit", supply)}
		}
	}
	if frozen, ok := metrics.Bool("freezestat"); ok && frozen {
		return Health{Reason: "freezestat tripped"}
	}
	if alarm, ok := metrics.String("alarm"); ok {
		switch alarm {
		case "", "false", "0", "normal":
		default:
			return Health{Reason: "alarm: " + alarm}
		}
	}
	if commandedOn && now.Sub(commandedAt) >= pumpSettleTime {
		if amps, ok := metrics.Float("amps"); ok && amps < failAmps {
			return Health{Reason: fmt.Sprintf("commanded on, drawing %.2fA", amps)}
		}
	}
	return Health{OK: true}
}

// MaybeFailover promotes the next member when the lead is unhealthy. The
// lead change is a compare-and-swap; on conflict it retries once with a
// fresh read, then defers to the next cycle.
func (m *Manager) MaybeFailover(ctx context.Context, group *model.Group, health Health, now time.Time) (string, bool) {
	if health.OK || group == nil || !group.AutoFailover || len(group.MemberIDs) < 2 {
		return "", false
	}
	for attempt := 0; attempt < 2; attempt++ {
		gs, err := m.store.GroupState(ctx, group.ID)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			m.lg.Error("failover aborted: group state read", "group", group.ID, "error", err)
			return "", false
		}
		current := gs.LeadID
		if current == "" {
			current = group.LeadID
		}
		next := nextMember(group, current)
		if next == "" || next == current {
			return "", false
		}

		updated := gs
		updated.LeadID = next
		updated.LastFailoverAt = now
		updated.FailoverCount = gs.FailoverCount + 1
		if updated.RuntimeHours == nil {
			updated.RuntimeHours = map[string]float64{}
		}

		err = m.store.CompareAndSwapLead(ctx, group.ID, gs.LeadID, updated)
		if errors.Is(err, state.ErrStateConflict) {
			m.lg.Warn("failover lost lead race; retrying", "group", group.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			m.lg.Error("failover write failed", "group", group.ID, "error", err)
			return "", false
		}

		m.lg.Warn("lead failover", "group", group.ID, "from", current, "to", next, "reason", health.Reason)
		if m.met != nil {
			m.met.LeadChange(group.ID, "failover")
		}
		m.writeEvent(ctx, tsdb.LeadEvent{
			GroupID: group.ID, NewLeadID: next, Reason: health.Reason,
			EventType: "failover", At: now,
		})
		return next, true
	}
	m.lg.Warn("failover deferred after conflict", "group", group.ID)
	return "", false
}

// MaybeRotate advances the lead when the changeover interval has elapsed.
// Rotation checks throttle to once per 5 minutes per group.
func (m *Manager) MaybeRotate(ctx context.Context, group *model.Group, now time.Time) (string, bool) {
	if group == nil || !group.UseLeadLag || len(group.MemberIDs) < 2 {
		return "", false
	}

	m.mu.Lock()
	if last, ok := m.lastRotateChk[group.ID]; ok && now.Sub(last) < rotationInterval {
		m.mu.Unlock()
		return "", false
	}
	m.lastRotateChk[group.ID] = now
	m.mu.Unlock()

	gs, err := m.store.GroupState(ctx, group.ID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		m.lg.Error("rotation aborted: group state read", "group", group.ID, "error", err)
		return "", false
	}

	days := group.ChangeoverIntervalDays
	if days <= 0 {
		days = defaultChangeoverDays
	}
	interval := time.Duration(days) * 24 * time.Hour
	if !gs.LastChangeoverAt.IsZero() && now.Sub(gs.LastChangeoverAt) < interval {
		return "", false
	}
	if gs.LastChangeoverAt.IsZero() {
		// First sighting: start the clock instead of rotating immediately.
		gs.LastChangeoverAt = now
		if gs.LeadID == "" {
			gs.LeadID = group.LeadID
		}
		if gs.RuntimeHours == nil {
			gs.RuntimeHours = map[string]float64{}
		}
		if serr := m.store.SaveGroupState(ctx, group.ID, gs); serr != nil {
			m.lg.Warn("rotation clock seed failed", "group", group.ID, "error", serr)
		}
		return "", false
	}

	current := gs.LeadID
	if current == "" {
		current = group.LeadID
	}
	next := nextMember(group, current)
	if next == "" || next == current {
		return "", false
	}

	updated := gs
	updated.LeadID = next
	updated.LastChangeoverAt = now
	if updated.RuntimeHours == nil {
		updated.RuntimeHours = map[string]float64{}
	}

	err = m.store.CompareAndSwapLead(ctx, group.ID, gs.LeadID, updated)
	if errors.Is(err, state.ErrStateConflict) {
		m.lg.Warn("rotation lost lead race; deferring", "group", group.ID)
		return "", false
	}
	if err != nil {
		m.lg.Error("rotation write failed", "group", group.ID, "error", err)
		return "", false
	}

	m.lg.Info("lead rotation", "group", group.ID, "from", current, "to", next)
	if m.met != nil {
		m.met.LeadChange(group.ID, "rotation")
	}
	m.writeEvent(ctx, tsdb.LeadEvent{
		GroupID: group.ID, NewLeadID: next, Reason: "scheduled changeover",
		EventType: "rotation", At: now,
	})
	return next, true
}

// leadFailWindow: how long a failover keeps lag members running as backup
// while the new lead designation propagates.
const leadFailWindow = 5 * time.Minute

// LeadFailedRecently reports whether the group failed over inside the
// backup window. Lag algorithms use it to keep running until the promoted
// lead takes over.
func (m *Manager) LeadFailedRecently(ctx context.Context, groupID string, now time.Time) bool {
	gs, err := m.store.GroupState(ctx, groupID)
	if err != nil {
		return false
	}
	return !gs.LastFailoverAt.IsZero() && now.Sub(gs.LastFailoverAt) < leadFailWindow
}

// AccrueRuntime adds run hours to a member's counter. Counters only grow
// within a session.
func (m *Manager) AccrueRuntime(ctx context.Context, groupID, memberID string, hours float64) {
	if hours <= 0 {
		return
	}
	gs, err := m.store.GroupState(ctx, groupID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return
	}
	if gs.RuntimeHours == nil {
		gs.RuntimeHours = map[string]float64{}
	}
	gs.RuntimeHours[memberID] += hours
	if serr := m.store.SaveGroupState(ctx, groupID, gs); serr != nil {
		m.lg.Warn("runtime accrual write failed", "group", groupID, "error", serr)
	}
}

func (m *Manager) writeEvent(ctx context.Context, ev tsdb.LeadEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.WriteEvent(ctx, ev); err != nil {
		m.lg.Error("lead event write failed", "group", ev.GroupID, "type", ev.EventType, "error", err)
	}
}

// nextMember returns the member after current, wrapping around.
func nextMember(group *model.Group, current string) string {
	n := len(group.MemberIDs)
	if n == 0 {
		return ""
	}
	for i, id := range group.MemberIDs {
		if id == current {
			return group.MemberIDs[(i+1)%n]
		}
	}
	return group.MemberIDs[0]
}
