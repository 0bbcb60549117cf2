// v3
// internal/worker/runner.go
// Package worker executes control jobs: it assembles the inputs for one
// equipment, invokes the algorithm under a deadline, extracts and writes
// the resulting commands, and persists loop state. The per-location pools
// in pool.go feed it from Kafka; the engine feeds it directly for the
// immediate batch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/control"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/docstore"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/leadlag"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/normalize"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/observability"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/state"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/tsdb"
)

var (
	// ErrTimeout marks an algorithm invocation that hit its deadline.
	ErrTimeout = errors.New("worker: algorithm deadline exceeded")
	// ErrBusy means the equipment's previous tick is still running; the job
	// is skipped, not failed.
	ErrBusy = errors.New("worker: equipment busy")
	// ErrAlgorithmFault marks a panic inside an algorithm.
	ErrAlgorithmFault = errors.New("worker: algorithm fault")
)

// MetricsSource is the slice of the time-series gateway the runner uses.
type MetricsSource interface {
	QueryRecent(ctx context.Context, equipmentID, locationID string, window time.Duration) ([]tsdb.Row, error)
	ReadUICommands(ctx context.Context, equipmentID string, window time.Duration) (map[string]tsdb.Row, error)
	WriteCommands(ctx context.Context, batch []model.CommandRecord) error
}

// Directory is the slice of the document store the runner uses.
type Directory interface {
	GetEquipment(ctx context.Context, id string) (model.Equipment, error)
	GetGroup(ctx context.Context, id string) (model.Group, error)
}

// Runner runs one control job end to end. It also owns the per-equipment
// busy flags that serialize ticks for the same equipment across the
// immediate batch and the queue consumers.
type Runner struct {
	metrics  MetricsSource
	dir      Directory
	store    *state.Store
	groups   *leadlag.Manager
	registry *control.Registry
	lg       *slog.Logger
	met      *observability.Metrics

	deadline time.Duration
	site     *time.Location

	mu   sync.Mutex
	busy map[string]bool
}

func NewRunner(metrics MetricsSource, dir Directory, store *state.Store, groups *leadlag.Manager,
	registry *control.Registry, deadline time.Duration, site *time.Location,
	lg *slog.Logger, met *observability.Metrics) *Runner {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	if site == nil {
		site = time.UTC
	}
	return &Runner{
		metrics:  metrics,
		dir:      dir,
		store:    store,
		groups:   groups,
		registry: registry,
		deadline: deadline,
		site:     site,
		lg:       lg,
		met:      met,
		busy:     map[string]bool{},
	}
}

// Process runs one job. Returns ErrBusy when the previous tick for the same
// equipment has not finished.
func (r *Runner) Process(ctx context.Context, job model.Job) error {
	if !r.acquire(job.EquipmentID) {
		return fmt.Errorf("%w: %s", ErrBusy, job.EquipmentID)
	}
	defer r.release(job.EquipmentID)

	start := time.Now()
	err := r.run(ctx, job, start)
	if r.met != nil {
		status := "success"
		if err != nil {
			status = "failed"
			if errors.Is(err, ErrTimeout) {
				status = "timeout"
			}
		}
		r.met.ObserveJob(job.LocationID, status, time.Since(start).Seconds())
	}
	return err
}

func (r *Runner) run(ctx context.Context, job model.Job, now time.Time) error {
	eq, err := r.dir.GetEquipment(ctx, job.EquipmentID)
	if err != nil {
		if errors.Is(err, docstore.ErrMissingEquipment) {
			return err
		}
		return fmt.Errorf("equipment lookup %s: %w", job.EquipmentID, err)
	}
	kind := eq.Kind
	if kind == "" {
		kind = job.Kind
	}
	loc := eq.LocationID
	if loc == "" {
		loc = job.LocationID
	}

	alg, err := r.registry.Resolve(kind, loc)
	if err != nil {
		return err
	}

	snapshot := r.loadMetrics(ctx, eq.ID, loc)
	settings := r.assembleSettings(ctx, eq)
	lead := r.resolveLead(ctx, eq, kind, snapshot, now)

	field := control.ControlTempField(kind, settings)
	controlTemp, hasTemp := snapshot.Float(field)
	if !hasTemp && field == normalize.FieldRoomTemp && len(snapshot.ZoneTemperatures) > 0 {
		// No dedicated room sensor: average the zone sensors.
		var sum float64
		for _, v := range snapshot.ZoneTemperatures {
			sum += v
		}
		controlTemp = sum / float64(len(snapshot.ZoneTemperatures))
		hasTemp = true
	}

	st := r.store.Equipment(loc, eq.ID)
	dt := 60.0
	if !st.LastRunAt.IsZero() {
		dt = now.Sub(st.LastRunAt).Seconds()
	}

	// The algorithm runs against a clone: a deadline-abandoned goroutine
	// keeps only its private copy, and a fault discards partial mutations.
	work := st.Clone()
	in := control.Inputs{
		Equipment:   eq,
		Metrics:     snapshot,
		Settings:    settings,
		ControlTemp: controlTemp,
		HasTemp:     hasTemp,
		State:       work,
		Lead:        lead,
		Now:         now,
		Site:        r.site,
		Dt:          dt,
	}

	results, err := r.invoke(ctx, alg, in)
	if err != nil {
		return err
	}
	work.LastRunAt = now
	*st = *work

	commands := control.Extract(kind, results, r.lg)
	r.noteEnableState(ctx, eq, commands, dt, now)

	batch := make([]model.CommandRecord, 0, len(commands))
	for _, c := range commands {
		batch = append(batch, model.CommandRecord{
			EquipmentID: eq.ID,
			LocationID:  loc,
			Kind:        kind,
			Command:     c.Command,
			Value:       c.Value,
			Source:      sourceTag(kind),
			Status:      "active",
			At:          now,
		})
	}
	if err := r.metrics.WriteCommands(ctx, batch); err != nil {
		return fmt.Errorf("command write %s: %w", eq.ID, err)
	}
	return nil
}

// invoke runs the algorithm with a hard deadline and panic recovery.
// Algorithms are CPU-only, so a deadline miss means a runaway computation;
// the goroutine is abandoned with its private state clone and the shared
// state stays as it was.
func (r *Runner) invoke(ctx context.Context, alg control.Algorithm, in control.Inputs) ([]control.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	type outcome struct {
		results []control.Result
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("%w: %v", ErrAlgorithmFault, rec)}
			}
		}()
		res, err := alg.Compute(in)
		ch <- outcome{results: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.results, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrTimeout, in.Equipment.ID)
	}
}

// loadMetrics queries the recent samples and folds them newest-first into
// one normalized snapshot.
func (r *Runner) loadMetrics(ctx context.Context, equipmentID, locationID string) model.Snapshot {
	rows, err := r.metrics.QueryRecent(ctx, equipmentID, locationID, 0)
	if err != nil {
		r.lg.Warn("metrics unavailable; running without readings",
			"equipment", equipmentID, "error", err)
		return model.Snapshot{Values: map[string]any{}, At: time.Now()}
	}
	raw := map[string]any{}
	at := time.Time{}
	// rows are newest first; keep the newest value per field
	for _, row := range rows {
		if at.IsZero() {
			at = row.Time
		}
		for k, v := range row.Values {
			if _, seen := raw[k]; !seen {
				raw[k] = v
			}
		}
	}
	return normalize.Build(raw, at)
}

// assembleSettings overlays the latest UI overrides on the document-store
// controls. UI values win.
func (r *Runner) assembleSettings(ctx context.Context, eq model.Equipment) control.Settings {
	settings := control.Settings{}
	for k, v := range eq.Controls {
		settings[k] = v
	}
	overrides, err := r.metrics.ReadUICommands(ctx, eq.ID, 0)
	if err != nil {
		r.lg.Warn("ui override read failed", "equipment", eq.ID, "error", err)
		return settings
	}
	for _, row := range overrides {
		for k, v := range row.Values {
			if name, ok := strings.CutPrefix(k, "setting_"); ok {
				settings[name] = v
			}
		}
	}
	return settings
}

// resolveLead determines the group role and, when this unit is the lead,
// runs the health and rotation checks.
func (r *Runner) resolveLead(ctx context.Context, eq model.Equipment, kind model.Kind, snapshot model.Snapshot, now time.Time) control.LeadInfo {
	if eq.GroupID == "" || r.groups == nil {
		return control.LeadInfo{IsLead: true}
	}
	group, err := r.dir.GetGroup(ctx, eq.GroupID)
	if err != nil {
		r.lg.Warn("group lookup failed; running standalone", "equipment", eq.ID, "group", eq.GroupID, "error", err)
		return control.LeadInfo{IsLead: true}
	}

	info := r.groups.Resolve(ctx, eq, &group)
	if info.GroupID == "" {
		return info
	}

	if info.IsLead {
		health := r.groups.CheckHealth(&group, eq.ID, kind, snapshot, now)
		if !health.OK {
			if newLead, changed := r.groups.MaybeFailover(ctx, &group, health, now); changed && newLead != eq.ID {
				info.IsLead = false
				info.Reason = health.Reason
				return info
			}
		} else if newLead, changed := r.groups.MaybeRotate(ctx, &group, now); changed {
			info.IsLead = newLead == eq.ID
		}
		return info
	}

	info.LeadFailed = r.groups.LeadFailedRecently(ctx, eq.GroupID, now)
	return info
}

// noteEnableState feeds the settling clock for the amp-draw health signal
// and accrues grouped run hours for changeover accounting.
func (r *Runner) noteEnableState(ctx context.Context, eq model.Equipment, commands []control.Result, dt float64, now time.Time) {
	if r.groups == nil {
		return
	}
	for _, c := range commands {
		switch c.Command {
		case "pumpEnable", "unitEnable", "chillerEnable", "fanEnabled":
			if on, ok := model.CoerceBool(c.Value); ok {
				if on {
					r.groups.NoteCommandedOn(eq.ID, now)
					if eq.GroupID != "" && dt > 0 {
						r.groups.AccrueRuntime(ctx, eq.GroupID, eq.ID, dt/3600)
					}
				} else {
					r.groups.NoteCommandedOff(eq.ID)
				}
				return
			}
		}
	}
}

func (r *Runner) acquire(equipmentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy[equipmentID] {
		return false
	}
	r.busy[equipmentID] = true
	return true
}

func (r *Runner) release(equipmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, equipmentID)
}

// sourceTag names the emitting factory the way the command log downstream
// expects, e.g. "boiler-comfort-factory".
func sourceTag(kind model.Kind) string {
	return string(kind) + "-factory"
}
