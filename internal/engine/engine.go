// v3
// internal/engine/engine.go
// Package engine is the tick-driven orchestrator: every interval it builds
// the working set of controllable equipment, runs a small immediate batch
// in-process and queues the remainder onto the per-location job topics.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/observability"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/worker"
)

// Inventory lists the controllable equipment from the document store.
type Inventory interface {
	ListEquipment(ctx context.Context) ([]model.Equipment, error)
	GetGroup(ctx context.Context, id string) (model.Group, error)
}

// ActivitySource reports equipment with recent customLogicEnabled metrics.
type ActivitySource interface {
	ActiveCustomEquipment(ctx context.Context, window time.Duration) (map[string]string, error)
}

// Enqueuer pushes the non-immediate jobs to the per-location queues.
type Enqueuer interface {
	EnqueueJobs(ctx context.Context, locationID string, jobs []model.Job) error
}

// EquipmentStatus is one equipment's outcome within a tick.
type EquipmentStatus struct {
	EquipmentID string        `json:"equipmentId"`
	LocationID  string        `json:"locationId"`
	Kind        model.Kind    `json:"kind"`
	Status      string        `json:"status"` // success | failed | timeout | busy | queued
	Error       string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"elapsedNs,omitempty"`
}

// TickReport aggregates one tick.
type TickReport struct {
	StartedAt    time.Time         `json:"startedAt"`
	Elapsed      time.Duration     `json:"elapsedNs"`
	WorkingSet   int               `json:"workingSet"`
	Success      int               `json:"success"`
	Failed       int               `json:"failed"`
	QueuedCount  int               `json:"queued"`
	PerEquipment []EquipmentStatus `json:"perEquipment"`
}

// Stats is the running tally served by /status.
type Stats struct {
	Ticks            int64         `json:"ticks"`
	JobsDispatched   int64         `json:"jobsDispatched"`
	JobsQueued       int64         `json:"jobsQueued"`
	JobsFailed       int64         `json:"jobsFailed"`
	LastTickAt       time.Time     `json:"lastTickAt"`
	LastTickDuration time.Duration `json:"lastTickDurationNs"`
	LastWorkingSet   int           `json:"lastWorkingSet"`
}

// Engine drives the control loop.
type Engine struct {
	inv      Inventory
	activity ActivitySource
	queue    Enqueuer
	runner   *worker.Runner
	lg       *slog.Logger
	met      *observability.Metrics

	interval       time.Duration
	immediateBatch int

	mu    sync.Mutex
	stats Stats
}

func New(inv Inventory, activity ActivitySource, queue Enqueuer, runner *worker.Runner,
	interval time.Duration, immediateBatch int, lg *slog.Logger, met *observability.Metrics) *Engine {
	if interval <= 0 {
		interval = time.Minute
	}
	if immediateBatch < 0 {
		immediateBatch = 0
	}
	return &Engine{
		inv:            inv,
		activity:       activity,
		queue:          queue,
		runner:         runner,
		interval:       interval,
		immediateBatch: immediateBatch,
		lg:             lg,
		met:            met,
	}
}

// Run ticks until ctx cancels. The first tick is jittered so restarting
// replicas don't stampede the upstreams together.
func (e *Engine) Run(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(e.interval) / 10))
	e.lg.Info("engine starting", "interval", e.interval.String(), "jitter", jitter.String())
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			e.Tick(ctx)
		case <-ctx.Done():
			e.lg.Info("engine stopping")
			return
		}
	}
}

// Tick runs one orchestration pass.
func (e *Engine) Tick(ctx context.Context) TickReport {
	start := time.Now()
	report := TickReport{StartedAt: start}

	set := e.workingSet(ctx)
	report.WorkingSet = len(set)
	e.sortForDispatch(ctx, set)

	k := e.immediateBatch
	if k > len(set) {
		k = len(set)
	}
	immediate, rest := set[:k], set[k:]

	// Immediate batch runs in parallel in-process.
	results := make([]EquipmentStatus, len(immediate))
	var wg sync.WaitGroup
	for i, eq := range immediate {
		wg.Add(1)
		go func(i int, eq model.Equipment) {
			defer wg.Done()
			results[i] = e.dispatch(ctx, eq)
		}(i, eq)
	}
	wg.Wait()

	for _, st := range results {
		report.PerEquipment = append(report.PerEquipment, st)
		if st.Status == "success" {
			report.Success++
		} else if st.Status != "busy" {
			report.Failed++
		}
	}

	// The remainder goes to the per-location queues.
	byLocation := map[string][]model.Job{}
	for _, eq := range rest {
		byLocation[eq.LocationID] = append(byLocation[eq.LocationID], model.Job{
			EquipmentID: eq.ID,
			LocationID:  eq.LocationID,
			Kind:        eq.Kind,
			EnqueuedAt:  start,
		})
	}
	for loc, jobs := range byLocation {
		if err := e.queue.EnqueueJobs(ctx, loc, jobs); err != nil {
			e.lg.Error("enqueue failed", "location", loc, "jobs", len(jobs), "error", err)
			for _, j := range jobs {
				report.PerEquipment = append(report.PerEquipment, EquipmentStatus{
					EquipmentID: j.EquipmentID, LocationID: loc, Kind: j.Kind,
					Status: "failed", Error: err.Error(),
				})
				report.Failed++
			}
			continue
		}
		if e.met != nil {
			e.met.SetQueueDepth(loc, float64(len(jobs)))
		}
		for _, j := range jobs {
			report.PerEquipment = append(report.PerEquipment, EquipmentStatus{
				EquipmentID: j.EquipmentID, LocationID: loc, Kind: j.Kind, Status: "queued",
			})
			report.QueuedCount++
		}
	}

	report.Elapsed = time.Since(start)
	if e.met != nil {
		e.met.ObserveTick(report.Elapsed.Seconds())
	}

	e.mu.Lock()
	e.stats.Ticks++
	e.stats.JobsDispatched += int64(len(immediate))
	e.stats.JobsQueued += int64(report.QueuedCount)
	e.stats.JobsFailed += int64(report.Failed)
	e.stats.LastTickAt = start
	e.stats.LastTickDuration = report.Elapsed
	e.stats.LastWorkingSet = report.WorkingSet
	e.mu.Unlock()

	e.lg.Info("tick complete",
		"workingSet", report.WorkingSet, "immediate", len(immediate),
		"queued", report.QueuedCount, "failed", report.Failed,
		"elapsed", report.Elapsed.String())
	return report
}

// Stats returns a copy of the running tally.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) dispatch(ctx context.Context, eq model.Equipment) EquipmentStatus {
	start := time.Now()
	st := EquipmentStatus{EquipmentID: eq.ID, LocationID: eq.LocationID, Kind: eq.Kind, Status: "success"}
	err := e.runner.Process(ctx, model.Job{
		EquipmentID: eq.ID,
		LocationID:  eq.LocationID,
		Kind:        eq.Kind,
		EnqueuedAt:  start,
	})
	st.Elapsed = time.Since(start)
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrBusy):
		st.Status = "busy"
	case errors.Is(err, worker.ErrTimeout):
		st.Status = "timeout"
		st.Error = err.Error()
	default:
		st.Status = "failed"
		st.Error = err.Error()
	}
	return st
}

// workingSet unions control-enabled equipment with equipment whose recent
// metrics request custom logic.
func (e *Engine) workingSet(ctx context.Context) []model.Equipment {
	var set []model.Equipment
	seen := map[string]bool{}

	listed, err := e.inv.ListEquipment(ctx)
	if err != nil {
		e.lg.Error("equipment list failed; tick degraded to metric-driven set", "error", err)
	}
	for _, eq := range listed {
		if !eq.ControlEnabled {
			continue
		}
		set = append(set, eq)
		seen[eq.ID] = true
	}

	active, err := e.activity.ActiveCustomEquipment(ctx, 0)
	if err != nil {
		e.lg.Warn("custom-logic scan failed", "error", err)
		return set
	}
	for id, loc := range active {
		if seen[id] {
			continue
		}
		// Metric-driven units may not exist in the document store yet; the
		// worker resolves (or creates) the record on dispatch.
		set = append(set, model.Equipment{ID: id, LocationID: loc})
	}
	return set
}

// sortForDispatch orders boilers first, then group leads, preserving the
// incoming order otherwise.
func (e *Engine) sortForDispatch(ctx context.Context, set []model.Equipment) {
	rank := func(eq model.Equipment) int {
		if eq.Kind.IsBoiler() {
			return 0
		}
		if e.isLead(ctx, eq) {
			return 1
		}
		return 2
	}
	sort.SliceStable(set, func(i, j int) bool {
		return rank(set[i]) < rank(set[j])
	})
}

func (e *Engine) isLead(ctx context.Context, eq model.Equipment) bool {
	if eq.GroupID == "" {
		return true
	}
	if eq.IsLead != nil {
		return *eq.IsLead
	}
	group, err := e.inv.GetGroup(ctx, eq.GroupID)
	if err != nil || !group.UseLeadLag {
		return true
	}
	return group.LeadID == eq.ID
}
