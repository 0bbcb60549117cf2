// v2
// internal/engine/engine_test.go
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/control"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/state"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/tsdb"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/worker"
)

type fakeInventory struct {
	equipment []model.Equipment
	groups    map[string]model.Group
	listErr   error
}

func (f *fakeInventory) ListEquipment(context.Context) ([]model.Equipment, error) {
	return f.equipment, f.listErr
}

func (f *fakeInventory) GetEquipment(_ context.Context, id string) (model.Equipment, error) {
	for _, eq := range f.equipment {
		if eq.ID == id {
			return eq, nil
		}
	}
	return model.Equipment{}, errors.New("no such equipment")
}

func (f *fakeInventory) GetGroup(_ context.Context, id string) (model.Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return model.Group{}, errors.New("no such group")
	}
	return g, nil
}

type fakeActivity struct {
	active map[string]string
}

func (f *fakeActivity) ActiveCustomEquipment(context.Context, time.Duration) (map[string]string, error) {
	return f.active, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued map[string][]model.Job
	err      error
}

func (f *fakeQueue) EnqueueJobs(_ context.Context, loc string, jobs []model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.enqueued == nil {
		f.enqueued = map[string][]model.Job{}
	}
	f.enqueued[loc] = append(f.enqueued[loc], jobs...)
	return nil
}

type nopMetrics struct{}

func (nopMetrics) QueryRecent(context.Context, string, string, time.Duration) ([]tsdb.Row, error) {
	return nil, nil
}
func (nopMetrics) ReadUICommands(context.Context, string, time.Duration) (map[string]tsdb.Row, error) {
	return nil, nil
}
func (nopMetrics) WriteCommands(context.Context, []model.CommandRecord) error { return nil }

func testRunner(t *testing.T, dir worker.Directory) *worker.Runner {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return worker.NewRunner(nopMetrics{}, dir, state.New(rdb), nil,
		control.DefaultRegistry(), time.Second, time.UTC, slog.Default(), nil)
}

func equipment(id, loc string, kind model.Kind) model.Equipment {
	return model.Equipment{ID: id, LocationID: loc, Kind: kind, ControlEnabled: true}
}

func TestTickSplitsImmediateAndQueued(t *testing.T) {
	inv := &fakeInventory{equipment: []model.Equipment{
		equipment("fc-1", "1", model.KindFanCoil),
		equipment("fc-2", "1", model.KindFanCoil),
		equipment("fc-3", "2", model.KindFanCoil),
		equipment("fc-4", "2", model.KindFanCoil),
		equipment("fc-5", "2", model.KindFanCoil),
	}}
	q := &fakeQueue{}
	e := New(inv, &fakeActivity{}, q, testRunner(t, inv), time.Minute, 3, slog.Default(), nil)

	report := e.Tick(context.Background())
	if report.WorkingSet != 5 {
		t.Fatalf("working set = %d", report.WorkingSet)
	}
	if report.Success != 3 {
		t.Fatalf("immediate successes = %d, want 3", report.Success)
	}
	if report.QueuedCount != 2 {
		t.Fatalf("queued = %d, want 2", report.QueuedCount)
	}
	total := 0
	for _, jobs := range q.enqueued {
		total += len(jobs)
	}
	if total != 2 {
		t.Fatalf("enqueued jobs = %d", total)
	}
}

func TestTickBoilersDispatchFirst(t *testing.T) {
	inv := &fakeInventory{equipment: []model.Equipment{
		equipment("fc-1", "1", model.KindFanCoil),
		equipment("fc-2", "1", model.KindFanCoil),
		equipment("b-1", "1", model.KindBoilerComfort),
	}}
	q := &fakeQueue{}
	// batch of 1: only the highest-priority unit runs immediately
	e := New(inv, &fakeActivity{}, q, testRunner(t, inv), time.Minute, 1, slog.Default(), nil)

	report := e.Tick(context.Background())
	if len(report.PerEquipment) == 0 {
		t.Fatalf("empty report")
	}
	first := report.PerEquipment[0]
	if first.EquipmentID != "b-1" {
		t.Fatalf("boiler must dispatch first, got %s", first.EquipmentID)
	}
}

func TestTickLeadsBeforeLags(t *testing.T) {
	isLead := true
	notLead := false
	lag := equipment("p-1", "1", model.KindPumpHW)
	lag.GroupID = "g1"
	lag.IsLead = &notLead
	lead := equipment("p-2", "1", model.KindPumpHW)
	lead.GroupID = "g1"
	lead.IsLead = &isLead

	inv := &fakeInventory{equipment: []model.Equipment{lag, lead}}
	q := &fakeQueue{}
	e := New(inv, &fakeActivity{}, q, testRunner(t, inv), time.Minute, 1, slog.Default(), nil)

	report := e.Tick(context.Background())
	if report.PerEquipment[0].EquipmentID != "p-2" {
		t.Fatalf("lead must dispatch before lag, got %s", report.PerEquipment[0].EquipmentID)
	}
}

func TestWorkingSetUnionsMetricDriven(t *testing.T) {
	inv := &fakeInventory{equipment: []model.Equipment{
		equipment("fc-1", "1", model.KindFanCoil),
	}}
	activity := &fakeActivity{active: map[string]string{
		"fc-1":    "1", // already listed: not duplicated
		"mystery": "4",
	}}
	q := &fakeQueue{}
	e := New(inv, activity, q, testRunner(t, inv), time.Minute, 0, slog.Default(), nil)

	report := e.Tick(context.Background())
	if report.WorkingSet != 2 {
		t.Fatalf("working set = %d, want 2 (union, no duplicates)", report.WorkingSet)
	}
}

func TestTickSkipsControlDisabled(t *testing.T) {
	disabled := equipment("fc-1", "1", model.KindFanCoil)
	disabled.ControlEnabled = false
	inv := &fakeInventory{equipment: []model.Equipment{disabled}}
	e := New(inv, &fakeActivity{}, &fakeQueue{}, testRunner(t, inv), time.Minute, 3, slog.Default(), nil)

	report := e.Tick(context.Background())
	if report.WorkingSet != 0 {
		t.Fatalf("disabled equipment must not enter the working set")
	}
}

func TestTickFailureDoesNotAbort(t *testing.T) {
	inv := &fakeInventory{equipment: []model.Equipment{
		equipment("x-1", "1", model.Kind("mystery")),
		equipment("fc-1", "1", model.KindFanCoil),
	}}
	q := &fakeQueue{}
	e := New(inv, &fakeActivity{}, q, testRunner(t, inv), time.Minute, 3, slog.Default(), nil)

	report := e.Tick(context.Background())
	if report.Failed != 1 || report.Success != 1 {
		t.Fatalf("failed=%d success=%d, want 1/1", report.Failed, report.Success)
	}

	stats := e.Stats()
	if stats.Ticks != 1 || stats.JobsFailed != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestTickQueueFailureMarksJobs(t *testing.T) {
	inv := &fakeInventory{equipment: []model.Equipment{
		equipment("fc-1", "1", model.KindFanCoil),
		equipment("fc-2", "1", model.KindFanCoil),
	}}
	q := &fakeQueue{err: errors.New("broker down")}
	e := New(inv, &fakeActivity{}, q, testRunner(t, inv), time.Minute, 1, slog.Default(), nil)

	report := e.Tick(context.Background())
	if report.QueuedCount != 0 {
		t.Fatalf("nothing queued on broker failure")
	}
	if report.Failed != 1 {
		t.Fatalf("failed = %d, want the unqueued job marked failed", report.Failed)
	}
}
