// v2
// internal/worker/runner_test.go
package worker

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
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/leadlag"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/state"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/tsdb"
)

type fakeMetrics struct {
	mu       sync.Mutex
	rows     []tsdb.Row
	ui       map[string]tsdb.Row
	written  [][]model.CommandRecord
	writeErr error
}

func (f *fakeMetrics) QueryRecent(_ context.Context, _, _ string, _ time.Duration) ([]tsdb.Row, error) {
	return f.rows, nil
}

func (f *fakeMetrics) ReadUICommands(_ context.Context, _ string, _ time.Duration) (map[string]tsdb.Row, error) {
	return f.ui, nil
}

func (f *fakeMetrics) WriteCommands(_ context.Context, batch []model.CommandRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, batch)
	return nil
}

func (f *fakeMetrics) lastBatch() []model.CommandRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

type fakeDirectory struct {
	equipment map[string]model.Equipment
	groups    map[string]model.Group
}

func (f *fakeDirectory) GetEquipment(_ context.Context, id string) (model.Equipment, error) {
	eq, ok := f.equipment[id]
	if !ok {
		return model.Equipment{}, errors.New("no such equipment")
	}
	return eq, nil
}

func (f *fakeDirectory) GetGroup(_ context.Context, id string) (model.Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return model.Group{}, errors.New("no such group")
	}
	return g, nil
}

func testStateStore(t *testing.T) *state.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return state.New(rdb)
}

func newTestRunner(t *testing.T, metrics *fakeMetrics, dir *fakeDirectory, deadline time.Duration) (*Runner, *state.Store, *leadlag.Manager) {
	t.Helper()
	st := testStateStore(t)
	mgr := leadlag.New(st, nil, slog.Default(), nil)
	r := NewRunner(metrics, dir, st, mgr, control.DefaultRegistry(), deadline, time.UTC, slog.Default(), nil)
	return r, st, mgr
}

func metricRow(values map[string]any) []tsdb.Row {
	return []tsdb.Row{{Time: time.Now(), Values: values}}
}

func TestProcessWritesFanCoilCommands(t *testing.T) {
	metrics := &fakeMetrics{rows: metricRow(map[string]any{
		"RoomTemp":           "65.0",
		"outdoorTemperature": 50.0,
	})}
	dir := &fakeDirectory{equipment: map[string]model.Equipment{
		"fc-1": {
			ID: "fc-1", LocationID: "1", Kind: model.KindFanCoil, ControlEnabled: true,
			Controls: map[string]any{"temperatureSetpoint": 72.0},
		},
	}}
	r, st, _ := newTestRunner(t, metrics, dir, 0)

	if err := r.Process(context.Background(), model.Job{EquipmentID: "fc-1", LocationID: "1"}); err != nil {
		t.Fatalf("process: %v", err)
	}

	batch := metrics.lastBatch()
	if len(batch) == 0 {
		t.Fatalf("no commands written")
	}
	if st.Equipment("1", "fc-1").LastRunAt.IsZero() {
		t.Fatalf("successful run must commit loop state")
	}
	byName := map[string]model.CommandRecord{}
	for _, rec := range batch {
		byName[rec.Command] = rec
		if rec.EquipmentID != "fc-1" || rec.LocationID != "1" || rec.Kind != model.KindFanCoil {
			t.Fatalf("bad tags: %+v", rec)
		}
		if rec.Source != "fan-coil-factory" || rec.Status != "active" {
			t.Fatalf("bad source/status: %+v", rec)
		}
	}
	heat, ok := byName["heatingValvePosition"]
	if !ok {
		t.Fatalf("heatingValvePosition not written: %v", byName)
	}
	if v, _ := model.CoerceFloat(heat.Value); v <= 0 {
		t.Fatalf("room 65 under setpoint 72 must heat, got %v", heat.Value)
	}
}

func TestProcessUnknownKind(t *testing.T) {
	dir := &fakeDirectory{equipment: map[string]model.Equipment{
		"x-1": {ID: "x-1", LocationID: "1", Kind: model.Kind("mystery")},
	}}
	r, _, _ := newTestRunner(t, &fakeMetrics{}, dir, 0)
	err := r.Process(context.Background(), model.Job{EquipmentID: "x-1", LocationID: "1"})
	if !errors.Is(err, control.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

type blockingAlg struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingAlg) Kind() model.Kind { return model.KindFanCoil }

func (b *blockingAlg) Compute(control.Inputs) ([]control.Result, error) {
	close(b.started)
	<-b.release
	return nil, nil
}

func TestProcessBusySkipsSecondTick(t *testing.T) {
	dir := &fakeDirectory{equipment: map[string]model.Equipment{
		"fc-1": {ID: "fc-1", LocationID: "1", Kind: model.KindFanCoil},
	}}
	metrics := &fakeMetrics{}
	st := testStateStore(t)
	alg := &blockingAlg{started: make(chan struct{}), release: make(chan struct{})}
	reg := control.NewRegistry()
	reg.Register(alg)
	r := NewRunner(metrics, dir, st, nil, reg, time.Minute, time.UTC, slog.Default(), nil)

	done := make(chan error, 1)
	go func() {
		done <- r.Process(context.Background(), model.Job{EquipmentID: "fc-1", LocationID: "1"})
	}()
	<-alg.started

	err := r.Process(context.Background(), model.Job{EquipmentID: "fc-1", LocationID: "1"})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping tick err = %v, want ErrBusy", err)
	}

	close(alg.release)
	if err := <-done; err != nil {
		t.Fatalf("first tick: %v", err)
	}
}

type panicAlg struct{}

func (panicAlg) Kind() model.Kind                           { return model.KindFanCoil }
func (panicAlg) Compute(control.Inputs) ([]control.Result, error) { panic("boom") }

func TestProcessRecoversAlgorithmPanic(t *testing.T) {
	dir := &fakeDirectory{equipment: map[string]model.Equipment{
		"fc-1": {ID: "fc-1", LocationID: "1", Kind: model.KindFanCoil},
	}}
	reg := control.NewRegistry()
	reg.Register(panicAlg{})
	r := NewRunner(&fakeMetrics{}, dir, testStateStore(t), nil, reg, time.Minute, time.UTC, slog.Default(), nil)

	err := r.Process(context.Background(), model.Job{EquipmentID: "fc-1", LocationID: "1"})
	if !errors.Is(err, ErrAlgorithmFault) {
		t.Fatalf("err = %v, want ErrAlgorithmFault", err)
	}
}

type slowAlg struct{ d time.Duration }

func (s slowAlg) Kind() model.Kind { return model.KindFanCoil }
func (s slowAlg) Compute(control.Inputs) ([]control.Result, error) {
	time.Sleep(s.d)
	return nil, nil
}

func TestProcessDeadline(t *testing.T) {
	dir := &fakeDirectory{equipment: map[string]model.Equipment{
		"fc-1": {ID: "fc-1", LocationID: "1", Kind: model.KindFanCoil},
	}}
	reg := control.NewRegistry()
	reg.Register(slowAlg{d: time.Second})
	r := NewRunner(&fakeMetrics{}, dir, testStateStore(t), nil, reg, 50*time.Millisecond, time.UTC, slog.Default(), nil)

	err := r.Process(context.Background(), model.Job{EquipmentID: "fc-1", LocationID: "1"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

type corruptingAlg struct {
	sleep time.Duration
}

func (c corruptingAlg) Kind() model.Kind { return model.KindFanCoil }

func (c corruptingAlg) Compute(in control.Inputs) ([]control.Result, error) {
	in.State.Loop("heating").Integral = 99
	in.State.Hyst("firing").IsOn = true
	if c.sleep > 0 {
		time.Sleep(c.sleep)
		return nil, nil
	}
	panic("boom")
}

func TestFaultedRunLeavesSharedStateUntouched(t *testing.T) {
	dir := &fakeDirectory{equipment: map[string]model.Equipment{
		"fc-1": {ID: "fc-1", LocationID: "1", Kind: model.KindFanCoil},
	}}
	reg := control.NewRegistry()
	reg.Register(corruptingAlg{})
	st := testStateStore(t)
	r := NewRunner(&fakeMetrics{}, dir, st, nil, reg, time.Minute, time.UTC, slog.Default(), nil)

	shared := st.Equipment("1", "fc-1")
	shared.Loop("heating").Integral = 5

	err := r.Process(context.Background(), model.Job{EquipmentID: "fc-1", LocationID: "1"})
	if !errors.Is(err, ErrAlgorithmFault) {
		t.Fatalf("err = %v, want ErrAlgorithmFault", err)
	}
	if shared.Loop("heating").Integral != 5 || shared.Hyst("firing").IsOn {
		t.Fatalf("fault must not commit partial mutations: %+v", shared)
	}
	if !shared.LastRunAt.IsZero() {
		t.Fatalf("fault must not stamp LastRunAt")
	}
}

func TestTimedOutRunLeavesSharedStateUntouched(t *testing.T) {
	dir := &fakeDirectory{equipment: map[string]model.Equipment{
		"fc-1": {ID: "fc-1", LocationID: "1", Kind: model.KindFanCoil},
	}}
	reg := control.NewRegistry()
	reg.Register(corruptingAlg{sleep: time.Second})
	st := testStateStore(t)
	r := NewRunner(&fakeMetrics{}, dir, st, nil, reg, 50*time.Millisecond, time.UTC, slog.Default(), nil)

	shared := st.Equipment("1", "fc-1")
	shared.Loop("heating").Integral = 5

	err := r.Process(context.Background(), model.Job{EquipmentID: "fc-1", LocationID: "1"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// The abandoned goroutine holds only its private clone; the shared
	// state stays readable and unchanged.
	if shared.Loop("heating").Integral != 5 || shared.Hyst("firing").IsOn {
		t.Fatalf("timeout must not commit partial mutations: %+v", shared)
	}
}

func TestUIOverridesWinOverControls(t *testing.T) {
	metrics := &fakeMetrics{
		rows: metricRow(map[string]any{"supplyTemperature": 100.0}),
		ui: map[string]tsdb.Row{
			"apply_settings": {Values: map[string]any{"setting_waterTempSetpoint": 150.0}},
		},
	}
	dir := &fakeDirectory{equipment: map[string]model.Equipment{
		"b-1": {
			ID: "b-1", LocationID: "1", Kind: model.KindBoilerDomestic,
			Controls: map[string]any{"waterTempSetpoint": 120.0},
		},
	}}
	r, _, _ := newTestRunner(t, metrics, dir, 0)

	if err := r.Process(context.Background(), model.Job{EquipmentID: "b-1", LocationID: "1"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	for _, rec := range metrics.lastBatch() {
		if rec.Command == "waterTempSetpoint" {
			if v, _ := model.CoerceFloat(rec.Value); v != 150 {
				t.Fatalf("ui override must win: setpoint = %v", rec.Value)
			}
			return
		}
	}
	t.Fatalf("waterTempSetpoint not written")
}

func TestLeadFailoverThroughRunner(t *testing.T) {
	// seed: group of two boilers, lead supply over the 170F limit
	metrics := &fakeMetrics{rows: metricRow(map[string]any{
		"waterSupplyTemperature": 172.0,
		"outdoorTemperature":     30.0,
	})}
	group := model.Group{
		ID: "g1", Kind: model.KindBoilerComfort,
		MemberIDs: []string{"b-1", "b-2"}, LeadID: "b-1",
		UseLeadLag: true, AutoFailover: true,
	}
	dir := &fakeDirectory{
		equipment: map[string]model.Equipment{
			"b-1": {ID: "b-1", LocationID: "1", Kind: model.KindBoilerComfort, GroupID: "g1"},
		},
		groups: map[string]model.Group{"g1": group},
	}
	r, st, _ := newTestRunner(t, metrics, dir, 0)
	ctx := context.Background()

	if err := r.Process(ctx, model.Job{EquipmentID: "b-1", LocationID: "1"}); err != nil {
		t.Fatalf("process: %v", err)
	}

	gs, err := st.GroupState(ctx, "g1")
	if err != nil {
		t.Fatalf("group state: %v", err)
	}
	if gs.LeadID != "b-2" || gs.FailoverCount != 1 {
		t.Fatalf("failover did not promote b-2: %+v", gs)
	}

	// the demoted unit's commands must stop firing
	for _, rec := range metrics.lastBatch() {
		if rec.Command == "firing" {
			if v, _ := model.CoerceFloat(rec.Value); v != 0 {
				t.Fatalf("demoted boiler must not fire: %v", rec.Value)
			}
		}
	}
}

func TestZoneAverageFallbackForRoomTemp(t *testing.T) {
	metrics := &fakeMetrics{rows: metricRow(map[string]any{
		"kitchenTemp": 70.0,
		"atticTemp":   74.0,
	})}
	dir := &fakeDirectory{equipment: map[string]model.Equipment{
		"fc-1": {
			ID: "fc-1", LocationID: "1", Kind: model.KindFanCoil,
			Controls: map[string]any{"temperatureSetpoint": 76.0},
		},
	}}
	r, _, _ := newTestRunner(t, metrics, dir, 0)

	if err := r.Process(context.Background(), model.Job{EquipmentID: "fc-1", LocationID: "1"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	// averaged zone temp 72 under setpoint 76 must drive heating
	for _, rec := range metrics.lastBatch() {
		if rec.Command == "heatingValvePosition" {
			if v, _ := model.CoerceFloat(rec.Value); v <= 0 {
				t.Fatalf("zone average must feed the loop, got %v", rec.Value)
			}
			return
		}
	}
	t.Fatalf("heatingValvePosition not written")
}
