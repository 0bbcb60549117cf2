// v2
// internal/uicmd/worker_test.go
package uicmd

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/state"
)

type fakeSink struct {
	uiCommands []model.UICommand
	snapshots  []model.UICommand
	audits     [][]model.CommandRecord

	uiErr    error
	auditErr error
}

func (f *fakeSink) WriteUICommand(_ context.Context, cmd model.UICommand) error {
	if f.uiErr != nil {
		return f.uiErr
	}
	f.uiCommands = append(f.uiCommands, cmd)
	return nil
}

func (f *fakeSink) WriteConfigSnapshot(_ context.Context, cmd model.UICommand) error {
	f.snapshots = append(f.snapshots, cmd)
	return nil
}

func (f *fakeSink) WriteCommands(_ context.Context, batch []model.CommandRecord) error {
	if f.auditErr != nil {
		return f.auditErr
	}
	f.audits = append(f.audits, batch)
	return nil
}

type fakeDir struct {
	kinds map[string]model.Kind
	err   error
}

func (f *fakeDir) GetEquipment(_ context.Context, id string) (model.Equipment, error) {
	if f.err != nil {
		return model.Equipment{}, f.err
	}
	kind, ok := f.kinds[id]
	if !ok {
		return model.Equipment{}, errors.New("no such equipment")
	}
	return model.Equipment{ID: id, LocationID: "1", Kind: kind}, nil
}

func testWorker(t *testing.T) (*Worker, *fakeSink, *state.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := state.New(rdb)
	sink := &fakeSink{}
	dir := &fakeDir{kinds: map[string]model.Kind{"fc-1": model.KindFanCoil}}
	return New(nil, sink, dir, st, 5, slog.Default(), nil), sink, st
}

func command(jobID, cmd string) model.UICommand {
	return model.UICommand{
		JobID:       jobID,
		EquipmentID: "fc-1",
		LocationID:  "1",
		UserID:      "u1",
		UserName:    "Operator",
		Command:     cmd,
		Settings:    map[string]any{"temperatureSetpoint": 74.0},
		EnqueuedAt:  time.Now(),
	}
}

func TestHandleRunsAllStages(t *testing.T) {
	w, sink, st := testWorker(t)
	ctx := context.Background()

	if err := w.Handle(ctx, command("j1", "apply_settings")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(sink.uiCommands) != 1 {
		t.Fatalf("ui command store writes = %d", len(sink.uiCommands))
	}
	if len(sink.snapshots) != 0 {
		t.Fatalf("plain commands must not snapshot config")
	}
	if len(sink.audits) != 1 || sink.audits[0][0].Source != "ui-command" {
		t.Fatalf("audit record: %+v", sink.audits)
	}
	if sink.audits[0][0].Kind != model.KindFanCoil {
		t.Fatalf("audit record must carry the equipment kind, got %q", sink.audits[0][0].Kind)
	}

	ui, err := st.UIState(ctx, "fc-1")
	if err != nil {
		t.Fatalf("ui state: %v", err)
	}
	if ui.Settings["temperatureSetpoint"] != 74.0 || ui.LastModifiedBy != "u1" {
		t.Fatalf("ui state not updated: %+v", ui)
	}
	if len(ui.CommandHistory) != 1 {
		t.Fatalf("history len = %d", len(ui.CommandHistory))
	}

	jp, err := st.JobProgress(ctx, "j1")
	if err != nil {
		t.Fatalf("job progress: %v", err)
	}
	if jp.Status != model.JobCompleted || jp.Progress != 100 {
		t.Fatalf("progress: %+v", jp)
	}
}

func TestHandleKindLookupFailureDoesNotFailJob(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sink := &fakeSink{}
	dir := &fakeDir{err: errors.New("store down")}
	w := New(nil, sink, dir, state.New(rdb), 1, slog.Default(), nil)

	if err := w.Handle(context.Background(), command("j5", "apply_settings")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.audits) != 1 || sink.audits[0][0].Kind != "" {
		t.Fatalf("audit must still be written, untyped: %+v", sink.audits)
	}
}

func TestHandleSaveConfigurationSnapshots(t *testing.T) {
	w, sink, _ := testWorker(t)
	if err := w.Handle(context.Background(), command("j2", "save_configuration")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.snapshots) != 1 {
		t.Fatalf("save_configuration must archive a snapshot")
	}
}

func TestHandleFailureMarksJobFailed(t *testing.T) {
	w, sink, st := testWorker(t)
	sink.auditErr = errors.New("store down")
	ctx := context.Background()

	if err := w.Handle(ctx, command("j3", "apply_settings")); err == nil {
		t.Fatalf("want error from audit stage")
	}

	jp, err := st.JobProgress(ctx, "j3")
	if err != nil {
		t.Fatalf("job progress: %v", err)
	}
	if jp.Status != model.JobFailed || jp.Message == "" {
		t.Fatalf("progress: %+v", jp)
	}

	// earlier stages are retained (no rollback)
	ui, err := st.UIState(ctx, "fc-1")
	if err != nil {
		t.Fatalf("ui state: %v", err)
	}
	if ui.Settings["temperatureSetpoint"] != 74.0 {
		t.Fatalf("stage 2 effects must be retained: %+v", ui)
	}
}

func TestHandleFirstStageFailureTouchesNothing(t *testing.T) {
	w, sink, st := testWorker(t)
	ctx := context.Background()
	sink.uiErr = errors.New("store down")

	if err := w.Handle(ctx, command("j4", "apply_settings")); !errors.Is(err, sink.uiErr) {
		t.Fatalf("err = %v", err)
	}
	if _, err := st.UIState(ctx, "fc-1"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("ui state must be untouched after stage 1 failure")
	}
}
