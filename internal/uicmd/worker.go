// v2
// internal/uicmd/worker.go
// Package uicmd consumes user-originated equipment commands from the
// equipment-controls topic and applies them in three stages: persist the
// command, update the shared UI state, and append the audit record. Job
// progress is checkpointed after each stage for the status API.
package uicmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/observability"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/state"
)

// saveConfigurationCommand also archives a configuration snapshot.
const saveConfigurationCommand = "save_configuration"

// CommandSink is the slice of the time-series gateway the worker writes to.
type CommandSink interface {
	WriteUICommand(ctx context.Context, cmd model.UICommand) error
	WriteConfigSnapshot(ctx context.Context, cmd model.UICommand) error
	WriteCommands(ctx context.Context, batch []model.CommandRecord) error
}

// CommandSource abstracts the Kafka reader for tests.
type CommandSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EquipmentDirectory resolves the equipment kind for the audit record.
type EquipmentDirectory interface {
	GetEquipment(ctx context.Context, id string) (model.Equipment, error)
}

// Worker runs the UI command pipeline.
type Worker struct {
	reader      CommandSource
	sink        CommandSink
	dir         EquipmentDirectory
	store       *state.Store
	concurrency int
	lg          *slog.Logger
	met         *observability.Metrics

	wg sync.WaitGroup
}

func New(reader CommandSource, sink CommandSink, dir EquipmentDirectory, store *state.Store,
	concurrency int, lg *slog.Logger, met *observability.Metrics) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		reader:      reader,
		sink:        sink,
		dir:         dir,
		store:       store,
		concurrency: concurrency,
		lg:          lg,
		met:         met,
	}
}

// Start launches the consume loop; Wait drains after ctx cancels.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.consume(ctx)
	}()
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	defer func() {
		if err := w.reader.Close(); err != nil {
			w.lg.Error("reader close", "error", err)
		}
	}()
	w.lg.Info("ui command worker started", "concurrency", w.concurrency)

	sem := make(chan struct{}, w.concurrency)
	backoff := time.Second
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.lg.Info("ui command worker stopping")
				return
			}
			w.lg.Error("fetch failed", "error", err)
			select {
			case <-time.After(backoff):
				if backoff < 10*time.Second {
					backoff *= 2
				}
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff = time.Second

		var cmd model.UICommand
		if err := json.Unmarshal(msg.Value, &cmd); err != nil {
			w.lg.Error("bad command payload; skipping", "offset", msg.Offset, "error", err)
			w.commit(ctx, msg)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		w.wg.Add(1)
		go func(msg kafka.Message, cmd model.UICommand) {
			defer w.wg.Done()
			defer func() { <-sem }()
			if err := w.Handle(ctx, cmd); err != nil {
				w.lg.Error("ui command failed", "job", cmd.JobID, "equipment", cmd.EquipmentID, "error", err)
			}
			w.commit(ctx, msg)
		}(msg, cmd)
	}
}

// Handle runs the three-stage pipeline for one command. Each stage
// checkpoints progress; a failure marks the job failed with the stage's
// message but earlier stage effects are retained (no rollback).
func (w *Worker) Handle(ctx context.Context, cmd model.UICommand) error {
	now := time.Now()
	w.progress(ctx, cmd.JobID, model.JobProcessing, 0, "")

	// Stage 1: persist the command to the UI command store.
	if err := w.sink.WriteUICommand(ctx, cmd); err != nil {
		return w.fail(ctx, cmd.JobID, fmt.Errorf("command store write: %w", err))
	}
	if cmd.Command == saveConfigurationCommand {
		if err := w.sink.WriteConfigSnapshot(ctx, cmd); err != nil {
			return w.fail(ctx, cmd.JobID, fmt.Errorf("config snapshot: %w", err))
		}
	}
	w.progress(ctx, cmd.JobID, model.JobProcessing, 40, "command persisted")

	// Stage 2: fold the command into the shared UI state.
	if _, err := w.store.ApplyUICommand(ctx, cmd, now); err != nil {
		return w.fail(ctx, cmd.JobID, fmt.Errorf("ui state update: %w", err))
	}
	w.progress(ctx, cmd.JobID, model.JobProcessing, 70, "state updated")

	// Stage 3: audit trail in the neural command store. Command records
	// always carry the equipment kind tag.
	audit := model.CommandRecord{
		EquipmentID: cmd.EquipmentID,
		LocationID:  cmd.LocationID,
		Kind:        w.equipmentKind(ctx, cmd.EquipmentID),
		Command:     cmd.Command,
		Value:       auditValue(cmd),
		Source:      "ui-command",
		Status:      "acknowledged",
		At:          now,
	}
	if err := w.sink.WriteCommands(ctx, []model.CommandRecord{audit}); err != nil {
		return w.fail(ctx, cmd.JobID, fmt.Errorf("audit write: %w", err))
	}
	w.progress(ctx, cmd.JobID, model.JobCompleted, 100, "")

	if w.met != nil {
		w.met.ObserveJob(cmd.LocationID, "ui-completed", time.Since(now).Seconds())
	}
	return nil
}

func (w *Worker) equipmentKind(ctx context.Context, equipmentID string) model.Kind {
	if w.dir == nil {
		return ""
	}
	eq, err := w.dir.GetEquipment(ctx, equipmentID)
	if err != nil {
		w.lg.Warn("kind lookup failed; audit record goes untyped",
			"equipment", equipmentID, "error", err)
		return ""
	}
	return eq.Kind
}

func (w *Worker) fail(ctx context.Context, jobID string, err error) error {
	w.progress(ctx, jobID, model.JobFailed, 0, err.Error())
	return err
}

func (w *Worker) progress(ctx context.Context, jobID, status string, pct int, msg string) {
	if jobID == "" {
		return
	}
	if err := w.store.SetJobProgress(ctx, jobID, model.JobProgress{
		Status: status, Progress: pct, Message: msg,
	}); err != nil {
		w.lg.Warn("job progress write failed", "job", jobID, "error", err)
	}
}

func (w *Worker) commit(ctx context.Context, msg kafka.Message) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.reader.CommitMessages(cctx, msg); err != nil {
		w.lg.Error("commit failed", "offset", msg.Offset, "error", err)
	}
}

// auditValue summarizes the command's settings for the audit row.
func auditValue(cmd model.UICommand) any {
	if len(cmd.Settings) == 0 {
		return cmd.Command
	}
	body, err := json.Marshal(cmd.Settings)
	if err != nil {
		return cmd.Command
	}
	return string(body)
}
