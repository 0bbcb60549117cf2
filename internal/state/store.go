// v2
// internal/state/store.go
// Package state is the control plane's shared state facade: per-equipment
// loop state in process memory (cheap, rebuilt on restart), lead/lag group
// state, UI state and job progress in Redis with a 24h TTL so restarts keep
// rotation schedules and in-flight command status.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/control"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
)

var (
	// ErrNotFound means the key has no value (or it expired).
	ErrNotFound = errors.New("state: not found")
	// ErrStateConflict means a compare-and-swap lost the race; the caller
	// re-reads and retries or defers to the next cycle.
	ErrStateConflict = errors.New("state: conflict")
)

// entryTTL keeps shared state long enough to survive restarts and short
// outages without accumulating dead keys forever.
const entryTTL = 24 * time.Hour

// historyLimit bounds the per-equipment UI command history.
const historyLimit = 20

// Store is the shared state facade.
type Store struct {
	rdb redis.UniversalClient

	mu    sync.Mutex
	local map[string]*control.EquipmentState
}

func New(rdb redis.UniversalClient) *Store {
	return &Store{
		rdb:   rdb,
		local: map[string]*control.EquipmentState{},
	}
}

// Equipment returns the in-memory runtime state for one equipment, creating
// it on first use. The same pointer is returned across ticks; the worker
// serializes access via the engine's busy flags.
func (s *Store) Equipment(locationID, equipmentID string) *control.EquipmentState {
	key := locationID + "/" + equipmentID
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.local[key]
	if !ok {
		st = control.NewEquipmentState()
		s.local[key] = st
	}
	return st
}

// GroupState loads a group's rotation/failover state.
func (s *Store) GroupState(ctx context.Context, groupID string) (model.GroupState, error) {
	var gs model.GroupState
	err := s.getJSON(ctx, groupKey(groupID), &gs)
	return gs, err
}

// SaveGroupState writes a group's state unconditionally.
func (s *Store) SaveGroupState(ctx context.Context, groupID string, gs model.GroupState) error {
	return s.setJSON(ctx, groupKey(groupID), gs)
}

// CompareAndSwapLead atomically replaces a group's state, but only while the
// stored lead still matches expectedLead. A missing key matches an empty
// expectedLead. Losing the race returns ErrStateConflict.
func (s *Store) CompareAndSwapLead(ctx context.Context, groupID, expectedLead string, next model.GroupState) error {
	key := groupKey(groupID)
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedLead != "" {
				return ErrStateConflict
			}
		case err != nil:
			return fmt.Errorf("state: read group %s: %w", groupID, err)
		default:
			var cur model.GroupState
			if jerr := json.Unmarshal(raw, &cur); jerr != nil {
				return fmt.Errorf("state: decode group %s: %w", groupID, jerr)
			}
			if cur.LeadID != expectedLead {
				return ErrStateConflict
			}
		}
		buf, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("state: encode group %s: %w", groupID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, entryTTL)
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrStateConflict
	}
	return err
}

// UIState loads the per-equipment user-facing state.
func (s *Store) UIState(ctx context.Context, equipmentID string) (model.UIState, error) {
	var ui model.UIState
	err := s.getJSON(ctx, uiKey(equipmentID), &ui)
	return ui, err
}

// SaveUIState writes the per-equipment user-facing state.
func (s *Store) SaveUIState(ctx context.Context, equipmentID string, ui model.UIState) error {
	return s.setJSON(ctx, uiKey(equipmentID), ui)
}

// ApplyUICommand merges a command's settings into the equipment's UI state
// and appends a bounded history entry. Re-applying the same command is
// idempotent for the settings; history keeps at most historyLimit entries.
func (s *Store) ApplyUICommand(ctx context.Context, cmd model.UICommand, at time.Time) (model.UIState, error) {
	ui, err := s.UIState(ctx, cmd.EquipmentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.UIState{}, err
	}
	if ui.Settings == nil {
		ui.Settings = map[string]any{}
	}
	for k, v := range cmd.Settings {
		ui.Settings[k] = v
	}
	ui.Command = cmd.Command
	ui.LastModifiedAt = at
	ui.LastModifiedBy = cmd.UserID
	ui.CommandHistory = append(ui.CommandHistory, model.HistoryEntry{
		Command: cmd.Command,
		UserID:  cmd.UserID,
		At:      at,
	})
	if len(ui.CommandHistory) > historyLimit {
		ui.CommandHistory = ui.CommandHistory[len(ui.CommandHistory)-historyLimit:]
	}
	if err := s.SaveUIState(ctx, cmd.EquipmentID, ui); err != nil {
		return model.UIState{}, err
	}
	return ui, nil
}

// JobProgress loads the status of one UI command job.
func (s *Store) JobProgress(ctx context.Context, jobID string) (model.JobProgress, error) {
	var jp model.JobProgress
	err := s.getJSON(ctx, jobKey(jobID), &jp)
	return jp, err
}

// SetJobProgress records the status of one UI command job.
func (s *Store) SetJobProgress(ctx context.Context, jobID string, jp model.JobProgress) error {
	return s.setJSON(ctx, jobKey(jobID), jp)
}

func (s *Store) getJSON(ctx context.Context, key string, out any) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("state: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("state: decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, buf, entryTTL).Err(); err != nil {
		return fmt.Errorf("state: set %s: %w", key, err)
	}
	return nil
}
