// v1
// internal/httpapi/handlers.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/docstore"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/engine"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/state"
)

// EquipmentDirectory is the slice of the document store the API reads.
type EquipmentDirectory interface {
	GetEquipment(ctx context.Context, id string) (model.Equipment, error)
}

// CommandEnqueuer publishes accepted UI commands onto the command topic.
type CommandEnqueuer interface {
	EnqueueUICommand(ctx context.Context, cmd model.UICommand) error
}

// StatsSource reports the engine's running tick tally.
type StatsSource interface {
	Stats() engine.Stats
}

// ConfigReloader re-reads the runtime properties file.
type ConfigReloader interface {
	ReloadProperties() error
}

// Handlers bundles dependencies for the HTTP endpoints.
type Handlers struct {
	Dir    EquipmentDirectory
	Queue  CommandEnqueuer
	Store  *state.Store
	Engine StatsSource
	Config ConfigReloader
}

type commandRequest struct {
	Command  string         `json:"command"`
	Settings map[string]any `json:"settings,omitempty"`
	UserID   string         `json:"userId"`
	UserName string         `json:"userName,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

// Health is a lightweight liveness endpoint.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Status reports the engine's tick statistics.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.Engine.Stats())
}

// PostCommand validates and enqueues a user command for asynchronous
// processing, answering 202 with the job id to poll.
func (h *Handlers) PostCommand(w http.ResponseWriter, r *http.Request) {
	equipmentID := mux.Vars(r)["id"]

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		respondError(w, http.StatusBadRequest, "missing required field: command")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing required field: userId")
		return
	}

	eq, err := h.Dir.GetEquipment(r.Context(), equipmentID)
	if err != nil {
		if errors.Is(err, docstore.ErrMissingEquipment) {
			respondError(w, http.StatusNotFound, "unknown equipment: "+equipmentID)
			return
		}
		respondError(w, http.StatusBadGateway, "equipment lookup failed")
		return
	}

	cmd := model.UICommand{
		JobID:       uuid.NewString(),
		EquipmentID: eq.ID,
		LocationID:  eq.LocationID,
		UserID:      req.UserID,
		UserName:    req.UserName,
		Command:     req.Command,
		Settings:    req.Settings,
		Priority:    req.Priority,
		EnqueuedAt:  time.Now(),
	}

	// Pending progress is written before the enqueue so a fast poller never
	// sees a missing job for an accepted command.
	if err := h.Store.SetJobProgress(r.Context(), cmd.JobID, model.JobProgress{
		Status: model.JobPending,
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "job registration failed")
		return
	}
	if err := h.Queue.EnqueueUICommand(r.Context(), cmd); err != nil {
		respondError(w, http.StatusBadGateway, "command enqueue failed")
		return
	}

	respond(w, http.StatusAccepted, map[string]any{"jobId": cmd.JobID})
}

// GetState returns the equipment record overlaid with its cached UI state.
func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	equipmentID := mux.Vars(r)["id"]

	eq, err := h.Dir.GetEquipment(r.Context(), equipmentID)
	if err != nil {
		if errors.Is(err, docstore.ErrMissingEquipment) {
			respondError(w, http.StatusNotFound, "unknown equipment: "+equipmentID)
			return
		}
		respondError(w, http.StatusBadGateway, "equipment lookup failed")
		return
	}

	ui, err := h.Store.UIState(r.Context(), equipmentID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		respondError(w, http.StatusInternalServerError, "state read failed")
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"equipment": eq,
		"uiState":   ui,
	})
}

// GetJobStatus returns the progress checkpoint of one command job.
func (h *Handlers) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	jp, err := h.Store.JobProgress(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			respondError(w, http.StatusNotFound, "unknown job: "+jobID)
			return
		}
		respondError(w, http.StatusInternalServerError, "job read failed")
		return
	}
	respond(w, http.StatusOK, jp)
}

// ReloadConfig re-reads the location properties file in place.
func (h *Handlers) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.Config.ReloadProperties(); err != nil {
		respondError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{"status": "reloaded"})
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]any{"error": msg})
}
