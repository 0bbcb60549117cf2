// v2
// internal/docstore/adapter.go
// Package docstore reads and writes equipment records and equipment-group
// definitions from the document store. Reads are cached in process for 30s;
// group data carries explicit invalidation so membership changes take
// effect immediately.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/observability"
)

var (
	// ErrNotFound means the record does not exist upstream.
	ErrNotFound = errors.New("document not found")
	// ErrMissingEquipment is surfaced in strict mode when an equipment id
	// seen in the time-series store has no document-store record.
	ErrMissingEquipment = errors.New("equipment record missing")
	// ErrUnavailable marks transport failures and 5xx responses.
	ErrUnavailable = errors.New("document store unavailable")
)

const (
	readTTL = 30 * time.Second

	// Legacy fallback for unknown equipment. Kept for compatibility with
	// historical data; strict mode turns this off.
	fallbackKind     = model.KindFanCoil
	fallbackLocation = "4"
)

// Adapter is the document-store client. Strict controls whether unknown
// equipment ids fail (ErrMissingEquipment) or materialize a legacy
// placeholder asynchronously.
type Adapter struct {
	base   string
	strict bool
	lg     *slog.Logger
	h      *http.Client
	brk    *gobreaker.CircuitBreaker
	met    *observability.Metrics

	equipment *Cache[model.Equipment]
	list      *Cache[[]model.Equipment]
	groups    *Cache[model.Group]
	groupList *Cache[[]model.Group]
}

func New(base string, strict bool, lg *slog.Logger, met *observability.Metrics) *Adapter {
	a := &Adapter{
		base:      strings.TrimRight(base, "/"),
		strict:    strict,
		lg:        lg,
		h:         &http.Client{Timeout: 10 * time.Second},
		met:       met,
		equipment: NewCache[model.Equipment](readTTL, met),
		list:      NewCache[[]model.Equipment](readTTL, met),
		groups:    NewCache[model.Group](readTTL, met),
		groupList: NewCache[[]model.Group](readTTL, met),
	}
	a.brk = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "docstore",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn("breaker state change", "target", name, "from", from.String(), "to", to.String())
			if met != nil {
				met.SetBreakerState(name, float64(to))
			}
		},
	})
	return a
}

// GetEquipment returns the record for id. Unknown ids follow the legacy
// placeholder rule unless strict mode is on.
func (a *Adapter) GetEquipment(ctx context.Context, id string) (model.Equipment, error) {
	if eq, ok := a.equipment.Get(id); ok {
		return eq, nil
	}
	var eq model.Equipment
	err := a.getJSON(ctx, "/equipment/"+id, &eq)
	if errors.Is(err, ErrNotFound) {
		if a.strict {
			return model.Equipment{}, fmt.Errorf("%w: %s", ErrMissingEquipment, id)
		}
		eq = a.placeholder(id)
		// Materialize asynchronously; the current tick proceeds with the
		// defaulted record.
		go a.createPlaceholder(id)
		a.equipment.Set(id, eq)
		return eq, nil
	}
	if err != nil {
		return model.Equipment{}, err
	}
	normalizeEquipment(&eq)
	a.equipment.Set(id, eq)
	return eq, nil
}

// ListEquipment returns all equipment records (batched upstream read).
func (a *Adapter) ListEquipment(ctx context.Context) ([]model.Equipment, error) {
	if l, ok := a.list.Get("all"); ok {
		return l, nil
	}
	var list []model.Equipment
	if err := a.getJSON(ctx, "/equipment", &list); err != nil {
		return nil, err
	}
	for i := range list {
		normalizeEquipment(&list[i])
		a.equipment.Set(list[i].ID, list[i])
	}
	a.list.Set("all", list)
	return list, nil
}

// UpsertEquipment writes a record and drops the affected cache entries.
func (a *Adapter) UpsertEquipment(ctx context.Context, eq model.Equipment) error {
	body, err := json.Marshal(eq)
	if err != nil {
		return err
	}
	if err := a.send(ctx, http.MethodPost, "/equipment", body); err != nil {
		return err
	}
	a.equipment.Invalidate(eq.ID)
	a.list.Clear()
	return nil
}

// GetGroup returns one lead/lag group definition.
func (a *Adapter) GetGroup(ctx context.Context, id string) (model.Group, error) {
	if g, ok := a.groups.Get(id); ok {
		return g, nil
	}
	var g model.Group
	if err := a.getJSON(ctx, "/groups/"+id, &g); err != nil {
		return model.Group{}, err
	}
	a.groups.Set(id, g)
	return g, nil
}

// ListGroups returns all group definitions.
func (a *Adapter) ListGroups(ctx context.Context) ([]model.Group, error) {
	if l, ok := a.groupList.Get("all"); ok {
		return l, nil
	}
	var list []model.Group
	if err := a.getJSON(ctx, "/groups", &list); err != nil {
		return nil, err
	}
	for _, g := range list {
		a.groups.Set(g.ID, g)
	}
	a.groupList.Set("all", list)
	return list, nil
}

// InvalidateGroup drops the cached group after a membership change.
func (a *Adapter) InvalidateGroup(id string) {
	a.groups.Invalidate(id)
	a.groupList.Clear()
}

func (a *Adapter) placeholder(id string) model.Equipment {
	return model.Equipment{
		ID:             id,
		LocationID:     fallbackLocation,
		Kind:           fallbackKind,
		Name:           id,
		ControlEnabled: false,
	}
}

func (a *Adapter) createPlaceholder(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	eq := a.placeholder(id)
	body, err := json.Marshal(eq)
	if err != nil {
		return
	}
	if err := a.send(ctx, http.MethodPost, "/equipment", body); err != nil {
		a.lg.Warn("placeholder create failed", "equipment", id, "error", err)
		return
	}
	a.lg.Info("materialized placeholder equipment", "equipment", id, "kind", fallbackKind, "location", fallbackLocation)
}

// getJSON fetches and decodes, tolerating legacy documents whose field
// names carry trailing spaces.
func (a *Adapter) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+path, nil)
	if err != nil {
		return err
	}
	body, err := a.do(req)
	if err != nil {
		return err
	}
	cleaned, err := trimDocumentKeys(body)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if err := json.Unmarshal(cleaned, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, method, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = a.do(req)
	return err
}

func (a *Adapter) do(req *http.Request) ([]byte, error) {
	out, err := a.brk.Execute(func() (any, error) {
		resp, err := a.h.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("docstore status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return body, nil
	})
	if a.met != nil {
		a.met.UpstreamRequest("docstore", err != nil && !errors.Is(err, ErrNotFound))
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

func normalizeEquipment(eq *model.Equipment) {
	eq.ID = strings.TrimSpace(eq.ID)
	eq.LocationID = strings.TrimSpace(eq.LocationID)
	if k, err := model.ParseKind(string(eq.Kind)); err == nil {
		eq.Kind = k
	}
}

// trimDocumentKeys rewrites JSON object keys with stray whitespace
// ("kind " -> "kind"). Legacy writers left trailing spaces on some field
// names; readers must accept both.
func trimDocumentKeys(body []byte) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(trimKeys(v))
}

func trimKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.TrimSpace(k)] = trimKeys(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = trimKeys(t[i])
		}
		return t
	default:
		return v
	}
}
