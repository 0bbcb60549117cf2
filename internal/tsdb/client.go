// v3
// internal/tsdb/client.go
// Package tsdb is the gateway to the time-series store. It owns query
// building, line-protocol writes, retries and the circuit breaker; nothing
// else in the control plane talks to the store directly.
package tsdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/observability"
)

// ErrUnavailable marks network failures and 5xx responses after retries are
// exhausted. 4xx responses surface immediately as plain errors.
var ErrUnavailable = errors.New("time-series store unavailable")

const (
	// RecentWindow is the primary most-recent query window; FallbackWindow
	// is retried automatically when the primary comes back empty.
	RecentWindow   = 5 * time.Minute
	FallbackWindow = 60 * time.Minute

	maxAttempts  = 3
	retryDelay   = 500 * time.Millisecond
	measMetrics  = "metrics"
	measNeural   = "NeuralCommands"
	measUI       = "UICommands"
	measSnapshot = "ConfigurationSnapshots"
	measEvents   = "LeadLagEvents"
)

// Row is one decoded result row: column name to value, plus the sample time.
type Row struct {
	Time   time.Time
	Values map[string]any
}

// Databases names the four stores the gateway touches.
type Databases struct {
	Locations     string
	UICommands    string
	Neural        string
	ControlEvents string
}

type Client struct {
	base    string
	dbs     Databases
	timeout time.Duration
	lg      *slog.Logger
	h       *http.Client
	brk     *gobreaker.CircuitBreaker
	met     *observability.Metrics
}

func New(base string, dbs Databases, timeout time.Duration, lg *slog.Logger, met *observability.Metrics) *Client {
	c := &Client{
		base:    strings.TrimRight(base, "/"),
		dbs:     dbs,
		timeout: timeout,
		lg:      lg,
		h:       &http.Client{Timeout: timeout},
		met:     met,
	}
	c.brk = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "tsdb",
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
	return c
}

// QueryRecent runs a time-bounded most-recent query for one equipment. An
// empty primary-window result automatically widens to the fallback window.
func (c *Client) QueryRecent(ctx context.Context, equipmentID, locationID string, window time.Duration) ([]Row, error) {
	if window <= 0 {
		window = RecentWindow
	}
	rows, err := c.queryWindow(ctx, equipmentID, locationID, window)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 && window < FallbackWindow {
		c.lg.Info("recent query empty; widening window",
			"equipment", equipmentID, "location", locationID, "fallback", FallbackWindow.String())
		return c.queryWindow(ctx, equipmentID, locationID, FallbackWindow)
	}
	return rows, nil
}

func (c *Client) queryWindow(ctx context.Context, equipmentID, locationID string, window time.Duration) ([]Row, error) {
	q := fmt.Sprintf(
		`SELECT * FROM %q WHERE "equipment_id"='%s' AND "location_id"='%s' AND time > now() - %s ORDER BY time DESC LIMIT 20`,
		measMetrics, escapeQuote(equipmentID), escapeQuote(locationID), durationLiteral(window))
	return c.query(ctx, c.dbs.Locations, q)
}

// ActiveCustomEquipment returns the ids of equipment whose recent metrics
// carry customLogicEnabled=true, as (equipmentID, locationID) pairs.
func (c *Client) ActiveCustomEquipment(ctx context.Context, window time.Duration) (map[string]string, error) {
	if window <= 0 {
		window = FallbackWindow
	}
	q := fmt.Sprintf(
		`SELECT "customLogicEnabled","equipment_id","location_id" FROM %q WHERE time > now() - %s`,
		measMetrics, durationLiteral(window))
	rows, err := c.query(ctx, c.dbs.Locations, q)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, r := range rows {
		enabled, _ := model.CoerceBool(r.Values["customLogicEnabled"])
		if !enabled {
			continue
		}
		id, _ := r.Values["equipment_id"].(string)
		loc, _ := r.Values["location_id"].(string)
		if id != "" {
			out[id] = loc
		}
	}
	return out, nil
}

// WriteCommands emits the batch to the neural-commands store as a single
// line-protocol payload. Bit-exact record shape:
//
//	NeuralCommands,equipment_id=<id>,location_id=<loc>,command_type=<name>,
//	 equipment_type=<kind>,source=<factory>,status=active value="<stringified>"
func (c *Client) WriteCommands(ctx context.Context, batch []model.CommandRecord) error {
	if len(batch) == 0 {
		return nil
	}
	points := make([]Point, 0, len(batch))
	for _, rec := range batch {
		points = append(points, Point{
			Measurement: measNeural,
			Tags: map[string]string{
				"equipment_id":   rec.EquipmentID,
				"location_id":    rec.LocationID,
				"command_type":   rec.Command,
				"equipment_type": string(rec.Kind),
				"source":         rec.Source,
				"status":         rec.Status,
			},
			Fields: map[string]any{"value": rec.Value},
			At:     rec.At,
		})
	}
	return c.write(ctx, c.dbs.Neural, points)
}

// ReadUICommands returns the most recent UI override per command name for
// one equipment within the window.
func (c *Client) ReadUICommands(ctx context.Context, equipmentID string, window time.Duration) (map[string]Row, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	q := fmt.Sprintf(
		`SELECT * FROM %q WHERE "equipmentId"='%s' AND time > now() - %s ORDER BY time DESC LIMIT 200`,
		measUI, escapeQuote(equipmentID), durationLiteral(window))
	rows, err := c.query(ctx, c.dbs.UICommands, q)
	if err != nil {
		return nil, err
	}
	latest := map[string]Row{}
	for _, r := range rows {
		cmd, _ := r.Values["command"].(string)
		if cmd == "" {
			continue
		}
		if _, seen := latest[cmd]; !seen { // rows are newest-first
			latest[cmd] = r
		}
	}
	return latest, nil
}

// WriteUICommand persists a user command to the UI-command store.
func (c *Client) WriteUICommand(ctx context.Context, cmd model.UICommand) error {
	fields := map[string]any{"userName": cmd.UserName, "priority": cmd.Priority}
	for k, v := range cmd.Settings {
		fields["setting_"+k] = v
	}
	p := Point{
		Measurement: measUI,
		Tags: map[string]string{
			"equipmentId": cmd.EquipmentID,
			"locationId":  cmd.LocationID,
			"userId":      cmd.UserID,
			"command":     cmd.Command,
		},
		Fields: fields,
		At:     cmd.EnqueuedAt,
	}
	return c.write(ctx, c.dbs.UICommands, []Point{p})
}

// WriteConfigSnapshot archives a user-saved configuration.
func (c *Client) WriteConfigSnapshot(ctx context.Context, cmd model.UICommand) error {
	body, err := json.Marshal(cmd.Settings)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	p := Point{
		Measurement: measSnapshot,
		Tags: map[string]string{
			"equipmentId": cmd.EquipmentID,
			"locationId":  cmd.LocationID,
			"userId":      cmd.UserID,
		},
		Fields: map[string]any{"settings": string(body), "userName": cmd.UserName},
		At:     cmd.EnqueuedAt,
	}
	return c.write(ctx, c.dbs.UICommands, []Point{p})
}

// LeadEvent is a lead/lag change written to the event log.
type LeadEvent struct {
	GroupID   string
	NewLeadID string
	Reason    string
	EventType string // failover | rotation
	At        time.Time
}

// WriteEvent appends a lead/lag event record.
func (c *Client) WriteEvent(ctx context.Context, ev LeadEvent) error {
	p := Point{
		Measurement: measEvents,
		Tags: map[string]string{
			"groupId":   ev.GroupID,
			"eventType": ev.EventType,
		},
		Fields: map[string]any{"newLeadId": ev.NewLeadID, "reason": ev.Reason},
		At:     ev.At,
	}
	return c.write(ctx, c.dbs.ControlEvents, points1(p))
}

func points1(p Point) []Point { return []Point{p} }

// query runs a SQL-like query against one database with retries.
func (c *Client) query(ctx context.Context, db, q string) ([]Row, error) {
	u := fmt.Sprintf("%s/query?%s", c.base, url.Values{"db": {db}, "q": {q}}.Encode())
	var rows []Row
	err := c.retry(ctx, "query", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		body, err := c.do(req)
		if err != nil {
			return err
		}
		rows, err = decodeRows(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) write(ctx context.Context, db string, points []Point) error {
	u := fmt.Sprintf("%s/write?%s", c.base, url.Values{"db": {db}, "precision": {"ns"}}.Encode())
	payload := EncodeBatch(points)
	return c.retry(ctx, "write", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		_, err = c.do(req)
		return err
	})
}

// do executes one HTTP exchange through the breaker. Server errors come
// back retryable; client errors are permanent.
func (c *Client) do(req *http.Request) ([]byte, error) {
	out, err := c.brk.Execute(func() (any, error) {
		resp, err := c.h.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		switch {
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(fmt.Errorf("tsdb status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}
		return body, nil
	})
	if c.met != nil {
		c.met.UpstreamRequest("tsdb", err != nil)
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), maxAttempts-1), ctx)
	err := backoff.Retry(func() error { return fn(ctx) }, bo)
	if err != nil {
		c.lg.Error("tsdb call failed", "op", op, "error", err)
	}
	return err
}

// decodeRows parses the query response shape
// {"results":[{"series":[{"columns":[...],"values":[[...]]}]}]}.
func decodeRows(body []byte) ([]Row, error) {
	var parsed struct {
		Results []struct {
			Series []struct {
				Columns []string `json:"columns"`
				Values  [][]any  `json:"values"`
			} `json:"series"`
			Error string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	var rows []Row
	for _, res := range parsed.Results {
		if res.Error != "" {
			return nil, fmt.Errorf("query error: %s", res.Error)
		}
		for _, s := range res.Series {
			for _, vals := range s.Values {
				r := Row{Values: make(map[string]any, len(s.Columns))}
				for i, col := range s.Columns {
					if i >= len(vals) {
						break
					}
					if col == "time" {
						r.Time = parseTime(vals[i])
						continue
					}
					r.Values[col] = vals[i]
				}
				rows = append(rows, r)
			}
		}
	}
	return rows, nil
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts
		}
	case float64:
		return time.Unix(0, int64(t))
	}
	return time.Time{}
}

func durationLiteral(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int64(d/time.Hour))
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int64(d/time.Minute))
	}
	return fmt.Sprintf("%ds", int64(d/time.Second))
}

func escapeQuote(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}
