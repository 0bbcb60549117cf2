// v2
// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AppConfig holds runtime configuration for the control plane. Most values
// come from the environment; per-location tuning lives in a reloadable
// properties file.
type AppConfig struct {
	HTTPBind string

	// Time-series store.
	InfluxURL       string
	QueryTimeout    time.Duration
	DBLocations     string
	DBUICommands    string
	DBNeural        string
	DBControlEvents string

	// Document store.
	DocstoreURL string

	// Shared cache.
	RedisAddr string
	RedisDB   int

	// Queues.
	KafkaBrokers   []string
	JobTopicPrefix string
	UICommandTopic string

	// Orchestrator tuning.
	TickInterval      time.Duration
	InitialBatch      int
	AlgorithmDeadline time.Duration
	CommandTimeout    time.Duration
	UIConcurrency     int
	StrictEquipment   bool

	PropertiesPath string

	mu          sync.RWMutex
	locations   []string
	concurrency map[string]int
	timezone    string
}

// Load reads environment variables and the properties file.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		HTTPBind:          getEnv("HTTP_BIND", ":8080"),
		InfluxURL:         getEnv("INFLUX_URL", "http://localhost:8086"),
		QueryTimeout:      time.Duration(getEnvInt("INFLUX_QUERY_TIMEOUT_MS", 30000)) * time.Millisecond,
		DBLocations:       getEnv("DB_LOCATIONS", "Locations"),
		DBUICommands:      getEnv("DB_UI_COMMANDS", "UIControlCommands"),
		DBNeural:          getEnv("DB_NEURAL_COMMANDS", "NeuralControlCommands"),
		DBControlEvents:   getEnv("DB_CONTROL_COMMANDS", "ControlCommands"),
		DocstoreURL:       getEnv("DOCSTORE_URL", "http://localhost:5984"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		KafkaBrokers:      splitAndTrim(os.Getenv("KAFKA_BROKERS"), ","),
		JobTopicPrefix:    getEnv("JOB_TOPIC_PREFIX", "location.jobs."),
		UICommandTopic:    getEnv("UI_COMMAND_TOPIC", "equipment-controls"),
		TickInterval:      time.Duration(getEnvInt("TICK_INTERVAL_MS", 60000)) * time.Millisecond,
		InitialBatch:      getEnvInt("INITIAL_BATCH", 3),
		AlgorithmDeadline: time.Duration(getEnvInt("ALGORITHM_DEADLINE_MS", 5000)) * time.Millisecond,
		CommandTimeout:    time.Duration(getEnvInt("COMMAND_TIMEOUT_MS", 10000)) * time.Millisecond,
		UIConcurrency:     getEnvInt("UI_WORKER_CONCURRENCY", 5),
		StrictEquipment:   getEnvBool("STRICT_EQUIPMENT", false),
		PropertiesPath:    getEnv("PROPERTIES_PATH", "./configs/control.properties"),
		concurrency:       map[string]int{},
		timezone:          "America/New_York",
	}
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required (comma-separated)")
	}
	if cfg.InitialBatch < 1 {
		cfg.InitialBatch = 1
	}

	if err := cfg.loadProperties(cfg.PropertiesPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReloadProperties re-reads the properties file.
func (c *AppConfig) ReloadProperties() error {
	return c.loadProperties(c.PropertiesPath)
}

// Locations returns the configured location identifiers.
func (c *AppConfig) Locations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.locations))
	copy(out, c.locations)
	return out
}

// LocationConcurrency returns the worker count for one location queue.
// Unconfigured locations get 2 workers; values are clamped to [1,5].
func (c *AppConfig) LocationConcurrency(loc string) int {
	c.mu.RLock()
	n, ok := c.concurrency[loc]
	c.mu.RUnlock()
	if !ok {
		return 2
	}
	if n < 1 {
		return 1
	}
	if n > 5 {
		return 5
	}
	return n
}

// SiteLocation loads the configured site time zone. Occupancy schedules and
// rotation timestamps are evaluated in this zone, never UTC.
func (c *AppConfig) SiteLocation() (*time.Location, error) {
	c.mu.RLock()
	tz := c.timezone
	c.mu.RUnlock()
	return time.LoadLocation(tz)
}

func (c *AppConfig) loadProperties(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open properties file %s: %w", path, err)
	}
	defer file.Close()

	var locations []string
	conc := map[string]int{}
	tz := "America/New_York"

	s := bufio.NewScanner(file)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)

		switch {
		case k == "locations":
			locations = splitAndTrim(v, ",")
		case k == "timezone":
			if v != "" {
				tz = v
			}
		case strings.HasPrefix(k, "concurrency."):
			loc := strings.TrimPrefix(k, "concurrency.")
			if n, err := strconv.Atoi(v); err == nil {
				conc[loc] = n
			}
		}
	}
	if err := s.Err(); err != nil {
		return err
	}
	if len(locations) == 0 {
		return errors.New("properties must define locations=<l1,l2,...>")
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	c.mu.Lock()
	c.locations = locations
	c.concurrency = conc
	c.timezone = tz
	c.mu.Unlock()
	return nil
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

func splitAndTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
