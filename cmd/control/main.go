// v1
// cmd/control/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/config"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/control"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/docstore"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/engine"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/httpapi"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/leadlag"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/logging"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/observability"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/queue"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/state"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/tsdb"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/uicmd"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/worker"
)

const consumerGroup = "bms-control"

func main() {
	_ = godotenv.Load()

	lg, logFile := logging.Init("control")
	defer logFile.Close()

	cfg, err := config.Load()
	if err != nil {
		lg.Error("config load failed", "error", err)
		os.Exit(1)
	}
	lg.Info("control orchestrator starting",
		"locations", cfg.Locations(), "tickInterval", cfg.TickInterval.String(),
		"brokers", cfg.KafkaBrokers)

	site, err := cfg.SiteLocation()
	if err != nil {
		lg.Error("bad site timezone", "error", err)
		os.Exit(1)
	}

	met := observability.NewMetrics()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	tsClient := tsdb.New(cfg.InfluxURL, tsdb.Databases{
		Locations:     cfg.DBLocations,
		UICommands:    cfg.DBUICommands,
		Neural:        cfg.DBNeural,
		ControlEvents: cfg.DBControlEvents,
	}, cfg.QueryTimeout, lg, met)

	docs := docstore.New(cfg.DocstoreURL, cfg.StrictEquipment, lg, met)
	store := state.New(rdb)
	groups := leadlag.New(store, tsClient, lg, met)

	bus, err := queue.New(cfg.KafkaBrokers, cfg.JobTopicPrefix, cfg.UICommandTopic, cfg.Locations(), lg)
	if err != nil {
		lg.Error("queue init failed", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	runner := worker.NewRunner(tsClient, docs, store, groups,
		control.DefaultRegistry(), cfg.AlgorithmDeadline, site, lg, met)

	eng := engine.New(docs, tsClient, bus, runner, cfg.TickInterval, cfg.InitialBatch, lg, met)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One bounded consumer pool per configured location.
	pools := make([]*worker.Pool, 0, len(cfg.Locations()))
	for _, loc := range cfg.Locations() {
		pool := worker.NewPool(loc, cfg.LocationConcurrency(loc),
			bus.JobReader(loc, consumerGroup), runner, lg, met)
		pool.Start(ctx)
		pools = append(pools, pool)
	}

	uiWorker := uicmd.New(bus.UICommandReader(consumerGroup+"-ui"), tsClient, docs, store,
		cfg.UIConcurrency, lg, met)
	uiWorker.Start(ctx)

	go eng.Run(ctx)

	api := httpapi.NewServer(cfg.HTTPBind, &httpapi.Handlers{
		Dir:    docs,
		Queue:  bus,
		Store:  store,
		Engine: eng,
		Config: cfg,
	}, met, lg)
	go func() {
		if err := api.Start(); !errors.Is(err, http.ErrServerClosed) {
			lg.Error("http server error", "error", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		lg.Info("shutdown requested", "signal", s.String())
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := api.Stop(shutdownCtx); err != nil {
		lg.Error("http shutdown", "error", err)
	}
	for _, pool := range pools {
		pool.Wait()
	}
	uiWorker.Wait()
	lg.Info("control orchestrator stopped")
}
