// v2
// internal/worker/pool.go
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/observability"
)

// JobSource abstracts the Kafka reader for tests.
type JobSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Pool consumes one location's job topic with bounded concurrency.
type Pool struct {
	locationID  string
	concurrency int
	reader      JobSource
	runner      *Runner
	lg          *slog.Logger
	met         *observability.Metrics

	wg sync.WaitGroup
}

func NewPool(locationID string, concurrency int, reader JobSource, runner *Runner, lg *slog.Logger, met *observability.Metrics) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		locationID:  locationID,
		concurrency: concurrency,
		reader:      reader,
		runner:      runner,
		lg:          lg.With("location", locationID),
		met:         met,
	}
}

// Start launches the consume loop. It returns immediately; Wait blocks
// until the loop and all in-flight jobs drain after ctx cancels.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.consume(ctx)
	}()
}

// Wait blocks until the pool has fully drained.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) consume(ctx context.Context) {
	defer func() {
		if err := p.reader.Close(); err != nil {
			p.lg.Error("reader close", "error", err)
		}
	}()
	p.lg.Info("location pool started", "concurrency", p.concurrency)

	sem := make(chan struct{}, p.concurrency)
	backoff := time.Second
	for {
		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				p.lg.Info("location pool stopping")
				p.drain(sem)
				return
			}
			p.lg.Error("fetch failed", "error", err)
			select {
			case <-time.After(backoff):
				if backoff < 10*time.Second {
					backoff *= 2
				}
				continue
			case <-ctx.Done():
				p.drain(sem)
				return
			}
		}
		backoff = time.Second

		var job model.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			p.lg.Error("bad job payload; skipping", "offset", msg.Offset, "error", err)
			p.commit(ctx, msg)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			p.drain(sem)
			return
		}
		p.wg.Add(1)
		go func(msg kafka.Message, job model.Job) {
			defer p.wg.Done()
			defer func() { <-sem }()
			p.handle(ctx, msg, job)
		}(msg, job)
	}
}

func (p *Pool) handle(ctx context.Context, msg kafka.Message, job model.Job) {
	err := p.runner.Process(ctx, job)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		// The previous tick is still running; this job is stale by the time
		// the equipment frees up, so drop it rather than requeue.
		p.lg.Info("equipment busy; dropping job", "equipment", job.EquipmentID)
	default:
		p.lg.Error("job failed", "equipment", job.EquipmentID, "error", err)
	}
	p.commit(ctx, msg)
}

func (p *Pool) commit(ctx context.Context, msg kafka.Message) {
	// Commit with a detached timeout so shutdown doesn't lose the offset.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.reader.CommitMessages(cctx, msg); err != nil {
		p.lg.Error("commit failed", "offset", msg.Offset, "error", err)
	}
}

// drain waits for the in-flight slots to free.
func (p *Pool) drain(sem chan struct{}) {
	for i := 0; i < cap(sem); i++ {
		sem <- struct{}{}
	}
}
