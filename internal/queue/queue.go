// Package queue implements the durable job dispatch loop (C10): an
// in-process poller pulling queued rows from the jobs table (no
// separate broker process), bounded by a worker semaphore and a
// queue-wide rate limiter, with a sweeper goroutine reclaiming stalled
// jobs whose heartbeat went silent.
package queue

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/reelscribe/reelscribe/internal/domain"
	"github.com/reelscribe/reelscribe/internal/pipeline/bus"
	pipelinestore "github.com/reelscribe/reelscribe/internal/pipeline/store"
	"github.com/reelscribe/reelscribe/internal/pipeline/worker"
	"github.com/rs/zerolog"
)

// Config tunes the dispatch loop.
type Config struct {
	Concurrency     int
	StartsPerMinute int
	PollInterval    time.Duration
	StalledAfter    time.Duration
	SweepInterval   time.Duration
	MaxAttempts     int
}

// DefaultConfig matches the spec defaults: concurrency 5, 10 starts/min.
func DefaultConfig() Config {
	return Config{
		Concurrency:     5,
		StartsPerMinute: 10,
		PollInterval:    500 * time.Millisecond,
		StalledAfter:    2 * 2 * time.Minute,
		SweepInterval:   30 * time.Second,
		MaxAttempts:     3,
	}
}

// Dispatcher polls for queued jobs and hands each to the Orchestrator,
// bounded by a semaphore sized to Config.Concurrency and a
// golang.org/x/time/rate limiter capping job starts per minute.
type Dispatcher struct {
	cfg          Config
	jobs         *pipelinestore.JobStore
	orchestrator *worker.Orchestrator
	limiter      *rate.Limiter
	sem          chan struct{}
	logger       zerolog.Logger
	bus          bus.Bus
}

// New constructs a Dispatcher.
func New(cfg Config, jobs *pipelinestore.JobStore, orchestrator *worker.Orchestrator, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		jobs:         jobs,
		orchestrator: orchestrator,
		limiter:      rate.NewLimiter(rate.Limit(float64(cfg.StartsPerMinute)/60.0), cfg.StartsPerMinute),
		sem:          make(chan struct{}, cfg.Concurrency),
		logger:       logger.With().Str("component", "queue").Logger(),
	}
}

// WithBus attaches an event bus the dispatcher publishes job lifecycle
// notifications to ("job.completed"/"job.failed" topics). Optional: a nil
// bus (the default) makes lifecycle publishing a no-op.
func (d *Dispatcher) WithBus(b bus.Bus) *Dispatcher {
	d.bus = b
	return d
}

func (d *Dispatcher) publish(ctx context.Context, topic string, job domain.Job) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, topic, bus.Message{JobID: job.ID, Payload: job}); err != nil {
		d.logger.Debug().Err(err).Str("job_id", job.ID).Str("topic", topic).Msg("lifecycle publish dropped")
	}
}

// Run starts the poll loop and sweeper, blocking until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.pollLoop(ctx) })
	g.Go(func() error { return d.sweepLoop(ctx) })

	return g.Wait()
}

func (d *Dispatcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.dispatchNext(ctx)
		}
	}
}

func (d *Dispatcher) dispatchNext(ctx context.Context) {
	select {
	case d.sem <- struct{}{}:
	default:
		return // at concurrency limit
	}

	if err := d.limiter.Wait(ctx); err != nil {
		<-d.sem
		return
	}

	job, claimed, err := d.jobs.ClaimNext(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("claim next job failed")
		<-d.sem
		return
	}
	if !claimed {
		<-d.sem
		return
	}

	go func() {
		defer func() { <-d.sem }()
		d.runWithRetry(ctx, job)
	}()
}

func (d *Dispatcher) runWithRetry(ctx context.Context, job domain.Job) {
	if err := d.orchestrator.Run(ctx, job); err != nil {
		if job.Attempts < d.cfg.MaxAttempts && !isPermanent(err) {
			backoff := time.Duration(1<<uint(job.Attempts)) * 2 * time.Second
			time.Sleep(backoff)
			if rqErr := d.jobs.Requeue(ctx, job); rqErr != nil {
				d.logger.Error().Err(rqErr).Str("job_id", job.ID).Msg("requeue after failure failed")
			}
			return
		}
		d.logger.Error().Err(err).Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("job permanently failed")
		d.publish(ctx, "job.failed", job)
		return
	}
	d.publish(ctx, "job.completed", job)
}

func isPermanent(err error) bool {
	return err != nil && (errors.Is(err, domain.ErrUpstreamPermanent) || errors.Is(err, domain.ErrValidation))
}

// sweepLoop reclaims jobs whose heartbeat has gone silent past
// Config.StalledAfter, grounded in the teacher's lease-expiry sweep
// idiom generalized from tuner leases to job heartbeats.
func (d *Dispatcher) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stalled, err := d.jobs.StalledSince(ctx, time.Now().Add(-d.cfg.StalledAfter))
			if err != nil {
				d.logger.Error().Err(err).Msg("stalled job sweep query failed")
				continue
			}
			for _, job := range stalled {
				d.logger.Warn().Str("job_id", job.ID).Msg("reclaiming stalled job")
				if err := d.jobs.Requeue(ctx, job); err != nil {
					d.logger.Error().Err(err).Str("job_id", job.ID).Msg("requeue stalled job failed")
				}
			}
		}
	}
}
