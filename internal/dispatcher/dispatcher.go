// Package dispatcher manages runner fan-out over the job signal queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/intervention"
)

// JobControl is the slice of the job service the dispatcher drives.
type JobControl interface {
	Get(ctx context.Context, jobID string) (coordinator.Job, error)
	Start(ctx context.Context, jobID string) (bool, error)
	Complete(ctx context.Context, jobID string) (bool, error)
	Fail(ctx context.Context, jobID string, errText string) (bool, error)
	AwaitAuth(ctx context.Context, jobID string, interventionID string) (bool, error)
}

// InterventionEnqueuer accepts challenges the runner could not resolve.
type InterventionEnqueuer interface {
	Enqueue(ctx context.Context, req intervention.EnqueueRequest) (string, error)
}

// HealthRecorder folds runner observations into the health tracker.
type HealthRecorder interface {
	RecordRequest(ctx context.Context, kind coordinator.EntityKind, name string, obs coordinator.Observation) error
}

// Config controls dispatcher fan-out.
type Config struct {
	Concurrency int
}

// Dispatcher pulls job signals off the queue and executes them through the
// injected Runner. The queued-to-running guard makes delivery effectively
// exactly-once: a signal whose job was already started elsewhere is dropped.
type Dispatcher struct {
	cfg           Config
	queue         coordinator.Queue
	jobs          JobControl
	interventions InterventionEnqueuer
	health        HealthRecorder
	coalescer     coordinator.Coalescer
	runner        coordinator.Runner
	clock         coordinator.Clock
	logger        *zap.Logger
}

// New creates a Dispatcher. The coalescer is optional.
func New(
	cfg Config,
	queue coordinator.Queue,
	jobs JobControl,
	interventions InterventionEnqueuer,
	health HealthRecorder,
	coalescer coordinator.Coalescer,
	runner coordinator.Runner,
	clock coordinator.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:           cfg,
		queue:         queue,
		jobs:          jobs,
		interventions: interventions,
		health:        health,
		coalescer:     coalescer,
		runner:        runner,
		clock:         clock,
		logger:        logger,
	}
}

// Run starts the worker pool and blocks until the context finishes and all
// in-flight jobs settle.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		sig, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("dequeue failed", zap.Error(err))
			return
		}
		d.process(ctx, sig)
	}
}

func (d *Dispatcher) process(ctx context.Context, sig coordinator.JobSignal) {
	applied, err := d.jobs.Start(ctx, sig.JobID)
	if err != nil {
		d.logger.Error("start job failed", zap.String("job_id", sig.JobID), zap.Error(err))
		return
	}
	if !applied {
		// Another scheduler got here first, or the job was cancelled.
		d.logger.Debug("stale job signal dropped", zap.String("job_id", sig.JobID))
		return
	}

	job, err := d.jobs.Get(ctx, sig.JobID)
	if err != nil {
		d.logger.Error("load job failed", zap.String("job_id", sig.JobID), zap.Error(err))
		return
	}

	started := d.clock.Now()
	_, runErr := d.runner.Run(ctx, job)
	latencyMs := float64(d.clock.Now().Sub(started).Milliseconds())

	if runErr == nil {
		if _, err := d.jobs.Complete(ctx, job.ID); err != nil {
			d.logger.Error("complete job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	if challenge, ok := coordinator.AsChallenge(runErr); ok {
		d.handleChallenge(ctx, job, challenge, latencyMs)
		return
	}

	if _, err := d.jobs.Fail(ctx, job.ID, runErr.Error()); err != nil {
		d.logger.Error("fail job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// handleChallenge parks the job in awaiting_auth behind a new intervention
// item and charges the challenge against the domain's breaker.
func (d *Dispatcher) handleChallenge(
	ctx context.Context,
	job coordinator.Job,
	challenge *coordinator.ChallengeError,
	latencyMs float64,
) {
	if d.health != nil {
		obs := coordinator.Observation{Success: false, LatencyMs: latencyMs, IsChallenge: true}
		if err := d.health.RecordRequest(ctx, coordinator.KindDomain, challenge.Domain, obs); err != nil {
			d.logger.Warn("record challenge failed",
				zap.String("domain", challenge.Domain),
				zap.Error(err),
			)
		}
	}

	itemID, err := d.interventions.Enqueue(ctx, intervention.EnqueueRequest{
		TaskID:    job.TaskID,
		URL:       challenge.URL,
		Domain:    challenge.Domain,
		Challenge: challenge.Challenge,
		JobID:     job.ID,
	})
	if err != nil {
		d.logger.Error("enqueue intervention failed",
			zap.String("job_id", job.ID),
			zap.String("domain", challenge.Domain),
			zap.Error(err),
		)
		if _, failErr := d.jobs.Fail(ctx, job.ID, runFailureText(challenge)); failErr != nil {
			d.logger.Error("fail job failed", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return
	}

	if _, err := d.jobs.AwaitAuth(ctx, job.ID, itemID); err != nil {
		d.logger.Error("await auth transition failed",
			zap.String("job_id", job.ID),
			zap.String("item_id", itemID),
			zap.Error(err),
		)
		return
	}
	d.signalIfDrained()
}

// signalIfDrained flushes the notification burst early once the signal queue
// is empty: every remaining job is parked behind a human.
func (d *Dispatcher) signalIfDrained() {
	if d.coalescer == nil {
		return
	}
	counter, ok := d.queue.(interface{ Len() int })
	if !ok || counter.Len() > 0 {
		return
	}
	d.coalescer.QueueEmpty()
}

func runFailureText(c *coordinator.ChallengeError) string {
	return "unresolvable challenge: " + c.Error()
}
