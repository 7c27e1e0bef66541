// Package jobs implements the job lifecycle state machine.
package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/metrics"
)

// Service applies job state transitions. Every transition is a single
// conditional write guarded by the current state; a failed guard is a
// harmless no-op so concurrent schedulers and idempotent retries stay safe.
type Service struct {
	store  coordinator.JobStore
	queue  coordinator.Queue
	clock  coordinator.Clock
	idGen  coordinator.IDGenerator
	logger *zap.Logger
}

// New constructs a Service. The queue is optional; when present, Submit and
// Requeue push a wake signal for the dispatcher.
func New(
	store coordinator.JobStore,
	queue coordinator.Queue,
	clock coordinator.Clock,
	idGen coordinator.IDGenerator,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Service{store: store, queue: queue, clock: clock, idGen: idGen, logger: logger}
}

// Submit creates a queued job and signals the dispatcher.
func (s *Service) Submit(
	ctx context.Context,
	taskID string,
	kind string,
	priority int,
	payload []byte,
) (coordinator.Job, error) {
	if taskID == "" {
		return coordinator.Job{}, fmt.Errorf("%w: task id is empty", coordinator.ErrValidation)
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return coordinator.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := coordinator.Job{
		ID:       id,
		TaskID:   taskID,
		Kind:     kind,
		Priority: priority,
		State:    coordinator.JobQueued,
		Payload:  payload,
		QueuedAt: s.clock.Now(),
	}
	if err := s.store.Create(ctx, job); err != nil {
		return coordinator.Job{}, fmt.Errorf("create job: %w", err)
	}
	s.signal(ctx, job)
	return job, nil
}

// Get fetches a job by ID.
func (s *Service) Get(ctx context.Context, jobID string) (coordinator.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return coordinator.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListByTask returns all jobs belonging to a task.
func (s *Service) ListByTask(ctx context.Context, taskID string) ([]coordinator.Job, error) {
	out, err := s.store.ListByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Start transitions queued to running.
func (s *Service) Start(ctx context.Context, jobID string) (bool, error) {
	return s.transition(ctx, jobID, coordinator.JobTransition{
		From: []coordinator.JobState{coordinator.JobQueued},
		To:   coordinator.JobRunning,
	})
}

// Complete transitions running to completed.
func (s *Service) Complete(ctx context.Context, jobID string) (bool, error) {
	return s.transition(ctx, jobID, coordinator.JobTransition{
		From: []coordinator.JobState{coordinator.JobRunning},
		To:   coordinator.JobCompleted,
	})
}

// Fail transitions running to failed with a terminal error message. This
// layer does not retry; the failure is reported upward.
func (s *Service) Fail(ctx context.Context, jobID string, errText string) (bool, error) {
	return s.transition(ctx, jobID, coordinator.JobTransition{
		From:      []coordinator.JobState{coordinator.JobRunning},
		To:        coordinator.JobFailed,
		ErrorText: errText,
	})
}

// Cancel stops scheduling a job from any non-terminal state. It does not
// abort in-flight I/O; that belongs to the worker executing the job.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	return s.transition(ctx, jobID, coordinator.JobTransition{
		From: []coordinator.JobState{
			coordinator.JobQueued,
			coordinator.JobRunning,
			coordinator.JobAwaitingAuth,
		},
		To:                coordinator.JobCancelled,
		ClearIntervention: true,
	})
}

// AwaitAuth transitions running to awaiting_auth, linking the job to the
// intervention item that blocks it. The guard on running guarantees at most
// one open link: a job re-entering awaiting_auth has necessarily been
// requeued first, which cleared the prior link.
func (s *Service) AwaitAuth(ctx context.Context, jobID string, interventionID string) (bool, error) {
	if interventionID == "" {
		return false, fmt.Errorf("%w: intervention id is empty", coordinator.ErrValidation)
	}
	return s.transition(ctx, jobID, coordinator.JobTransition{
		From:           []coordinator.JobState{coordinator.JobRunning},
		To:             coordinator.JobAwaitingAuth,
		InterventionID: interventionID,
	})
}

// Requeue transitions awaiting_auth back to queued after the linked
// intervention resolved, clears the link, and signals the dispatcher.
func (s *Service) Requeue(ctx context.Context, jobID string) (bool, error) {
	applied, err := s.transition(ctx, jobID, coordinator.JobTransition{
		From:              []coordinator.JobState{coordinator.JobAwaitingAuth},
		To:                coordinator.JobQueued,
		ClearIntervention: true,
	})
	if err != nil || !applied {
		return applied, err
	}
	if job, getErr := s.store.Get(ctx, jobID); getErr == nil {
		s.signal(ctx, job)
	}
	return true, nil
}

func (s *Service) transition(ctx context.Context, jobID string, tr coordinator.JobTransition) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("%w: job id is empty", coordinator.ErrValidation)
	}
	tr.At = s.clock.Now()
	applied, err := s.store.Transition(ctx, jobID, tr)
	if err != nil {
		return false, fmt.Errorf("transition job to %s: %w", tr.To, err)
	}
	metrics.ObserveJobTransition(string(tr.To), applied)
	if !applied {
		s.logger.Debug("job transition guard failed",
			zap.String("job_id", jobID),
			zap.String("to", string(tr.To)),
		)
	}
	return applied, nil
}

// signal is best-effort; a full queue never blocks or fails job creation.
func (s *Service) signal(ctx context.Context, job coordinator.Job) {
	if s.queue == nil {
		return
	}
	sig := coordinator.JobSignal{
		JobID:    job.ID,
		TaskID:   job.TaskID,
		Enqueued: s.clock.Now().Unix(),
	}
	if err := s.queue.Enqueue(ctx, sig); err != nil {
		s.logger.Warn("job signal enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
