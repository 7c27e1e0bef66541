package coordinator

import (
	"context"
	"time"
)

// ClaimStore persists resource claims. InsertIgnore is the coordination
// primitive: an idempotent insert that is silently ignored when the
// (type, value) pair already exists. Claim safety rests on InsertIgnore
// followed by Get, never on a read-then-write sequence.
type ClaimStore interface {
	InsertIgnore(ctx context.Context, claim ResourceClaim) error
	Get(ctx context.Context, typ IdentifierType, value string) (ResourceClaim, error)
	// SetStatus transitions a claim out of processing. The write is
	// conditional on the current status being processing; a failed guard
	// returns false with no error.
	SetStatus(ctx context.Context, typ IdentifierType, value string, status ClaimStatus, resultRef string, at time.Time) (bool, error)
}

// HealthStore persists breaker/health records so state survives restarts.
type HealthStore interface {
	Upsert(ctx context.Context, rec HealthRecord) error
	LoadAll(ctx context.Context) ([]HealthRecord, error)
}

// JobTransition describes one conditional job state change. From lists the
// states the guard accepts; the write applies only when the current state is
// among them.
type JobTransition struct {
	From              []JobState
	To                JobState
	ErrorText         string
	InterventionID    string
	ClearIntervention bool
	At                time.Time
}

// JobStore persists jobs and applies guarded state transitions.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	ListByTask(ctx context.Context, taskID string) ([]Job, error)
	// Transition applies tr as a single conditional write. It returns false
	// when the guard did not match; concurrent schedulers treat that as a
	// harmless no-op.
	Transition(ctx context.Context, id string, tr JobTransition) (bool, error)
}

// InterventionFilter narrows pending-item queries.
type InterventionFilter struct {
	TaskID   string
	Domain   string
	Priority Priority
}

// InterventionSelector picks items for bulk status changes. Precedence when
// several fields are set: explicit item IDs, then domain, then task ID.
type InterventionSelector struct {
	ItemIDs []string
	Domain  string
	TaskID  string
}

// InterventionStore persists intervention items. ListPending returns items
// ordered by priority rank then enqueue time ascending. ResolveDomain is
// atomic across all matching rows.
type InterventionStore interface {
	Insert(ctx context.Context, item InterventionItem) error
	Get(ctx context.Context, id string) (InterventionItem, error)
	ListPending(ctx context.Context, filter InterventionFilter) ([]InterventionItem, error)
	MarkInProgress(ctx context.Context, ids []string, at time.Time) ([]InterventionItem, error)
	// Resolve finalizes one item. It returns false when the item is unknown
	// or already out of pending/in_progress.
	Resolve(ctx context.Context, id string, status InterventionStatus, session []byte, at time.Time) (bool, error)
	// ResolveDomain finalizes every pending/in_progress item for the domain
	// in one atomic batch and returns the affected items.
	ResolveDomain(ctx context.Context, domain string, status InterventionStatus, session []byte, at time.Time) ([]InterventionItem, error)
	MarkStatus(ctx context.Context, sel InterventionSelector, status InterventionStatus, at time.Time) (int, error)
	LatestSession(ctx context.Context, domain, taskID string) ([]byte, error)
	ExpirePending(ctx context.Context, before time.Time) (int, error)
}

// Notifier delivers one human-facing notification. Delivery is best-effort;
// callers log and swallow failures.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Coalescer receives intervention arrivals for batched operator notification.
type Coalescer interface {
	// ItemQueued signals one new pending item; the first arrival of a burst
	// starts the delay timer.
	ItemQueued(domain string)
	// QueueEmpty signals that no more upstream work can proceed without
	// human action, flushing the burst immediately.
	QueueEmpty()
}

// BlobStore archives opaque artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// RunResult is returned by a Runner on success.
type RunResult struct {
	Output []byte
}

// Runner executes one job. Implementations live outside this module (the
// crawler / search-engine layer); a runner blocked by a challenge returns a
// *ChallengeError.
type Runner interface {
	Run(ctx context.Context, job Job) (RunResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// JobSignal wakes the dispatcher for one queued job.
type JobSignal struct {
	JobID    string
	TaskID   string
	Enqueued int64
}

// Queue provides enqueue/dequeue semantics for job dispatch signals.
type Queue interface {
	Enqueue(ctx context.Context, sig JobSignal) error
	Dequeue(ctx context.Context) (JobSignal, error)
}
