// Package coordinator defines core types shared across subsystems.
package coordinator

import (
	"time"
)

// IdentifierType names the namespace of an external resource identifier.
type IdentifierType string

// Identifier namespaces recognized by the resource ledger.
const (
	IdentifierDOI   IdentifierType = "doi"
	IdentifierPMID  IdentifierType = "pmid"
	IdentifierArXiv IdentifierType = "arxiv"
	IdentifierURL   IdentifierType = "url"
)

// ClaimStatus represents the lifecycle state of a resource claim.
type ClaimStatus string

// Claim status values persisted in the claim store.
const (
	ClaimProcessing ClaimStatus = "processing"
	ClaimCompleted  ClaimStatus = "completed"
	ClaimFailed     ClaimStatus = "failed"
)

// ResourceClaim records ownership of one external identifier by one worker.
// Rows are append-only; only status, result, and completion time mutate.
type ResourceClaim struct {
	Type        IdentifierType `json:"identifier_type"`
	Value       string         `json:"identifier_value"`
	TaskID      string         `json:"task_id"`
	WorkerID    string         `json:"worker_id"`
	Status      ClaimStatus    `json:"status"`
	ResultRef   string         `json:"result_ref,omitempty"`
	ClaimedAt   time.Time      `json:"claimed_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ClaimResult is returned by the ledger's Claim operation. Exactly one
// concurrent claimant of an identifier observes IsNew=true. ResultRef is
// populated only when a prior claim has reached completed.
type ClaimResult struct {
	IsNew     bool   `json:"is_new"`
	ResultRef string `json:"result_ref,omitempty"`
}

// EntityKind distinguishes the two breaker namespaces.
type EntityKind string

// Tracked entity kinds.
const (
	KindEngine EntityKind = "engine"
	KindDomain EntityKind = "domain"
)

// BreakerState is the circuit breaker state of a tracked entity.
type BreakerState string

// Breaker states.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// HealthRecord is the rolling health state for one engine or domain.
type HealthRecord struct {
	Kind                EntityKind   `json:"kind"`
	Name                string       `json:"name"`
	SuccessRateShort    float64      `json:"success_rate_short"`
	SuccessRateLong     float64      `json:"success_rate_long"`
	ChallengeRate       float64      `json:"challenge_rate"`
	LatencyMs           float64      `json:"latency_ms"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	State               BreakerState `json:"state"`
	CooldownUntil       *time.Time   `json:"cooldown_until,omitempty"`
	TotalRequests       int64        `json:"total_requests"`
	TotalSuccesses      int64        `json:"total_successes"`
	TotalFailures       int64        `json:"total_failures"`
	TotalChallenges     int64        `json:"total_challenges"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Observation is one recorded request against a tracked entity.
type Observation struct {
	Success     bool
	LatencyMs   float64
	IsChallenge bool
}

// JobState represents the lifecycle state of a unit of work.
type JobState string

// Job state values persisted in the job store.
const (
	JobQueued       JobState = "queued"
	JobRunning      JobState = "running"
	JobAwaitingAuth JobState = "awaiting_auth"
	JobCompleted    JobState = "completed"
	JobFailed       JobState = "failed"
	JobCancelled    JobState = "cancelled"
)

// Job is one unit of dispatchable work, e.g. one search query execution.
type Job struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	Kind           string     `json:"kind"`
	Priority       int        `json:"priority"`
	Slot           int        `json:"slot"`
	State          JobState   `json:"state"`
	Payload        []byte     `json:"payload,omitempty"`
	ErrorText      string     `json:"error_text,omitempty"`
	InterventionID string     `json:"intervention_id,omitempty"`
	QueuedAt       time.Time  `json:"queued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether a job state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// ChallengeType classifies a human-resolvable challenge.
type ChallengeType string

// Challenge types a worker can report.
const (
	ChallengeCaptcha       ChallengeType = "captcha"
	ChallengeLoginRequired ChallengeType = "login_required"
	ChallengeCookieBanner  ChallengeType = "cookie_banner"
	ChallengeCloudflare    ChallengeType = "cloudflare"
	ChallengeTurnstile     ChallengeType = "turnstile"
	ChallengeJSChallenge   ChallengeType = "js_challenge"
	ChallengeDomainBlocked ChallengeType = "domain_blocked"
)

// Priority orders intervention items for the operator.
type Priority string

// Intervention priorities.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its sort order; lower sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Valid reports whether the priority is one of the known values.
func (p Priority) Valid() bool {
	return p.Rank() < 3
}

// InterventionStatus is the lifecycle state of an intervention item.
// Transitions are monotonic: an item never returns to pending.
type InterventionStatus string

// Intervention item statuses.
const (
	InterventionPending    InterventionStatus = "pending"
	InterventionInProgress InterventionStatus = "in_progress"
	InterventionCompleted  InterventionStatus = "completed"
	InterventionSkipped    InterventionStatus = "skipped"
	InterventionExpired    InterventionStatus = "expired"
	InterventionCancelled  InterventionStatus = "cancelled"
)

// InterventionItem is one outstanding or resolved human-resolvable challenge.
// Session is an opaque payload captured at resolution and shared per domain.
type InterventionItem struct {
	ID         string             `json:"id"`
	TaskID     string             `json:"task_id"`
	URL        string             `json:"url"`
	Domain     string             `json:"domain"`
	Challenge  ChallengeType      `json:"challenge_type"`
	Priority   Priority           `json:"priority"`
	Status     InterventionStatus `json:"status"`
	JobID      string             `json:"job_id,omitempty"`
	Session    []byte             `json:"session,omitempty"`
	QueuedAt   time.Time          `json:"queued_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
	ExpiresAt  time.Time          `json:"expires_at"`
}

// DomainSummary aggregates pending intervention items for one domain.
type DomainSummary struct {
	Domain            string          `json:"domain"`
	PendingCount      int             `json:"pending_count"`
	HighPriorityCount int             `json:"high_priority_count"`
	TaskIDs           []string        `json:"task_ids"`
	Challenges        []ChallengeType `json:"challenge_types"`
	OldestQueuedAt    time.Time       `json:"oldest_queued_at"`
}

// DomainResolution is the result of resolving a domain's items as one batch.
type DomainResolution struct {
	ResolvedCount   int      `json:"resolved_count"`
	AffectedTaskIDs []string `json:"affected_task_ids"`
	RequeuedJobIDs  []string `json:"requeued_job_ids,omitempty"`
}

// Notification is one human-facing message produced by the coalescer.
type Notification struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Urgency string `json:"urgency"`
}
