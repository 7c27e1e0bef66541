// Package intervention implements the durable human-in-the-loop challenge
// queue.
package intervention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/metrics"
)

// JobRequeuer moves a blocked job back to the dispatch queue once its
// intervention resolves.
type JobRequeuer interface {
	Requeue(ctx context.Context, jobID string) (bool, error)
}

// BreakerCloser force-closes a healed entity's circuit breaker.
type BreakerCloser interface {
	ForceClose(ctx context.Context, kind coordinator.EntityKind, name string) error
}

// Config controls queue defaults.
type Config struct {
	DefaultTTL    time.Duration
	ArchivePrefix string
}

// Service owns intervention item lifecycle. The human consumer operates on
// their own schedule: no operation here enforces a timeout on resolution,
// and nothing blocks waiting for one.
type Service struct {
	cfg       Config
	store     coordinator.InterventionStore
	jobs      JobRequeuer
	breakers  BreakerCloser
	coalescer coordinator.Coalescer
	archive   coordinator.BlobStore
	clock     coordinator.Clock
	idGen     coordinator.IDGenerator
	logger    *zap.Logger
}

// New constructs a Service. The coalescer and archive are optional.
func New(
	cfg Config,
	store coordinator.InterventionStore,
	jobRequeuer JobRequeuer,
	breakers BreakerCloser,
	coalescer coordinator.Coalescer,
	archive coordinator.BlobStore,
	clock coordinator.Clock,
	idGen coordinator.IDGenerator,
	logger *zap.Logger,
) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 4 * time.Hour
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "sessions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Service{
		cfg:       cfg,
		store:     store,
		jobs:      jobRequeuer,
		breakers:  breakers,
		coalescer: coalescer,
		archive:   archive,
		clock:     clock,
		idGen:     idGen,
		logger:    logger,
	}
}

// EnqueueRequest describes one challenge a worker cannot resolve.
type EnqueueRequest struct {
	TaskID    string
	URL       string
	Domain    string
	Challenge coordinator.ChallengeType
	Priority  coordinator.Priority
	TTL       time.Duration
	JobID     string
}

// Enqueue inserts a pending item and signals the notification coalescer.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Domain == "" {
		return "", fmt.Errorf("%w: domain is empty", coordinator.ErrValidation)
	}
	if req.TaskID == "" {
		return "", fmt.Errorf("%w: task id is empty", coordinator.ErrValidation)
	}
	if !validChallenge(req.Challenge) {
		return "", fmt.Errorf("%w: unknown challenge type %q", coordinator.ErrValidation, req.Challenge)
	}
	if req.Priority == "" {
		req.Priority = coordinator.PriorityMedium
	}
	if !req.Priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", coordinator.ErrValidation, req.Priority)
	}
	if req.TTL < 0 {
		return "", fmt.Errorf("%w: ttl must not be negative", coordinator.ErrValidation)
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}

	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate item id: %w", err)
	}
	now := s.clock.Now()
	item := coordinator.InterventionItem{
		ID:        id,
		TaskID:    req.TaskID,
		URL:       req.URL,
		Domain:    req.Domain,
		Challenge: req.Challenge,
		Priority:  req.Priority,
		Status:    coordinator.InterventionPending,
		JobID:     req.JobID,
		QueuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.Insert(ctx, item); err != nil {
		return "", fmt.Errorf("insert intervention item: %w", err)
	}
	if s.coalescer != nil {
		s.coalescer.ItemQueued(req.Domain)
	}
	s.logger.Info("intervention queued",
		zap.String("item_id", id),
		zap.String("domain", req.Domain),
		zap.String("challenge", string(req.Challenge)),
		zap.String("priority", string(req.Priority)),
	)
	return id, nil
}

// ListPending returns pending items ordered by priority rank then enqueue
// time ascending: high-priority, oldest-first.
func (s *Service) ListPending(ctx context.Context, filter coordinator.InterventionFilter) ([]coordinator.InterventionItem, error) {
	items, err := s.store.ListPending(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list pending interventions: %w", err)
	}
	if filter == (coordinator.InterventionFilter{}) {
		metrics.SetPendingInterventions(len(items))
	}
	return items, nil
}

// GroupByDomain aggregates pending items per domain to drive
// one-decision-per-domain resolution.
func (s *Service) GroupByDomain(ctx context.Context) (map[string]coordinator.DomainSummary, error) {
	items, err := s.ListPending(ctx, coordinator.InterventionFilter{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]coordinator.DomainSummary)
	for _, item := range items {
		summary := out[item.Domain]
		summary.Domain = item.Domain
		summary.PendingCount++
		if item.Priority == coordinator.PriorityHigh {
			summary.HighPriorityCount++
		}
		if !containsString(summary.TaskIDs, item.TaskID) {
			summary.TaskIDs = append(summary.TaskIDs, item.TaskID)
		}
		if !containsChallenge(summary.Challenges, item.Challenge) {
			summary.Challenges = append(summary.Challenges, item.Challenge)
		}
		if summary.OldestQueuedAt.IsZero() || item.QueuedAt.Before(summary.OldestQueuedAt) {
			summary.OldestQueuedAt = item.QueuedAt
		}
		out[item.Domain] = summary
	}
	for domain, summary := range out {
		sort.Strings(summary.TaskIDs)
		out[domain] = summary
	}
	return out, nil
}

// StartSessionRequest selects the items a human session will work through.
type StartSessionRequest struct {
	TaskID   string
	ItemIDs  []string
	Priority coordinator.Priority
}

// StartSession marks the selected items in_progress and returns them. The
// caller surfaces the first URL and raises the relevant window; this
// component issues no DOM manipulation and enforces no timeout.
func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) ([]coordinator.InterventionItem, error) {
	ids := req.ItemIDs
	if len(ids) == 0 {
		items, err := s.store.ListPending(ctx, coordinator.InterventionFilter{
			TaskID:   req.TaskID,
			Priority: req.Priority,
		})
		if err != nil {
			return nil, fmt.Errorf("list pending interventions: %w", err)
		}
		for _, item := range items {
			ids = append(ids, item.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	started, err := s.store.MarkInProgress(ctx, ids, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("mark interventions in progress: %w", err)
	}
	s.logger.Info("intervention session started", zap.Int("items", len(started)))
	return started, nil
}

// Complete resolves one item. On success the captured session payload is
// stored, the linked job (if any) is requeued, and the domain breaker is
// force-closed. Resolving an unknown or already-resolved item is a no-op.
func (s *Service) Complete(ctx context.Context, itemID string, success bool, session []byte) (bool, error) {
	if itemID == "" {
		return false, fmt.Errorf("%w: item id is empty", coordinator.ErrValidation)
	}
	item, err := s.store.Get(ctx, itemID)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get intervention item: %w", err)
	}

	status := coordinator.InterventionCompleted
	if !success {
		status = coordinator.InterventionSkipped
	}
	now := s.clock.Now()
	applied, err := s.store.Resolve(ctx, itemID, status, session, now)
	if err != nil {
		return false, fmt.Errorf("resolve intervention item: %w", err)
	}
	if !applied {
		return false, nil
	}
	metrics.ObserveIntervention(string(item.Challenge), string(status))

	if success {
		s.archiveSession(ctx, item.Domain, itemID, session)
		var jobIDs []string
		if item.JobID != "" {
			jobIDs = append(jobIDs, item.JobID)
		}
		if err := s.unblock(ctx, item.Domain, jobIDs); err != nil {
			return true, err
		}
	}
	return true, nil
}

// CompleteDomain resolves every pending/in_progress item for a domain
// atomically as one batch, storing the session payload once for the whole
// domain. On success every linked awaiting_auth job is requeued and the
// domain breaker is force-closed; a failure in either side effect surfaces
// rather than leaving the pipeline half-healed.
func (s *Service) CompleteDomain(ctx context.Context, domain string, success bool, session []byte) (coordinator.DomainResolution, error) {
	if domain == "" {
		return coordinator.DomainResolution{}, fmt.Errorf("%w: domain is empty", coordinator.ErrValidation)
	}
	status := coordinator.InterventionCompleted
	if !success {
		status = coordinator.InterventionSkipped
	}
	now := s.clock.Now()
	items, err := s.store.ResolveDomain(ctx, domain, status, session, now)
	if err != nil {
		return coordinator.DomainResolution{}, fmt.Errorf("resolve domain %s: %w", domain, err)
	}

	resolution := coordinator.DomainResolution{ResolvedCount: len(items)}
	var jobIDs []string
	for _, item := range items {
		metrics.ObserveIntervention(string(item.Challenge), string(status))
		if !containsString(resolution.AffectedTaskIDs, item.TaskID) {
			resolution.AffectedTaskIDs = append(resolution.AffectedTaskIDs, item.TaskID)
		}
		if item.JobID != "" {
			jobIDs = append(jobIDs, item.JobID)
		}
	}
	sort.Strings(resolution.AffectedTaskIDs)

	if success && len(items) > 0 {
		s.archiveSession(ctx, domain, "domain", session)
		if err := s.unblock(ctx, domain, jobIDs); err != nil {
			return resolution, err
		}
		resolution.RequeuedJobIDs = jobIDs
	}
	s.logger.Info("domain interventions resolved",
		zap.String("domain", domain),
		zap.Int("resolved", resolution.ResolvedCount),
		zap.Bool("success", success),
	)
	return resolution, nil
}

// Skip marks matching items skipped or cancelled. Selector precedence:
// explicit item IDs, then domain, then task ID.
func (s *Service) Skip(ctx context.Context, sel coordinator.InterventionSelector, status coordinator.InterventionStatus) (int, error) {
	if len(sel.ItemIDs) == 0 && sel.Domain == "" && sel.TaskID == "" {
		return 0, fmt.Errorf("%w: one of item ids, domain, or task id is required", coordinator.ErrValidation)
	}
	if status != coordinator.InterventionSkipped && status != coordinator.InterventionCancelled {
		return 0, fmt.Errorf("%w: skip status must be skipped or cancelled, got %q", coordinator.ErrValidation, status)
	}
	count, err := s.store.MarkStatus(ctx, sel, status, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("skip interventions: %w", err)
	}
	return count, nil
}

// SessionForDomain returns the most recently captured session payload for a
// domain, optionally scoped to one task. A nil payload means no completed
// session exists; that is a normal condition, not an error.
func (s *Service) SessionForDomain(ctx context.Context, domain, taskID string) ([]byte, error) {
	if domain == "" {
		return nil, fmt.Errorf("%w: domain is empty", coordinator.ErrValidation)
	}
	payload, err := s.store.LatestSession(ctx, domain, taskID)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session for domain: %w", err)
	}
	return payload, nil
}

// SweepExpired flips stale pending items to expired. Idempotent and
// advisory; expiry is a normal lifecycle event.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	count, err := s.store.ExpirePending(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired interventions: %w", err)
	}
	if count > 0 {
		s.logger.Info("interventions expired", zap.Int("count", count))
	}
	return count, nil
}

// unblock applies both post-resolution side effects: requeue blocked jobs
// and force-close the domain breaker. Both must fire, or jobs stay stuck in
// awaiting_auth while the breaker heals (or vice versa).
func (s *Service) unblock(ctx context.Context, domain string, jobIDs []string) error {
	for _, jobID := range jobIDs {
		applied, err := s.jobs.Requeue(ctx, jobID)
		if err != nil {
			return fmt.Errorf("requeue job %s: %w", jobID, err)
		}
		if !applied {
			// Already moved on (cancelled, requeued by a concurrent
			// resolver); nothing left to do for this job.
			s.logger.Debug("requeue skipped", zap.String("job_id", jobID))
		}
	}
	if err := s.breakers.ForceClose(ctx, coordinator.KindDomain, domain); err != nil {
		return fmt.Errorf("force-close breaker for %s: %w", domain, err)
	}
	return nil
}

// archiveSession is best-effort audit archival; failures are logged only.
func (s *Service) archiveSession(ctx context.Context, domain, suffix string, session []byte) {
	if s.archive == nil || len(session) == 0 {
		return
	}
	path := fmt.Sprintf("%s/%s/%d-%s.json", s.cfg.ArchivePrefix, domain, s.clock.Now().Unix(), suffix)
	uri, err := s.archive.PutObject(ctx, path, "application/json", session)
	if err != nil {
		s.logger.Warn("session archive failed", zap.String("domain", domain), zap.Error(err))
		return
	}
	s.logger.Debug("session archived", zap.String("uri", uri))
}

func validChallenge(c coordinator.ChallengeType) bool {
	switch c {
	case coordinator.ChallengeCaptcha,
		coordinator.ChallengeLoginRequired,
		coordinator.ChallengeCookieBanner,
		coordinator.ChallengeCloudflare,
		coordinator.ChallengeTurnstile,
		coordinator.ChallengeJSChallenge,
		coordinator.ChallengeDomainBlocked:
		return true
	default:
		return false
	}
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func containsChallenge(values []coordinator.ChallengeType, v coordinator.ChallengeType) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}
