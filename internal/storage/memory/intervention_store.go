package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

// InterventionStore is an in-memory coordinator.InterventionStore.
// ResolveDomain mutates all matching items under one lock, matching the
// transactional batch the Postgres store runs.
type InterventionStore struct {
	mu    sync.Mutex
	items map[string]coordinator.InterventionItem
}

// NewInterventionStore constructs an InterventionStore.
func NewInterventionStore() *InterventionStore {
	return &InterventionStore{items: make(map[string]coordinator.InterventionItem)}
}

// Insert stores a new item.
func (s *InterventionStore) Insert(_ context.Context, item coordinator.InterventionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return errors.New("intervention item already exists")
	}
	s.items[item.ID] = item
	return nil
}

// Get fetches an item by ID.
func (s *InterventionStore) Get(_ context.Context, id string) (coordinator.InterventionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return coordinator.InterventionItem{}, coordinator.ErrNotFound
	}
	return item, nil
}

// ListPending returns pending items ordered by priority rank then enqueue
// time ascending.
func (s *InterventionStore) ListPending(_ context.Context, filter coordinator.InterventionFilter) ([]coordinator.InterventionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []coordinator.InterventionItem
	for _, item := range s.items {
		if item.Status != coordinator.InterventionPending {
			continue
		}
		if filter.TaskID != "" && item.TaskID != filter.TaskID {
			continue
		}
		if filter.Domain != "" && item.Domain != filter.Domain {
			continue
		}
		if filter.Priority != "" && item.Priority != filter.Priority {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out, nil
}

// MarkInProgress transitions the given pending items to in_progress and
// returns them. Unknown or already-started IDs are skipped.
func (s *InterventionStore) MarkInProgress(_ context.Context, ids []string, at time.Time) ([]coordinator.InterventionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []coordinator.InterventionItem
	for _, id := range ids {
		item, ok := s.items[id]
		if !ok || item.Status != coordinator.InterventionPending {
			continue
		}
		item.Status = coordinator.InterventionInProgress
		started := at
		item.StartedAt = &started
		s.items[id] = item
		out = append(out, item)
	}
	return out, nil
}

// Resolve finalizes one pending/in_progress item.
func (s *InterventionStore) Resolve(
	_ context.Context,
	id string,
	status coordinator.InterventionStatus,
	session []byte,
	at time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || !openStatus(item.Status) {
		return false, nil
	}
	s.items[id] = resolved(item, status, session, at)
	return true, nil
}

// ResolveDomain finalizes every pending/in_progress item for the domain as
// one atomic batch.
func (s *InterventionStore) ResolveDomain(
	_ context.Context,
	domain string,
	status coordinator.InterventionStatus,
	session []byte,
	at time.Time,
) ([]coordinator.InterventionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []coordinator.InterventionItem
	for id, item := range s.items {
		if item.Domain != domain || !openStatus(item.Status) {
			continue
		}
		item = resolved(item, status, session, at)
		s.items[id] = item
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, nil
}

// MarkStatus bulk-transitions open items picked by the selector. Precedence:
// explicit item IDs, then domain, then task ID.
func (s *InterventionStore) MarkStatus(
	_ context.Context,
	sel coordinator.InterventionSelector,
	status coordinator.InterventionStatus,
	at time.Time,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	match := func(item coordinator.InterventionItem) bool {
		switch {
		case len(sel.ItemIDs) > 0:
			for _, id := range sel.ItemIDs {
				if item.ID == id {
					return true
				}
			}
			return false
		case sel.Domain != "":
			return item.Domain == sel.Domain
		default:
			return item.TaskID == sel.TaskID
		}
	}
	count := 0
	for id, item := range s.items {
		if !openStatus(item.Status) || !match(item) {
			continue
		}
		s.items[id] = resolved(item, status, nil, at)
		count++
	}
	return count, nil
}

// LatestSession returns the most recently completed session payload for the
// domain, optionally scoped to one task.
func (s *InterventionStore) LatestSession(_ context.Context, domain, taskID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best      []byte
		bestTime  time.Time
		bestFound bool
	)
	for _, item := range s.items {
		if item.Domain != domain || item.Status != coordinator.InterventionCompleted || len(item.Session) == 0 {
			continue
		}
		if taskID != "" && item.TaskID != taskID {
			continue
		}
		if item.ResolvedAt == nil {
			continue
		}
		if !bestFound || item.ResolvedAt.After(bestTime) {
			best = item.Session
			bestTime = *item.ResolvedAt
			bestFound = true
		}
	}
	if !bestFound {
		return nil, coordinator.ErrNotFound
	}
	return append([]byte(nil), best...), nil
}

// ExpirePending flips stale pending items to expired.
func (s *InterventionStore) ExpirePending(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, item := range s.items {
		if item.Status != coordinator.InterventionPending || item.ExpiresAt.After(before) {
			continue
		}
		item.Status = coordinator.InterventionExpired
		resolvedAt := before
		item.ResolvedAt = &resolvedAt
		s.items[id] = item
		count++
	}
	return count, nil
}

func openStatus(status coordinator.InterventionStatus) bool {
	return status == coordinator.InterventionPending || status == coordinator.InterventionInProgress
}

func resolved(
	item coordinator.InterventionItem,
	status coordinator.InterventionStatus,
	session []byte,
	at time.Time,
) coordinator.InterventionItem {
	item.Status = status
	if status == coordinator.InterventionCompleted && len(session) > 0 {
		item.Session = append([]byte(nil), session...)
	}
	resolvedAt := at
	item.ResolvedAt = &resolvedAt
	return item
}
