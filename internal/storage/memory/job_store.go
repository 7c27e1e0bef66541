package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

// JobStore is an in-memory coordinator.JobStore. Transition applies the
// guard and the write under one lock, mirroring the conditional UPDATE the
// Postgres store issues.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]coordinator.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]coordinator.Job)}
}

// Create stores a new job.
func (s *JobStore) Create(_ context.Context, job coordinator.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, id string) (coordinator.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return coordinator.Job{}, coordinator.ErrNotFound
	}
	return job, nil
}

// ListByTask returns all jobs for a task.
func (s *JobStore) ListByTask(_ context.Context, taskID string) ([]coordinator.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []coordinator.Job
	for _, job := range s.jobs {
		if job.TaskID == taskID {
			out = append(out, job)
		}
	}
	return out, nil
}

// Transition applies tr when the job's current state is among tr.From.
func (s *JobStore) Transition(_ context.Context, id string, tr coordinator.JobTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	guardOK := false
	for _, from := range tr.From {
		if job.State == from {
			guardOK = true
			break
		}
	}
	if !guardOK {
		return false, nil
	}

	job.State = tr.To
	job.ErrorText = tr.ErrorText
	if tr.InterventionID != "" {
		job.InterventionID = tr.InterventionID
	}
	if tr.ClearIntervention {
		job.InterventionID = ""
	}
	at := tr.At
	switch tr.To {
	case coordinator.JobRunning:
		if job.StartedAt == nil {
			job.StartedAt = &at
		}
	case coordinator.JobQueued:
		job.StartedAt = nil
		job.FinishedAt = nil
	default:
		if tr.To.Terminal() {
			job.FinishedAt = &at
		}
	}
	s.jobs[id] = job
	return true, nil
}
