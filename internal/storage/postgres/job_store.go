package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

// JobStore implements coordinator.JobStore on Postgres. Transition is a
// single conditional UPDATE; the From guard lives in the WHERE clause so
// concurrent schedulers serialize on the row, not in application code.
type JobStore struct {
	pool dbPool
}

// NewJobStore creates a Postgres-backed JobStore.
func NewJobStore(ctx context.Context, cfg PoolConfig) (*JobStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool dbPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create stores a new job.
func (s *JobStore) Create(ctx context.Context, job coordinator.Job) error {
	query := `
		INSERT INTO jobs (
			id, task_id, kind, priority, slot, state, payload, error_text, intervention_id, queued_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10);
	`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.TaskID,
		job.Kind,
		job.Priority,
		job.Slot,
		job.State,
		job.Payload,
		job.ErrorText,
		job.InterventionID,
		job.QueuedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, task_id, kind, priority, slot, state, payload,
	COALESCE(error_text, ''), COALESCE(intervention_id, ''), queued_at, started_at, finished_at`

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (coordinator.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1;`, jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coordinator.Job{}, coordinator.ErrNotFound
		}
		return coordinator.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListByTask returns all jobs for a task ordered by enqueue time.
func (s *JobStore) ListByTask(ctx context.Context, taskID string) ([]coordinator.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE task_id = $1 ORDER BY queued_at;`, jobColumns)
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []coordinator.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// Transition applies tr when the job's current state is among tr.From. Zero
// affected rows means the guard did not match. Timestamp bookkeeping rides
// along with the state write: entering running stamps started_at once,
// returning to queued clears both timestamps, terminal states stamp
// finished_at.
func (s *JobStore) Transition(ctx context.Context, id string, tr coordinator.JobTransition) (bool, error) {
	guard := make([]string, 0, len(tr.From))
	for _, from := range tr.From {
		guard = append(guard, string(from))
	}
	query := `
		UPDATE jobs
		SET state = $1,
			error_text = NULLIF($2, ''),
			intervention_id = CASE
				WHEN $3::boolean THEN NULL
				WHEN $4::text <> '' THEN $4::text
				ELSE intervention_id
			END,
			started_at = CASE
				WHEN $1::text = 'running' THEN COALESCE(started_at, $5::timestamptz)
				WHEN $1::text = 'queued' THEN NULL
				ELSE started_at
			END,
			finished_at = CASE
				WHEN $1::text IN ('completed', 'failed', 'cancelled') THEN $5::timestamptz
				WHEN $1::text = 'queued' THEN NULL
				ELSE finished_at
			END
		WHERE id = $6 AND state = ANY($7);
	`
	tag, err := s.pool.Exec(ctx, query,
		tr.To,
		tr.ErrorText,
		tr.ClearIntervention,
		tr.InterventionID,
		tr.At,
		id,
		guard,
	)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanJob(row pgx.Row) (coordinator.Job, error) {
	var job coordinator.Job
	err := row.Scan(
		&job.ID,
		&job.TaskID,
		&job.Kind,
		&job.Priority,
		&job.Slot,
		&job.State,
		&job.Payload,
		&job.ErrorText,
		&job.InterventionID,
		&job.QueuedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	return job, err
}
