package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

// InterventionStore implements coordinator.InterventionStore on Postgres.
// ResolveDomain runs in one transaction so the operator never observes a
// domain half-resolved.
type InterventionStore struct {
	pool dbPool
}

// NewInterventionStore creates a Postgres-backed InterventionStore.
func NewInterventionStore(ctx context.Context, cfg PoolConfig) (*InterventionStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &InterventionStore{pool: pool}, nil
}

// NewInterventionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewInterventionStoreWithPool(pool dbPool) (*InterventionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &InterventionStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *InterventionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const interventionColumns = `id, task_id, url, domain, challenge_type, priority, status,
	COALESCE(job_id, ''), session, queued_at, started_at, resolved_at, expires_at`

// Insert stores a new item.
func (s *InterventionStore) Insert(ctx context.Context, item coordinator.InterventionItem) error {
	query := `
		INSERT INTO intervention_items (
			id, task_id, url, domain, challenge_type, priority, status, job_id, session, queued_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11);
	`
	_, err := s.pool.Exec(ctx, query,
		item.ID,
		item.TaskID,
		item.URL,
		item.Domain,
		item.Challenge,
		item.Priority,
		item.Status,
		item.JobID,
		item.Session,
		item.QueuedAt,
		item.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert intervention item: %w", err)
	}
	return nil
}

// Get fetches an item by ID.
func (s *InterventionStore) Get(ctx context.Context, id string) (coordinator.InterventionItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM intervention_items WHERE id = $1;`, interventionColumns)
	item, err := scanIntervention(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coordinator.InterventionItem{}, coordinator.ErrNotFound
		}
		return coordinator.InterventionItem{}, fmt.Errorf("get intervention item: %w", err)
	}
	return item, nil
}

// ListPending returns pending items ordered by priority rank then enqueue
// time ascending.
func (s *InterventionStore) ListPending(ctx context.Context, filter coordinator.InterventionFilter) ([]coordinator.InterventionItem, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM intervention_items
		WHERE status = 'pending'
			AND ($1::text = '' OR task_id = $1)
			AND ($2::text = '' OR domain = $2)
			AND ($3::text = '' OR priority = $3)
		ORDER BY CASE priority
			WHEN 'high' THEN 0
			WHEN 'medium' THEN 1
			ELSE 2
		END, queued_at;
	`, interventionColumns)
	rows, err := s.pool.Query(ctx, query, filter.TaskID, filter.Domain, string(filter.Priority))
	if err != nil {
		return nil, fmt.Errorf("list pending interventions: %w", err)
	}
	defer rows.Close()
	return collectInterventions(rows)
}

// MarkInProgress transitions the given pending items to in_progress and
// returns them.
func (s *InterventionStore) MarkInProgress(ctx context.Context, ids []string, at time.Time) ([]coordinator.InterventionItem, error) {
	query := fmt.Sprintf(`
		UPDATE intervention_items
		SET status = 'in_progress', started_at = $1
		WHERE id = ANY($2) AND status = 'pending'
		RETURNING %s;
	`, interventionColumns)
	rows, err := s.pool.Query(ctx, query, at, ids)
	if err != nil {
		return nil, fmt.Errorf("mark interventions in progress: %w", err)
	}
	defer rows.Close()
	return collectInterventions(rows)
}

// Resolve finalizes one pending/in_progress item.
func (s *InterventionStore) Resolve(
	ctx context.Context,
	id string,
	status coordinator.InterventionStatus,
	session []byte,
	at time.Time,
) (bool, error) {
	query := `
		UPDATE intervention_items
		SET status = $1, session = COALESCE($2, session), resolved_at = $3
		WHERE id = $4 AND status IN ('pending', 'in_progress');
	`
	tag, err := s.pool.Exec(ctx, query, status, session, at, id)
	if err != nil {
		return false, fmt.Errorf("resolve intervention item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResolveDomain finalizes every pending/in_progress item for the domain in
// one transaction and returns the affected items.
func (s *InterventionStore) ResolveDomain(
	ctx context.Context,
	domain string,
	status coordinator.InterventionStatus,
	session []byte,
	at time.Time,
) ([]coordinator.InterventionItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin resolve domain: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`
		UPDATE intervention_items
		SET status = $1, session = COALESCE($2, session), resolved_at = $3
		WHERE domain = $4 AND status IN ('pending', 'in_progress')
		RETURNING %s;
	`, interventionColumns)
	rows, err := tx.Query(ctx, query, status, session, at, domain)
	if err != nil {
		return nil, fmt.Errorf("resolve domain interventions: %w", err)
	}
	items, err := collectInterventions(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit resolve domain: %w", err)
	}
	return items, nil
}

// MarkStatus bulk-transitions open items picked by the selector.
func (s *InterventionStore) MarkStatus(
	ctx context.Context,
	sel coordinator.InterventionSelector,
	status coordinator.InterventionStatus,
	at time.Time,
) (int, error) {
	var (
		query string
		arg   any
	)
	switch {
	case len(sel.ItemIDs) > 0:
		query = `
			UPDATE intervention_items
			SET status = $1, resolved_at = $2
			WHERE id = ANY($3) AND status IN ('pending', 'in_progress');
		`
		arg = sel.ItemIDs
	case sel.Domain != "":
		query = `
			UPDATE intervention_items
			SET status = $1, resolved_at = $2
			WHERE domain = $3 AND status IN ('pending', 'in_progress');
		`
		arg = sel.Domain
	default:
		query = `
			UPDATE intervention_items
			SET status = $1, resolved_at = $2
			WHERE task_id = $3 AND status IN ('pending', 'in_progress');
		`
		arg = sel.TaskID
	}
	tag, err := s.pool.Exec(ctx, query, status, at, arg)
	if err != nil {
		return 0, fmt.Errorf("mark intervention status: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LatestSession returns the most recently completed session payload for the
// domain, optionally scoped to one task.
func (s *InterventionStore) LatestSession(ctx context.Context, domain, taskID string) ([]byte, error) {
	query := `
		SELECT session FROM intervention_items
		WHERE domain = $1
			AND status = 'completed'
			AND session IS NOT NULL
			AND ($2::text = '' OR task_id = $2)
		ORDER BY resolved_at DESC
		LIMIT 1;
	`
	var session []byte
	err := s.pool.QueryRow(ctx, query, domain, taskID).Scan(&session)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coordinator.ErrNotFound
		}
		return nil, fmt.Errorf("latest session: %w", err)
	}
	return session, nil
}

// ExpirePending flips stale pending items to expired.
func (s *InterventionStore) ExpirePending(ctx context.Context, before time.Time) (int, error) {
	query := `
		UPDATE intervention_items
		SET status = 'expired', resolved_at = $1
		WHERE status = 'pending' AND expires_at <= $1;
	`
	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("expire pending interventions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanIntervention(row pgx.Row) (coordinator.InterventionItem, error) {
	var item coordinator.InterventionItem
	err := row.Scan(
		&item.ID,
		&item.TaskID,
		&item.URL,
		&item.Domain,
		&item.Challenge,
		&item.Priority,
		&item.Status,
		&item.JobID,
		&item.Session,
		&item.QueuedAt,
		&item.StartedAt,
		&item.ResolvedAt,
		&item.ExpiresAt,
	)
	return item, err
}

func collectInterventions(rows pgx.Rows) ([]coordinator.InterventionItem, error) {
	var items []coordinator.InterventionItem
	for rows.Next() {
		item, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intervention rows: %w", err)
	}
	return items, nil
}
