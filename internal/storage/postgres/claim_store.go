package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

// ClaimStore implements coordinator.ClaimStore on Postgres. Claim exclusivity
// rests on the primary key over (identifier_type, identifier_value): the
// insert uses ON CONFLICT DO NOTHING so concurrent claimants race on the
// constraint, not on a read-then-write sequence.
type ClaimStore struct {
	pool dbPool
}

// NewClaimStore creates a Postgres-backed ClaimStore.
func NewClaimStore(ctx context.Context, cfg PoolConfig) (*ClaimStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ClaimStore{pool: pool}, nil
}

// NewClaimStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewClaimStoreWithPool(pool dbPool) (*ClaimStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ClaimStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ClaimStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertIgnore inserts the claim, silently ignoring a conflict on the
// identifier key.
func (s *ClaimStore) InsertIgnore(ctx context.Context, claim coordinator.ResourceClaim) error {
	query := `
		INSERT INTO resource_claims (
			identifier_type, identifier_value, task_id, worker_id, status, result_ref, claimed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identifier_type, identifier_value) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, query,
		claim.Type,
		claim.Value,
		claim.TaskID,
		claim.WorkerID,
		claim.Status,
		claim.ResultRef,
		claim.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// Get returns the claim for an identifier or coordinator.ErrNotFound.
func (s *ClaimStore) Get(ctx context.Context, typ coordinator.IdentifierType, value string) (coordinator.ResourceClaim, error) {
	query := `
		SELECT identifier_type, identifier_value, task_id, worker_id, status, result_ref, claimed_at, completed_at
		FROM resource_claims
		WHERE identifier_type = $1 AND identifier_value = $2;
	`
	var claim coordinator.ResourceClaim
	err := s.pool.QueryRow(ctx, query, typ, value).Scan(
		&claim.Type,
		&claim.Value,
		&claim.TaskID,
		&claim.WorkerID,
		&claim.Status,
		&claim.ResultRef,
		&claim.ClaimedAt,
		&claim.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coordinator.ResourceClaim{}, coordinator.ErrNotFound
		}
		return coordinator.ResourceClaim{}, fmt.Errorf("get claim: %w", err)
	}
	return claim, nil
}

// SetStatus transitions a claim out of processing. The WHERE clause carries
// the guard; zero affected rows means the guard failed.
func (s *ClaimStore) SetStatus(
	ctx context.Context,
	typ coordinator.IdentifierType,
	value string,
	status coordinator.ClaimStatus,
	resultRef string,
	at time.Time,
) (bool, error) {
	query := `
		UPDATE resource_claims
		SET status = $1, result_ref = $2, completed_at = $3
		WHERE identifier_type = $4 AND identifier_value = $5 AND status = $6;
	`
	tag, err := s.pool.Exec(ctx, query, status, resultRef, at, typ, value, coordinator.ClaimProcessing)
	if err != nil {
		return false, fmt.Errorf("update claim status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
