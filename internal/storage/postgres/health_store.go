package postgres

import (
	"context"
	"fmt"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

// HealthStore implements coordinator.HealthStore on Postgres. Engine and
// domain records share one table keyed by (kind, name).
type HealthStore struct {
	pool dbPool
}

// NewHealthStore creates a Postgres-backed HealthStore.
func NewHealthStore(ctx context.Context, cfg PoolConfig) (*HealthStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &HealthStore{pool: pool}, nil
}

// NewHealthStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHealthStoreWithPool(pool dbPool) (*HealthStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &HealthStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *HealthStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert writes the full record, replacing any previous row for the entity.
func (s *HealthStore) Upsert(ctx context.Context, rec coordinator.HealthRecord) error {
	query := `
		INSERT INTO entity_health (
			kind, name, success_rate_short, success_rate_long, challenge_rate, latency_ms,
			consecutive_failures, state, cooldown_until,
			total_requests, total_successes, total_failures, total_challenges, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (kind, name) DO UPDATE SET
			success_rate_short = EXCLUDED.success_rate_short,
			success_rate_long = EXCLUDED.success_rate_long,
			challenge_rate = EXCLUDED.challenge_rate,
			latency_ms = EXCLUDED.latency_ms,
			consecutive_failures = EXCLUDED.consecutive_failures,
			state = EXCLUDED.state,
			cooldown_until = EXCLUDED.cooldown_until,
			total_requests = EXCLUDED.total_requests,
			total_successes = EXCLUDED.total_successes,
			total_failures = EXCLUDED.total_failures,
			total_challenges = EXCLUDED.total_challenges,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, query,
		rec.Kind,
		rec.Name,
		rec.SuccessRateShort,
		rec.SuccessRateLong,
		rec.ChallengeRate,
		rec.LatencyMs,
		rec.ConsecutiveFailures,
		rec.State,
		rec.CooldownUntil,
		rec.TotalRequests,
		rec.TotalSuccesses,
		rec.TotalFailures,
		rec.TotalChallenges,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert health record: %w", err)
	}
	return nil
}

// LoadAll returns every persisted record.
func (s *HealthStore) LoadAll(ctx context.Context) ([]coordinator.HealthRecord, error) {
	query := `
		SELECT kind, name, success_rate_short, success_rate_long, challenge_rate, latency_ms,
			consecutive_failures, state, cooldown_until,
			total_requests, total_successes, total_failures, total_challenges, updated_at
		FROM entity_health
		ORDER BY kind, name;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load health records: %w", err)
	}
	defer rows.Close()

	var records []coordinator.HealthRecord
	for rows.Next() {
		var rec coordinator.HealthRecord
		err := rows.Scan(
			&rec.Kind,
			&rec.Name,
			&rec.SuccessRateShort,
			&rec.SuccessRateLong,
			&rec.ChallengeRate,
			&rec.LatencyMs,
			&rec.ConsecutiveFailures,
			&rec.State,
			&rec.CooldownUntil,
			&rec.TotalRequests,
			&rec.TotalSuccesses,
			&rec.TotalFailures,
			&rec.TotalChallenges,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan health row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate health rows: %w", err)
	}
	return records, nil
}
