// Package ledger implements the race-safe resource claim registry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/metrics"
)

// Ledger coordinates claims over external identifiers across concurrent
// workers. The only coordination primitive is the store's conflict-ignoring
// insert followed by a read-back; the ledger takes no lock of its own.
type Ledger struct {
	store  coordinator.ClaimStore
	clock  coordinator.Clock
	logger *zap.Logger
}

// New constructs a Ledger.
func New(store coordinator.ClaimStore, clock coordinator.Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Ledger{store: store, clock: clock, logger: logger}
}

// Claim attempts to take ownership of one identifier for the given task and
// worker. Exactly one concurrent caller per identifier observes IsNew=true.
// Losers receive the existing claim's result reference once it has completed,
// and an empty reference otherwise.
func (l *Ledger) Claim(
	ctx context.Context,
	typ coordinator.IdentifierType,
	value string,
	taskID string,
	workerID string,
) (coordinator.ClaimResult, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return coordinator.ClaimResult{}, fmt.Errorf("%w: identifier value is empty", coordinator.ErrValidation)
	}
	if !validIdentifierType(typ) {
		return coordinator.ClaimResult{}, fmt.Errorf("%w: unknown identifier type %q", coordinator.ErrValidation, typ)
	}

	claim := coordinator.ResourceClaim{
		Type:      typ,
		Value:     value,
		TaskID:    taskID,
		WorkerID:  workerID,
		Status:    coordinator.ClaimProcessing,
		ClaimedAt: l.clock.Now(),
	}
	if err := l.store.InsertIgnore(ctx, claim); err != nil {
		return coordinator.ClaimResult{}, fmt.Errorf("insert claim: %w", err)
	}

	row, err := l.store.Get(ctx, typ, value)
	if err != nil {
		return coordinator.ClaimResult{}, fmt.Errorf("read back claim: %w", err)
	}

	if row.Status == coordinator.ClaimProcessing && row.TaskID == taskID && row.WorkerID == workerID {
		metrics.ObserveClaim(string(typ), "new")
		l.logger.Debug("claim won",
			zap.String("type", string(typ)),
			zap.String("value", value),
			zap.String("worker_id", workerID),
		)
		return coordinator.ClaimResult{IsNew: true}, nil
	}

	result := coordinator.ClaimResult{IsNew: false}
	if row.Status == coordinator.ClaimCompleted {
		result.ResultRef = row.ResultRef
		metrics.ObserveClaim(string(typ), "shared")
	} else {
		metrics.ObserveClaim(string(typ), "duplicate")
	}
	return result, nil
}

// Complete transitions a processing claim to completed and stores the result
// reference. The write is conditional on the claim still being in processing;
// a failed guard is reported as applied=false, not an error, so retries by
// the owning worker stay idempotent.
func (l *Ledger) Complete(
	ctx context.Context,
	typ coordinator.IdentifierType,
	value string,
	resultRef string,
) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, fmt.Errorf("%w: identifier value is empty", coordinator.ErrValidation)
	}
	if resultRef == "" {
		return false, fmt.Errorf("%w: result reference is empty", coordinator.ErrValidation)
	}
	applied, err := l.store.SetStatus(ctx, typ, value, coordinator.ClaimCompleted, resultRef, l.clock.Now())
	if err != nil {
		return false, fmt.Errorf("complete claim: %w", err)
	}
	if !applied {
		l.logger.Debug("complete skipped, claim not in processing",
			zap.String("type", string(typ)),
			zap.String("value", value),
		)
	}
	return applied, nil
}

// Fail transitions a processing claim to failed. The error note is logged
// rather than persisted; failed identifiers keep their row, so later claims
// on the same identifier report IsNew=false with no result.
func (l *Ledger) Fail(
	ctx context.Context,
	typ coordinator.IdentifierType,
	value string,
	errorNote string,
) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, fmt.Errorf("%w: identifier value is empty", coordinator.ErrValidation)
	}
	applied, err := l.store.SetStatus(ctx, typ, value, coordinator.ClaimFailed, "", l.clock.Now())
	if err != nil {
		return false, fmt.Errorf("fail claim: %w", err)
	}
	if applied {
		l.logger.Warn("claim failed",
			zap.String("type", string(typ)),
			zap.String("value", value),
			zap.String("note", errorNote),
		)
	}
	return applied, nil
}

// Lookup returns the claim for an identifier. The second return is false
// when no claim exists; that is a normal condition, not an error.
func (l *Ledger) Lookup(
	ctx context.Context,
	typ coordinator.IdentifierType,
	value string,
) (coordinator.ResourceClaim, bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return coordinator.ResourceClaim{}, false, fmt.Errorf("%w: identifier value is empty", coordinator.ErrValidation)
	}
	row, err := l.store.Get(ctx, typ, value)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			return coordinator.ResourceClaim{}, false, nil
		}
		return coordinator.ResourceClaim{}, false, fmt.Errorf("lookup claim: %w", err)
	}
	return row, true, nil
}

func validIdentifierType(typ coordinator.IdentifierType) bool {
	switch typ {
	case coordinator.IdentifierDOI, coordinator.IdentifierPMID, coordinator.IdentifierArXiv, coordinator.IdentifierURL:
		return true
	default:
		return false
	}
}
