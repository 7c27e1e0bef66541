// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

type claimKey struct {
	typ   coordinator.IdentifierType
	value string
}

// ClaimStore is an in-memory coordinator.ClaimStore. The mutex stands in for
// the relational store's unique constraint: InsertIgnore holds it across the
// existence check and insert, preserving the conflict-ignore semantics that
// claim safety depends on.
type ClaimStore struct {
	mu     sync.Mutex
	claims map[claimKey]coordinator.ResourceClaim
}

// NewClaimStore constructs a ClaimStore.
func NewClaimStore() *ClaimStore {
	return &ClaimStore{claims: make(map[claimKey]coordinator.ResourceClaim)}
}

// InsertIgnore inserts the claim unless one already exists for the
// identifier; conflicts are silently ignored.
func (s *ClaimStore) InsertIgnore(_ context.Context, claim coordinator.ResourceClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := claimKey{typ: claim.Type, value: claim.Value}
	if _, exists := s.claims[key]; exists {
		return nil
	}
	s.claims[key] = claim
	return nil
}

// Get returns the claim for an identifier or coordinator.ErrNotFound.
func (s *ClaimStore) Get(_ context.Context, typ coordinator.IdentifierType, value string) (coordinator.ResourceClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[claimKey{typ: typ, value: value}]
	if !ok {
		return coordinator.ResourceClaim{}, coordinator.ErrNotFound
	}
	return claim, nil
}

// SetStatus conditionally transitions a processing claim.
func (s *ClaimStore) SetStatus(
	_ context.Context,
	typ coordinator.IdentifierType,
	value string,
	status coordinator.ClaimStatus,
	resultRef string,
	at time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := claimKey{typ: typ, value: value}
	claim, ok := s.claims[key]
	if !ok || claim.Status != coordinator.ClaimProcessing {
		return false, nil
	}
	claim.Status = status
	claim.ResultRef = resultRef
	completed := at
	claim.CompletedAt = &completed
	s.claims[key] = claim
	return true, nil
}
