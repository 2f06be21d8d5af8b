package memory

import (
	"context"
	"sort"
	"sync"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/storage"
)

// ForkEventStore is an in-memory implementation of storage.ForkEventStore.
type ForkEventStore struct {
	mu   sync.RWMutex
	data []*domain.ForkEvent
	keys map[string]bool // ID set
}

// NewForkEventStore creates a new in-memory fork event store.
func NewForkEventStore() *ForkEventStore {
	return &ForkEventStore{
		data: make([]*domain.ForkEvent, 0),
		keys: make(map[string]bool),
	}
}

// Compile-time interface check.
var _ storage.ForkEventStore = (*ForkEventStore)(nil)

// Insert adds a fork event. Returns ErrDuplicateKey if the ID exists.
func (s *ForkEventStore) Insert(_ context.Context, f *domain.ForkEvent) error {
	if f == nil || f.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys[f.ID] {
		return storage.ErrDuplicateKey
	}

	cp := *f
	cp.OrphanedBranch.Slots = append([]uint64(nil), f.OrphanedBranch.Slots...)
	cp.CanonicalBranch.Slots = append([]uint64(nil), f.CanonicalBranch.Slots...)
	cp.AffectedTransactions = append([]string(nil), f.AffectedTransactions...)
	s.data = append(s.data, &cp)
	s.keys[f.ID] = true

	return nil
}

// GetRecent retrieves fork events newest first, at most limit rows
// (0 = no limit).
func (s *ForkEventStore) GetRecent(_ context.Context, limit int) ([]*domain.ForkEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ForkEvent, 0, len(s.data))
	for _, f := range s.data {
		cp := *f
		cp.OrphanedBranch.Slots = append([]uint64(nil), f.OrphanedBranch.Slots...)
		cp.CanonicalBranch.Slots = append([]uint64(nil), f.CanonicalBranch.Slots...)
		cp.AffectedTransactions = append([]string(nil), f.AffectedTransactions...)
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].DetectedAt != result[j].DetectedAt {
			return result[i].DetectedAt > result[j].DetectedAt
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
