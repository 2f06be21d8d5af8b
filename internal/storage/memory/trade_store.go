// Package memory provides in-memory store implementations used by tests
// and by deployments that run without a database.
package memory

import (
	"context"
	"sort"
	"sync"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/storage"
)

// TradeStore is an in-memory implementation of storage.TradeStore.
type TradeStore struct {
	mu   sync.RWMutex
	data []*domain.TradeEvent
	keys map[string]bool // signature set
}

// NewTradeStore creates a new in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		data: make([]*domain.TradeEvent, 0),
		keys: make(map[string]bool),
	}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

// Insert adds a single trade. Returns ErrDuplicateKey if the signature exists.
func (s *TradeStore) Insert(_ context.Context, t *domain.TradeEvent) error {
	if t == nil || t.Signature == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys[t.Signature] {
		return storage.ErrDuplicateKey
	}

	cp := *t
	s.data = append(s.data, &cp)
	s.keys[t.Signature] = true

	return nil
}

// InsertBulk adds multiple trades atomically. Fails the entire batch on any
// duplicate, existing or intra-batch.
func (s *TradeStore) InsertBulk(_ context.Context, trades []*domain.TradeEvent) error {
	if len(trades) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]bool, len(trades))
	for _, t := range trades {
		if t == nil || t.Signature == "" {
			return storage.ErrInvalidInput
		}
		if s.keys[t.Signature] || batchKeys[t.Signature] {
			return storage.ErrDuplicateKey
		}
		batchKeys[t.Signature] = true
	}

	for _, t := range trades {
		cp := *t
		s.data = append(s.data, &cp)
		s.keys[t.Signature] = true
	}

	return nil
}

// GetBySignature retrieves a trade by signature. Returns ErrNotFound if absent.
func (s *TradeStore) GetBySignature(_ context.Context, signature string) (*domain.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.data {
		if t.Signature == signature {
			cp := *t
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// GetByMint retrieves trades for a mint ordered by (timestamp, signature)
// ascending, at most limit rows (0 = no limit).
func (s *TradeStore) GetByMint(_ context.Context, mint string, limit int) ([]*domain.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeEvent
	for _, t := range s.data {
		if t.Mint == mint {
			cp := *t
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp < result[j].Timestamp
		}
		return result[i].Signature < result[j].Signature
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
