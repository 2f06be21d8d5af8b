// Package storage defines the persistence interfaces the pipeline writes
// through. Implementations live in the memory, postgres, and clickhouse
// subpackages; callers depend only on these interfaces.
package storage

import (
	"context"

	"solana-pool-watch/internal/domain"
)

// TradeStore persists decoded trades. Append-only: a signature is written
// once, re-inserting it returns ErrDuplicateKey.
type TradeStore interface {
	// Insert adds a single trade. Returns ErrDuplicateKey if the
	// signature already exists.
	Insert(ctx context.Context, t *domain.TradeEvent) error

	// InsertBulk adds multiple trades atomically. Fails the entire batch
	// on any duplicate.
	InsertBulk(ctx context.Context, trades []*domain.TradeEvent) error

	// GetBySignature retrieves a trade by transaction signature.
	// Returns ErrNotFound if absent.
	GetBySignature(ctx context.Context, signature string) (*domain.TradeEvent, error)

	// GetByMint retrieves trades for a mint ordered by (timestamp,
	// signature) ascending, at most limit rows (0 = no limit).
	GetByMint(ctx context.Context, mint string, limit int) ([]*domain.TradeEvent, error)
}

// ForkEventStore persists detected chain divergences.
type ForkEventStore interface {
	// Insert adds a fork event. Returns ErrDuplicateKey if the ID exists.
	Insert(ctx context.Context, f *domain.ForkEvent) error

	// GetRecent retrieves the most recent fork events, newest first, at
	// most limit rows (0 = no limit).
	GetRecent(ctx context.Context, limit int) ([]*domain.ForkEvent, error)
}
