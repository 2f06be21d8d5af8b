package postgres

import (
	"context"
	"fmt"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/storage"
)

// ForkEventStore implements storage.ForkEventStore using PostgreSQL.
type ForkEventStore struct {
	pool *Pool
}

// NewForkEventStore creates a new ForkEventStore.
func NewForkEventStore(pool *Pool) *ForkEventStore {
	return &ForkEventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ForkEventStore = (*ForkEventStore)(nil)

// Insert adds a fork event. Returns ErrDuplicateKey if the ID exists.
func (s *ForkEventStore) Insert(ctx context.Context, f *domain.ForkEvent) error {
	if f == nil || f.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO fork_events (
			id, detected_at, fork_point,
			orphaned_slots, canonical_slots, affected_transactions,
			severity, low_confidence, resolved
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.pool.Exec(ctx, query,
		f.ID,
		f.DetectedAt,
		int64(f.ForkPoint),
		slotsToInt64(f.OrphanedBranch.Slots),
		slotsToInt64(f.CanonicalBranch.Slots),
		f.AffectedTransactions,
		string(f.Severity),
		f.LowConfidence,
		f.Resolved,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert fork event: %w", err)
	}
	return nil
}

// GetRecent retrieves fork events newest first, at most limit rows
// (0 = no limit).
func (s *ForkEventStore) GetRecent(ctx context.Context, limit int) ([]*domain.ForkEvent, error) {
	query := `
		SELECT id, detected_at, fork_point,
			orphaned_slots, canonical_slots, affected_transactions,
			severity, low_confidence, resolved
		FROM fork_events
		ORDER BY detected_at DESC, id DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get recent fork events: %w", err)
	}
	defer rows.Close()

	var forks []*domain.ForkEvent
	for rows.Next() {
		var f domain.ForkEvent
		var forkPoint int64
		var orphaned, canonical []int64
		var severity string

		err := rows.Scan(
			&f.ID, &f.DetectedAt, &forkPoint,
			&orphaned, &canonical, &f.AffectedTransactions,
			&severity, &f.LowConfidence, &f.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fork event row: %w", err)
		}

		f.ForkPoint = uint64(forkPoint)
		f.OrphanedBranch = branchFromSlots(orphaned)
		f.CanonicalBranch = branchFromSlots(canonical)
		f.Severity = domain.ForkSeverity(severity)
		forks = append(forks, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fork event rows: %w", err)
	}

	return forks, nil
}

func slotsToInt64(slots []uint64) []int64 {
	out := make([]int64, len(slots))
	for i, s := range slots {
		out[i] = int64(s)
	}
	return out
}

// branchFromSlots rebuilds a Branch from its stored slot list. Slots are
// persisted in ascending order, so start and end are the bounds.
func branchFromSlots(slots []int64) domain.Branch {
	b := domain.Branch{Slots: make([]uint64, len(slots))}
	for i, s := range slots {
		b.Slots[i] = uint64(s)
	}
	if len(b.Slots) > 0 {
		b.StartSlot = b.Slots[0]
		b.EndSlot = b.Slots[len(b.Slots)-1]
	}
	return b
}
