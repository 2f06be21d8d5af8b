package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/storage"
)

// TradeStore implements storage.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *Pool
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

const insertTradeQuery = `
	INSERT INTO trades (
		signature, mint, pool_address, side, sol_amount, token_amount,
		slot, timestamp_ms, source,
		virtual_sol_reserves, virtual_token_reserves,
		real_sol_reserves, real_token_reserves, reserve_source,
		price_sol, price_usd, market_cap_usd, market_cap_low_confidence
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
	)
`

const selectTradeColumns = `
	signature, mint, pool_address, side, sol_amount, token_amount,
	slot, timestamp_ms, source,
	virtual_sol_reserves, virtual_token_reserves,
	real_sol_reserves, real_token_reserves, reserve_source,
	price_sol, price_usd, market_cap_usd, market_cap_low_confidence
`

// Insert adds a single trade. Returns ErrDuplicateKey if the signature exists.
func (s *TradeStore) Insert(ctx context.Context, t *domain.TradeEvent) error {
	if t == nil || t.Signature == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, insertTradeQuery, tradeArgs(t)...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// InsertBulk adds multiple trades atomically. Fails the entire batch on any
// duplicate.
func (s *TradeStore) InsertBulk(ctx context.Context, trades []*domain.TradeEvent) error {
	if len(trades) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range trades {
		if t == nil || t.Signature == "" {
			return storage.ErrInvalidInput
		}
		_, err := tx.Exec(ctx, insertTradeQuery, tradeArgs(t)...)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert trade in bulk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetBySignature retrieves a trade by signature. Returns ErrNotFound if absent.
func (s *TradeStore) GetBySignature(ctx context.Context, signature string) (*domain.TradeEvent, error) {
	query := `SELECT ` + selectTradeColumns + ` FROM trades WHERE signature = $1`

	row := s.pool.QueryRow(ctx, query, signature)
	t, err := scanTrade(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get trade by signature: %w", err)
	}
	return t, nil
}

// GetByMint retrieves trades for a mint ordered by (timestamp, signature)
// ascending, at most limit rows (0 = no limit).
func (s *TradeStore) GetByMint(ctx context.Context, mint string, limit int) ([]*domain.TradeEvent, error) {
	query := `
		SELECT ` + selectTradeColumns + `
		FROM trades
		WHERE mint = $1
		ORDER BY timestamp_ms ASC, signature ASC
	`
	args := []any{mint}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get trades by mint: %w", err)
	}
	defer rows.Close()

	var trades []*domain.TradeEvent
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}

	return trades, nil
}

// tradeArgs flattens a trade into insert arguments. Unsigned amounts are
// stored as BIGINT; Solana lamport and base-unit amounts fit in 63 bits.
func tradeArgs(t *domain.TradeEvent) []any {
	return []any{
		t.Signature, t.Mint, t.PoolAddress, t.Side,
		int64(t.SolAmount), int64(t.TokenAmount),
		int64(t.Slot), t.Timestamp, string(t.Source),
		int64(t.VirtualSolReserves), int64(t.VirtualTokenReserves),
		int64(t.RealSolReserves), int64(t.RealTokenReserves), string(t.ReserveSource),
		t.PriceSOL, t.PriceUSD, t.MarketCapUSD, t.MarketCapLowConfidence,
	}
}

func scanTrade(row pgx.Row) (*domain.TradeEvent, error) {
	var t domain.TradeEvent
	var solAmount, tokenAmount, slot int64
	var vSol, vToken, rSol, rToken int64
	var source, reserveSource string

	err := row.Scan(
		&t.Signature, &t.Mint, &t.PoolAddress, &t.Side,
		&solAmount, &tokenAmount,
		&slot, &t.Timestamp, &source,
		&vSol, &vToken,
		&rSol, &rToken, &reserveSource,
		&t.PriceSOL, &t.PriceUSD, &t.MarketCapUSD, &t.MarketCapLowConfidence,
	)
	if err != nil {
		return nil, err
	}

	t.SolAmount = uint64(solAmount)
	t.TokenAmount = uint64(tokenAmount)
	t.Slot = uint64(slot)
	t.Source = domain.EventSource(source)
	t.VirtualSolReserves = uint64(vSol)
	t.VirtualTokenReserves = uint64(vToken)
	t.RealSolReserves = uint64(rSol)
	t.RealTokenReserves = uint64(rToken)
	t.ReserveSource = domain.ReserveSource(reserveSource)

	return &t, nil
}
