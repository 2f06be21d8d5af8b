package clickhouse

import (
	"context"
	"fmt"

	"solana-pool-watch/internal/domain"
)

// TradeArchiveStore is an append-only analytics archive of enriched trades.
// MergeTree does not enforce uniqueness; the archive tolerates replayed rows
// and dedupes at query time when needed.
type TradeArchiveStore struct {
	conn *Conn
}

// NewTradeArchiveStore creates a new TradeArchiveStore.
func NewTradeArchiveStore(conn *Conn) *TradeArchiveStore {
	return &TradeArchiveStore{conn: conn}
}

// InsertBatch appends trades to the archive in one native batch.
func (s *TradeArchiveStore) InsertBatch(ctx context.Context, trades []*domain.TradeEvent) error {
	if len(trades) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trade_archive (
			signature, mint, pool_address, side, sol_amount, token_amount,
			slot, timestamp_ms, source,
			virtual_sol_reserves, virtual_token_reserves, reserve_source,
			price_sol, price_usd, market_cap_usd
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, t := range trades {
		err = batch.Append(
			t.Signature, t.Mint, t.PoolAddress, t.Side,
			t.SolAmount, t.TokenAmount,
			t.Slot, uint64(t.Timestamp), string(t.Source),
			t.VirtualSolReserves, t.VirtualTokenReserves, string(t.ReserveSource),
			t.PriceSOL, t.PriceUSD, t.MarketCapUSD,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByMint retrieves archived trades for a mint ordered by timestamp ASC.
func (s *TradeArchiveStore) GetByMint(ctx context.Context, mint string) ([]*domain.TradeEvent, error) {
	query := `
		SELECT signature, mint, pool_address, side, sol_amount, token_amount,
			slot, timestamp_ms, source,
			virtual_sol_reserves, virtual_token_reserves, reserve_source,
			price_sol, price_usd, market_cap_usd
		FROM trade_archive
		WHERE mint = ?
		ORDER BY timestamp_ms ASC, signature ASC
	`

	rows, err := s.conn.Query(ctx, query, mint)
	if err != nil {
		return nil, fmt.Errorf("query archive by mint: %w", err)
	}
	defer rows.Close()

	var trades []*domain.TradeEvent
	for rows.Next() {
		var t domain.TradeEvent
		var timestampMs uint64
		var source, reserveSource string

		err := rows.Scan(
			&t.Signature, &t.Mint, &t.PoolAddress, &t.Side,
			&t.SolAmount, &t.TokenAmount,
			&t.Slot, &timestampMs, &source,
			&t.VirtualSolReserves, &t.VirtualTokenReserves, &reserveSource,
			&t.PriceSOL, &t.PriceUSD, &t.MarketCapUSD,
		)
		if err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}

		t.Timestamp = int64(timestampMs)
		t.Source = domain.EventSource(source)
		t.ReserveSource = domain.ReserveSource(reserveSource)
		trades = append(trades, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive rows: %w", err)
	}

	return trades, nil
}

// VolumeByMint sums archived SOL volume per mint over [start, end) in
// timestamp milliseconds.
func (s *TradeArchiveStore) VolumeByMint(ctx context.Context, mint string, start, end int64) (uint64, error) {
	query := `
		SELECT sum(sol_amount) FROM trade_archive
		WHERE mint = ? AND timestamp_ms >= ? AND timestamp_ms < ?
	`

	var volume uint64
	err := s.conn.QueryRow(ctx, query, mint, uint64(start), uint64(end)).Scan(&volume)
	if err != nil {
		return 0, fmt.Errorf("sum archive volume: %w", err)
	}
	return volume, nil
}
