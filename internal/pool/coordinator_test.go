package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/events"
)

type fixedSpot float64

func (f fixedSpot) SolPriceUSD() float64 { return float64(f) }

func newTestCoordinator(t *testing.T) (*Coordinator, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	return NewCoordinator(DefaultConfig(), bus, fixedSpot(150), zaptest.NewLogger(t)), bus
}

func uptr(v uint64) *uint64 { return &v }
func sptr(v string) *string { return &v }
func bptr(v bool) *bool     { return &v }

func accountUpdate(mint string, sol, token uint64, ts int64) domain.PoolStateUpdate {
	return domain.PoolStateUpdate{
		TokenMint:            sptr(mint),
		VirtualSolReserves:   uptr(sol),
		VirtualTokenReserves: uptr(token),
		IsInitialized:        bptr(true),
		Timestamp:            ts,
		Slot:                 100,
		Source:               domain.ReserveSourceAccount,
	}
}

func TestRegisterPool_Idempotent(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.RegisterPool("pool1", "mint1")
	c.RegisterPool("pool1", "mint1")

	require.Equal(t, 1, c.Len())
	s, ok := c.StateForMint("mint1")
	require.True(t, ok)
	assert.Equal(t, "pool1", s.PoolAddress)
	assert.False(t, s.IsInitialized)
}

func TestUpdate_MergesPartialFields(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Update("pool1", accountUpdate("mint1", 42_000_000_000, 500_000_000_000_000, 1000))
	// Partial update: only real reserves, mint and virtuals retained.
	c.Update("pool1", domain.PoolStateUpdate{
		RealSolReserves:   uptr(40_000_000_000),
		RealTokenReserves: uptr(490_000_000_000_000),
		Timestamp:         2000,
		Slot:              101,
		Source:            domain.ReserveSourceAccount,
	})

	s, ok := c.StateForPool("pool1")
	require.True(t, ok)
	assert.Equal(t, "mint1", s.TokenMint)
	assert.Equal(t, uint64(42_000_000_000), s.VirtualSolReserves)
	assert.Equal(t, uint64(40_000_000_000), s.RealSolReserves)
	assert.Equal(t, int64(2000), s.LastUpdateTimestamp)
	assert.Equal(t, uint64(101), s.LastUpdateSlot)
}

func TestUpdate_AccountBeatsEstimate(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Update("pool1", accountUpdate("mint1", 42_000_000_000, 500_000_000_000_000, 2000))

	// A newer trade-derived estimate must not overwrite ground truth.
	est := accountUpdate("mint1", 1, 1, 3000)
	est.Source = domain.ReserveSourceEstimate
	c.Update("pool1", est)

	s, _ := c.StateForPool("pool1")
	assert.Equal(t, domain.ReserveSourceAccount, s.Source)
	assert.Equal(t, uint64(42_000_000_000), s.VirtualSolReserves)
}

func TestUpdate_OlderAccountObservationIgnored(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Update("pool1", accountUpdate("mint1", 43_000_000_000, 490_000_000_000_000, 2000))
	// Reordered delivery: an older observation arrives late.
	c.Update("pool1", accountUpdate("mint1", 42_000_000_000, 500_000_000_000_000, 1000))

	s, _ := c.StateForPool("pool1")
	assert.Equal(t, uint64(43_000_000_000), s.VirtualSolReserves)
	assert.Equal(t, int64(2000), s.LastUpdateTimestamp)
}

func TestUpdate_PublishesStateChanged(t *testing.T) {
	c, bus := newTestCoordinator(t)

	var got []domain.PoolState
	bus.OnPoolStateChanged(func(s domain.PoolState) { got = append(got, s) })

	c.Update("pool1", accountUpdate("mint1", 42_000_000_000, 500_000_000_000_000, 1000))
	// Identical replay publishes nothing.
	c.Update("pool1", accountUpdate("mint1", 42_000_000_000, 500_000_000_000_000, 1000))

	require.Len(t, got, 1)
	assert.Equal(t, "pool1", got[0].PoolAddress)
}

func TestEnrichTrade_AlreadyEnrichedIsNoop(t *testing.T) {
	c, _ := newTestCoordinator(t)

	trade := &domain.TradeEvent{
		Signature:            "sig1",
		Mint:                 "mint1",
		PoolAddress:          "pool1",
		Side:                 domain.TradeSideBuy,
		SolAmount:            1_000_000_000,
		VirtualSolReserves:   42_000_000_000,
		VirtualTokenReserves: 500_000_000_000_000,
		ReserveSource:        domain.ReserveSourceAccount,
		Timestamp:            1000,
	}

	c.EnrichTrade(trade)
	first := *trade
	require.Greater(t, first.PriceSOL, 0.0)

	c.EnrichTrade(trade)
	assert.Equal(t, first, *trade)
}

func TestEnrichTrade_PrefersAccountState(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.Update("pool1", accountUpdate("mint1", 42_000_000_000, 500_000_000_000_000, 1000))

	trade := &domain.TradeEvent{
		Signature:   "sig1",
		Mint:        "mint1",
		PoolAddress: "pool1",
		Side:        domain.TradeSideBuy,
		SolAmount:   1_000_000_000,
		Timestamp:   2000,
	}
	c.EnrichTrade(trade)

	assert.Equal(t, domain.ReserveSourceAccount, trade.ReserveSource)
	assert.Equal(t, uint64(42_000_000_000), trade.VirtualSolReserves)
	assert.Greater(t, trade.PriceSOL, 0.0)
	assert.Greater(t, trade.MarketCapUSD, 0.0)
}

func TestEnrichTrade_FallsBackToEstimate(t *testing.T) {
	c, _ := newTestCoordinator(t)

	est := accountUpdate("mint1", 42_000_000_000, 500_000_000_000_000, 1000)
	est.Source = domain.ReserveSourceEstimate
	c.Update("pool1", est)

	trade := &domain.TradeEvent{
		Signature:   "sig1",
		Mint:        "mint1",
		PoolAddress: "pool1",
		Side:        domain.TradeSideBuy,
		SolAmount:   1_000_000_000,
		Timestamp:   2000,
	}
	c.EnrichTrade(trade)

	assert.Equal(t, domain.ReserveSourceEstimate, trade.ReserveSource)
	assert.Equal(t, uint64(43_000_000_000), trade.VirtualSolReserves)
	assert.Less(t, trade.VirtualTokenReserves, uint64(500_000_000_000_000))

	// The advanced estimate is written back to the cache.
	s, _ := c.StateForPool("pool1")
	assert.Equal(t, uint64(43_000_000_000), s.VirtualSolReserves)
}

func TestEnrichTrade_NoStatePublishesPoolDataNeeded(t *testing.T) {
	c, bus := newTestCoordinator(t)

	var requests []events.PoolDataNeeded
	bus.OnPoolDataNeeded(func(r events.PoolDataNeeded) { requests = append(requests, r) })

	trade := &domain.TradeEvent{
		Signature: "sig1",
		Mint:      "mint1",
		Side:      domain.TradeSideBuy,
		SolAmount: 1_000_000_000,
	}
	c.EnrichTrade(trade)

	assert.Equal(t, domain.ReserveSource(""), trade.ReserveSource)
	assert.False(t, trade.HasValidReserves())
	require.Len(t, requests, 1)
	assert.Equal(t, "mint1", requests[0].TokenMint)
}

func TestSweep_EvictsStaleEntries(t *testing.T) {
	c, _ := newTestCoordinator(t)
	now := time.Now()

	c.Update("stale", accountUpdate("mint-stale", 1_000_000_000, 1_000_000_000_000, now.Add(-25*time.Hour).UnixMilli()))
	c.Update("fresh", accountUpdate("mint-fresh", 1_000_000_000, 1_000_000_000_000, now.Add(-1*time.Hour).UnixMilli()))

	evicted := c.Sweep(now)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, c.Len())

	_, ok := c.StateForMint("mint-stale")
	assert.False(t, ok)
	_, ok = c.StateForMint("mint-fresh")
	assert.True(t, ok)
}
