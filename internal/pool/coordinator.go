// Package pool maintains the authoritative in-memory view of per-market
// reserves and enriches trade events that arrive without reserve data.
package pool

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/events"
	"solana-pool-watch/internal/reserves"
)

// SpotPriceSource supplies the base-asset fiat price. Implementations return
// the last-known value and never block; zero means unknown.
type SpotPriceSource interface {
	SolPriceUSD() float64
}

// Config tunes the coordinator.
type Config struct {
	// Retention is how long a pool entry may go without an update before
	// the eviction sweep removes it.
	Retention time.Duration
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{Retention: 24 * time.Hour}
}

// Coordinator owns the poolAddress -> PoolState map and the
// tokenMint -> poolAddress index. State is mutated only through its methods;
// readers always receive value copies, never references into the maps.
type Coordinator struct {
	cfg    Config
	bus    *events.Bus
	spot   SpotPriceSource
	logger *zap.Logger

	states    *xsync.Map[string, domain.PoolState] // poolAddress -> state
	mintIndex *xsync.Map[string, string]           // tokenMint -> poolAddress
}

// NewCoordinator creates a coordinator publishing state changes on bus.
func NewCoordinator(cfg Config, bus *events.Bus, spot SpotPriceSource, logger *zap.Logger) *Coordinator {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Coordinator{
		cfg:       cfg,
		bus:       bus,
		spot:      spot,
		logger:    logger.With(zap.String("component", "pool_coordinator")),
		states:    xsync.NewMap[string, domain.PoolState](),
		mintIndex: xsync.NewMap[string, string](),
	}
}

// RegisterPool initializes empty state for a pool if none exists.
// Idempotent.
func (c *Coordinator) RegisterPool(poolAddress, tokenMint string) {
	if poolAddress == "" {
		return
	}
	c.states.LoadOrStore(poolAddress, domain.PoolState{
		PoolAddress: poolAddress,
		TokenMint:   tokenMint,
		Source:      domain.ReserveSourceNone,
	})
	if tokenMint != "" {
		c.mintIndex.Store(tokenMint, poolAddress)
	}
}

// Update merges a partial state update into the pool's entry. Fields absent
// from the update retain prior values. Ordering is judged by the update's
// own timestamp, not arrival order, and account-derived observations always
// beat trade-derived estimates for the same cycle.
func (c *Coordinator) Update(poolAddress string, u domain.PoolStateUpdate) {
	if poolAddress == "" {
		return
	}

	var published *domain.PoolState
	c.states.Compute(poolAddress, func(prev domain.PoolState, loaded bool) (domain.PoolState, xsync.ComputeOp) {
		if loaded && !supersedes(u, prev) {
			return prev, xsync.CancelOp
		}

		next := prev
		if !loaded {
			next = domain.PoolState{PoolAddress: poolAddress, Source: domain.ReserveSourceNone}
		}
		applyUpdate(&next, u)
		if next == prev {
			return prev, xsync.CancelOp
		}
		published = &next
		return next, xsync.UpdateOp
	})

	if published == nil {
		return
	}
	if published.TokenMint != "" {
		c.mintIndex.Store(published.TokenMint, poolAddress)
	}
	c.bus.PublishPoolStateChanged(*published)
}

// supersedes reports whether update u may overwrite state prev.
func supersedes(u domain.PoolStateUpdate, prev domain.PoolState) bool {
	if prev.Source == domain.ReserveSourceNone {
		return true
	}
	if u.Source == domain.ReserveSourceAccount {
		// Ground truth loses only to newer ground truth.
		return prev.Source != domain.ReserveSourceAccount || u.Timestamp >= prev.LastUpdateTimestamp
	}
	// Estimates never overwrite account state and never move time backwards.
	return prev.Source != domain.ReserveSourceAccount && u.Timestamp >= prev.LastUpdateTimestamp
}

func applyUpdate(s *domain.PoolState, u domain.PoolStateUpdate) {
	if u.TokenMint != nil {
		s.TokenMint = *u.TokenMint
	}
	if u.VirtualSolReserves != nil {
		s.VirtualSolReserves = *u.VirtualSolReserves
	}
	if u.VirtualTokenReserves != nil {
		s.VirtualTokenReserves = *u.VirtualTokenReserves
	}
	if u.RealSolReserves != nil {
		s.RealSolReserves = *u.RealSolReserves
	}
	if u.RealTokenReserves != nil {
		s.RealTokenReserves = *u.RealTokenReserves
	}
	if u.IsInitialized != nil {
		s.IsInitialized = *u.IsInitialized
	}
	s.LastUpdateTimestamp = u.Timestamp
	s.LastUpdateSlot = u.Slot
	s.Source = u.Source
}

// StateForPool returns a copy of the pool's state.
func (c *Coordinator) StateForPool(poolAddress string) (domain.PoolState, bool) {
	return c.states.Load(poolAddress)
}

// StateForMint resolves the mint through the secondary index and returns a
// copy of the pool's state.
func (c *Coordinator) StateForMint(tokenMint string) (domain.PoolState, bool) {
	poolAddress, ok := c.mintIndex.Load(tokenMint)
	if !ok {
		return domain.PoolState{}, false
	}
	return c.states.Load(poolAddress)
}

// EnrichTrade attaches reserve data and derived pricing to a trade that
// arrived without them. Preference order: reserves already on the trade,
// then the coordinator's account-derived state, then a constant-product
// estimate advanced from the cached state. When nothing is available a
// PoolDataNeeded request is published and the trade stays unenriched;
// callers must treat missing reserves as unknown. Idempotent for trades
// that already carry valid reserves and pricing.
func (c *Coordinator) EnrichTrade(t *domain.TradeEvent) {
	if t == nil {
		return
	}

	if t.HasValidReserves() {
		if reserves.Validate(c.tradeReserves(t)) == nil {
			if t.ReserveSource == "" {
				// Reserves embedded in the program's own event data are
				// account-grade ground truth.
				t.ReserveSource = domain.ReserveSourceAccount
			}
			c.finishEnrichment(t)
			// Program-emitted reserves are ground truth: feed them back so
			// later sparse trades on this market can be enriched.
			c.absorbTradeReserves(t)
			return
		}
		// Carried reserves failed validation: treat as absent.
		t.ReserveSource = domain.ReserveSourceNone
	}

	state, ok := c.lookupState(t)
	if !ok || state.Source == domain.ReserveSourceNone {
		c.bus.PublishPoolDataNeeded(events.PoolDataNeeded{
			TokenMint:   t.Mint,
			PoolAddress: t.PoolAddress,
		})
		return
	}

	cached := reserves.VirtualReserves{
		SolReserves:   state.VirtualSolReserves,
		TokenReserves: state.VirtualTokenReserves,
	}

	if state.Source == domain.ReserveSourceAccount && reserves.Validate(cached) == nil {
		t.VirtualSolReserves = cached.SolReserves
		t.VirtualTokenReserves = cached.TokenReserves
		t.RealSolReserves = state.RealSolReserves
		t.RealTokenReserves = state.RealTokenReserves
		t.ReserveSource = domain.ReserveSourceAccount
		c.finishEnrichment(t)
		return
	}

	// Fall back to advancing the cached estimate by this trade's deltas.
	next, err := reserves.ApplyTrade(cached, t.SolAmount, t.TokenAmount, t.Side == domain.TradeSideBuy)
	if err != nil || reserves.Validate(next) != nil {
		c.bus.PublishPoolDataNeeded(events.PoolDataNeeded{
			TokenMint:   t.Mint,
			PoolAddress: t.PoolAddress,
		})
		return
	}

	t.VirtualSolReserves = next.SolReserves
	t.VirtualTokenReserves = next.TokenReserves
	t.ReserveSource = domain.ReserveSourceEstimate
	c.finishEnrichment(t)
	c.absorbTradeReserves(t)
}

// lookupState resolves a trade's market by pool address first, mint second.
func (c *Coordinator) lookupState(t *domain.TradeEvent) (domain.PoolState, bool) {
	if t.PoolAddress != "" {
		if s, ok := c.states.Load(t.PoolAddress); ok {
			return s, true
		}
	}
	if t.Mint != "" {
		return c.StateForMint(t.Mint)
	}
	return domain.PoolState{}, false
}

func (c *Coordinator) tradeReserves(t *domain.TradeEvent) reserves.VirtualReserves {
	return reserves.VirtualReserves{
		SolReserves:   t.VirtualSolReserves,
		TokenReserves: t.VirtualTokenReserves,
	}
}

// finishEnrichment derives price and market cap once reserves are known.
func (c *Coordinator) finishEnrichment(t *domain.TradeEvent) {
	if t.PriceSOL != 0 {
		return
	}
	var solUSD float64
	if c.spot != nil {
		solUSD = c.spot.SolPriceUSD()
	}
	q := reserves.Price(c.tradeReserves(t), solUSD)
	t.PriceSOL = q.PriceSOL
	t.PriceUSD = q.PriceUSD

	mc := reserves.EstimateMarketCap(c.tradeReserves(t), solUSD)
	t.MarketCapUSD = mc.USD
	t.MarketCapLowConfidence = mc.LowConfidence
}

// absorbTradeReserves writes a trade's reserves back into the cache.
func (c *Coordinator) absorbTradeReserves(t *domain.TradeEvent) {
	if t.PoolAddress == "" && t.Mint == "" {
		return
	}
	poolAddress := t.PoolAddress
	if poolAddress == "" {
		// Mint-only trades update through the index when known.
		var ok bool
		poolAddress, ok = c.mintIndex.Load(t.Mint)
		if !ok {
			return
		}
	}

	source := t.ReserveSource
	if source == domain.ReserveSourceNone {
		return
	}
	mint := t.Mint
	update := domain.PoolStateUpdate{
		VirtualSolReserves:   &t.VirtualSolReserves,
		VirtualTokenReserves: &t.VirtualTokenReserves,
		Timestamp:            t.Timestamp,
		Slot:                 t.Slot,
		Source:               source,
	}
	if mint != "" {
		update.TokenMint = &mint
	}
	if t.RealSolReserves > 0 || t.RealTokenReserves > 0 {
		update.RealSolReserves = &t.RealSolReserves
		update.RealTokenReserves = &t.RealTokenReserves
	}
	c.Update(poolAddress, update)
}

// Sweep evicts entries whose last update is older than the retention
// window, clearing forward and reverse index entries together. Returns the
// number of evicted pools.
func (c *Coordinator) Sweep(now time.Time) int {
	cutoff := now.Add(-c.cfg.Retention).UnixMilli()
	evicted := 0
	c.states.Range(func(poolAddress string, s domain.PoolState) bool {
		if s.LastUpdateTimestamp >= cutoff {
			return true
		}
		c.states.Delete(poolAddress)
		if s.TokenMint != "" {
			c.mintIndex.Delete(s.TokenMint)
		}
		evicted++
		return true
	})
	if evicted > 0 {
		c.logger.Info("evicted stale pool state", zap.Int("pools", evicted))
	}
	return evicted
}

// Len returns the number of tracked pools.
func (c *Coordinator) Len() int { return c.states.Size() }
