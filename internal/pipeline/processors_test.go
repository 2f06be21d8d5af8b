package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/observability"
	"solana-pool-watch/internal/storage/memory"
)

type stubProcessor struct {
	name      string
	eventType domain.EventType
	failUntil int // fail this many attempts per event before succeeding

	mu       sync.Mutex
	attempts map[string]int
	done     map[string]bool
}

func newStubProcessor(name string, t domain.EventType, failUntil int) *stubProcessor {
	return &stubProcessor{
		name:      name,
		eventType: t,
		failUntil: failUntil,
		attempts:  make(map[string]int),
		done:      make(map[string]bool),
	}
}

func (p *stubProcessor) Name() string { return p.name }

func (p *stubProcessor) Handles(t domain.EventType) bool { return t == p.eventType }

func (p *stubProcessor) Process(_ context.Context, ev domain.NormalizedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[ev.ID]++
	if p.attempts[ev.ID] <= p.failUntil {
		return errors.New("transient failure")
	}
	p.done[ev.ID] = true
	return nil
}

func (p *stubProcessor) processed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done[id]
}

func (p *stubProcessor) attemptCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[id]
}

func newTestDispatcher(t *testing.T, procs ...Processor) *Dispatcher {
	t.Helper()
	d := NewDispatcher(DispatcherConfig{Workers: 4, MaxRetries: 3, RetryDelay: time.Millisecond},
		procs, observability.NewMetrics("test_dispatcher"), zaptest.NewLogger(t))
	t.Cleanup(d.Stop)
	return d
}

func TestDispatcher_RoutesByEventType(t *testing.T) {
	trades := newStubProcessor("trades", domain.EventTypeTrade, 0)
	liq := newStubProcessor("liquidity", domain.EventTypeLiquidity, 0)
	d := newTestDispatcher(t, trades, liq)

	d.Dispatch(context.Background(), []domain.NormalizedEvent{
		{ID: "t1", Type: domain.EventTypeTrade},
		{ID: "l1", Type: domain.EventTypeLiquidity},
	})

	assert.True(t, trades.processed("t1"))
	assert.False(t, trades.processed("l1"))
	assert.True(t, liq.processed("l1"))
	assert.Zero(t, liq.attemptCount("t1"))
}

func TestDispatcher_RetriesUpToCap(t *testing.T) {
	flaky := newStubProcessor("flaky", domain.EventTypeTrade, 2)
	d := newTestDispatcher(t, flaky)

	d.Dispatch(context.Background(), []domain.NormalizedEvent{{ID: "t1", Type: domain.EventTypeTrade}})

	assert.True(t, flaky.processed("t1"), "third attempt should succeed")
	assert.Equal(t, 3, flaky.attemptCount("t1"))
}

func TestDispatcher_DropsAfterExhaustedRetries(t *testing.T) {
	broken := newStubProcessor("broken", domain.EventTypeTrade, 100)
	d := newTestDispatcher(t, broken)

	d.Dispatch(context.Background(), []domain.NormalizedEvent{{ID: "t1", Type: domain.EventTypeTrade}})

	assert.False(t, broken.processed("t1"))
	assert.Equal(t, 3, broken.attemptCount("t1"), "capped at MaxRetries")
}

func TestDispatcher_FailuresIsolatedFromSiblings(t *testing.T) {
	broken := newStubProcessor("broken", domain.EventTypeTrade, 100)
	healthy := newStubProcessor("healthy", domain.EventTypeTrade, 0)
	d := newTestDispatcher(t, broken, healthy)

	d.Dispatch(context.Background(), []domain.NormalizedEvent{
		{ID: "t1", Type: domain.EventTypeTrade},
		{ID: "t2", Type: domain.EventTypeTrade},
	})

	// The broken processor never succeeds, but the healthy sibling handles
	// every event regardless.
	assert.True(t, healthy.processed("t1"))
	assert.True(t, healthy.processed("t2"))
}

func TestPersistProcessor_ToleratesDuplicates(t *testing.T) {
	store := memory.NewTradeStore()
	p := NewPersistProcessor(store)
	ctx := context.Background()

	ev := domain.NormalizedEvent{
		ID:   "ev1",
		Type: domain.EventTypeTrade,
		Payload: &domain.TradeEvent{
			Signature: "sig1",
			Mint:      "mintA",
		},
	}

	require.NoError(t, p.Process(ctx, ev))
	// Reconnect replays deliver the same signature again.
	require.NoError(t, p.Process(ctx, ev))

	got, err := store.GetBySignature(ctx, "sig1")
	require.NoError(t, err)
	assert.Equal(t, "mintA", got.Mint)
}

type poolRegistry struct {
	mu    sync.Mutex
	pools map[string]string
}

func (r *poolRegistry) RegisterPool(poolAddress, tokenMint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pools == nil {
		r.pools = make(map[string]string)
	}
	r.pools[poolAddress] = tokenMint
}

func TestLifecycleProcessor_RegistersGraduationPool(t *testing.T) {
	reg := &poolRegistry{}
	p := NewLifecycleProcessor(reg, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, domain.NormalizedEvent{
		Type: domain.EventTypeLiquidity,
		Payload: &domain.LiquidityEvent{
			Mint:        "mintA",
			PoolAddress: "poolA",
			Kind:        domain.LiquidityKindGraduation,
		},
	}))
	assert.Equal(t, "mintA", reg.pools["poolA"])

	// Plain liquidity adds do not register pools.
	require.NoError(t, p.Process(ctx, domain.NormalizedEvent{
		Type: domain.EventTypeLiquidity,
		Payload: &domain.LiquidityEvent{
			Mint:        "mintB",
			PoolAddress: "poolB",
			Kind:        domain.LiquidityKindAdd,
		},
	}))
	_, registered := reg.pools["poolB"]
	assert.False(t, registered)
}
