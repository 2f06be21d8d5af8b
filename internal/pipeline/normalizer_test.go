package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-pool-watch/internal/domain"
)

func TestNormalize_TradeEvent(t *testing.T) {
	n := NewNormalizer("monitor-1")

	trade := &domain.TradeEvent{
		Signature: "sig1",
		Mint:      "mintA",
		Side:      domain.TradeSideBuy,
		Slot:      1000,
		Timestamp: 1234,
		Source:    domain.SourceBondingCurve,
	}

	ev, err := n.Normalize("program1", trade)
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, domain.EventTypeTrade, ev.Type)
	assert.Equal(t, domain.SourceBondingCurve, ev.Source)
	assert.Equal(t, int64(1234), ev.Timestamp)
	assert.Same(t, trade, ev.Payload)
	assert.Equal(t, "program1", ev.Metadata.ProgramID)
	assert.Equal(t, "sig1", ev.Metadata.Signature)
	assert.Equal(t, uint64(1000), ev.Metadata.Slot)
	assert.Equal(t, "monitor-1", ev.Metadata.MonitorID)
	assert.Equal(t, priorityTrade, ev.Metadata.Priority)
}

func TestNormalize_IdentityIsDeterministic(t *testing.T) {
	n := NewNormalizer("monitor-1")

	a, err := n.Normalize("p", &domain.TradeEvent{Signature: "sig1"})
	require.NoError(t, err)
	b, err := n.Normalize("p", &domain.TradeEvent{Signature: "sig1", Mint: "other"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "same signature and type must hash to the same ID")

	// A different event type on the same signature is a distinct event.
	c, err := n.Normalize("p", &domain.LiquidityEvent{Signature: "sig1"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestNormalize_PoolStateHasNoSignature(t *testing.T) {
	n := NewNormalizer("monitor-1")

	ev, err := n.Normalize("p", &domain.PoolStateEvent{
		State: domain.PoolState{PoolAddress: "pool1"},
		Slot:  1000,
	})
	require.NoError(t, err)
	assert.Empty(t, ev.Metadata.Signature)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, priorityPoolState, ev.Metadata.Priority)

	// Same pool, different slot: different identity.
	other, err := n.Normalize("p", &domain.PoolStateEvent{
		State: domain.PoolState{PoolAddress: "pool1"},
		Slot:  1001,
	})
	require.NoError(t, err)
	assert.NotEqual(t, ev.ID, other.ID)
}

func TestNormalize_PoolStateSource(t *testing.T) {
	n := NewNormalizer("monitor-1")

	curve, err := n.Normalize("p", &domain.PoolStateEvent{
		State: domain.PoolState{PoolAddress: "pool1", IsInitialized: false},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceBondingCurve, curve.Source)

	amm, err := n.Normalize("p", &domain.PoolStateEvent{
		State: domain.PoolState{PoolAddress: "pool1", IsInitialized: true},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceAMMPool, amm.Source)
}

func TestNormalize_MEVUsesFirstSignature(t *testing.T) {
	n := NewNormalizer("monitor-1")

	ev, err := n.Normalize("p", &domain.MEVEvent{
		Kind:       "sandwich",
		Signatures: []string{"front", "victim", "back"},
		Slot:       1000,
	})
	require.NoError(t, err)
	assert.Equal(t, "front", ev.Metadata.Signature)
	assert.Equal(t, domain.EventTypeMEV, ev.Type)
}
