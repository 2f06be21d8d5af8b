// Package pipeline converts parsed payloads into normalized events, batches
// them, and fans them out to processors. The orchestrator wires the stages
// together and owns their lifecycles.
package pipeline

import (
	"errors"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/idhash"
)

// ErrUnknownPayload is returned when a payload kind falls outside the closed
// union.
var ErrUnknownPayload = errors.New("unknown payload kind")

// Event priorities, higher first. Pool state carries ground-truth reserves
// and outranks everything derived from it.
const (
	priorityPoolState = 3
	priorityTrade     = 2
	priorityLiquidity = 2
	priorityLifecycle = 1
	priorityMEV       = 1
)

// Normalizer stamps payloads into immutable NormalizedEvents.
type Normalizer struct {
	monitorID string
}

// NewNormalizer creates a normalizer tagging events with monitorID.
func NewNormalizer(monitorID string) *Normalizer {
	return &Normalizer{monitorID: monitorID}
}

// Normalize wraps a payload into a NormalizedEvent. Identity derives from
// the transaction signature and event type; account-derived pool snapshots
// have no signature and derive from (pool, slot, type) instead.
func (n *Normalizer) Normalize(programID string, p domain.Payload) (domain.NormalizedEvent, error) {
	eventType := p.EventType()

	var (
		id        string
		source    domain.EventSource
		signature string
		slot      uint64
		timestamp int64
		priority  int
	)

	switch v := p.(type) {
	case *domain.TradeEvent:
		signature, slot, timestamp = v.Signature, v.Slot, v.Timestamp
		source = v.Source
		priority = priorityTrade
	case *domain.LiquidityEvent:
		signature, slot, timestamp = v.Signature, v.Slot, v.Timestamp
		source = v.Source
		priority = priorityLiquidity
	case *domain.PoolStateEvent:
		slot, timestamp = v.Slot, v.Timestamp
		source = sourceForState(v.State)
		id = idhash.ComputeAccountEventID(v.State.PoolAddress, v.Slot, string(eventType))
		priority = priorityPoolState
	case *domain.TokenLifecycleEvent:
		signature, slot, timestamp = v.Signature, v.Slot, v.Timestamp
		source = domain.SourceBondingCurve
		priority = priorityLifecycle
	case *domain.MEVEvent:
		slot, timestamp = v.Slot, v.Timestamp
		if len(v.Signatures) > 0 {
			signature = v.Signatures[0]
		}
		priority = priorityMEV
	default:
		return domain.NormalizedEvent{}, ErrUnknownPayload
	}

	if id == "" {
		id = idhash.ComputeEventID(signature, string(eventType))
	}

	return domain.NormalizedEvent{
		ID:        id,
		Type:      eventType,
		Source:    source,
		Timestamp: timestamp,
		Payload:   p,
		Metadata: domain.EventMetadata{
			ProgramID: programID,
			Signature: signature,
			Slot:      slot,
			MonitorID: n.monitorID,
			Priority:  priority,
		},
	}, nil
}

// sourceForState infers the market kind of a pool snapshot. Graduated pools
// live on the AMM; everything still initializing is a bonding curve.
func sourceForState(s domain.PoolState) domain.EventSource {
	if s.IsInitialized {
		return domain.SourceAMMPool
	}
	return domain.SourceBondingCurve
}
