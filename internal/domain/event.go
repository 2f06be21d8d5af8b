package domain

// EventType classifies a normalized event.
type EventType string

const (
	EventTypeTokenLifecycle EventType = "token_lifecycle"
	EventTypeTrade          EventType = "trade"
	EventTypeLiquidity      EventType = "liquidity"
	EventTypePoolState      EventType = "pool_state"
	EventTypeMEV            EventType = "mev"
	EventTypeUnknown        EventType = "unknown"
)

// EventSource identifies which market kind produced an event.
type EventSource string

const (
	SourceBondingCurve EventSource = "bonding_curve"
	SourceAMMPool      EventSource = "amm_pool"
	SourceExternalAMM  EventSource = "external_amm"
)

// EventMetadata carries routing information attached by the normalizer.
type EventMetadata struct {
	ProgramID string // program that emitted the event
	Signature string // transaction signature, empty for account-derived events
	Slot      uint64
	MonitorID string // which monitor produced the raw event
	Priority  int    // processing priority, higher first
}

// Payload is the closed set of event payload kinds. Processors resolve the
// concrete type with a type switch; there is no generic data bag.
type Payload interface {
	EventType() EventType
}

// NormalizedEvent is the single shape all monitor events are converted into.
// Immutable once created; identity is ID (derived from signature+type).
type NormalizedEvent struct {
	ID        string
	Type      EventType
	Source    EventSource
	Timestamp int64 // Unix milliseconds
	Payload   Payload
	Metadata  EventMetadata
}

// TradeSide constants.
const (
	TradeSideBuy  = "buy"
	TradeSideSell = "sell"
)

// ReserveSource records where a trade's reserve figures came from.
type ReserveSource string

const (
	// ReserveSourceAccount means reserves were read from on-chain account
	// bytes. Ground truth.
	ReserveSourceAccount ReserveSource = "account"
	// ReserveSourceEstimate means reserves were derived from trade deltas
	// via the constant-product calculator. Best effort until ground truth
	// arrives.
	ReserveSourceEstimate ReserveSource = "trade_estimate"
	// ReserveSourceNone means no reserve data is available. Consumers must
	// treat missing reserves as unknown, not zero.
	ReserveSourceNone ReserveSource = "none"
)

// TradeEvent is a decoded buy or sell against a bonding curve or AMM pool.
// Amounts are base units (lamports for SOL, token base units for tokens).
type TradeEvent struct {
	Signature   string
	Mint        string
	PoolAddress string
	Side        string // TradeSideBuy | TradeSideSell
	SolAmount   uint64
	TokenAmount uint64
	Slot        uint64
	Timestamp   int64 // Unix milliseconds
	Source      EventSource

	// Reserve enrichment. Zero reserves with ReserveSourceNone mean the
	// trade arrived without reserve data and none could be attached.
	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
	RealSolReserves      uint64
	RealTokenReserves    uint64
	ReserveSource        ReserveSource

	// Derived pricing, populated during enrichment when reserves are known.
	PriceSOL               float64
	PriceUSD               float64
	MarketCapUSD           float64
	MarketCapLowConfidence bool
}

func (*TradeEvent) EventType() EventType { return EventTypeTrade }

// HasValidReserves reports whether the trade carries usable reserve figures.
func (t *TradeEvent) HasValidReserves() bool {
	return t.ReserveSource != ReserveSourceNone &&
		t.VirtualSolReserves > 0 && t.VirtualTokenReserves > 0
}

// Liquidity event kinds.
const (
	LiquidityKindAdd        = "add"
	LiquidityKindRemove     = "remove"
	LiquidityKindGraduation = "graduation"
)

// LiquidityEvent is a liquidity add/remove or a bonding-curve graduation.
type LiquidityEvent struct {
	Signature   string
	Mint        string
	PoolAddress string
	Kind        string
	SolAmount   uint64
	TokenAmount uint64
	Slot        uint64
	Timestamp   int64
	Source      EventSource
}

func (*LiquidityEvent) EventType() EventType { return EventTypeLiquidity }

// PoolStateEvent carries a full pool-state snapshot observed from account
// bytes or assembled by the coordinator after an update.
type PoolStateEvent struct {
	State     PoolState
	Slot      uint64
	Timestamp int64
}

func (*PoolStateEvent) EventType() EventType { return EventTypePoolState }

// Token lifecycle kinds.
const (
	LifecycleKindCreate   = "create"
	LifecycleKindGraduate = "graduate"
)

// TokenLifecycleEvent marks token creation on the bonding curve or its
// graduation to an AMM pool.
type TokenLifecycleEvent struct {
	Signature string
	Mint      string
	Kind      string
	Name      string
	Symbol    string
	Creator   string
	Slot      uint64
	Timestamp int64
}

func (*TokenLifecycleEvent) EventType() EventType { return EventTypeTokenLifecycle }

// MEVEvent flags a suspected sandwich or other MEV pattern around a trade.
type MEVEvent struct {
	Kind       string // "sandwich"
	Signatures []string
	Mint       string
	Slot       uint64
	Timestamp  int64
}

func (*MEVEvent) EventType() EventType { return EventTypeMEV }
