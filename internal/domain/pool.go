package domain

// Token supply and sanity ceilings, in base units.
//
// Bonding-curve launches mint a fixed 1,000,000,000 tokens with 6 decimals,
// so the hard ceiling for any token reserve figure is 1e15 base units.
// SOL reserves are capped at 100,000 SOL (1e14 lamports); anything beyond
// that is a decoding artifact, not a real pool.
const (
	TotalSupplyBaseUnits = 1_000_000_000_000_000 // 1e9 tokens * 1e6
	TokenDecimals        = 6
	LamportsPerSOL       = 1_000_000_000
	MaxSolReserves       = 100_000 * LamportsPerSOL
)

// PoolState is the authoritative per-market reserve snapshot.
// Keyed by PoolAddress with a secondary index TokenMint -> PoolAddress.
type PoolState struct {
	PoolAddress string
	TokenMint   string

	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
	RealSolReserves      uint64
	RealTokenReserves    uint64

	IsInitialized       bool
	LastUpdateTimestamp int64 // Unix milliseconds of the observation itself
	LastUpdateSlot      uint64

	// Source records whether the current reserves came from account bytes
	// (ground truth) or a trade-derived estimate.
	Source ReserveSource
}

// PoolStateUpdate is a partial update merged into an existing PoolState.
// Nil fields retain prior values.
type PoolStateUpdate struct {
	TokenMint *string

	VirtualSolReserves   *uint64
	VirtualTokenReserves *uint64
	RealSolReserves      *uint64
	RealTokenReserves    *uint64

	IsInitialized *bool

	Timestamp int64 // observation time, Unix milliseconds
	Slot      uint64
	Source    ReserveSource
}
