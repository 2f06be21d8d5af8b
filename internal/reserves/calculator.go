// Package reserves implements constant-product reserve math for bonding
// curves and AMM pools. All arithmetic is done on uint64 base units with the
// invariant product widened to 128 bits, so no multiply can silently
// overflow.
package reserves

import (
	"errors"
	"math/bits"

	"solana-pool-watch/internal/domain"
)

var (
	// ErrZeroReserves is returned when either reserve is zero.
	ErrZeroReserves = errors.New("reserves must be positive")

	// ErrExceedsSupply is returned when token reserves exceed the total
	// supply ceiling.
	ErrExceedsSupply = errors.New("token reserves exceed total supply")

	// ErrSolTooLarge is returned when SOL reserves exceed the sanity ceiling.
	ErrSolTooLarge = errors.New("sol reserves exceed sanity ceiling")

	// ErrOverflow is returned when a reserve update would overflow uint64.
	ErrOverflow = errors.New("reserve arithmetic overflow")
)

// VirtualReserves is the pair of reserve quantities used by the pricing
// formula. They may exceed the pool's literal on-chain balances by design.
type VirtualReserves struct {
	SolReserves   uint64 // lamports
	TokenReserves uint64 // token base units
}

// Validate rejects reserve pairs that must not be used for pricing:
// zero values, token reserves beyond total supply, SOL reserves beyond the
// sanity ceiling. Callers treat a failed validation as "do not use this
// estimate", not as fatal.
func Validate(r VirtualReserves) error {
	if r.SolReserves == 0 || r.TokenReserves == 0 {
		return ErrZeroReserves
	}
	if r.TokenReserves > domain.TotalSupplyBaseUnits {
		return ErrExceedsSupply
	}
	if r.SolReserves > domain.MaxSolReserves {
		return ErrSolTooLarge
	}
	return nil
}

// ApplyTrade computes the reserves after a trade under the constant-product
// invariant k = sol * token. On a buy, SOL reserves grow by solDelta and
// token reserves become k / newSol; on a sell, token reserves grow by
// tokenDelta and SOL reserves become k / newToken.
//
// If the recomputed token reserves would exceed the total-supply ceiling
// they are clamped to it and SOL reserves are recomputed from the pre-trade
// k, preventing one bad input from cascading into runaway state.
func ApplyTrade(r VirtualReserves, solDelta, tokenDelta uint64, isBuy bool) (VirtualReserves, error) {
	if r.SolReserves == 0 || r.TokenReserves == 0 {
		return VirtualReserves{}, ErrZeroReserves
	}

	// k as a 128-bit product; a 64-bit multiply here would corrupt state
	// for large pools.
	kHi, kLo := bits.Mul64(r.SolReserves, r.TokenReserves)

	if isBuy {
		newSol := r.SolReserves + solDelta
		if newSol < r.SolReserves {
			return VirtualReserves{}, ErrOverflow
		}
		newToken, overflowed := div128(kHi, kLo, newSol)
		if overflowed || newToken > domain.TotalSupplyBaseUnits {
			return clampToSupply(kHi, kLo)
		}
		return VirtualReserves{SolReserves: newSol, TokenReserves: newToken}, nil
	}

	newToken := r.TokenReserves + tokenDelta
	if newToken < r.TokenReserves {
		return VirtualReserves{}, ErrOverflow
	}
	if newToken > domain.TotalSupplyBaseUnits {
		return clampToSupply(kHi, kLo)
	}
	newSol, overflowed := div128(kHi, kLo, newToken)
	if overflowed {
		return VirtualReserves{}, ErrOverflow
	}
	return VirtualReserves{SolReserves: newSol, TokenReserves: newToken}, nil
}

// clampToSupply pins token reserves to the supply ceiling and recomputes SOL
// reserves from the preserved k.
func clampToSupply(kHi, kLo uint64) (VirtualReserves, error) {
	newSol, overflowed := div128(kHi, kLo, domain.TotalSupplyBaseUnits)
	if overflowed {
		return VirtualReserves{}, ErrOverflow
	}
	return VirtualReserves{SolReserves: newSol, TokenReserves: domain.TotalSupplyBaseUnits}, nil
}

// div128 divides the 128-bit value (hi, lo) by d, reporting overflow when
// the quotient does not fit in 64 bits. bits.Div64 panics in that case, so
// the guard comes first.
func div128(hi, lo, d uint64) (quo uint64, overflowed bool) {
	if d == 0 || hi >= d {
		return 0, true
	}
	quo, _ = bits.Div64(hi, lo, d)
	return quo, false
}

// Quote is a point-in-time price derived from reserves.
type Quote struct {
	PriceSOL float64 // SOL per whole token
	PriceUSD float64 // via the external spot price; 0 when solUSD unknown
}

// Price derives the instantaneous price from reserves and an external SOL
// spot price. A stale or missing spot price yields PriceUSD == 0 rather
// than blocking.
func Price(r VirtualReserves, solUSD float64) Quote {
	if r.SolReserves == 0 || r.TokenReserves == 0 {
		return Quote{}
	}
	sol := float64(r.SolReserves) / float64(domain.LamportsPerSOL)
	tokens := float64(r.TokenReserves) / tokenUnit
	priceSOL := sol / tokens
	return Quote{
		PriceSOL: priceSOL,
		PriceUSD: priceSOL * solUSD,
	}
}

const tokenUnit = 1_000_000 // 10^domain.TokenDecimals

// fallbackCirculatingRatio approximates circulating supply when pool-held
// reserves are implausibly close to total supply and the subtraction would
// be dominated by precision loss. Placeholder policy pending product review;
// results using it are flagged low confidence.
const fallbackCirculatingRatio = 0.46

// poolShareFallbackThreshold is the pool-held fraction of total supply above
// which the fallback ratio is applied.
const poolShareFallbackThreshold = 0.93

// MarketCap is an estimated market capitalization.
type MarketCap struct {
	USD               float64
	CirculatingSupply float64 // whole tokens
	LowConfidence     bool
}

// EstimateMarketCap multiplies price by estimated circulating supply
// (total supply minus pool-held reserves). When the pool holds nearly the
// whole supply the fixed fallback ratio is used instead and the result is
// flagged low confidence.
func EstimateMarketCap(r VirtualReserves, solUSD float64) MarketCap {
	q := Price(r, solUSD)
	if q.PriceSOL == 0 {
		return MarketCap{}
	}

	totalTokens := float64(domain.TotalSupplyBaseUnits) / tokenUnit
	poolTokens := float64(r.TokenReserves) / tokenUnit

	var circulating float64
	lowConfidence := false
	if poolTokens >= totalTokens*poolShareFallbackThreshold {
		circulating = totalTokens * fallbackCirculatingRatio
		lowConfidence = true
	} else {
		circulating = totalTokens - poolTokens
	}

	return MarketCap{
		USD:               q.PriceUSD * circulating,
		CirculatingSupply: circulating,
		LowConfidence:     lowConfidence,
	}
}
