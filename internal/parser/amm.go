package parser

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"

	"solana-pool-watch/internal/domain"
)

// AMM ray_log discriminators.
const (
	ammDiscDeposit     = 0x03
	ammDiscWithdraw    = 0x04
	ammDiscSwapBaseIn  = 0x09
	ammDiscSwapBaseOut = 0x0b
)

// ammRayLogStrategy decodes the AMM program's "ray_log: <base64>" records.
// Primary AMM strategy: records carry the pool, both mints, and exact
// amounts.
type ammRayLogStrategy struct {
	rayLogPattern *regexp.Regexp
}

func newAMMRayLogStrategy() *ammRayLogStrategy {
	return &ammRayLogStrategy{
		rayLogPattern: regexp.MustCompile(`ray_log: ([A-Za-z0-9+/=]+)`),
	}
}

func (s *ammRayLogStrategy) Name() string { return "amm_ray_log" }

// Swap record layout, little-endian:
// disc(1) pool(32) inputMint(32) outputMint(32) amountIn(8) amountOut(8)
const ammSwapRecordLen = 1 + 32 + 32 + 32 + 8 + 8

// Liquidity record layout:
// disc(1) pool(32) mint(32) tokenAmount(8) solAmount(8)
const ammLiquidityRecordLen = 1 + 32 + 32 + 8 + 8

func (s *ammRayLogStrategy) Parse(tx RawTransaction) ([]domain.Payload, error) {
	var payloads []domain.Payload
	inProgram := false

	for _, log := range tx.Logs {
		switch {
		case strings.HasPrefix(log, "Program "+AMMProgram+" invoke"):
			inProgram = true
			continue
		case strings.HasPrefix(log, "Program "+AMMProgram+" success"),
			strings.HasPrefix(log, "Program "+AMMProgram+" failed"):
			inProgram = false
			continue
		}
		if !inProgram {
			continue
		}

		matches := s.rayLogPattern.FindStringSubmatch(log)
		if matches == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(matches[1])
		if err != nil || len(data) == 0 {
			return nil, fmt.Errorf("%w: bad ray_log encoding", ErrDecode)
		}

		switch data[0] {
		case ammDiscSwapBaseIn, ammDiscSwapBaseOut:
			trade, err := s.decodeSwap(data, tx)
			if err != nil {
				return nil, err
			}
			payloads = append(payloads, trade)
		case ammDiscDeposit, ammDiscWithdraw:
			liq, err := s.decodeLiquidity(data, tx)
			if err != nil {
				return nil, err
			}
			payloads = append(payloads, liq)
		}
	}
	return payloads, nil
}

func (s *ammRayLogStrategy) decodeSwap(data []byte, tx RawTransaction) (*domain.TradeEvent, error) {
	if len(data) < ammSwapRecordLen {
		return nil, fmt.Errorf("%w: swap record truncated at %d bytes", ErrDecode, len(data))
	}
	pool := base58.Encode(data[1:33])
	inputMint := base58.Encode(data[33:65])
	outputMint := base58.Encode(data[65:97])
	amountIn := binary.LittleEndian.Uint64(data[97:105])
	amountOut := binary.LittleEndian.Uint64(data[105:113])

	// SOL in means a buy of the token; SOL out means a sell.
	trade := &domain.TradeEvent{
		Signature:   tx.Signature,
		PoolAddress: pool,
		Slot:        tx.Slot,
		Timestamp:   tx.Timestamp,
	}
	switch {
	case inputMint == WSOL:
		trade.Side = domain.TradeSideBuy
		trade.Mint = outputMint
		trade.SolAmount = amountIn
		trade.TokenAmount = amountOut
	case outputMint == WSOL:
		trade.Side = domain.TradeSideSell
		trade.Mint = inputMint
		trade.SolAmount = amountOut
		trade.TokenAmount = amountIn
	default:
		return nil, fmt.Errorf("%w: non-SOL pair %s/%s", ErrDecode, inputMint, outputMint)
	}
	return trade, nil
}

func (s *ammRayLogStrategy) decodeLiquidity(data []byte, tx RawTransaction) (*domain.LiquidityEvent, error) {
	if len(data) < ammLiquidityRecordLen {
		return nil, fmt.Errorf("%w: liquidity record truncated at %d bytes", ErrDecode, len(data))
	}
	kind := domain.LiquidityKindAdd
	if data[0] == ammDiscWithdraw {
		kind = domain.LiquidityKindRemove
	}
	return &domain.LiquidityEvent{
		Signature:   tx.Signature,
		PoolAddress: base58.Encode(data[1:33]),
		Mint:        base58.Encode(data[33:65]),
		Kind:        kind,
		TokenAmount: binary.LittleEndian.Uint64(data[65:73]),
		SolAmount:   binary.LittleEndian.Uint64(data[73:81]),
		Slot:        tx.Slot,
		Timestamp:   tx.Timestamp,
	}, nil
}

// ammPoolAccountIndex is where the swap instruction's account list carries
// the pool address.
const ammPoolAccountIndex = 1

// ammAccountsStrategy is the heuristic fallback for AMM transactions without
// ray_log records: textual instruction lines plus the account-key layout.
type ammAccountsStrategy struct {
	swapPattern   *regexp.Regexp
	amountPattern *regexp.Regexp
}

func newAMMAccountsStrategy() *ammAccountsStrategy {
	return &ammAccountsStrategy{
		swapPattern:   regexp.MustCompile(`Program log: Instruction: Swap`),
		amountPattern: regexp.MustCompile(`(amount_in|amount_out)[=:]\s*(\d+)`),
	}
}

func (s *ammAccountsStrategy) Name() string { return "amm_accounts" }

func (s *ammAccountsStrategy) Parse(tx RawTransaction) ([]domain.Payload, error) {
	sawSwap := false
	amounts := make(map[string]uint64)
	for _, log := range tx.Logs {
		if s.swapPattern.MatchString(log) {
			sawSwap = true
		}
		for _, m := range s.amountPattern.FindAllStringSubmatch(log, -1) {
			if v, err := strconv.ParseUint(m[2], 10, 64); err == nil {
				amounts[m[1]] = v
			}
		}
	}
	if !sawSwap {
		return nil, nil
	}
	if len(tx.AccountKeys) <= ammPoolAccountIndex {
		return nil, fmt.Errorf("%w: swap without account keys", ErrDecode)
	}

	mint := findTokenMint(tx.AccountKeys)
	if mint == "" {
		return nil, fmt.Errorf("%w: no token mint among account keys", ErrDecode)
	}

	// Without the record data the direction is unknown; amount_in carrying
	// lamport-scale values suggests SOL in. Default to buy.
	return []domain.Payload{&domain.TradeEvent{
		Signature:   tx.Signature,
		Mint:        mint,
		PoolAddress: tx.AccountKeys[ammPoolAccountIndex],
		Side:        domain.TradeSideBuy,
		SolAmount:   amounts["amount_in"],
		TokenAmount: amounts["amount_out"],
		Slot:        tx.Slot,
		Timestamp:   tx.Timestamp,
	}}, nil
}

// findTokenMint scans account keys for the first plausible non-WSOL mint.
func findTokenMint(accountKeys []string) string {
	for _, key := range accountKeys[ammPoolAccountIndex+1:] {
		if key == WSOL || key == AMMProgram || key == BondingCurveProgram {
			continue
		}
		if validAddress(key) {
			return key
		}
	}
	return ""
}
