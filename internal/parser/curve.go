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

// Bonding-curve event-data discriminators.
const (
	curveDiscTrade    = 0x01
	curveDiscCreate   = 0x02
	curveDiscGraduate = 0x03
)

// curveEventStrategy decodes the binary event records the bonding-curve
// program appends to its logs as "Program data: <base64>". This is the
// primary strategy: the records carry exact amounts and post-trade reserves.
type curveEventStrategy struct {
	dataPattern *regexp.Regexp
}

func newCurveEventStrategy() *curveEventStrategy {
	return &curveEventStrategy{
		dataPattern: regexp.MustCompile(`^Program data: ([A-Za-z0-9+/=]+)$`),
	}
}

func (s *curveEventStrategy) Name() string { return "curve_event" }

func (s *curveEventStrategy) Parse(tx RawTransaction) ([]domain.Payload, error) {
	var payloads []domain.Payload
	inProgram := false

	for _, log := range tx.Logs {
		switch {
		case strings.HasPrefix(log, "Program "+BondingCurveProgram+" invoke"):
			inProgram = true
			continue
		case strings.HasPrefix(log, "Program "+BondingCurveProgram+" success"),
			strings.HasPrefix(log, "Program "+BondingCurveProgram+" failed"):
			inProgram = false
			continue
		}
		if !inProgram {
			continue
		}

		matches := s.dataPattern.FindStringSubmatch(log)
		if matches == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(matches[1])
		if err != nil || len(data) == 0 {
			return nil, fmt.Errorf("%w: bad event data encoding", ErrDecode)
		}

		p, err := s.decodeRecord(data, tx)
		if err != nil {
			return nil, err
		}
		if p != nil {
			payloads = append(payloads, p)
		}
	}
	return payloads, nil
}

// Trade record layout, little-endian:
// disc(1) mint(32) solAmount(8) tokenAmount(8) isBuy(1)
// virtualSol(8) virtualToken(8) realSol(8) realToken(8)
const curveTradeRecordLen = 1 + 32 + 8 + 8 + 1 + 8 + 8 + 8 + 8

func (s *curveEventStrategy) decodeRecord(data []byte, tx RawTransaction) (domain.Payload, error) {
	switch data[0] {
	case curveDiscTrade:
		if len(data) < curveTradeRecordLen {
			return nil, fmt.Errorf("%w: trade record truncated at %d bytes", ErrDecode, len(data))
		}
		mint := base58.Encode(data[1:33])
		side := domain.TradeSideSell
		if data[49] != 0 {
			side = domain.TradeSideBuy
		}
		return &domain.TradeEvent{
			Signature:            tx.Signature,
			Mint:                 mint,
			Side:                 side,
			SolAmount:            binary.LittleEndian.Uint64(data[33:41]),
			TokenAmount:          binary.LittleEndian.Uint64(data[41:49]),
			Slot:                 tx.Slot,
			Timestamp:            tx.Timestamp,
			VirtualSolReserves:   binary.LittleEndian.Uint64(data[50:58]),
			VirtualTokenReserves: binary.LittleEndian.Uint64(data[58:66]),
			RealSolReserves:      binary.LittleEndian.Uint64(data[66:74]),
			RealTokenReserves:    binary.LittleEndian.Uint64(data[74:82]),
		}, nil

	case curveDiscCreate:
		// disc(1) mint(32) creator(32) nameLen(4) name symbolLen(4) symbol
		if len(data) < 1+32+32+4 {
			return nil, fmt.Errorf("%w: create record truncated at %d bytes", ErrDecode, len(data))
		}
		mint := base58.Encode(data[1:33])
		creator := base58.Encode(data[33:65])
		name, rest, err := readString(data[65:])
		if err != nil {
			return nil, err
		}
		symbol, _, err := readString(rest)
		if err != nil {
			return nil, err
		}
		return &domain.TokenLifecycleEvent{
			Signature: tx.Signature,
			Mint:      mint,
			Kind:      domain.LifecycleKindCreate,
			Name:      name,
			Symbol:    symbol,
			Creator:   creator,
			Slot:      tx.Slot,
			Timestamp: tx.Timestamp,
		}, nil

	case curveDiscGraduate:
		// disc(1) mint(32) pool(32)
		if len(data) < 1+32+32 {
			return nil, fmt.Errorf("%w: graduate record truncated at %d bytes", ErrDecode, len(data))
		}
		return &domain.LiquidityEvent{
			Signature:   tx.Signature,
			Mint:        base58.Encode(data[1:33]),
			PoolAddress: base58.Encode(data[33:65]),
			Kind:        domain.LiquidityKindGraduation,
			Slot:        tx.Slot,
			Timestamp:   tx.Timestamp,
		}, nil
	}
	// Unrecognized discriminators are other program events, not errors.
	return nil, nil
}

// readString decodes a u32-length-prefixed string.
func readString(data []byte) (s string, rest []byte, err error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("%w: string length missing", ErrDecode)
	}
	n := binary.LittleEndian.Uint32(data)
	if int(n) > len(data)-4 {
		return "", nil, fmt.Errorf("%w: string overruns record", ErrDecode)
	}
	return string(data[4 : 4+n]), data[4+n:], nil
}

// curveLogStrategy is the textual fallback for bonding-curve transactions
// whose event records are absent or unparseable. It pattern-matches the
// program's human-readable log lines.
type curveLogStrategy struct {
	mintPattern   *regexp.Regexp
	fieldPattern  *regexp.Regexp
	buyPattern    *regexp.Regexp
	sellPattern   *regexp.Regexp
	createPattern *regexp.Regexp
}

func newCurveLogStrategy() *curveLogStrategy {
	return &curveLogStrategy{
		mintPattern:   regexp.MustCompile(`mint[=:]\s*([1-9A-HJ-NP-Za-km-z]{32,44})`),
		fieldPattern:  regexp.MustCompile(`(sol_amount|token_amount|virtual_sol_reserves|virtual_token_reserves)[=:]\s*(\d+)`),
		buyPattern:    regexp.MustCompile(`Program log: Instruction: Buy`),
		sellPattern:   regexp.MustCompile(`Program log: Instruction: Sell`),
		createPattern: regexp.MustCompile(`Program log: Instruction: Create`),
	}
}

func (s *curveLogStrategy) Name() string { return "curve_log" }

func (s *curveLogStrategy) Parse(tx RawTransaction) ([]domain.Payload, error) {
	var payloads []domain.Payload

	inProgram := false
	var mint string
	fields := make(map[string]uint64)
	var side string
	var sawCreate bool

	flush := func() {
		if mint == "" || !validAddress(mint) {
			return
		}
		if sawCreate {
			payloads = append(payloads, &domain.TokenLifecycleEvent{
				Signature: tx.Signature,
				Mint:      mint,
				Kind:      domain.LifecycleKindCreate,
				Slot:      tx.Slot,
				Timestamp: tx.Timestamp,
			})
		}
		if side != "" {
			payloads = append(payloads, &domain.TradeEvent{
				Signature:            tx.Signature,
				Mint:                 mint,
				Side:                 side,
				SolAmount:            fields["sol_amount"],
				TokenAmount:          fields["token_amount"],
				Slot:                 tx.Slot,
				Timestamp:            tx.Timestamp,
				VirtualSolReserves:   fields["virtual_sol_reserves"],
				VirtualTokenReserves: fields["virtual_token_reserves"],
			})
		}
	}
	reset := func() {
		mint = ""
		side = ""
		sawCreate = false
		fields = make(map[string]uint64)
	}

	for _, log := range tx.Logs {
		switch {
		case strings.HasPrefix(log, "Program "+BondingCurveProgram+" invoke"):
			inProgram = true
			reset()
			continue
		case strings.HasPrefix(log, "Program "+BondingCurveProgram+" success"):
			flush()
			inProgram = false
			continue
		case strings.HasPrefix(log, "Program "+BondingCurveProgram+" failed"):
			inProgram = false
			reset()
			continue
		}
		if !inProgram {
			continue
		}

		if m := s.mintPattern.FindStringSubmatch(log); m != nil {
			mint = m[1]
		}
		for _, m := range s.fieldPattern.FindAllStringSubmatch(log, -1) {
			if v, err := strconv.ParseUint(m[2], 10, 64); err == nil {
				fields[m[1]] = v
			}
		}
		switch {
		case s.buyPattern.MatchString(log):
			side = domain.TradeSideBuy
		case s.sellPattern.MatchString(log):
			side = domain.TradeSideSell
		case s.createPattern.MatchString(log):
			sawCreate = true
		}
	}
	return payloads, nil
}
