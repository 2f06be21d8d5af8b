package parser

import (
	"encoding/binary"
	"fmt"
)

// CurveAccount is the decoded state of a bonding-curve account. Account bytes
// are the ground truth for reserves; trades only estimate them.
type CurveAccount struct {
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
	TokenTotalSupply     uint64

	// Complete is set once the curve has graduated to an AMM pool.
	Complete bool
}

// Layout: disc(8) virtualToken(8) virtualSol(8) realToken(8) realSol(8)
// totalSupply(8) complete(1).
const curveAccountLen = 8 + 5*8 + 1

var curveAccountDisc = [8]byte{0x17, 0xb7, 0xf8, 0x37, 0x60, 0xd8, 0xac, 0x60}

// DecodeCurveAccount decodes bonding-curve account bytes.
func DecodeCurveAccount(data []byte) (CurveAccount, error) {
	if len(data) < curveAccountLen {
		return CurveAccount{}, fmt.Errorf("%w: curve account truncated at %d bytes", ErrDecode, len(data))
	}
	if [8]byte(data[:8]) != curveAccountDisc {
		return CurveAccount{}, fmt.Errorf("%w: not a curve account", ErrDecode)
	}

	return CurveAccount{
		VirtualTokenReserves: binary.LittleEndian.Uint64(data[8:16]),
		VirtualSolReserves:   binary.LittleEndian.Uint64(data[16:24]),
		RealTokenReserves:    binary.LittleEndian.Uint64(data[24:32]),
		RealSolReserves:      binary.LittleEndian.Uint64(data[32:40]),
		TokenTotalSupply:     binary.LittleEndian.Uint64(data[40:48]),
		Complete:             data[48] != 0,
	}, nil
}
