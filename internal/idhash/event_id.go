package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeEventID computes a deterministic event ID using SHA256.
// Formula: SHA256(signature|event_type); account-derived events without a
// signature pass their pool address and slot through the signature slot.
// Returns hex-encoded hash (64 characters).
func ComputeEventID(signature, eventType string) string {
	data := fmt.Sprintf("%s|%s", signature, eventType)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeAccountEventID derives an event ID for account-update events,
// which carry no transaction signature.
func ComputeAccountEventID(poolAddress string, slot uint64, eventType string) string {
	return ComputeEventID(fmt.Sprintf("%s@%d", poolAddress, slot), eventType)
}
