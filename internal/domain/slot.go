package domain

// SlotStatus is the commitment level of an observed slot.
type SlotStatus string

const (
	SlotStatusProcessed SlotStatus = "processed"
	SlotStatusConfirmed SlotStatus = "confirmed"
	SlotStatusFinalized SlotStatus = "finalized"
)

// rank orders commitment levels so duplicate notifications never move a slot
// backwards.
func (s SlotStatus) rank() int {
	switch s {
	case SlotStatusProcessed:
		return 1
	case SlotStatusConfirmed:
		return 2
	case SlotStatusFinalized:
		return 3
	}
	return 0
}

// AtLeast reports whether s is the same or a later commitment level than o.
func (s SlotStatus) AtLeast(o SlotStatus) bool { return s.rank() >= o.rank() }

// SlotRelationship is one node of the parent-pointer slot tree.
// Mutated in place as status advances or fork detection marks it orphaned.
type SlotRelationship struct {
	Slot        uint64
	ParentSlot  uint64
	BlockHeight uint64
	BlockHash   string
	Status      SlotStatus
	IsOrphaned  bool
	ObservedAt  int64 // Unix milliseconds of first observation
}

// ForkSeverity classifies a detected divergence by orphaned-slot count.
type ForkSeverity string

const (
	ForkSeverityMinor    ForkSeverity = "minor"
	ForkSeverityMajor    ForkSeverity = "major"
	ForkSeverityCritical ForkSeverity = "critical"
)

// ClassifyForkSeverity maps an orphaned-slot count to a severity:
// 1-5 minor, 6-20 major, 21+ critical.
func ClassifyForkSeverity(orphanedSlots int) ForkSeverity {
	switch {
	case orphanedSlots <= 5:
		return ForkSeverityMinor
	case orphanedSlots <= 20:
		return ForkSeverityMajor
	default:
		return ForkSeverityCritical
	}
}

// Branch is one side of a fork: the slots from the branch tip back to (but
// not including) the fork point.
type Branch struct {
	StartSlot uint64
	EndSlot   uint64
	Slots     []uint64
}

// ForkEvent is an immutable record of a detected chain divergence.
type ForkEvent struct {
	ID                   string
	DetectedAt           int64 // Unix milliseconds
	ForkPoint            uint64
	OrphanedBranch       Branch
	CanonicalBranch      Branch
	AffectedTransactions []string
	Severity             ForkSeverity

	// LowConfidence is set when the fork point was chosen by the
	// bounded-depth fallback heuristic rather than a proven common ancestor.
	LowConfidence bool

	Resolved bool
}
