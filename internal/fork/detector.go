// Package fork maintains the slot parent/child graph, detects divergent
// branches, and identifies orphaned slots and transactions needing
// reprocessing after a chain reorganization.
package fork

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/events"
)

// Config bounds the detector's in-memory structures.
type Config struct {
	// MaxAncestorDepth bounds the ancestor-chain walk when searching for a
	// common ancestor.
	MaxAncestorDepth int
	// MaxTrackedSlots bounds the slot map; oldest slots are evicted first.
	MaxTrackedSlots int
	// MaxTrackedTransactions bounds the signature -> slot index.
	MaxTrackedTransactions int
	// MaxHistory bounds the in-memory fork event history.
	MaxHistory int
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		MaxAncestorDepth:       100,
		MaxTrackedSlots:        10_000,
		MaxTrackedTransactions: 50_000,
		MaxHistory:             200,
	}
}

// SlotUpdate is one slot notification from the upstream feed.
type SlotUpdate struct {
	Slot        uint64
	ParentSlot  uint64
	BlockHeight uint64
	BlockHash   string
	Status      domain.SlotStatus
}

// Detector owns the slot-relationship map and the recent-transaction index.
// All mutation goes through its methods; per-call failures are logged and
// never crash the detection loop.
type Detector struct {
	cfg    Config
	bus    *events.Bus
	logger *zap.Logger

	mu      sync.Mutex
	slots   map[uint64]*domain.SlotRelationship
	txSlots map[string]uint64 // signature -> slot
	txOrder []string          // FIFO eviction order for txSlots
	history []*domain.ForkEvent
}

// NewDetector creates a detector publishing fork events on bus.
func NewDetector(cfg Config, bus *events.Bus, logger *zap.Logger) *Detector {
	def := DefaultConfig()
	if cfg.MaxAncestorDepth <= 0 {
		cfg.MaxAncestorDepth = def.MaxAncestorDepth
	}
	if cfg.MaxTrackedSlots <= 0 {
		cfg.MaxTrackedSlots = def.MaxTrackedSlots
	}
	if cfg.MaxTrackedTransactions <= 0 {
		cfg.MaxTrackedTransactions = def.MaxTrackedTransactions
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	return &Detector{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With(zap.String("component", "fork_detector")),
		slots:   make(map[uint64]*domain.SlotRelationship),
		txSlots: make(map[string]uint64),
	}
}

// RecordTransaction indexes a signature by slot so fork detection can later
// report affected transactions. The index is bounded, oldest-first.
func (d *Detector) RecordTransaction(signature string, slot uint64) {
	if signature == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.txSlots[signature]; !seen {
		d.txOrder = append(d.txOrder, signature)
	}
	d.txSlots[signature] = slot

	for len(d.txSlots) > d.cfg.MaxTrackedTransactions && len(d.txOrder) > 0 {
		oldest := d.txOrder[0]
		d.txOrder = d.txOrder[1:]
		delete(d.txSlots, oldest)
	}
}

// ObserveSlot merges a slot notification into the graph. Duplicates merge
// idempotently; a conflicting parent pointer triggers fork detection.
// Malformed input is logged, never fatal.
func (d *Detector) ObserveSlot(u SlotUpdate) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("slot observation panicked", zap.Any("panic", r), zap.Uint64("slot", u.Slot))
		}
	}()

	if u.Slot == 0 || (u.ParentSlot != 0 && u.ParentSlot >= u.Slot) {
		d.logger.Warn("malformed slot notification",
			zap.Uint64("slot", u.Slot), zap.Uint64("parent", u.ParentSlot))
		return
	}

	var fork *domain.ForkEvent

	d.mu.Lock()
	existing, ok := d.slots[u.Slot]
	if !ok {
		d.slots[u.Slot] = &domain.SlotRelationship{
			Slot:        u.Slot,
			ParentSlot:  u.ParentSlot,
			BlockHeight: u.BlockHeight,
			BlockHash:   u.BlockHash,
			Status:      u.Status,
			ObservedAt:  time.Now().UnixMilli(),
		}
		d.evictOldestLocked()
	} else {
		if u.ParentSlot != 0 && existing.ParentSlot != 0 && existing.ParentSlot != u.ParentSlot {
			fork = d.handleParentConflictLocked(u.Slot, existing.ParentSlot, u.ParentSlot)
		}
		if u.ParentSlot != 0 {
			existing.ParentSlot = u.ParentSlot
		}
		if u.BlockHash != "" {
			existing.BlockHash = u.BlockHash
		}
		if u.BlockHeight != 0 {
			existing.BlockHeight = u.BlockHeight
		}
		if u.Status.AtLeast(existing.Status) {
			existing.Status = u.Status
		}
	}

	var orphanedByFinality []uint64
	if u.Status == domain.SlotStatusFinalized {
		orphanedByFinality = d.finalizationBackCheckLocked(u.Slot)
	}
	d.mu.Unlock()

	if fork != nil {
		d.bus.PublishForkDetected(fork)
	}
	if len(orphanedByFinality) > 0 {
		d.logger.Warn("slots orphaned by finalization back-check",
			zap.Uint64("finalized_slot", u.Slot),
			zap.Uint64s("orphaned", orphanedByFinality))
	}
}

// handleParentConflictLocked runs the fork algorithm for one conflicting
// parent pointer and returns the resulting event. The newest observation is
// taken as canonical.
func (d *Detector) handleParentConflictLocked(slot, oldParent, newParent uint64) *domain.ForkEvent {
	forkPoint, lowConfidence := d.findForkPointLocked(oldParent, newParent)

	orphanedSlots := d.branchSlotsLocked(oldParent, forkPoint)
	canonicalSlots := d.branchSlotsLocked(newParent, forkPoint)

	affected := d.affectedTransactionsLocked(orphanedSlots)

	for _, s := range orphanedSlots {
		if rel, ok := d.slots[s]; ok {
			rel.IsOrphaned = true
		}
	}

	event := &domain.ForkEvent{
		ID:                   uuid.NewString(),
		DetectedAt:           time.Now().UnixMilli(),
		ForkPoint:            forkPoint,
		OrphanedBranch:       makeBranch(orphanedSlots),
		CanonicalBranch:      makeBranch(canonicalSlots),
		AffectedTransactions: affected,
		Severity:             domain.ClassifyForkSeverity(len(orphanedSlots)),
		LowConfidence:        lowConfidence,
	}

	d.history = append(d.history, event)
	if len(d.history) > d.cfg.MaxHistory {
		d.history = d.history[len(d.history)-d.cfg.MaxHistory:]
	}

	d.logger.Warn("fork detected",
		zap.Uint64("slot", slot),
		zap.Uint64("old_parent", oldParent),
		zap.Uint64("new_parent", newParent),
		zap.Uint64("fork_point", forkPoint),
		zap.Int("orphaned_slots", len(orphanedSlots)),
		zap.Int("affected_txs", len(affected)),
		zap.String("severity", string(event.Severity)),
		zap.Bool("low_confidence", lowConfidence))

	return event
}

// findForkPointLocked computes the lowest common ancestor of two branch
// tips within the bounded depth. When none is found it falls back to the
// lower of the two slot numbers; that heuristic can misjudge long
// divergences, so the result is flagged low confidence.
func (d *Detector) findForkPointLocked(a, b uint64) (forkPoint uint64, lowConfidence bool) {
	chainA := d.ancestorChainLocked(a)
	inA := make(map[uint64]struct{}, len(chainA))
	for _, s := range chainA {
		inA[s] = struct{}{}
	}

	for _, s := range d.ancestorChainLocked(b) {
		if _, ok := inA[s]; ok {
			return s, false
		}
	}

	if a < b {
		return a, true
	}
	return b, true
}

// ancestorChainLocked returns tip plus its ancestors, bounded by
// MaxAncestorDepth, stopping at unknown slots.
func (d *Detector) ancestorChainLocked(tip uint64) []uint64 {
	chain := make([]uint64, 0, d.cfg.MaxAncestorDepth)
	cur := tip
	for range d.cfg.MaxAncestorDepth {
		chain = append(chain, cur)
		rel, ok := d.slots[cur]
		if !ok || rel.ParentSlot == 0 || rel.ParentSlot >= cur {
			break
		}
		cur = rel.ParentSlot
	}
	return chain
}

// branchSlotsLocked walks from tip back to (but not including) forkPoint,
// returning the branch in ascending order.
func (d *Detector) branchSlotsLocked(tip, forkPoint uint64) []uint64 {
	var slots []uint64
	cur := tip
	for range d.cfg.MaxAncestorDepth {
		if cur == forkPoint {
			break
		}
		slots = append(slots, cur)
		rel, ok := d.slots[cur]
		if !ok || rel.ParentSlot == 0 || rel.ParentSlot >= cur {
			break
		}
		cur = rel.ParentSlot
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

func (d *Detector) affectedTransactionsLocked(orphanedSlots []uint64) []string {
	if len(orphanedSlots) == 0 {
		return nil
	}
	orphaned := make(map[uint64]struct{}, len(orphanedSlots))
	for _, s := range orphanedSlots {
		orphaned[s] = struct{}{}
	}
	var affected []string
	for sig, slot := range d.txSlots {
		if _, ok := orphaned[slot]; ok {
			affected = append(affected, sig)
		}
	}
	sort.Strings(affected)
	return affected
}

func makeBranch(slots []uint64) domain.Branch {
	b := domain.Branch{Slots: slots}
	if len(slots) > 0 {
		b.StartSlot = slots[0]
		b.EndSlot = slots[len(slots)-1]
	}
	return b
}

// finalizationBackCheckLocked marks still-unfinalized slots older than the
// newly finalized slot as orphaned when they have no path to it.
func (d *Detector) finalizationBackCheckLocked(finalizedSlot uint64) []uint64 {
	canonical := make(map[uint64]struct{})
	for _, s := range d.ancestorChainLocked(finalizedSlot) {
		canonical[s] = struct{}{}
	}

	// Only slots within the bounded ancestor window can be judged.
	var floor uint64
	if chain := d.ancestorChainLocked(finalizedSlot); len(chain) > 0 {
		floor = chain[len(chain)-1]
	}

	var orphaned []uint64
	for slot, rel := range d.slots {
		if slot >= finalizedSlot || slot < floor {
			continue
		}
		if rel.Status == domain.SlotStatusFinalized || rel.IsOrphaned {
			continue
		}
		if _, ok := canonical[slot]; !ok {
			rel.IsOrphaned = true
			orphaned = append(orphaned, slot)
		}
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i] < orphaned[j] })
	return orphaned
}

// SweepMismatches re-scans recent slots for parent/child inconsistencies the
// update-triggered path did not catch: children of orphaned parents are
// themselves orphaned. Returns how many slots were newly marked.
func (d *Detector) SweepMismatches() int {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("mismatch sweep panicked", zap.Any("panic", r))
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	marked := 0
	// Propagate until fixpoint so whole orphaned subtrees are flagged in
	// one sweep regardless of map iteration order.
	for {
		changed := false
		for _, rel := range d.slots {
			if rel.IsOrphaned {
				continue
			}
			parent, ok := d.slots[rel.ParentSlot]
			if ok && parent.IsOrphaned {
				rel.IsOrphaned = true
				marked++
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	if marked > 0 {
		d.logger.Warn("mismatch sweep orphaned slots", zap.Int("slots", marked))
	}
	return marked
}

// ValidateChain checks that the tracked slot chain has no broken links and
// logs (never alerts on) anomalies. Returns the number of broken links.
func (d *Detector) ValidateChain() int {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("chain validation panicked", zap.Any("panic", r))
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	broken := 0
	for slot, rel := range d.slots {
		if rel.ParentSlot == 0 || rel.IsOrphaned {
			continue
		}
		parent, ok := d.slots[rel.ParentSlot]
		if !ok {
			// Gaps before the retention floor are expected; only gaps
			// inside the tracked range are anomalies.
			if rel.ParentSlot >= d.oldestTrackedLocked() {
				broken++
				d.logger.Info("broken slot link",
					zap.Uint64("slot", slot), zap.Uint64("missing_parent", rel.ParentSlot))
			}
			continue
		}
		if parent.Slot >= slot {
			broken++
			d.logger.Info("non-monotonic slot link",
				zap.Uint64("slot", slot), zap.Uint64("parent", parent.Slot))
		}
	}
	return broken
}

func (d *Detector) oldestTrackedLocked() uint64 {
	oldest := ^uint64(0)
	for slot := range d.slots {
		if slot < oldest {
			oldest = slot
		}
	}
	return oldest
}

// evictOldestLocked enforces the slot retention bound, oldest first.
func (d *Detector) evictOldestLocked() {
	if len(d.slots) <= d.cfg.MaxTrackedSlots {
		return
	}
	keys := make([]uint64, 0, len(d.slots))
	for slot := range d.slots {
		keys = append(keys, slot)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, slot := range keys[:len(d.slots)-d.cfg.MaxTrackedSlots] {
		delete(d.slots, slot)
	}
}

// SlotInfo returns a copy of the tracked relationship for a slot.
func (d *Detector) SlotInfo(slot uint64) (domain.SlotRelationship, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rel, ok := d.slots[slot]
	if !ok {
		return domain.SlotRelationship{}, false
	}
	return *rel, true
}

// RecentForks returns up to n most recent fork events, newest first.
func (d *Detector) RecentForks(n int) []*domain.ForkEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= 0 || n > len(d.history) {
		n = len(d.history)
	}
	out := make([]*domain.ForkEvent, 0, n)
	for i := len(d.history) - 1; i >= len(d.history)-n; i-- {
		ev := *d.history[i]
		out = append(out, &ev)
	}
	return out
}

// TrackedSlots returns the number of slots currently tracked.
func (d *Detector) TrackedSlots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}
