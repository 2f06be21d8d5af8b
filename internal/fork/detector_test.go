package fork

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/events"
)

func newTestDetector(t *testing.T) (*Detector, *[]*domain.ForkEvent) {
	t.Helper()
	bus := events.NewBus()
	forks := &[]*domain.ForkEvent{}
	bus.OnForkDetected(func(f *domain.ForkEvent) { *forks = append(*forks, f) })
	return NewDetector(DefaultConfig(), bus, zaptest.NewLogger(t)), forks
}

// observeChain feeds a linear slot chain into the detector.
func observeChain(d *Detector, from, to uint64) {
	for s := from; s <= to; s++ {
		d.ObserveSlot(SlotUpdate{Slot: s, ParentSlot: s - 1, Status: domain.SlotStatusConfirmed})
	}
}

func TestObserveSlot_IdempotentMerge(t *testing.T) {
	d, forks := newTestDetector(t)

	d.ObserveSlot(SlotUpdate{Slot: 1000, ParentSlot: 999, Status: domain.SlotStatusProcessed})
	d.ObserveSlot(SlotUpdate{Slot: 1000, ParentSlot: 999, Status: domain.SlotStatusConfirmed, BlockHash: "hashA"})
	// Stale duplicate must not move the status backwards.
	d.ObserveSlot(SlotUpdate{Slot: 1000, ParentSlot: 999, Status: domain.SlotStatusProcessed})

	rel, ok := d.SlotInfo(1000)
	require.True(t, ok)
	assert.Equal(t, domain.SlotStatusConfirmed, rel.Status)
	assert.Equal(t, "hashA", rel.BlockHash)
	assert.Empty(t, *forks)
}

func TestObserveSlot_MalformedIgnored(t *testing.T) {
	d, forks := newTestDetector(t)

	d.ObserveSlot(SlotUpdate{Slot: 0, ParentSlot: 0})
	d.ObserveSlot(SlotUpdate{Slot: 100, ParentSlot: 100}) // parent >= slot

	assert.Zero(t, d.TrackedSlots())
	assert.Empty(t, *forks)
}

func TestConflictingParents_EmitExactlyOneFork(t *testing.T) {
	d, forks := newTestDetector(t)
	observeChain(d, 990, 999)

	d.ObserveSlot(SlotUpdate{Slot: 1000, ParentSlot: 999, Status: domain.SlotStatusProcessed})
	d.ObserveSlot(SlotUpdate{Slot: 1000, ParentSlot: 998, Status: domain.SlotStatusProcessed})

	require.Len(t, *forks, 1)
	f := (*forks)[0]

	assert.LessOrEqual(t, f.ForkPoint, uint64(998))
	assert.False(t, f.LowConfidence)
	assert.Equal(t, []uint64{999}, f.OrphanedBranch.Slots)
	assert.Equal(t, domain.ForkSeverityMinor, f.Severity)

	// Branches are disjoint.
	canonical := make(map[uint64]struct{})
	for _, s := range f.CanonicalBranch.Slots {
		canonical[s] = struct{}{}
	}
	for _, s := range f.OrphanedBranch.Slots {
		_, overlaps := canonical[s]
		assert.False(t, overlaps, "slot %d in both branches", s)
	}

	// Orphaned slot is flagged in the graph.
	rel, ok := d.SlotInfo(999)
	require.True(t, ok)
	assert.True(t, rel.IsOrphaned)

	// The canonical parent survives unorphaned.
	rel, ok = d.SlotInfo(998)
	require.True(t, ok)
	assert.False(t, rel.IsOrphaned)
}

func TestConflictingParents_FallbackIsLowConfidence(t *testing.T) {
	d, forks := newTestDetector(t)

	// No ancestry tracked for either parent: the common-ancestor search
	// must fall back to the lower slot number.
	d.ObserveSlot(SlotUpdate{Slot: 1000, ParentSlot: 999, Status: domain.SlotStatusProcessed})
	d.ObserveSlot(SlotUpdate{Slot: 1000, ParentSlot: 995, Status: domain.SlotStatusProcessed})

	require.Len(t, *forks, 1)
	f := (*forks)[0]
	assert.True(t, f.LowConfidence)
	assert.Equal(t, uint64(995), f.ForkPoint)
}

func TestAffectedTransactions(t *testing.T) {
	d, forks := newTestDetector(t)
	observeChain(d, 990, 999)

	d.RecordTransaction("sig-orphaned-1", 999)
	d.RecordTransaction("sig-orphaned-2", 999)
	d.RecordTransaction("sig-safe", 997)

	d.ObserveSlot(SlotUpdate{Slot: 1000, ParentSlot: 999})
	d.ObserveSlot(SlotUpdate{Slot: 1000, ParentSlot: 998})

	require.Len(t, *forks, 1)
	assert.Equal(t, []string{"sig-orphaned-1", "sig-orphaned-2"}, (*forks)[0].AffectedTransactions)
}

func TestSeverityClassification(t *testing.T) {
	cases := []struct {
		orphaned int
		want     domain.ForkSeverity
	}{
		{1, domain.ForkSeverityMinor},
		{5, domain.ForkSeverityMinor},
		{6, domain.ForkSeverityMajor},
		{20, domain.ForkSeverityMajor},
		{21, domain.ForkSeverityCritical},
		{100, domain.ForkSeverityCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, domain.ClassifyForkSeverity(tc.orphaned), "count=%d", tc.orphaned)
	}
}

func TestMajorFork_LongOrphanedBranch(t *testing.T) {
	d, forks := newTestDetector(t)
	observeChain(d, 900, 950)

	// A divergent branch 951..960 built on 950, then the canonical chain
	// reappears claiming parent 950 for slot 961 directly.
	observeChain(d, 951, 960)
	d.ObserveSlot(SlotUpdate{Slot: 961, ParentSlot: 960})
	d.ObserveSlot(SlotUpdate{Slot: 961, ParentSlot: 950})

	require.Len(t, *forks, 1)
	f := (*forks)[0]
	assert.Equal(t, uint64(950), f.ForkPoint)
	assert.Len(t, f.OrphanedBranch.Slots, 10)
	assert.Equal(t, domain.ForkSeverityMajor, f.Severity)
}

func TestFinalizationBackCheck_OrphansUnreachableSlots(t *testing.T) {
	d, _ := newTestDetector(t)
	observeChain(d, 990, 995)

	// A side slot claiming parent 994 that the finalized chain skips.
	d.ObserveSlot(SlotUpdate{Slot: 996, ParentSlot: 994})
	// Canonical continuation finalizes through 995 -> 997.
	d.ObserveSlot(SlotUpdate{Slot: 997, ParentSlot: 995, Status: domain.SlotStatusFinalized})

	rel, ok := d.SlotInfo(996)
	require.True(t, ok)
	assert.True(t, rel.IsOrphaned)

	rel, ok = d.SlotInfo(995)
	require.True(t, ok)
	assert.False(t, rel.IsOrphaned)
}

func TestSweepMismatches_PropagatesOrphanFlag(t *testing.T) {
	d, forks := newTestDetector(t)
	observeChain(d, 990, 995)

	// A side branch 996 -> 997 with descendants 1000 -> 1001 hanging off it.
	d.ObserveSlot(SlotUpdate{Slot: 996, ParentSlot: 995})
	d.ObserveSlot(SlotUpdate{Slot: 997, ParentSlot: 996})
	d.ObserveSlot(SlotUpdate{Slot: 1000, ParentSlot: 997})
	d.ObserveSlot(SlotUpdate{Slot: 1001, ParentSlot: 1000})

	// 998 reparents from 997 to 995: the conflict orphans [996, 997] but
	// walks the branch downward only, so 1000 and 1001 stay unflagged.
	d.ObserveSlot(SlotUpdate{Slot: 998, ParentSlot: 997})
	d.ObserveSlot(SlotUpdate{Slot: 998, ParentSlot: 995})
	require.Len(t, *forks, 1)
	assert.Equal(t, []uint64{996, 997}, (*forks)[0].OrphanedBranch.Slots)

	rel, ok := d.SlotInfo(1000)
	require.True(t, ok)
	assert.False(t, rel.IsOrphaned)

	// The sweep propagates the flag through the whole subtree.
	assert.Equal(t, 2, d.SweepMismatches())

	rel, _ = d.SlotInfo(1000)
	assert.True(t, rel.IsOrphaned)
	rel, _ = d.SlotInfo(1001)
	assert.True(t, rel.IsOrphaned)

	// Second sweep is a no-op.
	assert.Zero(t, d.SweepMismatches())
}

func TestValidateChain_ReportsBrokenLinks(t *testing.T) {
	d, _ := newTestDetector(t)
	observeChain(d, 990, 995)
	// 998 inside the tracked range with a missing parent 997.
	d.ObserveSlot(SlotUpdate{Slot: 998, ParentSlot: 997})

	assert.Equal(t, 1, d.ValidateChain())
}

func TestRecentForks_NewestFirstAndBounded(t *testing.T) {
	d, _ := newTestDetector(t)
	observeChain(d, 100, 110)

	d.ObserveSlot(SlotUpdate{Slot: 111, ParentSlot: 110})
	d.ObserveSlot(SlotUpdate{Slot: 111, ParentSlot: 109})
	d.ObserveSlot(SlotUpdate{Slot: 112, ParentSlot: 111})
	d.ObserveSlot(SlotUpdate{Slot: 112, ParentSlot: 108})

	all := d.RecentForks(0)
	require.Len(t, all, 2)
	assert.GreaterOrEqual(t, all[0].DetectedAt, all[1].DetectedAt)

	one := d.RecentForks(1)
	require.Len(t, one, 1)

	// Returned events are copies; mutating them must not touch history.
	one[0].ForkPoint = 9999
	assert.NotEqual(t, uint64(9999), d.RecentForks(1)[0].ForkPoint)
}

func TestSlotEviction_OldestFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTrackedSlots = 10
	d := NewDetector(cfg, events.NewBus(), zaptest.NewLogger(t))

	observeChain(d, 1, 20)
	assert.Equal(t, 10, d.TrackedSlots())

	_, ok := d.SlotInfo(1)
	assert.False(t, ok)
	_, ok = d.SlotInfo(20)
	assert.True(t, ok)
}

func TestRecordTransaction_Bounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTrackedTransactions = 3
	d := NewDetector(cfg, events.NewBus(), zaptest.NewLogger(t))

	d.RecordTransaction("a", 1)
	d.RecordTransaction("b", 2)
	d.RecordTransaction("c", 3)
	d.RecordTransaction("d", 4)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.txSlots, 3)
	_, ok := d.txSlots["a"]
	assert.False(t, ok)
}
