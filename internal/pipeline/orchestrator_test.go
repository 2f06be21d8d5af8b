package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"solana-pool-watch/internal/alerting"
	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/events"
	"solana-pool-watch/internal/fork"
	"solana-pool-watch/internal/observability"
	"solana-pool-watch/internal/parser"
	"solana-pool-watch/internal/pool"
	"solana-pool-watch/internal/storage/memory"
	"solana-pool-watch/internal/stream"
)

type alertCapture struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (s *alertCapture) Deliver(a domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *alertCapture) byType(t domain.AlertType) []domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Alert
	for _, a := range s.alerts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

type stubSpot struct{ price float64 }

func (s stubSpot) SolPriceUSD() float64 { return s.price }

type orchestratorEnv struct {
	orch   *Orchestrator
	bus    *events.Bus
	coord  *pool.Coordinator
	trades *memory.TradeStore
	forks  *memory.ForkEventStore
	sink   *alertCapture
}

func newTestOrchestrator(t *testing.T, cfg OrchestratorConfig) *orchestratorEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	bus := events.NewBus()
	metrics := observability.NewMetrics("test_orchestrator")
	sink := &alertCapture{}
	alerter := alerting.NewAlerter(alerting.Config{Cooldown: time.Nanosecond}, metrics, logger, sink)
	coord := pool.NewCoordinator(pool.Config{}, bus, stubSpot{price: 150}, logger)
	detector := fork.NewDetector(fork.Config{}, bus, logger)
	registry := parser.NewRegistry(bus, metrics, logger)
	trades := memory.NewTradeStore()
	forks := memory.NewForkEventStore()

	if cfg.Batch.MaxSize == 0 {
		cfg.Batch = BatchConfig{MaxSize: 1, FlushInterval: time.Hour}
	}

	orch := NewOrchestrator(OrchestratorOptions{
		Config:      cfg,
		Bus:         bus,
		Registry:    registry,
		Coordinator: coord,
		Detector:    detector,
		Alerter:     alerter,
		Metrics:     metrics,
		Processors: []Processor{
			NewPersistProcessor(trades),
			NewLifecycleProcessor(coord, logger),
		},
		ForkStore: forks,
		Logger:    logger,
	})
	t.Cleanup(func() {
		orch.batch.Close()
		orch.dispatcher.Stop()
	})

	return &orchestratorEnv{orch: orch, bus: bus, coord: coord, trades: trades, forks: forks, sink: sink}
}

var (
	testSignature = base58.Encode(bytesOf(0x07, 64))
	testMint      = base58.Encode(bytesOf(0x02, 32))
)

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// curveTradeLogs builds an instruction section carrying one binary trade
// record of the bonding-curve program.
func curveTradeLogs(solAmount, tokenAmount, vSol, vToken uint64, buy bool) []string {
	record := make([]byte, 82)
	record[0] = 0x01
	copy(record[1:33], bytesOf(0x02, 32))
	binary.LittleEndian.PutUint64(record[33:], solAmount)
	binary.LittleEndian.PutUint64(record[41:], tokenAmount)
	if buy {
		record[49] = 1
	}
	binary.LittleEndian.PutUint64(record[50:], vSol)
	binary.LittleEndian.PutUint64(record[58:], vToken)
	binary.LittleEndian.PutUint64(record[66:], vSol-1_000_000_000)
	binary.LittleEndian.PutUint64(record[74:], vToken-1_000_000)

	return []string{
		fmt.Sprintf("Program %s invoke [1]", parser.BondingCurveProgram),
		"Program data: " + base64.StdEncoding.EncodeToString(record),
		fmt.Sprintf("Program %s success", parser.BondingCurveProgram),
	}
}

func TestOrchestrator_TradeFlowsToPersistence(t *testing.T) {
	env := newTestOrchestrator(t, OrchestratorConfig{})

	env.orch.HandleTransaction(stream.TransactionNotification{
		Signature: testSignature,
		Slot:      1000,
		Logs:      curveTradeLogs(1_000_000_000, 50_000_000, 30_000_000_000, 1_000_000_000_000, true),
	})

	got, err := env.trades.GetBySignature(context.Background(), testSignature)
	require.NoError(t, err)
	assert.Equal(t, testMint, got.Mint)
	assert.Equal(t, domain.TradeSideBuy, got.Side)
	assert.Equal(t, uint64(30_000_000_000), got.VirtualSolReserves)
	assert.NotEqual(t, domain.ReserveSourceNone, got.ReserveSource)
	assert.Positive(t, got.PriceSOL, "enrichment derives price from reserves")
}

func TestOrchestrator_FailedTransactionIgnored(t *testing.T) {
	env := newTestOrchestrator(t, OrchestratorConfig{})

	env.orch.HandleTransaction(stream.TransactionNotification{
		Signature: testSignature,
		Slot:      1000,
		Logs:      curveTradeLogs(1_000_000_000, 50_000_000, 30_000_000_000, 1_000_000_000_000, true),
		Failed:    true,
	})

	_, err := env.trades.GetBySignature(context.Background(), testSignature)
	assert.Error(t, err)
}

func TestOrchestrator_ForkPersistedAndAlerted(t *testing.T) {
	env := newTestOrchestrator(t, OrchestratorConfig{})

	env.bus.PublishForkDetected(&domain.ForkEvent{
		ID:        "fork1",
		Severity:  domain.ForkSeverityMinor,
		ForkPoint: 998,
		OrphanedBranch: domain.Branch{
			StartSlot: 999, EndSlot: 999, Slots: []uint64{999},
		},
	})

	stored, err := env.forks.GetRecent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "fork1", stored[0].ID)

	alerts := env.sink.byType(domain.AlertTypeForkDetected)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertWarning, alerts[0].Severity)
}

func TestOrchestrator_CriticalForkEscalates(t *testing.T) {
	env := newTestOrchestrator(t, OrchestratorConfig{})

	slots := make([]uint64, 25)
	for i := range slots {
		slots[i] = uint64(970 + i)
	}
	env.bus.PublishForkDetected(&domain.ForkEvent{
		ID:       "fork1",
		Severity: domain.ForkSeverityCritical,
		OrphanedBranch: domain.Branch{
			StartSlot: slots[0], EndSlot: slots[len(slots)-1], Slots: slots,
		},
	})

	alerts := env.sink.byType(domain.AlertTypeForkCritical)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertCritical, alerts[0].Severity)
	assert.Empty(t, env.sink.byType(domain.AlertTypeForkDetected))
}

func TestOrchestrator_ParseFailureRateAlert(t *testing.T) {
	env := newTestOrchestrator(t, OrchestratorConfig{
		ParseFailureAlertThreshold: 2,
		ParseFailureWindow:         time.Minute,
	})

	badLogs := []string{
		fmt.Sprintf("Program %s invoke [1]", parser.BondingCurveProgram),
		"Program data: !!!not-base64!!!",
		fmt.Sprintf("Program %s success", parser.BondingCurveProgram),
	}

	env.orch.HandleTransaction(stream.TransactionNotification{
		Signature: testSignature, Slot: 1000, Logs: badLogs,
	})
	assert.Empty(t, env.sink.byType(domain.AlertTypeParseFailureRate), "below threshold")

	env.orch.HandleTransaction(stream.TransactionNotification{
		Signature: testSignature, Slot: 1001, Logs: badLogs,
	})
	assert.NotEmpty(t, env.sink.byType(domain.AlertTypeParseFailureRate))
}

func TestOrchestrator_AccountUpdateIsGroundTruth(t *testing.T) {
	env := newTestOrchestrator(t, OrchestratorConfig{})

	data := make([]byte, 49)
	copy(data, []byte{0x17, 0xb7, 0xf8, 0x37, 0x60, 0xd8, 0xac, 0x60})
	binary.LittleEndian.PutUint64(data[8:], 1_000_000_000_000) // virtual token reserves
	binary.LittleEndian.PutUint64(data[16:], 30_000_000_000)   // virtual sol reserves
	binary.LittleEndian.PutUint64(data[24:], 800_000_000_000)
	binary.LittleEndian.PutUint64(data[32:], 5_000_000_000)
	binary.LittleEndian.PutUint64(data[40:], 1_000_000_000_000_000)

	env.orch.HandleAccount(stream.AccountNotification{
		Pubkey: "curvePool",
		Owner:  parser.BondingCurveProgram,
		Slot:   1000,
		Data:   data,
	})

	state, ok := env.coord.StateForPool("curvePool")
	require.True(t, ok)
	assert.Equal(t, uint64(30_000_000_000), state.VirtualSolReserves)
	assert.Equal(t, domain.ReserveSourceAccount, state.Source)

	// Accounts owned by other programs are ignored.
	env.orch.HandleAccount(stream.AccountNotification{
		Pubkey: "otherAccount",
		Owner:  "SomeOtherProgram",
		Data:   data,
	})
	_, ok = env.coord.StateForPool("otherAccount")
	assert.False(t, ok)
}

func TestOrchestrator_SlotConflictRaisesForkAlert(t *testing.T) {
	env := newTestOrchestrator(t, OrchestratorConfig{})

	for slot := uint64(996); slot <= 1000; slot++ {
		env.orch.HandleSlot(stream.SlotNotification{Slot: slot, Parent: slot - 1})
	}
	// Re-observe the tip with a different parent: a fork.
	env.orch.HandleSlot(stream.SlotNotification{Slot: 1000, Parent: 998})

	require.NotEmpty(t, env.sink.byType(domain.AlertTypeForkDetected))

	stored, err := env.forks.GetRecent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestOrchestrator_RunFlushesOnShutdown(t *testing.T) {
	env := newTestOrchestrator(t, OrchestratorConfig{
		Batch: BatchConfig{MaxSize: 100, FlushInterval: time.Hour},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.orch.Run(ctx) }()

	env.orch.HandleTransaction(stream.TransactionNotification{
		Signature: testSignature,
		Slot:      1000,
		Logs:      curveTradeLogs(1_000_000_000, 50_000_000, 30_000_000_000, 1_000_000_000_000, true),
	})

	// Far below MaxSize and the interval is an hour: only the shutdown
	// flush can deliver this trade.
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	_, err := env.trades.GetBySignature(context.Background(), testSignature)
	assert.NoError(t, err)
}
