package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"solana-pool-watch/internal/alerting"
	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/events"
	"solana-pool-watch/internal/fork"
	"solana-pool-watch/internal/observability"
	"solana-pool-watch/internal/parser"
	"solana-pool-watch/internal/pool"
	"solana-pool-watch/internal/storage"
	"solana-pool-watch/internal/stream"
)

// OrchestratorConfig tunes the orchestrator's sweeps and alert thresholds.
type OrchestratorConfig struct {
	// MonitorID tags normalized events with the producing monitor.
	MonitorID string

	// ForkSweepSpec, ChainValidationSpec, and PoolSweepSpec are cron specs
	// with a seconds field.
	ForkSweepSpec       string
	ChainValidationSpec string
	PoolSweepSpec       string

	// ParseFailureAlertThreshold emits a parse_failure_rate alert when this
	// many failures land within ParseFailureWindow.
	ParseFailureAlertThreshold int
	ParseFailureWindow         time.Duration

	Batch      BatchConfig
	Dispatcher DispatcherConfig
}

// DefaultOrchestratorConfig returns the default orchestrator configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MonitorID:                  "monitor-1",
		ForkSweepSpec:              "*/5 * * * * *",
		ChainValidationSpec:        "*/30 * * * * *",
		PoolSweepSpec:              "0 * * * * *",
		ParseFailureAlertThreshold: 25,
		ParseFailureWindow:         time.Minute,
		Batch:                      DefaultBatchConfig(),
		Dispatcher:                 DefaultDispatcherConfig(),
	}
}

// OrchestratorOptions carries the orchestrator's collaborators. All required
// unless noted.
type OrchestratorOptions struct {
	Config      OrchestratorConfig
	Bus         *events.Bus
	Registry    *parser.Registry
	Coordinator *pool.Coordinator
	Detector    *fork.Detector
	Alerter     *alerting.Alerter
	Metrics     *observability.Metrics
	Processors  []Processor

	// ForkStore persists detected forks. Optional.
	ForkStore storage.ForkEventStore

	Logger *zap.Logger
}

// Orchestrator is the pipeline's hub: stream notifications come in, parsed
// and enriched events flow through batching to the processors, and detected
// anomalies fan out to metrics and alerts. It also owns the periodic sweeps.
type Orchestrator struct {
	cfg        OrchestratorConfig
	bus        *events.Bus
	registry   *parser.Registry
	coord      *pool.Coordinator
	detector   *fork.Detector
	alerter    *alerting.Alerter
	metrics    *observability.Metrics
	forkStore  storage.ForkEventStore
	normalizer *Normalizer
	batch      *BatchManager
	dispatcher *Dispatcher
	cron       *cron.Cron
	logger     *zap.Logger

	mu            sync.Mutex
	runCtx        context.Context
	parseFailures []int64 // Unix milliseconds of recent parse failures
}

// NewOrchestrator wires the pipeline together and subscribes to bus events.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	cfg := opts.Config
	def := DefaultOrchestratorConfig()
	if cfg.MonitorID == "" {
		cfg.MonitorID = def.MonitorID
	}
	if cfg.ForkSweepSpec == "" {
		cfg.ForkSweepSpec = def.ForkSweepSpec
	}
	if cfg.ChainValidationSpec == "" {
		cfg.ChainValidationSpec = def.ChainValidationSpec
	}
	if cfg.PoolSweepSpec == "" {
		cfg.PoolSweepSpec = def.PoolSweepSpec
	}
	if cfg.ParseFailureAlertThreshold <= 0 {
		cfg.ParseFailureAlertThreshold = def.ParseFailureAlertThreshold
	}
	if cfg.ParseFailureWindow <= 0 {
		cfg.ParseFailureWindow = def.ParseFailureWindow
	}

	o := &Orchestrator{
		cfg:        cfg,
		bus:        opts.Bus,
		registry:   opts.Registry,
		coord:      opts.Coordinator,
		detector:   opts.Detector,
		alerter:    opts.Alerter,
		metrics:    opts.Metrics,
		forkStore:  opts.ForkStore,
		normalizer: NewNormalizer(cfg.MonitorID),
		dispatcher: NewDispatcher(cfg.Dispatcher, opts.Processors, opts.Metrics, opts.Logger),
		cron:       cron.New(cron.WithSeconds()),
		logger:     opts.Logger.With(zap.String("component", "orchestrator")),
		runCtx:     context.Background(),
	}
	o.batch = NewBatchManager(cfg.Batch, o.onFlush, opts.Logger)

	o.bus.OnForkDetected(o.onFork)
	o.bus.OnParseFailure(o.onParseFailure)
	o.bus.OnPoolStateChanged(o.onPoolStateChanged)

	return o
}

// Handlers returns the stream handlers feeding this orchestrator.
func (o *Orchestrator) Handlers() stream.Handlers {
	return stream.Handlers{
		OnTransaction: o.HandleTransaction,
		OnAccount:     o.HandleAccount,
		OnSlot:        o.HandleSlot,
	}
}

// HandleTransaction parses a transaction notification and feeds the decoded
// payloads through enrichment, normalization, and batching.
func (o *Orchestrator) HandleTransaction(tx stream.TransactionNotification) {
	if tx.Failed {
		return
	}

	o.detector.RecordTransaction(tx.Signature, tx.Slot)
	o.metrics.HighestSlotSeen.Set(float64(tx.Slot))

	now := time.Now().UnixMilli()
	payloads := o.registry.Parse(parser.RawTransaction{
		Signature:   tx.Signature,
		Slot:        tx.Slot,
		Timestamp:   now,
		Logs:        tx.Logs,
		AccountKeys: tx.AccountKeys,
	})

	for _, p := range payloads {
		if trade, ok := p.(*domain.TradeEvent); ok {
			o.coord.EnrichTrade(trade)
		}
		o.emit(p)
	}
}

// HandleAccount folds a bonding-curve account snapshot into the coordinator.
// Account bytes are ground truth and outrank trade-derived estimates.
func (o *Orchestrator) HandleAccount(acct stream.AccountNotification) {
	if acct.Owner != parser.BondingCurveProgram {
		return
	}

	decoded, err := parser.DecodeCurveAccount(acct.Data)
	if err != nil {
		o.logger.Debug("undecodable curve account",
			zap.String("pubkey", acct.Pubkey), zap.Error(err))
		return
	}

	complete := decoded.Complete
	o.coord.Update(acct.Pubkey, domain.PoolStateUpdate{
		VirtualSolReserves:   &decoded.VirtualSolReserves,
		VirtualTokenReserves: &decoded.VirtualTokenReserves,
		RealSolReserves:      &decoded.RealSolReserves,
		RealTokenReserves:    &decoded.RealTokenReserves,
		IsInitialized:        &complete,
		Timestamp:            time.Now().UnixMilli(),
		Slot:                 acct.Slot,
		Source:               domain.ReserveSourceAccount,
	})
}

// HandleSlot forwards a slot notification to the fork detector. The rooted
// slot, when present, is observed as finalized.
func (o *Orchestrator) HandleSlot(s stream.SlotNotification) {
	o.detector.ObserveSlot(fork.SlotUpdate{
		Slot:       s.Slot,
		ParentSlot: s.Parent,
		Status:     domain.SlotStatusProcessed,
	})
	if s.Root != 0 {
		o.detector.ObserveSlot(fork.SlotUpdate{
			Slot:   s.Root,
			Status: domain.SlotStatusFinalized,
		})
	}
	o.metrics.TrackedSlots.Set(float64(o.detector.TrackedSlots()))
}

// emit normalizes a payload and adds it to the current batch.
func (o *Orchestrator) emit(p domain.Payload) {
	ev, err := o.normalizer.Normalize(programForPayload(p), p)
	if err != nil {
		o.logger.Warn("payload not normalized", zap.Error(err))
		return
	}
	o.metrics.EventsNormalized.WithLabelValues(string(ev.Type)).Inc()
	o.metrics.LastEventAt.Set(float64(time.Now().Unix()))
	o.batch.Add(ev)
}

// onFlush hands a flushed batch to the dispatcher.
func (o *Orchestrator) onFlush(batch []domain.NormalizedEvent, reason string) {
	o.metrics.BatchFlushes.WithLabelValues(reason).Inc()
	o.metrics.BatchSize.Observe(float64(len(batch)))

	o.mu.Lock()
	ctx := o.runCtx
	o.mu.Unlock()
	o.dispatcher.Dispatch(ctx, batch)
}

// onFork records, persists, and escalates a detected fork.
func (o *Orchestrator) onFork(f *domain.ForkEvent) {
	o.metrics.ForksDetected.WithLabelValues(string(f.Severity)).Inc()
	o.metrics.OrphanedSlots.Add(float64(len(f.OrphanedBranch.Slots)))

	if o.forkStore != nil {
		o.mu.Lock()
		ctx := o.runCtx
		o.mu.Unlock()
		if err := o.forkStore.Insert(ctx, f); err != nil {
			o.logger.Error("fork event not persisted",
				zap.String("fork_id", f.ID), zap.Error(err))
		}
	}

	message := fmt.Sprintf("fork at slot %d orphaned %d slots, %d transactions affected",
		f.ForkPoint, len(f.OrphanedBranch.Slots), len(f.AffectedTransactions))
	if f.LowConfidence {
		message += " (fork point is low confidence)"
	}

	switch f.Severity {
	case domain.ForkSeverityCritical:
		o.alerter.Emit(domain.AlertTypeForkCritical, domain.AlertCritical, "",
			"critical chain fork", message)
	case domain.ForkSeverityMajor:
		o.alerter.Emit(domain.AlertTypeForkDetected, domain.AlertError, "",
			"major chain fork", message)
	default:
		o.alerter.Emit(domain.AlertTypeForkDetected, domain.AlertWarning, "",
			"chain fork", message)
	}
}

// onParseFailure tracks the failure rate and alerts when it spikes.
func (o *Orchestrator) onParseFailure(f events.ParseFailure) {
	o.metrics.ParseFailures.WithLabelValues(f.ProgramID, f.ErrorKey).Inc()

	now := time.Now().UnixMilli()
	cutoff := now - o.cfg.ParseFailureWindow.Milliseconds()

	o.mu.Lock()
	o.parseFailures = append(o.parseFailures, now)
	for len(o.parseFailures) > 0 && o.parseFailures[0] < cutoff {
		o.parseFailures = o.parseFailures[1:]
	}
	count := len(o.parseFailures)
	o.mu.Unlock()

	if count >= o.cfg.ParseFailureAlertThreshold {
		o.alerter.Emit(domain.AlertTypeParseFailureRate, domain.AlertWarning, "",
			"parse failure rate elevated",
			fmt.Sprintf("%d parse failures within %s", count, o.cfg.ParseFailureWindow))
	}
}

func (o *Orchestrator) onPoolStateChanged(domain.PoolState) {
	o.metrics.PoolUpdatesApplied.Inc()
	o.metrics.TrackedPools.Set(float64(o.coord.Len()))
}

// Run starts the sweep schedules and blocks until ctx is canceled, then
// flushes the pipeline best-effort.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	if _, err := o.cron.AddFunc(o.cfg.ForkSweepSpec, o.forkSweep); err != nil {
		return fmt.Errorf("schedule fork sweep: %w", err)
	}
	if _, err := o.cron.AddFunc(o.cfg.ChainValidationSpec, o.chainValidation); err != nil {
		return fmt.Errorf("schedule chain validation: %w", err)
	}
	if _, err := o.cron.AddFunc(o.cfg.PoolSweepSpec, o.poolSweep); err != nil {
		return fmt.Errorf("schedule pool sweep: %w", err)
	}
	o.cron.Start()

	<-ctx.Done()

	cronCtx := o.cron.Stop()
	<-cronCtx.Done()

	// Shutdown order matters: close the batch first so its final flush can
	// still dispatch, then drain the worker pool.
	o.mu.Lock()
	o.runCtx = context.Background()
	o.mu.Unlock()
	o.batch.Close()
	o.dispatcher.Stop()

	return ctx.Err()
}

func (o *Orchestrator) forkSweep() {
	if marked := o.detector.SweepMismatches(); marked > 0 {
		o.logger.Info("mismatch sweep marked slots", zap.Int("marked", marked))
	}
	o.metrics.TrackedSlots.Set(float64(o.detector.TrackedSlots()))
}

func (o *Orchestrator) chainValidation() {
	if broken := o.detector.ValidateChain(); broken > 0 {
		o.logger.Warn("chain validation found broken links", zap.Int("broken", broken))
	}
}

func (o *Orchestrator) poolSweep() {
	if evicted := o.coord.Sweep(time.Now()); evicted > 0 {
		o.metrics.PoolsEvicted.Add(float64(evicted))
		o.logger.Info("stale pools evicted", zap.Int("evicted", evicted))
	}
	o.metrics.TrackedPools.Set(float64(o.coord.Len()))
}

// programForPayload maps a payload's market kind back to the program that
// owns it, for event metadata.
func programForPayload(p domain.Payload) string {
	switch v := p.(type) {
	case *domain.TradeEvent:
		if v.Source == domain.SourceAMMPool {
			return parser.AMMProgram
		}
		return parser.BondingCurveProgram
	case *domain.LiquidityEvent:
		if v.Source == domain.SourceAMMPool {
			return parser.AMMProgram
		}
		return parser.BondingCurveProgram
	case *domain.TokenLifecycleEvent:
		return parser.BondingCurveProgram
	}
	return ""
}
