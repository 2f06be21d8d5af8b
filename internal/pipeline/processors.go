package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/observability"
	"solana-pool-watch/internal/storage"
)

// Processor consumes normalized events of the types it handles. Process is
// called concurrently for distinct events, never for the same event twice
// unless a previous attempt failed.
type Processor interface {
	Name() string
	Handles(t domain.EventType) bool
	Process(ctx context.Context, ev domain.NormalizedEvent) error
}

// DispatcherConfig tunes the processor fan-out.
type DispatcherConfig struct {
	// Workers is the pond pool size shared by all processors.
	Workers int
	// MaxRetries is the per-event retry cap per processor.
	MaxRetries int
	// RetryDelay separates attempts on the same event.
	RetryDelay time.Duration
}

// DefaultDispatcherConfig returns the default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:    8,
		MaxRetries: 3,
		RetryDelay: 50 * time.Millisecond,
	}
}

// Dispatcher fans batches out to processors on a shared worker pool. One
// processor failing on one event never affects sibling processors or other
// events in the batch.
type Dispatcher struct {
	cfg        DispatcherConfig
	processors []Processor
	pool       pond.Pool
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewDispatcher creates a dispatcher over procs.
func NewDispatcher(cfg DispatcherConfig, procs []Processor, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Dispatcher{
		cfg:        cfg,
		processors: procs,
		pool:       pond.NewPool(cfg.Workers),
		metrics:    metrics,
		logger:     logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch submits every (event, processor) pair of the batch and waits for
// the batch to drain.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []domain.NormalizedEvent) {
	if len(batch) == 0 {
		return
	}

	group := d.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, ev := range batch {
		for _, proc := range d.processors {
			if !proc.Handles(ev.Type) {
				continue
			}
			ev, proc := ev, proc
			group.Submit(func() {
				if groupCtx.Err() != nil {
					return
				}
				d.processWithRetry(groupCtx, proc, ev)
			})
		}
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		d.logger.Warn("dispatch group error", zap.Error(err))
	}
}

// Stop drains the pool. Call once, after the last Dispatch.
func (d *Dispatcher) Stop() {
	d.pool.StopAndWait()
}

func (d *Dispatcher) processWithRetry(ctx context.Context, proc Processor, ev domain.NormalizedEvent) {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if err = proc.Process(ctx, ev); err == nil {
			return
		}
		if attempt < d.cfg.MaxRetries {
			d.metrics.ProcessorRetries.Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.RetryDelay):
			}
		}
	}

	d.metrics.ProcessorFailures.WithLabelValues(proc.Name()).Inc()
	d.logger.Error("event dropped after retries",
		zap.String("processor", proc.Name()),
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.Int("attempts", d.cfg.MaxRetries),
		zap.Error(err))
}

// PersistProcessor writes trades to the trade store. Duplicates are fine:
// the same signature can arrive again after a reconnect replay.
type PersistProcessor struct {
	trades storage.TradeStore
}

// NewPersistProcessor creates a persistence processor over trades.
func NewPersistProcessor(trades storage.TradeStore) *PersistProcessor {
	return &PersistProcessor{trades: trades}
}

func (p *PersistProcessor) Name() string { return "persist" }

func (p *PersistProcessor) Handles(t domain.EventType) bool {
	return t == domain.EventTypeTrade
}

func (p *PersistProcessor) Process(ctx context.Context, ev domain.NormalizedEvent) error {
	trade, ok := ev.Payload.(*domain.TradeEvent)
	if !ok {
		return nil
	}
	err := p.trades.Insert(ctx, trade)
	if errors.Is(err, storage.ErrDuplicateKey) {
		return nil
	}
	return err
}

// TradeArchiver appends trades to the analytics archive.
type TradeArchiver interface {
	InsertBatch(ctx context.Context, trades []*domain.TradeEvent) error
}

// ArchiveProcessor forwards enriched trades to the analytics archive.
type ArchiveProcessor struct {
	archive TradeArchiver
}

// NewArchiveProcessor creates an archive processor over archive.
func NewArchiveProcessor(archive TradeArchiver) *ArchiveProcessor {
	return &ArchiveProcessor{archive: archive}
}

func (p *ArchiveProcessor) Name() string { return "archive" }

func (p *ArchiveProcessor) Handles(t domain.EventType) bool {
	return t == domain.EventTypeTrade
}

func (p *ArchiveProcessor) Process(ctx context.Context, ev domain.NormalizedEvent) error {
	trade, ok := ev.Payload.(*domain.TradeEvent)
	if !ok {
		return nil
	}
	return p.archive.InsertBatch(ctx, []*domain.TradeEvent{trade})
}

// PoolRegistrar registers a pool address for a mint.
type PoolRegistrar interface {
	RegisterPool(poolAddress, tokenMint string)
}

// LifecycleProcessor reacts to graduations by registering the new AMM pool
// with the coordinator so subsequent trades resolve against it.
type LifecycleProcessor struct {
	pools  PoolRegistrar
	logger *zap.Logger
}

// NewLifecycleProcessor creates a lifecycle processor over pools.
func NewLifecycleProcessor(pools PoolRegistrar, logger *zap.Logger) *LifecycleProcessor {
	return &LifecycleProcessor{
		pools:  pools,
		logger: logger.With(zap.String("component", "lifecycle_processor")),
	}
}

func (p *LifecycleProcessor) Name() string { return "lifecycle" }

func (p *LifecycleProcessor) Handles(t domain.EventType) bool {
	return t == domain.EventTypeLiquidity || t == domain.EventTypeTokenLifecycle
}

func (p *LifecycleProcessor) Process(_ context.Context, ev domain.NormalizedEvent) error {
	liq, ok := ev.Payload.(*domain.LiquidityEvent)
	if !ok || liq.Kind != domain.LiquidityKindGraduation {
		return nil
	}
	if liq.PoolAddress == "" || liq.Mint == "" {
		return nil
	}
	p.pools.RegisterPool(liq.PoolAddress, liq.Mint)
	p.logger.Info("graduation pool registered",
		zap.String("mint", liq.Mint),
		zap.String("pool", liq.PoolAddress))
	return nil
}
