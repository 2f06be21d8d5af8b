package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"solana-pool-watch/internal/domain"
)

// Flush reasons passed to the flush callback.
const (
	FlushReasonSize     = "size"
	FlushReasonTimeout  = "timeout"
	FlushReasonShutdown = "shutdown"
)

// BatchConfig tunes the batch manager.
type BatchConfig struct {
	// MaxSize flushes the batch as soon as it holds this many events.
	MaxSize int
	// FlushInterval flushes a non-empty batch this long after its first
	// event, whichever of the two triggers fires first.
	FlushInterval time.Duration
}

// DefaultBatchConfig returns the default batch configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxSize:       50,
		FlushInterval: 500 * time.Millisecond,
	}
}

// FlushFunc receives a flushed batch and the reason it flushed. Called
// outside the manager's lock; the slice is owned by the callee.
type FlushFunc func(events []domain.NormalizedEvent, reason string)

// BatchManager accumulates normalized events and flushes on max size or
// timeout, whichever comes first. The timer is one-shot, armed by the first
// event of each batch.
type BatchManager struct {
	cfg    BatchConfig
	flush  FlushFunc
	logger *zap.Logger

	mu     sync.Mutex
	buf    []domain.NormalizedEvent
	timer  *time.Timer
	gen    uint64 // batch generation, guards against stale timer fires
	closed bool
}

// NewBatchManager creates a batch manager delivering batches to flush.
func NewBatchManager(cfg BatchConfig, flush FlushFunc, logger *zap.Logger) *BatchManager {
	def := DefaultBatchConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &BatchManager{
		cfg:    cfg,
		flush:  flush,
		logger: logger.With(zap.String("component", "batch_manager")),
	}
}

// Add appends an event to the current batch. The first event of a batch arms
// the flush timer; reaching MaxSize flushes immediately.
func (m *BatchManager) Add(ev domain.NormalizedEvent) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("event dropped after shutdown", zap.String("event_id", ev.ID))
		return
	}

	m.buf = append(m.buf, ev)
	if len(m.buf) == 1 {
		m.armTimerLocked()
	}

	if len(m.buf) >= m.cfg.MaxSize {
		batch := m.takeLocked()
		m.mu.Unlock()
		m.flush(batch, FlushReasonSize)
		return
	}
	m.mu.Unlock()
}

// Len returns the number of buffered events.
func (m *BatchManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}

// Close flushes any buffered events best-effort and stops the manager.
// Events added after Close are dropped.
func (m *BatchManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	batch := m.takeLocked()
	m.mu.Unlock()

	if len(batch) > 0 {
		m.flush(batch, FlushReasonShutdown)
	}
}

// armTimerLocked starts the one-shot timer for the current generation.
func (m *BatchManager) armTimerLocked() {
	gen := m.gen
	m.timer = time.AfterFunc(m.cfg.FlushInterval, func() {
		m.flushTimeout(gen)
	})
}

func (m *BatchManager) flushTimeout(gen uint64) {
	m.mu.Lock()
	// A size flush or shutdown already took this batch.
	if m.closed || gen != m.gen || len(m.buf) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.takeLocked()
	m.mu.Unlock()
	m.flush(batch, FlushReasonTimeout)
}

// takeLocked hands off the current batch and advances the generation so a
// pending timer for it becomes a no-op.
func (m *BatchManager) takeLocked() []domain.NormalizedEvent {
	batch := m.buf
	m.buf = nil
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	return batch
}
