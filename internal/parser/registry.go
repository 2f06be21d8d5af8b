// Package parser decodes raw upstream transactions into typed domain events.
// Strategies are tried in a fixed priority order scoped to the program family
// the transaction's instructions target; the first strategy that decodes an
// event wins within its family. Every attempt is recorded as a metric.
package parser

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/events"
	"solana-pool-watch/internal/observability"
)

// Known program IDs.
const (
	// BondingCurveProgram is the pump.fun bonding curve program.
	BondingCurveProgram = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	// AMMProgram is the Raydium AMM v4 program.
	AMMProgram = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	// WSOL is the wrapped SOL mint.
	WSOL = "So11111111111111111111111111111111111111112"
)

// Normalized error keys. Anything else is the raw error message.
const (
	errKeyNoInstructions   = "no_instructions"
	errKeyDecodeError      = "decode_error"
	errKeyNoMatch          = "no_match"
	errKeyInvalidSignature = "invalid_signature"
)

// ErrDecode marks data that matched a strategy's format but failed to decode.
var ErrDecode = errors.New("decode error")

// RawTransaction is the decoded upstream notification handed to the registry.
type RawTransaction struct {
	Signature   string
	Slot        uint64
	Timestamp   int64 // Unix milliseconds
	Logs        []string
	AccountKeys []string
}

// Strategy attempts one decoding approach. Parse returns (nil, nil) when the
// transaction does not match the strategy's format at all.
type Strategy interface {
	Name() string
	Parse(tx RawTransaction) ([]domain.Payload, error)
}

// Metric is the per (programID, strategy) attempt record.
type Metric struct {
	ProgramID    string
	Strategy     string
	Attempts     uint64
	Successes    uint64
	Failures     uint64
	AvgParseTime time.Duration
	Errors       map[string]uint64
	LastUpdated  time.Time
}

type metricKey struct {
	programID string
	strategy  string
}

type metricState struct {
	attempts  uint64
	successes uint64
	failures  uint64
	totalTime time.Duration
	errors    map[string]uint64
	updatedAt time.Time
}

type family struct {
	programID  string
	source     domain.EventSource
	strategies []Strategy
}

// Registry routes transactions to program-family strategies and keeps the
// parse metrics.
type Registry struct {
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *zap.Logger

	families []family

	mu    sync.Mutex
	stats map[metricKey]*metricState
}

// NewRegistry creates a registry with the default bonding-curve and AMM
// strategies registered.
func NewRegistry(bus *events.Bus, metrics *observability.Metrics, logger *zap.Logger) *Registry {
	r := &Registry{
		bus:     bus,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "parser_registry")),
		stats:   make(map[metricKey]*metricState),
	}
	r.Register(BondingCurveProgram, domain.SourceBondingCurve,
		newCurveEventStrategy(), newCurveLogStrategy())
	r.Register(AMMProgram, domain.SourceAMMPool,
		newAMMRayLogStrategy(), newAMMAccountsStrategy())
	return r
}

// Register adds a program family with its strategies in priority order.
// Registering the same program again replaces its strategy list.
func (r *Registry) Register(programID string, source domain.EventSource, strategies ...Strategy) {
	for i, f := range r.families {
		if f.programID == programID {
			r.families[i].source = source
			r.families[i].strategies = strategies
			return
		}
	}
	r.families = append(r.families, family{
		programID:  programID,
		source:     source,
		strategies: strategies,
	})
}

// Parse decodes a transaction into domain events. Each targeted program
// family contributes the output of its first matching strategy; a family
// whose strategies all fail produces a ParseFailure notification. A
// transaction targeting no registered program returns nil without recording
// anything.
func (r *Registry) Parse(tx RawTransaction) []domain.Payload {
	if len(tx.Logs) == 0 {
		r.bus.PublishParseFailure(events.ParseFailure{
			Signature: tx.Signature,
			ErrorKey:  errKeyNoInstructions,
		})
		return nil
	}
	if !validSignature(tx.Signature) {
		r.bus.PublishParseFailure(events.ParseFailure{
			Signature: tx.Signature,
			ErrorKey:  errKeyInvalidSignature,
		})
		return nil
	}

	var out []domain.Payload
	for _, f := range r.families {
		if !targetsProgram(tx.Logs, f.programID) {
			continue
		}
		payloads, failKey, failStrategy := r.parseFamily(f, tx)
		if payloads == nil {
			r.bus.PublishParseFailure(events.ParseFailure{
				ProgramID: f.programID,
				Strategy:  failStrategy,
				Signature: tx.Signature,
				ErrorKey:  failKey,
			})
			continue
		}
		for _, p := range payloads {
			stampSource(p, f.source)
		}
		out = append(out, payloads...)
	}
	return out
}

// parseFamily tries the family's strategies in priority order. On total
// failure it returns the most specific error key seen and the strategy that
// produced it.
func (r *Registry) parseFamily(f family, tx RawTransaction) (payloads []domain.Payload, failKey, failStrategy string) {
	failKey = errKeyNoMatch
	for _, s := range f.strategies {
		start := time.Now()
		decoded, err := s.Parse(tx)
		elapsed := time.Since(start)

		if err == nil && len(decoded) > 0 {
			r.record(f.programID, s.Name(), elapsed, "")
			return decoded, "", ""
		}

		key := errKeyNoMatch
		if err != nil {
			key = errorKey(err)
		}
		r.record(f.programID, s.Name(), elapsed, key)
		if failKey == errKeyNoMatch && key != errKeyNoMatch {
			failKey = key
			failStrategy = s.Name()
		} else if failStrategy == "" {
			failStrategy = s.Name()
		}
	}
	return nil, failKey, failStrategy
}

// record updates the metric for one attempt; errKey empty means success.
func (r *Registry) record(programID, strategy string, elapsed time.Duration, errKey string) {
	r.metrics.ParseLatency.Observe(elapsed.Seconds())
	if errKey == "" {
		r.metrics.EventsParsed.WithLabelValues(programID, strategy).Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricKey{programID: programID, strategy: strategy}
	m, ok := r.stats[key]
	if !ok {
		m = &metricState{errors: make(map[string]uint64)}
		r.stats[key] = m
	}
	m.attempts++
	m.totalTime += elapsed
	if errKey == "" {
		m.successes++
	} else {
		m.failures++
		m.errors[errKey]++
	}
	m.updatedAt = time.Now()
}

// MetricsSnapshot returns a copy of every (programID, strategy) metric.
func (r *Registry) MetricsSnapshot() []Metric {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Metric, 0, len(r.stats))
	for key, m := range r.stats {
		metric := Metric{
			ProgramID:   key.programID,
			Strategy:    key.strategy,
			Attempts:    m.attempts,
			Successes:   m.successes,
			Failures:    m.failures,
			Errors:      make(map[string]uint64, len(m.errors)),
			LastUpdated: m.updatedAt,
		}
		if m.attempts > 0 {
			metric.AvgParseTime = m.totalTime / time.Duration(m.attempts)
		}
		for k, v := range m.errors {
			metric.Errors[k] = v
		}
		out = append(out, metric)
	}
	return out
}

// ResetMetrics clears all parse metrics. Operator action only.
func (r *Registry) ResetMetrics() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = make(map[metricKey]*metricState)
	r.logger.Info("parse metrics reset")
}

func errorKey(err error) string {
	if errors.Is(err, ErrDecode) {
		return errKeyDecodeError
	}
	return err.Error()
}

// stampSource fills the event-source field on payload kinds that carry one.
func stampSource(p domain.Payload, source domain.EventSource) {
	switch e := p.(type) {
	case *domain.TradeEvent:
		if e.Source == "" {
			e.Source = source
		}
	case *domain.LiquidityEvent:
		if e.Source == "" {
			e.Source = source
		}
	}
}

// targetsProgram reports whether the logs show an invocation of programID.
func targetsProgram(logs []string, programID string) bool {
	marker := "Program " + programID + " invoke"
	for _, l := range logs {
		if strings.HasPrefix(l, marker) {
			return true
		}
	}
	return false
}

// validSignature checks that the signature is base58 for a 64-byte value.
func validSignature(sig string) bool {
	if sig == "" {
		return false
	}
	raw, err := base58.Decode(sig)
	return err == nil && len(raw) == 64
}

// validAddress checks that the address is base58 for a 32-byte value.
func validAddress(addr string) bool {
	raw, err := base58.Decode(addr)
	return err == nil && len(raw) == 32
}
