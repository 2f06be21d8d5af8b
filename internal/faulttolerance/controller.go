// Package faulttolerance governs retry, failover, and escalation for
// upstream connections: a per-connection circuit breaker, an exponential
// backoff reconnect schedule with a terminal attempt cap, and emergency
// detection when no connection is delivering data.
package faulttolerance

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/observability"
)

// ErrConnectionFailed is returned for connections in the terminal failed
// state; only operator action revives them.
var ErrConnectionFailed = errors.New("connection permanently failed")

// AlertSink receives escalations. Implementations must not block.
type AlertSink interface {
	Emit(alertType domain.AlertType, severity domain.AlertSeverity, connectionID, title, message string)
}

// Config tunes the controller.
type Config struct {
	// FailureThreshold is the consecutive failures that open a breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker waits before a half_open trial.
	Cooldown time.Duration
	// BaseReconnectDelay seeds the exponential backoff.
	BaseReconnectDelay time.Duration
	// MaxReconnectAttempts caps the backoff schedule; exceeding it is
	// terminal for the connection.
	MaxReconnectAttempts int
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		Cooldown:             30 * time.Second,
		BaseReconnectDelay:   time.Second,
		MaxReconnectAttempts: 10,
	}
}

type connection struct {
	id          string
	breaker     *breaker
	attempts    int  // reconnect attempts since the last success
	failed      bool // terminal
	breakerOpen bool // mirrors the breaker's open/half_open side
}

// ConnectionSnapshot is a point-in-time view of one connection.
type ConnectionSnapshot struct {
	ID                string
	Breaker           BreakerSnapshot
	ReconnectAttempts int
	Failed            bool
}

// Controller owns the per-connection breakers and the reconnect schedule.
type Controller struct {
	cfg     Config
	alerts  AlertSink
	metrics *observability.Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	conns     map[string]*connection
	emergency bool
}

// NewController creates a controller escalating through alerts.
func NewController(cfg Config, alerts AlertSink, metrics *observability.Metrics, logger *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.BaseReconnectDelay <= 0 {
		cfg.BaseReconnectDelay = def.BaseReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return &Controller{
		cfg:     cfg,
		alerts:  alerts,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "fault_tolerance")),
		conns:   make(map[string]*connection),
	}
}

// Register adds a connection under breaker control. Idempotent.
func (c *Controller) Register(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[connID]; ok {
		return
	}
	conn := &connection{id: connID}
	conn.breaker = newBreaker(c.cfg.FailureThreshold, c.cfg.Cooldown, func(from, to BreakerState) {
		c.onBreakerChange(connID, from, to)
	})
	c.conns[connID] = conn
}

// Allow reports whether traffic may flow on the connection.
func (c *Controller) Allow(connID string) error {
	conn, ok := c.lookup(connID)
	if !ok {
		return fmt.Errorf("unknown connection %q", connID)
	}
	if c.isFailed(conn) {
		return ErrConnectionFailed
	}
	return conn.breaker.Allow()
}

// RecordSuccess feeds a successful operation to the breaker and resets the
// reconnect schedule. A success on a previously failed connection revives it
// (operator restart path).
func (c *Controller) RecordSuccess(connID string) {
	conn, ok := c.lookup(connID)
	if !ok {
		return
	}
	// A half_open trial success closes the breaker here, which clears the
	// down flag through the state-change callback.
	conn.breaker.RecordSuccess()

	c.mu.Lock()
	conn.attempts = 0
	conn.failed = false
	recovered := c.emergency && !c.allDownLocked()
	if recovered {
		c.clearEmergencyLocked()
	}
	c.mu.Unlock()

	if recovered {
		c.logger.Info("upstream data flow restored", zap.String("connection", connID))
	}
}

// RecordFailure feeds a failed operation (including connect timeouts) to the
// breaker.
func (c *Controller) RecordFailure(connID string) {
	conn, ok := c.lookup(connID)
	if !ok {
		return
	}
	c.metrics.ConnectionFailures.WithLabelValues(connID).Inc()
	conn.breaker.RecordFailure()
}

// NextReconnectDelay advances the connection's reconnect schedule and
// returns the backoff delay before the next attempt:
// base × 2^(attempt−1). Exceeding the attempt cap moves the connection to
// the terminal failed state, raises a critical alert, and returns ok=false.
func (c *Controller) NextReconnectDelay(connID string) (delay time.Duration, ok bool) {
	c.mu.Lock()
	conn, found := c.conns[connID]
	if !found || conn.failed {
		c.mu.Unlock()
		return 0, false
	}

	conn.attempts++
	attempt := conn.attempts
	if attempt > c.cfg.MaxReconnectAttempts {
		conn.failed = true
		emergencyNow := c.evaluateEmergencyLocked()
		c.mu.Unlock()

		c.alerts.Emit(domain.AlertTypeConnectionFailed, domain.AlertCritical, connID,
			"connection permanently failed",
			fmt.Sprintf("reconnect attempts exhausted after %d tries", attempt-1))
		if emergencyNow {
			c.emitEmergency()
		}
		return 0, false
	}
	c.mu.Unlock()

	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	return c.cfg.BaseReconnectDelay << shift, true
}

// SelectFailover picks the healthiest connection other than exclude for
// resubscription: not failed, preferring closed breakers, then the fewest
// consecutive failures.
func (c *Controller) SelectFailover(exclude string) (string, bool) {
	c.mu.Lock()
	candidates := make([]*connection, 0, len(c.conns))
	for id, conn := range c.conns {
		if id == exclude || conn.failed {
			continue
		}
		candidates = append(candidates, conn)
	}
	c.mu.Unlock()

	var best string
	var bestClosed bool
	bestFailures := -1
	for _, conn := range candidates {
		snap := conn.breaker.Snapshot()
		closed := snap.State == BreakerClosed
		switch {
		case best == "",
			closed && !bestClosed,
			closed == bestClosed && snap.ConsecutiveFailures < bestFailures:
			best = conn.id
			bestClosed = closed
			bestFailures = snap.ConsecutiveFailures
		}
	}
	return best, best != ""
}

// Emergency reports whether all connections are down.
func (c *Controller) Emergency() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergency
}

// Snapshot returns a copy of every connection's state.
func (c *Controller) Snapshot() []ConnectionSnapshot {
	c.mu.Lock()
	conns := make([]*connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	out := make([]ConnectionSnapshot, 0, len(conns))
	for _, conn := range conns {
		c.mu.Lock()
		attempts, failed := conn.attempts, conn.failed
		c.mu.Unlock()
		out = append(out, ConnectionSnapshot{
			ID:                conn.id,
			Breaker:           conn.breaker.Snapshot(),
			ReconnectAttempts: attempts,
			Failed:            failed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// onBreakerChange runs on every breaker transition. It must not call back
// into the breaker that triggered it.
func (c *Controller) onBreakerChange(connID string, from, to BreakerState) {
	c.logger.Warn("breaker state change",
		zap.String("connection", connID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	c.mu.Lock()
	conn, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return
	}
	var emergencyNow bool
	switch to {
	case BreakerOpen:
		conn.breakerOpen = true
		c.metrics.BreakerOpen.WithLabelValues(connID).Set(1)
		emergencyNow = c.evaluateEmergencyLocked()
	case BreakerClosed:
		conn.breakerOpen = false
		c.metrics.BreakerOpen.WithLabelValues(connID).Set(0)
		c.clearEmergencyLocked()
	}
	c.mu.Unlock()

	if to == BreakerOpen {
		c.alerts.Emit(domain.AlertTypeBreakerOpen, domain.AlertError, connID,
			"circuit breaker opened",
			"consecutive failures reached threshold; traffic failed over")
	}
	if emergencyNow {
		c.emitEmergency()
	}
}

// evaluateEmergencyLocked flips the emergency flag when every connection is
// down and reports whether it just flipped.
func (c *Controller) evaluateEmergencyLocked() bool {
	if c.emergency || len(c.conns) == 0 {
		return false
	}
	if c.allDownLocked() {
		c.emergency = true
		c.metrics.EmergencyMode.Set(1)
		return true
	}
	return false
}

func (c *Controller) clearEmergencyLocked() {
	c.emergency = false
	c.metrics.EmergencyMode.Set(0)
}

func (c *Controller) allDownLocked() bool {
	for _, conn := range c.conns {
		if !conn.breakerOpen && !conn.failed {
			return false
		}
	}
	return true
}

func (c *Controller) emitEmergency() {
	c.alerts.Emit(domain.AlertTypeEmergency, domain.AlertCritical, "",
		"no upstream data flowing",
		"every upstream connection is open or failed; system degraded")
}

func (c *Controller) lookup(connID string) (*connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[connID]
	return conn, ok
}

func (c *Controller) isFailed(conn *connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.failed
}
