// Package alerting records operator notifications and delivers them to
// sinks. Emission for a (type, connection) pair is suppressed within a
// cooldown window to avoid alert storms; sink failures never block
// recording.
package alerting

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/observability"
)

// Sink delivers one alert. Delivery is best effort.
type Sink interface {
	Deliver(a domain.Alert) error
}

// Config tunes the alerter.
type Config struct {
	// Cooldown suppresses repeat alerts per (type, connection).
	Cooldown time.Duration
	// MaxHistory bounds the in-memory alert history.
	MaxHistory int
}

// DefaultConfig returns the default alerter configuration.
func DefaultConfig() Config {
	return Config{
		Cooldown:   time.Minute,
		MaxHistory: 500,
	}
}

type cooldownKey struct {
	alertType    domain.AlertType
	connectionID string
}

// Alerter records alerts and fans them out to sinks. The console sink is
// always present; others are optional.
type Alerter struct {
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger
	sinks   []Sink

	mu       sync.Mutex
	lastSent map[cooldownKey]time.Time
	history  []domain.Alert
}

// NewAlerter creates an alerter delivering to the given sinks.
func NewAlerter(cfg Config, metrics *observability.Metrics, logger *zap.Logger, sinks ...Sink) *Alerter {
	def := DefaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	return &Alerter{
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "alerting")),
		sinks:    sinks,
		lastSent: make(map[cooldownKey]time.Time),
	}
}

// Emit records an alert and delivers it, unless the (type, connection) pair
// is still in its cooldown window. Satisfies faulttolerance.AlertSink.
func (a *Alerter) Emit(alertType domain.AlertType, severity domain.AlertSeverity, connectionID, title, message string) {
	now := time.Now()
	key := cooldownKey{alertType: alertType, connectionID: connectionID}

	a.mu.Lock()
	if last, ok := a.lastSent[key]; ok && now.Sub(last) < a.cfg.Cooldown {
		a.mu.Unlock()
		return
	}
	a.lastSent[key] = now

	alert := domain.Alert{
		ID:           uuid.NewString(),
		Type:         alertType,
		ConnectionID: connectionID,
		Severity:     severity,
		Title:        title,
		Message:      message,
		CreatedAt:    now.UnixMilli(),
	}
	a.history = append(a.history, alert)
	if len(a.history) > a.cfg.MaxHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
	}
	sinks := a.sinks
	a.mu.Unlock()

	a.metrics.AlertsEmitted.WithLabelValues(string(severity)).Inc()

	for _, s := range sinks {
		if err := s.Deliver(alert); err != nil {
			a.logger.Warn("alert delivery failed",
				zap.String("alert_id", alert.ID),
				zap.String("type", string(alertType)),
				zap.Error(err))
		}
	}
}

// History returns up to n most recent alerts, newest first. n <= 0 returns
// everything retained.
func (a *Alerter) History(n int) []domain.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.history) {
		n = len(a.history)
	}
	out := make([]domain.Alert, 0, n)
	for i := len(a.history) - 1; i >= len(a.history)-n; i-- {
		out = append(out, a.history[i])
	}
	return out
}
