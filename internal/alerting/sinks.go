package alerting

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"solana-pool-watch/internal/domain"
)

// ConsoleSink logs alerts through the structured logger at a level matching
// the alert severity.
type ConsoleSink struct {
	logger *zap.Logger
}

// NewConsoleSink creates the always-on console sink.
func NewConsoleSink(logger *zap.Logger) *ConsoleSink {
	return &ConsoleSink{logger: logger.With(zap.String("component", "alert_console"))}
}

func (s *ConsoleSink) Deliver(a domain.Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("connection", a.ConnectionID),
		zap.String("message", a.Message),
	}
	switch a.Severity {
	case domain.AlertInfo:
		s.logger.Info(a.Title, fields...)
	case domain.AlertWarning:
		s.logger.Warn(a.Title, fields...)
	default:
		s.logger.Error(a.Title, fields...)
	}
	return nil
}

// WebhookSink posts alerts to an HTTP endpoint, fire-and-forget, with a rate
// limit so a burst of alerts cannot flood the receiver.
type WebhookSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewWebhookSink creates a webhook sink posting to url. perSecond bounds the
// outbound rate; burst is the short-term allowance.
func NewWebhookSink(url string, perSecond float64, burst int, logger *zap.Logger) *WebhookSink {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 5
	}
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger.With(zap.String("component", "alert_webhook")),
	}
}

type webhookPayload struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Connection string `json:"connection,omitempty"`
	Severity   string `json:"severity"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	CreatedAt  int64  `json:"created_at"`
}

// Deliver posts the alert asynchronously. Alerts beyond the rate limit are
// dropped and logged, never queued.
func (s *WebhookSink) Deliver(a domain.Alert) error {
	if !s.limiter.Allow() {
		s.logger.Warn("webhook alert dropped by rate limit", zap.String("alert_id", a.ID))
		return nil
	}
	go s.post(a)
	return nil
}

func (s *WebhookSink) post(a domain.Alert) {
	body, err := json.Marshal(webhookPayload{
		ID:         a.ID,
		Type:       string(a.Type),
		Connection: a.ConnectionID,
		Severity:   string(a.Severity),
		Title:      a.Title,
		Message:    a.Message,
		CreatedAt:  a.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("webhook payload encoding failed", zap.Error(err))
		return
	}

	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("webhook delivery failed", zap.String("alert_id", a.ID), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("webhook delivery rejected",
			zap.String("alert_id", a.ID),
			zap.Int("status", resp.StatusCode))
	}
}
