// Package pricing supplies the SOL/USD spot price used for fiat-denominated
// derivations. The oracle polls an external endpoint and always serves the
// last-known value; staleness is tolerated, blocking is not.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes the oracle.
type Config struct {
	// Endpoint returns a JSON body {"price": <float>}.
	Endpoint string
	// PollInterval is the refresh cadence.
	PollInterval time.Duration
	// RequestTimeout bounds one poll.
	RequestTimeout time.Duration
}

// DefaultConfig returns the default oracle configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Oracle polls the spot price and caches it. SolPriceUSD never blocks and
// returns zero until the first successful poll.
type Oracle struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	priceBits atomic.Uint64 // float64 bits of the last-known price
	updatedAt atomic.Int64  // Unix milliseconds
}

// NewOracle creates an oracle. Run starts polling.
func NewOracle(cfg Config, logger *zap.Logger) *Oracle {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &Oracle{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.With(zap.String("component", "price_oracle")),
	}
}

// SolPriceUSD returns the last-known price, zero when never fetched.
func (o *Oracle) SolPriceUSD() float64 {
	return math.Float64frombits(o.priceBits.Load())
}

// UpdatedAt returns when the price was last refreshed, Unix milliseconds.
func (o *Oracle) UpdatedAt() int64 { return o.updatedAt.Load() }

// Run polls until the context is canceled. Poll failures keep the previous
// value.
func (o *Oracle) Run(ctx context.Context) error {
	if err := o.poll(ctx); err != nil {
		o.logger.Warn("initial price fetch failed", zap.Error(err))
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.poll(ctx); err != nil {
				o.logger.Warn("price fetch failed, serving stale value",
					zap.Float64("last_price", o.SolPriceUSD()),
					zap.Error(err))
			}
		}
	}
}

func (o *Oracle) poll(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, o.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("build price request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch price: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("price endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode price body: %w", err)
	}
	if body.Price <= 0 {
		return fmt.Errorf("non-positive price %f", body.Price)
	}

	o.priceBits.Store(math.Float64bits(body.Price))
	o.updatedAt.Store(time.Now().UnixMilli())
	return nil
}
