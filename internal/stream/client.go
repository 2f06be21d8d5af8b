// Package stream is the upstream WebSocket feed: transaction logs, account
// updates, and slot notifications. Reconnect pacing and give-up decisions
// are delegated to the fault-tolerance controller; the client only dials,
// subscribes, and reads.
package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TransactionNotification is one transaction observed upstream.
type TransactionNotification struct {
	Signature   string
	Slot        uint64
	Logs        []string
	AccountKeys []string
	Failed      bool // transaction errored on chain
}

// AccountNotification is one account-bytes update.
type AccountNotification struct {
	Pubkey   string
	Owner    string
	Slot     uint64
	Lamports uint64
	Data     []byte
}

// SlotNotification is one slot advance. Root is the latest finalized slot
// known to the node.
type SlotNotification struct {
	Slot   uint64
	Parent uint64
	Root   uint64
}

// Handlers receives decoded notifications. Handlers run on the client's read
// goroutine and must not block.
type Handlers struct {
	OnTransaction func(TransactionNotification)
	OnAccount     func(AccountNotification)
	OnSlot        func(SlotNotification)
}

// ConnectionGuard is the fault-tolerance surface the client reports into.
type ConnectionGuard interface {
	Allow(connID string) error
	RecordSuccess(connID string)
	RecordFailure(connID string)
	NextReconnectDelay(connID string) (time.Duration, bool)
}

// Config tunes connection behavior.
type Config struct {
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		SubscribeTimeout: 30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

type subKind int

const (
	subTransactions subKind = iota
	subAccount
	subSlots
)

// desired is a subscription the client maintains across reconnects.
type desired struct {
	kind subKind
	key  string // program ID or account pubkey; empty for slots
}

// Client is one upstream WebSocket connection.
type Client struct {
	id       string
	endpoint string
	cfg      Config
	guard    ConnectionGuard
	handlers Handlers
	logger   *zap.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	requestID atomic.Uint64

	mu      sync.Mutex
	wants   []desired
	pending map[uint64]desired // request ID -> awaiting confirmation
	active  map[int64]desired  // subscription ID -> dispatch target
}

// NewClient creates a client for one endpoint. Run starts it.
func NewClient(id, endpoint string, cfg Config, guard ConnectionGuard, handlers Handlers, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = def.SubscribeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	return &Client{
		id:       id,
		endpoint: endpoint,
		cfg:      cfg,
		guard:    guard,
		handlers: handlers,
		logger:   logger.With(zap.String("component", "stream_client"), zap.String("connection", id)),
		pending:  make(map[uint64]desired),
		active:   make(map[int64]desired),
	}
}

// ID returns the connection identifier used with the guard.
func (c *Client) ID() string { return c.id }

// SubscribeTransactions adds a program-scoped transaction subscription,
// maintained across reconnects.
func (c *Client) SubscribeTransactions(programID string) {
	c.addWant(desired{kind: subTransactions, key: programID})
}

// SubscribeAccount adds an account-bytes subscription.
func (c *Client) SubscribeAccount(pubkey string) {
	c.addWant(desired{kind: subAccount, key: pubkey})
}

// SubscribeSlots adds the slot notification subscription.
func (c *Client) SubscribeSlots() {
	c.addWant(desired{kind: subSlots})
}

func (c *Client) addWant(d desired) {
	c.mu.Lock()
	for _, w := range c.wants {
		if w == d {
			c.mu.Unlock()
			return
		}
	}
	c.wants = append(c.wants, d)
	c.mu.Unlock()

	// Already connected: issue immediately; a failure here surfaces on the
	// read loop and triggers the normal reconnect path.
	if c.connected() {
		if err := c.sendSubscribe(d); err != nil {
			c.logger.Warn("subscribe failed", zap.Error(err))
		}
	}
}

// Run connects and reads until the context is canceled or the guard reports
// the connection terminally failed.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.guard.Allow(c.id); err != nil {
			// Breaker open: wait out the cooldown through the backoff
			// schedule rather than spinning.
			if !c.backoff(ctx) {
				return fmt.Errorf("connection %s: %w", c.id, err)
			}
			continue
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Warn("connect failed", zap.Error(err))
			c.guard.RecordFailure(c.id)
			if !c.backoff(ctx) {
				return fmt.Errorf("connection %s terminally failed", c.id)
			}
			continue
		}

		c.guard.RecordSuccess(c.id)
		if err := c.resubscribe(); err != nil {
			c.logger.Warn("resubscribe failed", zap.Error(err))
			c.guard.RecordFailure(c.id)
			c.closeConn()
			if !c.backoff(ctx) {
				return fmt.Errorf("connection %s terminally failed", c.id)
			}
			continue
		}

		err := c.readLoop(ctx)
		c.closeConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("connection lost", zap.Error(err))
		c.guard.RecordFailure(c.id)
		if !c.backoff(ctx) {
			return fmt.Errorf("connection %s terminally failed", c.id)
		}
	}
}

// backoff sleeps for the guard's next reconnect delay. False means the
// schedule is exhausted and the connection is terminal.
func (c *Client) backoff(ctx context.Context) bool {
	delay, ok := c.guard.NextReconnectDelay(c.id)
	if !ok {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(dialCtx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", c.endpoint, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.mu.Lock()
	c.pending = make(map[uint64]desired)
	c.active = make(map[int64]desired)
	c.mu.Unlock()
	return nil
}

func (c *Client) connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// resubscribe re-issues every desired subscription on a fresh connection.
func (c *Client) resubscribe() error {
	c.mu.Lock()
	wants := make([]desired, len(c.wants))
	copy(wants, c.wants)
	c.mu.Unlock()

	for _, d := range wants {
		if err := c.sendSubscribe(d); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendSubscribe(d desired) error {
	reqID := c.requestID.Add(1)

	var req wsRequest
	switch d.kind {
	case subTransactions:
		req = wsRequest{
			JSONRPC: "2.0", ID: reqID, Method: "logsSubscribe",
			Params: []any{
				map[string]any{"mentions": []string{d.key}},
				map[string]string{"commitment": "processed"},
			},
		}
	case subAccount:
		req = wsRequest{
			JSONRPC: "2.0", ID: reqID, Method: "accountSubscribe",
			Params: []any{
				d.key,
				map[string]string{"encoding": "base64", "commitment": "confirmed"},
			},
		}
	case subSlots:
		req = wsRequest{JSONRPC: "2.0", ID: reqID, Method: "slotSubscribe"}
	}

	c.mu.Lock()
	c.pending[reqID] = d
	c.mu.Unlock()

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(req)
}

func (c *Client) readLoop(ctx context.Context) error {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				c.connMu.Lock()
				if c.conn != nil {
					c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
					c.conn.WriteMessage(websocket.PingMessage, nil)
				}
				c.connMu.Unlock()
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	// Subscription confirmations carry a numeric result for a pending ID.
	var resp wsSubscribeResponse
	if err := json.Unmarshal(message, &resp); err == nil && resp.Result > 0 && resp.Method == "" {
		c.mu.Lock()
		if d, ok := c.pending[resp.ID]; ok {
			delete(c.pending, resp.ID)
			c.active[resp.Result] = d
		}
		c.mu.Unlock()
		return
	}

	var notif wsNotification
	if err := json.Unmarshal(message, &notif); err != nil || notif.Params == nil {
		return
	}

	c.mu.Lock()
	d, ok := c.active[notif.Params.Subscription]
	c.mu.Unlock()

	switch notif.Method {
	case "logsNotification":
		if ok && d.kind == subTransactions {
			c.dispatchTransaction(&notif)
		}
	case "accountNotification":
		if ok && d.kind == subAccount {
			c.dispatchAccount(&notif, d.key)
		}
	case "slotNotification":
		c.dispatchSlot(&notif)
	}
}

func (c *Client) dispatchTransaction(notif *wsNotification) {
	if c.handlers.OnTransaction == nil {
		return
	}
	var value struct {
		Signature string   `json:"signature"`
		Logs      []string `json:"logs"`
		Err       any      `json:"err"`
		Accounts  []string `json:"accounts"`
	}
	if err := json.Unmarshal(notif.Params.Result.Value, &value); err != nil {
		c.logger.Warn("malformed transaction notification", zap.Error(err))
		return
	}
	tx := TransactionNotification{
		Signature:   value.Signature,
		Logs:        value.Logs,
		AccountKeys: value.Accounts,
		Failed:      value.Err != nil,
	}
	if notif.Params.Result.Context != nil {
		tx.Slot = notif.Params.Result.Context.Slot
	}
	c.handlers.OnTransaction(tx)
}

func (c *Client) dispatchAccount(notif *wsNotification, pubkey string) {
	if c.handlers.OnAccount == nil {
		return
	}
	var value struct {
		Lamports uint64   `json:"lamports"`
		Owner    string   `json:"owner"`
		Data     []string `json:"data"` // [payload, encoding]
	}
	if err := json.Unmarshal(notif.Params.Result.Value, &value); err != nil {
		c.logger.Warn("malformed account notification", zap.Error(err))
		return
	}
	acct := AccountNotification{
		Pubkey:   pubkey,
		Owner:    value.Owner,
		Lamports: value.Lamports,
	}
	if notif.Params.Result.Context != nil {
		acct.Slot = notif.Params.Result.Context.Slot
	}
	if len(value.Data) > 0 {
		raw, err := base64.StdEncoding.DecodeString(value.Data[0])
		if err != nil {
			c.logger.Warn("malformed account data", zap.String("pubkey", pubkey), zap.Error(err))
			return
		}
		acct.Data = raw
	}
	c.handlers.OnAccount(acct)
}

func (c *Client) dispatchSlot(notif *wsNotification) {
	if c.handlers.OnSlot == nil {
		return
	}
	var value SlotNotification
	if err := json.Unmarshal(notif.Params.Result.Value, &value); err != nil {
		// slotNotification delivers the value object directly in result.
		if err2 := json.Unmarshal(notif.Params.RawResult, &value); err2 != nil {
			c.logger.Warn("malformed slot notification", zap.Error(err))
			return
		}
	}
	c.handlers.OnSlot(value)
}

// Wire types.

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type wsSubscribeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  int64  `json:"result"`
	Method  string `json:"method"`
}

type wsNotification struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  *wsParams `json:"params"`
}

type wsParams struct {
	Subscription int64           `json:"subscription"`
	Result       wsResult        `json:"-"`
	RawResult    json.RawMessage `json:"result"`
}

type wsResult struct {
	Context *wsContext      `json:"context"`
	Value   json.RawMessage `json:"value"`
}

type wsContext struct {
	Slot uint64 `json:"slot"`
}

// UnmarshalJSON keeps both the raw result (slot notifications put the value
// object directly there) and the context/value form used by the other
// notification kinds.
func (p *wsParams) UnmarshalJSON(data []byte) error {
	type alias struct {
		Subscription int64           `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	p.Subscription = a.Subscription
	p.RawResult = a.Result
	// Context/value form is optional; ignore mismatches.
	_ = json.Unmarshal(a.Result, &p.Result)
	return nil
}
