// Package events provides a typed publish/subscribe bus over the closed set
// of internal notification kinds. Subscribers are compile-time checked;
// there are no string event names.
package events

import (
	"sync"

	"solana-pool-watch/internal/domain"
)

// ParseFailure describes one failed decode attempt.
type ParseFailure struct {
	ProgramID string
	Strategy  string
	Signature string
	ErrorKey  string
}

// PoolDataNeeded asks an external fetcher to load account bytes for a pool
// whose reserves are unknown.
type PoolDataNeeded struct {
	TokenMint   string
	PoolAddress string // may be empty when only the mint is known
}

// Bus fans out notifications to registered handlers. Handlers run
// synchronously on the publisher's goroutine and must not block.
type Bus struct {
	mu sync.RWMutex

	poolState  []func(domain.PoolState)
	fork       []func(*domain.ForkEvent)
	parseFail  []func(ParseFailure)
	poolNeeded []func(PoolDataNeeded)
}

// NewBus creates an empty bus.
func NewBus() *Bus { return &Bus{} }

// OnPoolStateChanged registers a handler for pool-state updates.
func (b *Bus) OnPoolStateChanged(h func(domain.PoolState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.poolState = append(b.poolState, h)
}

// OnForkDetected registers a handler for detected forks.
func (b *Bus) OnForkDetected(h func(*domain.ForkEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fork = append(b.fork, h)
}

// OnParseFailure registers a handler for parse failures.
func (b *Bus) OnParseFailure(h func(ParseFailure)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parseFail = append(b.parseFail, h)
}

// OnPoolDataNeeded registers a handler for pool-data fetch requests.
func (b *Bus) OnPoolDataNeeded(h func(PoolDataNeeded)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.poolNeeded = append(b.poolNeeded, h)
}

// PublishPoolStateChanged notifies pool-state subscribers.
func (b *Bus) PublishPoolStateChanged(s domain.PoolState) {
	b.mu.RLock()
	handlers := b.poolState
	b.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// PublishForkDetected notifies fork subscribers.
func (b *Bus) PublishForkDetected(f *domain.ForkEvent) {
	b.mu.RLock()
	handlers := b.fork
	b.mu.RUnlock()
	for _, h := range handlers {
		h(f)
	}
}

// PublishParseFailure notifies parse-failure subscribers.
func (b *Bus) PublishParseFailure(f ParseFailure) {
	b.mu.RLock()
	handlers := b.parseFail
	b.mu.RUnlock()
	for _, h := range handlers {
		h(f)
	}
}

// PublishPoolDataNeeded notifies pool-data subscribers.
func (b *Bus) PublishPoolDataNeeded(r PoolDataNeeded) {
	b.mu.RLock()
	handlers := b.poolNeeded
	b.mu.RUnlock()
	for _, h := range handlers {
		h(r)
	}
}
