// Package idempotency runs a handler at most once per event id.
package idempotency

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/chainflow/internal/runtime/events"
	"github.com/drblury/chainflow/internal/runtime/logging"
)

// Handler processes one event.
type Handler func(ctx context.Context, event events.BaseEvent) error

// Processor deduplicates handler invocations by key.
type Processor struct {
	store  Store
	locks  *keyedMutex
	logger logging.ServiceLogger
}

// NewProcessor creates a processor over store. A nil store uses a
// MemoryStore of MaxCacheSize.
func NewProcessor(store Store, logger logging.ServiceLogger) *Processor {
	if store == nil {
		store = NewMemoryStore(MaxCacheSize)
	}
	return &Processor{
		store:  store,
		locks:  newKeyedMutex(),
		logger: logging.ForComponent(logger, "idempotency"),
	}
}

// IsProcessed reports whether key has been marked.
func (p *Processor) IsProcessed(ctx context.Context, key string) (bool, error) {
	return p.store.Contains(ctx, key)
}

// MarkAsProcessed records key.
func (p *Processor) MarkAsProcessed(ctx context.Context, key string) error {
	return p.store.Add(ctx, key)
}

// ProcessOnce runs handler unless event.ID was already processed. It reports
// whether the handler ran and succeeded. A failed handler leaves the id
// unmarked so a redelivery can retry it.
//
// When the store cannot record a successful run the failure is logged and
// the run still counts as a success. The id stays unmarked, so delivery is
// at-least-once while the store is unavailable.
func (p *Processor) ProcessOnce(ctx context.Context, event events.BaseEvent, handler Handler) (bool, error) {
	return p.ProcessOnceKey(ctx, event.ID, event, handler)
}

// ProcessOnceKey is ProcessOnce with an explicit dedup key, for scoping
// deduplication per consumer.
func (p *Processor) ProcessOnceKey(ctx context.Context, key string, event events.BaseEvent, handler Handler) (bool, error) {
	unlock := p.locks.lock(key)
	defer unlock()

	done, err := p.store.Contains(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", key, err)
	}
	if done {
		p.logger.Debug("Skipping duplicate event", logging.LogFields{"event_id": event.ID, "key": key})
		return false, nil
	}

	if err := handler(ctx, event); err != nil {
		return false, err
	}
	if err := p.store.Add(ctx, key); err != nil {
		p.logger.Error("Failed to mark event as processed", err, logging.LogFields{"event_id": event.ID, "key": key})
	}
	return true, nil
}

// keyedMutex serialises work per key and frees entries once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
