package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler receives events synchronously after they are persisted.
type Handler func(ctx context.Context, e *Event) error

// Filter narrows a LoadBy query. Zero fields match everything.
type Filter struct {
	Types         []Type
	CorrelationID uuid.UUID
	Since         time.Time
	Limit         int
}

// Store is the durable event log. Events are append-only and
// insertion-ordered per tenant; nothing is ever mutated or deleted.
type Store interface {
	// Append persists the event and assigns its per-tenant sequence number.
	Append(ctx context.Context, e *Event) error

	// LoadBy returns events for a tenant matching the filter, in insertion
	// order.
	LoadBy(ctx context.Context, tenantID uuid.UUID, filter Filter) ([]Event, error)

	// Replay streams events for a tenant from a sequence number, in
	// insertion order, until fn returns an error or the log is exhausted.
	Replay(ctx context.Context, tenantID uuid.UUID, fromSeq uint64, fn func(e *Event) error) error
}

// Emitter persists events and fans them out synchronously to registered
// handlers in registration order. A failing handler does not prevent the
// store write nor subsequent handlers; handler errors are collected.
type Emitter struct {
	store Store
	now   func() time.Time

	mu       sync.RWMutex
	handlers []Handler
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithEmitterClock overrides the time source. For tests.
func WithEmitterClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) { e.now = now }
}

// NewEmitter creates an emitter over a store.
func NewEmitter(store Store, options ...EmitterOption) *Emitter {
	e := &Emitter{store: store, now: time.Now}
	for _, option := range options {
		option(e)
	}
	return e
}

// Register adds a handler. Handlers run in registration order, once per
// event.
func (e *Emitter) Register(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Emit persists the event, then invokes every handler. The returned error is
// the store failure if persisting failed, otherwise the joined handler
// errors. The event is durable even when handlers fail.
func (e *Emitter) Emit(ctx context.Context, md Metadata, payload Payload) (*Event, error) {
	event := &Event{
		ID:         uuid.New(),
		Type:       payload.Kind(),
		OccurredAt: e.now().UTC(),
		Metadata:   md,
		Payload:    payload,
	}

	if err := e.store.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("append event %s: %w", event.Type, err)
	}

	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("handler for %s: %w", event.Type, err))
		}
	}
	return event, errors.Join(errs...)
}
