package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store. Used in tests and standalone runs that
// do not need a durable event log.
type MemoryStore struct {
	mu      sync.RWMutex
	byTen   map[uuid.UUID][]Event
	nextSeq map[uuid.UUID]uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTen:   make(map[uuid.UUID][]Event),
		nextSeq: make(map[uuid.UUID]uint64),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := e.Metadata.TenantID
	s.nextSeq[tenant]++
	e.Seq = s.nextSeq[tenant]
	s.byTen[tenant] = append(s.byTen[tenant], *e)
	return nil
}

// LoadBy implements Store.
func (s *MemoryStore) LoadBy(_ context.Context, tenantID uuid.UUID, filter Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.byTen[tenantID] {
		if !matches(&e, filter) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Replay implements Store.
func (s *MemoryStore) Replay(_ context.Context, tenantID uuid.UUID, fromSeq uint64, fn func(e *Event) error) error {
	s.mu.RLock()
	log := make([]Event, len(s.byTen[tenantID]))
	copy(log, s.byTen[tenantID])
	s.mu.RUnlock()

	for i := range log {
		if log[i].Seq < fromSeq {
			continue
		}
		if err := fn(&log[i]); err != nil {
			return err
		}
	}
	return nil
}

func matches(e *Event, filter Filter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.CorrelationID != uuid.Nil && e.Metadata.CorrelationID != filter.CorrelationID {
		return false
	}
	if !filter.Since.IsZero() && e.OccurredAt.Before(filter.Since) {
		return false
	}
	return true
}
