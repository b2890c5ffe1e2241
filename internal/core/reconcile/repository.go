package reconcile

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors returned by Repository implementations.
var (
	// ErrSettlementNotFound is returned when no event exists for the key.
	ErrSettlementNotFound = errors.New("settlement event not found")
)

// Repository is the storage contract for settlement events and links.
type Repository interface {
	// FindSettlementByTrace returns the event for (tenant, provider, trace),
	// or ErrSettlementNotFound.
	FindSettlementByTrace(ctx context.Context, tenantID uuid.UUID, providerName, externalTraceID string) (*SettlementEvent, error)

	// InsertSettlement stores a new settlement event.
	InsertSettlement(ctx context.Context, e *SettlementEvent) error

	// UpdateSettlementStatus moves an event between statuses.
	UpdateSettlementStatus(ctx context.Context, tenantID, eventID uuid.UUID, status SettlementStatus) error

	// InsertLink records a match.
	InsertLink(ctx context.Context, link *SettlementLink) error
}
