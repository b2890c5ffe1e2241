package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/money"
)

// Sentinel errors returned by Repository implementations.
var (
	// ErrAccountNotFound is returned when an account id does not exist in the
	// tenant's scope.
	ErrAccountNotFound = errors.New("ledger account not found")

	// ErrPostingNotFound is returned when no posting exists for an
	// idempotency key.
	ErrPostingNotFound = errors.New("posting not found")

	// ErrDuplicatePosting is returned when inserting a posting whose
	// (tenant, idempotency_key) already exists.
	ErrDuplicatePosting = errors.New("duplicate posting")

	// ErrReservationNotFound is returned when a reservation id does not exist.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationState is returned when a conditional reservation
	// transition finds the row in a different state.
	ErrReservationState = errors.New("reservation not in expected state")
)

// Repository is the storage contract the ledger service requires. Every
// method is atomic on its own; InsertPosting in particular must write all
// entries and the idempotency row in one database transaction or not at all.
type Repository interface {
	// ResolveAccount returns the account for the key, creating it on first
	// use. Accounts are immutable once created (aside from flags), so callers
	// may cache the result.
	ResolveAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType AccountType, currency string) (*Account, error)

	// GetAccount returns an account by id within the tenant.
	GetAccount(ctx context.Context, tenantID, accountID uuid.UUID) (*Account, error)

	// SetFundingHold flips the funding-hold flag on an account.
	SetFundingHold(ctx context.Context, tenantID, accountID uuid.UUID, hold bool) error

	// InsertPosting atomically writes a balanced entry set. Returns
	// ErrDuplicatePosting when the (tenant, idempotency_key) already exists.
	InsertPosting(ctx context.Context, tenantID uuid.UUID, idempotencyKey string, entries []Entry) error

	// GetPostingEntries returns the entries previously written under the
	// idempotency key, or ErrPostingNotFound.
	GetPostingEntries(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) ([]Entry, error)

	// EntryTotals returns the credit and debit sums for an account.
	EntryTotals(ctx context.Context, tenantID, accountID uuid.UUID) (credits, debits money.Money, err error)

	// HeldReservationTotal returns the sum of held reservations backed by the
	// account.
	HeldReservationTotal(ctx context.Context, tenantID, accountID uuid.UUID) (money.Money, error)

	// InsertReservation stores a new reservation.
	InsertReservation(ctx context.Context, r *Reservation) error

	// GetReservation returns a reservation by id within the tenant.
	GetReservation(ctx context.Context, tenantID, reservationID uuid.UUID) (*Reservation, error)

	// FindHeldReservation returns a held reservation for the source entity,
	// or ErrReservationNotFound. The pay gate uses this to verify coverage.
	FindHeldReservation(ctx context.Context, tenantID uuid.UUID, sourceType string, sourceID uuid.UUID) (*Reservation, error)

	// TransitionReservation moves a reservation from one status to another.
	// The update is conditional on the current status; ErrReservationState is
	// returned when the row is not in the expected state.
	TransitionReservation(ctx context.Context, tenantID, reservationID uuid.UUID, from, to ReservationStatus) error

	// ListExpiredHeld returns held reservations whose TTL elapsed before now.
	ListExpiredHeld(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}
