package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/money"
)

// Sentinel errors returned by Repository implementations.
var (
	// ErrInstructionNotFound is returned when an instruction does not exist
	// in the tenant's scope.
	ErrInstructionNotFound = errors.New("payment instruction not found")

	// ErrDuplicateInstruction is returned when inserting an instruction whose
	// (tenant, idempotency_key) already exists.
	ErrDuplicateInstruction = errors.New("duplicate payment instruction")

	// ErrInstructionState is returned when a conditional status update finds
	// the row in a different state.
	ErrInstructionState = errors.New("instruction not in expected state")

	// ErrAttemptNotFound is returned when an instruction has no attempts.
	ErrAttemptNotFound = errors.New("payment attempt not found")

	// ErrDuplicateAttempt is returned when inserting an attempt whose
	// (tenant, provider_request_id) already exists.
	ErrDuplicateAttempt = errors.New("duplicate payment attempt")
)

// Repository is the storage contract for instructions and attempts.
type Repository interface {
	// InsertInstruction stores a new instruction. Returns
	// ErrDuplicateInstruction when the (tenant, idempotency_key) exists.
	InsertInstruction(ctx context.Context, instruction *Instruction) error

	// GetInstruction returns an instruction by id within the tenant.
	GetInstruction(ctx context.Context, tenantID, instructionID uuid.UUID) (*Instruction, error)

	// GetInstructionByKey returns the instruction stored under an idempotency
	// key, or ErrInstructionNotFound.
	GetInstructionByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*Instruction, error)

	// UpdateInstructionStatus moves an instruction between statuses. The
	// update is conditional on the current status; ErrInstructionState is
	// returned when the row is not in the expected state.
	UpdateInstructionStatus(ctx context.Context, tenantID, instructionID uuid.UUID, from, to Status, at time.Time) error

	// FindByProviderRequest returns the instruction whose attempt carries the
	// provider request id, or ErrInstructionNotFound.
	FindByProviderRequest(ctx context.Context, tenantID uuid.UUID, providerRequestID string) (*Instruction, error)

	// FindMatchCandidates returns instructions in submitted or accepted
	// status with the given amount and direction created inside the window.
	// The reconciler uses this for amount+date matching.
	FindMatchCandidates(ctx context.Context, tenantID uuid.UUID, amount money.Money, direction Direction, from, to time.Time) ([]Instruction, error)

	// InsertAttempt stores a new attempt. Returns ErrDuplicateAttempt when
	// the (tenant, provider_request_id) exists.
	InsertAttempt(ctx context.Context, attempt *Attempt) error

	// LatestAttempt returns the highest-numbered attempt for an instruction,
	// or ErrAttemptNotFound.
	LatestAttempt(ctx context.Context, tenantID, instructionID uuid.UUID) (*Attempt, error)

	// UpdateAttempt records the outcome of an attempt.
	UpdateAttempt(ctx context.Context, attempt *Attempt) error
}
