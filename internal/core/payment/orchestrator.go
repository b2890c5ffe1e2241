package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/money"
)

// ErrNotSubmittable is returned when Submit is called on an instruction in a
// terminal or canceled state.
var ErrNotSubmittable = errors.New("instruction cannot be submitted")

// DefaultSubmitTimeout bounds a single provider submission.
const DefaultSubmitTimeout = 30 * time.Second

// ProviderResponse is what a rail provider reports for a submission.
type ProviderResponse struct {
	Accepted          bool
	ProviderRequestID string
	Message           string
}

// Submitter is the slice of a rail provider the orchestrator consumes.
type Submitter interface {
	Name() string
	Submit(ctx context.Context, instruction *Instruction) (*ProviderResponse, error)
}

// Orchestrator creates instructions, submits them to providers and applies
// provider-sourced status updates through the state machine.
type Orchestrator struct {
	repo          Repository
	submitTimeout time.Duration
	now           func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSubmitTimeout bounds each provider submission.
func WithSubmitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.submitTimeout = d }
}

// NewOrchestrator creates a payment orchestrator.
func NewOrchestrator(repo Repository, options ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:          repo,
		submitTimeout: DefaultSubmitTimeout,
		now:           time.Now,
	}
	for _, option := range options {
		option(o)
	}
	return o
}

// EmployeeNetRequest creates an employee net-pay instruction.
type EmployeeNetRequest struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	EmployeeID     uuid.UUID
	PayStatementID uuid.UUID
	Amount         money.Money
	SourceType     string
	SourceID       uuid.UUID
	IdempotencyKey string
}

// TaxRequest creates a tax remittance instruction.
type TaxRequest struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	TaxAgencyID    uuid.UUID
	TaxLiabilityID uuid.UUID
	Amount         money.Money
	SourceType     string
	SourceID       uuid.UUID
	IdempotencyKey string
}

// ThirdPartyRequest creates a vendor payment instruction.
type ThirdPartyRequest struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	VendorID       uuid.UUID
	ObligationID   uuid.UUID
	Amount         money.Money
	SourceType     string
	SourceID       uuid.UUID
	IdempotencyKey string
}

// CreateEmployeeNetInstruction creates a draft employee_net instruction.
// Idempotent per (tenant, idempotency_key).
func (o *Orchestrator) CreateEmployeeNetInstruction(ctx context.Context, req EmployeeNetRequest) (*InstructionResult, error) {
	return o.createInstruction(ctx, &Instruction{
		TenantID:       req.TenantID,
		LegalEntityID:  req.LegalEntityID,
		Purpose:        PurposeEmployeeNet,
		Amount:         req.Amount,
		PayeeType:      "employee",
		PayeeRefID:     req.EmployeeID,
		ReferenceID:    req.PayStatementID,
		SourceType:     req.SourceType,
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// CreateTaxInstruction creates a draft tax_payment instruction. Idempotent
// per (tenant, idempotency_key).
func (o *Orchestrator) CreateTaxInstruction(ctx context.Context, req TaxRequest) (*InstructionResult, error) {
	return o.createInstruction(ctx, &Instruction{
		TenantID:       req.TenantID,
		LegalEntityID:  req.LegalEntityID,
		Purpose:        PurposeTaxPayment,
		Amount:         req.Amount,
		PayeeType:      "tax_authority",
		PayeeRefID:     req.TaxAgencyID,
		ReferenceID:    req.TaxLiabilityID,
		SourceType:     req.SourceType,
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// CreateThirdPartyInstruction creates a draft vendor_payment instruction.
// Idempotent per (tenant, idempotency_key).
func (o *Orchestrator) CreateThirdPartyInstruction(ctx context.Context, req ThirdPartyRequest) (*InstructionResult, error) {
	return o.createInstruction(ctx, &Instruction{
		TenantID:       req.TenantID,
		LegalEntityID:  req.LegalEntityID,
		Purpose:        PurposeVendorPayment,
		Amount:         req.Amount,
		PayeeType:      "vendor",
		PayeeRefID:     req.VendorID,
		ReferenceID:    req.ObligationID,
		SourceType:     req.SourceType,
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (o *Orchestrator) createInstruction(ctx context.Context, instruction *Instruction) (*InstructionResult, error) {
	if instruction.IdempotencyKey == "" {
		return nil, errors.New("instruction requires an idempotency key")
	}
	if !instruction.Amount.IsPositive() {
		return nil, fmt.Errorf("instruction amount must be positive, got %s", instruction.Amount)
	}

	if existing, err := o.repo.GetInstructionByKey(ctx, instruction.TenantID, instruction.IdempotencyKey); err == nil {
		return &InstructionResult{InstructionID: existing.ID, Status: existing.Status, Replayed: true}, nil
	} else if !errors.Is(err, ErrInstructionNotFound) {
		return nil, err
	}

	now := o.now().UTC()
	instruction.ID = uuid.New()
	instruction.Direction = Outbound
	instruction.Status = StatusDraft
	instruction.CreatedAt = now
	instruction.UpdatedAt = now

	if err := o.repo.InsertInstruction(ctx, instruction); err != nil {
		if errors.Is(err, ErrDuplicateInstruction) {
			existing, readErr := o.repo.GetInstructionByKey(ctx, instruction.TenantID, instruction.IdempotencyKey)
			if readErr != nil {
				return nil, readErr
			}
			return &InstructionResult{InstructionID: existing.ID, Status: existing.Status, Replayed: true}, nil
		}
		return nil, err
	}
	return &InstructionResult{InstructionID: instruction.ID, Status: StatusDraft}, nil
}

// Submit sends an instruction to a provider. A retry reuses the latest
// attempt if its outcome is still open; a completed attempt starts a new one
// with the next attempt number. A provider deadline records the attempt as
// submit_unknown and leaves the instruction submitted pending callback or
// reconciliation.
func (o *Orchestrator) Submit(ctx context.Context, tenantID, instructionID uuid.UUID, provider Submitter) (*SubmissionResult, error) {
	instruction, err := o.repo.GetInstruction(ctx, tenantID, instructionID)
	if err != nil {
		return nil, err
	}
	if instruction.Status != StatusDraft && instruction.Status != StatusSubmitted {
		return nil, fmt.Errorf("%w: instruction %s is %s", ErrNotSubmittable, instructionID, instruction.Status)
	}

	attempt, err := o.openAttempt(ctx, instruction, provider.Name())
	if err != nil {
		return nil, err
	}

	if instruction.Status == StatusDraft {
		if err := o.repo.UpdateInstructionStatus(ctx, tenantID, instructionID, StatusDraft, StatusSubmitted, o.now().UTC()); err != nil {
			return nil, err
		}
		instruction.Status = StatusSubmitted
	}

	submitCtx, cancel := context.WithTimeout(ctx, o.submitTimeout)
	defer cancel()
	response, submitErr := provider.Submit(submitCtx, instruction)

	at := o.now().UTC()
	switch {
	case submitErr != nil:
		// Outcome unobserved. The rail may or may not have the payment;
		// only a callback or reconciliation can resolve it.
		attempt.Status = AttemptUnknown
		attempt.ResponsePayload = submitErr.Error()
		if err := o.repo.UpdateAttempt(ctx, attempt); err != nil {
			return nil, err
		}
		return &SubmissionResult{
			AttemptID: attempt.ID,
			Message:   fmt.Sprintf("submission outcome unknown: %v", submitErr),
		}, nil

	case response.Accepted:
		attempt.Status = AttemptAccepted
		attempt.ProviderRequestID = response.ProviderRequestID
		attempt.ResponsePayload = response.Message
		if err := o.repo.UpdateAttempt(ctx, attempt); err != nil {
			return nil, err
		}
		if err := o.repo.UpdateInstructionStatus(ctx, tenantID, instructionID, StatusSubmitted, StatusAccepted, at); err != nil {
			return nil, err
		}
		return &SubmissionResult{
			Accepted:          true,
			AttemptID:         attempt.ID,
			ProviderRequestID: response.ProviderRequestID,
			Message:           response.Message,
		}, nil

	default:
		attempt.Status = AttemptRejected
		attempt.ProviderRequestID = response.ProviderRequestID
		attempt.ResponsePayload = response.Message
		if err := o.repo.UpdateAttempt(ctx, attempt); err != nil {
			return nil, err
		}
		if err := o.repo.UpdateInstructionStatus(ctx, tenantID, instructionID, StatusSubmitted, StatusFailed, at); err != nil {
			return nil, err
		}
		return &SubmissionResult{
			AttemptID:         attempt.ID,
			ProviderRequestID: response.ProviderRequestID,
			Message:           response.Message,
		}, nil
	}
}

func (o *Orchestrator) openAttempt(ctx context.Context, instruction *Instruction, providerName string) (*Attempt, error) {
	latest, err := o.repo.LatestAttempt(ctx, instruction.TenantID, instruction.ID)
	switch {
	case errors.Is(err, ErrAttemptNotFound):
		// first submission
	case err != nil:
		return nil, err
	case latest.Status == AttemptPending || latest.Status == AttemptUnknown:
		return latest, nil
	}

	attemptNo := 1
	if latest != nil {
		attemptNo = latest.AttemptNo + 1
	}
	attempt := &Attempt{
		ID:            uuid.New(),
		TenantID:      instruction.TenantID,
		InstructionID: instruction.ID,
		ProviderName:  providerName,
		AttemptNo:     attemptNo,
		Status:        AttemptPending,
		SubmittedAt:   o.now().UTC(),
	}
	if err := o.repo.InsertAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	return attempt, nil
}

// UpdateStatus applies a provider-sourced status. Duplicates and stale
// out-of-order events are absorbed without writing; anything the state
// machine does not permit is rejected. A settled notification on a still
// submitted instruction promotes through accepted.
func (o *Orchestrator) UpdateStatus(ctx context.Context, tenantID, instructionID uuid.UUID, newStatus Status, occurredAt time.Time) (*StatusUpdate, error) {
	instruction, err := o.repo.GetInstruction(ctx, tenantID, instructionID)
	if err != nil {
		return nil, err
	}
	current := instruction.Status

	if current == newStatus {
		return &StatusUpdate{Previous: current, New: newStatus}, nil
	}

	// A settled event arriving after the return it predates is history, not
	// a transition. Newer ones are rejected outright.
	if current == StatusReturned && newStatus == StatusSettled {
		if occurredAt.Before(instruction.UpdatedAt) {
			return &StatusUpdate{Previous: current, New: current}, nil
		}
		return nil, fmt.Errorf("%w: settled after returned on %s", ErrIllegalTransition, instructionID)
	}

	path, err := TransitionPath(current, newStatus)
	if err != nil {
		return nil, err
	}

	at := o.now().UTC()
	from := current
	for _, next := range path {
		if err := o.repo.UpdateInstructionStatus(ctx, tenantID, instructionID, from, next, at); err != nil {
			return nil, err
		}
		from = next
	}
	return &StatusUpdate{Previous: current, New: newStatus, Applied: true}, nil
}

// Cancel cancels a draft instruction. Anything already submitted can only be
// canceled by the rail itself, through a callback.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, instructionID uuid.UUID) error {
	instruction, err := o.repo.GetInstruction(ctx, tenantID, instructionID)
	if err != nil {
		return err
	}
	if instruction.Status != StatusDraft {
		return fmt.Errorf("%w: %s -> %s locally", ErrIllegalTransition, instruction.Status, StatusCanceled)
	}
	return o.repo.UpdateInstructionStatus(ctx, tenantID, instructionID, StatusDraft, StatusCanceled, o.now().UTC())
}

// GetInstruction returns an instruction by id.
func (o *Orchestrator) GetInstruction(ctx context.Context, tenantID, instructionID uuid.UUID) (*Instruction, error) {
	return o.repo.GetInstruction(ctx, tenantID, instructionID)
}

// FindByProviderRequest returns the instruction behind a provider request id.
func (o *Orchestrator) FindByProviderRequest(ctx context.Context, tenantID uuid.UUID, providerRequestID string) (*Instruction, error) {
	return o.repo.FindByProviderRequest(ctx, tenantID, providerRequestID)
}

// FindMatchCandidates exposes candidate search for the reconciler.
func (o *Orchestrator) FindMatchCandidates(ctx context.Context, tenantID uuid.UUID, amount money.Money, direction Direction, from, to time.Time) ([]Instruction, error) {
	return o.repo.FindMatchCandidates(ctx, tenantID, amount, direction, from, to)
}
