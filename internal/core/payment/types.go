// Package payment implements the payment instruction lifecycle: creation,
// idempotent provider submission with attempt tracking, and the status state
// machine that orders every transition.
package payment

import (
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/money"
)

// Purpose tags what an instruction pays for. Each purpose carries a
// purpose-specific reference: employee_net a pay statement, tax_payment a tax
// liability, vendor_payment an obligation.
type Purpose string

const (
	PurposeEmployeeNet   Purpose = "employee_net"
	PurposeTaxPayment    Purpose = "tax_payment"
	PurposeVendorPayment Purpose = "vendor_payment"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeEmployeeNet, PurposeTaxPayment, PurposeVendorPayment:
		return true
	}
	return false
}

// Direction of money movement relative to the PSP.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Status is the lifecycle state of an instruction.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusAccepted  Status = "accepted"
	StatusSettled   Status = "settled"
	StatusFailed    Status = "failed"
	StatusReturned  Status = "returned"
	StatusCanceled  Status = "canceled"
)

// Instruction is a single payment to issue over a rail.
type Instruction struct {
	ID            uuid.UUID   `json:"instruction_id"`
	TenantID      uuid.UUID   `json:"tenant_id"`
	LegalEntityID uuid.UUID   `json:"legal_entity_id"`
	Purpose       Purpose     `json:"purpose"`
	Direction     Direction   `json:"direction"`
	Amount        money.Money `json:"amount"`
	PayeeType     string      `json:"payee_type"`
	PayeeRefID    uuid.UUID   `json:"payee_ref_id"`

	// ReferenceID is the purpose-specific upstream reference: pay statement
	// for employee_net, tax liability for tax_payment, obligation for
	// vendor_payment.
	ReferenceID uuid.UUID `json:"reference_id"`

	SourceType     string    `json:"source_type"`
	SourceID       uuid.UUID `json:"source_id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// AttemptStatus is the outcome of one provider submission.
type AttemptStatus string

const (
	AttemptPending  AttemptStatus = "pending"
	AttemptAccepted AttemptStatus = "accepted"
	AttemptRejected AttemptStatus = "rejected"

	// AttemptUnknown records a submission whose outcome could not be
	// observed (provider deadline). The instruction stays submitted pending
	// a callback or reconciliation.
	AttemptUnknown AttemptStatus = "submit_unknown"
)

// Attempt is one submission of an instruction to a provider. Attempts for an
// instruction are totally ordered by AttemptNo.
type Attempt struct {
	ID                uuid.UUID     `json:"attempt_id"`
	TenantID          uuid.UUID     `json:"tenant_id"`
	InstructionID     uuid.UUID     `json:"instruction_id"`
	ProviderName      string        `json:"provider_name"`
	ProviderRequestID string        `json:"provider_request_id"`
	AttemptNo         int           `json:"attempt_no"`
	Status            AttemptStatus `json:"status"`
	SubmittedAt       time.Time     `json:"submitted_at"`
	ResponsePayload   string        `json:"response_payload"`
}

// InstructionResult is the outcome of creating an instruction.
type InstructionResult struct {
	InstructionID uuid.UUID `json:"instruction_id"`
	Status        Status    `json:"status"`

	// Replayed is true when the idempotency key matched an existing
	// instruction and nothing was written.
	Replayed bool `json:"replayed"`
}

// SubmissionResult is the outcome of submitting an instruction.
type SubmissionResult struct {
	Accepted          bool      `json:"accepted"`
	AttemptID         uuid.UUID `json:"attempt_id"`
	ProviderRequestID string    `json:"provider_request_id"`
	Message           string    `json:"message"`
}

// StatusUpdate reports the effect of applying a provider-sourced status.
type StatusUpdate struct {
	Previous Status `json:"previous_status"`
	New      Status `json:"new_status"`

	// Applied is false for duplicates and stale out-of-order events that
	// were absorbed without writing.
	Applied bool `json:"applied"`
}
