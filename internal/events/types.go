// Package events defines the domain event envelope, the typed payloads for
// every event kind, the synchronous emitter and the store contract. Events
// bind the subsystems into one auditable timeline.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/money"
)

// Type identifies an event kind.
type Type string

const (
	TypeFundingRequested         Type = "funding.requested"
	TypeFundingApproved          Type = "funding.approved"
	TypeFundingBlocked           Type = "funding.blocked"
	TypeFundingInsufficientFunds Type = "funding.insufficient_funds"

	TypePaymentInstructionCreated Type = "payment.instruction_created"
	TypePaymentSubmitted          Type = "payment.submitted"
	TypePaymentSettled            Type = "payment.settled"
	TypePaymentReturned           Type = "payment.returned"
	TypePaymentFailed             Type = "payment.failed"

	TypeSettlementReceived      Type = "settlement.received"
	TypeReconciliationStarted   Type = "reconciliation.started"
	TypeReconciliationCompleted Type = "reconciliation.completed"

	TypeLiabilityClassified Type = "liability.classified"
)

// Metadata joins an event to its request and cause.
type Metadata struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	CausationID   uuid.UUID `json:"causation_id,omitempty"`
	SourceService string    `json:"source_service"`
}

// Payload is implemented by every event payload type.
type Payload interface {
	Kind() Type
}

// Event is the envelope persisted to the store. Seq is assigned by the store
// on append, insertion-ordered per tenant.
type Event struct {
	ID         uuid.UUID `json:"event_id"`
	Type       Type      `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Metadata   Metadata  `json:"metadata"`
	Payload    Payload   `json:"payload"`
	Seq        uint64    `json:"seq"`
}

// FundingRequested is emitted when a batch enters the commit gate.
type FundingRequested struct {
	FundingRequestID uuid.UUID   `json:"funding_request_id"`
	LegalEntityID    uuid.UUID   `json:"legal_entity_id"`
	PayRunID         uuid.UUID   `json:"pay_run_id"`
	RequestedAmount  money.Money `json:"requested_amount"`
	RequestedDate    time.Time   `json:"requested_date"`
}

func (FundingRequested) Kind() Type { return TypeFundingRequested }

// FundingApproved is emitted when the commit gate passes and funds are
// reserved.
type FundingApproved struct {
	FundingRequestID uuid.UUID   `json:"funding_request_id"`
	LegalEntityID    uuid.UUID   `json:"legal_entity_id"`
	ApprovedAmount   money.Money `json:"approved_amount"`
	AvailableBalance money.Money `json:"available_balance"`
	GateEvaluationID uuid.UUID   `json:"gate_evaluation_id"`
}

func (FundingApproved) Kind() Type { return TypeFundingApproved }

// FundingBlocked is emitted when the commit gate fails on policy.
type FundingBlocked struct {
	FundingRequestID uuid.UUID   `json:"funding_request_id"`
	LegalEntityID    uuid.UUID   `json:"legal_entity_id"`
	RequestedAmount  money.Money `json:"requested_amount"`
	AvailableBalance money.Money `json:"available_balance"`
	BlockReason      string      `json:"block_reason"`
	PolicyViolated   string      `json:"policy_violated,omitempty"`
}

func (FundingBlocked) Kind() Type { return TypeFundingBlocked }

// FundingInsufficientFunds is emitted when the strict commit gate fails on
// available balance.
type FundingInsufficientFunds struct {
	FundingRequestID uuid.UUID   `json:"funding_request_id"`
	LegalEntityID    uuid.UUID   `json:"legal_entity_id"`
	RequestedAmount  money.Money `json:"requested_amount"`
	AvailableBalance money.Money `json:"available_balance"`
	Shortfall        money.Money `json:"shortfall"`
}

func (FundingInsufficientFunds) Kind() Type { return TypeFundingInsufficientFunds }

// PaymentInstructionCreated is emitted once per instruction created during
// execution.
type PaymentInstructionCreated struct {
	InstructionID uuid.UUID   `json:"payment_instruction_id"`
	LegalEntityID uuid.UUID   `json:"legal_entity_id"`
	Purpose       string      `json:"purpose"`
	Direction     string      `json:"direction"`
	Amount        money.Money `json:"amount"`
	PayeeType     string      `json:"payee_type"`
	PayeeRefID    uuid.UUID   `json:"payee_ref_id"`
	SourceType    string      `json:"source_type"`
	SourceID      uuid.UUID   `json:"source_id"`
}

func (PaymentInstructionCreated) Kind() Type { return TypePaymentInstructionCreated }

// PaymentSubmitted is emitted when a provider accepts a submission.
type PaymentSubmitted struct {
	InstructionID     uuid.UUID `json:"payment_instruction_id"`
	AttemptID         uuid.UUID `json:"payment_attempt_id"`
	Rail              string    `json:"rail"`
	ProviderRequestID string    `json:"provider_request_id"`
}

func (PaymentSubmitted) Kind() Type { return TypePaymentSubmitted }

// PaymentSettled is emitted when a settlement confirms the payment landed.
type PaymentSettled struct {
	InstructionID     uuid.UUID   `json:"payment_instruction_id"`
	SettlementEventID uuid.UUID   `json:"settlement_event_id"`
	Amount            money.Money `json:"amount"`
	EffectiveDate     time.Time   `json:"effective_date"`
	ExternalTraceID   string      `json:"external_trace_id"`
}

func (PaymentSettled) Kind() Type { return TypePaymentSettled }

// PaymentReturned is emitted when the rail reverses a payment.
type PaymentReturned struct {
	InstructionID     uuid.UUID   `json:"payment_instruction_id"`
	SettlementEventID uuid.UUID   `json:"settlement_event_id"`
	Amount            money.Money `json:"amount"`
	ReturnCode        string      `json:"return_code"`
	ReturnReason      string      `json:"return_reason"`
	ReturnDate        time.Time   `json:"return_date"`
	LiabilityParty    string      `json:"liability_party"`
}

func (PaymentReturned) Kind() Type { return TypePaymentReturned }

// PaymentFailed is emitted when a submission is rejected or errors.
type PaymentFailed struct {
	InstructionID uuid.UUID `json:"payment_instruction_id"`
	AttemptID     uuid.UUID `json:"payment_attempt_id"`
	Provider      string    `json:"provider"`
	FailureReason string    `json:"failure_reason"`
	Retryable     bool      `json:"is_retryable"`
}

func (PaymentFailed) Kind() Type { return TypePaymentFailed }

// SettlementReceived is emitted once per settlement record ingested.
type SettlementReceived struct {
	SettlementEventID uuid.UUID   `json:"settlement_event_id"`
	BankAccountID     uuid.UUID   `json:"bank_account_id"`
	Rail              string      `json:"rail"`
	Direction         string      `json:"direction"`
	Amount            money.Money `json:"amount"`
	ExternalTraceID   string      `json:"external_trace_id"`
	EffectiveDate     time.Time   `json:"effective_date"`
	RecordStatus      string      `json:"status"`
}

func (SettlementReceived) Kind() Type { return TypeSettlementReceived }

// ReconciliationStarted is emitted at the top of a reconciliation run.
type ReconciliationStarted struct {
	ReconciliationID   uuid.UUID `json:"reconciliation_id"`
	ReconciliationDate time.Time `json:"reconciliation_date"`
	BankAccountID      uuid.UUID `json:"bank_account_id"`
	Provider           string    `json:"provider"`
}

func (ReconciliationStarted) Kind() Type { return TypeReconciliationStarted }

// ReconciliationCompleted is emitted with the run totals.
type ReconciliationCompleted struct {
	ReconciliationID   uuid.UUID `json:"reconciliation_id"`
	ReconciliationDate time.Time `json:"reconciliation_date"`
	RecordsProcessed   int       `json:"records_processed"`
	RecordsMatched     int       `json:"records_matched"`
	RecordsCreated     int       `json:"records_created"`
	RecordsFailed      int       `json:"records_failed"`
	UnmatchedCount     int       `json:"unmatched_count"`
}

func (ReconciliationCompleted) Kind() Type { return TypeReconciliationCompleted }

// LiabilityClassified is emitted when a return is attributed.
type LiabilityClassified struct {
	LiabilityEventID uuid.UUID   `json:"liability_event_id"`
	InstructionID    uuid.UUID   `json:"payment_instruction_id"`
	ErrorOrigin      string      `json:"error_origin"`
	LiabilityParty   string      `json:"liability_party"`
	RecoveryPath     string      `json:"recovery_path"`
	Amount           money.Money `json:"amount"`
	ReturnCode       string      `json:"return_code"`
	Reason           string      `json:"classification_reason"`
}

func (LiabilityClassified) Kind() Type { return TypeLiabilityClassified }
