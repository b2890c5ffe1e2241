package psp

import (
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/gate"
	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/core/payment"
)

// CommitStatus is the outcome of CommitPayrollBatch.
type CommitStatus string

const (
	CommitApproved      CommitStatus = "approved"
	CommitBlockedPolicy CommitStatus = "blocked_policy"
	CommitBlockedFunds  CommitStatus = "blocked_funds"
	CommitPartial       CommitStatus = "partial"
)

// ExecuteStatus is the outcome of ExecutePayments.
type ExecuteStatus string

const (
	ExecuteSuccess ExecuteStatus = "success"
	ExecutePartial ExecuteStatus = "partial"
	ExecuteFailed  ExecuteStatus = "failed"
	ExecuteBlocked ExecuteStatus = "blocked"
)

// IngestStatus is the outcome of IngestSettlementFeed.
type IngestStatus string

const (
	IngestSuccess IngestStatus = "success"
	IngestPartial IngestStatus = "partial"
	IngestFailed  IngestStatus = "failed"
)

// CallbackStatus is the outcome of HandleProviderCallback.
type CallbackStatus string

const (
	CallbackProcessed CallbackStatus = "processed"
	CallbackDuplicate CallbackStatus = "duplicate"
	CallbackInvalid   CallbackStatus = "invalid"
	CallbackUnknown   CallbackStatus = "unknown"
)

// BatchItem is a single payment in a payroll batch. ReferenceID is the
// purpose-specific upstream reference: pay statement for employee_net, tax
// liability for tax_payment, obligation for vendor_payment.
type BatchItem struct {
	PayeeType   string          `json:"payee_type"`
	PayeeRefID  uuid.UUID       `json:"payee_ref_id"`
	Amount      money.Money     `json:"amount"`
	Purpose     payment.Purpose `json:"purpose"`
	ReferenceID uuid.UUID       `json:"reference_id"`
}

// Batch is a payroll batch to commit.
type Batch struct {
	BatchID        uuid.UUID   `json:"batch_id"`
	TenantID       uuid.UUID   `json:"tenant_id"`
	LegalEntityID  uuid.UUID   `json:"legal_entity_id"`
	PayPeriodID    uuid.UUID   `json:"pay_period_id"`
	PayRunState    string      `json:"pay_run_state"`
	Items          []BatchItem `json:"items"`
	EffectiveDate  time.Time   `json:"effective_date"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// CommitResult is the outcome of committing a payroll batch.
type CommitResult struct {
	Status        CommitStatus `json:"status"`
	BatchID       uuid.UUID    `json:"batch_id"`
	ReservationID uuid.UUID    `json:"reservation_id,omitempty"`
	TotalAmount   money.Money  `json:"total_amount"`
	ApprovedCount int          `json:"approved_count"`
	BlockedCount  int          `json:"blocked_count"`
	BlockReason   string       `json:"block_reason,omitempty"`
	CorrelationID uuid.UUID    `json:"correlation_id"`
}

// ExecuteRequest holds the inputs for executing a committed batch.
type ExecuteRequest struct {
	TenantID      uuid.UUID   `json:"tenant_id"`
	LegalEntityID uuid.UUID   `json:"legal_entity_id"`
	BatchID       uuid.UUID   `json:"batch_id"`
	Items         []BatchItem `json:"items"`
	ReservationID uuid.UUID   `json:"reservation_id,omitempty"`
	Rail          string      `json:"rail,omitempty"`
}

// ItemFailure describes one item that could not be submitted.
type ItemFailure struct {
	PayeeRefID uuid.UUID   `json:"payee_ref_id"`
	Amount     money.Money `json:"amount"`
	Error      string      `json:"error"`
}

// ExecuteResult is the outcome of executing payments.
type ExecuteResult struct {
	Status         ExecuteStatus `json:"status"`
	BatchID        uuid.UUID     `json:"batch_id"`
	SubmittedCount int           `json:"submitted_count"`
	FailedCount    int           `json:"failed_count"`
	Failures       []ItemFailure `json:"failures,omitempty"`
	CorrelationID  uuid.UUID     `json:"correlation_id"`
}

// IngestRequest holds the inputs for ingesting a settlement feed.
type IngestRequest struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	LegalEntityID uuid.UUID `json:"legal_entity_id"`
	BankAccountID uuid.UUID `json:"bank_account_id"`
	ProviderName  string    `json:"provider_name"`
	Date          time.Time `json:"date"`
}

// IngestResult is the outcome of ingesting a settlement feed.
type IngestResult struct {
	Status            IngestStatus `json:"status"`
	RecordsProcessed  int          `json:"records_processed"`
	RecordsMatched    int          `json:"records_matched"`
	RecordsCreated    int          `json:"records_created"`
	RecordsFailed     int          `json:"records_failed"`
	UnmatchedTraceIDs []string     `json:"unmatched_trace_ids,omitempty"`
	CorrelationID     uuid.UUID    `json:"correlation_id"`
}

// CallbackPayload is the provider-sourced body of a callback.
type CallbackPayload struct {
	ProviderRequestID string         `json:"provider_request_id"`
	Status            payment.Status `json:"status,omitempty"`
	Amount            money.Money    `json:"amount,omitempty"`
	ReturnCode        string         `json:"return_code,omitempty"`
	ReturnReason      string         `json:"return_reason,omitempty"`
	OccurredAt        time.Time      `json:"occurred_at,omitempty"`
}

// CallbackRequest holds the inputs for handling a provider callback.
type CallbackRequest struct {
	TenantID     uuid.UUID       `json:"tenant_id"`
	ProviderName string          `json:"provider_name"`
	CallbackType string          `json:"callback_type"`
	Payload      CallbackPayload `json:"payload"`
}

// CallbackResult is the outcome of handling a provider callback.
type CallbackResult struct {
	Status         CallbackStatus `json:"status"`
	InstructionID  uuid.UUID      `json:"payment_instruction_id,omitempty"`
	PreviousStatus payment.Status `json:"previous_status,omitempty"`
	NewStatus      payment.Status `json:"new_status,omitempty"`
	CorrelationID  uuid.UUID      `json:"correlation_id"`
}

// Config tunes facade behavior.
type Config struct {
	// CommitGateStrict fails the commit gate on insufficient available funds.
	CommitGateStrict bool `mapstructure:"commit_gate_strict"`

	// PayGateAlwaysEnforced keeps the pay gate on. It exists for symmetry
	// with the commit flag but shipping builds never disable it.
	PayGateAlwaysEnforced bool `mapstructure:"pay_gate_always_enforced"`

	// ReservationTTL bounds how long committed funds stay held.
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`

	// DefaultRail is used when an execute request names none.
	DefaultRail string `mapstructure:"default_rail"`

	// DefaultFundingModel applies to commit-gate evaluations.
	DefaultFundingModel gate.FundingModel `mapstructure:"default_funding_model"`

	// EmitEvents toggles domain event emission.
	EmitEvents bool `mapstructure:"emit_events"`

	// SubmitParallelism bounds concurrent provider submissions per batch.
	SubmitParallelism int `mapstructure:"submit_parallelism"`
}

// DefaultConfig returns the stock facade configuration.
func DefaultConfig() Config {
	return Config{
		CommitGateStrict:      false,
		PayGateAlwaysEnforced: true,
		ReservationTTL:        24 * time.Hour,
		DefaultRail:           "ach",
		DefaultFundingModel:   gate.PrefundAll,
		EmitEvents:            true,
		SubmitParallelism:     8,
	}
}
