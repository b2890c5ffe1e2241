// Package reconcile matches rail settlement feeds against outstanding
// payment instructions and posts the ledger consequences: settlements
// extinguish payables, returns reverse them and trigger liability
// classification.
package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/liability"
	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/core/payment"
)

// SettlementStatus is the lifecycle state of an ingested record.
type SettlementStatus string

const (
	SettlementReceived  SettlementStatus = "received"
	SettlementMatched   SettlementStatus = "matched"
	SettlementUnmatched SettlementStatus = "unmatched"
	SettlementReturned  SettlementStatus = "returned"
)

// SettlementEvent is one row per record received from a rail. Idempotent on
// (tenant, provider, external_trace_id).
type SettlementEvent struct {
	ID              uuid.UUID         `json:"settlement_event_id"`
	TenantID        uuid.UUID         `json:"tenant_id"`
	BankAccountID   uuid.UUID         `json:"bank_account_id"`
	ProviderName    string            `json:"provider_name"`
	Direction       payment.Direction `json:"direction"`
	Amount          money.Money       `json:"amount"`
	ExternalTraceID string            `json:"external_trace_id"`
	OriginalTraceID string            `json:"original_trace_id,omitempty"`
	EffectiveDate   time.Time         `json:"effective_date"`
	Status          SettlementStatus  `json:"status"`
	ReturnCode      string            `json:"return_code,omitempty"`
	ReturnReason    string            `json:"return_reason,omitempty"`
	RawPayload      string            `json:"raw_payload,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// MatchStrategy records how a settlement was tied to an instruction.
type MatchStrategy string

const (
	MatchExactTrace MatchStrategy = "exact_trace"
	MatchAmountDate MatchStrategy = "amount_date"
	MatchHeuristic  MatchStrategy = "heuristic"
)

// matchConfidence per strategy. Exact trace is definitive; the others decay.
var matchConfidence = map[MatchStrategy]float64{
	MatchExactTrace: 1.0,
	MatchAmountDate: 0.9,
	MatchHeuristic:  0.7,
}

// SettlementLink ties a settlement event to the instruction it settles or
// returns. Append-only.
type SettlementLink struct {
	ID                uuid.UUID     `json:"settlement_link_id"`
	TenantID          uuid.UUID     `json:"tenant_id"`
	SettlementEventID uuid.UUID     `json:"settlement_event_id"`
	InstructionID     uuid.UUID     `json:"instruction_id"`
	Strategy          MatchStrategy `json:"match_strategy"`
	Confidence        float64       `json:"match_confidence"`
	CreatedAt         time.Time     `json:"created_at"`
}

// RecordError describes one record that could not be processed.
type RecordError struct {
	TraceID string `json:"trace_id"`
	Message string `json:"message"`
}

// ProcessedRecord reports what happened to one feed record, for callers that
// emit per-record events.
type ProcessedRecord struct {
	Event         SettlementEvent  `json:"event"`
	InstructionID uuid.UUID        `json:"instruction_id,omitempty"`
	Settled       bool             `json:"settled"`
	Returned      bool             `json:"returned"`
	Liability     *liability.Event `json:"liability,omitempty"`
}

// Result summarizes a reconciliation run. Every processed record lands in
// exactly one of matched, created, failed or unmatched.
type Result struct {
	Processed int               `json:"records_processed"`
	Matched   int               `json:"records_matched"`
	Created   int               `json:"records_created"`
	Failed    int               `json:"records_failed"`
	Unmatched []string          `json:"unmatched_trace_ids"`
	Errors    []RecordError     `json:"errors"`
	Records   []ProcessedRecord `json:"records,omitempty"`
}
