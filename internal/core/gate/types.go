// Package gate implements the two-stage funding gate. The commit gate runs
// before funds are reserved; the pay gate runs immediately before rail
// submission and cannot be bypassed.
package gate

import (
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/money"
)

// FundingModel selects how a legal entity funds payroll.
type FundingModel string

const (
	PrefundAll   FundingModel = "prefund_all"
	PrefundTaxes FundingModel = "prefund_taxes"
	Postfund     FundingModel = "postfund"
)

// Valid reports whether m is a recognized funding model.
func (m FundingModel) Valid() bool {
	switch m {
	case PrefundAll, PrefundTaxes, Postfund:
		return true
	}
	return false
}

// GateType distinguishes the two evaluations.
type GateType string

const (
	GateCommit GateType = "commit"
	GatePay    GateType = "pay"
)

// Severity of a gate reason. Only error-severity reasons fail the gate.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Reason codes produced by gate checks.
const (
	ReasonPayRunInvalid        = "PAY_RUN_INVALID"
	ReasonUnknownFundingModel  = "UNKNOWN_FUNDING_MODEL"
	ReasonInsufficientFunds    = "INSUFFICIENT_FUNDS"
	ReasonCommitGateMissing    = "COMMIT_GATE_MISSING"
	ReasonReservationMissing   = "RESERVATION_MISSING"
	ReasonReservationShortfall = "RESERVATION_SHORTFALL"
	ReasonFundingHold          = "FUNDING_HOLD"
)

// Reason is one finding from a gate check.
type Reason struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Severity Severity          `json:"severity"`
	Data     map[string]string `json:"data,omitempty"`
}

// Result is the outcome of a gate evaluation.
type Result struct {
	Passed    bool        `json:"passed"`
	Available money.Money `json:"available_amount"`
	Required  money.Money `json:"required_amount"`
	Shortfall money.Money `json:"shortfall"`
	Reasons   []Reason    `json:"reasons"`

	// Replayed is true when the result was read back from a stored
	// evaluation rather than computed.
	Replayed bool `json:"replayed"`
}

// BlockReason joins the reason messages into one operator-facing string.
func (r *Result) BlockReason() string {
	if len(r.Reasons) == 0 {
		return ""
	}
	s := r.Reasons[0].Message
	for _, reason := range r.Reasons[1:] {
		s += "; " + reason.Message
	}
	return s
}

// InsufficientFunds reports whether any reason indicates a funds shortfall.
func (r *Result) InsufficientFunds() bool {
	for _, reason := range r.Reasons {
		if reason.Code == ReasonInsufficientFunds {
			return true
		}
	}
	return false
}

// Evaluation is a stored gate decision. Decisions are preserved per
// idempotency key; repeat evaluations replay the stored result.
type Evaluation struct {
	ID             uuid.UUID `json:"evaluation_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	LegalEntityID  uuid.UUID `json:"legal_entity_id"`
	PayRunID       uuid.UUID `json:"pay_run_id"`
	GateType       GateType  `json:"gate_type"`
	Result         Result    `json:"result"`
	IdempotencyKey string    `json:"idempotency_key"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}
