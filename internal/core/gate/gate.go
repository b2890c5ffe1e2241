package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/ledger"
	"github.com/openpayroll/pspd/internal/core/money"
)

// Pay run states acceptable to the commit gate. Upstream owns the pay run
// lifecycle; the gate only refuses runs that are not ready to disburse.
const (
	PayRunApproved  = "approved"
	PayRunCommitted = "committed"
)

// Ledger is the slice of the ledger service the gate consumes.
type Ledger interface {
	ResolveAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType ledger.AccountType, currency string) (*ledger.Account, error)
	GetBalance(ctx context.Context, tenantID, accountID uuid.UUID) (*ledger.Balance, error)
	FindHeldReservation(ctx context.Context, tenantID uuid.UUID, sourceType string, sourceID uuid.UUID) (*ledger.Reservation, error)
}

// Service evaluates funding gates and stores their decisions.
type Service struct {
	repo   Repository
	ledger Ledger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a funding gate service.
func NewService(repo Repository, l Ledger, options ...Option) *Service {
	s := &Service{repo: repo, ledger: l, now: time.Now}
	for _, option := range options {
		option(s)
	}
	return s
}

// CommitRequest holds the inputs for a commit-gate evaluation.
type CommitRequest struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	PayRunID       uuid.UUID
	PayRunState    string
	FundingModel   FundingModel
	Strict         bool
	Currency       string
	Lines          []money.Money
	IdempotencyKey string
}

// PayRequest holds the inputs for a pay-gate evaluation.
type PayRequest struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	PayRunID       uuid.UUID
	Currency       string
	IdempotencyKey string
}

// EvaluateCommitGate runs the commit-time checks in order; the first
// error-severity finding short-circuits. The decision is stored per
// idempotency key and replayed on repeat calls.
func (s *Service) EvaluateCommitGate(ctx context.Context, req CommitRequest) (*Result, error) {
	if replayed, err := s.replay(ctx, req.TenantID, req.IdempotencyKey); replayed != nil || err != nil {
		return replayed, err
	}

	currency := req.Currency
	if currency == "" {
		currency = money.DefaultCurrency
	}
	required, err := money.Sum(currency, req.Lines...)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Required:  required,
		Available: money.Zero(currency),
		Shortfall: money.Zero(currency),
	}

	switch {
	case req.PayRunState != PayRunApproved && req.PayRunState != PayRunCommitted:
		result.Reasons = append(result.Reasons, Reason{
			Code:     ReasonPayRunInvalid,
			Message:  fmt.Sprintf("pay run %s is in state %q, not ready to disburse", req.PayRunID, req.PayRunState),
			Severity: SeverityError,
		})

	case !req.FundingModel.Valid():
		result.Reasons = append(result.Reasons, Reason{
			Code:     ReasonUnknownFundingModel,
			Message:  fmt.Sprintf("unrecognized funding model %q", req.FundingModel),
			Severity: SeverityError,
		})

	default:
		account, err := s.ledger.ResolveAccount(ctx, req.TenantID, req.LegalEntityID, ledger.AccountClientFundingClearing, currency)
		if err != nil {
			return nil, err
		}
		balance, err := s.ledger.GetBalance(ctx, req.TenantID, account.ID)
		if err != nil {
			return nil, err
		}
		result.Available = balance.Available

		if req.Strict && balance.Available.Cmp(required) < 0 {
			shortfall, err := required.Sub(balance.Available)
			if err != nil {
				return nil, err
			}
			result.Shortfall = shortfall
			result.Reasons = append(result.Reasons, Reason{
				Code:     ReasonInsufficientFunds,
				Message:  fmt.Sprintf("insufficient funds: available %s, required %s", balance.Available, required),
				Severity: SeverityError,
				Data: map[string]string{
					"available": balance.Available.String(),
					"required":  required.String(),
					"shortfall": shortfall.String(),
				},
			})
		}
	}

	result.Passed = passed(result.Reasons)
	return s.store(ctx, GateCommit, req.TenantID, req.LegalEntityID, req.PayRunID, req.IdempotencyKey, result)
}

// EvaluatePayGate runs the pre-submission checks. Failures are reported,
// never overridden and never retried automatically.
func (s *Service) EvaluatePayGate(ctx context.Context, req PayRequest) (*Result, error) {
	if replayed, err := s.replay(ctx, req.TenantID, req.IdempotencyKey); replayed != nil || err != nil {
		return replayed, err
	}

	currency := req.Currency
	if currency == "" {
		currency = money.DefaultCurrency
	}
	result := &Result{
		Required:  money.Zero(currency),
		Available: money.Zero(currency),
		Shortfall: money.Zero(currency),
	}

	commitEval, err := s.repo.FindCommitEvaluation(ctx, req.TenantID, req.PayRunID)
	switch {
	case errors.Is(err, ErrEvaluationNotFound) || (err == nil && !commitEval.Result.Passed):
		result.Reasons = append(result.Reasons, Reason{
			Code:     ReasonCommitGateMissing,
			Message:  fmt.Sprintf("no approved commit-gate evaluation for pay run %s", req.PayRunID),
			Severity: SeverityError,
		})

	case err != nil:
		return nil, err

	default:
		result.Required = commitEval.Result.Required

		reservation, err := s.ledger.FindHeldReservation(ctx, req.TenantID, "payroll_batch", req.PayRunID)
		switch {
		case errors.Is(err, ledger.ErrReservationNotFound):
			result.Reasons = append(result.Reasons, Reason{
				Code:     ReasonReservationMissing,
				Message:  fmt.Sprintf("no held reservation covers pay run %s", req.PayRunID),
				Severity: SeverityError,
			})

		case err != nil:
			return nil, err

		case reservation.Amount.Cmp(result.Required) < 0:
			result.Reasons = append(result.Reasons, Reason{
				Code:     ReasonReservationShortfall,
				Message:  fmt.Sprintf("reservation %s holds %s, pay run requires %s", reservation.ID, reservation.Amount, result.Required),
				Severity: SeverityError,
			})

		default:
			account, err := s.ledger.ResolveAccount(ctx, req.TenantID, req.LegalEntityID, ledger.AccountClientFundingClearing, currency)
			if err != nil {
				return nil, err
			}
			if account.FundingHold {
				result.Reasons = append(result.Reasons, Reason{
					Code:     ReasonFundingHold,
					Message:  fmt.Sprintf("funding account %s is on hold", account.ID),
					Severity: SeverityError,
				})
			}
			balance, err := s.ledger.GetBalance(ctx, req.TenantID, account.ID)
			if err != nil {
				return nil, err
			}
			result.Available = balance.Available
		}
	}

	result.Passed = passed(result.Reasons)
	return s.store(ctx, GatePay, req.TenantID, req.LegalEntityID, req.PayRunID, req.IdempotencyKey, result)
}

func passed(reasons []Reason) bool {
	for _, r := range reasons {
		if r.Severity == SeverityError {
			return false
		}
	}
	return true
}

func (s *Service) replay(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*Result, error) {
	if idempotencyKey == "" {
		return nil, errors.New("gate evaluation requires an idempotency key")
	}
	stored, err := s.repo.GetEvaluation(ctx, tenantID, idempotencyKey)
	if err == nil {
		result := stored.Result
		result.Replayed = true
		return &result, nil
	}
	if errors.Is(err, ErrEvaluationNotFound) {
		return nil, nil
	}
	return nil, err
}

func (s *Service) store(ctx context.Context, gateType GateType, tenantID, legalEntityID, payRunID uuid.UUID, idempotencyKey string, result *Result) (*Result, error) {
	e := &Evaluation{
		ID:             uuid.New(),
		TenantID:       tenantID,
		LegalEntityID:  legalEntityID,
		PayRunID:       payRunID,
		GateType:       gateType,
		Result:         *result,
		IdempotencyKey: idempotencyKey,
		EvaluatedAt:    s.now().UTC(),
	}
	if err := s.repo.InsertEvaluation(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicateEvaluation) {
			// Lost a race with a concurrent identical evaluation. The stored
			// decision wins.
			stored, readErr := s.repo.GetEvaluation(ctx, tenantID, idempotencyKey)
			if readErr != nil {
				return nil, readErr
			}
			prior := stored.Result
			prior.Replayed = true
			return &prior, nil
		}
		return nil, err
	}
	return result, nil
}
