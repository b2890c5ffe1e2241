// Package psp is the facade: the single blessed entry point for PSP
// operations. It wires the gates, ledger, orchestrator, reconciler and
// classifier together so the invariant ordering cannot be skipped:
// commit gate, reservation, pay gate, submit, reconcile, classify.
package psp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openpayroll/pspd/internal/core/gate"
	"github.com/openpayroll/pspd/internal/core/ledger"
	"github.com/openpayroll/pspd/internal/core/liability"
	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/core/payment"
	"github.com/openpayroll/pspd/internal/core/reconcile"
	"github.com/openpayroll/pspd/internal/events"
	"github.com/openpayroll/pspd/internal/providers"
)

const sourceService = "psp.facade"

// Logger is the structured logging contract the facade consumes.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// PSP composes the core services. It is stateless across requests; every
// dependency is injected at construction.
type PSP struct {
	ledger       *ledger.Service
	gate         *gate.Service
	orchestrator *payment.Orchestrator
	reconciler   *reconcile.Reconciler
	liability    *liability.Service
	registry     *providers.Registry
	emitter      *events.Emitter
	config       Config
	logger       Logger
	now          func() time.Time
}

// Option configures a PSP.
type Option func(*PSP)

// WithConfig overrides the default configuration.
func WithConfig(c Config) Option {
	return func(p *PSP) { p.config = c }
}

// WithEmitter attaches a domain event emitter.
func WithEmitter(e *events.Emitter) Option {
	return func(p *PSP) { p.emitter = e }
}

// WithLogger attaches a logger.
func WithLogger(l Logger) Option {
	return func(p *PSP) { p.logger = l }
}

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(p *PSP) { p.now = now }
}

// New creates the facade.
func New(l *ledger.Service, g *gate.Service, o *payment.Orchestrator, r *reconcile.Reconciler, y *liability.Service, registry *providers.Registry, options ...Option) *PSP {
	p := &PSP{
		ledger:       l,
		gate:         g,
		orchestrator: o,
		reconciler:   r,
		liability:    y,
		registry:     registry,
		config:       DefaultConfig(),
		logger:       noopLogger{},
		now:          time.Now,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

func (p *PSP) emit(ctx context.Context, tenantID, correlationID uuid.UUID, payload events.Payload) {
	if p.emitter == nil || !p.config.EmitEvents {
		return
	}
	md := events.Metadata{
		TenantID:      tenantID,
		CorrelationID: correlationID,
		SourceService: sourceService,
	}
	if _, err := p.emitter.Emit(ctx, md, payload); err != nil {
		// Handler failures must not fail the operation; the event itself is
		// already durable.
		p.logger.Warn("event emission", "type", payload.Kind(), "error", err)
	}
}

// CommitPayrollBatch runs the commit gate and, on approval, reserves funds
// for the batch. The batch is not paid yet. Replays with the same
// idempotency key return the same reservation and emit nothing.
func (p *PSP) CommitPayrollBatch(ctx context.Context, batch *Batch) (*CommitResult, error) {
	correlationID := uuid.New()

	lines := make([]money.Money, len(batch.Items))
	for i, item := range batch.Items {
		lines[i] = item.Amount
	}
	currency := money.DefaultCurrency
	if len(lines) > 0 {
		currency = lines[0].Currency
	}
	total, err := money.Sum(currency, lines...)
	if err != nil {
		return nil, err
	}

	gateResult, err := p.gate.EvaluateCommitGate(ctx, gate.CommitRequest{
		TenantID:       batch.TenantID,
		LegalEntityID:  batch.LegalEntityID,
		PayRunID:       batch.PayPeriodID,
		PayRunState:    batch.PayRunState,
		FundingModel:   p.config.DefaultFundingModel,
		Strict:         p.config.CommitGateStrict,
		Currency:       currency,
		Lines:          lines,
		IdempotencyKey: "commit_gate:" + batch.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	if !gateResult.Replayed {
		p.emit(ctx, batch.TenantID, correlationID, events.FundingRequested{
			FundingRequestID: batch.BatchID,
			LegalEntityID:    batch.LegalEntityID,
			PayRunID:         batch.PayPeriodID,
			RequestedAmount:  total,
			RequestedDate:    batch.EffectiveDate,
		})
	}

	if !gateResult.Passed {
		return p.commitBlocked(ctx, batch, gateResult, total, correlationID), nil
	}

	// On replay the reservation from the first call is still the answer.
	reservation, err := p.ledger.FindHeldReservation(ctx, batch.TenantID, "payroll_batch", batch.PayPeriodID)
	switch {
	case errors.Is(err, ledger.ErrReservationNotFound):
		reservation, err = p.ledger.CreateReservation(ctx, ledger.ReservationRequest{
			TenantID:      batch.TenantID,
			LegalEntityID: batch.LegalEntityID,
			ReserveType:   "net_pay",
			Amount:        total,
			SourceType:    "payroll_batch",
			SourceID:      batch.PayPeriodID,
			CorrelationID: correlationID,
			TTL:           p.config.ReservationTTL,
		})
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if !gateResult.Replayed {
		account, err := p.ledger.ResolveAccount(ctx, batch.TenantID, batch.LegalEntityID, ledger.AccountClientFundingClearing, currency)
		if err != nil {
			return nil, err
		}
		balance, err := p.ledger.GetBalance(ctx, batch.TenantID, account.ID)
		if err != nil {
			return nil, err
		}
		p.emit(ctx, batch.TenantID, correlationID, events.FundingApproved{
			FundingRequestID: batch.BatchID,
			LegalEntityID:    batch.LegalEntityID,
			ApprovedAmount:   total,
			AvailableBalance: balance.Available,
		})
	}

	return &CommitResult{
		Status:        CommitApproved,
		BatchID:       batch.BatchID,
		ReservationID: reservation.ID,
		TotalAmount:   total,
		ApprovedCount: len(batch.Items),
		CorrelationID: correlationID,
	}, nil
}

func (p *PSP) commitBlocked(ctx context.Context, batch *Batch, gateResult *gate.Result, total money.Money, correlationID uuid.UUID) *CommitResult {
	status := CommitBlockedPolicy
	if gateResult.InsufficientFunds() {
		status = CommitBlockedFunds
	}

	if !gateResult.Replayed {
		if status == CommitBlockedFunds {
			p.emit(ctx, batch.TenantID, correlationID, events.FundingInsufficientFunds{
				FundingRequestID: batch.BatchID,
				LegalEntityID:    batch.LegalEntityID,
				RequestedAmount:  total,
				AvailableBalance: gateResult.Available,
				Shortfall:        gateResult.Shortfall,
			})
		} else {
			policy := ""
			if len(gateResult.Reasons) > 0 {
				policy = gateResult.Reasons[0].Code
			}
			p.emit(ctx, batch.TenantID, correlationID, events.FundingBlocked{
				FundingRequestID: batch.BatchID,
				LegalEntityID:    batch.LegalEntityID,
				RequestedAmount:  total,
				AvailableBalance: gateResult.Available,
				BlockReason:      gateResult.BlockReason(),
				PolicyViolated:   policy,
			})
		}
	}

	return &CommitResult{
		Status:        status,
		BatchID:       batch.BatchID,
		TotalAmount:   total,
		BlockedCount:  len(batch.Items),
		BlockReason:   gateResult.BlockReason(),
		CorrelationID: correlationID,
	}
}

// ExecutePayments runs the pay gate, creates instructions for each item and
// submits them to the rail with bounded parallelism. The reservation is
// consumed only when every item submits.
func (p *PSP) ExecutePayments(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	correlationID := uuid.New()

	rail := req.Rail
	if rail == "" {
		rail = p.config.DefaultRail
	}
	provider, err := p.registry.Get(rail)
	if err != nil {
		return &ExecuteResult{
			Status:        ExecuteFailed,
			BatchID:       req.BatchID,
			FailedCount:   len(req.Items),
			Failures:      []ItemFailure{{Error: err.Error()}},
			CorrelationID: correlationID,
		}, nil
	}

	if p.config.PayGateAlwaysEnforced {
		gateResult, err := p.gate.EvaluatePayGate(ctx, gate.PayRequest{
			TenantID:       req.TenantID,
			LegalEntityID:  req.LegalEntityID,
			PayRunID:       req.BatchID,
			IdempotencyKey: fmt.Sprintf("pay_gate:%s", req.BatchID),
		})
		if err != nil {
			return nil, err
		}
		if !gateResult.Passed {
			return &ExecuteResult{
				Status:        ExecuteBlocked,
				BatchID:       req.BatchID,
				FailedCount:   len(req.Items),
				Failures:      []ItemFailure{{Error: gateResult.BlockReason()}},
				CorrelationID: correlationID,
			}, nil
		}
	}

	instructions := make([]*payment.InstructionResult, len(req.Items))
	for i, item := range req.Items {
		result, err := p.createInstruction(ctx, req, &item)
		if err != nil {
			return nil, err
		}
		instructions[i] = result
		if !result.Replayed {
			p.emit(ctx, req.TenantID, correlationID, events.PaymentInstructionCreated{
				InstructionID: result.InstructionID,
				LegalEntityID: req.LegalEntityID,
				Purpose:       string(item.Purpose),
				Direction:     string(payment.Outbound),
				Amount:        item.Amount,
				PayeeType:     item.PayeeType,
				PayeeRefID:    item.PayeeRefID,
				SourceType:    "payroll_batch",
				SourceID:      req.BatchID,
			})
		}
	}

	submissions := make([]*payment.SubmissionResult, len(req.Items))
	submitErrs := make([]error, len(req.Items))

	g, gctx := errgroup.WithContext(ctx)
	parallelism := p.config.SubmitParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	g.SetLimit(parallelism)
	for i := range req.Items {
		g.Go(func() error {
			submissions[i], submitErrs[i] = p.orchestrator.Submit(gctx, req.TenantID, instructions[i].InstructionID, provider)
			return nil
		})
	}
	_ = g.Wait()

	result := &ExecuteResult{BatchID: req.BatchID, CorrelationID: correlationID}
	for i, item := range req.Items {
		submission := submissions[i]
		if submitErrs[i] != nil {
			result.FailedCount++
			result.Failures = append(result.Failures, ItemFailure{
				PayeeRefID: item.PayeeRefID,
				Amount:     item.Amount,
				Error:      submitErrs[i].Error(),
			})
			continue
		}
		if submission.Accepted {
			result.SubmittedCount++
			p.emit(ctx, req.TenantID, correlationID, events.PaymentSubmitted{
				InstructionID:     instructions[i].InstructionID,
				AttemptID:         submission.AttemptID,
				Rail:              rail,
				ProviderRequestID: submission.ProviderRequestID,
			})
			continue
		}
		result.FailedCount++
		result.Failures = append(result.Failures, ItemFailure{
			PayeeRefID: item.PayeeRefID,
			Amount:     item.Amount,
			Error:      submission.Message,
		})
		p.emit(ctx, req.TenantID, correlationID, events.PaymentFailed{
			InstructionID: instructions[i].InstructionID,
			AttemptID:     submission.AttemptID,
			Provider:      provider.Name(),
			FailureReason: submission.Message,
		})
	}

	if req.ReservationID != uuid.Nil && result.FailedCount == 0 {
		if err := p.ledger.ReleaseReservation(ctx, req.TenantID, req.ReservationID, true); err != nil &&
			!errors.Is(err, ledger.ErrReservationState) {
			return nil, err
		}
	}

	switch {
	case result.FailedCount == 0:
		result.Status = ExecuteSuccess
	case result.SubmittedCount == 0:
		result.Status = ExecuteFailed
	default:
		result.Status = ExecutePartial
	}
	return result, nil
}

func (p *PSP) createInstruction(ctx context.Context, req *ExecuteRequest, item *BatchItem) (*payment.InstructionResult, error) {
	idempotencyKey := fmt.Sprintf("%s:%s:%s", req.BatchID, item.PayeeRefID, item.Purpose)

	referenceID := item.ReferenceID
	if referenceID == uuid.Nil {
		referenceID = req.BatchID
	}

	switch item.Purpose {
	case payment.PurposeTaxPayment:
		return p.orchestrator.CreateTaxInstruction(ctx, payment.TaxRequest{
			TenantID:       req.TenantID,
			LegalEntityID:  req.LegalEntityID,
			TaxAgencyID:    item.PayeeRefID,
			TaxLiabilityID: referenceID,
			Amount:         item.Amount,
			SourceType:     "payroll_batch",
			SourceID:       req.BatchID,
			IdempotencyKey: idempotencyKey,
		})
	case payment.PurposeVendorPayment:
		return p.orchestrator.CreateThirdPartyInstruction(ctx, payment.ThirdPartyRequest{
			TenantID:       req.TenantID,
			LegalEntityID:  req.LegalEntityID,
			VendorID:       item.PayeeRefID,
			ObligationID:   referenceID,
			Amount:         item.Amount,
			SourceType:     "payroll_batch",
			SourceID:       req.BatchID,
			IdempotencyKey: idempotencyKey,
		})
	default:
		return p.orchestrator.CreateEmployeeNetInstruction(ctx, payment.EmployeeNetRequest{
			TenantID:       req.TenantID,
			LegalEntityID:  req.LegalEntityID,
			EmployeeID:     item.PayeeRefID,
			PayStatementID: referenceID,
			Amount:         item.Amount,
			SourceType:     "payroll_batch",
			SourceID:       req.BatchID,
			IdempotencyKey: idempotencyKey,
		})
	}
}

// IngestSettlementFeed pulls the day's settlements from a provider and
// reconciles them: match, post, reverse and classify returns.
func (p *PSP) IngestSettlementFeed(ctx context.Context, req *IngestRequest) (*IngestResult, error) {
	correlationID := uuid.New()

	provider, err := p.registry.Get(req.ProviderName)
	if err != nil {
		return &IngestResult{Status: IngestFailed, CorrelationID: correlationID}, nil
	}

	date := req.Date
	if date.IsZero() {
		date = p.now().UTC()
	}

	p.emit(ctx, req.TenantID, correlationID, events.ReconciliationStarted{
		ReconciliationID:   correlationID,
		ReconciliationDate: date,
		BankAccountID:      req.BankAccountID,
		Provider:           req.ProviderName,
	})

	runResult, err := p.reconciler.Run(ctx, reconcile.RunRequest{
		TenantID:      req.TenantID,
		LegalEntityID: req.LegalEntityID,
		BankAccountID: req.BankAccountID,
		Date:          date,
		Provider:      provider,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}

	for _, record := range runResult.Records {
		p.emit(ctx, req.TenantID, correlationID, events.SettlementReceived{
			SettlementEventID: record.Event.ID,
			BankAccountID:     req.BankAccountID,
			Rail:              req.ProviderName,
			Direction:         string(record.Event.Direction),
			Amount:            record.Event.Amount,
			ExternalTraceID:   record.Event.ExternalTraceID,
			EffectiveDate:     record.Event.EffectiveDate,
			RecordStatus:      string(record.Event.Status),
		})
	}
	for _, record := range runResult.Records {
		switch {
		case record.Settled:
			p.emit(ctx, req.TenantID, correlationID, events.PaymentSettled{
				InstructionID:     record.InstructionID,
				SettlementEventID: record.Event.ID,
				Amount:            record.Event.Amount,
				EffectiveDate:     record.Event.EffectiveDate,
				ExternalTraceID:   record.Event.ExternalTraceID,
			})
		case record.Returned:
			p.emit(ctx, req.TenantID, correlationID, events.PaymentReturned{
				InstructionID:     record.InstructionID,
				SettlementEventID: record.Event.ID,
				Amount:            record.Event.Amount,
				ReturnCode:        record.Event.ReturnCode,
				ReturnReason:      record.Event.ReturnReason,
				ReturnDate:        record.Event.EffectiveDate,
				LiabilityParty:    liabilityParty(record),
			})
			if record.Liability != nil {
				p.emit(ctx, req.TenantID, correlationID, events.LiabilityClassified{
					LiabilityEventID: record.Liability.ID,
					InstructionID:    record.InstructionID,
					ErrorOrigin:      string(record.Liability.Classification.ErrorOrigin),
					LiabilityParty:   string(record.Liability.Classification.LiabilityParty),
					RecoveryPath:     string(record.Liability.Classification.RecoveryPath),
					Amount:           record.Liability.Amount,
					ReturnCode:       record.Liability.ReturnCode,
					Reason:           record.Liability.Classification.DeterminationReason,
				})
			}
		}
	}

	p.emit(ctx, req.TenantID, correlationID, events.ReconciliationCompleted{
		ReconciliationID:   correlationID,
		ReconciliationDate: date,
		RecordsProcessed:   runResult.Processed,
		RecordsMatched:     runResult.Matched,
		RecordsCreated:     runResult.Created,
		RecordsFailed:      runResult.Failed,
		UnmatchedCount:     len(runResult.Unmatched),
	})

	status := IngestSuccess
	switch {
	case runResult.Failed == 0 && len(runResult.Errors) == 0:
		status = IngestSuccess
	case runResult.Processed > runResult.Failed:
		status = IngestPartial
	default:
		status = IngestFailed
	}

	return &IngestResult{
		Status:            status,
		RecordsProcessed:  runResult.Processed,
		RecordsMatched:    runResult.Matched,
		RecordsCreated:    runResult.Created,
		RecordsFailed:     runResult.Failed,
		UnmatchedTraceIDs: runResult.Unmatched,
		CorrelationID:     correlationID,
	}, nil
}

func liabilityParty(record reconcile.ProcessedRecord) string {
	if record.Liability == nil {
		return ""
	}
	return string(record.Liability.Classification.LiabilityParty)
}

// HandleProviderCallback applies an asynchronous provider status update,
// classifying liability when the callback is a return. Duplicate callbacks
// are absorbed.
func (p *PSP) HandleProviderCallback(ctx context.Context, req *CallbackRequest) (*CallbackResult, error) {
	correlationID := uuid.New()

	if _, err := p.registry.Get(req.ProviderName); err != nil {
		return &CallbackResult{Status: CallbackInvalid, CorrelationID: correlationID}, nil
	}
	if req.Payload.ProviderRequestID == "" {
		return &CallbackResult{Status: CallbackInvalid, CorrelationID: correlationID}, nil
	}

	instruction, err := p.orchestrator.FindByProviderRequest(ctx, req.TenantID, req.Payload.ProviderRequestID)
	if errors.Is(err, payment.ErrInstructionNotFound) {
		return &CallbackResult{Status: CallbackUnknown, CorrelationID: correlationID}, nil
	}
	if err != nil {
		return nil, err
	}

	previous := instruction.Status
	newStatus := req.Payload.Status
	if newStatus == "" {
		newStatus = previous
	}
	if previous == newStatus {
		return &CallbackResult{
			Status:         CallbackDuplicate,
			InstructionID:  instruction.ID,
			PreviousStatus: previous,
			NewStatus:      newStatus,
			CorrelationID:  correlationID,
		}, nil
	}

	amount := req.Payload.Amount
	if amount.IsZero() {
		amount = instruction.Amount
	}
	occurredAt := req.Payload.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = p.now().UTC()
	}

	isReturn := req.CallbackType == "return" || newStatus == payment.StatusReturned

	update, err := p.orchestrator.UpdateStatus(ctx, req.TenantID, instruction.ID, newStatus, occurredAt)
	if err != nil {
		if errors.Is(err, payment.ErrIllegalTransition) {
			return &CallbackResult{
				Status:         CallbackInvalid,
				InstructionID:  instruction.ID,
				PreviousStatus: previous,
				NewStatus:      newStatus,
				CorrelationID:  correlationID,
			}, nil
		}
		return nil, err
	}
	if !update.Applied {
		return &CallbackResult{
			Status:         CallbackDuplicate,
			InstructionID:  instruction.ID,
			PreviousStatus: previous,
			NewStatus:      update.New,
			CorrelationID:  correlationID,
		}, nil
	}

	switch {
	case isReturn:
		returnCode := req.Payload.ReturnCode
		if returnCode == "" {
			returnCode = "UNKNOWN"
		}
		classification := liability.ClassifyReturn(req.ProviderName, returnCode, amount)
		liabilityEvent, err := p.liability.RecordLiabilityEvent(ctx, liability.RecordRequest{
			TenantID:       req.TenantID,
			LegalEntityID:  instruction.LegalEntityID,
			SourceType:     "payment_instruction",
			SourceID:       instruction.ID,
			Classification: classification,
			Amount:         amount,
			ReturnCode:     returnCode,
			IdempotencyKey: fmt.Sprintf("return:%s:%s", req.Payload.ProviderRequestID, returnCode),
		})
		if err != nil {
			return nil, err
		}
		p.emit(ctx, req.TenantID, correlationID, events.PaymentReturned{
			InstructionID:  instruction.ID,
			Amount:         amount,
			ReturnCode:     returnCode,
			ReturnReason:   req.Payload.ReturnReason,
			ReturnDate:     occurredAt,
			LiabilityParty: string(classification.LiabilityParty),
		})
		p.emit(ctx, req.TenantID, correlationID, events.LiabilityClassified{
			LiabilityEventID: liabilityEvent.ID,
			InstructionID:    instruction.ID,
			ErrorOrigin:      string(classification.ErrorOrigin),
			LiabilityParty:   string(classification.LiabilityParty),
			RecoveryPath:     string(classification.RecoveryPath),
			Amount:           amount,
			ReturnCode:       returnCode,
			Reason:           classification.DeterminationReason,
		})

	case newStatus == payment.StatusSettled:
		p.emit(ctx, req.TenantID, correlationID, events.PaymentSettled{
			InstructionID:   instruction.ID,
			Amount:          amount,
			EffectiveDate:   occurredAt,
			ExternalTraceID: req.Payload.ProviderRequestID,
		})
	}

	return &CallbackResult{
		Status:         CallbackProcessed,
		InstructionID:  instruction.ID,
		PreviousStatus: previous,
		NewStatus:      newStatus,
		CorrelationID:  correlationID,
	}, nil
}
