package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/ledger"
	"github.com/openpayroll/pspd/internal/core/liability"
	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/core/payment"
	"github.com/openpayroll/pspd/internal/providers"
)

// Ledger is the slice of the ledger service the reconciler consumes.
type Ledger interface {
	ResolveAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType ledger.AccountType, currency string) (*ledger.Account, error)
	Post(ctx context.Context, req ledger.PostRequest) (*ledger.PostResult, error)
	PostingEntries(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) ([]ledger.Entry, error)
}

// Payments is the slice of the orchestrator the reconciler consumes.
type Payments interface {
	FindByProviderRequest(ctx context.Context, tenantID uuid.UUID, providerRequestID string) (*payment.Instruction, error)
	FindMatchCandidates(ctx context.Context, tenantID uuid.UUID, amount money.Money, direction payment.Direction, from, to time.Time) ([]payment.Instruction, error)
	UpdateStatus(ctx context.Context, tenantID, instructionID uuid.UUID, newStatus payment.Status, occurredAt time.Time) (*payment.StatusUpdate, error)
}

// Liabilities records classifications for returned payments.
type Liabilities interface {
	RecordLiabilityEvent(ctx context.Context, req liability.RecordRequest) (*liability.Event, error)
}

// Feed is the slice of a rail provider the reconciler consumes.
type Feed interface {
	Name() string
	PullSettlements(ctx context.Context, date time.Time, bankAccountID uuid.UUID) ([]providers.SettlementRecord, error)
}

// Reconciler drives a reconciliation run: ingest, match, post, classify.
type Reconciler struct {
	repo        Repository
	ledger      Ledger
	payments    Payments
	liabilities Liabilities
	now         func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler.
func NewReconciler(repo Repository, l Ledger, p Payments, y Liabilities, options ...Option) *Reconciler {
	r := &Reconciler{
		repo:        repo,
		ledger:      l,
		payments:    p,
		liabilities: y,
		now:         time.Now,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// RunRequest holds the inputs for one reconciliation run.
type RunRequest struct {
	TenantID uuid.UUID

	// LegalEntityID owns the bank account; used to resolve accounts for
	// inbound deposits that have no instruction to borrow an entity from.
	LegalEntityID uuid.UUID

	BankAccountID uuid.UUID
	Date          time.Time
	Provider      Feed
	CorrelationID uuid.UUID
}

// recordOutcome is the bucket a processed record lands in.
type recordOutcome int

const (
	outcomeSkipped recordOutcome = iota
	outcomeMatched
	outcomeCreated
	outcomeUnmatched
)

// Run pulls the day's settlement feed and processes each record. A rail
// outage aborts the run; per-record failures are isolated and reported, and
// everything processed before a failure stays durable.
func (r *Reconciler) Run(ctx context.Context, req RunRequest) (*Result, error) {
	records, err := req.Provider.PullSettlements(ctx, req.Date, req.BankAccountID)
	if err != nil {
		return nil, fmt.Errorf("pull settlements from %s: %w", req.Provider.Name(), err)
	}

	result := &Result{}
	for i := range records {
		outcome, processed, err := r.processRecord(ctx, &req, &records[i])
		if processed != nil {
			result.Records = append(result.Records, *processed)
		}
		if err != nil {
			result.Processed++
			result.Failed++
			result.Errors = append(result.Errors, RecordError{
				TraceID: records[i].ExternalTraceID,
				Message: err.Error(),
			})
			continue
		}
		switch outcome {
		case outcomeSkipped:
			// duplicate or still pending, counted once on first processing
		case outcomeMatched:
			result.Processed++
			result.Matched++
		case outcomeCreated:
			result.Processed++
			result.Created++
		case outcomeUnmatched:
			result.Processed++
			result.Unmatched = append(result.Unmatched, records[i].ExternalTraceID)
			result.Errors = append(result.Errors, RecordError{
				TraceID: records[i].ExternalTraceID,
				Message: "no matching payment instruction",
			})
		}
	}
	return result, nil
}

func (r *Reconciler) processRecord(ctx context.Context, req *RunRequest, record *providers.SettlementRecord) (recordOutcome, *ProcessedRecord, error) {
	event, fresh, err := r.ingest(ctx, req, record)
	if err != nil {
		return outcomeSkipped, nil, err
	}
	if !fresh && (event.Status == SettlementMatched || event.Status == SettlementReturned) {
		return outcomeSkipped, nil, nil
	}
	processed := &ProcessedRecord{Event: *event}
	if record.Status == providers.RecordPending {
		return outcomeSkipped, processed, nil
	}

	if record.Status == providers.RecordReturn {
		outcome, err := r.processReturn(ctx, req, record, event, processed)
		return outcome, processed, err
	}
	outcome, err := r.processSettlement(ctx, req, record, event, processed)
	return outcome, processed, err
}

// ingest upserts the settlement event for the record. Reports whether the
// event is new.
func (r *Reconciler) ingest(ctx context.Context, req *RunRequest, record *providers.SettlementRecord) (*SettlementEvent, bool, error) {
	existing, err := r.repo.FindSettlementByTrace(ctx, req.TenantID, req.Provider.Name(), record.ExternalTraceID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrSettlementNotFound) {
		return nil, false, err
	}

	event := &SettlementEvent{
		ID:              uuid.New(),
		TenantID:        req.TenantID,
		BankAccountID:   req.BankAccountID,
		ProviderName:    req.Provider.Name(),
		Direction:       record.Direction,
		Amount:          record.Amount,
		ExternalTraceID: record.ExternalTraceID,
		OriginalTraceID: record.OriginalTraceID,
		EffectiveDate:   record.EffectiveDate,
		Status:          SettlementReceived,
		ReturnCode:      record.ReturnCode,
		ReturnReason:    record.ReturnReason,
		RawPayload:      record.RawPayload,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.repo.InsertSettlement(ctx, event); err != nil {
		return nil, false, err
	}
	return event, true, nil
}

func (r *Reconciler) processSettlement(ctx context.Context, req *RunRequest, record *providers.SettlementRecord, event *SettlementEvent, processed *ProcessedRecord) (recordOutcome, error) {
	instruction, strategy, err := r.match(ctx, req, record, record.ExternalTraceID)
	if err != nil {
		return outcomeSkipped, err
	}

	if instruction == nil {
		if record.Direction == payment.Inbound {
			return r.recordDeposit(ctx, req, record, event)
		}
		if err := r.repo.UpdateSettlementStatus(ctx, req.TenantID, event.ID, SettlementUnmatched); err != nil {
			return outcomeSkipped, err
		}
		return outcomeUnmatched, nil
	}

	if _, err := r.payments.UpdateStatus(ctx, req.TenantID, instruction.ID, payment.StatusSettled, record.EffectiveDate); err != nil {
		return outcomeSkipped, fmt.Errorf("settle instruction %s: %w", instruction.ID, err)
	}
	processed.InstructionID = instruction.ID
	processed.Settled = true

	payable, err := r.ledger.ResolveAccount(ctx, req.TenantID, instruction.LegalEntityID, purposePayable(instruction.Purpose), record.Amount.Currency)
	if err != nil {
		return outcomeSkipped, err
	}
	clearing, err := r.ledger.ResolveAccount(ctx, req.TenantID, instruction.LegalEntityID, ledger.AccountPSPSettlementClearing, record.Amount.Currency)
	if err != nil {
		return outcomeSkipped, err
	}

	_, err = r.ledger.Post(ctx, ledger.PostRequest{
		TenantID:       req.TenantID,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: "settlement:" + record.ExternalTraceID,
		Entries: []ledger.EntryInput{
			{AccountID: payable.ID, Direction: ledger.Debit, Amount: record.Amount, SourceType: "payment_instruction", SourceID: instruction.ID},
			{AccountID: clearing.ID, Direction: ledger.Credit, Amount: record.Amount, SourceType: "payment_instruction", SourceID: instruction.ID},
		},
	})
	if err != nil {
		return outcomeSkipped, fmt.Errorf("post settlement for %s: %w", record.ExternalTraceID, err)
	}

	if err := r.link(ctx, req.TenantID, event.ID, instruction.ID, strategy); err != nil {
		return outcomeSkipped, err
	}
	if err := r.repo.UpdateSettlementStatus(ctx, req.TenantID, event.ID, SettlementMatched); err != nil {
		return outcomeSkipped, err
	}
	return outcomeMatched, nil
}

func (r *Reconciler) processReturn(ctx context.Context, req *RunRequest, record *providers.SettlementRecord, event *SettlementEvent, processed *ProcessedRecord) (recordOutcome, error) {
	originalTrace := record.OriginalTraceID
	if originalTrace == "" {
		originalTrace = record.ExternalTraceID
	}

	instruction, strategy, err := r.match(ctx, req, record, originalTrace)
	if err != nil {
		return outcomeSkipped, err
	}
	if instruction == nil {
		if err := r.repo.UpdateSettlementStatus(ctx, req.TenantID, event.ID, SettlementUnmatched); err != nil {
			return outcomeSkipped, err
		}
		return outcomeUnmatched, nil
	}

	if _, err := r.payments.UpdateStatus(ctx, req.TenantID, instruction.ID, payment.StatusReturned, record.EffectiveDate); err != nil {
		return outcomeSkipped, fmt.Errorf("return instruction %s: %w", instruction.ID, err)
	}
	processed.InstructionID = instruction.ID
	processed.Returned = true

	// Reverse the settlement posting by posting its inverse. The original
	// entries stay untouched. A return that beat the settlement has nothing
	// to reverse yet.
	original, err := r.ledger.PostingEntries(ctx, req.TenantID, "settlement:"+originalTrace)
	switch {
	case errors.Is(err, ledger.ErrPostingNotFound):
		// returned before settled, no posting exists
	case err != nil:
		return outcomeSkipped, err
	default:
		_, err := r.ledger.Post(ctx, ledger.PostRequest{
			TenantID:       req.TenantID,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: "reversal:" + originalTrace,
			Entries:        ledger.InvertEntries(original),
		})
		if err != nil {
			return outcomeSkipped, fmt.Errorf("reverse settlement for %s: %w", originalTrace, err)
		}
	}

	classification := liability.ClassifyReturn(req.Provider.Name(), record.ReturnCode, record.Amount)
	liabilityEvent, err := r.liabilities.RecordLiabilityEvent(ctx, liability.RecordRequest{
		TenantID:       req.TenantID,
		LegalEntityID:  instruction.LegalEntityID,
		SourceType:     "payment_instruction",
		SourceID:       instruction.ID,
		Classification: classification,
		Amount:         record.Amount,
		ReturnCode:     record.ReturnCode,
		IdempotencyKey: fmt.Sprintf("return:%s:%s", originalTrace, record.ReturnCode),
	})
	if err != nil {
		return outcomeSkipped, err
	}
	processed.Liability = liabilityEvent

	if err := r.link(ctx, req.TenantID, event.ID, instruction.ID, strategy); err != nil {
		return outcomeSkipped, err
	}
	if err := r.repo.UpdateSettlementStatus(ctx, req.TenantID, event.ID, SettlementReturned); err != nil {
		return outcomeSkipped, err
	}
	return outcomeMatched, nil
}

// match tries the strategies in order: exact trace, then amount and date
// with a unique candidate, then amount within one business day either side.
// Ambiguous candidates never match.
func (r *Reconciler) match(ctx context.Context, req *RunRequest, record *providers.SettlementRecord, trace string) (*payment.Instruction, MatchStrategy, error) {
	instruction, err := r.payments.FindByProviderRequest(ctx, req.TenantID, trace)
	if err == nil {
		return instruction, MatchExactTrace, nil
	}
	if !errors.Is(err, payment.ErrInstructionNotFound) {
		return nil, "", err
	}

	day := record.EffectiveDate.Truncate(24 * time.Hour)
	candidates, err := r.payments.FindMatchCandidates(ctx, req.TenantID, record.Amount, record.Direction, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, "", err
	}
	if len(candidates) == 1 {
		return &candidates[0], MatchAmountDate, nil
	}

	from := addBusinessDays(day, -1)
	to := addBusinessDays(day, 1).AddDate(0, 0, 1)
	candidates, err = r.payments.FindMatchCandidates(ctx, req.TenantID, record.Amount, record.Direction, from, to)
	if err != nil {
		return nil, "", err
	}
	if len(candidates) == 1 {
		return &candidates[0], MatchHeuristic, nil
	}
	return nil, "", nil
}

// recordDeposit books an inbound settlement with no instruction as a client
// funding deposit.
func (r *Reconciler) recordDeposit(ctx context.Context, req *RunRequest, record *providers.SettlementRecord, event *SettlementEvent) (recordOutcome, error) {
	clearing, err := r.ledger.ResolveAccount(ctx, req.TenantID, req.LegalEntityID, ledger.AccountPSPSettlementClearing, record.Amount.Currency)
	if err != nil {
		return outcomeSkipped, err
	}
	funding, err := r.ledger.ResolveAccount(ctx, req.TenantID, req.LegalEntityID, ledger.AccountClientFundingClearing, record.Amount.Currency)
	if err != nil {
		return outcomeSkipped, err
	}

	_, err = r.ledger.Post(ctx, ledger.PostRequest{
		TenantID:       req.TenantID,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: "deposit:" + record.ExternalTraceID,
		Entries: []ledger.EntryInput{
			{AccountID: clearing.ID, Direction: ledger.Debit, Amount: record.Amount, SourceType: "settlement_event", SourceID: event.ID},
			{AccountID: funding.ID, Direction: ledger.Credit, Amount: record.Amount, SourceType: "settlement_event", SourceID: event.ID},
		},
	})
	if err != nil {
		return outcomeSkipped, fmt.Errorf("post deposit for %s: %w", record.ExternalTraceID, err)
	}

	if err := r.repo.UpdateSettlementStatus(ctx, req.TenantID, event.ID, SettlementMatched); err != nil {
		return outcomeSkipped, err
	}
	return outcomeCreated, nil
}

func (r *Reconciler) link(ctx context.Context, tenantID, eventID, instructionID uuid.UUID, strategy MatchStrategy) error {
	return r.repo.InsertLink(ctx, &SettlementLink{
		ID:                uuid.New(),
		TenantID:          tenantID,
		SettlementEventID: eventID,
		InstructionID:     instructionID,
		Strategy:          strategy,
		Confidence:        matchConfidence[strategy],
		CreatedAt:         r.now().UTC(),
	})
}

func purposePayable(p payment.Purpose) ledger.AccountType {
	switch p {
	case payment.PurposeTaxPayment:
		return ledger.AccountClientTaxImpoundPayable
	case payment.PurposeVendorPayment:
		return ledger.AccountClientThirdPartyPayable
	default:
		return ledger.AccountClientNetPayPayable
	}
}

// addBusinessDays moves n business days from t, skipping weekends. n may be
// negative.
func addBusinessDays(t time.Time, n int) time.Time {
	step := 1
	if n < 0 {
		step = -1
		n = -n
	}
	for n > 0 {
		t = t.AddDate(0, 0, step)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return t
}
