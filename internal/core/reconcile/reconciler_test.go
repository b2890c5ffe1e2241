package reconcile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpayroll/pspd/internal/core/ledger"
	"github.com/openpayroll/pspd/internal/core/liability"
	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/core/payment"
	"github.com/openpayroll/pspd/internal/core/reconcile"
	"github.com/openpayroll/pspd/internal/providers"
	"github.com/openpayroll/pspd/internal/storage/pspdb/memory"
)

type reconcileFixture struct {
	reconciler   *reconcile.Reconciler
	ledger       *ledger.Service
	orchestrator *payment.Orchestrator
	rail         *providers.ACHSimulator
	tenantID     uuid.UUID
	entityID     uuid.UUID
	bankID       uuid.UUID
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	store := memory.NewStore()
	ledgerService := ledger.NewService(store.Ledger())
	orchestrator := payment.NewOrchestrator(store.Payment())
	liabilityService := liability.NewService(store.Liability())
	return &reconcileFixture{
		reconciler:   reconcile.NewReconciler(store.Settlement(), ledgerService, orchestrator, liabilityService),
		ledger:       ledgerService,
		orchestrator: orchestrator,
		rail:         providers.NewACHSimulator(),
		tenantID:     uuid.New(),
		entityID:     uuid.New(),
		bankID:       uuid.New(),
	}
}

func (f *reconcileFixture) run(t *testing.T, date time.Time) *reconcile.Result {
	t.Helper()
	result, err := f.reconciler.Run(context.Background(), reconcile.RunRequest{
		TenantID:      f.tenantID,
		LegalEntityID: f.entityID,
		BankAccountID: f.bankID,
		Date:          date,
		Provider:      f.rail,
		CorrelationID: uuid.New(),
	})
	require.NoError(t, err)
	return result
}

// submitNet creates and submits an employee net instruction over the ACH
// simulator, returning the instruction id and provider trace.
func (f *reconcileFixture) submitNet(t *testing.T, amount money.Money, key string) (uuid.UUID, string) {
	t.Helper()
	ctx := context.Background()
	created, err := f.orchestrator.CreateEmployeeNetInstruction(ctx, payment.EmployeeNetRequest{
		TenantID:       f.tenantID,
		LegalEntityID:  f.entityID,
		EmployeeID:     uuid.New(),
		PayStatementID: uuid.New(),
		Amount:         amount,
		SourceType:     "payroll_batch",
		SourceID:       uuid.New(),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	submitted, err := f.orchestrator.Submit(ctx, f.tenantID, created.InstructionID, f.rail)
	require.NoError(t, err)
	require.True(t, submitted.Accepted)
	return created.InstructionID, submitted.ProviderRequestID
}

func assertPartition(t *testing.T, result *reconcile.Result) {
	t.Helper()
	assert.Equal(t, result.Processed,
		result.Matched+result.Created+result.Failed+len(result.Unmatched),
		"every processed record lands in exactly one bucket")
}

func TestRunSettlesMatchedPayment(t *testing.T) {
	f := newReconcileFixture(t)
	amount := money.MustParse("1250.00", "USD")
	instructionID, trace := f.submitNet(t, amount, "batch:emp1:net")

	result := f.run(t, time.Now().UTC())
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Matched)
	assert.Zero(t, result.Failed)
	assert.Empty(t, result.Unmatched)
	assertPartition(t, result)

	require.Len(t, result.Records, 1)
	record := result.Records[0]
	assert.True(t, record.Settled)
	assert.Equal(t, instructionID, record.InstructionID)

	instruction, err := f.orchestrator.GetInstruction(context.Background(), f.tenantID, instructionID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSettled, instruction.Status)

	// Settlement posting: payable debited, settlement clearing credited.
	entries, err := f.ledger.PostingEntries(context.Background(), f.tenantID, "settlement:"+trace)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.Debit, entries[0].Direction)
	assert.Equal(t, ledger.Credit, entries[1].Direction)
	assert.True(t, entries[0].Amount.Equal(amount))
}

func TestRunIsIdempotentPerTrace(t *testing.T) {
	f := newReconcileFixture(t)
	_, trace := f.submitNet(t, money.MustParse("100.00", "USD"), "batch:emp1:net")

	first := f.run(t, time.Now().UTC())
	require.Equal(t, 1, first.Matched)

	// The rail re-sends yesterday's record; it is recognized and skipped.
	f.rail.QueueSettlement(providers.SettlementRecord{
		ExternalTraceID: trace,
		Direction:       payment.Outbound,
		Amount:          money.MustParse("100.00", "USD"),
		Status:          providers.RecordSuccess,
	})
	second := f.run(t, time.Now().UTC())
	assert.Zero(t, second.Processed)
	assert.Empty(t, second.Records)
}

func TestRunProcessesReturnAfterSettlement(t *testing.T) {
	f := newReconcileFixture(t)
	amount := money.MustParse("1250.00", "USD")
	instructionID, trace := f.submitNet(t, amount, "batch:emp1:net")

	first := f.run(t, time.Now().UTC())
	require.Equal(t, 1, first.Matched)

	f.rail.ScriptReturn(trace, "R01", "insufficient funds")
	second := f.run(t, time.Now().UTC())
	assert.Equal(t, 1, second.Processed)
	assert.Equal(t, 1, second.Matched)
	assertPartition(t, second)

	require.Len(t, second.Records, 1)
	record := second.Records[0]
	assert.True(t, record.Returned)
	assert.False(t, record.Settled)
	require.NotNil(t, record.Liability)
	assert.Equal(t, liability.PartyClient, record.Liability.Classification.LiabilityParty)
	assert.Equal(t, "R01", record.Liability.ReturnCode)

	instruction, err := f.orchestrator.GetInstruction(context.Background(), f.tenantID, instructionID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusReturned, instruction.Status)

	// The reversal posting inverts the settlement legs; the original posting
	// is untouched.
	original, err := f.ledger.PostingEntries(context.Background(), f.tenantID, "settlement:"+trace)
	require.NoError(t, err)
	reversal, err := f.ledger.PostingEntries(context.Background(), f.tenantID, "reversal:"+trace)
	require.NoError(t, err)
	require.Len(t, reversal, 2)
	assert.Equal(t, ledger.Credit, reversal[0].Direction)
	assert.Equal(t, original[0].AccountID, reversal[0].AccountID)

	// Net effect on the payable account is zero.
	balance, err := f.ledger.GetBalance(context.Background(), f.tenantID, original[0].AccountID)
	require.NoError(t, err)
	assert.True(t, balance.Posted.IsZero())
}

func TestRunProcessesReturnBeforeSettlement(t *testing.T) {
	f := newReconcileFixture(t)
	instructionID, trace := f.submitNet(t, money.MustParse("500.00", "USD"), "batch:emp1:net")

	// The return arrives in the first feed the PSP ever pulls; there is no
	// settlement posting to reverse yet.
	f.rail.ScriptReturn(trace, "R02", "account closed")
	result := f.run(t, time.Now().UTC())
	assert.Equal(t, 1, result.Matched)
	assertPartition(t, result)

	instruction, err := f.orchestrator.GetInstruction(context.Background(), f.tenantID, instructionID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusReturned, instruction.Status)

	_, err = f.ledger.PostingEntries(context.Background(), f.tenantID, "reversal:"+trace)
	assert.ErrorIs(t, err, ledger.ErrPostingNotFound)

	require.NotNil(t, result.Records[0].Liability)
	assert.Equal(t, liability.RecoverClientRemediation, result.Records[0].Liability.Classification.RecoveryPath)
}

func TestRunUnmatchedOutbound(t *testing.T) {
	f := newReconcileFixture(t)
	f.rail.QueueSettlement(providers.SettlementRecord{
		ExternalTraceID: "ACH-GHOST",
		Direction:       payment.Outbound,
		Amount:          money.MustParse("77.00", "USD"),
		Status:          providers.RecordSuccess,
		EffectiveDate:   time.Now().UTC(),
	})

	result := f.run(t, time.Now().UTC())
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Matched)
	assert.Equal(t, []string{"ACH-GHOST"}, result.Unmatched)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "ACH-GHOST", result.Errors[0].TraceID)
	assertPartition(t, result)
}

func TestRunRecordsInboundDeposit(t *testing.T) {
	f := newReconcileFixture(t)
	amount := money.MustParse("10000.00", "USD")
	f.rail.QueueSettlement(providers.SettlementRecord{
		ExternalTraceID: "ACH-WIRE-IN",
		Direction:       payment.Inbound,
		Amount:          amount,
		Status:          providers.RecordSuccess,
		EffectiveDate:   time.Now().UTC(),
	})

	result := f.run(t, time.Now().UTC())
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Created)
	assertPartition(t, result)

	funding, err := f.ledger.ResolveAccount(context.Background(), f.tenantID, f.entityID, ledger.AccountClientFundingClearing, "USD")
	require.NoError(t, err)
	balance, err := f.ledger.GetBalance(context.Background(), f.tenantID, funding.ID)
	require.NoError(t, err)
	assert.True(t, balance.Posted.Equal(amount))

	_, err = f.ledger.PostingEntries(context.Background(), f.tenantID, "deposit:ACH-WIRE-IN")
	require.NoError(t, err)
}

func TestRunMatchesByAmountAndDate(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	amount := money.MustParse("432.10", "USD")

	created, err := f.orchestrator.CreateEmployeeNetInstruction(ctx, payment.EmployeeNetRequest{
		TenantID:       f.tenantID,
		LegalEntityID:  f.entityID,
		EmployeeID:     uuid.New(),
		PayStatementID: uuid.New(),
		Amount:         amount,
		IdempotencyKey: "batch:emp1:net",
	})
	require.NoError(t, err)

	// A transport error leaves the submission outcome unknown: the rail has
	// the payment but the PSP has no trace for it.
	f.rail.ErrorNext(errors.New("gateway timeout"))
	unknown, err := f.orchestrator.Submit(ctx, f.tenantID, created.InstructionID, f.rail)
	require.NoError(t, err)
	require.False(t, unknown.Accepted)

	f.rail.QueueSettlement(providers.SettlementRecord{
		ExternalTraceID: "ACH-RECOVERED",
		Direction:       payment.Outbound,
		Amount:          amount,
		Status:          providers.RecordSuccess,
		EffectiveDate:   time.Now().UTC(),
	})

	result := f.run(t, time.Now().UTC())
	assert.Equal(t, 1, result.Matched)
	assertPartition(t, result)

	instruction, err := f.orchestrator.GetInstruction(ctx, f.tenantID, created.InstructionID)
	require.NoError(t, err)
	// Settled on a submitted instruction promotes through accepted.
	assert.Equal(t, payment.StatusSettled, instruction.Status)
}

func TestRunSkipsPendingRecords(t *testing.T) {
	f := newReconcileFixture(t)
	f.rail.QueueSettlement(providers.SettlementRecord{
		ExternalTraceID: "ACH-INFLIGHT",
		Direction:       payment.Outbound,
		Amount:          money.MustParse("10.00", "USD"),
		Status:          providers.RecordPending,
		EffectiveDate:   time.Now().UTC(),
	})

	result := f.run(t, time.Now().UTC())
	assert.Zero(t, result.Processed)
	// The record is ingested and reported, just not counted yet.
	require.Len(t, result.Records, 1)
	assert.Equal(t, reconcile.SettlementReceived, result.Records[0].Event.Status)
}

func TestRunAbortsOnRailOutage(t *testing.T) {
	f := newReconcileFixture(t)
	_, err := f.reconciler.Run(context.Background(), reconcile.RunRequest{
		TenantID: f.tenantID,
		Provider: failingFeed{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pull settlements")
}

type failingFeed struct{}

func (failingFeed) Name() string { return "ach" }

func (failingFeed) PullSettlements(context.Context, time.Time, uuid.UUID) ([]providers.SettlementRecord, error) {
	return nil, errors.New("rail unavailable")
}
