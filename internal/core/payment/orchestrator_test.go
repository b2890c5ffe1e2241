package payment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/core/payment"
	"github.com/openpayroll/pspd/internal/storage/pspdb/memory"
)

// scriptedRail is a Submitter whose next response is scripted per call.
type scriptedRail struct {
	responses []*payment.ProviderResponse
	errs      []error
	calls     int
}

func (r *scriptedRail) Name() string { return "scripted" }

func (r *scriptedRail) Submit(_ context.Context, _ *payment.Instruction) (*payment.ProviderResponse, error) {
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return nil, r.errs[i]
	}
	if i < len(r.responses) {
		return r.responses[i], nil
	}
	return &payment.ProviderResponse{Accepted: true, ProviderRequestID: "REQ-" + uuid.NewString()}, nil
}

func newOrchestrator(t *testing.T) (*payment.Orchestrator, uuid.UUID) {
	t.Helper()
	return payment.NewOrchestrator(memory.NewStore().Payment()), uuid.New()
}

func employeeNet(tenantID uuid.UUID, key string) payment.EmployeeNetRequest {
	return payment.EmployeeNetRequest{
		TenantID:       tenantID,
		LegalEntityID:  uuid.New(),
		EmployeeID:     uuid.New(),
		PayStatementID: uuid.New(),
		Amount:         money.MustParse("1250.00", "USD"),
		SourceType:     "payroll_batch",
		SourceID:       uuid.New(),
		IdempotencyKey: key,
	}
}

func TestCreateInstruction(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	result, err := o.CreateEmployeeNetInstruction(ctx, employeeNet(tenantID, "batch:emp:net"))
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, payment.StatusDraft, result.Status)

	instruction, err := o.GetInstruction(ctx, tenantID, result.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, payment.PurposeEmployeeNet, instruction.Purpose)
	assert.Equal(t, payment.Outbound, instruction.Direction)
	assert.Equal(t, "employee", instruction.PayeeType)
}

func TestCreateInstructionIdempotent(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	req := employeeNet(tenantID, "batch:emp:net")
	first, err := o.CreateEmployeeNetInstruction(ctx, req)
	require.NoError(t, err)

	second, err := o.CreateEmployeeNetInstruction(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.InstructionID, second.InstructionID)
}

func TestCreateInstructionValidation(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	req := employeeNet(tenantID, "")
	_, err := o.CreateEmployeeNetInstruction(ctx, req)
	assert.Error(t, err)

	req = employeeNet(tenantID, "key")
	req.Amount = money.Zero("USD")
	_, err = o.CreateEmployeeNetInstruction(ctx, req)
	assert.Error(t, err)
}

func TestCreateTaxAndThirdParty(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	tax, err := o.CreateTaxInstruction(ctx, payment.TaxRequest{
		TenantID:       tenantID,
		LegalEntityID:  uuid.New(),
		TaxAgencyID:    uuid.New(),
		TaxLiabilityID: uuid.New(),
		Amount:         money.MustParse("300.00", "USD"),
		IdempotencyKey: "batch:irs:tax",
	})
	require.NoError(t, err)
	taxInstruction, err := o.GetInstruction(ctx, tenantID, tax.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, payment.PurposeTaxPayment, taxInstruction.Purpose)
	assert.Equal(t, "tax_authority", taxInstruction.PayeeType)

	vendor, err := o.CreateThirdPartyInstruction(ctx, payment.ThirdPartyRequest{
		TenantID:       tenantID,
		LegalEntityID:  uuid.New(),
		VendorID:       uuid.New(),
		ObligationID:   uuid.New(),
		Amount:         money.MustParse("120.00", "USD"),
		IdempotencyKey: "batch:401k:vendor",
	})
	require.NoError(t, err)
	vendorInstruction, err := o.GetInstruction(ctx, tenantID, vendor.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, payment.PurposeVendorPayment, vendorInstruction.Purpose)
	assert.Equal(t, "vendor", vendorInstruction.PayeeType)
}

func TestSubmitAccepted(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	created, err := o.CreateEmployeeNetInstruction(ctx, employeeNet(tenantID, "k1"))
	require.NoError(t, err)

	rail := &scriptedRail{responses: []*payment.ProviderResponse{
		{Accepted: true, ProviderRequestID: "TRACE-1", Message: "ok"},
	}}
	result, err := o.Submit(ctx, tenantID, created.InstructionID, rail)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "TRACE-1", result.ProviderRequestID)

	instruction, err := o.GetInstruction(ctx, tenantID, created.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusAccepted, instruction.Status)

	found, err := o.FindByProviderRequest(ctx, tenantID, "TRACE-1")
	require.NoError(t, err)
	assert.Equal(t, created.InstructionID, found.ID)
}

func TestSubmitRejected(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	created, err := o.CreateEmployeeNetInstruction(ctx, employeeNet(tenantID, "k1"))
	require.NoError(t, err)

	rail := &scriptedRail{responses: []*payment.ProviderResponse{
		{Accepted: false, Message: "invalid routing number"},
	}}
	result, err := o.Submit(ctx, tenantID, created.InstructionID, rail)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "invalid routing number", result.Message)

	instruction, err := o.GetInstruction(ctx, tenantID, created.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, instruction.Status)

	// Terminal states cannot be resubmitted.
	_, err = o.Submit(ctx, tenantID, created.InstructionID, rail)
	assert.ErrorIs(t, err, payment.ErrNotSubmittable)
}

func TestSubmitUnknownOutcome(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	created, err := o.CreateEmployeeNetInstruction(ctx, employeeNet(tenantID, "k1"))
	require.NoError(t, err)

	rail := &scriptedRail{
		errs: []error{errors.New("dial tcp: i/o timeout")},
		responses: []*payment.ProviderResponse{
			nil,
			{Accepted: true, ProviderRequestID: "TRACE-2"},
		},
	}

	result, err := o.Submit(ctx, tenantID, created.InstructionID, rail)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Message, "submission outcome unknown")
	firstAttempt := result.AttemptID

	// The instruction stays submitted; a retry reuses the open attempt
	// instead of opening attempt number two.
	instruction, err := o.GetInstruction(ctx, tenantID, created.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSubmitted, instruction.Status)

	retry, err := o.Submit(ctx, tenantID, created.InstructionID, rail)
	require.NoError(t, err)
	assert.True(t, retry.Accepted)
	assert.Equal(t, firstAttempt, retry.AttemptID)
}

func TestUpdateStatus(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	created, err := o.CreateEmployeeNetInstruction(ctx, employeeNet(tenantID, "k1"))
	require.NoError(t, err)
	rail := &scriptedRail{responses: []*payment.ProviderResponse{
		{Accepted: true, ProviderRequestID: "TRACE-1"},
	}}
	_, err = o.Submit(ctx, tenantID, created.InstructionID, rail)
	require.NoError(t, err)

	now := time.Now().UTC()

	update, err := o.UpdateStatus(ctx, tenantID, created.InstructionID, payment.StatusSettled, now)
	require.NoError(t, err)
	assert.True(t, update.Applied)
	assert.Equal(t, payment.StatusAccepted, update.Previous)
	assert.Equal(t, payment.StatusSettled, update.New)

	// Duplicate notification absorbs without writing.
	dup, err := o.UpdateStatus(ctx, tenantID, created.InstructionID, payment.StatusSettled, now)
	require.NoError(t, err)
	assert.False(t, dup.Applied)

	// Return after settlement is legal.
	returned, err := o.UpdateStatus(ctx, tenantID, created.InstructionID, payment.StatusReturned, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, returned.Applied)
}

func TestUpdateStatusStaleSettledAfterReturn(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	created, err := o.CreateEmployeeNetInstruction(ctx, employeeNet(tenantID, "k1"))
	require.NoError(t, err)
	rail := &scriptedRail{responses: []*payment.ProviderResponse{
		{Accepted: true, ProviderRequestID: "TRACE-1"},
	}}
	_, err = o.Submit(ctx, tenantID, created.InstructionID, rail)
	require.NoError(t, err)

	returnedAt := time.Now().UTC()
	_, err = o.UpdateStatus(ctx, tenantID, created.InstructionID, payment.StatusReturned, returnedAt)
	require.NoError(t, err)

	// A settled event that predates the return is stale history, absorbed.
	stale, err := o.UpdateStatus(ctx, tenantID, created.InstructionID, payment.StatusSettled, returnedAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, stale.Applied)
	assert.Equal(t, payment.StatusReturned, stale.New)

	// A settled event newer than the return is a rail inconsistency.
	_, err = o.UpdateStatus(ctx, tenantID, created.InstructionID, payment.StatusSettled, returnedAt.Add(time.Hour))
	assert.ErrorIs(t, err, payment.ErrIllegalTransition)
}

func TestUpdateStatusPromoteThrough(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	created, err := o.CreateEmployeeNetInstruction(ctx, employeeNet(tenantID, "k1"))
	require.NoError(t, err)

	// Leave the instruction submitted via an unknown-outcome attempt.
	rail := &scriptedRail{errs: []error{errors.New("timeout")}}
	_, err = o.Submit(ctx, tenantID, created.InstructionID, rail)
	require.NoError(t, err)

	update, err := o.UpdateStatus(ctx, tenantID, created.InstructionID, payment.StatusSettled, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, update.Applied)

	instruction, err := o.GetInstruction(ctx, tenantID, created.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSettled, instruction.Status)
}

func TestCancel(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	created, err := o.CreateEmployeeNetInstruction(ctx, employeeNet(tenantID, "k1"))
	require.NoError(t, err)
	require.NoError(t, o.Cancel(ctx, tenantID, created.InstructionID))

	instruction, err := o.GetInstruction(ctx, tenantID, created.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCanceled, instruction.Status)

	// Anything past draft can only be canceled by the rail.
	other, err := o.CreateEmployeeNetInstruction(ctx, employeeNet(tenantID, "k2"))
	require.NoError(t, err)
	rail := &scriptedRail{responses: []*payment.ProviderResponse{
		{Accepted: true, ProviderRequestID: "TRACE-9"},
	}}
	_, err = o.Submit(ctx, tenantID, other.InstructionID, rail)
	require.NoError(t, err)
	assert.ErrorIs(t, o.Cancel(ctx, tenantID, other.InstructionID), payment.ErrIllegalTransition)
}

func TestFindMatchCandidates(t *testing.T) {
	o, tenantID := newOrchestrator(t)
	ctx := context.Background()

	created, err := o.CreateEmployeeNetInstruction(ctx, employeeNet(tenantID, "k1"))
	require.NoError(t, err)
	rail := &scriptedRail{responses: []*payment.ProviderResponse{
		{Accepted: true, ProviderRequestID: "TRACE-1"},
	}}
	_, err = o.Submit(ctx, tenantID, created.InstructionID, rail)
	require.NoError(t, err)

	now := time.Now().UTC()
	candidates, err := o.FindMatchCandidates(ctx, tenantID,
		money.MustParse("1250.00", "USD"), payment.Outbound, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, created.InstructionID, candidates[0].ID)

	// Wrong amount never matches.
	candidates, err = o.FindMatchCandidates(ctx, tenantID,
		money.MustParse("1250.01", "USD"), payment.Outbound, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
