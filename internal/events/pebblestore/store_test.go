package pebblestore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("pspd-events-test", WithMemFS())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEvent(tenantID uuid.UUID, payload events.Payload) *events.Event {
	return &events.Event{
		ID:         uuid.New(),
		Type:       payload.Kind(),
		OccurredAt: time.Now().UTC(),
		Metadata: events.Metadata{
			TenantID:      tenantID,
			CorrelationID: uuid.New(),
			SourceService: "psp.facade",
		},
		Payload: payload,
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	store := openTestStore(t)
	tenantA, tenantB := uuid.New(), uuid.New()

	for i := 1; i <= 3; i++ {
		e := testEvent(tenantA, events.FundingRequested{FundingRequestID: uuid.New()})
		require.NoError(t, store.Append(context.Background(), e))
		assert.Equal(t, uint64(i), e.Seq)
	}

	other := testEvent(tenantB, events.FundingRequested{})
	require.NoError(t, store.Append(context.Background(), other))
	assert.Equal(t, uint64(1), other.Seq, "sequences are per tenant")
}

func TestRoundTripPreservesPayload(t *testing.T) {
	store := openTestStore(t)
	tenantID := uuid.New()
	instructionID := uuid.New()
	amount := money.MustParse("1250.00", "USD")

	in := testEvent(tenantID, events.PaymentReturned{
		InstructionID:  instructionID,
		Amount:         amount,
		ReturnCode:     "R01",
		ReturnReason:   "insufficient funds",
		ReturnDate:     time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		LiabilityParty: "client",
	})
	require.NoError(t, store.Append(context.Background(), in))

	loaded, err := store.LoadBy(context.Background(), tenantID, events.Filter{})
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	out := loaded[0]
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, events.TypePaymentReturned, out.Type)
	assert.Equal(t, in.Metadata.CorrelationID, out.Metadata.CorrelationID)
	assert.Equal(t, "psp.facade", out.Metadata.SourceService)

	payload, ok := out.Payload.(*events.PaymentReturned)
	require.True(t, ok)
	assert.Equal(t, instructionID, payload.InstructionID)
	assert.Equal(t, "R01", payload.ReturnCode)
	assert.True(t, payload.Amount.Equal(amount))
}

func TestReplayIsInsertionOrdered(t *testing.T) {
	store := openTestStore(t)
	tenantID := uuid.New()

	types := []events.Payload{
		events.FundingRequested{},
		events.FundingApproved{},
		events.PaymentInstructionCreated{},
		events.PaymentSubmitted{},
		events.PaymentSettled{},
	}
	for _, payload := range types {
		require.NoError(t, store.Append(context.Background(), testEvent(tenantID, payload)))
	}

	var got []events.Type
	err := store.Replay(context.Background(), tenantID, 0, func(e *events.Event) error {
		got = append(got, e.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []events.Type{
		events.TypeFundingRequested,
		events.TypeFundingApproved,
		events.TypePaymentInstructionCreated,
		events.TypePaymentSubmitted,
		events.TypePaymentSettled,
	}, got)

	// Replay from the middle.
	got = got[:0]
	err = store.Replay(context.Background(), tenantID, 4, func(e *events.Event) error {
		got = append(got, e.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.TypePaymentSubmitted, events.TypePaymentSettled}, got)
}

func TestTenantIsolation(t *testing.T) {
	store := openTestStore(t)
	tenantA, tenantB := uuid.New(), uuid.New()

	require.NoError(t, store.Append(context.Background(), testEvent(tenantA, events.FundingRequested{})))
	require.NoError(t, store.Append(context.Background(), testEvent(tenantB, events.FundingApproved{})))

	loaded, err := store.LoadBy(context.Background(), tenantA, events.Filter{})
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, events.TypeFundingRequested, loaded[0].Type)
}

func TestLoadByFilter(t *testing.T) {
	store := openTestStore(t)
	tenantID := uuid.New()
	correlationID := uuid.New()

	first := testEvent(tenantID, events.FundingRequested{})
	first.Metadata.CorrelationID = correlationID
	require.NoError(t, store.Append(context.Background(), first))
	require.NoError(t, store.Append(context.Background(), testEvent(tenantID, events.PaymentSubmitted{})))

	byCorrelation, err := store.LoadBy(context.Background(), tenantID, events.Filter{CorrelationID: correlationID})
	require.NoError(t, err)
	require.Len(t, byCorrelation, 1)
	assert.Equal(t, events.TypeFundingRequested, byCorrelation[0].Type)

	byType, err := store.LoadBy(context.Background(), tenantID, events.Filter{Types: []events.Type{events.TypePaymentSubmitted}})
	require.NoError(t, err)
	assert.Len(t, byType, 1)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	store, err := Open("pspd-events-test", WithMemFS())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = store.Append(context.Background(), testEvent(uuid.New(), events.FundingRequested{}))
	assert.ErrorIs(t, err, ErrStoreClosed)

	// Close is idempotent.
	assert.NoError(t, store.Close())
}
