package events

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpayroll/pspd/internal/core/money"
)

func TestEmitAssignsSequencePerTenant(t *testing.T) {
	store := NewMemoryStore()
	emitter := NewEmitter(store)
	tenantA, tenantB := uuid.New(), uuid.New()

	for i := 0; i < 3; i++ {
		_, err := emitter.Emit(context.Background(),
			Metadata{TenantID: tenantA, CorrelationID: uuid.New(), SourceService: "test"},
			FundingRequested{FundingRequestID: uuid.New()})
		require.NoError(t, err)
	}
	event, err := emitter.Emit(context.Background(),
		Metadata{TenantID: tenantB, CorrelationID: uuid.New(), SourceService: "test"},
		FundingRequested{FundingRequestID: uuid.New()})
	require.NoError(t, err)

	// Sequences are per tenant, starting at one.
	assert.Equal(t, uint64(1), event.Seq)

	loaded, err := store.LoadBy(context.Background(), tenantA, Filter{})
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	for i, e := range loaded {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestEmitInvokesHandlersInOrder(t *testing.T) {
	emitter := NewEmitter(NewMemoryStore())

	var calls []string
	emitter.Register(func(_ context.Context, e *Event) error {
		calls = append(calls, "first:"+string(e.Type))
		return nil
	})
	emitter.Register(func(_ context.Context, e *Event) error {
		calls = append(calls, "second:"+string(e.Type))
		return nil
	})

	_, err := emitter.Emit(context.Background(),
		Metadata{TenantID: uuid.New()},
		PaymentSubmitted{InstructionID: uuid.New(), Rail: "ach"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first:payment.submitted", "second:payment.submitted"}, calls)
}

func TestEmitHandlerFailureDoesNotLoseEvent(t *testing.T) {
	store := NewMemoryStore()
	emitter := NewEmitter(store)
	tenantID := uuid.New()

	boom := errors.New("projection offline")
	ran := false
	emitter.Register(func(context.Context, *Event) error { return boom })
	emitter.Register(func(context.Context, *Event) error { ran = true; return nil })

	event, err := emitter.Emit(context.Background(),
		Metadata{TenantID: tenantID},
		FundingApproved{ApprovedAmount: money.MustParse("100.00", "USD")})
	require.ErrorIs(t, err, boom)
	require.NotNil(t, event)
	assert.True(t, ran, "later handlers still run")

	// The event is durable despite the handler failure.
	loaded, err := store.LoadBy(context.Background(), tenantID, Filter{})
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestLoadByFilters(t *testing.T) {
	store := NewMemoryStore()
	emitter := NewEmitter(store)
	tenantID := uuid.New()
	correlationID := uuid.New()

	_, err := emitter.Emit(context.Background(),
		Metadata{TenantID: tenantID, CorrelationID: correlationID},
		FundingRequested{})
	require.NoError(t, err)
	_, err = emitter.Emit(context.Background(),
		Metadata{TenantID: tenantID, CorrelationID: correlationID},
		FundingApproved{})
	require.NoError(t, err)
	_, err = emitter.Emit(context.Background(),
		Metadata{TenantID: tenantID, CorrelationID: uuid.New()},
		PaymentSubmitted{})
	require.NoError(t, err)

	byType, err := store.LoadBy(context.Background(), tenantID, Filter{Types: []Type{TypeFundingApproved}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, TypeFundingApproved, byType[0].Type)

	byCorrelation, err := store.LoadBy(context.Background(), tenantID, Filter{CorrelationID: correlationID})
	require.NoError(t, err)
	assert.Len(t, byCorrelation, 2)

	limited, err := store.LoadBy(context.Background(), tenantID, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestReplayFromSequence(t *testing.T) {
	store := NewMemoryStore()
	emitter := NewEmitter(store)
	tenantID := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := emitter.Emit(context.Background(), Metadata{TenantID: tenantID}, FundingRequested{})
		require.NoError(t, err)
	}

	var seqs []uint64
	err := store.Replay(context.Background(), tenantID, 3, func(e *Event) error {
		seqs = append(seqs, e.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, seqs)

	// A consumer error stops the replay.
	stop := errors.New("done")
	count := 0
	err = store.Replay(context.Background(), tenantID, 1, func(*Event) error {
		count++
		if count == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, count)
}
