package providers

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
)

func testInstruction() *payment.Instruction {
	return &payment.Instruction{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		Direction: payment.Outbound,
		Amount:    money.MustParse("1250.00", "USD"),
		Status:    payment.StatusSubmitted,
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewACHSimulator())
	registry.Register(NewFedNowSimulator())

	p, err := registry.Get("ach")
	require.NoError(t, err)
	assert.Equal(t, "ach", p.Name())

	_, err = registry.Get("zelle")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.ElementsMatch(t, []string{"ach", "fednow"}, registry.Names())
}

func TestACHSubmitAndSettle(t *testing.T) {
	ach := NewACHSimulator()
	ctx := context.Background()

	response, err := ach.Submit(ctx, testInstruction())
	require.NoError(t, err)
	assert.True(t, response.Accepted)
	assert.NotEmpty(t, response.ProviderRequestID)

	// Nothing settles before the feed is pulled.
	status, err := ach.Status(ctx, response.ProviderRequestID)
	require.NoError(t, err)
	assert.Equal(t, string(payment.StatusAccepted), status.Status)

	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	feed, err := ach.PullSettlements(ctx, date, uuid.New())
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, response.ProviderRequestID, feed[0].ExternalTraceID)
	assert.Equal(t, RecordSuccess, feed[0].Status)
	assert.Equal(t, date, feed[0].EffectiveDate)

	// Settled records do not reappear.
	feed, err = ach.PullSettlements(ctx, date, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, feed)

	status, err = ach.Status(ctx, response.ProviderRequestID)
	require.NoError(t, err)
	assert.Equal(t, string(payment.StatusSettled), status.Status)
}

func TestACHScriptedReturn(t *testing.T) {
	ach := NewACHSimulator()
	ctx := context.Background()

	response, err := ach.Submit(ctx, testInstruction())
	require.NoError(t, err)
	trace := response.ProviderRequestID

	date := time.Now().UTC()
	_, err = ach.PullSettlements(ctx, date, uuid.New())
	require.NoError(t, err)

	// A return can arrive after the payment already settled.
	ach.ScriptReturn(trace, "R01", "insufficient funds")
	feed, err := ach.PullSettlements(ctx, date, uuid.New())
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, trace+"-R", feed[0].ExternalTraceID)
	assert.Equal(t, trace, feed[0].OriginalTraceID)
	assert.Equal(t, RecordReturn, feed[0].Status)
	assert.Equal(t, "R01", feed[0].ReturnCode)

	// The return is emitted once.
	feed, err = ach.PullSettlements(ctx, date, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, feed)
}

func TestACHRejectAndError(t *testing.T) {
	ach := NewACHSimulator()
	ctx := context.Background()

	ach.RejectNext("invalid routing number")
	response, err := ach.Submit(ctx, testInstruction())
	require.NoError(t, err)
	assert.False(t, response.Accepted)
	assert.Equal(t, "invalid routing number", response.Message)

	boom := errors.New("gateway timeout")
	ach.ErrorNext(boom)
	_, err = ach.Submit(ctx, testInstruction())
	assert.ErrorIs(t, err, boom)

	// Both are one-shot scripts.
	response, err = ach.Submit(ctx, testInstruction())
	require.NoError(t, err)
	assert.True(t, response.Accepted)
}

func TestACHCancel(t *testing.T) {
	ach := NewACHSimulator()
	ctx := context.Background()

	response, err := ach.Submit(ctx, testInstruction())
	require.NoError(t, err)

	cancel, err := ach.Cancel(ctx, response.ProviderRequestID)
	require.NoError(t, err)
	assert.True(t, cancel.Accepted)

	// Canceled payments never appear in a feed.
	feed, err := ach.PullSettlements(ctx, time.Now().UTC(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, feed)

	// Settled payments cannot be pulled back.
	response, err = ach.Submit(ctx, testInstruction())
	require.NoError(t, err)
	_, err = ach.PullSettlements(ctx, time.Now().UTC(), uuid.New())
	require.NoError(t, err)
	cancel, err = ach.Cancel(ctx, response.ProviderRequestID)
	require.NoError(t, err)
	assert.False(t, cancel.Accepted)
}

func TestFedNowSettlesInstantly(t *testing.T) {
	fednow := NewFedNowSimulator()
	ctx := context.Background()

	response, err := fednow.Submit(ctx, testInstruction())
	require.NoError(t, err)
	assert.True(t, response.Accepted)

	status, err := fednow.Status(ctx, response.ProviderRequestID)
	require.NoError(t, err)
	assert.Equal(t, string(payment.StatusSettled), status.Status)

	cancel, err := fednow.Cancel(ctx, response.ProviderRequestID)
	require.NoError(t, err)
	assert.False(t, cancel.Accepted, "real-time payments are final")

	// The feed drains once.
	feed, err := fednow.PullSettlements(ctx, time.Now().UTC(), uuid.New())
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, response.ProviderRequestID, feed[0].ExternalTraceID)

	feed, err = fednow.PullSettlements(ctx, time.Now().UTC(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, feed)
}

func TestFedNowRejectAtSubmit(t *testing.T) {
	fednow := NewFedNowSimulator()
	fednow.RejectNext("recipient not enrolled")

	response, err := fednow.Submit(context.Background(), testInstruction())
	require.NoError(t, err)
	assert.False(t, response.Accepted)
	assert.Equal(t, "recipient not enrolled", response.Message)
}

func TestCapabilities(t *testing.T) {
	ach := NewACHSimulator().Capabilities()
	assert.Equal(t, "ach", ach.Rail)
	assert.True(t, ach.SupportsCancel)
	assert.False(t, ach.SupportsRealtime)
	assert.NotEmpty(t, ach.CutoffTimes)

	fednow := NewFedNowSimulator().Capabilities()
	assert.Equal(t, "fednow", fednow.Rail)
	assert.True(t, fednow.SupportsRealtime)
}
