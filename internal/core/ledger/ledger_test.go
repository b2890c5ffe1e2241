package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpayroll/pspd/internal/core/ledger"
	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/storage/pspdb/memory"
)

func newLedger(t *testing.T, options ...ledger.Option) *ledger.Service {
	t.Helper()
	return ledger.NewService(memory.NewStore().Ledger(), options...)
}

// twoAccounts resolves a funding clearing and a settlement clearing account
// for one tenant and entity.
func twoAccounts(t *testing.T, svc *ledger.Service, tenantID, entityID uuid.UUID) (*ledger.Account, *ledger.Account) {
	t.Helper()
	ctx := context.Background()
	funding, err := svc.ResolveAccount(ctx, tenantID, entityID, ledger.AccountClientFundingClearing, "USD")
	require.NoError(t, err)
	clearing, err := svc.ResolveAccount(ctx, tenantID, entityID, ledger.AccountPSPSettlementClearing, "USD")
	require.NoError(t, err)
	return funding, clearing
}

func deposit(tenantID uuid.UUID, funding, clearing *ledger.Account, amount money.Money, key string) ledger.PostRequest {
	return ledger.PostRequest{
		TenantID:       tenantID,
		CorrelationID:  uuid.New(),
		IdempotencyKey: key,
		Entries: []ledger.EntryInput{
			{AccountID: clearing.ID, Direction: ledger.Debit, Amount: amount},
			{AccountID: funding.ID, Direction: ledger.Credit, Amount: amount},
		},
	}
}

func TestPostBalanced(t *testing.T) {
	svc := newLedger(t)
	tenantID, entityID := uuid.New(), uuid.New()
	funding, clearing := twoAccounts(t, svc, tenantID, entityID)

	result, err := svc.Post(context.Background(),
		deposit(tenantID, funding, clearing, money.MustParse("1000.00", "USD"), "deposit:1"))
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Len(t, result.EntryIDs, 2)

	balance, err := svc.GetBalance(context.Background(), tenantID, funding.ID)
	require.NoError(t, err)
	assert.True(t, balance.Posted.Equal(money.MustParse("1000.00", "USD")))
	assert.True(t, balance.Available.Equal(money.MustParse("1000.00", "USD")))
	assert.True(t, balance.Reserved.IsZero())
}

func TestPostValidation(t *testing.T) {
	svc := newLedger(t)
	tenantID, entityID := uuid.New(), uuid.New()
	funding, clearing := twoAccounts(t, svc, tenantID, entityID)
	amount := money.MustParse("100.00", "USD")

	tests := []struct {
		name    string
		req     ledger.PostRequest
		wantErr error
	}{
		{
			name:    "no entries",
			req:     ledger.PostRequest{TenantID: tenantID, IdempotencyKey: "k"},
			wantErr: ledger.ErrEmptyPosting,
		},
		{
			name: "missing idempotency key",
			req: ledger.PostRequest{
				TenantID: tenantID,
				Entries: []ledger.EntryInput{
					{AccountID: funding.ID, Direction: ledger.Credit, Amount: amount},
				},
			},
			wantErr: ledger.ErrMissingKey,
		},
		{
			name: "unbalanced",
			req: ledger.PostRequest{
				TenantID:       tenantID,
				IdempotencyKey: "unbalanced",
				Entries: []ledger.EntryInput{
					{AccountID: clearing.ID, Direction: ledger.Debit, Amount: amount},
					{AccountID: funding.ID, Direction: ledger.Credit, Amount: money.MustParse("99.99", "USD")},
				},
			},
			wantErr: ledger.ErrUnbalancedPosting,
		},
		{
			name: "zero amount",
			req: ledger.PostRequest{
				TenantID:       tenantID,
				IdempotencyKey: "zero",
				Entries: []ledger.EntryInput{
					{AccountID: funding.ID, Direction: ledger.Credit, Amount: money.Zero("USD")},
				},
			},
			wantErr: ledger.ErrNonPositiveAmount,
		},
		{
			name: "bad direction",
			req: ledger.PostRequest{
				TenantID:       tenantID,
				IdempotencyKey: "baddir",
				Entries: []ledger.EntryInput{
					{AccountID: funding.ID, Direction: "sideways", Amount: amount},
				},
			},
			wantErr: ledger.ErrBadDirection,
		},
		{
			name: "cross tenant account",
			req: ledger.PostRequest{
				TenantID:       uuid.New(),
				IdempotencyKey: "crosstenant",
				Entries: []ledger.EntryInput{
					{AccountID: funding.ID, Direction: ledger.Credit, Amount: amount},
				},
			},
			wantErr: ledger.ErrCrossTenantEntry,
		},
		{
			name: "currency mismatch with account",
			req: ledger.PostRequest{
				TenantID:       tenantID,
				IdempotencyKey: "curmismatch",
				Entries: []ledger.EntryInput{
					{AccountID: funding.ID, Direction: ledger.Credit, Amount: money.MustParse("100.00", "EUR")},
				},
			},
			wantErr: money.ErrCurrencyMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Post(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPostIdempotentReplay(t *testing.T) {
	svc := newLedger(t)
	tenantID, entityID := uuid.New(), uuid.New()
	funding, clearing := twoAccounts(t, svc, tenantID, entityID)
	amount := money.MustParse("500.00", "USD")

	first, err := svc.Post(context.Background(), deposit(tenantID, funding, clearing, amount, "deposit:replay"))
	require.NoError(t, err)

	second, err := svc.Post(context.Background(), deposit(tenantID, funding, clearing, amount, "deposit:replay"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.ElementsMatch(t, first.EntryIDs, second.EntryIDs)

	// Balance reflects exactly one posting.
	balance, err := svc.GetBalance(context.Background(), tenantID, funding.ID)
	require.NoError(t, err)
	assert.True(t, balance.Posted.Equal(amount))
}

func TestBalanceWithReservation(t *testing.T) {
	svc := newLedger(t)
	tenantID, entityID := uuid.New(), uuid.New()
	funding, clearing := twoAccounts(t, svc, tenantID, entityID)

	_, err := svc.Post(context.Background(),
		deposit(tenantID, funding, clearing, money.MustParse("1000.00", "USD"), "deposit:1"))
	require.NoError(t, err)

	reservation, err := svc.CreateReservation(context.Background(), ledger.ReservationRequest{
		TenantID:      tenantID,
		LegalEntityID: entityID,
		ReserveType:   "net_pay",
		Amount:        money.MustParse("400.00", "USD"),
		SourceType:    "payroll_batch",
		SourceID:      uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.ReservationHeld, reservation.Status)
	assert.Equal(t, funding.ID, reservation.AccountID)

	balance, err := svc.GetBalance(context.Background(), tenantID, funding.ID)
	require.NoError(t, err)
	assert.True(t, balance.Posted.Equal(money.MustParse("1000.00", "USD")))
	assert.True(t, balance.Reserved.Equal(money.MustParse("400.00", "USD")))
	assert.True(t, balance.Available.Equal(money.MustParse("600.00", "USD")))
}

func TestReservationLifecycle(t *testing.T) {
	svc := newLedger(t)
	tenantID, entityID, batchID := uuid.New(), uuid.New(), uuid.New()

	_, err := svc.CreateReservation(context.Background(), ledger.ReservationRequest{
		TenantID:      tenantID,
		LegalEntityID: entityID,
		Amount:        money.Zero("USD"),
	})
	assert.ErrorIs(t, err, ledger.ErrNonPositiveAmount)

	reservation, err := svc.CreateReservation(context.Background(), ledger.ReservationRequest{
		TenantID:      tenantID,
		LegalEntityID: entityID,
		ReserveType:   "net_pay",
		Amount:        money.MustParse("250.00", "USD"),
		SourceType:    "payroll_batch",
		SourceID:      batchID,
	})
	require.NoError(t, err)
	assert.WithinDuration(t, reservation.CreatedAt.Add(ledger.DefaultReservationTTL), reservation.ExpiresAt, time.Second)

	found, err := svc.FindHeldReservation(context.Background(), tenantID, "payroll_batch", batchID)
	require.NoError(t, err)
	assert.Equal(t, reservation.ID, found.ID)

	require.NoError(t, svc.ReleaseReservation(context.Background(), tenantID, reservation.ID, true))

	// Consumed reservations are no longer held.
	_, err = svc.FindHeldReservation(context.Background(), tenantID, "payroll_batch", batchID)
	assert.ErrorIs(t, err, ledger.ErrReservationNotFound)

	// A second release is a state error, not a silent no-op.
	err = svc.ReleaseReservation(context.Background(), tenantID, reservation.ID, false)
	assert.ErrorIs(t, err, ledger.ErrReservationState)
}

func TestExpireReservations(t *testing.T) {
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := newLedger(t, ledger.WithClock(func() time.Time { return clock }))
	tenantID, entityID := uuid.New(), uuid.New()

	reservation, err := svc.CreateReservation(context.Background(), ledger.ReservationRequest{
		TenantID:      tenantID,
		LegalEntityID: entityID,
		ReserveType:   "net_pay",
		Amount:        money.MustParse("100.00", "USD"),
		SourceType:    "payroll_batch",
		SourceID:      uuid.New(),
		TTL:           time.Hour,
	})
	require.NoError(t, err)

	// Not yet expired.
	n, err := svc.ExpireReservations(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock = clock.Add(2 * time.Hour)
	n, err = svc.ExpireReservations(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = svc.ReleaseReservation(context.Background(), tenantID, reservation.ID, true)
	assert.ErrorIs(t, err, ledger.ErrReservationState)
}

func TestResolveAccount(t *testing.T) {
	svc := newLedger(t)
	tenantID, entityID := uuid.New(), uuid.New()

	_, err := svc.ResolveAccount(context.Background(), tenantID, entityID, "petty_cash", "USD")
	assert.Error(t, err)

	first, err := svc.ResolveAccount(context.Background(), tenantID, entityID, ledger.AccountClientNetPayPayable, "USD")
	require.NoError(t, err)
	assert.True(t, first.Active)

	again, err := svc.ResolveAccount(context.Background(), tenantID, entityID, ledger.AccountClientNetPayPayable, "USD")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// Same type in another currency is a distinct account.
	eur, err := svc.ResolveAccount(context.Background(), tenantID, entityID, ledger.AccountClientNetPayPayable, "EUR")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, eur.ID)
}

func TestInvertEntries(t *testing.T) {
	accountA, accountB := uuid.New(), uuid.New()
	amount := money.MustParse("75.00", "USD")
	entries := []ledger.Entry{
		{AccountID: accountA, Direction: ledger.Debit, Amount: amount},
		{AccountID: accountB, Direction: ledger.Credit, Amount: amount},
	}

	inverted := ledger.InvertEntries(entries)
	require.Len(t, inverted, 2)
	assert.Equal(t, ledger.Credit, inverted[0].Direction)
	assert.Equal(t, accountA, inverted[0].AccountID)
	assert.Equal(t, ledger.Debit, inverted[1].Direction)
	assert.Equal(t, accountB, inverted[1].AccountID)
	assert.True(t, inverted[0].Amount.Equal(amount))
}
