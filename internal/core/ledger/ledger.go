package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/openpayroll/pspd/internal/core/money"
)

// Integrity errors. These indicate a caller bug and are never retried or
// swallowed.
var (
	ErrEmptyPosting      = errors.New("posting has no entries")
	ErrUnbalancedPosting = errors.New("posting debits and credits do not balance")
	ErrNonPositiveAmount = errors.New("entry amount must be positive")
	ErrBadDirection      = errors.New("entry direction must be debit or credit")
	ErrCrossTenantEntry  = errors.New("entry references account outside tenant")
	ErrInactiveAccount   = errors.New("account is inactive")
	ErrMissingKey        = errors.New("posting requires an idempotency key")
)

// accountCacheSize bounds the account-resolution cache. Accounts are created
// on first use and never re-keyed, so cached ids never go stale; flags are
// always re-read from storage.
const accountCacheSize = 4096

// DefaultReservationTTL applies when a reservation request carries no TTL.
const DefaultReservationTTL = 24 * time.Hour

// Service implements posting, balance derivation and reservations over a
// Repository.
type Service struct {
	repo     Repository
	accounts *lru.Cache[string, uuid.UUID]
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a ledger service.
func NewService(repo Repository, options ...Option) *Service {
	cache, _ := lru.New[string, uuid.UUID](accountCacheSize)
	s := &Service{
		repo:     repo,
		accounts: cache,
		now:      time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// EntryInput is one leg of a posting request.
type EntryInput struct {
	AccountID  uuid.UUID
	Direction  Direction
	Amount     money.Money
	SourceType string
	SourceID   uuid.UUID
}

// PostRequest is a balanced entry set to append to the ledger.
type PostRequest struct {
	TenantID       uuid.UUID
	CorrelationID  uuid.UUID
	IdempotencyKey string
	Entries        []EntryInput
}

// Post appends a balanced posting. The entire posting commits or none of it
// does. Repeat calls with the same (tenant, idempotency key) return the prior
// result and write nothing.
func (s *Service) Post(ctx context.Context, req PostRequest) (*PostResult, error) {
	if len(req.Entries) == 0 {
		return nil, ErrEmptyPosting
	}
	if req.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}

	// Replay check before validating: a stored posting already passed.
	if prior, err := s.repo.GetPostingEntries(ctx, req.TenantID, req.IdempotencyKey); err == nil {
		return replayResult(prior), nil
	} else if !errors.Is(err, ErrPostingNotFound) {
		return nil, err
	}

	entries, err := s.buildEntries(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.repo.InsertPosting(ctx, req.TenantID, req.IdempotencyKey, entries); err != nil {
		if errors.Is(err, ErrDuplicatePosting) {
			// Lost a race with a concurrent identical request.
			prior, readErr := s.repo.GetPostingEntries(ctx, req.TenantID, req.IdempotencyKey)
			if readErr != nil {
				return nil, readErr
			}
			return replayResult(prior), nil
		}
		return nil, err
	}

	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return &PostResult{CorrelationID: req.CorrelationID, EntryIDs: ids}, nil
}

func replayResult(entries []Entry) *PostResult {
	res := &PostResult{Replayed: true}
	for _, e := range entries {
		res.CorrelationID = e.CorrelationID
		res.EntryIDs = append(res.EntryIDs, e.ID)
	}
	return res
}

// buildEntries validates the request and materializes immutable entries.
// Validation order: per-entry shape, tenant scope, then the double-entry
// balance per currency.
func (s *Service) buildEntries(ctx context.Context, req PostRequest) ([]Entry, error) {
	postedAt := s.now().UTC()
	entries := make([]Entry, 0, len(req.Entries))

	// Net per currency: credits add, debits subtract. Must be exactly zero.
	net := make(map[string]decimal.Decimal)

	for _, in := range req.Entries {
		if !in.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: account %s amount %s", ErrNonPositiveAmount, in.AccountID, in.Amount)
		}
		if in.Direction != Debit && in.Direction != Credit {
			return nil, fmt.Errorf("%w: %q", ErrBadDirection, in.Direction)
		}

		account, err := s.repo.GetAccount(ctx, req.TenantID, in.AccountID)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return nil, fmt.Errorf("%w: account %s", ErrCrossTenantEntry, in.AccountID)
			}
			return nil, err
		}
		if !account.Active {
			return nil, fmt.Errorf("%w: account %s", ErrInactiveAccount, in.AccountID)
		}
		if account.Currency != in.Amount.Currency {
			return nil, fmt.Errorf("%w: account %s is %s, entry is %s",
				money.ErrCurrencyMismatch, in.AccountID, account.Currency, in.Amount.Currency)
		}

		if in.Direction == Credit {
			net[in.Amount.Currency] = net[in.Amount.Currency].Add(in.Amount.Amount)
		} else {
			net[in.Amount.Currency] = net[in.Amount.Currency].Sub(in.Amount.Amount)
		}

		entries = append(entries, Entry{
			ID:             uuid.New(),
			TenantID:       req.TenantID,
			AccountID:      in.AccountID,
			Direction:      in.Direction,
			Amount:         in.Amount,
			PostedAt:       postedAt,
			SourceType:     in.SourceType,
			SourceID:       in.SourceID,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: req.IdempotencyKey,
		})
	}

	for currency, sum := range net {
		if !sum.IsZero() {
			return nil, fmt.Errorf("%w: %s off by %s", ErrUnbalancedPosting, currency, sum)
		}
	}

	return entries, nil
}

// GetBalance derives the balance of an account, consistent with all committed
// postings at read time. The ledger permits negative available balances; the
// funding gate enforces non-negativity where policy requires it.
func (s *Service) GetBalance(ctx context.Context, tenantID, accountID uuid.UUID) (*Balance, error) {
	account, err := s.repo.GetAccount(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}

	credits, debits, err := s.repo.EntryTotals(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	posted, err := credits.Sub(debits)
	if err != nil {
		return nil, err
	}

	reserved, err := s.repo.HeldReservationTotal(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	available, err := posted.Sub(reserved)
	if err != nil {
		return nil, err
	}

	return &Balance{
		AccountID: accountID,
		Posted:    posted,
		Reserved:  reserved,
		Available: available,
		Currency:  account.Currency,
	}, nil
}

// ResolveAccount returns the account for the key, creating it on first use.
// The id is cached; the row itself is re-read so flag changes are observed.
func (s *Service) ResolveAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType AccountType, currency string) (*Account, error) {
	if !accountType.Valid() {
		return nil, fmt.Errorf("unknown account type %q", accountType)
	}
	if currency == "" {
		currency = money.DefaultCurrency
	}

	key := tenantID.String() + "|" + legalEntityID.String() + "|" + string(accountType) + "|" + currency
	if id, ok := s.accounts.Get(key); ok {
		account, err := s.repo.GetAccount(ctx, tenantID, id)
		if err == nil {
			return account, nil
		}
		s.accounts.Remove(key)
	}

	account, err := s.repo.ResolveAccount(ctx, tenantID, legalEntityID, accountType, currency)
	if err != nil {
		return nil, err
	}
	s.accounts.Add(key, account.ID)
	return account, nil
}

// ReservationRequest holds the inputs for creating a reservation.
type ReservationRequest struct {
	TenantID      uuid.UUID
	LegalEntityID uuid.UUID
	ReserveType   string
	Amount        money.Money
	SourceType    string
	SourceID      uuid.UUID
	CorrelationID uuid.UUID
	TTL           time.Duration
}

// CreateReservation places a soft hold against the legal entity's funding
// clearing account. The hold reduces available balance only.
func (s *Service) CreateReservation(ctx context.Context, req ReservationRequest) (*Reservation, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: reservation amount %s", ErrNonPositiveAmount, req.Amount)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}

	account, err := s.ResolveAccount(ctx, req.TenantID, req.LegalEntityID, AccountClientFundingClearing, req.Amount.Currency)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	r := &Reservation{
		ID:            uuid.New(),
		TenantID:      req.TenantID,
		LegalEntityID: req.LegalEntityID,
		AccountID:     account.ID,
		ReserveType:   req.ReserveType,
		Amount:        req.Amount,
		Status:        ReservationHeld,
		SourceType:    req.SourceType,
		SourceID:      req.SourceID,
		CorrelationID: req.CorrelationID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := s.repo.InsertReservation(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// PostingEntries returns the entries previously written under an idempotency
// key. The reconciler reads a settled posting back to build its inverse on a
// return.
func (s *Service) PostingEntries(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) ([]Entry, error) {
	return s.repo.GetPostingEntries(ctx, tenantID, idempotencyKey)
}

// FindHeldReservation returns the held reservation backing a source entity,
// or ErrReservationNotFound. The pay gate uses this to verify coverage.
func (s *Service) FindHeldReservation(ctx context.Context, tenantID uuid.UUID, sourceType string, sourceID uuid.UUID) (*Reservation, error) {
	return s.repo.FindHeldReservation(ctx, tenantID, sourceType, sourceID)
}

// SetFundingHold places or lifts a hold on an account. Held accounts fail the
// pay gate until an operator clears the flag.
func (s *Service) SetFundingHold(ctx context.Context, tenantID, accountID uuid.UUID, hold bool) error {
	return s.repo.SetFundingHold(ctx, tenantID, accountID, hold)
}

// ReleaseReservation moves a held reservation to consumed (payment executed)
// or released (explicit cancel). Only held reservations can transition.
func (s *Service) ReleaseReservation(ctx context.Context, tenantID, reservationID uuid.UUID, consumed bool) error {
	to := ReservationReleased
	if consumed {
		to = ReservationConsumed
	}
	return s.repo.TransitionReservation(ctx, tenantID, reservationID, ReservationHeld, to)
}

// ExpireReservations expires held reservations past their TTL. Invoked from
// the storage manager's maintenance loop. Returns how many were expired.
func (s *Service) ExpireReservations(ctx context.Context, limit int) (int, error) {
	expired, err := s.repo.ListExpiredHeld(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range expired {
		err := s.repo.TransitionReservation(ctx, r.TenantID, r.ID, ReservationHeld, ReservationExpired)
		if err != nil {
			if errors.Is(err, ErrReservationState) {
				continue // consumed or released under us
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// InvertEntries builds the inverse legs of a posting: debits become credits
// and vice versa. Used to reverse a settled payment on return; the original
// entries are never updated.
func InvertEntries(entries []Entry) []EntryInput {
	inverted := make([]EntryInput, 0, len(entries))
	for _, e := range entries {
		dir := Debit
		if e.Direction == Debit {
			dir = Credit
		}
		inverted = append(inverted, EntryInput{
			AccountID:  e.AccountID,
			Direction:  dir,
			Amount:     e.Amount,
			SourceType: e.SourceType,
			SourceID:   e.SourceID,
		})
	}
	return inverted
}
