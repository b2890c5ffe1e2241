// Package memory provides an in-memory pspdb.RepositoryManager. It backs
// tests and ephemeral deployments; nothing survives process exit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openpayroll/pspd/internal/core/gate"
	"github.com/openpayroll/pspd/internal/core/ledger"
	"github.com/openpayroll/pspd/internal/core/liability"
	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/core/payment"
	"github.com/openpayroll/pspd/internal/core/reconcile"
	"github.com/openpayroll/pspd/internal/storage/pspdb"
)

// Store is an in-memory RepositoryManager. All methods are safe for
// concurrent use; one mutex covers every table, mirroring the serializable
// isolation the SQL store gets from its transactions.
type Store struct {
	mu     sync.RWMutex
	isOpen bool

	accounts     map[string]*ledger.Account // tenant|entity|type|currency
	accountsByID map[uuid.UUID]*ledger.Account
	postings     map[string][]ledger.Entry // tenant|idempotency_key
	reservations map[uuid.UUID]*ledger.Reservation

	instructions map[uuid.UUID]*payment.Instruction
	instrByKey   map[string]uuid.UUID // tenant|idempotency_key
	attempts     map[uuid.UUID][]*payment.Attempt

	evaluations map[string]*gate.Evaluation // tenant|idempotency_key
	evalOrder   []*gate.Evaluation

	settlements map[string]*reconcile.SettlementEvent // tenant|provider|trace
	settleByID  map[uuid.UUID]*reconcile.SettlementEvent
	links       []*reconcile.SettlementLink

	liabilities map[string]*liability.Event // tenant|idempotency_key
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		accounts:     make(map[string]*ledger.Account),
		accountsByID: make(map[uuid.UUID]*ledger.Account),
		postings:     make(map[string][]ledger.Entry),
		reservations: make(map[uuid.UUID]*ledger.Reservation),
		instructions: make(map[uuid.UUID]*payment.Instruction),
		instrByKey:   make(map[string]uuid.UUID),
		attempts:     make(map[uuid.UUID][]*payment.Attempt),
		evaluations:  make(map[string]*gate.Evaluation),
		settlements:  make(map[string]*reconcile.SettlementEvent),
		settleByID:   make(map[uuid.UUID]*reconcile.SettlementEvent),
		liabilities:  make(map[string]*liability.Event),
	}
}

// Open marks the store open.
func (s *Store) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOpen = true
	return nil
}

// Close marks the store closed. Data is retained until the store is dropped.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOpen = false
	return nil
}

// IsOpen reports whether the store is open.
func (s *Store) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOpen
}

// HealthCheck always succeeds on an open store.
func (s *Store) HealthCheck(context.Context) error {
	if !s.IsOpen() {
		return pspdb.NewConnectionError("health_check", "store not open", nil)
	}
	return nil
}

// Ledger returns the ledger repository.
func (s *Store) Ledger() ledger.Repository { return &ledgerRepo{s} }

// Gate returns the gate evaluation repository.
func (s *Store) Gate() gate.Repository { return &gateRepo{s} }

// Payment returns the instruction and attempt repository.
func (s *Store) Payment() payment.Repository { return &paymentRepo{s} }

// Settlement returns the settlement event repository.
func (s *Store) Settlement() reconcile.Repository { return &settlementRepo{s} }

// Liability returns the liability event repository.
func (s *Store) Liability() liability.Repository { return &liabilityRepo{s} }

// WithTransaction runs fn against the same store. In-memory writes are
// individually atomic but fn is not rolled back on error; tests that need
// rollback semantics use the SQL store.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, txm pspdb.RepositoryManager) error) error {
	return fn(ctx, s)
}

func scopedKey(tenantID uuid.UUID, parts ...string) string {
	key := tenantID.String()
	for _, p := range parts {
		key += "|" + p
	}
	return key
}

// --- ledger ---

type ledgerRepo struct {
	s *Store
}

func (r *ledgerRepo) ResolveAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType ledger.AccountType, currency string) (*ledger.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := scopedKey(tenantID, legalEntityID.String(), string(accountType), currency)
	if a, ok := r.s.accounts[key]; ok {
		clone := *a
		return &clone, nil
	}
	a := &ledger.Account{
		ID:            uuid.New(),
		TenantID:      tenantID,
		LegalEntityID: legalEntityID,
		Type:          accountType,
		Currency:      currency,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	r.s.accounts[key] = a
	r.s.accountsByID[a.ID] = a
	clone := *a
	return &clone, nil
}

func (r *ledgerRepo) GetAccount(ctx context.Context, tenantID, accountID uuid.UUID) (*ledger.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	a, ok := r.s.accountsByID[accountID]
	if !ok || a.TenantID != tenantID {
		return nil, ledger.ErrAccountNotFound
	}
	clone := *a
	return &clone, nil
}

func (r *ledgerRepo) SetFundingHold(ctx context.Context, tenantID, accountID uuid.UUID, hold bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accountsByID[accountID]
	if !ok || a.TenantID != tenantID {
		return ledger.ErrAccountNotFound
	}
	a.FundingHold = hold
	return nil
}

func (r *ledgerRepo) InsertPosting(ctx context.Context, tenantID uuid.UUID, idempotencyKey string, entries []ledger.Entry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := scopedKey(tenantID, idempotencyKey)
	if _, ok := r.s.postings[key]; ok {
		return ledger.ErrDuplicatePosting
	}
	r.s.postings[key] = append([]ledger.Entry(nil), entries...)
	return nil
}

func (r *ledgerRepo) GetPostingEntries(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) ([]ledger.Entry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	entries, ok := r.s.postings[scopedKey(tenantID, idempotencyKey)]
	if !ok {
		return nil, ledger.ErrPostingNotFound
	}
	return append([]ledger.Entry(nil), entries...), nil
}

func (r *ledgerRepo) EntryTotals(ctx context.Context, tenantID, accountID uuid.UUID) (money.Money, money.Money, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	a, ok := r.s.accountsByID[accountID]
	if !ok || a.TenantID != tenantID {
		return money.Money{}, money.Money{}, ledger.ErrAccountNotFound
	}

	credits, debits := decimal.Zero, decimal.Zero
	for _, entries := range r.s.postings {
		for _, e := range entries {
			if e.TenantID != tenantID || e.AccountID != accountID {
				continue
			}
			if e.Direction == ledger.Credit {
				credits = credits.Add(e.Amount.Amount)
			} else {
				debits = debits.Add(e.Amount.Amount)
			}
		}
	}
	return money.New(credits, a.Currency), money.New(debits, a.Currency), nil
}

func (r *ledgerRepo) HeldReservationTotal(ctx context.Context, tenantID, accountID uuid.UUID) (money.Money, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	a, ok := r.s.accountsByID[accountID]
	if !ok || a.TenantID != tenantID {
		return money.Money{}, ledger.ErrAccountNotFound
	}

	total := decimal.Zero
	for _, res := range r.s.reservations {
		if res.TenantID == tenantID && res.AccountID == accountID && res.Status == ledger.ReservationHeld {
			total = total.Add(res.Amount.Amount)
		}
	}
	return money.New(total, a.Currency), nil
}

func (r *ledgerRepo) InsertReservation(ctx context.Context, res *ledger.Reservation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	clone := *res
	r.s.reservations[res.ID] = &clone
	return nil
}

func (r *ledgerRepo) GetReservation(ctx context.Context, tenantID, reservationID uuid.UUID) (*ledger.Reservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	res, ok := r.s.reservations[reservationID]
	if !ok || res.TenantID != tenantID {
		return nil, ledger.ErrReservationNotFound
	}
	clone := *res
	return &clone, nil
}

func (r *ledgerRepo) FindHeldReservation(ctx context.Context, tenantID uuid.UUID, sourceType string, sourceID uuid.UUID) (*ledger.Reservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var latest *ledger.Reservation
	for _, res := range r.s.reservations {
		if res.TenantID != tenantID || res.SourceType != sourceType || res.SourceID != sourceID {
			continue
		}
		if res.Status != ledger.ReservationHeld {
			continue
		}
		if latest == nil || res.CreatedAt.After(latest.CreatedAt) {
			latest = res
		}
	}
	if latest == nil {
		return nil, ledger.ErrReservationNotFound
	}
	clone := *latest
	return &clone, nil
}

func (r *ledgerRepo) TransitionReservation(ctx context.Context, tenantID, reservationID uuid.UUID, from, to ledger.ReservationStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, ok := r.s.reservations[reservationID]
	if !ok || res.TenantID != tenantID {
		return ledger.ErrReservationNotFound
	}
	if res.Status != from {
		return ledger.ErrReservationState
	}
	res.Status = to
	return nil
}

func (r *ledgerRepo) ListExpiredHeld(ctx context.Context, now time.Time, limit int) ([]ledger.Reservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []ledger.Reservation
	for _, res := range r.s.reservations {
		if res.Status == ledger.ReservationHeld && res.ExpiresAt.Before(now) {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- gate ---

type gateRepo struct {
	s *Store
}

func (r *gateRepo) InsertEvaluation(ctx context.Context, e *gate.Evaluation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := scopedKey(e.TenantID, e.IdempotencyKey)
	if _, ok := r.s.evaluations[key]; ok {
		return gate.ErrDuplicateEvaluation
	}
	clone := *e
	r.s.evaluations[key] = &clone
	r.s.evalOrder = append(r.s.evalOrder, &clone)
	return nil
}

func (r *gateRepo) GetEvaluation(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*gate.Evaluation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	e, ok := r.s.evaluations[scopedKey(tenantID, idempotencyKey)]
	if !ok {
		return nil, gate.ErrEvaluationNotFound
	}
	clone := *e
	return &clone, nil
}

func (r *gateRepo) FindCommitEvaluation(ctx context.Context, tenantID, payRunID uuid.UUID) (*gate.Evaluation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	// Insertion order stands in for evaluated_at; scan newest first.
	for i := len(r.s.evalOrder) - 1; i >= 0; i-- {
		e := r.s.evalOrder[i]
		if e.TenantID == tenantID && e.PayRunID == payRunID && e.GateType == gate.GateCommit {
			clone := *e
			return &clone, nil
		}
	}
	return nil, gate.ErrEvaluationNotFound
}

// --- payment ---

type paymentRepo struct {
	s *Store
}

func (r *paymentRepo) InsertInstruction(ctx context.Context, instruction *payment.Instruction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := scopedKey(instruction.TenantID, instruction.IdempotencyKey)
	if _, ok := r.s.instrByKey[key]; ok {
		return payment.ErrDuplicateInstruction
	}
	clone := *instruction
	r.s.instructions[instruction.ID] = &clone
	r.s.instrByKey[key] = instruction.ID
	return nil
}

func (r *paymentRepo) GetInstruction(ctx context.Context, tenantID, instructionID uuid.UUID) (*payment.Instruction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.getInstructionLocked(tenantID, instructionID)
}

func (r *paymentRepo) getInstructionLocked(tenantID, instructionID uuid.UUID) (*payment.Instruction, error) {
	in, ok := r.s.instructions[instructionID]
	if !ok || in.TenantID != tenantID {
		return nil, payment.ErrInstructionNotFound
	}
	clone := *in
	return &clone, nil
}

func (r *paymentRepo) GetInstructionByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*payment.Instruction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.instrByKey[scopedKey(tenantID, idempotencyKey)]
	if !ok {
		return nil, payment.ErrInstructionNotFound
	}
	return r.getInstructionLocked(tenantID, id)
}

func (r *paymentRepo) UpdateInstructionStatus(ctx context.Context, tenantID, instructionID uuid.UUID, from, to payment.Status, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	in, ok := r.s.instructions[instructionID]
	if !ok || in.TenantID != tenantID {
		return payment.ErrInstructionNotFound
	}
	if in.Status != from {
		return payment.ErrInstructionState
	}
	in.Status = to
	in.UpdatedAt = at
	return nil
}

func (r *paymentRepo) FindByProviderRequest(ctx context.Context, tenantID uuid.UUID, providerRequestID string) (*payment.Instruction, error) {
	if providerRequestID == "" {
		return nil, payment.ErrInstructionNotFound
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for instructionID, attempts := range r.s.attempts {
		for _, a := range attempts {
			if a.TenantID == tenantID && a.ProviderRequestID == providerRequestID {
				return r.getInstructionLocked(tenantID, instructionID)
			}
		}
	}
	return nil, payment.ErrInstructionNotFound
}

func (r *paymentRepo) FindMatchCandidates(ctx context.Context, tenantID uuid.UUID, amount money.Money, direction payment.Direction, from, to time.Time) ([]payment.Instruction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []payment.Instruction
	for _, in := range r.s.instructions {
		if in.TenantID != tenantID || in.Direction != direction {
			continue
		}
		if in.Status != payment.StatusSubmitted && in.Status != payment.StatusAccepted {
			continue
		}
		if !in.Amount.Equal(amount) {
			continue
		}
		if in.CreatedAt.Before(from) || !in.CreatedAt.Before(to) {
			continue
		}
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *paymentRepo) InsertAttempt(ctx context.Context, attempt *payment.Attempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if attempt.ProviderRequestID != "" {
		for _, attempts := range r.s.attempts {
			for _, a := range attempts {
				if a.TenantID == attempt.TenantID && a.ProviderRequestID == attempt.ProviderRequestID {
					return payment.ErrDuplicateAttempt
				}
			}
		}
	}
	clone := *attempt
	r.s.attempts[attempt.InstructionID] = append(r.s.attempts[attempt.InstructionID], &clone)
	return nil
}

func (r *paymentRepo) LatestAttempt(ctx context.Context, tenantID, instructionID uuid.UUID) (*payment.Attempt, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var latest *payment.Attempt
	for _, a := range r.s.attempts[instructionID] {
		if a.TenantID != tenantID {
			continue
		}
		if latest == nil || a.AttemptNo > latest.AttemptNo {
			latest = a
		}
	}
	if latest == nil {
		return nil, payment.ErrAttemptNotFound
	}
	clone := *latest
	return &clone, nil
}

func (r *paymentRepo) UpdateAttempt(ctx context.Context, attempt *payment.Attempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, a := range r.s.attempts[attempt.InstructionID] {
		if a.ID == attempt.ID && a.TenantID == attempt.TenantID {
			a.ProviderRequestID = attempt.ProviderRequestID
			a.Status = attempt.Status
			a.ResponsePayload = attempt.ResponsePayload
			return nil
		}
	}
	return payment.ErrAttemptNotFound
}

// --- settlement ---

type settlementRepo struct {
	s *Store
}

func (r *settlementRepo) FindSettlementByTrace(ctx context.Context, tenantID uuid.UUID, providerName, externalTraceID string) (*reconcile.SettlementEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	e, ok := r.s.settlements[scopedKey(tenantID, providerName, externalTraceID)]
	if !ok {
		return nil, reconcile.ErrSettlementNotFound
	}
	clone := *e
	return &clone, nil
}

func (r *settlementRepo) InsertSettlement(ctx context.Context, e *reconcile.SettlementEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := scopedKey(e.TenantID, e.ProviderName, e.ExternalTraceID)
	if _, ok := r.s.settlements[key]; ok {
		return pspdb.NewConstraintError("insert_settlement", "settlement event already exists", nil)
	}
	clone := *e
	r.s.settlements[key] = &clone
	r.s.settleByID[e.ID] = &clone
	return nil
}

func (r *settlementRepo) UpdateSettlementStatus(ctx context.Context, tenantID, eventID uuid.UUID, status reconcile.SettlementStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.settleByID[eventID]
	if !ok || e.TenantID != tenantID {
		return reconcile.ErrSettlementNotFound
	}
	e.Status = status
	return nil
}

func (r *settlementRepo) InsertLink(ctx context.Context, link *reconcile.SettlementLink) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	clone := *link
	r.s.links = append(r.s.links, &clone)
	return nil
}

// --- liability ---

type liabilityRepo struct {
	s *Store
}

func (r *liabilityRepo) InsertEvent(ctx context.Context, e *liability.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := scopedKey(e.TenantID, e.IdempotencyKey)
	if _, ok := r.s.liabilities[key]; ok {
		return liability.ErrDuplicateLiability
	}
	clone := *e
	r.s.liabilities[key] = &clone
	return nil
}

func (r *liabilityRepo) GetEventByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*liability.Event, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	e, ok := r.s.liabilities[scopedKey(tenantID, idempotencyKey)]
	if !ok {
		return nil, liability.ErrLiabilityNotFound
	}
	clone := *e
	return &clone, nil
}
