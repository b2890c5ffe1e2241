package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openpayroll/pspd/internal/core/ledger"
	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/storage/pspdb"
)

type ledgerRepo struct {
	store *Store
}

const accountColumns = `id, tenant_id, legal_entity_id, account_type, currency, active, funding_hold, created_at`

func (r *ledgerRepo) ResolveAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType ledger.AccountType, currency string) (*ledger.Account, error) {
	q := r.store.querier()

	account, err := r.findAccount(ctx, q, tenantID, legalEntityID, accountType, currency)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, err
	}

	id := uuid.New()
	_, err = q.ExecContext(ctx,
		`INSERT INTO ledger_account (id, tenant_id, legal_entity_id, account_type, currency, active, funding_hold, created_at)
		 VALUES ($1, $2, $3, $4, $5, 1, 0, $6)`,
		id.String(), tenantID.String(), legalEntityID.String(), string(accountType), currency, encodeTime(time.Now()))
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the creation race; the winner's row is the account.
			return r.findAccount(ctx, q, tenantID, legalEntityID, accountType, currency)
		}
		return nil, pspdb.WrapError(err, "resolve_account")
	}
	return r.GetAccount(ctx, tenantID, id)
}

func (r *ledgerRepo) findAccount(ctx context.Context, q querier, tenantID, legalEntityID uuid.UUID, accountType ledger.AccountType, currency string) (*ledger.Account, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM ledger_account
		 WHERE tenant_id = $1 AND legal_entity_id = $2 AND account_type = $3 AND currency = $4`,
		tenantID.String(), legalEntityID.String(), string(accountType), currency)
	return scanAccount(row)
}

func (r *ledgerRepo) GetAccount(ctx context.Context, tenantID, accountID uuid.UUID) (*ledger.Account, error) {
	row := r.store.querier().QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM ledger_account WHERE tenant_id = $1 AND id = $2`,
		tenantID.String(), accountID.String())
	return scanAccount(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var (
		a                   ledger.Account
		id, tenant, entity  string
		accountType         string
		active, fundingHold int
		createdAt           string
	)
	err := row.Scan(&id, &tenant, &entity, &accountType, &a.Currency, &active, &fundingHold, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, pspdb.WrapError(err, "scan_account")
	}
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, pspdb.NewDataError("scan_account", "malformed account id", err)
	}
	if a.TenantID, err = uuid.Parse(tenant); err != nil {
		return nil, pspdb.NewDataError("scan_account", "malformed tenant id", err)
	}
	if a.LegalEntityID, err = uuid.Parse(entity); err != nil {
		return nil, pspdb.NewDataError("scan_account", "malformed legal entity id", err)
	}
	a.Type = ledger.AccountType(accountType)
	a.Active = active != 0
	a.FundingHold = fundingHold != 0
	if a.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, pspdb.NewDataError("scan_account", "malformed created_at", err)
	}
	return &a, nil
}

func (r *ledgerRepo) SetFundingHold(ctx context.Context, tenantID, accountID uuid.UUID, hold bool) error {
	holdVal := 0
	if hold {
		holdVal = 1
	}
	result, err := r.store.querier().ExecContext(ctx,
		`UPDATE ledger_account SET funding_hold = $1 WHERE tenant_id = $2 AND id = $3`,
		holdVal, tenantID.String(), accountID.String())
	if err != nil {
		return pspdb.WrapError(err, "set_funding_hold")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return pspdb.WrapError(err, "set_funding_hold")
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (r *ledgerRepo) InsertPosting(ctx context.Context, tenantID uuid.UUID, idempotencyKey string, entries []ledger.Entry) error {
	insert := func(ctx context.Context, q querier) error {
		correlationID := uuid.Nil
		if len(entries) > 0 {
			correlationID = entries[0].CorrelationID
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO ledger_posting (tenant_id, idempotency_key, correlation_id, created_at)
			 VALUES ($1, $2, $3, $4)`,
			tenantID.String(), idempotencyKey, correlationID.String(), encodeTime(time.Now()))
		if err != nil {
			if isUniqueViolation(err) {
				return ledger.ErrDuplicatePosting
			}
			return pspdb.WrapError(err, "insert_posting")
		}
		for i, e := range entries {
			_, err := q.ExecContext(ctx,
				`INSERT INTO ledger_entry (id, tenant_id, account_id, direction, amount, currency, posted_at,
				                           source_type, source_id, correlation_id, idempotency_key, entry_seq)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				e.ID.String(), e.TenantID.String(), e.AccountID.String(), string(e.Direction),
				e.Amount.Amount.String(), e.Amount.Currency, encodeTime(e.PostedAt),
				e.SourceType, e.SourceID.String(), e.CorrelationID.String(), e.IdempotencyKey, i)
			if err != nil {
				return pspdb.WrapError(err, "insert_entry")
			}
		}
		return nil
	}

	// Posting row and entries must land together. Inside WithTransaction the
	// querier already is a transaction; otherwise open one here.
	if tx, ok := r.store.querier().(*sql.Tx); ok {
		return insert(ctx, tx)
	}
	return r.store.WithTransaction(ctx, func(ctx context.Context, txm pspdb.RepositoryManager) error {
		return insert(ctx, txm.(*Store).querier())
	})
}

func (r *ledgerRepo) GetPostingEntries(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) ([]ledger.Entry, error) {
	rows, err := r.store.querier().QueryContext(ctx,
		`SELECT id, tenant_id, account_id, direction, amount, currency, posted_at,
		        source_type, source_id, correlation_id, idempotency_key
		 FROM ledger_entry
		 WHERE tenant_id = $1 AND idempotency_key = $2
		 ORDER BY entry_seq`,
		tenantID.String(), idempotencyKey)
	if err != nil {
		return nil, pspdb.WrapError(err, "get_posting_entries")
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                                     ledger.Entry
			id, tenant, account, source, correl   string
			direction, amount, currency, postedAt string
		)
		err := rows.Scan(&id, &tenant, &account, &direction, &amount, &currency, &postedAt,
			&e.SourceType, &source, &correl, &e.IdempotencyKey)
		if err != nil {
			return nil, pspdb.WrapError(err, "scan_entry")
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, pspdb.NewDataError("scan_entry", "malformed entry id", err)
		}
		if e.TenantID, err = uuid.Parse(tenant); err != nil {
			return nil, pspdb.NewDataError("scan_entry", "malformed tenant id", err)
		}
		if e.AccountID, err = uuid.Parse(account); err != nil {
			return nil, pspdb.NewDataError("scan_entry", "malformed account id", err)
		}
		if e.SourceID, err = uuid.Parse(source); err != nil {
			return nil, pspdb.NewDataError("scan_entry", "malformed source id", err)
		}
		if e.CorrelationID, err = uuid.Parse(correl); err != nil {
			return nil, pspdb.NewDataError("scan_entry", "malformed correlation id", err)
		}
		e.Direction = ledger.Direction(direction)
		if e.Amount, err = money.Parse(amount, currency); err != nil {
			return nil, pspdb.NewDataError("scan_entry", "malformed amount", err)
		}
		if e.PostedAt, err = decodeTime(postedAt); err != nil {
			return nil, pspdb.NewDataError("scan_entry", "malformed posted_at", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, pspdb.WrapError(err, "get_posting_entries")
	}
	if len(entries) == 0 {
		return nil, ledger.ErrPostingNotFound
	}
	return entries, nil
}

func (r *ledgerRepo) EntryTotals(ctx context.Context, tenantID, accountID uuid.UUID) (money.Money, money.Money, error) {
	account, err := r.GetAccount(ctx, tenantID, accountID)
	if err != nil {
		return money.Money{}, money.Money{}, err
	}

	rows, err := r.store.querier().QueryContext(ctx,
		`SELECT direction, amount FROM ledger_entry WHERE tenant_id = $1 AND account_id = $2`,
		tenantID.String(), accountID.String())
	if err != nil {
		return money.Money{}, money.Money{}, pspdb.WrapError(err, "entry_totals")
	}
	defer rows.Close()

	// Sum decimal text in Go; SQL SUM over text loses exactness.
	credits, debits := decimal.Zero, decimal.Zero
	for rows.Next() {
		var direction, amount string
		if err := rows.Scan(&direction, &amount); err != nil {
			return money.Money{}, money.Money{}, pspdb.WrapError(err, "entry_totals")
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return money.Money{}, money.Money{}, pspdb.NewDataError("entry_totals", "malformed amount", err)
		}
		if ledger.Direction(direction) == ledger.Credit {
			credits = credits.Add(d)
		} else {
			debits = debits.Add(d)
		}
	}
	if err := rows.Err(); err != nil {
		return money.Money{}, money.Money{}, pspdb.WrapError(err, "entry_totals")
	}
	return money.New(credits, account.Currency), money.New(debits, account.Currency), nil
}

func (r *ledgerRepo) HeldReservationTotal(ctx context.Context, tenantID, accountID uuid.UUID) (money.Money, error) {
	account, err := r.GetAccount(ctx, tenantID, accountID)
	if err != nil {
		return money.Money{}, err
	}

	rows, err := r.store.querier().QueryContext(ctx,
		`SELECT amount FROM reservation WHERE tenant_id = $1 AND account_id = $2 AND status = $3`,
		tenantID.String(), accountID.String(), string(ledger.ReservationHeld))
	if err != nil {
		return money.Money{}, pspdb.WrapError(err, "held_reservation_total")
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return money.Money{}, pspdb.WrapError(err, "held_reservation_total")
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return money.Money{}, pspdb.NewDataError("held_reservation_total", "malformed amount", err)
		}
		total = total.Add(d)
	}
	if err := rows.Err(); err != nil {
		return money.Money{}, pspdb.WrapError(err, "held_reservation_total")
	}
	return money.New(total, account.Currency), nil
}

func (r *ledgerRepo) InsertReservation(ctx context.Context, res *ledger.Reservation) error {
	_, err := r.store.querier().ExecContext(ctx,
		`INSERT INTO reservation (id, tenant_id, legal_entity_id, account_id, reserve_type, amount, currency,
		                          status, source_type, source_id, correlation_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		res.ID.String(), res.TenantID.String(), res.LegalEntityID.String(), res.AccountID.String(),
		res.ReserveType, res.Amount.Amount.String(), res.Amount.Currency,
		string(res.Status), res.SourceType, res.SourceID.String(), res.CorrelationID.String(),
		encodeTime(res.CreatedAt), encodeTime(res.ExpiresAt))
	if err != nil {
		return pspdb.WrapError(err, "insert_reservation")
	}
	return nil
}

const reservationColumns = `id, tenant_id, legal_entity_id, account_id, reserve_type, amount, currency,
	status, source_type, source_id, correlation_id, created_at, expires_at`

func (r *ledgerRepo) GetReservation(ctx context.Context, tenantID, reservationID uuid.UUID) (*ledger.Reservation, error) {
	row := r.store.querier().QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservation WHERE tenant_id = $1 AND id = $2`,
		tenantID.String(), reservationID.String())
	return scanReservation(row)
}

func (r *ledgerRepo) FindHeldReservation(ctx context.Context, tenantID uuid.UUID, sourceType string, sourceID uuid.UUID) (*ledger.Reservation, error) {
	row := r.store.querier().QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservation
		 WHERE tenant_id = $1 AND source_type = $2 AND source_id = $3 AND status = $4
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID.String(), sourceType, sourceID.String(), string(ledger.ReservationHeld))
	return scanReservation(row)
}

func scanReservation(row rowScanner) (*ledger.Reservation, error) {
	var (
		res                                  ledger.Reservation
		id, tenant, entity, account          string
		amount, currency, status             string
		source, correl, createdAt, expiresAt string
	)
	err := row.Scan(&id, &tenant, &entity, &account, &res.ReserveType, &amount, &currency,
		&status, &res.SourceType, &source, &correl, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReservationNotFound
	}
	if err != nil {
		return nil, pspdb.WrapError(err, "scan_reservation")
	}
	if res.ID, err = uuid.Parse(id); err != nil {
		return nil, pspdb.NewDataError("scan_reservation", "malformed reservation id", err)
	}
	if res.TenantID, err = uuid.Parse(tenant); err != nil {
		return nil, pspdb.NewDataError("scan_reservation", "malformed tenant id", err)
	}
	if res.LegalEntityID, err = uuid.Parse(entity); err != nil {
		return nil, pspdb.NewDataError("scan_reservation", "malformed legal entity id", err)
	}
	if res.AccountID, err = uuid.Parse(account); err != nil {
		return nil, pspdb.NewDataError("scan_reservation", "malformed account id", err)
	}
	if res.SourceID, err = uuid.Parse(source); err != nil {
		return nil, pspdb.NewDataError("scan_reservation", "malformed source id", err)
	}
	if res.CorrelationID, err = uuid.Parse(correl); err != nil {
		return nil, pspdb.NewDataError("scan_reservation", "malformed correlation id", err)
	}
	if res.Amount, err = money.Parse(amount, currency); err != nil {
		return nil, pspdb.NewDataError("scan_reservation", "malformed amount", err)
	}
	res.Status = ledger.ReservationStatus(status)
	if res.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, pspdb.NewDataError("scan_reservation", "malformed created_at", err)
	}
	if res.ExpiresAt, err = decodeTime(expiresAt); err != nil {
		return nil, pspdb.NewDataError("scan_reservation", "malformed expires_at", err)
	}
	return &res, nil
}

func (r *ledgerRepo) TransitionReservation(ctx context.Context, tenantID, reservationID uuid.UUID, from, to ledger.ReservationStatus) error {
	result, err := r.store.querier().ExecContext(ctx,
		`UPDATE reservation SET status = $1 WHERE tenant_id = $2 AND id = $3 AND status = $4`,
		string(to), tenantID.String(), reservationID.String(), string(from))
	if err != nil {
		return pspdb.WrapError(err, "transition_reservation")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return pspdb.WrapError(err, "transition_reservation")
	}
	if n == 0 {
		if _, getErr := r.GetReservation(ctx, tenantID, reservationID); errors.Is(getErr, ledger.ErrReservationNotFound) {
			return ledger.ErrReservationNotFound
		}
		return ledger.ErrReservationState
	}
	return nil
}

func (r *ledgerRepo) ListExpiredHeld(ctx context.Context, now time.Time, limit int) ([]ledger.Reservation, error) {
	rows, err := r.store.querier().QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservation
		 WHERE status = $1 AND expires_at < $2
		 ORDER BY expires_at LIMIT $3`,
		string(ledger.ReservationHeld), encodeTime(now), limit)
	if err != nil {
		return nil, pspdb.WrapError(err, "list_expired_held")
	}
	defer rows.Close()

	var out []ledger.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, pspdb.WrapError(err, "list_expired_held")
	}
	return out, nil
}
