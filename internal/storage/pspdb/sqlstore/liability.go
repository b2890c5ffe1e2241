package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/liability"
	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/storage/pspdb"
)

type liabilityRepo struct {
	store *Store
}

func (r *liabilityRepo) InsertEvent(ctx context.Context, e *liability.Event) error {
	_, err := r.store.querier().ExecContext(ctx,
		`INSERT INTO liability_event (id, tenant_id, legal_entity_id, source_type, source_id,
		                              error_origin, liability_party, recovery_path, determination_reason,
		                              amount, currency, return_code, status, created_at, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID.String(), e.TenantID.String(), e.LegalEntityID.String(), e.SourceType, e.SourceID.String(),
		string(e.Classification.ErrorOrigin), string(e.Classification.LiabilityParty),
		string(e.Classification.RecoveryPath), e.Classification.DeterminationReason,
		e.Amount.Amount.String(), e.Amount.Currency, e.ReturnCode, string(e.Status),
		encodeTime(e.CreatedAt), e.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			return liability.ErrDuplicateLiability
		}
		return pspdb.WrapError(err, "insert_liability_event")
	}
	return nil
}

func (r *liabilityRepo) GetEventByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*liability.Event, error) {
	row := r.store.querier().QueryRowContext(ctx,
		`SELECT id, tenant_id, legal_entity_id, source_type, source_id,
		        error_origin, liability_party, recovery_path, determination_reason,
		        amount, currency, return_code, status, created_at, idempotency_key
		 FROM liability_event
		 WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID.String(), idempotencyKey)

	var (
		e                          liability.Event
		id, tenant, entity, source string
		origin, party, recovery    string
		amount, currency           string
		status, createdAt          string
	)
	err := row.Scan(&id, &tenant, &entity, &e.SourceType, &source,
		&origin, &party, &recovery, &e.Classification.DeterminationReason,
		&amount, &currency, &e.ReturnCode, &status, &createdAt, &e.IdempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, liability.ErrLiabilityNotFound
	}
	if err != nil {
		return nil, pspdb.WrapError(err, "get_liability_event")
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, pspdb.NewDataError("get_liability_event", "malformed liability id", err)
	}
	if e.TenantID, err = uuid.Parse(tenant); err != nil {
		return nil, pspdb.NewDataError("get_liability_event", "malformed tenant id", err)
	}
	if e.LegalEntityID, err = uuid.Parse(entity); err != nil {
		return nil, pspdb.NewDataError("get_liability_event", "malformed legal entity id", err)
	}
	if e.SourceID, err = uuid.Parse(source); err != nil {
		return nil, pspdb.NewDataError("get_liability_event", "malformed source id", err)
	}
	e.Classification.ErrorOrigin = liability.ErrorOrigin(origin)
	e.Classification.LiabilityParty = liability.Party(party)
	e.Classification.RecoveryPath = liability.RecoveryPath(recovery)
	e.Status = liability.Status(status)
	if e.Amount, err = money.Parse(amount, currency); err != nil {
		return nil, pspdb.NewDataError("get_liability_event", "malformed amount", err)
	}
	if e.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, pspdb.NewDataError("get_liability_event", "malformed created_at", err)
	}
	return &e, nil
}
