package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/core/payment"
	"github.com/openpayroll/pspd/internal/core/reconcile"
	"github.com/openpayroll/pspd/internal/storage/pspdb"
)

type settlementRepo struct {
	store *Store
}

func (r *settlementRepo) FindSettlementByTrace(ctx context.Context, tenantID uuid.UUID, providerName, externalTraceID string) (*reconcile.SettlementEvent, error) {
	row := r.store.querier().QueryRowContext(ctx,
		`SELECT id, tenant_id, bank_account_id, provider_name, direction, amount, currency,
		        external_trace_id, original_trace_id, effective_date, status,
		        return_code, return_reason, raw_payload, created_at
		 FROM settlement_event
		 WHERE tenant_id = $1 AND provider_name = $2 AND external_trace_id = $3`,
		tenantID.String(), providerName, externalTraceID)

	var (
		e                        reconcile.SettlementEvent
		id, tenant, bankAccount  string
		direction                string
		amount, currency         string
		effectiveDate, status    string
		createdAt                string
	)
	err := row.Scan(&id, &tenant, &bankAccount, &e.ProviderName, &direction, &amount, &currency,
		&e.ExternalTraceID, &e.OriginalTraceID, &effectiveDate, &status,
		&e.ReturnCode, &e.ReturnReason, &e.RawPayload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reconcile.ErrSettlementNotFound
	}
	if err != nil {
		return nil, pspdb.WrapError(err, "find_settlement_by_trace")
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, pspdb.NewDataError("find_settlement_by_trace", "malformed settlement id", err)
	}
	if e.TenantID, err = uuid.Parse(tenant); err != nil {
		return nil, pspdb.NewDataError("find_settlement_by_trace", "malformed tenant id", err)
	}
	if e.BankAccountID, err = uuid.Parse(bankAccount); err != nil {
		return nil, pspdb.NewDataError("find_settlement_by_trace", "malformed bank account id", err)
	}
	e.Direction = payment.Direction(direction)
	e.Status = reconcile.SettlementStatus(status)
	if e.Amount, err = money.Parse(amount, currency); err != nil {
		return nil, pspdb.NewDataError("find_settlement_by_trace", "malformed amount", err)
	}
	if e.EffectiveDate, err = decodeTime(effectiveDate); err != nil {
		return nil, pspdb.NewDataError("find_settlement_by_trace", "malformed effective_date", err)
	}
	if e.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, pspdb.NewDataError("find_settlement_by_trace", "malformed created_at", err)
	}
	return &e, nil
}

func (r *settlementRepo) InsertSettlement(ctx context.Context, e *reconcile.SettlementEvent) error {
	_, err := r.store.querier().ExecContext(ctx,
		`INSERT INTO settlement_event (id, tenant_id, bank_account_id, provider_name, direction, amount, currency,
		                               external_trace_id, original_trace_id, effective_date, status,
		                               return_code, return_reason, raw_payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID.String(), e.TenantID.String(), e.BankAccountID.String(), e.ProviderName,
		string(e.Direction), e.Amount.Amount.String(), e.Amount.Currency,
		e.ExternalTraceID, e.OriginalTraceID, encodeTime(e.EffectiveDate), string(e.Status),
		e.ReturnCode, e.ReturnReason, e.RawPayload, encodeTime(e.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return pspdb.NewConstraintError("insert_settlement", "settlement event already exists", err)
		}
		return pspdb.WrapError(err, "insert_settlement")
	}
	return nil
}

func (r *settlementRepo) UpdateSettlementStatus(ctx context.Context, tenantID, eventID uuid.UUID, status reconcile.SettlementStatus) error {
	result, err := r.store.querier().ExecContext(ctx,
		`UPDATE settlement_event SET status = $1 WHERE tenant_id = $2 AND id = $3`,
		string(status), tenantID.String(), eventID.String())
	if err != nil {
		return pspdb.WrapError(err, "update_settlement_status")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return pspdb.WrapError(err, "update_settlement_status")
	}
	if n == 0 {
		return reconcile.ErrSettlementNotFound
	}
	return nil
}

func (r *settlementRepo) InsertLink(ctx context.Context, link *reconcile.SettlementLink) error {
	_, err := r.store.querier().ExecContext(ctx,
		`INSERT INTO settlement_link (id, tenant_id, settlement_event_id, instruction_id,
		                              match_strategy, match_confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		link.ID.String(), link.TenantID.String(), link.SettlementEventID.String(), link.InstructionID.String(),
		string(link.Strategy), link.Confidence, encodeTime(link.CreatedAt))
	if err != nil {
		return pspdb.WrapError(err, "insert_link")
	}
	return nil
}
