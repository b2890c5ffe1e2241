package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/gate"
	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/storage/pspdb"
)

type gateRepo struct {
	store *Store
}

func (r *gateRepo) InsertEvaluation(ctx context.Context, e *gate.Evaluation) error {
	reasons, err := json.Marshal(e.Result.Reasons)
	if err != nil {
		return pspdb.NewDataError("insert_evaluation", "failed to encode reasons", err)
	}

	passed := 0
	if e.Result.Passed {
		passed = 1
	}
	_, err = r.store.querier().ExecContext(ctx,
		`INSERT INTO funding_gate_evaluation (id, tenant_id, legal_entity_id, pay_run_id, gate_type, passed,
		                                      available, required, shortfall, currency, reasons, idempotency_key, evaluated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID.String(), e.TenantID.String(), e.LegalEntityID.String(), e.PayRunID.String(),
		string(e.GateType), passed,
		e.Result.Available.Amount.String(), e.Result.Required.Amount.String(), e.Result.Shortfall.Amount.String(),
		e.Result.Required.Currency, string(reasons), e.IdempotencyKey, encodeTime(e.EvaluatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return gate.ErrDuplicateEvaluation
		}
		return pspdb.WrapError(err, "insert_evaluation")
	}
	return nil
}

const evaluationColumns = `id, tenant_id, legal_entity_id, pay_run_id, gate_type, passed,
	available, required, shortfall, currency, reasons, idempotency_key, evaluated_at`

func (r *gateRepo) GetEvaluation(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*gate.Evaluation, error) {
	row := r.store.querier().QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM funding_gate_evaluation
		 WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID.String(), idempotencyKey)
	return scanEvaluation(row)
}

func (r *gateRepo) FindCommitEvaluation(ctx context.Context, tenantID, payRunID uuid.UUID) (*gate.Evaluation, error) {
	row := r.store.querier().QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM funding_gate_evaluation
		 WHERE tenant_id = $1 AND pay_run_id = $2 AND gate_type = $3
		 ORDER BY evaluated_at DESC LIMIT 1`,
		tenantID.String(), payRunID.String(), string(gate.GateCommit))
	return scanEvaluation(row)
}

func scanEvaluation(row rowScanner) (*gate.Evaluation, error) {
	var (
		e                              gate.Evaluation
		id, tenant, entity, payRun     string
		gateType                       string
		passed                         int
		available, required, shortfall string
		currency, reasons, evaluatedAt string
	)
	err := row.Scan(&id, &tenant, &entity, &payRun, &gateType, &passed,
		&available, &required, &shortfall, &currency, &reasons, &e.IdempotencyKey, &evaluatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gate.ErrEvaluationNotFound
	}
	if err != nil {
		return nil, pspdb.WrapError(err, "scan_evaluation")
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, pspdb.NewDataError("scan_evaluation", "malformed evaluation id", err)
	}
	if e.TenantID, err = uuid.Parse(tenant); err != nil {
		return nil, pspdb.NewDataError("scan_evaluation", "malformed tenant id", err)
	}
	if e.LegalEntityID, err = uuid.Parse(entity); err != nil {
		return nil, pspdb.NewDataError("scan_evaluation", "malformed legal entity id", err)
	}
	if e.PayRunID, err = uuid.Parse(payRun); err != nil {
		return nil, pspdb.NewDataError("scan_evaluation", "malformed pay run id", err)
	}
	e.GateType = gate.GateType(gateType)
	e.Result.Passed = passed != 0
	if e.Result.Available, err = money.Parse(available, currency); err != nil {
		return nil, pspdb.NewDataError("scan_evaluation", "malformed available amount", err)
	}
	if e.Result.Required, err = money.Parse(required, currency); err != nil {
		return nil, pspdb.NewDataError("scan_evaluation", "malformed required amount", err)
	}
	if e.Result.Shortfall, err = money.Parse(shortfall, currency); err != nil {
		return nil, pspdb.NewDataError("scan_evaluation", "malformed shortfall amount", err)
	}
	if err := json.Unmarshal([]byte(reasons), &e.Result.Reasons); err != nil {
		return nil, pspdb.NewDataError("scan_evaluation", "failed to decode reasons", err)
	}
	if e.EvaluatedAt, err = decodeTime(evaluatedAt); err != nil {
		return nil, pspdb.NewDataError("scan_evaluation", "malformed evaluated_at", err)
	}
	return &e, nil
}
