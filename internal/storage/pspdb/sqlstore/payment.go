package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/core/payment"
	"github.com/openpayroll/pspd/internal/storage/pspdb"
)

type paymentRepo struct {
	store *Store
}

const instructionColumns = `id, tenant_id, legal_entity_id, purpose, direction, amount, currency,
	payee_type, payee_ref_id, reference_id, source_type, source_id, status, created_at, updated_at, idempotency_key`

func (r *paymentRepo) InsertInstruction(ctx context.Context, instruction *payment.Instruction) error {
	_, err := r.store.querier().ExecContext(ctx,
		`INSERT INTO payment_instruction (id, tenant_id, legal_entity_id, purpose, direction, amount, currency,
		                                  payee_type, payee_ref_id, reference_id, source_type, source_id, status,
		                                  created_at, updated_at, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		instruction.ID.String(), instruction.TenantID.String(), instruction.LegalEntityID.String(),
		string(instruction.Purpose), string(instruction.Direction),
		instruction.Amount.Amount.String(), instruction.Amount.Currency,
		instruction.PayeeType, instruction.PayeeRefID.String(), instruction.ReferenceID.String(),
		instruction.SourceType, instruction.SourceID.String(), string(instruction.Status),
		encodeTime(instruction.CreatedAt), encodeTime(instruction.UpdatedAt), instruction.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			return payment.ErrDuplicateInstruction
		}
		return pspdb.WrapError(err, "insert_instruction")
	}
	return nil
}

func (r *paymentRepo) GetInstruction(ctx context.Context, tenantID, instructionID uuid.UUID) (*payment.Instruction, error) {
	row := r.store.querier().QueryRowContext(ctx,
		`SELECT `+instructionColumns+` FROM payment_instruction WHERE tenant_id = $1 AND id = $2`,
		tenantID.String(), instructionID.String())
	return scanInstruction(row)
}

func (r *paymentRepo) GetInstructionByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*payment.Instruction, error) {
	row := r.store.querier().QueryRowContext(ctx,
		`SELECT `+instructionColumns+` FROM payment_instruction WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID.String(), idempotencyKey)
	return scanInstruction(row)
}

func scanInstruction(row rowScanner) (*payment.Instruction, error) {
	var (
		in                            payment.Instruction
		id, tenant, entity            string
		purpose, direction            string
		amount, currency              string
		payeeRef, reference, source   string
		status, createdAt, updatedAt  string
	)
	err := row.Scan(&id, &tenant, &entity, &purpose, &direction, &amount, &currency,
		&in.PayeeType, &payeeRef, &reference, &in.SourceType, &source, &status,
		&createdAt, &updatedAt, &in.IdempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payment.ErrInstructionNotFound
	}
	if err != nil {
		return nil, pspdb.WrapError(err, "scan_instruction")
	}
	if in.ID, err = uuid.Parse(id); err != nil {
		return nil, pspdb.NewDataError("scan_instruction", "malformed instruction id", err)
	}
	if in.TenantID, err = uuid.Parse(tenant); err != nil {
		return nil, pspdb.NewDataError("scan_instruction", "malformed tenant id", err)
	}
	if in.LegalEntityID, err = uuid.Parse(entity); err != nil {
		return nil, pspdb.NewDataError("scan_instruction", "malformed legal entity id", err)
	}
	if in.PayeeRefID, err = uuid.Parse(payeeRef); err != nil {
		return nil, pspdb.NewDataError("scan_instruction", "malformed payee ref id", err)
	}
	if in.ReferenceID, err = uuid.Parse(reference); err != nil {
		return nil, pspdb.NewDataError("scan_instruction", "malformed reference id", err)
	}
	if in.SourceID, err = uuid.Parse(source); err != nil {
		return nil, pspdb.NewDataError("scan_instruction", "malformed source id", err)
	}
	in.Purpose = payment.Purpose(purpose)
	in.Direction = payment.Direction(direction)
	in.Status = payment.Status(status)
	if in.Amount, err = money.Parse(amount, currency); err != nil {
		return nil, pspdb.NewDataError("scan_instruction", "malformed amount", err)
	}
	if in.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, pspdb.NewDataError("scan_instruction", "malformed created_at", err)
	}
	if in.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, pspdb.NewDataError("scan_instruction", "malformed updated_at", err)
	}
	return &in, nil
}

func (r *paymentRepo) UpdateInstructionStatus(ctx context.Context, tenantID, instructionID uuid.UUID, from, to payment.Status, at time.Time) error {
	result, err := r.store.querier().ExecContext(ctx,
		`UPDATE payment_instruction SET status = $1, updated_at = $2
		 WHERE tenant_id = $3 AND id = $4 AND status = $5`,
		string(to), encodeTime(at), tenantID.String(), instructionID.String(), string(from))
	if err != nil {
		return pspdb.WrapError(err, "update_instruction_status")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return pspdb.WrapError(err, "update_instruction_status")
	}
	if n == 0 {
		if _, getErr := r.GetInstruction(ctx, tenantID, instructionID); errors.Is(getErr, payment.ErrInstructionNotFound) {
			return payment.ErrInstructionNotFound
		}
		return payment.ErrInstructionState
	}
	return nil
}

func (r *paymentRepo) FindByProviderRequest(ctx context.Context, tenantID uuid.UUID, providerRequestID string) (*payment.Instruction, error) {
	if providerRequestID == "" {
		return nil, payment.ErrInstructionNotFound
	}
	row := r.store.querier().QueryRowContext(ctx,
		`SELECT `+instructionColumns+` FROM payment_instruction
		 WHERE tenant_id = $1 AND id IN (
			SELECT instruction_id FROM payment_attempt
			WHERE tenant_id = $1 AND provider_request_id = $2
		 )`,
		tenantID.String(), providerRequestID)
	return scanInstruction(row)
}

func (r *paymentRepo) FindMatchCandidates(ctx context.Context, tenantID uuid.UUID, amount money.Money, direction payment.Direction, from, to time.Time) ([]payment.Instruction, error) {
	rows, err := r.store.querier().QueryContext(ctx,
		`SELECT `+instructionColumns+` FROM payment_instruction
		 WHERE tenant_id = $1 AND amount = $2 AND currency = $3 AND direction = $4
		   AND status IN ('submitted', 'accepted')
		   AND created_at >= $5 AND created_at < $6
		 ORDER BY created_at`,
		tenantID.String(), amount.Amount.String(), amount.Currency, string(direction),
		encodeTime(from), encodeTime(to))
	if err != nil {
		return nil, pspdb.WrapError(err, "find_match_candidates")
	}
	defer rows.Close()

	var out []payment.Instruction
	for rows.Next() {
		in, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, pspdb.WrapError(err, "find_match_candidates")
	}
	return out, nil
}

func (r *paymentRepo) InsertAttempt(ctx context.Context, attempt *payment.Attempt) error {
	_, err := r.store.querier().ExecContext(ctx,
		`INSERT INTO payment_attempt (id, tenant_id, instruction_id, provider_name, provider_request_id,
		                              attempt_no, status, submitted_at, response_payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		attempt.ID.String(), attempt.TenantID.String(), attempt.InstructionID.String(),
		attempt.ProviderName, attempt.ProviderRequestID, attempt.AttemptNo,
		string(attempt.Status), encodeTime(attempt.SubmittedAt), attempt.ResponsePayload)
	if err != nil {
		if isUniqueViolation(err) {
			return payment.ErrDuplicateAttempt
		}
		return pspdb.WrapError(err, "insert_attempt")
	}
	return nil
}

func (r *paymentRepo) LatestAttempt(ctx context.Context, tenantID, instructionID uuid.UUID) (*payment.Attempt, error) {
	row := r.store.querier().QueryRowContext(ctx,
		`SELECT id, tenant_id, instruction_id, provider_name, provider_request_id,
		        attempt_no, status, submitted_at, response_payload
		 FROM payment_attempt
		 WHERE tenant_id = $1 AND instruction_id = $2
		 ORDER BY attempt_no DESC LIMIT 1`,
		tenantID.String(), instructionID.String())

	var (
		a                       payment.Attempt
		id, tenant, instruction string
		status, submittedAt     string
	)
	err := row.Scan(&id, &tenant, &instruction, &a.ProviderName, &a.ProviderRequestID,
		&a.AttemptNo, &status, &submittedAt, &a.ResponsePayload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payment.ErrAttemptNotFound
	}
	if err != nil {
		return nil, pspdb.WrapError(err, "latest_attempt")
	}
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, pspdb.NewDataError("latest_attempt", "malformed attempt id", err)
	}
	if a.TenantID, err = uuid.Parse(tenant); err != nil {
		return nil, pspdb.NewDataError("latest_attempt", "malformed tenant id", err)
	}
	if a.InstructionID, err = uuid.Parse(instruction); err != nil {
		return nil, pspdb.NewDataError("latest_attempt", "malformed instruction id", err)
	}
	a.Status = payment.AttemptStatus(status)
	if a.SubmittedAt, err = decodeTime(submittedAt); err != nil {
		return nil, pspdb.NewDataError("latest_attempt", "malformed submitted_at", err)
	}
	return &a, nil
}

func (r *paymentRepo) UpdateAttempt(ctx context.Context, attempt *payment.Attempt) error {
	result, err := r.store.querier().ExecContext(ctx,
		`UPDATE payment_attempt SET provider_request_id = $1, status = $2, response_payload = $3
		 WHERE tenant_id = $4 AND id = $5`,
		attempt.ProviderRequestID, string(attempt.Status), attempt.ResponsePayload,
		attempt.TenantID.String(), attempt.ID.String())
	if err != nil {
		return pspdb.WrapError(err, "update_attempt")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return pspdb.WrapError(err, "update_attempt")
	}
	if n == 0 {
		return payment.ErrAttemptNotFound
	}
	return nil
}
