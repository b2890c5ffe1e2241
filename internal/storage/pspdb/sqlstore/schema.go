package sqlstore

import (
	"context"
	"database/sql"
)

// Schema notes. Ids are uuid text, amounts are decimal text summed in Go,
// timestamps are RFC3339Nano text. Everything is scoped by tenant_id and the
// idempotency uniques enforce the write-once contracts the services rely on.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_account (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		legal_entity_id TEXT NOT NULL,
		account_type    TEXT NOT NULL,
		currency        TEXT NOT NULL,
		active          INTEGER NOT NULL DEFAULT 1,
		funding_hold    INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		UNIQUE (tenant_id, legal_entity_id, account_type, currency)
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_posting (
		tenant_id       TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		correlation_id  TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		PRIMARY KEY (tenant_id, idempotency_key)
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_entry (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		account_id      TEXT NOT NULL,
		direction       TEXT NOT NULL,
		amount          TEXT NOT NULL,
		currency        TEXT NOT NULL,
		posted_at       TEXT NOT NULL,
		source_type     TEXT NOT NULL,
		source_id       TEXT NOT NULL,
		correlation_id  TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		entry_seq       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entry_account
		ON ledger_entry (tenant_id, account_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entry_key
		ON ledger_entry (tenant_id, idempotency_key, entry_seq)`,

	`CREATE TABLE IF NOT EXISTS reservation (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		legal_entity_id TEXT NOT NULL,
		account_id      TEXT NOT NULL,
		reserve_type    TEXT NOT NULL,
		amount          TEXT NOT NULL,
		currency        TEXT NOT NULL,
		status          TEXT NOT NULL,
		source_type     TEXT NOT NULL,
		source_id       TEXT NOT NULL,
		correlation_id  TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		expires_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservation_source
		ON reservation (tenant_id, source_type, source_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_reservation_expiry
		ON reservation (status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS payment_instruction (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		legal_entity_id TEXT NOT NULL,
		purpose         TEXT NOT NULL,
		direction       TEXT NOT NULL,
		amount          TEXT NOT NULL,
		currency        TEXT NOT NULL,
		payee_type      TEXT NOT NULL,
		payee_ref_id    TEXT NOT NULL,
		reference_id    TEXT NOT NULL,
		source_type     TEXT NOT NULL,
		source_id       TEXT NOT NULL,
		status          TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		UNIQUE (tenant_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instruction_match
		ON payment_instruction (tenant_id, amount, currency, direction, status)`,

	`CREATE TABLE IF NOT EXISTS payment_attempt (
		id                  TEXT PRIMARY KEY,
		tenant_id           TEXT NOT NULL,
		instruction_id      TEXT NOT NULL,
		provider_name       TEXT NOT NULL,
		provider_request_id TEXT NOT NULL DEFAULT '',
		attempt_no          INTEGER NOT NULL,
		status              TEXT NOT NULL,
		submitted_at        TEXT NOT NULL,
		response_payload    TEXT NOT NULL DEFAULT '',
		UNIQUE (tenant_id, instruction_id, attempt_no)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attempt_provider_request
		ON payment_attempt (tenant_id, provider_request_id)`,

	`CREATE TABLE IF NOT EXISTS funding_gate_evaluation (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		legal_entity_id TEXT NOT NULL,
		pay_run_id      TEXT NOT NULL,
		gate_type       TEXT NOT NULL,
		passed          INTEGER NOT NULL,
		available       TEXT NOT NULL,
		required        TEXT NOT NULL,
		shortfall       TEXT NOT NULL,
		currency        TEXT NOT NULL,
		reasons         TEXT NOT NULL DEFAULT '[]',
		idempotency_key TEXT NOT NULL,
		evaluated_at    TEXT NOT NULL,
		UNIQUE (tenant_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gate_pay_run
		ON funding_gate_evaluation (tenant_id, pay_run_id, gate_type, evaluated_at)`,

	`CREATE TABLE IF NOT EXISTS settlement_event (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		bank_account_id   TEXT NOT NULL,
		provider_name     TEXT NOT NULL,
		direction         TEXT NOT NULL,
		amount            TEXT NOT NULL,
		currency          TEXT NOT NULL,
		external_trace_id TEXT NOT NULL,
		original_trace_id TEXT NOT NULL DEFAULT '',
		effective_date    TEXT NOT NULL,
		status            TEXT NOT NULL,
		return_code       TEXT NOT NULL DEFAULT '',
		return_reason     TEXT NOT NULL DEFAULT '',
		raw_payload       TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		UNIQUE (tenant_id, provider_name, external_trace_id)
	)`,

	`CREATE TABLE IF NOT EXISTS settlement_link (
		id                  TEXT PRIMARY KEY,
		tenant_id           TEXT NOT NULL,
		settlement_event_id TEXT NOT NULL,
		instruction_id      TEXT NOT NULL,
		match_strategy      TEXT NOT NULL,
		match_confidence    REAL NOT NULL,
		created_at          TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS liability_event (
		id                   TEXT PRIMARY KEY,
		tenant_id            TEXT NOT NULL,
		legal_entity_id      TEXT NOT NULL,
		source_type          TEXT NOT NULL,
		source_id            TEXT NOT NULL,
		error_origin         TEXT NOT NULL,
		liability_party      TEXT NOT NULL,
		recovery_path        TEXT NOT NULL,
		determination_reason TEXT NOT NULL,
		amount               TEXT NOT NULL,
		currency             TEXT NOT NULL,
		return_code          TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL,
		created_at           TEXT NOT NULL,
		idempotency_key      TEXT NOT NULL,
		UNIQUE (tenant_id, idempotency_key)
	)`,
}

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
