package gate

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors returned by Repository implementations.
var (
	// ErrEvaluationNotFound is returned when no stored evaluation exists for
	// the key.
	ErrEvaluationNotFound = errors.New("gate evaluation not found")

	// ErrDuplicateEvaluation is returned when inserting an evaluation whose
	// (tenant, idempotency_key) already exists.
	ErrDuplicateEvaluation = errors.New("duplicate gate evaluation")
)

// Repository is the storage contract for gate evaluations.
type Repository interface {
	// InsertEvaluation stores a new evaluation. Returns
	// ErrDuplicateEvaluation when the (tenant, idempotency_key) exists.
	InsertEvaluation(ctx context.Context, e *Evaluation) error

	// GetEvaluation returns the stored evaluation for an idempotency key, or
	// ErrEvaluationNotFound.
	GetEvaluation(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*Evaluation, error)

	// FindCommitEvaluation returns the most recent commit-gate evaluation for
	// a pay run, or ErrEvaluationNotFound. The pay gate uses this to verify a
	// matching approved commit decision exists.
	FindCommitEvaluation(ctx context.Context, tenantID, payRunID uuid.UUID) (*Evaluation, error)
}
