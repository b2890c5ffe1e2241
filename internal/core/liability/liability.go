// Package liability attributes returned payments to the party bearing the
// loss. Classification is a pure table lookup per rail; every decision is
// recorded as an immutable liability event.
package liability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/money"
)

// ErrorOrigin is the root cause class of a return.
type ErrorOrigin string

const (
	OriginClientFunding ErrorOrigin = "client_funding"
	OriginEmployeeData  ErrorOrigin = "employee_data"
	OriginPSPProcess    ErrorOrigin = "psp_process"
	OriginProvider      ErrorOrigin = "provider"
	OriginUnknown       ErrorOrigin = "unknown"
)

// Party bears the financial loss.
type Party string

const (
	PartyClient   Party = "client"
	PartyEmployee Party = "employee"
	PartyPSP      Party = "psp"
	PartyProvider Party = "provider"
)

// RecoveryPath is the operational remedy.
type RecoveryPath string

const (
	RecoverDebitClient       RecoveryPath = "debit_client"
	RecoverClientRemediation RecoveryPath = "client_remediation"
	RecoverWriteoff          RecoveryPath = "writeoff"
	RecoverManual            RecoveryPath = "manual"
)

// Classification is the liability attribution for one return.
type Classification struct {
	ErrorOrigin         ErrorOrigin  `json:"error_origin"`
	LiabilityParty      Party        `json:"liability_party"`
	RecoveryPath        RecoveryPath `json:"recovery_path"`
	DeterminationReason string       `json:"determination_reason"`
}

// Status of a recorded liability event.
type Status string

const (
	StatusClassified      Status = "classified"
	StatusRecoveryStarted Status = "recovery_started"
	StatusRecovered       Status = "recovered"
	StatusWrittenOff      Status = "written_off"
)

// Event is an immutable record of a classified return.
type Event struct {
	ID             uuid.UUID      `json:"liability_event_id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	LegalEntityID  uuid.UUID      `json:"legal_entity_id"`
	SourceType     string         `json:"source_type"`
	SourceID       uuid.UUID      `json:"source_id"`
	Classification Classification `json:"classification"`
	Amount         money.Money    `json:"amount"`
	ReturnCode     string         `json:"return_code"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Sentinel errors returned by Repository implementations.
var (
	// ErrLiabilityNotFound is returned when no event exists for the key.
	ErrLiabilityNotFound = errors.New("liability event not found")

	// ErrDuplicateLiability is returned when inserting an event whose
	// (tenant, idempotency_key) already exists.
	ErrDuplicateLiability = errors.New("duplicate liability event")
)

// Repository is the storage contract for liability events.
type Repository interface {
	// InsertEvent stores a new event. Returns ErrDuplicateLiability when the
	// (tenant, idempotency_key) exists.
	InsertEvent(ctx context.Context, e *Event) error

	// GetEventByKey returns the event stored under an idempotency key, or
	// ErrLiabilityNotFound.
	GetEventByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*Event, error)
}

// rules maps rail, then return code, to a classification. FedNow rejects are
// all generic from the PSP's perspective, so the rail maps every code the
// same way.
var rules = map[string]map[string]Classification{
	"ach": {
		"R01": {OriginClientFunding, PartyClient, RecoverDebitClient, "insufficient funds in client account"},
		"R02": {OriginEmployeeData, PartyClient, RecoverClientRemediation, "payee account closed"},
		"R03": {OriginEmployeeData, PartyClient, RecoverClientRemediation, "no account or unable to locate"},
		"R06": {OriginPSPProcess, PartyPSP, RecoverWriteoff, "returned per originator request"},
		"R10": {OriginPSPProcess, PartyPSP, RecoverWriteoff, "unauthorized debit"},
	},
}

// ClassifyReturn maps a return code to its liability attribution. Pure and
// deterministic: the same inputs always classify the same way. Unknown codes
// fall through to a manual review bucket that records the raw code.
func ClassifyReturn(rail, returnCode string, amount money.Money) Classification {
	rail = strings.ToLower(rail)

	if rail == "fednow" {
		return Classification{
			ErrorOrigin:         OriginProvider,
			LiabilityParty:      PartyPSP,
			RecoveryPath:        RecoverManual,
			DeterminationReason: fmt.Sprintf("fednow reject %s for %s", returnCode, amount),
		}
	}

	if byCode, ok := rules[rail]; ok {
		if c, ok := byCode[strings.ToUpper(returnCode)]; ok {
			return c
		}
	}

	return Classification{
		ErrorOrigin:         OriginUnknown,
		LiabilityParty:      PartyPSP,
		RecoveryPath:        RecoverManual,
		DeterminationReason: fmt.Sprintf("unrecognized return code %q on rail %q", returnCode, rail),
	}
}

// Service records liability events.
type Service struct {
	repo Repository
	now  func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a liability service.
func NewService(repo Repository, options ...Option) *Service {
	s := &Service{repo: repo, now: time.Now}
	for _, option := range options {
		option(s)
	}
	return s
}

// RecordRequest holds the inputs for recording a liability event.
type RecordRequest struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	SourceType     string
	SourceID       uuid.UUID
	Classification Classification
	Amount         money.Money
	ReturnCode     string
	IdempotencyKey string
}

// RecordLiabilityEvent persists a classification. Idempotent per
// (tenant, idempotency_key); replays return the stored event.
func (s *Service) RecordLiabilityEvent(ctx context.Context, req RecordRequest) (*Event, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("liability event requires an idempotency key")
	}

	if existing, err := s.repo.GetEventByKey(ctx, req.TenantID, req.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrLiabilityNotFound) {
		return nil, err
	}

	e := &Event{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		LegalEntityID:  req.LegalEntityID,
		SourceType:     req.SourceType,
		SourceID:       req.SourceID,
		Classification: req.Classification,
		Amount:         req.Amount,
		ReturnCode:     req.ReturnCode,
		Status:         StatusClassified,
		CreatedAt:      s.now().UTC(),
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := s.repo.InsertEvent(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicateLiability) {
			return s.repo.GetEventByKey(ctx, req.TenantID, req.IdempotencyKey)
		}
		return nil, err
	}
	return e, nil
}
