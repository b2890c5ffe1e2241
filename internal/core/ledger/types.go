// Package ledger implements the append-only double-entry ledger at the heart
// of the PSP. Postings are immutable; balances are derived, never stored.
package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/money"
)

// AccountType identifies the role of a ledger account. An account is unique
// per (tenant, legal entity, type, currency).
type AccountType string

const (
	AccountClientFundingClearing   AccountType = "client_funding_clearing"
	AccountClientNetPayPayable     AccountType = "client_net_pay_payable"
	AccountClientTaxImpoundPayable AccountType = "client_tax_impound_payable"
	AccountClientThirdPartyPayable AccountType = "client_third_party_payable"
	AccountPSPSettlementClearing   AccountType = "psp_settlement_clearing"
	AccountPSPFeesRevenue          AccountType = "psp_fees_revenue"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountClientFundingClearing, AccountClientNetPayPayable,
		AccountClientTaxImpoundPayable, AccountClientThirdPartyPayable,
		AccountPSPSettlementClearing, AccountPSPFeesRevenue:
		return true
	}
	return false
}

// Direction of a ledger entry.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Account is a ledger account. Created on first use, never deleted; may be
// marked inactive or placed on funding hold.
type Account struct {
	ID            uuid.UUID   `json:"account_id"`
	TenantID      uuid.UUID   `json:"tenant_id"`
	LegalEntityID uuid.UUID   `json:"legal_entity_id"`
	Type          AccountType `json:"account_type"`
	Currency      string      `json:"currency"`
	Active        bool        `json:"active"`
	FundingHold   bool        `json:"funding_hold"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Entry is one immutable leg of a posting.
type Entry struct {
	ID             uuid.UUID   `json:"entry_id"`
	TenantID       uuid.UUID   `json:"tenant_id"`
	AccountID      uuid.UUID   `json:"account_id"`
	Direction      Direction   `json:"direction"`
	Amount         money.Money `json:"amount"`
	PostedAt       time.Time   `json:"posted_at"`
	SourceType     string      `json:"source_type"`
	SourceID       uuid.UUID   `json:"source_id"`
	CorrelationID  uuid.UUID   `json:"correlation_id"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// PostResult is the outcome of posting a balanced entry set.
type PostResult struct {
	CorrelationID uuid.UUID   `json:"correlation_id"`
	EntryIDs      []uuid.UUID `json:"entry_ids"`

	// Replayed is true when the idempotency key had already been posted and
	// the stored result was returned without writing.
	Replayed bool `json:"replayed"`
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Reservation is a soft hold of funds against an account between commit and
// pay. A held reservation reduces available balance but not posted balance.
type Reservation struct {
	ID            uuid.UUID         `json:"reservation_id"`
	TenantID      uuid.UUID         `json:"tenant_id"`
	LegalEntityID uuid.UUID         `json:"legal_entity_id"`
	AccountID     uuid.UUID         `json:"account_id"`
	ReserveType   string            `json:"reserve_type"`
	Amount        money.Money       `json:"amount"`
	Status        ReservationStatus `json:"status"`
	SourceType    string            `json:"source_type"`
	SourceID      uuid.UUID         `json:"source_id"`
	CorrelationID uuid.UUID         `json:"correlation_id"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// Balance is derived from entries and held reservations at read time.
//
//	posted    = sum(credits) - sum(debits)
//	reserved  = sum(held reservations)
//	available = posted - reserved
type Balance struct {
	AccountID uuid.UUID   `json:"account_id"`
	Posted    money.Money `json:"posted"`
	Reserved  money.Money `json:"reserved"`
	Available money.Money `json:"available"`
	Currency  string      `json:"currency"`
}
