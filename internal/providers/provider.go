// Package providers defines the rail provider capability contract and the
// simulators used in tests and standalone mode. Real rail SDKs live behind
// this interface.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/core/payment"
)

// ErrUnknownProvider is returned by the registry for unregistered rails.
var ErrUnknownProvider = errors.New("unknown payment provider")

// RecordStatus of a settlement record.
type RecordStatus string

const (
	RecordSuccess RecordStatus = "success"
	RecordReturn  RecordStatus = "return"
	RecordPending RecordStatus = "pending"
)

// SettlementRecord is one line of a rail settlement feed. Return records
// carry their own trace id and reference the payment they reverse through
// OriginalTraceID.
type SettlementRecord struct {
	ExternalTraceID string            `json:"external_trace_id"`
	OriginalTraceID string            `json:"original_trace_id,omitempty"`
	Direction       payment.Direction `json:"direction"`
	Amount          money.Money       `json:"amount"`
	Status          RecordStatus      `json:"status"`
	EffectiveDate   time.Time         `json:"effective_date"`
	ReturnCode      string            `json:"return_code,omitempty"`
	ReturnReason    string            `json:"return_reason,omitempty"`
	RawPayload      string            `json:"raw_payload,omitempty"`
}

// StatusResponse reports a provider's view of a payment.
type StatusResponse struct {
	Status        string      `json:"status"`
	Amount        money.Money `json:"amount"`
	EffectiveDate time.Time   `json:"effective_date"`
}

// CancelResponse reports the outcome of a cancel request.
type CancelResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// Capabilities describes what a rail supports.
type Capabilities struct {
	Rail             string   `json:"rail"`
	SupportsCancel   bool     `json:"supports_cancel"`
	SupportsRealtime bool     `json:"supports_realtime"`
	CutoffTimes      []string `json:"cutoff_times"`
}

// Provider is the full capability set a rail adapter implements. The Name
// and Submit methods satisfy the orchestrator's Submitter contract.
type Provider interface {
	Name() string
	Submit(ctx context.Context, instruction *payment.Instruction) (*payment.ProviderResponse, error)
	Status(ctx context.Context, providerRequestID string) (*StatusResponse, error)
	Cancel(ctx context.Context, providerRequestID string) (*CancelResponse, error)
	PullSettlements(ctx context.Context, date time.Time, bankAccountID uuid.UUID) ([]SettlementRecord, error)
	Capabilities() Capabilities
}

// Registry holds the providers available to the facade, keyed by rail name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider for a rail.
func (r *Registry) Get(rail string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[rail]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, rail)
	}
	return p, nil
}

// Names returns the registered rail names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
