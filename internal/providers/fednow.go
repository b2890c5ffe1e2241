package providers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/payment"
)

// FedNowSimulator is a real-time rail: submissions settle instantly and
// cannot be canceled. Rejections surface at submit time, never as returns.
type FedNowSimulator struct {
	mu sync.Mutex

	settled    []SettlementRecord
	byTrace    map[string]SettlementRecord
	rejectNext string
}

// NewFedNowSimulator creates an empty simulator.
func NewFedNowSimulator() *FedNowSimulator {
	return &FedNowSimulator{byTrace: make(map[string]SettlementRecord)}
}

// Name implements Provider.
func (f *FedNowSimulator) Name() string { return "fednow" }

// Capabilities implements Provider.
func (f *FedNowSimulator) Capabilities() Capabilities {
	return Capabilities{
		Rail:             "fednow",
		SupportsRealtime: true,
	}
}

// RejectNext makes the next submission come back rejected with the message.
func (f *FedNowSimulator) RejectNext(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectNext = message
}

// Submit implements Provider. Accepted payments settle immediately.
func (f *FedNowSimulator) Submit(ctx context.Context, instruction *payment.Instruction) (*payment.ProviderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rejectNext != "" {
		message := f.rejectNext
		f.rejectNext = ""
		return &payment.ProviderResponse{Message: message}, nil
	}

	trace := "FN-" + uuid.NewString()
	record := SettlementRecord{
		ExternalTraceID: trace,
		Direction:       instruction.Direction,
		Amount:          instruction.Amount,
		Status:          RecordSuccess,
		EffectiveDate:   time.Now().UTC(),
	}
	f.settled = append(f.settled, record)
	f.byTrace[trace] = record

	return &payment.ProviderResponse{
		Accepted:          true,
		ProviderRequestID: trace,
		Message:           "settled",
	}, nil
}

// Status implements Provider.
func (f *FedNowSimulator) Status(_ context.Context, providerRequestID string) (*StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.byTrace[providerRequestID]
	if !ok {
		return &StatusResponse{Status: "unknown"}, nil
	}
	return &StatusResponse{
		Status:        string(payment.StatusSettled),
		Amount:        record.Amount,
		EffectiveDate: record.EffectiveDate,
	}, nil
}

// Cancel implements Provider. Real-time payments are final.
func (f *FedNowSimulator) Cancel(context.Context, string) (*CancelResponse, error) {
	return &CancelResponse{Message: "fednow payments cannot be canceled"}, nil
}

// PullSettlements implements Provider. Drains records settled since the last
// pull.
func (f *FedNowSimulator) PullSettlements(context.Context, time.Time, uuid.UUID) ([]SettlementRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	feed := f.settled
	f.settled = nil
	return feed, nil
}
