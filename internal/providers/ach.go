package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openpayroll/pspd/internal/core/payment"
)

type achState int

const (
	achPending achState = iota
	achSettled
	achReturned
)

// ACHSimulator is a scriptable ACH rail. It accepts submissions, tracks them
// by trace id, and feeds settlements back the way a batch rail would: nothing
// settles until the feed for a date is pulled, and a scripted return can
// arrive in a feed after the payment already settled.
type ACHSimulator struct {
	mu sync.Mutex

	submissions map[string]*achSubmission
	rejectNext  string
	errorNext   error
	returns     map[string]achReturn
	extraFeed   []SettlementRecord
}

type achSubmission struct {
	instructionID uuid.UUID
	record        SettlementRecord
	state         achState
}

type achReturn struct {
	code   string
	reason string
}

// NewACHSimulator creates an empty simulator.
func NewACHSimulator() *ACHSimulator {
	return &ACHSimulator{
		submissions: make(map[string]*achSubmission),
		returns:     make(map[string]achReturn),
	}
}

// Name implements Provider.
func (a *ACHSimulator) Name() string { return "ach" }

// Capabilities implements Provider.
func (a *ACHSimulator) Capabilities() Capabilities {
	return Capabilities{
		Rail:           "ach",
		SupportsCancel: true,
		CutoffTimes:    []string{"14:00", "18:00"},
	}
}

// RejectNext makes the next submission come back rejected with the message.
func (a *ACHSimulator) RejectNext(message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejectNext = message
}

// ErrorNext makes the next submission fail with err, simulating a transport
// failure or timeout whose outcome the caller cannot observe.
func (a *ACHSimulator) ErrorNext(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errorNext = err
}

// ScriptReturn marks an accepted payment to come back as a return in the
// next settlement feed, whether or not it has already settled.
func (a *ACHSimulator) ScriptReturn(providerRequestID, code, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.returns[providerRequestID] = achReturn{code: code, reason: reason}
}

// QueueSettlement adds an arbitrary record to the next feed, matched or not.
func (a *ACHSimulator) QueueSettlement(record SettlementRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.extraFeed = append(a.extraFeed, record)
}

// Submit implements Provider.
func (a *ACHSimulator) Submit(ctx context.Context, instruction *payment.Instruction) (*payment.ProviderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.errorNext != nil {
		err := a.errorNext
		a.errorNext = nil
		return nil, err
	}
	if a.rejectNext != "" {
		message := a.rejectNext
		a.rejectNext = ""
		return &payment.ProviderResponse{Message: message}, nil
	}

	trace := "ACH-" + uuid.NewString()
	a.submissions[trace] = &achSubmission{
		instructionID: instruction.ID,
		record: SettlementRecord{
			ExternalTraceID: trace,
			Direction:       instruction.Direction,
			Amount:          instruction.Amount,
			Status:          RecordSuccess,
		},
	}
	return &payment.ProviderResponse{
		Accepted:          true,
		ProviderRequestID: trace,
		Message:           "accepted for next window",
	}, nil
}

// Status implements Provider.
func (a *ACHSimulator) Status(_ context.Context, providerRequestID string) (*StatusResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.submissions[providerRequestID]
	if !ok {
		return nil, fmt.Errorf("no submission with trace %q", providerRequestID)
	}
	status := payment.StatusAccepted
	switch sub.state {
	case achSettled:
		status = payment.StatusSettled
	case achReturned:
		status = payment.StatusReturned
	}
	return &StatusResponse{Status: string(status), Amount: sub.record.Amount}, nil
}

// Cancel implements Provider. Only payments that have not yet settled can be
// pulled back.
func (a *ACHSimulator) Cancel(_ context.Context, providerRequestID string) (*CancelResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.submissions[providerRequestID]
	if !ok {
		return &CancelResponse{Message: "unknown trace"}, nil
	}
	if sub.state != achPending {
		return &CancelResponse{Message: "already settled"}, nil
	}
	delete(a.submissions, providerRequestID)
	return &CancelResponse{Accepted: true, Message: "canceled before window"}, nil
}

// PullSettlements implements Provider. Pending submissions settle on the
// requested date unless scripted to return; settled submissions with a
// scripted return emit the return record once.
func (a *ACHSimulator) PullSettlements(_ context.Context, date time.Time, _ uuid.UUID) ([]SettlementRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var feed []SettlementRecord
	for trace, sub := range a.submissions {
		ret, returning := a.returns[trace]
		if sub.state == achReturned || (sub.state == achSettled && !returning) {
			continue
		}

		record := sub.record
		record.EffectiveDate = date
		if returning {
			record.ExternalTraceID = trace + "-R"
			record.OriginalTraceID = trace
			record.Status = RecordReturn
			record.ReturnCode = ret.code
			record.ReturnReason = ret.reason
			sub.state = achReturned
			delete(a.returns, trace)
		} else {
			sub.state = achSettled
		}
		feed = append(feed, record)
	}

	feed = append(feed, a.extraFeed...)
	a.extraFeed = nil
	return feed, nil
}
