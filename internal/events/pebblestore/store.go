// Package pebblestore is the durable event log: a pebble keyspace of
// codec-encoded envelopes keyed by tenant and per-tenant sequence number, so
// iteration over a tenant prefix replays events in insertion order.
package pebblestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"context"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/ugorji/go/codec"

	"github.com/openpayroll/pspd/internal/events"
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("event store is closed")

// keyLen is 16 bytes of tenant id plus a big-endian uint64 sequence.
const keyLen = 16 + 8

var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

// envelope is the wire form of an event. The payload is encoded separately
// so decoding can pick the concrete type from the event type tag.
type envelope struct {
	ID            string
	Type          string
	OccurredAt    int64
	TenantID      string
	CorrelationID string
	CausationID   string
	SourceService string
	Payload       []byte
	Seq           uint64
}

// Store is a pebble-backed events.Store.
type Store struct {
	mu      sync.Mutex
	db      *pebble.DB
	nextSeq map[uuid.UUID]uint64
	closed  bool
	sync    bool
}

// Option configures a Store.
type Option func(*options)

type options struct {
	fs   vfs.FS
	sync bool
}

// WithMemFS keeps the log in memory. For tests.
func WithMemFS() Option {
	return func(o *options) { o.fs = vfs.NewMem() }
}

// WithSync forces a WAL sync on every append.
func WithSync() Option {
	return func(o *options) { o.sync = true }
}

// Open opens or creates the event log at path.
func Open(path string, opts ...Option) (*Store, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	pebbleOpts := &pebble.Options{}
	if o.fs != nil {
		pebbleOpts.FS = o.fs
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open event store at %s: %w", path, err)
	}
	return &Store{
		db:      db,
		nextSeq: make(map[uuid.UUID]uint64),
		sync:    o.sync,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Append implements events.Store. The sequence counter is recovered from the
// log on the first append for a tenant after open.
func (s *Store) Append(_ context.Context, e *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tenant := e.Metadata.TenantID
	seq, err := s.nextSeqLocked(tenant)
	if err != nil {
		return err
	}
	e.Seq = seq

	value, err := encodeEvent(e)
	if err != nil {
		return err
	}

	writeOpt := pebble.NoSync
	if s.sync {
		writeOpt = pebble.Sync
	}
	if err := s.db.Set(makeKey(tenant, seq), value, writeOpt); err != nil {
		return fmt.Errorf("append event seq %d: %w", seq, err)
	}
	s.nextSeq[tenant] = seq + 1
	return nil
}

// LoadBy implements events.Store.
func (s *Store) LoadBy(ctx context.Context, tenantID uuid.UUID, filter events.Filter) ([]events.Event, error) {
	var out []events.Event
	err := s.Replay(ctx, tenantID, 0, func(e *events.Event) error {
		if !matches(e, filter) {
			return nil
		}
		out = append(out, *e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return out, nil
}

var errStopIteration = errors.New("stop iteration")

// Replay implements events.Store.
func (s *Store) Replay(_ context.Context, tenantID uuid.UUID, fromSeq uint64, fn func(e *events.Event) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.mu.Unlock()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: makeKey(tenantID, fromSeq),
		UpperBound: tenantUpperBound(tenantID),
	})
	if err != nil {
		return fmt.Errorf("event store iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEvent(iter.Value())
		if err != nil {
			return fmt.Errorf("decode event at key %x: %w", iter.Key(), err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) nextSeqLocked(tenant uuid.UUID) (uint64, error) {
	if seq, ok := s.nextSeq[tenant]; ok {
		return seq, nil
	}

	// Recover the counter from the highest existing key for the tenant.
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: makeKey(tenant, 0),
		UpperBound: tenantUpperBound(tenant),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var next uint64 = 1
	if iter.Last() && iter.Valid() {
		key := iter.Key()
		if len(key) == keyLen {
			next = binary.BigEndian.Uint64(key[16:]) + 1
		}
	}
	s.nextSeq[tenant] = next
	return next, nil
}

func makeKey(tenant uuid.UUID, seq uint64) []byte {
	key := make([]byte, keyLen)
	copy(key, tenant[:])
	binary.BigEndian.PutUint64(key[16:], seq)
	return key
}

func tenantUpperBound(tenant uuid.UUID) []byte {
	key := make([]byte, keyLen)
	copy(key, tenant[:])
	for i := 16; i < keyLen; i++ {
		key[i] = 0xff
	}
	return key
}

func encodeEvent(e *events.Event) ([]byte, error) {
	var payload []byte
	if err := codec.NewEncoderBytes(&payload, cborHandle).Encode(e.Payload); err != nil {
		return nil, fmt.Errorf("encode payload %s: %w", e.Type, err)
	}

	env := envelope{
		ID:            e.ID.String(),
		Type:          string(e.Type),
		OccurredAt:    e.OccurredAt.UnixNano(),
		TenantID:      e.Metadata.TenantID.String(),
		CorrelationID: e.Metadata.CorrelationID.String(),
		SourceService: e.Metadata.SourceService,
		Payload:       payload,
		Seq:           e.Seq,
	}
	if e.Metadata.CausationID != uuid.Nil {
		env.CausationID = e.Metadata.CausationID.String()
	}

	var out []byte
	if err := codec.NewEncoderBytes(&out, cborHandle).Encode(env); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

func decodeEvent(value []byte) (*events.Event, error) {
	var env envelope
	if err := codec.NewDecoderBytes(value, cborHandle).Decode(&env); err != nil {
		return nil, err
	}

	payload, err := decodePayload(events.Type(env.Type), env.Payload)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(env.ID)
	if err != nil {
		return nil, err
	}
	tenantID, err := uuid.Parse(env.TenantID)
	if err != nil {
		return nil, err
	}
	correlationID, err := uuid.Parse(env.CorrelationID)
	if err != nil {
		return nil, err
	}
	causationID := uuid.Nil
	if env.CausationID != "" {
		causationID, err = uuid.Parse(env.CausationID)
		if err != nil {
			return nil, err
		}
	}

	return &events.Event{
		ID:         id,
		Type:       events.Type(env.Type),
		OccurredAt: time.Unix(0, env.OccurredAt).UTC(),
		Metadata: events.Metadata{
			TenantID:      tenantID,
			CorrelationID: correlationID,
			CausationID:   causationID,
			SourceService: env.SourceService,
		},
		Payload: payload,
		Seq:     env.Seq,
	}, nil
}

func decodePayload(t events.Type, data []byte) (events.Payload, error) {
	var payload events.Payload
	switch t {
	case events.TypeFundingRequested:
		payload = new(events.FundingRequested)
	case events.TypeFundingApproved:
		payload = new(events.FundingApproved)
	case events.TypeFundingBlocked:
		payload = new(events.FundingBlocked)
	case events.TypeFundingInsufficientFunds:
		payload = new(events.FundingInsufficientFunds)
	case events.TypePaymentInstructionCreated:
		payload = new(events.PaymentInstructionCreated)
	case events.TypePaymentSubmitted:
		payload = new(events.PaymentSubmitted)
	case events.TypePaymentSettled:
		payload = new(events.PaymentSettled)
	case events.TypePaymentReturned:
		payload = new(events.PaymentReturned)
	case events.TypePaymentFailed:
		payload = new(events.PaymentFailed)
	case events.TypeSettlementReceived:
		payload = new(events.SettlementReceived)
	case events.TypeReconciliationStarted:
		payload = new(events.ReconciliationStarted)
	case events.TypeReconciliationCompleted:
		payload = new(events.ReconciliationCompleted)
	case events.TypeLiabilityClassified:
		payload = new(events.LiabilityClassified)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := codec.NewDecoderBytes(data, cborHandle).Decode(payload); err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", t, err)
	}
	return payload, nil
}

func matches(e *events.Event, filter events.Filter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.CorrelationID != uuid.Nil && e.Metadata.CorrelationID != filter.CorrelationID {
		return false
	}
	if !filter.Since.IsZero() && e.OccurredAt.Before(filter.Since) {
		return false
	}
	return true
}
