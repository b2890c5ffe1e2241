// Package sqlstore implements the pspdb repositories over database/sql. The
// SQL is kept to the portable subset both drivers accept: postgres via
// lib/pq for shared deployments, sqlite via modernc for embedded ones.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/openpayroll/pspd/internal/core/gate"
	"github.com/openpayroll/pspd/internal/core/ledger"
	"github.com/openpayroll/pspd/internal/core/liability"
	"github.com/openpayroll/pspd/internal/core/payment"
	"github.com/openpayroll/pspd/internal/core/reconcile"
	"github.com/openpayroll/pspd/internal/storage/pspdb"
)

// querier is the subset of *sql.DB and *sql.Tx the repositories use.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store implements pspdb.RepositoryManager over a SQL database.
type Store struct {
	mu     sync.RWMutex
	config *pspdb.Config
	db     *sql.DB
	q      querier
	isOpen bool
}

// New creates a store for the given configuration. Open connects.
func New(config *pspdb.Config) *Store {
	return &Store{config: config}
}

// Open connects, applies pool settings and ensures the schema exists.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isOpen {
		return pspdb.NewConnectionError("open", "store already open", nil)
	}
	if err := s.config.Validate(); err != nil {
		return pspdb.NewConfigurationError("open", "invalid configuration", err)
	}

	db, err := sql.Open(s.config.Driver, s.config.DSN)
	if err != nil {
		return pspdb.NewConnectionError("open", "failed to open database", err)
	}
	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(s.config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return pspdb.NewConnectionError("open", "failed to ping database", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return pspdb.NewSchemaError("open", "failed to apply schema", err)
	}

	s.db = db
	s.q = db
	s.isOpen = true
	return nil
}

// Close closes the database.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isOpen {
		return pspdb.NewConnectionError("close", "store not open", nil)
	}
	if err := s.db.Close(); err != nil {
		return pspdb.NewConnectionError("close", "failed to close database", err)
	}
	s.db = nil
	s.q = nil
	s.isOpen = false
	return nil
}

// IsOpen reports whether the store is open.
func (s *Store) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOpen
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isOpen {
		return pspdb.NewConnectionError("health_check", "store not open", nil)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return pspdb.NewConnectionError("health_check", "ping failed", err)
	}
	return nil
}

// Ledger returns the ledger repository.
func (s *Store) Ledger() ledger.Repository { return &ledgerRepo{s} }

// Gate returns the gate evaluation repository.
func (s *Store) Gate() gate.Repository { return &gateRepo{s} }

// Payment returns the instruction and attempt repository.
func (s *Store) Payment() payment.Repository { return &paymentRepo{s} }

// Settlement returns the settlement event repository.
func (s *Store) Settlement() reconcile.Repository { return &settlementRepo{s} }

// Liability returns the liability event repository.
func (s *Store) Liability() liability.Repository { return &liabilityRepo{s} }

// WithTransaction runs fn inside one database transaction. The manager handed
// to fn serves repositories bound to the transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, txm pspdb.RepositoryManager) error) error {
	s.mu.RLock()
	if !s.isOpen {
		s.mu.RUnlock()
		return pspdb.NewConnectionError("with_transaction", "store not open", nil)
	}
	db := s.db
	s.mu.RUnlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return pspdb.NewTransactionError("with_transaction", "failed to begin transaction", err)
	}

	txStore := &Store{config: s.config, db: db, q: tx, isOpen: true}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return pspdb.NewTransactionError("with_transaction", "rollback failed", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return pspdb.NewTransactionError("with_transaction", "commit failed", err)
	}
	return nil
}

func (s *Store) querier() querier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q
}

// isUniqueViolation recognizes a unique-constraint failure from either
// driver by message; neither exposes a portable error code through
// database/sql.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// Timestamps are stored as RFC3339Nano text so both drivers compare them
// lexicographically.
const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stored timestamp %q: %w", s, err)
	}
	return t, nil
}
