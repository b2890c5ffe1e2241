// Package pspdb defines the storage contract for the PSP core: one
// RepositoryManager aggregating the per-domain repositories, plus the error
// taxonomy and connection configuration shared by its implementations.
package pspdb

import (
	"context"

	"github.com/openpayroll/pspd/internal/core/gate"
	"github.com/openpayroll/pspd/internal/core/ledger"
	"github.com/openpayroll/pspd/internal/core/liability"
	"github.com/openpayroll/pspd/internal/core/payment"
	"github.com/openpayroll/pspd/internal/core/reconcile"
)

// RepositoryManager aggregates the per-domain repositories behind one
// lifecycle. Implementations guarantee that all repositories share the same
// underlying store, so a transaction spans them.
type RepositoryManager interface {
	// Lifecycle management
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	IsOpen() bool
	HealthCheck(ctx context.Context) error

	// Domain repositories. Valid only while the manager is open.
	Ledger() ledger.Repository
	Gate() gate.Repository
	Payment() payment.Repository
	Settlement() reconcile.Repository
	Liability() liability.Repository

	// WithTransaction runs fn atomically. Repositories obtained from the
	// transactional manager passed to fn see uncommitted writes; a returned
	// error rolls everything back.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, txm RepositoryManager) error) error
}

// Stats holds cumulative counters for a manager instance.
type Stats struct {
	TotalQueries        int64
	TotalErrors         int64
	ReservationsExpired int64
}
