package pspdb

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Manager wraps a RepositoryManager with lifecycle tracking, retry execution
// and the reservation maintenance loop.
type Manager struct {
	mu     sync.RWMutex
	inner  RepositoryManager
	config *Config
	isOpen bool

	stats   Stats
	statsMu sync.Mutex

	logger  Logger
	metrics Metrics

	maintenanceStop chan struct{}
	maintenanceDone chan struct{}
}

// NewManager creates a manager over a concrete RepositoryManager.
func NewManager(inner RepositoryManager, config *Config, logger Logger) *Manager {
	if logger == nil {
		logger = &DefaultLogger{}
	}
	return &Manager{
		inner:   inner,
		config:  config,
		logger:  logger,
		metrics: NoOpMetrics{},
	}
}

// SetMetrics attaches a metrics sink. Must be called before Open.
func (m *Manager) SetMetrics(metrics Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// Open opens the underlying store.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isOpen {
		return NewConnectionError("open", "database already open", nil)
	}
	if err := m.config.Validate(); err != nil {
		return NewConfigurationError("open", "invalid configuration", err)
	}
	if err := m.inner.Open(ctx); err != nil {
		m.recordError(err)
		return fmt.Errorf("failed to open database: %w", err)
	}
	m.isOpen = true

	m.logger.Info("Database opened",
		"driver", m.config.Driver,
		"dsn", m.config.DSN,
	)
	return nil
}

// Close stops maintenance and closes the underlying store.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isOpen {
		return NewConnectionError("close", "database not open", nil)
	}
	if m.maintenanceStop != nil {
		close(m.maintenanceStop)
		<-m.maintenanceDone
		m.maintenanceStop = nil
		m.maintenanceDone = nil
	}
	if err := m.inner.Close(ctx); err != nil {
		m.recordError(err)
		return fmt.Errorf("failed to close database: %w", err)
	}
	m.isOpen = false

	m.logger.Info("Database closed")
	return nil
}

// IsOpen returns whether the database is open.
func (m *Manager) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isOpen
}

// Repositories returns the underlying RepositoryManager.
func (m *Manager) Repositories() RepositoryManager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inner
}

// HealthCheck pings the underlying store.
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.isOpen {
		return NewConnectionError("health_check", "database not open", nil)
	}
	if err := m.inner.HealthCheck(ctx); err != nil {
		m.recordError(err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// ExecuteWithRetry runs operation, retrying retryable failures with
// exponential backoff up to the configured attempt count. The operation must
// be idempotent.
func (m *Manager) ExecuteWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			m.incrementQueries()
			return nil
		}
		lastErr = err
		m.recordError(err)

		if !IsRetryable(err) {
			return err
		}
		if attempt == m.config.MaxRetries {
			break
		}

		backoff := m.config.RetryDelay * time.Duration(1<<attempt)
		if m.config.RetryMaxDelay > 0 && backoff > m.config.RetryMaxDelay {
			backoff = m.config.RetryMaxDelay
		}
		m.logger.Warn("Database operation failed, retrying",
			"attempt", attempt+1,
			"maxRetries", m.config.MaxRetries,
			"backoff", backoff,
			"error", err,
		)
		m.metrics.IncrementCounter("pspdb.retry", map[string]string{"attempt": fmt.Sprint(attempt + 1)})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", m.config.MaxRetries, lastErr)
}

// ReservationExpirer expires held reservations past their TTL. The ledger
// service implements it.
type ReservationExpirer interface {
	ExpireReservations(ctx context.Context, limit int) (int, error)
}

// expireBatchSize bounds each maintenance sweep.
const expireBatchSize = 500

// StartMaintenance runs the reservation expiry sweep on an interval until the
// manager is closed.
func (m *Manager) StartMaintenance(expirer ReservationExpirer, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isOpen || m.maintenanceStop != nil {
		return
	}
	m.maintenanceStop = make(chan struct{})
	m.maintenanceDone = make(chan struct{})

	go m.maintenanceLoop(expirer, interval, m.maintenanceStop, m.maintenanceDone)
}

func (m *Manager) maintenanceLoop(expirer ReservationExpirer, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.config.DefaultTimeout)
			n, err := expirer.ExpireReservations(ctx, expireBatchSize)
			cancel()
			if err != nil {
				m.recordError(err)
				m.logger.Error("Reservation expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.addExpired(int64(n))
				m.logger.Info("Expired stale reservations", "count", n)
				m.metrics.IncrementCounter("pspdb.reservations_expired", nil)
			}
		}
	}
}

// GetStats returns a copy of the cumulative counters.
func (m *Manager) GetStats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Manager) recordError(error) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.TotalErrors++
}

func (m *Manager) incrementQueries() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.TotalQueries++
}

func (m *Manager) addExpired(n int64) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.ReservationsExpired += n
}
