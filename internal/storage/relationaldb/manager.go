package relationaldb

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager wraps a RepositoryManager with lifecycle management and a
// background health checker.
type Manager struct {
	repos  RepositoryManager
	config *Config
	logger *zap.Logger

	healthCheckInterval time.Duration

	mu        sync.RWMutex
	running   bool
	closed    bool
	lastError error

	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHealthCheckInterval sets the background health check interval.
func WithHealthCheckInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.healthCheckInterval = interval
	}
}

// NewManager creates a manager around an opened repository manager.
func NewManager(repos RepositoryManager, config *Config, options ...ManagerOption) *Manager {
	m := &Manager{
		repos:               repos,
		config:              config,
		logger:              zap.NewNop(),
		healthCheckInterval: time.Minute,
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Repositories returns the underlying repository manager.
func (m *Manager) Repositories() RepositoryManager {
	return m.repos
}

// Start verifies the connection and launches the background health
// checker.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	if err := m.repos.Ping(ctx); err != nil {
		m.lastError = err
		return err
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel

	m.healthWg.Add(1)
	go func() {
		defer m.healthWg.Done()

		ticker := time.NewTicker(m.healthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-healthCtx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(healthCtx, time.Second*10)
				if err := m.repos.Ping(pingCtx); err != nil {
					m.mu.Lock()
					m.lastError = err
					m.mu.Unlock()
					m.logger.Error("database health check failed",
						zap.String("driver", m.config.Driver),
						zap.Error(err))
				}
				pingCancel()
			}
		}
	}()

	m.running = true
	m.lastError = nil

	m.logger.Info("relational storage started",
		zap.String("driver", m.config.Driver),
		zap.String("database", m.config.Database))
	return nil
}

// Close stops the health checker and releases the connection. The
// connection is closed even if Start was never called, since opening it
// happened at construction time.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.healthCancel != nil {
		m.healthCancel()
		m.healthWg.Wait()
		m.healthCancel = nil
	}

	m.running = false

	if err := m.repos.Close(ctx); err != nil {
		m.logger.Error("failed to close relational storage", zap.Error(err))
		return err
	}

	m.logger.Info("relational storage closed")
	return nil
}

// IsRunning reports whether the manager has been started.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// LastError returns the most recent health check error.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}
