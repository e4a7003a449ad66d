// Package postgres implements the relationaldb repositories on
// PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"

	"github.com/sardislabs/sardisd/internal/storage/relationaldb"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Manager implements relationaldb.RepositoryManager on a PostgreSQL
// connection pool.
type Manager struct {
	db     *sql.DB
	config *relationaldb.Config

	subscriptions *subscriptionRepository
	policies      *policyRepository
	holds         *holdRepository
	transactions  *transactionRepository
}

// Open validates the configuration, connects to PostgreSQL and
// initializes the schema.
func Open(ctx context.Context, config *relationaldb.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, relationaldb.NewConfigurationError("open", "invalid configuration", err)
	}

	connStr, err := config.BuildConnectionString()
	if err != nil {
		return nil, relationaldb.NewConfigurationError("open", "failed to build connection string", err)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, relationaldb.NewConnectionError("open", "failed to open database connection", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.DefaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, relationaldb.NewConnectionError("open", "failed to ping database", err)
	}

	m := &Manager{db: db, config: config}
	if err := m.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	m.subscriptions = &subscriptionRepository{db: db, timeout: config.DefaultTimeout}
	m.policies = &policyRepository{db: db, timeout: config.DefaultTimeout}
	m.holds = &holdRepository{db: db, timeout: config.DefaultTimeout}
	m.transactions = &transactionRepository{db: db, timeout: config.DefaultTimeout}

	return m, nil
}

// Subscriptions returns the webhook subscription repository.
func (m *Manager) Subscriptions() relationaldb.SubscriptionRepository {
	return m.subscriptions
}

// Policies returns the agent policy repository.
func (m *Manager) Policies() relationaldb.PolicyRepository {
	return m.policies
}

// Holds returns the payment hold repository.
func (m *Manager) Holds() relationaldb.HoldRepository {
	return m.holds
}

// Transactions returns the payment transaction repository.
func (m *Manager) Transactions() relationaldb.TransactionRepository {
	return m.transactions
}

// Ping verifies the database connection is alive.
func (m *Manager) Ping(ctx context.Context) error {
	if m.db == nil {
		return relationaldb.ErrDatabaseClosed
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.DefaultTimeout)
	defer cancel()

	if err := m.db.PingContext(ctx); err != nil {
		return relationaldb.NewConnectionError("ping", "database ping failed", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (m *Manager) Close(ctx context.Context) error {
	if m.db == nil {
		return nil
	}

	err := m.db.Close()
	m.db = nil

	if err != nil {
		return relationaldb.NewConnectionError("close", "failed to close database connection", err)
	}
	return nil
}

// initSchema creates the platform tables if they do not exist.
// Timestamps are stored as unix nanoseconds, amounts as decimal
// strings.
func (m *Manager) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			event_types TEXT NOT NULL DEFAULT '[]',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			total_deliveries BIGINT NOT NULL DEFAULT 0,
			successful_deliveries BIGINT NOT NULL DEFAULT 0,
			failed_deliveries BIGINT NOT NULL DEFAULT 0,
			last_delivery_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_owner
			ON webhook_subscriptions (owner_id)`,

		`CREATE TABLE IF NOT EXISTS agent_policies (
			agent_id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS payment_holds (
			id TEXT PRIMARY KEY,
			payment_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			wallet_id TEXT NOT NULL,
			merchant_id TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			purpose TEXT NOT NULL DEFAULT '',
			ledger_tx_id TEXT NOT NULL DEFAULT '',
			capture_tx_id TEXT NOT NULL DEFAULT '',
			expires_at BIGINT NOT NULL,
			captured_at BIGINT,
			voided_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_payment_holds_status
			ON payment_holds (status)`,

		`CREATE INDEX IF NOT EXISTS idx_payment_holds_agent
			ON payment_holds (agent_id)`,

		`CREATE TABLE IF NOT EXISTS payment_transactions (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL,
			wallet_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL DEFAULT '',
			merchant_id TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			fee TEXT NOT NULL DEFAULT '0',
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			ledger_tx_id TEXT NOT NULL DEFAULT '',
			refunded_amount TEXT NOT NULL DEFAULT '0',
			purpose TEXT NOT NULL DEFAULT '',
			settled_on_chain BOOLEAN NOT NULL DEFAULT FALSE,
			settlement TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_payment_transactions_agent
			ON payment_transactions (agent_id, created_at DESC)`,

		`CREATE INDEX IF NOT EXISTS idx_payment_transactions_key
			ON payment_transactions (idempotency_key)`,

		`CREATE INDEX IF NOT EXISTS idx_payment_transactions_ledger
			ON payment_transactions (ledger_tx_id)`,
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.DefaultTimeout)
	defer cancel()

	for _, query := range queries {
		if _, err := m.db.ExecContext(ctx, query); err != nil {
			return relationaldb.NewSchemaError("init_schema", "failed to create schema", err)
		}
	}
	return nil
}
