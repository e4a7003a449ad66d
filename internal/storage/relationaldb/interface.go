// Package relationaldb defines the relational persistence layer for
// platform state that must survive restarts: webhook subscriptions,
// agent policies, payment holds and the payment transaction index.
//
// Two drivers implement the interfaces below: postgres (lib/pq) for
// production deployments and sqlite (modernc.org/sqlite) for embedded
// and single-node setups. All repositories are safe for concurrent use.
package relationaldb

import (
	"context"
	"time"
)

// SubscriptionRecord is the persisted form of a webhook subscription.
type SubscriptionRecord struct {
	ID                   string     `json:"id"`
	OwnerID              string     `json:"owner_id"`
	URL                  string     `json:"url"`
	Secret               string     `json:"secret"`
	EventTypes           []string   `json:"event_types"`
	Active               bool       `json:"active"`
	TotalDeliveries      uint64     `json:"total_deliveries"`
	SuccessfulDeliveries uint64     `json:"successful_deliveries"`
	FailedDeliveries     uint64     `json:"failed_deliveries"`
	LastDeliveryAt       *time.Time `json:"last_delivery_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// HoldRecord is the persisted form of a payment hold.
type HoldRecord struct {
	ID          string     `json:"id"`
	PaymentID   string     `json:"payment_id"`
	AgentID     string     `json:"agent_id"`
	WalletID    string     `json:"wallet_id"`
	MerchantID  string     `json:"merchant_id,omitempty"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	Purpose     string     `json:"purpose,omitempty"`
	LedgerTxID  string     `json:"ledger_tx_id"`
	CaptureTxID string     `json:"capture_tx_id,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"`
	VoidedAt    *time.Time `json:"voided_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PaymentRecord is the persisted form of an orchestrated payment.
type PaymentRecord struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	AgentID        string    `json:"agent_id"`
	WalletID       string    `json:"wallet_id"`
	RecipientID    string    `json:"recipient_id,omitempty"`
	MerchantID     string    `json:"merchant_id,omitempty"`
	Amount         string    `json:"amount"`
	Fee            string    `json:"fee"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	LedgerTxID     string    `json:"ledger_tx_id,omitempty"`
	RefundedAmount string    `json:"refunded_amount"`
	Purpose        string    `json:"purpose,omitempty"`
	SettledOnChain bool      `json:"settled_on_chain"`
	Settlement     []byte    `json:"settlement,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SubscriptionRepository persists webhook subscriptions.
type SubscriptionRepository interface {
	// SaveSubscription inserts or replaces a subscription record.
	SaveSubscription(ctx context.Context, rec *SubscriptionRecord) error

	// GetSubscription returns the subscription with the given id, or
	// ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, id string) (*SubscriptionRecord, error)

	// ListSubscriptions returns all stored subscriptions.
	ListSubscriptions(ctx context.Context) ([]*SubscriptionRecord, error)

	// DeleteSubscription removes the subscription with the given id.
	// Deleting an unknown id is not an error.
	DeleteSubscription(ctx context.Context, id string) error
}

// PolicyRepository persists agent policy documents as opaque JSON.
type PolicyRepository interface {
	// SavePolicy inserts or replaces the policy document for an agent.
	SavePolicy(ctx context.Context, agentID string, doc []byte) error

	// GetPolicy returns the policy document for an agent, or
	// ErrPolicyNotFound.
	GetPolicy(ctx context.Context, agentID string) ([]byte, error)

	// ListPolicies returns all stored policy documents keyed by agent id.
	ListPolicies(ctx context.Context) (map[string][]byte, error)

	// DeletePolicy removes the policy document for an agent.
	DeletePolicy(ctx context.Context, agentID string) error
}

// HoldRepository persists payment holds.
type HoldRepository interface {
	// SaveHold inserts or replaces a hold record.
	SaveHold(ctx context.Context, rec *HoldRecord) error

	// GetHold returns the hold with the given id, or ErrHoldNotFound.
	GetHold(ctx context.Context, id string) (*HoldRecord, error)

	// ListHoldsByStatus returns all holds in the given status.
	ListHoldsByStatus(ctx context.Context, status string) ([]*HoldRecord, error)

	// ListHoldsByAgent returns all holds created by an agent.
	ListHoldsByAgent(ctx context.Context, agentID string) ([]*HoldRecord, error)
}

// TransactionRepository persists the payment transaction index.
type TransactionRepository interface {
	// SaveTransaction inserts or replaces a payment record.
	SaveTransaction(ctx context.Context, rec *PaymentRecord) error

	// GetTransaction returns the payment with the given id, or
	// ErrPaymentNotFound.
	GetTransaction(ctx context.Context, id string) (*PaymentRecord, error)

	// GetTransactionByKey returns the payment stored under an
	// idempotency key, or ErrPaymentNotFound.
	GetTransactionByKey(ctx context.Context, idempotencyKey string) (*PaymentRecord, error)

	// GetTransactionByLedgerTx returns the payment that committed the
	// given ledger transaction, or ErrPaymentNotFound.
	GetTransactionByLedgerTx(ctx context.Context, ledgerTxID string) (*PaymentRecord, error)

	// ListTransactionsByAgent returns an agent's payments ordered
	// newest first. A limit <= 0 means no limit.
	ListTransactionsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*PaymentRecord, error)
}

// RepositoryManager aggregates the repositories behind a single
// database connection.
type RepositoryManager interface {
	Subscriptions() SubscriptionRepository
	Policies() PolicyRepository
	Holds() HoldRepository
	Transactions() TransactionRepository

	// Ping verifies the underlying connection is alive.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}
