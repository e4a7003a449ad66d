// Package payment implements the payment orchestrator: the single entry
// point that coordinates idempotency, spending policy, risk scoring, fee
// pricing, the ledger commit and event emission for every payment,
// hold, capture and refund on the platform.
package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is assumed when a request carries no currency code.
const DefaultCurrency = "USDC"

// Error kinds surfaced in result types. These are stable wire strings;
// API consumers branch on them.
const (
	ErrKindInvalidAmount         = "invalid_amount"
	ErrKindWalletNotFound        = "wallet_not_found"
	ErrKindMerchantNotFound      = "merchant_not_found"
	ErrKindAgentNotFound         = "agent_not_found"
	ErrKindInsufficientBalance   = "insufficient_balance"
	ErrKindPerTransactionLimit   = "per_transaction_limit"
	ErrKindTotalLimit            = "total_limit"
	ErrKindDailyLimit            = "daily_limit"
	ErrKindWeeklyLimit           = "weekly_limit"
	ErrKindMonthlyLimit          = "monthly_limit"
	ErrKindMerchantSpecificLimit = "merchant_specific_limit"
	ErrKindMerchantBlocked       = "merchant_blocked"
	ErrKindMerchantNotAllowed    = "merchant_not_allowed"
	ErrKindScopeNotAllowed       = "scope_not_allowed"
	ErrKindGoalDriftExceeded     = "goal_drift_exceeded"
	ErrKindRiskDenied            = "risk_denied"
	ErrKindHoldNotActive         = "hold_not_active"
	ErrKindHoldExpired           = "hold_expired"
	ErrKindCaptureExceedsHold    = "capture_exceeds_hold"
	ErrKindRefundExceedsOriginal = "refund_exceeds_original"
	ErrKindRefundOnNonCompleted  = "refund_on_non_completed"
	ErrKindApprovalDenied        = "approval_denied"
	ErrKindIdempotentReplay      = "idempotent_replay"
	ErrKindInternal              = "internal"
)

// Status is the lifecycle state of an orchestrated payment.
type Status string

const (
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusRefunded        Status = "REFUNDED"
)

// HoldStatus is the lifecycle state of a payment hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "ACTIVE"
	HoldCaptured HoldStatus = "CAPTURED"
	HoldVoided   HoldStatus = "VOIDED"
	HoldExpired  HoldStatus = "EXPIRED"
)

// PaymentResult is the outcome of Pay, PayMerchant and CaptureHold. The
// orchestrator never returns Go errors across this surface; failures are
// carried as a stable ErrorKind plus a human-readable message.
type PaymentResult struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"payment_id,omitempty"`
	Status    Status `json:"status,omitempty"`

	// TransactionID is the committed ledger transaction, present only on
	// success.
	TransactionID string `json:"transaction_id,omitempty"`

	// ApprovalID identifies a pending human approval, present only with
	// StatusPendingApproval.
	ApprovalID string `json:"approval_id,omitempty"`

	AgentID    string `json:"agent_id,omitempty"`
	FromWallet string `json:"from_wallet,omitempty"`
	ToWallet   string `json:"to_wallet,omitempty"`
	MerchantID string `json:"merchant_id,omitempty"`

	Amount   decimal.Decimal `json:"amount"`
	Fee      decimal.Decimal `json:"fee"`
	Currency string          `json:"currency,omitempty"`
	Purpose  string          `json:"purpose,omitempty"`

	ErrorKind string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`

	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HoldResult is the outcome of CreateHold and VoidHold.
type HoldResult struct {
	Success    bool       `json:"success"`
	HoldID     string     `json:"hold_id,omitempty"`
	Status     HoldStatus `json:"status,omitempty"`
	AgentID    string     `json:"agent_id,omitempty"`
	WalletID   string     `json:"wallet_id,omitempty"`
	MerchantID string     `json:"merchant_id,omitempty"`

	Amount decimal.Decimal `json:"amount"`

	// EstimatedFee is the fee the capture would charge today. Holds never
	// charge fees themselves.
	EstimatedFee decimal.Decimal `json:"estimated_fee"`

	Currency  string    `json:"currency,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`

	ErrorKind string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RefundResult is the outcome of Refund.
type RefundResult struct {
	Success      bool   `json:"success"`
	RefundTxID   string `json:"refund_tx_id,omitempty"`
	OriginalTxID string `json:"original_tx_id,omitempty"`

	Amount        decimal.Decimal `json:"amount"`
	TotalRefunded decimal.Decimal `json:"total_refunded"`
	Currency      string          `json:"currency,omitempty"`

	// FullyRefunded marks the original transaction as exhausted; further
	// refunds against it are rejected.
	FullyRefunded bool `json:"fully_refunded"`

	ErrorKind string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Estimate is a fee quote for a prospective payment.
type Estimate struct {
	Amount   decimal.Decimal `json:"amount"`
	Fee      decimal.Decimal `json:"fee"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`
}

// OnChainRecord is an immutable receipt from the settlement driver,
// attached to the payment that produced it.
type OnChainRecord struct {
	Driver      string    `json:"driver"`
	Reference   string    `json:"reference"`
	Confirmed   bool      `json:"confirmed"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// PaymentTransaction is the orchestrator's view of one payment attempt,
// kept in the transaction index.
type PaymentTransaction struct {
	ID          string `json:"id"`
	LedgerTxID  string `json:"ledger_tx_id,omitempty"`
	AgentID     string `json:"agent_id"`
	WalletID    string `json:"wallet_id"`
	RecipientID string `json:"recipient_id,omitempty"`
	MerchantID  string `json:"merchant_id,omitempty"`

	Amount   decimal.Decimal `json:"amount"`
	Fee      decimal.Decimal `json:"fee"`
	Currency string          `json:"currency"`

	Status    Status `json:"status"`
	ErrorKind string `json:"error,omitempty"`
	Purpose   string `json:"purpose,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
	ApprovalID     string `json:"approval_id,omitempty"`

	// Refunded accumulates refunds issued against this payment.
	Refunded decimal.Decimal `json:"refunded"`

	// OnChain holds settlement receipts; SettledOnChain is true once at
	// least one confirmed receipt exists.
	OnChain        []*OnChainRecord `json:"on_chain,omitempty"`
	SettledOnChain bool             `json:"settled_on_chain"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a copy safe to hand to callers.
func (p *PaymentTransaction) clone() *PaymentTransaction {
	cp := *p
	if p.OnChain != nil {
		cp.OnChain = make([]*OnChainRecord, len(p.OnChain))
		for i, rec := range p.OnChain {
			r := *rec
			cp.OnChain[i] = &r
		}
	}
	return &cp
}

// PaymentHold is a reservation against an agent wallet awaiting capture
// or release.
type PaymentHold struct {
	ID         string `json:"id"`
	AgentID    string `json:"agent_id"`
	WalletID   string `json:"wallet_id"`
	MerchantID string `json:"merchant_id"`

	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	Status  HoldStatus `json:"status"`
	Purpose string     `json:"purpose,omitempty"`

	// LedgerTxID is the HOLD transaction backing this reservation;
	// CaptureTxID and CapturePaymentID are set once captured.
	LedgerTxID       string `json:"ledger_tx_id"`
	CaptureTxID      string `json:"capture_tx_id,omitempty"`
	CapturePaymentID string `json:"capture_payment_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
	VoidedAt   *time.Time `json:"voided_at,omitempty"`

	// inFlight marks a lifecycle transition in progress; concurrent
	// captures, voids and sweeps serialize on it.
	inFlight bool
}

func (h *PaymentHold) clone() *PaymentHold {
	cp := *h
	if h.CapturedAt != nil {
		t := *h.CapturedAt
		cp.CapturedAt = &t
	}
	if h.VoidedAt != nil {
		t := *h.VoidedAt
		cp.VoidedAt = &t
	}
	return &cp
}
