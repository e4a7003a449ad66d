package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType names the logical operation a transaction represents.
type TxType string

const (
	TxTransfer TxType = "transfer"
	TxDeposit  TxType = "deposit"
	TxRefund   TxType = "refund"
	TxHold     TxType = "hold"
	TxCapture  TxType = "capture"
	TxVoid     TxType = "void"
)

// Transaction is a named group of entries committed as one atomic operation.
type Transaction struct {
	ID string `json:"id"`

	Type TxType `json:"type"`

	// RefTxID links derived transactions to their origin: the original
	// transfer for a refund, the hold transaction for a capture or void.
	RefTxID string `json:"ref_tx_id,omitempty"`

	// Amount is the primary amount of the operation: the transferred,
	// refunded, held, or captured value, exclusive of fees.
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	// PaymentID links the transaction to an orchestrator payment, when one
	// drove it.
	PaymentID string `json:"payment_id,omitempty"`

	// ExpiresAt is set on hold transactions only. The engine stores it and
	// leaves enforcement to the caller.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	Entries   []*Entry  `json:"entries"`
	CreatedAt time.Time `json:"created_at"`
}

// balancedOK reports whether the signed entry amounts sum to zero per
// currency. Deposits are exempt: their counterparty is outside the ledger.
func balancedOK(txType TxType, entries []*Entry) bool {
	if txType == TxDeposit {
		return true
	}

	sums := make(map[string]decimal.Decimal, 1)
	for _, e := range entries {
		sums[e.Currency] = sums[e.Currency].Add(e.signedAmount())
	}
	for _, sum := range sums {
		if !sum.IsZero() {
			return false
		}
	}
	return true
}

// clone returns a copy with cloned entries.
func (t *Transaction) clone() *Transaction {
	cp := *t
	cp.Entries = make([]*Entry, len(t.Entries))
	for i, e := range t.Entries {
		cp.Entries[i] = e.clone()
	}
	return &cp
}
