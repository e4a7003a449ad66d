package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentContext carries everything the rules may inspect about a
// prospective payment. The engine fills Profile and Merchant before the
// pipeline runs; callers only describe the payment itself.
type PaymentContext struct {
	AgentID          string
	WalletID         string
	RecipientID      string
	Amount           decimal.Decimal
	Currency         string
	MerchantID       string
	MerchantCategory string

	// Merchant is the resolved reputation record. Nil with a non-empty
	// MerchantID means the merchant is unknown to the platform.
	Merchant *MerchantInfo

	// Profile is the paying agent's behavior profile snapshot.
	Profile *Profile

	Now time.Time
}

// MerchantInfo is the reputation view of a merchant as the rules see it.
type MerchantInfo struct {
	ID          string    `json:"id"`
	TrustScore  float64   `json:"trust_score"`
	CreatedAt   time.Time `json:"created_at"`
	Verified    bool      `json:"verified"`
	DisputeRate float64   `json:"dispute_rate"`
	RefundRate  float64   `json:"refund_rate"`
	Payments    uint64    `json:"payments"`
}

// Outcome records a finished payment attempt for profile upkeep.
type Outcome struct {
	Amount      decimal.Decimal
	RecipientID string
	MerchantID  string
	Category    string
	Succeeded   bool
	At          time.Time
}
