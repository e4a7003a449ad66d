package payment

import (
	"sync"

	"github.com/shopspring/decimal"
)

// FeePricer quotes the platform fee charged on top of a payment amount.
// The quote must be deterministic for a given (amount, currency) pair so
// estimates match the fee later charged at commit.
type FeePricer interface {
	Fee(amount decimal.Decimal, currency string) decimal.Decimal
}

// FlatFeePricer charges a fixed per-currency fee regardless of amount.
// Currencies without an explicit entry fall back to the default fee.
type FlatFeePricer struct {
	mu         sync.RWMutex
	fees       map[string]decimal.Decimal
	defaultFee decimal.Decimal
}

// NewFlatFeePricer builds a pricer from a per-currency fee table. Fees
// must be non-negative; negative table entries are treated as zero.
func NewFlatFeePricer(defaultFee decimal.Decimal, perCurrency map[string]decimal.Decimal) *FlatFeePricer {
	p := &FlatFeePricer{
		fees:       make(map[string]decimal.Decimal, len(perCurrency)),
		defaultFee: clampFee(defaultFee),
	}
	for currency, fee := range perCurrency {
		p.fees[currency] = clampFee(fee)
	}
	return p
}

// DefaultFeePricer returns the standard platform pricing: a flat 0.10
// per payment in every currency.
func DefaultFeePricer() *FlatFeePricer {
	return NewFlatFeePricer(decimal.New(10, -2), nil)
}

// Fee returns the flat fee for the currency.
func (p *FlatFeePricer) Fee(_ decimal.Decimal, currency string) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if fee, ok := p.fees[currency]; ok {
		return fee
	}
	return p.defaultFee
}

// SetFee sets or overrides the flat fee for one currency.
func (p *FlatFeePricer) SetFee(currency string, fee decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fees[currency] = clampFee(fee)
}

func clampFee(fee decimal.Decimal) decimal.Decimal {
	if fee.IsNegative() {
		return decimal.Zero
	}
	return fee
}

var _ FeePricer = (*FlatFeePricer)(nil)
