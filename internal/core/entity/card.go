package entity

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CardStatus is the virtual card state machine.
type CardStatus string

const (
	CardActive    CardStatus = "ACTIVE"
	CardSuspended CardStatus = "SUSPENDED"
	CardCancelled CardStatus = "CANCELLED"
	CardExpired   CardStatus = "EXPIRED"
)

// cardBIN prefixes every synthesized card number. The remaining digits are
// random with a trailing Luhn check digit.
const cardBIN = "4"

// VirtualCard is payment-identity metadata attached to a wallet. It never
// holds funds; it layers local per-transaction and daily caps plus
// pending-authorization accounting over its wallet.
type VirtualCard struct {
	mu sync.Mutex

	ID          string          `json:"id"`
	WalletID    string          `json:"wallet_id"`
	Number      string          `json:"number"`
	ExpiresAt   time.Time       `json:"expires_at"`
	LimitPerTx  decimal.Decimal `json:"limit_per_tx"` // zero means uncapped
	LimitDaily  decimal.Decimal `json:"limit_daily"`  // zero means uncapped
	Status      CardStatus      `json:"status"`
	PendingAuth decimal.Decimal `json:"pending_auth"`
	AuthedToday decimal.Decimal `json:"authed_today"`
	dayStart    time.Time
	CreatedAt   time.Time `json:"created_at"`
}

// NewVirtualCard synthesizes a card for a wallet with a Luhn-valid number
// and a three-year expiry.
func NewVirtualCard(walletID string, perTx, daily decimal.Decimal) (*VirtualCard, error) {
	number, err := GenerateCardNumber()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &VirtualCard{
		ID:         "card_" + uuid.NewString(),
		WalletID:   walletID,
		Number:     number,
		ExpiresAt:  now.AddDate(3, 0, 0),
		LimitPerTx: perTx,
		LimitDaily: daily,
		Status:     CardActive,
		CreatedAt:  now,
		dayStart:   now,
	}, nil
}

// GenerateCardNumber produces a 16-digit identifier with a valid Luhn
// check digit.
func GenerateCardNumber() (string, error) {
	const bodyLen = 15
	buf := make([]byte, bodyLen-len(cardBIN))
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating card number: %w", err)
	}

	digits := []byte(cardBIN)
	for _, b := range buf {
		digits = append(digits, '0'+b%10)
	}
	check := luhnCheckDigit(string(digits))
	return string(digits) + string(rune('0'+check)), nil
}

// luhnCheckDigit computes the digit that makes body+digit Luhn-valid.
func luhnCheckDigit(body string) int {
	sum := 0
	// The appended check digit occupies the rightmost position, so the
	// body's last digit is doubled.
	double := true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		double = !double
		sum += d
	}
	return (10 - sum%10) % 10
}

// ValidLuhn reports whether the number passes the Luhn checksum.
func ValidLuhn(number string) bool {
	if len(number) == 0 {
		return false
	}
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		double = !double
		sum += d
	}
	return sum%10 == 0
}

// EffectiveStatus resolves the status, accounting for expiry.
func (c *VirtualCard) EffectiveStatus(now time.Time) CardStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status == CardActive && now.After(c.ExpiresAt) {
		c.Status = CardExpired
	}
	return c.Status
}

// Suspend pauses an active card.
func (c *VirtualCard) Suspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.Status {
	case CardActive:
		c.Status = CardSuspended
		return nil
	case CardCancelled:
		return ErrCardCancelled
	case CardExpired:
		return ErrCardExpired
	default:
		return nil
	}
}

// Activate resumes a suspended card.
func (c *VirtualCard) Activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.Status {
	case CardSuspended:
		c.Status = CardActive
		return nil
	case CardActive:
		return nil
	case CardCancelled:
		return ErrCardCancelled
	default:
		return ErrCardExpired
	}
}

// Cancel permanently retires the card.
func (c *VirtualCard) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status == CardCancelled {
		return nil
	}
	c.Status = CardCancelled
	return nil
}

// Authorize records a pending authorization against the card-local caps.
func (c *VirtualCard) Authorize(amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status != CardActive {
		return ErrCardNotActive
	}
	if now.After(c.ExpiresAt) {
		c.Status = CardExpired
		return ErrCardExpired
	}
	if now.Sub(c.dayStart) >= 24*time.Hour {
		c.dayStart = now
		c.AuthedToday = decimal.Zero
	}
	if c.LimitPerTx.IsPositive() && amount.GreaterThan(c.LimitPerTx) {
		return ErrCardLimitExceeded
	}
	if c.LimitDaily.IsPositive() && c.AuthedToday.Add(amount).GreaterThan(c.LimitDaily) {
		return ErrCardLimitExceeded
	}

	c.PendingAuth = c.PendingAuth.Add(amount)
	c.AuthedToday = c.AuthedToday.Add(amount)
	return nil
}

// Settle clears a pending authorization after capture or void.
func (c *VirtualCard) Settle(amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PendingAuth = c.PendingAuth.Sub(amount)
	if c.PendingAuth.IsNegative() {
		c.PendingAuth = decimal.Zero
	}
}
