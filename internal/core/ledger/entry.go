// Package ledger implements the append-only double-entry ledger at the core
// of the platform. Balances mutate only through atomically committed,
// hash-chained entries; every other balance view is a cache derived from the
// entry log.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDebit   EntryType = "DEBIT"
	EntryCredit  EntryType = "CREDIT"
	EntryFee     EntryType = "FEE"
	EntryRefund  EntryType = "REFUND"
	EntryHold    EntryType = "HOLD"
	EntryRelease EntryType = "RELEASE"
)

// EntryStatus is the lifecycle state of an entry. Entries commit as
// CONFIRMED; VOID is an annotation applied to HOLD entries when the hold is
// voided and never changes checksummed content.
type EntryStatus string

const (
	StatusPending   EntryStatus = "PENDING"
	StatusConfirmed EntryStatus = "CONFIRMED"
	StatusVoid      EntryStatus = "VOID"
)

// GenesisChecksum seeds the hash chain before the first entry.
const GenesisChecksum = "genesis"

// Entry is the atomic unit of the ledger. Once committed its checksummed
// fields are immutable.
type Entry struct {
	ID            string          `json:"id"`
	TxID          string          `json:"tx_id"`
	Type          EntryType       `json:"type"`
	Status        EntryStatus     `json:"status"`
	WalletID      string          `json:"wallet_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	CounterpartID string          `json:"counterpart_id,omitempty"`
	Description   string          `json:"description,omitempty"`
	Sequence      uint64          `json:"sequence"`
	PrevChecksum  string          `json:"prev_checksum"`
	Checksum      string          `json:"checksum"`
	CreatedAt     time.Time       `json:"created_at"`
}

// newEntry stages an entry for commit. Sequence, checksums, and the
// CONFIRMED status are assigned inside the commit critical section.
func newEntry(t EntryType, walletID string, amount decimal.Decimal, currency, description string) *Entry {
	return &Entry{
		ID:          "entry_" + uuid.NewString(),
		Type:        t,
		Status:      StatusPending,
		WalletID:    walletID,
		Currency:    currency,
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
}

// ComputeChecksum derives the chain checksum for an entry from its
// predecessor's checksum and the entry's committed content. The input is the
// straight concatenation of the chained fields; amounts use their canonical
// decimal rendering.
func ComputeChecksum(prev string, e *Entry) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte(e.Type))
	h.Write([]byte(e.WalletID))
	h.Write([]byte(e.Amount.String()))
	h.Write([]byte(e.Currency))
	h.Write([]byte(strconv.FormatUint(e.Sequence, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// signedAmount is the entry's effect on its wallet's balance. HOLD and
// RELEASE move funds between available and held without touching the
// balance, so their balance effect is zero.
func (e *Entry) signedAmount() decimal.Decimal {
	switch e.Type {
	case EntryDebit:
		return e.Amount.Neg()
	case EntryCredit, EntryRefund, EntryFee:
		return e.Amount
	default:
		return decimal.Zero
	}
}

// heldDelta is the entry's effect on its wallet's held amount. The
// contribution ignores the status annotation: a voided hold is neutralized
// by its RELEASE entry, not by re-reading the HOLD.
func (e *Entry) heldDelta() decimal.Decimal {
	switch e.Type {
	case EntryHold:
		return e.Amount
	case EntryRelease:
		return e.Amount.Neg()
	default:
		return decimal.Zero
	}
}

// clone returns a copy safe to hand to callers.
func (e *Entry) clone() *Entry {
	cp := *e
	return &cp
}
