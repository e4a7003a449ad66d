// Package entity holds the semantic containers consumed by the ledger,
// policy and payment layers: wallets, agents, merchants and virtual cards.
// Monetary balances live in the ledger engine; a wallet carries identity,
// spending caps and the reservation counter.
package entity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/core/event"
)

// OwnerType distinguishes the principal behind a wallet.
type OwnerType string

const (
	OwnerAgent    OwnerType = "agent"
	OwnerMerchant OwnerType = "merchant"
)

// Wallet is the spending container for one principal. Balance per currency
// is derived from the ledger; SpentTotal tracks cumulative spend plus any
// active reservations and only decreases when a reservation is released.
type Wallet struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	OwnerType  OwnerType       `json:"owner_type"`
	LimitPerTx decimal.Decimal `json:"limit_per_tx"` // zero means uncapped
	LimitTotal decimal.Decimal `json:"limit_total"`  // zero means uncapped
	SpentTotal decimal.Decimal `json:"spent_total"`
	Active     bool            `json:"active"`
	Card       *VirtualCard    `json:"card,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// clone copies the wallet fields. The card pointer is shared: VirtualCard
// carries its own lock and authorization state must not fork.
func (w *Wallet) clone() *Wallet {
	cp := *w
	return &cp
}

// WalletRegistry owns every wallet in the process. All mutation goes
// through registry methods under the registry lock; Get returns snapshots.
type WalletRegistry struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
	events  event.Publisher
	logger  *zap.Logger
}

// NewWalletRegistry creates an empty registry.
func NewWalletRegistry(events event.Publisher, logger *zap.Logger) *WalletRegistry {
	if events == nil {
		events = event.NoOpPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletRegistry{
		wallets: make(map[string]*Wallet),
		events:  events,
		logger:  logger,
	}
}

// Create registers a new active wallet for the given principal.
func (r *WalletRegistry) Create(ownerID string, ownerType OwnerType) *Wallet {
	now := time.Now().UTC()
	w := &Wallet{
		ID:        "wallet_" + uuid.NewString(),
		OwnerID:   ownerID,
		OwnerType: ownerType,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.wallets[w.ID] = w
	r.mu.Unlock()

	r.logger.Info("wallet created",
		zap.String("wallet_id", w.ID),
		zap.String("owner_id", ownerID),
		zap.String("owner_type", string(ownerType)))
	r.events.Publish(event.New(event.TypeWalletCreated, map[string]any{
		"wallet_id":  w.ID,
		"owner_id":   ownerID,
		"owner_type": string(ownerType),
	}))
	return w.clone()
}

// Get returns a snapshot of the wallet.
func (r *WalletRegistry) Get(id string) (*Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w.clone(), nil
}

// Exists reports whether a wallet id is registered.
func (r *WalletRegistry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.wallets[id]
	return ok
}

// List returns snapshots of all wallets.
func (r *WalletRegistry) List() []*Wallet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Wallet, 0, len(r.wallets))
	for _, w := range r.wallets {
		out = append(out, w.clone())
	}
	return out
}

// SetLimits updates the wallet spending caps. Zero disables a cap.
func (r *WalletRegistry) SetLimits(id string, perTx, total decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.LimitPerTx = perTx
	w.LimitTotal = total
	w.UpdatedAt = time.Now().UTC()

	r.events.Publish(event.New(event.TypeLimitUpdated, map[string]any{
		"wallet_id":    id,
		"limit_per_tx": perTx,
		"limit_total":  total,
	}))
	return nil
}

// CheckLimits verifies a prospective spend against the wallet caps on the
// live counter. It is the orchestrator's last guard before the ledger
// commit, closing the race between policy evaluation and commit.
func (r *WalletRegistry) CheckLimits(id string, amount decimal.Decimal) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	if !w.Active {
		return ErrWalletInactive
	}
	if w.LimitPerTx.IsPositive() && amount.GreaterThan(w.LimitPerTx) {
		return ErrPerTxLimitExceeded
	}
	if w.LimitTotal.IsPositive() && w.SpentTotal.Add(amount).GreaterThan(w.LimitTotal) {
		return ErrTotalLimitExceeded
	}
	return nil
}

// AddSpent records a confirmed spend against the wallet counter.
func (r *WalletRegistry) AddSpent(id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.SpentTotal = w.SpentTotal.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// ReserveSpend applies a hold reservation to the wallet counter.
func (r *WalletRegistry) ReserveSpend(id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	if !w.Active {
		return ErrWalletInactive
	}
	w.SpentTotal = w.SpentTotal.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// ReleaseSpend reverses a reservation previously applied with ReserveSpend.
// The counter never goes negative.
func (r *WalletRegistry) ReleaseSpend(id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.SpentTotal = w.SpentTotal.Sub(amount)
	if w.SpentTotal.IsNegative() {
		w.SpentTotal = decimal.Zero
	}
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// AttachCard binds a virtual card to the wallet.
func (r *WalletRegistry) AttachCard(id string, card *VirtualCard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	card.WalletID = id
	w.Card = card
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// Deactivate soft-deletes the wallet. Entries referencing it remain valid.
func (r *WalletRegistry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	if !w.Active {
		return nil
	}
	w.Active = false
	w.UpdatedAt = time.Now().UTC()

	r.events.Publish(event.New(event.TypeWalletDeactivated, map[string]any{
		"wallet_id": id,
	}))
	return nil
}
