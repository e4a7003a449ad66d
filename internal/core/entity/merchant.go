package entity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/core/event"
)

// Merchant is a receiving principal. Receive-side limits are effectively
// unbounded; spend-side behavior is identical to any other wallet owner.
type Merchant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	WalletID  string    `json:"wallet_id"`
	Category  string    `json:"category"`
	Verified  bool      `json:"verified"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MerchantRegistry tracks merchants with soft delete.
type MerchantRegistry struct {
	mu        sync.RWMutex
	merchants map[string]*Merchant
	events    event.Publisher
	logger    *zap.Logger
}

// NewMerchantRegistry creates an empty registry.
func NewMerchantRegistry(events event.Publisher, logger *zap.Logger) *MerchantRegistry {
	if events == nil {
		events = event.NoOpPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MerchantRegistry{
		merchants: make(map[string]*Merchant),
		events:    events,
		logger:    logger,
	}
}

// Create registers an active merchant bound to the given wallet.
func (r *MerchantRegistry) Create(name, ownerID, walletID, category string) *Merchant {
	now := time.Now().UTC()
	m := &Merchant{
		ID:        "merchant_" + uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		WalletID:  walletID,
		Category:  category,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.merchants[m.ID] = m
	r.mu.Unlock()

	r.logger.Info("merchant created",
		zap.String("merchant_id", m.ID),
		zap.String("category", category))
	return cloneMerchant(m)
}

// Get returns a snapshot of the merchant.
func (r *MerchantRegistry) Get(id string) (*Merchant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.merchants[id]
	if !ok {
		return nil, ErrMerchantNotFound
	}
	return cloneMerchant(m), nil
}

// List returns snapshots of all merchants.
func (r *MerchantRegistry) List() []*Merchant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Merchant, 0, len(r.merchants))
	for _, m := range r.merchants {
		out = append(out, cloneMerchant(m))
	}
	return out
}

// SetVerified marks the merchant as identity-verified.
func (r *MerchantRegistry) SetVerified(id string, verified bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.merchants[id]
	if !ok {
		return ErrMerchantNotFound
	}
	m.Verified = verified
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// Deactivate soft-deletes the merchant.
func (r *MerchantRegistry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.merchants[id]
	if !ok {
		return ErrMerchantNotFound
	}
	m.Active = false
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneMerchant(m *Merchant) *Merchant {
	cp := *m
	return &cp
}
