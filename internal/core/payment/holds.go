package payment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/storage/relationaldb"
)

// holdRegistry tracks payment holds through their lifecycle. Like the
// transaction index it is memory-first with an optional repository
// behind it, and the repository is what lets holds survive restarts
// with their expiry and merchant context intact.
type holdRegistry struct {
	mu      sync.RWMutex
	byID    map[string]*PaymentHold
	byAgent map[string][]string

	repo   relationaldb.HoldRepository
	logger *zap.Logger
}

func newHoldRegistry(repo relationaldb.HoldRepository, logger *zap.Logger) *holdRegistry {
	return &holdRegistry{
		byID:    make(map[string]*PaymentHold),
		byAgent: make(map[string][]string),
		repo:    repo,
		logger:  logger,
	}
}

func (r *holdRegistry) insert(ctx context.Context, h *PaymentHold) {
	r.mu.Lock()
	if _, exists := r.byID[h.ID]; !exists && h.AgentID != "" {
		r.byAgent[h.AgentID] = append(r.byAgent[h.AgentID], h.ID)
	}
	r.byID[h.ID] = h
	cp := h.clone()
	r.mu.Unlock()

	r.persist(ctx, cp)
}

func (r *holdRegistry) update(ctx context.Context, id string, mutate func(*PaymentHold)) (*PaymentHold, bool) {
	r.mu.Lock()
	h, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	mutate(h)
	cp := h.clone()
	r.mu.Unlock()

	r.persist(ctx, cp)
	return cp, true
}

// claim takes exclusive ownership of an active hold for a lifecycle
// transition. The caller either moves the hold to a terminal status via
// update or hands it back with unclaim; until then concurrent captures,
// voids and sweeps of the same hold fail their claim.
func (r *holdRegistry) claim(id string) (*PaymentHold, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	if !ok || h.Status != HoldActive || h.inFlight {
		return nil, false
	}
	h.inFlight = true
	return h.clone(), true
}

func (r *holdRegistry) unclaim(id string) {
	r.mu.Lock()
	if h, ok := r.byID[id]; ok {
		h.inFlight = false
	}
	r.mu.Unlock()
}

func (r *holdRegistry) get(id string) (*PaymentHold, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return h.clone(), true
}

func (r *holdRegistry) listByAgent(agentID string) []*PaymentHold {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byAgent[agentID]
	out := make([]*PaymentHold, 0, len(ids))
	for _, id := range ids {
		if h, ok := r.byID[id]; ok {
			out = append(out, h.clone())
		}
	}
	return out
}

// expiredBefore returns active holds whose expiry has passed at the
// given instant.
func (r *holdRegistry) expiredBefore(now time.Time) []*PaymentHold {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*PaymentHold
	for _, h := range r.byID {
		if h.Status == HoldActive && !h.inFlight && !h.ExpiresAt.IsZero() && h.ExpiresAt.Before(now) {
			out = append(out, h.clone())
		}
	}
	return out
}

// restore loads hold state from the repository after a restart. Only
// ACTIVE rows matter operationally, but terminal rows are loaded too so
// lookups against old hold ids keep answering.
func (r *holdRegistry) restore(ctx context.Context) (int, error) {
	if r.repo == nil {
		return 0, nil
	}
	restored := 0
	for _, status := range []HoldStatus{HoldActive, HoldCaptured, HoldVoided, HoldExpired} {
		recs, err := r.repo.ListHoldsByStatus(ctx, string(status))
		if err != nil {
			return restored, err
		}
		r.mu.Lock()
		for _, rec := range recs {
			if _, exists := r.byID[rec.ID]; exists {
				continue
			}
			h := recordToHold(rec)
			r.byID[h.ID] = h
			if h.AgentID != "" {
				r.byAgent[h.AgentID] = append(r.byAgent[h.AgentID], h.ID)
			}
			restored++
		}
		r.mu.Unlock()
	}
	return restored, nil
}

// seed inserts a hold into memory only, without touching the
// repository. Used when rebuilding from ledger state.
func (r *holdRegistry) seed(h *PaymentHold) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[h.ID]; exists {
		return false
	}
	r.byID[h.ID] = h
	if h.AgentID != "" {
		r.byAgent[h.AgentID] = append(r.byAgent[h.AgentID], h.ID)
	}
	return true
}

func (r *holdRegistry) persist(ctx context.Context, h *PaymentHold) {
	if r.repo == nil {
		return
	}
	if err := r.repo.SaveHold(ctx, holdToRecord(h)); err != nil {
		r.logger.Warn("hold record persist failed",
			zap.String("hold_id", h.ID), zap.Error(err))
	}
}

func holdToRecord(h *PaymentHold) *relationaldb.HoldRecord {
	return &relationaldb.HoldRecord{
		ID:          h.ID,
		PaymentID:   h.CapturePaymentID,
		AgentID:     h.AgentID,
		WalletID:    h.WalletID,
		MerchantID:  h.MerchantID,
		Amount:      h.Amount.String(),
		Currency:    h.Currency,
		Status:      string(h.Status),
		Purpose:     h.Purpose,
		LedgerTxID:  h.LedgerTxID,
		CaptureTxID: h.CaptureTxID,
		ExpiresAt:   h.ExpiresAt,
		CapturedAt:  h.CapturedAt,
		VoidedAt:    h.VoidedAt,
		CreatedAt:   h.CreatedAt,
		UpdatedAt:   time.Now().UTC(),
	}
}

func recordToHold(rec *relationaldb.HoldRecord) *PaymentHold {
	return &PaymentHold{
		ID:               rec.ID,
		AgentID:          rec.AgentID,
		WalletID:         rec.WalletID,
		MerchantID:       rec.MerchantID,
		Amount:           mustDecimal(rec.Amount),
		Currency:         rec.Currency,
		Status:           HoldStatus(rec.Status),
		Purpose:          rec.Purpose,
		LedgerTxID:       rec.LedgerTxID,
		CaptureTxID:      rec.CaptureTxID,
		CapturePaymentID: rec.PaymentID,
		CreatedAt:        rec.CreatedAt,
		ExpiresAt:        rec.ExpiresAt,
		CapturedAt:       rec.CapturedAt,
		VoidedAt:         rec.VoidedAt,
	}
}
