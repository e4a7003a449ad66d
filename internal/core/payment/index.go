package payment

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/storage/relationaldb"
)

// txIndex records every orchestrated payment attempt, terminal failures
// included: a rejected payment is preserved with its error kind rather
// than discarded. Lookups run against memory; a configured repository
// gets every record written through.
type txIndex struct {
	mu         sync.RWMutex
	byID       map[string]*PaymentTransaction
	byLedgerTx map[string]string
	byAgent    map[string][]string

	repo   relationaldb.TransactionRepository
	logger *zap.Logger
}

func newTxIndex(repo relationaldb.TransactionRepository, logger *zap.Logger) *txIndex {
	return &txIndex{
		byID:       make(map[string]*PaymentTransaction),
		byLedgerTx: make(map[string]string),
		byAgent:    make(map[string][]string),
		repo:       repo,
		logger:     logger,
	}
}

// insert registers a new payment record. Inserting an existing id
// replaces the record in place without duplicating the agent index.
func (i *txIndex) insert(ctx context.Context, p *PaymentTransaction) {
	i.mu.Lock()
	if _, exists := i.byID[p.ID]; !exists && p.AgentID != "" {
		i.byAgent[p.AgentID] = append(i.byAgent[p.AgentID], p.ID)
	}
	i.byID[p.ID] = p
	if p.LedgerTxID != "" {
		i.byLedgerTx[p.LedgerTxID] = p.ID
	}
	cp := p.clone()
	i.mu.Unlock()

	i.persist(ctx, cp)
}

// update mutates a payment record under the index lock and writes the
// new state through. Unknown ids are ignored.
func (i *txIndex) update(ctx context.Context, id string, mutate func(*PaymentTransaction)) (*PaymentTransaction, bool) {
	i.mu.Lock()
	p, ok := i.byID[id]
	if !ok {
		i.mu.Unlock()
		return nil, false
	}
	mutate(p)
	if p.LedgerTxID != "" {
		i.byLedgerTx[p.LedgerTxID] = p.ID
	}
	cp := p.clone()
	i.mu.Unlock()

	i.persist(ctx, cp)
	return cp, true
}

// resolve accepts either a payment id or a committed ledger transaction
// id and returns the payment record. Memory misses fall through to the
// repository, so payments committed before a restart stay refundable.
func (i *txIndex) resolve(ctx context.Context, id string) (*PaymentTransaction, bool) {
	i.mu.RLock()
	p, ok := i.byID[id]
	if !ok {
		if paymentID, mapped := i.byLedgerTx[id]; mapped {
			p, ok = i.byID[paymentID]
		}
	}
	if ok {
		cp := p.clone()
		i.mu.RUnlock()
		return cp, true
	}
	i.mu.RUnlock()

	if i.repo == nil {
		return nil, false
	}
	rec, err := i.repo.GetTransaction(ctx, id)
	if err != nil {
		rec, err = i.repo.GetTransactionByLedgerTx(ctx, id)
	}
	if err != nil || rec == nil {
		return nil, false
	}
	p = recordToPayment(rec)
	i.seed(p)
	return p.clone(), true
}

// seed inserts a repository row into memory without writing it back.
func (i *txIndex) seed(p *PaymentTransaction) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.byID[p.ID]; exists {
		return
	}
	i.byID[p.ID] = p
	if p.AgentID != "" {
		i.byAgent[p.AgentID] = append(i.byAgent[p.AgentID], p.ID)
	}
	if p.LedgerTxID != "" {
		i.byLedgerTx[p.LedgerTxID] = p.ID
	}
}

// listByAgent returns an agent's payment attempts newest first. An agent
// with no attempts in memory is looked up in the repository.
func (i *txIndex) listByAgent(ctx context.Context, agentID string, limit, offset int) []*PaymentTransaction {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	i.mu.RLock()
	ids := i.byAgent[agentID]
	var out []*PaymentTransaction
	if offset < len(ids) {
		out = make([]*PaymentTransaction, 0, min(limit, len(ids)-offset))
		for n := len(ids) - 1 - offset; n >= 0 && len(out) < limit; n-- {
			if p, ok := i.byID[ids[n]]; ok {
				out = append(out, p.clone())
			}
		}
	}
	known := len(ids)
	i.mu.RUnlock()

	if known == 0 && i.repo != nil {
		recs, err := i.repo.ListTransactionsByAgent(ctx, agentID, limit, offset)
		if err != nil {
			i.logger.Warn("payment record list failed",
				zap.String("agent_id", agentID), zap.Error(err))
			return out
		}
		for _, rec := range recs {
			out = append(out, recordToPayment(rec))
		}
	}
	return out
}

// persist writes the record through to the repository. Failures are
// logged and swallowed: the in-memory index stays authoritative and the
// payment outcome is already decided.
func (i *txIndex) persist(ctx context.Context, p *PaymentTransaction) {
	if i.repo == nil {
		return
	}
	if err := i.repo.SaveTransaction(ctx, paymentToRecord(p)); err != nil {
		i.logger.Warn("payment record persist failed",
			zap.String("payment_id", p.ID), zap.Error(err))
	}
}

func paymentToRecord(p *PaymentTransaction) *relationaldb.PaymentRecord {
	rec := &relationaldb.PaymentRecord{
		ID:             p.ID,
		IdempotencyKey: p.IdempotencyKey,
		AgentID:        p.AgentID,
		WalletID:       p.WalletID,
		RecipientID:    p.RecipientID,
		MerchantID:     p.MerchantID,
		Amount:         p.Amount.String(),
		Fee:            p.Fee.String(),
		Currency:       p.Currency,
		Status:         string(p.Status),
		FailureReason:  p.ErrorKind,
		LedgerTxID:     p.LedgerTxID,
		RefundedAmount: p.Refunded.String(),
		Purpose:        p.Purpose,
		SettledOnChain: p.SettledOnChain,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if len(p.OnChain) > 0 {
		if doc, err := json.Marshal(p.OnChain); err == nil {
			rec.Settlement = doc
		}
	}
	return rec
}

func recordToPayment(rec *relationaldb.PaymentRecord) *PaymentTransaction {
	p := &PaymentTransaction{
		ID:             rec.ID,
		LedgerTxID:     rec.LedgerTxID,
		AgentID:        rec.AgentID,
		WalletID:       rec.WalletID,
		RecipientID:    rec.RecipientID,
		MerchantID:     rec.MerchantID,
		Amount:         mustDecimal(rec.Amount),
		Fee:            mustDecimal(rec.Fee),
		Currency:       rec.Currency,
		Status:         Status(rec.Status),
		ErrorKind:      rec.FailureReason,
		Purpose:        rec.Purpose,
		IdempotencyKey: rec.IdempotencyKey,
		Refunded:       mustDecimal(rec.RefundedAmount),
		SettledOnChain: rec.SettledOnChain,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if len(rec.Settlement) > 0 {
		_ = json.Unmarshal(rec.Settlement, &p.OnChain)
	}
	return p
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
