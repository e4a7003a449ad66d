package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/core/entity"
	"github.com/sardislabs/sardisd/internal/core/event"
	"github.com/sardislabs/sardisd/internal/core/ledger"
	"github.com/sardislabs/sardisd/internal/core/policy"
	"github.com/sardislabs/sardisd/internal/core/risk"
)

// PayRequest describes a direct wallet-to-wallet payment.
type PayRequest struct {
	AgentID         string
	Amount          decimal.Decimal
	RecipientWallet string
	Currency        string
	Purpose         string
	Scope           policy.Scope
	IdempotencyKey  string

	// DriftScore is the caller-computed goal drift for this payment.
	// Policies with a drift cap deny when it is exceeded; nil skips the
	// check.
	DriftScore *float64

	// merchantID is set internally by PayMerchant and CaptureHold so the
	// whole merchant flow rides through one pipeline.
	merchantID string
}

// MerchantPayRequest describes a payment to a registered merchant.
type MerchantPayRequest struct {
	AgentID        string
	MerchantID     string
	Amount         decimal.Decimal
	Currency       string
	Purpose        string
	Scope          policy.Scope
	IdempotencyKey string
	DriftScore     *float64
}

// payContext carries one attempt through validation, gating and commit.
type payContext struct {
	paymentID string
	payType   string
	req       *PayRequest

	agent    *entity.Agent
	merchant *entity.Merchant
	category string
	fee      decimal.Decimal
	total    decimal.Decimal

	// approvalExempt skips the pending-approval gate: captures carry the
	// hold as their pre-authorization, and resumed approvals were already
	// signed off.
	approvalExempt bool

	// indexed marks that the transaction index already has this payment
	// (an approval resume), so outcomes update rather than insert.
	indexed bool
}

func (pc *payContext) walletID() string {
	if pc.agent != nil {
		return pc.agent.WalletID
	}
	return ""
}

func (pc *payContext) scope() policy.Scope {
	if pc.req.Scope != "" {
		return pc.req.Scope
	}
	return policy.ScopePayments
}

func newPaymentID() string { return "pay_" + uuid.NewString() }

// Pay executes a wallet-to-wallet payment. It never returns a Go error:
// every outcome, including invariant violations, is a PaymentResult.
//
// With an idempotency key, a repeat call inside the 24 h TTL returns the
// original result verbatim and commits nothing; concurrent calls sharing
// a key collapse into a single execution.
func (o *Orchestrator) Pay(ctx context.Context, req *PayRequest) *PaymentResult {
	if req == nil {
		return &PaymentResult{
			Success:   false,
			Status:    StatusFailed,
			ErrorKind: ErrKindInternal,
			Message:   "nil payment request",
			CreatedAt: time.Now().UTC(),
		}
	}
	r := *req
	r.Currency = normalizeCurrency(r.Currency)
	payType := payTypeTransfer
	if r.merchantID != "" {
		payType = payTypeMerchant
	}

	if r.IdempotencyKey == "" {
		return o.executePay(ctx, &r, payType)
	}

	if cached, ok := o.idem.get(r.IdempotencyKey); ok {
		o.countPayment(payType, outcomeReplayed)
		o.logger.Debug("idempotent replay",
			zap.String("idempotency_key", r.IdempotencyKey),
			zap.String("payment_id", cached.PaymentID))
		return cached
	}

	v, _, shared := o.flight.Do(r.IdempotencyKey, func() (any, error) {
		if cached, ok := o.idem.get(r.IdempotencyKey); ok {
			return cached, nil
		}
		return o.executePay(ctx, &r, payType), nil
	})
	if shared {
		o.countPayment(payType, outcomeReplayed)
	}
	return v.(*PaymentResult)
}

// PayMerchant resolves the merchant's wallet and runs the standard
// payment pipeline against it.
func (o *Orchestrator) PayMerchant(ctx context.Context, req *MerchantPayRequest) *PaymentResult {
	if req == nil {
		return o.Pay(ctx, nil)
	}
	return o.Pay(ctx, &PayRequest{
		AgentID:        req.AgentID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Purpose:        req.Purpose,
		Scope:          req.Scope,
		IdempotencyKey: req.IdempotencyKey,
		DriftScore:     req.DriftScore,
		merchantID:     req.MerchantID,
	})
}

func (o *Orchestrator) executePay(ctx context.Context, req *PayRequest, payType string) *PaymentResult {
	pc := &payContext{
		paymentID: newPaymentID(),
		payType:   payType,
		req:       req,
	}
	if res := o.validatePay(ctx, pc); res != nil {
		return res
	}

	o.emit(event.TypePaymentInitiated, o.paymentEventData(pc, nil))

	if res := o.runGates(ctx, pc); res != nil {
		return res
	}
	return o.commitTransfer(ctx, pc)
}

// validatePay resolves the parties and prices the fee. A non-nil result
// is the terminal failure.
func (o *Orchestrator) validatePay(ctx context.Context, pc *payContext) *PaymentResult {
	req := pc.req
	if !req.Amount.IsPositive() {
		return o.failPay(ctx, pc, ErrKindInvalidAmount, "amount must be positive", outcomeFailed)
	}

	agent, err := o.agents.Get(req.AgentID)
	if err != nil {
		return o.failPay(ctx, pc, ErrKindAgentNotFound, err.Error(), outcomeFailed)
	}
	if !agent.Active {
		return o.failPay(ctx, pc, ErrKindAgentNotFound, "agent is not active", outcomeFailed)
	}
	pc.agent = agent

	wallet, err := o.wallets.Get(agent.WalletID)
	if err != nil {
		return o.failPay(ctx, pc, ErrKindWalletNotFound, err.Error(), outcomeFailed)
	}
	if !wallet.Active {
		return o.failPay(ctx, pc, ErrKindWalletNotFound, "wallet is not active", outcomeFailed)
	}

	if req.merchantID != "" {
		m, err := o.merchants.Get(req.merchantID)
		if err != nil {
			return o.failPay(ctx, pc, ErrKindMerchantNotFound, err.Error(), outcomeFailed)
		}
		if !m.Active {
			return o.failPay(ctx, pc, ErrKindMerchantNotFound, "merchant is not active", outcomeFailed)
		}
		pc.merchant = m
		pc.category = m.Category
		req.RecipientWallet = m.WalletID
		o.risk.EnsureMerchant(m.ID, m.CreatedAt, m.Verified)
	}

	if req.RecipientWallet == "" || !o.wallets.Exists(req.RecipientWallet) {
		return o.failPay(ctx, pc, ErrKindWalletNotFound, "recipient wallet not found", outcomeFailed)
	}

	pc.fee = o.feeFor(req.Amount, req.Currency)
	pc.total = req.Amount.Add(pc.fee)
	return nil
}

// runGates applies the policy, risk and wallet-cap gates in order. A
// non-nil result short-circuits the payment; nil means cleared to commit.
func (o *Orchestrator) runGates(ctx context.Context, pc *payContext) *PaymentResult {
	pol, err := o.checkPolicy(ctx, &policy.CheckRequest{
		AgentID:          pc.req.AgentID,
		Amount:           pc.total,
		MerchantID:       pc.req.merchantID,
		MerchantCategory: pc.category,
		Scope:            pc.scope(),
		DriftScore:       pc.req.DriftScore,
	})
	if err != nil {
		return o.failPay(ctx, pc, ErrKindInternal, err.Error(), outcomeFailed)
	}
	if !pol.Allowed {
		return o.failPay(ctx, pc, pol.Reason, pol.Message, outcomeDenied)
	}

	assessment := o.risk.Evaluate(&risk.PaymentContext{
		AgentID:          pc.req.AgentID,
		WalletID:         pc.agent.WalletID,
		RecipientID:      pc.req.RecipientWallet,
		Amount:           pc.req.Amount,
		Currency:         pc.req.Currency,
		MerchantID:       pc.req.merchantID,
		MerchantCategory: pc.category,
	})
	o.countRiskDecision(assessment.Decision)

	switch assessment.Decision {
	case risk.DecisionDeny:
		o.emit(event.TypeFraudDetected, map[string]any{
			"payment_id": pc.paymentID,
			"agent_id":   pc.req.AgentID,
			"score":      assessment.Score,
			"factors":    assessment.Factors,
			"amount":     pc.req.Amount.String(),
			"currency":   pc.req.Currency,
		})
		return o.failPay(ctx, pc, ErrKindRiskDenied, "risk pipeline denied the payment", outcomeDenied)
	case risk.DecisionReview:
		o.emit(event.TypeRiskAlert, map[string]any{
			"payment_id": pc.paymentID,
			"agent_id":   pc.req.AgentID,
			"score":      assessment.Score,
			"factors":    assessment.Factors,
			"decision":   string(assessment.Decision),
		})
		if pol.RequiresApproval && !pc.approvalExempt {
			return o.parkForApproval(ctx, pc, assessment)
		}
	}

	// Last guard before commit: the live wallet counter closes the race
	// between policy evaluation and the ledger mutation.
	if err := o.wallets.CheckLimits(pc.agent.WalletID, pc.total); err != nil {
		return o.failPay(ctx, pc, kindForError(err), err.Error(), outcomeFailed)
	}
	return nil
}

func (o *Orchestrator) commitTransfer(ctx context.Context, pc *payContext) *PaymentResult {
	opts := []ledger.TxOption{ledger.WithPaymentID(pc.paymentID)}
	if pc.req.Purpose != "" {
		opts = append(opts, ledger.WithDescription(pc.req.Purpose))
	}
	if pc.fee.IsPositive() {
		opts = append(opts, ledger.WithFee(pc.fee, o.feeWallet))
	}

	start := time.Now()
	tx, err := o.ledger.Transfer(pc.agent.WalletID, pc.req.RecipientWallet, pc.req.Amount, pc.req.Currency, opts...)
	o.observeCommit(start)
	if err != nil {
		o.recordAttemptOutcome(pc, false)
		return o.failPay(ctx, pc, kindForError(err), err.Error(), outcomeFailed)
	}
	return o.completePayment(ctx, pc, tx)
}

// completePayment runs the post-commit bookkeeping: counters, policy
// windows, risk profile, the payment record, events and settlement.
func (o *Orchestrator) completePayment(ctx context.Context, pc *payContext, tx *ledger.Transaction) *PaymentResult {
	now := time.Now().UTC()

	if err := o.wallets.AddSpent(pc.agent.WalletID, pc.total); err != nil {
		o.logger.Warn("spent counter update failed",
			zap.String("wallet_id", pc.agent.WalletID), zap.Error(err))
	}
	if err := o.policies.RecordSpend(ctx, pc.req.AgentID, pc.total); err != nil {
		o.logger.Warn("policy spend record failed",
			zap.String("agent_id", pc.req.AgentID), zap.Error(err))
	}
	o.recordAttemptOutcome(pc, true)

	var record *PaymentTransaction
	if pc.indexed {
		record, _ = o.txs.update(ctx, pc.paymentID, func(p *PaymentTransaction) {
			p.LedgerTxID = tx.ID
			p.Status = StatusCompleted
			p.ErrorKind = ""
			p.Fee = pc.fee
			p.UpdatedAt = now
		})
	} else {
		record = o.newRecord(pc, StatusCompleted, "", tx.ID, now)
		o.txs.insert(ctx, record)
	}

	res := &PaymentResult{
		Success:        true,
		PaymentID:      pc.paymentID,
		Status:         StatusCompleted,
		TransactionID:  tx.ID,
		AgentID:        pc.req.AgentID,
		FromWallet:     pc.agent.WalletID,
		ToWallet:       pc.req.RecipientWallet,
		MerchantID:     pc.req.merchantID,
		Amount:         pc.req.Amount,
		Fee:            pc.fee,
		Currency:       pc.req.Currency,
		Purpose:        pc.req.Purpose,
		IdempotencyKey: pc.req.IdempotencyKey,
		CreatedAt:      now,
	}
	o.cache(res)
	o.countPayment(pc.payType, outcomeCompleted)
	o.emit(event.TypePaymentCompleted, o.paymentEventData(pc, tx))
	if record != nil {
		o.submitSettlement(record)
	}

	o.logger.Info("payment completed",
		zap.String("payment_id", pc.paymentID),
		zap.String("tx_id", tx.ID),
		zap.String("agent_id", pc.req.AgentID),
		zap.String("amount", pc.req.Amount.String()),
		zap.String("fee", pc.fee.String()),
		zap.String("currency", pc.req.Currency))
	return res
}

// failPay records a terminal failure: the payment record, the idempotency
// cache, metrics and the failure events.
func (o *Orchestrator) failPay(ctx context.Context, pc *payContext, kind, message, outcome string) *PaymentResult {
	now := time.Now().UTC()

	if pc.indexed {
		o.txs.update(ctx, pc.paymentID, func(p *PaymentTransaction) {
			p.Status = StatusFailed
			p.ErrorKind = kind
			p.UpdatedAt = now
		})
	} else {
		o.txs.insert(ctx, o.newRecord(pc, StatusFailed, kind, "", now))
	}

	res := &PaymentResult{
		Success:        false,
		PaymentID:      pc.paymentID,
		Status:         StatusFailed,
		AgentID:        pc.req.AgentID,
		FromWallet:     pc.walletID(),
		ToWallet:       pc.req.RecipientWallet,
		MerchantID:     pc.req.merchantID,
		Amount:         pc.req.Amount,
		Fee:            pc.fee,
		Currency:       pc.req.Currency,
		Purpose:        pc.req.Purpose,
		ErrorKind:      kind,
		Message:        message,
		IdempotencyKey: pc.req.IdempotencyKey,
		CreatedAt:      now,
	}
	o.cache(res)
	o.countPayment(pc.payType, outcome)

	o.emit(event.TypePaymentFailed, map[string]any{
		"payment_id": pc.paymentID,
		"agent_id":   pc.req.AgentID,
		"error":      kind,
		"message":    message,
		"amount":     pc.req.Amount.String(),
		"currency":   pc.req.Currency,
	})
	if isLimitKind(kind) {
		o.emit(event.TypeLimitExceeded, map[string]any{
			"agent_id": pc.req.AgentID,
			"limit":    kind,
			"amount":   pc.req.Amount.String(),
			"currency": pc.req.Currency,
		})
	}

	o.logger.Info("payment failed",
		zap.String("payment_id", pc.paymentID),
		zap.String("agent_id", pc.req.AgentID),
		zap.String("error", kind),
		zap.String("amount", pc.req.Amount.String()))
	return res
}

// parkForApproval parks the payment and returns PENDING_APPROVAL. The
// idempotency cache holds the pending result until the approval resolves,
// at which point the terminal result replaces it under the same key.
func (o *Orchestrator) parkForApproval(ctx context.Context, pc *payContext, a *risk.Assessment) *PaymentResult {
	approvalID := "appr_" + uuid.NewString()
	now := time.Now().UTC()

	reqCopy := *pc.req
	o.approvalMu.Lock()
	o.approvals[approvalID] = &pendingApproval{
		paymentID: pc.paymentID,
		req:       &reqCopy,
		createdAt: now,
	}
	o.approvalMu.Unlock()

	record := o.newRecord(pc, StatusPendingApproval, "", "", now)
	record.ApprovalID = approvalID
	o.txs.insert(ctx, record)

	res := &PaymentResult{
		Success:        false,
		PaymentID:      pc.paymentID,
		Status:         StatusPendingApproval,
		ApprovalID:     approvalID,
		AgentID:        pc.req.AgentID,
		FromWallet:     pc.walletID(),
		ToWallet:       pc.req.RecipientWallet,
		MerchantID:     pc.req.merchantID,
		Amount:         pc.req.Amount,
		Fee:            pc.fee,
		Currency:       pc.req.Currency,
		Purpose:        pc.req.Purpose,
		IdempotencyKey: pc.req.IdempotencyKey,
		CreatedAt:      now,
	}
	o.cache(res)
	o.countPayment(pc.payType, outcomePending)

	o.logger.Info("payment parked for approval",
		zap.String("payment_id", pc.paymentID),
		zap.String("approval_id", approvalID),
		zap.String("agent_id", pc.req.AgentID),
		zap.Float64("risk_score", a.Score))
	return res
}

// ResolveApproval settles a parked payment. Approving re-runs the gates
// (conditions may have drifted while the human decided) and commits;
// denying marks the payment failed. Either way the terminal result
// replaces the pending one under the original idempotency key.
func (o *Orchestrator) ResolveApproval(ctx context.Context, approvalID string, approve bool) *PaymentResult {
	o.approvalMu.Lock()
	pending, ok := o.approvals[approvalID]
	if ok {
		delete(o.approvals, approvalID)
	}
	o.approvalMu.Unlock()

	if !ok {
		return &PaymentResult{
			Success:   false,
			Status:    StatusFailed,
			ErrorKind: ErrKindInternal,
			Message:   "unknown approval id " + approvalID,
			CreatedAt: time.Now().UTC(),
		}
	}

	payType := payTypeTransfer
	if pending.req.merchantID != "" {
		payType = payTypeMerchant
	}
	pc := &payContext{
		paymentID:      pending.paymentID,
		payType:        payType,
		req:            pending.req,
		approvalExempt: true,
		indexed:        true,
	}

	if !approve {
		o.logger.Info("approval denied",
			zap.String("approval_id", approvalID),
			zap.String("payment_id", pending.paymentID))
		return o.failPay(ctx, pc, ErrKindApprovalDenied, "payment was denied by the approver", outcomeDenied)
	}

	if res := o.validatePay(ctx, pc); res != nil {
		return res
	}
	if res := o.runGates(ctx, pc); res != nil {
		return res
	}
	return o.commitTransfer(ctx, pc)
}

// recordAttemptOutcome folds a post-gate attempt into the agent's risk
// profile. Gate rejections never reach here, so denied traffic does not
// distort behavior baselines.
func (o *Orchestrator) recordAttemptOutcome(pc *payContext, succeeded bool) {
	o.risk.RecordOutcome(pc.req.AgentID, risk.Outcome{
		Amount:      pc.req.Amount,
		RecipientID: pc.req.RecipientWallet,
		MerchantID:  pc.req.merchantID,
		Category:    pc.category,
		Succeeded:   succeeded,
		At:          time.Now().UTC(),
	})
}

func (o *Orchestrator) newRecord(pc *payContext, status Status, kind, ledgerTxID string, now time.Time) *PaymentTransaction {
	return &PaymentTransaction{
		ID:             pc.paymentID,
		LedgerTxID:     ledgerTxID,
		AgentID:        pc.req.AgentID,
		WalletID:       pc.walletID(),
		RecipientID:    pc.req.RecipientWallet,
		MerchantID:     pc.req.merchantID,
		Amount:         pc.req.Amount,
		Fee:            pc.fee,
		Currency:       pc.req.Currency,
		Status:         status,
		ErrorKind:      kind,
		Purpose:        pc.req.Purpose,
		IdempotencyKey: pc.req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// paymentEventData builds the shared payload for payment.initiated and
// payment.completed.
func (o *Orchestrator) paymentEventData(pc *payContext, tx *ledger.Transaction) map[string]any {
	data := map[string]any{
		"payment_id":  pc.paymentID,
		"agent_id":    pc.req.AgentID,
		"from_wallet": pc.walletID(),
		"to_wallet":   pc.req.RecipientWallet,
		"amount":      pc.req.Amount.String(),
		"fee":         pc.fee.String(),
		"currency":    pc.req.Currency,
	}
	if pc.req.merchantID != "" {
		data["merchant_id"] = pc.req.merchantID
	}
	if pc.req.Purpose != "" {
		data["purpose"] = pc.req.Purpose
	}
	if tx != nil {
		data["transaction_id"] = tx.ID
	}
	return data
}
