package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/core/event"
	"github.com/sardislabs/sardisd/internal/core/ledger"
	"github.com/sardislabs/sardisd/internal/core/policy"
)

// HoldRequest describes an authorization hold against an agent wallet in
// favor of a merchant.
type HoldRequest struct {
	AgentID    string
	MerchantID string
	Amount     decimal.Decimal
	Currency   string
	Purpose    string
	Scope      policy.Scope

	// DriftScore is the caller-computed goal drift, checked against the
	// policy's drift cap when both are set.
	DriftScore *float64

	// ExpirationHours bounds the hold lifetime; zero applies the
	// orchestrator default.
	ExpirationHours int
}

// CaptureRequest settles part or all of an active hold.
type CaptureRequest struct {
	HoldID string

	// Amount is the captured portion; zero captures the full hold amount.
	Amount decimal.Decimal

	Purpose string
}

// CreateHold reserves funds against an agent wallet without debiting
// them. The reservation passes policy and wallet-cap gates on the fee-
// inclusive total, but only the hold amount itself is reserved; the fee
// is charged at capture.
func (o *Orchestrator) CreateHold(ctx context.Context, req *HoldRequest) *HoldResult {
	if req == nil {
		return &HoldResult{
			Success:   false,
			ErrorKind: ErrKindInternal,
			Message:   "nil hold request",
			CreatedAt: time.Now().UTC(),
		}
	}
	currency := normalizeCurrency(req.Currency)

	if !req.Amount.IsPositive() {
		return o.failHold(req, currency, ErrKindInvalidAmount, "amount must be positive")
	}

	agent, err := o.agents.Get(req.AgentID)
	if err != nil {
		return o.failHold(req, currency, ErrKindAgentNotFound, err.Error())
	}
	if !agent.Active {
		return o.failHold(req, currency, ErrKindAgentNotFound, "agent is not active")
	}
	wallet, err := o.wallets.Get(agent.WalletID)
	if err != nil {
		return o.failHold(req, currency, ErrKindWalletNotFound, err.Error())
	}
	if !wallet.Active {
		return o.failHold(req, currency, ErrKindWalletNotFound, "wallet is not active")
	}
	m, err := o.merchants.Get(req.MerchantID)
	if err != nil {
		return o.failHold(req, currency, ErrKindMerchantNotFound, err.Error())
	}
	if !m.Active {
		return o.failHold(req, currency, ErrKindMerchantNotFound, "merchant is not active")
	}
	o.risk.EnsureMerchant(m.ID, m.CreatedAt, m.Verified)

	fee := o.feeFor(req.Amount, currency)
	total := req.Amount.Add(fee)

	scope := req.Scope
	if scope == "" {
		scope = policy.ScopePayments
	}
	pol, err := o.checkPolicy(ctx, &policy.CheckRequest{
		AgentID:          req.AgentID,
		Amount:           total,
		MerchantID:       m.ID,
		MerchantCategory: m.Category,
		Scope:            scope,
		DriftScore:       req.DriftScore,
	})
	if err != nil {
		return o.failHold(req, currency, ErrKindInternal, err.Error())
	}
	if !pol.Allowed {
		return o.failHold(req, currency, pol.Reason, pol.Message)
	}
	if err := o.wallets.CheckLimits(agent.WalletID, total); err != nil {
		return o.failHold(req, currency, kindForError(err), err.Error())
	}

	expiry := o.holdExpiry
	if req.ExpirationHours > 0 {
		expiry = time.Duration(req.ExpirationHours) * time.Hour
	}
	now := time.Now().UTC()
	expiresAt := now.Add(expiry)
	holdID := "hold_" + uuid.NewString()

	if err := o.wallets.ReserveSpend(agent.WalletID, req.Amount); err != nil {
		return o.failHold(req, currency, kindForError(err), err.Error())
	}

	opts := []ledger.TxOption{ledger.WithPaymentID(holdID)}
	if req.Purpose != "" {
		opts = append(opts, ledger.WithDescription(req.Purpose))
	}
	start := time.Now()
	tx, err := o.ledger.CreateHold(agent.WalletID, req.Amount, currency, expiresAt, opts...)
	o.observeCommit(start)
	if err != nil {
		if rerr := o.wallets.ReleaseSpend(agent.WalletID, req.Amount); rerr != nil {
			o.logger.Warn("reservation rollback failed",
				zap.String("wallet_id", agent.WalletID), zap.Error(rerr))
		}
		return o.failHold(req, currency, kindForError(err), err.Error())
	}

	h := &PaymentHold{
		ID:         holdID,
		AgentID:    req.AgentID,
		WalletID:   agent.WalletID,
		MerchantID: m.ID,
		Amount:     req.Amount,
		Currency:   currency,
		Status:     HoldActive,
		Purpose:    req.Purpose,
		LedgerTxID: tx.ID,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	o.holds.insert(ctx, h)
	o.holdGauge(1)

	o.emit(event.TypeHoldCreated, map[string]any{
		"hold_id":     h.ID,
		"agent_id":    h.AgentID,
		"wallet_id":   h.WalletID,
		"merchant_id": h.MerchantID,
		"amount":      h.Amount.String(),
		"currency":    h.Currency,
		"expires_at":  h.ExpiresAt,
	})
	o.logger.Info("hold created",
		zap.String("hold_id", h.ID),
		zap.String("agent_id", h.AgentID),
		zap.String("amount", h.Amount.String()),
		zap.Time("expires_at", h.ExpiresAt))

	return &HoldResult{
		Success:      true,
		HoldID:       h.ID,
		Status:       HoldActive,
		AgentID:      h.AgentID,
		WalletID:     h.WalletID,
		MerchantID:   h.MerchantID,
		Amount:       h.Amount,
		EstimatedFee: fee,
		Currency:     h.Currency,
		ExpiresAt:    h.ExpiresAt,
		CreatedAt:    now,
	}
}

// CaptureHold settles an active hold: the reservation is released, the
// captured portion runs through the standard payment gates and the ledger
// capture moves it to the merchant in one atomic transaction. The
// uncaptured remainder becomes available again. A failed capture restores
// the reservation and leaves the hold active.
func (o *Orchestrator) CaptureHold(ctx context.Context, req *CaptureRequest) *PaymentResult {
	if req == nil || req.HoldID == "" {
		return o.captureFailure(nil, "", ErrKindHoldNotActive, "hold not found")
	}

	h, ok := o.holds.claim(req.HoldID)
	if !ok {
		if existing, found := o.holds.get(req.HoldID); found {
			return o.captureFailure(existing, req.HoldID, ErrKindHoldNotActive,
				"hold "+req.HoldID+" is not active")
		}
		return o.captureFailure(nil, req.HoldID, ErrKindHoldNotActive, "hold "+req.HoldID+" not found")
	}

	now := time.Now().UTC()
	if !h.ExpiresAt.IsZero() && now.After(h.ExpiresAt) {
		o.expireHold(ctx, h)
		return o.captureFailure(h, h.ID, ErrKindHoldExpired, "hold "+h.ID+" has expired")
	}

	capAmount := req.Amount
	if capAmount.IsZero() {
		capAmount = h.Amount
	}
	if capAmount.IsNegative() {
		o.holds.unclaim(h.ID)
		return o.captureFailure(h, h.ID, ErrKindInvalidAmount, "capture amount must be positive")
	}
	if capAmount.GreaterThan(h.Amount) {
		o.holds.unclaim(h.ID)
		return o.captureFailure(h, h.ID, ErrKindCaptureExceedsHold,
			"capture amount "+capAmount.String()+" exceeds hold amount "+h.Amount.String())
	}

	// Free the reservation so the gate math sees the wallet as it will be
	// once the hold is gone; every failure from here restores it.
	if err := o.wallets.ReleaseSpend(h.WalletID, h.Amount); err != nil {
		o.logger.Warn("hold reservation release failed",
			zap.String("hold_id", h.ID), zap.Error(err))
	}
	restore := func() {
		if err := o.wallets.ReserveSpend(h.WalletID, h.Amount); err != nil {
			o.logger.Warn("hold reservation restore failed",
				zap.String("hold_id", h.ID), zap.Error(err))
		}
		o.holds.unclaim(h.ID)
	}

	purpose := req.Purpose
	if purpose == "" {
		purpose = h.Purpose
	}
	pc := &payContext{
		paymentID: newPaymentID(),
		payType:   payTypeCapture,
		req: &PayRequest{
			AgentID:    h.AgentID,
			Amount:     capAmount,
			Currency:   h.Currency,
			Purpose:    purpose,
			merchantID: h.MerchantID,
		},
		approvalExempt: true,
	}

	if res := o.validatePay(ctx, pc); res != nil {
		restore()
		return res
	}
	if res := o.runGates(ctx, pc); res != nil {
		restore()
		return res
	}

	opts := []ledger.TxOption{ledger.WithPaymentID(pc.paymentID)}
	if purpose != "" {
		opts = append(opts, ledger.WithDescription(purpose))
	}
	if pc.fee.IsPositive() {
		opts = append(opts, ledger.WithFee(pc.fee, o.feeWallet))
	}
	start := time.Now()
	tx, err := o.ledger.CaptureHold(h.LedgerTxID, pc.req.RecipientWallet, capAmount, opts...)
	o.observeCommit(start)
	if err != nil {
		restore()
		o.recordAttemptOutcome(pc, false)
		return o.failPay(ctx, pc, kindForError(err), err.Error(), outcomeFailed)
	}

	o.holds.update(ctx, h.ID, func(ph *PaymentHold) {
		ph.Status = HoldCaptured
		ph.CaptureTxID = tx.ID
		ph.CapturePaymentID = pc.paymentID
		t := time.Now().UTC()
		ph.CapturedAt = &t
		ph.inFlight = false
	})
	o.holdGauge(-1)

	res := o.completePayment(ctx, pc, tx)
	o.emit(event.TypeHoldCaptured, map[string]any{
		"hold_id":         h.ID,
		"payment_id":      pc.paymentID,
		"transaction_id":  tx.ID,
		"agent_id":        h.AgentID,
		"merchant_id":     h.MerchantID,
		"hold_amount":     h.Amount.String(),
		"captured_amount": capAmount.String(),
		"currency":        h.Currency,
	})
	o.logger.Info("hold captured",
		zap.String("hold_id", h.ID),
		zap.String("tx_id", tx.ID),
		zap.String("captured", capAmount.String()),
		zap.String("held", h.Amount.String()))
	return res
}

// VoidHold cancels an active hold and releases its reservation.
func (o *Orchestrator) VoidHold(ctx context.Context, holdID string) *HoldResult {
	now := time.Now().UTC()
	h, ok := o.holds.claim(holdID)
	if !ok {
		msg := "hold " + holdID + " not found"
		if _, found := o.holds.get(holdID); found {
			msg = "hold " + holdID + " is not active"
		}
		return &HoldResult{
			Success:   false,
			HoldID:    holdID,
			ErrorKind: ErrKindHoldNotActive,
			Message:   msg,
			CreatedAt: now,
		}
	}

	if _, err := o.ledger.VoidHold(h.LedgerTxID, ledger.WithPaymentID(h.ID)); err != nil {
		o.holds.unclaim(h.ID)
		return &HoldResult{
			Success:    false,
			HoldID:     h.ID,
			AgentID:    h.AgentID,
			WalletID:   h.WalletID,
			MerchantID: h.MerchantID,
			Amount:     h.Amount,
			Currency:   h.Currency,
			ErrorKind:  kindForError(err),
			Message:    err.Error(),
			CreatedAt:  now,
		}
	}
	if err := o.wallets.ReleaseSpend(h.WalletID, h.Amount); err != nil {
		o.logger.Warn("hold reservation release failed",
			zap.String("hold_id", h.ID), zap.Error(err))
	}
	o.holds.update(ctx, h.ID, func(ph *PaymentHold) {
		ph.Status = HoldVoided
		t := now
		ph.VoidedAt = &t
		ph.inFlight = false
	})
	o.holdGauge(-1)

	o.emit(event.TypeHoldVoided, map[string]any{
		"hold_id":     h.ID,
		"agent_id":    h.AgentID,
		"wallet_id":   h.WalletID,
		"merchant_id": h.MerchantID,
		"amount":      h.Amount.String(),
		"currency":    h.Currency,
		"reason":      "voided",
	})
	o.logger.Info("hold voided",
		zap.String("hold_id", h.ID),
		zap.String("amount", h.Amount.String()))

	return &HoldResult{
		Success:    true,
		HoldID:     h.ID,
		Status:     HoldVoided,
		AgentID:    h.AgentID,
		WalletID:   h.WalletID,
		MerchantID: h.MerchantID,
		Amount:     h.Amount,
		Currency:   h.Currency,
		ExpiresAt:  h.ExpiresAt,
		CreatedAt:  now,
	}
}

// SweepExpiredHolds expires every active hold past its deadline,
// releasing ledger and wallet reservations. Returns the number swept.
func (o *Orchestrator) SweepExpiredHolds(ctx context.Context) int {
	now := time.Now().UTC()
	swept := 0
	for _, candidate := range o.holds.expiredBefore(now) {
		h, ok := o.holds.claim(candidate.ID)
		if !ok {
			continue
		}
		o.expireHold(ctx, h)
		swept++
	}
	if swept > 0 {
		o.logger.Info("expired holds swept", zap.Int("count", swept))
	}
	return swept
}

// RunHoldSweeper periodically sweeps expired holds until the context is
// cancelled. Callers run it on its own goroutine.
func (o *Orchestrator) RunHoldSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.SweepExpiredHolds(ctx)
		}
	}
}

// expireHold moves a claimed active hold to EXPIRED: ledger release,
// wallet reservation release, registry update, gauge and event.
func (o *Orchestrator) expireHold(ctx context.Context, h *PaymentHold) {
	if _, err := o.ledger.VoidHold(h.LedgerTxID,
		ledger.WithPaymentID(h.ID), ledger.WithDescription("hold expired")); err != nil {
		o.logger.Warn("expired hold release failed",
			zap.String("hold_id", h.ID), zap.Error(err))
	}
	if err := o.wallets.ReleaseSpend(h.WalletID, h.Amount); err != nil {
		o.logger.Debug("expired hold reservation release failed",
			zap.String("hold_id", h.ID), zap.Error(err))
	}
	o.holds.update(ctx, h.ID, func(ph *PaymentHold) {
		ph.Status = HoldExpired
		t := time.Now().UTC()
		ph.VoidedAt = &t
		ph.inFlight = false
	})
	o.holdGauge(-1)

	o.emit(event.TypeHoldVoided, map[string]any{
		"hold_id":     h.ID,
		"agent_id":    h.AgentID,
		"wallet_id":   h.WalletID,
		"merchant_id": h.MerchantID,
		"amount":      h.Amount.String(),
		"currency":    h.Currency,
		"reason":      "expired",
	})
	o.logger.Info("hold expired",
		zap.String("hold_id", h.ID),
		zap.String("amount", h.Amount.String()),
		zap.Time("expired_at", h.ExpiresAt))
}

// failHold is the terminal failure path for CreateHold.
func (o *Orchestrator) failHold(req *HoldRequest, currency, kind, message string) *HoldResult {
	if isLimitKind(kind) {
		o.emit(event.TypeLimitExceeded, map[string]any{
			"agent_id": req.AgentID,
			"limit":    kind,
			"amount":   req.Amount.String(),
			"currency": currency,
		})
	}
	o.logger.Info("hold rejected",
		zap.String("agent_id", req.AgentID),
		zap.String("merchant_id", req.MerchantID),
		zap.String("error", kind))
	return &HoldResult{
		Success:    false,
		AgentID:    req.AgentID,
		MerchantID: req.MerchantID,
		Amount:     req.Amount,
		Currency:   currency,
		ErrorKind:  kind,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	}
}

// captureFailure is the terminal failure path for capture lifecycle
// violations, before any payment attempt exists to index.
func (o *Orchestrator) captureFailure(h *PaymentHold, holdID, kind, message string) *PaymentResult {
	res := &PaymentResult{
		Success:   false,
		Status:    StatusFailed,
		ErrorKind: kind,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	data := map[string]any{
		"hold_id": holdID,
		"error":   kind,
		"message": message,
	}
	if h != nil {
		res.AgentID = h.AgentID
		res.FromWallet = h.WalletID
		res.MerchantID = h.MerchantID
		res.Amount = h.Amount
		res.Currency = h.Currency
		data["agent_id"] = h.AgentID
		data["amount"] = h.Amount.String()
		data["currency"] = h.Currency
	}
	o.countPayment(payTypeCapture, outcomeFailed)
	o.emit(event.TypePaymentFailed, data)
	return res
}
