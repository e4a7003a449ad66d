package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/core/event"
	"github.com/sardislabs/sardisd/internal/core/ledger"
)

// RefundRequest reverses a completed payment, in part or in full.
type RefundRequest struct {
	// TxID accepts a payment id or the ledger transaction id it
	// committed.
	TxID string

	// Amount is the refunded portion; zero refunds the full original
	// amount.
	Amount decimal.Decimal

	Reason string
}

// Refund reverses value from a completed payment back to the payer.
// Cumulative refunds never exceed the original amount; once they reach
// it the payment is marked REFUNDED and further refunds are rejected.
func (o *Orchestrator) Refund(ctx context.Context, req *RefundRequest) *RefundResult {
	if req == nil || req.TxID == "" {
		return o.failRefund("", ErrKindRefundOnNonCompleted, "transaction not found")
	}

	p, ok := o.txs.resolve(ctx, req.TxID)
	if !ok {
		return o.failRefund(req.TxID, ErrKindRefundOnNonCompleted,
			"transaction "+req.TxID+" not found")
	}
	if p.Status != StatusCompleted {
		return o.failRefund(p.LedgerTxID, ErrKindRefundOnNonCompleted,
			"transaction "+p.ID+" is "+string(p.Status)+", only COMPLETED payments are refundable")
	}

	amount := req.Amount
	if amount.IsZero() {
		amount = p.Amount
	}
	if amount.IsNegative() {
		return o.failRefund(p.LedgerTxID, ErrKindInvalidAmount, "refund amount must be positive")
	}
	if p.Refunded.Add(amount).GreaterThan(p.Amount) {
		return o.failRefund(p.LedgerTxID, ErrKindRefundExceedsOriginal,
			"cumulative refunds "+p.Refunded.Add(amount).String()+
				" would exceed original amount "+p.Amount.String())
	}

	opts := []ledger.TxOption{ledger.WithPaymentID(p.ID)}
	if req.Reason != "" {
		opts = append(opts, ledger.WithDescription(req.Reason))
	}
	start := time.Now()
	tx, err := o.ledger.Refund(p.LedgerTxID, amount, opts...)
	o.observeCommit(start)
	if err != nil {
		return o.failRefund(p.LedgerTxID, kindForError(err), err.Error())
	}

	now := time.Now().UTC()
	updated, _ := o.txs.update(ctx, p.ID, func(pt *PaymentTransaction) {
		pt.Refunded = pt.Refunded.Add(amount)
		if pt.Refunded.GreaterThanOrEqual(pt.Amount) {
			pt.Status = StatusRefunded
		}
		pt.UpdatedAt = now
	})
	totalRefunded := amount
	fully := false
	if updated != nil {
		totalRefunded = updated.Refunded
		fully = updated.Status == StatusRefunded
	}

	if p.MerchantID != "" {
		o.risk.RecordMerchantRefund(p.MerchantID)
	}
	o.countPayment(payTypeRefund, outcomeCompleted)

	o.emit(event.TypePaymentRefunded, map[string]any{
		"payment_id":     p.ID,
		"transaction_id": p.LedgerTxID,
		"refund_tx_id":   tx.ID,
		"agent_id":       p.AgentID,
		"amount":         amount.String(),
		"total_refunded": totalRefunded.String(),
		"fully_refunded": fully,
		"currency":       p.Currency,
		"reason":         req.Reason,
	})
	o.logger.Info("payment refunded",
		zap.String("payment_id", p.ID),
		zap.String("refund_tx_id", tx.ID),
		zap.String("amount", amount.String()),
		zap.Bool("fully_refunded", fully))

	return &RefundResult{
		Success:       true,
		RefundTxID:    tx.ID,
		OriginalTxID:  p.LedgerTxID,
		Amount:        amount,
		TotalRefunded: totalRefunded,
		Currency:      p.Currency,
		FullyRefunded: fully,
		CreatedAt:     now,
	}
}

func (o *Orchestrator) failRefund(originalTxID, kind, message string) *RefundResult {
	o.countPayment(payTypeRefund, outcomeFailed)
	o.logger.Info("refund rejected",
		zap.String("original_tx_id", originalTxID),
		zap.String("error", kind))
	return &RefundResult{
		Success:      false,
		OriginalTxID: originalTxID,
		ErrorKind:    kind,
		Message:      message,
		CreatedAt:    time.Now().UTC(),
	}
}
