package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/sardislabs/sardisd/internal/storage/relationaldb"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func opCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func nanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

// subscriptionRepository implements relationaldb.SubscriptionRepository.
type subscriptionRepository struct {
	db      *sql.DB
	timeout time.Duration
}

const subscriptionColumns = `id, owner_id, url, secret, event_types, active,
	total_deliveries, successful_deliveries, failed_deliveries,
	last_delivery_at, created_at, updated_at`

func (r *subscriptionRepository) SaveSubscription(ctx context.Context, rec *relationaldb.SubscriptionRecord) error {
	types := rec.EventTypes
	if types == nil {
		types = []string{}
	}
	encoded, err := json.Marshal(types)
	if err != nil {
		return relationaldb.NewDataError("save_subscription", "failed to encode event types", err)
	}

	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			url = excluded.url,
			secret = excluded.secret,
			event_types = excluded.event_types,
			active = excluded.active,
			total_deliveries = excluded.total_deliveries,
			successful_deliveries = excluded.successful_deliveries,
			failed_deliveries = excluded.failed_deliveries,
			last_delivery_at = excluded.last_delivery_at,
			updated_at = excluded.updated_at`,
		rec.ID, rec.OwnerID, rec.URL, rec.Secret, string(encoded), rec.Active,
		int64(rec.TotalDeliveries), int64(rec.SuccessfulDeliveries), int64(rec.FailedDeliveries),
		nullNanos(rec.LastDeliveryAt), unixNanos(rec.CreatedAt), unixNanos(rec.UpdatedAt))
	if err != nil {
		return relationaldb.NewQueryError("save_subscription", "failed to save subscription", err)
	}
	return nil
}

func (r *subscriptionRepository) GetSubscription(ctx context.Context, id string) (*relationaldb.SubscriptionRecord, error) {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)

	rec, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relationaldb.NewDataError("get_subscription", "subscription not found", err).
				WithCode("SUBSCRIPTION_NOT_FOUND")
		}
		return nil, relationaldb.NewQueryError("get_subscription", "failed to load subscription", err)
	}
	return rec, nil
}

func (r *subscriptionRepository) ListSubscriptions(ctx context.Context) ([]*relationaldb.SubscriptionRecord, error) {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, relationaldb.NewQueryError("list_subscriptions", "failed to query subscriptions", err)
	}
	defer rows.Close()

	var recs []*relationaldb.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, relationaldb.NewDataError("list_subscriptions", "failed to scan subscription", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError("list_subscriptions", "failed to iterate subscriptions", err)
	}
	return recs, nil
}

func (r *subscriptionRepository) DeleteSubscription(ctx context.Context, id string) error {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE id = ?`, id); err != nil {
		return relationaldb.NewQueryError("delete_subscription", "failed to delete subscription", err)
	}
	return nil
}

func scanSubscription(row rowScanner) (*relationaldb.SubscriptionRecord, error) {
	var (
		rec                relationaldb.SubscriptionRecord
		types              string
		total, okCnt, fail int64
		last               sql.NullInt64
		created, updated   int64
	)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.URL, &rec.Secret, &types, &rec.Active,
		&total, &okCnt, &fail, &last, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(types), &rec.EventTypes); err != nil {
		return nil, err
	}
	rec.TotalDeliveries = uint64(total)
	rec.SuccessfulDeliveries = uint64(okCnt)
	rec.FailedDeliveries = uint64(fail)
	rec.LastDeliveryAt = nanosPtr(last)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	return &rec, nil
}

// policyRepository implements relationaldb.PolicyRepository.
type policyRepository struct {
	db      *sql.DB
	timeout time.Duration
}

func (r *policyRepository) SavePolicy(ctx context.Context, agentID string, doc []byte) error {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_policies (agent_id, document, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at`,
		agentID, string(doc), unixNanos(time.Now()))
	if err != nil {
		return relationaldb.NewQueryError("save_policy", "failed to save policy", err)
	}
	return nil
}

func (r *policyRepository) GetPolicy(ctx context.Context, agentID string) ([]byte, error) {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	var doc string
	err := r.db.QueryRowContext(ctx,
		`SELECT document FROM agent_policies WHERE agent_id = ?`, agentID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relationaldb.NewDataError("get_policy", "policy not found", err).
				WithCode("POLICY_NOT_FOUND")
		}
		return nil, relationaldb.NewQueryError("get_policy", "failed to load policy", err)
	}
	return []byte(doc), nil
}

func (r *policyRepository) ListPolicies(ctx context.Context) (map[string][]byte, error) {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT agent_id, document FROM agent_policies`)
	if err != nil {
		return nil, relationaldb.NewQueryError("list_policies", "failed to query policies", err)
	}
	defer rows.Close()

	docs := make(map[string][]byte)
	for rows.Next() {
		var agentID, doc string
		if err := rows.Scan(&agentID, &doc); err != nil {
			return nil, relationaldb.NewDataError("list_policies", "failed to scan policy", err)
		}
		docs[agentID] = []byte(doc)
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError("list_policies", "failed to iterate policies", err)
	}
	return docs, nil
}

func (r *policyRepository) DeletePolicy(ctx context.Context, agentID string) error {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM agent_policies WHERE agent_id = ?`, agentID); err != nil {
		return relationaldb.NewQueryError("delete_policy", "failed to delete policy", err)
	}
	return nil
}

// holdRepository implements relationaldb.HoldRepository.
type holdRepository struct {
	db      *sql.DB
	timeout time.Duration
}

const holdColumns = `id, payment_id, agent_id, wallet_id, merchant_id, amount, currency,
	status, purpose, ledger_tx_id, capture_tx_id, expires_at, captured_at, voided_at,
	created_at, updated_at`

func (r *holdRepository) SaveHold(ctx context.Context, rec *relationaldb.HoldRecord) error {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_holds (`+holdColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			capture_tx_id = excluded.capture_tx_id,
			expires_at = excluded.expires_at,
			captured_at = excluded.captured_at,
			voided_at = excluded.voided_at,
			updated_at = excluded.updated_at`,
		rec.ID, rec.PaymentID, rec.AgentID, rec.WalletID, rec.MerchantID,
		rec.Amount, rec.Currency, rec.Status, rec.Purpose, rec.LedgerTxID,
		rec.CaptureTxID, unixNanos(rec.ExpiresAt), nullNanos(rec.CapturedAt),
		nullNanos(rec.VoidedAt), unixNanos(rec.CreatedAt), unixNanos(rec.UpdatedAt))
	if err != nil {
		return relationaldb.NewQueryError("save_hold", "failed to save hold", err)
	}
	return nil
}

func (r *holdRepository) GetHold(ctx context.Context, id string) (*relationaldb.HoldRecord, error) {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM payment_holds WHERE id = ?`, id)

	rec, err := scanHold(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relationaldb.NewDataError("get_hold", "hold not found", err).
				WithCode("HOLD_NOT_FOUND")
		}
		return nil, relationaldb.NewQueryError("get_hold", "failed to load hold", err)
	}
	return rec, nil
}

func (r *holdRepository) ListHoldsByStatus(ctx context.Context, status string) ([]*relationaldb.HoldRecord, error) {
	return r.listHolds(ctx, "list_holds_by_status",
		`SELECT `+holdColumns+` FROM payment_holds WHERE status = ? ORDER BY created_at`, status)
}

func (r *holdRepository) ListHoldsByAgent(ctx context.Context, agentID string) ([]*relationaldb.HoldRecord, error) {
	return r.listHolds(ctx, "list_holds_by_agent",
		`SELECT `+holdColumns+` FROM payment_holds WHERE agent_id = ? ORDER BY created_at`, agentID)
}

func (r *holdRepository) listHolds(ctx context.Context, op, query string, args ...any) ([]*relationaldb.HoldRecord, error) {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, relationaldb.NewQueryError(op, "failed to query holds", err)
	}
	defer rows.Close()

	var recs []*relationaldb.HoldRecord
	for rows.Next() {
		rec, err := scanHold(rows)
		if err != nil {
			return nil, relationaldb.NewDataError(op, "failed to scan hold", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError(op, "failed to iterate holds", err)
	}
	return recs, nil
}

func scanHold(row rowScanner) (*relationaldb.HoldRecord, error) {
	var (
		rec              relationaldb.HoldRecord
		expires          int64
		captured, voided sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&rec.ID, &rec.PaymentID, &rec.AgentID, &rec.WalletID, &rec.MerchantID,
		&rec.Amount, &rec.Currency, &rec.Status, &rec.Purpose, &rec.LedgerTxID,
		&rec.CaptureTxID, &expires, &captured, &voided, &created, &updated); err != nil {
		return nil, err
	}
	rec.ExpiresAt = fromNanos(expires)
	rec.CapturedAt = nanosPtr(captured)
	rec.VoidedAt = nanosPtr(voided)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	return &rec, nil
}

// transactionRepository implements relationaldb.TransactionRepository.
type transactionRepository struct {
	db      *sql.DB
	timeout time.Duration
}

const paymentColumns = `id, idempotency_key, agent_id, wallet_id, recipient_id, merchant_id,
	amount, fee, currency, status, failure_reason, ledger_tx_id, refunded_amount,
	purpose, settled_on_chain, settlement, created_at, updated_at`

func (r *transactionRepository) SaveTransaction(ctx context.Context, rec *relationaldb.PaymentRecord) error {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			ledger_tx_id = excluded.ledger_tx_id,
			refunded_amount = excluded.refunded_amount,
			settled_on_chain = excluded.settled_on_chain,
			settlement = excluded.settlement,
			updated_at = excluded.updated_at`,
		rec.ID, rec.IdempotencyKey, rec.AgentID, rec.WalletID, rec.RecipientID,
		rec.MerchantID, rec.Amount, rec.Fee, rec.Currency, rec.Status,
		rec.FailureReason, rec.LedgerTxID, rec.RefundedAmount, rec.Purpose,
		rec.SettledOnChain, string(rec.Settlement), unixNanos(rec.CreatedAt),
		unixNanos(rec.UpdatedAt))
	if err != nil {
		return relationaldb.NewQueryError("save_transaction", "failed to save payment", err)
	}
	return nil
}

func (r *transactionRepository) GetTransaction(ctx context.Context, id string) (*relationaldb.PaymentRecord, error) {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE id = ?`, id)
	return scanPaymentRow(row, "get_transaction")
}

func (r *transactionRepository) GetTransactionByKey(ctx context.Context, idempotencyKey string) (*relationaldb.PaymentRecord, error) {
	if idempotencyKey == "" {
		return nil, relationaldb.NewDataError("get_transaction_by_key", "payment not found", nil).
			WithCode("PAYMENT_NOT_FOUND")
	}

	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_transactions
		WHERE idempotency_key = ?
		ORDER BY created_at DESC
		LIMIT 1`, idempotencyKey)
	return scanPaymentRow(row, "get_transaction_by_key")
}

func (r *transactionRepository) GetTransactionByLedgerTx(ctx context.Context, ledgerTxID string) (*relationaldb.PaymentRecord, error) {
	if ledgerTxID == "" {
		return nil, relationaldb.NewDataError("get_transaction_by_ledger_tx", "payment not found", nil).
			WithCode("PAYMENT_NOT_FOUND")
	}

	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_transactions
		WHERE ledger_tx_id = ?
		ORDER BY created_at DESC
		LIMIT 1`, ledgerTxID)
	return scanPaymentRow(row, "get_transaction_by_ledger_tx")
}

func (r *transactionRepository) ListTransactionsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*relationaldb.PaymentRecord, error) {
	ctx, cancel := opCtx(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_transactions
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, agentID, limit, offset)
	if err != nil {
		return nil, relationaldb.NewQueryError("list_transactions", "failed to query payments", err)
	}
	defer rows.Close()

	var recs []*relationaldb.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, relationaldb.NewDataError("list_transactions", "failed to scan payment", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError("list_transactions", "failed to iterate payments", err)
	}
	return recs, nil
}

func scanPaymentRow(row rowScanner, op string) (*relationaldb.PaymentRecord, error) {
	rec, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, relationaldb.NewDataError(op, "payment not found", err).
				WithCode("PAYMENT_NOT_FOUND")
		}
		return nil, relationaldb.NewQueryError(op, "failed to load payment", err)
	}
	return rec, nil
}

func scanPayment(row rowScanner) (*relationaldb.PaymentRecord, error) {
	var (
		rec              relationaldb.PaymentRecord
		settlement       string
		created, updated int64
	)
	if err := row.Scan(&rec.ID, &rec.IdempotencyKey, &rec.AgentID, &rec.WalletID,
		&rec.RecipientID, &rec.MerchantID, &rec.Amount, &rec.Fee, &rec.Currency,
		&rec.Status, &rec.FailureReason, &rec.LedgerTxID, &rec.RefundedAmount,
		&rec.Purpose, &rec.SettledOnChain, &settlement, &created, &updated); err != nil {
		return nil, err
	}
	if settlement != "" {
		rec.Settlement = []byte(settlement)
	}
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	return &rec, nil
}
