package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sardislabs/sardisd/internal/core/entity"
	"github.com/sardislabs/sardisd/internal/core/event"
	"github.com/sardislabs/sardisd/internal/core/ledger"
	"github.com/sardislabs/sardisd/internal/core/policy"
	"github.com/sardislabs/sardisd/internal/core/risk"
	"github.com/sardislabs/sardisd/internal/metrics"
	"github.com/sardislabs/sardisd/internal/settlement"
	"github.com/sardislabs/sardisd/internal/storage/relationaldb"
)

// DefaultHoldExpiry applies when a hold request names no expiration.
const DefaultHoldExpiry = 168 * time.Hour

// Payment type labels used on the payments counter.
const (
	payTypeTransfer = "transfer"
	payTypeMerchant = "merchant"
	payTypeCapture  = "capture"
	payTypeRefund   = "refund"
)

// Counter outcome labels.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeDenied    = "denied"
	outcomePending   = "pending"
	outcomeReplayed  = "replayed"
)

// Deps are the collaborators every orchestrator needs. All fields are
// required.
type Deps struct {
	Ledger    *ledger.Engine
	Wallets   *entity.WalletRegistry
	Agents    *entity.AgentRegistry
	Merchants *entity.MerchantRegistry
	Policies  *policy.Service
	Risk      *risk.Engine
}

func (d Deps) validate() error {
	switch {
	case d.Ledger == nil:
		return errors.New("orchestrator requires a ledger engine")
	case d.Wallets == nil:
		return errors.New("orchestrator requires a wallet registry")
	case d.Agents == nil:
		return errors.New("orchestrator requires an agent registry")
	case d.Merchants == nil:
		return errors.New("orchestrator requires a merchant registry")
	case d.Policies == nil:
		return errors.New("orchestrator requires a policy service")
	case d.Risk == nil:
		return errors.New("orchestrator requires a risk engine")
	}
	return nil
}

// Orchestrator is the single entry point for payments. It coordinates
// idempotency, spending policy, risk scoring, fee pricing, the ledger
// commit and event emission, and owns the payment and hold records that
// wrap the raw ledger transactions.
type Orchestrator struct {
	ledger    *ledger.Engine
	wallets   *entity.WalletRegistry
	agents    *entity.AgentRegistry
	merchants *entity.MerchantRegistry
	policies  *policy.Service
	risk      *risk.Engine

	pricer      FeePricer
	feeWallet   string
	events      event.Publisher
	driver      settlement.Driver
	metrics     *metrics.Metrics
	logger      *zap.Logger
	holdExpiry  time.Duration
	defaultTier policy.TrustTier

	idem   *idempotencyCache
	flight singleflight.Group
	txs    *txIndex
	holds  *holdRegistry

	approvalMu sync.Mutex
	approvals  map[string]*pendingApproval

	settleWG sync.WaitGroup
}

// pendingApproval parks a gated payment until a human decides.
type pendingApproval struct {
	paymentID string
	req       *PayRequest
	createdAt time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFeePricer replaces the default flat pricer.
func WithFeePricer(p FeePricer) Option {
	return func(o *Orchestrator) { o.pricer = p }
}

// WithFeeWallet routes platform fees into the given wallet. Without one,
// payments charge no fee.
func WithFeeWallet(walletID string) Option {
	return func(o *Orchestrator) { o.feeWallet = walletID }
}

// WithPublisher sets the event publisher.
func WithPublisher(p event.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithSettlement sets the external settlement driver. Nil disables
// settlement submission entirely.
func WithSettlement(d settlement.Driver) Option {
	return func(o *Orchestrator) { o.driver = d }
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithHoldExpiry overrides the default hold lifetime.
func WithHoldExpiry(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.holdExpiry = d
		}
	}
}

// WithDefaultTier sets the trust tier used to provision a policy for
// agents that pay before one was configured.
func WithDefaultTier(tier policy.TrustTier) Option {
	return func(o *Orchestrator) { o.defaultTier = tier }
}

// WithRepositories wires relational persistence for payment and hold
// records. A nil manager keeps the orchestrator memory-only.
func WithRepositories(repos relationaldb.RepositoryManager) Option {
	return func(o *Orchestrator) {
		if repos == nil {
			return
		}
		o.txs.repo = repos.Transactions()
		o.holds.repo = repos.Holds()
	}
}

// New creates an orchestrator around the given collaborators.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		ledger:      deps.Ledger,
		wallets:     deps.Wallets,
		agents:      deps.Agents,
		merchants:   deps.Merchants,
		policies:    deps.Policies,
		risk:        deps.Risk,
		pricer:      DefaultFeePricer(),
		events:      event.NoOpPublisher{},
		driver:      settlement.NoopDriver{},
		logger:      zap.NewNop(),
		holdExpiry:  DefaultHoldExpiry,
		defaultTier: policy.TierLow,
		idem:        newIdempotencyCache(defaultIdempotencyCapacity, IdempotencyTTL),
		approvals:   make(map[string]*pendingApproval),
	}
	o.txs = newTxIndex(nil, zap.NewNop())
	o.holds = newHoldRegistry(nil, zap.NewNop())
	for _, opt := range opts {
		opt(o)
	}
	o.txs.logger = o.logger
	o.holds.logger = o.logger
	return o, nil
}

// EstimatePayment quotes the fee a payment of the given amount would
// carry right now.
func (o *Orchestrator) EstimatePayment(amount decimal.Decimal, currency string) *Estimate {
	currency = normalizeCurrency(currency)
	fee := o.feeFor(amount, currency)
	return &Estimate{
		Amount:   amount,
		Fee:      fee,
		Total:    amount.Add(fee),
		Currency: currency,
	}
}

// GetTransaction looks a payment up by payment id or by the ledger
// transaction id it committed.
func (o *Orchestrator) GetTransaction(ctx context.Context, id string) (*PaymentTransaction, bool) {
	return o.txs.resolve(ctx, id)
}

// ListAgentTransactions returns an agent's payment attempts newest first.
func (o *Orchestrator) ListAgentTransactions(ctx context.Context, agentID string, limit, offset int) []*PaymentTransaction {
	return o.txs.listByAgent(ctx, agentID, limit, offset)
}

// GetHold returns a hold by id.
func (o *Orchestrator) GetHold(id string) (*PaymentHold, bool) {
	return o.holds.get(id)
}

// ListAgentHolds returns every hold an agent has created.
func (o *Orchestrator) ListAgentHolds(agentID string) []*PaymentHold {
	return o.holds.listByAgent(agentID)
}

// RestoreHolds rebuilds hold state after a restart: from the repository
// when one is configured, otherwise from the ledger's surviving hold
// records. Restored ACTIVE holds re-apply their wallet reservations where
// the wallet is already registered.
func (o *Orchestrator) RestoreHolds(ctx context.Context) (int, error) {
	restored, err := o.holds.restore(ctx)
	if err != nil {
		return restored, err
	}

	// Ledger fallback covers memory-only deployments: the HOLD entry
	// chain survives replay even though the registry rows do not. Such
	// skeletons lack agent and merchant attribution.
	if restored == 0 && o.holds.repo == nil {
		for _, info := range o.ledger.ActiveHolds() {
			if info.PaymentID == "" {
				continue
			}
			h := &PaymentHold{
				ID:         info.PaymentID,
				WalletID:   info.WalletID,
				Amount:     info.Amount,
				Currency:   info.Currency,
				Status:     HoldActive,
				LedgerTxID: info.TxID,
				CreatedAt:  info.CreatedAt,
				ExpiresAt:  info.ExpiresAt,
			}
			if o.holds.seed(h) {
				restored++
			}
		}
	}

	active := o.activeHolds()
	o.setActiveHolds(len(active))
	for _, h := range active {
		if err := o.wallets.ReserveSpend(h.WalletID, h.Amount); err != nil {
			o.logger.Debug("hold reservation not re-applied",
				zap.String("hold_id", h.ID), zap.Error(err))
		}
	}
	return restored, nil
}

func (o *Orchestrator) activeHolds() []*PaymentHold {
	o.holds.mu.RLock()
	defer o.holds.mu.RUnlock()
	var out []*PaymentHold
	for _, h := range o.holds.byID {
		if h.Status == HoldActive {
			out = append(out, h.clone())
		}
	}
	return out
}

// WaitSettlements blocks until every in-flight settlement submission has
// finished. Tests and shutdown paths use it.
func (o *Orchestrator) WaitSettlements() {
	o.settleWG.Wait()
}

// submitSettlement hands a committed payment to the settlement driver on
// its own goroutine and attaches the receipt to the payment record.
func (o *Orchestrator) submitSettlement(p *PaymentTransaction) {
	if o.driver == nil {
		return
	}
	req := &settlement.Request{
		PaymentID:  p.ID,
		TxID:       p.LedgerTxID,
		FromWallet: p.WalletID,
		ToWallet:   p.RecipientID,
		Amount:     p.Amount,
		Currency:   p.Currency,
	}
	o.settleWG.Add(1)
	go func() {
		defer o.settleWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		receipt, err := o.driver.Submit(ctx, req)
		if err != nil {
			o.logger.Warn("settlement submission failed",
				zap.String("payment_id", req.PaymentID),
				zap.String("driver", o.driver.Name()),
				zap.Error(err))
			return
		}
		o.txs.update(ctx, req.PaymentID, func(pt *PaymentTransaction) {
			pt.OnChain = append(pt.OnChain, &OnChainRecord{
				Driver:      receipt.Driver,
				Reference:   receipt.Reference,
				Confirmed:   receipt.Confirmed,
				SubmittedAt: receipt.SubmittedAt,
			})
			if receipt.Confirmed {
				pt.SettledOnChain = true
			}
			pt.UpdatedAt = time.Now().UTC()
		})
	}()
}

// checkPolicy evaluates the spending policy, provisioning default-tier
// limits for agents that pay before one was configured.
func (o *Orchestrator) checkPolicy(ctx context.Context, req *policy.CheckRequest) (*policy.CheckResult, error) {
	res, err := o.policies.Check(req)
	if errors.Is(err, policy.ErrPolicyNotFound) {
		if _, perr := o.policies.EnsurePolicy(ctx, req.AgentID, o.defaultTier); perr != nil {
			return nil, perr
		}
		res, err = o.policies.Check(req)
	}
	return res, err
}

// feeFor prices a payment. Without a fee wallet the platform cannot book
// fee entries, so the effective fee is zero.
func (o *Orchestrator) feeFor(amount decimal.Decimal, currency string) decimal.Decimal {
	if o.feeWallet == "" || o.pricer == nil {
		return decimal.Zero
	}
	return o.pricer.Fee(amount, currency)
}

func (o *Orchestrator) countPayment(payType, outcome string) {
	if o.metrics != nil {
		o.metrics.PaymentsTotal.WithLabelValues(payType, outcome).Inc()
	}
}

func (o *Orchestrator) countRiskDecision(d risk.Decision) {
	if o.metrics != nil {
		o.metrics.RiskDecisions.WithLabelValues(string(d)).Inc()
	}
}

func (o *Orchestrator) observeCommit(start time.Time) {
	if o.metrics != nil {
		o.metrics.LedgerCommitSeconds.Observe(time.Since(start).Seconds())
	}
}

func (o *Orchestrator) holdGauge(delta float64) {
	if o.metrics != nil {
		o.metrics.ActiveHolds.Add(delta)
	}
}

func (o *Orchestrator) setActiveHolds(n int) {
	if o.metrics != nil {
		o.metrics.ActiveHolds.Set(float64(n))
	}
}

func (o *Orchestrator) emit(t event.Type, data map[string]any) {
	o.events.Publish(event.New(t, data))
	if o.metrics != nil {
		o.metrics.EventsEmitted.WithLabelValues(string(t)).Inc()
	}
}

func normalizeCurrency(c string) string {
	c = strings.TrimSpace(c)
	if c == "" {
		return DefaultCurrency
	}
	return strings.ToUpper(c)
}

// kindForError maps internal sentinel errors onto the stable wire
// taxonomy. Anything unrecognized is an internal fault.
func kindForError(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return ErrKindInsufficientBalance
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, entity.ErrInvalidAmount):
		return ErrKindInvalidAmount
	case errors.Is(err, ledger.ErrInvalidWallet),
		errors.Is(err, entity.ErrWalletNotFound),
		errors.Is(err, entity.ErrWalletInactive):
		return ErrKindWalletNotFound
	case errors.Is(err, entity.ErrAgentNotFound), errors.Is(err, entity.ErrAgentInactive):
		return ErrKindAgentNotFound
	case errors.Is(err, entity.ErrMerchantNotFound):
		return ErrKindMerchantNotFound
	case errors.Is(err, entity.ErrPerTxLimitExceeded):
		return ErrKindPerTransactionLimit
	case errors.Is(err, entity.ErrTotalLimitExceeded):
		return ErrKindTotalLimit
	case errors.Is(err, ledger.ErrHoldNotActive):
		return ErrKindHoldNotActive
	case errors.Is(err, ledger.ErrCaptureExceedsHold):
		return ErrKindCaptureExceedsHold
	case errors.Is(err, ledger.ErrRefundExceedsOriginal):
		return ErrKindRefundExceedsOriginal
	case errors.Is(err, ledger.ErrNotRefundable), errors.Is(err, ledger.ErrTxNotFound):
		return ErrKindRefundOnNonCompleted
	default:
		return ErrKindInternal
	}
}

// isLimitKind reports whether an error kind is a spending-limit
// rejection, which additionally emits limit.exceeded.
func isLimitKind(kind string) bool {
	switch kind {
	case ErrKindPerTransactionLimit, ErrKindTotalLimit, ErrKindDailyLimit,
		ErrKindWeeklyLimit, ErrKindMonthlyLimit, ErrKindMerchantSpecificLimit:
		return true
	}
	return false
}
