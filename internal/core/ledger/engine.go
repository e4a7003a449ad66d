package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/storage/entrystore"
)

const defaultEntryCacheSize = 4096

// Engine is the ledger engine. All balance mutation flows through its
// commit path: entries are staged, chained, journaled in one batch, and
// only then applied to the in-memory caches. A failed commit leaves no
// trace.
//
// The journal is the source of truth. Balances, held amounts, and the
// transaction index are caches rebuilt by replaying the journal on open.
type Engine struct {
	mu sync.Mutex

	journal     *journal
	backend     entrystore.Backend
	ownsBackend bool

	seq          uint64
	lastChecksum string

	// balances and held are wallet id -> currency -> amount.
	balances map[string]map[string]decimal.Decimal
	held     map[string]map[string]decimal.Decimal

	walletSeqs   map[string][]uint64
	txIndex      map[string]*txMeta
	refunded     map[string]decimal.Decimal
	holds        map[string]*holdState
	holdsByEntry map[string]string

	entryCache *lru.Cache[uint64, *Entry]
	entryCount uint64
	volume     map[string]decimal.Decimal

	periodStart time.Time

	hooks  *EntryHooks
	logger *zap.Logger
	closed bool
}

// holdState tracks an open or settled hold. Keyed by the hold transaction
// id; the entry id links RELEASE entries back to their HOLD.
type holdState struct {
	txID      string
	entryID   string
	entrySeq  uint64
	walletID  string
	currency  string
	amount    decimal.Decimal
	expiresAt time.Time
	active    bool
}

// HoldInfo is a point-in-time snapshot of a hold.
type HoldInfo struct {
	TxID      string          `json:"tx_id"`
	EntryID   string          `json:"entry_id"`
	WalletID  string          `json:"wallet_id"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	PaymentID string          `json:"payment_id,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
	Active    bool            `json:"active"`
}

// EngineStats summarizes engine state for health and CLI output.
type EngineStats struct {
	LastSequence uint64                     `json:"last_sequence"`
	EntryCount   uint64                     `json:"entry_count"`
	LastChecksum string                     `json:"last_checksum"`
	Transactions int                        `json:"transactions"`
	ActiveHolds  int                        `json:"active_holds"`
	Wallets      int                        `json:"wallets"`
	Volume       map[string]decimal.Decimal `json:"volume"`
}

type engineOptions struct {
	logger    *zap.Logger
	hooks     *EntryHooks
	cacheSize int
}

// Option configures an Engine at construction.
type Option func(*engineOptions)

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHooks installs commit callbacks.
func WithHooks(hooks *EntryHooks) Option {
	return func(o *engineOptions) { o.hooks = hooks }
}

// WithEntryCacheSize sets the entry LRU capacity.
func WithEntryCacheSize(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// txOptions carries the optional parts of a ledger operation.
type txOptions struct {
	fee         decimal.Decimal
	feeWallet   string
	description string
	paymentID   string
}

// TxOption configures a single ledger operation.
type TxOption func(*txOptions)

// WithFee adds a fee credited to feeWallet on top of the primary amount.
func WithFee(fee decimal.Decimal, feeWallet string) TxOption {
	return func(o *txOptions) {
		o.fee = fee
		o.feeWallet = feeWallet
	}
}

// WithDescription sets the human-readable description stamped on entries.
func WithDescription(description string) TxOption {
	return func(o *txOptions) { o.description = description }
}

// WithPaymentID links the transaction to an orchestrator payment.
func WithPaymentID(paymentID string) TxOption {
	return func(o *txOptions) { o.paymentID = paymentID }
}

func applyTxOptions(opts []TxOption) *txOptions {
	o := &txOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open creates the configured backend, opens it, and replays the journal
// into a ready engine. The engine owns the backend and closes it on Close.
func Open(cfg *entrystore.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = entrystore.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, err := entrystore.CreateBackend(cfg.Backend, cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.Open(cfg.CreateIfMissing); err != nil {
		return nil, fmt.Errorf("open backend %s: %w", cfg.Backend, err)
	}

	engine, err := NewEngine(backend, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	engine.ownsBackend = true
	return engine, nil
}

// NewEngine builds an engine over an already-open backend and replays the
// journal. The caller retains ownership of the backend.
func NewEngine(backend entrystore.Backend, opts ...Option) (*Engine, error) {
	if backend == nil || !backend.IsOpen() {
		return nil, fmt.Errorf("ledger: backend must be open")
	}

	o := &engineOptions{
		logger:    zap.NewNop(),
		cacheSize: defaultEntryCacheSize,
	}
	for _, opt := range opts {
		opt(o)
	}

	cache, err := lru.New[uint64, *Entry](o.cacheSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		journal:      newJournal(backend),
		backend:      backend,
		lastChecksum: GenesisChecksum,
		balances:     make(map[string]map[string]decimal.Decimal),
		held:         make(map[string]map[string]decimal.Decimal),
		walletSeqs:   make(map[string][]uint64),
		txIndex:      make(map[string]*txMeta),
		refunded:     make(map[string]decimal.Decimal),
		holds:        make(map[string]*holdState),
		holdsByEntry: make(map[string]string),
		entryCache:   cache,
		volume:       make(map[string]decimal.Decimal),
		periodStart:  time.Now().UTC(),
		hooks:        o.hooks,
		logger:       o.logger,
	}

	if err := e.replay(); err != nil {
		return nil, err
	}

	e.logger.Info("ledger engine ready",
		zap.String("backend", backend.Name()),
		zap.Uint64("entries", e.entryCount),
		zap.Int("transactions", len(e.txIndex)))
	return e, nil
}

// replay rebuilds all in-memory state from the journal.
func (e *Engine) replay() error {
	err := e.journal.replayEntries(func(entry *Entry) error {
		if entry.Sequence != e.seq+1 {
			return fmt.Errorf("entry %d follows %d: %w", entry.Sequence, e.seq, ErrChainBroken)
		}
		e.seq = entry.Sequence
		e.lastChecksum = entry.Checksum
		e.applyEntryLocked(entry)

		switch entry.Type {
		case EntryHold:
			e.holds[entry.TxID] = &holdState{
				txID:     entry.TxID,
				entryID:  entry.ID,
				entrySeq: entry.Sequence,
				walletID: entry.WalletID,
				currency: entry.Currency,
				amount:   entry.Amount,
				active:   entry.Status == StatusConfirmed,
			}
			e.holdsByEntry[entry.ID] = entry.TxID
		case EntryRelease:
			if holdTxID, ok := e.holdsByEntry[entry.CounterpartID]; ok {
				if hs := e.holds[holdTxID]; hs != nil {
					hs.active = false
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = e.journal.replayTransactions(func(meta *txMeta) error {
		e.txIndex[meta.ID] = meta
		switch meta.Type {
		case TxRefund:
			if meta.RefTxID != "" {
				e.refunded[meta.RefTxID] = e.refunded[meta.RefTxID].Add(meta.Amount)
			}
		case TxHold:
			if hs := e.holds[meta.ID]; hs != nil {
				hs.expiresAt = meta.ExpiresAt
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var lastPeriodEnd time.Time
	err = e.journal.forEachCheckpoint(func(cp *Checkpoint) error {
		lastPeriodEnd = cp.PeriodEnd
		return nil
	})
	if err != nil {
		return err
	}
	if !lastPeriodEnd.IsZero() {
		e.periodStart = lastPeriodEnd
	}
	return nil
}

// Close closes the engine. The backend is closed only when the engine
// created it through Open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true

	var err error
	if e.ownsBackend {
		if cerr := e.backend.Close(); cerr != nil {
			err = fmt.Errorf("close backend: %w", cerr)
		}
	}
	e.mu.Unlock()
	return err
}

// Transfer moves amount from one wallet to another, debiting the source
// for amount plus fee and crediting the fee wallet when a fee is set.
func (e *Engine) Transfer(from, to string, amount decimal.Decimal, currency string, opts ...TxOption) (*Transaction, error) {
	o := applyTxOptions(opts)
	if from == "" || to == "" {
		return nil, ErrInvalidWallet
	}
	if err := validateAmounts(amount, o); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.availableLocked(from, currency).LessThan(amount.Add(o.fee)) {
		e.mu.Unlock()
		return nil, ErrInsufficientBalance
	}

	tx := newTransaction(TxTransfer, amount, currency, o)
	debit := newEntry(EntryDebit, from, amount.Add(o.fee), currency, o.description)
	credit := newEntry(EntryCredit, to, amount, currency, o.description)
	debit.CounterpartID = credit.ID
	credit.CounterpartID = debit.ID
	tx.Entries = []*Entry{debit, credit}
	if o.fee.IsPositive() {
		tx.Entries = append(tx.Entries, newEntry(EntryFee, o.feeWallet, o.fee, currency, o.description))
	}

	err := e.commitLocked(tx, nil, nil)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.publishTransaction(tx)
	return tx.clone(), nil
}

// Deposit credits external funds into a wallet. It is the only operation
// whose entries do not balance: the counterparty is outside the ledger.
func (e *Engine) Deposit(wallet string, amount decimal.Decimal, currency string, opts ...TxOption) (*Transaction, error) {
	o := applyTxOptions(opts)
	if wallet == "" {
		return nil, ErrInvalidWallet
	}
	if !amount.IsPositive() || !o.fee.IsZero() {
		return nil, ErrInvalidAmount
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}

	tx := newTransaction(TxDeposit, amount, currency, o)
	tx.Entries = []*Entry{newEntry(EntryCredit, wallet, amount, currency, o.description)}

	err := e.commitLocked(tx, nil, nil)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.publishTransaction(tx)
	return tx.clone(), nil
}

// Refund reverses value from a committed transfer or capture back to the
// original sender. A zero amount refunds the full original credit;
// cumulative refunds may never exceed it.
func (e *Engine) Refund(originalTxID string, amount decimal.Decimal, opts ...TxOption) (*Transaction, error) {
	o := applyTxOptions(opts)
	if amount.IsNegative() || !o.fee.IsZero() {
		return nil, ErrInvalidAmount
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}

	meta := e.txIndex[originalTxID]
	if meta == nil {
		e.mu.Unlock()
		return nil, ErrTxNotFound
	}
	if meta.Type != TxTransfer && meta.Type != TxCapture {
		e.mu.Unlock()
		return nil, ErrNotRefundable
	}

	var credit, debit *Entry
	for _, seq := range meta.EntrySeqs {
		entry, err := e.entryBySeqLocked(seq)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		switch entry.Type {
		case EntryCredit:
			credit = entry
		case EntryDebit:
			debit = entry
		}
	}
	if credit == nil || debit == nil {
		e.mu.Unlock()
		return nil, ErrNotRefundable
	}

	if amount.IsZero() {
		amount = credit.Amount
	}
	already := e.refunded[originalTxID]
	if already.Add(amount).GreaterThan(credit.Amount) {
		e.mu.Unlock()
		return nil, ErrRefundExceedsOriginal
	}
	if e.balanceLocked(credit.WalletID, meta.Currency).LessThan(amount) {
		e.mu.Unlock()
		return nil, ErrInsufficientBalance
	}

	tx := newTransaction(TxRefund, amount, meta.Currency, o)
	tx.RefTxID = originalTxID
	refundDebit := newEntry(EntryDebit, credit.WalletID, amount, meta.Currency, o.description)
	refundCredit := newEntry(EntryRefund, debit.WalletID, amount, meta.Currency, o.description)
	refundDebit.CounterpartID = refundCredit.ID
	refundCredit.CounterpartID = refundDebit.ID
	tx.Entries = []*Entry{refundDebit, refundCredit}

	err := e.commitLocked(tx, nil, func() {
		e.refunded[originalTxID] = already.Add(amount)
	})
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.publishTransaction(tx)
	return tx.clone(), nil
}

// CreateHold reserves funds without debiting them. The held amount reduces
// the wallet's available balance until the hold is captured or voided.
// Expiry is stored, not enforced; callers decide when to void.
func (e *Engine) CreateHold(wallet string, amount decimal.Decimal, currency string, expiresAt time.Time, opts ...TxOption) (*Transaction, error) {
	o := applyTxOptions(opts)
	if wallet == "" {
		return nil, ErrInvalidWallet
	}
	if !amount.IsPositive() || !o.fee.IsZero() {
		return nil, ErrInvalidAmount
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.availableLocked(wallet, currency).LessThan(amount) {
		e.mu.Unlock()
		return nil, ErrInsufficientBalance
	}

	tx := newTransaction(TxHold, amount, currency, o)
	tx.ExpiresAt = expiresAt
	hold := newEntry(EntryHold, wallet, amount, currency, o.description)
	tx.Entries = []*Entry{hold}

	err := e.commitLocked(tx, nil, func() {
		e.holds[tx.ID] = &holdState{
			txID:      tx.ID,
			entryID:   hold.ID,
			entrySeq:  hold.Sequence,
			walletID:  wallet,
			currency:  currency,
			amount:    amount,
			expiresAt: expiresAt,
			active:    true,
		}
		e.holdsByEntry[hold.ID] = tx.ID
	})
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.publishTransaction(tx)
	return tx.clone(), nil
}

// CaptureHold settles an active hold: it releases the full held amount and
// transfers amount (default: the hold amount) from the holder to the
// destination. Any uncaptured remainder simply becomes available again.
func (e *Engine) CaptureHold(holdTxID, to string, amount decimal.Decimal, opts ...TxOption) (*Transaction, error) {
	o := applyTxOptions(opts)
	if to == "" {
		return nil, ErrInvalidWallet
	}
	if amount.IsNegative() || o.fee.IsNegative() || (o.fee.IsPositive() && o.feeWallet == "") {
		return nil, ErrInvalidAmount
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}

	hs := e.holds[holdTxID]
	if hs == nil {
		e.mu.Unlock()
		if _, ok := e.txIndex[holdTxID]; ok {
			return nil, ErrHoldNotActive
		}
		return nil, ErrTxNotFound
	}
	if !hs.active {
		e.mu.Unlock()
		return nil, ErrHoldNotActive
	}

	if amount.IsZero() {
		amount = hs.amount
	}
	if amount.GreaterThan(hs.amount) {
		e.mu.Unlock()
		return nil, ErrCaptureExceedsHold
	}
	// Releasing the hold frees hs.amount; the transfer then needs to cover
	// amount plus fee out of what is available afterwards.
	if e.availableLocked(hs.walletID, hs.currency).Add(hs.amount).LessThan(amount.Add(o.fee)) {
		e.mu.Unlock()
		return nil, ErrInsufficientBalance
	}

	tx := newTransaction(TxCapture, amount, hs.currency, o)
	tx.RefTxID = holdTxID
	release := newEntry(EntryRelease, hs.walletID, hs.amount, hs.currency, o.description)
	release.CounterpartID = hs.entryID
	debit := newEntry(EntryDebit, hs.walletID, amount.Add(o.fee), hs.currency, o.description)
	credit := newEntry(EntryCredit, to, amount, hs.currency, o.description)
	debit.CounterpartID = credit.ID
	credit.CounterpartID = debit.ID
	tx.Entries = []*Entry{release, debit, credit}
	if o.fee.IsPositive() {
		tx.Entries = append(tx.Entries, newEntry(EntryFee, o.feeWallet, o.fee, hs.currency, o.description))
	}

	err := e.commitLocked(tx, nil, func() {
		hs.active = false
	})
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.publishTransaction(tx)
	return tx.clone(), nil
}

// VoidHold cancels an active hold, releasing the full held amount. The
// original HOLD entry is annotated VOID in the same journal batch; its
// checksummed content is untouched, so the chain stays intact.
func (e *Engine) VoidHold(holdTxID string, opts ...TxOption) (*Transaction, error) {
	o := applyTxOptions(opts)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}

	hs := e.holds[holdTxID]
	if hs == nil {
		e.mu.Unlock()
		if _, ok := e.txIndex[holdTxID]; ok {
			return nil, ErrHoldNotActive
		}
		return nil, ErrTxNotFound
	}
	if !hs.active {
		e.mu.Unlock()
		return nil, ErrHoldNotActive
	}

	holdEntry, err := e.entryBySeqLocked(hs.entrySeq)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	voided := holdEntry.clone()
	voided.Status = StatusVoid

	tx := newTransaction(TxVoid, hs.amount, hs.currency, o)
	tx.RefTxID = holdTxID
	release := newEntry(EntryRelease, hs.walletID, hs.amount, hs.currency, o.description)
	release.CounterpartID = hs.entryID
	tx.Entries = []*Entry{release}

	err = e.commitLocked(tx, []*Entry{voided}, func() {
		hs.active = false
	})
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.publishTransaction(tx)
	return tx.clone(), nil
}

// GetBalance returns the committed balance for a wallet and currency.
func (e *Engine) GetBalance(wallet, currency string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceLocked(wallet, currency)
}

// GetHeldAmount returns the sum of active holds for a wallet and currency.
func (e *Engine) GetHeldAmount(wallet, currency string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heldLocked(wallet, currency)
}

// GetAvailableBalance returns balance minus held.
func (e *Engine) GetAvailableBalance(wallet, currency string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.availableLocked(wallet, currency)
}

// GetBalances returns all currency balances for a wallet.
func (e *Engine) GetBalances(wallet string) map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(e.balances[wallet]))
	for currency, amount := range e.balances[wallet] {
		out[currency] = amount
	}
	return out
}

// GetEntriesForWallet returns the wallet's entries newest first.
func (e *Engine) GetEntriesForWallet(wallet string, limit, offset int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seqs := e.walletSeqs[wallet]
	if offset >= len(seqs) {
		return nil, nil
	}

	out := make([]*Entry, 0, min(limit, len(seqs)-offset))
	for i := len(seqs) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		entry, err := e.entryBySeqLocked(seqs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, entry.clone())
	}
	return out, nil
}

// GetTransaction returns a committed transaction with its entries.
func (e *Engine) GetTransaction(txID string) (*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	meta := e.txIndex[txID]
	if meta == nil {
		return nil, ErrTxNotFound
	}
	return e.transactionLocked(meta)
}

// GetTransactionsForWallet returns the distinct transactions touching the
// wallet, newest first.
func (e *Engine) GetTransactionsForWallet(wallet string, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seqs := e.walletSeqs[wallet]
	seen := make(map[string]struct{})
	skipped := 0
	var out []*Transaction
	for i := len(seqs) - 1; i >= 0 && len(out) < limit; i-- {
		entry, err := e.entryBySeqLocked(seqs[i])
		if err != nil {
			return nil, err
		}
		if _, ok := seen[entry.TxID]; ok {
			continue
		}
		seen[entry.TxID] = struct{}{}
		if skipped < offset {
			skipped++
			continue
		}
		meta := e.txIndex[entry.TxID]
		if meta == nil {
			return nil, ErrTxNotFound
		}
		tx, err := e.transactionLocked(meta)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (e *Engine) transactionLocked(meta *txMeta) (*Transaction, error) {
	entries := make([]*Entry, 0, len(meta.EntrySeqs))
	for _, seq := range meta.EntrySeqs {
		entry, err := e.entryBySeqLocked(seq)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry.clone())
	}

	return &Transaction{
		ID:        meta.ID,
		Type:      meta.Type,
		RefTxID:   meta.RefTxID,
		Amount:    meta.Amount,
		Currency:  meta.Currency,
		PaymentID: meta.PaymentID,
		ExpiresAt: meta.ExpiresAt,
		Entries:   entries,
		CreatedAt: meta.CreatedAt,
	}, nil
}

// GetHold returns a snapshot of the hold created by the given hold
// transaction.
func (e *Engine) GetHold(holdTxID string) (*HoldInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hs := e.holds[holdTxID]
	if hs == nil {
		return nil, ErrTxNotFound
	}
	return e.holdInfoLocked(hs), nil
}

// ActiveHolds returns all currently active holds, ordered by creation.
// Orchestrators use it to rebuild their hold registries after a restart.
func (e *Engine) ActiveHolds() []*HoldInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*HoldInfo, 0, len(e.holds))
	for _, hs := range e.holds {
		if hs.active {
			out = append(out, e.holdInfoLocked(hs))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TxID < out[j].TxID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (e *Engine) holdInfoLocked(hs *holdState) *HoldInfo {
	info := &HoldInfo{
		TxID:      hs.txID,
		EntryID:   hs.entryID,
		WalletID:  hs.walletID,
		Currency:  hs.currency,
		Amount:    hs.amount,
		ExpiresAt: hs.expiresAt,
		Active:    hs.active,
	}
	if meta := e.txIndex[hs.txID]; meta != nil {
		info.PaymentID = meta.PaymentID
		info.CreatedAt = meta.CreatedAt
	}
	return info
}

// CreateCheckpoint snapshots the current ledger state, persists it, and
// starts a new period.
func (e *Engine) CreateCheckpoint() (*Checkpoint, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}

	now := time.Now().UTC()
	balances := make(map[string]map[string]decimal.Decimal, len(e.balances))
	for wallet, byCurrency := range e.balances {
		m := make(map[string]decimal.Decimal, len(byCurrency))
		for currency, amount := range byCurrency {
			m[currency] = amount
		}
		balances[wallet] = m
	}
	volume := make(map[string]decimal.Decimal, len(e.volume))
	for currency, amount := range e.volume {
		volume[currency] = amount
	}

	cp := &Checkpoint{
		ID:           newCheckpointID(),
		PeriodStart:  e.periodStart,
		PeriodEnd:    now,
		LastSequence: e.seq,
		LastChecksum: e.lastChecksum,
		Balances:     balances,
		EntryCount:   e.entryCount,
		Volume:       volume,
		CreatedAt:    now,
	}
	cp.Checksum = computeCheckpointChecksum(cp)

	if err := e.journal.putCheckpoint(cp); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if err := e.journal.sync(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.periodStart = cp.PeriodEnd
	e.mu.Unlock()

	e.logger.Info("checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.Uint64("last_sequence", cp.LastSequence),
		zap.Int("wallets", len(cp.Balances)))
	e.publishCheckpoint(cp)
	return cp, nil
}

// Checkpoints returns all stored checkpoints ordered by the sequence they
// cover.
func (e *Engine) Checkpoints() ([]*Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Checkpoint
	err := e.journal.forEachCheckpoint(func(cp *Checkpoint) error {
		out = append(out, cp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyIntegrity walks the full journal in sequence order, recomputing
// every checksum against the previous one, and fails at the first break.
func (e *Engine) VerifyIntegrity() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := GenesisChecksum
	var lastSeq uint64
	err := e.journal.replayEntries(func(entry *Entry) error {
		if entry.Sequence != lastSeq+1 {
			return fmt.Errorf("entry %d follows %d: %w", entry.Sequence, lastSeq, ErrChainBroken)
		}
		if entry.PrevChecksum != prev {
			return fmt.Errorf("entry %d previous checksum mismatch: %w", entry.Sequence, ErrChainBroken)
		}
		if ComputeChecksum(prev, entry) != entry.Checksum {
			return fmt.Errorf("entry %d checksum mismatch: %w", entry.Sequence, ErrChainBroken)
		}
		prev = entry.Checksum
		lastSeq = entry.Sequence
		return nil
	})
	if err != nil {
		return err
	}
	if lastSeq != e.seq || prev != e.lastChecksum {
		return fmt.Errorf("journal tail at %d, engine at %d: %w", lastSeq, e.seq, ErrChainBroken)
	}
	return nil
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	activeHolds := 0
	for _, hs := range e.holds {
		if hs.active {
			activeHolds++
		}
	}
	volume := make(map[string]decimal.Decimal, len(e.volume))
	for currency, amount := range e.volume {
		volume[currency] = amount
	}
	return EngineStats{
		LastSequence: e.seq,
		EntryCount:   e.entryCount,
		LastChecksum: e.lastChecksum,
		Transactions: len(e.txIndex),
		ActiveHolds:  activeHolds,
		Wallets:      len(e.balances),
		Volume:       volume,
	}
}

// commitLocked runs the commit critical section: verify the double-entry
// balance, assign sequences and chain checksums, journal everything in one
// batch, and only then apply the effects to the in-memory caches. Any
// failure before the journal write leaves every counter untouched.
func (e *Engine) commitLocked(tx *Transaction, updated []*Entry, post func()) error {
	if !balancedOK(tx.Type, tx.Entries) {
		return ErrUnbalanced
	}

	seq := e.seq
	chain := e.lastChecksum
	for _, entry := range tx.Entries {
		seq++
		entry.TxID = tx.ID
		entry.Sequence = seq
		entry.PrevChecksum = chain
		entry.Checksum = ComputeChecksum(chain, entry)
		entry.Status = StatusConfirmed
		chain = entry.Checksum
	}

	if err := e.journal.putTransaction(tx, updated...); err != nil {
		return err
	}

	e.seq = seq
	e.lastChecksum = chain
	for _, entry := range tx.Entries {
		e.applyEntryLocked(entry)
	}
	for _, entry := range updated {
		e.entryCache.Add(entry.Sequence, entry)
	}

	seqs := make([]uint64, len(tx.Entries))
	for i, entry := range tx.Entries {
		seqs[i] = entry.Sequence
	}
	e.txIndex[tx.ID] = &txMeta{
		ID:        tx.ID,
		Type:      tx.Type,
		RefTxID:   tx.RefTxID,
		Amount:    tx.Amount,
		Currency:  tx.Currency,
		PaymentID: tx.PaymentID,
		ExpiresAt: tx.ExpiresAt,
		EntrySeqs: seqs,
		CreatedAt: tx.CreatedAt,
	}

	if post != nil {
		post()
	}

	e.logger.Debug("ledger transaction committed",
		zap.String("tx_id", tx.ID),
		zap.String("type", string(tx.Type)),
		zap.Uint64("last_sequence", e.seq))
	return nil
}

// applyEntryLocked folds a committed entry into the balance and held
// caches and the per-wallet index.
func (e *Engine) applyEntryLocked(entry *Entry) {
	if delta := entry.signedAmount(); !delta.IsZero() {
		m := e.balances[entry.WalletID]
		if m == nil {
			m = make(map[string]decimal.Decimal)
			e.balances[entry.WalletID] = m
		}
		m[entry.Currency] = m[entry.Currency].Add(delta)
	}
	if delta := entry.heldDelta(); !delta.IsZero() {
		m := e.held[entry.WalletID]
		if m == nil {
			m = make(map[string]decimal.Decimal)
			e.held[entry.WalletID] = m
		}
		m[entry.Currency] = m[entry.Currency].Add(delta)
	}

	e.walletSeqs[entry.WalletID] = append(e.walletSeqs[entry.WalletID], entry.Sequence)
	if entry.Type == EntryDebit {
		e.volume[entry.Currency] = e.volume[entry.Currency].Add(entry.Amount)
	}
	e.entryCount++
	e.entryCache.Add(entry.Sequence, entry)
}

func (e *Engine) balanceLocked(wallet, currency string) decimal.Decimal {
	return e.balances[wallet][currency]
}

func (e *Engine) heldLocked(wallet, currency string) decimal.Decimal {
	return e.held[wallet][currency]
}

func (e *Engine) availableLocked(wallet, currency string) decimal.Decimal {
	return e.balanceLocked(wallet, currency).Sub(e.heldLocked(wallet, currency))
}

// entryBySeqLocked reads an entry through the LRU cache, falling back to
// the journal. Callers must treat the result as immutable.
func (e *Engine) entryBySeqLocked(seq uint64) (*Entry, error) {
	if entry, ok := e.entryCache.Get(seq); ok {
		return entry, nil
	}
	entry, err := e.journal.getEntry(seq)
	if err != nil {
		if entrystore.IsNotFound(err) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	e.entryCache.Add(seq, entry)
	return entry, nil
}

func newTransaction(txType TxType, amount decimal.Decimal, currency string, o *txOptions) *Transaction {
	return &Transaction{
		ID:        "tx_" + uuid.NewString(),
		Type:      txType,
		Amount:    amount,
		Currency:  currency,
		PaymentID: o.paymentID,
		CreatedAt: time.Now().UTC(),
	}
}

func validateAmounts(amount decimal.Decimal, o *txOptions) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if o.fee.IsNegative() {
		return ErrInvalidAmount
	}
	if o.fee.IsPositive() && o.feeWallet == "" {
		return ErrInvalidAmount
	}
	return nil
}
