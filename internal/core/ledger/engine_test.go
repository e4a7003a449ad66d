package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardislabs/sardisd/internal/storage/entrystore"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(dec(want)), "want %s, got %s", want, got)
}

func newTestBackend(t *testing.T) entrystore.Backend {
	t.Helper()
	backend := entrystore.NewMemoryBackend()
	require.NoError(t, backend.Open(true))
	t.Cleanup(func() { backend.Close() })
	return backend
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	engine, err := NewEngine(newTestBackend(t), opts...)
	require.NoError(t, err)
	return engine
}

func fundedEngine(t *testing.T, wallet, amount string) *Engine {
	t.Helper()
	engine := newTestEngine(t)
	_, err := engine.Deposit(wallet, dec(amount), "USDC")
	require.NoError(t, err)
	return engine
}

func TestDeposit(t *testing.T) {
	engine := newTestEngine(t)

	tx, err := engine.Deposit("w_alice", dec("1000"), "USDC", WithDescription("initial funding"))
	require.NoError(t, err)
	assert.Equal(t, TxDeposit, tx.Type)
	require.Len(t, tx.Entries, 1)
	assert.Equal(t, EntryCredit, tx.Entries[0].Type)
	assert.Equal(t, StatusConfirmed, tx.Entries[0].Status)
	assert.Equal(t, "initial funding", tx.Entries[0].Description)
	assertAmount(t, "1000", engine.GetBalance("w_alice", "USDC"))

	t.Run("MultiCurrency", func(t *testing.T) {
		_, err := engine.Deposit("w_alice", dec("5"), "EURC")
		require.NoError(t, err)
		assertAmount(t, "5", engine.GetBalance("w_alice", "EURC"))
		assertAmount(t, "1000", engine.GetBalance("w_alice", "USDC"))
	})

	t.Run("RejectsNonPositive", func(t *testing.T) {
		_, err := engine.Deposit("w_alice", decimal.Zero, "USDC")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = engine.Deposit("w_alice", dec("-1"), "USDC")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("RejectsEmptyWallet", func(t *testing.T) {
		_, err := engine.Deposit("", dec("1"), "USDC")
		assert.ErrorIs(t, err, ErrInvalidWallet)
	})
}

func TestTransfer(t *testing.T) {
	t.Run("Basic", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")

		tx, err := engine.Transfer("w_alice", "w_bob", dec("100"), "USDC")
		require.NoError(t, err)
		assert.Equal(t, TxTransfer, tx.Type)
		require.Len(t, tx.Entries, 2)

		debit, credit := tx.Entries[0], tx.Entries[1]
		assert.Equal(t, EntryDebit, debit.Type)
		assert.Equal(t, EntryCredit, credit.Type)
		assertAmount(t, "100", debit.Amount)
		assertAmount(t, "100", credit.Amount)
		assert.Equal(t, credit.ID, debit.CounterpartID)
		assert.Equal(t, debit.ID, credit.CounterpartID)
		assert.Equal(t, tx.ID, debit.TxID)

		assertAmount(t, "900", engine.GetBalance("w_alice", "USDC"))
		assertAmount(t, "100", engine.GetBalance("w_bob", "USDC"))
	})

	t.Run("WithFee", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")

		tx, err := engine.Transfer("w_alice", "w_bob", dec("100"), "USDC",
			WithFee(dec("0.10"), "w_fees"))
		require.NoError(t, err)
		require.Len(t, tx.Entries, 3)
		assertAmount(t, "100.1", tx.Entries[0].Amount)
		assert.Equal(t, EntryFee, tx.Entries[2].Type)
		assert.Equal(t, "w_fees", tx.Entries[2].WalletID)

		assertAmount(t, "899.9", engine.GetBalance("w_alice", "USDC"))
		assertAmount(t, "100", engine.GetBalance("w_bob", "USDC"))
		assertAmount(t, "0.1", engine.GetBalance("w_fees", "USDC"))
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "50")

		_, err := engine.Transfer("w_alice", "w_bob", dec("100"), "USDC")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assertAmount(t, "50", engine.GetBalance("w_alice", "USDC"))
		assertAmount(t, "0", engine.GetBalance("w_bob", "USDC"))
	})

	t.Run("FeePushesOverBalance", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "100")

		_, err := engine.Transfer("w_alice", "w_bob", dec("100"), "USDC",
			WithFee(dec("0.10"), "w_fees"))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "100")

		_, err := engine.Transfer("w_alice", "w_bob", decimal.Zero, "USDC")
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = engine.Transfer("w_alice", "w_bob", dec("-5"), "USDC")
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = engine.Transfer("w_alice", "w_bob", dec("5"), "USDC",
			WithFee(dec("-1"), "w_fees"))
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = engine.Transfer("w_alice", "w_bob", dec("5"), "USDC",
			WithFee(dec("1"), ""))
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = engine.Transfer("", "w_bob", dec("5"), "USDC")
		assert.ErrorIs(t, err, ErrInvalidWallet)
	})

	t.Run("Closed", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "100")
		require.NoError(t, engine.Close())

		_, err := engine.Transfer("w_alice", "w_bob", dec("5"), "USDC")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestChainIntegrity(t *testing.T) {
	backend := newTestBackend(t)
	engine, err := NewEngine(backend)
	require.NoError(t, err)

	_, err = engine.Deposit("w_alice", dec("500"), "USDC")
	require.NoError(t, err)
	tx1, err := engine.Transfer("w_alice", "w_bob", dec("100"), "USDC")
	require.NoError(t, err)
	tx2, err := engine.Transfer("w_bob", "w_carol", dec("25"), "USDC")
	require.NoError(t, err)

	t.Run("EntriesChainFromGenesis", func(t *testing.T) {
		entries, err := engine.GetEntriesForWallet("w_alice", 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		// Newest first: the deposit credit is last.
		first := entries[len(entries)-1]
		assert.Equal(t, uint64(1), first.Sequence)
		assert.Equal(t, GenesisChecksum, first.PrevChecksum)

		// Within a transaction the chain links entry to entry.
		assert.Equal(t, tx1.Entries[0].Checksum, tx1.Entries[1].PrevChecksum)
		// Across transactions it links the last entry to the next first.
		assert.Equal(t, tx1.Entries[1].Checksum, tx2.Entries[0].PrevChecksum)
	})

	t.Run("VerifyPasses", func(t *testing.T) {
		require.NoError(t, engine.VerifyIntegrity())
	})

	t.Run("TamperedAmountDetected", func(t *testing.T) {
		tampered, err := engine.GetTransaction(tx1.ID)
		require.NoError(t, err)
		rec := entryToRecord(tampered.Entries[0])
		rec.Amount = "999999"
		data, err := marshalRecord(rec)
		require.NoError(t, err)
		require.Equal(t, entrystore.OK, backend.Put(entryKey(rec.Sequence), data))

		err = engine.VerifyIntegrity()
		assert.ErrorIs(t, err, ErrChainBroken)
	})
}

func TestUnbalancedRejected(t *testing.T) {
	engine := fundedEngine(t, "w_alice", "100")

	tx := newTransaction(TxTransfer, dec("10"), "USDC", &txOptions{})
	tx.Entries = []*Entry{newEntry(EntryCredit, "w_bob", dec("10"), "USDC", "")}

	engine.mu.Lock()
	err := engine.commitLocked(tx, nil, nil)
	engine.mu.Unlock()
	assert.ErrorIs(t, err, ErrUnbalanced)

	stats := engine.Stats()
	assert.Equal(t, uint64(1), stats.LastSequence)
	require.NoError(t, engine.VerifyIntegrity())
}

func TestRefund(t *testing.T) {
	t.Run("FullByDefault", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")
		tx, err := engine.Transfer("w_alice", "w_bob", dec("100"), "USDC")
		require.NoError(t, err)

		refund, err := engine.Refund(tx.ID, decimal.Zero)
		require.NoError(t, err)
		assert.Equal(t, TxRefund, refund.Type)
		assert.Equal(t, tx.ID, refund.RefTxID)
		require.Len(t, refund.Entries, 2)
		assert.Equal(t, EntryDebit, refund.Entries[0].Type)
		assert.Equal(t, "w_bob", refund.Entries[0].WalletID)
		assert.Equal(t, EntryRefund, refund.Entries[1].Type)
		assert.Equal(t, "w_alice", refund.Entries[1].WalletID)

		assertAmount(t, "1000", engine.GetBalance("w_alice", "USDC"))
		assertAmount(t, "0", engine.GetBalance("w_bob", "USDC"))

		_, err = engine.Refund(tx.ID, decimal.Zero)
		assert.ErrorIs(t, err, ErrRefundExceedsOriginal)
	})

	t.Run("PartialUpToOriginal", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")
		tx, err := engine.Transfer("w_alice", "w_bob", dec("100"), "USDC")
		require.NoError(t, err)

		_, err = engine.Refund(tx.ID, dec("30"))
		require.NoError(t, err)
		_, err = engine.Refund(tx.ID, dec("70"))
		require.NoError(t, err)
		assertAmount(t, "1000", engine.GetBalance("w_alice", "USDC"))

		_, err = engine.Refund(tx.ID, dec("0.01"))
		assert.ErrorIs(t, err, ErrRefundExceedsOriginal)
	})

	t.Run("FeeNotRefunded", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")
		tx, err := engine.Transfer("w_alice", "w_bob", dec("100"), "USDC",
			WithFee(dec("0.10"), "w_fees"))
		require.NoError(t, err)

		_, err = engine.Refund(tx.ID, decimal.Zero)
		require.NoError(t, err)
		// The fee stays with the fee wallet; alice is out exactly the fee.
		assertAmount(t, "999.9", engine.GetBalance("w_alice", "USDC"))
		assertAmount(t, "0.1", engine.GetBalance("w_fees", "USDC"))
	})

	t.Run("RecipientSpentTheFunds", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")
		tx, err := engine.Transfer("w_alice", "w_bob", dec("100"), "USDC")
		require.NoError(t, err)
		_, err = engine.Transfer("w_bob", "w_carol", dec("80"), "USDC")
		require.NoError(t, err)

		_, err = engine.Refund(tx.ID, decimal.Zero)
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		_, err = engine.Refund(tx.ID, dec("20"))
		require.NoError(t, err)
	})

	t.Run("OnlyTransfersAndCaptures", func(t *testing.T) {
		engine := newTestEngine(t)
		deposit, err := engine.Deposit("w_alice", dec("100"), "USDC")
		require.NoError(t, err)

		_, err = engine.Refund(deposit.ID, decimal.Zero)
		assert.ErrorIs(t, err, ErrNotRefundable)

		_, err = engine.Refund("tx_missing", decimal.Zero)
		assert.ErrorIs(t, err, ErrTxNotFound)
	})

	t.Run("RefundOfCapture", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")
		hold, err := engine.CreateHold("w_alice", dec("200"), "USDC", time.Time{})
		require.NoError(t, err)
		capture, err := engine.CaptureHold(hold.ID, "w_merchant", decimal.Zero)
		require.NoError(t, err)

		_, err = engine.Refund(capture.ID, dec("50"))
		require.NoError(t, err)
		assertAmount(t, "850", engine.GetBalance("w_alice", "USDC"))
		assertAmount(t, "150", engine.GetBalance("w_merchant", "USDC"))
	})
}

func TestHolds(t *testing.T) {
	t.Run("CreateReservesAvailable", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")

		tx, err := engine.CreateHold("w_alice", dec("300"), "USDC", time.Time{})
		require.NoError(t, err)
		require.Len(t, tx.Entries, 1)
		assert.Equal(t, EntryHold, tx.Entries[0].Type)

		assertAmount(t, "1000", engine.GetBalance("w_alice", "USDC"))
		assertAmount(t, "300", engine.GetHeldAmount("w_alice", "USDC"))
		assertAmount(t, "700", engine.GetAvailableBalance("w_alice", "USDC"))

		// A transfer can only spend what is not reserved.
		_, err = engine.Transfer("w_alice", "w_bob", dec("701"), "USDC")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		_, err = engine.Transfer("w_alice", "w_bob", dec("700"), "USDC")
		require.NoError(t, err)
	})

	t.Run("HoldNeedsAvailableFunds", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "100")
		_, err := engine.CreateHold("w_alice", dec("80"), "USDC", time.Time{})
		require.NoError(t, err)
		_, err = engine.CreateHold("w_alice", dec("30"), "USDC", time.Time{})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("CaptureFull", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")
		hold, err := engine.CreateHold("w_alice", dec("300"), "USDC", time.Time{})
		require.NoError(t, err)

		capture, err := engine.CaptureHold(hold.ID, "w_merchant", decimal.Zero)
		require.NoError(t, err)
		assert.Equal(t, TxCapture, capture.Type)
		assert.Equal(t, hold.ID, capture.RefTxID)
		require.Len(t, capture.Entries, 3)
		assert.Equal(t, EntryRelease, capture.Entries[0].Type)
		assert.Equal(t, hold.Entries[0].ID, capture.Entries[0].CounterpartID)

		assertAmount(t, "700", engine.GetBalance("w_alice", "USDC"))
		assertAmount(t, "300", engine.GetBalance("w_merchant", "USDC"))
		assertAmount(t, "0", engine.GetHeldAmount("w_alice", "USDC"))

		info, err := engine.GetHold(hold.ID)
		require.NoError(t, err)
		assert.False(t, info.Active)

		_, err = engine.CaptureHold(hold.ID, "w_merchant", decimal.Zero)
		assert.ErrorIs(t, err, ErrHoldNotActive)
	})

	t.Run("CapturePartialReleasesRemainder", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")
		hold, err := engine.CreateHold("w_alice", dec("300"), "USDC", time.Time{})
		require.NoError(t, err)

		_, err = engine.CaptureHold(hold.ID, "w_merchant", dec("120"))
		require.NoError(t, err)

		assertAmount(t, "880", engine.GetBalance("w_alice", "USDC"))
		assertAmount(t, "120", engine.GetBalance("w_merchant", "USDC"))
		assertAmount(t, "0", engine.GetHeldAmount("w_alice", "USDC"))
		assertAmount(t, "880", engine.GetAvailableBalance("w_alice", "USDC"))
	})

	t.Run("CaptureWithFee", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")
		hold, err := engine.CreateHold("w_alice", dec("300"), "USDC", time.Time{})
		require.NoError(t, err)

		capture, err := engine.CaptureHold(hold.ID, "w_merchant", dec("100"),
			WithFee(dec("0.10"), "w_fees"))
		require.NoError(t, err)
		require.Len(t, capture.Entries, 4)

		assertAmount(t, "899.9", engine.GetBalance("w_alice", "USDC"))
		assertAmount(t, "100", engine.GetBalance("w_merchant", "USDC"))
		assertAmount(t, "0.1", engine.GetBalance("w_fees", "USDC"))
	})

	t.Run("CaptureExceedsHold", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")
		hold, err := engine.CreateHold("w_alice", dec("300"), "USDC", time.Time{})
		require.NoError(t, err)

		_, err = engine.CaptureHold(hold.ID, "w_merchant", dec("300.01"))
		assert.ErrorIs(t, err, ErrCaptureExceedsHold)
	})

	t.Run("CaptureUnknownTx", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")
		_, err := engine.CaptureHold("tx_missing", "w_merchant", decimal.Zero)
		assert.ErrorIs(t, err, ErrTxNotFound)

		transfer, err := engine.Transfer("w_alice", "w_bob", dec("1"), "USDC")
		require.NoError(t, err)
		_, err = engine.CaptureHold(transfer.ID, "w_merchant", decimal.Zero)
		assert.ErrorIs(t, err, ErrHoldNotActive)
	})

	t.Run("VoidRestoresAvailable", func(t *testing.T) {
		engine := fundedEngine(t, "w_alice", "1000")
		hold, err := engine.CreateHold("w_alice", dec("300"), "USDC", time.Time{})
		require.NoError(t, err)

		voidTx, err := engine.VoidHold(hold.ID)
		require.NoError(t, err)
		assert.Equal(t, TxVoid, voidTx.Type)
		require.Len(t, voidTx.Entries, 1)
		assert.Equal(t, EntryRelease, voidTx.Entries[0].Type)

		assertAmount(t, "1000", engine.GetBalance("w_alice", "USDC"))
		assertAmount(t, "0", engine.GetHeldAmount("w_alice", "USDC"))

		// The HOLD entry is annotated VOID without breaking the chain.
		stored, err := engine.GetTransaction(hold.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusVoid, stored.Entries[0].Status)
		require.NoError(t, engine.VerifyIntegrity())

		_, err = engine.VoidHold(hold.ID)
		assert.ErrorIs(t, err, ErrHoldNotActive)
		_, err = engine.CaptureHold(hold.ID, "w_merchant", decimal.Zero)
		assert.ErrorIs(t, err, ErrHoldNotActive)
	})
}

func TestGetEntriesForWallet(t *testing.T) {
	engine := fundedEngine(t, "w_alice", "1000")
	for i := 0; i < 3; i++ {
		_, err := engine.Transfer("w_alice", "w_bob", dec("10"), "USDC")
		require.NoError(t, err)
	}

	entries, err := engine.GetEntriesForWallet("w_alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i-1].Sequence, entries[i].Sequence, "newest first")
	}
	assert.Equal(t, EntryDebit, entries[0].Type)
	assert.Equal(t, EntryCredit, entries[3].Type)

	t.Run("Paging", func(t *testing.T) {
		page, err := engine.GetEntriesForWallet("w_alice", 2, 0)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, entries[0].ID, page[0].ID)

		page, err = engine.GetEntriesForWallet("w_alice", 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, entries[2].ID, page[0].ID)

		page, err = engine.GetEntriesForWallet("w_alice", 2, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("UnknownWallet", func(t *testing.T) {
		page, err := engine.GetEntriesForWallet("w_nobody", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}

func TestGetTransactionsForWallet(t *testing.T) {
	engine := fundedEngine(t, "w_alice", "1000")
	var txIDs []string
	for i := 0; i < 3; i++ {
		tx, err := engine.Transfer("w_alice", "w_bob", dec("10"), "USDC")
		require.NoError(t, err)
		txIDs = append(txIDs, tx.ID)
	}

	txs, err := engine.GetTransactionsForWallet("w_alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 4, "three transfers plus the funding deposit")
	assert.Equal(t, txIDs[2], txs[0].ID, "newest first")
	assert.Equal(t, txIDs[1], txs[1].ID)
	assert.Equal(t, txIDs[0], txs[2].ID)
	assert.Equal(t, TxDeposit, txs[3].Type)
	require.Len(t, txs[0].Entries, 2, "transactions come back with their entries")

	t.Run("BothSidesSeeTheSameTransaction", func(t *testing.T) {
		bobTxs, err := engine.GetTransactionsForWallet("w_bob", 10, 0)
		require.NoError(t, err)
		require.Len(t, bobTxs, 3)
		assert.Equal(t, txIDs[2], bobTxs[0].ID)
	})

	t.Run("Paging", func(t *testing.T) {
		page, err := engine.GetTransactionsForWallet("w_alice", 2, 1)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, txIDs[1], page[0].ID)
		assert.Equal(t, txIDs[0], page[1].ID)
	})

	t.Run("UnknownWallet", func(t *testing.T) {
		page, err := engine.GetTransactionsForWallet("w_nobody", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}

func TestReplayRebuildsState(t *testing.T) {
	backend := newTestBackend(t)
	engine, err := NewEngine(backend)
	require.NoError(t, err)

	_, err = engine.Deposit("w_alice", dec("1000"), "USDC")
	require.NoError(t, err)
	transfer, err := engine.Transfer("w_alice", "w_bob", dec("100"), "USDC",
		WithFee(dec("0.10"), "w_fees"))
	require.NoError(t, err)
	_, err = engine.Refund(transfer.ID, dec("40"))
	require.NoError(t, err)

	expiresAt := time.Now().Add(168 * time.Hour).UTC()
	hold, err := engine.CreateHold("w_alice", dec("250"), "USDC", expiresAt,
		WithPaymentID("pay_hold_1"))
	require.NoError(t, err)
	captured, err := engine.CreateHold("w_alice", dec("50"), "USDC", time.Time{})
	require.NoError(t, err)
	_, err = engine.CaptureHold(captured.ID, "w_merchant", decimal.Zero)
	require.NoError(t, err)
	voided, err := engine.CreateHold("w_alice", dec("10"), "USDC", time.Time{})
	require.NoError(t, err)
	_, err = engine.VoidHold(voided.ID)
	require.NoError(t, err)

	before := engine.Stats()
	require.NoError(t, engine.Close())

	reopened, err := NewEngine(backend)
	require.NoError(t, err)
	defer reopened.Close()

	after := reopened.Stats()
	assert.Equal(t, before.LastSequence, after.LastSequence)
	assert.Equal(t, before.EntryCount, after.EntryCount)
	assert.Equal(t, before.LastChecksum, after.LastChecksum)
	assert.Equal(t, before.Transactions, after.Transactions)
	assert.Equal(t, before.ActiveHolds, after.ActiveHolds)

	assertAmount(t, "889.9", reopened.GetBalance("w_alice", "USDC"))
	assertAmount(t, "60", reopened.GetBalance("w_bob", "USDC"))
	assertAmount(t, "0.1", reopened.GetBalance("w_fees", "USDC"))
	assertAmount(t, "50", reopened.GetBalance("w_merchant", "USDC"))
	assertAmount(t, "250", reopened.GetHeldAmount("w_alice", "USDC"))

	t.Run("RefundTallySurvives", func(t *testing.T) {
		_, err := reopened.Refund(transfer.ID, dec("61"))
		assert.ErrorIs(t, err, ErrRefundExceedsOriginal)
		_, err = reopened.Refund(transfer.ID, dec("60"))
		require.NoError(t, err)
	})

	t.Run("HoldStateSurvives", func(t *testing.T) {
		info, err := reopened.GetHold(hold.ID)
		require.NoError(t, err)
		assert.True(t, info.Active)
		assert.Equal(t, "pay_hold_1", info.PaymentID)
		assert.True(t, info.ExpiresAt.Equal(expiresAt), "want %s, got %s", expiresAt, info.ExpiresAt)

		capturedInfo, err := reopened.GetHold(captured.ID)
		require.NoError(t, err)
		assert.False(t, capturedInfo.Active)

		voidedInfo, err := reopened.GetHold(voided.ID)
		require.NoError(t, err)
		assert.False(t, voidedInfo.Active)

		active := reopened.ActiveHolds()
		require.Len(t, active, 1)
		assert.Equal(t, hold.ID, active[0].TxID)
	})

	t.Run("ChainIntact", func(t *testing.T) {
		require.NoError(t, reopened.VerifyIntegrity())
	})
}

func TestPersistentBackends(t *testing.T) {
	for _, name := range []string{"pebble", "leveldb"} {
		t.Run(name, func(t *testing.T) {
			cfg := entrystore.DefaultConfig()
			cfg.Backend = name
			cfg.Path = t.TempDir()

			engine, err := Open(cfg)
			require.NoError(t, err)

			_, err = engine.Deposit("w_alice", dec("500"), "USDC")
			require.NoError(t, err)
			_, err = engine.Transfer("w_alice", "w_bob", dec("123.456789"), "USDC")
			require.NoError(t, err)
			hold, err := engine.CreateHold("w_alice", dec("75"), "USDC", time.Time{})
			require.NoError(t, err)
			require.NoError(t, engine.Close())

			reopened, err := Open(cfg)
			require.NoError(t, err)
			defer reopened.Close()

			assertAmount(t, "376.543211", reopened.GetBalance("w_alice", "USDC"))
			assertAmount(t, "123.456789", reopened.GetBalance("w_bob", "USDC"))
			assertAmount(t, "75", reopened.GetHeldAmount("w_alice", "USDC"))
			require.NoError(t, reopened.VerifyIntegrity())

			_, err = reopened.CaptureHold(hold.ID, "w_bob", decimal.Zero)
			require.NoError(t, err)
		})
	}
}

func TestCheckpoint(t *testing.T) {
	backend := newTestBackend(t)
	engine, err := NewEngine(backend)
	require.NoError(t, err)

	_, err = engine.Deposit("w_alice", dec("1000"), "USDC")
	require.NoError(t, err)
	_, err = engine.Transfer("w_alice", "w_bob", dec("200"), "USDC")
	require.NoError(t, err)

	cp1, err := engine.CreateCheckpoint()
	require.NoError(t, err)
	stats := engine.Stats()
	assert.Equal(t, stats.LastSequence, cp1.LastSequence)
	assert.Equal(t, stats.LastChecksum, cp1.LastChecksum)
	assert.Equal(t, stats.EntryCount, cp1.EntryCount)
	assertAmount(t, "800", cp1.Balances["w_alice"]["USDC"])
	assertAmount(t, "200", cp1.Balances["w_bob"]["USDC"])
	assertAmount(t, "200", cp1.Volume["USDC"])
	assert.True(t, cp1.Verify())

	_, err = engine.Transfer("w_alice", "w_bob", dec("50"), "USDC")
	require.NoError(t, err)
	cp2, err := engine.CreateCheckpoint()
	require.NoError(t, err)
	assert.True(t, cp2.PeriodStart.Equal(cp1.PeriodEnd), "periods are contiguous")
	assert.Greater(t, cp2.LastSequence, cp1.LastSequence)

	t.Run("Listed", func(t *testing.T) {
		cps, err := engine.Checkpoints()
		require.NoError(t, err)
		require.Len(t, cps, 2)
		assert.Equal(t, cp1.ID, cps[0].ID)
		assert.Equal(t, cp2.ID, cps[1].ID)
		assert.True(t, cps[0].Verify())
		assert.True(t, cps[1].Verify())
	})

	t.Run("PeriodResumesAfterReopen", func(t *testing.T) {
		require.NoError(t, engine.Close())
		reopened, err := NewEngine(backend)
		require.NoError(t, err)
		defer reopened.Close()

		cp3, err := reopened.CreateCheckpoint()
		require.NoError(t, err)
		assert.True(t, cp3.PeriodStart.Equal(cp2.PeriodEnd))
	})
}

func TestHooks(t *testing.T) {
	var sequence []string
	hooks := &EntryHooks{
		OnTransaction: func(tx *Transaction) {
			sequence = append(sequence, "tx:"+string(tx.Type))
		},
		OnEntry: func(entry *Entry) {
			sequence = append(sequence, "entry:"+string(entry.Type))
		},
		OnCheckpoint: func(cp *Checkpoint) {
			sequence = append(sequence, "checkpoint")
		},
	}

	backend := newTestBackend(t)
	engine, err := NewEngine(backend, WithHooks(hooks))
	require.NoError(t, err)

	_, err = engine.Deposit("w_alice", dec("100"), "USDC")
	require.NoError(t, err)
	_, err = engine.Transfer("w_alice", "w_bob", dec("10"), "USDC")
	require.NoError(t, err)
	_, err = engine.CreateCheckpoint()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"tx:deposit", "entry:CREDIT",
		"tx:transfer", "entry:DEBIT", "entry:CREDIT",
		"checkpoint",
	}, sequence)
}

func TestConcurrentTransfers(t *testing.T) {
	engine := fundedEngine(t, "w_alice", "1000")

	const workers = 8
	const perWorker = 25
	done := make(chan error, workers)
	for w := 0; w < workers; w++ {
		go func() {
			for i := 0; i < perWorker; i++ {
				if _, err := engine.Transfer("w_alice", "w_bob", dec("1"), "USDC"); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}
	for w := 0; w < workers; w++ {
		require.NoError(t, <-done)
	}

	assertAmount(t, "800", engine.GetBalance("w_alice", "USDC"))
	assertAmount(t, "200", engine.GetBalance("w_bob", "USDC"))

	stats := engine.Stats()
	assert.Equal(t, uint64(1+2*workers*perWorker), stats.EntryCount)
	require.NoError(t, engine.VerifyIntegrity())
}
