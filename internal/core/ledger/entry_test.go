package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The checksum format is a compatibility contract: anyone replaying an
// exported journal must be able to recompute the chain. Pin it with fixed
// vectors.
func TestComputeChecksum(t *testing.T) {
	first := &Entry{
		Type:     EntryCredit,
		WalletID: "w_1",
		Amount:   dec("100"),
		Currency: "USDC",
		Sequence: 1,
	}
	sum1 := ComputeChecksum(GenesisChecksum, first)
	assert.Equal(t, "f7274e79f5e3810cb0a488aa6b252b9dde6289a1afe0d931bf78b48007ec7cfd", sum1)

	second := &Entry{
		Type:     EntryDebit,
		WalletID: "w_2",
		Amount:   dec("0.5"),
		Currency: "USDC",
		Sequence: 2,
	}
	assert.Equal(t, "a8ce6d8f0260cb70be052e6a0fccb343259bd7c6e7395f826cfaa7edffe56a8c",
		ComputeChecksum(sum1, second))

	t.Run("AmountRenderingIsCanonical", func(t *testing.T) {
		padded := &Entry{
			Type:     EntryCredit,
			WalletID: "w_1",
			Amount:   dec("100.000"),
			Currency: "USDC",
			Sequence: 1,
		}
		assert.Equal(t, sum1, ComputeChecksum(GenesisChecksum, padded),
			"trailing zeros must not change the digest")
	})

	t.Run("StatusNotCovered", func(t *testing.T) {
		voided := *first
		voided.Status = StatusVoid
		assert.Equal(t, sum1, ComputeChecksum(GenesisChecksum, &voided))
	})
}

func TestSignedAmounts(t *testing.T) {
	cases := []struct {
		entryType EntryType
		signed    string
		held      string
	}{
		{EntryDebit, "-10", "0"},
		{EntryCredit, "10", "0"},
		{EntryFee, "10", "0"},
		{EntryRefund, "10", "0"},
		{EntryHold, "0", "10"},
		{EntryRelease, "0", "-10"},
	}
	for _, tc := range cases {
		e := &Entry{Type: tc.entryType, Amount: dec("10")}
		assert.True(t, e.signedAmount().Equal(dec(tc.signed)),
			"%s signed amount", tc.entryType)
		assert.True(t, e.heldDelta().Equal(dec(tc.held)),
			"%s held delta", tc.entryType)
	}
}
