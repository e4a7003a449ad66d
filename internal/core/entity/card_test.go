package entity

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCardNumber(t *testing.T) {
	for i := 0; i < 100; i++ {
		number, err := GenerateCardNumber()
		require.NoError(t, err)
		assert.Len(t, number, 16)
		assert.Equal(t, byte('4'), number[0])
		assert.True(t, ValidLuhn(number), "generated number %q failed Luhn check", number)
	}
}

func TestValidLuhn(t *testing.T) {
	tests := []struct {
		name   string
		number string
		valid  bool
	}{
		{"classic visa test number", "4111111111111111", true},
		{"valid 16 digit", "4539578763621486", true},
		{"off by one check digit", "4111111111111112", false},
		{"non digit characters", "4111-1111-1111-1111", false},
		{"empty", "", false},
		{"single zero", "0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidLuhn(tt.number))
		})
	}
}

func TestLuhnCheckDigit(t *testing.T) {
	// 411111111111111 + check digit 1 is the classic Visa test number.
	assert.Equal(t, 1, luhnCheckDigit("411111111111111"))
	assert.Equal(t, 6, luhnCheckDigit("453957876362148"))
}

func TestNewVirtualCard(t *testing.T) {
	card, err := NewVirtualCard("wallet_abc", decimal.NewFromInt(50), decimal.NewFromInt(200))
	require.NoError(t, err)

	assert.Contains(t, card.ID, "card_")
	assert.Equal(t, "wallet_abc", card.WalletID)
	assert.Equal(t, CardActive, card.Status)
	assert.True(t, ValidLuhn(card.Number))
	assert.True(t, card.ExpiresAt.After(time.Now().AddDate(2, 11, 0)))
	assert.True(t, card.PendingAuth.IsZero())
}

func TestCardStateMachine(t *testing.T) {
	t.Run("SuspendAndReactivate", func(t *testing.T) {
		card, err := NewVirtualCard("wallet_1", decimal.Zero, decimal.Zero)
		require.NoError(t, err)

		require.NoError(t, card.Suspend())
		assert.Equal(t, CardSuspended, card.Status)

		require.NoError(t, card.Activate())
		assert.Equal(t, CardActive, card.Status)
	})

	t.Run("CancelIsTerminal", func(t *testing.T) {
		card, err := NewVirtualCard("wallet_1", decimal.Zero, decimal.Zero)
		require.NoError(t, err)

		require.NoError(t, card.Cancel())
		assert.Equal(t, CardCancelled, card.Status)

		assert.ErrorIs(t, card.Suspend(), ErrCardCancelled)
		assert.ErrorIs(t, card.Activate(), ErrCardCancelled)

		// Cancelling twice stays cancelled without error.
		require.NoError(t, card.Cancel())
	})

	t.Run("ExpiryResolvedLazily", func(t *testing.T) {
		card, err := NewVirtualCard("wallet_1", decimal.Zero, decimal.Zero)
		require.NoError(t, err)

		past := card.ExpiresAt.Add(time.Hour)
		assert.Equal(t, CardExpired, card.EffectiveStatus(past))
		assert.ErrorIs(t, card.Activate(), ErrCardExpired)
	})
}

func TestCardAuthorize(t *testing.T) {
	now := time.Now().UTC()

	t.Run("WithinLimits", func(t *testing.T) {
		card, err := NewVirtualCard("wallet_1", decimal.NewFromInt(50), decimal.NewFromInt(100))
		require.NoError(t, err)

		require.NoError(t, card.Authorize(decimal.NewFromInt(30), now))
		assert.True(t, card.PendingAuth.Equal(decimal.NewFromInt(30)))
		assert.True(t, card.AuthedToday.Equal(decimal.NewFromInt(30)))
	})

	t.Run("RejectsNonPositive", func(t *testing.T) {
		card, err := NewVirtualCard("wallet_1", decimal.Zero, decimal.Zero)
		require.NoError(t, err)

		assert.ErrorIs(t, card.Authorize(decimal.Zero, now), ErrInvalidAmount)
		assert.ErrorIs(t, card.Authorize(decimal.NewFromInt(-5), now), ErrInvalidAmount)
	})

	t.Run("PerTxCap", func(t *testing.T) {
		card, err := NewVirtualCard("wallet_1", decimal.NewFromInt(50), decimal.Zero)
		require.NoError(t, err)

		assert.ErrorIs(t, card.Authorize(decimal.NewFromInt(51), now), ErrCardLimitExceeded)
		require.NoError(t, card.Authorize(decimal.NewFromInt(50), now))
	})

	t.Run("DailyCapAccumulates", func(t *testing.T) {
		card, err := NewVirtualCard("wallet_1", decimal.Zero, decimal.NewFromInt(100))
		require.NoError(t, err)

		require.NoError(t, card.Authorize(decimal.NewFromInt(60), now))
		require.NoError(t, card.Authorize(decimal.NewFromInt(40), now))
		assert.ErrorIs(t, card.Authorize(decimal.NewFromInt(1), now), ErrCardLimitExceeded)
	})

	t.Run("DailyCapResetsAfter24h", func(t *testing.T) {
		card, err := NewVirtualCard("wallet_1", decimal.Zero, decimal.NewFromInt(100))
		require.NoError(t, err)

		require.NoError(t, card.Authorize(decimal.NewFromInt(100), now))
		assert.ErrorIs(t, card.Authorize(decimal.NewFromInt(1), now), ErrCardLimitExceeded)

		later := now.Add(25 * time.Hour)
		require.NoError(t, card.Authorize(decimal.NewFromInt(100), later))
	})

	t.Run("SuspendedCardDenied", func(t *testing.T) {
		card, err := NewVirtualCard("wallet_1", decimal.Zero, decimal.Zero)
		require.NoError(t, err)

		require.NoError(t, card.Suspend())
		assert.ErrorIs(t, card.Authorize(decimal.NewFromInt(10), now), ErrCardNotActive)
	})

	t.Run("ExpiredCardDenied", func(t *testing.T) {
		card, err := NewVirtualCard("wallet_1", decimal.Zero, decimal.Zero)
		require.NoError(t, err)

		past := card.ExpiresAt.Add(time.Minute)
		assert.ErrorIs(t, card.Authorize(decimal.NewFromInt(10), past), ErrCardExpired)
		assert.Equal(t, CardExpired, card.Status)
	})
}

func TestCardSettle(t *testing.T) {
	now := time.Now().UTC()
	card, err := NewVirtualCard("wallet_1", decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	require.NoError(t, card.Authorize(decimal.NewFromInt(75), now))
	card.Settle(decimal.NewFromInt(50))
	assert.True(t, card.PendingAuth.Equal(decimal.NewFromInt(25)))

	// Settling more than is pending floors at zero.
	card.Settle(decimal.NewFromInt(100))
	assert.True(t, card.PendingAuth.IsZero())
}
