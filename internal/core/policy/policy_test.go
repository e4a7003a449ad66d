package policy

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func floatPtr(f float64) *float64 { return &f }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func checkNow(t *testing.T, p *Policy, req *CheckRequest) *CheckResult {
	t.Helper()
	return evaluate(p, req, time.Now().UTC())
}

func TestTierLimits(t *testing.T) {
	cases := []struct {
		tier  TrustTier
		perTx string
		total string
	}{
		{TierLow, "10", "100"},
		{TierMedium, "100", "1000"},
		{TierHigh, "1000", "10000"},
		{TierUnlimited, "0", "0"},
		{TrustTier("bogus"), "100", "1000"},
	}
	for _, tc := range cases {
		perTx, total := TierLimits(tc.tier)
		assert.True(t, perTx.Equal(dec(tc.perTx)), "tier %s perTx", tc.tier)
		assert.True(t, total.Equal(dec(tc.total)), "tier %s total", tc.tier)
	}
}

func TestScopeCheck(t *testing.T) {
	t.Run("DefaultAllScope", func(t *testing.T) {
		p := NewPolicy("agent_1", TierHigh)
		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("5"), Scope: ScopeCompute})
		assert.True(t, res.Allowed)
	})

	t.Run("RestrictedScopes", func(t *testing.T) {
		p := NewPolicy("agent_1", TierHigh)
		p.AllowedScopes = []Scope{ScopePayments, ScopeData}

		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("5"), Scope: ScopeData})
		assert.True(t, res.Allowed)

		res = checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("5"), Scope: ScopeCompute})
		assert.False(t, res.Allowed)
		assert.Equal(t, ReasonScopeNotAllowed, res.Reason)
	})

	t.Run("EmptyScopeListRejectsEverything", func(t *testing.T) {
		p := NewPolicy("agent_1", TierHigh)
		p.AllowedScopes = nil
		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("5"), Scope: ScopePayments})
		assert.False(t, res.Allowed)
		assert.Equal(t, ReasonScopeNotAllowed, res.Reason)
	})
}

func TestAmountLimits(t *testing.T) {
	t.Run("PerTransactionBoundary", func(t *testing.T) {
		p := NewPolicy("agent_1", TierLow) // 10 per tx

		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("10"), Scope: ScopeAll})
		assert.True(t, res.Allowed, "amount equal to the limit passes")

		res = checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("10.01"), Scope: ScopeAll})
		assert.False(t, res.Allowed)
		assert.Equal(t, ReasonPerTransactionLimit, res.Reason)
	})

	t.Run("ZeroMeansUncapped", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("9999999"), Scope: ScopeAll})
		assert.True(t, res.Allowed)
	})

	t.Run("LifetimeBudget", func(t *testing.T) {
		p := NewPolicy("agent_1", TierLow) // 100 lifetime
		p.SpentTotal = dec("95")

		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("5"), Scope: ScopeAll})
		assert.True(t, res.Allowed, "spending exactly to the budget passes")

		res = checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("5.01"), Scope: ScopeAll})
		assert.False(t, res.Allowed)
		assert.Equal(t, ReasonTotalLimit, res.Reason)
	})

	t.Run("PerTxCheckedBeforeTotal", func(t *testing.T) {
		p := NewPolicy("agent_1", TierLow)
		p.SpentTotal = dec("100")
		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("50"), Scope: ScopeAll})
		assert.Equal(t, ReasonPerTransactionLimit, res.Reason)
	})
}

func TestWindowLimits(t *testing.T) {
	newPolicyWithDaily := func(limit, spent string, start time.Time) *Policy {
		p := NewPolicy("agent_1", TierUnlimited)
		p.Daily = &TimeWindowLimit{WindowStart: start, Limit: dec(limit), Spent: dec(spent)}
		return p
	}

	t.Run("DailyExceeded", func(t *testing.T) {
		p := newPolicyWithDaily("50", "40", time.Now().UTC())
		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("10.01"), Scope: ScopeAll})
		assert.False(t, res.Allowed)
		assert.Equal(t, ReasonDailyLimit, res.Reason)

		res = checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("10"), Scope: ScopeAll})
		assert.True(t, res.Allowed)
	})

	t.Run("ExpiredWindowResetsLazily", func(t *testing.T) {
		p := newPolicyWithDaily("50", "50", time.Now().UTC().Add(-25*time.Hour))
		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("50"), Scope: ScopeAll})
		assert.True(t, res.Allowed, "a day-old window no longer constrains")
		assert.True(t, p.Daily.Spent.IsZero(), "reset cleared the window counter")
		assert.WithinDuration(t, time.Now().UTC(), p.Daily.WindowStart, time.Minute)
	})

	t.Run("WeeklyAndMonthly", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.Weekly = &TimeWindowLimit{WindowStart: time.Now().UTC(), Limit: dec("100"), Spent: dec("100")}
		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("1"), Scope: ScopeAll})
		assert.Equal(t, ReasonWeeklyLimit, res.Reason)

		p.Weekly = nil
		p.Monthly = &TimeWindowLimit{WindowStart: time.Now().UTC(), Limit: dec("200"), Spent: dec("199.5")}
		res = checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("1"), Scope: ScopeAll})
		assert.Equal(t, ReasonMonthlyLimit, res.Reason)
	})

	t.Run("WeeklySurvivesADay", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.Weekly = &TimeWindowLimit{
			WindowStart: time.Now().UTC().Add(-26 * time.Hour),
			Limit:       dec("100"),
			Spent:       dec("100"),
		}
		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("1"), Scope: ScopeAll})
		assert.Equal(t, ReasonWeeklyLimit, res.Reason, "26 hours does not expire a 7-day window")
	})
}

func TestMerchantRules(t *testing.T) {
	req := func(amount, merchantID, category string) *CheckRequest {
		return &CheckRequest{
			AgentID:          "agent_1",
			Amount:           dec(amount),
			MerchantID:       merchantID,
			MerchantCategory: category,
			Scope:            ScopeAll,
		}
	}

	t.Run("DenyByID", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.MerchantRules = []MerchantRule{{ID: "r1", Type: RuleDeny, MerchantID: "m_bad"}}

		res := checkNow(t, p, req("5", "m_bad", "retail"))
		assert.Equal(t, ReasonMerchantBlocked, res.Reason)

		res = checkNow(t, p, req("5", "m_good", "retail"))
		assert.True(t, res.Allowed)
	})

	t.Run("DenyByCategory", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.MerchantRules = []MerchantRule{{ID: "r1", Type: RuleDeny, Category: "gambling"}}
		res := checkNow(t, p, req("5", "m_1", "gambling"))
		assert.Equal(t, ReasonMerchantBlocked, res.Reason)
	})

	t.Run("ExpiredRuleIsIgnored", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.MerchantRules = []MerchantRule{{
			ID: "r1", Type: RuleDeny, MerchantID: "m_1",
			ExpiresAt: time.Now().UTC().Add(-time.Hour),
		}}
		res := checkNow(t, p, req("5", "m_1", ""))
		assert.True(t, res.Allowed)
	})

	t.Run("AllowlistRejectsUnknownMerchant", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.MerchantRules = []MerchantRule{{ID: "r1", Type: RuleAllow, MerchantID: "m_1"}}

		res := checkNow(t, p, req("5", "m_1", ""))
		assert.True(t, res.Allowed)

		res = checkNow(t, p, req("5", "m_2", ""))
		assert.Equal(t, ReasonMerchantNotAllowed, res.Reason)
	})

	t.Run("DenyWinsOverAllow", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.MerchantRules = []MerchantRule{
			{ID: "r1", Type: RuleAllow, Category: "retail"},
			{ID: "r2", Type: RuleDeny, MerchantID: "m_1"},
		}
		res := checkNow(t, p, req("5", "m_1", "retail"))
		assert.Equal(t, ReasonMerchantBlocked, res.Reason)
	})

	t.Run("AllowRuleCapsAmount", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.MerchantRules = []MerchantRule{{
			ID: "r1", Type: RuleAllow, MerchantID: "m_1", MaxPerTx: dec("25"),
		}}

		res := checkNow(t, p, req("25", "m_1", ""))
		assert.True(t, res.Allowed)

		res = checkNow(t, p, req("25.01", "m_1", ""))
		assert.Equal(t, ReasonMerchantSpecificLimit, res.Reason)
	})

	t.Run("FirstMatchingAllowRuleCapApplies", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.MerchantRules = []MerchantRule{
			{ID: "r1", Type: RuleAllow, MerchantID: "m_1", MaxPerTx: dec("10")},
			{ID: "r2", Type: RuleAllow, Category: "retail", MaxPerTx: dec("100")},
		}
		res := checkNow(t, p, req("50", "m_1", "retail"))
		assert.Equal(t, ReasonMerchantSpecificLimit, res.Reason)
	})

	t.Run("PeerPaymentSkipsMerchantRules", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.MerchantRules = []MerchantRule{{ID: "r1", Type: RuleAllow, MerchantID: "m_1"}}
		res := checkNow(t, p, req("5", "", ""))
		assert.True(t, res.Allowed, "allowlist only constrains merchant payments")
	})

	t.Run("SelectorlessRuleMatchesNothing", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.MerchantRules = []MerchantRule{{ID: "r1", Type: RuleDeny}}
		res := checkNow(t, p, req("5", "m_1", "retail"))
		assert.True(t, res.Allowed)
	})
}

func TestDriftAndApproval(t *testing.T) {
	t.Run("DriftExceeded", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.MaxDriftScore = floatPtr(0.5)

		res := checkNow(t, p, &CheckRequest{
			AgentID: "agent_1", Amount: dec("5"), Scope: ScopeAll, DriftScore: floatPtr(0.7),
		})
		assert.Equal(t, ReasonGoalDriftExceeded, res.Reason)

		res = checkNow(t, p, &CheckRequest{
			AgentID: "agent_1", Amount: dec("5"), Scope: ScopeAll, DriftScore: floatPtr(0.5),
		})
		assert.True(t, res.Allowed, "drift equal to the maximum passes")
	})

	t.Run("DriftSkippedWithoutScore", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.MaxDriftScore = floatPtr(0.1)
		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("5"), Scope: ScopeAll})
		assert.True(t, res.Allowed)
	})

	t.Run("ApprovalThreshold", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.ApprovalThreshold = decPtr("100")

		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("100"), Scope: ScopeAll})
		assert.True(t, res.Allowed)
		assert.False(t, res.RequiresApproval)

		res = checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("100.01"), Scope: ScopeAll})
		assert.True(t, res.Allowed, "approval does not reject")
		assert.True(t, res.RequiresApproval)
		assert.Equal(t, ReasonRequiresApproval, res.Reason)
	})

	t.Run("PreAuthAlwaysRequiresApproval", func(t *testing.T) {
		p := NewPolicy("agent_1", TierUnlimited)
		p.RequirePreAuth = true
		res := checkNow(t, p, &CheckRequest{AgentID: "agent_1", Amount: dec("0.01"), Scope: ScopeAll})
		assert.True(t, res.Allowed)
		assert.True(t, res.RequiresApproval)
	})
}

func TestCheckOrdering(t *testing.T) {
	// A request that violates several checks at once reports the first one.
	p := NewPolicy("agent_1", TierLow)
	p.AllowedScopes = []Scope{ScopePayments}
	p.MerchantRules = []MerchantRule{{ID: "r1", Type: RuleDeny, MerchantID: "m_1"}}

	res := checkNow(t, p, &CheckRequest{
		AgentID: "agent_1", Amount: dec("10000"), Scope: ScopeCompute, MerchantID: "m_1",
	})
	assert.Equal(t, ReasonScopeNotAllowed, res.Reason)

	res = checkNow(t, p, &CheckRequest{
		AgentID: "agent_1", Amount: dec("10000"), Scope: ScopePayments, MerchantID: "m_1",
	})
	assert.Equal(t, ReasonPerTransactionLimit, res.Reason)
}

func TestPolicyJSONRoundTrip(t *testing.T) {
	p := NewPolicy("agent_1", TierMedium)
	p.Daily = &TimeWindowLimit{WindowStart: time.Now().UTC(), Limit: dec("50"), Spent: dec("12.34")}
	p.Monthly = &TimeWindowLimit{WindowStart: time.Now().UTC(), Limit: dec("500"), Spent: dec("100")}
	p.MerchantRules = []MerchantRule{
		{ID: "r1", Type: RuleDeny, Category: "gambling"},
		{ID: "r2", Type: RuleAllow, MerchantID: "m_1", MaxPerTx: dec("20")},
	}
	p.AllowedScopes = []Scope{ScopePayments, ScopeSubscriptions}
	p.ApprovalThreshold = decPtr("75")
	p.MaxDriftScore = floatPtr(0.4)
	p.SpentTotal = dec("111.11")

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var back Policy
	require.NoError(t, json.Unmarshal(raw, &back))

	requests := []*CheckRequest{
		{AgentID: "agent_1", Amount: dec("5"), Scope: ScopePayments, MerchantID: "m_1"},
		{AgentID: "agent_1", Amount: dec("21"), Scope: ScopePayments, MerchantID: "m_1"},
		{AgentID: "agent_1", Amount: dec("5"), Scope: ScopePayments, MerchantID: "m_x", MerchantCategory: "gambling"},
		{AgentID: "agent_1", Amount: dec("5"), Scope: ScopeCompute},
		{AgentID: "agent_1", Amount: dec("40"), Scope: ScopePayments},
		{AgentID: "agent_1", Amount: dec("80"), Scope: ScopePayments},
	}
	now := time.Now().UTC()
	for i, req := range requests {
		want := evaluate(p.Clone(), req, now)
		got := evaluate(back.Clone(), req, now)
		assert.Equal(t, want, got, "request %d decided differently after round-trip", i)
	}
}

type memStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string][]byte)}
}

func (m *memStore) Save(_ context.Context, agentID string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[agentID] = append([]byte(nil), doc...)
	return nil
}

func (m *memStore) LoadAll(_ context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.docs))
	for k, v := range m.docs {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func TestService(t *testing.T) {
	ctx := context.Background()

	t.Run("EnsureCreatesTierDefaults", func(t *testing.T) {
		svc := NewService()
		p, err := svc.EnsurePolicy(ctx, "agent_1", TierLow)
		require.NoError(t, err)
		assert.True(t, p.LimitPerTx.Equal(dec("10")))
		assert.True(t, p.LimitTotal.Equal(dec("100")))

		// A second ensure with a different tier keeps the existing policy.
		p2, err := svc.EnsurePolicy(ctx, "agent_1", TierHigh)
		require.NoError(t, err)
		assert.Equal(t, TierLow, p2.Tier)
	})

	t.Run("GetPolicyNotFound", func(t *testing.T) {
		svc := NewService()
		_, err := svc.GetPolicy("agent_missing")
		assert.ErrorIs(t, err, ErrPolicyNotFound)

		_, err = svc.Check(&CheckRequest{AgentID: "agent_missing", Amount: dec("1")})
		assert.ErrorIs(t, err, ErrPolicyNotFound)

		err = svc.RecordSpend(ctx, "agent_missing", dec("1"))
		assert.ErrorIs(t, err, ErrPolicyNotFound)
	})

	t.Run("SnapshotsAreIsolated", func(t *testing.T) {
		svc := NewService()
		_, err := svc.EnsurePolicy(ctx, "agent_1", TierLow)
		require.NoError(t, err)

		p, err := svc.GetPolicy("agent_1")
		require.NoError(t, err)
		p.LimitPerTx = dec("1000000")

		res, err := svc.Check(&CheckRequest{AgentID: "agent_1", Amount: dec("500"), Scope: ScopeAll})
		require.NoError(t, err)
		assert.Equal(t, ReasonPerTransactionLimit, res.Reason, "mutating a snapshot must not affect decisions")
	})

	t.Run("RecordSpendFeedsCounters", func(t *testing.T) {
		svc := NewService()
		p := NewPolicy("agent_1", TierUnlimited)
		p.LimitTotal = dec("100")
		p.Daily = NewTimeWindowLimit(dec("30"))
		require.NoError(t, svc.SetPolicy(ctx, p))

		require.NoError(t, svc.RecordSpend(ctx, "agent_1", dec("25")))

		res, err := svc.Check(&CheckRequest{AgentID: "agent_1", Amount: dec("6"), Scope: ScopeAll})
		require.NoError(t, err)
		assert.Equal(t, ReasonDailyLimit, res.Reason)

		res, err = svc.Check(&CheckRequest{AgentID: "agent_1", Amount: dec("5"), Scope: ScopeAll})
		require.NoError(t, err)
		assert.True(t, res.Allowed)

		got, err := svc.GetPolicy("agent_1")
		require.NoError(t, err)
		assert.True(t, got.SpentTotal.Equal(dec("25")))
	})

	t.Run("StoreRoundTrip", func(t *testing.T) {
		store := newMemStore()
		svc := NewService(WithStore(store))

		p := NewPolicy("agent_1", TierMedium)
		p.Daily = NewTimeWindowLimit(dec("40"))
		require.NoError(t, svc.SetPolicy(ctx, p))
		require.NoError(t, svc.RecordSpend(ctx, "agent_1", dec("12")))
		_, err := svc.EnsurePolicy(ctx, "agent_2", TierLow)
		require.NoError(t, err)

		// A fresh service hydrated from the same store decides identically.
		svc2 := NewService(WithStore(store))
		require.NoError(t, svc2.LoadFromStore(ctx))

		got, err := svc2.GetPolicy("agent_1")
		require.NoError(t, err)
		assert.True(t, got.SpentTotal.Equal(dec("12")))
		require.NotNil(t, got.Daily)
		assert.True(t, got.Daily.Spent.Equal(dec("12")))

		res, err := svc2.Check(&CheckRequest{AgentID: "agent_1", Amount: dec("29"), Scope: ScopeAll})
		require.NoError(t, err)
		assert.Equal(t, ReasonDailyLimit, res.Reason)

		p2, err := svc2.GetPolicy("agent_2")
		require.NoError(t, err)
		assert.Equal(t, TierLow, p2.Tier)
	})

	t.Run("ConcurrentChecksAndSpends", func(t *testing.T) {
		svc := NewService()
		p := NewPolicy("agent_1", TierUnlimited)
		require.NoError(t, svc.SetPolicy(ctx, p))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					_, err := svc.Check(&CheckRequest{AgentID: "agent_1", Amount: dec("1"), Scope: ScopeAll})
					assert.NoError(t, err)
					assert.NoError(t, svc.RecordSpend(ctx, "agent_1", dec("1")))
				}
			}()
		}
		wg.Wait()

		got, err := svc.GetPolicy("agent_1")
		require.NoError(t, err)
		assert.True(t, got.SpentTotal.Equal(dec("400")), "got %s", got.SpentTotal)
	})
}
