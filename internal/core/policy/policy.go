// Package policy implements the declarative per-agent spending policy:
// trust tiers, per-transaction and lifetime limits, rolling time windows,
// merchant allow/deny rules, spending scopes, and approval thresholds.
// Evaluation is pure computation; counters update only after the paired
// payment commits.
package policy

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrustTier drives a policy's default limits. Tiers seed defaults only;
// every field remains individually overridable.
type TrustTier string

const (
	TierLow       TrustTier = "LOW"
	TierMedium    TrustTier = "MEDIUM"
	TierHigh      TrustTier = "HIGH"
	TierUnlimited TrustTier = "UNLIMITED"
)

// Scope names a category of spending an agent may be limited to.
type Scope string

const (
	// ScopeAll grants every scope.
	ScopeAll Scope = "ALL"

	ScopePayments      Scope = "payments"
	ScopeSubscriptions Scope = "subscriptions"
	ScopeServices      Scope = "services"
	ScopeData          Scope = "data"
	ScopeCompute       Scope = "compute"
)

// Rolling window durations. Resets are evaluated lazily on the next
// policy read.
const (
	DailyWindow   = 24 * time.Hour
	WeeklyWindow  = 7 * 24 * time.Hour
	MonthlyWindow = 30 * 24 * time.Hour
)

// TimeWindowLimit caps spending inside a rolling window.
type TimeWindowLimit struct {
	WindowStart time.Time       `json:"window_start"`
	Limit       decimal.Decimal `json:"limit"`
	Spent       decimal.Decimal `json:"spent"`
}

// NewTimeWindowLimit starts a window at now with the given cap.
func NewTimeWindowLimit(limit decimal.Decimal) *TimeWindowLimit {
	return &TimeWindowLimit{
		WindowStart: time.Now().UTC(),
		Limit:       limit,
	}
}

func (w *TimeWindowLimit) resetIfExpired(now time.Time, duration time.Duration) {
	if now.Sub(w.WindowStart) >= duration {
		w.WindowStart = now
		w.Spent = decimal.Zero
	}
}

func (w *TimeWindowLimit) wouldExceed(amount decimal.Decimal) bool {
	return w.Spent.Add(amount).GreaterThan(w.Limit)
}

// MerchantRuleType distinguishes allow rules from deny rules.
type MerchantRuleType string

const (
	RuleAllow MerchantRuleType = "allow"
	RuleDeny  MerchantRuleType = "deny"
)

// MerchantRule matches a merchant by id or category. Deny rules are
// first-match-wins; allow rules, once any exist, form an allowlist.
type MerchantRule struct {
	ID         string           `json:"id"`
	Type       MerchantRuleType `json:"type"`
	MerchantID string           `json:"merchant_id,omitempty"`
	Category   string           `json:"category,omitempty"`

	// MaxPerTx caps single payments through a matching allow rule.
	// Zero means the rule imposes no extra cap.
	MaxPerTx decimal.Decimal `json:"max_per_tx"`

	// ExpiresAt deactivates the rule after the given instant. Zero means
	// the rule never expires.
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *MerchantRule) activeAt(now time.Time) bool {
	return r.ExpiresAt.IsZero() || now.Before(r.ExpiresAt)
}

func (r *MerchantRule) matches(merchantID, category string) bool {
	if r.MerchantID != "" {
		return r.MerchantID == merchantID
	}
	if r.Category != "" {
		return category != "" && r.Category == category
	}
	return false
}

// Policy is an agent's declarative spending policy. Zero limits mean
// uncapped.
type Policy struct {
	AgentID string    `json:"agent_id"`
	Tier    TrustTier `json:"tier"`

	LimitPerTx decimal.Decimal `json:"limit_per_tx"`
	LimitTotal decimal.Decimal `json:"limit_total"`
	SpentTotal decimal.Decimal `json:"spent_total"`

	Daily   *TimeWindowLimit `json:"daily,omitempty"`
	Weekly  *TimeWindowLimit `json:"weekly,omitempty"`
	Monthly *TimeWindowLimit `json:"monthly,omitempty"`

	MerchantRules []MerchantRule `json:"merchant_rules,omitempty"`
	AllowedScopes []Scope        `json:"allowed_scopes"`

	RequirePreAuth    bool             `json:"require_preauth"`
	ApprovalThreshold *decimal.Decimal `json:"approval_threshold,omitempty"`
	MaxDriftScore     *float64         `json:"max_drift_score,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TierLimits returns the default per-transaction and lifetime limits for a
// tier. UNLIMITED is uncapped; unknown tiers get the MEDIUM defaults.
func TierLimits(tier TrustTier) (perTx, total decimal.Decimal) {
	switch tier {
	case TierLow:
		return decimal.NewFromInt(10), decimal.NewFromInt(100)
	case TierMedium:
		return decimal.NewFromInt(100), decimal.NewFromInt(1000)
	case TierHigh:
		return decimal.NewFromInt(1000), decimal.NewFromInt(10000)
	case TierUnlimited:
		return decimal.Zero, decimal.Zero
	default:
		return decimal.NewFromInt(100), decimal.NewFromInt(1000)
	}
}

// NewPolicy creates a policy seeded with the tier's default limits and the
// ALL scope.
func NewPolicy(agentID string, tier TrustTier) *Policy {
	perTx, total := TierLimits(tier)
	now := time.Now().UTC()
	return &Policy{
		AgentID:       agentID,
		Tier:          tier,
		LimitPerTx:    perTx,
		LimitTotal:    total,
		AllowedScopes: []Scope{ScopeAll},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy safe to hand to callers.
func (p *Policy) Clone() *Policy {
	cp := *p
	if p.Daily != nil {
		w := *p.Daily
		cp.Daily = &w
	}
	if p.Weekly != nil {
		w := *p.Weekly
		cp.Weekly = &w
	}
	if p.Monthly != nil {
		w := *p.Monthly
		cp.Monthly = &w
	}
	cp.MerchantRules = append([]MerchantRule(nil), p.MerchantRules...)
	cp.AllowedScopes = append([]Scope(nil), p.AllowedScopes...)
	if p.ApprovalThreshold != nil {
		v := *p.ApprovalThreshold
		cp.ApprovalThreshold = &v
	}
	if p.MaxDriftScore != nil {
		v := *p.MaxDriftScore
		cp.MaxDriftScore = &v
	}
	return &cp
}

func (p *Policy) resetExpiredWindows(now time.Time) {
	if p.Daily != nil {
		p.Daily.resetIfExpired(now, DailyWindow)
	}
	if p.Weekly != nil {
		p.Weekly.resetIfExpired(now, WeeklyWindow)
	}
	if p.Monthly != nil {
		p.Monthly.resetIfExpired(now, MonthlyWindow)
	}
}

func (p *Policy) scopeAllowed(scope Scope) bool {
	for _, allowed := range p.AllowedScopes {
		if allowed == ScopeAll || allowed == scope {
			return true
		}
	}
	return false
}

func (p *Policy) recordSpend(amount decimal.Decimal, now time.Time) {
	p.resetExpiredWindows(now)
	p.SpentTotal = p.SpentTotal.Add(amount)
	for _, w := range []*TimeWindowLimit{p.Daily, p.Weekly, p.Monthly} {
		if w != nil {
			w.Spent = w.Spent.Add(amount)
		}
	}
	p.UpdatedAt = now
}
