package policy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Rejection reasons. These strings are stable identifiers carried through
// payment results and webhook events; renaming one breaks consumers.
const (
	ReasonScopeNotAllowed       = "scope_not_allowed"
	ReasonPerTransactionLimit   = "per_transaction_limit"
	ReasonTotalLimit            = "total_limit"
	ReasonDailyLimit            = "daily_limit"
	ReasonWeeklyLimit           = "weekly_limit"
	ReasonMonthlyLimit          = "monthly_limit"
	ReasonMerchantBlocked       = "merchant_blocked"
	ReasonMerchantNotAllowed    = "merchant_not_allowed"
	ReasonMerchantSpecificLimit = "merchant_specific_limit"
	ReasonGoalDriftExceeded     = "goal_drift_exceeded"
	ReasonRequiresApproval      = "requires_approval"
)

// CheckRequest describes a prospective payment. Amount is the full debit
// the wallet would take, fees included.
type CheckRequest struct {
	AgentID          string
	Amount           decimal.Decimal
	MerchantID       string
	MerchantCategory string
	Scope            Scope

	// DriftScore is the caller-computed goal drift for this payment, if
	// any. Nil skips the drift check.
	DriftScore *float64
}

// CheckResult is a policy decision. A rejected payment carries the first
// failing reason; an allowed payment may still require approval.
type CheckResult struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	Message          string `json:"message,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
}

func reject(reason, message string) *CheckResult {
	return &CheckResult{Reason: reason, Message: message}
}

// evaluate runs the ordered checks against p, resetting expired windows
// first. Checks stop at the first failure so the reported reason is
// deterministic. Callers hold the agent's policy lock.
func evaluate(p *Policy, req *CheckRequest, now time.Time) *CheckResult {
	p.resetExpiredWindows(now)

	if !p.scopeAllowed(req.Scope) {
		return reject(ReasonScopeNotAllowed,
			fmt.Sprintf("scope %q is not permitted for agent %s", req.Scope, p.AgentID))
	}
	if p.LimitPerTx.IsPositive() && req.Amount.GreaterThan(p.LimitPerTx) {
		return reject(ReasonPerTransactionLimit,
			fmt.Sprintf("amount %s exceeds per-transaction limit %s", req.Amount, p.LimitPerTx))
	}
	if p.LimitTotal.IsPositive() && p.SpentTotal.Add(req.Amount).GreaterThan(p.LimitTotal) {
		return reject(ReasonTotalLimit,
			fmt.Sprintf("amount %s exceeds remaining lifetime budget %s",
				req.Amount, p.LimitTotal.Sub(p.SpentTotal)))
	}
	if w := p.Daily; w != nil && w.wouldExceed(req.Amount) {
		return reject(ReasonDailyLimit,
			fmt.Sprintf("amount %s exceeds remaining daily budget %s", req.Amount, w.Limit.Sub(w.Spent)))
	}
	if w := p.Weekly; w != nil && w.wouldExceed(req.Amount) {
		return reject(ReasonWeeklyLimit,
			fmt.Sprintf("amount %s exceeds remaining weekly budget %s", req.Amount, w.Limit.Sub(w.Spent)))
	}
	if w := p.Monthly; w != nil && w.wouldExceed(req.Amount) {
		return reject(ReasonMonthlyLimit,
			fmt.Sprintf("amount %s exceeds remaining monthly budget %s", req.Amount, w.Limit.Sub(w.Spent)))
	}

	if req.MerchantID != "" || req.MerchantCategory != "" {
		if res := checkMerchantRules(p, req, now); res != nil {
			return res
		}
	}

	if p.MaxDriftScore != nil && req.DriftScore != nil && *req.DriftScore > *p.MaxDriftScore {
		return reject(ReasonGoalDriftExceeded,
			fmt.Sprintf("drift score %.2f exceeds maximum %.2f", *req.DriftScore, *p.MaxDriftScore))
	}

	res := &CheckResult{Allowed: true}
	if p.RequirePreAuth {
		res.RequiresApproval = true
		res.Reason = ReasonRequiresApproval
		res.Message = "policy requires pre-authorization for every payment"
	} else if p.ApprovalThreshold != nil && req.Amount.GreaterThan(*p.ApprovalThreshold) {
		res.RequiresApproval = true
		res.Reason = ReasonRequiresApproval
		res.Message = fmt.Sprintf("amount %s exceeds approval threshold %s", req.Amount, *p.ApprovalThreshold)
	}
	return res
}

// checkMerchantRules applies the ordered rule list: an active matching
// deny rule blocks outright; once any active allow rules exist they form
// an allowlist; the first matching allow rule may impose its own
// per-transaction cap. Returns nil when the merchant passes.
func checkMerchantRules(p *Policy, req *CheckRequest, now time.Time) *CheckResult {
	var (
		haveAllow    bool
		matchedAllow *MerchantRule
	)
	for i := range p.MerchantRules {
		r := &p.MerchantRules[i]
		if !r.activeAt(now) {
			continue
		}
		match := r.matches(req.MerchantID, req.MerchantCategory)
		switch r.Type {
		case RuleDeny:
			if match {
				return reject(ReasonMerchantBlocked,
					fmt.Sprintf("merchant %s is blocked by rule %s", req.MerchantID, r.ID))
			}
		case RuleAllow:
			haveAllow = true
			if match && matchedAllow == nil {
				matchedAllow = r
			}
		}
	}
	if haveAllow && matchedAllow == nil {
		return reject(ReasonMerchantNotAllowed,
			fmt.Sprintf("merchant %s is not on the allowlist", req.MerchantID))
	}
	if matchedAllow != nil && matchedAllow.MaxPerTx.IsPositive() && req.Amount.GreaterThan(matchedAllow.MaxPerTx) {
		return reject(ReasonMerchantSpecificLimit,
			fmt.Sprintf("amount %s exceeds limit %s for merchant rule %s",
				req.Amount, matchedAllow.MaxPerTx, matchedAllow.ID))
	}
	return nil
}
