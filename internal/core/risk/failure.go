package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FailurePatternRule reads the agent's failure history: high failure
// rates, streaks of consecutive failures, and small-account probing
// followed by an outsized attempt.
type FailurePatternRule struct{}

func NewFailurePatternRule() *FailurePatternRule { return &FailurePatternRule{} }

func (r *FailurePatternRule) Name() string { return "failure_pattern" }

func (r *FailurePatternRule) Evaluate(pctx *PaymentContext) *RuleResult {
	res := &RuleResult{Rule: r.Name(), Weight: 1.3}
	p := pctx.Profile

	rate := p.failureRate()
	res.Details = map[string]any{
		"failure_rate":      rate,
		"consecutive_fails": p.ConsecutiveFails,
	}

	if p.TotalTx >= 5 && rate >= 0.20 {
		res.add(Factor{
			Name:   "high_failure_rate",
			Score:  25,
			Detail: fmt.Sprintf("%.0f%% of attempts failed", rate*100),
		})
		res.escalate(DecisionReview)
		if rate >= 0.40 {
			res.add(Factor{Name: "very_high_failure_rate", Score: 50})
			res.escalate(DecisionDeny)
		}
	}

	if p.ConsecutiveFails >= 3 {
		res.add(Factor{
			Name:   "consecutive_failures",
			Score:  15,
			Detail: fmt.Sprintf("%d in a row", p.ConsecutiveFails),
		})
		if p.ConsecutiveFails >= 6 {
			res.escalate(DecisionDeny)
		}
	}

	if p.TotalTx <= 10 && p.FailedTx >= 3 && p.AvgAmount.IsPositive() &&
		pctx.Amount.GreaterThan(p.AvgAmount.Mul(decimal.NewFromInt(2))) {
		res.add(Factor{
			Name:   "probing_pattern",
			Score:  15,
			Detail: "early failures followed by an outsized attempt",
		})
	}

	res.clamp()
	return res
}
