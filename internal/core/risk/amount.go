package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Reporting thresholds commonly used for structuring detection. Amounts
// parked just underneath either one are suspicious in their own right.
var reportingThresholds = []int64{3000, 10000}

// AmountAnomalyRule scores payments that are large in absolute terms or
// out of line with the agent's own history.
type AmountAnomalyRule struct{}

func NewAmountAnomalyRule() *AmountAnomalyRule { return &AmountAnomalyRule{} }

func (r *AmountAnomalyRule) Name() string { return "amount_anomaly" }

func (r *AmountAnomalyRule) Evaluate(pctx *PaymentContext) *RuleResult {
	res := &RuleResult{Rule: r.Name(), Weight: 1.2}
	amount := pctx.Amount
	res.Details = map[string]any{"amount": amount.String()}

	if amount.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		res.add(Factor{Name: "large_transaction", Score: 15})
	}
	if amount.GreaterThanOrEqual(decimal.NewFromInt(500)) {
		res.add(Factor{Name: "very_large_transaction", Score: 30})
		res.escalate(DecisionReview)
	}

	if pctx.Profile.TotalTx >= 5 && pctx.Profile.AvgAmount.IsPositive() {
		deviation := amount.Div(pctx.Profile.AvgAmount)
		res.Details["deviation"] = deviation.StringFixed(2)
		if deviation.GreaterThanOrEqual(decimal.NewFromInt(3)) {
			res.add(Factor{
				Name:   "significant_deviation",
				Score:  15,
				Detail: fmt.Sprintf("%sx the agent's average", deviation.StringFixed(1)),
			})
		}
		if deviation.GreaterThanOrEqual(decimal.NewFromInt(10)) {
			res.add(Factor{
				Name:   "extreme_deviation",
				Score:  25,
				Detail: fmt.Sprintf("%sx the agent's average", deviation.StringFixed(1)),
			})
			res.escalate(DecisionDeny)
		}
	}

	if amount.GreaterThanOrEqual(decimal.NewFromInt(100)) &&
		amount.Mod(decimal.NewFromInt(100)).IsZero() {
		res.add(Factor{Name: "round_amount", Score: 10})
	}

	for _, limit := range reportingThresholds {
		lo := decimal.NewFromInt(limit - 500)
		hi := decimal.NewFromInt(limit)
		if amount.GreaterThanOrEqual(lo) && amount.LessThan(hi) {
			res.add(Factor{
				Name:   "near_reporting_threshold",
				Score:  10,
				Detail: fmt.Sprintf("within 500 below %d", limit),
			})
			break
		}
	}

	res.clamp()
	return res
}
