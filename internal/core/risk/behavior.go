package risk

import (
	"fmt"
	"math"
)

// behaviorMinHistory is how many recorded attempts an agent needs before
// the fingerprint has enough signal to judge against.
const behaviorMinHistory = 10

// BehaviorFingerprintRule compares a payment against the agent's own
// habits: typical amounts, known recipients, familiar merchant
// categories.
type BehaviorFingerprintRule struct{}

func NewBehaviorFingerprintRule() *BehaviorFingerprintRule { return &BehaviorFingerprintRule{} }

func (r *BehaviorFingerprintRule) Name() string { return "behavior_fingerprint" }

func (r *BehaviorFingerprintRule) Evaluate(pctx *PaymentContext) *RuleResult {
	res := &RuleResult{Rule: r.Name(), Weight: 1.0}
	p := pctx.Profile
	if p.TotalTx < behaviorMinHistory {
		res.Weight = 0
		res.Details = map[string]any{"skipped": "insufficient history"}
		return res
	}

	mean, stddev := p.amountStats()
	if stddev > 0 {
		z := math.Abs((pctx.Amount.InexactFloat64() - mean) / stddev)
		res.Details = map[string]any{"z_score": z}
		if z > 2.5 {
			score := 20 * z / 3
			if score > 40 {
				score = 40
			}
			res.add(Factor{
				Name:   "unusual_amount",
				Score:  score,
				Detail: fmt.Sprintf("%.1f standard deviations from typical", z),
			})
		}
	}

	if pctx.RecipientID != "" && !p.knowsRecipient(pctx.RecipientID) {
		res.add(Factor{Name: "new_recipient", Score: 10, Detail: pctx.RecipientID})
	}
	if pctx.MerchantCategory != "" && !p.knowsCategory(pctx.MerchantCategory) {
		res.add(Factor{Name: "unusual_category", Score: 10, Detail: pctx.MerchantCategory})
	}

	res.clamp()
	if res.Score >= 30 {
		res.escalate(DecisionReview)
	}
	return res
}
