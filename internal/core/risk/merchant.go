package risk

import (
	"fmt"
	"time"
)

// MerchantReputationRule scores the receiving merchant's standing. It
// only applies to merchant payments; peer transfers return weight 0.
type MerchantReputationRule struct{}

func NewMerchantReputationRule() *MerchantReputationRule { return &MerchantReputationRule{} }

func (r *MerchantReputationRule) Name() string { return "merchant_reputation" }

func (r *MerchantReputationRule) Evaluate(pctx *PaymentContext) *RuleResult {
	res := &RuleResult{Rule: r.Name(), Weight: 1.0}
	if pctx.MerchantID == "" {
		res.Weight = 0
		res.Details = map[string]any{"skipped": "not a merchant payment"}
		return res
	}

	m := pctx.Merchant
	if m == nil {
		res.add(Factor{Name: "unknown_merchant", Score: 20, Detail: pctx.MerchantID})
		res.escalate(DecisionReview)
		res.clamp()
		return res
	}

	res.Details = map[string]any{
		"merchant_id": m.ID,
		"trust_score": m.TrustScore,
	}

	switch {
	case m.TrustScore < 20:
		res.add(Factor{
			Name:   "very_low_trust",
			Score:  30,
			Detail: fmt.Sprintf("trust score %.0f", m.TrustScore),
		})
		res.escalate(DecisionDeny)
	case m.TrustScore < 30:
		res.add(Factor{
			Name:   "low_trust",
			Score:  15,
			Detail: fmt.Sprintf("trust score %.0f", m.TrustScore),
		})
		res.escalate(DecisionReview)
	}

	if pctx.Now.Sub(m.CreatedAt) < 30*24*time.Hour {
		res.add(Factor{Name: "new_merchant", Score: 15})
	}
	if m.DisputeRate >= 0.05 {
		res.add(Factor{
			Name:   "high_dispute_rate",
			Score:  20,
			Detail: fmt.Sprintf("%.1f%% of payments disputed", m.DisputeRate*100),
		})
	}
	if m.RefundRate >= 0.10 {
		res.add(Factor{
			Name:   "high_refund_rate",
			Score:  10,
			Detail: fmt.Sprintf("%.1f%% of payments refunded", m.RefundRate*100),
		})
	}
	if m.Verified {
		res.Score -= 10
	}

	res.clamp()
	return res
}
