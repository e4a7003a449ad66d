// Package risk scores prospective payments with a weighted rule pipeline
// and maintains the per-agent behavior profiles and merchant reputation
// records the rules read. Scoring is advisory until the decision comes
// back DENY; the orchestrator enforces it.
package risk

// Decision is the outcome of a risk evaluation, and doubles as a rule's
// recommended action (empty means the rule recommends nothing).
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReview  Decision = "REVIEW"
	DecisionDeny    Decision = "DENY"
)

// Factor is one named contribution to a rule's score.
type Factor struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Detail string  `json:"detail,omitempty"`
}

// RuleResult is a single rule's verdict. A rule that does not apply to
// the payment (no merchant, not enough history) returns Weight 0 and is
// thereby excluded from the aggregate.
type RuleResult struct {
	Rule      string         `json:"rule"`
	Score     float64        `json:"score"`
	Weight    float64        `json:"weight"`
	Factors   []Factor       `json:"factors,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Triggered bool           `json:"triggered"`
	Recommend Decision       `json:"recommend,omitempty"`
}

func (r *RuleResult) add(f Factor) {
	r.Score += f.Score
	r.Factors = append(r.Factors, f)
	r.Triggered = true
}

// escalate raises the recommended action, never lowers it.
func (r *RuleResult) escalate(d Decision) {
	if d == DecisionDeny || (d == DecisionReview && r.Recommend != DecisionDeny) {
		r.Recommend = d
	}
}

func (r *RuleResult) clamp() {
	if r.Score > 100 {
		r.Score = 100
	}
	if r.Score < 0 {
		r.Score = 0
	}
}

// Rule scores one dimension of a payment.
type Rule interface {
	Name() string
	Evaluate(pctx *PaymentContext) *RuleResult
}
