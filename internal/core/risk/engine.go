package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default decision thresholds on the aggregate score.
const (
	DefaultBlockThreshold  = 90
	DefaultReviewThreshold = 50
)

// Assessment is the pipeline's verdict on one payment.
type Assessment struct {
	Score       float64       `json:"score"`
	Decision    Decision      `json:"decision"`
	Factors     []string      `json:"factors,omitempty"`
	RuleResults []*RuleResult `json:"rule_results"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// Engine runs the rule pipeline and owns the state the rules read:
// per-agent behavior profiles and merchant reputation records.
type Engine struct {
	mu       sync.RWMutex
	profiles map[string]*profileHolder

	reputations *reputationStore
	rules       []Rule

	blockThreshold  float64
	reviewThreshold float64
	logger          *zap.Logger
}

type profileHolder struct {
	mu      sync.Mutex
	profile *Profile
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRules replaces the default rule set.
func WithRules(rules ...Rule) EngineOption {
	return func(e *Engine) { e.rules = rules }
}

// WithThresholds overrides the aggregate-score decision thresholds.
func WithThresholds(block, review float64) EngineOption {
	return func(e *Engine) {
		e.blockThreshold = block
		e.reviewThreshold = review
	}
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// DefaultRules returns the standard pipeline in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		NewVelocityRule(),
		NewAmountAnomalyRule(),
		NewMerchantReputationRule(),
		NewBehaviorFingerprintRule(),
		NewFailurePatternRule(),
	}
}

// NewEngine creates an engine with the default rules and thresholds.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		profiles:        make(map[string]*profileHolder),
		reputations:     newReputationStore(),
		rules:           DefaultRules(),
		blockThreshold:  DefaultBlockThreshold,
		reviewThreshold: DefaultReviewThreshold,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate scores a prospective payment. The context's Profile and
// Merchant fields are filled from engine state before the rules run;
// anything the caller pre-set there is respected (tests use this).
func (e *Engine) Evaluate(pctx *PaymentContext) *Assessment {
	if pctx.Now.IsZero() {
		pctx.Now = time.Now().UTC()
	}
	if pctx.Profile == nil {
		holder := e.holder(pctx.AgentID)
		holder.mu.Lock()
		pctx.Profile = holder.profile.snapshot()
		holder.mu.Unlock()
	}
	if pctx.Merchant == nil && pctx.MerchantID != "" {
		if info, ok := e.reputations.get(pctx.MerchantID); ok {
			pctx.Merchant = info
		}
	}

	a := &Assessment{EvaluatedAt: pctx.Now}
	var weightedTotal, weightTotal float64
	anyReview, anyDeny := false, false

	for _, rule := range e.rules {
		res := rule.Evaluate(pctx)
		a.RuleResults = append(a.RuleResults, res)
		weightedTotal += res.Score * res.Weight
		weightTotal += res.Weight
		for _, f := range res.Factors {
			a.Factors = append(a.Factors, f.Name)
		}
		switch res.Recommend {
		case DecisionDeny:
			anyDeny = true
		case DecisionReview:
			anyReview = true
		}
	}

	if weightTotal > 0 {
		a.Score = weightedTotal / weightTotal
		if a.Score > 100 {
			a.Score = 100
		}
	}

	switch {
	case anyDeny || a.Score >= e.blockThreshold:
		a.Decision = DecisionDeny
	case anyReview || a.Score >= e.reviewThreshold:
		a.Decision = DecisionReview
	default:
		a.Decision = DecisionApprove
	}

	if a.Decision != DecisionApprove {
		e.logger.Info("risk flagged payment",
			zap.String("agent_id", pctx.AgentID),
			zap.String("decision", string(a.Decision)),
			zap.Float64("score", a.Score),
			zap.Strings("factors", a.Factors))
	}
	return a
}

// RecordOutcome folds a finished attempt into the agent's profile and,
// for successful merchant payments, the merchant's volume counter.
func (e *Engine) RecordOutcome(agentID string, o Outcome) {
	holder := e.holder(agentID)
	holder.mu.Lock()
	holder.profile.record(o)
	holder.mu.Unlock()

	if o.Succeeded && o.MerchantID != "" {
		e.reputations.recordPayment(o.MerchantID)
	}
}

// Profile returns a snapshot of an agent's behavior profile, or false if
// the agent has no recorded attempts yet.
func (e *Engine) Profile(agentID string) (*Profile, bool) {
	e.mu.RLock()
	holder, ok := e.profiles[agentID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	holder.mu.Lock()
	defer holder.mu.Unlock()
	return holder.profile.snapshot(), true
}

// EnsureMerchant seeds a reputation record for a registered merchant.
// Existing records are left untouched.
func (e *Engine) EnsureMerchant(id string, createdAt time.Time, verified bool) {
	e.reputations.ensure(id, createdAt, verified)
}

// Reputation returns the merchant's current standing.
func (e *Engine) Reputation(merchantID string) (*MerchantInfo, bool) {
	return e.reputations.get(merchantID)
}

// RecordMerchantRefund bumps the merchant's refund counter.
func (e *Engine) RecordMerchantRefund(merchantID string) {
	e.reputations.recordRefund(merchantID)
}

// RecordMerchantDispute bumps the merchant's dispute counter.
func (e *Engine) RecordMerchantDispute(merchantID string) {
	e.reputations.recordDispute(merchantID)
}

// SetMerchantTrust overrides a merchant's trust score, clamped to
// [0, 100].
func (e *Engine) SetMerchantTrust(merchantID string, score float64) {
	e.reputations.setTrustScore(merchantID, score)
}

// SetMerchantVerified updates the verified flag on the reputation record.
func (e *Engine) SetMerchantVerified(merchantID string, verified bool) {
	e.reputations.setVerified(merchantID, verified)
}

func (e *Engine) holder(agentID string) *profileHolder {
	e.mu.RLock()
	holder, ok := e.profiles[agentID]
	e.mu.RUnlock()
	if ok {
		return holder
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if holder, ok = e.profiles[agentID]; ok {
		return holder
	}
	holder = &profileHolder{profile: newProfile(agentID)}
	e.profiles[agentID] = holder
	return holder
}
