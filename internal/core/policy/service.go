package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrPolicyNotFound is returned when an agent has no stored policy.
var ErrPolicyNotFound = errors.New("policy not found")

// Store persists policy documents as JSON. Implementations must tolerate
// repeated saves for the same agent.
type Store interface {
	Save(ctx context.Context, agentID string, doc []byte) error
	LoadAll(ctx context.Context) (map[string][]byte, error)
}

// Service owns every agent's spending policy. Each policy is guarded by
// its own lock so evaluation for one agent never blocks another; the
// service-level lock only protects the map itself.
type Service struct {
	mu       sync.RWMutex
	policies map[string]*policyHolder

	store  Store
	logger *zap.Logger
}

type policyHolder struct {
	mu     sync.Mutex
	policy *Policy
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithStore wires a persistence backend. Policies are written through on
// every mutation and reloaded with LoadFromStore.
func WithStore(store Store) ServiceOption {
	return func(s *Service) { s.store = store }
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates an empty policy service.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		policies: make(map[string]*policyHolder),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadFromStore replaces the in-memory policy set with the stored one.
// Documents that fail to decode are skipped with a log line rather than
// failing the whole load.
func (s *Service) LoadFromStore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	docs, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	loaded := make(map[string]*policyHolder, len(docs))
	for agentID, doc := range docs {
		var p Policy
		if err := json.Unmarshal(doc, &p); err != nil {
			s.logger.Error("skipping undecodable policy document",
				zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		loaded[agentID] = &policyHolder{policy: &p}
	}

	s.mu.Lock()
	s.policies = loaded
	s.mu.Unlock()

	s.logger.Info("policies loaded", zap.Int("count", len(loaded)))
	return nil
}

// SetPolicy installs or replaces an agent's policy.
func (s *Service) SetPolicy(ctx context.Context, p *Policy) error {
	if p == nil || p.AgentID == "" {
		return errors.New("policy must name an agent")
	}
	cp := p.Clone()
	cp.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	holder, ok := s.policies[cp.AgentID]
	if !ok {
		holder = &policyHolder{}
		s.policies[cp.AgentID] = holder
	}
	s.mu.Unlock()

	holder.mu.Lock()
	holder.policy = cp
	s.persist(ctx, cp)
	holder.mu.Unlock()

	s.logger.Info("policy set",
		zap.String("agent_id", cp.AgentID),
		zap.String("tier", string(cp.Tier)))
	return nil
}

// EnsurePolicy returns the agent's policy, creating tier defaults when
// none exists yet.
func (s *Service) EnsurePolicy(ctx context.Context, agentID string, tier TrustTier) (*Policy, error) {
	if agentID == "" {
		return nil, errors.New("policy must name an agent")
	}

	s.mu.Lock()
	holder, ok := s.policies[agentID]
	if !ok {
		holder = &policyHolder{}
		s.policies[agentID] = holder
	}
	s.mu.Unlock()

	holder.mu.Lock()
	defer holder.mu.Unlock()
	if holder.policy == nil {
		holder.policy = NewPolicy(agentID, tier)
		s.persist(ctx, holder.policy)
		s.logger.Info("policy created from tier defaults",
			zap.String("agent_id", agentID),
			zap.String("tier", string(tier)))
	}
	return holder.policy.Clone(), nil
}

// GetPolicy returns a snapshot of the agent's policy.
func (s *Service) GetPolicy(agentID string) (*Policy, error) {
	holder, err := s.holder(agentID)
	if err != nil {
		return nil, err
	}
	holder.mu.Lock()
	defer holder.mu.Unlock()
	return holder.policy.Clone(), nil
}

// Check evaluates a prospective payment against the agent's policy. The
// decision reflects current counters but reserves nothing; call
// RecordSpend once the payment commits.
func (s *Service) Check(req *CheckRequest) (*CheckResult, error) {
	if req == nil || req.AgentID == "" {
		return nil, errors.New("check request must name an agent")
	}
	holder, err := s.holder(req.AgentID)
	if err != nil {
		return nil, err
	}

	holder.mu.Lock()
	res := evaluate(holder.policy, req, time.Now().UTC())
	holder.mu.Unlock()

	if !res.Allowed {
		s.logger.Debug("policy rejected payment",
			zap.String("agent_id", req.AgentID),
			zap.String("reason", res.Reason),
			zap.String("amount", req.Amount.String()))
	}
	return res, nil
}

// RecordSpend folds a committed payment into the agent's lifetime and
// window counters.
func (s *Service) RecordSpend(ctx context.Context, agentID string, amount decimal.Decimal) error {
	holder, err := s.holder(agentID)
	if err != nil {
		return err
	}

	holder.mu.Lock()
	holder.policy.recordSpend(amount, time.Now().UTC())
	s.persist(ctx, holder.policy)
	holder.mu.Unlock()
	return nil
}

// holder finds an agent's policy holder. A holder whose policy is still
// nil (EnsurePolicy racing us) counts as not found; once set, a policy is
// never cleared, so the check holds after the lock is released.
func (s *Service) holder(agentID string) (*policyHolder, error) {
	s.mu.RLock()
	holder, ok := s.policies[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrPolicyNotFound
	}
	holder.mu.Lock()
	set := holder.policy != nil
	holder.mu.Unlock()
	if !set {
		return nil, ErrPolicyNotFound
	}
	return holder, nil
}

// persist writes the policy through to the store. Failures are logged and
// swallowed so a storage hiccup never blocks payments; the in-memory copy
// stays authoritative until the next successful save.
func (s *Service) persist(ctx context.Context, p *Policy) {
	if s.store == nil {
		return
	}
	doc, err := json.Marshal(p)
	if err != nil {
		s.logger.Error("policy encode failed", zap.String("agent_id", p.AgentID), zap.Error(err))
		return
	}
	if err := s.store.Save(ctx, p.AgentID, doc); err != nil {
		s.logger.Warn("policy persist failed", zap.String("agent_id", p.AgentID), zap.Error(err))
	}
}
