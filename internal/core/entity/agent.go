package entity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/core/event"
)

// Agent is an autonomous software principal. It owns exactly one wallet
// and initiates payments through the orchestrator.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	WalletID  string    `json:"wallet_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentRegistry tracks agents. Agents are deactivated, never deleted, so
// the ledger audit trail keeps resolving.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	events event.Publisher
	logger *zap.Logger
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry(events event.Publisher, logger *zap.Logger) *AgentRegistry {
	if events == nil {
		events = event.NoOpPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentRegistry{
		agents: make(map[string]*Agent),
		events: events,
		logger: logger,
	}
}

// Create registers an active agent bound to the given wallet.
func (r *AgentRegistry) Create(name, ownerID, walletID string) *Agent {
	now := time.Now().UTC()
	a := &Agent{
		ID:        "agent_" + uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		WalletID:  walletID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.agents[a.ID] = a
	r.mu.Unlock()

	r.logger.Info("agent created", zap.String("agent_id", a.ID), zap.String("wallet_id", walletID))
	r.events.Publish(event.New(event.TypeAgentCreated, map[string]any{
		"agent_id":  a.ID,
		"name":      name,
		"owner_id":  ownerID,
		"wallet_id": walletID,
	}))
	return cloneAgent(a)
}

// Get returns a snapshot of the agent.
func (r *AgentRegistry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(a), nil
}

// List returns snapshots of all agents, optionally filtered by owner.
func (r *AgentRegistry) List(ownerID string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if ownerID != "" && a.OwnerID != ownerID {
			continue
		}
		out = append(out, cloneAgent(a))
	}
	return out
}

// Rename updates the display name.
func (r *AgentRegistry) Rename(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Name = name
	a.UpdatedAt = time.Now().UTC()

	r.events.Publish(event.New(event.TypeAgentUpdated, map[string]any{
		"agent_id": id,
		"name":     name,
	}))
	return nil
}

// Deactivate soft-deletes the agent.
func (r *AgentRegistry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if !a.Active {
		return nil
	}
	a.Active = false
	a.UpdatedAt = time.Now().UTC()

	r.events.Publish(event.New(event.TypeAgentDeactivated, map[string]any{
		"agent_id": id,
	}))
	return nil
}

func cloneAgent(a *Agent) *Agent {
	cp := *a
	return &cp
}
