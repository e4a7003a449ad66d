// Package di wires the platform services together. Services register
// lazily through builder functions, so a command only constructs the
// subsystems its configuration actually enables.
package di

import (
	"errors"
	"sync"
)

// Container is the dependency injection container.
// It manages service registration and resolution.
type Container struct {
	mu       sync.RWMutex
	services map[string]interface{}
	builders map[string]Builder
	building map[string]bool
}

// Builder is a function that creates a service instance.
type Builder func(c *Container) (interface{}, error)

// New creates a new dependency injection container.
func New() *Container {
	return &Container{
		services: make(map[string]interface{}),
		builders: make(map[string]Builder),
		building: make(map[string]bool),
	}
}

// Register registers a service instance.
func (c *Container) Register(name string, service interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = service
}

// RegisterBuilder registers a builder function for lazy instantiation.
func (c *Container) RegisterBuilder(name string, builder Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builders[name] = builder
}

// Get retrieves a service by name, building it on first use. Builders
// run outside the container lock so they can resolve their own
// dependencies through the container; a service that depends on itself,
// directly or through its dependencies, fails with a cycle error.
func (c *Container) Get(name string) (interface{}, error) {
	c.mu.RLock()
	service, exists := c.services[name]
	c.mu.RUnlock()

	if exists {
		return service, nil
	}

	c.mu.Lock()
	// Check again in case it was built while waiting for lock
	if service, exists := c.services[name]; exists {
		c.mu.Unlock()
		return service, nil
	}

	builder, hasBuilder := c.builders[name]
	if !hasBuilder {
		c.mu.Unlock()
		return nil, errors.New("service not found: " + name)
	}

	if c.building[name] {
		c.mu.Unlock()
		return nil, errors.New("dependency cycle detected: " + name)
	}
	c.building[name] = true
	c.mu.Unlock()

	service, err := builder(c)

	c.mu.Lock()
	delete(c.building, name)
	if err == nil {
		c.services[name] = service
	}
	c.mu.Unlock()

	return service, err
}

// MustGet retrieves a service or panics if not found.
func (c *Container) MustGet(name string) interface{} {
	service, err := c.Get(name)
	if err != nil {
		panic(err)
	}
	return service
}

// Built returns an already-constructed service without invoking its
// builder. Shutdown paths use it so closing never builds anything.
func (c *Container) Built(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	service, exists := c.services[name]
	return service, exists
}

// Has checks if a service is registered.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.services[name]
	if exists {
		return true
	}
	_, exists = c.builders[name]
	return exists
}

// ServiceNames returns all registered service names.
func (c *Container) ServiceNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make(map[string]bool)
	for name := range c.services {
		names[name] = true
	}
	for name := range c.builders {
		names[name] = true
	}

	result := make([]string, 0, len(names))
	for name := range names {
		result = append(result, name)
	}
	return result
}

// Clear removes all services and builders.
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = make(map[string]interface{})
	c.builders = make(map[string]Builder)
	c.building = make(map[string]bool)
}

// Service names constants for type-safe access.
const (
	ServiceConfig       = "config"
	ServiceLogger       = "logger"
	ServiceMetrics      = "metrics"
	ServiceRelationalDB = "relationaldb"
	ServiceEventBus     = "event.bus"
	ServiceLedger       = "ledger.engine"
	ServiceWallets      = "entity.wallets"
	ServiceAgents       = "entity.agents"
	ServiceMerchants    = "entity.merchants"
	ServicePolicies     = "policy.service"
	ServiceRisk         = "risk.engine"
	ServiceSettlement   = "settlement.driver"
	ServiceOrchestrator = "payment.orchestrator"
	ServiceWebhooks     = "webhook.manager"
	ServiceStream       = "stream.server"
)
