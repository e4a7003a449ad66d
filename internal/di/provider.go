package di

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/config"
	"github.com/sardislabs/sardisd/internal/core/entity"
	"github.com/sardislabs/sardisd/internal/core/event"
	"github.com/sardislabs/sardisd/internal/core/ledger"
	"github.com/sardislabs/sardisd/internal/core/payment"
	"github.com/sardislabs/sardisd/internal/core/policy"
	"github.com/sardislabs/sardisd/internal/core/risk"
	"github.com/sardislabs/sardisd/internal/metrics"
	"github.com/sardislabs/sardisd/internal/settlement"
	"github.com/sardislabs/sardisd/internal/storage/relationaldb"
	"github.com/sardislabs/sardisd/internal/storage/relationaldb/postgres"
	"github.com/sardislabs/sardisd/internal/storage/relationaldb/sqlite"
	"github.com/sardislabs/sardisd/internal/stream"
	"github.com/sardislabs/sardisd/internal/webhook"
)

// Provider configures and registers services in the container.
type Provider struct {
	container *Container
	config    *config.Config
	logger    *zap.Logger
}

// NewProvider creates a new service provider. The logger is shared by
// every service that does not build its own.
func NewProvider(container *Container, cfg *config.Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		container: container,
		config:    cfg,
		logger:    logger,
	}
}

// DefaultContainer builds a provider over a fresh container with the
// full service graph registered.
func DefaultContainer(cfg *config.Config, logger *zap.Logger) (*Provider, error) {
	provider := NewProvider(New(), cfg, logger)
	if err := provider.RegisterAll(); err != nil {
		return nil, err
	}
	return provider, nil
}

// RegisterAll registers all services.
func (p *Provider) RegisterAll() error {
	p.container.Register(ServiceConfig, p.config)
	p.container.Register(ServiceLogger, p.logger)

	// Register builders for lazy instantiation
	p.registerStorageBuilders()
	p.registerCoreBuilders()
	p.registerChannelBuilders()

	return nil
}

// resolve fetches a service and asserts its type. Services disabled by
// configuration resolve to the zero value with a nil error.
func resolve[T any](c *Container, name string) (T, error) {
	var zero T
	svc, err := c.Get(name)
	if err != nil || svc == nil {
		return zero, err
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("service %s has unexpected type %T", name, svc)
	}
	return typed, nil
}

// registerStorageBuilders registers storage service builders.
func (p *Provider) registerStorageBuilders() {
	// Relational storage is optional; memory-first registries run
	// without it and lose their state on restart.
	p.container.RegisterBuilder(ServiceRelationalDB, func(c *Container) (interface{}, error) {
		dbCfg := p.config.RelationalDBConfig()
		if dbCfg == nil {
			return nil, nil
		}

		ctx := context.Background()
		var repos relationaldb.RepositoryManager
		var err error
		switch dbCfg.Driver {
		case relationaldb.DriverPostgres:
			repos, err = postgres.Open(ctx, dbCfg)
		case relationaldb.DriverSQLite:
			repos, err = sqlite.Open(ctx, dbCfg)
		default:
			return nil, fmt.Errorf("unsupported relational driver %q", dbCfg.Driver)
		}
		if err != nil {
			return nil, fmt.Errorf("open relational storage: %w", err)
		}

		return relationaldb.NewManager(repos, dbCfg,
			relationaldb.WithLogger(p.logger.Named("relationaldb"))), nil
	})

	p.container.RegisterBuilder(ServiceLedger, func(c *Container) (interface{}, error) {
		engine, err := ledger.Open(p.config.EntryStoreConfig(),
			ledger.WithLogger(p.logger.Named("ledger")),
			ledger.WithEntryCacheSize(p.config.Ledger.EntryCacheSize))
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		return engine, nil
	})
}

// registerCoreBuilders registers the entity registries, policy service,
// risk engine and the payment orchestrator.
func (p *Provider) registerCoreBuilders() {
	p.container.RegisterBuilder(ServiceMetrics, func(c *Container) (interface{}, error) {
		if !p.config.Metrics.Enabled {
			return nil, nil
		}
		return metrics.New(), nil
	})

	p.container.RegisterBuilder(ServiceEventBus, func(c *Container) (interface{}, error) {
		bus := event.NewBus(p.logger.Named("events"))

		mtr, err := resolve[*metrics.Metrics](c, ServiceMetrics)
		if err != nil {
			return nil, err
		}
		if mtr != nil {
			counter := mtr.EventsEmitted
			bus.Subscribe(func(evt *event.Event) {
				counter.WithLabelValues(string(evt.Type)).Inc()
			})
		}
		return bus, nil
	})

	p.container.RegisterBuilder(ServiceWallets, func(c *Container) (interface{}, error) {
		bus, err := resolve[*event.Bus](c, ServiceEventBus)
		if err != nil {
			return nil, err
		}
		return entity.NewWalletRegistry(bus, p.logger.Named("wallets")), nil
	})

	p.container.RegisterBuilder(ServiceAgents, func(c *Container) (interface{}, error) {
		bus, err := resolve[*event.Bus](c, ServiceEventBus)
		if err != nil {
			return nil, err
		}
		return entity.NewAgentRegistry(bus, p.logger.Named("agents")), nil
	})

	p.container.RegisterBuilder(ServiceMerchants, func(c *Container) (interface{}, error) {
		bus, err := resolve[*event.Bus](c, ServiceEventBus)
		if err != nil {
			return nil, err
		}
		return entity.NewMerchantRegistry(bus, p.logger.Named("merchants")), nil
	})

	p.container.RegisterBuilder(ServicePolicies, func(c *Container) (interface{}, error) {
		opts := []policy.ServiceOption{
			policy.WithLogger(p.logger.Named("policy")),
		}

		storage, err := resolve[*relationaldb.Manager](c, ServiceRelationalDB)
		if err != nil {
			return nil, err
		}
		if storage != nil {
			opts = append(opts, policy.WithStore(policyStore{repo: storage.Repositories().Policies()}))
		}
		return policy.NewService(opts...), nil
	})

	p.container.RegisterBuilder(ServiceRisk, func(c *Container) (interface{}, error) {
		return risk.NewEngine(
			risk.WithRules(enabledRules(p.config.Risk.DisabledRules)...),
			risk.WithThresholds(p.config.Risk.DenyThreshold, p.config.Risk.ReviewThreshold),
			risk.WithEngineLogger(p.logger.Named("risk")),
		), nil
	})

	// The noop driver settles on the internal ledger alone. Deployments
	// bridging to an external rail register their own driver here.
	p.container.RegisterBuilder(ServiceSettlement, func(c *Container) (interface{}, error) {
		return settlement.NoopDriver{}, nil
	})

	p.container.RegisterBuilder(ServiceOrchestrator, func(c *Container) (interface{}, error) {
		engine, err := resolve[*ledger.Engine](c, ServiceLedger)
		if err != nil {
			return nil, err
		}
		wallets, err := resolve[*entity.WalletRegistry](c, ServiceWallets)
		if err != nil {
			return nil, err
		}
		agents, err := resolve[*entity.AgentRegistry](c, ServiceAgents)
		if err != nil {
			return nil, err
		}
		merchants, err := resolve[*entity.MerchantRegistry](c, ServiceMerchants)
		if err != nil {
			return nil, err
		}
		policies, err := resolve[*policy.Service](c, ServicePolicies)
		if err != nil {
			return nil, err
		}
		riskEngine, err := resolve[*risk.Engine](c, ServiceRisk)
		if err != nil {
			return nil, err
		}
		bus, err := resolve[*event.Bus](c, ServiceEventBus)
		if err != nil {
			return nil, err
		}
		driver, err := resolve[settlement.Driver](c, ServiceSettlement)
		if err != nil {
			return nil, err
		}

		defaultFee, flatFees, err := p.config.Fees.FeeTable()
		if err != nil {
			return nil, err
		}

		opts := []payment.Option{
			payment.WithFeePricer(payment.NewFlatFeePricer(defaultFee, flatFees)),
			payment.WithPublisher(bus),
			payment.WithSettlement(driver),
			payment.WithLogger(p.logger.Named("payments")),
			payment.WithDefaultTier(policy.TrustTier(p.config.Policy.DefaultTier)),
		}
		if p.config.Fees.FeeWallet != "" {
			opts = append(opts, payment.WithFeeWallet(p.config.Fees.FeeWallet))
		}

		mtr, err := resolve[*metrics.Metrics](c, ServiceMetrics)
		if err != nil {
			return nil, err
		}
		if mtr != nil {
			opts = append(opts, payment.WithMetrics(mtr))
		}

		storage, err := resolve[*relationaldb.Manager](c, ServiceRelationalDB)
		if err != nil {
			return nil, err
		}
		if storage != nil {
			opts = append(opts, payment.WithRepositories(storage.Repositories()))
		}

		return payment.New(payment.Deps{
			Ledger:    engine,
			Wallets:   wallets,
			Agents:    agents,
			Merchants: merchants,
			Policies:  policies,
			Risk:      riskEngine,
		}, opts...)
	})
}

// registerChannelBuilders registers the webhook and stream fan-out
// channels. Both subscribe to the event bus when built.
func (p *Provider) registerChannelBuilders() {
	p.container.RegisterBuilder(ServiceWebhooks, func(c *Container) (interface{}, error) {
		var repo relationaldb.SubscriptionRepository
		storage, err := resolve[*relationaldb.Manager](c, ServiceRelationalDB)
		if err != nil {
			return nil, err
		}
		if storage != nil {
			repo = storage.Repositories().Subscriptions()
		}

		logger := p.logger.Named("webhooks")
		registry := webhook.NewRegistry(repo, logger)

		opts := []webhook.Option{
			webhook.WithLogger(logger),
			webhook.WithWorkers(p.config.Webhook.Workers),
			webhook.WithTimeout(p.config.Webhook.Timeout),
			webhook.WithMaxAttempts(p.config.Webhook.MaxAttempts),
		}
		if len(p.config.Webhook.Backoff) > 0 {
			opts = append(opts, webhook.WithBackoff(p.config.Webhook.Backoff))
		}

		mtr, err := resolve[*metrics.Metrics](c, ServiceMetrics)
		if err != nil {
			return nil, err
		}
		if mtr != nil {
			opts = append(opts, webhook.WithMetrics(mtr))
		}

		manager := webhook.NewManager(registry, opts...)

		bus, err := resolve[*event.Bus](c, ServiceEventBus)
		if err != nil {
			return nil, err
		}
		bus.Subscribe(manager.Sink())
		return manager, nil
	})

	p.container.RegisterBuilder(ServiceStream, func(c *Container) (interface{}, error) {
		if !p.config.Stream.Enabled {
			return nil, nil
		}

		srv := stream.NewServer(p.logger.Named("stream"))

		bus, err := resolve[*event.Bus](c, ServiceEventBus)
		if err != nil {
			return nil, err
		}
		bus.Subscribe(srv.Sink())
		return srv, nil
	})
}

// GetConfig returns the configuration from the container.
func (p *Provider) GetConfig() *config.Config {
	return p.config
}

// Logger returns the shared logger.
func (p *Provider) Logger() *zap.Logger {
	return p.logger
}

// Ledger returns the ledger engine, opening it on first use.
func (p *Provider) Ledger() (*ledger.Engine, error) {
	return resolve[*ledger.Engine](p.container, ServiceLedger)
}

// Storage returns the relational storage manager, or nil when relational
// persistence is disabled.
func (p *Provider) Storage() (*relationaldb.Manager, error) {
	return resolve[*relationaldb.Manager](p.container, ServiceRelationalDB)
}

// Metrics returns the metrics bundle, or nil when metrics are disabled.
func (p *Provider) Metrics() (*metrics.Metrics, error) {
	return resolve[*metrics.Metrics](p.container, ServiceMetrics)
}

// EventBus returns the process-wide event bus.
func (p *Provider) EventBus() (*event.Bus, error) {
	return resolve[*event.Bus](p.container, ServiceEventBus)
}

// Wallets returns the wallet registry.
func (p *Provider) Wallets() (*entity.WalletRegistry, error) {
	return resolve[*entity.WalletRegistry](p.container, ServiceWallets)
}

// Agents returns the agent registry.
func (p *Provider) Agents() (*entity.AgentRegistry, error) {
	return resolve[*entity.AgentRegistry](p.container, ServiceAgents)
}

// Merchants returns the merchant registry.
func (p *Provider) Merchants() (*entity.MerchantRegistry, error) {
	return resolve[*entity.MerchantRegistry](p.container, ServiceMerchants)
}

// Policies returns the policy service.
func (p *Provider) Policies() (*policy.Service, error) {
	return resolve[*policy.Service](p.container, ServicePolicies)
}

// Risk returns the risk engine.
func (p *Provider) Risk() (*risk.Engine, error) {
	return resolve[*risk.Engine](p.container, ServiceRisk)
}

// Orchestrator returns the payment orchestrator.
func (p *Provider) Orchestrator() (*payment.Orchestrator, error) {
	return resolve[*payment.Orchestrator](p.container, ServiceOrchestrator)
}

// Webhooks returns the webhook delivery manager.
func (p *Provider) Webhooks() (*webhook.Manager, error) {
	return resolve[*webhook.Manager](p.container, ServiceWebhooks)
}

// Stream returns the websocket stream server, or nil when streaming is
// disabled.
func (p *Provider) Stream() (*stream.Server, error) {
	return resolve[*stream.Server](p.container, ServiceStream)
}

// Close shuts down the stateful services that were actually built, in
// reverse dependency order. Never resolves anything just to close it.
func (p *Provider) Close(ctx context.Context) error {
	var errs []error

	if svc, ok := p.container.Built(ServiceStream); ok && svc != nil {
		svc.(*stream.Server).Close()
	}
	if svc, ok := p.container.Built(ServiceLedger); ok && svc != nil {
		if err := svc.(*ledger.Engine).Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	if svc, ok := p.container.Built(ServiceRelationalDB); ok && svc != nil {
		if err := svc.(*relationaldb.Manager).Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close relational storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

// enabledRules returns the default rule set minus the disabled names.
func enabledRules(disabled []string) []risk.Rule {
	all := risk.DefaultRules()
	if len(disabled) == 0 {
		return all
	}

	skip := make(map[string]struct{}, len(disabled))
	for _, name := range disabled {
		skip[strings.ToLower(name)] = struct{}{}
	}

	rules := make([]risk.Rule, 0, len(all))
	for _, rule := range all {
		if _, ok := skip[rule.Name()]; ok {
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

// policyStore adapts the relational policy repository to the policy
// service's persistence interface.
type policyStore struct {
	repo relationaldb.PolicyRepository
}

func (s policyStore) Save(ctx context.Context, agentID string, doc []byte) error {
	return s.repo.SavePolicy(ctx, agentID, doc)
}

func (s policyStore) LoadAll(ctx context.Context) (map[string][]byte, error) {
	return s.repo.ListPolicies(ctx)
}
