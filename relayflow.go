// Package relayflow provides a top-level convenience entry point for
// assembling a handoff orchestrator with minimal boilerplate.
//
// Usage:
//
//	import "github.com/Arkeep/relayflow"
//
//	engine, err := relayflow.New(
//		relayflow.WithAgent("math", mathAgent, "mathematics"),
//		relayflow.WithAgent("history", historyAgent, "history"),
//		relayflow.WithPermissions(map[string][]string{
//			"triage": {"math", "history"},
//		}),
//	)
//
// New wires the registry, security manager, state store and orchestrator
// from config defaults. Options apply independently of their order:
// WithConfig always establishes the base configuration before the narrower
// options refine it. For full control build handoff.OrchestratorConfig
// directly.
package relayflow

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Arkeep/relayflow/config"
	"github.com/Arkeep/relayflow/handoff"
	"github.com/Arkeep/relayflow/internal/metrics"
	"github.com/Arkeep/relayflow/internal/telemetry"
	"github.com/Arkeep/relayflow/state"
)

type builder struct {
	baseCfg      *config.Config
	permissions  map[string][]string
	telemetryCfg *config.TelemetryConfig
	logger       *zap.Logger
	state        state.Manager
	agents       []pendingAgent

	metricsNamespace string
	useRedisState    bool
	useDatabaseState bool
}

type pendingAgent struct {
	id           string
	handle       handoff.Agent
	capabilities []string
}

// Option configures the engine built by [New].
type Option func(*builder)

// WithConfig replaces the default configuration. It forms the base the
// other options refine, wherever it appears in the option list.
func WithConfig(cfg *config.Config) Option {
	return func(b *builder) { b.baseCfg = cfg }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *builder) { b.logger = logger }
}

// WithAgent registers an agent with its capabilities.
func WithAgent(id string, handle handoff.Agent, capabilities ...string) Option {
	return func(b *builder) {
		b.agents = append(b.agents, pendingAgent{id: id, handle: handle, capabilities: capabilities})
	}
}

// WithPermissions sets the handoff permission graph (source id -> allowed
// target ids). Default deny applies to unlisted pairs.
func WithPermissions(permissions map[string][]string) Option {
	return func(b *builder) { b.permissions = permissions }
}

// WithStateManager supplies a caller-built conversation store, replacing
// the default in-memory one.
func WithStateManager(m state.Manager) Option {
	return func(b *builder) { b.state = m }
}

// WithRedisState backs conversation state with Redis, connecting from the
// configuration's redis section.
func WithRedisState() Option {
	return func(b *builder) { b.useRedisState = true }
}

// WithDatabaseState backs conversation state with a SQL database, opened
// from the configuration's database section. Only the sqlite driver is
// opened here; for other dialects build the store with state.NewGormManager
// and pass it via WithStateManager.
func WithDatabaseState() Option {
	return func(b *builder) { b.useDatabaseState = true }
}

// WithMetrics enables Prometheus collection under the given namespace.
func WithMetrics(namespace string) Option {
	return func(b *builder) { b.metricsNamespace = namespace }
}

// WithTelemetry initializes the OpenTelemetry SDK from the given settings.
// Provider shutdown is tied to the engine's Close. With Enabled false this
// is a no-op, which keeps the option safe to pass unconditionally.
func WithTelemetry(cfg config.TelemetryConfig) Option {
	return func(b *builder) { b.telemetryCfg = &cfg }
}

// New assembles a ready-to-use orchestrator.
func New(opts ...Option) (*handoff.Orchestrator, error) {
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}

	cfg := b.baseCfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if b.permissions != nil {
		cfg.Security.Permissions = b.permissions
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := handoff.NewRegistry(logger)
	for _, a := range b.agents {
		if err := registry.Register(a.id, a.handle, a.capabilities); err != nil {
			return nil, err
		}
	}

	st, err := b.buildState(cfg, logger)
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if b.metricsNamespace != "" {
		collector = metrics.NewCollector(b.metricsNamespace, logger)
	}

	var onClose []func() error
	if b.telemetryCfg != nil {
		providers, err := telemetry.Init(*b.telemetryCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		onClose = append(onClose, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return providers.Shutdown(ctx)
		})
	}

	return handoff.NewOrchestrator(handoff.OrchestratorConfig{
		Registry: registry,
		Security: handoff.NewSecurity(cfg.Security, logger),
		State:    st,
		Metrics:  collector,
		Handoff:  cfg.Handoff,
		Queue: handoff.QueueSettings{
			Workers: cfg.Queue.Workers,
			Size:    cfg.Queue.Size,
		},
		OnClose: onClose,
		Logger:  logger,
	})
}

// buildState resolves the conversation store from the chosen backend
// option. Exactly one backend may be selected.
func (b *builder) buildState(cfg *config.Config, logger *zap.Logger) (state.Manager, error) {
	selected := 0
	if b.state != nil {
		selected++
	}
	if b.useRedisState {
		selected++
	}
	if b.useDatabaseState {
		selected++
	}
	if selected > 1 {
		return nil, fmt.Errorf("conflicting state backends: pick one of WithStateManager, WithRedisState, WithDatabaseState")
	}

	switch {
	case b.state != nil:
		return b.state, nil

	case b.useRedisState:
		mc := state.DefaultRedisManagerConfig()
		mc.Addr = cfg.Redis.Addr
		mc.Password = cfg.Redis.Password
		mc.DB = cfg.Redis.DB
		mc.PoolSize = cfg.Redis.PoolSize
		return state.NewRedisManager(mc, logger)

	case b.useDatabaseState:
		if cfg.Database.Driver != "sqlite" {
			return nil, fmt.Errorf("database driver %q is not opened here; build the store with state.NewGormManager and pass it via WithStateManager", cfg.Database.Driver)
		}
		db, err := gorm.Open(sqlite.Open(cfg.Database.DSN()), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		return state.NewGormManager(db, logger)

	default:
		return state.NewMemoryManager(state.MemoryManagerConfig{}, logger), nil
	}
}
