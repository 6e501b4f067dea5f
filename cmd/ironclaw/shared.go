package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/allowlist"
	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/credential"
	"github.com/danielsimonjr/ironclaw/internal/events"
	"github.com/danielsimonjr/ironclaw/internal/leakscan"
	"github.com/danielsimonjr/ironclaw/internal/modloader"
	"github.com/danielsimonjr/ironclaw/internal/observability"
	"github.com/danielsimonjr/ironclaw/internal/ratelimit"
	"github.com/danielsimonjr/ironclaw/internal/registry"
	"github.com/danielsimonjr/ironclaw/internal/sandbox"
	"github.com/danielsimonjr/ironclaw/internal/secrets"
	"github.com/danielsimonjr/ironclaw/internal/security"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	mcptools "github.com/danielsimonjr/ironclaw/internal/tools/mcp"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

// SharedComponents holds all initialized subsystems the commands require.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     *registry.Store

	Obs      *observability.Observability
	Resolver *secrets.Resolver
	Recorder security.Recorder
	Bus      *events.Bus
	Limiter  *ratelimit.Limiter
	Engine   *sandbox.Engine
	ToolReg  *tools.Registry
	Loader   *modloader.Loader

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between serve and
// one-shot modes. Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Module metadata registry (SQLite default, PostgreSQL optional).
	store, err := initRegistry(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing registry: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing registry", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("registry initialized", slog.String("driver", store.Driver()))

	// Secret provider chain.
	var refs map[string]string
	if cfg.Secrets != nil {
		refs = cfg.Secrets.Refs
	}
	sc.Resolver = secrets.NewResolver(initSecretProvider(cfg, logger), refs)

	// Audit pipeline: JSONL file, registry store, and the event bus.
	auditLogger, err := security.NewAuditLogger(cfg.ResolvedAuditLogPath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit logger: %w", err)
	}
	sc.Bus = events.NewBus(events.DefaultBufferSize)
	sc.addCleanup(sc.Bus.Close)
	recorder := security.NewMultiRecorder(
		auditLogger,
		security.NewStoreRecorder(store.Audit(), logger),
		events.NewRecorder(sc.Bus),
	)
	sc.Recorder = recorder
	sc.addCleanup(func() {
		if err := recorder.Close(); err != nil {
			logger.Error("closing audit recorder", slog.String("error", err.Error()))
		}
	})
	logger.Debug("audit pipeline initialized", slog.String("path", cfg.ResolvedAuditLogPath()))

	// Rate limiter, shared by module host calls and the admin API.
	sc.Limiter = ratelimit.NewLimiter(cfg.RateLimits.BurstSize())

	// Tool registry. Modules register into it as they load.
	sc.ToolReg = tools.NewRegistry()

	// Sandbox engine.
	mappings := make([]credential.Mapping, 0, len(cfg.Credentials))
	for _, cc := range cfg.Credentials {
		mappings = append(mappings, credential.Mapping{
			Host:      cc.Host,
			Location:  credential.Location(cc.Location),
			Name:      cc.Name,
			SecretRef: cc.SecretRef,
		})
	}
	deps := sandbox.Deps{
		Validator: allowlist.New(cfg.Security.AllowPrivateHosts),
		Limiter:   sc.Limiter,
		Injector:  credential.NewInjector(sc.Resolver, mappings),
		Resolver:  sc.Resolver,
		Workspace: ws,
		Recorder:  recorder,
		Invoker:   tools.NewRegistryInvoker(sc.ToolReg),
	}
	if mc := sc.Obs.MetricsOrNil(); mc != nil {
		deps.Metrics = mc
	}
	engine, err := sandbox.New(ctx, sandbox.Config{
		Engine:   cfg.Engine,
		Rates:    cfg.RateLimits,
		LeakMode: leakscan.ParseMode(cfg.Security.EffectiveLeakMode()),
	}, deps, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox engine: %w", err)
	}
	sc.Engine = engine
	sc.addCleanup(func() {
		if err := engine.Close(); err != nil {
			logger.Error("closing sandbox engine", slog.String("error", err.Error()))
		}
	})

	// Module loader.
	loader, err := modloader.New(modloader.Config{
		Dir:      cfg.ResolvedModulesDir(),
		Engine:   engine,
		Store:    store,
		Tools:    sc.ToolReg,
		Defaults: sandbox.LimitsFromConfig(cfg.Engine),
		Ceilings: sandbox.RatesFromConfig(cfg.RateLimits),
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing module loader: %w", err)
	}
	sc.Loader = loader

	// External MCP tool servers, reachable by modules through tool_invoke.
	if len(cfg.MCPServers) > 0 {
		bridge := mcptools.NewBridge(logger)
		mcpCtx, mcpCancel := context.WithTimeout(ctx, 30*time.Second)
		for _, mcpCfg := range cfg.MCPServers {
			mcpToolList, mcpErr := bridge.ConnectAndDiscover(mcpCtx, mcpCfg)
			if mcpErr != nil {
				logger.Error("MCP server failed, skipping",
					slog.String("server", mcpCfg.Name),
					slog.String("error", mcpErr.Error()),
				)
				continue
			}
			for _, t := range mcpToolList {
				var tool tools.Tool = t
				if mc := sc.Obs.MetricsOrNil(); mc != nil {
					tool = observability.NewInstrumentedTool(tool, mc, sc.Obs.TracerOrNil(), sc.Obs.Anomaly)
				}
				if regErr := sc.ToolReg.Register(tool); regErr != nil {
					logger.Warn("skipping MCP tool",
						slog.String("tool", t.Name()),
						slog.String("error", regErr.Error()),
					)
				}
			}
		}
		mcpCancel()
		sc.addCleanup(bridge.Close)
		logger.Debug("MCP tools registered", slog.Any("tools", sc.ToolReg.List()))
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		if cfg.Observability != nil && cfg.Observability.Health != nil && cfg.Observability.Health.IncludeRegistry {
			obs.Health.AddCheck("registry", store.Ping)
		}
	}

	return sc, nil
}

// initWorkspace creates and returns the workspace, resolving the root from
// config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.ResolvedWorkspace())
}

// initRegistry builds the registry config from the top-level config,
// deriving the SQLite path from the data directory when unset.
func initRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Store, error) {
	regCfg := registry.Config{Driver: cfg.Registry.RegistryDriver()}

	switch regCfg.Driver {
	case registry.DriverPostgres:
		if cfg.Registry == nil || cfg.Registry.Postgres == nil || cfg.Registry.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres DSN is required (set registry.postgres.dsn or IRONCLAW_REGISTRY_DSN)")
		}
		pg := cfg.Registry.Postgres
		regCfg.Postgres = registry.PostgresConfig{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}
	default:
		regCfg.SQLite = registry.SQLiteConfig{
			Path:        cfg.RegistryPath(),
			JournalMode: "wal",
		}
		if cfg.Registry != nil && cfg.Registry.SQLite != nil {
			if cfg.Registry.SQLite.Path != "" {
				regCfg.SQLite.Path = cfg.Registry.SQLite.Path
			}
			if cfg.Registry.SQLite.JournalMode != "" {
				regCfg.SQLite.JournalMode = cfg.Registry.SQLite.JournalMode
			}
		}
		if err := os.MkdirAll(filepath.Dir(regCfg.SQLite.Path), 0750); err != nil {
			return nil, fmt.Errorf("creating registry directory: %w", err)
		}
	}

	return registry.Open(regCfg, logger)
}

// initSecretProvider builds the secret provider chain from config.
// With no secrets section only environment variables are consulted.
func initSecretProvider(cfg *config.Config, logger *slog.Logger) secrets.Provider {
	if cfg.Secrets == nil || len(cfg.Secrets.Providers) == 0 {
		return secrets.NewEnvProvider()
	}

	providers := make([]secrets.Provider, 0, len(cfg.Secrets.Providers))
	for _, sp := range cfg.Secrets.Providers {
		switch sp.Type {
		case "env":
			providers = append(providers, secrets.NewEnvProvider())
		case "static":
			providers = append(providers, secrets.NewStaticProvider(sp.Config))
		case "vault":
			vp, err := secrets.NewVaultProvider(sp.Config)
			if err != nil {
				logger.Error("failed to create vault secret provider", slog.String("error", err.Error()))
			} else {
				providers = append(providers, vp)
			}
		default:
			logger.Warn("unknown secret provider type, skipping", slog.String("type", sp.Type))
		}
	}
	if len(providers) == 0 {
		return secrets.NewEnvProvider()
	}
	if len(providers) == 1 {
		return providers[0]
	}
	return secrets.NewCompositeProvider(providers...)
}
