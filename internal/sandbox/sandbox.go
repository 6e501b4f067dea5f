// Package sandbox executes untrusted WebAssembly tool modules under a
// capability grant, a fuel budget, a memory ceiling, and a wall-clock
// deadline. A module reaches the host only through one imported function;
// every operation on that boundary is checked against the grant, the
// endpoint and workspace allowlists, and the per-module rate limits, and
// all data crossing it passes through the credential leak scanner. Raw
// secret values never enter module memory: modules hold opaque handles,
// and the host swaps in real values on outbound requests after the module
// has handed them over.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/danielsimonjr/ironclaw/internal/allowlist"
	"github.com/danielsimonjr/ironclaw/internal/capability"
	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/credential"
	"github.com/danielsimonjr/ironclaw/internal/leakscan"
	"github.com/danielsimonjr/ironclaw/internal/ratelimit"
	"github.com/danielsimonjr/ironclaw/internal/secrets"
	"github.com/danielsimonjr/ironclaw/internal/security"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

var (
	// ErrCompilation reports wasm that the runtime rejected.
	ErrCompilation = errors.New("module compilation failed")

	// ErrInvalidModule reports a module that compiled but does not
	// satisfy the guest ABI.
	ErrInvalidModule = errors.New("invalid module")

	// ErrIntegrityMismatch reports module bytes whose checksum does not
	// match the registry record.
	ErrIntegrityMismatch = errors.New("module checksum mismatch")

	// ErrEngineClosed reports use after Close.
	ErrEngineClosed = errors.New("sandbox engine is closed")

	// ErrNotPrepared reports an execution request for a checksum the
	// engine has never seen.
	ErrNotPrepared = errors.New("module is not prepared")
)

// memoryPageSize is the wasm linear memory page size.
const memoryPageSize = 64 * 1024

// maxMemoryPages is the wasm32 addressing ceiling.
const maxMemoryPages = 65536

func pagesForBytes(n uint64) uint32 {
	pages := n / memoryPageSize
	if n%memoryPageSize != 0 {
		pages++
	}
	if pages == 0 {
		pages = 1
	}
	if pages > maxMemoryPages {
		pages = maxMemoryPages
	}
	return uint32(pages)
}

// Metrics receives engine measurements. Implementations must be safe for
// concurrent use; the engine calls them from execution goroutines.
type Metrics interface {
	RecordExecution(module, state string, duration time.Duration, fuelUsed uint64)
	RecordHostCall(op, decision string)
	RecordCacheHit()
	RecordCacheMiss()
	SetCacheSize(n int)
	RecordLeakFinding(module, rule string)
	RecordRateLimitDenial(module, category string)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RecordExecution(string, string, time.Duration, uint64) {}
func (NopMetrics) RecordHostCall(string, string)                         {}
func (NopMetrics) RecordCacheHit()                                       {}
func (NopMetrics) RecordCacheMiss()                                      {}
func (NopMetrics) SetCacheSize(int)                                      {}
func (NopMetrics) RecordLeakFinding(string, string)                      {}
func (NopMetrics) RecordRateLimitDenial(string, string)                  {}

// NestedInvoker runs another registered tool on behalf of an executing
// module. The engine passes the nested depth in the context; adapters for
// sandboxed tools read it back with DepthFrom and carry it into their own
// execution request.
type NestedInvoker interface {
	Invoke(ctx context.Context, name string, input map[string]any) (string, error)
}

// Module is a prepared, ABI-validated wasm module. Instances of it are
// created per execution; the Module itself is immutable and safe to share.
type Module struct {
	Name     string
	Checksum Checksum
	Size     int64

	// Trust is set by the caller; tool adapters use it to clamp
	// per-request limits before execution.
	Trust capability.TrustLevel

	minPages uint32
	hasInit  bool
}

// Config carries the engine's tunables.
type Config struct {
	Engine config.EngineConfig
	Rates  config.RateLimitsConfig

	// LeakMode selects redaction or blocking when scanner findings hit
	// data leaving the sandbox. The zero value redacts.
	LeakMode leakscan.Mode
}

// Deps are the collaborators the engine calls out to. Validator, Limiter,
// and Injector are required. Workspace, Resolver, and Invoker may be nil,
// which turns the corresponding host operations into operational errors.
// Nil Recorder, Metrics, and HTTPClient fall back to no-op and default
// implementations.
type Deps struct {
	Validator  *allowlist.Validator
	Limiter    *ratelimit.Limiter
	Injector   *credential.Injector
	Resolver   *secrets.Resolver
	Workspace  *workspace.Workspace
	Recorder   security.Recorder
	Metrics    Metrics
	Invoker    NestedInvoker
	HTTPClient *http.Client
}

// Engine owns one wazero runtime and the compiled-module cache, and runs
// every module execution. Safe for concurrent use.
type Engine struct {
	runtime          wazero.Runtime
	compilationCache wazero.CompilationCache
	cache            *moduleCache

	validator  *allowlist.Validator
	limiter    *ratelimit.Limiter
	injector   *credential.Injector
	resolver   *secrets.Resolver
	workspace  *workspace.Workspace
	recorder   security.Recorder
	metrics    Metrics
	invoker    NestedInvoker
	httpClient *http.Client
	logger     *slog.Logger

	defaultLimits Limits
	defaultRates  Rates
	epochInterval time.Duration
	leakMode      leakscan.Mode
	maxPages      uint32

	compileMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// New builds the engine and registers the host module on a fresh runtime.
// The runtime enforces the configured memory ceiling on every instance
// and aborts guest execution when an execution context is done.
func New(ctx context.Context, cfg Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Validator == nil {
		return nil, errors.New("allowlist validator is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if deps.Injector == nil {
		return nil, errors.New("credential injector is required")
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = security.NopRecorder{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		// Redirects are not followed automatically: the module sees the
		// 3xx, and any re-fetch goes through the allowlist again.
		httpClient = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	maxPages := pagesForBytes(cfg.Engine.MaxMemoryBytes())
	compilationCache := wazero.NewCompilationCache()
	runtimeCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(maxPages).
		WithCompilationCache(compilationCache)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := registerHostModule(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		_ = compilationCache.Close(ctx)
		return nil, fmt.Errorf("registering host module: %w", err)
	}

	e := &Engine{
		runtime:          runtime,
		compilationCache: compilationCache,
		cache:            newModuleCache(cfg.Engine.CacheSize()),
		validator:        deps.Validator,
		limiter:          deps.Limiter,
		injector:         deps.Injector,
		resolver:         deps.Resolver,
		workspace:        deps.Workspace,
		recorder:         recorder,
		metrics:          metrics,
		invoker:          deps.Invoker,
		httpClient:       httpClient,
		logger:           logger,
		defaultLimits:    LimitsFromConfig(cfg.Engine),
		defaultRates:     RatesFromConfig(cfg.Rates),
		epochInterval:    cfg.Engine.EpochInterval(),
		leakMode:         cfg.LeakMode,
		maxPages:         maxPages,
	}
	logger.InfoContext(ctx, "sandbox engine ready",
		slog.Uint64("fuel_budget", e.defaultLimits.Fuel),
		slog.Uint64("memory_bytes", e.defaultLimits.MemoryBytes),
		slog.Duration("timeout", e.defaultLimits.Timeout),
		slog.Int("cache_capacity", cfg.Engine.CacheSize()),
	)
	return e, nil
}

// Prepare compiles and validates module bytes, admits them to the cache,
// and returns the handle executions use. A non-zero expected checksum is
// compared against the computed one so bytes cannot drift from what the
// registry recorded.
func (e *Engine) Prepare(ctx context.Context, name string, wasm []byte, expected Checksum) (*Module, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrEngineClosed
	}
	e.mu.RUnlock()

	if name == "" {
		return nil, errors.New("module name is required")
	}
	if len(wasm) == 0 {
		return nil, fmt.Errorf("%w: empty module", ErrInvalidModule)
	}

	sum := ComputeChecksum(wasm)
	if !expected.IsZero() && sum != expected {
		return nil, fmt.Errorf("%w: module %s has checksum %s, expected %s", ErrIntegrityMismatch, name, sum, expected)
	}

	e.compileMu.Lock()
	defer e.compileMu.Unlock()

	compiled, cached := e.cache.get(sum)
	if cached {
		e.metrics.RecordCacheHit()
	} else {
		e.metrics.RecordCacheMiss()
		var err error
		compiled, err = e.runtime.CompileModule(ctx, wasm)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCompilation, name, err)
		}
	}

	minPages, hasInit, err := validateABI(compiled)
	if err != nil {
		if !cached {
			_ = compiled.Close(ctx)
		}
		return nil, fmt.Errorf("module %s: %w", name, err)
	}
	if !cached {
		e.cache.put(sum, wasm, compiled)
		e.metrics.SetCacheSize(e.cache.size())
	}

	e.logger.DebugContext(ctx, "module prepared",
		slog.String("module", name),
		slog.String("checksum", sum.String()),
		slog.Int("size_bytes", len(wasm)),
		slog.Uint64("min_pages", uint64(minPages)),
	)
	return &Module{
		Name:     name,
		Checksum: sum,
		Size:     int64(len(wasm)),
		minPages: minPages,
		hasInit:  hasInit,
	}, nil
}

// getCompiled returns the cached compiled module, recompiling from the
// retained code bytes when the compiled entry was evicted in the
// meantime.
func (e *Engine) getCompiled(ctx context.Context, m *Module) (wazero.CompiledModule, error) {
	if compiled, ok := e.cache.get(m.Checksum); ok {
		e.metrics.RecordCacheHit()
		return compiled, nil
	}

	e.compileMu.Lock()
	defer e.compileMu.Unlock()
	if compiled, ok := e.cache.get(m.Checksum); ok {
		e.metrics.RecordCacheHit()
		return compiled, nil
	}
	e.metrics.RecordCacheMiss()

	code, ok := e.cache.codeFor(m.Checksum)
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotPrepared, m.Name, m.Checksum)
	}
	compiled, err := e.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCompilation, m.Name, err)
	}
	compiled = e.cache.put(m.Checksum, code, compiled)
	e.metrics.SetCacheSize(e.cache.size())
	e.logger.DebugContext(ctx, "module recompiled after eviction",
		slog.String("module", m.Name),
		slog.String("checksum", m.Checksum.String()),
	)
	return compiled, nil
}

// EvictIdle drops compiled entries unused for longer than maxAge. Code
// bytes stay; an evicted module recompiles transparently on its next
// execution. Returns the number of entries evicted.
func (e *Engine) EvictIdle(maxAge time.Duration) int {
	evicted := e.cache.evictIdle(maxAge)
	if evicted > 0 {
		e.metrics.SetCacheSize(e.cache.size())
		e.logger.Debug("evicted idle compiled modules", slog.Int("count", evicted))
	}
	return evicted
}

// Remove forgets a module entirely, code bytes included. Executions
// holding a stale *Module afterwards fail with ErrNotPrepared.
func (e *Engine) Remove(sum Checksum) bool {
	removed := e.cache.remove(sum)
	if removed {
		e.metrics.SetCacheSize(e.cache.size())
		e.logger.Debug("module removed", slog.String("checksum", sum.String()))
	}
	return removed
}

// Close shuts the engine down. In-flight guest calls are aborted by the
// runtime teardown.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	ctx := context.Background()
	e.cache.closeAll()

	var errs []error
	if err := e.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.compilationCache.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	e.logger.Debug("sandbox engine closed")
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
