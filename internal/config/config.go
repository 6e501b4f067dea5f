// Package config handles loading and validating Ironclaw configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Ironclaw.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"`         // Sandbox workspace root. Default: ~/.ironclaw/workspace. Override: IRONCLAW_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`           // Persistent data directory. Default: ~/.ironclaw/data. Override: IRONCLAW_DATA_DIR env var.
	ModulesDir    string               `json:"modules_dir,omitempty" yaml:"modules_dir,omitempty"`     // Directory scanned for *.wasm modules with sidecar declarations. Override: IRONCLAW_MODULES_DIR env var.
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`               // nil = HTTP API disabled
	Engine        EngineConfig         `json:"engine" yaml:"engine"`                                   // Resource ceilings for module execution.
	Security      SecurityConfig       `json:"security" yaml:"security"`
	RateLimits    RateLimitsConfig     `json:"rate_limits" yaml:"rate_limits"`
	Credentials   []CredentialConfig   `json:"credentials,omitempty" yaml:"credentials,omitempty"` // Host-to-secret mappings injected into outbound requests.
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`         // nil = env-only secrets
	Registry      *RegistryConfig      `json:"registry,omitempty" yaml:"registry,omitempty"`       // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Maintenance   *MaintenanceConfig   `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`     // nil = background sweeps disabled
	MCPServers    []MCPServerConfig    `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`     // External MCP tool servers bridged into the registry.
}

// ServerConfig configures the admin HTTP API.
type ServerConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"`                        // Default: ":8090".
	AuthToken           string          `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`      // Override: IRONCLAW_API_TOKEN env var. Empty = unauthenticated (dev only).
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 32 MB (module uploads).
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8090".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8090"
}

// MaxRequestSize returns the request size cap with a default of 32 MB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s != nil && s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 32 << 20
}

// RateLimitConfig configures per-caller rate limiting for the HTTP API.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// EngineConfig holds resource ceilings for module execution. Every ceiling
// has a hard default so a zero config still runs with real limits.
type EngineConfig struct {
	Fuel                uint64 `json:"fuel" yaml:"fuel"`                                   // Per-call fuel budget. Default: 10_000_000.
	MaxMemoryMB         int    `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Linear memory ceiling. Default: 10.
	MaxExecutionSeconds int    `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Wall-clock deadline. Default: 30.
	EpochIntervalMS     int    `json:"epoch_interval_ms" yaml:"epoch_interval_ms"`         // Interruption tick. Default: 10.
	MaxLogEntries       int    `json:"max_log_entries" yaml:"max_log_entries"`             // Per-call log buffer. Default: 256.
	MaxLogEntryBytes    int    `json:"max_log_entry_bytes" yaml:"max_log_entry_bytes"`     // Per-entry cap. Default: 4096.
	MaxResponseBytes    int64  `json:"max_response_bytes" yaml:"max_response_bytes"`       // Host-call response cap. Default: 1 MB.
	MaxOutputBytes      int64  `json:"max_output_bytes" yaml:"max_output_bytes"`           // Module result cap. Default: 1 MB.
	CacheCapacity       int    `json:"cache_capacity" yaml:"cache_capacity"`               // Compiled modules kept. Default: 64.
	CacheIdleMinutes    int    `json:"cache_idle_minutes" yaml:"cache_idle_minutes"`       // Idle age before eviction sweeps. Default: 30.
}

// FuelBudget returns the per-call fuel budget with a default of 10M units.
func (e EngineConfig) FuelBudget() uint64 {
	if e.Fuel > 0 {
		return e.Fuel
	}
	return 10_000_000
}

// MaxMemoryBytes returns the memory ceiling with a default of 10 MB.
func (e EngineConfig) MaxMemoryBytes() uint64 {
	if e.MaxMemoryMB > 0 {
		return uint64(e.MaxMemoryMB) << 20
	}
	return 10 << 20
}

// ExecutionTimeout returns the wall-clock deadline with a default of 30s.
func (e EngineConfig) ExecutionTimeout() time.Duration {
	if e.MaxExecutionSeconds > 0 {
		return time.Duration(e.MaxExecutionSeconds) * time.Second
	}
	return 30 * time.Second
}

// EpochInterval returns the interruption tick with a default of 10ms.
func (e EngineConfig) EpochInterval() time.Duration {
	if e.EpochIntervalMS > 0 {
		return time.Duration(e.EpochIntervalMS) * time.Millisecond
	}
	return 10 * time.Millisecond
}

// LogEntries returns the log buffer size with a default of 256 entries.
func (e EngineConfig) LogEntries() int {
	if e.MaxLogEntries > 0 {
		return e.MaxLogEntries
	}
	return 256
}

// LogEntryBytes returns the per-entry byte cap with a default of 4 KB.
func (e EngineConfig) LogEntryBytes() int {
	if e.MaxLogEntryBytes > 0 {
		return e.MaxLogEntryBytes
	}
	return 4096
}

// ResponseBytes returns the host-call response cap with a default of 1 MB.
func (e EngineConfig) ResponseBytes() int64 {
	if e.MaxResponseBytes > 0 {
		return e.MaxResponseBytes
	}
	return 1 << 20
}

// OutputBytes returns the module result cap with a default of 1 MB.
func (e EngineConfig) OutputBytes() int64 {
	if e.MaxOutputBytes > 0 {
		return e.MaxOutputBytes
	}
	return 1 << 20
}

// CacheSize returns the compiled-module cache capacity with a default of 64.
func (e EngineConfig) CacheSize() int {
	if e.CacheCapacity > 0 {
		return e.CacheCapacity
	}
	return 64
}

// CacheIdleAge returns the idle age for eviction sweeps with a default of 30m.
func (e EngineConfig) CacheIdleAge() time.Duration {
	if e.CacheIdleMinutes > 0 {
		return time.Duration(e.CacheIdleMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// SecurityConfig configures audit logging and leak scanning.
type SecurityConfig struct {
	AuditLogPath      string `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"` // Default: derived from data dir.
	LeakMode          string `json:"leak_mode" yaml:"leak_mode"`                               // "redact" (default) or "block".
	AllowPrivateHosts bool   `json:"allow_private_hosts" yaml:"allow_private_hosts"`           // Permit fetches to loopback/private IPs (dev only).
}

// EffectiveLeakMode returns the leak-detection mode, defaulting to "redact".
func (s SecurityConfig) EffectiveLeakMode() string {
	if s.LeakMode != "" {
		return s.LeakMode
	}
	return "redact"
}

// RateLimitsConfig holds per-category call-rate ceilings for modules.
// All rates are per minute. Declarations may lower but never raise them.
type RateLimitsConfig struct {
	Log        int `json:"log" yaml:"log"`                 // Default: 120.
	HTTP       int `json:"http" yaml:"http"`               // Default: 30.
	ToolInvoke int `json:"tool_invoke" yaml:"tool_invoke"` // Default: 10.
	General    int `json:"general" yaml:"general"`         // Default: 60.
	Burst      int `json:"burst" yaml:"burst"`             // Bucket burst size. Default: 10.
}

// LogRate returns the log-call ceiling with a default of 120/min.
func (r RateLimitsConfig) LogRate() int {
	if r.Log > 0 {
		return r.Log
	}
	return 120
}

// HTTPRate returns the http-call ceiling with a default of 30/min.
func (r RateLimitsConfig) HTTPRate() int {
	if r.HTTP > 0 {
		return r.HTTP
	}
	return 30
}

// ToolInvokeRate returns the nested-invocation ceiling with a default of 10/min.
func (r RateLimitsConfig) ToolInvokeRate() int {
	if r.ToolInvoke > 0 {
		return r.ToolInvoke
	}
	return 10
}

// GeneralRate returns the ceiling for uncategorized calls with a default of 60/min.
func (r RateLimitsConfig) GeneralRate() int {
	if r.General > 0 {
		return r.General
	}
	return 60
}

// BurstSize returns the bucket burst size with a default of 10.
func (r RateLimitsConfig) BurstSize() int {
	if r.Burst > 0 {
		return r.Burst
	}
	return 10
}

// CredentialConfig maps one host to a secret attached to outbound requests.
// The secret value is resolved host-side at injection time; modules never
// see it.
type CredentialConfig struct {
	Host      string `json:"host" yaml:"host"`                     // Exact host the mapping applies to.
	Location  string `json:"location" yaml:"location"`             // "bearer", "header", or "query".
	Name      string `json:"name,omitempty" yaml:"name,omitempty"` // Header or query parameter name (unused for bearer).
	SecretRef string `json:"secret_ref" yaml:"secret_ref"`         // Name resolved through the secret provider chain.
}

// SecretsConfig configures the secret provider chain.
// When nil, only environment variable-based secrets are available.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers,omitempty" yaml:"providers,omitempty"` // Tried in order.
	Refs      map[string]string      `json:"refs,omitempty" yaml:"refs,omitempty"`           // Symbolic name → provider reference (e.g. github_token: env://GITHUB_TOKEN).
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "env", "vault", or "static".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration.
}

// RegistryConfig configures the module metadata store.
// When nil, defaults to SQLite with the database path derived from the data dir.
type RegistryConfig struct {
	Driver   string                  `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteRegistryConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresRegistryConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// RegistryDriver returns the configured driver, defaulting to "sqlite".
func (r *RegistryConfig) RegistryDriver() string {
	if r != nil && r.Driver != "" {
		return r.Driver
	}
	return "sqlite"
}

// SQLiteRegistryConfig holds SQLite-specific settings.
type SQLiteRegistryConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresRegistryConfig holds PostgreSQL-specific settings.
type PostgresRegistryConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: IRONCLAW_REGISTRY_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ironclaw"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection over module
// execution outcomes.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window size. Default: 300.
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // 0.0-1.0. Warn above this failure rate.
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeRegistry bool `json:"include_registry" yaml:"include_registry"`
}

// MaintenanceConfig configures periodic background sweeps.
// When nil, no sweeps run; caches grow until capacity eviction.
type MaintenanceConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule"` // Cron expression. Default: "*/5 * * * *".
}

// Schedule returns the sweep cron expression with a default of every 5 minutes.
func (m *MaintenanceConfig) Schedule() string {
	if m != nil && m.SweepSchedule != "" {
		return m.SweepSchedule
	}
	return "*/5 * * * *"
}

// MCPServerConfig defines a single external MCP server connection.
// Ironclaw acts as an MCP client, connecting at startup, discovering tools,
// and registering them so sandboxed modules may reach them through
// tool_invoke grants.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Server ID used for tool namespacing (e.g., "github").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

// DefaultConfigPath returns the default config file path (~/.ironclaw/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ironclaw.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".ironclaw", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Tokens can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads the config at path, or returns defaults when the file
// does not exist. Commands use this so a fresh install runs without a config.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		cfg := &Config{}
		cfg.applyEnvOverrides()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// applyEnvOverrides applies environment variables on top of file values.
func (c *Config) applyEnvOverrides() {
	if envWS := os.Getenv("IRONCLAW_WORKSPACE"); envWS != "" {
		c.Workspace = envWS
	}
	if envDD := os.Getenv("IRONCLAW_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envMD := os.Getenv("IRONCLAW_MODULES_DIR"); envMD != "" {
		c.ModulesDir = envMD
	}
	if envTok := os.Getenv("IRONCLAW_API_TOKEN"); envTok != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{Enabled: true}
		}
		c.Server.AuthToken = envTok
	}
	if envDSN := os.Getenv("IRONCLAW_REGISTRY_DSN"); envDSN != "" {
		if c.Registry == nil {
			c.Registry = &RegistryConfig{Driver: "postgres"}
		}
		if c.Registry.Postgres == nil {
			c.Registry.Postgres = &PostgresRegistryConfig{}
		}
		c.Registry.Postgres.DSN = envDSN
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".ironclaw", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// ResolvedWorkspace returns the workspace root, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "workspace"
		}
		return filepath.Join(home, ".ironclaw", "workspace")
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// ResolvedModulesDir returns the modules directory, resolving ~ if needed.
// The directory may not exist yet; the loader treats a missing directory
// as an empty scan.
func (c *Config) ResolvedModulesDir() string {
	if c.ModulesDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "modules"
		}
		return filepath.Join(home, ".ironclaw", "modules")
	}
	resolved, err := resolvePath(c.ModulesDir)
	if err != nil {
		return c.ModulesDir
	}
	return resolved
}

// RegistryPath returns the default SQLite database path under the data directory.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.ResolvedDataDir(), "ironclaw.db")
}

// ResolvedAuditLogPath returns the audit log path, defaulting to a file
// under the data directory.
func (c *Config) ResolvedAuditLogPath() string {
	if c.Security.AuditLogPath != "" {
		resolved, err := resolvePath(c.Security.AuditLogPath)
		if err != nil {
			return c.Security.AuditLogPath
		}
		return resolved
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

func (c *Config) validate() error {
	switch c.Security.EffectiveLeakMode() {
	case "redact", "block":
		// valid
	default:
		return fmt.Errorf("security.leak_mode %q is not supported (use redact or block)", c.Security.LeakMode)
	}
	if c.Engine.MaxMemoryMB < 0 {
		return fmt.Errorf("engine.max_memory_mb must not be negative")
	}
	if c.Engine.MaxExecutionSeconds < 0 {
		return fmt.Errorf("engine.max_execution_seconds must not be negative")
	}
	if c.Registry != nil && c.Registry.Driver != "" {
		switch c.Registry.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("registry.driver %q is not supported (use sqlite or postgres)", c.Registry.Driver)
		}
	}
	for i, cred := range c.Credentials {
		if cred.Host == "" {
			return fmt.Errorf("credentials[%d].host is required", i)
		}
		if cred.SecretRef == "" {
			return fmt.Errorf("credentials[%d] (%s): secret_ref is required", i, cred.Host)
		}
		switch cred.Location {
		case "bearer":
			// name unused
		case "header", "query":
			if cred.Name == "" {
				return fmt.Errorf("credentials[%d] (%s): name is required for %s location", i, cred.Host, cred.Location)
			}
		default:
			return fmt.Errorf("credentials[%d] (%s): location must be bearer, header, or query", i, cred.Host)
		}
	}
	mcpNames := make(map[string]bool, len(c.MCPServers))
	for i, srv := range c.MCPServers {
		if srv.Name == "" {
			return fmt.Errorf("mcp_servers[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("mcp_servers[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp_servers[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("mcp_servers[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("mcp_servers[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}
