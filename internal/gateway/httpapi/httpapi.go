// Package httpapi implements the admin HTTP API for Ironclaw.
//
// Security:
//   - Bearer token authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 32 MB, sized for module uploads)
//   - Per-caller rate limiting through the shared token-bucket limiter
//   - All module installs and removals audited
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/okapi"

	"github.com/danielsimonjr/ironclaw/internal/modloader"
	"github.com/danielsimonjr/ironclaw/internal/observability"
	"github.com/danielsimonjr/ironclaw/internal/ratelimit"
	"github.com/danielsimonjr/ironclaw/internal/registry"
	"github.com/danielsimonjr/ironclaw/internal/security"
	"github.com/danielsimonjr/ironclaw/internal/tools"
)

const defaultMaxRequestSize = 32 << 20 // module binaries ride in multipart bodies

const defaultRequestsPerMinute = 120

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the admin HTTP API.
type Config struct {
	ListenAddr string
	EnableDocs bool

	// AuthToken protects every /v1 route. Empty disables authentication;
	// only do that behind a trusted local socket.
	AuthToken string

	MaxRequestSize    int64 // Maximum request body in bytes. 0 = 32 MB default.
	RequestsPerMinute int   // Per-caller API rate. 0 = 120/min default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          *observability.TracerSetup      // Tracer for HTTP middleware.
}

// Gateway is the admin HTTP API server.
type Gateway struct {
	config   Config
	loader   *modloader.Loader
	store    *registry.Store
	tools    *tools.Registry
	limiter  *ratelimit.Limiter
	recorder security.Recorder
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the websocket
	// event stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates the admin HTTP API server.
func NewGateway(cfg Config, loader *modloader.Loader, store *registry.Store, toolRegistry *tools.Registry, limiter *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		loader:  loader,
		store:   store,
		tools:   toolRegistry,
		limiter: limiter,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithRecorder attaches an audit recorder for install and remove events.
func (g *Gateway) WithRecorder(rec security.Recorder) *Gateway {
	g.recorder = rec
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the websocket event stream endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation routes.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Ironclaw",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Module management.
	g.group.Post("/modules", g.handleModuleInstall,
		okapi.DocSummary("Install a wasm module with its capability declaration"),
		okapi.DocTags("Modules"),
		okapi.DocResponse(http.StatusCreated, ModuleResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/modules", g.handleModuleList,
		okapi.DocSummary("List installed modules"),
		okapi.DocTags("Modules"),
		okapi.DocResponse([]ModuleResponse{}),
	)
	g.group.Get("/modules/{name}", g.handleModuleGet,
		okapi.DocSummary("Get one module with its declaration"),
		okapi.DocTags("Modules"),
		okapi.DocPathParam("name", "string", "Module name"),
		okapi.DocResponse(ModuleDetailResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/modules/{name}", g.handleModuleRemove,
		okapi.DocSummary("Remove a module, its record, and its files"),
		okapi.DocTags("Modules"),
		okapi.DocPathParam("name", "string", "Module name"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/modules/{name}/status", g.handleModuleStatus,
		okapi.DocSummary("Enable or disable a module"),
		okapi.DocTags("Modules"),
		okapi.DocPathParam("name", "string", "Module name"),
		okapi.DocRequestBody(StatusRequest{}),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/modules/{name}/execute", g.handleModuleExecute,
		okapi.DocSummary("Execute a module in the sandbox"),
		okapi.DocTags("Execute"),
		okapi.DocPathParam("name", "string", "Module name"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/modules/{name}/execute/stream", g.handleExecuteStream,
		okapi.DocSummary("Execute a module and stream the result as server-sent events"),
		okapi.DocTags("Execute"),
		okapi.DocPathParam("name", "string", "Module name"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/rescan", g.handleRescan,
		okapi.DocSummary("Rescan the modules directory"),
		okapi.DocTags("Modules"),
		okapi.DocResponse(modloader.Result{}),
	)
	g.group.Get("/audit", g.handleAuditQuery,
		okapi.DocSummary("Query recent audit events, newest first"),
		okapi.DocTags("Audit"),
		okapi.DocResponse([]security.AuditEvent{}),
	)

	// Extra handlers (e.g., websocket event stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("admin api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("admin api stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer token. With no token configured the
// API is open; every handler still rate-limits per caller.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.AuthToken != "" {
			authHeader := c.Header("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return c.AbortUnauthorized("missing or invalid Authorization header")
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AuthToken)) != 1 {
				return c.AbortUnauthorized("invalid token")
			}
		}

		c.Set("caller", callerID(c.Request()))
		return next(c)
	}
}

// rateLimit charges one API request against the caller's bucket.
func (g *Gateway) rateLimit(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	perMinute := g.config.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}
	return g.limiter.Allow(c.GetString("caller"), "http_api", perMinute)
}

// callerID identifies the caller for rate limiting. With a single shared
// token there is no per-user identity, so the client address serves.
func callerID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
