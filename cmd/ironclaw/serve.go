package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/gateway"
	"github.com/danielsimonjr/ironclaw/internal/gateway/httpapi"
	"github.com/danielsimonjr/ironclaw/internal/gateway/ws"
	"github.com/danielsimonjr/ironclaw/internal/maintenance"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

// wsEventsPath is where the websocket execution-event stream is mounted
// on the admin API server. The websocket server does its own token check,
// so it sits outside the bearer-auth group.
const wsEventsPath = "/v1/events/stream"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load modules and serve the admin HTTP API",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `ironclaw --config path` and `ironclaw serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8090)")
	}
}

// runServe starts Ironclaw in serve mode: scan the modules directory,
// then serve the admin HTTP API and the websocket event stream.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadOrDefault(goutils.Env("IRONCLAW_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Server == nil {
			cfg.Server = &config.ServerConfig{Enabled: true}
		}
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting in serve mode", slog.String("config", serveConfigPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Load modules from disk. Per-module failures are reported and
	// skipped; serving continues with whatever loaded.
	result, err := sc.Loader.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scanning modules directory: %w", err)
	}
	logger.Info("modules loaded",
		slog.Int("loaded", len(result.Loaded)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Int("errors", len(result.Errors)),
	)
	for _, le := range result.Errors {
		logger.Warn("module failed to load",
			slog.String("file", le.File),
			slog.String("error", le.Message),
		)
	}

	// Background sweeps over the compiled-module cache and rate buckets.
	if cfg.Maintenance != nil && cfg.Maintenance.Enabled {
		var sweepMetrics *maintenance.Metrics
		if mc := sc.Obs.MetricsOrNil(); mc != nil {
			sweepMetrics = maintenance.NewMetrics(mc.Registry)
		}
		janitor, err := maintenance.New(
			sc.Engine, sc.Limiter,
			cfg.Maintenance.Schedule(), cfg.Engine.CacheIdleAge(),
			sweepMetrics, logger,
		)
		if err != nil {
			return fmt.Errorf("initializing maintenance: %w", err)
		}
		cancelSweeps := janitor.Start(ctx)
		defer cancelSweeps()
		logger.Debug("maintenance sweeps scheduled", slog.String("schedule", cfg.Maintenance.Schedule()))
	}

	// Build enabled gateways.
	gateways := buildGateways(cfg, sc)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config (set server.enabled)")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateways creates all enabled gateways from config.
func buildGateways(cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	var gws []gateway.Gateway

	if cfg.Server != nil && cfg.Server.Enabled {
		httpCfg := httpapi.Config{
			ListenAddr:        cfg.Server.Addr(),
			EnableDocs:        cfg.Server.EnableDocs,
			AuthToken:         cfg.Server.AuthToken,
			MaxRequestSize:    cfg.Server.MaxRequestSize(),
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		}
		if sc.Obs != nil {
			httpCfg.Metrics = sc.Obs.Metrics
			httpCfg.HealthChecker = sc.Obs.Health
			httpCfg.Tracer = sc.Obs.Tracer
			if sc.Obs.Metrics != nil {
				httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			}
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				httpCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}

		httpGW := httpapi.NewGateway(httpCfg, sc.Loader, sc.Store, sc.ToolReg, sc.Limiter, sc.Logger).
			WithRecorder(sc.Recorder)

		// Websocket event stream shares the API server and its token.
		wsServer := ws.NewServer(sc.Bus, cfg.Server.AuthToken, sc.Logger)
		httpGW.WithHandler(wsEventsPath, wsServer.Handler())
		sc.Logger.Debug("websocket event stream mounted", slog.String("path", wsEventsPath))

		gws = append(gws, httpGW)
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", cfg.Server.Addr()),
			slog.Bool("docs", cfg.Server.EnableDocs),
		)
	}

	return gws
}
