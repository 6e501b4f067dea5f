package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/gateway/mcpserver"
	goutils "github.com/jkaninda/go-utils"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve registered modules over MCP stdio",
	Long: `Mcp loads the modules directory and exposes every registered module as
an MCP tool on stdin/stdout, so MCP clients (editors, agent CLIs) can invoke
sandboxed modules directly. Logs go to stderr; stdout belongs to the protocol.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(cmd *cobra.Command, _ []string) error {
	// stdout carries the protocol; all logging must go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.LoadOrDefault(goutils.Env("IRONCLAW_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if _, err := sc.Loader.Scan(ctx); err != nil {
		return err
	}

	srv := mcpserver.NewServer(sc.ToolReg, version, logger)
	return srv.Start(ctx)
}
