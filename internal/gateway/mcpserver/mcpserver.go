// Package mcpserver exposes the tool registry over the Model Context
// Protocol, so MCP-speaking clients (editors, agent CLIs) can invoke
// sandboxed modules as ordinary MCP tools.
//
// The protocol owns stdout in stdio mode; the serving command must wire
// its logger to stderr.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// Server serves the tool registry over MCP stdio.
type Server struct {
	registry *tools.Registry
	logger   *slog.Logger
	mcp      *server.MCPServer
}

// NewServer builds an MCP server publishing every currently registered
// tool. Tools registered later are not announced; the stdio command loads
// all modules before serving.
func NewServer(registry *tools.Registry, version string, logger *slog.Logger) *Server {
	s := &Server{
		registry: registry,
		logger:   logger,
		mcp: server.NewMCPServer("ironclaw", version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	for _, t := range registry.All() {
		s.addTool(t)
	}
	return s
}

func (s *Server) addTool(t tools.Tool) {
	schema, err := json.Marshal(t.InputSchema())
	if err != nil {
		s.logger.Warn("tool schema not serializable, skipping",
			slog.String("tool", t.Name()),
			slog.String("error", err.Error()),
		)
		return
	}

	name := t.Name()
	s.mcp.AddTool(
		mcp.NewToolWithRawSchema(name, t.Description(), schema),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return s.call(ctx, name, req)
		},
	)
}

// call resolves the tool at invocation time, so a module swapped by a
// rescan serves its current version.
func (s *Server) call(ctx context.Context, name string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tool := s.registry.Get(name)
	if tool == nil {
		return mcp.NewToolResultError("tool not found: " + name), nil
	}

	args := req.GetArguments()
	if err := tool.Validate(args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := tool.Execute(ctx, args)
	if err != nil {
		s.logger.Error("mcp tool execution failed",
			slog.String("tool", name),
			slog.String("error", err.Error()),
		)
		return mcp.NewToolResultError("execution failed"), nil
	}

	if !res.Success {
		return mcp.NewToolResultError(res.Output), nil
	}
	return mcp.NewToolResultText(res.Output), nil
}

// Start serves MCP over stdin/stdout until the context is canceled or the
// client closes the stream.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio", slog.Int("tools", s.registry.Len()))
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// Stop is a no-op; Listen exits with its context.
func (s *Server) Stop(_ context.Context) error { return nil }
