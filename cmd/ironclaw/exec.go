package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielsimonjr/ironclaw/internal/capability"
	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/sandbox"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	goutils "github.com/jkaninda/go-utils"
)

var (
	execConfigPath string
	execInput      string
)

var execCmd = &cobra.Command{
	Use:   "exec <module.wasm> <declaration.yaml>",
	Short: "Execute one wasm module once and print the outcome as JSON",
	Long: `Exec compiles the given module, resolves its capability declaration, runs
it once in the sandbox, and prints the outcome as JSON. The input is a JSON
object passed via --input ("-" reads it from stdin).

The exit code is non-zero unless the module completed.

Example:
  ironclaw exec weather.wasm weather.yaml --input '{"city":"Nairobi"}'`,
	Args: cobra.ExactArgs(2),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	execCmd.Flags().StringVar(&execInput, "input", "{}", `JSON input passed to the module ("-" for stdin)`)
}

// execOutcome is the JSON printed for one exec run.
type execOutcome struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	Module      string         `json:"module"`
	State       string         `json:"state"`
	Success     bool           `json:"success"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	FuelUsed    uint64         `json:"fuel_used,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Logs        []execLogEntry `json:"logs,omitempty"`
}

type execLogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func runExec(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.LoadOrDefault(goutils.Env("IRONCLAW_CONFIG", execConfigPath))
	if err != nil {
		return err
	}

	inputJSON := execInput
	if inputJSON == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading input from stdin: %w", err)
		}
		inputJSON = string(data)
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return fmt.Errorf("parsing input: %w", err)
	}

	wasm, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading module: %w", err)
	}
	declBytes, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading declaration: %w", err)
	}
	decl, err := capability.ParseDeclaration(declBytes)
	if err != nil {
		return err
	}

	ctx := context.Background()
	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	mod, err := sc.Engine.Prepare(ctx, decl.Name, wasm, sandbox.Checksum{})
	if err != nil {
		return err
	}
	mod.Trust = decl.TrustLevel()

	tool := tools.NewWASMTool(sc.Engine, mod, decl,
		sandbox.LimitsFromConfig(cfg.Engine),
		sandbox.RatesFromConfig(cfg.RateLimits),
	)
	if err := tool.Validate(input); err != nil {
		return err
	}

	res, err := tool.Execute(ctx, input)
	if err != nil {
		return err
	}

	out := execOutcome{
		Module:  decl.Name,
		Success: res.Success,
	}
	if id, ok := res.Metadata["execution_id"].(string); ok {
		out.ExecutionID = id
	}
	if state, ok := res.Metadata["state"].(string); ok {
		out.State = state
	}
	if fuel, ok := res.Metadata["fuel_used"].(uint64); ok {
		out.FuelUsed = fuel
	}
	if ms, ok := res.Metadata["duration_ms"].(int64); ok {
		out.DurationMS = ms
	}
	if res.Success {
		out.Output = res.Output
	} else {
		out.Error = res.Output
	}
	if logs, ok := res.Metadata["logs"].([]sandbox.LogEntry); ok {
		for _, entry := range logs {
			out.Logs = append(out.Logs, execLogEntry{Level: entry.Level, Message: entry.Message})
		}
	}

	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))

	if !res.Success {
		return fmt.Errorf("module %s ended in state %s", decl.Name, out.State)
	}
	return nil
}
