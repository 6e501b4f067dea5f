package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danielsimonjr/ironclaw/internal/capability"
	"github.com/danielsimonjr/ironclaw/internal/sandbox"
)

// Executor is the slice of the sandbox engine WASMTool needs. Satisfied
// by *sandbox.Engine.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error)
}

// userResponseBytes clamps host-call responses and module output for
// user-trust modules regardless of the engine defaults.
const userResponseBytes = 256 << 10

// WASMTool adapts one prepared module plus its declaration into a Tool.
// The capability grant, limits, and rate ceilings are resolved once at
// construction; every call reuses them.
type WASMTool struct {
	engine Executor
	module *sandbox.Module
	decl   *capability.Declaration
	caps   capability.Capabilities
	limits sandbox.Limits
	rates  sandbox.Rates
}

// NewWASMTool builds the adapter. defaults and ceilings are the
// engine-level limits and per-minute rates; the declaration may lower
// them, never raise them.
func NewWASMTool(engine Executor, module *sandbox.Module, decl *capability.Declaration, defaults sandbox.Limits, ceilings sandbox.Rates) *WASMTool {
	limits := defaults
	if decl.TrustLevel() == capability.TrustUser {
		if limits.ResponseBytes == 0 || limits.ResponseBytes > userResponseBytes {
			limits.ResponseBytes = userResponseBytes
		}
		if limits.OutputBytes == 0 || limits.OutputBytes > userResponseBytes {
			limits.OutputBytes = userResponseBytes
		}
	}
	return &WASMTool{
		engine: engine,
		module: module,
		decl:   decl,
		caps:   decl.Resolve(),
		limits: limits,
		rates: sandbox.Rates{
			Log:        decl.EffectiveRate("log", ceilings.Log),
			HTTP:       decl.EffectiveRate("http", ceilings.HTTP),
			ToolInvoke: decl.EffectiveRate("tool_invoke", ceilings.ToolInvoke),
			General:    decl.EffectiveRate("general", ceilings.General),
		},
	}
}

func (t *WASMTool) Name() string { return t.decl.Name }

func (t *WASMTool) Description() string {
	if t.decl.Description != "" {
		return t.decl.Description
	}
	return "wasm module " + t.decl.Name
}

func (t *WASMTool) InputSchema() map[string]any {
	if t.decl.InputSchema != nil {
		return t.decl.InputSchema
	}
	return map[string]any{"type": "object"}
}

// Module returns the prepared module handle backing this tool.
func (t *WASMTool) Module() *sandbox.Module { return t.module }

// Declaration returns the declaration this tool was built from.
func (t *WASMTool) Declaration() *capability.Declaration { return t.decl }

// Validate checks the schema's required parameters are present.
func (t *WASMTool) Validate(params map[string]any) error {
	required, _ := t.InputSchema()["required"].([]any)
	for _, r := range required {
		key, ok := r.(string)
		if !ok {
			continue
		}
		if _, exists := params[key]; !exists {
			return fmt.Errorf("missing required parameter: %s", key)
		}
	}
	return nil
}

// Execute runs the module in the sandbox. Classified failures (trap, fuel,
// denial, ...) come back as an unsuccessful Result; the error return is
// reserved for host-side failures.
func (t *WASMTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	var input []byte
	if len(params) > 0 {
		var err error
		input, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding input for %s: %w", t.decl.Name, err)
		}
	}

	out, err := t.engine.Execute(ctx, sandbox.Request{
		Module:       t.module,
		Input:        input,
		Capabilities: t.caps,
		Limits:       t.limits,
		Rates:        t.rates,
		Depth:        sandbox.DepthFrom(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", t.decl.Name, err)
	}

	res := &Result{
		Success: out.Completed(),
		Metadata: map[string]any{
			"execution_id": out.ExecutionID,
			"state":        out.State.String(),
			"fuel_used":    out.FuelUsed,
			"duration_ms":  out.Duration.Milliseconds(),
		},
	}
	if len(out.Logs) > 0 {
		res.Metadata["logs"] = out.Logs
	}
	if out.LogsDropped > 0 {
		res.Metadata["logs_dropped"] = out.LogsDropped
	}
	if out.Completed() {
		res.Output = TruncateOutput(string(out.Output), MaxOutputBytes)
	} else {
		res.Output = out.ErrorMessage()
	}
	return res, nil
}

// RegistryInvoker routes nested tool_invoke host calls back through the
// registry, so a module reaches sibling tools through the same dispatch
// path external callers use.
type RegistryInvoker struct {
	registry *Registry
}

var _ sandbox.NestedInvoker = (*RegistryInvoker)(nil)

// NewRegistryInvoker wraps a registry for the engine's nested-invocation
// seam.
func NewRegistryInvoker(registry *Registry) *RegistryInvoker {
	return &RegistryInvoker{registry: registry}
}

// Invoke implements sandbox.NestedInvoker.
func (ri *RegistryInvoker) Invoke(ctx context.Context, name string, input map[string]any) (string, error) {
	tool := ri.registry.Get(name)
	if tool == nil {
		return "", fmt.Errorf("tool %q is not registered", name)
	}
	if err := tool.Validate(input); err != nil {
		return "", err
	}
	res, err := tool.Execute(ctx, input)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("tool %q failed: %s", name, res.Output)
	}
	return res.Output, nil
}
