package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"

	"github.com/danielsimonjr/ironclaw/internal/capability"
	"github.com/danielsimonjr/ironclaw/internal/security"
)

// Request describes one execution of a prepared module.
type Request struct {
	// Module must come from Prepare on the same engine.
	Module *Module

	// Input is written into module memory and handed to tool_run.
	Input []byte

	// Capabilities is the resolved grant set for this call. The zero
	// value grants nothing.
	Capabilities capability.Capabilities

	// Limits overrides the engine defaults where fields are set.
	Limits Limits

	// Rates overrides the engine default rate ceilings where fields are
	// set.
	Rates Rates

	// Depth is the nested-invocation depth, zero for a top-level call.
	Depth int
}

type runResult struct {
	output  []byte
	memHigh uint32
	err     error
}

// Execute runs a prepared module to completion under the request's limits
// and returns the classified outcome. The error return covers host-side
// failures only (closed engine, unknown module); everything the module
// does, including being denied or killed, comes back inside the Outcome.
func (e *Engine) Execute(ctx context.Context, req Request) (*Outcome, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrEngineClosed
	}
	e.mu.RUnlock()

	if req.Module == nil {
		return nil, errors.New("module is required")
	}

	limits := req.Limits.withDefaults(e.defaultLimits)
	rates := req.Rates.withDefaults(e.defaultRates)
	executionID := uuid.New().String()
	start := time.Now()

	maxPages := pagesForBytes(limits.MemoryBytes)
	if maxPages > e.maxPages {
		maxPages = e.maxPages
	}
	memoryCap := uint64(maxPages) * memoryPageSize

	meter := newFuelMeter(limits.Fuel)
	hs := newHostState(e, executionID, req, limits, rates, meter)

	// A module whose declared minimum memory already exceeds the limit is
	// refused without being instantiated.
	if req.Module.minPages > maxPages {
		return e.finish(ctx, &Outcome{
			ExecutionID: executionID,
			Module:      req.Module.Name,
			State:       StateMemoryExceeded,
			Err:         fmt.Errorf("%w: module requires %d pages, limit is %d", ErrMemoryExceeded, req.Module.minPages, maxPages),
			Duration:    time.Since(start),
		}), nil
	}

	compiled, err := e.getCompiled(ctx, req.Module)
	if err != nil {
		return nil, err
	}

	// Input bytes count against the budget before anything runs, so a
	// zero or tiny budget fails deterministically.
	if !meter.Consume(uint64(len(req.Input)) * fuelPerByte) {
		return e.finish(ctx, &Outcome{
			ExecutionID: executionID,
			Module:      req.Module.Name,
			State:       StateFuelExhausted,
			Err:         fmt.Errorf("%w: budget %d", ErrFuelExhausted, limits.Fuel),
			FuelUsed:    meter.Used(),
			Duration:    time.Since(start),
		}), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()
	runCtx = withHostState(runCtx, hs)

	// The epoch ticker drains fuel for pure guest CPU time. Ticks that
	// land during a host call are skipped; host work is charged by the
	// dispatcher instead.
	go func() {
		ticker := time.NewTicker(e.epochInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if hs.inHostCall.Load() {
					continue
				}
				if !meter.Consume(fuelPerEpochTick) {
					cancel()
					return
				}
			}
		}
	}()

	resCh := make(chan runResult, 1)
	go func() {
		resCh <- e.run(runCtx, compiled, executionID, req.Module.hasInit, req.Input, limits)
	}()

	// CloseOnContextDone guarantees the guest call returns once the
	// context is cancelled, so a plain receive cannot hang past the
	// deadline and gives the classifier a happens-before edge on the
	// host state.
	res := <-resCh

	state, stateErr := e.classify(runCtx, hs, res, limits, memoryCap)

	output := res.output
	if state == StateCompleted && len(output) > 0 {
		cleaned, findings, err := hs.scanner.CleanOrBlock(string(output), e.leakMode)
		for _, f := range findings {
			e.metrics.RecordLeakFinding(req.Module.Name, f.Rule)
		}
		if err != nil {
			state = StateLeakBlocked
			stateErr = err
			output = nil
		} else {
			output = []byte(cleaned)
		}
	}

	return e.finish(ctx, &Outcome{
		ExecutionID: executionID,
		Module:      req.Module.Name,
		State:       state,
		Output:      output,
		Err:         stateErr,
		Logs:        hs.logs,
		LogsDropped: hs.logsDropped,
		FuelUsed:    meter.Used(),
		Duration:    time.Since(start),
	}), nil
}

// run instantiates the module and drives one tool_run call. It owns the
// instance lifecycle; the instance never outlives this function.
func (e *Engine) run(ctx context.Context, compiled wazero.CompiledModule, name string, hasInit bool, input []byte, limits Limits) runResult {
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions()
	mod, err := e.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return runResult{err: fmt.Errorf("instantiating module: %w", err)}
	}
	defer mod.Close(context.Background())

	if hasInit {
		if _, err := mod.ExportedFunction(guestInit).Call(ctx); err != nil {
			return runResult{memHigh: mod.Memory().Size(), err: err}
		}
	}

	var ptr uint32
	if len(input) > 0 {
		results, err := mod.ExportedFunction(guestAlloc).Call(ctx, uint64(len(input)))
		if err != nil {
			return runResult{memHigh: mod.Memory().Size(), err: err}
		}
		ptr = uint32(results[0])
		if ptr == 0 {
			return runResult{memHigh: mod.Memory().Size(), err: errors.New("module allocator returned a null pointer")}
		}
		if !mod.Memory().Write(ptr, input) {
			return runResult{memHigh: mod.Memory().Size(), err: fmt.Errorf("input region (%d,%d) is out of range", ptr, len(input))}
		}
	}

	results, err := mod.ExportedFunction(guestRun).Call(ctx, uint64(ptr), uint64(len(input)))
	memHigh := mod.Memory().Size()
	if err != nil {
		return runResult{memHigh: memHigh, err: err}
	}

	outPtr, outLen := unpackRegion(results[0])
	if outLen == 0 {
		return runResult{memHigh: memHigh}
	}
	if int64(outLen) > limits.OutputBytes {
		return runResult{memHigh: memHigh, err: fmt.Errorf("%w: %d bytes, limit %d", ErrOutputTooLarge, outLen, limits.OutputBytes)}
	}
	view, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return runResult{memHigh: memHigh, err: fmt.Errorf("output region (%d,%d) is out of range", outPtr, outLen)}
	}
	// The view aliases instance memory, which dies with the deferred
	// Close.
	output := make([]byte, len(view))
	copy(output, view)
	return runResult{output: output, memHigh: memHigh}
}

// classify maps a finished run onto the outcome state machine. Order
// matters: a denial recorded by a host function wins over the secondary
// effects of tearing the instance down, fuel exhaustion wins over the
// cancellation it causes, and the deadline wins over the trap it
// produces.
func (e *Engine) classify(runCtx context.Context, hs *HostState, res runResult, limits Limits, memoryCap uint64) (State, error) {
	switch {
	case hs.denial != nil:
		return denialState(hs.denial), hs.denial
	case hs.meter.Exhausted():
		return StateFuelExhausted, fmt.Errorf("%w: budget %d", ErrFuelExhausted, limits.Fuel)
	case runCtx.Err() == context.DeadlineExceeded:
		return StateTimeout, fmt.Errorf("%w after %s", ErrExecutionTimeout, limits.Timeout)
	case res.err != nil && uint64(res.memHigh) >= memoryCap:
		return StateMemoryExceeded, fmt.Errorf("%w: %d bytes used, limit %d", ErrMemoryExceeded, res.memHigh, memoryCap)
	case res.err != nil:
		return StateTrapped, res.err
	default:
		return StateCompleted, nil
	}
}

// finish applies the observability tail shared by every exit path.
func (e *Engine) finish(ctx context.Context, out *Outcome) *Outcome {
	e.metrics.RecordExecution(out.Module, out.State.String(), out.Duration, out.FuelUsed)

	event := security.AuditEvent{
		Timestamp:   time.Now().UTC(),
		ExecutionID: out.ExecutionID,
		Module:      out.Module,
		Action:      security.ActionExecute,
		Decision:    out.State.String(),
		Error:       out.ErrorMessage(),
		DurationMS:  out.Duration.Milliseconds(),
		FuelUsed:    out.FuelUsed,
	}
	if err := e.recorder.Record(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "audit record failed", slog.String("error", err.Error()))
	}

	attrs := []any{
		slog.String("module", out.Module),
		slog.String("execution_id", out.ExecutionID),
		slog.String("state", out.State.String()),
		slog.Duration("duration", out.Duration),
		slog.Uint64("fuel_used", out.FuelUsed),
	}
	if out.Completed() {
		e.logger.InfoContext(ctx, "module execution finished", attrs...)
	} else {
		attrs = append(attrs, slog.String("error", out.ErrorMessage()))
		e.logger.WarnContext(ctx, "module execution failed", attrs...)
	}
	return out
}
