package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/allowlist"
	"github.com/danielsimonjr/ironclaw/internal/capability"
	"github.com/danielsimonjr/ironclaw/internal/credential"
	"github.com/danielsimonjr/ironclaw/internal/leakscan"
	"github.com/danielsimonjr/ironclaw/internal/ratelimit"
	"github.com/danielsimonjr/ironclaw/internal/security"
)

// Host call op names. These are wire values: module code places them in the
// "op" field of the host_call JSON envelope.
const (
	opLog           = "log"
	opNow           = "now"
	opWorkspaceRead = "workspace_read"
	opHTTPFetch     = "http_fetch"
	opToolInvoke    = "tool_invoke"
	opSecretRef     = "secret_ref"
)

// hostRequest is the envelope module code sends through host_call.
type hostRequest struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// hostResponse is the envelope returned into module memory. Operational
// failures (network errors, missing files) come back with OK false so the
// module can handle them; security denials never produce a response, they
// abort the instance.
type hostResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type logPayload struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

type nowResult struct {
	UnixMS  int64  `json:"unix_ms"`
	RFC3339 string `json:"rfc3339"`
}

type workspaceReadPayload struct {
	Path string `json:"path"`
}

type workspaceReadResult struct {
	Content string `json:"content"` // base64
	Size    int    `json:"size"`
}

type httpFetchPayload struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type httpFetchResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

type toolInvokePayload struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input,omitempty"`
}

type toolInvokeResult struct {
	Output string `json:"output"`
}

type secretRefPayload struct {
	Name string `json:"name"`
}

type secretRefResult struct {
	Handle string `json:"handle"`
}

// hostAbort is the panic value a host function raises to tear down the
// instance. wazero recovers panics inside host functions and surfaces them
// as errors from the guest call, which is exactly the teardown needed: the
// module cannot catch it, so a denial is always terminal.
type hostAbort struct {
	cause error
}

// allowedMethods are the HTTP methods a module may use through http_fetch.
var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// HostState is the bridge object visible to host functions during one call.
// It holds the resolved capabilities, the fuel meter, the per-call leak
// scanner, and the bounded log buffer. Owned by the call; never reused.
//
// Field access needs no locking: host calls run on the guest's single
// execution thread, and the classifying goroutine reads denial and logs
// only after the run channel receive establishes a happens-before edge.
// The exceptions are the meter (atomic) and inHostCall, which the epoch
// ticker reads concurrently.
type HostState struct {
	executionID string
	module      string
	caps        capability.Capabilities
	limits      Limits
	rates       Rates
	depth       int

	engine  *Engine
	meter   *fuelMeter
	scanner *leakscan.Scanner

	logs        []LogEntry
	logsDropped int
	denial      error

	inHostCall atomic.Bool
}

func newHostState(e *Engine, executionID string, req Request, limits Limits, rates Rates, meter *fuelMeter) *HostState {
	return &HostState{
		executionID: executionID,
		module:      req.Module.Name,
		caps:        req.Capabilities,
		limits:      limits,
		rates:       rates,
		depth:       req.Depth,
		engine:      e,
		meter:       meter,
		scanner:     leakscan.New(),
	}
}

type hostStateContextKey struct{}

func withHostState(ctx context.Context, hs *HostState) context.Context {
	return context.WithValue(ctx, hostStateContextKey{}, hs)
}

func hostStateFrom(ctx context.Context) *HostState {
	hs, _ := ctx.Value(hostStateContextKey{}).(*HostState)
	return hs
}

type depthContextKey struct{}

// WithDepth records the nested-invocation depth of the call the context
// belongs to. The engine sets it before handing a tool_invoke to the
// nested invoker; tool adapters read it back when the nested tool is
// itself a sandboxed module.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthContextKey{}, depth)
}

// DepthFrom returns the nested-invocation depth carried by the context,
// or zero for a top-level call.
func DepthFrom(ctx context.Context) int {
	depth, _ := ctx.Value(depthContextKey{}).(int)
	return depth
}

// dispatch handles one host call envelope and returns the response bytes.
// Check order within every category-gated op: capability, then allowlist,
// then rate limit, then execution, then leak scan. A missing capability is
// always a hard deny before anything else runs.
func (hs *HostState) dispatch(ctx context.Context, raw []byte) []byte {
	hs.inHostCall.Store(true)
	defer hs.inHostCall.Store(false)

	hs.charge(uint64(fuelPerHostCall) + uint64(len(raw))*fuelPerByte)

	var req hostRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		hs.engine.metrics.RecordHostCall("invalid", security.DecisionError)
		return marshalResponse(hostResponse{OK: false, Error: fmt.Sprintf("malformed host call: %v", err)})
	}

	result, err := hs.handle(ctx, req)
	if err != nil {
		// Operational failure: surfaced to the module, never fatal to the
		// call. Error text is host data, so it passes through the scanner.
		msg, _ := hs.scanner.Scan(err.Error())
		hs.engine.metrics.RecordHostCall(req.Op, security.DecisionError)
		return marshalResponse(hostResponse{OK: false, Error: msg})
	}
	hs.engine.metrics.RecordHostCall(req.Op, security.DecisionAllowed)

	resp := hostResponse{OK: true}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return marshalResponse(hostResponse{OK: false, Error: "encoding host response"})
		}
		resp.Data = data
	}
	out := marshalResponse(resp)
	hs.charge(uint64(len(out)) * fuelPerByte)
	return out
}

func (hs *HostState) handle(ctx context.Context, req hostRequest) (any, error) {
	switch req.Op {
	case opLog:
		return hs.handleLog(ctx, req.Payload)
	case opNow:
		return hs.handleNow(ctx)
	case opWorkspaceRead:
		return hs.handleWorkspaceRead(ctx, req.Payload)
	case opHTTPFetch:
		return hs.handleHTTPFetch(ctx, req.Payload)
	case opToolInvoke:
		return hs.handleToolInvoke(ctx, req.Payload)
	case opSecretRef:
		return hs.handleSecretRef(ctx, req.Payload)
	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}

// handleLog appends to the bounded per-call log buffer. Not capability
// gated, but rate limited and size capped so a module cannot exhaust host
// memory through its log channel.
func (hs *HostState) handleLog(ctx context.Context, payload json.RawMessage) (any, error) {
	var p logPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	hs.rateLimit(ctx, opLog, "", "log", hs.rates.Log)

	msg := hs.clean(ctx, opLog, "", p.Message)
	if len(msg) > hs.limits.LogEntryBytes {
		msg = msg[:hs.limits.LogEntryBytes]
	}
	if len(hs.logs) >= hs.limits.LogEntries {
		hs.logsDropped++
		return nil, nil
	}
	level := normalizeLevel(p.Level)
	hs.logs = append(hs.logs, LogEntry{Level: level, Message: msg})
	hs.engine.logger.DebugContext(ctx, "module log",
		slog.String("module", hs.module),
		slog.String("execution_id", hs.executionID),
		slog.String("level", level),
		slog.String("message", msg),
	)
	return nil, nil
}

func (hs *HostState) handleNow(_ context.Context) (any, error) {
	now := time.Now()
	return nowResult{
		UnixMS:  now.UnixMilli(),
		RFC3339: now.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (hs *HostState) handleWorkspaceRead(ctx context.Context, payload json.RawMessage) (any, error) {
	var p workspaceReadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("workspace_read: %w", err)
	}
	grant, ok := hs.caps.WorkspaceRead()
	if !ok {
		hs.deny(ctx, opWorkspaceRead, p.Path, fmt.Errorf("%w: workspace_read", ErrCapabilityDenied))
	}
	rel, err := allowlist.NormalizeWorkspacePath(grant, p.Path)
	if err != nil {
		hs.deny(ctx, opWorkspaceRead, p.Path, err)
	}
	hs.rateLimit(ctx, opWorkspaceRead, rel, "general", hs.rates.General)

	if hs.engine.workspace == nil {
		return nil, errors.New("workspace is not configured")
	}
	hs.audit(ctx, opWorkspaceRead, rel, security.DecisionAllowed, nil)

	data, err := hs.engine.workspace.Read(rel, hs.limits.ResponseBytes)
	if err != nil {
		// A symlink that resolves outside the root is only visible at the
		// filesystem layer; it is still a security denial.
		if errors.Is(err, allowlist.ErrWorkspaceEscape) {
			hs.deny(ctx, opWorkspaceRead, rel, err)
		}
		return nil, err
	}
	cleaned := hs.clean(ctx, opWorkspaceRead, rel, string(data))
	return workspaceReadResult{
		Content: base64.StdEncoding.EncodeToString([]byte(cleaned)),
		Size:    len(cleaned),
	}, nil
}

func (hs *HostState) handleHTTPFetch(ctx context.Context, payload json.RawMessage) (any, error) {
	var p httpFetchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("http_fetch: %w", err)
	}
	grant, ok := hs.caps.HTTP()
	if !ok {
		hs.deny(ctx, opHTTPFetch, p.URL, fmt.Errorf("%w: http", ErrCapabilityDenied))
	}
	u, err := url.Parse(p.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", p.URL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}
	host := u.Hostname()
	if err := hs.engine.validator.CheckEndpoint(grant, host, u.Path); err != nil {
		hs.deny(ctx, opHTTPFetch, p.URL, err)
	}
	if err := hs.engine.validator.ScreenHost(host); err != nil {
		hs.deny(ctx, opHTTPFetch, p.URL, err)
	}
	hs.rateLimit(ctx, opHTTPFetch, p.URL, "http", hs.rates.HTTP)

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("method %q is not allowed", p.Method)
	}

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	secretsGrant, _ := hs.caps.Secrets()
	for name, value := range p.Headers {
		lower := strings.ToLower(name)
		if lower == "host" || lower == "content-length" {
			return nil, fmt.Errorf("header %q is not allowed", name)
		}
		resolved, values, err := hs.engine.injector.ResolveHandles(ctx, secretsGrant, value)
		if err != nil {
			if errors.Is(err, credential.ErrHandleNotGranted) {
				hs.deny(ctx, opHTTPFetch, p.URL, err)
			}
			return nil, err
		}
		for _, v := range values {
			hs.scanner.RegisterSecret(v)
		}
		req.Header.Set(name, resolved)
	}

	// Host-side credential injection: the module never sees the value, and
	// the scanner learns it so it cannot travel back through the response.
	values, err := hs.engine.injector.Inject(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		hs.scanner.RegisterSecret(v)
	}

	hs.audit(ctx, opHTTPFetch, method+" "+p.URL, security.DecisionAllowed, nil)

	resp, err := hs.engine.httpClient.Do(req)
	if err != nil {
		// Transport errors can echo the request URL, which may carry an
		// injected query credential by now.
		msg, _ := hs.scanner.Scan(err.Error())
		return nil, fmt.Errorf("request failed: %s", msg)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, hs.limits.ResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(raw)) > hs.limits.ResponseBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", hs.limits.ResponseBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = hs.clean(ctx, opHTTPFetch, p.URL, resp.Header.Get(name))
	}
	return httpFetchResult{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    hs.clean(ctx, opHTTPFetch, p.URL, string(raw)),
	}, nil
}

func (hs *HostState) handleToolInvoke(ctx context.Context, payload json.RawMessage) (any, error) {
	var p toolInvokePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("tool_invoke: %w", err)
	}
	grant, ok := hs.caps.ToolInvoke()
	if !ok {
		hs.deny(ctx, opToolInvoke, p.Tool, fmt.Errorf("%w: tool_invoke", ErrCapabilityDenied))
	}
	if !grant.Allowed(p.Tool) {
		hs.deny(ctx, opToolInvoke, p.Tool, fmt.Errorf("%w: tool %q is not in the grant", ErrCapabilityDenied, p.Tool))
	}
	next := hs.depth + 1
	if next > grant.MaxDepth {
		hs.deny(ctx, opToolInvoke, p.Tool, fmt.Errorf("%w: nested depth %d exceeds limit %d", ErrCapabilityDenied, next, grant.MaxDepth))
	}
	hs.rateLimit(ctx, opToolInvoke, p.Tool, "tool_invoke", hs.rates.ToolInvoke)

	if hs.engine.invoker == nil {
		return nil, errors.New("nested invocation is not available")
	}
	hs.audit(ctx, opToolInvoke, p.Tool, security.DecisionAllowed, nil)

	output, err := hs.engine.invoker.Invoke(WithDepth(ctx, next), p.Tool, p.Input)
	if err != nil {
		msg, _ := hs.scanner.Scan(err.Error())
		return nil, fmt.Errorf("tool %q: %s", p.Tool, msg)
	}
	if int64(len(output)) > hs.limits.ResponseBytes {
		return nil, fmt.Errorf("tool %q output exceeds %d bytes", p.Tool, hs.limits.ResponseBytes)
	}
	return toolInvokeResult{Output: hs.clean(ctx, opToolInvoke, p.Tool, output)}, nil
}

// handleSecretRef hands out an opaque secret handle. The raw value never
// crosses into module memory; it is resolved here only to verify it exists
// and to teach the scanner its shape for the rest of the call.
func (hs *HostState) handleSecretRef(ctx context.Context, payload json.RawMessage) (any, error) {
	var p secretRefPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("secret_ref: %w", err)
	}
	grant, ok := hs.caps.Secrets()
	if !ok {
		hs.deny(ctx, opSecretRef, p.Name, fmt.Errorf("%w: secrets", ErrCapabilityDenied))
	}
	if !grant.Granted(p.Name) {
		hs.deny(ctx, opSecretRef, p.Name, fmt.Errorf("%w: secret %q is not in the grant", ErrCapabilityDenied, p.Name))
	}
	hs.rateLimit(ctx, opSecretRef, p.Name, "general", hs.rates.General)

	if hs.engine.resolver == nil {
		return nil, errors.New("secret provider is not configured")
	}
	value, err := hs.engine.resolver.Lookup(ctx, p.Name)
	if err != nil {
		return nil, fmt.Errorf("secret %q is not available", p.Name)
	}
	hs.scanner.RegisterSecret(value)
	hs.audit(ctx, opSecretRef, p.Name, security.DecisionAllowed, nil)

	return secretRefResult{Handle: credential.Handle(p.Name)}, nil
}

// charge debits fuel, aborting the instance when the budget is crossed.
func (hs *HostState) charge(n uint64) {
	if !hs.meter.Consume(n) {
		panic(hostAbort{cause: fmt.Errorf("%w: budget %d", ErrFuelExhausted, hs.meter.limit)})
	}
}

// rateLimit enforces a per-minute category ceiling; denial is terminal.
func (hs *HostState) rateLimit(ctx context.Context, op, target, category string, perMinute int) {
	if err := hs.engine.limiter.Allow(hs.module, category, perMinute); err != nil {
		hs.deny(ctx, op, target, err)
	}
}

// clean runs host data through the leak scanner before it reaches module
// code or the caller. Findings are recorded; in block mode any finding is
// a terminal denial.
func (hs *HostState) clean(ctx context.Context, op, target, text string) string {
	cleaned, findings, err := hs.scanner.CleanOrBlock(text, hs.engine.leakMode)
	for _, f := range findings {
		hs.engine.metrics.RecordLeakFinding(hs.module, f.Rule)
	}
	if err != nil {
		hs.deny(ctx, op, target, err)
	}
	return cleaned
}

// deny records a security denial and aborts the instance. It never returns.
func (hs *HostState) deny(ctx context.Context, op, target string, err error) {
	hs.denial = err

	e := hs.engine
	e.metrics.RecordHostCall(op, security.DecisionDenied)
	var rlErr *ratelimit.Error
	if errors.As(err, &rlErr) {
		e.metrics.RecordRateLimitDenial(hs.module, rlErr.Category)
	}
	hs.audit(ctx, op, target, security.DecisionDenied, err)
	e.logger.WarnContext(ctx, "host call denied",
		slog.String("module", hs.module),
		slog.String("execution_id", hs.executionID),
		slog.String("op", op),
		slog.String("target", target),
		slog.String("error", err.Error()),
	)
	panic(hostAbort{cause: err})
}

// audit records one host-call decision.
func (hs *HostState) audit(ctx context.Context, op, target, decision string, err error) {
	event := security.AuditEvent{
		Timestamp:   time.Now().UTC(),
		ExecutionID: hs.executionID,
		Module:      hs.module,
		Action:      security.ActionHostCall,
		Op:          op,
		Target:      target,
		Decision:    decision,
	}
	if err != nil {
		event.Error = err.Error()
	}
	if rerr := hs.engine.recorder.Record(ctx, event); rerr != nil {
		hs.engine.logger.WarnContext(ctx, "audit record failed", slog.String("error", rerr.Error()))
	}
}

func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(level)
	default:
		return "info"
	}
}

func marshalResponse(resp hostResponse) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"ok":false,"error":"encoding host response"}`)
	}
	return data
}
