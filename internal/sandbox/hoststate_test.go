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
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureRecorder collects audit events for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (r *captureRecorder) Record(_ context.Context, event security.AuditEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *captureRecorder) Close() error { return nil }

func (r *captureRecorder) byAction(action string) []security.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []security.AuditEvent
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// invokerFunc adapts a function to NestedInvoker.
type invokerFunc func(ctx context.Context, name string, input map[string]any) (string, error)

func (f invokerFunc) Invoke(ctx context.Context, name string, input map[string]any) (string, error) {
	return f(ctx, name, input)
}

// testEngine builds an engine wired for dispatch tests. No wazero runtime
// is attached; dispatch never touches it.
func testEngine() *Engine {
	return &Engine{
		validator: allowlist.New(true),
		limiter:   ratelimit.NewLimiter(10),
		injector:  credential.NewInjector(nil, nil),
		recorder:  security.NopRecorder{},
		metrics:   NopMetrics{},
		httpClient: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:        discardLogger(),
		defaultLimits: LimitsFromConfig(config.EngineConfig{}),
		defaultRates:  RatesFromConfig(config.RateLimitsConfig{}),
		leakMode:      leakscan.ModeRedact,
	}
}

func testHostState(e *Engine, caps capability.Capabilities) *HostState {
	req := Request{
		Module:       &Module{Name: "mod-test"},
		Capabilities: caps,
	}
	return newHostState(e, "exec-test", req, e.defaultLimits, e.defaultRates, newFuelMeter(e.defaultLimits.Fuel))
}

func dispatchJSON(t *testing.T, hs *HostState, req string) hostResponse {
	t.Helper()
	raw := hs.dispatch(context.Background(), []byte(req))
	var resp hostResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("response %q is not valid JSON: %v", raw, err)
	}
	return resp
}

func unmarshalData(t *testing.T, resp hostResponse, target any) {
	t.Helper()
	if !resp.OK {
		t.Fatalf("expected ok response, got error %q", resp.Error)
	}
	if err := json.Unmarshal(resp.Data, target); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
}

// dispatchAborted runs a dispatch that must tear the instance down and
// returns the abort cause.
func dispatchAborted(t *testing.T, hs *HostState, req string) error {
	t.Helper()
	var cause error
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("expected the dispatch to abort the instance")
			}
			abort, ok := r.(hostAbort)
			if !ok {
				t.Fatalf("unexpected panic value: %v", r)
			}
			cause = abort.cause
		}()
		hs.dispatch(context.Background(), []byte(req))
	}()
	return cause
}

// --- Envelope ---

func TestDispatchMalformedEnvelope(t *testing.T) {
	hs := testHostState(testEngine(), capability.None())
	resp := dispatchJSON(t, hs, `{broken`)
	if resp.OK {
		t.Fatal("malformed envelope must not succeed")
	}
	if !strings.Contains(resp.Error, "malformed host call") {
		t.Fatalf("error = %q, want a malformed-call message", resp.Error)
	}
	if hs.denial != nil {
		t.Fatal("a malformed envelope is an operational error, not a denial")
	}
}

func TestDispatchUnknownOp(t *testing.T) {
	hs := testHostState(testEngine(), capability.None())
	resp := dispatchJSON(t, hs, `{"op":"mystery"}`)
	if resp.OK {
		t.Fatal("unknown op must not succeed")
	}
	if !strings.Contains(resp.Error, "unknown op") {
		t.Fatalf("error = %q, want an unknown-op message", resp.Error)
	}
}

// --- now ---

func TestNowOp(t *testing.T) {
	hs := testHostState(testEngine(), capability.None())
	resp := dispatchJSON(t, hs, `{"op":"now"}`)

	var result nowResult
	unmarshalData(t, resp, &result)
	if result.UnixMS <= 0 {
		t.Fatalf("unix_ms = %d, want a positive timestamp", result.UnixMS)
	}
	if _, err := time.Parse(time.RFC3339Nano, result.RFC3339); err != nil {
		t.Fatalf("rfc3339 %q does not parse: %v", result.RFC3339, err)
	}
}

// --- log ---

func TestLogOp(t *testing.T) {
	hs := testHostState(testEngine(), capability.None())

	resp := dispatchJSON(t, hs, `{"op":"log","payload":{"level":"WARN","message":"first"}}`)
	if !resp.OK {
		t.Fatalf("log failed: %q", resp.Error)
	}
	dispatchJSON(t, hs, `{"op":"log","payload":{"level":"shout","message":"second"}}`)

	if len(hs.logs) != 2 {
		t.Fatalf("logs = %d entries, want 2", len(hs.logs))
	}
	if hs.logs[0].Level != "warn" || hs.logs[0].Message != "first" {
		t.Fatalf("first entry = %+v", hs.logs[0])
	}
	if hs.logs[1].Level != "info" {
		t.Fatalf("unrecognized level normalized to %q, want info", hs.logs[1].Level)
	}
}

func TestLogTruncatesLongMessages(t *testing.T) {
	hs := testHostState(testEngine(), capability.None())
	hs.limits.LogEntryBytes = 8

	long := strings.Repeat("x", 64)
	dispatchJSON(t, hs, fmt.Sprintf(`{"op":"log","payload":{"message":%q}}`, long))
	if got := hs.logs[0].Message; got != strings.Repeat("x", 8) {
		t.Fatalf("message = %q, want it truncated to 8 bytes", got)
	}
}

func TestLogBufferCap(t *testing.T) {
	hs := testHostState(testEngine(), capability.None())
	hs.limits.LogEntries = 2

	for i := 0; i < 5; i++ {
		resp := dispatchJSON(t, hs, fmt.Sprintf(`{"op":"log","payload":{"message":"entry %d"}}`, i))
		if !resp.OK {
			t.Fatalf("log %d failed: %q", i, resp.Error)
		}
	}
	if len(hs.logs) != 2 {
		t.Fatalf("logs = %d entries, want the cap of 2", len(hs.logs))
	}
	if hs.logsDropped != 3 {
		t.Fatalf("logsDropped = %d, want 3", hs.logsDropped)
	}
}

func TestLogRateLimitIsTerminal(t *testing.T) {
	e := testEngine()
	e.limiter = ratelimit.NewLimiter(1)
	hs := testHostState(e, capability.None())
	hs.rates.Log = 1

	if resp := dispatchJSON(t, hs, `{"op":"log","payload":{"message":"one"}}`); !resp.OK {
		t.Fatalf("first log failed: %q", resp.Error)
	}
	cause := dispatchAborted(t, hs, `{"op":"log","payload":{"message":"two"}}`)
	if !errors.Is(cause, ratelimit.ErrRateLimited) {
		t.Fatalf("cause = %v, want ErrRateLimited", cause)
	}
	if hs.denial == nil {
		t.Fatal("rate-limit denial must be recorded on the host state")
	}
	if got := denialState(hs.denial); got != StateRateLimited {
		t.Fatalf("denialState() = %s, want rate_limited", got)
	}
}

// --- workspace_read ---

func TestWorkspaceReadDeniedWithoutCapability(t *testing.T) {
	hs := testHostState(testEngine(), capability.None())
	cause := dispatchAborted(t, hs, `{"op":"workspace_read","payload":{"path":"docs/a.txt"}}`)
	if !errors.Is(cause, ErrCapabilityDenied) {
		t.Fatalf("cause = %v, want ErrCapabilityDenied", cause)
	}
	if got := denialState(hs.denial); got != StateCapabilityDenied {
		t.Fatalf("denialState() = %s, want capability_denied", got)
	}
}

func TestWorkspaceReadTraversalDenied(t *testing.T) {
	caps := capability.None().WithWorkspaceRead()
	hs := testHostState(testEngine(), caps)
	cause := dispatchAborted(t, hs, `{"op":"workspace_read","payload":{"path":"../etc/passwd"}}`)
	if !errors.Is(cause, allowlist.ErrWorkspaceEscape) {
		t.Fatalf("cause = %v, want ErrWorkspaceEscape", cause)
	}
}

func TestWorkspaceReadOutsideGrantedPrefix(t *testing.T) {
	caps := capability.None().WithWorkspaceRead("docs")
	hs := testHostState(testEngine(), caps)
	cause := dispatchAborted(t, hs, `{"op":"workspace_read","payload":{"path":"secrets/key.pem"}}`)
	if !errors.Is(cause, allowlist.ErrPathNotAllowed) {
		t.Fatalf("cause = %v, want ErrPathNotAllowed", cause)
	}
}

func TestWorkspaceReadHappyPath(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "workspace file contents\n"
	if err := os.WriteFile(filepath.Join(root, "docs", "a.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	ws, err := workspace.New(root)
	if err != nil {
		t.Fatalf("workspace.New() error = %v", err)
	}

	e := testEngine()
	e.workspace = ws
	hs := testHostState(e, capability.None().WithWorkspaceRead("docs"))

	resp := dispatchJSON(t, hs, `{"op":"workspace_read","payload":{"path":"docs/a.txt"}}`)
	var result workspaceReadResult
	unmarshalData(t, resp, &result)

	decoded, err := base64.StdEncoding.DecodeString(result.Content)
	if err != nil {
		t.Fatalf("content is not valid base64: %v", err)
	}
	if string(decoded) != content {
		t.Fatalf("content = %q, want %q", decoded, content)
	}
	if result.Size != len(content) {
		t.Fatalf("size = %d, want %d", result.Size, len(content))
	}
}

func TestWorkspaceReadMissingFileIsOperational(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New() error = %v", err)
	}
	e := testEngine()
	e.workspace = ws
	hs := testHostState(e, capability.None().WithWorkspaceRead())

	resp := dispatchJSON(t, hs, `{"op":"workspace_read","payload":{"path":"missing.txt"}}`)
	if resp.OK {
		t.Fatal("missing file must not succeed")
	}
	if hs.denial != nil {
		t.Fatal("a missing file is operational, not a denial")
	}
}

func TestWorkspaceReadUnconfigured(t *testing.T) {
	hs := testHostState(testEngine(), capability.None().WithWorkspaceRead())
	resp := dispatchJSON(t, hs, `{"op":"workspace_read","payload":{"path":"a.txt"}}`)
	if resp.OK {
		t.Fatal("read without a configured workspace must not succeed")
	}
	if !strings.Contains(resp.Error, "not configured") {
		t.Fatalf("error = %q, want a not-configured message", resp.Error)
	}
}

// --- http_fetch ---

func TestHTTPFetchDeniedWithoutCapability(t *testing.T) {
	hs := testHostState(testEngine(), capability.None())
	cause := dispatchAborted(t, hs, `{"op":"http_fetch","payload":{"url":"https://api.example.com/v1"}}`)
	if !errors.Is(cause, ErrCapabilityDenied) {
		t.Fatalf("cause = %v, want ErrCapabilityDenied", cause)
	}
}

func TestHTTPFetchHostNotAllowlisted(t *testing.T) {
	caps := capability.None().WithHTTP(capability.EndpointPattern{Host: "api.example.com"})
	hs := testHostState(testEngine(), caps)
	cause := dispatchAborted(t, hs, `{"op":"http_fetch","payload":{"url":"https://evil.example.com/v1"}}`)
	if !errors.Is(cause, allowlist.ErrHostNotAllowed) {
		t.Fatalf("cause = %v, want ErrHostNotAllowed", cause)
	}
}

func TestHTTPFetchPrivateHostScreened(t *testing.T) {
	e := testEngine()
	e.validator = allowlist.New(false)
	caps := capability.None().WithHTTP(capability.EndpointPattern{Host: "127.0.0.1"})
	hs := testHostState(e, caps)

	cause := dispatchAborted(t, hs, `{"op":"http_fetch","payload":{"url":"http://127.0.0.1:9/x"}}`)
	if !errors.Is(cause, allowlist.ErrPrivateHost) {
		t.Fatalf("cause = %v, want ErrPrivateHost", cause)
	}
}

func TestHTTPFetchInvalidURLIsOperational(t *testing.T) {
	caps := capability.None().WithHTTP(capability.EndpointPattern{Host: "api.example.com"})
	hs := testHostState(testEngine(), caps)

	resp := dispatchJSON(t, hs, `{"op":"http_fetch","payload":{"url":"not a url"}}`)
	if resp.OK {
		t.Fatal("invalid url must not succeed")
	}
	if hs.denial != nil {
		t.Fatal("an unparseable url is operational, not a denial")
	}

	resp = dispatchJSON(t, hs, `{"op":"http_fetch","payload":{"url":"ftp://api.example.com/file"}}`)
	if resp.OK || !strings.Contains(resp.Error, "scheme") {
		t.Fatalf("ftp scheme must be refused, got ok=%v error=%q", resp.OK, resp.Error)
	}
}

func TestHTTPFetchForbiddenHeader(t *testing.T) {
	caps := capability.None().WithHTTP(capability.EndpointPattern{Host: "api.example.com"})
	hs := testHostState(testEngine(), caps)

	resp := dispatchJSON(t, hs, `{"op":"http_fetch","payload":{"url":"https://api.example.com/v1","headers":{"Host":"spoofed"}}}`)
	if resp.OK || !strings.Contains(resp.Error, "not allowed") {
		t.Fatalf("host header must be refused, got ok=%v error=%q", resp.OK, resp.Error)
	}
}

func TestHTTPFetchHappyPath(t *testing.T) {
	var gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Request-Id", "req-42")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"created":true}`)
	}))
	defer srv.Close()

	caps := capability.None().WithHTTP(capability.EndpointPattern{Host: "127.0.0.1"})
	hs := testHostState(testEngine(), caps)

	req := fmt.Sprintf(`{"op":"http_fetch","payload":{"method":"post","url":%q,"body":"payload"}}`, srv.URL+"/v1/things")
	resp := dispatchJSON(t, hs, req)

	var result httpFetchResult
	unmarshalData(t, resp, &result)
	if result.Status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", result.Status)
	}
	if result.Body != `{"created":true}` {
		t.Fatalf("body = %q", result.Body)
	}
	if result.Headers["X-Request-Id"] != "req-42" {
		t.Fatalf("headers = %v, want X-Request-Id present", result.Headers)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("server saw method %s, want POST", gotMethod)
	}
	if gotBody != "payload" {
		t.Fatalf("server saw body %q, want payload", gotBody)
	}
}

func TestHTTPFetchRedirectNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		fmt.Fprint(w, "followed")
	}))
	defer srv.Close()

	caps := capability.None().WithHTTP(capability.EndpointPattern{Host: "127.0.0.1"})
	hs := testHostState(testEngine(), caps)

	req := fmt.Sprintf(`{"op":"http_fetch","payload":{"url":%q}}`, srv.URL+"/start")
	resp := dispatchJSON(t, hs, req)

	var result httpFetchResult
	unmarshalData(t, resp, &result)
	if result.Status != http.StatusFound {
		t.Fatalf("status = %d, want the redirect surfaced as 302", result.Status)
	}
	if result.Body == "followed" {
		t.Fatal("redirect must not be followed automatically")
	}
}

func TestHTTPFetchResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, strings.Repeat("z", 64))
	}))
	defer srv.Close()

	caps := capability.None().WithHTTP(capability.EndpointPattern{Host: "127.0.0.1"})
	hs := testHostState(testEngine(), caps)
	hs.limits.ResponseBytes = 16

	req := fmt.Sprintf(`{"op":"http_fetch","payload":{"url":%q}}`, srv.URL)
	resp := dispatchJSON(t, hs, req)
	if resp.OK || !strings.Contains(resp.Error, "exceeds") {
		t.Fatalf("oversized response must be refused, got ok=%v error=%q", resp.OK, resp.Error)
	}
	if hs.denial != nil {
		t.Fatal("an oversized response is operational, not a denial")
	}
}

func TestHTTPFetchSecretHandleInjection(t *testing.T) {
	const secretValue = "sk-live-4242hooli"
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		// Echo the credential back; the scanner must catch it.
		fmt.Fprintf(w, "upstream echoed %s here", secretValue)
	}))
	defer srv.Close()

	resolver := secrets.NewResolver(
		secrets.NewStaticProvider(map[string]string{"api_key": secretValue}),
		map[string]string{"api_key": "static://api_key"},
	)
	e := testEngine()
	e.injector = credential.NewInjector(resolver, nil)
	e.resolver = resolver

	caps := capability.None().
		WithHTTP(capability.EndpointPattern{Host: "127.0.0.1"}).
		WithSecrets("api_key")
	hs := testHostState(e, caps)

	req := fmt.Sprintf(`{"op":"http_fetch","payload":{"url":%q,"headers":{"Authorization":"Bearer secret://api_key"}}}`, srv.URL)
	resp := dispatchJSON(t, hs, req)

	var result httpFetchResult
	unmarshalData(t, resp, &result)
	if gotAuth != "Bearer "+secretValue {
		t.Fatalf("server saw Authorization %q, want the resolved value", gotAuth)
	}
	if strings.Contains(result.Body, secretValue) {
		t.Fatal("response body must not carry the raw secret back to the module")
	}
	if !strings.Contains(result.Body, "[REDACTED]") {
		t.Fatalf("body = %q, want the redaction marker", result.Body)
	}
}

func TestHTTPFetchUngrantedSecretHandleDenied(t *testing.T) {
	resolver := secrets.NewResolver(
		secrets.NewStaticProvider(map[string]string{"api_key": "sk-live-4242hooli"}),
		map[string]string{"api_key": "static://api_key"},
	)
	e := testEngine()
	e.injector = credential.NewInjector(resolver, nil)

	caps := capability.None().WithHTTP(capability.EndpointPattern{Host: "api.example.com"})
	hs := testHostState(e, caps)

	req := `{"op":"http_fetch","payload":{"url":"https://api.example.com/v1","headers":{"Authorization":"Bearer secret://api_key"}}}`
	cause := dispatchAborted(t, hs, req)
	if !errors.Is(cause, credential.ErrHandleNotGranted) {
		t.Fatalf("cause = %v, want ErrHandleNotGranted", cause)
	}
}

// --- tool_invoke ---

func TestToolInvokeDeniedWithoutCapability(t *testing.T) {
	hs := testHostState(testEngine(), capability.None())
	cause := dispatchAborted(t, hs, `{"op":"tool_invoke","payload":{"tool":"summarize"}}`)
	if !errors.Is(cause, ErrCapabilityDenied) {
		t.Fatalf("cause = %v, want ErrCapabilityDenied", cause)
	}
}

func TestToolInvokeOutsideGrant(t *testing.T) {
	caps := capability.None().WithToolInvoke(1, "summarize")
	hs := testHostState(testEngine(), caps)
	cause := dispatchAborted(t, hs, `{"op":"tool_invoke","payload":{"tool":"delete_everything"}}`)
	if !errors.Is(cause, ErrCapabilityDenied) {
		t.Fatalf("cause = %v, want ErrCapabilityDenied", cause)
	}
}

func TestToolInvokeDepthExceeded(t *testing.T) {
	caps := capability.None().WithToolInvoke(2, "summarize")
	e := testEngine()
	e.invoker = invokerFunc(func(context.Context, string, map[string]any) (string, error) {
		t.Fatal("the invoker must not be reached past the depth limit")
		return "", nil
	})
	hs := testHostState(e, caps)
	hs.depth = 2

	cause := dispatchAborted(t, hs, `{"op":"tool_invoke","payload":{"tool":"summarize"}}`)
	if !errors.Is(cause, ErrCapabilityDenied) {
		t.Fatalf("cause = %v, want ErrCapabilityDenied", cause)
	}
	if !strings.Contains(cause.Error(), "depth") {
		t.Fatalf("cause = %v, want a depth message", cause)
	}
}

func TestToolInvokeHappyPath(t *testing.T) {
	var gotName string
	var gotDepth int
	var gotInput map[string]any
	e := testEngine()
	e.invoker = invokerFunc(func(ctx context.Context, name string, input map[string]any) (string, error) {
		gotName = name
		gotDepth = DepthFrom(ctx)
		gotInput = input
		return "nested output", nil
	})
	caps := capability.None().WithToolInvoke(1, "summarize")
	hs := testHostState(e, caps)

	resp := dispatchJSON(t, hs, `{"op":"tool_invoke","payload":{"tool":"summarize","input":{"text":"hello"}}}`)
	var result toolInvokeResult
	unmarshalData(t, resp, &result)
	if result.Output != "nested output" {
		t.Fatalf("output = %q", result.Output)
	}
	if gotName != "summarize" {
		t.Fatalf("invoker saw tool %q", gotName)
	}
	if gotDepth != 1 {
		t.Fatalf("nested depth = %d, want 1", gotDepth)
	}
	if gotInput["text"] != "hello" {
		t.Fatalf("input = %v", gotInput)
	}
}

func TestToolInvokeNestedFailureIsOperational(t *testing.T) {
	e := testEngine()
	e.invoker = invokerFunc(func(context.Context, string, map[string]any) (string, error) {
		return "", errors.New("nested tool blew up")
	})
	hs := testHostState(e, capability.None().WithToolInvoke(1, "summarize"))

	resp := dispatchJSON(t, hs, `{"op":"tool_invoke","payload":{"tool":"summarize"}}`)
	if resp.OK {
		t.Fatal("nested failure must not succeed")
	}
	if hs.denial != nil {
		t.Fatal("a nested tool failure is operational, not a denial")
	}
	if !strings.Contains(resp.Error, "blew up") {
		t.Fatalf("error = %q, want the nested failure surfaced", resp.Error)
	}
}

func TestToolInvokeWithoutInvoker(t *testing.T) {
	hs := testHostState(testEngine(), capability.None().WithToolInvoke(1, "summarize"))
	resp := dispatchJSON(t, hs, `{"op":"tool_invoke","payload":{"tool":"summarize"}}`)
	if resp.OK || !strings.Contains(resp.Error, "not available") {
		t.Fatalf("got ok=%v error=%q, want a not-available message", resp.OK, resp.Error)
	}
}

// --- secret_ref ---

func TestSecretRefDeniedWithoutCapability(t *testing.T) {
	hs := testHostState(testEngine(), capability.None())
	cause := dispatchAborted(t, hs, `{"op":"secret_ref","payload":{"name":"api_key"}}`)
	if !errors.Is(cause, ErrCapabilityDenied) {
		t.Fatalf("cause = %v, want ErrCapabilityDenied", cause)
	}
}

func TestSecretRefUngrantedName(t *testing.T) {
	hs := testHostState(testEngine(), capability.None().WithSecrets("api_key"))
	cause := dispatchAborted(t, hs, `{"op":"secret_ref","payload":{"name":"db_password"}}`)
	if !errors.Is(cause, ErrCapabilityDenied) {
		t.Fatalf("cause = %v, want ErrCapabilityDenied", cause)
	}
}

func TestSecretRefHappyPath(t *testing.T) {
	const secretValue = "sk-live-4242hooli"
	e := testEngine()
	e.resolver = secrets.NewResolver(
		secrets.NewStaticProvider(map[string]string{"api_key": secretValue}),
		map[string]string{"api_key": "static://api_key"},
	)
	hs := testHostState(e, capability.None().WithSecrets("api_key"))

	resp := dispatchJSON(t, hs, `{"op":"secret_ref","payload":{"name":"api_key"}}`)
	var result secretRefResult
	unmarshalData(t, resp, &result)
	if result.Handle != credential.Handle("api_key") {
		t.Fatalf("handle = %q, want %q", result.Handle, credential.Handle("api_key"))
	}
	if strings.Contains(result.Handle, secretValue) {
		t.Fatal("the handle must not embed the raw value")
	}

	// The resolved value is registered so it cannot travel out later.
	cleaned, findings := hs.scanner.Scan("leaking " + secretValue + " now")
	if strings.Contains(cleaned, secretValue) {
		t.Fatal("scanner must redact the registered value")
	}
	if len(findings) == 0 {
		t.Fatal("scanner must report a finding for the registered value")
	}
}

func TestSecretRefUnresolvableIsOperational(t *testing.T) {
	e := testEngine()
	e.resolver = secrets.NewResolver(secrets.NewStaticProvider(nil), map[string]string{"api_key": "static://api_key"})
	hs := testHostState(e, capability.None().WithSecrets("api_key"))

	resp := dispatchJSON(t, hs, `{"op":"secret_ref","payload":{"name":"api_key"}}`)
	if resp.OK {
		t.Fatal("unresolvable secret must not succeed")
	}
	if hs.denial != nil {
		t.Fatal("an unresolvable granted secret is operational, not a denial")
	}
}

func TestSecretRefWithoutResolver(t *testing.T) {
	hs := testHostState(testEngine(), capability.None().WithSecrets("api_key"))
	resp := dispatchJSON(t, hs, `{"op":"secret_ref","payload":{"name":"api_key"}}`)
	if resp.OK || !strings.Contains(resp.Error, "not configured") {
		t.Fatalf("got ok=%v error=%q, want a not-configured message", resp.OK, resp.Error)
	}
}

// --- Fuel ---

func TestDispatchChargesFuel(t *testing.T) {
	e := testEngine()
	req := Request{Module: &Module{Name: "mod-test"}}
	hs := newHostState(e, "exec-test", req, e.defaultLimits, e.defaultRates, newFuelMeter(10))

	cause := dispatchAborted(t, hs, `{"op":"now"}`)
	if !errors.Is(cause, ErrFuelExhausted) {
		t.Fatalf("cause = %v, want ErrFuelExhausted", cause)
	}
	if hs.denial != nil {
		t.Fatal("fuel exhaustion is not a security denial")
	}
	if !hs.meter.Exhausted() {
		t.Fatal("the meter must be exhausted")
	}
}

// --- Audit ---

func TestHostCallAuditTrail(t *testing.T) {
	const secretValue = "sk-live-4242hooli"
	rec := &captureRecorder{}
	e := testEngine()
	e.recorder = rec
	e.resolver = secrets.NewResolver(
		secrets.NewStaticProvider(map[string]string{"api_key": secretValue}),
		map[string]string{"api_key": "static://api_key"},
	)
	hs := testHostState(e, capability.None().WithSecrets("api_key"))

	dispatchJSON(t, hs, `{"op":"secret_ref","payload":{"name":"api_key"}}`)
	dispatchAborted(t, hs, `{"op":"secret_ref","payload":{"name":"db_password"}}`)

	events := rec.byAction(security.ActionHostCall)
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(events))
	}
	allowed, denied := events[0], events[1]
	if allowed.Decision != security.DecisionAllowed || allowed.Target != "api_key" {
		t.Fatalf("allowed event = %+v", allowed)
	}
	if denied.Decision != security.DecisionDenied || denied.Target != "db_password" {
		t.Fatalf("denied event = %+v", denied)
	}
	if denied.Error == "" {
		t.Fatal("denied event must carry the error")
	}
	for _, event := range events {
		if event.Module != "mod-test" || event.ExecutionID != "exec-test" {
			t.Fatalf("event identity = %+v", event)
		}
		if event.Op != opSecretRef {
			t.Fatalf("event op = %q, want secret_ref", event.Op)
		}
	}
}
