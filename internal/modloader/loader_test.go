package modloader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/registry"
	"github.com/danielsimonjr/ironclaw/internal/sandbox"
	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// fakeEngine stands in for the sandbox engine. It accepts any binary,
// holding only the checksum bookkeeping the loader cares about.
type fakeEngine struct {
	mu         sync.Mutex
	prepared   map[string]sandbox.Checksum
	removed    []sandbox.Checksum
	prepareErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{prepared: make(map[string]sandbox.Checksum)}
}

func (f *fakeEngine) Prepare(_ context.Context, name string, wasm []byte, expected sandbox.Checksum) (*sandbox.Module, error) {
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	sum := sandbox.ComputeChecksum(wasm)
	if !expected.IsZero() && sum != expected {
		return nil, sandbox.ErrIntegrityMismatch
	}
	f.mu.Lock()
	f.prepared[name] = sum
	f.mu.Unlock()
	return &sandbox.Module{Name: name, Checksum: sum, Size: int64(len(wasm))}, nil
}

func (f *fakeEngine) Execute(context.Context, sandbox.Request) (*sandbox.Outcome, error) {
	return &sandbox.Outcome{State: sandbox.StateCompleted}, nil
}

func (f *fakeEngine) Remove(sum sandbox.Checksum) bool {
	f.mu.Lock()
	f.removed = append(f.removed, sum)
	f.mu.Unlock()
	return true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *registry.Store {
	t.Helper()
	s, err := registry.Open(registry.Config{
		Driver: registry.DriverSQLite,
		SQLite: registry.SQLiteConfig{Path: filepath.Join(t.TempDir(), "registry.db")},
	}, discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLoader(t *testing.T) (*Loader, *fakeEngine, *tools.Registry, string) {
	t.Helper()
	engine := newFakeEngine()
	reg := tools.NewRegistry()
	dir := filepath.Join(t.TempDir(), "modules")
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}
	l, err := New(Config{
		Dir:    dir,
		Engine: engine,
		Store:  testStore(t),
		Tools:  reg,
		Defaults: sandbox.Limits{
			Fuel:        1_000_000,
			MemoryBytes: 1 << 20,
			Timeout:     time.Second,
		},
		Ceilings: sandbox.Rates{Log: 120, HTTP: 30, ToolInvoke: 10, General: 60},
	}, discardLogger())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	return l, engine, reg, dir
}

func writeModule(t *testing.T, dir, stem string, wasm []byte, decl string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, stem+".wasm"), wasm, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, stem+".yaml"), []byte(decl), 0644); err != nil {
		t.Fatal(err)
	}
}

const alphaDecl = "name: alpha\ntrust: user\ndescription: test module\n"

// --- Scan ---

func TestScanRegistersModules(t *testing.T) {
	l, engine, reg, dir := newTestLoader(t)
	writeModule(t, dir, "alpha", []byte("wasm-alpha"), alphaDecl)
	writeModule(t, dir, "beta", []byte("wasm-beta"), "name: beta\ntrust: verified\n")

	res, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Loaded) != 2 || res.Loaded[0] != "alpha" || res.Loaded[1] != "beta" {
		t.Fatalf("Loaded = %v, want [alpha beta]", res.Loaded)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("Errors = %v, want none", res.Errors)
	}
	if reg.Get("alpha") == nil || reg.Get("beta") == nil {
		t.Error("tools not registered")
	}
	if _, ok := engine.prepared["alpha"]; !ok {
		t.Error("alpha was not prepared in the engine")
	}

	rec, err := l.store.Get(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	want := sandbox.ComputeChecksum([]byte("wasm-alpha")).String()
	if rec.Checksum != want {
		t.Errorf("Checksum = %s, want %s", rec.Checksum, want)
	}
	if rec.Status != registry.StatusActive {
		t.Errorf("Status = %s, want active", rec.Status)
	}
	if rec.Trust != "user" {
		t.Errorf("Trust = %s, want user", rec.Trust)
	}
	if rec.BinarySize != int64(len("wasm-alpha")) {
		t.Errorf("BinarySize = %d, want %d", rec.BinarySize, len("wasm-alpha"))
	}
}

func TestScanReportsMissingSidecar(t *testing.T) {
	l, _, reg, dir := newTestLoader(t)
	writeModule(t, dir, "alpha", []byte("wasm-alpha"), alphaDecl)
	if err := os.WriteFile(filepath.Join(dir, "orphan.wasm"), []byte("wasm-orphan"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Loaded) != 1 || res.Loaded[0] != "alpha" {
		t.Fatalf("Loaded = %v, want [alpha]", res.Loaded)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("Errors = %v, want one", res.Errors)
	}
	if res.Errors[0].File != "orphan.wasm" {
		t.Errorf("File = %q, want orphan.wasm", res.Errors[0].File)
	}
	if !strings.Contains(res.Errors[0].Message, "no declaration") {
		t.Errorf("Message = %q, want to mention the missing declaration", res.Errors[0].Message)
	}
	if reg.Get("alpha") == nil {
		t.Error("valid module should still load")
	}
}

func TestScanReportsBadDeclaration(t *testing.T) {
	l, _, _, dir := newTestLoader(t)
	writeModule(t, dir, "bad", []byte("wasm-bad"), "name: Not A Valid Name\n")

	res, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Loaded) != 0 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v, want one error and nothing loaded", res)
	}
	if !strings.Contains(res.Errors[0].Message, "must match") {
		t.Errorf("Message = %q, want a name validation error", res.Errors[0].Message)
	}
}

func TestScanDetectsTamperedBinary(t *testing.T) {
	l, _, reg, dir := newTestLoader(t)
	writeModule(t, dir, "alpha", []byte("wasm-alpha"), alphaDecl)
	if _, err := l.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Swap the binary without touching the registry record.
	if err := os.WriteFile(filepath.Join(dir, "alpha.wasm"), []byte("evil-bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Loaded) != 0 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v, want one integrity error", res)
	}
	if !strings.Contains(res.Errors[0].Message, "checksum mismatch") {
		t.Errorf("Message = %q, want a checksum mismatch", res.Errors[0].Message)
	}

	// The previously registered tool and record survive untouched.
	if reg.Get("alpha") == nil {
		t.Error("original tool should remain registered")
	}
	rec, err := l.store.Get(context.Background(), "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if want := sandbox.ComputeChecksum([]byte("wasm-alpha")).String(); rec.Checksum != want {
		t.Errorf("record checksum changed to %s", rec.Checksum)
	}
}

func TestScanTwiceIsIdempotent(t *testing.T) {
	l, _, reg, dir := newTestLoader(t)
	writeModule(t, dir, "alpha", []byte("wasm-alpha"), alphaDecl)

	for i := 0; i < 2; i++ {
		res, err := l.Scan(context.Background())
		if err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
		if len(res.Loaded) != 1 || len(res.Errors) != 0 {
			t.Fatalf("scan %d result = %+v", i, res)
		}
	}
	if reg.Len() != 1 {
		t.Errorf("registry has %d tools, want 1", reg.Len())
	}
	recs, err := l.store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("store has %d records, want 1", len(recs))
	}
}

func TestScanSkipsDisabledModules(t *testing.T) {
	l, _, reg, dir := newTestLoader(t)
	writeModule(t, dir, "alpha", []byte("wasm-alpha"), alphaDecl)
	if _, err := l.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.store.SetStatus(context.Background(), "alpha", registry.StatusDisabled); err != nil {
		t.Fatal(err)
	}

	res, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "alpha" {
		t.Fatalf("Skipped = %v, want [alpha]", res.Skipped)
	}
	if len(res.Loaded) != 0 {
		t.Errorf("Loaded = %v, want none", res.Loaded)
	}
	if reg.Get("alpha") != nil {
		t.Error("disabled module should not expose a tool")
	}
}

func TestScanMissingDirectory(t *testing.T) {
	l, _, _, dir := newTestLoader(t)
	l.dir = filepath.Join(dir, "does-not-exist")

	res, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Loaded) != 0 || len(res.Errors) != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestScanDuplicateModuleName(t *testing.T) {
	l, _, _, dir := newTestLoader(t)
	writeModule(t, dir, "alpha", []byte("wasm-alpha"), alphaDecl)
	writeModule(t, dir, "copycat", []byte("wasm-copycat"), alphaDecl)

	res, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Loaded) != 1 {
		t.Fatalf("Loaded = %v, want one module", res.Loaded)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Message, "already declared") {
		t.Fatalf("Errors = %v, want a duplicate-name error", res.Errors)
	}
}

// --- Install / Remove ---

func TestInstallWritesFilesAndRegisters(t *testing.T) {
	l, _, reg, dir := newTestLoader(t)

	rec, err := l.Install(context.Background(), []byte("wasm-alpha"), []byte(alphaDecl))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != registry.StatusActive {
		t.Errorf("Status = %s, want active", rec.Status)
	}
	if rec.BinaryPath != filepath.Join(dir, "alpha.wasm") {
		t.Errorf("BinaryPath = %s", rec.BinaryPath)
	}
	for _, name := range []string{"alpha.wasm", "alpha.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
	if reg.Get("alpha") == nil {
		t.Error("tool not registered")
	}

	// The installed pair survives a subsequent scan.
	res, err := l.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Loaded) != 1 || len(res.Errors) != 0 {
		t.Errorf("post-install scan = %+v", res)
	}
}

func TestInstallRejectsInvalidDeclaration(t *testing.T) {
	l, _, _, dir := newTestLoader(t)

	if _, err := l.Install(context.Background(), []byte("wasm"), []byte(": not yaml")); err == nil {
		t.Fatal("expected error")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("directory should stay empty, has %d entries", len(entries))
	}
}

func TestInstallRejectsBadBinary(t *testing.T) {
	l, engine, _, dir := newTestLoader(t)
	engine.prepareErr = sandbox.ErrCompilation

	_, err := l.Install(context.Background(), []byte("not wasm"), []byte(alphaDecl))
	if !errors.Is(err, sandbox.ErrCompilation) {
		t.Fatalf("error = %v, want ErrCompilation", err)
	}
	if _, err := l.store.Get(context.Background(), "alpha"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("no record should exist, got %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("no files should be written, found %d", len(entries))
	}
}

func TestRemoveCleansUp(t *testing.T) {
	l, engine, reg, dir := newTestLoader(t)
	if _, err := l.Install(context.Background(), []byte("wasm-alpha"), []byte(alphaDecl)); err != nil {
		t.Fatal(err)
	}

	if err := l.Remove(context.Background(), "alpha"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Get("alpha") != nil {
		t.Error("tool still registered")
	}
	if _, err := l.store.Get(context.Background(), "alpha"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("record still present: %v", err)
	}
	for _, name := range []string{"alpha.wasm", "alpha.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still on disk", name)
		}
	}
	want := sandbox.ComputeChecksum([]byte("wasm-alpha"))
	if len(engine.removed) != 1 || engine.removed[0] != want {
		t.Errorf("engine.removed = %v, want [%s]", engine.removed, want)
	}

	if err := l.Remove(context.Background(), "alpha"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("second remove = %v, want ErrNotFound", err)
	}
}

// --- SetStatus ---

func TestSetStatusDisableEnable(t *testing.T) {
	l, _, reg, _ := newTestLoader(t)
	if _, err := l.Install(context.Background(), []byte("wasm-alpha"), []byte(alphaDecl)); err != nil {
		t.Fatal(err)
	}

	if err := l.SetStatus(context.Background(), "alpha", registry.StatusDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if reg.Get("alpha") != nil {
		t.Error("disabled module should drop its tool")
	}
	rec, err := l.store.Get(context.Background(), "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != registry.StatusDisabled {
		t.Errorf("Status = %s, want disabled", rec.Status)
	}

	if err := l.SetStatus(context.Background(), "alpha", registry.StatusActive); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if reg.Get("alpha") == nil {
		t.Error("enabled module should restore its tool")
	}
}

func TestSetStatusUnknownModule(t *testing.T) {
	l, _, _, _ := newTestLoader(t)
	if err := l.SetStatus(context.Background(), "ghost", registry.StatusDisabled); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// --- New ---

func TestNewValidatesDependencies(t *testing.T) {
	engine := newFakeEngine()
	store := testStore(t)
	reg := tools.NewRegistry()

	if _, err := New(Config{Store: store, Tools: reg}, discardLogger()); err == nil {
		t.Error("expected error for missing engine")
	}
	if _, err := New(Config{Engine: engine, Tools: reg}, discardLogger()); err == nil {
		t.Error("expected error for missing store")
	}
	if _, err := New(Config{Engine: engine, Store: store}, discardLogger()); err == nil {
		t.Error("expected error for missing tool registry")
	}
}
