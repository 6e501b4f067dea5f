// Package modloader keeps the tool registry in sync with the modules
// directory: wasm binaries paired with sidecar capability declarations.
//
// A scan walks the directory, parses each declaration, verifies the
// binary against any existing registry record, prepares the module in
// the sandbox engine, and registers the resulting tool. Files that fail
// are reported and skipped; one broken module never blocks the rest.
package modloader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/capability"
	"github.com/danielsimonjr/ironclaw/internal/registry"
	"github.com/danielsimonjr/ironclaw/internal/sandbox"
	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// Engine is the slice of the sandbox engine the loader uses. Satisfied
// by *sandbox.Engine.
type Engine interface {
	Prepare(ctx context.Context, name string, wasm []byte, expected sandbox.Checksum) (*sandbox.Module, error)
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error)
	Remove(sum sandbox.Checksum) bool
}

// Config wires a Loader.
type Config struct {
	// Dir is the modules directory. It may not exist yet; Scan treats a
	// missing directory as empty and Install creates it.
	Dir string

	Engine Engine
	Store  *registry.Store
	Tools  *tools.Registry

	// Defaults are the engine-level execution limits handed to every
	// tool; Ceilings are the per-minute rate ceilings declarations may
	// lower but never raise.
	Defaults sandbox.Limits
	Ceilings sandbox.Rates
}

// LoadError records one module file that failed to load.
type LoadError struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// Result summarizes one scan pass.
type Result struct {
	Loaded  []string    `json:"loaded"`
	Skipped []string    `json:"skipped,omitempty"`
	Errors  []LoadError `json:"errors,omitempty"`
}

// Loader discovers, verifies, and registers wasm tool modules.
type Loader struct {
	dir      string
	engine   Engine
	store    *registry.Store
	tools    *tools.Registry
	defaults sandbox.Limits
	ceilings sandbox.Rates
	logger   *slog.Logger
}

// New builds a Loader. Engine, Store, and Tools are required.
func New(cfg Config, logger *slog.Logger) (*Loader, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("modloader: engine is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("modloader: registry store is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("modloader: tool registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:      cfg.Dir,
		engine:   cfg.Engine,
		store:    cfg.Store,
		tools:    cfg.Tools,
		defaults: cfg.Defaults,
		ceilings: cfg.Ceilings,
		logger:   logger,
	}, nil
}

// Scan walks the modules directory and registers every valid module.
// It is safe to run repeatedly; a module already registered is replaced
// in place. Scan returns an error only when the directory exists but
// cannot be read; per-module failures are collected in the Result.
func (l *Loader) Scan(ctx context.Context) (*Result, error) {
	correlationID := newCorrelationID()
	res := &Result{}

	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Info("modules directory does not exist, nothing to load",
			"dir", l.dir,
			"correlation_id", correlationID)
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading modules directory %s: %w", l.dir, err)
	}

	l.logger.Info("scanning modules directory", "dir", l.dir, "correlation_id", correlationID)

	seen := make(map[string]string) // module name -> file that claimed it
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wasm") {
			continue
		}
		name, disabled, err := l.loadOne(ctx, filepath.Join(l.dir, entry.Name()), seen)
		if err != nil {
			l.logger.Warn("skipping module",
				"file", entry.Name(),
				"error", err,
				"correlation_id", correlationID)
			res.Errors = append(res.Errors, LoadError{File: entry.Name(), Message: err.Error()})
			continue
		}
		if disabled {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		res.Loaded = append(res.Loaded, name)
	}

	l.logger.Info("module scan complete",
		"loaded", len(res.Loaded),
		"skipped", len(res.Skipped),
		"errors", len(res.Errors),
		"correlation_id", correlationID)
	return res, nil
}

// loadOne loads a single binary plus sidecar pair. It reports whether
// the module's record is disabled, in which case no tool is registered.
func (l *Loader) loadOne(ctx context.Context, wasmPath string, seen map[string]string) (string, bool, error) {
	declPath, err := sidecarFor(wasmPath)
	if err != nil {
		return "", false, err
	}
	declBytes, err := os.ReadFile(declPath)
	if err != nil {
		return "", false, fmt.Errorf("reading declaration: %w", err)
	}
	decl, err := capability.ParseDeclaration(declBytes)
	if err != nil {
		return "", false, err
	}
	if prev, dup := seen[decl.Name]; dup {
		return decl.Name, false, fmt.Errorf("module %q already declared by %s", decl.Name, prev)
	}
	seen[decl.Name] = filepath.Base(wasmPath)

	wasm, err := os.ReadFile(wasmPath)
	if err != nil {
		return decl.Name, false, fmt.Errorf("reading binary: %w", err)
	}
	sum := sandbox.ComputeChecksum(wasm)

	// A module the registry already knows must match its recorded
	// checksum. Legitimate updates go through Install, which rewrites
	// the record first; an unexplained change on disk is refused.
	existing, err := l.store.Get(ctx, decl.Name)
	switch {
	case err == nil:
		if existing.Checksum != sum.String() {
			return decl.Name, false, fmt.Errorf("%w: %s on disk is %s, registry has %s",
				sandbox.ErrIntegrityMismatch, decl.Name, sum, existing.Checksum)
		}
	case errors.Is(err, registry.ErrNotFound):
		// First sighting; the record is created below.
	default:
		return decl.Name, false, err
	}

	module, err := l.engine.Prepare(ctx, decl.Name, wasm, sum)
	if err != nil {
		return decl.Name, false, err
	}
	module.Trust = decl.TrustLevel()

	rec := &registry.Record{
		Name:        decl.Name,
		Checksum:    sum.String(),
		Trust:       decl.TrustLevel().String(),
		Declaration: string(declBytes),
		BinaryPath:  wasmPath,
		BinarySize:  int64(len(wasm)),
	}
	if err := l.store.Upsert(ctx, rec); err != nil {
		return decl.Name, false, err
	}
	l.swapTool(module, decl, rec)
	return decl.Name, rec.Status == registry.StatusDisabled, nil
}

// Install writes a module and its declaration into the modules
// directory, registers it, and returns the stored record. An existing
// module with the same name is replaced; a disabled record keeps its
// status and the tool stays unregistered.
func (l *Loader) Install(ctx context.Context, wasm, declBytes []byte) (*registry.Record, error) {
	decl, err := capability.ParseDeclaration(declBytes)
	if err != nil {
		return nil, err
	}
	sum := sandbox.ComputeChecksum(wasm)

	// Validate the binary before touching disk or the registry.
	module, err := l.engine.Prepare(ctx, decl.Name, wasm, sum)
	if err != nil {
		return nil, err
	}
	module.Trust = decl.TrustLevel()

	if err := os.MkdirAll(l.dir, 0750); err != nil {
		return nil, fmt.Errorf("creating modules directory: %w", err)
	}
	binaryPath := filepath.Join(l.dir, decl.Name+".wasm")
	if err := os.WriteFile(binaryPath, wasm, 0644); err != nil {
		return nil, fmt.Errorf("writing module binary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, decl.Name+".yaml"), declBytes, 0644); err != nil {
		return nil, fmt.Errorf("writing declaration: %w", err)
	}

	rec := &registry.Record{
		Name:        decl.Name,
		Checksum:    sum.String(),
		Trust:       decl.TrustLevel().String(),
		Declaration: string(declBytes),
		BinaryPath:  binaryPath,
		BinarySize:  int64(len(wasm)),
	}
	if err := l.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	l.swapTool(module, decl, rec)

	l.logger.Info("module installed",
		"module", decl.Name,
		"checksum", sum,
		"trust", rec.Trust,
		"size", len(wasm))
	return rec, nil
}

// Remove unregisters a module's tool, drops its compiled code from the
// engine cache, deletes the registry record, and removes its files.
// Returns registry.ErrNotFound when no record exists.
func (l *Loader) Remove(ctx context.Context, name string) error {
	rec, err := l.store.Get(ctx, name)
	if err != nil {
		return err
	}
	l.tools.Remove(name)
	if sum, err := sandbox.ParseChecksum(rec.Checksum); err == nil {
		l.engine.Remove(sum)
	}
	if err := l.store.Delete(ctx, name); err != nil {
		return err
	}
	if rec.BinaryPath != "" {
		stem := strings.TrimSuffix(rec.BinaryPath, ".wasm")
		for _, path := range []string{rec.BinaryPath, stem + ".yaml", stem + ".yml"} {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				l.logger.Warn("removing module file", "path", path, "error", err)
			}
		}
	}
	l.logger.Info("module removed", "module", name)
	return nil
}

// SetStatus enables or disables a module. Disabling drops the tool
// immediately; enabling reloads it from disk.
func (l *Loader) SetStatus(ctx context.Context, name string, status registry.Status) error {
	rec, err := l.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := l.store.SetStatus(ctx, name, status); err != nil {
		return err
	}
	if status == registry.StatusDisabled {
		l.tools.Remove(name)
		l.logger.Info("module disabled", "module", name)
		return nil
	}
	if _, _, err := l.loadOne(ctx, rec.BinaryPath, map[string]string{}); err != nil {
		return fmt.Errorf("re-enabling %s: %w", name, err)
	}
	l.logger.Info("module enabled", "module", name)
	return nil
}

// swapTool registers or clears the tool to match the record status.
func (l *Loader) swapTool(module *sandbox.Module, decl *capability.Declaration, rec *registry.Record) {
	if rec.Status == registry.StatusDisabled {
		l.tools.Remove(decl.Name)
		l.logger.Debug("module disabled, tool not registered", "module", decl.Name)
		return
	}
	l.tools.Replace(tools.NewWASMTool(l.engine, module, decl, l.defaults, l.ceilings))
}

// sidecarFor locates the declaration next to a wasm binary.
func sidecarFor(wasmPath string) (string, error) {
	stem := strings.TrimSuffix(wasmPath, ".wasm")
	for _, ext := range []string{".yaml", ".yml"} {
		if _, err := os.Stat(stem + ext); err == nil {
			return stem + ext, nil
		}
	}
	return "", fmt.Errorf("no declaration found for %s", filepath.Base(wasmPath))
}

func newCorrelationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}
