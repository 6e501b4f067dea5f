// Package workspace provides sandbox-rooted file access for module reads.
// Modules never see absolute paths: they request relative paths that have
// already passed allowlist normalization, and all IO happens under a single
// root. Symlinks that resolve outside the root are refused here because only
// the filesystem layer can see them.
//
// Default workspace: ~/.ironclaw/workspace (configurable via config or
// IRONCLAW_WORKSPACE env var).
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/allowlist"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".ironclaw/workspace"

// ErrFileTooLarge is returned when a file exceeds the read size cap.
var ErrFileTooLarge = errors.New("file exceeds read limit")

// Workspace is the directory sandboxed modules may read from.
type Workspace struct {
	Root string
}

// New creates a Workspace rooted at the given path. It resolves ~ to the
// user's home directory, creates the root if needed, and resolves symlinks
// in the root itself so later escape checks compare like with like.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}
	if err := os.MkdirAll(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root symlinks: %w", err)
	}
	return &Workspace{Root: real}, nil
}

// Default creates a Workspace at ~/.ironclaw/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// Read reads a normalized relative path under the root with a size cap.
// The relative path must already have passed allowlist validation; Read
// still refuses symlinks that resolve outside the root, directories, and
// files larger than maxBytes.
func (w *Workspace) Read(relPath string, maxBytes int64) ([]byte, error) {
	abs := filepath.Join(w.Root, filepath.FromSlash(relPath))

	// Resolve symlinks to the real filesystem path. A symlink inside the
	// workspace pointing outside must not widen the sandbox.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", relPath, err)
	}
	if resolved != w.Root && !strings.HasPrefix(resolved, w.Root+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s resolves outside the workspace root", allowlist.ErrWorkspaceEscape, relPath)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", relPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("reading %s: is a directory", relPath)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, relPath, info.Size(), maxBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", relPath, err)
	}
	return data, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
