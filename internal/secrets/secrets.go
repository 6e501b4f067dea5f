// Package secrets defines the Provider interface for credential resolution.
// Implementations are backend-specific (env vars, HashiCorp Vault, static
// config). Sandboxed module code NEVER receives raw secret material —
// modules hold symbolic names, and values are resolved host-side at
// injection time without crossing the module boundary.
package secrets

import (
	"context"
	"fmt"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized to JSON or returned through a host call.
type Secret struct {
	Value    string            // The raw secret value (token, password, key).
	Metadata map[string]string // Backend-specific metadata (e.g., source, version).
}

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a credential reference (e.g., "env://MY_KEY" or "vault://ssh/prod")
	// and returns the raw secret. Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, credentialRef string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")
