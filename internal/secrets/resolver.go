package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Resolver maps the symbolic secret names that appear in capability grants
// onto provider references, then resolves them through the provider chain.
// Modules and declarations use bare names ("github_token"); where the value
// actually lives is deployment configuration.
type Resolver struct {
	provider Provider
	refs     map[string]string // symbolic name → provider reference
}

// envRefPrefix is the env-var namespace used when a name has no configured
// reference: "github_token" falls back to env://IRONCLAW_SECRET_GITHUB_TOKEN.
const envRefPrefix = "env://IRONCLAW_SECRET_"

// NewResolver creates a Resolver over the given provider chain. refs may be
// nil; unmapped names fall back to the IRONCLAW_SECRET_* env namespace.
func NewResolver(provider Provider, refs map[string]string) *Resolver {
	copied := make(map[string]string, len(refs))
	for k, v := range refs {
		copied[k] = v
	}
	return &Resolver{provider: provider, refs: copied}
}

// Lookup resolves a symbolic secret name to its raw value.
func (r *Resolver) Lookup(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty secret name", ErrSecretNotFound)
	}
	ref, ok := r.refs[name]
	if !ok {
		ref = envRefPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	}
	secret, err := r.provider.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving secret %q: %w", name, err)
	}
	return secret.Value, nil
}
