package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StaticProvider resolves credential references from an in-memory map.
// Reference format: "static://NAME". Intended for development configs and
// tests; production deployments should prefer env or vault backends.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStaticProvider creates a provider backed by the given values.
func NewStaticProvider(values map[string]string) *StaticProvider {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticProvider{values: copied}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Resolve(_ context.Context, credentialRef string) (*Secret, error) {
	const prefix = "static://"
	if !strings.HasPrefix(credentialRef, prefix) {
		return nil, fmt.Errorf("%w: static provider only handles static:// references, got %q",
			ErrSecretNotFound, credentialRef)
	}
	name := strings.TrimPrefix(credentialRef, prefix)
	if name == "" {
		return nil, fmt.Errorf("%w: empty static secret name", ErrSecretNotFound)
	}

	p.mu.RLock()
	value, ok := p.values[name]
	p.mu.RUnlock()
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: static secret %q is not configured", ErrSecretNotFound, name)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "static", "name": name},
	}, nil
}

// Set adds or replaces a value. Useful in tests.
func (p *StaticProvider) Set(name, value string) {
	p.mu.Lock()
	p.values[name] = value
	p.mu.Unlock()
}
