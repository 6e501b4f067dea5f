// Package credential attaches secrets to outbound requests on behalf of
// sandboxed modules. Modules only ever hold symbolic handles; the resolved
// value is injected just before the request leaves the host process and is
// registered with the leak scanner so it can never travel back through a
// response.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/capability"
	"github.com/danielsimonjr/ironclaw/internal/secrets"
)

// Sentinel errors. ErrInjectionFailed is per-call and non-fatal to the
// sandbox; ErrHandleNotGranted is a capability denial.
var (
	ErrInjectionFailed  = errors.New("credential injection failed")
	ErrHandleNotGranted = errors.New("secret handle not granted")
)

// Location says where in the request a credential is placed.
type Location string

const (
	LocationBearer Location = "bearer" // Authorization: Bearer <value>
	LocationHeader Location = "header" // <Name>: <value>
	LocationQuery  Location = "query"  // ?<Name>=<value>
)

// Mapping binds one host to one secret.
type Mapping struct {
	Host      string   // Exact host the mapping applies to.
	Location  Location // Where the credential is attached.
	Name      string   // Header or query parameter name (unused for bearer).
	SecretRef string   // Symbolic name resolved through the provider chain.
}

// handleRe matches the opaque handles handed to modules by secret_ref.
var handleRe = regexp.MustCompile(`secret://([A-Za-z0-9_.-]+)`)

// Handle returns the opaque form of a secret name given to module code.
func Handle(name string) string {
	return "secret://" + name
}

// Injector resolves host-to-secret mappings at request time.
type Injector struct {
	resolver *secrets.Resolver
	mappings map[string]Mapping // lowercase host → mapping
}

// NewInjector creates an Injector over the given mappings. Later mappings
// for the same host replace earlier ones.
func NewInjector(resolver *secrets.Resolver, mappings []Mapping) *Injector {
	byHost := make(map[string]Mapping, len(mappings))
	for _, m := range mappings {
		byHost[strings.ToLower(m.Host)] = m
	}
	return &Injector{resolver: resolver, mappings: byHost}
}

// Inject attaches the configured credential for the request's host, if any,
// and returns the resolved values so the caller can register them for leak
// scanning. A host without a mapping is not an error. Resolution failure is
// ErrInjectionFailed: the call fails, the sandbox does not.
func (inj *Injector) Inject(ctx context.Context, req *http.Request) ([]string, error) {
	host := strings.ToLower(req.URL.Hostname())
	m, ok := inj.mappings[host]
	if !ok {
		return nil, nil
	}
	value, err := inj.resolver.Lookup(ctx, m.SecretRef)
	if err != nil {
		return nil, fmt.Errorf("%w: secret %q for host %s: %v", ErrInjectionFailed, m.SecretRef, host, err)
	}
	switch m.Location {
	case LocationBearer:
		req.Header.Set("Authorization", "Bearer "+value)
	case LocationHeader:
		req.Header.Set(m.Name, value)
	case LocationQuery:
		q := req.URL.Query()
		q.Set(m.Name, value)
		req.URL.RawQuery = q.Encode()
	default:
		return nil, fmt.Errorf("%w: unknown location %q for host %s", ErrInjectionFailed, m.Location, host)
	}
	return []string{value}, nil
}

// ResolveHandles substitutes secret:// handles appearing in a module-supplied
// value. Every referenced name must be covered by the grant; ungranted names
// fail with ErrHandleNotGranted before any resolution happens. Returns the
// substituted value plus the raw secret values for leak-scanner registration.
func (inj *Injector) ResolveHandles(ctx context.Context, grant capability.SecretsCapability, value string) (string, []string, error) {
	matches := handleRe.FindAllStringSubmatch(value, -1)
	if len(matches) == 0 {
		return value, nil, nil
	}
	// Authorization first: no resolution for a value containing any
	// ungranted handle.
	for _, m := range matches {
		if !grant.Granted(m[1]) {
			return "", nil, fmt.Errorf("%w: %q", ErrHandleNotGranted, m[1])
		}
	}
	resolved := value
	var values []string
	for _, m := range matches {
		secretValue, err := inj.resolver.Lookup(ctx, m[1])
		if err != nil {
			return "", nil, fmt.Errorf("%w: handle %q: %v", ErrInjectionFailed, m[1], err)
		}
		resolved = strings.ReplaceAll(resolved, m[0], secretValue)
		values = append(values, secretValue)
	}
	return resolved, values, nil
}
