package capability

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Declaration is the sidecar schema a module ships alongside its binary.
// It names the module, states its trust level, and requests capabilities.
// Requests are declarative: nothing here grants anything until Resolve
// intersects them with host policy.
type Declaration struct {
	Name         string               `json:"name" yaml:"name"`
	Version      string               `json:"version,omitempty" yaml:"version,omitempty"`
	Description  string               `json:"description,omitempty" yaml:"description,omitempty"`
	Trust        string               `json:"trust,omitempty" yaml:"trust,omitempty"` // "system", "verified", or "user" (default).
	Capabilities DeclaredCapabilities `json:"capabilities" yaml:"capabilities"`
	RateLimits   map[string]int       `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"`   // Per-category per-minute overrides. May lower ceilings, never raise them.
	InputSchema  map[string]any       `json:"input_schema,omitempty" yaml:"input_schema,omitempty"` // JSON Schema for the module's input, surfaced on the Tool.
}

// DeclaredCapabilities mirrors the Capabilities categories in declaration
// form. nil = not requested.
type DeclaredCapabilities struct {
	HTTP          *DeclaredHTTP          `json:"http,omitempty" yaml:"http,omitempty"`
	WorkspaceRead *DeclaredWorkspaceRead `json:"workspace_read,omitempty" yaml:"workspace_read,omitempty"`
	Secrets       *DeclaredSecrets       `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	ToolInvoke    *DeclaredToolInvoke    `json:"tool_invoke,omitempty" yaml:"tool_invoke,omitempty"`
}

// DeclaredHTTP requests outbound HTTP to an explicit endpoint list.
type DeclaredHTTP struct {
	Endpoints []DeclaredEndpoint `json:"endpoints" yaml:"endpoints"`
}

// DeclaredEndpoint is one exact-host allowlist entry.
type DeclaredEndpoint struct {
	Host       string `json:"host" yaml:"host"`
	PathPrefix string `json:"path_prefix,omitempty" yaml:"path_prefix,omitempty"`
}

// DeclaredWorkspaceRead requests reads under the workspace root.
type DeclaredWorkspaceRead struct {
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"` // Relative prefixes. Empty = whole root.
}

// DeclaredSecrets requests symbolic references to named secrets.
type DeclaredSecrets struct {
	Names []string `json:"names" yaml:"names"`
}

// DeclaredToolInvoke requests nested invocation of other registered tools.
type DeclaredToolInvoke struct {
	Tools    []string `json:"tools" yaml:"tools"`
	MaxDepth int      `json:"max_depth,omitempty" yaml:"max_depth,omitempty"` // 0 = trust-level default.
}

// moduleNameRe constrains module names to registry- and URL-safe identifiers.
var moduleNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// rateCategories are the categories a declaration may override.
var rateCategories = map[string]bool{
	"log":         true,
	"http":        true,
	"tool_invoke": true,
	"general":     true,
}

// ParseDeclaration parses and validates a YAML declaration.
func ParseDeclaration(data []byte) (*Declaration, error) {
	var d Declaration
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing declaration: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks structural requirements on the declaration.
func (d *Declaration) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("declaration: name is required")
	}
	if !moduleNameRe.MatchString(d.Name) {
		return fmt.Errorf("declaration: name %q must match %s", d.Name, moduleNameRe.String())
	}
	switch d.Trust {
	case "", "system", "verified", "user":
		// valid
	default:
		return fmt.Errorf("declaration %s: trust %q is not recognized (use system, verified, or user)", d.Name, d.Trust)
	}
	if h := d.Capabilities.HTTP; h != nil {
		if len(h.Endpoints) == 0 {
			return fmt.Errorf("declaration %s: http capability requires at least one endpoint", d.Name)
		}
		for i, ep := range h.Endpoints {
			if ep.Host == "" {
				return fmt.Errorf("declaration %s: http.endpoints[%d].host is required", d.Name, i)
			}
			if strings.ContainsAny(ep.Host, "*/ ") {
				return fmt.Errorf("declaration %s: http.endpoints[%d].host %q must be a bare host, no wildcards or paths", d.Name, i, ep.Host)
			}
		}
	}
	if s := d.Capabilities.Secrets; s != nil && len(s.Names) == 0 {
		return fmt.Errorf("declaration %s: secrets capability requires at least one name", d.Name)
	}
	if t := d.Capabilities.ToolInvoke; t != nil {
		if len(t.Tools) == 0 {
			return fmt.Errorf("declaration %s: tool_invoke capability requires at least one tool", d.Name)
		}
		if t.MaxDepth < 0 {
			return fmt.Errorf("declaration %s: tool_invoke.max_depth must not be negative", d.Name)
		}
	}
	for category, rate := range d.RateLimits {
		if !rateCategories[category] {
			return fmt.Errorf("declaration %s: rate_limits category %q is not recognized", d.Name, category)
		}
		if rate <= 0 {
			return fmt.Errorf("declaration %s: rate_limits.%s must be > 0", d.Name, category)
		}
	}
	return nil
}

// TrustLevel returns the declared trust level, defaulting to TrustUser.
func (d *Declaration) TrustLevel() TrustLevel {
	return ParseTrustLevel(d.Trust)
}

// maxDepthFor caps nested-invocation depth by trust level. A declaration may
// request less, never more.
func maxDepthFor(t TrustLevel) int {
	switch t {
	case TrustSystem:
		return 3
	case TrustVerified:
		return 2
	default:
		return 1
	}
}

// Resolve converts the declaration into an immutable Capabilities value.
// Trust informs defaults (nested-call depth cap) but grants nothing the
// declaration did not request.
func (d *Declaration) Resolve() Capabilities {
	caps := None()
	if h := d.Capabilities.HTTP; h != nil {
		endpoints := make([]EndpointPattern, len(h.Endpoints))
		for i, ep := range h.Endpoints {
			endpoints[i] = EndpointPattern{Host: ep.Host, PathPrefix: ep.PathPrefix}
		}
		caps = caps.WithHTTP(endpoints...)
	}
	if w := d.Capabilities.WorkspaceRead; w != nil {
		caps = caps.WithWorkspaceRead(w.Paths...)
	}
	if s := d.Capabilities.Secrets; s != nil {
		caps = caps.WithSecrets(s.Names...)
	}
	if t := d.Capabilities.ToolInvoke; t != nil {
		depth := t.MaxDepth
		if limit := maxDepthFor(d.TrustLevel()); depth == 0 || depth > limit {
			depth = limit
		}
		caps = caps.WithToolInvoke(depth, t.Tools...)
	}
	return caps
}

// EffectiveRate returns the per-minute rate for a category, honoring a
// declared override only when it lowers the host ceiling.
func (d *Declaration) EffectiveRate(category string, ceiling int) int {
	if override, ok := d.RateLimits[category]; ok && override > 0 && override < ceiling {
		return override
	}
	return ceiling
}
