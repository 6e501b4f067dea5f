// Package capability models the declarative, all-opt-in permission set
// attached to one module invocation. A Capabilities value is resolved once
// per call and is immutable for the call's duration; module code can never
// escalate its own grants. Default-deny: a freshly constructed value grants
// nothing.
package capability

// TrustLevel classifies where a module came from. Trust informs default
// grants (nested-call depth, response ceilings), never bypasses checks.
type TrustLevel int

const (
	TrustUser     TrustLevel = iota // Unvetted third-party code.
	TrustVerified                   // Reviewed and signed off.
	TrustSystem                     // Shipped with the host.
)

func (t TrustLevel) String() string {
	switch t {
	case TrustUser:
		return "user"
	case TrustVerified:
		return "verified"
	case TrustSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseTrustLevel converts a string to a TrustLevel.
// Unrecognized values default to TrustUser (default-deny principle).
func ParseTrustLevel(s string) TrustLevel {
	switch s {
	case "system":
		return TrustSystem
	case "verified":
		return TrustVerified
	case "user":
		return TrustUser
	default:
		return TrustUser
	}
}

// EndpointPattern authorizes HTTP access to one host. Host matching is
// exact, never suffix or wildcard, so "api.example.com.evil.com" can never
// satisfy a grant for "api.example.com". An empty PathPrefix allows any path
// on the host.
type EndpointPattern struct {
	Host       string
	PathPrefix string
}

// HTTPCapability grants outbound HTTP to an explicit endpoint allowlist.
type HTTPCapability struct {
	Endpoints []EndpointPattern
}

// WorkspaceCapability grants read access under the sandbox workspace root.
// PathPrefixes are relative prefixes within the root; empty means the whole
// root is readable (traversal rules still apply).
type WorkspaceCapability struct {
	PathPrefixes []string
}

// SecretsCapability grants symbolic references to named secrets. Modules
// receive opaque handles, never resolved values.
type SecretsCapability struct {
	Names []string
}

// Granted reports whether the named secret is covered by the grant.
func (s SecretsCapability) Granted(name string) bool {
	return contains(s.Names, name)
}

// ToolInvokeCapability grants nested invocation of other registered tools.
type ToolInvokeCapability struct {
	Tools    []string
	MaxDepth int
}

// Allowed reports whether the named tool is covered by the grant.
func (t ToolInvokeCapability) Allowed(name string) bool {
	return contains(t.Tools, name)
}

// Capabilities is the resolved permission set for one invocation. The zero
// value (and None) grants nothing; each With* builder returns a copy with
// one category enabled. Absence of a category means every host call in that
// category is rejected outright.
type Capabilities struct {
	http       *HTTPCapability
	workspace  *WorkspaceCapability
	secrets    *SecretsCapability
	toolInvoke *ToolInvokeCapability
}

// None returns a Capabilities value granting nothing.
func None() Capabilities {
	return Capabilities{}
}

// WithHTTP returns a copy granting outbound HTTP to the given endpoints.
func (c Capabilities) WithHTTP(endpoints ...EndpointPattern) Capabilities {
	c.http = &HTTPCapability{Endpoints: cloneEndpoints(endpoints)}
	return c
}

// WithWorkspaceRead returns a copy granting reads under the workspace root,
// optionally narrowed to the given relative path prefixes.
func (c Capabilities) WithWorkspaceRead(pathPrefixes ...string) Capabilities {
	c.workspace = &WorkspaceCapability{PathPrefixes: cloneStrings(pathPrefixes)}
	return c
}

// WithSecrets returns a copy granting symbolic references to the named secrets.
func (c Capabilities) WithSecrets(names ...string) Capabilities {
	c.secrets = &SecretsCapability{Names: cloneStrings(names)}
	return c
}

// WithToolInvoke returns a copy granting nested invocation of the named
// tools up to maxDepth levels.
func (c Capabilities) WithToolInvoke(maxDepth int, tools ...string) Capabilities {
	c.toolInvoke = &ToolInvokeCapability{Tools: cloneStrings(tools), MaxDepth: maxDepth}
	return c
}

// HTTP returns the HTTP grant, if any.
func (c Capabilities) HTTP() (HTTPCapability, bool) {
	if c.http == nil {
		return HTTPCapability{}, false
	}
	return *c.http, true
}

// WorkspaceRead returns the workspace read grant, if any.
func (c Capabilities) WorkspaceRead() (WorkspaceCapability, bool) {
	if c.workspace == nil {
		return WorkspaceCapability{}, false
	}
	return *c.workspace, true
}

// Secrets returns the secrets grant, if any.
func (c Capabilities) Secrets() (SecretsCapability, bool) {
	if c.secrets == nil {
		return SecretsCapability{}, false
	}
	return *c.secrets, true
}

// ToolInvoke returns the nested-invocation grant, if any.
func (c Capabilities) ToolInvoke() (ToolInvokeCapability, bool) {
	if c.toolInvoke == nil {
		return ToolInvokeCapability{}, false
	}
	return *c.toolInvoke, true
}

// Summary returns the granted category names, for audit entries and logs.
func (c Capabilities) Summary() []string {
	var out []string
	if c.http != nil {
		out = append(out, "http")
	}
	if c.workspace != nil {
		out = append(out, "workspace_read")
	}
	if c.secrets != nil {
		out = append(out, "secrets")
	}
	if c.toolInvoke != nil {
		out = append(out, "tool_invoke")
	}
	return out
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func cloneStrings(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	out := make([]string, len(ss))
	copy(out, ss)
	return out
}

func cloneEndpoints(eps []EndpointPattern) []EndpointPattern {
	if len(eps) == 0 {
		return nil
	}
	out := make([]EndpointPattern, len(eps))
	copy(out, eps)
	return out
}
