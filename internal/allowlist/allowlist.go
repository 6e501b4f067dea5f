// Package allowlist validates host-call targets against a module's resolved
// grants. HTTP endpoints match on exact host plus optional path prefix;
// workspace paths are normalized and confined to the sandbox root. Denials
// carry structured reasons, never silent drops.
package allowlist

import (
	"errors"
	"fmt"
	"net"
	"path"
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/capability"
)

// Sentinel errors for allowlist denials.
var (
	ErrHostNotAllowed  = errors.New("host not allowed")
	ErrPathNotAllowed  = errors.New("path not allowed")
	ErrWorkspaceEscape = errors.New("workspace escape")
	ErrPrivateHost     = errors.New("private host blocked")
)

// Validator screens network endpoints for sandboxed modules.
type Validator struct {
	allowPrivateHosts bool
	lookupHost        func(host string) ([]string, error)
}

// New creates a Validator. allowPrivateHosts disables the SSRF screen and
// should only be set in development.
func New(allowPrivateHosts bool) *Validator {
	return &Validator{
		allowPrivateHosts: allowPrivateHosts,
		lookupHost:        net.LookupHost,
	}
}

// CheckEndpoint validates a (host, path) pair against the grant's endpoint
// patterns. Host comparison is exact and case-insensitive, never suffix or
// wildcard matching, so "api.example.com.evil.com" cannot satisfy a grant
// for "api.example.com". The host must be bare (no port, no scheme).
func (v *Validator) CheckEndpoint(grant capability.HTTPCapability, host, urlPath string) error {
	host = strings.ToLower(host)
	if urlPath == "" {
		urlPath = "/"
	}
	hostMatched := false
	for _, ep := range grant.Endpoints {
		if strings.ToLower(ep.Host) != host {
			continue
		}
		hostMatched = true
		if ep.PathPrefix == "" || strings.HasPrefix(urlPath, ep.PathPrefix) {
			return nil
		}
	}
	if hostMatched {
		return fmt.Errorf("%w: path %q does not match any allowed prefix for host %q", ErrPathNotAllowed, urlPath, host)
	}
	return fmt.Errorf("%w: host %q is not in the endpoint allowlist", ErrHostNotAllowed, host)
}

// ScreenHost resolves the host and rejects private, loopback, link-local,
// and unspecified addresses. This runs after the endpoint check so an
// allowlisted name that resolves to an internal address is still refused.
func (v *Validator) ScreenHost(host string) error {
	if v.allowPrivateHosts {
		return nil
	}
	// Literal IPs skip DNS.
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: %s is a private address", ErrPrivateHost, host)
		}
		return nil
	}
	ips, err := v.lookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP %q for host %q", ipStr, host)
		}
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: host %q resolves to private IP %s", ErrPrivateHost, host, ipStr)
		}
	}
	return nil
}

// isPrivateIP checks if an IP is in a private, loopback, or link-local range.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsUnspecified() {
		return true
	}

	privateRanges := []struct {
		network string
	}{
		{"10.0.0.0/8"},
		{"172.16.0.0/12"},
		{"192.168.0.0/16"},
		{"169.254.0.0/16"},
	}
	for _, r := range privateRanges {
		_, cidr, _ := net.ParseCIDR(r.network)
		if cidr != nil && cidr.Contains(ip) {
			return true
		}
	}

	// Private IPv6 (fc00::/7).
	if len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
		return true
	}

	return false
}

// NormalizeWorkspacePath validates a module-supplied path against workspace
// traversal rules and the grant's path prefixes, returning the cleaned
// relative path. Absolute paths, parent-directory segments, and anything
// that escapes the root after normalization are refused.
func NormalizeWorkspacePath(grant capability.WorkspaceCapability, raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathNotAllowed)
	}
	// Module paths use forward slashes; backslashes are refused outright
	// rather than interpreted.
	if strings.ContainsRune(raw, '\\') {
		return "", fmt.Errorf("%w: path %q contains a backslash", ErrPathNotAllowed, raw)
	}
	if path.IsAbs(raw) {
		return "", fmt.Errorf("%w: absolute path %q", ErrWorkspaceEscape, raw)
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: path %q contains a parent-directory segment", ErrWorkspaceEscape, raw)
		}
	}
	cleaned := path.Clean(raw)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: path %q escapes the workspace root", ErrWorkspaceEscape, raw)
	}
	if len(grant.PathPrefixes) > 0 {
		matched := false
		for _, prefix := range grant.PathPrefixes {
			p := strings.TrimSuffix(prefix, "/")
			if cleaned == p || strings.HasPrefix(cleaned, p+"/") {
				matched = true
				break
			}
		}
		if !matched {
			return "", fmt.Errorf("%w: path %q is outside the granted prefixes", ErrPathNotAllowed, cleaned)
		}
	}
	return cleaned, nil
}
