// Package leakscan scans data crossing the host/module boundary for secret
// material. It is applied to every host-call response before it reaches
// module code, and to the module's final output before it reaches the
// caller — the last line of defense against an injected credential leaking
// back through a response body.
package leakscan

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// ErrLeakBlocked is returned by CleanOrBlock in block mode when a finding
// is detected.
var ErrLeakBlocked = errors.New("leak blocked")

const placeholder = "[REDACTED]"

// Mode selects what happens when secret-shaped data is found.
type Mode string

const (
	ModeRedact Mode = "redact" // Replace the match, release the rest.
	ModeBlock  Mode = "block"  // Refuse the whole payload.
)

// ParseMode converts a string to a Mode, defaulting to redact.
func ParseMode(s string) Mode {
	if s == string(ModeBlock) {
		return ModeBlock
	}
	return ModeRedact
}

// Finding records one matched secret shape.
type Finding struct {
	Rule string // Pattern name, e.g. "aws_access_key". Never the matched text.
}

// patterns are the known secret shapes, compiled once. The full private-key
// block rule precedes the bare header rule so a complete key is consumed in
// one match.
var patterns = []struct {
	rule string
	re   *regexp.Regexp
}{
	{"private_key_block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{"private_key_header", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"openai_api_key", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`)},
	{"github_pat", regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`)},
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"slack_token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"google_api_key", regexp.MustCompile(`\bAIza[A-Za-z0-9_-]{35}\b`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{5,}`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{16,}`)},
}

// minRegisteredLen guards against registering a value so short that
// redaction would shred unrelated text.
const minRegisteredLen = 6

// Scanner matches known secret shapes plus the exact values injected during
// one call. Pattern matching is shared; the value registry belongs to the
// call. Safe for concurrent use.
type Scanner struct {
	mu     sync.RWMutex
	values []string
}

// New creates a Scanner with an empty value registry.
func New() *Scanner {
	return &Scanner{}
}

// RegisterSecret records an exact value resolved during this call so it is
// redacted wherever it appears, independent of shape. Values shorter than
// six bytes are ignored.
func (s *Scanner) RegisterSecret(value string) {
	if len(value) < minRegisteredLen {
		return
	}
	s.mu.Lock()
	s.values = append(s.values, value)
	s.mu.Unlock()
}

// Scan returns the text with all findings redacted, plus the findings.
// Registered exact values are replaced first, then shape patterns.
func (s *Scanner) Scan(text string) (string, []Finding) {
	var findings []Finding

	s.mu.RLock()
	values := s.values
	s.mu.RUnlock()
	for _, v := range values {
		if strings.Contains(text, v) {
			text = strings.ReplaceAll(text, v, placeholder)
			findings = append(findings, Finding{Rule: "registered_secret"})
		}
	}

	for _, p := range patterns {
		if p.re.MatchString(text) {
			text = p.re.ReplaceAllString(text, placeholder)
			findings = append(findings, Finding{Rule: p.rule})
		}
	}
	return text, findings
}

// CleanOrBlock scans the text and applies the mode: redact returns the
// cleaned text, block refuses the whole payload with ErrLeakBlocked when
// anything was found.
func (s *Scanner) CleanOrBlock(text string, mode Mode) (string, []Finding, error) {
	cleaned, findings := s.Scan(text)
	if len(findings) > 0 && mode == ModeBlock {
		rules := make([]string, len(findings))
		for i, f := range findings {
			rules[i] = f.Rule
		}
		return "", findings, fmt.Errorf("%w: %s", ErrLeakBlocked, strings.Join(rules, ", "))
	}
	return cleaned, findings, nil
}
