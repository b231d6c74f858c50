// Package redact applies secret-shaped pattern matching to RPC stderr tails
// and crash log entries before they're surfaced in errors or written to
// oms.log.
package redact

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns are compiled once at package init; a stateless Redactor
// applies all of them. Unlike the teacher's MaskingService, there is no
// per-server registry or pattern-group resolution here — the supervisor
// has one fixed pattern set applied everywhere text leaves a child process.
var builtinSpecs = []CompiledPattern{
	{Name: "bearer_token", Replacement: "Bearer ***REDACTED***"},
	{Name: "api_key_assignment", Replacement: "${1}=***REDACTED***"},
	{Name: "aws_access_key", Replacement: "***REDACTED***"},
	{Name: "private_key_block", Replacement: "***REDACTED-PRIVATE-KEY***"},
}

var builtinRaw = map[string]string{
	"bearer_token":       `(?i)bearer\s+[a-z0-9._\-]+`,
	"api_key_assignment": `(?i)([a-z0-9_]*(api|access|secret)[a-z0-9_]*key[a-z0-9_]*)\s*[=:]\s*\S+`,
	"aws_access_key":     `AKIA[0-9A-Z]{16}`,
	"private_key_block":  `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
}

// Redactor applies a fixed set of compiled patterns to text. Safe for
// concurrent use; it holds no mutable state after construction.
type Redactor struct {
	patterns []*CompiledPattern
}

// New compiles the built-in pattern set plus any extra patterns supplied.
// Invalid patterns are logged and skipped, matching the teacher's
// compileBuiltinPatterns behavior.
func New(extra ...CompiledPattern) *Redactor {
	r := &Redactor{}
	for _, spec := range builtinSpecs {
		raw, ok := builtinRaw[spec.Name]
		if !ok {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			slog.Error("redact: failed to compile built-in pattern, skipping", "pattern", spec.Name, "error", err)
			continue
		}
		cp := spec
		cp.Regex = re
		r.patterns = append(r.patterns, &cp)
	}
	for _, spec := range extra {
		if spec.Regex == nil {
			continue
		}
		cp := spec
		r.patterns = append(r.patterns, &cp)
	}
	return r
}

// Redact returns text with every matched pattern replaced.
func (r *Redactor) Redact(text string) string {
	for _, p := range r.patterns {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}
