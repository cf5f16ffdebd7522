// Package security redacts credentials from text before it leaves the
// process through a chat channel.
package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Sensitivity selects how aggressive redaction is.
type Sensitivity int

const (
	Low Sensitivity = iota
	Medium
	High
)

// ParseSensitivity maps "low", "medium" and "high". Empty means Medium.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "", "medium":
		return Medium, nil
	case "high":
		return High, nil
	}
	return Medium, fmt.Errorf("unknown sensitivity %q", s)
}

// Result describes one Scan. Kinds lists the rule names that matched, in
// rule order.
type Result struct {
	Clean    bool
	Kinds    []string
	Redacted string
}

type rule struct {
	kind    string
	level   Sensitivity
	pattern *regexp.Regexp
	mask    string
}

// Specific rules come before generic ones so a key inside "token=..." is
// labelled by its provider.
var rules = []rule{
	{
		kind:  "private_key",
		level: Low,
		pattern: regexp.MustCompile(
			`-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----[\s\S]*?(?:-----END (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----|$)`),
		mask: "[REDACTED_PRIVATE_KEY]",
	},
	{
		kind:  "api_key",
		level: Low,
		pattern: regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}` +
			`|sk-or-v1-[A-Za-z0-9]{20,}` +
			`|sk-(?:proj-)?[A-Za-z0-9_-]{20,}` +
			`|sk_(?:live|test)_[A-Za-z0-9]{20,}` +
			`|gsk_[A-Za-z0-9]{20,}` +
			`|AIza[A-Za-z0-9_-]{35}` +
			`|gh[pousr]_[A-Za-z0-9]{36,}` +
			`|github_pat_[A-Za-z0-9_]{22,}`),
		mask: "[REDACTED_API_KEY]",
	},
	{
		kind:    "aws_credential",
		level:   Low,
		pattern: regexp.MustCompile(`AKIA[A-Z0-9]{16}|(?i)aws[_-]?secret[_-]?access[_-]?key\s*[=:]\s*\S+`),
		mask:    "[REDACTED_AWS_CREDENTIAL]",
	},
	{
		kind:    "bot_token",
		level:   Medium,
		pattern: regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}`),
		mask:    "[REDACTED_BOT_TOKEN]",
	},
	{
		kind:    "jwt",
		level:   Medium,
		pattern: regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
		mask:    "[REDACTED_JWT]",
	},
	{
		kind:    "database_url",
		level:   Medium,
		pattern: regexp.MustCompile(`(?i)(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^\s:/@]+:[^\s@]+@\S+`),
		mask:    "[REDACTED_DATABASE_URL]",
	},
	{
		kind:    "generic_secret",
		level:   High,
		pattern: regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|api[_-]?key)\s*[=:]\s*[^\s\[]\S*`),
		mask:    "[REDACTED_SECRET]",
	},
}

// Redactor masks credential patterns plus any literal secrets it was given,
// such as the configured provider keys.
type Redactor struct {
	level    Sensitivity
	literals []string
}

// NewRedactor ignores literals shorter than 8 characters.
func NewRedactor(level Sensitivity, literals ...string) *Redactor {
	r := &Redactor{level: level}
	for _, l := range literals {
		if len(l) >= 8 {
			r.literals = append(r.literals, l)
		}
	}
	// longest first so a key that contains another is masked whole
	sort.Slice(r.literals, func(i, j int) bool { return len(r.literals[i]) > len(r.literals[j]) })
	return r
}

func (r *Redactor) Scan(text string) Result {
	var kinds []string
	out := text

	hit := false
	for _, l := range r.literals {
		if strings.Contains(out, l) {
			out = strings.ReplaceAll(out, l, "[REDACTED_CONFIGURED_SECRET]")
			hit = true
		}
	}
	if hit {
		kinds = append(kinds, "configured_secret")
	}

	for _, ru := range rules {
		if ru.level > r.level || !ru.pattern.MatchString(out) {
			continue
		}
		kinds = append(kinds, ru.kind)
		out = ru.pattern.ReplaceAllString(out, ru.mask)
	}

	return Result{Clean: len(kinds) == 0, Kinds: kinds, Redacted: out}
}

// Redact returns text with every match masked.
func (r *Redactor) Redact(text string) string {
	return r.Scan(text).Redacted
}
