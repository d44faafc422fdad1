// Package secrets detects credential material in generated patches before
// they are committed. A leaking patch is treated as a failed review, never
// committed to the feature branch.
package secrets

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule defines one secret detection pattern.
type Rule struct {
	ID          string
	Description string
	Pattern     string
	Severity    string
}

// Finding is one detected secret. The matched value itself is never
// retained, only its location.
type Finding struct {
	RuleID      string
	Description string
	Severity    string
	Line        int
}

func (f Finding) String() string {
	return fmt.Sprintf("%s (%s) at line %d", f.Description, f.RuleID, f.Line)
}

// DefaultRules returns the detection rules applied to patch text.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "aws-access-key-id",
			Description: "AWS access key ID",
			Pattern:     `\b(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|ASIA)[A-Z0-9]{16}\b`,
			Severity:    "high",
		},
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b`,
			Severity:    "high",
		},
		{
			ID:          "github-fine-grained",
			Description: "GitHub fine-grained personal access token",
			Pattern:     `\bgithub_pat_[A-Za-z0-9_]{22,}\b`,
			Severity:    "high",
		},
		{
			ID:          "private-key",
			Description: "private key block",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`,
			Severity:    "high",
		},
		{
			ID:          "generic-api-key",
			Description: "hardcoded API key assignment",
			Pattern:     `(?i)(?:api[_-]?key|apikey|auth[_-]?token)\s*[:=]\s*['"][A-Za-z0-9_\-]{16,64}['"]`,
			Severity:    "medium",
		},
		{
			ID:          "generic-password",
			Description: "hardcoded password assignment",
			Pattern:     `(?i)(?:password|passwd)\s*[:=]\s*['"][^\s'"]{8,}['"]`,
			Severity:    "medium",
		},
		{
			ID:          "slack-token",
			Description: "Slack token",
			Pattern:     `\bxox[baprs]-[A-Za-z0-9-]{10,}\b`,
			Severity:    "high",
		},
	}
}

// Scanner applies a rule set to content.
type Scanner struct {
	rules []compiledRule
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// NewScanner compiles the given rules; nil rules means DefaultRules.
func NewScanner(rules []Rule) (*Scanner, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	s := &Scanner{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling secret rule %s: %w", r.ID, err)
		}
		s.rules = append(s.rules, compiledRule{Rule: r, re: re})
	}
	return s, nil
}

// Check scans content and returns findings. Only added lines of a patch
// matter for the gate, but Check is line-based and works on any text.
func (s *Scanner) Check(content string) []Finding {
	var findings []Finding
	for i, line := range strings.Split(content, "\n") {
		// Context and removal lines of a diff cannot introduce a leak.
		if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
			continue
		}
		for _, r := range s.rules {
			if r.re.MatchString(line) {
				findings = append(findings, Finding{
					RuleID:      r.ID,
					Description: r.Description,
					Severity:    r.Severity,
					Line:        i + 1,
				})
			}
		}
	}
	return findings
}
