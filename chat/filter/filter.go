// Package filter provides regex-rule content filtering for user input and
// model output. It implements the chat.ContentFilter interface.
package filter

import (
	"context"
	"regexp"
	"sync"

	"github.com/hrygo/branchtalk/chat"
)

// Rule is one category of disallowed content.
type Rule struct {
	Category string
	Pattern  string
	Reason   string
}

// Config configures the filter.
type Config struct {
	Enabled bool
	Rules   []Rule
}

// DefaultConfig returns the built-in rule set. The categories mirror what
// moderation endpoints report so clients can render them uniformly.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Rules: []Rule{
			{
				Category: "personal_data",
				Pattern:  `\b\d{3}-\d{2}-\d{4}\b`,
				Reason:   "contains what looks like a social security number",
			},
			{
				Category: "personal_data",
				Pattern:  `\b(?:\d[ -]?){13,16}\b`,
				Reason:   "contains what looks like a payment card number",
			},
			{
				Category: "credentials",
				Pattern:  `(?i)\b(?:sk|pk|rk)-[a-z0-9]{20,}\b`,
				Reason:   "contains what looks like a secret API key",
			},
			{
				Category: "self_harm",
				Pattern:  `(?i)\bhow\s+to\s+(?:kill|hurt)\s+myself\b`,
				Reason:   "self-harm content",
			},
		},
	}
}

// Filter is a compiled rule engine. Safe for concurrent use.
type Filter struct {
	config Config
	mu     sync.RWMutex
	rules  []compiledRule
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// New compiles the configured rules. Invalid patterns are skipped.
func New(config Config) *Filter {
	f := &Filter{config: config}
	for _, r := range config.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			continue
		}
		f.rules = append(f.rules, compiledRule{rule: r, re: re})
	}
	return f
}

// Default returns a filter with the built-in rules.
func Default() *Filter {
	return New(DefaultConfig())
}

// Evaluate checks text against every rule and reports all matching
// categories. The first matching rule's reason is surfaced.
func (f *Filter) Evaluate(_ context.Context, text string) (chat.Verdict, error) {
	if !f.config.Enabled || text == "" {
		return chat.Verdict{}, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var verdict chat.Verdict
	seen := map[string]bool{}
	for _, cr := range f.rules {
		if !cr.re.MatchString(text) {
			continue
		}
		if !verdict.Blocked {
			verdict.Blocked = true
			verdict.Reason = cr.rule.Reason
		}
		if !seen[cr.rule.Category] {
			seen[cr.rule.Category] = true
			verdict.Categories = append(verdict.Categories, cr.rule.Category)
		}
	}
	return verdict, nil
}

// AddRule registers an extra rule at runtime.
func (f *Filter) AddRule(r Rule) error {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.rules = append(f.rules, compiledRule{rule: r, re: re})
	f.mu.Unlock()
	return nil
}
