package patterns

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the syntax a rule pattern was written in.
type Kind string

const (
	KindSubstring Kind = "substring"
	KindWildcard  Kind = "wildcard"
	KindRegex     Kind = "regex"
)

const regexPrefix = "re:"

// Rule decides whether a log line is evidence of abuse.
type Rule interface {
	Match(line string) bool
	String() string
}

// Pattern is a Rule parsed from the rule file syntax.
type Pattern struct {
	Raw   string
	Kind  Kind
	Regex *regexp.Regexp
	// lowered needle for substring rules
	needle string
}

// ParsePattern parses a single rule. Plain text is a case-insensitive
// substring, text with * or ? is a case-insensitive wildcard, and a "re:"
// prefix introduces a regular expression used as written.
func ParsePattern(raw string) (*Pattern, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	switch {
	case strings.HasPrefix(raw, regexPrefix):
		expr := strings.TrimPrefix(raw, regexPrefix)
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid regular expression %q: %w", expr, err)
		}
		return &Pattern{Raw: raw, Kind: KindRegex, Regex: re}, nil

	case strings.ContainsAny(raw, "*?"):
		return &Pattern{Raw: raw, Kind: KindWildcard, Regex: regexp.MustCompile(wildcardToRegex(raw))}, nil

	default:
		return &Pattern{Raw: raw, Kind: KindSubstring, needle: strings.ToLower(raw)}, nil
	}
}

// MustParsePattern is like ParsePattern but panics on error.
func MustParsePattern(raw string) *Pattern {
	p, err := ParsePattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether the line satisfies the pattern.
func (p *Pattern) Match(line string) bool {
	if p.Kind == KindSubstring {
		return strings.Contains(strings.ToLower(line), p.needle)
	}
	return p.Regex.MatchString(line)
}

func (p *Pattern) String() string {
	return p.Raw
}

func wildcardToRegex(glob string) string {
	var b strings.Builder
	b.WriteString("(?is)")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// Matcher evaluates an ordered rule set against log lines.
type Matcher struct {
	rules []Rule
}

// NewMatcher creates a matcher over the given rules, in order.
func NewMatcher(rules []Rule) *Matcher {
	return &Matcher{rules: append([]Rule(nil), rules...)}
}

// Matches reports whether any rule matches the line.
func (m *Matcher) Matches(line string) bool {
	_, ok := m.FirstMatch(line)
	return ok
}

// FirstMatch returns the first rule, in order, that matches the line.
func (m *Matcher) FirstMatch(line string) (Rule, bool) {
	for _, rule := range m.rules {
		if rule.Match(line) {
			return rule, true
		}
	}
	return nil, false
}

// Len returns the number of rules.
func (m *Matcher) Len() int {
	return len(m.rules)
}

// Rules returns the rules in evaluation order.
func (m *Matcher) Rules() []Rule {
	return m.rules
}

// defaultPatterns are the requests banned when no rule file is configured.
var defaultPatterns = []string{
	"phpmyadmin",
	"wp-login.php",
	"CoordinatorPortType",
	"azenv.php",
	".vscode",
	".git",
	".env",
	"phpinfo",
	"/cdn-cgi/",
	"/cgi-bin/",
	"paloaltonetworks.com",
	"/wp-config.php",
	"/etc/passwd",
}

// Default returns the built-in rule set.
func Default() []Rule {
	rules := make([]Rule, 0, len(defaultPatterns))
	for _, raw := range defaultPatterns {
		rules = append(rules, MustParsePattern(raw))
	}
	return rules
}
