package patterns

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const attackLine = `10.0.0.9 - - [01/Jan/2023:00:00:00 +0000] "GET /../../etc/passwd HTTP/1.1" 404 0 "-" "curl/8.0"`

func TestSubstringPatternIgnoresCase(t *testing.T) {
	p, err := ParsePattern("/ETC/PASSWD")
	require.NoError(t, err)

	assert.Equal(t, KindSubstring, p.Kind)
	assert.True(t, p.Match(attackLine))
	assert.False(t, p.Match(`10.0.0.9 - - "GET /index.html HTTP/1.1" 404`))
}

func TestWildcardPattern(t *testing.T) {
	p, err := ParsePattern("GET /wp-*.php")
	require.NoError(t, err)
	assert.Equal(t, KindWildcard, p.Kind)

	assert.True(t, p.Match(`"get /wp-login.php HTTP/1.1" 404`))
	assert.False(t, p.Match(`"GET /wp-login.html HTTP/1.1" 404`))

	q := MustParsePattern("/a?c")
	assert.True(t, q.Match("GET /abc"))
	assert.False(t, q.Match("GET /ac"))
}

func TestWildcardQuotesMetacharacters(t *testing.T) {
	p := MustParsePattern("/x.php?id=*")
	assert.True(t, p.Match("GET /x.php?id=1"))
	assert.False(t, p.Match("GET /xaphp?id=1"), "dot must be literal")
}

func TestRegexPattern(t *testing.T) {
	p, err := ParsePattern(`re:\.(bak|old|swp)\b`)
	require.NoError(t, err)
	assert.Equal(t, KindRegex, p.Kind)

	assert.True(t, p.Match("GET /index.php.bak HTTP/1.1"))
	assert.False(t, p.Match("GET /index.php HTTP/1.1"))
}

func TestInvalidRegex(t *testing.T) {
	_, err := ParsePattern("re:(unclosed")
	assert.Error(t, err)
}

func TestMatcherFirstMatchWins(t *testing.T) {
	first := MustParsePattern("/etc/")
	second := MustParsePattern("passwd")
	m := NewMatcher([]Rule{first, second})

	rule, ok := m.FirstMatch(attackLine)
	require.True(t, ok)
	assert.Same(t, first, rule)
	assert.True(t, m.Matches(attackLine))
	assert.Equal(t, 2, m.Len())
}

func TestEmptyMatcherNeverMatches(t *testing.T) {
	m := NewMatcher(nil)
	assert.False(t, m.Matches(attackLine))
}

func TestRuleGate(t *testing.T) {
	m := NewMatcher([]Rule{MustParsePattern("/etc/passwd")})

	assert.True(t, m.Matches(attackLine))
	assert.False(t, m.Matches(strings.Replace(attackLine, "/../../etc/passwd", "/robots.txt", 1)))
}

func TestParseRuleFile(t *testing.T) {
	content := `# miniwaf rules
phpmyadmin

  wp-login.php
re:(?i)union.+select
/cgi-bin/*.sh
`
	rules, err := Parse(strings.NewReader(content))
	require.NoError(t, err)
	require.Len(t, rules, 4)

	assert.Equal(t, "phpmyadmin", rules[0].String())
	assert.Equal(t, "wp-login.php", rules[1].String())
	assert.Equal(t, KindRegex, rules[2].(*Pattern).Kind)
	assert.Equal(t, KindWildcard, rules[3].(*Pattern).Kind)
}

func TestParseRuleFileReportsLine(t *testing.T) {
	_, err := Parse(strings.NewReader("ok\n# comment\nre:[bad\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miniwaf.conf")
	require.NoError(t, os.WriteFile(path, []byte("/etc/passwd\n.env\n"), 0644))

	rules, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.conf"))
	assert.Error(t, err)
}

func TestDefaultRules(t *testing.T) {
	m := NewMatcher(Default())
	assert.True(t, m.Matches(`1.2.3.4 - - "GET /PhpMyAdmin/index.php HTTP/1.1" 404`))
	assert.True(t, m.Matches(attackLine))
	assert.False(t, m.Matches(`1.2.3.4 - - "GET /favicon.ico HTTP/1.1" 404`))
}
