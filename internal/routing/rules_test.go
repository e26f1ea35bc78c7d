// ABOUTME: Tests for routing rule loading and validation.
// ABOUTME: Covers the default-rule requirement and chain loop detection.

package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRuleSet_RequiresDefaultRule(t *testing.T) {
	_, err := NewRuleSet(map[string]Rule{
		"reasoning": {Primary: "claude"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default")
}

func TestNewRuleSet_RejectsDuplicateProviderInChain(t *testing.T) {
	_, err := NewRuleSet(map[string]Rule{
		"default": {Primary: "claude", Fallbacks: []string{"gpt", "claude"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "twice")
}

func TestNewRuleSet_RejectsEmptyPrimary(t *testing.T) {
	_, err := NewRuleSet(map[string]Rule{
		"default": {Fallbacks: []string{"gpt"}},
	})
	require.Error(t, err)
}

func TestRuleSet_ResolveFallsBackToDefault(t *testing.T) {
	rs, err := NewRuleSet(map[string]Rule{
		"default":   {Primary: "claude", Fallbacks: []string{"gpt"}},
		"reasoning": {Primary: "o1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "o1", rs.Resolve("reasoning").Primary)
	assert.Equal(t, "claude", rs.Resolve("translation").Primary)
	assert.Equal(t, []string{"claude", "gpt"}, rs.Resolve("unknown").Chain())
}

func TestLoadRules_FromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	content := `
[rules.default]
primary = "claude"
fallbacks = ["gpt", "local"]

[rules.reasoning]
primary = "o1"
fallbacks = ["claude"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rs, err := LoadRules(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"claude", "gpt", "local"}, rs.Resolve("default").Chain())
	assert.Equal(t, []string{"o1", "claude"}, rs.Resolve("reasoning").Chain())
	assert.ElementsMatch(t, []string{"default", "reasoning"}, rs.TaskTypes())
}

func TestLoadRules_InvalidFileSurfacesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte("[rules.default\n"), 0o644))

	_, err := LoadRules(path)
	require.Error(t, err)
}
