// ABOUTME: Static routing rule table mapping task types to provider chains.
// ABOUTME: Loaded from TOML; validated for a default rule and loop-free chains.

package routing

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultRuleName is the task type every rule set must define; unknown task
// types resolve to it.
const DefaultRuleName = "default"

// Rule is one ordered provider chain for a task type.
type Rule struct {
	Primary   string   `toml:"primary"`
	Fallbacks []string `toml:"fallbacks"`
}

// Chain returns the ordered candidate list: primary first, then fallbacks.
func (r Rule) Chain() []string {
	out := make([]string, 0, 1+len(r.Fallbacks))
	out = append(out, r.Primary)
	out = append(out, r.Fallbacks...)
	return out
}

// RuleSet maps task types to rules. Immutable after Load/NewRuleSet.
type RuleSet struct {
	rules map[string]Rule
}

// ruleFile is the TOML shape:
//
//	[rules.default]
//	primary = "claude"
//	fallbacks = ["gpt", "local"]
type ruleFile struct {
	Rules map[string]Rule `toml:"rules"`
}

// LoadRules reads and validates a TOML rule file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	var rf ruleFile
	if err := toml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	return NewRuleSet(rf.Rules)
}

// NewRuleSet validates and builds a RuleSet from a rule map.
// Requirements: a default rule exists, every rule has a primary, and no
// provider appears twice in its own chain.
func NewRuleSet(rules map[string]Rule) (*RuleSet, error) {
	if len(rules) == 0 {
		return nil, errors.New("rule set is empty")
	}
	if _, ok := rules[DefaultRuleName]; !ok {
		return nil, fmt.Errorf("rule set must define a %q rule", DefaultRuleName)
	}
	for taskType, rule := range rules {
		if rule.Primary == "" {
			return nil, fmt.Errorf("rule %q has no primary provider", taskType)
		}
		seen := map[string]bool{}
		for _, provider := range rule.Chain() {
			if provider == "" {
				return nil, fmt.Errorf("rule %q has an empty provider entry", taskType)
			}
			if seen[provider] {
				return nil, fmt.Errorf("rule %q lists provider %q twice", taskType, provider)
			}
			seen[provider] = true
		}
	}
	copied := make(map[string]Rule, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	return &RuleSet{rules: copied}, nil
}

// Resolve returns the rule for a task type, falling back to the default rule
// for unknown types.
func (rs *RuleSet) Resolve(taskType string) Rule {
	if rule, ok := rs.rules[taskType]; ok {
		return rule
	}
	return rs.rules[DefaultRuleName]
}

// TaskTypes lists the configured task types.
func (rs *RuleSet) TaskTypes() []string {
	out := make([]string, 0, len(rs.rules))
	for taskType := range rs.rules {
		out = append(out, taskType)
	}
	return out
}
