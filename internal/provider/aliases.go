package provider

import (
	"sort"
	"strings"
	"sync"
)

// claudeAliases maps OpenAI-style model prefixes to native Claude models.
// Longest prefix wins.
var claudeAliases = map[string]string{
	"gpt-4o-mini": "claude-3-5-haiku-latest",
	"gpt-4o":      "claude-sonnet-4-20250514",
	"gpt-4.1":     "claude-sonnet-4-20250514",
	"gpt-4":       "claude-sonnet-4-20250514",
	"gpt-3.5":     "claude-3-5-haiku-latest",
	"o1-mini":     "claude-sonnet-4-20250514",
	"o1":          "claude-opus-4-20250514",
	"o3-mini":     "claude-sonnet-4-20250514",
	"o3":          "claude-opus-4-20250514",
	"o4-mini":     "claude-sonnet-4-20250514",
}

// AliasTable resolves model names by longest-prefix match. Unmatched names
// pass through unchanged.
type AliasTable struct {
	mu       sync.RWMutex
	prefixes []string // sorted longest first
	targets  map[string]string
}

// NewAliasTable builds a table from a prefix map.
func NewAliasTable(aliases map[string]string) *AliasTable {
	t := &AliasTable{}
	t.Replace(aliases)
	return t
}

// Replace swaps the whole alias set, e.g. on config reload.
func (t *AliasTable) Replace(aliases map[string]string) {
	prefixes := make([]string, 0, len(aliases))
	targets := make(map[string]string, len(aliases))
	for prefix, target := range aliases {
		prefixes = append(prefixes, prefix)
		targets[prefix] = target
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})

	t.mu.Lock()
	t.prefixes = prefixes
	t.targets = targets
	t.mu.Unlock()
}

// Resolve maps a model name through the table.
func (t *AliasTable) Resolve(model string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, prefix := range t.prefixes {
		if strings.HasPrefix(model, prefix) {
			return t.targets[prefix]
		}
	}
	return model
}

// DefaultClaudeAliases returns the built-in OpenAI-to-Claude table.
func DefaultClaudeAliases() *AliasTable {
	return NewAliasTable(claudeAliases)
}

// MergeClaudeAliases layers user-defined aliases over the built-in table.
// Overrides win on prefix collisions.
func MergeClaudeAliases(overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(claudeAliases)+len(overrides))
	for prefix, target := range claudeAliases {
		merged[prefix] = target
	}
	for prefix, target := range overrides {
		merged[prefix] = target
	}
	return merged
}
