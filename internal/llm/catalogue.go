package llm

import "github.com/nextlevelbuilder/hive/internal/config"

// Catalogue is the static model-alias table. It is built once at startup
// and read without locking thereafter.
type Catalogue struct {
	entries map[string]config.ModelEntry
}

// NewCatalogue builds the catalogue from config entries.
func NewCatalogue(entries map[string]config.ModelEntry) *Catalogue {
	m := make(map[string]config.ModelEntry, len(entries))
	for alias, e := range entries {
		m[alias] = e
	}
	return &Catalogue{entries: m}
}

// Resolve rewrites an alias to its upstream-native identifier.
// Unknown aliases pass through verbatim.
func (c *Catalogue) Resolve(alias string) string {
	if e, ok := c.entries[alias]; ok && e.Upstream != "" {
		return e.Upstream
	}
	return alias
}

// Fallbacks returns the configured fallback chain for an alias.
func (c *Catalogue) Fallbacks(alias string) []string {
	if e, ok := c.entries[alias]; ok {
		return e.Fallbacks
	}
	return nil
}

// Encoding returns the tiktoken encoding override for an alias, if any.
func (c *Catalogue) Encoding(alias string) string {
	if e, ok := c.entries[alias]; ok {
		return e.Encoding
	}
	return ""
}

// Cost computes the USD cost of a call from catalogue prices (per 1K tokens).
// Unknown aliases cost zero.
func (c *Catalogue) Cost(alias string, promptTokens, completionTokens int) float64 {
	e, ok := c.entries[alias]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*e.PromptPrice +
		float64(completionTokens)/1000*e.CompletionPrice
}
