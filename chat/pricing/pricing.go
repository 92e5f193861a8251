// Package pricing resolves model identifiers to per-million-token prices and
// to the grant currency buckets that can pay for them.
package pricing

import (
	"strings"
	"sync"

	"github.com/hrygo/branchtalk/chat"
)

// UniversalCurrency is the grant bucket applicable to every model.
const UniversalCurrency = "credits"

// Table is a static price table with longest-prefix model matching, so one
// entry covers a model family ("gpt-4o" matches "gpt-4o-2024-11-20").
type Table struct {
	mu     sync.RWMutex
	prices map[string]chat.Price
}

// NewTable builds a table from explicit entries.
func NewTable(prices map[string]chat.Price) *Table {
	if prices == nil {
		prices = map[string]chat.Price{}
	}
	return &Table{prices: prices}
}

// Default returns a table covering the commonly configured model families.
func Default() *Table {
	return NewTable(map[string]chat.Price{
		"gpt-4o":        {Provider: "openai", Currency: "openai", InputPerMTok: 2.5, OutputPerMTok: 10},
		"gpt-4o-mini":   {Provider: "openai", Currency: "openai", InputPerMTok: 0.15, OutputPerMTok: 0.6},
		"o3":            {Provider: "openai", Currency: "openai", InputPerMTok: 2, OutputPerMTok: 8},
		"claude-sonnet": {Provider: "anthropic", Currency: "anthropic", InputPerMTok: 3, OutputPerMTok: 15},
		"claude-haiku":  {Provider: "anthropic", Currency: "anthropic", InputPerMTok: 0.8, OutputPerMTok: 4},
		"claude-opus":   {Provider: "anthropic", Currency: "anthropic", InputPerMTok: 15, OutputPerMTok: 75},
		"deepseek-chat": {Provider: "deepseek", Currency: "deepseek", InputPerMTok: 0.27, OutputPerMTok: 1.1},
	})
}

// Set adds or replaces a price entry.
func (t *Table) Set(model string, price chat.Price) {
	t.mu.Lock()
	t.prices[model] = price
	t.mu.Unlock()
}

// Lookup resolves a model to its price. Exact match wins; otherwise the
// longest entry that prefixes the model id.
func (t *Table) Lookup(model string) (chat.Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.prices[model]; ok {
		return p, true
	}
	var best string
	for name := range t.prices {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return chat.Price{}, false
	}
	return t.prices[best], true
}

// ApplicableCurrencies lists grant buckets usable for the model, most
// specific first. Unknown models still accept the universal bucket.
func (t *Table) ApplicableCurrencies(model string) []string {
	if p, ok := t.Lookup(model); ok && p.Currency != "" && p.Currency != UniversalCurrency {
		return []string{p.Currency, UniversalCurrency}
	}
	return []string{UniversalCurrency}
}

// Cost computes the billed amount for one usage record.
func Cost(price chat.Price, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*price.InputPerMTok + float64(outputTokens)/1e6*price.OutputPerMTok
}
