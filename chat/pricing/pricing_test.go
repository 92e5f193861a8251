package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/branchtalk/chat"
)

func TestLookupPrefixMatching(t *testing.T) {
	table := Default()

	t.Run("exact match", func(t *testing.T) {
		p, ok := table.Lookup("gpt-4o")
		require.True(t, ok)
		assert.Equal(t, 2.5, p.InputPerMTok)
	})

	t.Run("longest prefix wins", func(t *testing.T) {
		p, ok := table.Lookup("gpt-4o-mini-2024-07-18")
		require.True(t, ok)
		assert.Equal(t, 0.15, p.InputPerMTok, "gpt-4o-mini must beat the shorter gpt-4o entry")
	})

	t.Run("dated snapshot resolves to family", func(t *testing.T) {
		p, ok := table.Lookup("claude-sonnet-4-20250514")
		require.True(t, ok)
		assert.Equal(t, "anthropic", p.Provider)
	})

	t.Run("unknown model misses", func(t *testing.T) {
		_, ok := table.Lookup("mystery-model")
		assert.False(t, ok)
	})
}

func TestApplicableCurrencies(t *testing.T) {
	table := Default()

	assert.Equal(t, []string{"openai", UniversalCurrency}, table.ApplicableCurrencies("gpt-4o"))
	assert.Equal(t, []string{"anthropic", UniversalCurrency}, table.ApplicableCurrencies("claude-haiku"))
	assert.Equal(t, []string{UniversalCurrency}, table.ApplicableCurrencies("mystery-model"))
}

func TestSetOverrides(t *testing.T) {
	table := NewTable(nil)
	_, ok := table.Lookup("local-model")
	require.False(t, ok)

	table.Set("local-model", chat.Price{Provider: "local", Currency: "credits", InputPerMTok: 0, OutputPerMTok: 0})
	p, ok := table.Lookup("local-model")
	require.True(t, ok)
	assert.Equal(t, "local", p.Provider)
}

func TestCost(t *testing.T) {
	price := chat.Price{InputPerMTok: 3, OutputPerMTok: 15}
	assert.InDelta(t, 0.0, Cost(price, 0, 0), 1e-12)
	// 1000 input + 500 output tokens.
	assert.InDelta(t, 0.003+0.0075, Cost(price, 1000, 500), 1e-12)
}
