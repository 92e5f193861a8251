package credit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/branchtalk/chat/chattest"
	"github.com/hrygo/branchtalk/store"
)

func TestGateAllowed(t *testing.T) {
	ctx := context.Background()
	const model = "gpt-4o"
	pricing := chattest.Pricing(model, "openai", "openai")

	t.Run("nothing on record denies", func(t *testing.T) {
		s := chattest.NewMemStore()
		s.AddUser(&store.User{ID: "u1"})
		ok, err := NewGate(s, pricing).Allowed(ctx, "u1", model)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("api key for the provider allows", func(t *testing.T) {
		s := chattest.NewMemStore()
		s.APIKeys["u1"] = []*store.APIKey{{ID: "k1", UserID: "u1", Provider: "openai"}}
		ok, err := NewGate(s, pricing).Allowed(ctx, "u1", model)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("api key for another provider does not allow", func(t *testing.T) {
		s := chattest.NewMemStore()
		s.APIKeys["u1"] = []*store.APIKey{{ID: "k1", UserID: "u1", Provider: "anthropic"}}
		ok, err := NewGate(s, pricing).Allowed(ctx, "u1", model)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("overspend capability allows", func(t *testing.T) {
		s := chattest.NewMemStore()
		s.Capabilities["u1"] = map[string]bool{store.CapabilityOverspend: true}
		ok, err := NewGate(s, pricing).Allowed(ctx, "u1", model)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("positive balance in applicable currency allows", func(t *testing.T) {
		s := chattest.NewMemStore()
		s.SetGrant("u1", "openai", 0.5)
		ok, err := NewGate(s, pricing).Allowed(ctx, "u1", model)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("universal bucket counts for any model", func(t *testing.T) {
		s := chattest.NewMemStore()
		s.SetGrant("u1", "credits", 1)
		ok, err := NewGate(s, pricing).Allowed(ctx, "u1", "unpriced-model")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("zero and negative balances deny", func(t *testing.T) {
		s := chattest.NewMemStore()
		s.SetGrant("u1", "openai", 0)
		s.SetGrant("u1", "credits", -2)
		ok, err := NewGate(s, pricing).Allowed(ctx, "u1", model)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("balance in inapplicable currency denies", func(t *testing.T) {
		s := chattest.NewMemStore()
		s.SetGrant("u1", "anthropic", 10)
		ok, err := NewGate(s, pricing).Allowed(ctx, "u1", model)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
