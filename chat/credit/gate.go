// Package credit decides whether a user may consume a model call.
package credit

import (
	"context"

	"github.com/hrygo/branchtalk/chat"
	"github.com/hrygo/branchtalk/store"
)

// Gate evaluates the credit rules immediately before a generation is admitted.
type Gate struct {
	store   chat.Store
	pricing chat.Pricing
}

func NewGate(s chat.Store, p chat.Pricing) *Gate {
	return &Gate{store: s, pricing: p}
}

// Allowed returns true iff any of:
//   - the user has an API key on record for the model's provider;
//   - the user holds the overspend capability;
//   - the user's grant balance in any currency applicable to the model is
//     strictly positive.
func (g *Gate) Allowed(ctx context.Context, userID, model string) (bool, error) {
	price, priced := g.pricing.Lookup(model)

	if priced && price.Provider != "" {
		keys, err := g.store.GetUserAPIKeys(ctx, userID)
		if err != nil {
			return false, err
		}
		for _, key := range keys {
			if key.Provider == price.Provider {
				return true, nil
			}
		}
	}

	overspend, err := g.store.UserHasActiveGrantCapability(ctx, userID, store.CapabilityOverspend)
	if err != nil {
		return false, err
	}
	if overspend {
		return true, nil
	}

	summary, err := g.store.GetUserGrantSummary(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, currency := range g.pricing.ApplicableCurrencies(model) {
		if summary.Balances[currency] > 0 {
			return true, nil
		}
	}
	return false, nil
}
