// Package billing keeps local subscription state in step with Stripe. It
// owns the tier catalog, the price table, the webhook event reconciler and
// the idempotency guard around it.
package billing

import (
	"fmt"
	"maps"

	"repurpose/internal/types"
)

// tierLimits are the defaults a tier row is created with the first time its
// name is referenced.
//
//	| Tier    | $/month | Platforms | Generations/day |
//	|---------|---------|-----------|-----------------|
//	| free    | 0       | 2         | 5,000           |
//	| basic   | 9       | 5         | 50,000          |
//	| pro     | 19      | 10        | 100,000         |
//	| premium | 49      | 100       | 500,000         |
//	| (other) | 0       | 3         | 10,000          |
type tierLimits struct {
	priceMonthly float64
	platforms    int
	dailyLimit   int
}

var tierCatalog = map[string]tierLimits{
	types.TierFree:    {priceMonthly: 0, platforms: 2, dailyLimit: 5000},
	types.TierBasic:   {priceMonthly: 9, platforms: 5, dailyLimit: 50000},
	types.TierPro:     {priceMonthly: 19, platforms: 10, dailyLimit: 100000},
	types.TierPremium: {priceMonthly: 49, platforms: 100, dailyLimit: 500000},
}

var fallbackLimits = tierLimits{priceMonthly: 0, platforms: 3, dailyLimit: 10000}

// TierDefaults returns the template row for name. Yearly price is ten
// months; the character cap is four times the daily generation limit. Only
// the free tier asks to be the default, and the store honours that only
// while no default exists.
func TierDefaults(name string) types.SubscriptionTier {
	l, ok := tierCatalog[name]
	if !ok {
		l = fallbackLimits
	}
	return types.SubscriptionTier{
		Name:                 name,
		DailyGenerationLimit: l.dailyLimit,
		PlatformLimit:        l.platforms,
		MaxCharacterCount:    l.dailyLimit * 4,
		PriceMonthly:         l.priceMonthly,
		PriceYearly:          l.priceMonthly * 10,
		IsDefault:            name == types.TierFree,
	}
}

// Unknown price policies.
const (
	PolicyFailClosed = "fail_closed"
	PolicyFailOpen   = "fail_open"
)

// PriceTable maps Stripe price ids to tier names.
type PriceTable struct {
	byPrice map[string]string
	byTier  map[string]string
	policy  string
}

// NewPriceTable builds a table from a price id to tier name mapping. An
// empty policy means fail_closed.
func NewPriceTable(prices map[string]string, policy string) (*PriceTable, error) {
	switch policy {
	case "":
		policy = PolicyFailClosed
	case PolicyFailClosed, PolicyFailOpen:
	default:
		return nil, fmt.Errorf("billing: unknown price policy %q", policy)
	}
	byTier := make(map[string]string, len(prices))
	for priceID, tier := range prices {
		if other, dup := byTier[tier]; dup {
			return nil, fmt.Errorf("billing: tier %q mapped from both %q and %q", tier, other, priceID)
		}
		byTier[tier] = priceID
	}
	return &PriceTable{byPrice: maps.Clone(prices), byTier: byTier, policy: policy}, nil
}

// TierFor resolves a price id. Under fail_closed an unmapped id is an
// ErrUnknownPrice. Under fail_open fellBack is true and tier is empty; the
// caller applies whichever tier the catalog flags as default.
func (p *PriceTable) TierFor(priceID string) (tier string, fellBack bool, err error) {
	if t, ok := p.byPrice[priceID]; ok {
		return t, false, nil
	}
	if p.policy == PolicyFailOpen {
		return "", true, nil
	}
	return "", false, fmt.Errorf("%w: %q", ErrUnknownPrice, priceID)
}

// PriceFor returns the price id configured for a paid tier.
func (p *PriceTable) PriceFor(tier string) (string, bool) {
	id, ok := p.byTier[tier]
	return id, ok
}

// Tiers returns the purchasable tier names.
func (p *PriceTable) Tiers() []string {
	out := make([]string, 0, len(p.byTier))
	for _, name := range []string{types.TierBasic, types.TierPro, types.TierPremium} {
		if _, ok := p.byTier[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
