package payments

import "sort"

// CoinPricer converts a verified paid amount into coins. Must be a pure,
// monotonic function: a larger payment never yields fewer coins.
type CoinPricer func(amountCents int64) int64

// Tier anchors a payment amount to a coin package. Amounts between anchors
// earn the anchor's coins plus one coin per additional cent.
type Tier struct {
	AmountCents int64
	Coins       int64
}

// defaultTiers carries a small bulk bonus for the larger packages.
var defaultTiers = []Tier{
	{AmountCents: 0, Coins: 0},
	{AmountCents: 499, Coins: 500},
	{AmountCents: 999, Coins: 1050},
	{AmountCents: 1999, Coins: 2200},
	{AmountCents: 4999, Coins: 5800},
	{AmountCents: 9999, Coins: 12000},
}

// NewTierPricer builds a CoinPricer from anchor tiers. Tiers are sorted by
// amount; the pricer picks the highest anchor at or below the paid amount.
func NewTierPricer(tiers []Tier) CoinPricer {
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(left, right int) bool {
		return sorted[left].AmountCents < sorted[right].AmountCents
	})
	return func(amountCents int64) int64 {
		if amountCents <= 0 {
			return 0
		}
		coins := amountCents
		for index := len(sorted) - 1; index >= 0; index-- {
			tier := sorted[index]
			if amountCents >= tier.AmountCents {
				coins = tier.Coins + (amountCents - tier.AmountCents)
				break
			}
		}
		return coins
	}
}

// DefaultCoinPricer prices payments with the default tier table.
func DefaultCoinPricer() CoinPricer {
	return NewTierPricer(defaultTiers)
}
