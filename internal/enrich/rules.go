package enrich

import "strings"

// classRule pairs a reason-text predicate with the category it assigns.
// Predicates receive the reason already lowercased.
type classRule struct {
	category Category
	match    func(reason string) bool
}

// classRules is evaluated top to bottom; the first match wins. Order is the
// classification precedence: RR > SelfHosp > Casino > PvP > OD, with Crime
// as the fallback for anything unmatched.
var classRules = []classRule{
	{CategoryRR, containsAny(
		"russian roulette",
	)},
	{CategorySelfHosp, containsAny(
		"hospitalized themself",
		"hospitalized themselves",
		"self-inflicted",
	)},
	{CategoryCasino, containsAny(
		"blackjack",
		"poker",
		"slot machine",
		"lost a bet",
	)},
	{CategoryPvP, containsAny(
		"hospitalized by",
		"attacked by",
		"mugged by",
		"lost to",
	)},
	{CategoryOD, containsAny(
		"overdosed",
	)},
}

// Classify maps a free-text hospital reason to a category. Matching is
// case-insensitive substring; the rule table keeps precedence auditable.
func Classify(reason string) Category {
	lower := strings.ToLower(reason)
	for _, rule := range classRules {
		if rule.match(lower) {
			return rule.category
		}
	}
	return CategoryCrime
}

func containsAny(substrings ...string) func(string) bool {
	return func(reason string) bool {
		for _, sub := range substrings {
			if strings.Contains(reason, sub) {
				return true
			}
		}
		return false
	}
}
