package domain

import "time"

// PostalReferenceEntry is a curated address used by the static and heuristic lookup tiers.
type PostalReferenceEntry struct {
	Street       string
	Neighborhood string
	City         string
	StateCode    string
	RegionCode   string
}

// PostalPrefixEntry maps a leading-digit prefix to a known city. Longer prefixes take precedence.
type PostalPrefixEntry struct {
	Prefix     string
	Entry      PostalReferenceEntry
	Confidence Confidence
}

// PostalStateRange assigns a state to an inclusive range of 5-digit postal prefixes.
type PostalStateRange struct {
	From      int
	To        int
	StateCode string
}

// PostalReference bundles the curated tables consulted when the cache and providers cannot answer.
type PostalReference struct {
	Exact            map[string]PostalReferenceEntry
	Prefixes         []PostalPrefixEntry
	StateRanges      []PostalStateRange
	DenseSuggestions map[string][]string
	Zones            []DeliveryZone
}

// PostalLookupOutcome classifies lookups worth reporting to content maintainers.
type PostalLookupOutcome string

const (
	PostalLookupOutcomeHeuristic PostalLookupOutcome = "heuristic"
	PostalLookupOutcomeNotFound  PostalLookupOutcome = "not_found"
)

// PostalLookupEvent records a lookup that could not be answered by the cache, the static table or a provider.
type PostalLookupEvent struct {
	PostalCode string
	Outcome    PostalLookupOutcome
	Confidence Confidence
	City       string
	StateCode  string
	OccurredAt time.Time
}
