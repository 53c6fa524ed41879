package domain

import "time"

// PostalSource identifies the stage that produced a postal lookup result.
type PostalSource string

const (
	// PostalSourceCache marks results replayed from the persistent postal cache.
	PostalSourceCache PostalSource = "cache"
	// PostalSourceProviderA marks results fetched from the primary lookup provider.
	PostalSourceProviderA PostalSource = "providerA"
	// PostalSourceProviderB marks results fetched from the secondary lookup provider.
	PostalSourceProviderB PostalSource = "providerB"
	// PostalSourceStaticFallback marks results synthesised from curated regional tables.
	PostalSourceStaticFallback PostalSource = "staticFallback"
)

// Confidence grades how trustworthy a resolved address is. Only ConfidenceHigh is cacheable.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Zone types used by the delivery zone reference table.
const (
	ZoneTypeLocal        = "local"
	ZoneTypeNearby       = "nearby"
	ZoneTypeOtherRegions = "other_regions"
)

// PostalAddress carries the address fields shared by lookup results and cache records.
type PostalAddress struct {
	PostalCode   string
	Street       string
	Neighborhood string
	City         string
	StateCode    string
	RegionCode   string
	Latitude     *float64
	Longitude    *float64
}

// PostalLookupResult is the normalised outcome of a postal code query.
type PostalLookupResult struct {
	PostalAddress
	Source       PostalSource
	Confidence   Confidence
	DeliveryZone DeliveryZoneAssignment
}

// CachedPostalAddress is the persisted shape of a high-confidence lookup.
type CachedPostalAddress struct {
	PostalAddress
	CachedAt  time.Time
	ExpiresAt time.Time
}

// DeliveryZone is a reference row mapping a region code to a delivery zone.
type DeliveryZone struct {
	RegionCode string
	ZoneType   string
	LeadTime   string
}

// DeliveryZoneAssignment is the delivery zone derived for a region code.
type DeliveryZoneAssignment struct {
	ZoneType          string
	EstimatedLeadTime string
}
