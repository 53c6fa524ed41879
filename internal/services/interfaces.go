package services

import (
	"context"
	"time"

	domain "github.com/feiralivre/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	PostalLookupResult    = domain.PostalLookupResult
	CheckoutDeliveryState = domain.CheckoutDeliveryState
	StoreGroup            = domain.StoreGroup
	SystemHealthReport    = domain.SystemHealthReport
)

// AddressResolutionService resolves raw postal codes into normalised addresses using the cache,
// the curated tables, the external providers and the heuristic fallback, in that order.
type AddressResolutionService interface {
	Lookup(ctx context.Context, rawPostalCode string) (PostalLookupResult, error)
	GenerateNearbySuggestions(rawPostalCode string) []string
}

// DeliveryZoneResolver maps a region code to its delivery zone, falling back to other regions.
type DeliveryZoneResolver interface {
	ResolveZone(ctx context.Context, regionCode string) domain.DeliveryZoneAssignment
}

// PostalLookupEventPublisher reports lookups that needed the heuristic tier or failed entirely.
type PostalLookupEventPublisher interface {
	PublishLookupEvent(ctx context.Context, event domain.PostalLookupEvent) error
}

// VendorQuoteProvider prices delivery of a vendor's product to a postal code.
type VendorQuoteProvider interface {
	QuoteDelivery(ctx context.Context, req domain.VendorQuoteRequest) (domain.VendorDeliveryQuote, error)
}

// CheckoutDeliveryAggregator computes per-store delivery quotes for one checkout session.
type CheckoutDeliveryAggregator interface {
	Update(groups []StoreGroup, address *domain.DeliveryAddress)
	Calculate(ctx context.Context, groups []StoreGroup, address *domain.DeliveryAddress) CheckoutDeliveryState
	Recalculate(ctx context.Context) CheckoutDeliveryState
	State() CheckoutDeliveryState
	Close()
}

// DeliverySessionInput carries the inputs a checkout submits for delivery pricing.
type DeliverySessionInput struct {
	PostalCode  string
	StoreGroups []StoreGroup
}

// DeliverySession is a snapshot of a checkout delivery session.
type DeliverySession struct {
	ID           string
	CreatedAt    time.Time
	LastActiveAt time.Time
	State        CheckoutDeliveryState
}

// DeliverySessionService owns the aggregators of live checkout sessions.
type DeliverySessionService interface {
	Create(ctx context.Context) (DeliverySession, error)
	Get(ctx context.Context, sessionID string) (DeliverySession, error)
	Update(ctx context.Context, sessionID string, cmd DeliverySessionInput) (DeliverySession, error)
	Recalculate(ctx context.Context, sessionID string) (DeliverySession, error)
	Close(ctx context.Context, sessionID string) error
	Sweep(now time.Time) int
	Active() int
	CloseAll()
}

// SystemService exposes health reporting for readiness endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
