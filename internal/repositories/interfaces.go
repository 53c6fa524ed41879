package repositories

import (
	"context"

	domain "github.com/feiralivre/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// PostalCacheRepository persists high-confidence postal lookups keyed by the 8-digit code.
// Get returns a RepositoryError with IsNotFound() on a miss or on an expired record.
type PostalCacheRepository interface {
	Get(ctx context.Context, postalCode string) (domain.CachedPostalAddress, error)
	Upsert(ctx context.Context, record domain.CachedPostalAddress) error
	Delete(ctx context.Context, postalCode string) error
}

// DeliveryZoneRepository exposes the read-only reference table of region codes to delivery zones.
type DeliveryZoneRepository interface {
	ListZones(ctx context.Context) ([]domain.DeliveryZone, error)
}

// VendorDirectory resolves the vendor that operates a store.
type VendorDirectory interface {
	VendorIDForStore(ctx context.Context, storeID string) (string, error)
}

// HealthRepository reports dependency status for readiness endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// IsNotFound reports whether err carries repository not-found semantics.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	if asRepositoryError(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
