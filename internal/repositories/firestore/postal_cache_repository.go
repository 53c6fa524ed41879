package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/feiralivre/api/internal/domain"
	pfirestore "github.com/feiralivre/api/internal/platform/firestore"
	"github.com/feiralivre/api/internal/repositories"
)

const postalCacheCollection = "postalCodeCache"

// PostalCacheRepository stores high-confidence postal lookups in Firestore keyed by the 8-digit code.
type PostalCacheRepository struct {
	docs *pfirestore.Collection[postalCacheDocument]
	now  func() time.Time
}

var _ repositories.PostalCacheRepository = (*PostalCacheRepository)(nil)

// NewPostalCacheRepository constructs a Firestore-backed postal cache.
func NewPostalCacheRepository(provider *pfirestore.Provider, clock func() time.Time) (*PostalCacheRepository, error) {
	if provider == nil {
		return nil, errors.New("postal cache repository: firestore provider is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &PostalCacheRepository{
		docs: pfirestore.NewCollection[postalCacheDocument](provider, postalCacheCollection),
		now:  func() time.Time { return clock().UTC() },
	}, nil
}

// Get returns the cached record. Records past their expiry are reported as not found.
func (r *PostalCacheRepository) Get(ctx context.Context, postalCode string) (domain.CachedPostalAddress, error) {
	postalCode = strings.TrimSpace(postalCode)
	doc, err := r.docs.Get(ctx, postalCode)
	if err != nil {
		return domain.CachedPostalAddress{}, err
	}
	record := decodePostalCacheDocument(doc.ID, doc.Data)
	if !record.ExpiresAt.IsZero() && !r.now().Before(record.ExpiresAt) {
		return domain.CachedPostalAddress{}, pfirestore.NotFoundError("postal_cache.get", "cache entry expired")
	}
	return record, nil
}

// Upsert writes the record under its postal code.
func (r *PostalCacheRepository) Upsert(ctx context.Context, record domain.CachedPostalAddress) error {
	postalCode := strings.TrimSpace(record.PostalCode)
	if postalCode == "" {
		return errors.New("postal cache repository: postal code is required")
	}
	return r.docs.Set(ctx, postalCode, encodePostalCacheDocument(record))
}

// Delete removes the cached record if present.
func (r *PostalCacheRepository) Delete(ctx context.Context, postalCode string) error {
	return r.docs.Delete(ctx, strings.TrimSpace(postalCode))
}

type postalCacheDocument struct {
	Street       string    `firestore:"street"`
	Neighborhood string    `firestore:"neighborhood"`
	City         string    `firestore:"city"`
	StateCode    string    `firestore:"stateCode"`
	RegionCode   string    `firestore:"regionCode,omitempty"`
	Latitude     *float64  `firestore:"latitude,omitempty"`
	Longitude    *float64  `firestore:"longitude,omitempty"`
	CachedAt     time.Time `firestore:"cachedAt"`
	ExpiresAt    time.Time `firestore:"expiresAt"`
}

func encodePostalCacheDocument(record domain.CachedPostalAddress) postalCacheDocument {
	return postalCacheDocument{
		Street:       record.Street,
		Neighborhood: record.Neighborhood,
		City:         record.City,
		StateCode:    record.StateCode,
		RegionCode:   record.RegionCode,
		Latitude:     record.Latitude,
		Longitude:    record.Longitude,
		CachedAt:     record.CachedAt.UTC(),
		ExpiresAt:    record.ExpiresAt.UTC(),
	}
}

func decodePostalCacheDocument(id string, doc postalCacheDocument) domain.CachedPostalAddress {
	return domain.CachedPostalAddress{
		PostalAddress: domain.PostalAddress{
			PostalCode:   id,
			Street:       doc.Street,
			Neighborhood: doc.Neighborhood,
			City:         doc.City,
			StateCode:    doc.StateCode,
			RegionCode:   doc.RegionCode,
			Latitude:     doc.Latitude,
			Longitude:    doc.Longitude,
		},
		CachedAt:  doc.CachedAt.UTC(),
		ExpiresAt: doc.ExpiresAt.UTC(),
	}
}
