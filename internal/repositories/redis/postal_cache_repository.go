package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/repositories"
)

const postalKeyPrefix = "postal:cep:"

// PostalCacheRepository stores postal lookups as JSON strings with a Redis-side expiry.
type PostalCacheRepository struct {
	client goredis.UniversalClient
	now    func() time.Time
}

var _ repositories.PostalCacheRepository = (*PostalCacheRepository)(nil)

// NewPostalCacheRepository constructs a Redis-backed postal cache.
func NewPostalCacheRepository(client goredis.UniversalClient, clock func() time.Time) (*PostalCacheRepository, error) {
	if client == nil {
		return nil, errors.New("postal cache repository: redis client is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &PostalCacheRepository{
		client: client,
		now:    func() time.Time { return clock().UTC() },
	}, nil
}

// NewClient parses a redis:// or rediss:// URL into a client.
func NewClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	return goredis.NewClient(opts), nil
}

// Get returns the cached record, or a not-found error when the key is missing or stale.
func (r *PostalCacheRepository) Get(ctx context.Context, postalCode string) (domain.CachedPostalAddress, error) {
	const op = "postal_cache.get"
	raw, err := r.client.Get(ctx, postalKey(postalCode)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.CachedPostalAddress{}, repositories.NewNotFoundError(op)
	}
	if err != nil {
		return domain.CachedPostalAddress{}, wrapError(op, err)
	}

	var payload postalCachePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		// A corrupt payload reads as a miss and is dropped so the next lookup rewrites it.
		_ = r.client.Del(ctx, postalKey(postalCode)).Err()
		return domain.CachedPostalAddress{}, &repositories.StoreError{
			Op:       op,
			Err:      fmt.Errorf("decode payload: %w", err),
			NotFound: true,
		}
	}
	record := payload.toDomain(strings.TrimSpace(postalCode))
	if !record.ExpiresAt.IsZero() && !r.now().Before(record.ExpiresAt) {
		return domain.CachedPostalAddress{}, repositories.NewNotFoundError(op)
	}
	return record, nil
}

// Upsert stores the record with an expiry matching ExpiresAt. Already expired records are not written.
func (r *PostalCacheRepository) Upsert(ctx context.Context, record domain.CachedPostalAddress) error {
	const op = "postal_cache.upsert"
	if strings.TrimSpace(record.PostalCode) == "" {
		return errors.New("postal cache repository: postal code is required")
	}
	var ttl time.Duration
	if !record.ExpiresAt.IsZero() {
		ttl = record.ExpiresAt.Sub(r.now())
		if ttl <= 0 {
			return nil
		}
	}
	raw, err := json.Marshal(newPostalCachePayload(record))
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", op, err)
	}
	if err := r.client.Set(ctx, postalKey(record.PostalCode), raw, ttl).Err(); err != nil {
		return wrapError(op, err)
	}
	return nil
}

// Delete removes the key. Missing keys are ignored.
func (r *PostalCacheRepository) Delete(ctx context.Context, postalCode string) error {
	if err := r.client.Del(ctx, postalKey(postalCode)).Err(); err != nil {
		return wrapError("postal_cache.delete", err)
	}
	return nil
}

func postalKey(postalCode string) string {
	return postalKeyPrefix + strings.TrimSpace(postalCode)
}

func wrapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return repositories.NewUnavailableError(op, err)
}

type postalCachePayload struct {
	Street       string    `json:"street"`
	Neighborhood string    `json:"neighborhood"`
	City         string    `json:"city"`
	StateCode    string    `json:"stateCode"`
	RegionCode   string    `json:"regionCode,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	CachedAt     time.Time `json:"cachedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func newPostalCachePayload(record domain.CachedPostalAddress) postalCachePayload {
	return postalCachePayload{
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

func (p postalCachePayload) toDomain(postalCode string) domain.CachedPostalAddress {
	return domain.CachedPostalAddress{
		PostalAddress: domain.PostalAddress{
			PostalCode:   postalCode,
			Street:       p.Street,
			Neighborhood: p.Neighborhood,
			City:         p.City,
			StateCode:    p.StateCode,
			RegionCode:   p.RegionCode,
			Latitude:     p.Latitude,
			Longitude:    p.Longitude,
		},
		CachedAt:  p.CachedAt.UTC(),
		ExpiresAt: p.ExpiresAt.UTC(),
	}
}
