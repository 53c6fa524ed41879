package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/repositories"
)

const createPostalCacheTable = `
CREATE TABLE IF NOT EXISTS postal_code_cache (
    postal_code   CHAR(8) PRIMARY KEY,
    street        TEXT NOT NULL,
    neighborhood  TEXT NOT NULL,
    city          TEXT NOT NULL,
    state_code    CHAR(2) NOT NULL,
    region_code   TEXT NOT NULL DEFAULT '',
    latitude      DOUBLE PRECISION,
    longitude     DOUBLE PRECISION,
    cached_at     TIMESTAMPTZ NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL
)`

// PostalCacheRepository stores postal lookups in the postal_code_cache table.
type PostalCacheRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ repositories.PostalCacheRepository = (*PostalCacheRepository)(nil)

// Open connects to Postgres using the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// NewPostalCacheRepository constructs a Postgres-backed postal cache.
func NewPostalCacheRepository(db *sql.DB, clock func() time.Time) (*PostalCacheRepository, error) {
	if db == nil {
		return nil, errors.New("postal cache repository: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &PostalCacheRepository{
		db:  db,
		now: func() time.Time { return clock().UTC() },
	}, nil
}

// EnsureSchema creates the cache table when it does not exist yet.
func (r *PostalCacheRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createPostalCacheTable); err != nil {
		return wrapError("postal_cache.schema", err)
	}
	return nil
}

// Get returns the cached record. Rows at or past expires_at are reported as not found.
func (r *PostalCacheRepository) Get(ctx context.Context, postalCode string) (domain.CachedPostalAddress, error) {
	const op = "postal_cache.get"
	const query = `
        SELECT postal_code, street, neighborhood, city, state_code, region_code,
               latitude, longitude, cached_at, expires_at
        FROM postal_code_cache
        WHERE postal_code = $1 AND expires_at > $2`

	var (
		record    domain.CachedPostalAddress
		latitude  sql.NullFloat64
		longitude sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, query, strings.TrimSpace(postalCode), r.now()).Scan(
		&record.PostalCode,
		&record.Street,
		&record.Neighborhood,
		&record.City,
		&record.StateCode,
		&record.RegionCode,
		&latitude,
		&longitude,
		&record.CachedAt,
		&record.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CachedPostalAddress{}, repositories.NewNotFoundError(op)
	}
	if err != nil {
		return domain.CachedPostalAddress{}, wrapError(op, err)
	}
	if latitude.Valid {
		record.Latitude = &latitude.Float64
	}
	if longitude.Valid {
		record.Longitude = &longitude.Float64
	}
	record.CachedAt = record.CachedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	return record, nil
}

// Upsert inserts or replaces the row for the record's postal code.
func (r *PostalCacheRepository) Upsert(ctx context.Context, record domain.CachedPostalAddress) error {
	const query = `
        INSERT INTO postal_code_cache
            (postal_code, street, neighborhood, city, state_code, region_code,
             latitude, longitude, cached_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (postal_code) DO UPDATE SET
            street = EXCLUDED.street,
            neighborhood = EXCLUDED.neighborhood,
            city = EXCLUDED.city,
            state_code = EXCLUDED.state_code,
            region_code = EXCLUDED.region_code,
            latitude = EXCLUDED.latitude,
            longitude = EXCLUDED.longitude,
            cached_at = EXCLUDED.cached_at,
            expires_at = EXCLUDED.expires_at`

	postalCode := strings.TrimSpace(record.PostalCode)
	if postalCode == "" {
		return errors.New("postal cache repository: postal code is required")
	}
	_, err := r.db.ExecContext(ctx, query,
		postalCode,
		record.Street,
		record.Neighborhood,
		record.City,
		record.StateCode,
		record.RegionCode,
		nullFloat(record.Latitude),
		nullFloat(record.Longitude),
		record.CachedAt.UTC(),
		record.ExpiresAt.UTC(),
	)
	if err != nil {
		return wrapError("postal_cache.upsert", err)
	}
	return nil
}

// Delete removes the row if present.
func (r *PostalCacheRepository) Delete(ctx context.Context, postalCode string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM postal_code_cache WHERE postal_code = $1`, strings.TrimSpace(postalCode)); err != nil {
		return wrapError("postal_cache.delete", err)
	}
	return nil
}

func nullFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}

func wrapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return repositories.NewUnavailableError(op, err)
}
