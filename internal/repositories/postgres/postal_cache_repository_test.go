package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/repositories"
)

func TestPostalCacheRepositoryPostgres(t *testing.T) {
	dsn := os.Getenv("API_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("API_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := Open(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, time.July, 9, 15, 0, 0, 0, time.UTC)
	repo, err := NewPostalCacheRepository(db, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewPostalCacheRepository: %v", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() { _ = repo.Delete(context.Background(), "39688000") })

	lon := -42.3601
	record := domain.CachedPostalAddress{
		PostalAddress: domain.PostalAddress{
			PostalCode:   "39688000",
			Street:       "Rua Principal",
			Neighborhood: "Centro",
			City:         "Angelândia",
			StateCode:    "MG",
			RegionCode:   "3102704",
			Longitude:    &lon,
		},
		CachedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := repo.Upsert(ctx, record); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	record.Street = "Rua Nova"
	if err := repo.Upsert(ctx, record); err != nil {
		t.Fatalf("Upsert conflict: %v", err)
	}

	got, err := repo.Get(ctx, "39688000")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Street != "Rua Nova" || got.City != "Angelândia" || got.Latitude != nil || got.Longitude == nil || *got.Longitude != lon {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.ExpiresAt.Equal(record.ExpiresAt) {
		t.Fatalf("expected expiresAt %s, got %s", record.ExpiresAt, got.ExpiresAt)
	}

	now = now.Add(2 * time.Hour)
	if _, err := repo.Get(ctx, "39688000"); !repositories.IsNotFound(err) {
		t.Fatalf("expected expired row to be not found, got %v", err)
	}
}

func TestNewPostalCacheRepositoryRequiresDB(t *testing.T) {
	if _, err := NewPostalCacheRepository(nil, nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestNullFloat(t *testing.T) {
	if nullFloat(nil).Valid {
		t.Fatalf("nil must map to NULL")
	}
	v := 1.5
	if got := nullFloat(&v); !got.Valid || got.Float64 != 1.5 {
		t.Fatalf("unexpected %+v", got)
	}
}
