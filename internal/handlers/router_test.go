package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/services"
)

func TestNewRouterDefaultMounts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{
			report: services.SystemHealthReport{
				Status:      domain.HealthStatusOK,
				GeneratedAt: now,
				Checks:      map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK}},
			},
		}),
		WithHealthClock(func() time.Time { return now }),
	)))

	t.Run("healthz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("expected json content type, got %s", ct)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("unregistered group answers not implemented", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/postal-codes/01001000", nil))
		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("expected status 501, got %d", rr.Code)
		}
	})

	t.Run("unknown route", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
		var body map[string]any
		_ = json.Unmarshal(rr.Body.Bytes(), &body)
		if body["error"] != errorNotFoundCode {
			t.Fatalf("unexpected error code %v", body["error"])
		}
	})
}

func TestNewRouterMountsRegistrars(t *testing.T) {
	var hits []string
	router := NewRouter(
		WithPostalRoutes(func(r chi.Router) {
			r.Get("/{postalCode}", func(w http.ResponseWriter, req *http.Request) {
				hits = append(hits, "postal:"+chi.URLParam(req, "postalCode"))
				w.WriteHeader(http.StatusOK)
			})
		}),
		WithDeliverySessionRoutes(func(r chi.Router) {
			r.Post("/", func(w http.ResponseWriter, _ *http.Request) {
				hits = append(hits, "delivery:create")
				w.WriteHeader(http.StatusCreated)
			})
		}),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/postal-codes/39688000", nil))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/checkout/delivery-sessions", nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if len(hits) != 2 || hits[0] != "postal:39688000" || hits[1] != "delivery:create" {
		t.Fatalf("unexpected hits %v", hits)
	}
}

func TestNewRouterAppliesGroupTimeout(t *testing.T) {
	router := NewRouter(
		WithRouteTimeouts(20*time.Millisecond, 0),
		WithPostalRoutes(func(r chi.Router) {
			r.Get("/{postalCode}", func(w http.ResponseWriter, req *http.Request) {
				<-req.Context().Done()
			})
		}),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/postal-codes/39688000", nil))
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 after the postal deadline, got %d", rr.Code)
	}
}

func TestNewRouterUnmountedGroupIsNotImplemented(t *testing.T) {
	rr := httptest.NewRecorder()
	NewRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/checkout/delivery-sessions/dls_1", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rr.Code)
	}
}
