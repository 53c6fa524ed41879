package deliveryquotes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/feiralivre/api/internal/domain"
)

func TestHTTPProviderQuoteDelivery(t *testing.T) {
	var got quoteRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/functions/v1/vendor-delivery-quote" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer token-123" {
			t.Errorf("unexpected authorization header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isLocal":true,"message":"Entrega local","estimatedTime":"1 dia","fee":12.9,"hasRestrictions":false,"isAvailable":true}`))
	}))
	defer server.Close()

	provider, err := NewHTTPProvider(server.URL+"/functions/v1/", WithAuthToken("token-123"))
	if err != nil {
		t.Fatalf("NewHTTPProvider: %v", err)
	}

	quote, err := provider.QuoteDelivery(context.Background(), domain.VendorQuoteRequest{VendorID: "V1", ProductID: "p1", PostalCode: "39688000"})
	if err != nil {
		t.Fatalf("QuoteDelivery: %v", err)
	}
	if got.VendorID != "V1" || got.ProductID != "p1" || got.PostalCode != "39688000" {
		t.Fatalf("unexpected request payload %+v", got)
	}
	if !quote.IsLocal || quote.FeeCents != 1290 || quote.EstimatedTime != "1 dia" || !quote.IsAvailable || quote.Message != "Entrega local" {
		t.Fatalf("unexpected quote %+v", quote)
	}
}

func TestHTTPProviderQuoteDeliveryFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{}`, wantErr: ErrQuoteRejected},
		{name: "malformed json", status: http.StatusOK, body: `{"fee":`, wantErr: ErrQuoteMalformed},
		{name: "missing fee", status: http.StatusOK, body: `{"isAvailable":true}`, wantErr: ErrQuoteMalformed},
		{name: "negative fee", status: http.StatusOK, body: `{"fee":-1,"isAvailable":true}`, wantErr: ErrQuoteMalformed},
		{name: "absurd fee", status: http.StatusOK, body: `{"fee":1e30,"isAvailable":true}`, wantErr: ErrQuoteMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			provider, _ := NewHTTPProvider(server.URL)
			_, err := provider.QuoteDelivery(context.Background(), domain.VendorQuoteRequest{VendorID: "V1"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestHTTPProviderHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	provider, _ := NewHTTPProvider(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := provider.QuoteDelivery(ctx, domain.VendorQuoteRequest{VendorID: "V1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewHTTPProviderRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPProvider("  "); err == nil {
		t.Fatalf("expected error for blank base url")
	}
	provider, _ := NewHTTPProvider("http://example.test")
	if _, err := provider.QuoteDelivery(context.Background(), domain.VendorQuoteRequest{}); err == nil {
		t.Fatalf("expected error for missing vendor id")
	}
}
