package postal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAddressNotFound indicates the provider answered but has no address for the code.
	ErrAddressNotFound = errors.New("postal: address not found")
	// ErrProviderUnavailable indicates a transport failure or unexpected HTTP status.
	ErrProviderUnavailable = errors.New("postal: provider unavailable")
	// ErrMalformedResponse indicates the provider body could not be decoded.
	ErrMalformedResponse = errors.New("postal: malformed provider response")
)

const maxResponseBytes = 64 << 10

var tracer = otel.Tracer("github.com/feiralivre/api/internal/postal")

// Address is the raw address returned by an external lookup provider after sanitisation.
type Address struct {
	PostalCode   string
	Street       string
	Neighborhood string
	City         string
	StateCode    string
	RegionCode   string
	Latitude     *float64
	Longitude    *float64
}

// Provider resolves a sanitised 8-digit postal code against an external service.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, code string) (Address, error)
}

// HTTPDoer abstracts http.Client for tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientOption customises HTTP-backed providers.
type ClientOption func(*clientConfig)

type clientConfig struct {
	httpClient HTTPDoer
	userAgent  string
}

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(client HTTPDoer) ClientOption {
	return func(cfg *clientConfig) {
		if client != nil {
			cfg.httpClient = client
		}
	}
}

// WithUserAgent sets the User-Agent header sent to providers.
func WithUserAgent(ua string) ClientOption {
	return func(cfg *clientConfig) {
		if ua != "" {
			cfg.userAgent = ua
		}
	}
}

func newClientConfig(opts []ClientOption) clientConfig {
	cfg := clientConfig{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		userAgent:  "feiralivre-api/1.0",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

func startSpan(ctx context.Context, provider, code string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "postal.lookup "+provider,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("postal.provider", provider),
			attribute.String("postal.code_prefix", prefix(code, 5)),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrAddressNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func prefix(value string, n int) string {
	if len(value) <= n {
		return value
	}
	return value[:n]
}
