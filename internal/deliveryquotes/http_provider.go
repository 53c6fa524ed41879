package deliveryquotes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/feiralivre/api/internal/domain"
)

var (
	// ErrQuoteRejected indicates the quote endpoint answered with a non-2xx status.
	ErrQuoteRejected = errors.New("delivery quote: request rejected")
	// ErrQuoteMalformed indicates the quote endpoint answered with an unusable body.
	ErrQuoteMalformed = errors.New("delivery quote: malformed response")
)

const (
	quotePath        = "/vendor-delivery-quote"
	maxResponseBytes = 32 << 10
	// maxFeeReais caps a single store fee well below the int64 cents range.
	maxFeeReais = 1_000_000
)

var tracer = otel.Tracer("github.com/feiralivre/api/internal/deliveryquotes")

// HTTPDoer abstracts http.Client for tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProvider calls the vendor delivery quote endpoint.
type HTTPProvider struct {
	baseURL string
	token   string
	client  HTTPDoer
}

// Option customises the HTTP provider.
type Option func(*HTTPProvider)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client HTTPDoer) Option {
	return func(p *HTTPProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithAuthToken sets the bearer token sent with each request.
func WithAuthToken(token string) Option {
	return func(p *HTTPProvider) {
		p.token = strings.TrimSpace(token)
	}
}

// NewHTTPProvider constructs a quote client rooted at baseURL.
func NewHTTPProvider(baseURL string, opts ...Option) (*HTTPProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("delivery quote provider: base url is required")
	}
	p := &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

type quoteRequest struct {
	VendorID   string `json:"vendorId"`
	ProductID  string `json:"productId"`
	PostalCode string `json:"postalCode"`
}

type quoteResponse struct {
	IsLocal         bool     `json:"isLocal"`
	Message         string   `json:"message"`
	EstimatedTime   string   `json:"estimatedTime"`
	Fee             *float64 `json:"fee"`
	HasRestrictions bool     `json:"hasRestrictions"`
	IsAvailable     *bool    `json:"isAvailable"`
}

// QuoteDelivery requests a delivery quote for the vendor's product at the destination postal code.
func (p *HTTPProvider) QuoteDelivery(ctx context.Context, req domain.VendorQuoteRequest) (quote domain.VendorDeliveryQuote, err error) {
	ctx, span := tracer.Start(ctx, "deliveryquotes.quote",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("vendor.id", req.VendorID)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(req.VendorID) == "" {
		return domain.VendorDeliveryQuote{}, errors.New("delivery quote provider: vendor id is required")
	}

	body, err := json.Marshal(quoteRequest{
		VendorID:   req.VendorID,
		ProductID:  req.ProductID,
		PostalCode: req.PostalCode,
	})
	if err != nil {
		return domain.VendorDeliveryQuote{}, fmt.Errorf("delivery quote provider: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+quotePath, bytes.NewReader(body))
	if err != nil {
		return domain.VendorDeliveryQuote{}, fmt.Errorf("delivery quote provider: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.VendorDeliveryQuote{}, ctxErr
		}
		return domain.VendorDeliveryQuote{}, fmt.Errorf("delivery quote provider: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.VendorDeliveryQuote{}, fmt.Errorf("delivery quote provider: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.VendorDeliveryQuote{}, fmt.Errorf("%w: status %d", ErrQuoteRejected, resp.StatusCode)
	}

	var payload quoteResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.VendorDeliveryQuote{}, fmt.Errorf("%w: %v", ErrQuoteMalformed, err)
	}
	if payload.Fee == nil || payload.IsAvailable == nil {
		return domain.VendorDeliveryQuote{}, fmt.Errorf("%w: fee and isAvailable are required", ErrQuoteMalformed)
	}
	if *payload.Fee < 0 || *payload.Fee > maxFeeReais || math.IsNaN(*payload.Fee) || math.IsInf(*payload.Fee, 0) {
		return domain.VendorDeliveryQuote{}, fmt.Errorf("%w: invalid fee %v", ErrQuoteMalformed, *payload.Fee)
	}

	return domain.VendorDeliveryQuote{
		IsLocal:         payload.IsLocal,
		Message:         strings.TrimSpace(payload.Message),
		EstimatedTime:   strings.TrimSpace(payload.EstimatedTime),
		FeeCents:        int64(math.Round(*payload.Fee * 100)),
		HasRestrictions: payload.HasRestrictions,
		IsAvailable:     *payload.IsAvailable,
	}, nil
}
