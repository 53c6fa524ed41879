package postal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// BrasilAPIProvider queries the BrasilAPI CEP v2 endpoint (GET /api/cep/v2/{cep}).
type BrasilAPIProvider struct {
	baseURL string
	cfg     clientConfig
}

// NewBrasilAPIProvider constructs a BrasilAPI client rooted at baseURL.
func NewBrasilAPIProvider(baseURL string, opts ...ClientOption) (*BrasilAPIProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("brasilapi provider: base url is required")
	}
	return &BrasilAPIProvider{baseURL: baseURL, cfg: newClientConfig(opts)}, nil
}

// Name identifies the provider in logs and spans.
func (p *BrasilAPIProvider) Name() string { return "brasilapi" }

type brasilAPIResponse struct {
	CEP          string `json:"cep"`
	State        string `json:"state"`
	City         string `json:"city"`
	Neighborhood string `json:"neighborhood"`
	Street       string `json:"street"`
	Location     struct {
		Coordinates struct {
			Latitude  flexibleFloat `json:"latitude"`
			Longitude flexibleFloat `json:"longitude"`
		} `json:"coordinates"`
	} `json:"location"`
}

// flexibleFloat accepts coordinates encoded either as JSON numbers or numeric strings.
type flexibleFloat struct {
	value *float64
}

func (f *flexibleFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := strings.Trim(string(data), "\"")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("coordinate %q: %w", raw, err)
	}
	f.value = &parsed
	return nil
}

// Lookup resolves code against BrasilAPI.
func (p *BrasilAPIProvider) Lookup(ctx context.Context, code string) (addr Address, err error) {
	if !IsValidCode(code) {
		return Address{}, fmt.Errorf("%w: invalid code", ErrAddressNotFound)
	}
	ctx, span := startSpan(ctx, p.Name(), code)
	defer func() { endSpan(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/cep/v2/%s", p.baseURL, code), nil)
	if err != nil {
		return Address{}, fmt.Errorf("%w: build request: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", p.cfg.userAgent)

	resp, err := p.cfg.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Address{}, ctxErr
		}
		return Address{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Address{}, ErrAddressNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Address{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Address{}, fmt.Errorf("%w: read body: %v", ErrProviderUnavailable, err)
	}
	var payload brasilAPIResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return Address{
		PostalCode:   code,
		Street:       CleanText(payload.Street),
		Neighborhood: CleanText(payload.Neighborhood),
		City:         CleanText(payload.City),
		StateCode:    NormalizeStateCode(payload.State),
		Latitude:     payload.Location.Coordinates.Latitude.value,
		Longitude:    payload.Location.Coordinates.Longitude.value,
	}, nil
}
