package postal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ViaCEPProvider queries the ViaCEP public API (GET /ws/{cep}/json/).
type ViaCEPProvider struct {
	baseURL string
	cfg     clientConfig
}

// NewViaCEPProvider constructs a ViaCEP client rooted at baseURL.
func NewViaCEPProvider(baseURL string, opts ...ClientOption) (*ViaCEPProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("viacep provider: base url is required")
	}
	return &ViaCEPProvider{baseURL: baseURL, cfg: newClientConfig(opts)}, nil
}

// Name identifies the provider in logs and spans.
func (p *ViaCEPProvider) Name() string { return "viacep" }

type viaCEPResponse struct {
	CEP        string          `json:"cep"`
	Logradouro string          `json:"logradouro"`
	Bairro     string          `json:"bairro"`
	Localidade string          `json:"localidade"`
	UF         string          `json:"uf"`
	IBGE       string          `json:"ibge"`
	Erro       json.RawMessage `json:"erro"`
}

// ViaCEP flags unknown codes with "erro": true (older deployments send the string "true").
func (r viaCEPResponse) notFound() bool {
	flag := strings.Trim(strings.TrimSpace(string(r.Erro)), "\"")
	return strings.EqualFold(flag, "true")
}

// Lookup resolves code against ViaCEP.
func (p *ViaCEPProvider) Lookup(ctx context.Context, code string) (addr Address, err error) {
	if !IsValidCode(code) {
		return Address{}, fmt.Errorf("%w: invalid code", ErrAddressNotFound)
	}
	ctx, span := startSpan(ctx, p.Name(), code)
	defer func() { endSpan(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/ws/%s/json/", p.baseURL, code), nil)
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
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return Address{}, ErrAddressNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Address{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Address{}, fmt.Errorf("%w: read body: %v", ErrProviderUnavailable, err)
	}
	var payload viaCEPResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if payload.notFound() {
		return Address{}, ErrAddressNotFound
	}

	return Address{
		PostalCode:   code,
		Street:       CleanText(payload.Logradouro),
		Neighborhood: CleanText(payload.Bairro),
		City:         CleanText(payload.Localidade),
		StateCode:    NormalizeStateCode(payload.UF),
		RegionCode:   Sanitize(payload.IBGE),
	}, nil
}
