package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/platform/httpx"
	"github.com/feiralivre/api/internal/platform/requestctx"
	"github.com/feiralivre/api/internal/postal"
	"github.com/feiralivre/api/internal/services"
)

// PostalCodeHandlers exposes postal code lookup and nearby suggestions.
type PostalCodeHandlers struct {
	addresses services.AddressResolutionService
}

// NewPostalCodeHandlers constructs the postal code handler set.
func NewPostalCodeHandlers(addresses services.AddressResolutionService) *PostalCodeHandlers {
	return &PostalCodeHandlers{addresses: addresses}
}

// Routes registers the endpoints beneath /postal-codes.
func (h *PostalCodeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{postalCode}", h.lookup)
	r.Get("/{postalCode}/suggestions", h.suggestions)
}

type deliveryZonePayload struct {
	ZoneType          string `json:"zoneType"`
	EstimatedLeadTime string `json:"estimatedLeadTime"`
}

type postalLookupPayload struct {
	PostalCode   string              `json:"postalCode"`
	Formatted    string              `json:"formattedPostalCode"`
	Street       string              `json:"street"`
	Neighborhood string              `json:"neighborhood"`
	City         string              `json:"city"`
	StateCode    string              `json:"stateCode"`
	RegionCode   string              `json:"regionCode,omitempty"`
	Latitude     *float64            `json:"latitude,omitempty"`
	Longitude    *float64            `json:"longitude,omitempty"`
	Source       string              `json:"source"`
	Confidence   string              `json:"confidence"`
	DeliveryZone deliveryZonePayload `json:"deliveryZone"`
}

type suggestionsPayload struct {
	Suggestions []string `json:"suggestions"`
}

func (h *PostalCodeHandlers) lookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "postal code service not available", http.StatusServiceUnavailable).WithRetryAfter(unavailableRetryAfter))
		return
	}

	raw := chi.URLParam(r, "postalCode")
	result, err := h.addresses.Lookup(ctx, raw)
	if err != nil {
		h.writeLookupError(w, r, raw, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildPostalLookupPayload(result))
}

func (h *PostalCodeHandlers) suggestions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.addresses == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "postal code service not available", http.StatusServiceUnavailable).WithRetryAfter(unavailableRetryAfter))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, suggestionsPayload{
		Suggestions: h.addresses.GenerateNearbySuggestions(chi.URLParam(r, "postalCode")),
	})
}

func (h *PostalCodeHandlers) writeLookupError(w http.ResponseWriter, r *http.Request, raw string, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrPostalCodeInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_postal_code", "postal code must contain 8 digits", http.StatusBadRequest))
	case errors.Is(err, services.ErrPostalCodeNotFound):
		apiErr := httpx.NewError("postal_code_not_found", "postal code not found", http.StatusNotFound)
		if postal.IsValidCode(postal.Sanitize(raw)) {
			apiErr = apiErr.WithDetails(map[string]any{
				"suggestions": h.addresses.GenerateNearbySuggestions(raw),
			})
		}
		httpx.WriteError(ctx, w, apiErr)
	default:
		requestctx.Logger(ctx).Error("postal lookup failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "postal lookup failed", http.StatusInternalServerError))
	}
}

func buildPostalLookupPayload(result domain.PostalLookupResult) postalLookupPayload {
	return postalLookupPayload{
		PostalCode:   result.PostalCode,
		Formatted:    postal.Format(result.PostalCode),
		Street:       result.Street,
		Neighborhood: result.Neighborhood,
		City:         result.City,
		StateCode:    result.StateCode,
		RegionCode:   result.RegionCode,
		Latitude:     result.Latitude,
		Longitude:    result.Longitude,
		Source:       string(result.Source),
		Confidence:   string(result.Confidence),
		DeliveryZone: deliveryZonePayload{
			ZoneType:          result.DeliveryZone.ZoneType,
			EstimatedLeadTime: result.DeliveryZone.EstimatedLeadTime,
		},
	}
}
