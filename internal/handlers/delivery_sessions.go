package handlers

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/platform/httpx"
	"github.com/feiralivre/api/internal/platform/requestctx"
	"github.com/feiralivre/api/internal/platform/validation"
	"github.com/feiralivre/api/internal/services"
)

const maxDeliverySessionRequestBody = 64 * 1024

// DeliverySessionHandlers exposes the checkout delivery session lifecycle.
type DeliverySessionHandlers struct {
	sessions  services.DeliverySessionService
	validator *validation.Validator
}

// NewDeliverySessionHandlers constructs the handler set.
func NewDeliverySessionHandlers(sessions services.DeliverySessionService, validator *validation.Validator) *DeliverySessionHandlers {
	if validator == nil {
		validator = validation.New()
	}
	return &DeliverySessionHandlers{sessions: sessions, validator: validator}
}

// Routes registers the endpoints beneath /checkout/delivery-sessions.
func (h *DeliverySessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.create)
	r.Route("/{sessionID}", func(session chi.Router) {
		session.Use(tagDeliverySession)
		session.Get("/", h.get)
		session.Put("/", h.update)
		session.Delete("/", h.close)
		session.Post("/recalculate", h.recalculate)
	})
}

func tagDeliverySession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestctx.WithDeliverySession(r.Context(), strings.TrimSpace(chi.URLParam(r, "sessionID")))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type deliverySessionRequest struct {
	Address     *deliveryAddressPayload `json:"address" validate:"required"`
	StoreGroups []storeGroupPayload     `json:"storeGroups" validate:"min=1,max=50,unique=StoreID,dive"`
}

type deliveryAddressPayload struct {
	PostalCode string `json:"postalCode" validate:"postalcode"`
}

type storeGroupPayload struct {
	StoreID   string            `json:"storeId" validate:"notblank,max=128"`
	StoreName string            `json:"storeName" validate:"max=256"`
	Items     []cartItemPayload `json:"items" validate:"max=200,dive"`
}

type cartItemPayload struct {
	ProductID string `json:"productId" validate:"notblank"`
	VendorID  string `json:"vendorId,omitempty"`
	Quantity  int    `json:"quantity,omitempty" validate:"gte=0"`
}

type storeQuotePayload struct {
	StoreID         string `json:"storeId"`
	StoreName       string `json:"storeName"`
	IsLocalDelivery bool   `json:"isLocalDelivery"`
	StatusMessage   string `json:"statusMessage"`
	EstimatedTime   string `json:"estimatedTime"`
	FeeCents        int64  `json:"feeCents"`
	HasRestrictions bool   `json:"hasRestrictions"`
	IsAvailable     bool   `json:"isAvailable"`
	IsLoading       bool   `json:"isLoading"`
	ErrorDetail     string `json:"errorDetail,omitempty"`
}

type deliveryStatePayload struct {
	QuotesByStore         map[string]storeQuotePayload `json:"quotesByStore"`
	TotalShippingFeeCents int64                        `json:"totalShippingFeeCents"`
	IsCalculating         bool                         `json:"isCalculating"`
	AllDeliveryAvailable  bool                         `json:"allDeliveryAvailable"`
	HasRestrictedItems    bool                         `json:"hasRestrictedItems"`
	CalculationKey        string                       `json:"calculationKey,omitempty"`
	CalculatedAt          *time.Time                   `json:"calculatedAt,omitempty"`
}

type deliverySessionPayload struct {
	SessionID    string               `json:"sessionId"`
	CreatedAt    time.Time            `json:"createdAt"`
	LastActiveAt time.Time            `json:"lastActiveAt"`
	State        deliveryStatePayload `json:"state"`
}

func (h *DeliverySessionHandlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		writeDeliveryUnavailable(w, r)
		return
	}
	session, err := h.sessions.Create(ctx)
	if err != nil {
		writeDeliverySessionError(w, r, err)
		return
	}
	requestctx.Logger(ctx).Info("delivery session created", zap.String("deliverySessionId", session.ID))
	w.Header().Set("Location", r.URL.Path+"/"+session.ID)
	httpx.WriteJSON(w, http.StatusCreated, buildDeliverySessionPayload(session))
}

func (h *DeliverySessionHandlers) get(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeDeliveryUnavailable(w, r)
		return
	}
	session, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDeliverySessionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildDeliverySessionPayload(session))
}

func (h *DeliverySessionHandlers) update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		writeDeliveryUnavailable(w, r)
		return
	}

	var req deliverySessionRequest
	if err := httpx.DecodeJSON(r, maxDeliverySessionRequestBody, &req); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeValidationError(w, r, err)
		return
	}

	session, err := h.sessions.Update(ctx, chi.URLParam(r, "sessionID"), req.toInput())
	if err != nil {
		writeDeliverySessionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, buildDeliverySessionPayload(session))
}

func (h *DeliverySessionHandlers) recalculate(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeDeliveryUnavailable(w, r)
		return
	}
	session, err := h.sessions.Recalculate(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDeliverySessionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildDeliverySessionPayload(session))
}

func (h *DeliverySessionHandlers) close(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeDeliveryUnavailable(w, r)
		return
	}
	if err := h.sessions.Close(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeDeliverySessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (req deliverySessionRequest) toInput() services.DeliverySessionInput {
	input := services.DeliverySessionInput{
		StoreGroups: make([]services.StoreGroup, 0, len(req.StoreGroups)),
	}
	if req.Address != nil {
		input.PostalCode = req.Address.PostalCode
	}
	for _, g := range req.StoreGroups {
		group := domain.StoreGroup{
			StoreID:   strings.TrimSpace(g.StoreID),
			StoreName: strings.TrimSpace(g.StoreName),
			Items:     make([]domain.CartItem, 0, len(g.Items)),
		}
		for _, item := range g.Items {
			group.Items = append(group.Items, domain.CartItem{
				ProductID: strings.TrimSpace(item.ProductID),
				VendorID:  strings.TrimSpace(item.VendorID),
				Quantity:  item.Quantity,
			})
		}
		input.StoreGroups = append(input.StoreGroups, group)
	}
	return input
}

func buildDeliverySessionPayload(session services.DeliverySession) deliverySessionPayload {
	return deliverySessionPayload{
		SessionID:    session.ID,
		CreatedAt:    session.CreatedAt,
		LastActiveAt: session.LastActiveAt,
		State:        buildDeliveryStatePayload(session.State),
	}
}

func buildDeliveryStatePayload(state domain.CheckoutDeliveryState) deliveryStatePayload {
	out := deliveryStatePayload{
		QuotesByStore:         make(map[string]storeQuotePayload, len(state.QuotesByStore)),
		TotalShippingFeeCents: state.TotalShippingFee,
		IsCalculating:         state.IsCalculating,
		AllDeliveryAvailable:  state.AllDeliveryAvailable,
		HasRestrictedItems:    state.HasRestrictedItems,
		CalculationKey:        state.CalculationKey,
	}
	if !state.CalculatedAt.IsZero() {
		at := state.CalculatedAt.UTC()
		out.CalculatedAt = &at
	}
	ids := make([]string, 0, len(state.QuotesByStore))
	for id := range state.QuotesByStore {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		q := state.QuotesByStore[id]
		out.QuotesByStore[id] = storeQuotePayload{
			StoreID:         q.StoreID,
			StoreName:       q.StoreName,
			IsLocalDelivery: q.IsLocalDelivery,
			StatusMessage:   q.StatusMessage,
			EstimatedTime:   q.EstimatedTime,
			FeeCents:        q.FeeCents,
			HasRestrictions: q.HasRestrictions,
			IsAvailable:     q.IsAvailable,
			IsLoading:       q.IsLoading,
			ErrorDetail:     q.ErrorDetail,
		}
	}
	return out
}

func writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	if errors.As(err, &verr) {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", verr.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"fields": verr.Fields}))
		return
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}

func writeDeliverySessionError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrDeliverySessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("delivery_session_not_found", "delivery session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDeliverySessionInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		requestctx.Logger(ctx).Error("delivery session request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "delivery session request failed", http.StatusInternalServerError))
	}
}

func writeDeliveryUnavailable(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError("service_unavailable", "delivery session service not available", http.StatusServiceUnavailable).WithRetryAfter(unavailableRetryAfter))
}
