package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/postal"
)

const (
	defaultSessionIdleTTL = 30 * time.Minute
	deliverySessionPrefix = "dls_"
)

var (
	// ErrDeliverySessionNotFound indicates the session id is unknown or the session was closed.
	ErrDeliverySessionNotFound = errors.New("delivery session: not found")
	// ErrDeliverySessionInvalid indicates the session inputs failed validation.
	ErrDeliverySessionInvalid = errors.New("delivery session: invalid input")
)

// DeliverySessionRegistryDeps bundles collaborators for the delivery session registry.
type DeliverySessionRegistryDeps struct {
	NewAggregator func() (CheckoutDeliveryAggregator, error)
	IdleTTL       time.Duration
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type deliverySessionEntry struct {
	id         string
	aggregator CheckoutDeliveryAggregator
	createdAt  time.Time
	lastActive time.Time
}

type deliverySessionRegistry struct {
	newAggregator func() (CheckoutDeliveryAggregator, error)
	idleTTL       time.Duration
	now           func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)

	mu       sync.Mutex
	sessions map[string]*deliverySessionEntry
}

var _ DeliverySessionService = (*deliverySessionRegistry)(nil)

// NewDeliverySessionRegistry constructs the registry mapping checkout sessions to aggregators.
func NewDeliverySessionRegistry(deps DeliverySessionRegistryDeps) (DeliverySessionService, error) {
	if deps.NewAggregator == nil {
		return nil, errors.New("delivery session registry: aggregator factory is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return deliverySessionPrefix + strings.ToLower(ulid.Make().String()) }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &deliverySessionRegistry{
		newAggregator: deps.NewAggregator,
		idleTTL:       durationOrDefault(deps.IdleTTL, defaultSessionIdleTTL),
		now: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		logger:   logger,
		sessions: make(map[string]*deliverySessionEntry),
	}, nil
}

func (r *deliverySessionRegistry) Create(ctx context.Context) (DeliverySession, error) {
	aggregator, err := r.newAggregator()
	if err != nil {
		return DeliverySession{}, fmt.Errorf("delivery session registry: create aggregator: %w", err)
	}
	now := r.now()
	entry := &deliverySessionEntry{
		id:         r.newID(),
		aggregator: aggregator,
		createdAt:  now,
		lastActive: now,
	}

	r.mu.Lock()
	r.sessions[entry.id] = entry
	r.mu.Unlock()

	r.logger(ctx, "delivery_session.created", map[string]any{"sessionId": entry.id})
	return r.view(entry), nil
}

func (r *deliverySessionRegistry) Get(ctx context.Context, sessionID string) (DeliverySession, error) {
	entry, err := r.touch(sessionID)
	if err != nil {
		return DeliverySession{}, err
	}
	return r.view(entry), nil
}

func (r *deliverySessionRegistry) Update(ctx context.Context, sessionID string, cmd DeliverySessionInput) (DeliverySession, error) {
	if err := validateDeliverySessionInput(cmd); err != nil {
		return DeliverySession{}, err
	}
	entry, err := r.touch(sessionID)
	if err != nil {
		return DeliverySession{}, err
	}
	entry.aggregator.Update(cmd.StoreGroups, &domain.DeliveryAddress{PostalCode: cmd.PostalCode})
	return r.view(entry), nil
}

func (r *deliverySessionRegistry) Recalculate(ctx context.Context, sessionID string) (DeliverySession, error) {
	entry, err := r.touch(sessionID)
	if err != nil {
		return DeliverySession{}, err
	}
	entry.aggregator.Recalculate(ctx)
	return r.view(entry), nil
}

func (r *deliverySessionRegistry) Close(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	entry, ok := r.sessions[strings.TrimSpace(sessionID)]
	if ok {
		delete(r.sessions, entry.id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrDeliverySessionNotFound
	}
	entry.aggregator.Close()
	r.logger(ctx, "delivery_session.closed", map[string]any{"sessionId": entry.id})
	return nil
}

func (r *deliverySessionRegistry) Sweep(now time.Time) int {
	now = now.UTC()
	r.mu.Lock()
	var expired []*deliverySessionEntry
	for id, entry := range r.sessions {
		if now.Sub(entry.lastActive) >= r.idleTTL {
			expired = append(expired, entry)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, entry := range expired {
		entry.aggregator.Close()
	}
	if len(expired) > 0 {
		r.logger(context.Background(), "delivery_session.swept", map[string]any{"count": len(expired)})
	}
	return len(expired)
}

func (r *deliverySessionRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *deliverySessionRegistry) CloseAll() {
	r.mu.Lock()
	entries := make([]*deliverySessionEntry, 0, len(r.sessions))
	for id, entry := range r.sessions {
		entries = append(entries, entry)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, entry := range entries {
		entry.aggregator.Close()
	}
}

func (r *deliverySessionRegistry) touch(sessionID string) (*deliverySessionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, ErrDeliverySessionNotFound
	}
	entry.lastActive = r.now()
	return entry, nil
}

func (r *deliverySessionRegistry) view(entry *deliverySessionEntry) DeliverySession {
	r.mu.Lock()
	lastActive := entry.lastActive
	r.mu.Unlock()
	return DeliverySession{
		ID:           entry.id,
		CreatedAt:    entry.createdAt,
		LastActiveAt: lastActive,
		State:        entry.aggregator.State(),
	}
}

func validateDeliverySessionInput(cmd DeliverySessionInput) error {
	if !postal.IsValidCode(postal.Sanitize(cmd.PostalCode)) {
		return fmt.Errorf("%w: postal code must have 8 digits", ErrDeliverySessionInvalid)
	}
	if len(cmd.StoreGroups) == 0 {
		return fmt.Errorf("%w: at least one store group is required", ErrDeliverySessionInvalid)
	}
	seen := make(map[string]struct{}, len(cmd.StoreGroups))
	for _, group := range cmd.StoreGroups {
		id := strings.TrimSpace(group.StoreID)
		if id == "" {
			return fmt.Errorf("%w: store id is required", ErrDeliverySessionInvalid)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate store %s", ErrDeliverySessionInvalid, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
