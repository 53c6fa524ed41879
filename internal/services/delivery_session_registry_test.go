package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/feiralivre/api/internal/domain"
)

type stubAggregator struct {
	mu           sync.Mutex
	updates      int
	recalculates int
	closed       bool
	lastGroups   []domain.StoreGroup
	lastAddress  *domain.DeliveryAddress
	state        domain.CheckoutDeliveryState
}

func (s *stubAggregator) Update(groups []domain.StoreGroup, address *domain.DeliveryAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.lastGroups = groups
	s.lastAddress = address
}

func (s *stubAggregator) Calculate(context.Context, []domain.StoreGroup, *domain.DeliveryAddress) domain.CheckoutDeliveryState {
	return s.State()
}

func (s *stubAggregator) Recalculate(context.Context) domain.CheckoutDeliveryState {
	s.mu.Lock()
	s.recalculates++
	s.state.TotalShippingFee = 1500
	s.mu.Unlock()
	return s.State()
}

func (s *stubAggregator) State() domain.CheckoutDeliveryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *stubAggregator) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubAggregator) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type registryFixture struct {
	registry    DeliverySessionService
	aggregators []*stubAggregator
	now         time.Time
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	fx := &registryFixture{now: time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)}
	seq := 0
	registry, err := NewDeliverySessionRegistry(DeliverySessionRegistryDeps{
		NewAggregator: func() (CheckoutDeliveryAggregator, error) {
			agg := &stubAggregator{}
			fx.aggregators = append(fx.aggregators, agg)
			return agg, nil
		},
		IdleTTL: 10 * time.Minute,
		Clock:   func() time.Time { return fx.now },
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("dls_%02d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewDeliverySessionRegistry: %v", err)
	}
	fx.registry = registry
	return fx
}

func TestDeliverySessionRegistryLifecycle(t *testing.T) {
	fx := newRegistryFixture(t)
	ctx := context.Background()

	session, err := fx.registry.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if session.ID != "dls_01" || !session.CreatedAt.Equal(fx.now) {
		t.Fatalf("unexpected session %+v", session)
	}

	input := DeliverySessionInput{PostalCode: "01310-100", StoreGroups: []domain.StoreGroup{{StoreID: "s1"}}}
	if _, err := fx.registry.Update(ctx, session.ID, input); err != nil {
		t.Fatalf("Update: %v", err)
	}
	agg := fx.aggregators[0]
	if agg.updates != 1 || agg.lastAddress.PostalCode != "01310-100" || len(agg.lastGroups) != 1 {
		t.Fatalf("expected update to reach the aggregator, got %+v", agg)
	}

	recalculated, err := fx.registry.Recalculate(ctx, session.ID)
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if recalculated.State.TotalShippingFee != 1500 || agg.recalculates != 1 {
		t.Fatalf("unexpected recalculated session %+v", recalculated)
	}

	if err := fx.registry.Close(ctx, session.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !agg.isClosed() {
		t.Fatalf("expected aggregator to be closed")
	}
	if _, err := fx.registry.Get(ctx, session.ID); !errors.Is(err, ErrDeliverySessionNotFound) {
		t.Fatalf("expected not found after close, got %v", err)
	}
	if err := fx.registry.Close(ctx, session.ID); !errors.Is(err, ErrDeliverySessionNotFound) {
		t.Fatalf("expected not found on double close, got %v", err)
	}
}

func TestDeliverySessionRegistryValidatesInput(t *testing.T) {
	fx := newRegistryFixture(t)
	ctx := context.Background()
	session, _ := fx.registry.Create(ctx)

	tests := []struct {
		name  string
		input DeliverySessionInput
	}{
		{name: "short postal code", input: DeliverySessionInput{PostalCode: "0131", StoreGroups: []domain.StoreGroup{{StoreID: "s1"}}}},
		{name: "no stores", input: DeliverySessionInput{PostalCode: "01310100"}},
		{name: "blank store id", input: DeliverySessionInput{PostalCode: "01310100", StoreGroups: []domain.StoreGroup{{StoreID: " "}}}},
		{name: "duplicate store", input: DeliverySessionInput{PostalCode: "01310100", StoreGroups: []domain.StoreGroup{{StoreID: "s1"}, {StoreID: "s1"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fx.registry.Update(ctx, session.ID, tt.input); !errors.Is(err, ErrDeliverySessionInvalid) {
				t.Fatalf("expected invalid input error, got %v", err)
			}
		})
	}
	if fx.aggregators[0].updates != 0 {
		t.Fatalf("invalid input must not reach the aggregator")
	}
}

func TestDeliverySessionRegistrySweepsIdleSessions(t *testing.T) {
	fx := newRegistryFixture(t)
	ctx := context.Background()

	stale, _ := fx.registry.Create(ctx)
	fx.now = fx.now.Add(5 * time.Minute)
	active, _ := fx.registry.Create(ctx)

	fx.now = fx.now.Add(6 * time.Minute)
	if _, err := fx.registry.Get(ctx, active.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if swept := fx.registry.Sweep(fx.now); swept != 1 {
		t.Fatalf("expected 1 swept session, got %d", swept)
	}
	if !fx.aggregators[0].isClosed() || fx.aggregators[1].isClosed() {
		t.Fatalf("only the idle session must be closed")
	}
	if _, err := fx.registry.Get(ctx, stale.ID); !errors.Is(err, ErrDeliverySessionNotFound) {
		t.Fatalf("expected swept session to be gone, got %v", err)
	}
	ids := fx.registry.(*deliverySessionRegistry).sessionIDs()
	if strings.Join(ids, ",") != active.ID {
		t.Fatalf("unexpected remaining sessions %v", ids)
	}

	if fx.registry.Active() != 1 {
		t.Fatalf("expected 1 active session, got %d", fx.registry.Active())
	}

	fx.registry.CloseAll()
	if fx.registry.Active() != 0 {
		t.Fatalf("CloseAll must empty the registry")
	}
	if !fx.aggregators[1].isClosed() {
		t.Fatalf("CloseAll must close remaining sessions")
	}
}

func TestDeliverySessionRegistryDefaultIDs(t *testing.T) {
	registry, err := NewDeliverySessionRegistry(DeliverySessionRegistryDeps{
		NewAggregator: func() (CheckoutDeliveryAggregator, error) { return &stubAggregator{}, nil },
	})
	if err != nil {
		t.Fatalf("NewDeliverySessionRegistry: %v", err)
	}
	session, err := registry.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(session.ID, "dls_") || len(session.ID) != len("dls_")+26 {
		t.Fatalf("unexpected generated id %q", session.ID)
	}
}

func TestDeliverySessionRegistryFactoryError(t *testing.T) {
	registry, _ := NewDeliverySessionRegistry(DeliverySessionRegistryDeps{
		NewAggregator: func() (CheckoutDeliveryAggregator, error) { return nil, errors.New("meter unavailable") },
	})
	if _, err := registry.Create(context.Background()); err == nil {
		t.Fatalf("expected factory error")
	}
	if _, err := NewDeliverySessionRegistry(DeliverySessionRegistryDeps{}); err == nil {
		t.Fatalf("expected error without factory")
	}
}
