package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/platform/timeout"
	"github.com/feiralivre/api/internal/postal"
	"github.com/feiralivre/api/internal/repositories"
)

const (
	defaultQuoteTimeout     = 8 * time.Second
	defaultSafetyNetTimeout = 15 * time.Second
	defaultDeliveryDebounce = 500 * time.Millisecond

	// DeliveryCalculatingMessage is shown on store quotes while they are in flight.
	DeliveryCalculatingMessage = "calculating…"
	// DeliveryFallbackMessage is shown on store quotes that could not be priced.
	DeliveryFallbackMessage = "fee will be calculated at checkout completion"

	deliveryErrorTimeout        = "timeout"
	deliveryErrorCancelled      = "cancelled"
	deliveryErrorVendorNotFound = "vendor not found"
)

var errVendorNotFound = errors.New("delivery: vendor not found for store")

// CheckoutDeliveryAggregatorDeps bundles collaborators for a checkout delivery aggregator.
type CheckoutDeliveryAggregatorDeps struct {
	Quotes           VendorQuoteProvider
	Vendors          repositories.VendorDirectory
	Cache            *DeliveryResultCache
	ResultTTL        time.Duration
	QuoteTimeout     time.Duration
	SafetyNetTimeout time.Duration
	Debounce         time.Duration
	Meter            metric.Meter
	Clock            func() time.Time
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type deliveryRun struct {
	key     string
	state   domain.CheckoutDeliveryState
	settled bool
}

type checkoutDeliveryAggregator struct {
	quotes       VendorQuoteProvider
	vendors      repositories.VendorDirectory
	cache        *DeliveryResultCache
	quoteTimeout time.Duration
	safetyNet    time.Duration
	debounce     time.Duration
	calculations metric.Int64Counter
	now          func() time.Time
	logger       func(context.Context, string, map[string]any)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	live     *deliveryRun
	groups   []domain.StoreGroup
	address  *domain.DeliveryAddress
	timer    *time.Timer
	inFlight map[string]struct{}
	closed   bool
}

var _ CheckoutDeliveryAggregator = (*checkoutDeliveryAggregator)(nil)

// NewCheckoutDeliveryAggregator constructs the per-session delivery fee aggregator.
func NewCheckoutDeliveryAggregator(deps CheckoutDeliveryAggregatorDeps) (CheckoutDeliveryAggregator, error) {
	if deps.Quotes == nil {
		return nil, errors.New("checkout delivery aggregator: vendor quote provider is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	now := func() time.Time { return clock().UTC() }

	cache := deps.Cache
	if cache == nil {
		cache = NewDeliveryResultCache(deps.ResultTTL, now)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	calculations, err := meter.Int64Counter("checkout.delivery.calculations",
		metric.WithDescription("Checkout delivery calculations grouped by outcome."))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &checkoutDeliveryAggregator{
		quotes:       deps.Quotes,
		vendors:      deps.Vendors,
		cache:        cache,
		quoteTimeout: durationOrDefault(deps.QuoteTimeout, defaultQuoteTimeout),
		safetyNet:    durationOrDefault(deps.SafetyNetTimeout, defaultSafetyNetTimeout),
		debounce:     durationOrDefault(deps.Debounce, defaultDeliveryDebounce),
		calculations: calculations,
		now:          now,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		live:         &deliveryRun{state: emptyDeliveryState(), settled: true},
		inFlight:     make(map[string]struct{}),
	}, nil
}

func (a *checkoutDeliveryAggregator) Update(groups []domain.StoreGroup, address *domain.DeliveryAddress) {
	if !hasDeliveryInputs(groups, address) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.setInputsLocked(groups, *address)
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.debounce, a.fireDebounced)
}

func (a *checkoutDeliveryAggregator) Calculate(ctx context.Context, groups []domain.StoreGroup, address *domain.DeliveryAddress) domain.CheckoutDeliveryState {
	if !hasDeliveryInputs(groups, address) {
		return a.State()
	}
	return a.calculate(ctx, groups, *address, false)
}

func (a *checkoutDeliveryAggregator) Recalculate(ctx context.Context) domain.CheckoutDeliveryState {
	a.mu.Lock()
	groups, address := cloneStoreGroups(a.groups), a.address
	a.mu.Unlock()
	if !hasDeliveryInputs(groups, address) {
		return a.State()
	}
	return a.calculate(ctx, groups, *address, true)
}

func (a *checkoutDeliveryAggregator) State() domain.CheckoutDeliveryState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live.state.Clone()
}

func (a *checkoutDeliveryAggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	a.cancel()
}

func (a *checkoutDeliveryAggregator) fireDebounced() {
	a.mu.Lock()
	if a.closed || a.address == nil {
		a.mu.Unlock()
		return
	}
	groups, address := cloneStoreGroups(a.groups), *a.address
	a.timer = nil
	a.mu.Unlock()
	a.calculate(a.ctx, groups, address, false)
}

func (a *checkoutDeliveryAggregator) calculate(ctx context.Context, groups []domain.StoreGroup, address domain.DeliveryAddress, bypassCache bool) domain.CheckoutDeliveryState {
	if ctx == nil {
		ctx = context.Background()
	}
	address.PostalCode = postal.Sanitize(address.PostalCode)
	key := CalculationKey(address.PostalCode, groups)

	a.mu.Lock()
	if a.closed {
		state := a.live.state.Clone()
		a.mu.Unlock()
		return state
	}
	a.setInputsLocked(groups, address)
	if _, busy := a.inFlight[key]; busy {
		state := a.live.state.Clone()
		a.mu.Unlock()
		a.record(ctx, "skipped")
		return state
	}
	if !bypassCache {
		if cached, ok := a.cache.Get(key); ok {
			a.live = &deliveryRun{key: key, state: cached, settled: true}
			state := cached.Clone()
			a.mu.Unlock()
			a.record(ctx, "cached")
			return state
		}
	}
	run := &deliveryRun{key: key, state: loadingDeliveryState(key, groups)}
	a.live = run
	a.inFlight[key] = struct{}{}
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()
	defer cancel()

	_, err := timeout.Race(runCtx, a.safetyNet, func(storeCtx context.Context) (struct{}, error) {
		a.processStores(storeCtx, run, groups, address.PostalCode)
		return struct{}{}, nil
	})

	outcome := "completed"
	switch {
	case timeout.IsTimeout(err):
		outcome = "timeout"
		a.logger(ctx, "checkout_delivery.safety_net_fired", map[string]any{"calculationKey": key, "timeout": a.safetyNet.String()})
	case err != nil || runCtx.Err() != nil:
		outcome = "cancelled"
	}
	state := a.finish(run, outcome)
	a.record(ctx, outcome)
	return state
}

// processStores quotes each store in order. A store's failure never stops the loop; cancellation does.
func (a *checkoutDeliveryAggregator) processStores(ctx context.Context, run *deliveryRun, groups []domain.StoreGroup, postalCode string) {
	for _, group := range groups {
		if ctx.Err() != nil {
			return
		}
		quote, err := a.quoteStore(ctx, group, postalCode)
		if ctx.Err() != nil {
			return
		}

		a.mu.Lock()
		if !run.settled {
			if err != nil {
				a.logger(ctx, "checkout_delivery.store_quote_failed", map[string]any{
					"storeId": group.StoreID,
					"error":   err.Error(),
				})
				run.state.QuotesByStore[group.StoreID] = fallbackStoreQuote(group, deliveryErrorDetail(err))
			} else {
				run.state.QuotesByStore[group.StoreID] = resolvedStoreQuote(group, quote)
			}
			refreshAggregates(&run.state, false)
		}
		a.mu.Unlock()
	}
}

func (a *checkoutDeliveryAggregator) quoteStore(ctx context.Context, group domain.StoreGroup, postalCode string) (domain.VendorDeliveryQuote, error) {
	return timeout.Race(ctx, a.quoteTimeout, func(callCtx context.Context) (domain.VendorDeliveryQuote, error) {
		vendorID := strings.TrimSpace(group.VendorID())
		if vendorID == "" && a.vendors != nil {
			resolved, err := a.vendors.VendorIDForStore(callCtx, group.StoreID)
			if err != nil && !repositories.IsNotFound(err) {
				return domain.VendorDeliveryQuote{}, err
			}
			vendorID = strings.TrimSpace(resolved)
		}
		if vendorID == "" {
			return domain.VendorDeliveryQuote{}, errVendorNotFound
		}
		return a.quotes.QuoteDelivery(callCtx, domain.VendorQuoteRequest{
			VendorID:   vendorID,
			ProductID:  group.RepresentativeProductID(),
			PostalCode: postalCode,
		})
	})
}

// finish settles run: stores still loading get the fallback, aggregates are final and, unless the
// run was cancelled, the state is cached under its key.
func (a *checkoutDeliveryAggregator) finish(run *deliveryRun, outcome string) domain.CheckoutDeliveryState {
	a.mu.Lock()
	defer a.mu.Unlock()

	detail := deliveryErrorTimeout
	if outcome == "cancelled" {
		detail = deliveryErrorCancelled
	}
	for storeID, quote := range run.state.QuotesByStore {
		if quote.IsLoading {
			run.state.QuotesByStore[storeID] = fallbackStoreQuote(domain.StoreGroup{StoreID: quote.StoreID, StoreName: quote.StoreName}, detail)
		}
	}
	run.settled = true
	run.state.CalculatedAt = a.now()
	refreshAggregates(&run.state, true)

	if outcome != "cancelled" {
		a.cache.Put(run.key, run.state)
	}
	delete(a.inFlight, run.key)
	return run.state.Clone()
}

func (a *checkoutDeliveryAggregator) setInputsLocked(groups []domain.StoreGroup, address domain.DeliveryAddress) {
	a.groups = cloneStoreGroups(groups)
	a.address = &domain.DeliveryAddress{PostalCode: address.PostalCode}
}

func (a *checkoutDeliveryAggregator) record(ctx context.Context, outcome string) {
	a.calculations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// CalculationKey derives the de-duplication and cache key from the postal code and the ordered store ids.
func CalculationKey(postalCode string, groups []domain.StoreGroup) string {
	ids := make([]string, 0, len(groups))
	for _, group := range groups {
		ids = append(ids, strings.TrimSpace(group.StoreID))
	}
	return postal.Sanitize(postalCode) + "|" + strings.Join(ids, ",")
}

func hasDeliveryInputs(groups []domain.StoreGroup, address *domain.DeliveryAddress) bool {
	return address != nil && strings.TrimSpace(address.PostalCode) != "" && len(groups) > 0
}

func emptyDeliveryState() domain.CheckoutDeliveryState {
	return domain.CheckoutDeliveryState{
		QuotesByStore:        map[string]domain.StoreDeliveryQuote{},
		AllDeliveryAvailable: true,
	}
}

func loadingDeliveryState(key string, groups []domain.StoreGroup) domain.CheckoutDeliveryState {
	state := emptyDeliveryState()
	state.CalculationKey = key
	state.IsCalculating = true
	for _, group := range groups {
		state.QuotesByStore[group.StoreID] = domain.StoreDeliveryQuote{
			StoreID:       group.StoreID,
			StoreName:     group.StoreName,
			StatusMessage: DeliveryCalculatingMessage,
			IsAvailable:   true,
			IsLoading:     true,
		}
	}
	return state
}

func resolvedStoreQuote(group domain.StoreGroup, quote domain.VendorDeliveryQuote) domain.StoreDeliveryQuote {
	fee := quote.FeeCents
	if fee < 0 {
		fee = 0
	}
	return domain.StoreDeliveryQuote{
		StoreID:         group.StoreID,
		StoreName:       group.StoreName,
		IsLocalDelivery: quote.IsLocal,
		StatusMessage:   quote.Message,
		EstimatedTime:   quote.EstimatedTime,
		FeeCents:        fee,
		HasRestrictions: quote.HasRestrictions,
		IsAvailable:     quote.IsAvailable,
	}
}

func fallbackStoreQuote(group domain.StoreGroup, detail string) domain.StoreDeliveryQuote {
	return domain.StoreDeliveryQuote{
		StoreID:       group.StoreID,
		StoreName:     group.StoreName,
		StatusMessage: DeliveryFallbackMessage,
		IsAvailable:   true,
		ErrorDetail:   detail,
	}
}

func deliveryErrorDetail(err error) string {
	switch {
	case errors.Is(err, errVendorNotFound):
		return deliveryErrorVendorNotFound
	case timeout.IsTimeout(err):
		return deliveryErrorTimeout
	default:
		return err.Error()
	}
}

// refreshAggregates recomputes totals from the settled store quotes.
func refreshAggregates(state *domain.CheckoutDeliveryState, settled bool) {
	var total int64
	allAvailable, restricted, loading := true, false, false
	for _, quote := range state.QuotesByStore {
		if quote.IsLoading {
			loading = true
			continue
		}
		total += quote.FeeCents
		if quote.HasRestrictions {
			restricted = true
		}
		if !quote.IsAvailable {
			allAvailable = false
		}
	}
	state.TotalShippingFee = total
	state.AllDeliveryAvailable = allAvailable
	state.HasRestrictedItems = restricted
	state.IsCalculating = loading || !settled
}

func cloneStoreGroups(groups []domain.StoreGroup) []domain.StoreGroup {
	if groups == nil {
		return nil
	}
	out := make([]domain.StoreGroup, len(groups))
	for i, group := range groups {
		out[i] = group
		out[i].Items = append([]domain.CartItem(nil), group.Items...)
	}
	return out
}
