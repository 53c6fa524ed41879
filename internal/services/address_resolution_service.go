package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/platform/timeout"
	"github.com/feiralivre/api/internal/postal"
	"github.com/feiralivre/api/internal/repositories"
)

const (
	defaultProviderTimeout   = 5 * time.Second
	defaultProviderRaceLimit = 8 * time.Second
	defaultPostalCacheTTL    = 30 * 24 * time.Hour
	minCachedStreetLength    = 3
	meterName                = "github.com/feiralivre/api/internal/services"
)

// AddressResolutionServiceDeps bundles collaborators for the address resolution service.
// ProviderA takes priority over ProviderB when both return usable data.
type AddressResolutionServiceDeps struct {
	Cache            repositories.PostalCacheRepository
	ProviderA        postal.Provider
	ProviderB        postal.Provider
	ProviderATimeout time.Duration
	ProviderBTimeout time.Duration
	RaceTimeout      time.Duration
	CacheTTL         time.Duration
	Reference        *domain.PostalReference
	Zones            DeliveryZoneResolver
	Events           PostalLookupEventPublisher
	Meter            metric.Meter
	Clock            func() time.Time
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type postalProviderSlot struct {
	provider postal.Provider
	source   domain.PostalSource
	timeout  time.Duration
}

type addressResolutionService struct {
	cache       repositories.PostalCacheRepository
	providers   []postalProviderSlot
	raceTimeout time.Duration
	cacheTTL    time.Duration
	reference   postalReferenceIndex
	zones       DeliveryZoneResolver
	events      PostalLookupEventPublisher
	results     metric.Int64Counter
	now         func() time.Time
	logger      func(context.Context, string, map[string]any)
}

var _ AddressResolutionService = (*addressResolutionService)(nil)

// NewAddressResolutionService constructs the tiered postal lookup service.
func NewAddressResolutionService(deps AddressResolutionServiceDeps) (AddressResolutionService, error) {
	if deps.Cache == nil {
		return nil, errors.New("address resolution service: postal cache repository is required")
	}
	if deps.ProviderA == nil && deps.ProviderB == nil {
		return nil, errors.New("address resolution service: at least one postal provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	reference := DefaultPostalReference()
	if deps.Reference != nil {
		reference = *deps.Reference
	}

	zones := deps.Zones
	if zones == nil {
		zones = NewDeliveryZoneResolver(DeliveryZoneResolverDeps{Defaults: reference.Zones, Clock: clock})
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	results, err := meter.Int64Counter("postal.lookup.results",
		metric.WithDescription("Postal lookups grouped by source, confidence and outcome."))
	if err != nil {
		return nil, err
	}

	var providers []postalProviderSlot
	if deps.ProviderA != nil {
		providers = append(providers, postalProviderSlot{
			provider: deps.ProviderA,
			source:   domain.PostalSourceProviderA,
			timeout:  durationOrDefault(deps.ProviderATimeout, defaultProviderTimeout),
		})
	}
	if deps.ProviderB != nil {
		providers = append(providers, postalProviderSlot{
			provider: deps.ProviderB,
			source:   domain.PostalSourceProviderB,
			timeout:  durationOrDefault(deps.ProviderBTimeout, defaultProviderTimeout),
		})
	}

	return &addressResolutionService{
		cache:       deps.Cache,
		providers:   providers,
		raceTimeout: durationOrDefault(deps.RaceTimeout, defaultProviderRaceLimit),
		cacheTTL:    durationOrDefault(deps.CacheTTL, defaultPostalCacheTTL),
		reference:   newPostalReferenceIndex(reference),
		zones:       zones,
		events:      deps.Events,
		results:     results,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *addressResolutionService) Lookup(ctx context.Context, rawPostalCode string) (domain.PostalLookupResult, error) {
	code := postal.Sanitize(rawPostalCode)
	if !postal.IsValidCode(code) {
		s.record(ctx, "invalid", "", "")
		return domain.PostalLookupResult{}, ErrPostalCodeInvalid
	}

	if result, ok := s.fromCache(ctx, code); ok {
		return s.resolved(ctx, result), nil
	}

	if entry, confidence, ok := s.reference.exactMatch(code); ok {
		return s.resolved(ctx, s.fromReference(code, entry, confidence)), nil
	}

	if result, ok := s.fromProviders(ctx, code); ok {
		s.persist(ctx, result)
		return s.resolved(ctx, result), nil
	}

	if entry, confidence, ok := s.reference.heuristicMatch(code); ok {
		result := s.fromReference(code, entry, confidence)
		s.persist(ctx, result)
		s.publish(ctx, result, domain.PostalLookupOutcomeHeuristic)
		return s.resolved(ctx, result), nil
	}

	s.record(ctx, "not_found", "", "")
	s.publish(ctx, domain.PostalLookupResult{PostalAddress: domain.PostalAddress{PostalCode: code}}, domain.PostalLookupOutcomeNotFound)
	return domain.PostalLookupResult{}, ErrPostalCodeNotFound
}

func (s *addressResolutionService) GenerateNearbySuggestions(rawPostalCode string) []string {
	return nearbyPostalCodes(s.reference.dense, rawPostalCode)
}

func (s *addressResolutionService) fromCache(ctx context.Context, code string) (domain.PostalLookupResult, bool) {
	record, err := s.cache.Get(ctx, code)
	if err != nil {
		if !repositories.IsNotFound(err) {
			s.logger(ctx, "postal.cache_read_failed", map[string]any{"postalCode": code, "error": err.Error()})
		}
		return domain.PostalLookupResult{}, false
	}
	if !validCachedAddress(record.PostalAddress) {
		s.logger(ctx, "postal.cache_entry_invalid", map[string]any{"postalCode": code})
		if err := s.cache.Delete(ctx, code); err != nil {
			s.logger(ctx, "postal.cache_delete_failed", map[string]any{"postalCode": code, "error": err.Error()})
		}
		return domain.PostalLookupResult{}, false
	}
	address := record.PostalAddress
	address.PostalCode = code
	return domain.PostalLookupResult{
		PostalAddress: address,
		Source:        domain.PostalSourceCache,
		Confidence:    domain.ConfidenceHigh,
	}, true
}

// fromProviders races every provider under the overall ceiling and applies answers in priority order.
func (s *addressResolutionService) fromProviders(ctx context.Context, code string) (domain.PostalLookupResult, bool) {
	result, err := timeout.Race(ctx, s.raceTimeout, func(raceCtx context.Context) (domain.PostalLookupResult, error) {
		type answer struct {
			address postal.Address
			err     error
		}
		answers := make([]chan answer, len(s.providers))
		for i, slot := range s.providers {
			ch := make(chan answer, 1)
			answers[i] = ch
			go func(slot postalProviderSlot) {
				address, err := timeout.Race(raceCtx, slot.timeout, func(callCtx context.Context) (postal.Address, error) {
					return slot.provider.Lookup(callCtx, code)
				})
				ch <- answer{address: address, err: err}
			}(slot)
		}

		for i, slot := range s.providers {
			var got answer
			select {
			case got = <-answers[i]:
			case <-raceCtx.Done():
				return domain.PostalLookupResult{}, raceCtx.Err()
			}
			if got.err != nil {
				if !errors.Is(got.err, postal.ErrAddressNotFound) {
					s.logger(ctx, "postal.provider_failed", map[string]any{
						"postalCode": code,
						"provider":   slot.provider.Name(),
						"error":      got.err.Error(),
					})
				}
				continue
			}
			if got.address.City == "" || got.address.StateCode == "" {
				s.logger(ctx, "postal.provider_unusable", map[string]any{"postalCode": code, "provider": slot.provider.Name()})
				continue
			}
			return s.fromProviderAddress(code, got.address, slot.source), nil
		}
		return domain.PostalLookupResult{}, errNoProviderResult
	})
	if err != nil {
		if timeout.IsTimeout(err) {
			s.logger(ctx, "postal.provider_race_timeout", map[string]any{"postalCode": code, "timeout": s.raceTimeout.String()})
		}
		return domain.PostalLookupResult{}, false
	}
	return result, true
}

func (s *addressResolutionService) fromProviderAddress(code string, address postal.Address, source domain.PostalSource) domain.PostalLookupResult {
	// Streets too short to pass the cache read check are stored as unspecified so
	// the row written here is the row served back.
	street := strings.TrimSpace(address.Street)
	if utf8.RuneCountInString(street) < minCachedStreetLength {
		street = unspecifiedField
	}
	return domain.PostalLookupResult{
		PostalAddress: domain.PostalAddress{
			PostalCode:   code,
			Street:       street,
			Neighborhood: address.Neighborhood,
			City:         address.City,
			StateCode:    address.StateCode,
			RegionCode:   address.RegionCode,
			Latitude:     address.Latitude,
			Longitude:    address.Longitude,
		},
		Source:     source,
		Confidence: domain.ConfidenceHigh,
	}
}

func (s *addressResolutionService) fromReference(code string, entry domain.PostalReferenceEntry, confidence domain.Confidence) domain.PostalLookupResult {
	return domain.PostalLookupResult{
		PostalAddress: domain.PostalAddress{
			PostalCode:   code,
			Street:       entry.Street,
			Neighborhood: entry.Neighborhood,
			City:         entry.City,
			StateCode:    entry.StateCode,
			RegionCode:   entry.RegionCode,
		},
		Source:     domain.PostalSourceStaticFallback,
		Confidence: confidence,
	}
}

// persist writes result to the cache when it is high confidence. Failures are logged only.
func (s *addressResolutionService) persist(ctx context.Context, result domain.PostalLookupResult) {
	if result.Confidence != domain.ConfidenceHigh || !validCachedAddress(result.PostalAddress) {
		return
	}
	now := s.now()
	record := domain.CachedPostalAddress{
		PostalAddress: result.PostalAddress,
		CachedAt:      now,
		ExpiresAt:     now.Add(s.cacheTTL),
	}
	if err := s.cache.Upsert(ctx, record); err != nil {
		s.logger(ctx, "postal.cache_write_failed", map[string]any{"postalCode": result.PostalCode, "error": err.Error()})
	}
}

func (s *addressResolutionService) publish(ctx context.Context, result domain.PostalLookupResult, outcome domain.PostalLookupOutcome) {
	if s.events == nil {
		return
	}
	event := domain.PostalLookupEvent{
		PostalCode: result.PostalCode,
		Outcome:    outcome,
		Confidence: result.Confidence,
		City:       result.City,
		StateCode:  result.StateCode,
		OccurredAt: s.now(),
	}
	if err := s.events.PublishLookupEvent(ctx, event); err != nil {
		s.logger(ctx, "postal.event_publish_failed", map[string]any{
			"postalCode": result.PostalCode,
			"outcome":    string(outcome),
			"error":      err.Error(),
		})
	}
}

func (s *addressResolutionService) resolved(ctx context.Context, result domain.PostalLookupResult) domain.PostalLookupResult {
	result.DeliveryZone = s.zones.ResolveZone(ctx, result.RegionCode)
	s.record(ctx, "resolved", result.Source, result.Confidence)
	return result
}

func (s *addressResolutionService) record(ctx context.Context, outcome string, source domain.PostalSource, confidence domain.Confidence) {
	s.results.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("source", string(source)),
		attribute.String("confidence", string(confidence)),
	))
}

func validCachedAddress(address domain.PostalAddress) bool {
	return address.City != "" &&
		address.StateCode != "" &&
		utf8.RuneCountInString(address.Street) >= minCachedStreetLength
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
