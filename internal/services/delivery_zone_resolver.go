package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/repositories"
)

const (
	defaultZoneRefreshInterval = 10 * time.Minute
	// zoneRefreshTimeout bounds one table read, independent of the request that triggered it.
	zoneRefreshTimeout = 5 * time.Second
	zoneRetryBackoff   = 30 * time.Second
)

// DeliveryZoneResolverDeps bundles collaborators for the delivery zone resolver.
type DeliveryZoneResolverDeps struct {
	Repository      repositories.DeliveryZoneRepository
	Defaults        []domain.DeliveryZone
	RefreshInterval time.Duration
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type deliveryZoneResolver struct {
	repo     repositories.DeliveryZoneRepository
	defaults map[string]domain.DeliveryZone
	refresh  time.Duration
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)

	loads singleflight.Group

	mu          sync.Mutex
	table       map[string]domain.DeliveryZone
	nextRefresh time.Time
}

var _ DeliveryZoneResolver = (*deliveryZoneResolver)(nil)

// NewDeliveryZoneResolver constructs a resolver backed by the zone reference table. Without a
// repository only the defaults are consulted.
func NewDeliveryZoneResolver(deps DeliveryZoneResolverDeps) DeliveryZoneResolver {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	refresh := deps.RefreshInterval
	if refresh <= 0 {
		refresh = defaultZoneRefreshInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &deliveryZoneResolver{
		repo:     deps.Repository,
		defaults: indexZones(nil, deps.Defaults),
		refresh:  refresh,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}
}

func (r *deliveryZoneResolver) ResolveZone(ctx context.Context, regionCode string) domain.DeliveryZoneAssignment {
	regionCode = strings.TrimSpace(regionCode)
	if regionCode == "" {
		return otherRegionsAssignment()
	}
	zone, ok := r.snapshot(ctx)[regionCode]
	if !ok {
		return otherRegionsAssignment()
	}
	lead := zone.LeadTime
	if strings.TrimSpace(lead) == "" {
		lead = defaultOtherLeadTime
	}
	return domain.DeliveryZoneAssignment{ZoneType: zone.ZoneType, EstimatedLeadTime: lead}
}

// snapshot returns the current table, reloading it once the refresh deadline passed.
// Concurrent callers share one load. A caller whose context ends first gets the
// previous table while the load keeps running for the others.
func (r *deliveryZoneResolver) snapshot(ctx context.Context) map[string]domain.DeliveryZone {
	if r.repo == nil {
		return r.defaults
	}
	r.mu.Lock()
	current := r.table
	fresh := r.now().Before(r.nextRefresh)
	r.mu.Unlock()
	if current == nil {
		current = r.defaults
	}
	if fresh {
		return current
	}

	ch := r.loads.DoChan("zones", func() (any, error) {
		return r.reload(ctx), nil
	})
	select {
	case res := <-ch:
		return res.Val.(map[string]domain.DeliveryZone)
	case <-ctx.Done():
		return current
	}
}

func (r *deliveryZoneResolver) reload(ctx context.Context) map[string]domain.DeliveryZone {
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), zoneRefreshTimeout)
	defer cancel()
	zones, err := r.repo.ListZones(loadCtx)

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if err != nil {
		r.logger(ctx, "delivery_zones.refresh_failed", map[string]any{"error": err.Error()})
		r.nextRefresh = now.Add(min(r.refresh, zoneRetryBackoff))
		if r.table == nil {
			return r.defaults
		}
		return r.table
	}
	r.table = indexZones(r.defaults, zones)
	r.nextRefresh = now.Add(r.refresh)
	return r.table
}

func indexZones(base map[string]domain.DeliveryZone, zones []domain.DeliveryZone) map[string]domain.DeliveryZone {
	out := make(map[string]domain.DeliveryZone, len(base)+len(zones))
	for code, zone := range base {
		out[code] = zone
	}
	for _, zone := range zones {
		code := strings.TrimSpace(zone.RegionCode)
		if code == "" || strings.TrimSpace(zone.ZoneType) == "" {
			continue
		}
		out[code] = zone
	}
	return out
}

func otherRegionsAssignment() domain.DeliveryZoneAssignment {
	return domain.DeliveryZoneAssignment{
		ZoneType:          domain.ZoneTypeOtherRegions,
		EstimatedLeadTime: defaultOtherLeadTime,
	}
}
