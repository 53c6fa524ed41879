package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"

	domain "github.com/feiralivre/api/internal/domain"
	pfirestore "github.com/feiralivre/api/internal/platform/firestore"
	"github.com/feiralivre/api/internal/repositories"
)

const deliveryZonesCollection = "deliveryZones"

// DeliveryZoneRepository reads the region-to-zone reference table. Document ids are region codes.
type DeliveryZoneRepository struct {
	docs *pfirestore.Collection[deliveryZoneDocument]
}

var _ repositories.DeliveryZoneRepository = (*DeliveryZoneRepository)(nil)

// NewDeliveryZoneRepository constructs a Firestore-backed zone table reader.
func NewDeliveryZoneRepository(provider *pfirestore.Provider) (*DeliveryZoneRepository, error) {
	if provider == nil {
		return nil, errors.New("delivery zone repository: firestore provider is required")
	}
	return &DeliveryZoneRepository{
		docs: pfirestore.NewCollection[deliveryZoneDocument](provider, deliveryZonesCollection),
	}, nil
}

// ListZones returns every configured zone ordered by region code.
func (r *DeliveryZoneRepository) ListZones(ctx context.Context) ([]domain.DeliveryZone, error) {
	docs, err := r.docs.List(ctx)
	if err != nil {
		return nil, err
	}
	zones := make([]domain.DeliveryZone, 0, len(docs))
	for _, doc := range docs {
		region := strings.TrimSpace(doc.Data.RegionCode)
		if region == "" {
			region = strings.TrimSpace(doc.ID)
		}
		zoneType := strings.TrimSpace(doc.Data.ZoneType)
		if region == "" || zoneType == "" {
			continue
		}
		zones = append(zones, domain.DeliveryZone{
			RegionCode: region,
			ZoneType:   zoneType,
			LeadTime:   strings.TrimSpace(doc.Data.LeadTime),
		})
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].RegionCode < zones[j].RegionCode })
	return zones, nil
}

type deliveryZoneDocument struct {
	RegionCode string `firestore:"regionCode"`
	ZoneType   string `firestore:"zoneType"`
	LeadTime   string `firestore:"leadTime"`
}
