package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	gcs "cloud.google.com/go/storage"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/postal"
)

const maxReferenceBytes = 4 << 20

var (
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
	// ErrReferenceNotFound is returned when the configured reference object does not exist.
	ErrReferenceNotFound = errors.New("storage: reference object not found")
)

// ObjectOpener opens a Cloud Storage object for reading.
type ObjectOpener interface {
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// GCSOpener adapts a Cloud Storage client to ObjectOpener.
type GCSOpener struct {
	client *gcs.Client
}

// NewGCSOpener wraps client.
func NewGCSOpener(client *gcs.Client) (*GCSOpener, error) {
	if client == nil {
		return nil, errors.New("storage opener: client is required")
	}
	return &GCSOpener{client: client}, nil
}

// NewReader opens bucket/object.
func (o *GCSOpener) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	reader, err := o.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrReferenceNotFound, bucket, object)
	}
	return reader, err
}

// ReferenceLoader reads postal reference overrides from a JSON object.
type ReferenceLoader struct {
	opener ObjectOpener
}

// NewReferenceLoader constructs a loader over opener.
func NewReferenceLoader(opener ObjectOpener) (*ReferenceLoader, error) {
	if opener == nil {
		return nil, errors.New("reference loader: opener is required")
	}
	return &ReferenceLoader{opener: opener}, nil
}

type referenceDocument struct {
	Exact            map[string]referenceEntry `json:"exact"`
	Prefixes         []referencePrefix         `json:"prefixes"`
	DenseSuggestions map[string][]string       `json:"denseSuggestions"`
	Zones            []referenceZone           `json:"zones"`
}

type referenceEntry struct {
	Street       string `json:"street"`
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city"`
	StateCode    string `json:"stateCode"`
	RegionCode   string `json:"regionCode"`
}

type referencePrefix struct {
	referenceEntry
	Prefix     string `json:"prefix"`
	Confidence string `json:"confidence"`
}

type referenceZone struct {
	RegionCode string `json:"regionCode"`
	ZoneType   string `json:"zoneType"`
	LeadTime   string `json:"leadTime"`
}

// Load reads uri (gs://bucket/path.json) and returns the tables it defines. Tables the
// object omits are left empty so the caller's merge keeps its defaults.
func (l *ReferenceLoader) Load(ctx context.Context, uri string) (domain.PostalReference, error) {
	bucket, object, err := ParseObjectURI(uri)
	if err != nil {
		return domain.PostalReference{}, err
	}

	reader, err := l.opener.NewReader(ctx, bucket, object)
	if err != nil {
		return domain.PostalReference{}, fmt.Errorf("reference loader: open %s: %w", uri, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(io.LimitReader(reader, maxReferenceBytes))
	if err != nil {
		return domain.PostalReference{}, fmt.Errorf("reference loader: read %s: %w", uri, err)
	}

	var doc referenceDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.PostalReference{}, fmt.Errorf("reference loader: decode %s: %w", uri, err)
	}
	return doc.toDomain()
}

func (d referenceDocument) toDomain() (domain.PostalReference, error) {
	ref := domain.PostalReference{}

	if len(d.Exact) > 0 {
		ref.Exact = make(map[string]domain.PostalReferenceEntry, len(d.Exact))
		for code, entry := range d.Exact {
			clean := postal.Sanitize(code)
			if !postal.IsValidCode(clean) {
				return domain.PostalReference{}, fmt.Errorf("reference loader: invalid exact code %q", code)
			}
			if strings.TrimSpace(entry.City) == "" || strings.TrimSpace(entry.StateCode) == "" {
				return domain.PostalReference{}, fmt.Errorf("reference loader: exact code %s requires city and state", clean)
			}
			ref.Exact[clean] = entry.toDomain()
		}
	}

	for _, p := range d.Prefixes {
		prefix := postal.Sanitize(p.Prefix)
		if prefix == "" || len(prefix) > 7 {
			return domain.PostalReference{}, fmt.Errorf("reference loader: invalid prefix %q", p.Prefix)
		}
		confidence := domain.Confidence(strings.ToLower(strings.TrimSpace(p.Confidence)))
		switch confidence {
		case "":
			confidence = domain.ConfidenceMedium
		case domain.ConfidenceMedium, domain.ConfidenceLow:
		default:
			return domain.PostalReference{}, fmt.Errorf("reference loader: prefix %s has unsupported confidence %q", prefix, p.Confidence)
		}
		ref.Prefixes = append(ref.Prefixes, domain.PostalPrefixEntry{
			Prefix:     prefix,
			Entry:      p.referenceEntry.toDomain(),
			Confidence: confidence,
		})
	}

	if len(d.DenseSuggestions) > 0 {
		ref.DenseSuggestions = make(map[string][]string, len(d.DenseSuggestions))
		for prefix, codes := range d.DenseSuggestions {
			var valid []string
			for _, code := range codes {
				if clean := postal.Sanitize(code); postal.IsValidCode(clean) {
					valid = append(valid, clean)
				}
			}
			ref.DenseSuggestions[postal.Sanitize(prefix)] = valid
		}
	}

	for _, z := range d.Zones {
		region := strings.TrimSpace(z.RegionCode)
		zoneType := strings.TrimSpace(z.ZoneType)
		if region == "" || zoneType == "" {
			continue
		}
		ref.Zones = append(ref.Zones, domain.DeliveryZone{
			RegionCode: region,
			ZoneType:   zoneType,
			LeadTime:   strings.TrimSpace(z.LeadTime),
		})
	}
	return ref, nil
}

func (e referenceEntry) toDomain() domain.PostalReferenceEntry {
	return domain.PostalReferenceEntry{
		Street:       strings.TrimSpace(e.Street),
		Neighborhood: strings.TrimSpace(e.Neighborhood),
		City:         strings.TrimSpace(e.City),
		StateCode:    postal.NormalizeStateCode(e.StateCode),
		RegionCode:   strings.TrimSpace(e.RegionCode),
	}
}

// ParseObjectURI splits gs://bucket/object.
func ParseObjectURI(uri string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", "", fmt.Errorf("storage: invalid object uri: %w", err)
	}
	if u.Scheme != "gs" {
		return "", "", fmt.Errorf("storage: unsupported scheme %q", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return "", "", errInvalidBucket
	}
	object := strings.TrimPrefix(u.Path, "/")
	if object == "" {
		return "", "", errInvalidObject
	}
	return bucket, object, nil
}
