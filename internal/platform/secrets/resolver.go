package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const meterName = "github.com/feiralivre/api/internal/platform/secrets"

// ErrClientUnavailable is returned when no Secret Manager client could be built.
var ErrClientUnavailable = errors.New("secrets: secret manager client unavailable")

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver resolves secret:// references through Secret Manager and caches the plaintext in memory.
type Resolver struct {
	client     secretManagerClient
	ownsClient bool
	project    string
	logger     *zap.Logger

	mu    sync.RWMutex
	cache map[string]string

	lookups metric.Int64Counter
}

type resolverConfig struct {
	logger     *zap.Logger
	project    string
	meter      metric.Meter
	client     secretManagerClient
	clientOpts []option.ClientOption
}

// Option customises Resolver construction.
type Option func(*resolverConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *resolverConfig) {
		cfg.logger = logger
	}
}

// WithDefaultProject sets the project used when a reference carries no ?project= override.
func WithDefaultProject(projectID string) Option {
	return func(cfg *resolverConfig) {
		cfg.project = strings.TrimSpace(projectID)
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *resolverConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured client, primarily for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *resolverConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards Cloud client options when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *resolverConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewResolver builds a Resolver. A client construction failure is logged and leaves the
// resolver unable to fetch, so configs without secret references still load.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	lookups, err := meter.Int64Counter(
		"secrets.lookups",
		metric.WithDescription("Secret resolutions partitioned by source"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: register lookup counter: %w", err)
	}

	r := &Resolver{
		project: cfg.project,
		logger:  cfg.logger,
		cache:   make(map[string]string),
		lookups: lookups,
	}
	if cfg.client != nil {
		r.client = cfg.client
		return r, nil
	}
	client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secrets: secret manager client unavailable", zap.Error(err))
		return r, nil
	}
	r.client = client
	r.ownsClient = true
	return r, nil
}

// Close releases the client when the resolver created it.
func (r *Resolver) Close() error {
	if r == nil || !r.ownsClient || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ResolveSecret satisfies the config loader's resolver contract.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return r.Resolve(ctx, ref)
}

// Resolve returns the plaintext for ref, fetching it once per process.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	resource, err := r.resourceName(parsed)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	value, ok := r.cache[resource]
	r.mu.RUnlock()
	if ok {
		r.record(ctx, parsed, "cache")
		return value, nil
	}

	value, err = r.access(ctx, resource)
	if err != nil {
		r.record(ctx, parsed, "error")
		return "", fmt.Errorf("secrets: fetch %s: %w", maskReference(parsed.canonical), err)
	}

	r.mu.Lock()
	r.cache[resource] = value
	r.mu.Unlock()
	r.record(ctx, parsed, "remote")
	r.logger.Debug("secrets: resolved", zap.String("secret", maskReference(parsed.canonical)))
	return value, nil
}

// Check fetches ref bypassing the cache. It is used as a readiness probe.
func (r *Resolver) Check(ctx context.Context, ref string) error {
	parsed, err := parseReference(ref)
	if err != nil {
		return err
	}
	resource, err := r.resourceName(parsed)
	if err != nil {
		return err
	}
	_, err = r.access(ctx, resource)
	return err
}

func (r *Resolver) access(ctx context.Context, resource string) (string, error) {
	if r.client == nil {
		return "", ErrClientUnavailable
	}
	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.GetPayload() == nil {
		return "", errors.New("secret manager returned empty payload")
	}
	return string(resp.GetPayload().GetData()), nil
}

func (r *Resolver) resourceName(ref parsedReference) (string, error) {
	project := ref.project
	if project == "" {
		project = r.project
	}
	if project == "" {
		return "", fmt.Errorf("secrets: no project configured for %s", maskReference(ref.canonical))
	}
	version := ref.version
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, version), nil
}

func (r *Resolver) record(ctx context.Context, ref parsedReference, source string) {
	r.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("secret", maskReference(ref.canonical)),
	))
}

type parsedReference struct {
	canonical string
	name      string
	version   string
	project   string
}

// parseReference accepts secret://name[?version=N&project=P] and the sm:// alias.
func parseReference(ref string) (parsedReference, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return parsedReference{}, errors.New("secrets: empty reference")
	}
	if strings.HasPrefix(trimmed, "sm://") {
		trimmed = "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return parsedReference{}, fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != "secret" {
		return parsedReference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return parsedReference{}, errors.New("secrets: missing secret name")
	}
	query := u.Query()
	return parsedReference{
		canonical: "secret://" + name,
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}

