package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second
	defaultEnvironment  = "local"

	defaultProviderAURL      = "https://viacep.com.br"
	defaultProviderBURL      = "https://brasilapi.com.br"
	defaultProviderATimeout  = 5 * time.Second
	defaultProviderBTimeout  = 6 * time.Second
	defaultRaceTimeout       = 8 * time.Second
	minProviderTimeout       = 5 * time.Second
	maxProviderTimeout       = 8 * time.Second
	defaultCacheBackend      = CacheBackendFirestore
	defaultPostalCacheTTL    = 30 * 24 * time.Hour
	defaultZoneRefresh       = 10 * time.Minute
	defaultQuoteTimeout      = 8 * time.Second
	defaultSafetyNetTimeout  = 15 * time.Second
	defaultDebounce          = 500 * time.Millisecond
	defaultResultTTL         = 30 * time.Second
	defaultSessionIdleTTL    = 30 * time.Minute
	defaultSessionSweepEvery = time.Minute
	defaultEventsBackend     = EventsBackendNone
	defaultPostgresMaxConns  = 5
)

// Postal cache backends.
const (
	CacheBackendFirestore = "firestore"
	CacheBackendRedis     = "redis"
	CacheBackendPostgres  = "postgres"
)

// Lookup event backends.
const (
	EventsBackendNone   = "none"
	EventsBackendPubSub = "pubsub"
	EventsBackendKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server         ServerConfig
	Firestore      FirestoreConfig
	Postal         PostalConfig
	Redis          RedisConfig
	Postgres       PostgresConfig
	DeliveryQuotes DeliveryQuotesConfig
	Events         EventsConfig
	Secrets        SecretsConfig
	Environment    string
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostalConfig controls postal code resolution.
type PostalConfig struct {
	ProviderAURL     string
	ProviderBURL     string
	ProviderATimeout time.Duration
	ProviderBTimeout time.Duration
	RaceTimeout      time.Duration
	CacheBackend     string
	CacheTTL         time.Duration
	ReferenceObject  string
	ZoneRefresh      time.Duration
}

// RedisConfig points at the Redis instance backing the postal cache.
type RedisConfig struct {
	URL string
}

// PostgresConfig points at the Postgres database backing the postal cache.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
}

// DeliveryQuotesConfig controls the checkout delivery aggregator and its upstream quote endpoint.
type DeliveryQuotesConfig struct {
	BaseURL          string
	AuthToken        string
	QuoteTimeout     time.Duration
	SafetyNetTimeout time.Duration
	Debounce         time.Duration
	ResultTTL        time.Duration
	SessionIdleTTL   time.Duration
	SessionSweep     time.Duration
}

// EventsConfig selects where degraded lookup events are published.
type EventsConfig struct {
	Backend      string
	PubSubTopic  string
	KafkaBrokers []string
	KafkaTopic   string
}

// SecretsConfig configures Secret Manager lookups.
type SecretsConfig struct {
	DefaultProjectID string
	// HealthProbe is an optional secret reference fetched by /readyz.
	HealthProbe string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "API_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Postal: PostalConfig{
			ProviderAURL:     strings.TrimRight(stringWithDefault(lookup, "API_POSTAL_PROVIDER_A_URL", defaultProviderAURL), "/"),
			ProviderBURL:     strings.TrimRight(stringWithDefault(lookup, "API_POSTAL_PROVIDER_B_URL", defaultProviderBURL), "/"),
			ProviderATimeout: durationWithDefault(lookup, "API_POSTAL_PROVIDER_A_TIMEOUT", defaultProviderATimeout),
			ProviderBTimeout: durationWithDefault(lookup, "API_POSTAL_PROVIDER_B_TIMEOUT", defaultProviderBTimeout),
			RaceTimeout:      durationWithDefault(lookup, "API_POSTAL_RACE_TIMEOUT", defaultRaceTimeout),
			CacheBackend:     strings.ToLower(stringWithDefault(lookup, "API_POSTAL_CACHE_BACKEND", defaultCacheBackend)),
			CacheTTL:         durationWithDefault(lookup, "API_POSTAL_CACHE_TTL", defaultPostalCacheTTL),
			ReferenceObject:  stringWithDefault(lookup, "API_POSTAL_REFERENCE_OBJECT", ""),
			ZoneRefresh:      durationWithDefault(lookup, "API_POSTAL_ZONE_REFRESH", defaultZoneRefresh),
		},
		Redis: RedisConfig{
			URL: stringWithDefault(lookup, "API_REDIS_URL", ""),
		},
		Postgres: PostgresConfig{
			DSN:          stringWithDefault(lookup, "API_POSTGRES_DSN", ""),
			MaxOpenConns: intWithDefault(lookup, "API_POSTGRES_MAX_OPEN_CONNS", defaultPostgresMaxConns),
		},
		DeliveryQuotes: DeliveryQuotesConfig{
			BaseURL:          strings.TrimRight(stringWithDefault(lookup, "API_DELIVERY_QUOTES_URL", ""), "/"),
			AuthToken:        stringWithDefault(lookup, "API_DELIVERY_QUOTES_TOKEN", ""),
			QuoteTimeout:     durationWithDefault(lookup, "API_DELIVERY_QUOTE_TIMEOUT", defaultQuoteTimeout),
			SafetyNetTimeout: durationWithDefault(lookup, "API_DELIVERY_SAFETY_NET_TIMEOUT", defaultSafetyNetTimeout),
			Debounce:         durationWithDefault(lookup, "API_DELIVERY_DEBOUNCE", defaultDebounce),
			ResultTTL:        durationWithDefault(lookup, "API_DELIVERY_RESULT_TTL", defaultResultTTL),
			SessionIdleTTL:   durationWithDefault(lookup, "API_DELIVERY_SESSION_IDLE_TTL", defaultSessionIdleTTL),
			SessionSweep:     durationWithDefault(lookup, "API_DELIVERY_SESSION_SWEEP_INTERVAL", defaultSessionSweepEvery),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(stringWithDefault(lookup, "API_EVENTS_BACKEND", defaultEventsBackend)),
			PubSubTopic:  stringWithDefault(lookup, "API_EVENTS_PUBSUB_TOPIC", ""),
			KafkaBrokers: csvWithDefault(lookup, "API_EVENTS_KAFKA_BROKERS"),
			KafkaTopic:   stringWithDefault(lookup, "API_EVENTS_KAFKA_TOPIC", ""),
		},
		Secrets: SecretsConfig{
			DefaultProjectID: stringWithDefault(lookup, "API_SECRETS_PROJECT_ID", ""),
			HealthProbe:      stringWithDefault(lookup, "API_SECRETS_HEALTH_PROBE", ""),
		},
	}

	if cfg.Secrets.DefaultProjectID == "" {
		cfg.Secrets.DefaultProjectID = cfg.Firestore.ProjectID
	}

	secretFields := []*string{
		&cfg.Redis.URL,
		&cfg.Postgres.DSN,
		&cfg.DeliveryQuotes.AuthToken,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Postal.ProviderAURL == "" {
		missing = append(missing, "Postal.ProviderAURL")
	}
	if cfg.Postal.ProviderBURL == "" {
		missing = append(missing, "Postal.ProviderBURL")
	}
	if !withinProviderBounds(cfg.Postal.ProviderATimeout) {
		missing = append(missing, "Postal.ProviderATimeout")
	}
	if !withinProviderBounds(cfg.Postal.ProviderBTimeout) {
		missing = append(missing, "Postal.ProviderBTimeout")
	}
	if cfg.Postal.RaceTimeout <= 0 || cfg.Postal.RaceTimeout > maxProviderTimeout {
		missing = append(missing, "Postal.RaceTimeout")
	}
	if cfg.Postal.CacheTTL <= 0 {
		missing = append(missing, "Postal.CacheTTL")
	}

	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}

	switch cfg.Postal.CacheBackend {
	case CacheBackendFirestore:
	case CacheBackendRedis:
		if cfg.Redis.URL == "" {
			missing = append(missing, "Redis.URL")
		}
	case CacheBackendPostgres:
		if cfg.Postgres.DSN == "" {
			missing = append(missing, "Postgres.DSN")
		}
	default:
		missing = append(missing, "Postal.CacheBackend")
	}

	if cfg.DeliveryQuotes.BaseURL == "" {
		missing = append(missing, "DeliveryQuotes.BaseURL")
	}
	if cfg.DeliveryQuotes.QuoteTimeout <= 0 {
		missing = append(missing, "DeliveryQuotes.QuoteTimeout")
	}
	if cfg.DeliveryQuotes.SafetyNetTimeout <= 0 {
		missing = append(missing, "DeliveryQuotes.SafetyNetTimeout")
	}
	if cfg.DeliveryQuotes.Debounce < 0 {
		missing = append(missing, "DeliveryQuotes.Debounce")
	}
	if cfg.DeliveryQuotes.ResultTTL <= 0 {
		missing = append(missing, "DeliveryQuotes.ResultTTL")
	}
	if cfg.DeliveryQuotes.SessionIdleTTL <= 0 {
		missing = append(missing, "DeliveryQuotes.SessionIdleTTL")
	}
	if cfg.DeliveryQuotes.SessionSweep <= 0 {
		missing = append(missing, "DeliveryQuotes.SessionSweep")
	}

	switch cfg.Events.Backend {
	case EventsBackendNone:
	case EventsBackendPubSub:
		if cfg.Events.PubSubTopic == "" {
			missing = append(missing, "Events.PubSubTopic")
		}
	case EventsBackendKafka:
		if len(cfg.Events.KafkaBrokers) == 0 {
			missing = append(missing, "Events.KafkaBrokers")
		}
		if cfg.Events.KafkaTopic == "" {
			missing = append(missing, "Events.KafkaTopic")
		}
	default:
		missing = append(missing, "Events.Backend")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func withinProviderBounds(d time.Duration) bool {
	return d >= minProviderTimeout && d <= maxProviderTimeout
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if _, err := os.Stat(absPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	values, err := godotenv.Read(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
