package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func minimalEnv() map[string]string {
	return map[string]string{
		"API_FIRESTORE_PROJECT_ID": "feira-dev",
		"API_DELIVERY_QUOTES_URL":  "https://quotes.example.com/",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(minimalEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Environment != "local" {
		t.Errorf("expected local environment, got %s", cfg.Environment)
	}
	if cfg.Postal.ProviderAURL != defaultProviderAURL || cfg.Postal.ProviderBURL != defaultProviderBURL {
		t.Errorf("unexpected provider urls %s / %s", cfg.Postal.ProviderAURL, cfg.Postal.ProviderBURL)
	}
	if cfg.Postal.ProviderATimeout != 5*time.Second || cfg.Postal.ProviderBTimeout != 6*time.Second {
		t.Errorf("unexpected provider timeouts %s / %s", cfg.Postal.ProviderATimeout, cfg.Postal.ProviderBTimeout)
	}
	if cfg.Postal.RaceTimeout != 8*time.Second {
		t.Errorf("unexpected race timeout %s", cfg.Postal.RaceTimeout)
	}
	if cfg.Postal.CacheBackend != CacheBackendFirestore {
		t.Errorf("expected firestore cache backend, got %s", cfg.Postal.CacheBackend)
	}
	if cfg.Postal.CacheTTL != 30*24*time.Hour {
		t.Errorf("unexpected cache ttl %s", cfg.Postal.CacheTTL)
	}
	if cfg.DeliveryQuotes.BaseURL != "https://quotes.example.com" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.DeliveryQuotes.BaseURL)
	}
	if cfg.DeliveryQuotes.QuoteTimeout != 8*time.Second {
		t.Errorf("unexpected quote timeout %s", cfg.DeliveryQuotes.QuoteTimeout)
	}
	if cfg.DeliveryQuotes.SafetyNetTimeout != 15*time.Second {
		t.Errorf("unexpected safety net %s", cfg.DeliveryQuotes.SafetyNetTimeout)
	}
	if cfg.DeliveryQuotes.Debounce != 500*time.Millisecond {
		t.Errorf("unexpected debounce %s", cfg.DeliveryQuotes.Debounce)
	}
	if cfg.DeliveryQuotes.ResultTTL != 30*time.Second {
		t.Errorf("unexpected result ttl %s", cfg.DeliveryQuotes.ResultTTL)
	}
	if cfg.Events.Backend != EventsBackendNone {
		t.Errorf("expected events disabled, got %s", cfg.Events.Backend)
	}
	if cfg.Secrets.DefaultProjectID != "feira-dev" {
		t.Errorf("expected secrets project to default to firestore project, got %s", cfg.Secrets.DefaultProjectID)
	}
	if cfg.Postgres.MaxOpenConns != 5 {
		t.Errorf("unexpected postgres pool size %d", cfg.Postgres.MaxOpenConns)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := minimalEnv()
	env["API_SERVER_PORT"] = "9090"
	env["API_SERVER_IDLE_TIMEOUT"] = "2m"
	env["API_POSTAL_PROVIDER_A_TIMEOUT"] = "7s"
	env["API_POSTAL_CACHE_BACKEND"] = "Redis"
	env["API_REDIS_URL"] = "secret://redis/url"
	env["API_DELIVERY_QUOTES_TOKEN"] = "sm://quotes/token"
	env["API_EVENTS_BACKEND"] = "kafka"
	env["API_EVENTS_KAFKA_BROKERS"] = "kafka-1:9092, kafka-2:9092"
	env["API_EVENTS_KAFKA_TOPIC"] = "postal.lookups"

	secrets := map[string]string{
		"secret://redis/url":    "redis://cache:6379/0",
		"secret://quotes/token": " quotes-token ",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Postal.ProviderATimeout != 7*time.Second {
		t.Errorf("unexpected provider A timeout %s", cfg.Postal.ProviderATimeout)
	}
	if cfg.Postal.CacheBackend != CacheBackendRedis {
		t.Errorf("expected redis backend, got %s", cfg.Postal.CacheBackend)
	}
	if cfg.Redis.URL != "redis://cache:6379/0" {
		t.Errorf("expected resolved redis url, got %s", cfg.Redis.URL)
	}
	if cfg.DeliveryQuotes.AuthToken != "quotes-token" {
		t.Errorf("expected resolved legacy-scheme token, got %q", cfg.DeliveryQuotes.AuthToken)
	}
	if len(cfg.Events.KafkaBrokers) != 2 || cfg.Events.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected kafka brokers %v", cfg.Events.KafkaBrokers)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_FIRESTORE_PROJECT_ID=\"feira-dot\"\nexport API_DELIVERY_QUOTES_URL=https://quotes.dot\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "feira-dot" {
		t.Errorf("expected firestore project from dotenv, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.DeliveryQuotes.BaseURL != "https://quotes.dot" {
		t.Errorf("expected exported quotes url, got %s", cfg.DeliveryQuotes.BaseURL)
	}
}

func TestLoadEnvMapTakesPrecedence(t *testing.T) {
	t.Setenv("API_SERVER_PORT", "6060")
	env := minimalEnv()
	env["API_SERVER_PORT"] = "5050"

	cfg, err := Load(context.Background(), WithEnvMap(env), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "5050" {
		t.Fatalf("expected env map port, got %s", cfg.Server.Port)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	fields := validation.Fields()
	want := map[string]bool{"Firestore.ProjectID": false, "DeliveryQuotes.BaseURL": false}
	for _, field := range fields {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in missing fields %v", field, fields)
		}
	}
}

func TestLoadRejectsProviderTimeoutOutsideBounds(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		field string
	}{
		{name: "provider A too short", key: "API_POSTAL_PROVIDER_A_TIMEOUT", value: "2s", field: "Postal.ProviderATimeout"},
		{name: "provider B too long", key: "API_POSTAL_PROVIDER_B_TIMEOUT", value: "12s", field: "Postal.ProviderBTimeout"},
		{name: "race ceiling too long", key: "API_POSTAL_RACE_TIMEOUT", value: "20s", field: "Postal.RaceTimeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := minimalEnv()
			env[tc.key] = tc.value
			_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			fields := validation.Fields()
			if len(fields) != 1 || fields[0] != tc.field {
				t.Fatalf("expected [%s], got %v", tc.field, fields)
			}
		})
	}
}

func TestLoadRequiresBackendSpecificSettings(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{name: "redis without url", env: map[string]string{"API_POSTAL_CACHE_BACKEND": "redis"}, field: "Redis.URL"},
		{name: "postgres without dsn", env: map[string]string{"API_POSTAL_CACHE_BACKEND": "postgres"}, field: "Postgres.DSN"},
		{name: "unknown cache backend", env: map[string]string{"API_POSTAL_CACHE_BACKEND": "memcached"}, field: "Postal.CacheBackend"},
		{name: "pubsub without topic", env: map[string]string{"API_EVENTS_BACKEND": "pubsub"}, field: "Events.PubSubTopic"},
		{name: "kafka without topic", env: map[string]string{"API_EVENTS_BACKEND": "kafka", "API_EVENTS_KAFKA_BROKERS": "k:9092"}, field: "Events.KafkaTopic"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := minimalEnv()
			for k, v := range tc.env {
				env[k] = v
			}
			_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			fields := validation.Fields()
			if len(fields) != 1 || fields[0] != tc.field {
				t.Fatalf("expected [%s], got %v", tc.field, fields)
			}
		})
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := minimalEnv()
	env["API_POSTGRES_DSN"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("expected resolver-not-configured cause, got %v", err)
	}
}
