package secrets

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/feira/secrets/redis_url/versions/latest"
	client.values[resource] = "redis://cache:6379/0"

	resolver, err := NewResolver(ctx, WithSecretManagerClient(client), WithDefaultProject("feira"))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	defer resolver.Close()

	for i := 0; i < 2; i++ {
		got, err := resolver.Resolve(ctx, "secret://redis_url")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "redis://cache:6379/0" {
			t.Fatalf("unexpected value %q", got)
		}
	}
	if calls := client.callCount(resource); calls != 1 {
		t.Fatalf("expected one remote fetch, got %d", calls)
	}
}

func TestResolveHonoursVersionProjectAndAlias(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/other/secrets/quote_token/versions/3"] = "tok-3"

	resolver, _ := NewResolver(ctx, WithSecretManagerClient(client), WithDefaultProject("feira"))

	got, err := resolver.ResolveSecret(ctx, "sm://quote_token?version=3&project=other")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "tok-3" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestResolvePropagatesRemoteErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/feira/secrets/postgres_dsn/versions/latest"
	client.errors[resource] = status.Error(codes.PermissionDenied, "denied")

	resolver, _ := NewResolver(ctx, WithSecretManagerClient(client), WithDefaultProject("feira"))

	if _, err := resolver.Resolve(ctx, "secret://postgres_dsn"); status.Code(errors.Unwrap(err)) != codes.PermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := resolver.Resolve(ctx, "secret://postgres_dsn"); err == nil {
		t.Fatalf("failures must not be cached as values")
	}
	if calls := client.callCount(resource); calls != 2 {
		t.Fatalf("expected two remote attempts, got %d", calls)
	}
}

func TestCheckBypassesCache(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/feira/secrets/probe/versions/latest"
	client.values[resource] = "ok"

	resolver, _ := NewResolver(ctx, WithSecretManagerClient(client), WithDefaultProject("feira"))
	if _, err := resolver.Resolve(ctx, "secret://probe"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := resolver.Check(ctx, "secret://probe"); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if calls := client.callCount(resource); calls != 2 {
		t.Fatalf("expected check to hit the client, got %d calls", calls)
	}
}

func TestResolveRejectsBadReferences(t *testing.T) {
	resolver, _ := NewResolver(context.Background(), WithSecretManagerClient(newFakeSecretClient()))

	cases := []string{"", "https://example.com/secret", "secret://", "secret://token"}
	for _, ref := range cases {
		if _, err := resolver.Resolve(context.Background(), ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
}

func TestResolveWithoutClient(t *testing.T) {
	resolver, _ := NewResolver(context.Background(), WithSecretManagerClient(newFakeSecretClient()), WithDefaultProject("feira"))
	resolver.client = nil

	if _, err := resolver.Resolve(context.Background(), "secret://token"); !errors.Is(err, ErrClientUnavailable) {
		t.Fatalf("expected ErrClientUnavailable, got %v", err)
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++
	if err, ok := f.errors[name]; ok {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
