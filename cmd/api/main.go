package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/deliveryquotes"
	"github.com/feiralivre/api/internal/handlers"
	"github.com/feiralivre/api/internal/platform/config"
	pfirestore "github.com/feiralivre/api/internal/platform/firestore"
	"github.com/feiralivre/api/internal/platform/jobs"
	"github.com/feiralivre/api/internal/platform/observability"
	"github.com/feiralivre/api/internal/platform/secrets"
	platformstorage "github.com/feiralivre/api/internal/platform/storage"
	"github.com/feiralivre/api/internal/platform/validation"
	"github.com/feiralivre/api/internal/postal"
	"github.com/feiralivre/api/internal/repositories"
	firestoreRepo "github.com/feiralivre/api/internal/repositories/firestore"
	postgresRepo "github.com/feiralivre/api/internal/repositories/postgres"
	redisRepo "github.com/feiralivre/api/internal/repositories/redis"
	"github.com/feiralivre/api/internal/services"
)

const userAgent = "feiralivre-api"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(
		observability.WithConsoleEncoding(strings.EqualFold(os.Getenv("LOG_FORMAT"), "console")),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	resolver, err := secrets.NewResolver(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(firstNonEmpty(os.Getenv("API_SECRETS_PROJECT_ID"), os.Getenv("API_FIRESTORE_PROJECT_ID"))),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	checks := []repositories.DependencyCheck{{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check:   firestoreProvider.Ping,
	}}
	var closers []func() error

	postalCache, cacheCheck, closeCache, err := newPostalCache(ctx, cfg, firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise postal cache", zap.String("backend", cfg.Postal.CacheBackend), zap.Error(err))
	}
	if cacheCheck != nil {
		checks = append(checks, *cacheCheck)
	}
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	reference, err := loadPostalReference(ctx, logger.Named("postal"), cfg.Postal.ReferenceObject)
	if err != nil {
		logger.Fatal("failed to load postal reference", zap.Error(err))
	}

	zoneRepo, err := firestoreRepo.NewDeliveryZoneRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise delivery zone repository", zap.Error(err))
	}
	zones := services.NewDeliveryZoneResolver(services.DeliveryZoneResolverDeps{
		Repository:      zoneRepo,
		Defaults:        reference.Zones,
		RefreshInterval: cfg.Postal.ZoneRefresh,
		Clock:           time.Now,
		Logger:          hookLogger(logger.Named("zones")),
	})

	providerA, err := postal.NewViaCEPProvider(cfg.Postal.ProviderAURL, postal.WithUserAgent(userAgent))
	if err != nil {
		logger.Fatal("failed to initialise postal provider A", zap.Error(err))
	}
	providerB, err := postal.NewBrasilAPIProvider(cfg.Postal.ProviderBURL, postal.WithUserAgent(userAgent))
	if err != nil {
		logger.Fatal("failed to initialise postal provider B", zap.Error(err))
	}

	events, eventsCheck, closeEvents, err := newLookupEventPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise lookup event publisher", zap.String("backend", cfg.Events.Backend), zap.Error(err))
	}
	if eventsCheck != nil {
		checks = append(checks, *eventsCheck)
	}
	if closeEvents != nil {
		closers = append(closers, closeEvents)
	}

	addressService, err := services.NewAddressResolutionService(services.AddressResolutionServiceDeps{
		Cache:            postalCache,
		ProviderA:        providerA,
		ProviderB:        providerB,
		ProviderATimeout: cfg.Postal.ProviderATimeout,
		ProviderBTimeout: cfg.Postal.ProviderBTimeout,
		RaceTimeout:      cfg.Postal.RaceTimeout,
		CacheTTL:         cfg.Postal.CacheTTL,
		Reference:        &reference,
		Zones:            zones,
		Events:           events,
		Clock:            time.Now,
		Logger:           hookLogger(logger.Named("postal")),
	})
	if err != nil {
		logger.Fatal("failed to initialise address resolution service", zap.Error(err))
	}

	quoteOpts := []deliveryquotes.Option{deliveryquotes.WithHTTPClient(&http.Client{})}
	if token := strings.TrimSpace(cfg.DeliveryQuotes.AuthToken); token != "" {
		quoteOpts = append(quoteOpts, deliveryquotes.WithAuthToken(token))
	}
	quoteProvider, err := deliveryquotes.NewHTTPProvider(cfg.DeliveryQuotes.BaseURL, quoteOpts...)
	if err != nil {
		logger.Fatal("failed to initialise delivery quote provider", zap.Error(err))
	}
	vendorDirectory, err := firestoreRepo.NewVendorDirectoryRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise vendor directory", zap.Error(err))
	}

	deliveryLogger := hookLogger(logger.Named("delivery"))
	sessions, err := services.NewDeliverySessionRegistry(services.DeliverySessionRegistryDeps{
		NewAggregator: func() (services.CheckoutDeliveryAggregator, error) {
			return services.NewCheckoutDeliveryAggregator(services.CheckoutDeliveryAggregatorDeps{
				Quotes:           quoteProvider,
				Vendors:          vendorDirectory,
				ResultTTL:        cfg.DeliveryQuotes.ResultTTL,
				QuoteTimeout:     cfg.DeliveryQuotes.QuoteTimeout,
				SafetyNetTimeout: cfg.DeliveryQuotes.SafetyNetTimeout,
				Debounce:         cfg.DeliveryQuotes.Debounce,
				Clock:            time.Now,
				Logger:           deliveryLogger,
			})
		},
		IdleTTL: cfg.DeliveryQuotes.SessionIdleTTL,
		Clock:   time.Now,
		Logger:  deliveryLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise delivery session registry", zap.Error(err))
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	sweepTicker := time.NewTicker(cfg.DeliveryQuotes.SessionSweep)
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		sweepLogger := logger.Named("delivery")
		for {
			select {
			case now := <-sweepTicker.C:
				if removed := sessions.Sweep(now); removed > 0 {
					sweepLogger.Info("expired delivery sessions removed", zap.Int("count", removed))
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	if probe := strings.TrimSpace(cfg.Secrets.HealthProbe); probe != "" {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "secretManager",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				err := resolver.Check(ctx, probe)
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}

	systemService, err := newSystemService(checks, buildInfo, sessions, cfg.Postal.CacheBackend)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)
	postalHandlers := handlers.NewPostalCodeHandlers(addressService)
	deliveryHandlers := handlers.NewDeliverySessionHandlers(sessions, validation.New())

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPostalRoutes(postalHandlers.Routes),
		handlers.WithDeliverySessionRoutes(deliveryHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("feiralivre api listening", zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	sweepTicker.Stop()
	sweepCancel()
	sweepWG.Wait()
	sessions.CloseAll()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}
}

func buildInfoFromEnv(cfg config.Config, started time.Time) services.BuildInfo {
	return services.BuildInfo{
		Version:     firstNonEmpty(os.Getenv("API_BUILD_VERSION"), "dev"),
		CommitSHA:   firstNonEmpty(os.Getenv("API_BUILD_COMMIT_SHA"), "unknown"),
		Environment: firstNonEmpty(cfg.Environment, "local"),
		StartedAt:   started,
	}
}

func newSystemService(checks []repositories.DependencyCheck, build services.BuildInfo, sessions services.DeliverySessionService, cacheBackend string) (services.SystemService, error) {
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Sessions:         sessions,
		CacheBackend:     cacheBackend,
		Build:            build,
	})
}

// newPostalCache selects the postal cache backend. The returned check and closer may be nil.
func newPostalCache(ctx context.Context, cfg config.Config, provider *pfirestore.Provider) (repositories.PostalCacheRepository, *repositories.DependencyCheck, func() error, error) {
	switch cfg.Postal.CacheBackend {
	case config.CacheBackendRedis:
		client, err := redisRepo.NewClient(cfg.Redis.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		repo, err := redisRepo.NewPostalCacheRepository(client, time.Now)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		check := &repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check:   func(ctx context.Context) error { return pingRedis(ctx, client) },
		}
		return repo, check, client.Close, nil
	case config.CacheBackendPostgres:
		db, err := postgresRepo.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			return nil, nil, nil, err
		}
		repo, err := postgresRepo.NewPostalCacheRepository(db, time.Now)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		check := &repositories.DependencyCheck{
			Name:    "postgres",
			Timeout: time.Second,
			Check:   func(ctx context.Context) error { return pingPostgres(ctx, db) },
		}
		return repo, check, db.Close, nil
	default:
		repo, err := firestoreRepo.NewPostalCacheRepository(provider, time.Now)
		if err != nil {
			return nil, nil, nil, err
		}
		return repo, nil, nil, nil
	}
}

func pingRedis(ctx context.Context, client goredis.UniversalClient) error {
	return client.Ping(ctx).Err()
}

func pingPostgres(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}

// loadPostalReference overlays the optional Cloud Storage object on the built-in tables.
func loadPostalReference(ctx context.Context, logger *zap.Logger, uri string) (domain.PostalReference, error) {
	base := services.DefaultPostalReference()
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return base, nil
	}

	client, err := cloudstorage.NewClient(ctx)
	if err != nil {
		return domain.PostalReference{}, err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()

	opener, err := platformstorage.NewGCSOpener(client)
	if err != nil {
		return domain.PostalReference{}, err
	}
	loader, err := platformstorage.NewReferenceLoader(opener)
	if err != nil {
		return domain.PostalReference{}, err
	}

	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	override, err := loader.Load(loadCtx, uri)
	if err != nil {
		if errors.Is(err, platformstorage.ErrReferenceNotFound) {
			logger.Warn("postal reference object missing; using built-in tables", zap.String("object", uri))
			return base, nil
		}
		return domain.PostalReference{}, err
	}
	logger.Info("postal reference loaded",
		zap.String("object", uri),
		zap.Int("exact", len(override.Exact)),
		zap.Int("prefixes", len(override.Prefixes)),
		zap.Int("zones", len(override.Zones)),
	)
	return services.MergePostalReference(base, override), nil
}

// newLookupEventPublisher builds the degraded lookup publisher for the configured backend.
// A nil publisher disables events.
func newLookupEventPublisher(ctx context.Context, cfg config.Config) (services.PostalLookupEventPublisher, *repositories.DependencyCheck, func() error, error) {
	switch cfg.Events.Backend {
	case config.EventsBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, nil, err
		}
		topic := client.Topic(cfg.Events.PubSubTopic)
		publisher, err := jobs.NewPubSubLookupEventPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		check := &repositories.DependencyCheck{
			Name:     "pubsub",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		}
		closeFn := func() error {
			topic.Stop()
			return client.Close()
		}
		return publisher, check, closeFn, nil
	case config.EventsBackendKafka:
		writer, err := jobs.NewKafkaWriter(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, nil, nil, err
		}
		publisher, err := jobs.NewKafkaLookupEventPublisher(writer)
		if err != nil {
			_ = writer.Close()
			return nil, nil, nil, err
		}
		brokers := append([]string(nil), cfg.Events.KafkaBrokers...)
		check := &repositories.DependencyCheck{
			Name:     "kafka",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
				if err != nil {
					return err
				}
				return conn.Close()
			},
		}
		return publisher, check, publisher.Close, nil
	default:
		return nil, nil, nil, nil
	}
}

// hookLogger adapts a zap logger to the service logging hook.
func hookLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(event, zFields...)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
