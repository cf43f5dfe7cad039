// Package server is the composition root: it builds every backend from
// configuration and runs the API, the render workers, or both.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/accesslog"
	"github.com/JakeFAU/prerender/internal/accesslog/sinks"
	"github.com/JakeFAU/prerender/internal/admission"
	"github.com/JakeFAU/prerender/internal/api"
	"github.com/JakeFAU/prerender/internal/auth"
	"github.com/JakeFAU/prerender/internal/cache"
	"github.com/JakeFAU/prerender/internal/clock/system"
	"github.com/JakeFAU/prerender/internal/config"
	"github.com/JakeFAU/prerender/internal/dispatcher"
	"github.com/JakeFAU/prerender/internal/id/uuid"
	"github.com/JakeFAU/prerender/internal/logging"
	memorypublisher "github.com/JakeFAU/prerender/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/prerender/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/prerender/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/prerender/internal/queue/pubsub"
	"github.com/JakeFAU/prerender/internal/ratelimit"
	"github.com/JakeFAU/prerender/internal/render"
	"github.com/JakeFAU/prerender/internal/renderer/headless"
	"github.com/JakeFAU/prerender/internal/sanitize"
	"github.com/JakeFAU/prerender/internal/ssrf"
	gcsstorage "github.com/JakeFAU/prerender/internal/storage/gcs"
	leveldbstorage "github.com/JakeFAU/prerender/internal/storage/leveldb"
	localstorage "github.com/JakeFAU/prerender/internal/storage/local"
	memorystorage "github.com/JakeFAU/prerender/internal/storage/memory"
	pgstore "github.com/JakeFAU/prerender/internal/storage/postgres"
	redisstore "github.com/JakeFAU/prerender/internal/storage/redis"
	s3storage "github.com/JakeFAU/prerender/internal/storage/s3"
	"github.com/JakeFAU/prerender/internal/telemetry"
	"github.com/JakeFAU/prerender/internal/worker"
)

// Version is stamped at build time.
var Version = "dev"

// Mode selects which halves of the service a process runs.
type Mode string

// Run modes.
const (
	ModeAll    Mode = "all"
	ModeServe  Mode = "serve"
	ModeWorker Mode = "worker"
)

func (m Mode) serves() bool  { return m == ModeAll || m == ModeServe }
func (m Mode) renders() bool { return m == ModeAll || m == ModeWorker }

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	mode   Mode
	logger *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	reaper    *worker.Reaper
	renderer  *headless.Renderer
	cache     *cache.Manager
	accessHub *accesslog.Hub
	readiness map[string]api.Pinger

	memQueue       *queuememory.Queue
	pubsubQueue    *queuepubsub.Queue
	eventPublisher *gcppublisher.Publisher
	pubsubClients  []*pubsub.Client
	storage        *storage.Client
	leveldb        *leveldbstorage.BlobStore
	redis          *goredis.Client
	pool           *pgxpool.Pool
	tracerShutdown func(context.Context) error
}

type stores struct {
	jobs      render.JobStore
	artifacts render.ArtifactStore
	access    render.AccessLogStore
	keys      auth.KeyStore
}

// Build creates the application's dependencies for mode.
func Build(ctx context.Context, cfg config.Config, mode Mode) (*App, error) {
	if !mode.serves() && !mode.renders() {
		return nil, fmt.Errorf("unknown run mode %q", mode)
	}
	if mode != ModeAll && !cfg.SharedState() {
		return nil, fmt.Errorf("mode %q needs external database, queue, and cache backends; use \"all\" for in-memory backends", mode)
	}

	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, mode: mode, logger: logger, readiness: make(map[string]api.Pinger)}
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies",
		zap.String("mode", string(a.mode)),
		zap.String("version", Version),
		zap.String("database", a.cfg.Database.Backend),
		zap.String("queue", a.cfg.Queue.Backend),
		zap.String("hot_cache", a.cfg.Cache.HotBackend),
		zap.String("cold_cache", a.cfg.Cache.ColdBackend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    a.cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		SampleRatio:    a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	if a.cfg.UsesRedis() {
		a.redis, err = redisstore.NewClient(ctx, redisstore.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		a.readiness["redis"] = redisstore.NewHotStore(a.redis)
	}

	st, err := a.setupStores(ctx)
	if err != nil {
		return err
	}
	if err := a.setupCache(ctx, st.artifacts); err != nil {
		return err
	}
	queue, err := a.setupQueue(ctx)
	if err != nil {
		return err
	}

	clock := system.New()
	validator := ssrf.New(ssrf.Config{BlockedHosts: a.cfg.Security.BlockedHosts})

	if a.mode.serves() {
		if err := a.setupAPI(st, queue, validator, clock); err != nil {
			return err
		}
	}
	if a.mode.renders() {
		if err := a.setupWorkers(ctx, st, queue, validator, clock); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) setupStores(ctx context.Context) (stores, error) {
	if a.cfg.Database.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory job and artifact stores")
		return stores{
			jobs:      memorystorage.NewJobStore(),
			artifacts: memorystorage.NewArtifactStore(),
			access:    memorystorage.NewAccessLogStore(),
		}, nil
	}

	var err error
	a.pool, err = pgstore.NewPool(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	if a.cfg.Database.MigrateOnStart {
		if err := pgstore.Migrate(ctx, a.pool); err != nil {
			return stores{}, fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres migrations applied")
	}

	jobs, err := pgstore.NewJobStore(a.pool)
	if err != nil {
		return stores{}, fmt.Errorf("job store init failed: %w", err)
	}
	artifacts, err := pgstore.NewArtifactStore(a.pool)
	if err != nil {
		return stores{}, fmt.Errorf("artifact store init failed: %w", err)
	}
	access, err := pgstore.NewAccessLogStore(a.pool)
	if err != nil {
		return stores{}, fmt.Errorf("access log store init failed: %w", err)
	}
	keys, err := pgstore.NewAPIKeyStore(a.pool)
	if err != nil {
		return stores{}, fmt.Errorf("api key store init failed: %w", err)
	}
	a.readiness["postgres"] = jobs
	a.logger.Info("using postgres stores")
	return stores{jobs: jobs, artifacts: artifacts, access: access, keys: keys}, nil
}

func (a *App) setupCache(ctx context.Context, artifacts render.ArtifactStore) error {
	var hot render.HotStore
	switch a.cfg.Cache.HotBackend {
	case config.BackendRedis:
		hot = redisstore.NewHotStore(a.redis)
	default:
		hot = memorystorage.NewHotStore(a.cfg.Cache.HotCapacity)
	}

	cold, err := a.setupColdStore(ctx)
	if err != nil {
		return err
	}

	a.cache, err = cache.NewManager(hot, cold, cache.Config{
		HotTTL:           a.cfg.Cache.HotTTL,
		ColdPrefix:       a.cfg.Cache.ColdPrefix,
		ColdWriteTimeout: a.cfg.Cache.ColdWriteTimeout,
	}, cache.WithHotMarker(artifacts), cache.WithLogger(a.logger.Named("cache")))
	if err != nil {
		return fmt.Errorf("cache init failed: %w", err)
	}
	return nil
}

func (a *App) setupColdStore(ctx context.Context) (render.BlobStore, error) {
	switch a.cfg.Cache.ColdBackend {
	case config.BackendGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS cold store", zap.String("bucket", a.cfg.GCS.Bucket))
		return blobs, nil
	case config.BackendS3:
		blobs, err := s3storage.New(s3storage.Config{
			Endpoint:  a.cfg.S3.Endpoint,
			Bucket:    a.cfg.S3.Bucket,
			AccessKey: a.cfg.S3.AccessKey,
			SecretKey: a.cfg.S3.SecretKey,
			UseSSL:    a.cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.readiness["s3"] = blobs
		a.logger.Info("using S3 cold store", zap.String("endpoint", a.cfg.S3.Endpoint), zap.String("bucket", a.cfg.S3.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Cache.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local cold store", zap.String("path", a.cfg.Cache.LocalDir))
		return blobs, nil
	case config.BackendLevelDB:
		var err error
		a.leveldb, err = leveldbstorage.Open(a.cfg.Cache.LevelDBPath)
		if err != nil {
			return nil, fmt.Errorf("leveldb blob store init failed: %w", err)
		}
		a.logger.Info("using leveldb cold store", zap.String("path", a.cfg.Cache.LevelDBPath))
		return a.leveldb, nil
	default:
		a.logger.Info("using in-memory cold store")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupQueue(ctx context.Context) (render.Queue, error) {
	if a.cfg.Queue.Backend != config.BackendPubSub {
		a.memQueue = queuememory.NewQueue(a.cfg.Queue.Capacity)
		return a.memQueue, nil
	}

	client, err := pubsub.NewClient(ctx, a.cfg.Queue.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClients = append(a.pubsubClients, client)

	publisher := client.Publisher(a.cfg.Queue.Topic)
	var subscriber *pubsub.Subscriber
	if a.mode.renders() {
		subscriber = client.Subscriber(a.cfg.Queue.Subscription)
	}
	a.pubsubQueue = queuepubsub.New(publisher, subscriber, a.logger.Named("queue"))
	a.logger.Info("Pub/Sub queue initialized",
		zap.String("project", a.cfg.Queue.ProjectID),
		zap.String("topic", a.cfg.Queue.Topic),
		zap.String("subscription", a.cfg.Queue.Subscription),
	)
	return a.pubsubQueue, nil
}

func (a *App) setupAPI(st stores, queue render.Queue, validator render.URLValidator, clock render.Clock) error {
	var windows ratelimit.WindowStore = memorystorage.NewWindowStore()
	if a.cfg.RateLimit.Backend == config.BackendRedis {
		windows = redisstore.NewWindowStore(a.redis)
	}

	accessSinks := []accesslog.Sink{
		sinks.NewStoreSink(st.access),
		sinks.NewTouchSink(st.artifacts),
	}
	if a.cfg.AccessLog.LogEnabled {
		accessSinks = append(accessSinks, sinks.NewLogSink(a.logger.Named("access_log")))
	}
	a.accessHub = accesslog.NewHub(accesslog.Config{
		BufferSize:   a.cfg.AccessLog.BufferSize,
		MaxBatch:     a.cfg.AccessLog.MaxBatch,
		MaxBatchWait: a.cfg.AccessLog.MaxBatchWait,
		SinkTimeout:  a.cfg.AccessLog.SinkTimeout,
		Logger:       a.logger.Named("access_hub"),
	}, accessSinks...)

	controller, err := admission.New(admission.Deps{
		Validator: validator,
		Limiter:   ratelimit.New(windows, clock),
		Policy:    a.cfg.RateLimitPolicy(),
		Cache:     a.cache,
		Jobs:      st.jobs,
		Queue:     queue,
		Access:    a.accessHub,
		IDs:       uuid.New(),
		Clock:     clock,
	}, admission.Config{
		BackendTimeout: a.cfg.Admission.BackendTimeout,
		AutoScroll:     a.cfg.Renderer.AutoScroll,
	}, a.logger.Named("admission"))
	if err != nil {
		return fmt.Errorf("admission init failed: %w", err)
	}

	a.apiServer = api.NewServer(controller, a.authChain(st.keys), a.readiness, api.Config{
		RequestTimeout:         a.cfg.Server.RequestTimeout,
		EstimatedRenderSeconds: a.cfg.Server.EstimatedRenderSeconds,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) authChain(keys auth.KeyStore) *auth.Chain {
	var strategies []auth.Authenticator
	if len(a.cfg.Auth.StaticKeys) > 0 {
		static := make([]memorystorage.StaticKey, 0, len(a.cfg.Auth.StaticKeys))
		for _, k := range a.cfg.Auth.StaticKeys {
			static = append(static, memorystorage.StaticKey{Key: k.Key, PrincipalID: k.PrincipalID, Tier: k.Tier})
		}
		strategies = append(strategies, auth.NewAPIKeyAuthenticator(memorystorage.NewAPIKeyStore(static)))
		a.logger.Warn("static API keys enabled", zap.Int("count", len(static)))
	}
	if keys != nil {
		strategies = append(strategies, auth.NewAPIKeyAuthenticator(keys))
	}
	if session := auth.NewSessionAuthenticator(a.cfg.Auth.SessionSecret, a.cfg.Auth.SessionIssuer, a.cfg.RateLimit.DefaultTier); session != nil {
		strategies = append(strategies, session)
	}
	if len(strategies) == 0 {
		a.logger.Warn("no authenticators configured; every request will be rejected")
	}
	return auth.NewChain(strategies...)
}

func (a *App) setupWorkers(ctx context.Context, st stores, queue render.Queue, validator render.URLValidator, clock render.Clock) error {
	var err error
	a.renderer, err = headless.New(headless.Config{
		PoolSize:       a.cfg.Renderer.PoolSize,
		UserAgent:      a.cfg.Renderer.UserAgent,
		ExecPath:       a.cfg.Renderer.ExecPath,
		NoSandbox:      a.cfg.Renderer.NoSandbox,
		DefaultTimeout: a.cfg.Renderer.DefaultTimeout,
		MaxTimeout:     a.cfg.Renderer.MaxTimeout,
		IdleWindow:     a.cfg.Renderer.IdleWindow,
		IdleTimeout:    a.cfg.Renderer.IdleTimeout,
		TrackerDomains: a.cfg.Security.TrackerDomains,
	}, validator, a.logger.Named("renderer"))
	if err != nil {
		return fmt.Errorf("renderer init failed: %w", err)
	}

	publisher, err := a.setupEvents(ctx)
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Deps{
		Jobs:      st.jobs,
		Artifacts: st.artifacts,
		Cache:     a.cache,
		Renderer:  a.renderer,
		Validator: validator,
		Sanitizer: sanitize.New(a.cfg.Security.TrackerDomains),
		Publisher: publisher,
		Clock:     clock,
	}, a.logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}

	a.dispatch = dispatcher.New(queue, w, dispatcher.Config{
		Concurrency:     a.cfg.Worker.Concurrency,
		StartsPerSecond: a.cfg.Worker.StartsPerSecond,
		Retry:           a.cfg.RetryPolicy(),
	}, a.logger.Named("dispatcher"))
	a.reaper = worker.NewReaper(st.jobs, clock, worker.ReaperConfig{
		StaleAfter: a.cfg.Worker.StaleAfter,
		Interval:   a.cfg.Worker.ReaperInterval,
		BatchSize:  a.cfg.Worker.ReaperBatch,
	}, a.logger.Named("reaper"))

	a.logger.Info("render workers configured",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Float64("starts_per_second", a.cfg.Worker.StartsPerSecond),
		zap.Int("max_attempts", a.cfg.Worker.MaxAttempts),
		zap.Int("browser_pool", a.cfg.Renderer.PoolSize),
	)
	return nil
}

func (a *App) setupEvents(ctx context.Context) (render.Publisher, error) {
	switch a.cfg.Events.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub events client init failed: %w", err)
		}
		a.pubsubClients = append(a.pubsubClients, client)
		a.eventPublisher = gcppublisher.New(client.Publisher(a.cfg.Events.Topic))
		a.logger.Info("completion events enabled",
			zap.String("project", a.cfg.Events.ProjectID),
			zap.String("topic", a.cfg.Events.Topic),
		)
		return a.eventPublisher, nil
	case config.BackendMemory:
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("application started", zap.String("mode", string(a.mode)))

	var wg sync.WaitGroup
	if a.mode.renders() {
		if a.pubsubQueue != nil {
			a.pubsubQueue.Start(ctx)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.logger.Info("dispatcher started")
			a.dispatch.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			a.reaper.Run(ctx)
		}()
	}

	var srv *http.Server
	if a.mode.serves() {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

// Close releases every backend. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.accessHub != nil {
		if err := a.accessHub.Close(ctx); err != nil {
			a.logger.Warn("access log hub close failed", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(ctx); err != nil {
			a.logger.Warn("cache close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.pubsubQueue != nil {
		a.pubsubQueue.Stop()
	}
	if a.eventPublisher != nil {
		a.eventPublisher.Stop()
	}
	for _, client := range a.pubsubClients {
		if err := client.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.leveldb != nil {
		if err := a.leveldb.Close(); err != nil {
			a.logger.Warn("leveldb close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Migrate applies the postgres schema and exits.
func Migrate(ctx context.Context, cfg config.Config) error {
	if cfg.Database.Backend != config.BackendPostgres {
		return fmt.Errorf("database.backend is %q; migrations only apply to postgres", cfg.Database.Backend)
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	pool, err := pgstore.NewPool(ctx, pgstore.Config{DSN: cfg.Database.DSN})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	defer pool.Close()

	if err := pgstore.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("postgres migrate failed: %w", err)
	}
	logger.Info("postgres migrations applied")
	return nil
}
