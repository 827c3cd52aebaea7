// Package main wires together the fleet worker binary: the shared queue
// store, the claim loop, liveness machinery, and the operator API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/harrierlabs/fleetscrape/internal/api"
	"github.com/harrierlabs/fleetscrape/internal/clock/system"
	"github.com/harrierlabs/fleetscrape/internal/config"
	"github.com/harrierlabs/fleetscrape/internal/coordinator"
	"github.com/harrierlabs/fleetscrape/internal/engine"
	"github.com/harrierlabs/fleetscrape/internal/fleet"
	"github.com/harrierlabs/fleetscrape/internal/id/uuid"
	"github.com/harrierlabs/fleetscrape/internal/liveness"
	"github.com/harrierlabs/fleetscrape/internal/logging"
	"github.com/harrierlabs/fleetscrape/internal/metrics"
	pubsubpublisher "github.com/harrierlabs/fleetscrape/internal/publisher/pubsub"
	queueMemory "github.com/harrierlabs/fleetscrape/internal/queue/memory"
	queueRedis "github.com/harrierlabs/fleetscrape/internal/queue/redis"
	"github.com/harrierlabs/fleetscrape/internal/rotation"
	"github.com/harrierlabs/fleetscrape/internal/session"
	"github.com/harrierlabs/fleetscrape/internal/storage/gcs"
	"github.com/harrierlabs/fleetscrape/internal/storage/local"
	"github.com/harrierlabs/fleetscrape/internal/storage/postgres"
	"github.com/harrierlabs/fleetscrape/internal/upstream"
	"github.com/harrierlabs/fleetscrape/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	workerID := cfg.Worker.ID
	if workerID == "" {
		host, _ := os.Hostname()
		generated, idErr := idGen.NewID()
		if idErr != nil {
			logger.Fatal("generate worker id", zap.Error(idErr))
		}
		workerID = fmt.Sprintf("%s-%s", host, generated[:8])
	}
	logger = logger.With(zap.String("worker_id", workerID))

	var store fleet.QueueStore
	if cfg.Redis.Addr != "" {
		redisStore := queueRedis.New(queueRedis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, clock)
		if err := redisStore.Ping(ctx); err != nil {
			logger.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer redisStore.Close()
		store = redisStore
		logger.Info("using redis queue store", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = queueMemory.NewStore(clock)
		logger.Warn("using in-memory queue store, coordination is limited to this process")
	}

	coord := coordinator.New(store, idGen, clock, coordinator.Config{
		LeaseDuration: cfg.LeaseDuration(),
		MaxAttempts:   cfg.Queue.MaxAttempts,
	}, logger.Named("coordinator"))

	sessions, err := loadSessionPool(cfg, clock, logger)
	if err != nil {
		logger.Fatal("load sessions", zap.Error(err))
	}

	handles := make([]fleet.IdentityHandle, 0, len(cfg.Identities))
	for _, ident := range cfg.Identities {
		handles = append(handles, fleet.IdentityHandle{
			ID:              ident.Ref,
			IdentityRef:     ident.Ref,
			BackendEndpoint: ident.Endpoint,
		})
	}
	if len(handles) == 0 {
		logger.Fatal("no identities configured")
	}
	identities := rotation.New(handles,
		rotation.NewHTTPProbe(time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second),
		clock,
		rotation.Config{
			Probation:     time.Duration(cfg.Rotation.ProbationSeconds) * time.Second,
			ProbeInterval: time.Duration(cfg.Rotation.ProbeIntervalSeconds) * time.Second,
		},
		logger.Named("rotation"),
	)

	blobs, closeBlobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("init blob store", zap.Error(err))
	}
	defer closeBlobs()

	var archive fleet.ResultArchive
	if cfg.DB.DSN != "" {
		resultStore, archErr := postgres.NewResultStore(ctx, postgres.ResultStoreConfig{DSN: cfg.DB.DSN})
		if archErr != nil {
			logger.Fatal("init result archive", zap.Error(archErr))
		}
		defer resultStore.Close()
		archive = resultStore
	}

	var publisher fleet.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		psClient, psErr := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if psErr != nil {
			logger.Fatal("init pubsub client", zap.Error(psErr))
		}
		defer psClient.Close()
		pub := pubsubpublisher.New(psClient, cfg.PubSub.TopicName)
		defer pub.Close()
		publisher = pub
	}

	fetcher := upstream.New(upstream.Config{
		Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		UserAgent: cfg.Upstream.UserAgent,
	})

	eng := engine.New(workerID, store, fetcher, identities, sessions, blobs, clock, engine.Config{
		LeaseDuration:        cfg.LeaseDuration(),
		PagesPerSecond:       cfg.Upstream.PagesPerSecond,
		SessionCooldown:      time.Duration(cfg.Sessions.CooldownSeconds) * time.Second,
		MaxSessionRotations:  cfg.Sessions.MaxRotationsPerJob,
		MaxIdentityRotations: cfg.Rotation.MaxRotationsPerJob,
		BlobPrefix:           cfg.Storage.Prefix,
		BlobContentType:      cfg.Storage.ContentType,
	}, logger.Named("engine"))

	emitter := liveness.NewEmitter(store, clock, workerID, cfg.HeartbeatInterval(), logger.Named("liveness"))
	sweeper := liveness.NewSweeper(store, coord.Fail, clock,
		time.Duration(cfg.Liveness.SweepIntervalSeconds)*time.Second, logger.Named("sweeper"))

	w := worker.New(workerID, coord, eng, emitter, publisher, archive, clock, worker.Config{
		PollInterval: time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
		MaxPollDelay: time.Duration(cfg.Worker.MaxPollDelayMs) * time.Millisecond,
		Topic:        cfg.PubSub.TopicName,
	}, logger.Named("worker"))

	apiServer := api.NewServer(coord, store, clock, api.Config{
		AuthEnabled:  cfg.Auth.Enabled,
		APIKey:       cfg.Auth.APIKey,
		HeartbeatTTL: cfg.HeartbeatTTL(),
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	runGoroutine := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info(name + " started")
			fn(ctx)
		}()
	}
	runGoroutine("heartbeat emitter", emitter.Run)
	runGoroutine("lease sweeper", sweeper.Run)
	runGoroutine("identity prober", identities.RunProber)
	runGoroutine("worker loop", w.Run)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	grace := time.Duration(cfg.Worker.ShutdownGraceMs) * time.Millisecond
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	logger.Info("shutdown complete")
}

func loadSessionPool(cfg config.Config, clock fleet.Clock, logger *zap.Logger) (*session.Pool, error) {
	if cfg.Sessions.File == "" {
		return nil, fmt.Errorf("sessions.file is required")
	}
	creds, err := session.Load(cfg.Sessions.File)
	if err != nil {
		return nil, err
	}
	notify := func(accountRef string) {
		logger.Error("session credential expired, operator action required",
			zap.String("account", accountRef))
	}
	return session.NewPool(creds, clock, notify, logger.Named("session")), nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (fleet.BlobStore, func(), error) {
	noop := func() {}
	switch {
	case cfg.Storage.GCSBucket != "":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, noop, err
		}
		closeFn := func() {
			client.Close() //nolint:errcheck
		}
		return store, closeFn, nil
	case cfg.Storage.LocalDir != "":
		store, err := local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	default:
		return nil, noop, nil
	}
}
