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
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ideaflow/syncd/internal/app"
	"ideaflow/syncd/internal/backup"
	"ideaflow/syncd/internal/config"
	"ideaflow/syncd/internal/connectivity"
	"ideaflow/syncd/internal/data"
	"ideaflow/syncd/internal/logging"
	"ideaflow/syncd/internal/realtime"
	"ideaflow/syncd/internal/remote"
	"ideaflow/syncd/internal/search"
	"ideaflow/syncd/internal/session"
	"ideaflow/syncd/internal/storage"
	"ideaflow/syncd/internal/store"
	"ideaflow/syncd/internal/syncqueue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatalf("syncd: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	checks := make(map[string]app.Pinger)

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Connect(cfg.RedisURL)
		if err != nil {
			log.Warnf("syncd: redis unavailable, session storage, feed and replay lock disabled: %v", err)
		} else {
			redisClient = client
			defer redisClient.Close()
			checks["redis"] = app.PingFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			})
		}
	}

	var durable storage.Backend
	switch cfg.DurableBackend {
	case config.BackendPostgres:
		db, err := openDatabase(ctx, cfg, log)
		if err != nil {
			log.Warnf("syncd: postgres unavailable, local storage falls back to memory: %v", err)
			break
		}
		defer db.Close()
		kv := store.NewPostgresKV(db)
		durable = kv
		checks["database"] = kv
	case config.BackendRedis:
		if redisClient != nil {
			durable = session.NewRedisStore(redisClient, cfg.AppPrefix+":local:", 0)
		}
	}

	var notifier storage.Notifier
	if redisClient != nil {
		notifier = storage.NewRedisNotifier(redisClient, cfg.AppPrefix+":storage", log)
	}
	local := storage.Open(ctx, storage.ScopeLocal, durable, storage.Options{Notifier: notifier, Logger: log})

	var sessionBackend storage.Backend
	if redisClient != nil {
		sessionBackend = session.NewRedisStore(redisClient, cfg.AppPrefix+":session:", cfg.SessionTTL)
	}
	sessionStore := storage.Open(ctx, storage.ScopeSession, sessionBackend, storage.Options{Logger: log})

	client := remote.NewClient(cfg.RemoteURL, cfg.RemoteTimeout)
	monitor := connectivity.NewMonitor(client.Ping, cfg.ConnectivityInterval, log)
	defer monitor.Close()
	checks["remote"] = app.PingFunc(client.Ping)

	var feed *realtime.Feed
	if redisClient != nil {
		feed = realtime.NewFeed(ctx, redisClient, realtime.Options{
			Channel:    cfg.FeedChannel,
			Keep:       cfg.FeedKeep,
			History:    local,
			HistoryKey: cfg.AppPrefix + "-notifications",
			Logger:     log,
		})
		defer feed.Close()
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(search.MeiliOptions{
			URL:         cfg.MeiliURL,
			APIKey:      cfg.MeiliMasterKey,
			Prefix:      cfg.AppPrefix,
			Collections: cfg.Collections,
			Logger:      log,
		})
		defer meiliClient.Close()
	}

	opts := data.Options{
		Store:          local,
		Remote:         client,
		Connectivity:   monitor,
		AppPrefix:      cfg.AppPrefix,
		Collections:    cfg.Collections,
		MaxRetries:     cfg.SyncMaxRetries,
		Interval:       cfg.SyncInterval,
		AttemptTimeout: cfg.SyncAttemptTimeout,
		Logger:         log,
	}
	if redisClient != nil {
		opts.Locker = syncqueue.NewRedisLock(redisClient, cfg.AppPrefix+":sync-leader", cfg.LeaderLockTTL)
	}
	if feed != nil {
		opts.Publisher = feed
	}
	dataService, err := data.New(opts)
	if err != nil {
		return err
	}
	searchService := search.NewService(meiliClient, dataService.Caches(), log)
	dataService.SetIndexer(searchService)
	monitor.OnChange(dataService.ConnectivityChanged)
	if feed != nil {
		feed.OnMessage(func(u realtime.Update) { dataService.ApplyUpdate(context.Background(), u) })
	}

	var snapshots *backup.Snapshotter
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		bucket, err := backup.NewMinioBucket(ctx, backup.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Bucket:    cfg.MinioBucket,
			Logger:    log,
		})
		if err != nil {
			log.Warnf("syncd: object storage unavailable, snapshots disabled: %v", err)
		} else {
			snapshots = backup.NewSnapshotter(local, bucket, cfg.AppPrefix, log)
		}
	}

	service := app.NewService(app.ServiceOptions{
		AppPrefix:    cfg.AppPrefix,
		Data:         dataService,
		Local:        local,
		Session:      sessionStore,
		Connectivity: monitor,
		Feed:         feed,
		Search:       searchService,
		Snapshots:    snapshots,
		Checks:       checks,
		Logger:       log,
	})
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("syncd: listening", "addr", cfg.Addr, "backend", cfg.DurableBackend, "fallback", local.Fallback())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return local.Listen(gctx) })
	if feed != nil {
		g.Go(func() error { return feed.Run(gctx) })
	}
	dataService.Start(gctx)
	searchService.Start(gctx)
	if monitor.Check(gctx) {
		dataService.ConnectivityChanged(true)
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		dataService.Close(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("syncd: shutdown: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("syncd: stopped")
	return nil
}

func openDatabase(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for _, version := range applied {
		log.Infof("syncd: applied migration %s", version)
	}
	return db, nil
}
