package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrel-search/scripting/common/logging"
	"github.com/kestrel-search/scripting/common/messaging"
	natsclient "github.com/kestrel-search/scripting/common/messaging/nats"
	"github.com/kestrel-search/scripting/internal/auth"
	"github.com/kestrel-search/scripting/internal/client"
	"github.com/kestrel-search/scripting/internal/config"
	"github.com/kestrel-search/scripting/internal/consumer"
	"github.com/kestrel-search/scripting/internal/handlers"
	"github.com/kestrel-search/scripting/internal/pipeline"
	"github.com/kestrel-search/scripting/internal/registry"
	"github.com/kestrel-search/scripting/internal/script/cache"
	"github.com/kestrel-search/scripting/internal/script/engine"
	"github.com/kestrel-search/scripting/internal/server"
	"github.com/kestrel-search/scripting/internal/update"
)

func main() {
	migrationsPath := flag.String("migrations", "file://migrations", "path to database migrations")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	logger.Info("starting scripting service", logging.Service("scripting"))

	if cfg.Database.URL == "" {
		log.Fatal("database.url is required")
	}

	// Run database migrations before opening the pool.
	m, err := migrate.New(*migrationsPath, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil || dbErr != nil {
		logger.Warn("closing migrator", logging.Error(errors.Join(srcErr, dbErr)))
	}

	pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer pool.Close()

	osClient, err := client.NewOpenSearchClient(cfg.OpenSearch)
	if err != nil {
		log.Fatalf("Failed to connect to OpenSearch: %v", err)
	}

	eng := engine.New(engine.Config{
		InstructionBudget: cfg.Scripting.InstructionBudget,
		Timeout:           cfg.Scripting.ExecTimeout,
		MaxSourceBytes:    cfg.Scripting.MaxSourceBytes,
	})

	limiter, err := cache.ParseRate(cfg.Scripting.MaxCompilationsRate)
	if err != nil {
		log.Fatalf("Invalid scripting.max_compilations_rate: %v", err)
	}
	compiled := cache.New(eng, cfg.Scripting.CacheSize, limiter)

	var redisCache *registry.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = registry.NewRedisCache(cfg.Redis.URL, cfg.Redis.CacheTTL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisCache.Close()
		logger.Info("redis script cache enabled")
	}

	// NATS is optional: without it invalidation fanout and the ingest
	// consumer are disabled, the REST API still works.
	var bus messaging.Client
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		nc, err := natsclient.NewClient(natsCfg)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		bus = nc
		logger.Info("connected to NATS", logging.Subject(messaging.SubjectEventsRaw))
	}

	scripts := registry.NewService(eng, registry.NewPostgresStore(pool), redisCache, bus)
	pipelines := pipeline.NewService(eng, pipeline.NewPostgresStore(pool), bus)
	updates := update.NewExecutor(eng, osClient.Client(), cfg.Scripting.UpdateRetryOnConflict, logger.Logger)

	ready := func(ctx context.Context) error {
		return pool.Ping(ctx)
	}
	handler := handlers.New(scripts, compiled, updates, pipelines, ready)
	authMw := auth.NewMiddleware(cfg.Auth.JWTSecret, cfg.Auth.Enabled)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var subs []messaging.Subscription
	var events *consumer.Consumer
	if bus != nil {
		// Every node drops its local caches when any node changes a
		// stored script or pipeline.
		invalidations := []struct {
			subject string
			handle  messaging.MessageHandler
		}{
			{messaging.SubjectScriptsInvalidate + ".>", scripts.HandleInvalidation},
			{messaging.SubjectPipelinesInvalidate + ".>", pipelines.HandleInvalidation},
		}
		for _, inv := range invalidations {
			sub, err := bus.Subscribe(inv.subject, inv.handle)
			if err != nil {
				log.Fatalf("Failed to subscribe to invalidations: %v", err)
			}
			subs = append(subs, sub)
		}

		events = consumer.New(bus, pipelines, osClient.Client(), consumer.Config{
			Index:           osClient.Index(),
			DefaultPipeline: cfg.Scripting.DefaultPipeline,
		})
		if err := events.Start(shutdownCtx); err != nil {
			log.Fatalf("Failed to start event consumer: %v", err)
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler, authMw, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", logging.Error(err))
	}
	if events != nil {
		if err := events.Stop(ctx); err != nil {
			logger.Error("consumer shutdown", logging.Error(err))
		}
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Error("unsubscribe", logging.Error(err))
		}
	}
	if bus != nil {
		if err := bus.Drain(); err != nil {
			logger.Error("nats drain", logging.Error(err))
		}
	}
}
