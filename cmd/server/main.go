package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gamestats-mongo/internal/config"
	"github.com/gamestats-mongo/internal/handler"
	"github.com/gamestats-mongo/internal/kafka"
	"github.com/gamestats-mongo/internal/logger"
	"github.com/gamestats-mongo/internal/memstore"
	"github.com/gamestats-mongo/internal/mongo"
	"github.com/gamestats-mongo/internal/postgres"
	"github.com/gamestats-mongo/internal/redis"
	"github.com/gamestats-mongo/internal/service"
	"github.com/gamestats-mongo/internal/stats"
	"github.com/gamestats-mongo/internal/store"
	"github.com/gamestats-mongo/internal/websocket"
	"github.com/gamestats-mongo/internal/worker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level)
	if created {
		log.Info().Str("path", *configPath).Msg("wrote default config with a new server token")
	}

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	if err := db.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensuring indexes: %w", err)
	}

	var engineOpts []stats.Option

	if cfg.Redis.Enabled {
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connecting to Redis")
		cache, err := redis.NewProfileCache(ctx, &cfg.Redis, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis, continuing without profile cache")
		} else {
			defer cache.Close()
			engineOpts = append(engineOpts, stats.WithProfileCache(cache))
		}
	}

	if cfg.Kafka.AlertsEnabled {
		alerts, err := kafka.NewAlertPublisher(&cfg.Kafka, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to create alert publisher, continuing without corruption alerts")
		} else {
			defer alerts.Close()
			engineOpts = append(engineOpts, stats.WithQuarantineObserver(alerts))
		}
	}

	hub := websocket.NewHub(log)
	serviceOpts := []service.Option{service.WithUpdateNotifier(hub)}

	var uploads handler.UploadLister
	if cfg.Postgres.Enabled {
		log.Info().Str("host", cfg.Postgres.Host).Str("database", cfg.Postgres.Database).Msg("connecting to PostgreSQL")
		repo, err := postgres.NewUploadRepository(ctx, &cfg.Postgres, log)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.RunMigrations(ctx); err != nil {
			return err
		}

		pruner := worker.NewPruneWorker(repo, &cfg.Audit, log)
		if err := pruner.Start(ctx); err != nil {
			return err
		}
		defer pruner.Stop()

		uploads = repo
		serviceOpts = append(serviceOpts, service.WithUploadRecorder(repo))
	}

	engine := stats.NewEngine(db, log, engineOpts...)
	svc := service.NewStatsService(engine, log, serviceOpts...)

	h := handler.NewHandler(svc, uploads, hub, handler.Options{
		ServerTokens:   cfg.Server.ServerTokens,
		RequestTimeout: cfg.Server.RequestTimeout,
		DefaultLimit:   cfg.Audit.DefaultLimit,
		MaxLimit:       cfg.Audit.MaxLimit,
	}, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// The worker outlives the listener so in-flight requests drain against it.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(workerCtx)
	})

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("initializing Kafka consumer")
		consumer, err = kafka.NewConsumer(&cfg.Kafka, svc, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to create Kafka consumer, continuing without Kafka")
			consumer = nil
		}
	}
	if consumer != nil {
		// Start blocks until the first session is assigned.
		g.Go(func() error {
			if err := consumer.Start(); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("failed to start Kafka consumer, continuing without Kafka")
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Str("store", cfg.Store.Driver).Msg("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown server")
		}
		if consumer != nil {
			if err := consumer.Stop(); err != nil {
				log.Error().Err(err).Msg("failed to stop Kafka consumer")
			}
		}
		stopWorker()
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Database, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store, stats are lost on restart")
		return memstore.New(), nil
	default:
		log.Info().Str("database", cfg.Store.Database).Msg("connecting to MongoDB")
		db, err := mongo.NewStore(ctx, &cfg.Store, log)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("connected to MongoDB")
		return db, nil
	}
}
