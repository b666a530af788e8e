package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fleet"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/store"
	"github.com/example/ride-dispatch/internal/store/memory"
	redisstore "github.com/example/ride-dispatch/internal/store/redis"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := openStore(ctx, cfg, logger)
	defer st.Close()

	archive, err := openArchive(ctx, cfg, logger)
	if err != nil {
		logger.Error("archive_open_failed", "driver", cfg.ArchiveDriver, "error", err)
		os.Exit(1)
	}

	pub := events.Multi{events.Instrument("archive", archive)}
	if len(cfg.KafkaBrokers) > 0 {
		pub = append(pub, events.Instrument("kafka", events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)))
		logger.Info("kafka_events_enabled", "topic", cfg.KafkaEventsTopic)
	}
	if cfg.AMQPURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("amqp_events_disabled", "error", err)
		} else {
			pub = append(pub, events.Instrument("amqp", ap))
			logger.Info("amqp_events_enabled", "exchange", cfg.AMQPExchange)
		}
	}
	if cfg.WebhookURL != "" {
		pub = append(pub, events.Instrument("webhook", events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookToken)))
	}
	defer pub.Close()

	registry := dispatch.NewRegistry(logger)
	eng := engine.New(engine.Config{
		PerCandidateTimeout: cfg.PerCandidateTimeout,
		RequestTimeout:      cfg.RequestTimeout,
		RescanInterval:      cfg.RescanInterval,
	}, st, matcher.New(st), registry, engine.WithLogger(logger), engine.WithEvents(pub))
	defer eng.Close()
	go eng.Run(ctx)

	srv := httpapi.NewServer(httpapi.Deps{
		Engine:         eng,
		Fleet:          fleet.New(st, logger),
		Registry:       registry,
		Store:          st,
		Archive:        archive,
		Logger:         logger,
		SubmitLimit:    rate.Limit(cfg.SubmitRateLimit),
		SubmitBurst:    cfg.SubmitBurst,
		ActivityWindow: cfg.ActivityWindow,
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http_shutdown_failed", "error", err)
		}
	}()

	logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http_server_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("ride-dispatch stopped")
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) store.Store {
	if cfg.Redis.Addr == "" {
		logger.Info("store_selected", "kind", "memory")
		return memory.New()
	}
	rs := redisstore.NewFromAddr(cfg.Redis.Addr, cfg.Redis.Password,
		redisstore.WithLogger(logger), redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix))
	if err := rs.Ping(ctx); err != nil {
		logger.Warn("redis_ping_failed", "addr", cfg.Redis.Addr, "error", err)
	}
	logger.Info("store_selected", "kind", "redis", "addr", cfg.Redis.Addr)
	return rs
}

func openArchive(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Archive, error) {
	if cfg.ArchiveDriver == "" {
		return storage.NewMemoryStore(), nil
	}
	s, err := storage.Open(ctx, cfg.ArchiveDriver, cfg.ArchiveDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := s.InitSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		logger.Info("archive_schema_ready", "driver", cfg.ArchiveDriver)
	}
	return s, nil
}
