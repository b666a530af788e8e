package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	redisstore "github.com/example/ride-dispatch/internal/store/redis"
)

// source is one broker feeding location updates.
type source interface {
	Run(ctx context.Context, h *ingest.Handler) error
	Close() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("service", "consumer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := redisstore.NewFromAddr(cfg.Redis.Addr, cfg.Redis.Password,
		redisstore.WithLogger(logger), redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix))
	defer st.Close()

	handler := ingest.NewHandler(fleet.New(st, logger), logger)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: newMetricsMux(st)}
	go func() {
		logger.Info("metrics_listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics_server_stopped", "error", err)
		}
	}()
	defer metricsServer.Close()

	srcs := buildSources(cfg, logger)
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range srcs {
		src := src
		g.Go(func() error {
			defer src.Close()
			return src.Run(gctx, handler)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("consumer_stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down consumer")
}

func buildSources(cfg config.ConsumerConfig, logger *slog.Logger) []source {
	var srcs []source
	if len(cfg.KafkaBrokers) > 0 {
		srcs = append(srcs, ingest.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaLocationsTopic, cfg.KafkaGroup, logger))
	}
	if cfg.MQTTBroker != "" {
		srcs = append(srcs, ingest.NewMQTTSource(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopic, logger))
	}
	return srcs
}

func newMetricsMux(p pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		// readiness: check store connectivity
		if err := p.Ping(r.Context()); err != nil {
			http.Error(w, "store not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	return mux
}
