package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Values are loaded from environment variables with defaults that let the
// binary run locally against the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Redis RedisConfig

	KafkaBrokers     []string
	KafkaEventsTopic string

	AMQPURL      string
	AMQPExchange string

	WebhookURL   string
	WebhookToken string

	ArchiveDriver string
	ArchiveDSN    string

	PerCandidateTimeout time.Duration
	RequestTimeout      time.Duration
	RescanInterval      time.Duration
	ActivityWindow      time.Duration

	SubmitRateLimit float64
	SubmitBurst     int

	LogLevel      string
	RunMigrations bool
}

// RedisConfig is shared by the server and the consumer. An empty Addr
// selects the in-memory store.
type RedisConfig struct {
	Addr      string
	Password  string
	KeyPrefix string
}

// ConsumerConfig configures the location ingest worker.
type ConsumerConfig struct {
	KafkaBrokers        []string
	KafkaLocationsTopic string
	KafkaGroup          string

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	Redis RedisConfig

	MetricsAddr string
	LogLevel    string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		Redis:               RedisConfig{KeyPrefix: "ridedispatch:"},
		KafkaEventsTopic:    "dispatch-events",
		AMQPExchange:        "dispatch_topic",
		PerCandidateTimeout: 10 * time.Second,
		RequestTimeout:      60 * time.Second,
		RescanInterval:      3 * time.Second,
		ActivityWindow:      2 * time.Minute,
		SubmitRateLimit:     1,
		SubmitBurst:         5,
		LogLevel:            "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaLocationsTopic: "worker-locations",
		KafkaGroup:          "ride-dispatch-consumer",
		MQTTTopic:           "workers/+/location",
		Redis:               RedisConfig{KeyPrefix: "ridedispatch:"},
		MetricsAddr:         ":2112",
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	loadRedis(&cfg.Redis)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.WebhookURL = strings.TrimSpace(os.Getenv("EVENTS_WEBHOOK_URL"))
	cfg.WebhookToken = os.Getenv("EVENTS_WEBHOOK_TOKEN")

	cfg.ArchiveDriver = strings.ToLower(strings.TrimSpace(os.Getenv("ARCHIVE_DRIVER")))
	cfg.ArchiveDSN = os.Getenv("ARCHIVE_DSN")

	setDurationFromEnv(&cfg.PerCandidateTimeout, "PER_CANDIDATE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RequestTimeout, "REQUEST_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RescanInterval, "RESCAN_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ActivityWindow, "ACTIVITY_WINDOW", &errs)

	setFloatFromEnv(&cfg.SubmitRateLimit, "SUBMIT_RATE_LIMIT", &errs)
	setIntFromEnv(&cfg.SubmitBurst, "SUBMIT_BURST", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	for name, d := range map[string]time.Duration{
		"PER_CANDIDATE_TIMEOUT": cfg.PerCandidateTimeout,
		"REQUEST_TIMEOUT":       cfg.RequestTimeout,
		"RESCAN_INTERVAL":       cfg.RescanInterval,
		"ACTIVITY_WINDOW":       cfg.ActivityWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	if cfg.PerCandidateTimeout > cfg.RequestTimeout {
		errs = append(errs, fmt.Errorf("PER_CANDIDATE_TIMEOUT must not exceed REQUEST_TIMEOUT"))
	}
	if cfg.SubmitRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("SUBMIT_RATE_LIMIT must be > 0"))
	}
	if cfg.SubmitBurst <= 0 {
		errs = append(errs, fmt.Errorf("SUBMIT_BURST must be > 0"))
	}
	switch cfg.ArchiveDriver {
	case "", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("ARCHIVE_DRIVER must be postgres or sqlite, got %q", cfg.ArchiveDriver))
	}
	if cfg.ArchiveDriver != "" && cfg.ArchiveDSN == "" {
		errs = append(errs, fmt.Errorf("ARCHIVE_DSN is required when ARCHIVE_DRIVER is set"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.MQTTBroker = strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	setStringFromEnv(&cfg.MQTTTopic, "MQTT_TOPIC")
	cfg.MQTTClientID = strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))

	loadRedis(&cfg.Redis)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 && cfg.MQTTBroker == "" {
		errs = append(errs, fmt.Errorf("at least one of KAFKA_BROKERS or MQTT_BROKER is required"))
	}
	if cfg.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	}

	return cfg, errors.Join(errs...)
}

func loadRedis(cfg *RedisConfig) {
	cfg.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.Password = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.KeyPrefix, "REDIS_KEY_PREFIX")
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
