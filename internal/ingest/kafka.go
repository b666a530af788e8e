package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const maxBackoff = 30 * time.Second

// KafkaSource consumes location updates keyed by worker ID.
type KafkaSource struct {
	reader *kafka.Reader
	logger *slog.Logger
}

func NewKafkaSource(brokers []string, topic, group string, logger *slog.Logger) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return &KafkaSource{reader: r, logger: logger.With("source", "kafka", "topic", topic)}
}

// Run reads until ctx is cancelled. Read errors back off exponentially.
func (k *KafkaSource) Run(ctx context.Context, h *Handler) error {
	k.logger.Info("kafka_source_started")
	backoff := time.Second
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.logger.Warn("kafka_read_failed", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		if err := h.Handle(ctx, "kafka", string(m.Key), m.Value); err != nil {
			k.logger.Warn("location_rejected", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

func (k *KafkaSource) Close() error {
	return k.reader.Close()
}
