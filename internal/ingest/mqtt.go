package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSource subscribes to per-worker topics such as workers/<id>/location.
type MQTTSource struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
}

func NewMQTTSource(broker, clientID, topic string, logger *slog.Logger) *MQTTSource {
	if clientID == "" {
		clientID = fmt.Sprintf("ride-dispatch-consumer-%d", time.Now().UnixNano())
	}
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true)
	return &MQTTSource{
		client: mqtt.NewClient(opts),
		topic:  topic,
		logger: logger.With("source", "mqtt", "topic", topic),
	}
}

// Run connects, subscribes and blocks until ctx is cancelled.
func (m *MQTTSource) Run(ctx context.Context, h *Handler) error {
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect mqtt: %w", token.Error())
	}
	defer m.client.Disconnect(250)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		if err := h.Handle(ctx, "mqtt", WorkerIDFromTopic(msg.Topic()), msg.Payload()); err != nil {
			m.logger.Warn("location_rejected", "message_topic", msg.Topic(), "error", err)
		}
	}
	if token := m.client.Subscribe(m.topic, 1, handler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", m.topic, token.Error())
	}
	m.logger.Info("mqtt_source_started")
	<-ctx.Done()
	return nil
}

func (m *MQTTSource) Close() error { return nil }

// WorkerIDFromTopic returns the segment after "workers/", or "".
func WorkerIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "workers" {
			return parts[i+1]
		}
	}
	return ""
}
