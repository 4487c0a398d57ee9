package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"folio/observability"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaEmitter.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// Envelope is the JSON body written to the topic.
type Envelope struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// KafkaEmitter publishes events to a Kafka topic keyed by Event.Key. Delivery
// failures are logged and counted; emitting never fails the ledger operation that
// produced the event.
type KafkaEmitter struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.EventMetrics
	now     func() time.Time
}

// NewKafkaEmitter dials nothing up front; kafka-go connects lazily on first write.
func NewKafkaEmitter(cfg KafkaConfig, logger *slog.Logger) (*KafkaEmitter, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("events: at least one kafka broker required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("events: kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaEmitterWithWriter(w, cfg.WriteTimeout, logger), nil
}

// NewKafkaEmitterWithWriter wraps an existing writer.
func NewKafkaEmitterWithWriter(w MessageWriter, timeout time.Duration, logger *slog.Logger) *KafkaEmitter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaEmitter{
		writer:  w,
		timeout: timeout,
		logger:  logger,
		metrics: observability.Events(),
		now:     time.Now,
	}
}

// Emit implements the Emitter interface.
func (k *KafkaEmitter) Emit(e Event) {
	if k == nil || e == nil {
		return
	}
	body, err := json.Marshal(Envelope{
		Type:       e.EventType(),
		Attributes: e.Attributes(),
		EmittedAt:  k.now().UTC(),
	})
	if err != nil {
		k.logger.Error("encode event", slog.String("type", e.EventType()), slog.Any("error", err))
		k.metrics.RecordPublished(e.EventType(), false)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(e.Key()),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.EventType())},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Warn("publish event failed", slog.String("type", e.EventType()), slog.Any("error", err))
		k.metrics.RecordPublished(e.EventType(), false)
		return
	}
	k.metrics.RecordPublished(e.EventType(), true)
}

// Close flushes and closes the underlying writer.
func (k *KafkaEmitter) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
