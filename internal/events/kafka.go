package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/agentcover/internal/retry"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration // per attempt, defaults to 5s
	Retry        retry.Policy  // zero value = 3 attempts, exponential
}

// KafkaPublisher writes events as JSON to a Kafka topic. Messages are keyed
// by pool id or claim id so one pool's or claim's events stay ordered
// within a partition.
type KafkaPublisher struct {
	writer       MessageWriter
	writeTimeout time.Duration
	policy       retry.Policy
}

// NewKafkaPublisher constructs a publisher backed by a kafka-go Writer.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	})
	return NewKafkaPublisherWithWriter(w, cfg), nil
}

// NewKafkaPublisherWithWriter wraps an existing writer. Used by tests.
func NewKafkaPublisherWithWriter(w MessageWriter, cfg KafkaConfig) *KafkaPublisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	policy := cfg.Retry
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if policy.Delay == 0 {
		policy.Delay = 100 * time.Millisecond
	}
	return &KafkaPublisher{writer: w, writeTimeout: cfg.WriteTimeout, policy: policy}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka: encode event %s: %w", e.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(partitionKey(e)),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}

	err = retry.Run(ctx, p.policy, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
		return p.writer.WriteMessages(attemptCtx, msg)
	})
	if err != nil {
		return fmt.Errorf("kafka: publish %s: %w", e.Type, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func partitionKey(e Event) string {
	switch {
	case e.ClaimID != "":
		return "claim:" + e.ClaimID
	case e.PoolID != 0:
		return "pool:" + strconv.FormatUint(e.PoolID, 10)
	default:
		return string(e.Type)
	}
}
