package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/reelhouse/catalog/policy-engine/internal/metrics"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts  int
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by policy id, so all events for one policy
// land on one partition in order.
type KafkaPublisher struct {
	writer      messageWriter
	maxAttempts int
	backoff     time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaPublisher(w, cfg.MaxAttempts), nil
}

func newKafkaPublisher(w messageWriter, maxAttempts int) *KafkaPublisher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &KafkaPublisher{writer: w, maxAttempts: maxAttempts, backoff: 100 * time.Millisecond}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.PolicyID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if lastErr == nil {
			metrics.RecordEvent(string(ev.Type), nil)
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			metrics.RecordEvent(string(ev.Type), ctx.Err())
			return fmt.Errorf("publish %s: %w", ev.Type, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	metrics.RecordEvent(string(ev.Type), lastErr)
	return fmt.Errorf("publish %s failed after %d attempts: %w", ev.Type, p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
