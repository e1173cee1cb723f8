// Package bus provides the event bus adapter: per-priority Kafka producers and
// consumers with at-least-once semantics and a durable fallback contract.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/brightfeed/notify/internal/events"
	"github.com/brightfeed/notify/internal/kafkautil"
	"github.com/brightfeed/notify/internal/retry"
)

// messageWriter is the subset of *kafka.Writer the producer needs.
// Kept as an interface so tests can substitute a fake.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FallbackSink durably stores events whose produce terminally failed.
// Inserting into the fallback store on terminal failure is a contract of
// Produce, not best-effort.
type FallbackSink interface {
	SaveEvent(ctx context.Context, ev *events.Event, topic string) error
}

// Producer routes events to the topic matching their priority.
type Producer struct {
	writers  map[events.Priority]messageWriter
	retryCfg retry.Config
	fallback FallbackSink
}

// NewProducer creates a producer with one writer per priority topic.
// fallback may be nil for callers that handle terminal failures themselves
// (the replay worker records its own retry state instead).
func NewProducer(brokers string, retryCfg retry.Config, fallback FallbackSink) (*Producer, error) {
	brokerList := kafkautil.ParseBrokers(brokers)

	writers := make(map[events.Priority]messageWriter, len(events.Priorities))
	for _, priority := range events.Priorities {
		topic := priority.Topic()
		if err := kafkautil.ValidateProducerParams(brokers, topic); err != nil {
			return nil, err
		}
		writers[priority] = kafkautil.NewWriter(brokerList, topic)
	}

	slog.Info("Initializing bus producer",
		"brokers", brokerList,
		"topics", []string{events.PriorityHigh.Topic(), events.PriorityNormal.Topic(), events.PriorityLow.Topic()},
	)

	return &Producer{
		writers:  writers,
		retryCfg: retryCfg,
		fallback: fallback,
	}, nil
}

// buildMessage creates a Kafka message for an event. The partition key is the
// recipient so all events for a user land on the same partition in order.
func buildMessage(ev *events.Event) (kafka.Message, error) {
	payload, err := ev.MarshalJSON()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	return kafka.Message{
		Key:   []byte(ev.TargetUserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.EventID)},
			{Key: "event_type", Value: []byte(ev.Type)},
		},
		Time: ev.OccurredAt,
	}, nil
}

// Produce publishes an event to the topic for its priority, retrying transient
// failures. On terminal failure the event is saved to the fallback store; an
// error is returned only when both the bus and the fallback store fail.
func (p *Producer) Produce(ctx context.Context, ev *events.Event) error {
	err := p.ProduceDirect(ctx, ev)
	if err == nil {
		return nil
	}

	if p.fallback == nil {
		return err
	}

	topic := ev.Priority.Topic()
	slog.Warn("Bus produce failed, saving event to fallback queue",
		"event_id", ev.EventID,
		"topic", topic,
		"error", err,
	)

	if fbErr := p.fallback.SaveEvent(ctx, ev, topic); fbErr != nil {
		return fmt.Errorf("produce failed (%v) and fallback insert failed: %w", err, fbErr)
	}
	return nil
}

// ProduceDirect publishes an event with retry but without the fallback path.
// The replay worker uses this so a failure updates the existing queue entry
// instead of inserting a duplicate.
func (p *Producer) ProduceDirect(ctx context.Context, ev *events.Event) error {
	writer, ok := p.writers[ev.Priority]
	if !ok {
		return fmt.Errorf("unknown priority: %q", ev.Priority)
	}

	msg, err := buildMessage(ev)
	if err != nil {
		return err
	}

	operation := fmt.Sprintf("produce_%s", ev.Priority.Topic())
	err = retry.WithRetryIfRetryable(ctx, p.retryCfg, operation, func() error {
		return writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to write event %s to %s: %w", ev.EventID, ev.Priority.Topic(), err)
	}

	slog.Debug("Produced event",
		"event_id", ev.EventID,
		"type", ev.Type,
		"topic", ev.Priority.Topic(),
		"target_user_id", ev.TargetUserID,
	)
	return nil
}

// Close gracefully closes all writers.
func (p *Producer) Close() error {
	var firstErr error
	for priority, writer := range p.writers {
		if err := writer.Close(); err != nil {
			slog.Error("Error closing bus writer", "topic", priority.Topic(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
