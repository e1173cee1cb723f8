package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/brightfeed/notify/internal/events"
	"github.com/brightfeed/notify/internal/kafkautil"
)

// Consumer wraps a Kafka reader for one priority topic. Offsets are committed
// explicitly after processing for at-least-once semantics.
type Consumer struct {
	reader *kafka.Reader
	topic  string
}

// ConsumerGroup returns the consumer group id for a worker class on a priority
// topic, e.g. "aggregator-high".
func ConsumerGroup(workerClass string, priority events.Priority) string {
	return workerClass + "-" + string(priority)
}

// NewConsumer creates a consumer for the topic matching priority.
func NewConsumer(brokers string, priority events.Priority, groupID string) (*Consumer, error) {
	topic := priority.Topic()
	if err := kafkautil.ValidateConsumerParams(brokers, topic, groupID); err != nil {
		return nil, err
	}

	brokerList := kafkautil.ParseBrokers(brokers)

	slog.Info("Initializing bus consumer",
		"brokers", brokerList,
		"topic", topic,
		"group_id", groupID,
	)

	reader := kafka.NewReader(kafkautil.NewReaderConfig(brokerList, topic, groupID))

	return &Consumer{
		reader: reader,
		topic:  topic,
	}, nil
}

// ReadEvent reads the next message and deserialises it as an Event.
// A decode failure returns the raw message so the caller can commit past the
// malformed record instead of blocking the partition.
func (c *Consumer) ReadEvent(ctx context.Context) (*events.Event, *kafka.Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read message from %s: %w", c.topic, err)
	}

	var ev events.Event
	if err := ev.UnmarshalJSON(msg.Value); err != nil {
		return nil, &msg, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &ev, &msg, nil
}

// CommitMessage commits the offset for the given message. Call only after the
// event has been fully processed.
func (c *Consumer) CommitMessage(ctx context.Context, msg *kafka.Message) error {
	return c.reader.CommitMessages(ctx, *msg)
}

// Close gracefully closes the reader.
func (c *Consumer) Close() error {
	slog.Info("Closing bus consumer", "topic", c.topic)
	if err := c.reader.Close(); err != nil {
		slog.Error("Error closing bus consumer", "topic", c.topic, "error", err)
		return err
	}
	return nil
}
