package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/brightfeed/notify/internal/events"
	"github.com/brightfeed/notify/internal/retry"
)

type fakeWriter struct {
	written  []kafka.Message
	writeErr error
	calls    int
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.calls++
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type fakeFallback struct {
	saved   []*events.Event
	topics  []string
	saveErr error
}

func (f *fakeFallback) SaveEvent(ctx context.Context, ev *events.Event, topic string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, ev)
	f.topics = append(f.topics, topic)
	return nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2.0}
}

func testEvent(priority events.Priority) *events.Event {
	return &events.Event{
		EventID:      "e-1",
		Type:         events.TypeFollow,
		Priority:     priority,
		ActorID:      "u-a",
		TargetUserID: "u-b",
		TargetRef:    events.TargetRef{Type: "user", ID: "u-b"},
		Payload:      events.FollowPayload{},
		OccurredAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func producerWithFakes(fallback FallbackSink) (*Producer, map[events.Priority]*fakeWriter) {
	writers := make(map[events.Priority]messageWriter)
	fakes := make(map[events.Priority]*fakeWriter)
	for _, p := range events.Priorities {
		fw := &fakeWriter{}
		writers[p] = fw
		fakes[p] = fw
	}
	return &Producer{writers: writers, retryCfg: fastRetry(), fallback: fallback}, fakes
}

func TestNewProducer_EmptyBrokers(t *testing.T) {
	if _, err := NewProducer("", fastRetry(), nil); err == nil {
		t.Error("NewProducer() = nil error for empty brokers, want error")
	}
}

func TestProducer_Produce_KeyedByRecipient(t *testing.T) {
	p, fakes := producerWithFakes(nil)

	if err := p.Produce(context.Background(), testEvent(events.PriorityNormal)); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}

	fw := fakes[events.PriorityNormal]
	if len(fw.written) != 1 {
		t.Fatalf("wrote %d messages to normal topic, want 1", len(fw.written))
	}
	if string(fw.written[0].Key) != "u-b" {
		t.Errorf("partition key = %q, want target_user_id %q", fw.written[0].Key, "u-b")
	}
	for _, other := range []events.Priority{events.PriorityHigh, events.PriorityLow} {
		if len(fakes[other].written) != 0 {
			t.Errorf("message leaked to %s topic", other)
		}
	}
}

func TestProducer_Produce_TerminalFailureGoesToFallback(t *testing.T) {
	fb := &fakeFallback{}
	p, fakes := producerWithFakes(fb)
	fakes[events.PriorityHigh].writeErr = errors.New("dial tcp: connection refused")

	ev := testEvent(events.PriorityHigh)
	if err := p.Produce(context.Background(), ev); err != nil {
		t.Fatalf("Produce() error = %v, want nil (fallback absorbed the failure)", err)
	}

	if len(fb.saved) != 1 {
		t.Fatalf("fallback received %d events, want 1", len(fb.saved))
	}
	if fb.saved[0].EventID != ev.EventID {
		t.Errorf("fallback event id = %q, want %q", fb.saved[0].EventID, ev.EventID)
	}
	if fb.topics[0] != "notifications.high" {
		t.Errorf("fallback topic = %q, want notifications.high", fb.topics[0])
	}
}

func TestProducer_Produce_BothPathsFail(t *testing.T) {
	fb := &fakeFallback{saveErr: errors.New("db down")}
	p, fakes := producerWithFakes(fb)
	fakes[events.PriorityLow].writeErr = errors.New("connection refused")

	if err := p.Produce(context.Background(), testEvent(events.PriorityLow)); err == nil {
		t.Error("Produce() = nil when bus and fallback both fail, want error")
	}
}

func TestProducer_ProduceDirect_NoFallback(t *testing.T) {
	fb := &fakeFallback{}
	p, fakes := producerWithFakes(fb)
	fakes[events.PriorityNormal].writeErr = errors.New("connection refused")

	if err := p.ProduceDirect(context.Background(), testEvent(events.PriorityNormal)); err == nil {
		t.Error("ProduceDirect() = nil on write failure, want error")
	}
	if len(fb.saved) != 0 {
		t.Errorf("ProduceDirect() used fallback (%d saves), want none", len(fb.saved))
	}
}

func TestConsumerGroup(t *testing.T) {
	if got := ConsumerGroup("aggregator", events.PriorityHigh); got != "aggregator-high" {
		t.Errorf("ConsumerGroup() = %q, want aggregator-high", got)
	}
}
