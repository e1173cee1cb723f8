package fallback

import (
	"context"

	"github.com/brightfeed/notify/internal/bus"
	"github.com/brightfeed/notify/internal/events"
	"github.com/brightfeed/notify/internal/metrics"
)

// MeteredSink wraps a fallback sink and counts diversions.
type MeteredSink struct {
	next bus.FallbackSink
	rec  metrics.Recorder
}

// NewMeteredSink wraps next so every saved event bumps the fallback counter.
func NewMeteredSink(next bus.FallbackSink, rec metrics.Recorder) *MeteredSink {
	return &MeteredSink{next: next, rec: rec}
}

func (s *MeteredSink) SaveEvent(ctx context.Context, ev *events.Event, topic string) error {
	if err := s.next.SaveEvent(ctx, ev, topic); err != nil {
		return err
	}
	s.rec.FallbackQueued()
	return nil
}
