package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brightfeed/notify/internal/events"
)

// SaveEvent stores an event that could not be published to the bus. This is
// the sink the producer falls back to after its publish retries are spent.
func (db *DB) SaveEvent(ctx context.Context, ev *events.Event, topic string) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event for fallback: %w", err)
	}
	return db.InsertFallbackEntry(ctx, &FallbackQueueEntry{
		EventID:  ev.EventID,
		Topic:    topic,
		Priority: string(ev.Priority),
		Payload:  payload,
	})
}
