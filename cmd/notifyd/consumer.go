package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/brightfeed/notify/internal/aggregation"
	"github.com/brightfeed/notify/internal/bus"
	"github.com/brightfeed/notify/internal/events"
)

// runConsumer drains one priority topic into the aggregation engine.
// Offsets are committed only after the engine has durably absorbed the event,
// so a crash replays rather than loses; the engine's dedup keys absorb the
// replay.
func runConsumer(ctx context.Context, c *bus.Consumer, eng *aggregation.Engine, priority events.Priority) {
	slog.Info("Consumer loop started", "priority", priority)

	for {
		ev, msg, err := c.ReadEvent(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				slog.Info("Consumer loop stopping", "priority", priority)
				return
			}
			if msg != nil {
				// Malformed record: log, commit past it, keep the partition moving.
				slog.Warn("Skipping undecodable message",
					"error", err,
					"priority", priority,
					"offset", msg.Offset,
				)
				if err := c.CommitMessage(ctx, msg); err != nil {
					slog.Error("Failed to commit past malformed message", "error", err)
				}
				continue
			}
			slog.Error("Failed to read from bus", "error", err, "priority", priority)
			continue
		}

		if err := eng.Process(ctx, ev); err != nil {
			// Leave the offset uncommitted; the event is redelivered after
			// rebalance or restart.
			slog.Error("Failed to process event, will be redelivered",
				"error", err,
				"event_id", ev.EventID,
				"priority", priority,
			)
			continue
		}

		if err := c.CommitMessage(ctx, msg); err != nil {
			slog.Error("Failed to commit offset",
				"error", err,
				"event_id", ev.EventID,
				"priority", priority,
			)
		}
	}
}
