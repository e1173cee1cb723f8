// Package aggregation collapses bursts of similar events into single
// notifications using rolling per-type windows.
package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brightfeed/notify/internal/config"
	"github.com/brightfeed/notify/internal/database"
	"github.com/brightfeed/notify/internal/events"
	"github.com/brightfeed/notify/internal/metrics"
)

// casAttempts bounds the optimistic-update loop on a bucket's history row.
const casAttempts = 3

// Store is the persistence surface the engine needs.
type Store interface {
	InsertHistoryIdempotent(ctx context.Context, h *database.NotificationHistory) (bool, error)
	GetHistory(ctx context.Context, id string) (*database.NotificationHistory, error)
	GetHistoryByDedupKey(ctx context.Context, dedupKey string) (*database.NotificationHistory, error)
	UpdateAggregated(ctx context.Context, h *database.NotificationHistory, expectedUpdatedAt time.Time) (bool, error)
	RecentUnreadSince(ctx context.Context, cutoff time.Time) ([]*database.NotificationHistory, error)
}

// Scheduler receives debounced delivery requests for notifications whose
// content just changed.
type Scheduler interface {
	Schedule(notificationID string)
}

// Engine folds incoming events into notification history rows. Events of
// types with a window open a bucket on first sight and grow it until the
// window closes; other types create one notification per event. Every path
// is idempotent under bus redelivery.
type Engine struct {
	store Store
	sched Scheduler
	cfg   *config.Config
	rec   metrics.Recorder

	locks keyMutex
	open  bucketStore
	now   func() time.Time
}

// NewEngine creates an aggregation engine. rec must not be nil; pass
// metrics.NoOp{} to discard counters.
func NewEngine(store Store, sched Scheduler, cfg *config.Config, rec metrics.Recorder) *Engine {
	return &Engine{
		store: store,
		sched: sched,
		cfg:   cfg,
		rec:   rec,
		now:   time.Now,
	}
}

// Process folds one event into the notification history. Validation failures
// and self-notifications are dropped, not errored, so the caller always
// commits the offset.
func (e *Engine) Process(ctx context.Context, ev *events.Event) error {
	if err := ev.Validate(); err != nil {
		slog.Warn("Dropping malformed event", "error", err, "event_id", ev.EventID)
		e.rec.EventDropped("malformed")
		return nil
	}
	if ev.ActorID == ev.TargetUserID {
		slog.Debug("Dropping self-notification", "event_id", ev.EventID, "actor_id", ev.ActorID)
		e.rec.EventDropped("self")
		return nil
	}
	e.rec.EventConsumed(string(ev.Priority))

	window := e.cfg.AggWindow(string(ev.Type))
	if window <= 0 {
		return e.processIndividual(ctx, ev)
	}
	return e.processAggregated(ctx, ev, window)
}

// processIndividual creates one notification per event. The event id is the
// dedup key, so a redelivered event is a no-op.
func (e *Engine) processIndividual(ctx context.Context, ev *events.Event) error {
	h := historyFromEvent(ev)
	inserted, err := e.store.InsertHistoryIdempotent(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	if !inserted {
		e.rec.EventDropped("duplicate")
		return nil
	}
	e.rec.NotificationCreated()
	e.sched.Schedule(h.ID)
	return nil
}

func (e *Engine) processAggregated(ctx context.Context, ev *events.Event, window time.Duration) error {
	key := bucketKey(ev.TargetUserID, ev.Type, ev.TargetRef)
	mu := e.locks.lock(key)
	defer mu.Unlock()

	now := e.now()
	b, ok := e.open.get(key)
	if ok && b.expired(now, window) {
		e.open.remove(key)
		ok = false
	}
	if !ok {
		return e.openBucket(ctx, ev, window)
	}

	if b.hasEvent(ev.EventID) {
		e.rec.EventDropped("duplicate")
		return nil
	}
	b.absorb(ev, eventTime(ev, now))
	return e.growBucket(ctx, ev, b, window)
}

// eventTime clamps an event's occurred_at to now. A skewed producer cannot
// stretch the window into the future, and a stale redelivered event folds in
// without extending it.
func eventTime(ev *events.Event, now time.Time) time.Time {
	if ev.OccurredAt.IsZero() || ev.OccurredAt.After(now) {
		return now
	}
	return ev.OccurredAt
}

// openBucket starts a new aggregation window with this event as the first
// member. On a dedup conflict the previously created row is re-adopted as the
// open bucket when it is still live.
func (e *Engine) openBucket(ctx context.Context, ev *events.Event, window time.Duration) error {
	h := historyFromEvent(ev)
	inserted, err := e.store.InsertHistoryIdempotent(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	if inserted {
		e.open.put(bucketFromEvent(h.ID, ev, h.CreatedAt, h.UpdatedAt))
		e.rec.NotificationCreated()
		e.sched.Schedule(h.ID)
		return nil
	}

	existing, err := e.store.GetHistoryByDedupKey(ctx, ev.EventID)
	if err != nil {
		return fmt.Errorf("failed to load existing notification: %w", err)
	}
	if existing != nil && !existing.IsRead && e.now().Sub(existing.UpdatedAt) < window {
		e.open.put(bucketFromHistory(existing))
	}
	e.rec.EventDropped("duplicate")
	return nil
}

// growBucket persists a bucket growth with an optimistic compare on the row's
// updated_at. A read row ends the cycle and the event opens a fresh bucket.
func (e *Engine) growBucket(ctx context.Context, ev *events.Event, b *bucket, window time.Duration) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		h := b.toHistory()
		applied, err := e.store.UpdateAggregated(ctx, h, b.updatedAt)
		if err != nil {
			return fmt.Errorf("failed to update aggregated notification: %w", err)
		}
		if applied {
			// Channel results survive the growth: the next delivery pass
			// skips channels already sent this cycle and retries the rest.
			b.updatedAt = h.UpdatedAt
			e.rec.NotificationAggregated()
			e.sched.Schedule(b.notificationID)
			return nil
		}

		current, err := e.store.GetHistory(ctx, b.notificationID)
		if err != nil {
			return fmt.Errorf("failed to reload notification after conflict: %w", err)
		}
		if current.IsRead {
			// The user read the notification mid-window. Close this bucket
			// and start a new cycle from the triggering event.
			e.open.remove(b.key())
			return e.openBucket(ctx, ev, window)
		}
		b.updatedAt = current.UpdatedAt
	}
	return fmt.Errorf("gave up updating notification %s after %d conflicts", b.notificationID, casAttempts)
}

// Rebuild reloads open buckets from unread history after a restart, so
// windows in flight before the crash keep aggregating instead of duplicating.
func (e *Engine) Rebuild(ctx context.Context) error {
	maxWindow := e.cfg.AggWindowLike
	if e.cfg.AggWindowComment > maxWindow {
		maxWindow = e.cfg.AggWindowComment
	}
	if e.cfg.AggWindowFollow > maxWindow {
		maxWindow = e.cfg.AggWindowFollow
	}

	now := e.now()
	rows, err := e.store.RecentUnreadSince(ctx, now.Add(-maxWindow))
	if err != nil {
		return fmt.Errorf("failed to load unread notifications for rebuild: %w", err)
	}

	restored := 0
	for _, h := range rows {
		window := e.cfg.AggWindow(h.Type)
		if window <= 0 || now.Sub(h.UpdatedAt) >= window {
			continue
		}
		e.open.put(bucketFromHistory(h))
		restored++
	}
	slog.Info("Rebuilt aggregation buckets", "restored", restored, "scanned", len(rows))
	return nil
}

// historyFromEvent builds the initial single-event history row.
func historyFromEvent(ev *events.Event) *database.NotificationHistory {
	return &database.NotificationHistory{
		UserID:          ev.TargetUserID,
		Type:            string(ev.Type),
		Priority:        string(ev.Priority),
		ActorID:         ev.ActorID,
		ActorName:       ev.ActorName,
		ActorAvatar:     ev.ActorAvatar,
		IsAggregated:    false,
		AggregatedCount: 1,
		AggregatedIDs:   []string{ev.EventID},
		ActorIDs:        []string{ev.ActorID},
		Title:           RenderTitle(ev.Type),
		Message:         RenderMessage(ev.Type, []string{ev.ActorName}, 1),
		TargetRefType:   ev.TargetRef.Type,
		TargetRefID:     ev.TargetRef.ID,
		DeliveryStatus:  database.StatusPending,
		DedupKey:        ev.EventID,
	}
}

// bucketFromEvent builds the in-memory bucket for a freshly inserted row.
func bucketFromEvent(notificationID string, ev *events.Event, createdAt, updatedAt time.Time) *bucket {
	b := &bucket{
		notificationID: notificationID,
		userID:         ev.TargetUserID,
		eventType:      ev.Type,
		priority:       ev.Priority,
		targetRef:      ev.TargetRef,
		dedupKey:       ev.EventID,
		eventIDs:       map[string]struct{}{ev.EventID: {}},
		actorSet:       map[string]struct{}{ev.ActorID: {}},
		actorIDs:       []string{ev.ActorID},
		actorNames:     []string{ev.ActorName},
		lastEventAt:    createdAt,
		updatedAt:      updatedAt,
	}
	return b
}
