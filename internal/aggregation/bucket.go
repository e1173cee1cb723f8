package aggregation

import (
	"sync"
	"time"

	"github.com/brightfeed/notify/internal/database"
	"github.com/brightfeed/notify/internal/events"
)

// bucket is the in-memory view of one open aggregation window. The durable
// truth lives in the notification history row; the bucket caches what the
// engine needs to fold new events in without a read per event.
type bucket struct {
	notificationID string
	userID         string
	eventType      events.EventType
	priority       events.Priority
	targetRef      events.TargetRef

	dedupKey   string
	eventIDs   map[string]struct{}
	actorSet   map[string]struct{}
	actorIDs   []string
	actorNames []string

	lastEventAt time.Time
	updatedAt   time.Time
}

// bucketKey identifies one aggregation stream: same recipient, same event
// type, same target.
func bucketKey(userID string, t events.EventType, ref events.TargetRef) string {
	return userID + "|" + string(t) + "|" + ref.String()
}

func (b *bucket) key() string {
	return bucketKey(b.userID, b.eventType, b.targetRef)
}

func (b *bucket) hasEvent(id string) bool {
	_, ok := b.eventIDs[id]
	return ok
}

// absorb folds an event into the bucket at the given time. The window anchor
// only moves forward, so a late-arriving stale event is counted without
// extending the window. Returns false if the actor was already counted and
// only the event id needed recording.
func (b *bucket) absorb(ev *events.Event, at time.Time) bool {
	b.eventIDs[ev.EventID] = struct{}{}
	if at.After(b.lastEventAt) {
		b.lastEventAt = at
	}
	if _, seen := b.actorSet[ev.ActorID]; seen {
		return false
	}
	b.actorSet[ev.ActorID] = struct{}{}
	if len(b.actorIDs) < MaxNamedActors {
		b.actorIDs = append(b.actorIDs, ev.ActorID)
		b.actorNames = append(b.actorNames, ev.ActorName)
	}
	return true
}

// expired reports whether the window has closed: W elapsed since the last
// absorbed event, not since the first.
func (b *bucket) expired(now time.Time, window time.Duration) bool {
	return now.Sub(b.lastEventAt) >= window
}

// toHistory projects the bucket onto its history row for a CAS update.
// Stored actor ids are capped at MaxNamedActors; the counts cover everything.
func (b *bucket) toHistory() *database.NotificationHistory {
	ids := make([]string, 0, len(b.eventIDs))
	for id := range b.eventIDs {
		ids = append(ids, id)
	}
	text := RenderMessage(b.eventType, b.actorNames, len(b.actorSet))
	return &database.NotificationHistory{
		ID:              b.notificationID,
		UserID:          b.userID,
		Type:            string(b.eventType),
		Priority:        string(b.priority),
		IsAggregated:    len(b.eventIDs) > 1,
		AggregatedCount: len(b.eventIDs),
		AggregatedIDs:   ids,
		ActorIDs:        b.actorIDs,
		Title:           text,
		Message:         text,
		TargetRefType:   b.targetRef.Type,
		TargetRefID:     b.targetRef.ID,
	}
}

// bucketFromHistory reconstructs an open bucket from its durable row. Only
// the first actor's display name survives a restart, so rebuilt buckets
// render with one name until new events bring fresh ones.
func bucketFromHistory(h *database.NotificationHistory) *bucket {
	b := &bucket{
		notificationID: h.ID,
		userID:         h.UserID,
		eventType:      events.EventType(h.Type),
		priority:       events.Priority(h.Priority),
		targetRef:      events.TargetRef{Type: h.TargetRefType, ID: h.TargetRefID},
		dedupKey:       h.DedupKey,
		eventIDs:       make(map[string]struct{}, len(h.AggregatedIDs)),
		actorSet:       make(map[string]struct{}, len(h.ActorIDs)),
		lastEventAt:    h.UpdatedAt,
		updatedAt:      h.UpdatedAt,
	}
	for _, id := range h.AggregatedIDs {
		b.eventIDs[id] = struct{}{}
	}
	for _, actor := range h.ActorIDs {
		if _, seen := b.actorSet[actor]; seen {
			continue
		}
		b.actorSet[actor] = struct{}{}
		if len(b.actorIDs) < MaxNamedActors {
			b.actorIDs = append(b.actorIDs, actor)
			b.actorNames = append(b.actorNames, "")
		}
	}
	if len(b.actorNames) > 0 {
		b.actorNames[0] = h.ActorName
	}
	return b
}

// bucketStore holds open buckets. Mutation of a bucket happens under the
// engine's stripe lock for its key; the map itself is safe for concurrent use.
type bucketStore struct {
	buckets sync.Map
}

func (s *bucketStore) get(key string) (*bucket, bool) {
	v, ok := s.buckets.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*bucket), true
}

func (s *bucketStore) put(b *bucket) {
	s.buckets.Store(b.key(), b)
}

func (s *bucketStore) remove(key string) {
	s.buckets.Delete(key)
}
