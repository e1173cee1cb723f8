package aggregation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brightfeed/notify/internal/config"
	"github.com/brightfeed/notify/internal/events"
	"github.com/brightfeed/notify/internal/metrics"
)

type testClock struct {
	now time.Time
}

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func testConfig() *config.Config {
	return &config.Config{
		AggWindowLike:    5 * time.Minute,
		AggWindowComment: 10 * time.Minute,
		AggWindowFollow:  30 * time.Minute,
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeStore, *fakeScheduler, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeStore(func() time.Time { return clock.now })
	sched := &fakeScheduler{}
	eng := NewEngine(store, sched, testConfig(), metrics.NoOp{})
	eng.now = func() time.Time { return clock.now }
	return eng, store, sched, clock
}

func likeEvent(id, actorID, actorName string) *events.Event {
	return &events.Event{
		EventID:      id,
		Type:         events.TypeLike,
		Priority:     events.PriorityLow,
		ActorID:      actorID,
		ActorName:    actorName,
		TargetUserID: "u-target",
		TargetRef:    events.TargetRef{Type: "post", ID: "p-1"},
		Payload:      events.LikePayload{PostID: "p-1"},
		OccurredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func mentionEvent(id string) *events.Event {
	return &events.Event{
		EventID:      id,
		Type:         events.TypeMention,
		Priority:     events.PriorityHigh,
		ActorID:      "u-actor",
		ActorName:    "Alice",
		TargetUserID: "u-target",
		TargetRef:    events.TargetRef{Type: "comment", ID: "c-1"},
		Payload:      events.MentionPayload{CommentID: "c-1"},
		OccurredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEngine_IndividualEvent(t *testing.T) {
	eng, store, sched, _ := newTestEngine(t)

	if err := eng.Process(context.Background(), mentionEvent("e-1")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(store.byID) != 1 {
		t.Fatalf("stored %d notifications, want 1", len(store.byID))
	}
	h := store.byID["n-1"]
	if h.IsAggregated {
		t.Error("mention stored as aggregated, want individual")
	}
	if h.Message != "Alice mentioned you" {
		t.Errorf("message = %q", h.Message)
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0] != "n-1" {
		t.Errorf("scheduled = %v, want [n-1]", sched.scheduled)
	}
}

func TestEngine_DuplicateIndividualEvent(t *testing.T) {
	eng, store, sched, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := eng.Process(ctx, mentionEvent("e-1")); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}

	if len(store.byID) != 1 {
		t.Errorf("stored %d notifications, want 1", len(store.byID))
	}
	if len(sched.scheduled) != 1 {
		t.Errorf("scheduled %d times, want 1", len(sched.scheduled))
	}
}

func TestEngine_DropsSelfNotification(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)

	ev := likeEvent("e-1", "u-target", "Target")
	if err := eng.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(store.byID) != 0 {
		t.Error("self-notification was stored")
	}
}

func TestEngine_DropsMalformedEvent(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)

	ev := likeEvent("e-1", "u-a", "Alice")
	ev.TargetUserID = ""
	ev.ActorID = "u-a"
	if err := eng.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v, want nil (dropped)", err)
	}
	if len(store.byID) != 0 {
		t.Error("malformed event was stored")
	}
}

func TestEngine_AggregatesWithinWindow(t *testing.T) {
	eng, store, sched, clock := newTestEngine(t)
	ctx := context.Background()

	actors := []struct{ id, name string }{
		{"u-a", "Alice"}, {"u-b", "Bob"}, {"u-c", "Carol"},
	}
	for i, a := range actors {
		clock.advance(time.Minute)
		if err := eng.Process(ctx, likeEvent(fmt.Sprintf("e-%d", i), a.id, a.name)); err != nil {
			t.Fatalf("Process(%d) error = %v", i, err)
		}
	}

	if len(store.byID) != 1 {
		t.Fatalf("stored %d notifications, want 1 aggregate", len(store.byID))
	}
	h := store.byID["n-1"]
	if !h.IsAggregated {
		t.Error("row not marked aggregated")
	}
	if h.AggregatedCount != 3 {
		t.Errorf("aggregated_count = %d, want 3", h.AggregatedCount)
	}
	if h.Message != "Alice, Bob and 1 other liked your post" {
		t.Errorf("message = %q", h.Message)
	}
	if h.Title != h.Message {
		t.Errorf("title = %q, want the rendered actor line", h.Title)
	}
	if h.DeliveryStatus != "pending" {
		t.Errorf("delivery_status = %q, want pending (reset on growth)", h.DeliveryStatus)
	}
	if len(sched.scheduled) != 3 {
		t.Errorf("scheduled %d times, want 3 (debounced downstream)", len(sched.scheduled))
	}
}

func TestEngine_WindowRollsForwardWithActivity(t *testing.T) {
	eng, store, _, clock := newTestEngine(t)
	ctx := context.Background()

	// Each gap is 4m, under the 5m like window, but the stream spans 8m.
	actors := []struct{ id, name string }{
		{"u-a", "Alice"}, {"u-b", "Bob"}, {"u-c", "Carol"},
	}
	for i, a := range actors {
		if i > 0 {
			clock.advance(4 * time.Minute)
		}
		ev := likeEvent(fmt.Sprintf("e-%d", i), a.id, a.name)
		ev.OccurredAt = clock.now
		if err := eng.Process(ctx, ev); err != nil {
			t.Fatalf("Process(%d) error = %v", i, err)
		}
	}

	if len(store.byID) != 1 {
		t.Fatalf("stored %d notifications, want 1 (window rolls from the last event)", len(store.byID))
	}
	if store.byID["n-1"].AggregatedCount != 3 {
		t.Errorf("aggregated_count = %d, want 3", store.byID["n-1"].AggregatedCount)
	}
}

func TestEngine_StaleEventDoesNotExtendWindow(t *testing.T) {
	eng, store, _, clock := newTestEngine(t)
	ctx := context.Background()

	first := likeEvent("e-1", "u-a", "Alice")
	first.OccurredAt = clock.now
	if err := eng.Process(ctx, first); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	clock.advance(4 * time.Minute)
	stale := likeEvent("e-2", "u-b", "Bob")
	stale.OccurredAt = clock.now.Add(-10 * time.Minute)
	if err := eng.Process(ctx, stale); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if store.byID["n-1"].AggregatedCount != 2 {
		t.Fatalf("aggregated_count = %d, want 2 (stale event still folds in)", store.byID["n-1"].AggregatedCount)
	}

	// The stale event must not have pushed the window out; 6m after the
	// first event the bucket is closed.
	clock.advance(2 * time.Minute)
	third := likeEvent("e-3", "u-c", "Carol")
	third.OccurredAt = clock.now
	if err := eng.Process(ctx, third); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(store.byID) != 2 {
		t.Errorf("stored %d notifications, want 2", len(store.byID))
	}
}

func TestEngine_CapsStoredActors(t *testing.T) {
	eng, store, _, clock := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		clock.advance(time.Second)
		ev := likeEvent(fmt.Sprintf("e-%d", i), fmt.Sprintf("u-%d", i), fmt.Sprintf("Actor%d", i))
		ev.OccurredAt = clock.now
		if err := eng.Process(ctx, ev); err != nil {
			t.Fatalf("Process(%d) error = %v", i, err)
		}
	}

	h := store.byID["n-1"]
	if h.AggregatedCount != 15 {
		t.Errorf("aggregated_count = %d, want 15 (overflow still counts)", h.AggregatedCount)
	}
	if len(h.ActorIDs) != MaxNamedActors {
		t.Errorf("stored %d actor ids, want %d", len(h.ActorIDs), MaxNamedActors)
	}
	if h.Message != "Actor0, Actor1 and 13 others liked your post" {
		t.Errorf("message = %q", h.Message)
	}
}

func TestEngine_DuplicateEventInOpenBucket(t *testing.T) {
	eng, store, sched, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Process(ctx, likeEvent("e-1", "u-a", "Alice")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if err := eng.Process(ctx, likeEvent("e-1", "u-a", "Alice")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if store.byID["n-1"].AggregatedCount != 1 {
		t.Errorf("aggregated_count = %d, want 1 after replay", store.byID["n-1"].AggregatedCount)
	}
	if len(sched.scheduled) != 1 {
		t.Errorf("scheduled %d times, want 1", len(sched.scheduled))
	}
}

func TestEngine_WindowExpiryStartsNewBucket(t *testing.T) {
	eng, store, _, clock := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Process(ctx, likeEvent("e-1", "u-a", "Alice")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	clock.advance(6 * time.Minute)
	if err := eng.Process(ctx, likeEvent("e-2", "u-b", "Bob")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(store.byID) != 2 {
		t.Fatalf("stored %d notifications, want 2 (window closed)", len(store.byID))
	}
	if store.byID["n-2"].Message != "Bob liked your post" {
		t.Errorf("second message = %q", store.byID["n-2"].Message)
	}
}

func TestEngine_ReadRowStartsNewCycle(t *testing.T) {
	eng, store, _, clock := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Process(ctx, likeEvent("e-1", "u-a", "Alice")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	store.markRead("n-1")
	clock.advance(time.Minute)

	if err := eng.Process(ctx, likeEvent("e-2", "u-b", "Bob")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(store.byID) != 2 {
		t.Fatalf("stored %d notifications, want 2 (read row closed the cycle)", len(store.byID))
	}
}

func TestEngine_Rebuild(t *testing.T) {
	eng, store, _, clock := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Process(ctx, likeEvent("e-1", "u-a", "Alice")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// Fresh engine over the same store simulates a restart.
	sched2 := &fakeScheduler{}
	eng2 := NewEngine(store, sched2, testConfig(), metrics.NoOp{})
	eng2.now = eng.now

	clock.advance(time.Minute)
	if err := eng2.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if err := eng2.Process(ctx, likeEvent("e-2", "u-b", "Bob")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(store.byID) != 1 {
		t.Fatalf("stored %d notifications, want 1 (event folded into rebuilt bucket)", len(store.byID))
	}
	if store.byID["n-1"].AggregatedCount != 2 {
		t.Errorf("aggregated_count = %d, want 2", store.byID["n-1"].AggregatedCount)
	}
}

func TestRenderMessage(t *testing.T) {
	tests := []struct {
		name   string
		t      events.EventType
		actors []string
		total  int
		want   string
	}{
		{"single like", events.TypeLike, []string{"Alice"}, 1, "Alice liked your post"},
		{"pair", events.TypeLike, []string{"Alice", "Bob"}, 2, "Alice and Bob liked your post"},
		{"trio", events.TypeLike, []string{"Alice", "Bob", "Carol"}, 3, "Alice, Bob and 1 other liked your post"},
		{"many", events.TypeLike, []string{"Alice", "Bob"}, 12, "Alice, Bob and 10 others liked your post"},
		{"one name known", events.TypeLike, []string{"Alice"}, 5, "Alice and 4 others liked your post"},
		{"follow", events.TypeFollow, []string{"Bob"}, 3, "Bob and 2 others started following you"},
		{"comment", events.TypeComment, []string{"Carol"}, 1, "Carol commented on your post"},
		{"missing name", events.TypeLike, []string{""}, 1, "Someone liked your post"},
		{"no names many", events.TypeLike, nil, 3, "Someone and 2 others liked your post"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderMessage(tt.t, tt.actors, tt.total); got != tt.want {
				t.Errorf("RenderMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}
