package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/brightfeed/notify/internal/database"
)

// fakeStore is an in-memory Store for engine tests. Timestamps come from the
// test clock so window arithmetic is deterministic.
type fakeStore struct {
	nextID  int
	byID    map[string]*database.NotificationHistory
	byDedup map[string]string
	clock   func() time.Time

	insertErr error
	updateErr error
}

func newFakeStore(clock func() time.Time) *fakeStore {
	return &fakeStore{
		byID:    make(map[string]*database.NotificationHistory),
		byDedup: make(map[string]string),
		clock:   clock,
	}
}

func (s *fakeStore) InsertHistoryIdempotent(ctx context.Context, h *database.NotificationHistory) (bool, error) {
	if s.insertErr != nil {
		return false, s.insertErr
	}
	if _, exists := s.byDedup[h.DedupKey]; exists {
		return false, nil
	}
	s.nextID++
	h.ID = fmt.Sprintf("n-%d", s.nextID)
	h.CreatedAt = s.clock()
	h.UpdatedAt = h.CreatedAt
	copied := *h
	s.byID[h.ID] = &copied
	s.byDedup[h.DedupKey] = h.ID
	return true, nil
}

func (s *fakeStore) GetHistory(ctx context.Context, id string) (*database.NotificationHistory, error) {
	h, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("notification not found: %s", id)
	}
	copied := *h
	return &copied, nil
}

func (s *fakeStore) GetHistoryByDedupKey(ctx context.Context, dedupKey string) (*database.NotificationHistory, error) {
	id, ok := s.byDedup[dedupKey]
	if !ok {
		return nil, nil
	}
	return s.GetHistory(ctx, id)
}

func (s *fakeStore) UpdateAggregated(ctx context.Context, h *database.NotificationHistory, expected time.Time) (bool, error) {
	if s.updateErr != nil {
		return false, s.updateErr
	}
	stored, ok := s.byID[h.ID]
	if !ok || !stored.UpdatedAt.Equal(expected) {
		return false, nil
	}
	stored.IsAggregated = h.IsAggregated
	stored.AggregatedCount = h.AggregatedCount
	stored.AggregatedIDs = h.AggregatedIDs
	stored.ActorIDs = h.ActorIDs
	stored.Title = h.Title
	stored.Message = h.Message
	stored.DeliveryStatus = database.StatusPending
	stored.UpdatedAt = s.clock().Add(time.Millisecond)
	h.UpdatedAt = stored.UpdatedAt
	return true, nil
}

func (s *fakeStore) RecentUnreadSince(ctx context.Context, cutoff time.Time) ([]*database.NotificationHistory, error) {
	var out []*database.NotificationHistory
	for _, h := range s.byID {
		if !h.IsRead && h.UpdatedAt.After(cutoff) {
			copied := *h
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) markRead(id string) {
	h := s.byID[id]
	h.IsRead = true
	h.UpdatedAt = s.clock().Add(time.Millisecond)
}

type fakeScheduler struct {
	scheduled []string
}

func (f *fakeScheduler) Schedule(notificationID string) {
	f.scheduled = append(f.scheduled, notificationID)
}
