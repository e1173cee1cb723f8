package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brightfeed/notify/internal/channel"
	"github.com/brightfeed/notify/internal/database"
)

// fakeStore is an in-memory Store for orchestrator tests.
type fakeStore struct {
	mu       sync.Mutex
	history  map[string]*database.NotificationHistory
	prefs    map[string]*database.NotificationPreference
	results  map[string]*database.ChannelResult
	outcomes []outcome
}

type outcome struct {
	id       string
	status   string
	channels []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		history: make(map[string]*database.NotificationHistory),
		prefs:   make(map[string]*database.NotificationPreference),
		results: make(map[string]*database.ChannelResult),
	}
}

func (s *fakeStore) GetHistory(ctx context.Context, id string) (*database.NotificationHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[id]
	if !ok {
		return nil, fmt.Errorf("notification not found: %s", id)
	}
	copied := *h
	return &copied, nil
}

func (s *fakeStore) GetPreferences(ctx context.Context, userID string) (*database.NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prefs[userID]; ok {
		copied := *p
		return &copied, nil
	}
	return database.DefaultPreferences(userID), nil
}

func (s *fakeStore) UpsertChannelResult(ctx context.Context, r *database.ChannelResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.NotificationID + "/" + r.Channel
	if existing, ok := s.results[key]; ok {
		if existing.Status == database.ChannelSent || existing.Status == database.ChannelSkipped {
			return existing.Status, nil
		}
		existing.Status = r.Status
		existing.Attempts += r.Attempts
		existing.LastError = r.LastError
		return existing.Status, nil
	}
	copied := *r
	s.results[key] = &copied
	return r.Status, nil
}

func (s *fakeStore) GetChannelResults(ctx context.Context, notificationID string) ([]*database.ChannelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.ChannelResult
	for _, r := range s.results {
		if r.NotificationID == notificationID {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateDeliveryOutcome(ctx context.Context, id, status string, channels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome{id: id, status: status, channels: channels})
	if h, ok := s.history[id]; ok {
		h.DeliveryStatus = status
		h.Channels = channels
	}
	return nil
}

func (s *fakeStore) result(id, ch string) *database.ChannelResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[id+"/"+ch]
}

func (s *fakeStore) lastOutcome() *outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) == 0 {
		return nil
	}
	o := s.outcomes[len(s.outcomes)-1]
	return &o
}

// fakeChannel fails the first failCount sends with failErr, then succeeds.
// A non-nil block gate holds every send until the gate is closed.
type fakeChannel struct {
	name      string
	failCount int
	failErr   error
	block     chan struct{}

	mu    sync.Mutex
	calls int
	sent  []*channel.Envelope
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, env *channel.Envelope) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= f.failCount {
		return f.failErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeChannel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func pendingNotification(id string) *database.NotificationHistory {
	return &database.NotificationHistory{
		ID:             id,
		UserID:         "u-1",
		Type:           "like",
		Priority:       "low",
		Title:          "New like on your post",
		Message:        "Alice liked your post",
		DeliveryStatus: database.StatusPending,
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}
