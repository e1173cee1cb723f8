// Package service is the application facade: event ingestion on the write
// side, notification feed and preference management on the read side.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brightfeed/notify/internal/database"
	"github.com/brightfeed/notify/internal/events"
)

// Publisher produces events onto the bus with fallback protection.
type Publisher interface {
	Produce(ctx context.Context, ev *events.Event) error
}

// Store is the persistence surface the facade needs.
type Store interface {
	ListHistory(ctx context.Context, userID, cursor string, limit int) (*database.ListHistoryPage, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	GetPreferences(ctx context.Context, userID string) (*database.NotificationPreference, error)
	UpsertPreferences(ctx context.Context, p *database.NotificationPreference) error
	FallbackQueueStats(ctx context.Context) (*database.FallbackStats, error)
}

// Service exposes the pipeline's API operations.
type Service struct {
	store Store
	pub   Publisher
	now   func() time.Time
}

// New creates the service facade.
func New(store Store, pub Publisher) *Service {
	return &Service{store: store, pub: pub, now: time.Now}
}

// EnqueueEvent accepts a domain event, fills in generated fields, and
// publishes it. The event id doubles as the idempotency token downstream,
// so callers retrying a failed enqueue should reuse the same id.
func (s *Service) EnqueueEvent(ctx context.Context, ev *events.Event) (string, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Priority == "" {
		ev.Priority = events.DefaultPriority(ev.Type)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	if err := ev.Validate(); err != nil {
		return "", fmt.Errorf("rejecting malformed event: %w", err)
	}

	if err := s.pub.Produce(ctx, ev); err != nil {
		return "", fmt.Errorf("failed to enqueue event: %w", err)
	}

	slog.Debug("Enqueued event",
		"event_id", ev.EventID,
		"type", ev.Type,
		"priority", ev.Priority,
		"target_user_id", ev.TargetUserID,
	)
	return ev.EventID, nil
}

// ListNotifications returns a page of the user's notifications, newest first,
// with the unread count.
func (s *Service) ListNotifications(ctx context.Context, userID, cursor string, limit int) (*database.ListHistoryPage, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	return s.store.ListHistory(ctx, userID, cursor, limit)
}

// MarkRead marks one notification as read.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	if userID == "" || notificationID == "" {
		return fmt.Errorf("user id and notification id are required")
	}
	return s.store.MarkRead(ctx, userID, notificationID)
}

// MarkAllRead marks every unread notification for the user as read and
// returns how many were updated.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id cannot be empty")
	}
	return s.store.MarkAllRead(ctx, userID)
}

// GetPreferences returns the user's delivery preferences, defaults included.
func (s *Service) GetPreferences(ctx context.Context, userID string) (*database.NotificationPreference, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	return s.store.GetPreferences(ctx, userID)
}

// UpdatePreferences stores the user's delivery preferences.
func (s *Service) UpdatePreferences(ctx context.Context, p *database.NotificationPreference) error {
	return s.store.UpsertPreferences(ctx, p)
}

// FallbackQueueStats reports the fallback queue's pending and poisoned
// counts for operational dashboards.
func (s *Service) FallbackQueueStats(ctx context.Context) (*database.FallbackStats, error) {
	return s.store.FallbackQueueStats(ctx)
}
