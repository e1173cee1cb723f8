package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// NotificationPreference holds a user's delivery settings. A user with no
// stored row gets the defaults from DefaultPreferences.
type NotificationPreference struct {
	UserID string

	PushEnabled  bool
	EmailEnabled bool
	SMSEnabled   bool

	MarketingEnabled bool
	ActivityEnabled  bool
	SocialEnabled    bool

	DNDEnabled bool
	DNDStart   string // "HH:MM"
	DNDEnd     string // "HH:MM"

	EmailAddr string
	Phone     string
	Timezone  string

	UpdatedAt time.Time
}

// DefaultPreferences returns the settings applied to users who have never
// saved preferences: push and email on, sms off, all categories except
// marketing on, no DND.
func DefaultPreferences(userID string) *NotificationPreference {
	return &NotificationPreference{
		UserID:          userID,
		PushEnabled:     true,
		EmailEnabled:    true,
		SMSEnabled:      false,
		ActivityEnabled: true,
		SocialEnabled:   true,
		Timezone:        "UTC",
	}
}

// GetPreferences returns a user's stored preferences, or the defaults if the
// user has none.
func (db *DB) GetPreferences(ctx context.Context, userID string) (*NotificationPreference, error) {
	query := `
		SELECT user_id, push_enabled, email_enabled, sms_enabled,
		       marketing_enabled, activity_enabled, social_enabled,
		       dnd_enabled, dnd_start, dnd_end,
		       email_addr, phone, timezone, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`
	p := &NotificationPreference{}
	err := db.conn.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.PushEnabled, &p.EmailEnabled, &p.SMSEnabled,
		&p.MarketingEnabled, &p.ActivityEnabled, &p.SocialEnabled,
		&p.DNDEnabled, &p.DNDStart, &p.DNDEnd,
		&p.EmailAddr, &p.Phone, &p.Timezone, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	return p, nil
}

// UpsertPreferences stores a user's preferences, replacing any existing row.
func (db *DB) UpsertPreferences(ctx context.Context, p *NotificationPreference) error {
	if err := validatePreferences(p); err != nil {
		return err
	}

	query := `
		INSERT INTO notification_preferences
			(user_id, push_enabled, email_enabled, sms_enabled,
			 marketing_enabled, activity_enabled, social_enabled,
			 dnd_enabled, dnd_start, dnd_end,
			 email_addr, phone, timezone, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			push_enabled = EXCLUDED.push_enabled,
			email_enabled = EXCLUDED.email_enabled,
			sms_enabled = EXCLUDED.sms_enabled,
			marketing_enabled = EXCLUDED.marketing_enabled,
			activity_enabled = EXCLUDED.activity_enabled,
			social_enabled = EXCLUDED.social_enabled,
			dnd_enabled = EXCLUDED.dnd_enabled,
			dnd_start = EXCLUDED.dnd_start,
			dnd_end = EXCLUDED.dnd_end,
			email_addr = EXCLUDED.email_addr,
			phone = EXCLUDED.phone,
			timezone = EXCLUDED.timezone,
			updated_at = NOW()
	`
	_, err := db.conn.ExecContext(ctx, query,
		p.UserID, p.PushEnabled, p.EmailEnabled, p.SMSEnabled,
		p.MarketingEnabled, p.ActivityEnabled, p.SocialEnabled,
		p.DNDEnabled, p.DNDStart, p.DNDEnd,
		p.EmailAddr, p.Phone, p.Timezone,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}

	slog.Info("Updated notification preferences", "user_id", p.UserID)
	return nil
}

func validatePreferences(p *NotificationPreference) error {
	if p.UserID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if p.DNDEnabled {
		if err := validateClock(p.DNDStart); err != nil {
			return fmt.Errorf("invalid dnd start: %w", err)
		}
		if err := validateClock(p.DNDEnd); err != nil {
			return fmt.Errorf("invalid dnd end: %w", err)
		}
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
		}
	}
	return nil
}

func validateClock(s string) error {
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("expected HH:MM, got %q", s)
	}
	return nil
}
