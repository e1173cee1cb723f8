package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Channel result statuses. sent and skipped are terminal; failed rows may be
// overwritten by a later successful attempt within the same delivery cycle.
const (
	ChannelSent    = "sent"
	ChannelFailed  = "failed"
	ChannelSkipped = "skipped"
)

// ChannelResult records the outcome of one channel attempt for a
// notification. The (notification_id, channel) pair is the natural key, so
// a redelivered bus message cannot double-send a channel that already
// succeeded. Rows persist across bucket growths, which is what keeps a
// growth from resending channels already sent this cycle.
type ChannelResult struct {
	NotificationID string
	Channel        string
	Status         string
	Attempts       int
	LastError      string
	UpdatedAt      time.Time
}

// UpsertChannelResult records a channel outcome. A row already in a terminal
// state (sent or skipped) is left untouched; returns the stored status so the
// caller can fold prior terminal results into the cycle verdict.
func (db *DB) UpsertChannelResult(ctx context.Context, r *ChannelResult) (string, error) {
	query := `
		INSERT INTO channel_results (notification_id, channel, status, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (notification_id, channel) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = channel_results.attempts + EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
		WHERE channel_results.status NOT IN ('sent', 'skipped')
		RETURNING status
	`
	var stored string
	err := db.conn.QueryRowContext(ctx, query,
		r.NotificationID, r.Channel, r.Status, r.Attempts, r.LastError,
	).Scan(&stored)

	if err == sql.ErrNoRows {
		// Conflict row was terminal; report what is already stored.
		existing, err := db.getChannelResult(ctx, r.NotificationID, r.Channel)
		if err != nil {
			return "", err
		}
		return existing.Status, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to upsert channel result: %w", err)
	}
	return stored, nil
}

// GetChannelResults returns all recorded channel outcomes for a notification.
func (db *DB) GetChannelResults(ctx context.Context, notificationID string) ([]*ChannelResult, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT notification_id, channel, status, attempts, last_error, updated_at
		FROM channel_results
		WHERE notification_id = $1
		ORDER BY channel
	`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel results: %w", err)
	}
	defer rows.Close()

	var out []*ChannelResult
	for rows.Next() {
		r := &ChannelResult{}
		var lastError sql.NullString
		if err := rows.Scan(&r.NotificationID, &r.Channel, &r.Status, &r.Attempts, &lastError, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel result: %w", err)
		}
		if lastError.Valid {
			r.LastError = lastError.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) getChannelResult(ctx context.Context, notificationID, channel string) (*ChannelResult, error) {
	r := &ChannelResult{}
	var lastError sql.NullString
	err := db.conn.QueryRowContext(ctx, `
		SELECT notification_id, channel, status, attempts, last_error, updated_at
		FROM channel_results
		WHERE notification_id = $1 AND channel = $2
	`, notificationID, channel).Scan(
		&r.NotificationID, &r.Channel, &r.Status, &r.Attempts, &lastError, &r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel result: %w", err)
	}
	if lastError.Valid {
		r.LastError = lastError.String
	}
	return r, nil
}
