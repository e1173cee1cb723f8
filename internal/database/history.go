package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Delivery statuses for a notification history row. The progression is
// monotonic within a delivery cycle: pending -> partial -> delivered|failed.
// Only a bucket growth resets the row to pending, and then only channels
// without a recorded send are attempted again.
const (
	StatusPending   = "pending"
	StatusPartial   = "partial"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// NotificationHistory is the canonical durable record of a notification.
// Actor display fields are denormalised; aggregated ids track every source
// event collapsed into this row.
type NotificationHistory struct {
	ID              string
	UserID          string
	Type            string
	Priority        string
	ActorID         string
	ActorName       string
	ActorAvatar     string
	IsAggregated    bool
	AggregatedCount int
	AggregatedIDs   []string
	ActorIDs        []string
	Title           string
	Message         string
	TargetRefType   string
	TargetRefID     string
	IsRead          bool
	ReadAt          *time.Time
	DeliveryStatus  string
	Channels        []string
	Metadata        map[string]string
	DedupKey        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InsertHistoryIdempotent inserts a notification history row keyed on its
// dedup key (the first source event id). Returns true and fills in the row's
// id and timestamps if a new row was inserted; false if it already existed.
// This is the replay-safety boundary for non-aggregated events.
func (db *DB) InsertHistoryIdempotent(ctx context.Context, h *NotificationHistory) (bool, error) {
	metadata, err := marshalMetadata(h.Metadata)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO notification_history
			(user_id, type, priority, actor_id, actor_name, actor_avatar,
			 is_aggregated, aggregated_count, aggregated_ids, actor_ids,
			 title, message, target_ref_type, target_ref_id,
			 delivery_status, channels, metadata, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING id, created_at, updated_at
	`

	err = db.conn.QueryRowContext(ctx, query,
		h.UserID, h.Type, h.Priority, h.ActorID, h.ActorName, h.ActorAvatar,
		h.IsAggregated, h.AggregatedCount, pq.Array(h.AggregatedIDs), pq.Array(h.ActorIDs),
		h.Title, h.Message, h.TargetRefType, h.TargetRefID,
		h.DeliveryStatus, pq.Array(h.Channels), metadata, h.DedupKey,
	).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)

	if err == sql.ErrNoRows {
		slog.Debug("Notification already exists, skipping insert",
			"user_id", h.UserID,
			"dedup_key", h.DedupKey,
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert notification history: %w", err)
	}

	slog.Info("Inserted notification history",
		"notification_id", h.ID,
		"user_id", h.UserID,
		"type", h.Type,
	)
	return true, nil
}

// GetHistory retrieves a notification history row by id.
func (db *DB) GetHistory(ctx context.Context, id string) (*NotificationHistory, error) {
	query := selectHistoryColumns + ` WHERE id = $1`
	row := db.conn.QueryRowContext(ctx, query, id)
	h, err := scanHistory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("notification not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return h, nil
}

// GetHistoryByDedupKey retrieves a notification history row by its dedup key.
func (db *DB) GetHistoryByDedupKey(ctx context.Context, dedupKey string) (*NotificationHistory, error) {
	query := selectHistoryColumns + ` WHERE dedup_key = $1`
	row := db.conn.QueryRowContext(ctx, query, dedupKey)
	h, err := scanHistory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification by dedup key: %w", err)
	}
	return h, nil
}

// UpdateAggregated applies a bucket growth to an existing row using an
// optimistic compare-and-update on updated_at. Returns false without error if
// another writer got there first; the caller re-reads and retries.
// The delivery status is reset to pending so the orchestrator runs another
// pass; channel results keep already-sent channels from going out again.
func (db *DB) UpdateAggregated(ctx context.Context, h *NotificationHistory, expectedUpdatedAt time.Time) (bool, error) {
	query := `
		UPDATE notification_history
		SET is_aggregated = true,
		    aggregated_count = $2,
		    aggregated_ids = $3,
		    actor_ids = $4,
		    title = $5,
		    message = $6,
		    delivery_status = $7,
		    updated_at = NOW()
		WHERE id = $1 AND updated_at = $8
		RETURNING updated_at
	`

	err := db.conn.QueryRowContext(ctx, query,
		h.ID, h.AggregatedCount, pq.Array(h.AggregatedIDs), pq.Array(h.ActorIDs),
		h.Title, h.Message, StatusPending, expectedUpdatedAt,
	).Scan(&h.UpdatedAt)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update aggregated notification: %w", err)
	}

	slog.Debug("Updated aggregated notification",
		"notification_id", h.ID,
		"aggregated_count", h.AggregatedCount,
	)
	return true, nil
}

// UpdateDeliveryOutcome records the orchestrator's terminal verdict for a
// delivery cycle: the channels attempted as "channel:status" entries and the
// resulting status. A row already in a terminal state is left untouched so
// the status never regresses.
func (db *DB) UpdateDeliveryOutcome(ctx context.Context, id, status string, channels []string) error {
	query := `
		UPDATE notification_history
		SET delivery_status = $2, channels = $3, updated_at = NOW()
		WHERE id = $1
		  AND delivery_status NOT IN ('delivered', 'failed')
	`
	result, err := db.conn.ExecContext(ctx, query, id, status, pq.Array(channels))
	if err != nil {
		return fmt.Errorf("failed to update delivery outcome: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		slog.Debug("Delivery outcome not applied (row terminal or missing)",
			"notification_id", id,
			"status", status,
		)
	}
	return nil
}

// ListHistoryPage is one page of a user's notifications, newest first.
type ListHistoryPage struct {
	Items       []*NotificationHistory
	NextCursor  string
	UnreadCount int
}

// ListHistory returns a user's notifications newest-first with keyset
// pagination. cursor is the id of the last item of the previous page
// (empty for the first page). The page includes the user's unread count.
func (db *DB) ListHistory(ctx context.Context, userID, cursor string, limit int) (*ListHistoryPage, error) {
	if limit <= 0 {
		limit = 20
	}

	query := selectHistoryColumns + ` WHERE user_id = $1`
	args := []any{userID}
	if cursor != "" {
		query += ` AND (created_at, id) < (SELECT created_at, id FROM notification_history WHERE id = $2)`
		args = append(args, cursor)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	page := &ListHistoryPage{}
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		page.Items = append(page.Items, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}

	if len(page.Items) == limit {
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}

	if page.UnreadCount, err = db.UnreadCount(ctx, userID); err != nil {
		return nil, err
	}
	return page, nil
}

// UnreadCount returns the number of unread notifications for a user.
func (db *DB) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_history WHERE user_id = $1 AND is_read = false`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead marks a single notification as read. Idempotent.
func (db *DB) MarkRead(ctx context.Context, userID, id string) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE notification_history
		SET is_read = true, read_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND is_read = false
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Debug("Marked notification read", "notification_id", id, "user_id", userID)
	}
	return nil
}

// MarkAllRead marks every unread notification for a user as read.
// Returns the number of rows updated.
func (db *DB) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE notification_history
		SET is_read = true, read_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND is_read = false
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// RecentUnreadSince returns unread rows whose updated_at is after the cutoff.
// The aggregation engine rebuilds its open buckets from these on startup.
func (db *DB) RecentUnreadSince(ctx context.Context, cutoff time.Time) ([]*NotificationHistory, error) {
	query := selectHistoryColumns + `
		WHERE is_read = false AND updated_at > $1
		ORDER BY updated_at ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent unread notifications: %w", err)
	}
	defer rows.Close()

	var out []*NotificationHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

const selectHistoryColumns = `
	SELECT id, user_id, type, priority, actor_id, actor_name, actor_avatar,
	       is_aggregated, aggregated_count, aggregated_ids, actor_ids,
	       title, message, target_ref_type, target_ref_id,
	       is_read, read_at, delivery_status, channels, metadata, dedup_key,
	       created_at, updated_at
	FROM notification_history`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (*NotificationHistory, error) {
	var (
		h        NotificationHistory
		readAt   sql.NullTime
		metadata sql.NullString
	)
	err := row.Scan(
		&h.ID, &h.UserID, &h.Type, &h.Priority, &h.ActorID, &h.ActorName, &h.ActorAvatar,
		&h.IsAggregated, &h.AggregatedCount, pq.Array(&h.AggregatedIDs), pq.Array(&h.ActorIDs),
		&h.Title, &h.Message, &h.TargetRefType, &h.TargetRefID,
		&h.IsRead, &readAt, &h.DeliveryStatus, pq.Array(&h.Channels), &metadata, &h.DedupKey,
		&h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if readAt.Valid {
		h.ReadAt = &readAt.Time
	}
	h.Metadata = unmarshalMetadata(metadata, h.ID)
	return &h, nil
}
