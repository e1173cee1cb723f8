package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// PoisonedThreshold is the retry count at which a fallback entry is parked
// and excluded from replay selection.
const PoisonedThreshold = 10

// FallbackQueueEntry is a durably stored event that could not be published to
// the bus. The raw event JSON is kept verbatim so replay re-publishes exactly
// what ingestion accepted.
type FallbackQueueEntry struct {
	ID            int64
	EventID       string
	Topic         string
	Priority      string
	Payload       []byte
	RetryCount    int
	LastError     string
	Processed     bool
	LastAttemptAt *time.Time
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

// InsertFallbackEntry stores a failed publish for later replay. Duplicate
// event ids are ignored so a retried producer path cannot double-queue.
func (db *DB) InsertFallbackEntry(ctx context.Context, e *FallbackQueueEntry) error {
	query := `
		INSERT INTO fallback_queue (event_id, topic, priority, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id, created_at
	`
	// JSONB wants a text literal, not bytea.
	err := db.conn.QueryRowContext(ctx, query,
		e.EventID, e.Topic, e.Priority, string(e.Payload),
	).Scan(&e.ID, &e.CreatedAt)

	if err == sql.ErrNoRows {
		slog.Debug("Fallback entry already queued", "event_id", e.EventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert fallback entry: %w", err)
	}

	slog.Warn("Event diverted to fallback queue",
		"event_id", e.EventID,
		"topic", e.Topic,
		"priority", e.Priority,
	)
	return nil
}

// SelectUnprocessed returns up to limit unprocessed, non-poisoned entries,
// high priority first, oldest first within a priority. The replay worker
// applies per-entry backoff eligibility on top of this set.
func (db *DB) SelectUnprocessed(ctx context.Context, limit int) ([]*FallbackQueueEntry, error) {
	query := `
		SELECT id, event_id, topic, priority, payload, retry_count,
		       last_error, processed, last_attempt_at, processed_at, created_at
		FROM fallback_queue
		WHERE processed = false AND retry_count < $1
		ORDER BY CASE priority
			WHEN 'high' THEN 2
			WHEN 'normal' THEN 1
			ELSE 0
		END DESC, created_at ASC
		LIMIT $2
	`
	rows, err := db.conn.QueryContext(ctx, query, PoisonedThreshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select fallback entries: %w", err)
	}
	defer rows.Close()

	var out []*FallbackQueueEntry
	for rows.Next() {
		e := &FallbackQueueEntry{}
		var lastAttempt, processedAt sql.NullTime
		var lastError sql.NullString
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.Topic, &e.Priority, &e.Payload, &e.RetryCount,
			&lastError, &e.Processed, &lastAttempt, &processedAt, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fallback entry: %w", err)
		}
		if lastError.Valid {
			e.LastError = lastError.String
		}
		if lastAttempt.Valid {
			e.LastAttemptAt = &lastAttempt.Time
		}
		if processedAt.Valid {
			e.ProcessedAt = &processedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkFallbackProcessed marks an entry as successfully replayed.
func (db *DB) MarkFallbackProcessed(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE fallback_queue
		SET processed = true, processed_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark fallback entry processed: %w", err)
	}
	return nil
}

// RecordFallbackFailure bumps an entry's retry count after a failed replay
// attempt and returns the new count.
func (db *DB) RecordFallbackFailure(ctx context.Context, id int64, cause string) (int, error) {
	var retryCount int
	err := db.conn.QueryRowContext(ctx, `
		UPDATE fallback_queue
		SET retry_count = retry_count + 1, last_error = $2, last_attempt_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`, id, cause).Scan(&retryCount)
	if err != nil {
		return 0, fmt.Errorf("failed to record fallback failure: %w", err)
	}
	return retryCount, nil
}

// DeleteProcessedBefore removes processed entries older than the cutoff.
// Returns the number of rows deleted.
func (db *DB) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `
		DELETE FROM fallback_queue
		WHERE processed = true AND processed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed fallback entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// FallbackStats summarises the health of the fallback queue.
type FallbackStats struct {
	Pending       int
	Poisoned      int
	OldestPending *time.Time
}

// FallbackQueueStats returns pending and poisoned counts plus the age of the
// oldest pending entry.
func (db *DB) FallbackQueueStats(ctx context.Context) (*FallbackStats, error) {
	stats := &FallbackStats{}
	var oldest sql.NullTime
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE NOT processed AND retry_count < $1),
			COUNT(*) FILTER (WHERE NOT processed AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE NOT processed AND retry_count < $1)
		FROM fallback_queue
	`, PoisonedThreshold).Scan(&stats.Pending, &stats.Poisoned, &oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to query fallback queue stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPending = &oldest.Time
	}
	return stats, nil
}
