// Package fallback drains the durable fallback queue back onto the bus once
// it recovers, with per-entry backoff and a poison threshold for entries that
// never make it.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brightfeed/notify/internal/database"
	"github.com/brightfeed/notify/internal/events"
	"github.com/brightfeed/notify/internal/metrics"
	"github.com/brightfeed/notify/internal/retry"
)

// retentionPeriod is how long processed entries are kept before the janitor
// removes them.
const retentionPeriod = 7 * 24 * time.Hour

// janitorInterval is how often the janitor sweeps processed entries.
const janitorInterval = time.Hour

// Store is the persistence surface the replayer needs.
type Store interface {
	SelectUnprocessed(ctx context.Context, limit int) ([]*database.FallbackQueueEntry, error)
	MarkFallbackProcessed(ctx context.Context, id int64) error
	RecordFallbackFailure(ctx context.Context, id int64, cause string) (int, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	FallbackQueueStats(ctx context.Context) (*database.FallbackStats, error)
}

// Publisher re-publishes replayed events to the bus without falling back
// again; a failed replay stays in the queue.
type Publisher interface {
	ProduceDirect(ctx context.Context, ev *events.Event) error
}

// Replayer polls the fallback queue and republishes due entries.
type Replayer struct {
	store Store
	pub   Publisher
	rec   metrics.Recorder

	pollInterval time.Duration
	batchSize    int
	backoff      retry.Config

	now func() time.Time
}

// NewReplayer creates a replay worker. The backoff config spaces retries of
// the same entry; rec must not be nil.
func NewReplayer(store Store, pub Publisher, rec metrics.Recorder, pollInterval time.Duration, batchSize int, backoff retry.Config) *Replayer {
	return &Replayer{
		store:        store,
		pub:          pub,
		rec:          rec,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		backoff:      backoff,
		now:          time.Now,
	}
}

// Run polls until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) {
	slog.Info("Starting fallback replay worker",
		"poll_interval", r.pollInterval,
		"batch_size", r.batchSize,
	)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Fallback replay worker stopping")
			return
		case <-ticker.C:
			if n, err := r.ReplayBatch(ctx); err != nil {
				slog.Error("Fallback replay batch failed", "error", err)
			} else if n > 0 {
				slog.Info("Replayed fallback entries", "count", n)
			}
			r.reportPoisoned(ctx)
		}
	}
}

// ReplayBatch selects one batch of due entries and republishes them.
// Returns the number successfully replayed.
func (r *Replayer) ReplayBatch(ctx context.Context) (int, error) {
	entries, err := r.store.SelectUnprocessed(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to select fallback entries: %w", err)
	}

	replayed := 0
	for _, e := range entries {
		if !r.due(e) {
			continue
		}
		if err := r.replayOne(ctx, e); err != nil {
			slog.Warn("Fallback replay failed",
				"error", err,
				"entry_id", e.ID,
				"event_id", e.EventID,
				"retry_count", e.RetryCount,
			)
			continue
		}
		replayed++
	}
	return replayed, nil
}

// due applies the per-entry backoff schedule: an entry with k failed attempts
// waits the k-th backoff interval after its last attempt.
func (r *Replayer) due(e *database.FallbackQueueEntry) bool {
	if e.LastAttemptAt == nil || e.RetryCount == 0 {
		return true
	}
	wait := retry.CalculateBackoff(r.backoff, e.RetryCount-1)
	return r.now().Sub(*e.LastAttemptAt) >= wait
}

func (r *Replayer) replayOne(ctx context.Context, e *database.FallbackQueueEntry) error {
	var ev events.Event
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return r.recordFailure(ctx, e, fmt.Errorf("malformed stored event: %w", err))
	}

	if err := r.pub.ProduceDirect(ctx, &ev); err != nil {
		return r.recordFailure(ctx, e, err)
	}

	if err := r.store.MarkFallbackProcessed(ctx, e.ID); err != nil {
		// The event is on the bus; next poll retries the mark and the
		// aggregation dedup key absorbs the duplicate publish.
		return fmt.Errorf("replayed but failed to mark processed: %w", err)
	}
	r.rec.FallbackReplayed()
	return nil
}

func (r *Replayer) recordFailure(ctx context.Context, e *database.FallbackQueueEntry, cause error) error {
	count, err := r.store.RecordFallbackFailure(ctx, e.ID, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to record replay failure: %w", err)
	}
	if count >= database.PoisonedThreshold {
		slog.Error("Fallback entry poisoned, parking it",
			"entry_id", e.ID,
			"event_id", e.EventID,
			"retry_count", count,
			"last_error", cause.Error(),
		)
	}
	return cause
}

func (r *Replayer) reportPoisoned(ctx context.Context) {
	stats, err := r.store.FallbackQueueStats(ctx)
	if err != nil {
		slog.Warn("Failed to read fallback queue stats", "error", err)
		return
	}
	r.rec.FallbackPoisoned(stats.Poisoned)
}

// RunJanitor periodically deletes processed entries older than the retention
// period. Runs until ctx is cancelled.
func (r *Replayer) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := r.now().Add(-retentionPeriod)
			n, err := r.store.DeleteProcessedBefore(ctx, cutoff)
			if err != nil {
				slog.Error("Fallback janitor sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Fallback janitor removed processed entries", "deleted", n)
			}
		}
	}
}
