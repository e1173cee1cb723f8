// Package delivery turns ready notifications into channel sends: it debounces
// bursts, applies preferences and quiet hours, fans out to per-channel worker
// pools, and records the cycle's verdict.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brightfeed/notify/internal/channel"
	"github.com/brightfeed/notify/internal/database"
	"github.com/brightfeed/notify/internal/events"
	"github.com/brightfeed/notify/internal/metrics"
	"github.com/brightfeed/notify/internal/preference"
	"github.com/brightfeed/notify/internal/retry"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetHistory(ctx context.Context, id string) (*database.NotificationHistory, error)
	GetPreferences(ctx context.Context, userID string) (*database.NotificationPreference, error)
	UpsertChannelResult(ctx context.Context, r *database.ChannelResult) (string, error)
	GetChannelResults(ctx context.Context, notificationID string) ([]*database.ChannelResult, error)
	UpdateDeliveryOutcome(ctx context.Context, id, status string, channels []string) error
}

// Orchestrator owns the debounce timers and per-channel pools. One Deliver
// call is one delivery cycle; redelivered bus messages and overlapping
// schedules collapse onto the channel_results natural key.
type Orchestrator struct {
	store    Store
	registry *channel.Registry
	rec      metrics.Recorder

	debounce time.Duration
	retryCfg retry.Config

	pools map[string]*Pool

	mu     sync.Mutex
	timers map[string]*time.Timer

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewOrchestrator creates an orchestrator with one pool per registered
// channel. rec must not be nil; pass metrics.NoOp{} to discard counters.
func NewOrchestrator(store Store, registry *channel.Registry, rec metrics.Recorder, debounce time.Duration, retryCfg retry.Config, poolWorkers, poolQueue int) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		registry: registry,
		rec:      rec,
		debounce: debounce,
		retryCfg: retryCfg,
		pools:    make(map[string]*Pool, len(channel.Names)),
		timers:   make(map[string]*time.Timer),
		now:      time.Now,
	}
	for _, name := range channel.Names {
		o.pools[name] = NewPool(name, poolWorkers, poolQueue)
	}
	return o
}

// Start launches the channel pools. Must be called before Schedule.
func (o *Orchestrator) Start(ctx context.Context) {
	o.baseCtx, o.cancel = context.WithCancel(ctx)
	for _, p := range o.pools {
		p.Start(o.baseCtx)
	}
}

// Stop drains pending timers and in-flight deliveries, then stops the pools.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	for id, t := range o.timers {
		if t.Stop() {
			// Timer never fired; release the entry Schedule took for it.
			// A fired timer's callback releases its own.
			o.wg.Done()
		}
		delete(o.timers, id)
	}
	o.mu.Unlock()

	o.wg.Wait()
	for _, p := range o.pools {
		p.Stop()
	}
	if o.cancel != nil {
		o.cancel()
	}
}

// Schedule requests delivery of a notification after the debounce delay.
// Repeated calls for the same notification push the timer out, so a burst
// folding into one aggregate produces one send. The wait-group entry is taken
// here, before the timer can fire, so Stop never returns while a just-fired
// callback is still on its way into Deliver.
func (o *Orchestrator) Schedule(notificationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if t, ok := o.timers[notificationID]; ok && t.Stop() {
		t.Reset(o.debounce)
		return
	}

	o.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(o.debounce, func() {
		defer o.wg.Done()
		o.mu.Lock()
		if o.timers[notificationID] == t {
			delete(o.timers, notificationID)
		}
		o.mu.Unlock()

		if err := o.Deliver(o.baseCtx, notificationID); err != nil {
			slog.Error("Delivery cycle failed", "error", err, "notification_id", notificationID)
		}
	})
	o.timers[notificationID] = t
}

// Deliver runs one delivery cycle for a notification: load, gate, fan out,
// record the verdict. Safe to call for an already-delivered notification;
// terminal rows are skipped.
func (o *Orchestrator) Deliver(ctx context.Context, notificationID string) error {
	h, err := o.store.GetHistory(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}
	if h.DeliveryStatus == database.StatusDelivered || h.DeliveryStatus == database.StatusFailed {
		slog.Debug("Skipping delivery, cycle already terminal",
			"notification_id", notificationID,
			"status", h.DeliveryStatus,
		)
		return nil
	}

	pref, err := o.store.GetPreferences(ctx, h.UserID)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	plan := preference.Evaluate(events.EventType(h.Type), events.Priority(h.Priority), pref, o.now())
	for name, reason := range plan.Skipped {
		o.recordSkip(ctx, notificationID, name, reason)
	}
	if plan.DNDSuppressed {
		slog.Info("Notification suppressed by quiet hours",
			"notification_id", notificationID,
			"user_id", h.UserID,
		)
	}

	prior, err := o.priorResults(ctx, notificationID)
	if err != nil {
		return err
	}

	env := &channel.Envelope{
		NotificationID: h.ID,
		UserID:         h.UserID,
		Title:          h.Title,
		Message:        h.Message,
		Priority:       h.Priority,
		EmailAddr:      pref.EmailAddr,
		Phone:          pref.Phone,
		Metadata:       h.Metadata,
	}

	// attempted collects "channel:status" entries so the history row shows
	// failed channels too, not just the ones that went out.
	var (
		resMu     sync.Mutex
		attempted []string
		successes int
		failures  int
	)
	var cycle sync.WaitGroup
	for _, name := range plan.Channels {
		if prior[name] == database.ChannelSent {
			// Sent in an earlier pass of this cycle; count it, don't resend.
			resMu.Lock()
			attempted = append(attempted, name+":"+database.ChannelSent)
			successes++
			resMu.Unlock()
			continue
		}

		name := name
		cycle.Add(1)
		task := func(taskCtx context.Context) {
			defer cycle.Done()
			ok := o.sendOne(taskCtx, name, env)
			resMu.Lock()
			if ok {
				attempted = append(attempted, name+":"+database.ChannelSent)
				successes++
			} else {
				attempted = append(attempted, name+":"+database.ChannelFailed)
				failures++
			}
			resMu.Unlock()
		}
		if err := o.pools[name].Submit(ctx, task); err != nil {
			cycle.Done()
			resMu.Lock()
			attempted = append(attempted, name+":"+database.ChannelFailed)
			failures++
			resMu.Unlock()
			slog.Warn("Failed to enqueue channel task", "error", err, "channel", name)
		}
	}
	cycle.Wait()

	sort.Strings(attempted)
	status := cycleStatus(len(plan.Channels), len(plan.Skipped), successes, failures)
	if err := o.store.UpdateDeliveryOutcome(ctx, notificationID, status, attempted); err != nil {
		return fmt.Errorf("failed to record delivery outcome: %w", err)
	}

	slog.Info("Delivery cycle complete",
		"notification_id", notificationID,
		"status", status,
		"channels", attempted,
		"failed", failures,
		"skipped", len(plan.Skipped),
	)
	return nil
}

// sendOne runs the per-channel retry loop and records the result row.
// Returns true on success.
func (o *Orchestrator) sendOne(ctx context.Context, name string, env *channel.Envelope) bool {
	ch, err := o.registry.Get(name)
	if err != nil {
		o.recordResult(ctx, env.NotificationID, name, database.ChannelFailed, 0, err)
		return false
	}

	o.rec.DeliveryAttempted(name)
	attempts := 0
	err = retry.WithRetryIfRetryable(ctx, o.retryCfg, "deliver "+name, func() error {
		attempts++
		return ch.Send(ctx, env)
	})
	if err != nil {
		o.rec.DeliveryFailed(name)
		o.recordResult(ctx, env.NotificationID, name, database.ChannelFailed, attempts, err)
		return false
	}

	o.rec.DeliverySucceeded(name)
	o.recordResult(ctx, env.NotificationID, name, database.ChannelSent, attempts, nil)
	return true
}

func (o *Orchestrator) recordSkip(ctx context.Context, notificationID, name, reason string) {
	o.rec.DeliverySkipped(name)
	if _, err := o.store.UpsertChannelResult(ctx, &database.ChannelResult{
		NotificationID: notificationID,
		Channel:        name,
		Status:         database.ChannelSkipped,
		LastError:      reason,
	}); err != nil {
		slog.Warn("Failed to record channel skip", "error", err, "channel", name)
	}
}

func (o *Orchestrator) recordResult(ctx context.Context, notificationID, name, status string, attempts int, cause error) {
	r := &database.ChannelResult{
		NotificationID: notificationID,
		Channel:        name,
		Status:         status,
		Attempts:       attempts,
	}
	if cause != nil {
		r.LastError = cause.Error()
	}
	if _, err := o.store.UpsertChannelResult(ctx, r); err != nil {
		slog.Warn("Failed to record channel result", "error", err, "channel", name)
	}
}

func (o *Orchestrator) priorResults(ctx context.Context, notificationID string) (map[string]string, error) {
	results, err := o.store.GetChannelResults(ctx, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel results: %w", err)
	}
	prior := make(map[string]string, len(results))
	for _, r := range results {
		prior[r.Channel] = r.Status
	}
	return prior, nil
}

// cycleStatus folds the cycle's counts into the row status. No channels
// attempted (all opted out or suppressed) counts as delivered: the bell
// entry exists and nothing actionable failed.
func cycleStatus(attempted, skipped, successes, failures int) string {
	switch {
	case attempted == 0:
		return database.StatusDelivered
	case failures == 0:
		return database.StatusDelivered
	case successes > 0:
		return database.StatusPartial
	case skipped > 0:
		return database.StatusPartial
	default:
		return database.StatusFailed
	}
}
