package metrics

// Recorder is the narrow interface pipeline components record through.
// Production wires a CollectorAdapter; tests use NoOp or a hand-rolled fake.
type Recorder interface {
	EventConsumed(priority string)
	EventDropped(reason string)
	NotificationCreated()
	NotificationAggregated()
	DeliveryAttempted(channel string)
	DeliverySucceeded(channel string)
	DeliveryFailed(channel string)
	DeliverySkipped(channel string)
	FallbackQueued()
	FallbackReplayed()
	FallbackPoisoned(count int)
}

// CollectorAdapter maps Recorder calls onto Collector counter names.
type CollectorAdapter struct {
	c *Collector
}

// NewCollectorAdapter wraps a Collector in the Recorder interface.
func NewCollectorAdapter(c *Collector) *CollectorAdapter {
	return &CollectorAdapter{c: c}
}

func (a *CollectorAdapter) EventConsumed(priority string) {
	a.c.Inc("events_consumed_"+priority, 1)
}

func (a *CollectorAdapter) EventDropped(reason string) {
	a.c.Inc("events_dropped_"+reason, 1)
}

func (a *CollectorAdapter) NotificationCreated() {
	a.c.Inc("notifications_created", 1)
}

func (a *CollectorAdapter) NotificationAggregated() {
	a.c.Inc("notifications_aggregated", 1)
}

func (a *CollectorAdapter) DeliveryAttempted(channel string) {
	a.c.Inc("delivery_attempted_"+channel, 1)
}

func (a *CollectorAdapter) DeliverySucceeded(channel string) {
	a.c.Inc("delivery_succeeded_"+channel, 1)
}

func (a *CollectorAdapter) DeliveryFailed(channel string) {
	a.c.Inc("delivery_failed_"+channel, 1)
}

func (a *CollectorAdapter) DeliverySkipped(channel string) {
	a.c.Inc("delivery_skipped_"+channel, 1)
}

func (a *CollectorAdapter) FallbackQueued() {
	a.c.Inc("fallback_queued", 1)
}

func (a *CollectorAdapter) FallbackReplayed() {
	a.c.Inc("fallback_replayed", 1)
}

func (a *CollectorAdapter) FallbackPoisoned(count int) {
	a.c.Set("fallback_poisoned", int64(count))
}

// NoOp is a Recorder that discards everything.
type NoOp struct{}

func (NoOp) EventConsumed(string)     {}
func (NoOp) EventDropped(string)      {}
func (NoOp) NotificationCreated()     {}
func (NoOp) NotificationAggregated()  {}
func (NoOp) DeliveryAttempted(string) {}
func (NoOp) DeliverySucceeded(string) {}
func (NoOp) DeliveryFailed(string)    {}
func (NoOp) DeliverySkipped(string)   {}
func (NoOp) FallbackQueued()          {}
func (NoOp) FallbackReplayed()        {}
func (NoOp) FallbackPoisoned(int)     {}
