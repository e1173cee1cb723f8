// Package metrics collects pipeline counters and periodically flushes them to
// Redis, where dashboards and the ops CLI read them.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FlushInterval is how often buffered counters are pushed to Redis.
const FlushInterval = 10 * time.Second

// Collector buffers counter deltas in memory and flushes them to a Redis hash
// keyed by service name. Counters survive process restarts because Redis holds
// the running totals; the in-memory map only holds unflushed deltas.
type Collector struct {
	rdb     *redis.Client
	service string

	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
}

// NewCollector creates a collector flushing to the given Redis client under
// the hash key "metrics:<service>".
func NewCollector(rdb *redis.Client, service string) *Collector {
	return &Collector{
		rdb:      rdb,
		service:  service,
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
	}
}

// Inc adds delta to the named counter.
func (c *Collector) Inc(name string, delta int64) {
	c.mu.Lock()
	c.counters[name] += delta
	c.mu.Unlock()
}

// Set records the current value of the named gauge.
func (c *Collector) Set(name string, value int64) {
	c.mu.Lock()
	c.gauges[name] = value
	c.mu.Unlock()
}

// Start runs the flush loop until ctx is cancelled, then performs a final flush.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Flush(context.Background())
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush pushes buffered deltas and gauges to Redis. On failure the deltas are
// restored so the next flush carries them.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	counters := c.counters
	gauges := c.gauges
	c.counters = make(map[string]int64)
	c.gauges = make(map[string]int64)
	c.mu.Unlock()

	if len(counters) == 0 && len(gauges) == 0 {
		return
	}

	key := c.key()
	pipe := c.rdb.Pipeline()
	for name, delta := range counters {
		pipe.HIncrBy(ctx, key, name, delta)
	}
	for name, value := range gauges {
		pipe.HSet(ctx, key, name, value)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to flush metrics to Redis", "error", err, "service", c.service)
		c.mu.Lock()
		for name, delta := range counters {
			c.counters[name] += delta
		}
		for name, value := range gauges {
			if _, ok := c.gauges[name]; !ok {
				c.gauges[name] = value
			}
		}
		c.mu.Unlock()
	}
}

// Read returns the running totals stored in Redis for this service.
func (c *Collector) Read(ctx context.Context) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, c.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for name, value := range raw {
		var v int64
		if _, err := fmt.Sscanf(value, "%d", &v); err == nil {
			out[name] = v
		}
	}
	return out, nil
}

func (c *Collector) key() string {
	return "metrics:" + c.service
}
