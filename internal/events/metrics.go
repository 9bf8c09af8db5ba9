package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"
)

// latencyWindowSize bounds the rolling processing-time window.
const latencyWindowSize = 1000

// MetricsSnapshot is the point-in-time view of processor metrics.
type MetricsSnapshot struct {
	TotalProcessed        int64     `json:"total_processed"`
	SuccessfullyProcessed int64     `json:"successfully_processed"`
	FailedProcessed       int64     `json:"failed_processed"`
	RetriedEvents         int64     `json:"retried_events"`
	DeadLetterEvents      int64     `json:"dead_letter_events"`
	CircuitBreakerTrips   int64     `json:"circuit_breaker_trips"`
	QueueDepth            int64     `json:"queue_depth"`
	AverageProcessingMS   float64   `json:"average_processing_ms"`
	LastProcessedAt       time.Time `json:"last_processed_at,omitzero"`
	Timestamp             time.Time `json:"timestamp"`
}

// CounterStore makes the monotonic counters durable across restarts.
type CounterStore interface {
	// Add adds deltas to the named durable counters.
	Add(ctx context.Context, deltas map[string]int64) error

	// Load returns the persisted counter values.
	Load(ctx context.Context) (map[string]int64, error)
}

// Collector accumulates processor metrics. Counters are incremented
// atomically; the latency window is guarded by its own mutex.
type Collector struct {
	totalProcessed int64
	success        int64
	failure        int64
	retried        int64
	deadLetter     int64
	breakerTrips   int64
	queueDepth     int64

	lastProcessed atomic.Int64 // unix millis, 0 = never

	winMu    sync.Mutex
	window   [latencyWindowSize]int64
	winCount int
	winNext  int
	winSum   int64

	store   CounterStore
	flushMu sync.Mutex
	flushed MetricsSnapshot // counter values already persisted
}

// NewCollector creates a collector. store may be nil for purely
// in-process metrics.
func NewCollector(store CounterStore) *Collector {
	return &Collector{store: store}
}

// Restore loads durable counters, so the health surface reports totals
// across restarts.
func (c *Collector) Restore(ctx context.Context) {
	if c.store == nil {
		return
	}
	vals, err := c.store.Load(ctx)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not restore durable metrics")
		return
	}

	atomic.StoreInt64(&c.totalProcessed, vals["total_processed"])
	atomic.StoreInt64(&c.success, vals["successfully_processed"])
	atomic.StoreInt64(&c.failure, vals["failed_processed"])
	atomic.StoreInt64(&c.retried, vals["retried_events"])
	atomic.StoreInt64(&c.deadLetter, vals["dead_letter_events"])
	atomic.StoreInt64(&c.breakerTrips, vals["circuit_breaker_trips"])

	c.flushMu.Lock()
	c.flushed = MetricsSnapshot{
		TotalProcessed:        vals["total_processed"],
		SuccessfullyProcessed: vals["successfully_processed"],
		FailedProcessed:       vals["failed_processed"],
		RetriedEvents:         vals["retried_events"],
		DeadLetterEvents:      vals["dead_letter_events"],
		CircuitBreakerTrips:   vals["circuit_breaker_trips"],
	}
	c.flushMu.Unlock()
}

// Flush persists the counter deltas accumulated since the last flush.
func (c *Collector) Flush(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	snap := c.Snapshot()
	deltas := map[string]int64{
		"total_processed":        snap.TotalProcessed - c.flushed.TotalProcessed,
		"successfully_processed": snap.SuccessfullyProcessed - c.flushed.SuccessfullyProcessed,
		"failed_processed":       snap.FailedProcessed - c.flushed.FailedProcessed,
		"retried_events":         snap.RetriedEvents - c.flushed.RetriedEvents,
		"dead_letter_events":     snap.DeadLetterEvents - c.flushed.DeadLetterEvents,
		"circuit_breaker_trips":  snap.CircuitBreakerTrips - c.flushed.CircuitBreakerTrips,
	}
	for k, v := range deltas {
		if v == 0 {
			delete(deltas, k)
		}
	}
	if len(deltas) == 0 {
		return nil
	}

	if err := c.store.Add(ctx, deltas); err != nil {
		return fmt.Errorf("persist metrics: %w", err)
	}
	c.flushed = snap
	return nil
}

// RecordSuccess records a successfully processed event with its
// end-to-end processing duration.
func (c *Collector) RecordSuccess(d time.Duration) {
	atomic.AddInt64(&c.totalProcessed, 1)
	atomic.AddInt64(&c.success, 1)
	c.observe(d)
}

// RecordFailure records a permanently failed event with its duration.
func (c *Collector) RecordFailure(d time.Duration) {
	atomic.AddInt64(&c.totalProcessed, 1)
	atomic.AddInt64(&c.failure, 1)
	c.observe(d)
}

// RecordRetries adds n to the retried-events counter.
func (c *Collector) RecordRetries(n int) {
	if n > 0 {
		atomic.AddInt64(&c.retried, int64(n))
	}
}

// RecordDeadLetter records an event routed to the DLQ.
func (c *Collector) RecordDeadLetter() {
	atomic.AddInt64(&c.deadLetter, 1)
}

// RecordBreakerTrip records a CLOSED to OPEN transition.
func (c *Collector) RecordBreakerTrip() {
	atomic.AddInt64(&c.breakerTrips, 1)
}

// SetQueueDepth updates the sampled queue depth gauge.
func (c *Collector) SetQueueDepth(n int64) {
	atomic.StoreInt64(&c.queueDepth, n)
}

func (c *Collector) observe(d time.Duration) {
	c.lastProcessed.Store(time.Now().UnixMilli())

	c.winMu.Lock()
	defer c.winMu.Unlock()

	ms := d.Milliseconds()
	if c.winCount == latencyWindowSize {
		c.winSum -= c.window[c.winNext]
	} else {
		c.winCount++
	}
	c.window[c.winNext] = ms
	c.winSum += ms
	c.winNext = (c.winNext + 1) % latencyWindowSize
}

// Snapshot returns the current metric values.
func (c *Collector) Snapshot() MetricsSnapshot {
	c.winMu.Lock()
	var avg float64
	if c.winCount > 0 {
		avg = float64(c.winSum) / float64(c.winCount)
	}
	c.winMu.Unlock()

	snap := MetricsSnapshot{
		TotalProcessed:        atomic.LoadInt64(&c.totalProcessed),
		SuccessfullyProcessed: atomic.LoadInt64(&c.success),
		FailedProcessed:       atomic.LoadInt64(&c.failure),
		RetriedEvents:         atomic.LoadInt64(&c.retried),
		DeadLetterEvents:      atomic.LoadInt64(&c.deadLetter),
		CircuitBreakerTrips:   atomic.LoadInt64(&c.breakerTrips),
		QueueDepth:            atomic.LoadInt64(&c.queueDepth),
		AverageProcessingMS:   avg,
		Timestamp:             time.Now().UTC(),
	}
	if ms := c.lastProcessed.Load(); ms > 0 {
		snap.LastProcessedAt = time.UnixMilli(ms).UTC()
	}
	return snap
}

// metricsKeyPrefix namespaces the durable counters in Redis.
const metricsKeyPrefix = "audit:metrics:"

// RedisCounterStore keeps durable counters in Redis.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore creates a Redis-backed counter store. An empty
// prefix uses the default.
func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = metricsKeyPrefix
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

// Add adds deltas to the named counters in a single pipeline.
func (s *RedisCounterStore) Add(ctx context.Context, deltas map[string]int64) error {
	pipe := s.client.Pipeline()
	for name, delta := range deltas {
		pipe.IncrBy(ctx, s.prefix+name, delta)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incr counters: %w", err)
	}
	return nil
}

// Load returns the persisted counter values, zero for absent keys.
func (s *RedisCounterStore) Load(ctx context.Context) (map[string]int64, error) {
	names := []string{
		"total_processed",
		"successfully_processed",
		"failed_processed",
		"retried_events",
		"dead_letter_events",
		"circuit_breaker_trips",
	}

	out := make(map[string]int64, len(names))
	for _, name := range names {
		v, err := s.client.Get(ctx, s.prefix+name).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("get counter %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
