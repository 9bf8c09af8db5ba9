package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-sub004/internal/events"
)

// memoryCounterStore is an in-memory CounterStore for tests.
type memoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]int64
	adds     int
}

func newMemoryCounterStore() *memoryCounterStore {
	return &memoryCounterStore{counters: make(map[string]int64)}
}

func (s *memoryCounterStore) Add(_ context.Context, deltas map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	for k, v := range deltas {
		s.counters[k] += v
	}
	return nil
}

func (s *memoryCounterStore) Load(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out, nil
}

func TestCollector_CountsSuccessAndFailure(t *testing.T) {
	c := events.NewCollector(nil)

	c.RecordSuccess(10 * time.Millisecond)
	c.RecordSuccess(20 * time.Millisecond)
	c.RecordFailure(30 * time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.TotalProcessed)
	assert.Equal(t, int64(2), snap.SuccessfullyProcessed)
	assert.Equal(t, int64(1), snap.FailedProcessed)
	assert.InDelta(t, 20.0, snap.AverageProcessingMS, 0.001)
	assert.False(t, snap.LastProcessedAt.IsZero())
}

func TestCollector_RetryDeadLetterAndTripCounters(t *testing.T) {
	c := events.NewCollector(nil)

	c.RecordRetries(3)
	c.RecordRetries(0)
	c.RecordDeadLetter()
	c.RecordBreakerTrip()
	c.SetQueueDepth(42)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.RetriedEvents)
	assert.Equal(t, int64(1), snap.DeadLetterEvents)
	assert.Equal(t, int64(1), snap.CircuitBreakerTrips)
	assert.Equal(t, int64(42), snap.QueueDepth)
}

func TestCollector_LatencyWindowIsRolling(t *testing.T) {
	c := events.NewCollector(nil)

	// Fill the window with 5ms samples, then push it full of 50ms
	// samples; the average must converge on the recent values.
	for i := 0; i < 1000; i++ {
		c.RecordSuccess(5 * time.Millisecond)
	}
	for i := 0; i < 1000; i++ {
		c.RecordSuccess(50 * time.Millisecond)
	}

	snap := c.Snapshot()
	assert.InDelta(t, 50.0, snap.AverageProcessingMS, 0.001)
	assert.Equal(t, int64(2000), snap.TotalProcessed)
}

func TestCollector_FlushPersistsDeltasOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemoryCounterStore()
	c := events.NewCollector(store)

	c.RecordSuccess(time.Millisecond)
	c.RecordFailure(time.Millisecond)
	require.NoError(t, c.Flush(ctx))

	assert.Equal(t, int64(2), store.counters["total_processed"])
	assert.Equal(t, int64(1), store.counters["successfully_processed"])

	// Flushing again with no new activity writes nothing.
	adds := store.adds
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, adds, store.adds)

	// New activity flushes only the delta.
	c.RecordSuccess(time.Millisecond)
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, int64(3), store.counters["total_processed"])
	assert.Equal(t, int64(2), store.counters["successfully_processed"])
}

func TestCollector_RestoreResumesDurableTotals(t *testing.T) {
	ctx := context.Background()
	store := newMemoryCounterStore()

	first := events.NewCollector(store)
	first.RecordSuccess(time.Millisecond)
	first.RecordSuccess(time.Millisecond)
	first.RecordDeadLetter()
	require.NoError(t, first.Flush(ctx))

	// A fresh collector over the same store continues from the durable
	// totals instead of zero.
	second := events.NewCollector(store)
	second.Restore(ctx)

	snap := second.Snapshot()
	assert.Equal(t, int64(2), snap.TotalProcessed)
	assert.Equal(t, int64(1), snap.DeadLetterEvents)

	// And further activity does not double-count the restored base.
	second.RecordSuccess(time.Millisecond)
	require.NoError(t, second.Flush(ctx))
	assert.Equal(t, int64(3), store.counters["total_processed"])
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := events.NewCollector(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordSuccess(time.Millisecond)
				c.RecordRetries(1)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(1000), snap.TotalProcessed)
	assert.Equal(t, int64(1000), snap.RetriedEvents)
}
