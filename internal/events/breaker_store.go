package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore persists breaker state so a restarted process resumes with
// the breaker it had, instead of hammering a still-broken sink.
type StateStore interface {
	// Load returns the persisted snapshot, or nil when none exists.
	Load(ctx context.Context) (*BreakerSnapshot, error)

	// Save persists the snapshot.
	Save(ctx context.Context, snap *BreakerSnapshot) error
}

// MemoryStateStore keeps the snapshot in process memory. Used in tests
// and in single-process deployments without Redis.
type MemoryStateStore struct {
	mu   sync.Mutex
	snap *BreakerSnapshot
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

// Load returns the stored snapshot.
func (s *MemoryStateStore) Load(_ context.Context) (*BreakerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, nil //nolint:nilnil // nil snapshot means no persisted state
	}
	cp := *s.snap
	return &cp, nil
}

// Save stores the snapshot.
func (s *MemoryStateStore) Save(_ context.Context, snap *BreakerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snap = &cp
	return nil
}

// Redis key and TTL for the shared breaker state.
const (
	breakerStateKey = "audit:breaker:state"
	breakerStateTTL = 24 * time.Hour
)

// RedisStateStore shares breaker state across process restarts (and,
// if deployed that way, across replicas guarding the same sink).
type RedisStateStore struct {
	client *redis.Client
	key    string
}

// NewRedisStateStore creates a Redis-backed state store. An empty key
// uses the default.
func NewRedisStateStore(client *redis.Client, key string) *RedisStateStore {
	if key == "" {
		key = breakerStateKey
	}
	return &RedisStateStore{client: client, key: key}
}

// Load returns the persisted snapshot, or nil when the key is absent.
func (s *RedisStateStore) Load(ctx context.Context) (*BreakerSnapshot, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil //nolint:nilnil // nil snapshot means no persisted state
	}
	if err != nil {
		return nil, fmt.Errorf("get breaker state: %w", err)
	}

	var snap BreakerSnapshot
	if unmarshalErr := json.Unmarshal(data, &snap); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal breaker state: %w", unmarshalErr)
	}
	return &snap, nil
}

// Save persists the snapshot with a TTL so an abandoned deployment does
// not pin state forever.
func (s *RedisStateStore) Save(ctx context.Context, snap *BreakerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	if setErr := s.client.Set(ctx, s.key, data, breakerStateTTL).Err(); setErr != nil {
		return fmt.Errorf("set breaker state: %w", setErr)
	}
	return nil
}
