package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"coopwatch/internal/config"
	"coopwatch/internal/localdb"

	"github.com/go-redis/redis/v8"
)

// Slot persists reminder state as one record.
// Params: context plus alert ID to last-reminder epoch ms map.
// Returns: storage behavior for the scheduler.
type Slot interface {
	Load(ctx context.Context) (map[string]int64, error)
	Save(ctx context.Context, state map[string]int64) error
}

// MemorySlot keeps state for process lifetime.
type MemorySlot struct {
	mu    sync.Mutex
	state map[string]int64
}

// NewMemorySlot creates empty in-memory slot.
// Params: none.
// Returns: slot instance.
func NewMemorySlot() *MemorySlot {
	return &MemorySlot{state: make(map[string]int64)}
}

// Load returns a copy of stored state.
func (s *MemorySlot) Load(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state), nil
}

// Save replaces stored state.
func (s *MemorySlot) Save(_ context.Context, state map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = copyState(state)
	return nil
}

// SQLiteSlot stores state as JSON in the local database.
// Params: local database and slot key.
// Returns: durable process-local slot.
type SQLiteSlot struct {
	db  *localdb.DB
	key string
}

// NewSQLiteSlot creates SQLite-backed slot.
// Params: opened local database and slot key.
// Returns: slot instance.
func NewSQLiteSlot(db *localdb.DB, key string) *SQLiteSlot {
	return &SQLiteSlot{db: db, key: key}
}

// Load reads state; absent slot yields empty state.
// Params: context.
// Returns: state or read/decode error.
func (s *SQLiteSlot) Load(ctx context.Context) (map[string]int64, error) {
	raw, err := s.db.GetSlot(ctx, s.key)
	if errors.Is(err, localdb.ErrNotFound) {
		return make(map[string]int64), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeState([]byte(raw))
}

// Save writes state JSON.
// Params: context and state.
// Returns: encode/write error.
func (s *SQLiteSlot) Save(ctx context.Context, state map[string]int64) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode reminder state: %w", err)
	}
	return s.db.PutSlot(ctx, s.key, string(body))
}

// RedisSlot stores state as JSON string under one Redis key.
// Params: redis client and key.
// Returns: slot shared by restarts on the same Redis.
type RedisSlot struct {
	client *redis.Client
	key    string
	owned  bool
}

// NewRedisSlot connects to Redis for reminder state.
// Params: redis config and slot key.
// Returns: slot owning its client.
func NewRedisSlot(cfg config.RedisConfig, key string) *RedisSlot {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisSlot{client: client, key: key, owned: true}
}

// NewRedisSlotFromClient wraps existing client.
// Params: client; lifecycle stays with caller.
// Returns: slot instance.
func NewRedisSlotFromClient(client *redis.Client, key string) *RedisSlot {
	return &RedisSlot{client: client, key: key}
}

// Ping checks Redis availability.
// Params: context.
// Returns: ping error.
func (s *RedisSlot) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Load reads state; missing key yields empty state.
// Params: context.
// Returns: state or read/decode error.
func (s *RedisSlot) Load(ctx context.Context) (map[string]int64, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return make(map[string]int64), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", s.key, err)
	}
	return decodeState(raw)
}

// Save writes state JSON without expiry.
// Params: context and state.
// Returns: encode/write error.
func (s *RedisSlot) Save(ctx context.Context, state map[string]int64) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode reminder state: %w", err)
	}
	if err := s.client.Set(ctx, s.key, body, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", s.key, err)
	}
	return nil
}

// Close closes owned client.
// Params: none.
// Returns: close error.
func (s *RedisSlot) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// decodeState parses stored JSON, dropping non-positive timestamps.
// Params: raw JSON object.
// Returns: state or decode error.
func decodeState(raw []byte) (map[string]int64, error) {
	var decoded map[string]float64
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode reminder state: %w", err)
	}
	out := make(map[string]int64, len(decoded))
	for id, at := range decoded {
		if id == "" || at <= 0 {
			continue
		}
		out[id] = int64(at)
	}
	return out, nil
}

func copyState(state map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(state))
	for id, at := range state {
		out[id] = at
	}
	return out
}
