// Package session keeps the per-user dialog pointer between updates.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the ephemeral position of a user inside a dialog.
// A zero ConversationID means no dialog is open.
type State struct {
	ConversationID int64 `json:"conversationId"`
	CurrentOrdinal int   `json:"currentOrdinal"`
}

// Active reports whether the state points at a conversation.
func (s State) Active() bool {
	return s.ConversationID != 0
}

// Reset clears the pointer.
func (s *State) Reset() {
	s.ConversationID = 0
	s.CurrentOrdinal = 0
}

// Store persists State per user.
type Store interface {
	Load(ctx context.Context, userID int64) (State, bool, error)
	Save(ctx context.Context, userID int64, st State) error
	Clear(ctx context.Context, userID int64) error
}

// RedisStore keeps session state in Redis with TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a Redis-backed session store.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "consultbot:session"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(userID int64) string {
	return s.prefix + ":" + strconv.FormatInt(userID, 10)
}

func (s *RedisStore) Load(ctx context.Context, userID int64) (State, bool, error) {
	val, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err == redis.Nil {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load session: %w", err)
	}
	var st State
	if err := json.Unmarshal(val, &st); err != nil {
		return State{}, false, fmt.Errorf("decode session: %w", err)
	}
	return st, true, nil
}

func (s *RedisStore) Save(ctx context.Context, userID int64, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(userID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// MemoryStore keeps session state in-process; state is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[int64]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[int64]State)}
}

func (m *MemoryStore) Load(_ context.Context, userID int64) (State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[userID]
	return st, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, userID int64, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[userID] = st
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, userID)
	return nil
}
