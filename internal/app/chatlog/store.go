package chatlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dreammall/signal/pkg/webrtc/protocol"
)

// Entry is one relayed chat message.
type Entry struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store keeps the most recent chat messages, newest first.
type Store interface {
	Reset(ctx context.Context) error
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// RedisStore implements Store using a capped Redis list.
type RedisStore struct {
	rdb     *redis.Client
	keyChat string
	max     int
}

// NewRedisStore builds a Store backed by Redis keeping at most max entries.
// Prefix is optional (e.g., "dreammall").
func NewRedisStore(rdb *redis.Client, prefix string, max int) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "dreammall"
	}
	if max <= 0 {
		max = 100
	}
	return &RedisStore{
		rdb:     rdb,
		keyChat: fmt.Sprintf("%s:chat", p),
		max:     max,
	}
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyChat).Err()
}

func (s *RedisStore) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	_ = pipe.LPush(ctx, s.keyChat, data)
	_ = pipe.LTrim(ctx, s.keyChat, 0, int64(s.max-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.max {
		limit = s.max
	}
	vals, err := s.rdb.LRange(ctx, s.keyChat, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(vals))
	for _, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// MemoryStore is a process-local ring of chat entries.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 100
	}
	return &MemoryStore{max: max}
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]Entry{e}, s.entries...)
	if len(s.entries) > s.max {
		s.entries = s.entries[:s.max]
	}
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]Entry, limit)
	copy(out, s.entries[:limit])
	return out, nil
}

// Recorder adapts a Store to the relay's chat hook.
type Recorder struct {
	Store Store
}

func (r Recorder) RecordChat(ctx context.Context, msg protocol.ChatOut) error {
	return r.Store.Append(ctx, Entry{ID: msg.ID, Message: msg.Message, Timestamp: msg.Timestamp})
}
