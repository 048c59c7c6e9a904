package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a connection has no display name.
var ErrNotFound = errors.New("name not found")

// Store maps connection ids to display names.
type Store interface {
	Reset(ctx context.Context) error
	Remove(ctx context.Context, id string) error
	SetName(ctx context.Context, id string, name string) error
	Name(ctx context.Context, id string) (string, error)
	Names(ctx context.Context) (map[string]string, error)
}

// RedisStore implements Store using a Redis hash.
type RedisStore struct {
	rdb      *redis.Client
	keyNames string
}

// NewRedisStore builds a Store backed by Redis. Prefix is optional (e.g., "dreammall").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "dreammall"
	}
	return &RedisStore{
		rdb:      rdb,
		keyNames: fmt.Sprintf("%s:names", p),
	}
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyNames).Err()
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	return s.rdb.HDel(ctx, s.keyNames, id).Err()
}

// SetName stores name for id; an empty name removes the entry.
func (s *RedisStore) SetName(ctx context.Context, id string, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return s.rdb.HDel(ctx, s.keyNames, id).Err()
	}
	return s.rdb.HSet(ctx, s.keyNames, id, name).Err()
}

func (s *RedisStore) Name(ctx context.Context, id string) (string, error) {
	name, err := s.rdb.HGet(ctx, s.keyNames, id).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return name, err
}

func (s *RedisStore) Names(ctx context.Context) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, s.keyNames).Result()
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{names: make(map[string]string)}
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	s.names = make(map[string]string)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.names, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetName(_ context.Context, id string, name string) error {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		delete(s.names, id)
		return nil
	}
	s.names[id] = name
	return nil
}

func (s *MemoryStore) Name(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[id]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}

func (s *MemoryStore) Names(context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.names))
	for k, v := range s.names {
		out[k] = v
	}
	return out, nil
}
