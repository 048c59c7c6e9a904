package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record marks one reachable connection.
type Record struct {
	ID       string    `json:"id"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Store tracks the connections currently present on the relay.
type Store interface {
	Reset(ctx context.Context) error
	Add(ctx context.Context, r Record) error
	// Remove reports whether id was present.
	Remove(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]Record, error)
	Count(ctx context.Context) (int, error)
}

// RedisStore implements Store using a Redis hash of id → join time.
type RedisStore struct {
	rdb      *redis.Client
	keyPeers string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "dreammall").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "dreammall"
	}
	return &RedisStore{
		rdb:      rdb,
		keyPeers: fmt.Sprintf("%s:presence", p),
	}
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyPeers).Err()
}

func (s *RedisStore) Add(ctx context.Context, r Record) error {
	return s.rdb.HSet(ctx, s.keyPeers, r.ID, r.JoinedAt.UTC().Format(time.RFC3339Nano)).Err()
}

func (s *RedisStore) Remove(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.HDel(ctx, s.keyPeers, id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	vals, err := s.rdb.HGetAll(ctx, s.keyPeers).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(vals))
	for id, ts := range vals {
		joined, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			joined = time.Time{}
		}
		out = append(out, Record{ID: id, JoinedAt: joined})
	}
	sortRecords(out)
	return out, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.HLen(ctx, s.keyPeers).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// MemoryStore is a process-local Store for single relay deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	peers map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{peers: make(map[string]Record)}
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = make(map[string]Record)
	return nil
}

func (s *MemoryStore) Add(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[r.ID] = r
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return false, nil
	}
	delete(s.peers, id)
	return true, nil
}

func (s *MemoryStore) List(context.Context) ([]Record, error) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.peers))
	for _, r := range s.peers {
		out = append(out, r)
	}
	s.mu.Unlock()
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers), nil
}

// sortRecords orders by join time, oldest first.
func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].JoinedAt.Equal(rs[j].JoinedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].JoinedAt.Before(rs[j].JoinedAt)
	})
}
