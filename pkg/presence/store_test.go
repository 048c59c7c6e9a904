package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, "test:")
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis":  func(t *testing.T) Store { return newRedisStore(t) },
	}

	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := build(t)

			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			if err := s.Add(ctx, Record{ID: "b1", JoinedAt: base.Add(time.Second)}); err != nil {
				t.Fatalf("Add b1: %v", err)
			}
			if err := s.Add(ctx, Record{ID: "a1", JoinedAt: base}); err != nil {
				t.Fatalf("Add a1: %v", err)
			}

			n, err := s.Count(ctx)
			if err != nil || n != 2 {
				t.Fatalf("Count = %d, %v; want 2", n, err)
			}

			list, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 2 || list[0].ID != "a1" || list[1].ID != "b1" {
				t.Fatalf("List = %+v, want a1 then b1", list)
			}
			if !list[0].JoinedAt.Equal(base) {
				t.Errorf("JoinedAt = %v, want %v", list[0].JoinedAt, base)
			}

			removed, err := s.Remove(ctx, "a1")
			if err != nil || !removed {
				t.Fatalf("Remove a1 = %v, %v; want true", removed, err)
			}
			removed, err = s.Remove(ctx, "a1")
			if err != nil || removed {
				t.Fatalf("second Remove a1 = %v, %v; want false", removed, err)
			}

			if err := s.Reset(ctx); err != nil {
				t.Fatalf("Reset: %v", err)
			}
			if n, _ := s.Count(ctx); n != 0 {
				t.Errorf("Count after reset = %d", n)
			}
		})
	}
}

func TestRedisStorePrefix(t *testing.T) {
	s := NewRedisStore(nil, "  ")
	if s.keyPeers != "dreammall:presence" {
		t.Errorf("key = %q", s.keyPeers)
	}
	s = NewRedisStore(nil, "room:abc:")
	if s.keyPeers != "room:abc:presence" {
		t.Errorf("key = %q", s.keyPeers)
	}
}
