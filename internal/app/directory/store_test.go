package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() })
			return NewRedisStore(rdb, "test")
		},
	}

	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := build(t)

			if _, err := s.Name(ctx, "a1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Name of unknown id: err = %v, want ErrNotFound", err)
			}
			if err := s.SetName(ctx, "a1", "  Alice "); err != nil {
				t.Fatalf("SetName: %v", err)
			}
			if err := s.SetName(ctx, "b1", "Bob"); err != nil {
				t.Fatalf("SetName: %v", err)
			}
			got, err := s.Name(ctx, "a1")
			if err != nil || got != "Alice" {
				t.Fatalf("Name = %q, %v; want Alice", got, err)
			}

			if err := s.SetName(ctx, "b1", "   "); err != nil {
				t.Fatalf("SetName blank: %v", err)
			}
			names, err := s.Names(ctx)
			if err != nil {
				t.Fatalf("Names: %v", err)
			}
			if len(names) != 1 || names["a1"] != "Alice" {
				t.Errorf("Names = %v", names)
			}

			if err := s.Remove(ctx, "a1"); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if _, err := s.Name(ctx, "a1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Name after remove: err = %v", err)
			}
		})
	}
}
