package chatlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dreammall/signal/pkg/webrtc/protocol"
)

func TestStoresKeepNewestFirst(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore(3) },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() })
			return NewRedisStore(rdb, "test", 3)
		},
	}

	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := build(t)
			start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				e := Entry{ID: "a1", Message: fmt.Sprintf("m%d", i), Timestamp: start.Add(time.Duration(i) * time.Second)}
				if err := s.Append(ctx, e); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			all, err := s.Recent(ctx, 0)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("len = %d, want 3 (capped)", len(all))
			}
			if all[0].Message != "m4" || all[2].Message != "m2" {
				t.Errorf("order = %s..%s, want m4..m2", all[0].Message, all[2].Message)
			}

			two, err := s.Recent(ctx, 2)
			if err != nil {
				t.Fatalf("Recent(2): %v", err)
			}
			if len(two) != 2 || two[1].Message != "m3" {
				t.Errorf("Recent(2) = %+v", two)
			}

			if err := s.Reset(ctx); err != nil {
				t.Fatalf("Reset: %v", err)
			}
			if got, _ := s.Recent(ctx, 0); len(got) != 0 {
				t.Errorf("after reset got %d entries", len(got))
			}
		})
	}
}

func TestRecorderAppends(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	rec := Recorder{Store: s}
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := rec.RecordChat(ctx, protocol.ChatOut{ID: "a1", Message: "hello", Timestamp: ts}); err != nil {
		t.Fatalf("RecordChat: %v", err)
	}
	got, _ := s.Recent(ctx, 1)
	if len(got) != 1 || got[0].Message != "hello" || got[0].ID != "a1" || !got[0].Timestamp.Equal(ts) {
		t.Fatalf("Recent = %+v", got)
	}
}
