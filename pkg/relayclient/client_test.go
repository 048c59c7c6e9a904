package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreammall/signal/pkg/presence"
	"github.com/dreammall/signal/pkg/signaling"
	"github.com/dreammall/signal/pkg/webrtc/protocol"
)

func startRelay(t *testing.T) string {
	t.Helper()
	hub := signaling.NewHub(presence.NewMemoryStore(), signaling.HubOptions{
		ICEServers: []protocol.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
	})
	srv := httptest.NewServer(hub.HTTPHandler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, Options{HandshakeTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func next(t *testing.T, c *Client, event string) protocol.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-c.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", event)
			}
			if f.Event == event {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func TestDialLearnsIDAndICEServers(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url)

	if a.ID() == "" {
		t.Fatal("empty id")
	}
	if got := a.ICEServers(); len(got) != 1 || got[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("ICEServers = %+v", got)
	}

	b := dial(t, url)
	var p protocol.Presence
	if err := json.Unmarshal(next(t, a, protocol.EventNewUser).Data, &p); err != nil {
		t.Fatalf("decode newUser: %v", err)
	}
	if p.ID != b.ID() {
		t.Errorf("newUser id = %q, want %q", p.ID, b.ID())
	}
}

func TestEmitReachesTarget(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url)
	b := dial(t, url)

	env := protocol.Envelope{
		Kind:    protocol.KindCandidate,
		To:      b.ID(),
		Payload: json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host","sdpMid":"0"}`),
	}
	if err := a.Emit(env); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	got, err := protocol.DecodeOutbound(next(t, b, string(protocol.KindCandidate)))
	if err != nil {
		t.Fatalf("DecodeOutbound: %v", err)
	}
	if got.From != a.ID() {
		t.Errorf("from = %q, want %q", got.From, a.ID())
	}
}

func TestChatRoundTrip(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url)
	b := dial(t, url)

	if err := a.Chat("hello"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	var out protocol.ChatOut
	if err := json.Unmarshal(next(t, b, protocol.EventChatMessage).Data, &out); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if out.ID != a.ID() || out.Message != "hello" {
		t.Errorf("chat = %+v", out)
	}
}

func TestClosedClient(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.Connected() {
		t.Error("Connected after Close")
	}
	if err := a.Chat("late"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Chat after Close = %v, want ErrNotConnected", err)
	}
	if err := a.Emit(protocol.Envelope{Kind: protocol.KindOffer, To: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit after Close = %v, want ErrNotConnected", err)
	}

	select {
	case _, ok := <-a.Events():
		for ok {
			_, ok = <-a.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed")
	}
}

func TestDialRejectsForeignServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(protocol.Frame{Event: "hello", Data: json.RawMessage(`{}`)})
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), Options{HandshakeTimeout: time.Second})
	if !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("Dial = %v, want ErrMalformed", err)
	}
}
