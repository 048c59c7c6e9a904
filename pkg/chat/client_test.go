package chat

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dreammall/signal/pkg/peer"
	"github.com/dreammall/signal/pkg/presence"
	"github.com/dreammall/signal/pkg/relayclient"
	"github.com/dreammall/signal/pkg/signaling"
)

type noPeers struct{}

func (noPeers) NewConn(peer.Events) (peer.Conn, error) {
	return nil, errors.New("peer connections disabled")
}

type inbox struct {
	mu    sync.Mutex
	msgs  []Message
	state map[string]peer.State
	got   chan struct{}
}

func newInbox() *inbox {
	return &inbox{state: make(map[string]peer.State), got: make(chan struct{}, 64)}
}

func (b *inbox) onMessage(m Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
	b.got <- struct{}{}
}

func (b *inbox) onPeer(id string, s peer.State) {
	b.mu.Lock()
	b.state[id] = s
	b.mu.Unlock()
}

func (b *inbox) peerState(id string) peer.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state[id]
}

func (b *inbox) wait(t *testing.T) Message {
	t.Helper()
	select {
	case <-b.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgs[len(b.msgs)-1]
}

func startRelay(t *testing.T) string {
	t.Helper()
	hub := signaling.NewHub(presence.NewMemoryStore(), signaling.HubOptions{})
	srv := httptest.NewServer(hub.HTTPHandler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func join(t *testing.T, ctx context.Context, url string, f peer.Factory, opts Options) *Client {
	t.Helper()
	rc, err := relayclient.Dial(ctx, url, relayclient.Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { rc.Close() })
	c := New(rc, f, opts)
	go c.Run(ctx)
	return c
}

func TestChatFallsBackToRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := startRelay(t)

	aBox, bBox := newInbox(), newInbox()
	a := join(t, ctx, url, noPeers{}, Options{OnMessage: aBox.onMessage})
	b := join(t, ctx, url, noPeers{}, Options{OnMessage: bBox.onMessage})

	if err := a.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	m := bBox.wait(t)
	if m.From != a.ID() || m.Text != "hello" || m.Direct {
		t.Errorf("message = %+v, want relayed hello from %s", m, a.ID())
	}

	// the sender does not get its own echo
	if err := b.Send("back"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m := aBox.wait(t); m.Text != "back" {
		t.Errorf("a got %q, want back", m.Text)
	}
}

func TestCallFailsWithoutPeerConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := startRelay(t)

	a := join(t, ctx, url, noPeers{}, Options{})
	b := join(t, ctx, url, noPeers{}, Options{})

	if err := a.Call(b.ID()); !errors.Is(err, peer.ErrNegotiation) {
		t.Fatalf("Call = %v, want ErrNegotiation", err)
	}
}

func TestPeersConnectOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real peer connections")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	url := startRelay(t)

	factory := func() peer.Factory {
		f, err := peer.NewPionFactory(peer.PionOptions{IncludeLoopback: true})
		if err != nil {
			t.Fatalf("NewPionFactory: %v", err)
		}
		return f
	}
	aBox, bBox := newInbox(), newInbox()
	a := join(t, ctx, url, factory(), Options{AutoConnect: true, OnMessage: aBox.onMessage, OnPeer: aBox.onPeer})
	b := join(t, ctx, url, factory(), Options{AutoConnect: true, OnMessage: bBox.onMessage, OnPeer: bBox.onPeer})

	deadline := time.Now().Add(20 * time.Second)
	for aBox.peerState(b.ID()) != peer.Connected || bBox.peerState(a.ID()) != peer.Connected {
		if time.Now().After(deadline) {
			t.Fatalf("not connected: a->b %v, b->a %v", aBox.peerState(b.ID()), bBox.peerState(a.ID()))
		}
		time.Sleep(50 * time.Millisecond)
	}

	for !a.Machine().SendData(b.ID(), peer.ChatChannel, []byte(`{"message":"ping"}`)) {
		if time.Now().After(deadline) {
			t.Fatal("chat channel never opened")
		}
		time.Sleep(50 * time.Millisecond)
	}
	m := bBox.wait(t)
	if m.Text != "ping" || !m.Direct || m.From != a.ID() {
		t.Errorf("message = %+v, want direct ping from %s", m, a.ID())
	}

	a.Hangup(b.ID())
	if got := a.Machine().State(b.ID()); got != peer.Closed {
		t.Errorf("state after hangup = %v, want closed", got)
	}
}
