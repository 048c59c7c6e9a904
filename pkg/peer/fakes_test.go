package peer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dreammall/signal/pkg/webrtc/protocol"
)

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) NewConn(ev Events) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{ev: ev}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeConn struct {
	mu         sync.Mutex
	ev         Events
	local      *Description
	remote     *Description
	candidates []Candidate
	channels   []*fakeChannel
	tracks     []LocalTrack
	closed     bool
}

func (c *fakeConn) CreateOffer() (Description, error) {
	return Description{Type: "offer", SDP: "v=0 offer"}, nil
}

func (c *fakeConn) CreateAnswer() (Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return Description{}, errors.New("no remote offer")
	}
	return Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (c *fakeConn) SetLocalDescription(d Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = &d
	return nil
}

func (c *fakeConn) SetRemoteDescription(d Description) error {
	if !strings.HasPrefix(d.SDP, "v=0") {
		return errors.New("sdp: invalid syntax")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &d
	return nil
}

func (c *fakeConn) AddICECandidate(cand Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("remote description not set")
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) CreateDataChannel(label string) (DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dc := &fakeChannel{label: label}
	c.channels = append(c.channels, dc)
	return dc, nil
}

func (c *fakeConn) AddTrack(t LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, t)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.candidates))
	for i, cand := range c.candidates {
		out[i] = cand.Candidate
	}
	return out
}

func (c *fakeConn) channel(label string) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dc := range c.channels {
		if dc.label == label {
			return dc
		}
	}
	return nil
}

type fakeChannel struct {
	mu        sync.Mutex
	label     string
	open      bool
	closed    bool
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.closed {
		return errors.New("channel not open")
	}
	c.sent = append(c.sent, string(data))
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) OnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *fakeChannel) OnMessage(f func([]byte)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
}

func (c *fakeChannel) setOpen() {
	c.mu.Lock()
	c.open = true
	f := c.onOpen
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

func (c *fakeChannel) deliver(msg string) {
	c.mu.Lock()
	f := c.onMessage
	c.mu.Unlock()
	if f != nil {
		f([]byte(msg))
	}
}

func (c *fakeChannel) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeSignaler struct {
	mu      sync.Mutex
	offline bool
	err     error
	sent    []protocol.Envelope
}

func (s *fakeSignaler) Emit(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSignaler) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.offline
}

func (s *fakeSignaler) envelopes(kind protocol.Kind) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range s.sent {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

type fakeTrack struct {
	id      string
	stopped atomic.Bool
}

func (t *fakeTrack) ID() string { return t.id }

func (t *fakeTrack) Stop() { t.stopped.Store(true) }

type fakeMedia struct {
	tracks []LocalTrack
	err    error
	opens  atomic.Int32
}

func (m *fakeMedia) Open(context.Context, Constraints) ([]LocalTrack, error) {
	m.opens.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.tracks, nil
}
