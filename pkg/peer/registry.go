package peer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dreammall/signal/pkg/logger"
)

type eventKind int

const (
	evCandidate eventKind = iota
	evConnState
	evDataChannel
	evChannelOpen
	evChannelClose
	evMessage
	evTrack
)

// event is a peer connection callback turned into a value.
type event struct {
	kind      eventKind
	candidate Candidate
	state     ConnState
	channel   DataChannel
	data      []byte
	track     RemoteTrack
}

// Registry maps remote ids to exactly one Session each.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  Factory
	pool     *trackPool
	log      *logger.Logger
	now      func() time.Time
	dispatch func(s *Session, ev event)
}

func NewRegistry(f Factory, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		factory:  f,
		pool:     newTrackPool(),
		log:      log,
		now:      time.Now,
		dispatch: func(*Session, event) {},
	}
}

// Get returns the session for remoteID or nil.
func (r *Registry) Get(remoteID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[remoteID]
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the remote ids with a session, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// GetOrCreate returns the session for remoteID, building a new peer
// connection when there is none. An initiator session gets a local chat
// data channel. Shared local tracks are added to new sessions.
func (r *Registry) GetOrCreate(remoteID string, initiator bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[remoteID]; ok {
		return s, nil
	}

	s := newSession(remoteID, initiator, r.now())
	conn, err := r.factory.NewConn(Events{
		Candidate: func(c Candidate) {
			r.post(s, event{kind: evCandidate, candidate: c})
		},
		State: func(st ConnState) {
			r.post(s, event{kind: evConnState, state: st})
		},
		DataChannel: func(dc DataChannel) {
			r.watch(s, dc)
			r.post(s, event{kind: evDataChannel, channel: dc})
		},
		Track: func(t RemoteTrack) {
			r.post(s, event{kind: evTrack, track: t})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", remoteID, err)
	}
	s.conn = conn

	if initiator {
		dc, err := conn.CreateDataChannel(ChatChannel)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("create %s channel for %s: %w", ChatChannel, remoteID, err)
		}
		r.watch(s, dc)
		s.channels[ChatChannel] = dc
	}

	for _, t := range r.pool.localTracks() {
		if err := conn.AddTrack(t); err != nil {
			r.log.Warn().Err(err).Str("remote", remoteID).Str("track", t.ID()).Msg("add local track")
			continue
		}
		r.pool.retain(t)
		s.tracks = append(s.tracks, t)
	}

	r.sessions[remoteID] = s
	r.log.Debug().Str("remote", remoteID).Bool("initiator", initiator).Msg("session created")
	return s, nil
}

// Teardown detaches callbacks, releases media references, closes every
// data channel and the peer connection, and forgets the session. It
// reports whether a session existed.
func (r *Registry) Teardown(remoteID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[remoteID]
	if ok {
		delete(r.sessions, remoteID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.detached.Store(true)
	for _, t := range s.tracks {
		r.pool.release(t)
	}
	s.tracks = nil
	for label, dc := range s.channels {
		if err := dc.Close(); err != nil {
			r.log.Debug().Err(err).Str("remote", remoteID).Str("channel", label).Msg("close data channel")
		}
	}
	if err := s.conn.Close(); err != nil {
		r.log.Debug().Err(err).Str("remote", remoteID).Msg("close peer connection")
	}
	r.log.Debug().Str("remote", remoteID).Msg("session torn down")
	return true
}

// TeardownAll tears down every session and returns the affected ids.
func (r *Registry) TeardownAll() []string {
	ids := r.IDs()
	for _, id := range ids {
		r.Teardown(id)
	}
	return ids
}

func (r *Registry) post(s *Session, ev event) {
	if s.detached.Load() {
		return
	}
	r.dispatch(s, ev)
}

// watch forwards data channel callbacks of s.
func (r *Registry) watch(s *Session, dc DataChannel) {
	dc.OnOpen(func() {
		r.post(s, event{kind: evChannelOpen, channel: dc})
	})
	dc.OnClose(func() {
		r.post(s, event{kind: evChannelClose, channel: dc})
	})
	dc.OnMessage(func(data []byte) {
		r.post(s, event{kind: evMessage, channel: dc, data: data})
	})
}
