package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dreammall/signal/pkg/logger"
	"github.com/dreammall/signal/pkg/webrtc/protocol"
)

var (
	ErrRelayUnavailable = errors.New("relay unavailable")
	ErrNegotiation      = errors.New("negotiation failed")
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrNoSession        = errors.New("no session")
	ErrClosed           = errors.New("machine closed")
)

const (
	DefaultNegotiationTimeout = 30 * time.Second

	maxEarlyCandidates = 64
)

// Signaler carries envelopes to the relay.
type Signaler interface {
	Emit(env protocol.Envelope) error
	Connected() bool
}

// Options configures a Machine. All callbacks run on a dedicated
// goroutine, one at a time, and may call back into the Machine.
type Options struct {
	// LocalID is the relay-assigned id of this client, used to break glare.
	LocalID            string
	Logger             *logger.Logger
	Media              MediaSource
	NegotiationTimeout time.Duration

	OnState func(remoteID string, s State)
	OnError func(remoteID string, err error)
	// OnTrack and OnData are used for sessions without their own handler.
	OnTrack func(remoteID string, t RemoteTrack)
	OnData  func(remoteID, channel string, data []byte)

	Now func() time.Time
}

type earlyQueue struct {
	since      time.Time
	candidates []Candidate
}

// Machine drives the offer/answer negotiation of every session in a
// Registry. Public methods are safe for concurrent use; peer connection
// callbacks are fed in as events on a single goroutine.
type Machine struct {
	mu      sync.Mutex
	localID string
	reg     *Registry
	sig     Signaler
	media   MediaSource
	log     *logger.Logger
	timeout time.Duration
	now     func() time.Time
	closed  bool

	// ended keeps the terminal state of sessions that are gone.
	ended map[string]State
	// early holds candidates that arrived before any session existed.
	early map[string]*earlyQueue

	onState func(string, State)
	onError func(string, error)
	onTrack func(string, RemoteTrack)
	onData  func(string, string, []byte)

	events *inbox
	notes  *inbox
}

func NewMachine(f Factory, sig Signaler, opts Options) *Machine {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.Extend(log.With().Str("c", "peer"))
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.NegotiationTimeout
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}
	media := opts.Media
	if media == nil {
		media = NoMedia{}
	}

	m := &Machine{
		localID: opts.LocalID,
		sig:     sig,
		media:   media,
		log:     log,
		timeout: timeout,
		now:     now,
		ended:   make(map[string]State),
		early:   make(map[string]*earlyQueue),
		onState: opts.OnState,
		onError: opts.OnError,
		onTrack: opts.OnTrack,
		onData:  opts.OnData,
		events:  newInbox(),
		notes:   newInbox(),
	}
	m.reg = NewRegistry(f, log)
	m.reg.now = now
	m.reg.dispatch = func(s *Session, ev event) {
		m.events.post(func() { m.handle(s, ev) })
	}
	return m
}

// SetLocalID records the id the relay assigned to this client.
func (m *Machine) SetLocalID(id string) {
	m.mu.Lock()
	m.localID = id
	m.mu.Unlock()
}

func (m *Machine) LocalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

// State returns the state of the session with remoteID. Sessions that
// ended report their terminal state until a new one is created.
func (m *Machine) State(remoteID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.reg.Get(remoteID); s != nil {
		return s.state
	}
	if st, ok := m.ended[remoteID]; ok {
		return st
	}
	return Idle
}

// Sessions lists the live sessions, sorted by remote id.
func (m *Machine) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, m.reg.Len())
	for _, id := range m.reg.IDs() {
		s := m.reg.Get(id)
		if s == nil {
			continue
		}
		info := SessionInfo{
			RemoteID:  id,
			Initiator: s.initiator,
			State:     s.state,
			CreatedAt: s.createdAt,
			UpdatedAt: s.updatedAt,
		}
		for label := range s.channels {
			info.Channels = append(info.Channels, label)
		}
		sort.Strings(info.Channels)
		out = append(out, info)
	}
	return out
}

// Initiate starts a call to remoteID: it builds an offer, applies it
// locally and sends it through the relay. With the relay unreachable it
// fails and no session is left behind.
func (m *Machine) Initiate(remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if remoteID == "" || remoteID == m.localID {
		return fmt.Errorf("initiate: invalid remote id %q", remoteID)
	}
	if !m.sig.Connected() {
		return fmt.Errorf("initiate %s: %w", remoteID, ErrRelayUnavailable)
	}
	if s := m.reg.Get(remoteID); s != nil && s.state.Active() {
		m.log.Debug().Str("remote", remoteID).Str("state", s.state.String()).Msg("initiate: session exists")
		return nil
	}

	delete(m.ended, remoteID)
	s, err := m.reg.GetOrCreate(remoteID, true)
	if err != nil {
		return fmt.Errorf("initiate %s: %w: %w", remoteID, ErrNegotiation, err)
	}
	// the remote cannot have candidates for an offer it has not seen
	delete(m.early, remoteID)
	m.advance(s, Offering)

	offer, err := s.conn.CreateOffer()
	if err == nil {
		err = s.conn.SetLocalDescription(offer)
	}
	if err != nil {
		err = fmt.Errorf("offer to %s: %w: %w", remoteID, ErrNegotiation, err)
		m.fail(s, err)
		return err
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		m.fail(s, err)
		return err
	}
	if err := m.sig.Emit(protocol.Envelope{Kind: protocol.KindOffer, To: remoteID, Payload: payload}); err != nil {
		m.discard(s)
		return fmt.Errorf("initiate %s: %w: %w", remoteID, ErrRelayUnavailable, err)
	}
	m.advance(s, AwaitingAnswer)
	return nil
}

// ReceiveOffer answers an inbound offer. When both sides offered at the
// same time, the side with the smaller id drops its own offer and answers;
// the other side ignores the inbound offer and waits for the answer.
func (m *Machine) ReceiveOffer(from string, offer Description) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if s := m.reg.Get(from); s != nil {
		switch s.state {
		case Offering, AwaitingAnswer:
			if m.localID >= from {
				m.log.Info().Str("remote", from).Msg("glare: keeping local offer")
				return nil
			}
			m.log.Info().Str("remote", from).Msg("glare: yielding to remote offer")
			m.discard(s)
		default:
			m.log.Warn().Str("remote", from).Str("state", s.state.String()).Msg("offer for existing session ignored")
			return nil
		}
	}

	delete(m.ended, from)
	s, err := m.reg.GetOrCreate(from, false)
	if err != nil {
		return fmt.Errorf("answer %s: %w: %w", from, ErrNegotiation, err)
	}
	m.adoptEarly(s)
	m.advance(s, Answering)

	if offer.Type != "offer" || offer.SDP == "" {
		err := fmt.Errorf("offer from %s: %w: %w", from, ErrNegotiation, protocol.ErrMalformed)
		m.fail(s, err)
		return err
	}
	if err := s.conn.SetRemoteDescription(offer); err != nil {
		err = fmt.Errorf("offer from %s: %w: %w", from, ErrNegotiation, err)
		m.fail(s, err)
		return err
	}
	m.remoteApplied(s)

	answer, err := s.conn.CreateAnswer()
	if err == nil {
		err = s.conn.SetLocalDescription(answer)
	}
	if err != nil {
		err = fmt.Errorf("answer %s: %w: %w", from, ErrNegotiation, err)
		m.fail(s, err)
		return err
	}

	payload, err := json.Marshal(answer)
	if err != nil {
		m.fail(s, err)
		return err
	}
	if err := m.sig.Emit(protocol.Envelope{Kind: protocol.KindAnswer, To: from, Payload: payload}); err != nil {
		err = fmt.Errorf("answer %s: %w: %w", from, ErrRelayUnavailable, err)
		m.fail(s, err)
		return err
	}
	m.advance(s, NegotiatingICE)
	return nil
}

// ReceiveAnswer completes an offer this side sent.
func (m *Machine) ReceiveAnswer(from string, answer Description) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	s := m.reg.Get(from)
	if s == nil {
		return fmt.Errorf("answer from %s: %w", from, ErrNoSession)
	}
	if s.state != AwaitingAnswer {
		m.log.Debug().Str("remote", from).Str("state", s.state.String()).Msg("unexpected answer ignored")
		return nil
	}
	if answer.Type != "answer" || answer.SDP == "" {
		err := fmt.Errorf("answer from %s: %w: %w", from, ErrNegotiation, protocol.ErrMalformed)
		m.fail(s, err)
		return err
	}
	if err := s.conn.SetRemoteDescription(answer); err != nil {
		err = fmt.Errorf("answer from %s: %w: %w", from, ErrNegotiation, err)
		m.fail(s, err)
		return err
	}
	m.remoteApplied(s)
	m.advance(s, NegotiatingICE)
	return nil
}

// ReceiveCandidate applies a remote candidate, or queues it until the
// remote description is in place.
func (m *Machine) ReceiveCandidate(from string, c Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	s := m.reg.Get(from)
	if s == nil {
		if _, ok := m.ended[from]; ok {
			// late candidate of a call that is over
			return nil
		}
		q := m.early[from]
		if q == nil {
			q = &earlyQueue{since: m.now()}
			m.early[from] = q
		}
		if len(q.candidates) < maxEarlyCandidates {
			q.candidates = append(q.candidates, c)
		}
		return nil
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return nil
	}
	m.applyCandidate(s, c)
	return nil
}

// HandleEnvelope decodes a relayed envelope and feeds it to the machine.
func (m *Machine) HandleEnvelope(env protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindOffer, protocol.KindAnswer:
		var d Description
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			return fmt.Errorf("%s from %s: %w: %v", env.Kind, env.From, protocol.ErrMalformed, err)
		}
		if env.Kind == protocol.KindOffer {
			return m.ReceiveOffer(env.From, d)
		}
		return m.ReceiveAnswer(env.From, d)
	case protocol.KindCandidate:
		var c Candidate
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return fmt.Errorf("candidate from %s: %w: %v", env.From, protocol.ErrMalformed, err)
		}
		return m.ReceiveCandidate(env.From, c)
	default:
		return fmt.Errorf("%w: unknown kind %q", protocol.ErrMalformed, env.Kind)
	}
}

// End hangs up the call with remoteID. Ending an absent session is a no-op.
func (m *Machine) End(remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.reg.Get(remoteID); s != nil {
		m.finish(s, Closed)
	}
}

// EndAll hangs up every call.
func (m *Machine) EndAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endAll()
}

func (m *Machine) endAll() {
	for _, id := range m.reg.IDs() {
		if s := m.reg.Get(id); s != nil {
			m.finish(s, Closed)
		}
	}
}

// RemoteLeft closes the session with a connection the relay reported gone.
func (m *Machine) RemoteLeft(remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.early, remoteID)
	if s := m.reg.Get(remoteID); s != nil {
		m.log.Info().Str("remote", remoteID).Str("state", s.state.String()).Msg("remote left")
		m.finish(s, Closed)
	}
}

// ExpireStale closes sessions that have not reached connected within the
// negotiation timeout and drops old early candidates. It returns the ids
// of the closed sessions.
func (m *Machine) ExpireStale(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for _, id := range m.reg.IDs() {
		s := m.reg.Get(id)
		if s == nil || s.state == Connected {
			continue
		}
		if now.Sub(s.updatedAt) > m.timeout {
			m.log.Info().Str("remote", id).Str("state", s.state.String()).Msg("negotiation timed out")
			m.finish(s, Closed)
			expired = append(expired, id)
		}
	}
	for id, q := range m.early {
		if now.Sub(q.since) > m.timeout {
			delete(m.early, id)
		}
	}
	return expired
}

// Close ends every call, stops local media and stops event delivery.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.endAll()
	m.reg.pool.releaseLocal()
	m.mu.Unlock()

	m.events.close()
	m.notes.drain()
	m.notes.close()
}

// settle waits until every event and notification posted so far ran.
func (m *Machine) settle() {
	m.events.drain()
	m.notes.drain()
}

func (m *Machine) handle(s *Session, ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.detached.Load() || m.reg.Get(s.remoteID) != s {
		return
	}

	switch ev.kind {
	case evCandidate:
		payload, err := json.Marshal(ev.candidate)
		if err != nil {
			return
		}
		if err := m.sig.Emit(protocol.Envelope{Kind: protocol.KindCandidate, To: s.remoteID, Payload: payload}); err != nil {
			m.log.Warn().Err(err).Str("remote", s.remoteID).Msg("emit candidate")
		}
	case evConnState:
		switch ev.state {
		case ConnConnected:
			m.advance(s, Connected)
		case ConnFailed:
			m.fail(s, fmt.Errorf("%s: %w: connectivity failed", s.remoteID, ErrNegotiation))
		case ConnDisconnected, ConnClosed:
			m.finish(s, Closed)
		}
	case evDataChannel:
		s.channels[ev.channel.Label()] = ev.channel
		if ev.channel.Open() {
			m.advance(s, Connected)
		}
	case evChannelOpen:
		m.log.Debug().Str("remote", s.remoteID).Str("channel", ev.channel.Label()).Msg("data channel open")
		if s.state == NegotiatingICE {
			m.advance(s, Connected)
		}
	case evChannelClose:
		if s.channels[ev.channel.Label()] == ev.channel {
			delete(s.channels, ev.channel.Label())
		}
	case evMessage:
		label := ev.channel.Label()
		if h := s.onData[label]; h != nil {
			data := ev.data
			m.notes.post(func() { h(data) })
		} else if m.onData != nil {
			id, data, h := s.remoteID, ev.data, m.onData
			m.notes.post(func() { h(id, label, data) })
		}
	case evTrack:
		if h := s.onTrack; h != nil {
			t := ev.track
			m.notes.post(func() { h(t) })
		} else if m.onTrack != nil {
			id, t, h := s.remoteID, ev.track, m.onTrack
			m.notes.post(func() { h(id, t) })
		}
	}
}

// advance moves s forward to st and reports whether it did.
func (m *Machine) advance(s *Session, st State) bool {
	if !canMove(s.state, st) {
		return false
	}
	m.log.Debug().Str("remote", s.remoteID).Str("from", s.state.String()).Str("to", st.String()).Msg("state")
	s.state = st
	s.updatedAt = m.now()
	m.notifyState(s.remoteID, st)
	return true
}

// finish moves s to a terminal state and tears it down.
func (m *Machine) finish(s *Session, st State) {
	if !m.advance(s, st) {
		st = s.state
	}
	m.ended[s.remoteID] = st
	delete(m.early, s.remoteID)
	m.reg.Teardown(s.remoteID)
}

func (m *Machine) fail(s *Session, err error) {
	m.log.Warn().Err(err).Str("remote", s.remoteID).Msg("session failed")
	m.finish(s, Failed)
	if h := m.onError; h != nil {
		id := s.remoteID
		m.notes.post(func() { h(id, err) })
	}
}

// discard drops s without a terminal state, as if it never existed.
func (m *Machine) discard(s *Session) {
	m.reg.Teardown(s.remoteID)
	delete(m.ended, s.remoteID)
	m.notifyState(s.remoteID, Idle)
}

func (m *Machine) notifyState(id string, st State) {
	if h := m.onState; h != nil {
		m.notes.post(func() { h(id, st) })
	}
}

func (m *Machine) adoptEarly(s *Session) {
	if q, ok := m.early[s.remoteID]; ok {
		s.pending = append(s.pending, q.candidates...)
		delete(m.early, s.remoteID)
	}
}

// remoteApplied flushes queued candidates in arrival order.
func (m *Machine) remoteApplied(s *Session) {
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		m.applyCandidate(s, c)
	}
}

func (m *Machine) applyCandidate(s *Session, c Candidate) {
	if err := s.conn.AddICECandidate(c); err != nil {
		m.log.Warn().Err(err).Str("remote", s.remoteID).Msg("add ice candidate")
		return
	}
	s.applied++
}

// StartLocalMedia acquires the shared local stream. Sessions created
// afterwards carry its tracks from their first offer or answer.
func (m *Machine) StartLocalMedia(ctx context.Context, c Constraints) error {
	if m.reg.pool.hasLocal() {
		return nil
	}
	tracks, err := m.media.Open(ctx, c)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reg.pool.hasLocal() {
		for _, t := range tracks {
			t.Stop()
		}
		return nil
	}
	m.reg.pool.setLocal(tracks)
	return nil
}

// AttachLocalMedia adds the local stream to the session with remoteID,
// acquiring it first if needed. A media failure leaves the session up.
// Tracks attached after the offer or answer flow only after the next
// negotiation.
func (m *Machine) AttachLocalMedia(ctx context.Context, remoteID string, c Constraints) error {
	if m.reg.Get(remoteID) == nil {
		return fmt.Errorf("attach media to %s: %w", remoteID, ErrNoSession)
	}
	if err := m.StartLocalMedia(ctx, c); err != nil {
		m.log.Warn().Err(err).Str("remote", remoteID).Msg("local media")
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.reg.Get(remoteID)
	if s == nil {
		return fmt.Errorf("attach media to %s: %w", remoteID, ErrNoSession)
	}
	for _, t := range m.reg.pool.localTracks() {
		if s.hasTrack(t) {
			continue
		}
		if err := s.conn.AddTrack(t); err != nil {
			return fmt.Errorf("%w: add %s to %s: %w", ErrMediaUnavailable, t.ID(), remoteID, err)
		}
		m.reg.pool.retain(t)
		s.tracks = append(s.tracks, t)
	}
	return nil
}

// StopLocalMedia releases the local stream. Tracks still carried by a
// session stop when that session is torn down.
func (m *Machine) StopLocalMedia() {
	m.reg.pool.releaseLocal()
}

// SendData sends payload on the named channel of a session and reports
// whether the channel was open and the send succeeded.
func (m *Machine) SendData(remoteID, channel string, payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.reg.Get(remoteID)
	if s == nil {
		return false
	}
	dc := s.channels[channel]
	if dc == nil || !dc.Open() {
		return false
	}
	if err := dc.Send(payload); err != nil {
		m.log.Debug().Err(err).Str("remote", remoteID).Str("channel", channel).Msg("send data")
		return false
	}
	return true
}

// OnRemoteTrack sets the inbound track handler of one session,
// replacing any previous one.
func (m *Machine) OnRemoteTrack(remoteID string, f func(t RemoteTrack)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.reg.Get(remoteID)
	if s == nil {
		return fmt.Errorf("track handler for %s: %w", remoteID, ErrNoSession)
	}
	s.onTrack = f
	return nil
}

// OnData sets the message handler of one channel of one session,
// replacing any previous one.
func (m *Machine) OnData(remoteID, channel string, f func(data []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.reg.Get(remoteID)
	if s == nil {
		return fmt.Errorf("data handler for %s: %w", remoteID, ErrNoSession)
	}
	if f == nil {
		delete(s.onData, channel)
		return nil
	}
	s.onData[channel] = f
	return nil
}

// Peers returns the remote ids with a live session.
func (m *Machine) Peers() []string {
	return m.reg.IDs()
}
