// Package chat runs a headless chat and call participant: it follows the
// relay's presence events, negotiates a peer session with every other
// participant and sends text over both the relay and the data channels.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dreammall/signal/pkg/logger"
	"github.com/dreammall/signal/pkg/peer"
	"github.com/dreammall/signal/pkg/webrtc/protocol"
)

// Relay is the relay connection the client runs on.
type Relay interface {
	peer.Signaler
	ID() string
	Events() <-chan protocol.Frame
	Chat(message string) error
	SetName(name string) error
}

// Message is one chat message as seen by this participant.
type Message struct {
	From string
	Text string
	// Direct is set for messages that came over a data channel.
	Direct    bool
	Timestamp time.Time
}

type Options struct {
	Logger *logger.Logger
	// AutoConnect starts a call to every participant that joins later.
	AutoConnect bool
	Name        string

	Media       peer.MediaSource
	Constraints peer.Constraints

	NegotiationTimeout time.Duration

	OnMessage func(m Message)
	OnPeer    func(remoteID string, s peer.State)
	OnCount   func(n int)
}

// Client ties a relay connection to a peer Machine.
type Client struct {
	relay   Relay
	machine *peer.Machine
	opts    Options
	log     *logger.Logger
	dedup   *dedup

	deliverMu sync.Mutex
}

func New(relay Relay, f peer.Factory, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	timeout := opts.NegotiationTimeout
	if timeout <= 0 {
		timeout = peer.DefaultNegotiationTimeout
	}

	c := &Client{
		relay: relay,
		opts:  opts,
		log:   log.Extend(log.With().Str("c", "chat")),
		dedup: newDedup(dedupWindow),
	}
	c.machine = peer.NewMachine(f, relay, peer.Options{
		LocalID:            relay.ID(),
		Logger:             log,
		Media:              opts.Media,
		NegotiationTimeout: timeout,
		OnState:            c.onState,
		OnError: func(remoteID string, err error) {
			c.log.Warn().Err(err).Str("remote", remoteID).Msg("call failed")
		},
		OnData: c.onData,
	})
	return c
}

func (c *Client) ID() string { return c.relay.ID() }

func (c *Client) Machine() *peer.Machine { return c.machine }

func (c *Client) Sessions() []peer.SessionInfo { return c.machine.Sessions() }

// Run processes relay events until ctx is done or the relay goes away.
// All calls are ended on return.
func (c *Client) Run(ctx context.Context) error {
	defer c.machine.Close()

	if c.opts.Name != "" {
		if err := c.relay.SetName(c.opts.Name); err != nil {
			c.log.Warn().Err(err).Msg("set name")
		}
	}
	if c.opts.Constraints.Audio || c.opts.Constraints.Video {
		// without media the calls carry text only
		if err := c.machine.StartLocalMedia(ctx, c.opts.Constraints); err != nil {
			c.log.Warn().Err(err).Msg("local media")
		}
	}

	timeout := c.opts.NegotiationTimeout
	if timeout <= 0 {
		timeout = peer.DefaultNegotiationTimeout
	}
	sweep := time.NewTicker(timeout / 3)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-c.relay.Events():
			if !ok {
				return peer.ErrRelayUnavailable
			}
			c.handle(f)
		case now := <-sweep.C:
			for _, id := range c.machine.ExpireStale(now) {
				c.log.Info().Str("remote", id).Msg("gave up on stale call")
			}
		}
	}
}

// Call starts a call to remoteID.
func (c *Client) Call(remoteID string) error {
	return c.machine.Initiate(remoteID)
}

// Hangup ends the call with remoteID.
func (c *Client) Hangup(remoteID string) {
	c.machine.End(remoteID)
}

// Send posts text to everyone. The relay carries it to every participant;
// open chat channels carry a faster direct copy that receivers merge
// with the relayed one. It fails only when neither path took the message.
func (c *Client) Send(text string) error {
	relayErr := c.relay.Chat(text)

	payload, err := json.Marshal(protocol.ChatIn{Message: text})
	if err != nil {
		return err
	}
	direct := 0
	for _, id := range c.machine.Peers() {
		if c.machine.SendData(id, peer.ChatChannel, payload) {
			direct++
		}
	}
	c.log.Debug().Int("direct", direct).Bool("relayed", relayErr == nil).Msg("chat sent")
	if relayErr != nil && direct == 0 {
		return relayErr
	}
	return nil
}

func (c *Client) handle(f protocol.Frame) {
	switch f.Event {
	case protocol.EventNewUser:
		var p protocol.Presence
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.log.Warn().Err(err).Msg("bad newUser")
			return
		}
		c.log.Info().Str("remote", p.ID).Msg("participant joined")
		if c.opts.AutoConnect && p.ID != c.relay.ID() {
			if err := c.machine.Initiate(p.ID); err != nil {
				c.log.Warn().Err(err).Str("remote", p.ID).Msg("auto connect")
			}
		}
	case protocol.EventUserDisconnected:
		var p protocol.Presence
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.log.Warn().Err(err).Msg("bad userDisconnected")
			return
		}
		c.log.Info().Str("remote", p.ID).Msg("participant left")
		c.machine.RemoteLeft(p.ID)
	case protocol.EventUserCount:
		var n int
		if err := json.Unmarshal(f.Data, &n); err == nil && c.opts.OnCount != nil {
			c.opts.OnCount(n)
		}
	case protocol.EventChatMessage:
		var out protocol.ChatOut
		if err := json.Unmarshal(f.Data, &out); err != nil {
			c.log.Warn().Err(err).Msg("bad chatMessage")
			return
		}
		// own messages come back from the relay
		if out.ID == c.relay.ID() {
			return
		}
		c.deliver(Message{From: out.ID, Text: out.Message, Timestamp: out.Timestamp})
	case string(protocol.KindOffer), string(protocol.KindAnswer), string(protocol.KindCandidate):
		env, err := protocol.DecodeOutbound(f)
		if err == nil {
			err = c.machine.HandleEnvelope(env)
		}
		if err != nil {
			c.log.Warn().Err(err).Str("event", f.Event).Msg("signaling")
		}
	case protocol.EventError:
		var e protocol.ErrorOut
		_ = json.Unmarshal(f.Data, &e)
		c.log.Warn().Str("event", e.Event).Str("error", e.Message).Msg("relay rejected a message")
	default:
		c.log.Debug().Str("event", f.Event).Msg("unhandled relay event")
	}
}

func (c *Client) onState(remoteID string, s peer.State) {
	c.log.Info().Str("remote", remoteID).Str("state", s.String()).Msg("call")
	if c.opts.OnPeer != nil {
		c.opts.OnPeer(remoteID, s)
	}
}

func (c *Client) onData(remoteID, channel string, data []byte) {
	if channel != peer.ChatChannel {
		return
	}
	var in protocol.ChatIn
	if err := json.Unmarshal(data, &in); err != nil {
		in.Message = string(data)
	}
	c.deliver(Message{From: remoteID, Text: in.Message, Direct: true, Timestamp: time.Now().UTC()})
}

func (c *Client) deliver(m Message) {
	if !c.dedup.first(m.From+"\x00"+m.Text, m.Direct, time.Now()) {
		return
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(m)
	}
}
