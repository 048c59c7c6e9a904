package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dreammall/signal/pkg/logger"
	"github.com/dreammall/signal/pkg/presence"
	"github.com/dreammall/signal/pkg/webrtc/protocol"
)

const (
	defaultReadLimit   = 64 * 1024
	pingInterval       = 40 * time.Second
	readTimeout        = 60 * time.Second
	writeTimeout       = 10 * time.Second
	sendBuffer         = 64
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024

	welcomeMessage = "connected to the DreamMall relay"
)

// NameStore is an optional directory of display names keyed by connection id.
type NameStore interface {
	SetName(ctx context.Context, id string, name string) error
	Remove(ctx context.Context, id string) error
}

// ChatRecorder optionally keeps relayed chat messages.
type ChatRecorder interface {
	RecordChat(ctx context.Context, msg protocol.ChatOut) error
}

// HubOptions configures a Hub instance.
type HubOptions struct {
	ICEServers []protocol.ICEServer
	Logger     *logger.Logger
	Upgrader   *websocket.Upgrader
	Names      NameStore
	Chat       ChatRecorder
	// OnEmpty runs after the last connection leaves.
	OnEmpty func()
	// Now overrides the clock used for presence and chat timestamps.
	Now func() time.Time
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	// ID overrides the generated connection id.
	ID string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub is the transport relay: it owns the live connection set, forwards
// signaling envelopes by target id and fans out presence and chat events.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*client
	presence   presence.Store
	names      NameStore
	chat       ChatRecorder
	iceServers []protocol.ICEServer
	upgrader   websocket.Upgrader
	log        *logger.Logger
	onEmpty    func()
	now        func() time.Time
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub builds a relay Hub with the provided presence store and options.
func NewHub(store presence.Store, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		// Origins are filtered by the HTTP middleware.
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Hub{
		clients:    make(map[string]*client),
		presence:   store,
		names:      opts.Names,
		chat:       opts.Chat,
		iceServers: opts.ICEServers,
		upgrader:   upgrader,
		log:        log.Extend(log.With().Str("c", "relay")),
		onEmpty:    opts.OnEmpty,
		now:        now,
	}
}

// HTTPHandler upgrades HTTP connections and registers them with the Hub.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("upgrade error")
			return
		}
		// Use a background context so the connection isn't canceled when the HTTP handler returns.
		if err := h.Accept(conn, ConnOptions{}); err != nil {
			h.log.Error().Err(err).Msg("accept error")
			conn.Close()
		}
	})
}

// Accept registers an already-upgraded WebSocket connection and starts its pumps.
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) error {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := h.register(ctx, c); err != nil {
		cancel()
		return err
	}

	go c.writePump()
	go c.readPump(h)
	return nil
}

// Len returns the number of live connections on this relay.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Peers returns the presence records, oldest first.
func (h *Hub) Peers(ctx context.Context) ([]presence.Record, error) {
	return h.presence.List(ctx)
}

func (h *Hub) register(ctx context.Context, c *client) error {
	joined := h.now().UTC()
	if err := h.presence.Add(ctx, presence.Record{ID: c.id, JoinedAt: joined}); err != nil {
		return fmt.Errorf("presence add %s: %w", c.id, err)
	}

	// The connected frame is queued before the client becomes visible to
	// broadcasts, so it is always the first frame on the wire.
	c.sendFrame(protocol.EventConnected, protocol.Connected{
		ID:         c.id,
		Message:    welcomeMessage,
		ICEServers: h.iceServers,
	})

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	connectionsGauge.Inc()

	h.broadcast(protocol.EventNewUser, protocol.Presence{ID: c.id, Timestamp: joined}, c.id)
	count := h.broadcastCount(ctx)
	h.log.Info().Str("id", c.id).Int("count", count).Msg("connection joined")
	return nil
}

// Disconnect removes a connection, announces the departure and closes the
// socket. Disconnecting an absent id is a no-op; the return value reports
// whether anything was removed.
func (h *Hub) Disconnect(id string) bool {
	h.mu.RLock()
	c := h.clients[id]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	return h.unregister(c)
}

// Close disconnects every connection and returns how many there were.
func (h *Hub) Close() int {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range all {
		if h.unregister(c) {
			n++
		}
	}
	return n
}

func (h *Hub) unregister(c *client) bool {
	h.mu.Lock()
	if current, ok := h.clients[c.id]; !ok || current != c {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, c.id)
	h.mu.Unlock()
	connectionsGauge.Dec()
	c.cancel()

	ctx := context.Background()
	if _, err := h.presence.Remove(ctx, c.id); err != nil {
		h.log.Error().Err(err).Str("id", c.id).Msg("presence remove")
	}
	if h.names != nil {
		if err := h.names.Remove(ctx, c.id); err != nil {
			h.log.Error().Err(err).Str("id", c.id).Msg("directory remove")
		}
	}

	h.broadcast(protocol.EventUserDisconnected, protocol.Presence{ID: c.id, Timestamp: h.now().UTC()}, c.id)
	count := h.broadcastCount(ctx)
	h.log.Info().Str("id", c.id).Int("count", count).Msg("connection left")

	if count == 0 && h.onEmpty != nil {
		h.onEmpty()
	}
	return true
}

// broadcastCount sends the presence count to everyone and returns it.
func (h *Hub) broadcastCount(ctx context.Context) int {
	count, err := h.presence.Count(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("presence count")
		count = h.Len()
	}
	h.broadcast(protocol.EventUserCount, count, "")
	return count
}

func (h *Hub) broadcast(event string, data any, skipID string) {
	msg, err := encodeFrame(event, data)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, cl := range h.clients {
		if id == skipID {
			continue
		}
		if !cl.enqueue(msg) {
			h.log.Warn().Str("id", id).Str("event", event).Msg("client send buffer full, dropping message")
		}
	}
}

// Forward delivers a signaling envelope to its target. From is always
// overwritten with the sending connection id. Envelopes that fail
// validation return protocol.ErrMalformed; a missing target is a silent drop.
func (h *Hub) Forward(from string, env protocol.Envelope) error {
	env.From = from
	if err := env.Validate(); err != nil {
		envelopesDropped.WithLabelValues(dropMalformed).Inc()
		return err
	}

	h.mu.RLock()
	target := h.clients[env.To]
	h.mu.RUnlock()
	if target == nil {
		envelopesDropped.WithLabelValues(dropNoTarget).Inc()
		h.log.Debug().Str("kind", string(env.Kind)).Str("from", from).Str("to", env.To).Msg("forward target missing")
		return nil
	}

	msg, err := json.Marshal(env.Outbound())
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Kind, err)
	}
	if !target.enqueue(msg) {
		envelopesDropped.WithLabelValues(dropBufferFull).Inc()
		h.log.Warn().Str("to", env.To).Msg("client send buffer full, dropping envelope")
		return nil
	}
	envelopesForwarded.WithLabelValues(string(env.Kind)).Inc()
	return nil
}

// BroadcastChat stamps a chat message and sends it to every connection,
// the sender included.
func (h *Hub) BroadcastChat(from, message string) protocol.ChatOut {
	out := protocol.ChatOut{ID: from, Message: message, Timestamp: h.now().UTC()}
	h.broadcast(protocol.EventChatMessage, out, "")
	chatMessages.Inc()

	if h.chat != nil {
		if err := h.chat.RecordChat(context.Background(), out); err != nil {
			h.log.Error().Err(err).Msg("chat history append")
		}
	}
	return out
}

func (h *Hub) handleInbound(c *client, f protocol.Frame) {
	h.log.Debug().Str("event", f.Event).Str("from", c.id).Msg("inbound")
	switch f.Event {
	case string(protocol.KindOffer), string(protocol.KindAnswer), string(protocol.KindCandidate):
		env, err := protocol.DecodeInbound(f)
		if err == nil {
			err = h.Forward(c.id, env)
		} else {
			envelopesDropped.WithLabelValues(dropMalformed).Inc()
		}
		if err != nil {
			h.log.Warn().Err(err).Str("from", c.id).Msg("rejected envelope")
			c.sendFrame(protocol.EventError, protocol.ErrorOut{Event: f.Event, Message: err.Error()})
		}
	case protocol.EventChatMessage:
		var in protocol.ChatIn
		if err := json.Unmarshal(f.Data, &in); err != nil {
			h.log.Warn().Err(err).Str("from", c.id).Msg("bad chat payload")
			return
		}
		if strings.TrimSpace(in.Message) == "" {
			return
		}
		h.BroadcastChat(c.id, in.Message)
	case protocol.EventSetName:
		if h.names == nil {
			return
		}
		var in protocol.SetName
		if err := json.Unmarshal(f.Data, &in); err != nil {
			h.log.Warn().Err(err).Str("from", c.id).Msg("bad name payload")
			return
		}
		if err := h.names.SetName(context.Background(), c.id, in.Name); err != nil {
			h.log.Error().Err(err).Str("id", c.id).Msg("directory set name")
		}
	default:
		h.log.Warn().Str("from", c.id).Str("event", f.Event).Msg("unknown event")
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(defaultReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) && c.ctx.Err() == nil {
				h.log.Debug().Err(err).Str("id", c.id).Msg("read error")
			}
			return
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.Warn().Err(err).Str("id", c.id).Msg("bad frame")
			continue
		}
		h.handleInbound(c, f)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) sendFrame(event string, data any) {
	msg, err := encodeFrame(event, data)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func encodeFrame(event string, data any) ([]byte, error) {
	f, err := protocol.NewFrame(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}
