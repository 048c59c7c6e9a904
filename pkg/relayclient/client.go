// Package relayclient is the client end of the relay websocket.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreammall/signal/pkg/logger"
	"github.com/dreammall/signal/pkg/webrtc/protocol"
)

var ErrNotConnected = errors.New("relay connection closed")

const (
	defaultHandshake = 10 * time.Second
	writeTimeout     = 10 * time.Second
	eventBuffer      = 64
)

type Options struct {
	Logger *logger.Logger
	Header http.Header
	// HandshakeTimeout bounds the dial and the wait for the connected event.
	HandshakeTimeout time.Duration
}

// Client is one connection to the relay.
type Client struct {
	conn       *websocket.Conn
	id         string
	iceServers []protocol.ICEServer
	log        *logger.Logger

	writeMu sync.Mutex
	events  chan protocol.Frame
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the relay at url and waits for the connected event
// carrying this client's id.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshake
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		conn.Close()
		return nil, fmt.Errorf("await connected: %w", err)
	}
	if f.Event != protocol.EventConnected {
		conn.Close()
		return nil, fmt.Errorf("%w: first event %q", protocol.ErrMalformed, f.Event)
	}
	var hello protocol.Connected
	if err := json.Unmarshal(f.Data, &hello); err != nil || hello.ID == "" {
		conn.Close()
		return nil, fmt.Errorf("%w: connected without id", protocol.ErrMalformed)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:       conn,
		id:         hello.ID,
		iceServers: hello.ICEServers,
		log:        log.Extend(log.With().Str("c", "relay-client").Str("id", hello.ID)),
		events:     make(chan protocol.Frame, eventBuffer),
		done:       make(chan struct{}),
	}
	c.log.Info().Str("url", url).Msg(hello.Message)
	go c.readLoop()
	return c, nil
}

func (c *Client) ID() string { return c.id }

// ICEServers returns the NAT-traversal servers the relay advertised.
func (c *Client) ICEServers() []protocol.ICEServer { return c.iceServers }

// Events delivers every frame after connected. It is closed when the
// connection ends.
func (c *Client) Events() <-chan protocol.Frame { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send writes one event frame.
func (c *Client) Send(event string, data any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	f, err := protocol.NewFrame(event, data)
	if err != nil {
		return err
	}
	return c.write(f)
}

// Emit sends a signaling envelope to its target through the relay.
func (c *Client) Emit(env protocol.Envelope) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.write(env.Inbound())
}

func (c *Client) Chat(message string) error {
	return c.Send(protocol.EventChatMessage, protocol.ChatIn{Message: message})
}

func (c *Client) SetName(name string) error {
	return c.Send(protocol.EventSetName, protocol.SetName{Name: name})
}

func (c *Client) write(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		c.shutdown()
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// Close sends a close frame and ends the connection.
func (c *Client) Close() error {
	if !c.Connected() {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer c.shutdown()
	for {
		var f protocol.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.Connected() {
				c.log.Warn().Err(err).Msg("relay read")
			}
			return
		}
		select {
		case c.events <- f:
		case <-c.done:
			return
		}
	}
}
