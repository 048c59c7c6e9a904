package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event names exchanged between the relay and its clients.
const (
	EventConnected        = "connected"
	EventNewUser          = "newUser"
	EventUserDisconnected = "userDisconnected"
	EventUserCount        = "userCount"
	EventChatMessage      = "chatMessage"
	EventSetName          = "setName"
	EventError            = "error"
)

// ErrMalformed is returned for frames or envelopes that fail validation.
var ErrMalformed = errors.New("malformed message")

// ICEServer describes STUN/TURN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Frame is a single websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a Frame for event.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

// Connected is unicast to a connection right after it joins.
type Connected struct {
	ID         string      `json:"id"`
	Message    string      `json:"message"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`
}

// Presence announces a join or a departure.
type Presence struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatIn is what a client sends to post a chat message.
type ChatIn struct {
	Message string `json:"message"`
}

// ChatOut is the relay's rebroadcast of a chat message.
type ChatOut struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SetName registers a display name for the sending connection.
type SetName struct {
	Name string `json:"name"`
}

// ErrorOut reports a rejected inbound frame back to its sender.
type ErrorOut struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Kind is the tag of a signaling envelope.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// ParseKind maps an event name onto a signaling kind.
func ParseKind(event string) (Kind, bool) {
	switch k := Kind(event); k {
	case KindOffer, KindAnswer, KindCandidate:
		return k, true
	}
	return "", false
}

// Envelope carries one signaling payload between two connections.
// From is assigned by the relay and never taken from the sender.
type Envelope struct {
	Kind    Kind
	From    string
	To      string
	Payload json.RawMessage
}

// description mirrors the JSON form of a session description.
type description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// candidate mirrors the JSON form of an ICE candidate.
type candidate struct {
	Candidate *string `json:"candidate"`
}

// Validate checks the envelope shape. Payload contents stay opaque apart
// from the fields needed to tell an offer, an answer and a candidate apart.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.To) == "" {
		return fmt.Errorf("%w: %s without target", ErrMalformed, e.Kind)
	}
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, e.Kind)
	}
	switch e.Kind {
	case KindOffer, KindAnswer:
		var d description
		if err := json.Unmarshal(e.Payload, &d); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Kind, err)
		}
		if d.Type != string(e.Kind) {
			return fmt.Errorf("%w: %s carries description of type %q", ErrMalformed, e.Kind, d.Type)
		}
		if d.SDP == "" {
			return fmt.Errorf("%w: %s with empty sdp", ErrMalformed, e.Kind)
		}
	case KindCandidate:
		var c candidate
		if err := json.Unmarshal(e.Payload, &c); err != nil {
			return fmt.Errorf("%w: candidate: %v", ErrMalformed, err)
		}
		if c.Candidate == nil {
			return fmt.Errorf("%w: candidate without candidate line", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}
	return nil
}

// DecodeInbound parses a client→relay signaling frame such as
// {"offer": {...}, "target": "id"}.
func DecodeInbound(f Frame) (Envelope, error) {
	kind, ok := ParseKind(f.Event)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: event %q is not a signaling kind", ErrMalformed, f.Event)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.Data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	env := Envelope{Kind: kind, Payload: fields[string(kind)]}
	if raw, ok := fields["target"]; ok {
		if err := json.Unmarshal(raw, &env.To); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s target: %v", ErrMalformed, kind, err)
		}
	}
	return env, env.Validate()
}

// DecodeOutbound parses a relay→client signaling frame such as
// {"offer": {...}, "from": "id"}.
func DecodeOutbound(f Frame) (Envelope, error) {
	kind, ok := ParseKind(f.Event)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: event %q is not a signaling kind", ErrMalformed, f.Event)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.Data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	env := Envelope{Kind: kind, Payload: fields[string(kind)]}
	if raw, ok := fields["from"]; ok {
		if err := json.Unmarshal(raw, &env.From); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s from: %v", ErrMalformed, kind, err)
		}
	}
	if env.From == "" {
		return Envelope{}, fmt.Errorf("%w: %s without sender", ErrMalformed, kind)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return Envelope{}, fmt.Errorf("%w: %s without payload", ErrMalformed, kind)
	}
	return env, nil
}

// Inbound renders the envelope as the frame a client sends to the relay.
func (e Envelope) Inbound() Frame {
	data, _ := json.Marshal(map[string]any{
		string(e.Kind): e.Payload,
		"target":       e.To,
	})
	return Frame{Event: string(e.Kind), Data: data}
}

// Outbound renders the envelope as the frame the relay delivers to the target.
func (e Envelope) Outbound() Frame {
	data, _ := json.Marshal(map[string]any{
		string(e.Kind): e.Payload,
		"from":         e.From,
	})
	return Frame{Event: string(e.Kind), Data: data}
}
