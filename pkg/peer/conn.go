package peer

import (
	"github.com/pion/webrtc/v4"
)

// Description is a session description in its wire form.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an ICE candidate in its wire form.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ConnState is the transport state reported by a peer connection.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

// RemoteTrack is an inbound media track.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
	// Remote is set by the pion backend.
	Remote *webrtc.TrackRemote
}

// LocalTrack is a local media track that can be shared by many sessions.
type LocalTrack interface {
	ID() string
	Stop()
}

// DataChannel is the subset of a data channel the session layer needs.
type DataChannel interface {
	Label() string
	Open() bool
	Send(data []byte) error
	Close() error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(data []byte))
}

// Conn is one underlying peer connection.
type Conn interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(d Description) error
	SetRemoteDescription(d Description) error
	AddICECandidate(c Candidate) error
	CreateDataChannel(label string) (DataChannel, error)
	AddTrack(t LocalTrack) error
	Close() error
}

// Events are the callbacks a Conn reports through. They may be invoked
// from any goroutine.
type Events struct {
	Candidate   func(c Candidate)
	State       func(s ConnState)
	DataChannel func(dc DataChannel)
	Track       func(t RemoteTrack)
}

// Factory builds peer connections.
type Factory interface {
	NewConn(ev Events) (Conn, error)
}
