package peer

import (
	"sync/atomic"
	"time"
)

// ChatChannel is the label of the data channel the initiator creates.
const ChatChannel = "chat"

// Session is the local end of a call with one remote connection. Its
// fields are owned by the Machine and only touched under its lock.
type Session struct {
	remoteID  string
	initiator bool
	conn      Conn
	state     State
	createdAt time.Time
	updatedAt time.Time

	// remoteSet flips once a remote description has been applied; until
	// then inbound candidates wait in pending, in arrival order.
	remoteSet bool
	pending   []Candidate
	applied   int

	channels map[string]DataChannel
	tracks   []LocalTrack

	onTrack func(t RemoteTrack)
	onData  map[string]func(data []byte)

	// detached is set before the connection is closed; callbacks that
	// fire afterwards are dropped.
	detached atomic.Bool
}

func newSession(remoteID string, initiator bool, now time.Time) *Session {
	return &Session{
		remoteID:  remoteID,
		initiator: initiator,
		createdAt: now,
		updatedAt: now,
		channels:  make(map[string]DataChannel),
		onData:    make(map[string]func([]byte)),
	}
}

func (s *Session) hasTrack(t LocalTrack) bool {
	for _, have := range s.tracks {
		if have == t {
			return true
		}
	}
	return false
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	RemoteID  string
	Initiator bool
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
	Channels  []string
}
