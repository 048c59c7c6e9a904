package peer

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Constraints select which local tracks to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// MediaSource acquires local media. A denied or missing device is
// reported as an error and leaves existing sessions untouched.
type MediaSource interface {
	Open(ctx context.Context, c Constraints) ([]LocalTrack, error)
}

var errNoDevice = errors.New("no capture device")

// NoMedia is a MediaSource without capture devices.
type NoMedia struct{}

func (NoMedia) Open(context.Context, Constraints) ([]LocalTrack, error) { return nil, errNoDevice }

// SampleSource creates opus and VP8 sample tracks that the caller feeds
// with WriteSample.
type SampleSource struct {
	StreamID string
}

func (s SampleSource) Open(ctx context.Context, c Constraints) ([]LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, errors.New("no tracks requested")
	}
	stream := s.StreamID
	if stream == "" {
		stream = "dreammall"
	}

	var out []LocalTrack
	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
		if err != nil {
			return nil, err
		}
		out = append(out, &SampleTrack{TrackLocalStaticSample: t})
	}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
		if err != nil {
			return nil, err
		}
		out = append(out, &SampleTrack{TrackLocalStaticSample: t})
	}
	return out, nil
}

// SampleTrack is a stoppable local sample track.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample
	stopped atomic.Bool
}

func (t *SampleTrack) Stop() { t.stopped.Store(true) }

func (t *SampleTrack) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return io.ErrClosedPipe
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

type sharedTrack struct {
	refs int
}

// trackPool reference counts local tracks. The local stream holds one
// reference and every session carrying the track holds one more; a
// track is stopped when its count drops to zero.
type trackPool struct {
	mu     sync.Mutex
	tracks map[LocalTrack]*sharedTrack
	local  []LocalTrack
}

func newTrackPool() *trackPool {
	return &trackPool{tracks: make(map[LocalTrack]*sharedTrack)}
}

// setLocal installs a freshly acquired local stream.
func (p *trackPool) setLocal(tracks []LocalTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tracks {
		p.tracks[t] = &sharedTrack{refs: 1}
	}
	p.local = tracks
}

// localTracks returns the tracks of the current local stream.
func (p *trackPool) localTracks() []LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LocalTrack, len(p.local))
	copy(out, p.local)
	return out
}

func (p *trackPool) hasLocal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.local) > 0
}

func (p *trackPool) retain(t LocalTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.tracks[t]; ok {
		st.refs++
	}
}

func (p *trackPool) release(t LocalTrack) {
	p.mu.Lock()
	st, ok := p.tracks[t]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.refs--
	done := st.refs <= 0
	if done {
		delete(p.tracks, t)
	}
	p.mu.Unlock()
	if done {
		t.Stop()
	}
}

// releaseLocal drops the local stream's own references.
func (p *trackPool) releaseLocal() {
	p.mu.Lock()
	local := p.local
	p.local = nil
	p.mu.Unlock()
	for _, t := range local {
		p.release(t)
	}
}

func (p *trackPool) refs(t LocalTrack) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.tracks[t]; ok {
		return st.refs
	}
	return 0
}
