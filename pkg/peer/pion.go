package peer

import (
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dreammall/signal/pkg/logger"
	"github.com/dreammall/signal/pkg/webrtc/ice"
	"github.com/dreammall/signal/pkg/webrtc/protocol"
)

// PionOptions configures the pion backed Factory.
type PionOptions struct {
	ICEServers []protocol.ICEServer
	Logger     *logger.Logger
	// Verbose lowers pion's own log level from warn to debug.
	Verbose bool
	// PortMin and PortMax bound the ephemeral UDP range when both are set.
	PortMin, PortMax uint16
	// IncludeLoopback gathers loopback candidates, useful on a single host.
	IncludeLoopback            bool
	DisableDefaultInterceptors bool
	// Mod lets callers adjust the engines before the API is built.
	Mod ModAPIFunc
}

type ModAPIFunc func(m *webrtc.MediaEngine, i *interceptor.Registry, s *webrtc.SettingEngine)

// PionFactory builds pion peer connections sharing one API instance.
type PionFactory struct {
	api  *webrtc.API
	conf webrtc.Configuration
}

func NewPionFactory(opts PionOptions) (*PionFactory, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if !opts.DisableDefaultInterceptors {
		if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
			return nil, fmt.Errorf("register interceptors: %w", err)
		}
	}

	level := zerolog.WarnLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	s := webrtc.SettingEngine{LoggerFactory: logger.NewPionLogger(log, level)}
	if opts.PortMin > 0 && opts.PortMax >= opts.PortMin {
		if err := s.SetEphemeralUDPPortRange(opts.PortMin, opts.PortMax); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
		log.Info().Msgf("ICE port range %d-%d", opts.PortMin, opts.PortMax)
	}
	if opts.IncludeLoopback {
		s.SetIncludeLoopbackCandidate(true)
	}

	if opts.Mod != nil {
		opts.Mod(m, i, &s)
	}

	return &PionFactory{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		conf: webrtc.Configuration{ICEServers: ice.ToPion(opts.ICEServers)},
	}, nil
}

func (f *PionFactory) NewConn(ev Events) (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.conf)
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || ev.Candidate == nil {
			return
		}
		init := c.ToJSON()
		ev.Candidate(Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if ev.State != nil {
			ev.State(connState(s))
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if ev.DataChannel != nil {
			ev.DataChannel(&pionChannel{dc: dc})
		}
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if ev.Track != nil {
			ev.Track(RemoteTrack{ID: t.ID(), StreamID: t.StreamID(), Kind: t.Kind().String(), Remote: t})
		}
	})

	return &pionConn{pc: pc}, nil
}

func connState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnClosed
	default:
		return ConnNew
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer() (Description, error) {
	o, err := c.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: o.Type.String(), SDP: o.SDP}, nil
}

func (c *pionConn) CreateAnswer() (Description, error) {
	a, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: a.Type.String(), SDP: a.SDP}, nil
}

func (c *pionConn) SetLocalDescription(d Description) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

func (c *pionConn) SetRemoteDescription(d Description) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

func (c *pionConn) AddICECandidate(cand Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *pionConn) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (c *pionConn) AddTrack(t LocalTrack) error {
	tl, ok := t.(webrtc.TrackLocal)
	if !ok {
		return errors.New("track is not a pion local track")
	}
	sender, err := c.pc.AddTrack(tl)
	if err != nil {
		return err
	}
	// RTCP has to be drained for the interceptors to work
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *pionConn) Close() error { return c.pc.Close() }

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) Open() bool { return c.dc.ReadyState() == webrtc.DataChannelStateOpen }

// Send writes a text message, which is what browsers expect on the chat channel.
func (c *pionChannel) Send(data []byte) error { return c.dc.SendText(string(data)) }

func (c *pionChannel) Close() error { return c.dc.Close() }

func (c *pionChannel) OnOpen(f func()) { c.dc.OnOpen(f) }

func (c *pionChannel) OnClose(f func()) { c.dc.OnClose(f) }

func (c *pionChannel) OnMessage(f func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) { f(msg.Data) })
}
