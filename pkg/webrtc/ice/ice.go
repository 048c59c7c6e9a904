package ice

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dreammall/signal/pkg/logger"
	"github.com/dreammall/signal/pkg/webrtc/protocol"
)

// Modes accepted by Config.Mode.
const (
	ModeSTUNTURN = "stun-turn"
	ModeTURNOnly = "turn-only"
	ModeSTUNOnly = "stun-only"
)

// DefaultSTUN is used when no STUN servers are configured.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// Config is the NAT-traversal section of the application config.
//
// STUNURLs and TURNURLs are comma-separated lists. Mode is one of
// stun-turn (default), turn-only or stun-only.
type Config struct {
	Mode         string `fig:"mode" default:"stun-turn"`
	STUNURLs     string `fig:"stun_urls"`
	TURNURLs     string `fig:"turn_urls"`
	TURNUsername string `fig:"turn_username"`
	TURNPassword string `fig:"turn_password"`
}

// Load resolves the server list advertised to peers.
func Load(c Config, log *logger.Logger) (mode string, servers []protocol.ICEServer) {
	mode = strings.TrimSpace(c.Mode)
	if mode == "" {
		mode = ModeSTUNTURN
	}

	turnOnly := strings.EqualFold(mode, ModeTURNOnly)
	stunOnly := strings.EqualFold(mode, ModeSTUNOnly)

	if !turnOnly {
		if urls := splitAndClean(c.STUNURLs); len(urls) > 0 {
			servers = append(servers, protocol.ICEServer{URLs: urls})
		} else {
			servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
		}
	}

	if !stunOnly {
		if urls := splitAndClean(c.TURNURLs); len(urls) > 0 {
			servers = append(servers, protocol.ICEServer{
				URLs:       urls,
				Username:   strings.TrimSpace(c.TURNUsername),
				Credential: strings.TrimSpace(c.TURNPassword),
			})
		} else if !turnOnly {
			log.Debug().Msg("TURN not configured; set turn_urls and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		log.Warn().Msg("ice mode turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
	}

	log.Info().Str("mode", mode).Int("servers", len(servers)).Msg("ICE servers loaded")
	return mode, servers
}

// ToPion converts advertised servers into pion's configuration type.
func ToPion(servers []protocol.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func splitAndClean(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
