package ice

import (
	"reflect"
	"testing"

	"github.com/dreammall/signal/pkg/logger"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		conf      Config
		wantMode  string
		wantURLs  [][]string
		wantCreds bool
	}{
		{
			name:     "defaults",
			conf:     Config{},
			wantMode: ModeSTUNTURN,
			wantURLs: [][]string{DefaultSTUN},
		},
		{
			name:      "stun and turn",
			conf:      Config{STUNURLs: "stun:a:3478, stun:b:3478", TURNURLs: "turn:t:3478", TURNUsername: "u", TURNPassword: "p"},
			wantMode:  ModeSTUNTURN,
			wantURLs:  [][]string{{"stun:a:3478", "stun:b:3478"}, {"turn:t:3478"}},
			wantCreds: true,
		},
		{
			name:     "stun only ignores turn",
			conf:     Config{Mode: ModeSTUNOnly, TURNURLs: "turn:t:3478"},
			wantMode: ModeSTUNOnly,
			wantURLs: [][]string{DefaultSTUN},
		},
		{
			name:      "turn only",
			conf:      Config{Mode: ModeTURNOnly, STUNURLs: "stun:a:3478", TURNURLs: "turn:t:3478", TURNUsername: "u", TURNPassword: "p"},
			wantMode:  ModeTURNOnly,
			wantURLs:  [][]string{{"turn:t:3478"}},
			wantCreds: true,
		},
		{
			name:     "turn only without turn falls back to stun",
			conf:     Config{Mode: ModeTURNOnly},
			wantMode: ModeTURNOnly,
			wantURLs: [][]string{DefaultSTUN},
		},
		{
			name:     "blank entries dropped",
			conf:     Config{STUNURLs: " , ,"},
			wantMode: ModeSTUNTURN,
			wantURLs: [][]string{DefaultSTUN},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, servers := Load(tt.conf, logger.Nop())
			if mode != tt.wantMode {
				t.Errorf("mode = %q, want %q", mode, tt.wantMode)
			}
			var urls [][]string
			creds := false
			for _, s := range servers {
				urls = append(urls, s.URLs)
				if s.Username != "" || s.Credential != "" {
					creds = true
				}
			}
			if !reflect.DeepEqual(urls, tt.wantURLs) {
				t.Errorf("urls = %v, want %v", urls, tt.wantURLs)
			}
			if creds != tt.wantCreds {
				t.Errorf("credentials present = %v, want %v", creds, tt.wantCreds)
			}
		})
	}
}

func TestToPion(t *testing.T) {
	_, servers := Load(Config{TURNURLs: "turn:t:3478", TURNUsername: "u", TURNPassword: "p"}, logger.Nop())
	out := ToPion(servers)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Username != "" {
		t.Errorf("stun server got username %q", out[0].Username)
	}
	if out[1].Username != "u" || out[1].Credential != "p" {
		t.Errorf("turn server = %+v", out[1])
	}
}
