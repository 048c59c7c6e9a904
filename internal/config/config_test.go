package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadEnvDefaults(t *testing.T) {
	c, err := LoadEnv()
	if err != nil {
		t.Fatal(err)
	}
	if c.Relay.Addr != ":3000" {
		t.Errorf("relay addr = %q, want :3000", c.Relay.Addr)
	}
	if !reflect.DeepEqual(c.Relay.StaticDirs, []string{"dist", "public"}) {
		t.Errorf("static dirs = %v, want [dist public]", c.Relay.StaticDirs)
	}
	if c.Peer.NegotiationTimeout != 30*time.Second {
		t.Errorf("negotiation timeout = %v, want 30s", c.Peer.NegotiationTimeout)
	}
	if c.ICE.Mode != "stun-turn" {
		t.Errorf("ice mode = %q, want stun-turn", c.ICE.Mode)
	}
	if c.Redis.Prefix != "dreammall" {
		t.Errorf("redis prefix = %q", c.Redis.Prefix)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DREAMMALL_RELAY_ADDR", ":9000")
	t.Setenv("DREAMMALL_PEER_NEGOTIATION_TIMEOUT", "5s")
	t.Setenv("DREAMMALL_LOG_DEBUG", "true")

	c, err := LoadEnv()
	if err != nil {
		t.Fatal(err)
	}
	if c.Relay.Addr != ":9000" {
		t.Errorf("relay addr = %q, want :9000", c.Relay.Addr)
	}
	if c.Peer.NegotiationTimeout != 5*time.Second {
		t.Errorf("negotiation timeout = %v, want 5s", c.Peer.NegotiationTimeout)
	}
	if !c.Log.Debug {
		t.Error("log debug not set")
	}
}

func TestPlainEnvVariables(t *testing.T) {
	t.Setenv("ADDR", ":8080")
	t.Setenv("ICE_MODE", "turn-only")
	t.Setenv("TURN_URLS", "turn:turn.example.org:3478")
	t.Setenv("STATIC_DIR", "../frontend/dist")
	t.Setenv("DREAMMALL_REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_ADDR", "ignored:6379")

	c, err := LoadEnv()
	if err != nil {
		t.Fatal(err)
	}
	if c.Relay.Addr != ":8080" {
		t.Errorf("relay addr = %q, want :8080", c.Relay.Addr)
	}
	if c.ICE.Mode != "turn-only" || c.ICE.TURNURLs != "turn:turn.example.org:3478" {
		t.Errorf("ice = %+v", c.ICE)
	}
	if !reflect.DeepEqual(c.Relay.StaticDirs, []string{"../frontend/dist"}) {
		t.Errorf("static dirs = %v", c.Relay.StaticDirs)
	}
	if c.Redis.Addr != "redis:6379" {
		t.Errorf("redis addr = %q, prefixed variable should win", c.Redis.Addr)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("relay:\n  addr: \":4000\"\n  chat_history: 20\npeer:\n  name: alice\n")
	if err := os.WriteFile(filepath.Join(dir, FileName), yaml, 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if c.Relay.Addr != ":4000" || c.Relay.ChatHistory != 20 {
		t.Errorf("relay = %+v", c.Relay)
	}
	if c.Peer.Name != "alice" {
		t.Errorf("peer name = %q, want alice", c.Peer.Name)
	}
}

func TestLoadMissingFileFallsBackToEnv(t *testing.T) {
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if c.Relay.Addr != ":3000" {
		t.Errorf("relay addr = %q, want :3000", c.Relay.Addr)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	content := "# comment\nDREAMMALL_TEST_A=from-file\nexport DREAMMALL_TEST_B=\"quoted\"\nDREAMMALL_TEST_C=from-file\nnot a pair\n"
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DREAMMALL_TEST_C", "from-env")
	t.Setenv("DREAMMALL_TEST_A", "")
	os.Unsetenv("DREAMMALL_TEST_A")
	t.Setenv("DREAMMALL_TEST_B", "")
	os.Unsetenv("DREAMMALL_TEST_B")

	if err := LoadDotEnv(p, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	for key, want := range map[string]string{
		"DREAMMALL_TEST_A": "from-file",
		"DREAMMALL_TEST_B": "quoted",
		"DREAMMALL_TEST_C": "from-env",
	} {
		if got := os.Getenv(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}
