package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kkyr/fig"

	"github.com/dreammall/signal/pkg/webrtc/ice"
)

const (
	EnvPrefix = "DREAMMALL"
	FileName  = "dreammall.yaml"
)

type Config struct {
	Relay Relay      `fig:"relay"`
	Redis Redis      `fig:"redis"`
	ICE   ice.Config `fig:"ice"`
	Peer  Peer       `fig:"peer"`
	Log   Log        `fig:"log"`
}

type Relay struct {
	Addr string `fig:"addr" default:":3000"`
	// StaticDirs are tried in order for the web app files.
	StaticDirs []string `fig:"static_dirs" default:"[dist,public]"`
	// PublicWSURL overrides the websocket URL advertised by /api/settings.
	PublicWSURL    string   `fig:"public_ws_url"`
	AllowedOrigins []string `fig:"allowed_origins"`
	ChatHistory    int      `fig:"chat_history" default:"100"`
	NoMetrics      bool     `fig:"no_metrics"`
}

// Redis is optional; without an address the relay keeps its state in memory.
type Redis struct {
	Addr     string `fig:"addr"`
	Password string `fig:"password"`
	DB       int    `fig:"db"`
	Prefix   string `fig:"prefix" default:"dreammall"`
}

type Peer struct {
	RelayURL           string        `fig:"relay_url" default:"ws://localhost:3000/ws"`
	Name               string        `fig:"name"`
	ManualConnect      bool          `fig:"manual_connect"`
	NegotiationTimeout time.Duration `fig:"negotiation_timeout" default:"30s"`
	PortMin            uint16        `fig:"port_min"`
	PortMax            uint16        `fig:"port_max"`
	IncludeLoopback    bool          `fig:"include_loopback"`
	Audio              bool          `fig:"audio"`
	Video              bool          `fig:"video"`
}

type Log struct {
	Debug   bool `fig:"debug"`
	JSON    bool `fig:"json"`
	NoColor bool `fig:"no_color"`
}

// Load reads dreammall.yaml from path, or from the usual places when
// path is empty, then applies DREAMMALL_* environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	var c Config
	dirs := []string{path}
	if path == "" {
		dirs = append(dirs, ".", "configs")
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(home, ".dreammall"))
		}
	}
	err := fig.Load(&c, fig.File(FileName), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
	if errors.Is(err, fig.ErrFileNotFound) {
		return LoadEnv()
	}
	if err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}
	applyPlainEnv(&c)
	return c, nil
}

// LoadEnv builds the config from defaults and the environment only.
func LoadEnv() (Config, error) {
	var c Config
	if err := fig.Load(&c, fig.IgnoreFile(), fig.UseEnv(EnvPrefix)); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}
	applyPlainEnv(&c)
	return c, nil
}

// applyPlainEnv honours the unprefixed variables of earlier deployments
// (ADDR, REDIS_ADDR, STATIC_DIR, ICE_MODE, STUN_URLS, TURN_*) when the
// prefixed ones are absent.
func applyPlainEnv(c *Config) {
	set := func(dst *string, plain, prefixed string) {
		if _, ok := os.LookupEnv(EnvPrefix + "_" + prefixed); ok {
			return
		}
		if v := strings.TrimSpace(os.Getenv(plain)); v != "" {
			*dst = v
		}
	}
	set(&c.Relay.Addr, "ADDR", "RELAY_ADDR")
	set(&c.Redis.Addr, "REDIS_ADDR", "REDIS_ADDR")
	set(&c.ICE.Mode, "ICE_MODE", "ICE_MODE")
	set(&c.ICE.STUNURLs, "STUN_URLS", "ICE_STUN_URLS")
	set(&c.ICE.TURNURLs, "TURN_URLS", "ICE_TURN_URLS")
	set(&c.ICE.TURNUsername, "TURN_USERNAME", "ICE_TURN_USERNAME")
	set(&c.ICE.TURNPassword, "TURN_PASSWORD", "ICE_TURN_PASSWORD")

	if _, ok := os.LookupEnv(EnvPrefix + "_RELAY_STATIC_DIRS"); !ok {
		if v := strings.TrimSpace(os.Getenv("STATIC_DIR")); v != "" {
			c.Relay.StaticDirs = []string{v}
		}
	}
}

// DefaultDotEnv lists the .env files LoadDotEnv reads when given none.
var DefaultDotEnv = []string{".env", "../.env"}

// LoadDotEnv copies KEY=VALUE lines from the given files into the process
// environment without overriding variables that are already set.
// Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = DefaultDotEnv
	}
	var errs []error
	for _, p := range paths {
		if err := loadEnvFile(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("env file %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, val)
		}
	}
	return scanner.Err()
}
