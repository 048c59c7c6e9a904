package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dreammall/signal/internal/app/chatlog"
	"github.com/dreammall/signal/internal/app/directory"
	"github.com/dreammall/signal/internal/app/httpapi"
	"github.com/dreammall/signal/internal/config"
	"github.com/dreammall/signal/pkg/logger"
	"github.com/dreammall/signal/pkg/presence"
	"github.com/dreammall/signal/pkg/signaling"
	"github.com/dreammall/signal/pkg/webrtc/ice"
)

const (
	redisTimeout    = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func newRelayCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay and serve the web app",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Relay.Addr = addr
			}
			return runRelay(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides relay.addr")
	return cmd
}

type stores struct {
	presence presence.Store
	names    directory.Store
	chat     chatlog.Store
	close    func() error
}

// openStores connects to Redis when configured and otherwise keeps relay
// state in memory. Leftovers from a previous run are cleared.
func openStores(ctx context.Context, cfg config.Config, log *logger.Logger) (stores, error) {
	if cfg.Redis.Addr == "" {
		log.Info().Msg("no redis configured, relay state stays in memory")
		return stores{
			presence: presence.NewMemoryStore(),
			names:    directory.NewMemoryStore(),
			chat:     chatlog.NewMemoryStore(cfg.Relay.ChatHistory),
			close:    func() error { return nil },
		}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return stores{}, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	s := stores{
		presence: presence.NewRedisStore(rdb, cfg.Redis.Prefix),
		names:    directory.NewRedisStore(rdb, cfg.Redis.Prefix),
		chat:     chatlog.NewRedisStore(rdb, cfg.Redis.Prefix, cfg.Relay.ChatHistory),
		close:    rdb.Close,
	}
	// connections of a previous run are gone; chat history survives restarts
	if err := s.presence.Reset(ctx); err != nil {
		log.Warn().Err(err).Msg("redis reset presence")
	}
	if err := s.names.Reset(ctx); err != nil {
		log.Warn().Err(err).Msg("redis reset directory")
	}
	log.Info().Str("addr", cfg.Redis.Addr).Str("prefix", cfg.Redis.Prefix).Msg("using redis")
	return s, nil
}

func runRelay(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg.Log, "relay")

	iceMode, iceServers := ice.Load(cfg.ICE, log)
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Warn().Err(err).Msg("close stores")
		}
	}()

	hub := signaling.NewHub(st.presence, signaling.HubOptions{
		ICEServers: iceServers,
		Logger:     log,
		Names:      st.names,
		Chat:       chatlog.Recorder{Store: st.chat},
		OnEmpty:    func() { log.Debug().Msg("relay is empty") },
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Hub: hub,
		Settings: httpapi.Settings{
			ICEMode:     iceMode,
			ICEServers:  iceServers,
			PublicWSURL: cfg.Relay.PublicWSURL,
		},
		Chat:           st.chat,
		Names:          st.names,
		StaticDirs:     cfg.Relay.StaticDirs,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		Metrics:        !cfg.Relay.NoMetrics,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Relay.Addr).
			Strs("static", cfg.Relay.StaticDirs).
			Str("ice", iceMode).
			Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	n := hub.Close()
	log.Info().Int("connections", n).Msg("relay stopped")
	return err
}
