package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreammall/signal/internal/app/chatlog"
	"github.com/dreammall/signal/internal/app/directory"
	"github.com/dreammall/signal/pkg/logger"
	"github.com/dreammall/signal/pkg/presence"
	"github.com/dreammall/signal/pkg/webrtc/protocol"
)

const (
	storeTimeout     = 3 * time.Second
	defaultChatLimit = 50
)

type Settings struct {
	ICEMode     string
	ICEServers  []protocol.ICEServer
	PublicWSURL string
}

type Hub interface {
	HTTPHandler() http.Handler
	Peers(ctx context.Context) ([]presence.Record, error)
	Len() int
}

type Deps struct {
	Hub      Hub
	Settings Settings
	// Chat and Names are optional.
	Chat           chatlog.Store
	Names          directory.Store
	StaticDirs     []string
	AllowedOrigins []string
	Metrics        bool
	Logger         *logger.Logger
}

// NewRouter builds the relay's HTTP surface.
func NewRouter(d Deps) *gin.Engine {
	log := d.Logger
	if log == nil {
		log = logger.Nop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log), OriginFilter(d.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": d.Hub.Len()})
	})
	r.GET("/ws", gin.WrapH(d.Hub.HTTPHandler()))
	r.GET("/debug/ice", DebugICEHandler(d.Settings))
	if d.Metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")
	{
		api.GET("/settings", SettingsHandler(d.Settings))
		api.GET("/presence", PresenceHandler(d.Hub, log))
		if d.Chat != nil {
			api.GET("/chat/history", ChatHistoryHandler(d.Chat, log))
		}
		if d.Names != nil {
			api.GET("/directory", DirectoryHandler(d.Names, log))
			api.GET("/directory/:id", NameHandler(d.Names, log))
		}
	}

	r.NoRoute(SPAHandler(d.StaticDirs))
	return r
}

// RequestLogger logs one line per request.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http")
	}
}

// OriginFilter rejects cross-origin requests from origins not listed.
// An empty list allows every origin.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(allowedOrigins) == 0 {
			c.Next()
			return
		}
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = c.GetHeader("Sec-WebSocket-Origin")
		}

		allowed := false
		for _, o := range allowedOrigins {
			if origin == o || o == "*" {
				allowed = true
				break
			}
		}
		if !allowed && origin != "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}

		if allowed {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SPAHandler serves files from the first directory that has them and
// falls back to index.html for client-side routes.
func SPAHandler(staticDirs []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := c.Request.URL.Path
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead ||
			p == "/ws" || strings.HasPrefix(p, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		clean := filepath.Clean("/" + p)
		for _, dir := range staticDirs {
			path := filepath.Join(dir, clean)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				c.File(path)
				return
			}
		}
		for _, dir := range staticDirs {
			index := filepath.Join(dir, "index.html")
			if info, err := os.Stat(index); err == nil && !info.IsDir() {
				c.File(index)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	}
}

func DebugICEHandler(settings Settings) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"mode":       settings.ICEMode,
			"iceServers": settings.ICEServers,
		})
	}
}

// SettingsHandler tells browsers where the relay is and which ICE
// servers to use.
func SettingsHandler(settings Settings) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"wsURL":      resolveWSURL(settings, c.Request),
			"iceMode":    settings.ICEMode,
			"iceServers": settings.ICEServers,
		})
	}
}

func resolveWSURL(settings Settings, r *http.Request) string {
	if settings.PublicWSURL != "" {
		return settings.PublicWSURL
	}

	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}

	host := r.Host
	if host == "" {
		host = "localhost:3000"
	}

	return fmt.Sprintf("%s://%s/ws", proto, host)
}

func PresenceHandler(hub Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
		defer cancel()

		peers, err := hub.Peers(ctx)
		if err != nil {
			log.Error().Err(err).Msg("presence list")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "presence unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(peers), "peers": peers})
	}
}

// ChatHistoryHandler returns recent chat messages, newest first.
func ChatHistoryHandler(store chatlog.Store, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultChatLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
		defer cancel()

		entries, err := store.Recent(ctx, limit)
		if err != nil {
			log.Error().Err(err).Msg("chat history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": entries})
	}
}

func DirectoryHandler(names directory.Store, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
		defer cancel()

		all, err := names.Names(ctx)
		if err != nil {
			log.Error().Err(err).Msg("directory list")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "directory unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"names": all})
	}
}

func NameHandler(names directory.Store, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
		defer cancel()

		id := c.Param("id")
		name, err := names.Name(ctx, id)
		if errors.Is(err, directory.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown id"})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("id", id).Msg("directory lookup")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "directory unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "name": name})
	}
}
