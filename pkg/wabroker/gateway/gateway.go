// Package gateway exposes the session broker over HTTP: a JSON API for the
// request/response operations plus Server-Sent Events and WebSocket push
// channels carrying the broadcaster's events.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/session"
	"github.com/jholhewres/wabroker/pkg/wabroker/store"
)

// Config holds HTTP gateway settings.
type Config struct {
	// Address is the listen address. Default: ":3000"
	Address string `yaml:"address"`

	// AuthToken, when set, is required as a Bearer token on /api routes.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed browser origins. "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`

	// MaxMediaBytes caps decoded uploads. Default: 16 MiB
	MaxMediaBytes int64 `yaml:"max_media_bytes"`

	// KeepAlive is the push channel heartbeat interval. Default: 25s
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:       ":3000",
		MaxMediaBytes: 16 << 20,
		KeepAlive:     25 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.MaxMediaBytes <= 0 {
		c.MaxMediaBytes = d.MaxMediaBytes
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	return c
}

// Gateway is the HTTP front of the broker.
type Gateway struct {
	manager   *session.Manager
	store     store.Store
	config    Config
	version   string
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Gateway. st may be nil when persistence is disabled.
func New(manager *session.Manager, st store.Store, cfg Config, version string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		manager:   manager,
		store:     st,
		config:    cfg.withDefaults(),
		version:   version,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler builds the routed and wrapped handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /health", g.handleHealth)

	// Session control
	mux.HandleFunc("GET /api/ping", g.handlePing)
	mux.HandleFunc("POST /api/connect", g.handleConnect)
	mux.HandleFunc("POST /api/disconnect", g.handleDisconnect)
	mux.HandleFunc("GET /api/status", g.handleStatus)
	mux.HandleFunc("POST /api/probe", g.handleProbe)

	// Chats and messages
	mux.HandleFunc("GET /api/chats", g.handleChats)
	mux.HandleFunc("GET /api/messages/{chatId}", g.handleMessages)
	mux.HandleFunc("POST /api/send", g.handleSend)
	mux.HandleFunc("POST /api/send-media", g.handleSendMedia)
	mux.HandleFunc("GET /api/profile-pic/{chatId}", g.handleProfilePic)
	mux.HandleFunc("GET /api/media/{messageId}", g.handleMedia)

	// Persistence reads
	mux.HandleFunc("GET /api/quick-replies", g.handleQuickReplies)
	mux.HandleFunc("GET /api/logs/{chatId}", g.handleLogs)

	// Push
	mux.HandleFunc("GET /api/events", g.handleSSE)
	mux.HandleFunc("GET /api/ws", g.handleWS)

	return g.requestIDMiddleware(
		g.recoverMiddleware(
			g.securityHeadersMiddleware(
				g.corsMiddleware(
					g.authMiddleware(mux)))))
}

// Start listens in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			g.logger.Warn("gateway: no auth token and bound to a non-loopback address, the API is open to the network",
				"address", g.config.Address)
		}
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway: server error", "error", err)
		}
	}()
	g.logger.Info("gateway: started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway: stopping")
	return g.server.Shutdown(ctx)
}
