package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/comfy-relay/backend/internal/config"
)

var ErrTooManyConnections = errors.New("too many relay connections")

// Server accepts downstream subscriber sockets and registers them with the
// relay registry. Anything a subscriber sends is logged and otherwise ignored.
type Server struct {
	registry       *Registry
	sendBuffer     int
	maxClients     int
	active         atomic.Int64
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	logger         zerolog.Logger
}

func NewServer(registry *Registry, cfg config.RelayConfig) *Server {
	s := &Server{
		registry:       registry,
		sendBuffer:     cfg.SendBuffer,
		maxClients:     cfg.MaxClients,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		logger:         log.With().Str("component", "relay").Logger(),
	}
	if s.sendBuffer <= 0 {
		s.sendBuffer = 64
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetupRoutes serves the relay socket on every path, so subscribers can
// connect to ws://host:port/ or any sub-path.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleWS)
}

// ClientCount is the number of connected websocket subscribers.
func (s *Server) ClientCount() int {
	return int(s.active.Load())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.reserve(); err != nil {
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("Rejecting subscriber: connection limit reached")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.active.Add(-1)
		s.logger.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Subscriber connected")
	c := newClient(conn, s.sendBuffer, s.registry.Unregister)
	s.registry.Register(c)

	go s.readLoop(c)
}

// reserve claims a connection slot.
func (s *Server) reserve() error {
	n := s.active.Add(1)
	if s.maxClients > 0 && n > int64(s.maxClients) {
		s.active.Add(-1)
		return ErrTooManyConnections
	}
	return nil
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.registry.Unregister(c)
		s.active.Add(-1)
		s.logger.Info().Str("remote", c.String()).Msg("Subscriber disconnected")
	}()

	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ev := s.logger.Debug().Str("remote", c.String()).Int("bytes", len(data))
		if mt == websocket.TextMessage {
			ev = ev.Str("text", string(data))
		}
		ev.Msg("Received message from subscriber")
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// ListenAndServe serves h on host:port until ctx is cancelled, then shuts
// the listener down gracefully.
func ListenAndServe(ctx context.Context, name, host string, port int, h http.Handler) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("server", name).Str("addr", addr).Msg("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
