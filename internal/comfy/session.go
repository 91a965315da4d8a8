package comfy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultSessionID is used when the backend's first status frame carries no
// sid. The backend still works, but events are not scoped to this client.
const DefaultSessionID = "default_client"

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Frame is one message read from the backend socket.
type Frame struct {
	Binary bool
	Data   []byte
}

// Session is a single websocket connection to the backend.
type Session struct {
	conn    *websocket.Conn
	id      string
	writeMu sync.Mutex // serialises all conn writes (ping, subscribe)
	alive   atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// Dial opens the backend socket and waits for the initial status frame to
// learn the session id.
func Dial(ctx context.Context, wsURL, clientID string, handshakeTimeout time.Duration) (*Session, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, &ConnectError{URL: wsURL, Err: err}
	}
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, &ConnectError{URL: u.String(), Err: err}
	}

	if handshakeTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, &ConnectError{URL: u.String(), Err: fmt.Errorf("awaiting status frame: %w", err)}
	}
	conn.SetReadDeadline(time.Time{})

	sid := ""
	if ev, err := ParseEvent(data); err == nil {
		if st, ok := ev.(StatusEvent); ok {
			sid = st.SessionID
		}
	}
	if sid == "" {
		log.Warn().Msgf("Failed to get session ID, using '%s' instead", DefaultSessionID)
		sid = DefaultSessionID
	} else {
		log.Info().Str("sid", sid).Msg("Got session ID")
	}

	s := &Session{
		conn: conn,
		id:   sid,
		done: make(chan struct{}),
	}
	s.alive.Store(true)
	go s.pingLoop()
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Alive is false once the socket has been closed or a read has failed.
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// Subscribe asks the backend to stream events for promptID to this socket.
func (s *Session) Subscribe(promptID string) error {
	msg := subscribeMessage{Op: "subscribe_to_prompt"}
	msg.Data.PromptID = promptID

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribing to %s: %w", promptID, err)
	}
	return nil
}

// Receive blocks for the next frame. A zero timeout waits forever. After
// ErrReceiveTimeout the socket is no longer readable and should be replaced.
func (s *Session) Receive(timeout time.Duration) (Frame, error) {
	if timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}

	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return Frame{}, ErrReceiveTimeout
		}
		s.alive.Store(false)
		return Frame{}, fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return Frame{Binary: mt == websocket.BinaryMessage, Data: data}, nil
}

// Close releases the socket. It is safe to call more than once and close
// errors are ignored.
func (s *Session) Close() {
	s.once.Do(func() {
		s.alive.Store(false)
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Upstream owns the process's single backend socket.
type Upstream struct {
	url              string
	clientID         string
	handshakeTimeout time.Duration

	mu      sync.Mutex
	current *Session
}

func NewUpstream(wsURL string, handshakeTimeout time.Duration) *Upstream {
	return &Upstream{
		url:              wsURL,
		clientID:         uuid.NewString(),
		handshakeTimeout: handshakeTimeout,
	}
}

// Reconnect closes the current socket, if any, and dials a fresh one.
// Event subscriptions belong to the socket, so nothing is carried over.
func (u *Upstream) Reconnect(ctx context.Context) (*Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.current != nil {
		u.current.Close()
		u.current = nil
	}

	log.Info().Str("url", u.url).Msg("Connecting to backend websocket")
	s, err := Dial(ctx, u.url, u.clientID, u.handshakeTimeout)
	if err != nil {
		return nil, err
	}
	u.current = s
	return s, nil
}

// Connected reports whether a live socket is held.
func (u *Upstream) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current != nil && u.current.Alive()
}

func (u *Upstream) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.current != nil {
		u.current.Close()
		u.current = nil
	}
}
