package ws

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Message is one frame relayed to subscribers.
type Message struct {
	Binary bool
	Data   []byte
}

// Conn is a downstream subscriber. Send must not block: a subscriber that
// cannot take the message right now reports an error and gets dropped.
type Conn interface {
	Send(Message) error
	Close() error
	String() string
}

// Registry is the set of live subscribers. Broadcasts iterate over a
// snapshot, so registration never waits on a slow send.
type Registry struct {
	mu     sync.RWMutex
	conns  map[Conn]struct{}
	logger zerolog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[Conn]struct{}),
		logger: log.With().Str("component", "registry").Logger(),
	}
}

// Register adds c. Registering a member twice is a no-op.
func (r *Registry) Register(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; ok {
		return
	}
	r.conns[c] = struct{}{}
	r.logger.Info().Str("conn", c.String()).Int("count", len(r.conns)).Msg("Subscriber registered")
}

// Unregister removes and closes c if it is still a member.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	n := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = c.Close()
	r.logger.Info().Str("conn", c.String()).Int("count", n).Msg("Subscriber removed")
}

func (r *Registry) BroadcastText(data []byte) int {
	return r.broadcast(Message{Data: data})
}

func (r *Registry) BroadcastBinary(data []byte) int {
	return r.broadcast(Message{Binary: true, Data: data})
}

// BroadcastJSON marshals v and sends it as a text frame.
func (r *Registry) BroadcastJSON(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error().Err(err).Msg("broadcast marshal error")
		return 0
	}
	return r.BroadcastText(data)
}

// broadcast delivers msg to every member independently and returns the
// number of successful sends. Failed members are unregistered.
func (r *Registry) broadcast(msg Message) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			r.logger.Warn().Err(err).Str("conn", c.String()).Msg("Send failed, dropping subscriber")
			r.Unregister(c)
			continue
		}
		sent++
	}
	return sent
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll unregisters every member.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		r.Unregister(c)
	}
}
