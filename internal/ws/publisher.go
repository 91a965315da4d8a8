package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Publisher forwards relayed frames to a non-websocket subscriber such as a
// message broker. Publish may block; it runs on its own goroutine.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
	Close() error
	String() string
}

const publishTimeout = 5 * time.Second

// publisherConn queues messages for a Publisher. Publish errors are logged
// and the subscriber stays registered. When the queue is full the new
// message is dropped and counted instead.
type publisherConn struct {
	p    Publisher
	send chan Message

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// NewPublisherConn wraps p so it can join a Registry.
func NewPublisherConn(p Publisher, buffer int) Conn {
	c := &publisherConn{
		p:    p,
		send: make(chan Message, buffer),
	}
	go c.pump()
	return c
}

func (c *publisherConn) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- m:
	default:
		n := c.dropped.Add(1)
		log.Warn().Str("sink", c.p.String()).Uint64("dropped", n).Msg("Sink queue full, dropping message")
	}
	return nil
}

// Dropped returns how many messages were discarded on a full queue.
func (c *publisherConn) Dropped() uint64 {
	return c.dropped.Load()
}

// Close stops accepting messages. The pump publishes what is already queued
// and then closes the publisher.
func (c *publisherConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

func (c *publisherConn) String() string {
	return c.p.String()
}

func (c *publisherConn) pump() {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := c.p.Publish(ctx, msg); err != nil {
			log.Warn().Err(err).Str("sink", c.p.String()).Msg("Publish failed")
		}
		cancel()
	}
	if err := c.p.Close(); err != nil {
		log.Warn().Err(err).Str("sink", c.p.String()).Msg("Closing sink")
	}
}
