package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxInboundSize = 64 << 10
)

var (
	errSendQueueFull = errors.New("send queue full")
	errClientClosed  = errors.New("client closed")
)

// client is a websocket subscriber. Sends are queued and written in order by
// writePump, so one slow socket never holds up a broadcast.
type client struct {
	conn   *websocket.Conn
	send   chan Message
	onDead func(Conn)

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, buffer int, onDead func(Conn)) *client {
	c := &client{
		conn:   conn,
		send:   make(chan Message, buffer),
		onDead: onDead,
	}
	go c.writePump()
	return c
}

func (c *client) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- m:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close stops writePump after it flushes what is already queued.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

func (c *client) String() string {
	return c.conn.RemoteAddr().String()
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			mt := websocket.TextMessage
			if msg.Binary {
				mt = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(mt, msg.Data); err != nil {
				c.onDead(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.onDead(c)
				return
			}
		}
	}
}
