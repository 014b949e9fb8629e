package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// client wraps one viewer connection. Writes go through a buffered channel
// drained by writePump, so a slow reader never blocks a broadcast.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Deliver queues a message, best-effort. A viewer whose buffer is full is
// treated as racing with disconnect: the message is dropped, not retried.
func (c *client) Deliver(msg []byte) {
	select {
	case c.send <- msg:
	default:
	}
}

// Close force-disconnects the transport, unblocking the read loop. Used
// when the sandbox is deleted under the viewer.
func (c *client) Close() {
	c.conn.Close()
}

// shutdown ends writePump once the read loop has exited and the client is
// detached from its session.
func (c *client) shutdown() {
	c.once.Do(func() { close(c.send) })
}
