package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one websocket subscriber. Outbound frames go through a
// buffered channel so a slow client can never block the broadcast pass.
type Client struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

func newClient(srv *Server, conn *websocket.Conn, queue int) *Client {
	if queue < 1 {
		queue = 256
	}
	return &Client{
		srv:  srv,
		conn: conn,
		send: make(chan []byte, queue),
		quit: make(chan struct{}),
	}
}

// Deliver queues a frame without blocking. False marks the client dead:
// either it disconnected or its buffer is full.
func (c *Client) Deliver(msg []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.srv.registry.RemoveConn(c)
		close(c.quit)
		_ = c.conn.Close()
	})
}

// readPump consumes client requests and doubles as the connection
// watchdog via read deadlines.
func (c *Client) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.log.Printf("[gateway] client read: %v", err)
			}
			return
		}
		c.srv.handleMessage(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
