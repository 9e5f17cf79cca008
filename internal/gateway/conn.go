package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait       = 60 * time.Second // time allowed to read the next pong
	pingPeriod     = 30 * time.Second // must be < pongWait
	writeWait      = 10 * time.Second // time allowed to write a frame
	maxMessageSize = 64 * 1024
	sendBuffer     = 256 // per-socket outbound channel buffer
)

// socket is the transport a connected session speaks through. Handlers
// reply through it; the hub closes it.
type socket interface {
	Subscriber
	Session() *Session
	// CloseWith sends a DISCONNECT_REASON frame and tears the
	// connection down.
	CloseWith(reason, reconnectToken string)
}

// Conn is one WebSocket connection. All writes go through the send
// channel so writePump is the only goroutine touching the wire; readPump
// is the only reader.
type Conn struct {
	sess *Session
	ws   *websocket.Conn
	hub  *Hub

	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	reason string // set before close when the server initiated it
}

func newConn(hub *Hub, ws *websocket.Conn, sess *Session) *Conn {
	return &Conn{
		sess: sess,
		ws:   ws,
		hub:  hub,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) SocketID() string  { return c.sess.SocketID }
func (c *Conn) Session() *Session { return c.sess }

// Deliver queues an envelope without blocking. A false return means the
// send buffer was full and the frame was dropped.
func (c *Conn) Deliver(env Envelope) bool {
	payload, err := json.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// CloseWith pushes a DISCONNECT_REASON frame ahead of teardown. The
// reconnect token is empty for policy closes that must not resume.
func (c *Conn) CloseWith(reason, reconnectToken string) {
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()

	if env, err := NewEnvelope(EventDisconnectReason, DisconnectPayload{
		Reason:         reason,
		ReconnectToken: reconnectToken,
	}); err == nil {
		c.Deliver(env)
	}
	// Give writePump a beat to flush the frame.
	time.AfterFunc(250*time.Millisecond, c.close)
}

func (c *Conn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		return "connection_closed"
	}
	return c.reason
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		c.hub.unregister(c)
	})
}

// writePump serializes all writes: queued frames and keepalive pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			// Drain what queued up behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump reads frames and dispatches them to the hub. When the read
// side ends the hub retires the connection, minting the reconnect token
// for the departing client.
func (c *Conn) readPump() {
	defer c.hub.retire(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("socket read failed", "socketId", c.SocketID(), "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.hub.sendError(c, "INVALID_PAYLOAD", "malformed frame", "")
			continue
		}
		c.hub.dispatch(context.Background(), c, env)
	}
}
