package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// clientConn is one accepted WebSocket connection, bound to a Session in the
// registry. Grounded on coordinator.go's Coordinator, with sendChan +
// senderLoop + pingLoop carried over verbatim in shape and readLoop adapted
// to dispatch through the hub's handler table instead of a fixed map.
type clientConn struct {
	id          string
	principalID string

	ws   *websocket.Conn
	send chan []byte

	hub    *Hub
	ctx    context.Context
	cancel context.CancelFunc
}

func newClientConn(hub *Hub, id, principalID string, ws *websocket.Conn) *clientConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &clientConn{
		id:          id,
		principalID: principalID,
		ws:          ws,
		send:        make(chan []byte, hub.cfg.SendBufferSize),
		hub:         hub,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// run drives the connection until it closes, then cleans it up from the
// hub. Blocks the caller; hub.Accept runs it in its own goroutine.
func (c *clientConn) run() {
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		c.senderLoop()
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop()
	}()

	c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	c.readLoop()

	c.cancel()
	c.ws.Close()
	<-senderDone
	<-pingDone

	c.hub.handleDisconnect(c)
}

// readLoop reads frames and dispatches them through the hub's handler table
// until the connection errors or is cancelled.
func (c *clientConn) readLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.hub.log.WithField("connection_id", c.id).WithError(err).Debug("dropped unparsable frame")
			continue
		}

		c.hub.dispatch(c, env)
	}
}

// senderLoop drains c.send and writes frames to the socket.
func (c *clientConn) senderLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.log.WithField("connection_id", c.id).WithError(err).Debug("write failed")
				return
			}
		}
	}
}

// pingLoop sends periodic control pings.
func (c *clientConn) pingLoop() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// enqueue writes payload to the connection's outbound channel without
// blocking. Returns an error if the channel is full.
func (c *clientConn) enqueue(payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("send buffer full for connection %s", c.id)
	}
}
