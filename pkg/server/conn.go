package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one client WebSocket connection. Outbound frames are queued on a
// buffered channel drained by WritePump; inbound frames are read by ReadPump.
// Only ReadPump's goroutine may read; any goroutine may Send.
type Conn struct {
	// ID identifies the connection in logs.
	ID string

	ws     *websocket.Conn
	config ConnConfig
	logger *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeCode int
	closeText string

	// onSlow is called once if the connection is dropped for a full buffer.
	onSlow func()
}

func newConn(ws *websocket.Conn, config ConnConfig, logger *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		ID:        id,
		ws:        ws,
		config:    config,
		logger:    logger.With("conn_id", id),
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Send queues frame for delivery without blocking. A connection whose buffer
// is full is closed, so a stalled reader never holds up its session. Send
// reports whether the frame was queued.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send buffer full, closing connection", "buffer", cap(c.send))
		if c.closeWith(websocket.ClosePolicyViolation, "slow consumer") && c.onSlow != nil {
			c.onSlow()
		}
		return false
	}
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection with a normal closure. Safe to call more than
// once.
func (c *Conn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

// CloseGoingAway closes the connection because the server is shutting down.
func (c *Conn) CloseGoingAway() {
	c.closeWith(websocket.CloseGoingAway, "server shutting down")
}

func (c *Conn) closeWith(code int, text string) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
		closed = true
	})
	return closed
}

// ReadPump reads frames and passes each to handle, in order, on the calling
// goroutine. It returns when the connection fails or is closed, and closes
// the connection on the way out.
func (c *Conn) ReadPump(handle func(frame []byte)) {
	defer c.Close()

	c.ws.SetReadLimit(c.config.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.config.PongWait))
		handle(frame)
	}
}

// WritePump drains the send queue and sends heartbeat pings until the
// connection closes. It owns closing the underlying socket.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write error", "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.drain()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.WriteWait))
			return
		}
	}
}

// drain flushes frames that were queued before a normal close, so a reply
// sent just before the server closes still arrives. Slow consumers are not
// drained.
func (c *Conn) drain() {
	if c.closeCode == websocket.ClosePolicyViolation {
		return
	}
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
