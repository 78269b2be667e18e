package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipforge/orchestrator/internal/adapter/observability"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 10
)

// pongDeadline bounds how long a connection may go without a pong: one full
// heartbeat interval plus the write budget of the ping itself. A client that
// misses the pong for a ping is dead within writeWait of that ping.
func pongDeadline(heartbeat time.Duration) time.Duration {
	return heartbeat + writeWait
}

// conn is one client connection. The hub loop is the only producer into out;
// the writer pump is the only consumer. Reader and writer never share state
// beyond those channels.
type conn struct {
	hub  *Hub
	sock *websocket.Conn

	out  chan []byte
	quit chan struct{}

	closeOnce sync.Once
}

func newConn(h *Hub, sock *websocket.Conn) *conn {
	return &conn{
		hub:  h,
		sock: sock,
		out:  make(chan []byte, h.queueSize),
		quit: make(chan struct{}),
	}
}

// enqueue appends a message to the outbound queue, dropping the oldest entry
// on overflow. Progress is self-healing; later messages convey later state.
// Called only from the hub loop.
func (c *conn) enqueue(msg []byte) {
	if msg == nil {
		return
	}
	select {
	case c.out <- msg:
		return
	default:
	}
	select {
	case <-c.out:
		observability.WSMessagesDroppedTotal.Inc()
	default:
	}
	select {
	case c.out <- msg:
	default:
	}
}

// closeWithCode sends a close control frame and tears the connection down.
func (c *conn) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		close(c.quit)
		_ = c.sock.Close()
	})
}

// writePump drains the outbound queue and keeps the heartbeat going. Pings go
// out every heartbeat interval; the read deadline in readPump enforces the
// pong requirement.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.out:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.closeWithCode(websocket.CloseGoingAway, "")
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWithCode(websocket.CloseGoingAway, "")
				return
			}
		case <-c.quit:
			return
		}
	}
}

// readPump demuxes typed client frames until the connection dies.
func (c *conn) readPump() {
	defer func() {
		c.hub.post(unsubscribeAllCmd{c: c})
		c.closeWithCode(websocket.CloseNormalClosure, "")
	}()

	c.sock.SetReadLimit(maxMessageSize)
	pongWait := pongDeadline(c.hub.heartbeat)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.hub.post(deliverCmd{c: c, msg: errorMessage("malformed message")})
			continue
		}
		switch env.Type {
		case TypePing:
			var p pingPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.hub.post(deliverCmd{c: c, msg: pongMessage(p.Timestamp)})

		case TypeSubscribeJob:
			var p subscribePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
				c.hub.post(deliverCmd{c: c, msg: errorMessage("subscribe_job requires an id")})
				continue
			}
			c.hub.post(subscribeCmd{c: c, jobID: p.ID})

		case TypeStartConversion:
			var p startConversionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.hub.post(deliverCmd{c: c, msg: errorMessage("malformed start_conversion payload")})
				continue
			}
			c.handleStart(p)

		default:
			slog.Debug("closing connection on unknown message type", slog.String("type", env.Type))
			c.closeWithCode(CloseUnknownType, "unknown message type")
			return
		}
	}
}

// handleStart submits a conversion and auto-subscribes the connection.
// Submission runs on the reader goroutine so a slow store never stalls the
// hub loop.
func (c *conn) handleStart(p startConversionPayload) {
	job, err := c.hub.submit(c.hub.baseCtx, p.URL, p.Format, p.Quality)
	if err != nil {
		ce := classifySubmit(err)
		c.hub.post(deliverCmd{c: c, msg: marshal(TypeError, map[string]any{
			"error":     ce,
			"timestamp": nowMillis(),
		})})
		return
	}
	c.hub.post(startedCmd{c: c, job: job})
}
