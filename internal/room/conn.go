package room

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speedfog/racing/internal/metrics"
)

const (
	// sendTimeout bounds one outbound send; a connection that cannot accept a
	// payload within it is treated as dead.
	sendTimeout = 5 * time.Second
	// writeWait bounds the socket write itself.
	writeWait = 5 * time.Second
	// pingPeriod is the application-level heartbeat interval.
	pingPeriod = 30 * time.Second
	// sendBuffer is the per-connection outbound queue.
	sendBuffer = 64
)

// WebSocket close codes used by the protocol.
const (
	CloseNormal      = websocket.CloseNormalClosure
	CloseAuthTimeout = 4001
	CloseAuthFailed  = 4003
)

// ErrConnClosed is returned by Send after the connection shut down.
var ErrConnClosed = errors.New("room: connection closed")

// ErrSendTimeout is returned when a send could not be queued in time.
var ErrSendTimeout = errors.New("room: send timed out")

// Kind distinguishes the two connection endpoints.
type Kind string

const (
	KindMod       Kind = "mod"
	KindSpectator Kind = "spectator"
)

var pingPayload = []byte(`{"type":"ping"}`)

// Conn is one live WebSocket connection. A single writePump goroutine owns
// every write to the socket, including the heartbeat, so concurrent broadcast
// and unicast callers never race on the wire. Reads stay with the session
// handler's loop.
type Conn struct {
	Kind          Kind
	ParticipantID string // set for mod connections
	UserID        string // set for authenticated spectators
	Role          string
	Locale        string
	Anonymous     bool

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

// NewConn wraps a socket and starts its write pump.
func NewConn(kind Kind, ws *websocket.Conn) *Conn {
	c := &Conn{
		Kind: kind,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  slog.With("component", "room", "kind", string(kind)),
	}
	metrics.ConnectionsOpen.WithLabelValues(string(kind)).Inc()
	go c.writePump()
	return c
}

// Send marshals v and queues it for the write pump, waiting at most the send
// timeout. Failed sends make the caller responsible for removing the
// connection from its room.
func (c *Conn) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-timer.C:
		metrics.SendFailuresTotal.Inc()
		return ErrSendTimeout
	}
}

// Close writes a close frame with the given code and shuts the socket down.
// Safe to call multiple times; the heartbeat stops before the socket closes.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			c.log.Debug("close frame write failed", "error", err)
		}
		c.ws.Close()
		metrics.ConnectionsOpen.WithLabelValues(string(c.Kind)).Dec()
	})
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// ReadMessage reads the next inbound text frame. Only the session handler's
// read loop may call this.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, payload, err := c.ws.ReadMessage()
	return payload, err
}

// SetReadDeadline bounds the next read; used during the auth phase.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// writePump owns all socket writes: queued payloads and the 30 s heartbeat.
// A failed write closes the connection; the read loop unwinds on the broken
// TCP stream.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("write failed", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, pingPayload); err != nil {
				c.log.Debug("heartbeat failed", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}
