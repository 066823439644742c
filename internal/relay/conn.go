package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshdial/meshdial/internal/proto"
)

// Connection lifecycle states.
const (
	stateConnecting int32 = iota
	stateAuthenticated
	stateActive
	stateClosed
)

// Application close codes (4xxx range is reserved for applications).
const (
	closeAuthFailed    = 4401
	closeInvalidDevice = 4400
	closeSuperseded    = 4409
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// Conn wraps one live signaling connection. Outbound frames go through a
// buffered channel and a single writer goroutine; a consumer that can't
// keep up is dropped rather than allowed to block the hub.
type Conn struct {
	id       string
	deviceID string
	identity string
	ws       *websocket.Conn

	state int32

	send      chan proto.Frame
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id, deviceID, identity string, ws *websocket.Conn) *Conn {
	return &Conn{
		id:       id,
		deviceID: deviceID,
		identity: identity,
		ws:       ws,
		state:    stateConnecting,
		send:     make(chan proto.Frame, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// DeviceID returns the authenticated device identifier.
func (c *Conn) DeviceID() string { return c.deviceID }

// Identity returns the verified owner identity.
func (c *Conn) Identity() string { return c.identity }

func (c *Conn) setState(s int32) { atomic.StoreInt32(&c.state, s) }

func (c *Conn) currentState() int32 { return atomic.LoadInt32(&c.state) }

// Send queues a frame for delivery. Delivery is fire-and-forget: a full
// buffer or closed connection drops the frame and reports false.
func (c *Conn) Send(f proto.Frame) bool {
	if c.currentState() != stateActive {
		return false
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		log.Warnf("dropping frame for %s: send buffer full", c.deviceID)
		return false
	}
}

// writePump is the single writer for the socket: queued frames plus
// keepalive pings. It exits when the connection closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.teardown()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown()
				return
			}
		}
	}
}

// closeWithCode sends a close frame with an application code, then tears
// the connection down. The hub calls this on connections whose writePump is
// still running, so the close frame goes out via WriteControl, the one
// write gorilla allows concurrently with other writers.
func (c *Conn) closeWithCode(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.teardown()
}

// closeNormal closes with a normal-closure code (clean shutdown).
func (c *Conn) closeNormal(reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
	c.teardown()
}

func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		close(c.done)
		_ = c.ws.Close()
	})
}
