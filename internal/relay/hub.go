// Package relay holds the live signaling connections and routes messages
// between them, spilling to the channel store when the destination is not
// connected.
package relay

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("relay")

// Hub is the shared map of device ID to live connection. Registration is
// last-writer-wins: a new connection for a device replaces (and closes) the
// previous one rather than erroring.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{conns: map[string]*Conn{}}
}

// Register installs c as the live connection for its device. Any existing
// connection for the same device is closed with a superseded code.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	old := h.conns[c.deviceID]
	h.conns[c.deviceID] = c
	h.mu.Unlock()

	if old != nil && old != c {
		log.Debugf("connection for %s superseded", c.deviceID)
		old.closeWithCode(closeSuperseded, "superseded by new connection")
	}
}

// Deregister removes c from the map, but only if c is still the registered
// connection, so a replaced connection closing late doesn't evict its
// successor.
func (h *Hub) Deregister(c *Conn) {
	h.mu.Lock()
	if h.conns[c.deviceID] == c {
		delete(h.conns, c.deviceID)
	}
	h.mu.Unlock()
}

// Get returns the live connection for a device, if any.
func (h *Hub) Get(deviceID string) (*Conn, bool) {
	h.mu.Lock()
	c, ok := h.conns[deviceID]
	h.mu.Unlock()
	return c, ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	n := len(h.conns)
	h.mu.Unlock()
	return n
}

// CloseAll closes every live connection with a normal-closure code so
// clients reconnect instead of reporting an error. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[string]*Conn{}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeNormal("server shutting down")
	}
}
