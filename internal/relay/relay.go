package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshdial/meshdial/internal/fault"
	"github.com/meshdial/meshdial/internal/identity"
	"github.com/meshdial/meshdial/internal/proto"
	"github.com/meshdial/meshdial/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// Signaling clients are native device agents, not browsers; the bearer
	// credential is the access control, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay authenticates live connections and routes signaling messages
// between them, persisting every message to the channel store so offline
// recipients can drain it later.
type Relay struct {
	hub      *Hub
	store    *store.Store
	verifier identity.Verifier

	// called after a message is accepted; the server feeds its event log
	onEvent func(format string, args ...any)
}

// New creates a relay over the given hub, store and verifier.
func New(hub *Hub, st *store.Store, verifier identity.Verifier) *Relay {
	return &Relay{hub: hub, store: st, verifier: verifier, onEvent: func(string, ...any) {}}
}

// SetEventFunc installs a sink for human-readable relay events.
// Must be called before serving connections.
func (r *Relay) SetEventFunc(fn func(format string, args ...any)) {
	if fn != nil {
		r.onEvent = fn
	}
}

// Hub exposes the connection map (for the status endpoint).
func (r *Relay) Hub() *Hub { return r.hub }

// bearerCredential pulls the credential from the Authorization header or,
// for clients that cannot set headers on a WebSocket dial, the access_token
// query parameter.
func bearerCredential(req *http.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return req.URL.Query().Get("access_token")
}

// HandleConnection upgrades the request and runs the connection state
// machine: CONNECTING -> AUTHENTICATED -> ACTIVE -> CLOSED. Rejections
// happen with an application close code before any state is registered.
func (r *Relay) HandleConnection(w http.ResponseWriter, req *http.Request, deviceID string) {
	credential := bearerCredential(req)

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Debugf("upgrade failed for %s: %v", deviceID, err)
		return
	}

	c := newConn(uuid.NewString(), deviceID, "", ws)

	if !proto.ValidDeviceID(deviceID) {
		c.closeWithCode(closeInvalidDevice, "invalid device id")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	ident, err := r.verifier.VerifyIdentity(ctx, credential)
	cancel()
	if err != nil {
		log.Debugf("auth failed for %s: %v", deviceID, err)
		c.closeWithCode(closeAuthFailed, "authentication failed")
		return
	}
	c.identity = ident
	c.setState(stateAuthenticated)

	r.hub.Register(c)
	c.setState(stateActive)
	r.onEvent("device %s connected (owner %s)", deviceID, ident)

	go c.writePump()
	c.Send(proto.WelcomeFrame(deviceID))

	r.readLoop(c)
}

// readLoop processes inbound messages until the socket closes, then
// deregisters. No recovery beyond that: the device's next connection
// re-establishes everything.
func (r *Relay) readLoop(c *Conn) {
	defer func() {
		r.hub.Deregister(c)
		c.teardown()
		r.onEvent("device %s disconnected", c.deviceID)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("read error from %s: %v", c.deviceID, err)
			}
			return
		}
		r.handleMessage(c, data)
	}
}

// handleMessage runs the relay pipeline for one inbound message. Failures
// are reported to the sender as error frames and never affect relay state.
func (r *Relay) handleMessage(c *Conn, data []byte) {
	var msg proto.SignalMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Send(proto.ErrorFrame("invalid", "malformed message"))
		return
	}

	if err := msg.Validate(); err != nil {
		c.Send(proto.ErrorFrame("invalid", err.Error()))
		return
	}

	// Authorization: both endpoints must be known and share a network.
	// Signaling never crosses network boundaries.
	sender, err := r.store.GetPresence(c.deviceID)
	if err != nil {
		c.Send(proto.ErrorFrame(fault.Code(err), "sender not announced"))
		return
	}
	dest, err := r.store.GetPresence(msg.To)
	if err != nil {
		c.Send(proto.ErrorFrame(fault.Code(err), "unknown destination"))
		return
	}
	if sender.NetworkID != dest.NetworkID {
		err := fault.Authorizationf("devices %s and %s are in different networks", c.deviceID, msg.To)
		c.Send(proto.ErrorFrame(fault.Code(err), "destination not in your network"))
		return
	}

	// Stamp server-controlled fields; clients cannot spoof the sender.
	msg.ID = uuid.NewString()
	msg.From = c.deviceID
	msg.TS = proto.NowMillis()

	if err := r.store.AppendMessage(msg.From, msg.To, msg); err != nil {
		log.Errorf("queue message %s -> %s: %v", msg.From, msg.To, err)
		c.Send(proto.ErrorFrame(fault.Code(err), "message not accepted, retry"))
		return
	}

	// Live forward is fire-and-forget; the queued copy covers the offline
	// and dropped cases via the drain path.
	if dst, ok := r.hub.Get(msg.To); ok {
		if dst.Send(proto.SignalFrame(msg)) {
			r.onEvent("relayed %s %s -> %s", msg.Type, msg.From, msg.To)
			return
		}
	}
	// Destination offline: the message stays queued. Not a failure from
	// the sender's point of view.
	r.onEvent("queued %s %s -> %s (offline)", msg.Type, msg.From, msg.To)
}
