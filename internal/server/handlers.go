package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/meshdial/meshdial/internal/fault"
	"github.com/meshdial/meshdial/internal/proto"
	"github.com/meshdial/meshdial/internal/store"
)

// announceReq is the body of an announce call. The network comes from the
// path and the owner from the verified credential.
type announceReq struct {
	DeviceID       string   `json:"device_id"`
	RendezvousAddr string   `json:"rendezvous_addr"`
	Capabilities   []string `json:"capabilities"`
}

// peerInfo is the public projection of a presence record.
type peerInfo struct {
	DeviceID       string   `json:"device_id"`
	RendezvousAddr string   `json:"rendezvous_addr"`
	Capabilities   []string `json:"capabilities"`
	IsCoordinator  bool     `json:"is_coordinator"`
	LastSeen       int64    `json:"last_seen"`
}

func toPeerInfo(p store.Presence) peerInfo {
	return peerInfo{
		DeviceID:       p.DeviceID,
		RendezvousAddr: p.RendezvousAddr,
		Capabilities:   p.Capabilities,
		IsCoordinator:  p.IsCoordinator,
		LastSeen:       p.LastSeen,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault maps an error class to a status and a structured body.
// Request-level errors carry no side effects; the body tells the caller
// whether retrying makes sense.
func writeFault(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), map[string]any{
		"error":     err.Error(),
		"code":      fault.Code(err),
		"retryable": fault.Retryable(err),
	})
}

// authenticate resolves the request's bearer credential to an identity.
func (s *Server) authenticate(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	credential := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	if credential == "" {
		credential = r.URL.Query().Get("access_token")
	}
	return s.provider.VerifyIdentity(r.Context(), credential)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channels, err := s.store.ChannelCount()
	if err != nil {
		channels = -1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_sec":       int64(time.Since(s.startedAt).Seconds()),
		"live_connections": s.relay.Hub().Count(),
		"channels":         channels,
		"events":           s.events.Snapshot(),
	})
}

// handleNetworks routes /v1/networks/<network>/announce, .../peers and
// .../peers/<userId>.
func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/networks/")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	network := parts[0]

	switch {
	case parts[1] == "announce" && len(parts) == 2:
		s.handleAnnounce(w, r, network)
	case parts[1] == "peers" && len(parts) == 2:
		s.handleListPeers(w, r, network)
	case parts[1] == "peers" && len(parts) == 3 && parts[2] != "":
		s.handleFindPeer(w, r, network, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request, network string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := s.authenticate(r)
	if err != nil {
		writeFault(w, err)
		return
	}

	if !s.announces.allow(ident) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req announceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.Validationf("bad json"))
		return
	}
	if !proto.ValidDeviceID(req.DeviceID) {
		writeFault(w, fault.Validationf("invalid device id %q", req.DeviceID))
		return
	}
	if !proto.ValidRendezvousAddr(req.RendezvousAddr) {
		writeFault(w, fault.Validationf("rendezvous address must be a ws:// or wss:// URL"))
		return
	}

	ok, err := s.provider.IsActiveMember(r.Context(), network, ident)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeFault(w, fault.Authorizationf("%s is not an active member of %s", ident, network))
		return
	}

	// A device ID belongs to whoever announced it first; another identity
	// can't take it over.
	if existing, err := s.store.GetPresence(req.DeviceID); err == nil && existing.Owner != ident {
		writeFault(w, fault.Authorizationf("device %s is registered to another identity", req.DeviceID))
		return
	}

	if _, err := s.store.UpsertPresence(req.DeviceID, ident, network,
		req.RendezvousAddr, proto.NormalizeCapabilities(req.Capabilities)); err != nil {
		writeFault(w, err)
		return
	}

	s.addEvent("announce %s in %s by %s", req.DeviceID, network, ident)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request, network string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := s.authenticate(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	ok, err := s.provider.IsActiveMember(r.Context(), network, ident)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeFault(w, fault.Authorizationf("%s is not an active member of %s", ident, network))
		return
	}

	peers, err := s.store.ListOnlinePeers(network, s.cfg.Server.PeerListLimit)
	if err != nil {
		writeFault(w, err)
		return
	}

	out := make([]peerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, toPeerInfo(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFindPeer(w http.ResponseWriter, r *http.Request, network, userID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := s.authenticate(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	ok, err := s.provider.IsActiveMember(r.Context(), network, ident)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeFault(w, fault.Authorizationf("%s is not an active member of %s", ident, network))
		return
	}

	device, hints, err := s.store.FindPeer(network, userID)
	if err != nil {
		writeFault(w, err)
		return
	}

	if device != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"online": true,
			"device": toPeerInfo(*device),
		})
		return
	}

	coords := make([]peerInfo, 0, len(hints))
	for _, p := range hints {
		coords = append(coords, toPeerInfo(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"online":           false,
		"lastCoordinators": coords,
	})
}

// handleDevices routes /v1/devices/<device>/drain.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/devices/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "drain" {
		http.NotFound(w, r)
		return
	}
	s.handleDrain(w, r, parts[0])
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request, deviceID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := s.authenticate(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !proto.ValidDeviceID(deviceID) {
		writeFault(w, fault.Validationf("invalid device id %q", deviceID))
		return
	}

	// Only the device's owner may drain its mailbox.
	p, err := s.store.GetPresence(deviceID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if p.Owner != ident {
		writeFault(w, fault.Authorizationf("device %s is not owned by %s", deviceID, ident))
		return
	}

	msgs, err := s.store.DrainMessagesFor(deviceID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if len(msgs) > 0 {
		s.addEvent("drained %d messages for %s", len(msgs), deviceID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleSignal upgrades /v1/signal/<device> to the live signaling
// connection. The relay owns everything past the upgrade.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimPrefix(r.URL.Path, "/v1/signal/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.relay.HandleConnection(w, r, deviceID)
}
