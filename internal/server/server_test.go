package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdial/meshdial/internal/config"
	"github.com/meshdial/meshdial/internal/identity"
	"github.com/meshdial/meshdial/internal/proto"
	"github.com/meshdial/meshdial/internal/store"
)

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	store *store.Store
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AnnounceRatePerMin = 1000
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	provider := identity.NewStatic().
		Add("tok-alice", "alice", "net1").
		Add("tok-bob", "bob", "net1").
		Add("tok-carol", "carol", "net1").
		Add("tok-dave", "dave", "net2")

	s := New(cfg, st, provider)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)

	return &testEnv{srv: s, http: ts, store: st}
}

func (e *testEnv) wsURL(deviceID string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/v1/signal/" + deviceID
}

func (e *testEnv) dial(t *testing.T, deviceID, token string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL(deviceID), h)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) proto.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f proto.Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func announceBody(device string) map[string]any {
	return map[string]any{
		"device_id":       device,
		"rendezvous_addr": "ws://10.0.0.1:8788",
		"capabilities":    []string{"relay"},
	}
}

func TestAnnounceAndListPeers(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.doJSON(t, http.MethodPost, "/v1/networks/net1/announce", "tok-alice",
		announceBody("peer_alice_1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.doJSON(t, http.MethodGet, "/v1/networks/net1/peers", "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var peers []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	require.Len(t, peers, 1)
	assert.Equal(t, "peer_alice_1", peers[0]["device_id"])
	assert.Equal(t, "ws://10.0.0.1:8788", peers[0]["rendezvous_addr"])
}

func TestAnnounceRejections(t *testing.T) {
	e := newTestEnv(t, nil)

	// No credential.
	resp := e.doJSON(t, http.MethodPost, "/v1/networks/net1/announce", "",
		announceBody("peer_alice_1"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Not a member of the network.
	resp = e.doJSON(t, http.MethodPost, "/v1/networks/net2/announce", "tok-alice",
		announceBody("peer_alice_1"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Malformed device ID.
	bad := announceBody("alice!")
	resp = e.doJSON(t, http.MethodPost, "/v1/networks/net1/announce", "tok-alice", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Rendezvous address must be ws/wss.
	bad = announceBody("peer_alice_1")
	bad["rendezvous_addr"] = "http://10.0.0.1"
	resp = e.doJSON(t, http.MethodPost, "/v1/networks/net1/announce", "tok-alice", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Device IDs can't be taken over by another identity.
	resp = e.doJSON(t, http.MethodPost, "/v1/networks/net1/announce", "tok-alice",
		announceBody("peer_alice_1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.doJSON(t, http.MethodPost, "/v1/networks/net1/announce", "tok-bob",
		announceBody("peer_alice_1"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAnnounceRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Server.AnnounceRatePerMin = 2 })

	for i := 0; i < 2; i++ {
		resp := e.doJSON(t, http.MethodPost, "/v1/networks/net1/announce", "tok-alice",
			announceBody("peer_alice_1"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := e.doJSON(t, http.MethodPost, "/v1/networks/net1/announce", "tok-alice",
		announceBody("peer_alice_1"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Another caller is unaffected.
	resp = e.doJSON(t, http.MethodPost, "/v1/networks/net1/announce", "tok-bob",
		announceBody("peer_bob_2"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFindPeerOnlineAndFallback(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.doJSON(t, http.MethodPost, "/v1/networks/net1/announce", "tok-alice",
		announceBody("peer_alice_1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.doJSON(t, http.MethodGet, "/v1/networks/net1/peers/alice", "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var found struct {
		Online bool `json:"online"`
		Device struct {
			DeviceID string `json:"device_id"`
		} `json:"device"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&found))
	assert.True(t, found.Online)
	assert.Equal(t, "peer_alice_1", found.Device.DeviceID)

	// Unknown owner: offline result with coordinator hints.
	require.NoError(t, e.store.SetCoordinator("peer_alice_1", true,
		[]string{proto.CapCoordinator, proto.CapRelay}))

	resp = e.doJSON(t, http.MethodGet, "/v1/networks/net1/peers/zoe", "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fallback struct {
		Online           bool             `json:"online"`
		LastCoordinators []map[string]any `json:"lastCoordinators"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fallback))
	assert.False(t, fallback.Online)
	require.Len(t, fallback.LastCoordinators, 1)
	assert.Equal(t, "peer_alice_1", fallback.LastCoordinators[0]["device_id"])
}

func TestSignalWelcome(t *testing.T) {
	e := newTestEnv(t, nil)

	ws := e.dial(t, "peer_alice_1", "tok-alice")
	f := readFrame(t, ws)
	assert.Equal(t, proto.FrameWelcome, f.Kind)
	assert.Equal(t, "peer_alice_1", f.Device)
}

func TestSignalRejectsBadCredential(t *testing.T) {
	e := newTestEnv(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL("peer_alice_1"), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, 4401), "expected close 4401, got %v", err)
}

func TestSignalRejectsBadDeviceID(t *testing.T) {
	e := newTestEnv(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL("not_a_device"), http.Header{
		"Authorization": {"Bearer tok-alice"},
	})
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, 4400), "expected close 4400, got %v", err)
}

func sendSignal(t *testing.T, ws *websocket.Conn, typ, to, body string) {
	t.Helper()
	msg := proto.SignalMsg{
		Type:    typ,
		To:      to,
		Payload: json.RawMessage(fmt.Sprintf(`{"body":%q}`, body)),
	}
	require.NoError(t, ws.WriteJSON(msg))
}

func TestRelayForwardsToOnlineDestination(t *testing.T) {
	e := newTestEnv(t, nil)

	_, err := e.store.UpsertPresence("peer_alice_1", "alice", "net1", "ws://h:1", nil)
	require.NoError(t, err)
	_, err = e.store.UpsertPresence("peer_carol_3", "carol", "net1", "ws://h:2", nil)
	require.NoError(t, err)

	alice := e.dial(t, "peer_alice_1", "tok-alice")
	carol := e.dial(t, "peer_carol_3", "tok-carol")
	readFrame(t, alice) // welcome
	readFrame(t, carol) // welcome

	sendSignal(t, alice, proto.TypeOffer, "peer_carol_3", "hi carol")

	f := readFrame(t, carol)
	require.Equal(t, proto.FrameSignal, f.Kind)
	require.NotNil(t, f.Signal)
	assert.Equal(t, proto.TypeOffer, f.Signal.Type)
	assert.Equal(t, "peer_alice_1", f.Signal.From, "relay stamps the authenticated sender")
	assert.Equal(t, "peer_carol_3", f.Signal.To)
	assert.JSONEq(t, `{"body":"hi carol"}`, string(f.Signal.Payload))
	assert.NotZero(t, f.Signal.TS)
}

func TestRelayQueuesForOfflineDestinationAndDrains(t *testing.T) {
	e := newTestEnv(t, nil)

	_, err := e.store.UpsertPresence("peer_alice_1", "alice", "net1", "ws://h:1", nil)
	require.NoError(t, err)
	_, err = e.store.UpsertPresence("peer_carol_3", "carol", "net1", "ws://h:2", nil)
	require.NoError(t, err)

	alice := e.dial(t, "peer_alice_1", "tok-alice")
	readFrame(t, alice)

	sendSignal(t, alice, proto.TypeOffer, "peer_carol_3", "while you were out")

	// The append happens on the read goroutine; wait for it to land.
	require.Eventually(t, func() bool {
		n, err := e.store.PendingCount("peer_carol_3")
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)

	resp := e.doJSON(t, http.MethodPost, "/v1/devices/peer_carol_3/drain", "tok-carol", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var drained struct {
		Messages []proto.SignalMsg `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&drained))
	require.Len(t, drained.Messages, 1)
	assert.Equal(t, "peer_alice_1", drained.Messages[0].From)

	// Exactly once: a second drain is empty.
	resp = e.doJSON(t, http.MethodPost, "/v1/devices/peer_carol_3/drain", "tok-carol", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&drained))
	assert.Empty(t, drained.Messages)

	// And it never shows up in the sender's own mailbox.
	resp = e.doJSON(t, http.MethodPost, "/v1/devices/peer_alice_1/drain", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&drained))
	assert.Empty(t, drained.Messages)
}

func TestRelayRejectsCrossNetwork(t *testing.T) {
	e := newTestEnv(t, nil)

	_, err := e.store.UpsertPresence("peer_alice_1", "alice", "net1", "ws://h:1", nil)
	require.NoError(t, err)
	_, err = e.store.UpsertPresence("peer_dave_4", "dave", "net2", "ws://h:2", nil)
	require.NoError(t, err)

	alice := e.dial(t, "peer_alice_1", "tok-alice")
	readFrame(t, alice)

	sendSignal(t, alice, proto.TypeOffer, "peer_dave_4", "should not cross")

	f := readFrame(t, alice)
	assert.Equal(t, proto.FrameError, f.Kind)
	assert.Equal(t, "forbidden", f.Code)

	// Rejection produces no queued message.
	n, err := e.store.PendingCount("peer_dave_4")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayReportsMalformedMessages(t *testing.T) {
	e := newTestEnv(t, nil)

	_, err := e.store.UpsertPresence("peer_alice_1", "alice", "net1", "ws://h:1", nil)
	require.NoError(t, err)

	alice := e.dial(t, "peer_alice_1", "tok-alice")
	readFrame(t, alice)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readFrame(t, alice)
	assert.Equal(t, proto.FrameError, f.Kind)
	assert.Equal(t, "invalid", f.Code)

	// The connection survives and still relays errors for bad fields.
	sendSignal(t, alice, "shout", "peer_alice_1", "bad type")
	f = readFrame(t, alice)
	assert.Equal(t, proto.FrameError, f.Kind)
	assert.Equal(t, "invalid", f.Code)
}

func TestNewConnectionSupersedesOld(t *testing.T) {
	e := newTestEnv(t, nil)

	_, err := e.store.UpsertPresence("peer_alice_1", "alice", "net1", "ws://h:1", nil)
	require.NoError(t, err)
	_, err = e.store.UpsertPresence("peer_bob_2", "bob", "net1", "ws://h:2", nil)
	require.NoError(t, err)

	first := e.dial(t, "peer_alice_1", "tok-alice")
	readFrame(t, first)

	second := e.dial(t, "peer_alice_1", "tok-alice")
	readFrame(t, second)

	// The replaced connection is closed with the superseded code.
	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, 4409), "expected close 4409, got %v", err)

	// Traffic lands on the new connection.
	bob := e.dial(t, "peer_bob_2", "tok-bob")
	readFrame(t, bob)
	sendSignal(t, bob, proto.TypeOffer, "peer_alice_1", "hello again")

	f := readFrame(t, second)
	assert.Equal(t, proto.FrameSignal, f.Kind)
}

func TestDrainRequiresOwnership(t *testing.T) {
	e := newTestEnv(t, nil)

	_, err := e.store.UpsertPresence("peer_alice_1", "alice", "net1", "ws://h:1", nil)
	require.NoError(t, err)

	resp := e.doJSON(t, http.MethodPost, "/v1/devices/peer_alice_1/drain", "tok-bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Unknown device is a 404, not an empty drain.
	resp = e.doJSON(t, http.MethodPost, "/v1/devices/peer_ghost_9/drain", "tok-bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndStatus(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, err := http.Get(e.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ws := e.dial(t, "peer_alice_1", "tok-alice")
	readFrame(t, ws)

	resp2 := e.doJSON(t, http.MethodGet, "/statusz", "", nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var status struct {
		LiveConnections int `json:"live_connections"`
		Channels        int `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&status))
	assert.Equal(t, 1, status.LiveConnections)
}
