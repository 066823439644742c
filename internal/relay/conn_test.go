package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/meshdial/meshdial/internal/proto"
)

// dialTestConn stands up a server-side Conn with a running writePump and a
// client socket on the other end.
func dialTestConn(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()

	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ready := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConn("c1", "peer_test_1", "tester", ws)
		c.setState(stateActive)
		go c.writePump()
		ready <- c
		<-c.done
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return <-ready, client
}

// floodConn queues large frames until the send buffer is saturated, so the
// pump sits in a socket write while the client refuses to read.
func floodConn(c *Conn) {
	payload, _ := json.Marshal(map[string]string{"blob": strings.Repeat("x", 128*1024)})
	frame := proto.SignalFrame(proto.SignalMsg{
		Type:    proto.TypeOffer,
		From:    "peer_flood_1",
		To:      "peer_test_1",
		Payload: payload,
		TS:      proto.NowMillis(),
	})
	for i := 0; i < sendBufferSize*2; i++ {
		c.Send(frame)
	}
}

func TestCloseWithCodeWhilePumpWriting(t *testing.T) {
	c, _ := dialTestConn(t)

	floodConn(c)
	time.Sleep(50 * time.Millisecond)

	// The superseded path closes a connection whose pump is mid-write; it
	// must complete without racing the pump's writer.
	done := make(chan struct{})
	go func() {
		c.closeWithCode(closeSuperseded, "superseded by new connection")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("closeWithCode did not complete")
	}
	require.Equal(t, stateClosed, c.currentState())
}

func TestCloseNormalWhilePumpWriting(t *testing.T) {
	c, _ := dialTestConn(t)

	floodConn(c)
	time.Sleep(50 * time.Millisecond)

	// Shutdown closes every live connection the same way.
	done := make(chan struct{})
	go func() {
		c.closeNormal("server shutting down")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("closeNormal did not complete")
	}
	require.Equal(t, stateClosed, c.currentState())
}
