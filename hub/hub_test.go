package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starforge/realmcore/broadcast"
	"github.com/starforge/realmcore/logging"
	"github.com/starforge/realmcore/session"
)

// testHarness wires a Hub to a real session.Registry and broadcast.Router
// behind an httptest server, so tests drive it over an actual WebSocket
// round-trip instead of calling internals directly.
type testHarness struct {
	server *httptest.Server
	hub    *Hub
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := logging.NewContextLogger(logging.New(logging.DefaultConfig("test")), nil)

	reg, err := session.New(session.DefaultConfig(), logger)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PingInterval = time.Hour // keep pings out of the way of test timing
	h, err := New(reg, cfg, logger)
	require.NoError(t, err)

	router, err := broadcast.New(reg, h, broadcast.DefaultConfig(), logger)
	require.NoError(t, err)
	h.AttachRouter(router)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		connID := r.URL.Query().Get("conn")
		principalID := r.URL.Query().Get("principal")
		if err := h.Accept(w, r, connID, principalID, nil); err != nil {
			t.Logf("accept failed: %v", err)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testHarness{server: srv, hub: h}
}

func (h *testHarness) dial(t *testing.T, connID, principalID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?conn=" + connID + "&principal=" + principalID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) *Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := ParseEnvelope(data)
	require.NoError(t, err)
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env *Envelope) {
	t.Helper()
	data, err := env.JSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestAcceptSendsWelcomeAndRegistersSession(t *testing.T) {
	harness := newTestHarness(t)
	conn := harness.dial(t, "c1", "p1")

	env := readEnvelope(t, conn, time.Second)
	assert.Equal(t, MessageTypeWelcome, env.Type)

	// Give the accept goroutine a moment to finish registering, then check.
	require.Eventually(t, func() bool {
		_, ok := harness.hub.registry.Get("c1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestJoinRoomNotifiesExistingRoomMembers(t *testing.T) {
	harness := newTestHarness(t)
	connA := harness.dial(t, "a", "pa")
	readEnvelope(t, connA, time.Second) // welcome

	join := NewEnvelope(MessageTypeJoinRoom)
	join.PrincipalID = "pa"
	require.NoError(t, join.SetPayload(JoinRoomPayload{RoomID: "room-1"}))
	sendEnvelope(t, connA, join)
	ack := readEnvelope(t, connA, time.Second)
	assert.Equal(t, MessageTypeRoomJoined, ack.Type)

	connB := harness.dial(t, "b", "pb")
	readEnvelope(t, connB, time.Second) // welcome

	joinB := NewEnvelope(MessageTypeJoinRoom)
	joinB.PrincipalID = "pb"
	require.NoError(t, joinB.SetPayload(JoinRoomPayload{RoomID: "room-1"}))
	sendEnvelope(t, connB, joinB)
	readEnvelope(t, connB, time.Second) // B's own room_joined ack

	notice := readEnvelope(t, connA, time.Second)
	assert.Equal(t, MessageTypePlayerJoined, notice.Type)
	var payload PlayerPresencePayload
	require.NoError(t, json.Unmarshal(notice.Payload, &payload))
	assert.Equal(t, "pb", payload.PrincipalID)
	assert.Equal(t, "room-1", payload.RoomID)
}

func TestDisconnectBroadcastsPlayerLeftToRoom(t *testing.T) {
	harness := newTestHarness(t)
	connA := harness.dial(t, "a", "pa")
	readEnvelope(t, connA, time.Second)
	connB := harness.dial(t, "b", "pb")
	readEnvelope(t, connB, time.Second)

	joinA := NewEnvelope(MessageTypeJoinRoom)
	require.NoError(t, joinA.SetPayload(JoinRoomPayload{RoomID: "room-1"}))
	sendEnvelope(t, connA, joinA)
	readEnvelope(t, connA, time.Second) // room_joined

	joinB := NewEnvelope(MessageTypeJoinRoom)
	require.NoError(t, joinB.SetPayload(JoinRoomPayload{RoomID: "room-1"}))
	sendEnvelope(t, connB, joinB)
	readEnvelope(t, connB, time.Second)   // room_joined
	readEnvelope(t, connA, time.Second)   // player_joined for b

	connB.Close()

	notice := readEnvelope(t, connA, 2*time.Second)
	assert.Equal(t, MessageTypePlayerLeft, notice.Type)

	require.Eventually(t, func() bool {
		_, ok := harness.hub.registry.Get("b")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchRejectsPrincipalMismatch(t *testing.T) {
	harness := newTestHarness(t)
	conn := harness.dial(t, "c1", "p1")
	readEnvelope(t, conn, time.Second) // welcome

	bad := NewEnvelope(MessageTypeJoinRoom)
	bad.PrincipalID = "someone-else"
	require.NoError(t, bad.SetPayload(JoinRoomPayload{RoomID: "room-1"}))
	sendEnvelope(t, conn, bad)

	resp := readEnvelope(t, conn, time.Second)
	assert.Equal(t, MessageTypeErrorMsg, resp.Type)
}

func TestDeliverFailsForUnknownConnection(t *testing.T) {
	harness := newTestHarness(t)
	err := harness.hub.Deliver(context.Background(), "no-such-connection", []byte("x"))
	assert.Error(t, err)
}
