package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autosupport.dev/internal/protocol"
	"autosupport.dev/internal/sim/host"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func read[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(b, &v))
	return v
}

func join(t *testing.T, s *Server, srv *httptest.Server, actor string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv)
	send(t, conn, `{"type":"HELLO","protocol_version":"1.0","actor":"`+actor+`"}`)
	w := read[protocol.WelcomeMsg](t, conn)
	require.Equal(t, protocol.TypeWelcome, w.Type)
	require.Equal(t, actor, w.Actor)
	require.Eventually(t, func() bool { return s.Sessions() > 0 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestServer_HandshakeAndInbox(t *testing.T) {
	s := NewServer(Config{WorldID: "w1", Catalogs: protocol.CatalogDigests{Items: "i", Parts: "p", Recipes: "r"}})
	s.SetTick(42)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	send(t, conn, `{"type":"HELLO","protocol_version":"1.0","actor":"alice"}`)
	w := read[protocol.WelcomeMsg](t, conn)
	assert.Equal(t, "alice", w.Actor)
	assert.Equal(t, "w1", w.WorldID)
	assert.Equal(t, uint64(42), w.ServerTick)
	assert.Equal(t, "p", w.Catalogs.Parts)
	assert.NotEmpty(t, w.SessionID)

	send(t, conn, `{"type":"TOOL_EQUIP","protocol_version":"1.0","mode":"DISMANTLE"}`)
	send(t, conn, `{"type":"BUILD","protocol_version":"1.0","req_id":"r1","building":"B1"}`)

	select {
	case env := <-s.Inbox():
		assert.Equal(t, protocol.TypeToolEquip, env.Type)
		assert.Equal(t, "alice", env.Actor)
		assert.Equal(t, host.ToolModeDismantle, env.Tool.Mode)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope")
	}
	select {
	case env := <-s.Inbox():
		assert.Equal(t, protocol.TypeBuild, env.Type)
		assert.Equal(t, "B1", env.Req.Building)
		env.Reply(protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, AckFor: env.Req.ReqID, Accepted: true})
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope")
	}
	ack := read[protocol.AckMsg](t, conn)
	assert.Equal(t, "r1", ack.AckFor)
	assert.True(t, ack.Accepted)
}

func TestServer_RejectsInvalidMessages(t *testing.T) {
	s := NewServer(Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := join(t, s, srv, "bob")

	send(t, conn, `{"type":"TOOL_MODE","protocol_version":"1.0","mode":"PAINT"}`)
	ack := read[protocol.AckMsg](t, conn)
	assert.False(t, ack.Accepted)
	assert.Equal(t, protocol.ErrProtoBadRequest, ack.Code)

	send(t, conn, `{"type":"BUILD","protocol_version":"0.1","req_id":"r1","building":"B1"}`)
	ack = read[protocol.AckMsg](t, conn)
	assert.Equal(t, protocol.ErrProtoBadRequest, ack.Code)

	send(t, conn, `not json`)
	ack = read[protocol.AckMsg](t, conn)
	assert.Equal(t, protocol.ErrProtoBadRequest, ack.Code)

	assert.Len(t, s.Inbox(), 0)
}

func TestServer_RejectsMissingHello(t *testing.T) {
	s := NewServer(Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	send(t, conn, `{"type":"BUILD","protocol_version":"1.0","req_id":"r1","building":"B1"}`)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 0, s.Sessions())
}

func TestServer_PushGroupingStateAndLeave(t *testing.T) {
	s := NewServer(Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := join(t, s, srv, "carol")

	s.PushGroupingState(host.GroupingState{GroupingID: "g1", Members: 5, Highlighted: true, Interactable: true})
	gs := read[protocol.GroupingStateMsg](t, conn)
	assert.Equal(t, protocol.TypeGroupingState, gs.Type)
	assert.Equal(t, "g1", gs.Grouping)
	assert.Equal(t, 5, gs.Members)
	assert.True(t, gs.Highlighted)

	require.NoError(t, conn.Close())
	select {
	case env := <-s.Inbox():
		assert.Equal(t, protocol.TypeToolUnequip, env.Type)
		assert.Equal(t, "carol", env.Actor)
	case <-time.After(2 * time.Second):
		t.Fatal("no unequip after disconnect")
	}
	assert.Equal(t, 0, s.Sessions())
}

func TestServer_StatusHandler(t *testing.T) {
	s := NewServer(Config{WorldID: "w1"})
	s.SetTick(7)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	s.StatusHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "w1", st.WorldID)
	assert.Equal(t, uint64(7), st.Tick)
	assert.Empty(t, st.Sessions)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	s.StatusHandler()(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
