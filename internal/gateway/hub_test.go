package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porterly/backend/internal/config"
	"github.com/porterly/backend/internal/eventlog"
	"github.com/porterly/backend/internal/store"
)

const testSocketKey = "test-socket-key"

type hubFixture struct {
	hub      *Hub
	rooms    *Rooms
	sessions *Sessions
	store    *store.MemoryClient
	server   *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	st := store.NewMemoryClient()
	log := slog.Default()
	cfg := config.Default().Gateway

	sessions := NewSessions(st, cfg.SessionTTL, cfg.ReconnectTTL)
	rooms := NewRooms(st, cfg.SessionTTL, log)
	memLog := eventlog.NewMemoryLog()
	limiter := NewLimiter(cfg.RateLimit.Location)
	location := NewLocationTracker(st, rooms, memLog, limiter, cfg.Location, log)
	offers := NewOffers(st, rooms, sessions, memLog, log)
	chat := NewChat(rooms, memLog, NewLimiter(cfg.RateLimit.Chat), log)

	hub := NewHub(HubDeps{
		Config:   cfg,
		Verifier: NewTokenVerifier(testSocketKey, ""),
		Sessions: sessions,
		Rooms:    rooms,
		Location: location,
		Offers:   offers,
		Chat:     chat,
		Log:      log,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/socket/client", hub.Handler(NamespaceClient))
	mux.HandleFunc("/socket/porter", hub.Handler(NamespacePorter))
	mux.HandleFunc("/socket/admin", hub.Handler(NamespaceAdmin))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &hubFixture{hub: hub, rooms: rooms, sessions: sessions, store: st, server: srv}
}

func socketToken(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := Sign(testSocketKey, Claims{
		UserID:    userID,
		Role:      role,
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return tok
}

func (fx *hubFixture) dial(t *testing.T, namespace, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/socket/" + namespace + "?token=" + tok
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	_, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &env))
	return env
}

func sendFrame(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	env, err := NewEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

func TestHandshakeAuthenticates(t *testing.T) {
	fx := newHubFixture(t)
	ws := fx.dial(t, "client", socketToken(t, "user-1", RoleCustomer))

	env := readFrame(t, ws)
	require.Equal(t, EventAuthenticated, env.Event)
	var p AuthenticatedPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, RoleCustomer, p.Role)
	assert.NotEmpty(t, p.SocketID)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	fx := newHubFixture(t)
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/socket/client?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRejectsWrongNamespace(t *testing.T) {
	fx := newHubFixture(t)
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") +
		"/socket/porter?token=" + socketToken(t, "user-1", RoleCustomer)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHeartbeatAck(t *testing.T) {
	fx := newHubFixture(t)
	ws := fx.dial(t, "client", socketToken(t, "user-1", RoleCustomer))
	readFrame(t, ws) // AUTHENTICATED

	sendFrame(t, ws, EventHeartbeat, nil)
	env := readFrame(t, ws)
	assert.Equal(t, EventHeartbeatAck, env.Event)
}

func TestSubscribeAndReceiveBroadcast(t *testing.T) {
	fx := newHubFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.rooms.SetOrderMeta(ctx, "order-1", "user-1", ""))

	ws := fx.dial(t, "client", socketToken(t, "user-1", RoleCustomer))
	readFrame(t, ws) // AUTHENTICATED

	sendFrame(t, ws, EventSubscribeOrder, SubscribeOrderPayload{OrderID: "order-1"})

	// The subscribe is processed asynchronously by the read pump; wait
	// for the membership to land before broadcasting.
	waitFor(t, func() bool {
		ok, err := fx.rooms.IsSubscriber(ctx, "order-1", "user-1")
		return err == nil && ok
	})
	waitFor(t, func() bool { return fx.rooms.LocalMembers(orderRoom("order-1")) == 1 })

	env, err := NewEnvelope(EventOrderStatusChanged, OrderStatusPayload{OrderID: "order-1", Status: "assigned"})
	require.NoError(t, err)
	require.NoError(t, fx.rooms.BroadcastOrder(ctx, "order-1", env))

	got := readFrame(t, ws)
	assert.Equal(t, EventOrderStatusChanged, got.Event)
}

func TestSubscribeUnauthorizedOrder(t *testing.T) {
	fx := newHubFixture(t)
	require.NoError(t, fx.rooms.SetOrderMeta(context.Background(), "order-1", "someone-else", ""))

	ws := fx.dial(t, "client", socketToken(t, "user-1", RoleCustomer))
	readFrame(t, ws) // AUTHENTICATED

	sendFrame(t, ws, EventSubscribeOrder, SubscribeOrderPayload{OrderID: "order-1"})
	env := readFrame(t, ws)
	require.Equal(t, EventError, env.Event)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "FORBIDDEN", p.Code)
}

func TestUnknownEventRejected(t *testing.T) {
	fx := newHubFixture(t)
	ws := fx.dial(t, "client", socketToken(t, "user-1", RoleCustomer))
	readFrame(t, ws) // AUTHENTICATED

	sendFrame(t, ws, "NOT_A_THING", nil)
	env := readFrame(t, ws)
	require.Equal(t, EventError, env.Event)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "UNKNOWN_EVENT", p.Code)
}

func TestPorterPresenceAnnouncedToAdmins(t *testing.T) {
	fx := newHubFixture(t)

	admin := fx.dial(t, "admin", socketToken(t, "admin-1", RoleAdmin))
	readFrame(t, admin) // AUTHENTICATED

	porter := fx.dial(t, "porter", socketToken(t, "porter-1", RolePorter))
	readFrame(t, porter) // AUTHENTICATED

	env := readFrame(t, admin)
	require.Equal(t, EventPorterOnline, env.Event)
	var p PorterPresencePayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "porter-1", p.PorterID)

	porter.Close()
	env = readFrame(t, admin)
	assert.Equal(t, EventPorterOffline, env.Event)
}

func TestShutdownDeliversReconnectTokenForResume(t *testing.T) {
	fx := newHubFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.rooms.SetOrderMeta(ctx, "order-1", "user-1", ""))

	ws := fx.dial(t, "client", socketToken(t, "user-1", RoleCustomer))
	readFrame(t, ws) // AUTHENTICATED
	sendFrame(t, ws, EventSubscribeOrder, SubscribeOrderPayload{OrderID: "order-1"})
	waitFor(t, func() bool { return fx.rooms.LocalMembers(orderRoom("order-1")) == 1 })

	fx.hub.Shutdown(ctx)

	env := readFrame(t, ws)
	require.Equal(t, EventDisconnectReason, env.Event)
	var p DisconnectPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "server_shutdown", p.Reason)
	require.NotEmpty(t, p.ReconnectToken)
	waitFor(t, func() bool { return fx.rooms.LocalMembers(orderRoom("order-1")) == 0 })

	// A fresh socket resumes the old subscriptions with the token.
	ws2 := fx.dial(t, "client", socketToken(t, "user-1", RoleCustomer))
	readFrame(t, ws2) // AUTHENTICATED
	sendFrame(t, ws2, EventReconnect, ReconnectPayload{Token: p.ReconnectToken})
	waitFor(t, func() bool { return fx.rooms.LocalMembers(orderRoom("order-1")) == 1 })

	// The token is single use.
	sendFrame(t, ws2, EventReconnect, ReconnectPayload{Token: p.ReconnectToken})
	env = readFrame(t, ws2)
	require.Equal(t, EventError, env.Event)
	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &errPayload))
	assert.Equal(t, "INVALID_TOKEN", errPayload.Code)
}

func TestClientDisconnectMintsReconnectToken(t *testing.T) {
	fx := newHubFixture(t)
	ctx := context.Background()
	fx.sessions.newToken = func() string { return "resume-1" }
	require.NoError(t, fx.rooms.SetOrderMeta(ctx, "order-1", "user-1", ""))

	ws := fx.dial(t, "client", socketToken(t, "user-1", RoleCustomer))
	readFrame(t, ws) // AUTHENTICATED
	sendFrame(t, ws, EventSubscribeOrder, SubscribeOrderPayload{OrderID: "order-1"})
	waitFor(t, func() bool { return fx.rooms.LocalMembers(orderRoom("order-1")) == 1 })

	// The client drops; the token is still minted so the client can
	// resume on its next connection.
	ws.Close()
	waitFor(t, func() bool {
		_, err := fx.store.Get(ctx, "reconnect:resume-1")
		return err == nil
	})

	raw, err := fx.store.Get(ctx, "reconnect:resume-1")
	require.NoError(t, err)
	var state ReconnectState
	require.NoError(t, json.Unmarshal([]byte(raw), &state))
	assert.Equal(t, "user-1", state.UserID)
	assert.Equal(t, []string{"order-1"}, state.Subscriptions)
}

func TestAdminMaySubscribeAnyOrder(t *testing.T) {
	fx := newHubFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.rooms.SetOrderMeta(ctx, "order-1", "user-1", ""))

	ws := fx.dial(t, "admin", socketToken(t, "admin-1", RoleAdmin))
	readFrame(t, ws) // AUTHENTICATED

	sendFrame(t, ws, EventSubscribeOrder, SubscribeOrderPayload{OrderID: "order-1"})
	waitFor(t, func() bool {
		ok, err := fx.rooms.IsSubscriber(ctx, "order-1", "admin-1")
		return err == nil && ok
	})
}
