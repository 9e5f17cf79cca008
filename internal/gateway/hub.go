package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/porterly/backend/internal/config"
)

// Hub owns the socket lifecycle for one gateway instance: handshake,
// session registry, frame dispatch, and teardown.
type Hub struct {
	cfg      config.GatewayConfig
	verifier *TokenVerifier
	sessions *Sessions
	rooms    *Rooms
	location *LocationTracker
	offers   *Offers
	chat     *Chat
	limiter  *Limiter // global per-user frame budget
	metrics  *Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
	newID    func() string
	now      func() time.Time

	mu    sync.Mutex
	conns map[string]*Conn
}

// HubDeps collects the hub's collaborators.
type HubDeps struct {
	Config   config.GatewayConfig
	Verifier *TokenVerifier
	Sessions *Sessions
	Rooms    *Rooms
	Location *LocationTracker
	Offers   *Offers
	Chat     *Chat
	Metrics  *Metrics
	Log      *slog.Logger
}

func NewHub(d HubDeps) *Hub {
	return &Hub{
		cfg:      d.Config,
		verifier: d.Verifier,
		sessions: d.Sessions,
		rooms:    d.Rooms,
		location: d.Location,
		offers:   d.Offers,
		chat:     d.Chat,
		limiter:  NewLimiter(d.Config.RateLimit.Global),
		metrics:  d.Metrics,
		log:      d.Log.With("component", "gateway-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(d.Log),
		},
		newID: uuid.NewString,
		now:   time.Now,
		conns: make(map[string]*Conn),
	}
}

// buildCheckOrigin allowlists browser origins from GATEWAY_ALLOWED_ORIGINS
// (comma separated). Unset means any origin, for local development and
// native clients that send none.
func buildCheckOrigin(log *slog.Logger) func(*http.Request) bool {
	raw := os.Getenv("GATEWAY_ALLOWED_ORIGINS")
	if raw == "" {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool)
	for _, origin := range strings.Split(raw, ",") {
		allowed[strings.TrimSpace(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed[origin] {
			return true
		}
		log.Warn("origin rejected", "origin", origin)
		return false
	}
}

// Handler upgrades connections for one namespace. Mount it at the
// namespace's socket path.
func (h *Hub) Handler(namespace string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, namespace)
	}
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, namespace string) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	claims, err := h.verifier.VerifyForNamespace(token, namespace)
	if err != nil {
		h.log.Warn("handshake rejected", "namespace", namespace, "error", err)
		status := http.StatusUnauthorized
		if errors.Is(err, ErrRoleMismatch) {
			status = http.StatusForbidden
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	if h.localCount() >= h.cfg.MaxConnections {
		h.log.Warn("connection limit reached", "max", h.cfg.MaxConnections)
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "error", err)
		return
	}

	now := h.now().UTC()
	sess := &Session{
		SocketID:       h.newID(),
		UserID:         claims.UserID,
		Role:           claims.Role,
		Namespace:      namespace,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	c := newConn(h, ws, sess)

	ctx := r.Context()
	if err := h.sessions.Register(ctx, sess); err != nil {
		h.log.Error("session register failed", "userId", sess.UserID, "error", err)
		ws.Close()
		return
	}

	h.mu.Lock()
	h.conns[sess.SocketID] = c
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		h.metrics.ConnectionsTotal.WithLabelValues(namespace).Inc()
	}

	// Porters get a per-user room so offers reach every one of their
	// sockets on any instance; admins join the presence room.
	switch sess.Role {
	case RolePorter:
		if err := h.rooms.Join(ctx, porterRoom(sess.UserID), c); err != nil {
			h.log.Error("porter room join failed", "userId", sess.UserID, "error", err)
		}
		// Announce only the porter's first socket going online.
		if socks, err := h.sessions.SocketsForUser(ctx, sess.UserID); err == nil && len(socks) == 1 {
			h.announcePresence(ctx, sess.UserID, true)
		}
	case RoleAdmin:
		if err := h.rooms.Join(ctx, AdminRoom, c); err != nil {
			h.log.Error("admin room join failed", "userId", sess.UserID, "error", err)
		}
	}

	go c.writePump()
	go c.readPump()

	if env, err := NewEnvelope(EventAuthenticated, AuthenticatedPayload{
		SocketID: sess.SocketID,
		UserID:   sess.UserID,
		Role:     sess.Role,
	}); err == nil {
		c.Deliver(env)
	}

	h.log.Info("socket connected",
		"socketId", sess.SocketID, "userId", sess.UserID, "namespace", namespace)
}

// dispatch routes one inbound frame.
func (h *Hub) dispatch(ctx context.Context, c *Conn, env Envelope) {
	sess := c.Session()

	if !h.limiter.Allow(sess.UserID) {
		if h.metrics != nil {
			h.metrics.RateLimited.WithLabelValues("global").Inc()
		}
		h.sendError(c, "RATE_LIMIT_EXCEEDED", "too many frames", "")
		return
	}

	switch env.Event {
	case EventHeartbeat:
		h.handleHeartbeat(ctx, c)

	case EventSubscribeOrder:
		var p SubscribeOrderPayload
		if !h.decode(c, env, &p) {
			return
		}
		h.handleSubscribe(ctx, c, p.OrderID)

	case EventUnsubscribeOrder:
		var p SubscribeOrderPayload
		if !h.decode(c, env, &p) {
			return
		}
		if err := h.rooms.Unsubscribe(ctx, sess.SocketID, sess.UserID, p.OrderID); err != nil {
			h.log.Error("unsubscribe failed", "orderId", p.OrderID, "error", err)
			h.sendError(c, "INTERNAL_ERROR", "unsubscribe failed", p.OrderID)
		}

	case EventLocationUpdate:
		var p LocationUpdatePayload
		if !h.decode(c, env, &p) {
			return
		}
		h.location.HandleUpdate(ctx, c, p)

	case EventJobOfferAccept:
		var p OfferDecisionPayload
		if !h.decode(c, env, &p) {
			return
		}
		h.offers.Accept(ctx, c, p.OfferID)

	case EventJobOfferReject:
		var p OfferDecisionPayload
		if !h.decode(c, env, &p) {
			return
		}
		h.offers.Reject(ctx, c, p.OfferID)

	case EventChatMessageSend:
		var p ChatSendPayload
		if !h.decode(c, env, &p) {
			return
		}
		h.chat.HandleSend(ctx, c, p)

	case EventChatTypingStart, EventChatTypingStop:
		var p TypingPayload
		if !h.decode(c, env, &p) {
			return
		}
		h.chat.HandleTyping(ctx, c, env.Event, p)

	case EventReconnect:
		var p ReconnectPayload
		if !h.decode(c, env, &p) {
			return
		}
		h.handleReconnect(ctx, c, p.Token)

	default:
		h.sendError(c, "UNKNOWN_EVENT", "unsupported event "+env.Event, "")
	}
}

func (h *Hub) handleHeartbeat(ctx context.Context, c *Conn) {
	sess := c.Session()
	at, err := h.sessions.Touch(ctx, sess.SocketID, sess.UserID)
	if err != nil {
		h.log.Warn("heartbeat touch failed", "socketId", sess.SocketID, "error", err)
		at = h.now().UTC()
	}
	if env, err := NewEnvelope(EventHeartbeatAck, HeartbeatAckPayload{Timestamp: at}); err == nil {
		c.Deliver(env)
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, c *Conn, orderID string) {
	if orderID == "" {
		h.sendError(c, "INVALID_PAYLOAD", "orderId required", "")
		return
	}
	err := h.rooms.Subscribe(ctx, c, c.Session(), orderID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotAuthorized):
		h.sendError(c, "FORBIDDEN", "no access to order", orderID)
	default:
		h.log.Error("subscribe failed", "orderId", orderID, "error", err)
		h.sendError(c, "INTERNAL_ERROR", "subscribe failed", orderID)
	}
}

// handleReconnect resumes the subscriptions a previous socket held. The
// token is single use; presenting someone else's is rejected.
func (h *Hub) handleReconnect(ctx context.Context, c *Conn, token string) {
	sess := c.Session()
	state, err := h.sessions.ConsumeReconnectToken(ctx, token)
	switch {
	case errors.Is(err, ErrReconnectConsumed):
		h.sendError(c, "INVALID_TOKEN", "reconnect token unknown or used", "")
		return
	case err != nil:
		h.log.Error("reconnect consume failed", "error", err)
		h.sendError(c, "INTERNAL_ERROR", "reconnect failed", "")
		return
	}
	if state.UserID != sess.UserID {
		h.sendError(c, "FORBIDDEN", "reconnect token belongs to another user", "")
		return
	}

	// Re-run authorization per order; access can have changed since the
	// old socket subscribed.
	for _, orderID := range state.Subscriptions {
		if err := h.rooms.Subscribe(ctx, c, sess, orderID); err != nil {
			h.log.Warn("reconnect resubscribe skipped",
				"orderId", orderID, "userId", sess.UserID, "error", err)
		}
	}
}

// unregister tears down a connection's server-side state. Called exactly
// once per socket from Conn.close.
func (h *Hub) unregister(c *Conn) {
	sess := c.Session()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.mu.Lock()
	delete(h.conns, sess.SocketID)
	h.mu.Unlock()

	h.rooms.LeaveAll(sess.SocketID)
	h.limiter.Forget(sess.UserID)

	remaining, err := h.sessions.Unregister(ctx, sess.SocketID, sess.UserID)
	if err != nil {
		h.log.Error("session unregister failed", "socketId", sess.SocketID, "error", err)
	}
	if sess.Role == RolePorter {
		h.location.Forget(sess.UserID)
		if err == nil && remaining == 0 {
			h.announcePresence(ctx, sess.UserID, false)
		}
	}

	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
	}
	h.log.Info("socket disconnected",
		"socketId", sess.SocketID, "userId", sess.UserID, "reason", c.closeReason())
}

// reconnectTokenFor snapshots the user's order subscriptions and mints a
// single-use resume token over them.
func (h *Hub) reconnectTokenFor(ctx context.Context, sess *Session) string {
	subs, err := h.rooms.SubscriptionsOf(ctx, sess.UserID)
	if err != nil {
		h.log.Warn("subscription snapshot failed", "userId", sess.UserID, "error", err)
	}
	token, err := h.sessions.MintReconnectToken(ctx, &ReconnectState{
		UserID:        sess.UserID,
		Role:          sess.Role,
		Namespace:     sess.Namespace,
		Subscriptions: subs,
	})
	if err != nil {
		h.log.Warn("reconnect token mint failed", "userId", sess.UserID, "error", err)
		return ""
	}
	return token
}

// retire finalizes a connection whose read side ended: the client closed,
// or the transport errored. Every disconnection gets a reconnect token;
// the DISCONNECT_REASON frame carrying it is best effort, a dead
// transport just drops it.
func (h *Hub) retire(c *Conn) {
	select {
	case <-c.done:
		// A server-initiated close already sent reason and token.
		c.close()
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.CloseWith("connection_closed", h.reconnectTokenFor(ctx, c.Session()))
}

// Shutdown drains every local socket with a reconnect token so clients
// can resume their subscriptions against another instance.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.CloseWith("server_shutdown", h.reconnectTokenFor(ctx, c.Session()))
	}
}

func (h *Hub) announcePresence(ctx context.Context, porterID string, online bool) {
	event := EventPorterOnline
	if !online {
		event = EventPorterOffline
	}
	env, err := NewEnvelope(event, PorterPresencePayload{PorterID: porterID, At: h.now().UTC()})
	if err != nil {
		return
	}
	if err := h.rooms.Broadcast(ctx, AdminRoom, env); err != nil {
		h.log.Warn("presence broadcast failed", "porterId", porterID, "error", err)
	}
}

func (h *Hub) sendError(c *Conn, code, message, ref string) {
	sendSocketError(c, code, message, ref)
}

func (h *Hub) decode(c *Conn, env Envelope, out any) bool {
	if len(env.Data) == 0 {
		h.sendError(c, "INVALID_PAYLOAD", "missing data for "+env.Event, "")
		return false
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		h.sendError(c, "INVALID_PAYLOAD", "malformed data for "+env.Event, "")
		return false
	}
	return true
}

func (h *Hub) localCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// LocalConnections reports sockets held by this instance.
func (h *Hub) LocalConnections() int { return h.localCount() }
