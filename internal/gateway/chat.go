package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/porterly/backend/internal/eventlog"
	"github.com/porterly/backend/internal/events"
)

// Longest accepted chat message, in bytes.
const maxChatLength = 5000

// Chat relays order-scoped messages between a customer and their porter.
// The gateway assigns the message id and timestamp; the client's tempId
// is echoed back in the broadcast so optimistic UIs can reconcile.
type Chat struct {
	rooms   *Rooms
	pub     eventlog.Publisher
	limiter *Limiter
	log     *slog.Logger
	metrics *Metrics
	newID   func() string
	now     func() time.Time
}

func NewChat(rooms *Rooms, pub eventlog.Publisher, limiter *Limiter, log *slog.Logger) *Chat {
	return &Chat{
		rooms:   rooms,
		pub:     pub,
		limiter: limiter,
		log:     log.With("component", "gateway-chat"),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// WithMetrics attaches the Prometheus bundle.
func (c *Chat) WithMetrics(m *Metrics) *Chat {
	c.metrics = m
	return c
}

// HandleSend processes one CHAT_MESSAGE_SEND frame.
func (c *Chat) HandleSend(ctx context.Context, sock socket, p ChatSendPayload) {
	sess := sock.Session()

	if !c.limiter.Allow("chat:" + sess.UserID) {
		if c.metrics != nil {
			c.metrics.RateLimited.WithLabelValues("chat").Inc()
		}
		sendSocketError(sock, "RATE_LIMIT_EXCEEDED", "chat budget exhausted", p.TempID)
		return
	}

	content := strings.TrimSpace(p.Content)
	if content == "" {
		sendSocketError(sock, "INVALID_PAYLOAD", "empty message", p.TempID)
		return
	}
	if len(content) > maxChatLength {
		sendSocketError(sock, "INVALID_PAYLOAD", "message too long", p.TempID)
		return
	}
	if p.OrderID == "" {
		sendSocketError(sock, "INVALID_PAYLOAD", "orderId required", p.TempID)
		return
	}

	// Only current order subscribers may post to its thread.
	ok, err := c.rooms.IsSubscriber(ctx, p.OrderID, sess.UserID)
	if err != nil {
		c.log.Error("chat membership check", "orderId", p.OrderID, "error", err)
		sendSocketError(sock, "INTERNAL_ERROR", "message not sent", p.TempID)
		return
	}
	if !ok {
		sendSocketError(sock, "FORBIDDEN", "not subscribed to order", p.TempID)
		return
	}

	msg := ChatReceivedPayload{
		MessageID:  c.newID(),
		OrderID:    p.OrderID,
		SenderID:   sess.UserID,
		SenderRole: sess.Role,
		Content:    content,
		Timestamp:  c.now().UTC(),
		TempID:     p.TempID,
	}

	// Durable first; fan-out follows. A consumer rebuilding chat history
	// from the log sees every message that was broadcast.
	evt, err := eventlog.New(events.TypeChatMessageSent, p.OrderID, events.ChatMessageSent{
		MessageID:  msg.MessageID,
		OrderID:    msg.OrderID,
		SenderID:   msg.SenderID,
		SenderRole: msg.SenderRole,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
	})
	if err != nil {
		c.log.Error("encode chat event", "orderId", p.OrderID, "error", err)
		sendSocketError(sock, "INTERNAL_ERROR", "message not sent", p.TempID)
		return
	}
	if err := c.pub.Publish(ctx, evt); err != nil {
		c.log.Error("publish chat event", "orderId", p.OrderID, "error", err)
		sendSocketError(sock, "INTERNAL_ERROR", "message not sent", p.TempID)
		return
	}

	env, err := NewEnvelope(EventChatMessageReceived, msg)
	if err != nil {
		return
	}
	if err := c.rooms.BroadcastOrder(ctx, p.OrderID, env); err != nil {
		c.log.Warn("chat fanout failed", "orderId", p.OrderID, "error", err)
	}
	if c.metrics != nil {
		c.metrics.ChatMessages.Inc()
	}
}

// HandleTyping relays CHAT_TYPING_START / CHAT_TYPING_STOP. Indicators
// are best effort: invalid or unauthorized ones are dropped without an
// error frame.
func (c *Chat) HandleTyping(ctx context.Context, sock socket, event string, p TypingPayload) {
	if p.OrderID == "" {
		return
	}
	sess := sock.Session()
	ok, err := c.rooms.IsSubscriber(ctx, p.OrderID, sess.UserID)
	if err != nil || !ok {
		return
	}
	env, err := NewEnvelope(event, TypingPayload{OrderID: p.OrderID, UserID: sess.UserID})
	if err != nil {
		return
	}
	if err := c.rooms.BroadcastOrder(ctx, p.OrderID, env); err != nil {
		c.log.Debug("typing fanout failed", "orderId", p.OrderID, "error", err)
	}
}
