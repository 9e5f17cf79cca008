package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client→server socket events.
const (
	EventSubscribeOrder   = "SUBSCRIBE_ORDER"
	EventUnsubscribeOrder = "UNSUBSCRIBE_ORDER"
	EventLocationUpdate   = "LOCATION_UPDATE"
	EventJobOfferAccept   = "JOB_OFFER_ACCEPT"
	EventJobOfferReject   = "JOB_OFFER_REJECT"
	EventChatMessageSend  = "CHAT_MESSAGE_SEND"
	EventChatTypingStart  = "CHAT_TYPING_START"
	EventChatTypingStop   = "CHAT_TYPING_STOP"
	EventHeartbeat        = "HEARTBEAT"
	EventReconnect        = "RECONNECT"
)

// Server→client socket events.
const (
	EventAuthenticated       = "AUTHENTICATED"
	EventJobOfferReceived    = "JOB_OFFER_RECEIVED"
	EventLocationUpdated     = "LOCATION_UPDATED"
	EventOrderStatusChanged  = "ORDER_STATUS_CHANGED"
	EventChatMessageReceived = "CHAT_MESSAGE_RECEIVED"
	EventDisconnectReason    = "DISCONNECT_REASON"
	EventHeartbeatAck        = "HEARTBEAT_ACK"
	EventPorterOnline        = "PORTER_ONLINE"
	EventPorterOffline       = "PORTER_OFFLINE"
	EventError               = "ERROR"
)

// Envelope is the frame every socket message travels in.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// ErrorPayload is the data of an ERROR frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Ref     string `json:"ref,omitempty"` // offending client-supplied id, when known
}

// AuthenticatedPayload acknowledges a successful handshake.
type AuthenticatedPayload struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
}

// DisconnectPayload is sent just before the server closes a socket.
type DisconnectPayload struct {
	Reason         string `json:"reason"`
	ReconnectToken string `json:"reconnectToken,omitempty"`
}

// HeartbeatAckPayload echoes the refreshed activity timestamp.
type HeartbeatAckPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// SubscribeOrderPayload is the data of SUBSCRIBE_ORDER / UNSUBSCRIBE_ORDER.
type SubscribeOrderPayload struct {
	OrderID string `json:"orderId"`
}

// LocationUpdatePayload is a porter position sample.
type LocationUpdatePayload struct {
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	Accuracy      float64 `json:"accuracy"`
	Heading       float64 `json:"heading,omitempty"`
	Speed         float64 `json:"speed,omitempty"`
	Timestamp     int64   `json:"timestamp"` // unix millis from the device
	ActiveOrderID string  `json:"activeOrderId,omitempty"`
}

// LocationBroadcast fans a porter position to order subscribers.
type LocationBroadcast struct {
	PorterID  string    `json:"porterId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JobOfferPayload delivers an offer to a porter.
type JobOfferPayload struct {
	OfferID   string    `json:"offerId"`
	OrderID   string    `json:"orderId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// OfferDecisionPayload is the data of JOB_OFFER_ACCEPT / JOB_OFFER_REJECT.
type OfferDecisionPayload struct {
	OfferID string `json:"offerId"`
}

// ChatSendPayload is a client's outbound chat message.
type ChatSendPayload struct {
	OrderID string `json:"orderId"`
	Content string `json:"content"`
	TempID  string `json:"tempId,omitempty"`
}

// ChatReceivedPayload is the broadcast form, with the sender's tempId
// echoed so optimistic UI can reconcile.
type ChatReceivedPayload struct {
	MessageID  string    `json:"messageId"`
	OrderID    string    `json:"orderId"`
	SenderID   string    `json:"senderId"`
	SenderRole string    `json:"senderRole"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TempID     string    `json:"tempId,omitempty"`
}

// TypingPayload is a best-effort typing indicator.
type TypingPayload struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId,omitempty"`
}

// ReconnectPayload presents a reconnect token.
type ReconnectPayload struct {
	Token string `json:"token"`
}

// OrderStatusPayload is the broadcast form of order lifecycle events.
type OrderStatusPayload struct {
	OrderID    string    `json:"orderId"`
	Status     string    `json:"status"`
	PorterID   string    `json:"porterId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PorterPresencePayload is broadcast to the admin room.
type PorterPresencePayload struct {
	PorterID string    `json:"porterId"`
	At       time.Time `json:"at"`
}
