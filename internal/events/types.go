// Package events defines the domain event contracts shared by the bidding
// engine and the realtime gateway. Payloads are the wire format published
// to the event log; both services unmarshal into these structs.
package events

import "time"

// Event type identifiers, grouped by producing component.
const (
	TypeBidWindowOpened   = "BidWindowOpened"
	TypeBidPlaced         = "BidPlaced"
	TypeBidAccepted       = "BidAccepted"
	TypeBidWinnerSelected = "BidWinnerSelected"
	TypeBidCancelled      = "BidCancelled"
	TypeBidExpired        = "BidExpired"
	TypeBidClosed         = "BidClosed"

	TypeJobOfferCreated  = "JobOfferCreated"
	TypeJobOfferAccepted = "JobOfferAccepted"
	TypeJobOfferRejected = "JobOfferRejected"
	TypeJobOfferExpired  = "JobOfferExpired"

	TypeOrderCreated   = "OrderCreated"
	TypeOrderConfirmed = "OrderConfirmed"
	TypeOrderAssigned  = "OrderAssigned"
	TypeOrderStarted   = "OrderStarted"
	TypeOrderCompleted = "OrderCompleted"
	TypeOrderCancelled = "OrderCancelled"

	TypeOrderStatusChanged   = "OrderStatusChanged"
	TypeOrderTimelineUpdated = "OrderTimelineUpdated"

	TypePorterSuspended       = "PorterSuspended"
	TypePorterLocationUpdated = "PorterLocationUpdated"

	TypeChatMessageSent = "ChatMessageSent"
)

// Topic names, one per event family.
const (
	TopicBidding = "bidding.events"
	TopicOffers  = "offer.events"
	TopicOrders  = "order.events"
	TopicPorters = "porter.events"
	TopicChat    = "chat.events"
)

// TopicFor maps an event type to the topic its family publishes on.
// Unknown types land on the orders topic, the broadest consumer set.
func TopicFor(eventType string) string {
	switch eventType {
	case TypeBidWindowOpened, TypeBidPlaced, TypeBidAccepted,
		TypeBidWinnerSelected, TypeBidCancelled, TypeBidExpired, TypeBidClosed:
		return TopicBidding
	case TypeJobOfferCreated, TypeJobOfferAccepted, TypeJobOfferRejected, TypeJobOfferExpired:
		return TopicOffers
	case TypePorterSuspended, TypePorterLocationUpdated:
		return TopicPorters
	case TypeChatMessageSent:
		return TopicChat
	default:
		return TopicOrders
	}
}

// BidWindowOpened is emitted when an auction opens.
type BidWindowOpened struct {
	WindowID   string       `json:"windowId"`
	OrderIDs   []string     `json:"orderIds"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	StrategyID string       `json:"strategyId"`
	Config     WindowConfig `json:"configuration"`
}

// WindowConfig mirrors the window configuration for consumers.
type WindowConfig struct {
	MinimumBidCents   int64    `json:"minimumBidCents"`
	ReservePriceCents *int64   `json:"reservePriceCents,omitempty"`
	PorterFilters     []string `json:"porterFilters,omitempty"`
	MaxBidsPerPorter  int      `json:"maxBidsPerPorter"`
}

type BidPlaced struct {
	BidID      string    `json:"bidId"`
	WindowID   string    `json:"windowId"`
	PorterID   string    `json:"porterId"`
	AmountCents int64    `json:"amountCents"`
	ETAMinutes int       `json:"etaMinutes"`
	PlacedAt   time.Time `json:"placedAt"`
}

type BidAccepted struct {
	BidID       string    `json:"bidId"`
	WindowID    string    `json:"windowId"`
	PorterID    string    `json:"porterId"`
	AmountCents int64     `json:"amountCents"`
	AcceptedAt  time.Time `json:"acceptedAt"`
	AcceptedBy  string    `json:"acceptedBy"`
}

// BidWinnerSelected is the dispatcher-facing enrichment of BidAccepted.
// Exactly one is emitted per window over its lifetime.
type BidWinnerSelected struct {
	WindowID           string   `json:"windowId"`
	BidID              string   `json:"bidId"`
	OrderIDs           []string `json:"orderIds"`
	WinnerPorterID     string   `json:"winnerPorterId"`
	WinningAmountCents int64    `json:"winningAmountCents"`
}

type BidCancelled struct {
	BidID    string `json:"bidId"`
	WindowID string `json:"windowId"`
	PorterID string `json:"porterId"`
	Reason   string `json:"reason"`
}

type BidExpired struct {
	WindowID  string    `json:"windowId"`
	OrderIDs  []string  `json:"orderIds"`
	TotalBids int       `json:"totalBids"`
	ExpiredAt time.Time `json:"expiredAt"`
}

// Window close outcomes carried by BidClosed.
const (
	OutcomeWinnerSelected = "winner_selected"
	OutcomeExpired        = "expired"
	OutcomeCancelled      = "cancelled"
	OutcomeNoBids         = "no_bids"
)

type BidClosed struct {
	WindowID string   `json:"windowId"`
	OrderIDs []string `json:"orderIds"`
	Outcome  string   `json:"outcome"`
}

type JobOfferCreated struct {
	OfferID   string    `json:"offerId"`
	OrderID   string    `json:"orderId"`
	PorterID  string    `json:"porterId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// JobOfferOutcome is shared by JobOfferAccepted/Rejected/Expired.
type JobOfferOutcome struct {
	OfferID   string    `json:"offerId"`
	OrderID   string    `json:"orderId"`
	PorterID  string    `json:"porterId"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderEvent is the shared shape of the externally produced order
// lifecycle events (Created/Confirmed/Assigned/Started/Completed/Cancelled).
type OrderEvent struct {
	OrderID  string `json:"orderId"`
	PorterID string `json:"porterId,omitempty"`
	UserID   string `json:"userId"`
	Reason   string `json:"reason,omitempty"`
	Status   string `json:"status,omitempty"`
}

type OrderTimelineUpdated struct {
	OrderID    string    `json:"orderId"`
	Entry      string    `json:"entry"`
	OccurredAt time.Time `json:"occurredAt"`
}

type PorterSuspended struct {
	PorterID string `json:"porterId"`
	Reason   string `json:"reason"`
}

type PorterLocationUpdated struct {
	PorterID  string    `json:"porterId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type ChatMessageSent struct {
	MessageID  string    `json:"messageId"`
	OrderID    string    `json:"orderId"`
	SenderID   string    `json:"senderId"`
	SenderRole string    `json:"senderRole"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}
