// Package bidding implements the time-bounded auction engine: windows,
// bids, the weighted ranking strategy, the expiry reaper, and the domain
// event reactor.
package bidding

import "time"

type WindowStatus string

const (
	WindowOpen      WindowStatus = "OPEN"
	WindowClosed    WindowStatus = "CLOSED"
	WindowCancelled WindowStatus = "CANCELLED"
)

type BidStatus string

const (
	BidPlaced    BidStatus = "PLACED"
	BidAccepted  BidStatus = "ACCEPTED"
	BidCancelled BidStatus = "CANCELLED"
	BidExpired   BidStatus = "EXPIRED"
)

// Window is one auction over a bundle of orders. It is created OPEN and
// transitions exactly once to CLOSED or CANCELLED.
type Window struct {
	ID                string       `json:"id"`
	OrderIDs          []string     `json:"orderIds"`
	Status            WindowStatus `json:"status"`
	StrategyID        string       `json:"strategyId"`
	MinimumBidCents   int64        `json:"minimumBidCents"`
	ReservePriceCents *int64       `json:"reservePriceCents,omitempty"`
	PorterFilters     []string     `json:"porterFilters,omitempty"`
	MaxBidsPerPorter  int          `json:"maxBidsPerPorter"`
	OpenAt            time.Time    `json:"openAt"`
	ExpiresAt         time.Time    `json:"expiresAt"`
	ClosedAt          *time.Time   `json:"closedAt,omitempty"`
	CreatedBy         string       `json:"createdBy"`
	CorrelationID     string       `json:"correlationId"`
}

// IsOpen reports whether the window still accepts bids at t.
func (w *Window) IsOpen(t time.Time) bool {
	return w.Status == WindowOpen && !t.After(w.ExpiresAt)
}

// PorterMetadata carries the optional per-porter inputs to scoring.
type PorterMetadata struct {
	Rating         *float64 `json:"rating,omitempty"`         // 0–5
	Reliability    *float64 `json:"reliability,omitempty"`    // 0–100
	DistanceMeters *float64 `json:"distanceMeters,omitempty"` // to pickup
}

// Bid is a porter's offer within a window. PLACED is the only non-terminal
// status.
type Bid struct {
	ID             string          `json:"id"`
	WindowID       string          `json:"windowId"`
	PorterID       string          `json:"porterId"`
	AmountCents    int64           `json:"amountCents"`
	ETAMinutes     int             `json:"etaMinutes"`
	Status         BidStatus       `json:"status"`
	PlacedAt       time.Time       `json:"placedAt"`
	AcceptedAt     *time.Time      `json:"acceptedAt,omitempty"`
	CancelledAt    *time.Time      `json:"cancelledAt,omitempty"`
	ExpiredAt      *time.Time      `json:"expiredAt,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CancelReason   string          `json:"cancelReason,omitempty"`
	AcceptedBy     string          `json:"acceptedBy,omitempty"`
	CorrelationID  string          `json:"correlationId"`
	Metadata       *PorterMetadata `json:"metadata,omitempty"`
}

// Terminal reports whether the bid can no longer transition.
func (b *Bid) Terminal() bool {
	return b.Status != BidPlaced
}

// StrategyWeights is the parameter vector of a strategy. Weights are in
// [0,1] and sum to 1 within ±0.01 at creation time.
type StrategyWeights struct {
	Price       float64 `json:"priceWeight"`
	ETA         float64 `json:"etaWeight"`
	Rating      float64 `json:"ratingWeight"`
	Reliability float64 `json:"reliabilityWeight"`
	Distance    float64 `json:"distanceWeight"`
}

// Sum returns the total weight mass.
func (w StrategyWeights) Sum() float64 {
	return w.Price + w.ETA + w.Rating + w.Reliability + w.Distance
}

type Strategy struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Weights     StrategyWeights `json:"weights"`
	Active      bool            `json:"active"`
}

// Audit event kinds.
const (
	AuditPlaced    = "PLACED"
	AuditAccepted  = "ACCEPTED"
	AuditCancelled = "CANCELLED"
	AuditExpired   = "EXPIRED"
	AuditEvaluated = "EVALUATED"
)

// AuditEvent is one append-only row in the bid audit trail.
type AuditEvent struct {
	ID            int64     `json:"id"`
	BidID         string    `json:"bidId"`
	Kind          string    `json:"kind"`
	Payload       []byte    `json:"payload"`
	Actor         string    `json:"actor"`
	CorrelationID string    `json:"correlationId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Statistics is the aggregate snapshot served by getStatistics.
type Statistics struct {
	WindowsByStatus  map[WindowStatus]int64 `json:"windowsByStatus"`
	BidsByStatus     map[BidStatus]int64    `json:"bidsByStatus"`
	AvgBidsPerWindow float64                `json:"avgBidsPerWindow"`
}
