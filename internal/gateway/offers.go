package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/porterly/backend/internal/eventlog"
	"github.com/porterly/backend/internal/events"
	"github.com/porterly/backend/internal/store"
)

// Offer lifecycle statuses. An offer leaves pending exactly once.
const (
	OfferPending  = "pending"
	OfferAccepted = "accepted"
	OfferRejected = "rejected"
	OfferExpired  = "expired"
)

// Grace past the deadline before the offer record itself is dropped, so
// late deciders get OFFER_EXPIRED instead of OFFER_NOT_FOUND.
const offerRecordGrace = time.Hour

const offerDeadlinesKey = "offers:deadlines"

func offerKey(offerID string) string    { return "offer:" + offerID }
func porterRoom(porterID string) string { return "porter:" + porterID }

// Offers delivers job offers to porter sockets and arbitrates their
// single terminal transition. State lives in the shared store so any
// instance can decide an offer; the transition is a compare-and-set on
// the pending status, so exactly one of accept, reject, and expiry wins.
type Offers struct {
	store    store.Client
	rooms    *Rooms
	sessions *Sessions
	pub      eventlog.Publisher
	log      *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer // in-process deadline backstop
}

func NewOffers(st store.Client, rooms *Rooms, sessions *Sessions, pub eventlog.Publisher, log *slog.Logger) *Offers {
	return &Offers{
		store:    st,
		rooms:    rooms,
		sessions: sessions,
		pub:      pub,
		log:      log.With("component", "gateway-offers"),
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
	}
}

// WithMetrics attaches the Prometheus bundle.
func (o *Offers) WithMetrics(m *Metrics) *Offers {
	o.metrics = m
	return o
}

// SendOffer persists the offer and pushes JOB_OFFER_RECEIVED to every
// socket of the target porter, on any instance. A porter with no live
// socket is recorded as a delivery failure; dispatch decides whether to
// re-offer.
func (o *Offers) SendOffer(ctx context.Context, offer events.JobOfferCreated) error {
	now := o.now()
	if !offer.ExpiresAt.After(now) {
		return fmt.Errorf("offer %s already past its deadline", offer.OfferID)
	}

	key := offerKey(offer.OfferID)
	err := o.store.HSet(ctx, key, map[string]string{
		"orderId":   offer.OrderID,
		"porterId":  offer.PorterID,
		"status":    OfferPending,
		"expiresAt": strconv.FormatInt(offer.ExpiresAt.UnixMilli(), 10),
	})
	if err != nil {
		return fmt.Errorf("persist offer: %w", err)
	}
	_ = o.store.Expire(ctx, key, offer.ExpiresAt.Sub(now)+offerRecordGrace)
	if err := o.store.ZAdd(ctx, offerDeadlinesKey, float64(offer.ExpiresAt.UnixMilli()), offer.OfferID); err != nil {
		return fmt.Errorf("schedule offer deadline: %w", err)
	}
	o.armTimer(offer.OfferID, offer.ExpiresAt.Sub(now))

	env, err := NewEnvelope(EventJobOfferReceived, JobOfferPayload{
		OfferID:   offer.OfferID,
		OrderID:   offer.OrderID,
		ExpiresAt: offer.ExpiresAt,
	})
	if err != nil {
		return err
	}

	sockets, err := o.sessions.SocketsForUser(ctx, offer.PorterID)
	if err != nil {
		return fmt.Errorf("resolve porter sockets: %w", err)
	}
	if len(sockets) == 0 {
		o.log.Warn("offer target offline", "offerId", offer.OfferID, "porterId", offer.PorterID)
		o.recordDelivery(false)
		return nil
	}
	if err := o.rooms.Broadcast(ctx, porterRoom(offer.PorterID), env); err != nil {
		o.recordDelivery(false)
		return fmt.Errorf("deliver offer: %w", err)
	}
	o.recordDelivery(true)
	return nil
}

// Accept processes JOB_OFFER_ACCEPT from a porter socket.
func (o *Offers) Accept(ctx context.Context, sock socket, offerID string) {
	o.decide(ctx, sock, offerID, OfferAccepted)
}

// Reject processes JOB_OFFER_REJECT from a porter socket.
func (o *Offers) Reject(ctx context.Context, sock socket, offerID string) {
	o.decide(ctx, sock, offerID, OfferRejected)
}

func (o *Offers) decide(ctx context.Context, sock socket, offerID, decision string) {
	sess := sock.Session()
	offer, err := o.store.HGetAll(ctx, offerKey(offerID))
	if err != nil {
		o.log.Error("load offer", "offerId", offerID, "error", err)
		sendSocketError(sock, "INTERNAL_ERROR", "offer lookup failed", offerID)
		return
	}
	if len(offer) == 0 {
		sendSocketError(sock, "OFFER_NOT_FOUND", "unknown or lapsed offer", offerID)
		return
	}
	if offer["porterId"] != sess.UserID {
		sendSocketError(sock, "FORBIDDEN", "offer addressed to another porter", offerID)
		return
	}

	// Past-deadline decisions lose to expiry even when the sweeper has
	// not run yet.
	deadline, _ := strconv.ParseInt(offer["expiresAt"], 10, 64)
	if deadline > 0 && o.now().UnixMilli() > deadline {
		o.expire(ctx, offerID)
		sendSocketError(sock, "OFFER_EXPIRED", "offer deadline passed", offerID)
		return
	}

	won, err := o.transition(ctx, offerID, decision)
	if err != nil {
		o.log.Error("offer transition", "offerId", offerID, "error", err)
		sendSocketError(sock, "INTERNAL_ERROR", "offer decision failed", offerID)
		return
	}
	if !won {
		// Re-read to tell the caller what beat them.
		offer, err := o.store.HGetAll(ctx, offerKey(offerID))
		if err == nil && offer["status"] == OfferExpired {
			sendSocketError(sock, "OFFER_EXPIRED", "offer deadline passed", offerID)
			return
		}
		sendSocketError(sock, "OFFER_ALREADY_PROCESSED", "offer already decided", offerID)
		return
	}

	outcome := events.JobOfferOutcome{
		OfferID:   offerID,
		OrderID:   offer["orderId"],
		PorterID:  sess.UserID,
		Timestamp: o.now().UTC(),
	}
	eventType := events.TypeJobOfferAccepted
	if decision == OfferRejected {
		eventType = events.TypeJobOfferRejected
	}
	o.publishOutcome(ctx, eventType, outcome)
	o.recordOutcome(decision)
}

// ExpireOffer moves a pending offer to expired. It is safe to call for
// offers already decided; those are left alone.
func (o *Offers) ExpireOffer(ctx context.Context, offerID string) bool {
	return o.expire(ctx, offerID)
}

func (o *Offers) expire(ctx context.Context, offerID string) bool {
	won, err := o.transition(ctx, offerID, OfferExpired)
	if err != nil {
		o.log.Error("offer expiry", "offerId", offerID, "error", err)
		return false
	}
	if !won {
		return false
	}
	offer, err := o.store.HGetAll(ctx, offerKey(offerID))
	if err != nil {
		o.log.Error("load expired offer", "offerId", offerID, "error", err)
		return true
	}
	o.publishOutcome(ctx, events.TypeJobOfferExpired, events.JobOfferOutcome{
		OfferID:   offerID,
		OrderID:   offer["orderId"],
		PorterID:  offer["porterId"],
		Timestamp: o.now().UTC(),
	})
	o.recordOutcome(OfferExpired)
	return true
}

// transition is the single gate out of pending.
func (o *Offers) transition(ctx context.Context, offerID, to string) (bool, error) {
	won, err := o.store.HSetIfFieldEquals(ctx, offerKey(offerID), "status", OfferPending, map[string]string{
		"status":    to,
		"decidedAt": strconv.FormatInt(o.now().UnixMilli(), 10),
	})
	if err != nil {
		return false, err
	}
	if won {
		_ = o.store.ZRem(ctx, offerDeadlinesKey, offerID)
		o.disarmTimer(offerID)
	}
	return won, nil
}

// SweepExpired expires every offer whose deadline has passed. The
// in-process timers cover the common case; the sweep catches offers
// orphaned by an instance restart.
func (o *Offers) SweepExpired(ctx context.Context) int {
	due, err := o.store.ZRangeByScore(ctx, offerDeadlinesKey, 0, float64(o.now().UnixMilli()))
	if err != nil {
		o.log.Error("list due offers", "error", err)
		return 0
	}
	expired := 0
	for _, offerID := range due {
		if o.expire(ctx, offerID) {
			expired++
		} else {
			// Decided elsewhere or the record lapsed; drop the deadline.
			_ = o.store.ZRem(ctx, offerDeadlinesKey, offerID)
		}
	}
	return expired
}

// Run sweeps deadlines until ctx is cancelled.
func (o *Offers) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.SweepExpired(ctx)
		}
	}
}

// Close stops the in-process deadline timers.
func (o *Offers) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, timer := range o.timers {
		timer.Stop()
		delete(o.timers, id)
	}
}

func (o *Offers) armTimer(offerID string, in time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if old := o.timers[offerID]; old != nil {
		old.Stop()
	}
	o.timers[offerID] = time.AfterFunc(in, func() {
		o.expire(context.Background(), offerID)
	})
}

func (o *Offers) disarmTimer(offerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if timer := o.timers[offerID]; timer != nil {
		timer.Stop()
		delete(o.timers, offerID)
	}
}

func (o *Offers) publishOutcome(ctx context.Context, eventType string, outcome events.JobOfferOutcome) {
	evt, err := eventlog.New(eventType, outcome.OfferID, outcome)
	if err != nil {
		o.log.Error("encode offer outcome", "offerId", outcome.OfferID, "error", err)
		return
	}
	if err := o.pub.Publish(ctx, evt); err != nil {
		o.log.Error("publish offer outcome", "offerId", outcome.OfferID, "type", eventType, "error", err)
	}
}

func (o *Offers) recordDelivery(delivered bool) {
	if o.metrics == nil {
		return
	}
	if delivered {
		o.metrics.OffersDelivered.WithLabelValues("delivered").Inc()
	} else {
		o.metrics.OffersDelivered.WithLabelValues("delivery_failure").Inc()
	}
}

func (o *Offers) recordOutcome(outcome string) {
	if o.metrics != nil {
		o.metrics.OfferOutcomes.WithLabelValues(outcome).Inc()
	}
}
